package whisper

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nadzzz/livecaption/internal/audio"
	"github.com/nadzzz/livecaption/internal/recognition"
)

type fakeNode struct{ frames chan []byte }

func (n *fakeNode) ID() string            { return "fake" }
func (n *fakeNode) Frames() <-chan []byte { return n.frames }
func (n *fakeNode) Close() error          { return nil }

func bufferedNode(frames ...[]byte) *fakeNode {
	n := &fakeNode{frames: make(chan []byte, len(frames)+1)}
	for _, f := range frames {
		n.frames <- f
	}
	return n
}

// tone returns d of PCM alternating between +amp and -amp.
func tone(d time.Duration, amp int16) []byte {
	pcm := make([]byte, bytesFor(d))
	for i := 0; i+1 < len(pcm); i += 2 {
		v := amp
		if (i/2)%2 == 1 {
			v = -amp
		}
		binary.LittleEndian.PutUint16(pcm[i:], uint16(v))
	}
	return pcm
}

func collector() (recognition.Sink, chan recognition.Event) {
	ch := make(chan recognition.Event, 32)
	return func(ev recognition.Event) { ch <- ev }, ch
}

func next(t *testing.T, ch chan recognition.Event) recognition.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
		return recognition.Event{}
	}
}

func textReply(w http.ResponseWriter, text string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"text": text, "language": "en"})
}

func readUpload(t *testing.T, r *http.Request, field string) []byte {
	t.Helper()
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		t.Errorf("parsing form: %v", err)
		return nil
	}
	f, _, err := r.FormFile(field)
	if err != nil {
		t.Errorf("form file %q: %v", field, err)
		return nil
	}
	defer f.Close()
	data, _ := io.ReadAll(f)
	return data
}

func TestTranscribesChunks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}
		wav := readUpload(t, r, "file")
		if len(wav) < 44 || string(wav[:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
			t.Errorf("upload is not a WAV file")
		}
		if got := r.FormValue("model"); got != "whisper-1" {
			t.Errorf("model = %q", got)
		}
		if got := r.FormValue("language"); got != "en" {
			t.Errorf("language = %q", got)
		}
		textReply(w, " hello there ")
	}))
	defer srv.Close()

	sink, events := collector()
	b := New(Config{Endpoint: srv.URL, APIKey: "sk-test", Language: "en", Chunk: 100 * time.Millisecond}, sink)
	if err := b.Start(audio.Input{Source: audio.RemoteStream, Node: bufferedNode(tone(100*time.Millisecond, 3000))}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if ev := next(t, events); ev.Kind != recognition.EventStarted {
		t.Fatalf("first event = %v, want started", ev.Kind)
	}
	ev := next(t, events)
	if ev.Kind != recognition.EventResult || !ev.Result.Final || ev.Result.Text != "hello there" {
		t.Fatalf("result = %+v", ev)
	}

	if err := b.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if ev := next(t, events); ev.Kind != recognition.EventEnd {
		t.Fatalf("event after stop = %+v, want end", ev)
	}
}

func TestASRFlavor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("task") != "transcribe" || q.Get("language") != "de" || q.Get("vad_filter") != "true" {
			t.Errorf("unexpected query %q", r.URL.RawQuery)
		}
		if r.Header.Get("Authorization") != "" {
			t.Errorf("no key configured, got Authorization header")
		}
		readUpload(t, r, "audio_file")
		textReply(w, "hallo")
	}))
	defer srv.Close()

	sink, events := collector()
	b := New(Config{
		Endpoint:  srv.URL + "/asr",
		Flavor:    FlavorASR,
		Language:  "de",
		VADFilter: true,
		Chunk:     100 * time.Millisecond,
	}, sink)
	if err := b.Start(audio.Input{Node: bufferedNode(tone(100*time.Millisecond, 3000))}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	next(t, events)
	if ev := next(t, events); ev.Result.Text != "hallo" {
		t.Fatalf("result = %+v", ev)
	}
	_ = b.Stop()
}

func TestSilentChunksAreNotUploaded(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		textReply(w, "speech")
	}))
	defer srv.Close()

	sink, events := collector()
	b := New(Config{Endpoint: srv.URL, Chunk: 100 * time.Millisecond}, sink)
	node := bufferedNode(make([]byte, bytesFor(100*time.Millisecond)), tone(100*time.Millisecond, 3000))
	if err := b.Start(audio.Input{Node: node}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	next(t, events)
	if ev := next(t, events); ev.Result.Text != "speech" {
		t.Fatalf("result = %+v", ev)
	}
	if n := requests.Load(); n != 1 {
		t.Errorf("requests = %d, want 1", n)
	}
	_ = b.Stop()
}

func TestUnauthorizedIsPermissionError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	sink, events := collector()
	b := New(Config{Endpoint: srv.URL, Chunk: 100 * time.Millisecond}, sink)
	if err := b.Start(audio.Input{Node: bufferedNode(tone(100*time.Millisecond, 3000))}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	next(t, events)
	ev := next(t, events)
	if ev.Kind != recognition.EventError || ev.Code != recognition.CodeNotAllowed {
		t.Fatalf("event = %+v, want not-allowed error", ev)
	}
	if ev := next(t, events); ev.Kind != recognition.EventEnd {
		t.Fatalf("event = %+v, want end", ev)
	}
}

func TestServerErrorIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	sink, events := collector()
	b := New(Config{Endpoint: srv.URL, Chunk: 100 * time.Millisecond}, sink)
	if err := b.Start(audio.Input{Node: bufferedNode(tone(100*time.Millisecond, 3000))}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	next(t, events)
	if ev := next(t, events); ev.Kind != recognition.EventError || ev.Code != recognition.CodeNetwork {
		t.Fatalf("event = %+v, want network error", ev)
	}
	next(t, events)
}

func TestStopFlushesTrailingAudio(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		textReply(w, "last words")
	}))
	defer srv.Close()

	sink, events := collector()
	b := New(Config{Endpoint: srv.URL, Chunk: 10 * time.Second}, sink)
	node := &fakeNode{frames: make(chan []byte)}
	if err := b.Start(audio.Input{Node: node}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	next(t, events)

	node.frames <- tone(time.Second, 3000)
	if err := b.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	ev := next(t, events)
	if ev.Kind != recognition.EventResult || ev.Result.Text != "last words" {
		t.Fatalf("event = %+v, want flushed result", ev)
	}
	if ev := next(t, events); ev.Kind != recognition.EventEnd {
		t.Fatalf("event = %+v, want end", ev)
	}
}

func TestClosedNodeIsAudioCapture(t *testing.T) {
	sink, events := collector()
	b := New(Config{Endpoint: "http://127.0.0.1:1"}, sink)
	node := &fakeNode{frames: make(chan []byte)}
	close(node.frames)
	if err := b.Start(audio.Input{Node: node}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	next(t, events)
	if ev := next(t, events); ev.Kind != recognition.EventError || ev.Code != recognition.CodeAudioCapture {
		t.Fatalf("event = %+v, want audio-capture error", ev)
	}
	if ev := next(t, events); ev.Kind != recognition.EventEnd {
		t.Fatalf("event = %+v, want end", ev)
	}
}

func TestPCMToWAVHeader(t *testing.T) {
	pcm := tone(10*time.Millisecond, 100)
	wav := pcmToWAV(pcm)
	if len(wav) != 44+len(pcm) {
		t.Fatalf("len = %d, want %d", len(wav), 44+len(pcm))
	}
	if got := binary.LittleEndian.Uint32(wav[24:]); got != audio.SampleRate {
		t.Errorf("sample rate = %d", got)
	}
	if got := binary.LittleEndian.Uint16(wav[34:]); got != 16 {
		t.Errorf("bits per sample = %d", got)
	}
	if got := binary.LittleEndian.Uint32(wav[40:]); int(got) != len(pcm) {
		t.Errorf("data size = %d, want %d", got, len(pcm))
	}
}

func TestSilent(t *testing.T) {
	if !silent(nil) {
		t.Error("empty audio should be silent")
	}
	if !silent(tone(10*time.Millisecond, 50)) {
		t.Error("low tone should be silent")
	}
	if silent(tone(10*time.Millisecond, 3000)) {
		t.Error("loud tone should not be silent")
	}
}
