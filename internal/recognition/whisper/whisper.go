// Package whisper implements a recognition backend on Whisper-compatible
// HTTP transcription endpoints. Audio is cut into fixed-length chunks and
// each chunk is transcribed as one final result.
//
// Two endpoint flavors are supported:
//   - "openai": OpenAI-compatible API (api.openai.com, whisper.cpp server, faster-whisper)
//   - "asr":    ahmetoner/whisper-asr-webservice (POST /asr with query params)
package whisper

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/nadzzz/livecaption/internal/audio"
	"github.com/nadzzz/livecaption/internal/recognition"
)

const (
	DefaultEndpoint = "https://api.openai.com/v1/audio/transcriptions"
	DefaultModel    = "whisper-1"
	DefaultChunk    = 4 * time.Second

	FlavorOpenAI = "openai"
	FlavorASR    = "asr"

	// Chunks quieter than this RMS (of int16 samples) are not uploaded.
	silenceRMS = 200
	// Trailing audio shorter than this is discarded on stop.
	minFlush = 500 * time.Millisecond

	flushTimeout = 10 * time.Second
)

var errNotRunning = errors.New("whisper: not running")

// Config holds the endpoint settings.
type Config struct {
	Endpoint  string
	APIKey    string // sent as a bearer token when set
	Model     string
	Language  string // ISO-639-1, empty lets the server detect it
	Flavor    string
	Chunk     time.Duration
	VADFilter bool // asr flavor only
}

// Option configures a Backend.
type Option func(*Backend)

// WithMicrophone sets the function used to open the default microphone when
// Start is given an input without a node.
func WithMicrophone(open func() (audio.Node, error)) Option {
	return func(b *Backend) { b.openMic = open }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(b *Backend) { b.client = c }
}

// Backend transcribes audio chunk by chunk.
type Backend struct {
	cfg     Config
	sink    recognition.Sink
	client  *http.Client
	openMic func() (audio.Node, error)
	log     *slog.Logger

	mu  sync.Mutex
	cur *instance
}

type instance struct {
	stop     chan struct{}
	stopOnce sync.Once
}

func (i *instance) requestStop() { i.stopOnce.Do(func() { close(i.stop) }) }

var _ recognition.Backend = (*Backend)(nil)

// New creates a backend reporting to sink. Results may be reported from the
// upload goroutine, so sink must be safe for concurrent use; Ended is always
// the last event of an instance.
func New(cfg Config, sink recognition.Sink, opts ...Option) *Backend {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Flavor == "" {
		cfg.Flavor = FlavorOpenAI
	}
	if cfg.Chunk <= 0 {
		cfg.Chunk = DefaultChunk
	}
	b := &Backend{
		cfg:    cfg,
		sink:   sink,
		client: &http.Client{Timeout: 30 * time.Second},
		openMic: func() (audio.Node, error) {
			return nil, errors.New("no microphone configured")
		},
		log: slog.With("component", "whisper", "flavor", cfg.Flavor),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Backend) Name() string { return "whisper" }

func (b *Backend) Start(in audio.Input) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cur != nil {
		return recognition.ErrAlreadyRunning
	}
	inst := &instance{stop: make(chan struct{})}
	b.cur = inst
	go b.run(inst, in)
	return nil
}

func (b *Backend) Stop() error {
	b.mu.Lock()
	inst := b.cur
	b.mu.Unlock()
	if inst == nil {
		return errNotRunning
	}
	inst.requestStop()
	return nil
}

func bytesFor(d time.Duration) int {
	return int(d.Seconds()*audio.SampleRate) * audio.Channels * 2
}

func (b *Backend) run(inst *instance, in audio.Input) {
	defer func() {
		b.mu.Lock()
		if b.cur == inst {
			b.cur = nil
		}
		b.mu.Unlock()
		b.sink(recognition.Ended())
	}()

	node := in.Node
	if node == nil {
		mic, err := b.openMic()
		if err != nil {
			b.sink(recognition.Failed(recognition.CodeAudioCapture, err.Error()))
			return
		}
		defer mic.Close()
		node = mic
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Uploads run one at a time beside the capture loop so frames keep
	// flowing while a chunk is in flight.
	chunks := make(chan []byte, 2)
	failed := make(chan error, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for pcm := range chunks {
			if err := b.transcribeChunk(ctx, pcm); err != nil {
				failed <- err
				return
			}
		}
	}()
	defer wg.Wait()

	b.log.Info("listening", "source", in.Source, "node", node.ID(), "chunk", b.cfg.Chunk)
	b.sink(recognition.Started())

	chunkBytes := bytesFor(b.cfg.Chunk)
	var buf bytes.Buffer
	frames := node.Frames()

	enqueue := func(pcm []byte) {
		select {
		case chunks <- pcm:
		default:
			b.log.Warn("transcription backlog, dropping chunk", "bytes", len(pcm))
		}
	}

	for {
		select {
		case <-inst.stop:
			if buf.Len() >= bytesFor(minFlush) {
				pcm := bytes.Clone(buf.Bytes())
				close(chunks)
				b.flush(pcm, &wg, cancel)
				return
			}
			close(chunks)
			cancel()
			return

		case err := <-failed:
			close(chunks)
			b.sink(recognition.Failed(classify(err), err.Error()))
			return

		case frame, ok := <-frames:
			if !ok {
				close(chunks)
				cancel()
				b.log.Warn("audio node closed", "node", node.ID())
				b.sink(recognition.Failed(recognition.CodeAudioCapture, "audio input ended"))
				return
			}
			buf.Write(frame)
			if buf.Len() >= chunkBytes {
				enqueue(bytes.Clone(buf.Bytes()))
				buf.Reset()
			}
		}
	}
}

// flush lets in-flight uploads finish, then transcribes the trailing audio
// so the last words before a stop are not lost.
func (b *Backend) flush(pcm []byte, wg *sync.WaitGroup, cancel context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(flushTimeout):
		cancel()
		return
	}
	ctx, cancelFlush := context.WithTimeout(context.Background(), flushTimeout)
	defer cancelFlush()
	if err := b.transcribeChunk(ctx, pcm); err != nil {
		b.log.Debug("final chunk not transcribed", "error", err)
	}
}

func (b *Backend) transcribeChunk(ctx context.Context, pcm []byte) error {
	if silent(pcm) {
		return nil
	}
	text, err := b.transcribe(ctx, pcmToWAV(pcm))
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	b.sink(recognition.Recognized(recognition.Result{Final: true, Text: text}))
	return nil
}

type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("transcription failed (status %d): %s", e.status, e.body)
}

func classify(err error) recognition.ErrorCode {
	var se *statusError
	if errors.As(err, &se) && (se.status == http.StatusUnauthorized || se.status == http.StatusForbidden) {
		return recognition.CodeNotAllowed
	}
	return recognition.CodeNetwork
}

func (b *Backend) transcribe(ctx context.Context, wav []byte) (string, error) {
	req, err := b.newRequest(ctx, wav)
	if err != nil {
		return "", err
	}
	if b.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.cfg.APIKey)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("transcription request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", &statusError{status: resp.StatusCode, body: string(respBody)}
	}

	var result struct {
		Text     string `json:"text"`
		Language string `json:"language"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decoding transcription: %w", err)
	}
	b.log.Debug("transcription complete", "text_length", len(result.Text), "language", result.Language)
	return result.Text, nil
}

func (b *Backend) newRequest(ctx context.Context, wav []byte) (*http.Request, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	field := "file"
	if b.cfg.Flavor == FlavorASR {
		field = "audio_file"
	}
	part, err := writer.CreateFormFile(field, "audio.wav")
	if err != nil {
		return nil, fmt.Errorf("creating form file: %w", err)
	}
	if _, err := part.Write(wav); err != nil {
		return nil, fmt.Errorf("writing audio: %w", err)
	}

	endpoint := b.cfg.Endpoint
	if b.cfg.Flavor == FlavorASR {
		q := make(url.Values)
		q.Set("task", "transcribe")
		q.Set("output", "json")
		q.Set("encode", "true")
		if b.cfg.Language != "" {
			q.Set("language", b.cfg.Language)
		}
		if b.cfg.VADFilter {
			q.Set("vad_filter", "true")
		}
		endpoint += "?" + q.Encode()
	} else {
		_ = writer.WriteField("model", b.cfg.Model)
		if b.cfg.Language != "" {
			_ = writer.WriteField("language", b.cfg.Language)
		}
		_ = writer.WriteField("response_format", "json")
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("closing form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req, nil
}

// silent reports whether little-endian int16 PCM stays under silenceRMS.
func silent(pcm []byte) bool {
	n := len(pcm) / 2
	if n == 0 {
		return true
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[2*i:])))
		sum += s * s
	}
	return math.Sqrt(sum/float64(n)) < silenceRMS
}

// pcmToWAV wraps audio.Node PCM in a WAV container.
func pcmToWAV(pcm []byte) []byte {
	const bytesPerSample = 2
	buf := &bytes.Buffer{}
	buf.Grow(44 + len(pcm))

	buf.WriteString("RIFF")
	_ = binary.Write(buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	_ = binary.Write(buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(buf, binary.LittleEndian, uint16(1)) // PCM
	_ = binary.Write(buf, binary.LittleEndian, uint16(audio.Channels))
	_ = binary.Write(buf, binary.LittleEndian, uint32(audio.SampleRate))
	_ = binary.Write(buf, binary.LittleEndian, uint32(audio.SampleRate*audio.Channels*bytesPerSample))
	_ = binary.Write(buf, binary.LittleEndian, uint16(audio.Channels*bytesPerSample))
	_ = binary.Write(buf, binary.LittleEndian, uint16(bytesPerSample*8))

	buf.WriteString("data")
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}
