// Package deepgram implements a recognition backend on the Deepgram live
// transcription websocket API.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nadzzz/livecaption/internal/audio"
	"github.com/nadzzz/livecaption/internal/recognition"
)

const (
	DefaultEndpoint = "wss://api.deepgram.com/v1/listen"
	DefaultModel    = "nova-2"
	DefaultLanguage = "en-US"

	keepAliveInterval = 8 * time.Second
	closeTimeout      = 3 * time.Second
)

var errNotRunning = errors.New("deepgram: not running")

// Config holds the connection settings.
type Config struct {
	APIKey   string
	Endpoint string
	Model    string
	Language string
}

// Option configures a Backend.
type Option func(*Backend)

// WithMicrophone sets the function used to open the default microphone when
// Start is given an input without a node.
func WithMicrophone(open func() (audio.Node, error)) Option {
	return func(b *Backend) { b.openMic = open }
}

// WithDialer overrides the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(b *Backend) { b.dialer = d }
}

// Backend streams PCM frames to Deepgram and reports transcripts.
type Backend struct {
	cfg     Config
	sink    recognition.Sink
	dialer  *websocket.Dialer
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

func (i *instance) stopped() bool {
	select {
	case <-i.stop:
		return true
	default:
		return false
	}
}

var _ recognition.Backend = (*Backend)(nil)

// New creates a backend reporting to sink. Sink is called from the instance
// goroutine, one event at a time.
func New(cfg Config, sink recognition.Sink, opts ...Option) *Backend {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Language == "" {
		cfg.Language = DefaultLanguage
	}
	b := &Backend{
		cfg:    cfg,
		sink:   sink,
		dialer: websocket.DefaultDialer,
		openMic: func() (audio.Node, error) {
			return nil, errors.New("no microphone configured")
		},
		log: slog.With("component", "deepgram"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Backend) Name() string { return "deepgram" }

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

// listenURL builds the streaming endpoint with the audio format of an
// audio.Node.
func (b *Backend) listenURL() (string, error) {
	u, err := url.Parse(b.cfg.Endpoint)
	if err != nil {
		return "", fmt.Errorf("parsing endpoint: %w", err)
	}
	q := u.Query()
	q.Set("model", b.cfg.Model)
	q.Set("language", b.cfg.Language)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(audio.SampleRate))
	q.Set("channels", strconv.Itoa(audio.Channels))
	q.Set("interim_results", "true")
	q.Set("punctuate", "true")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type response struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
	Description string `json:"description"`
}

type control struct {
	Type string `json:"type"`
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

	conn, err := b.dial(inst)
	if err != nil {
		if inst.stopped() {
			b.sink(recognition.Failed(recognition.CodeAborted, "stopped while connecting"))
			return
		}
		b.sink(recognition.Failed(classifyDial(err), err.Error()))
		return
	}
	defer conn.Close()

	b.log.Info("connected", "source", in.Source, "node", node.ID())
	b.sink(recognition.Started())

	if err := b.stream(inst, conn, node); err != nil {
		b.sink(recognition.Failed(recognition.CodeNetwork, err.Error()))
	}
}

type dialError struct {
	status int
	err    error
}

func (e *dialError) Error() string {
	if e.status != 0 {
		return fmt.Sprintf("dial: HTTP %d: %v", e.status, e.err)
	}
	return "dial: " + e.err.Error()
}

func (e *dialError) Unwrap() error { return e.err }

func classifyDial(err error) recognition.ErrorCode {
	var de *dialError
	if errors.As(err, &de) && (de.status == http.StatusUnauthorized || de.status == http.StatusForbidden) {
		return recognition.CodeNotAllowed
	}
	return recognition.CodeNetwork
}

func (b *Backend) dial(inst *instance) (*websocket.Conn, error) {
	target, err := b.listenURL()
	if err != nil {
		return nil, &dialError{err: err}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-inst.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	header := http.Header{}
	header.Set("Authorization", "Token "+b.cfg.APIKey)

	conn, resp, err := b.dialer.DialContext(ctx, target, header)
	if err != nil {
		de := &dialError{err: err}
		if resp != nil {
			de.status = resp.StatusCode
			resp.Body.Close()
		}
		return nil, de
	}
	return conn, nil
}

// stream pumps frames out and transcripts in until the server closes the
// connection or a manual stop completes. A nil return is a clean end.
func (b *Backend) stream(inst *instance, conn *websocket.Conn, node audio.Node) error {
	msgs := make(chan []byte)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case msgs <- data:
			case <-done:
				return
			}
		}
	}()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	frames := node.Frames()
	stopCh := inst.stop
	var deadline <-chan time.Time

	for {
		select {
		case <-stopCh:
			stopCh = nil
			frames = nil
			if err := conn.WriteJSON(control{Type: "CloseStream"}); err != nil {
				return nil
			}
			deadline = time.After(closeTimeout)

		case frame, ok := <-frames:
			if !ok {
				frames = nil
				b.log.Warn("audio node closed", "node", node.ID())
				b.sink(recognition.Failed(recognition.CodeAudioCapture, "audio input ended"))
				_ = conn.WriteJSON(control{Type: "CloseStream"})
				deadline = time.After(closeTimeout)
				continue
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return fmt.Errorf("writing audio: %w", err)
			}

		case data := <-msgs:
			b.handleMessage(data)

		case err := <-readErr:
			if inst.stopped() || deadline != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("reading transcripts: %w", err)

		case <-keepAlive.C:
			if err := conn.WriteJSON(control{Type: "KeepAlive"}); err != nil {
				return fmt.Errorf("keepalive: %w", err)
			}

		case <-deadline:
			b.log.Debug("close timed out")
			return nil
		}
	}
}

func (b *Backend) handleMessage(data []byte) {
	var resp response
	if err := json.Unmarshal(data, &resp); err != nil {
		b.log.Warn("unparseable message", "error", err)
		return
	}
	switch resp.Type {
	case "Results":
		if len(resp.Channel.Alternatives) == 0 {
			return
		}
		text := strings.TrimSpace(resp.Channel.Alternatives[0].Transcript)
		if text == "" {
			return
		}
		r := recognition.Result{Interim: text}
		if resp.IsFinal {
			r = recognition.Result{Final: true, Text: text}
		}
		b.sink(recognition.Recognized(r))
	case "Error":
		b.log.Error("server error", "description", resp.Description)
	default:
		b.log.Debug("message", "type", resp.Type)
	}
}
