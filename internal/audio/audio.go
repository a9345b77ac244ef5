// Package audio routes recognition input between the local microphone and a
// captured remote stream.
//
// A remote stream handle is turned into a Node (a stable processing-graph
// node exposing PCM frames) once per distinct stream and cached, so repeated
// restarts of the recognizer reuse the same node without rebuilding it.
package audio

import (
	"errors"
	"fmt"
	"log/slog"
)

// PCM format shared by every node: 16-bit little-endian mono.
const (
	SampleRate = 16000
	Channels   = 1
)

// ErrNoRemoteStream is returned when the remote source is requested before
// the media layer delivered a stream.
var ErrNoRemoteStream = errors.New("no remote stream available")

// Source selects where recognition audio comes from.
type Source int

const (
	Microphone Source = iota
	RemoteStream
)

func (s Source) String() string {
	switch s {
	case Microphone:
		return "microphone"
	case RemoteStream:
		return "remote"
	default:
		return fmt.Sprintf("source(%d)", int(s))
	}
}

// ParseSource parses "microphone" or "remote".
func ParseSource(s string) (Source, error) {
	switch s {
	case "microphone", "mic", "":
		return Microphone, nil
	case "remote":
		return RemoteStream, nil
	default:
		return 0, fmt.Errorf("unknown audio source %q", s)
	}
}

// Stream is a capturable audio stream handle delivered by the media layer.
type Stream interface {
	ID() string
}

// Node exposes PCM frames suitable as recognition input. Frames are dropped
// when nobody is reading.
type Node interface {
	ID() string
	Frames() <-chan []byte
	Close() error
}

// Builder turns a stream handle into a node.
type Builder func(Stream) (Node, error)

// Input is what a recognition backend consumes. A nil Node means the
// backend's implicit default microphone.
type Input struct {
	Source Source
	Node   Node
}

// Router remembers the selected source and owns the nodes built for remote
// streams. It never touches the backend lifecycle: a selection only takes
// effect on the next Apply, which the recognition session calls right before
// starting the backend.
type Router struct {
	build    Builder
	nodes    map[string]Node
	selected Source
	remote   Stream
	applied  Input
	log      *slog.Logger
}

// NewRouter creates a router that starts on the microphone.
func NewRouter(build Builder) *Router {
	return &Router{
		build: build,
		nodes: make(map[string]Node),
		log:   slog.With("component", "audio"),
	}
}

// SelectMicrophone selects the default microphone. It reports whether the
// selection changed.
func (r *Router) SelectMicrophone() bool {
	if r.selected == Microphone {
		return false
	}
	r.selected = Microphone
	r.log.Info("audio source selected", "source", Microphone)
	return true
}

// SelectRemoteStream selects s. Selecting the already-selected stream is a
// no-op and reports false.
func (r *Router) SelectRemoteStream(s Stream) bool {
	if r.selected == RemoteStream && r.remote != nil && r.remote.ID() == s.ID() {
		return false
	}
	r.remote = s
	r.selected = RemoteStream
	r.log.Info("audio source selected", "source", RemoteStream, "stream", s.ID())
	return true
}

// OfferRemoteStream records s as the available remote stream without
// selecting it. It reports false when the remote source is selected, in which
// case the caller must switch with SelectRemoteStream instead.
func (r *Router) OfferRemoteStream(s Stream) bool {
	if r.selected == RemoteStream {
		return false
	}
	r.remote = s
	r.log.Info("remote stream available", "stream", s.ID())
	return true
}

// SelectRemote re-selects the most recently delivered remote stream.
func (r *Router) SelectRemote() (bool, error) {
	if r.remote == nil {
		return false, ErrNoRemoteStream
	}
	return r.SelectRemoteStream(r.remote), nil
}

// Selected returns the source the next Apply will use.
func (r *Router) Selected() Source { return r.selected }

// RemoteAvailable reports whether a remote stream has been delivered.
func (r *Router) RemoteAvailable() bool { return r.remote != nil }

// Active returns the input applied by the last successful Apply.
func (r *Router) Active() Input { return r.applied }

// Apply resolves the selected source into a backend input, building the
// remote node on first use.
func (r *Router) Apply() (Input, error) {
	if r.selected == Microphone {
		r.applied = Input{Source: Microphone}
		return r.applied, nil
	}
	id := r.remote.ID()
	node, ok := r.nodes[id]
	if !ok {
		var err error
		node, err = r.build(r.remote)
		if err != nil {
			return Input{}, fmt.Errorf("building node for stream %s: %w", id, err)
		}
		r.nodes[id] = node
		r.log.Debug("audio node built", "stream", id)
	} else if n := drain(node); n > 0 {
		r.log.Debug("discarded stale frames", "stream", id, "frames", n)
	}
	r.applied = Input{Source: RemoteStream, Node: node}
	return r.applied, nil
}

// drain discards the frames a node buffered while no backend was reading, so
// a new instance starts on live audio. It reads at most what was queued on
// entry.
func drain(n Node) int {
	frames := n.Frames()
	if frames == nil {
		return 0
	}
	dropped := 0
	for range len(frames) {
		select {
		case _, ok := <-frames:
			if !ok {
				return dropped
			}
			dropped++
		default:
			return dropped
		}
	}
	return dropped
}

// Close releases every node built by the router.
func (r *Router) Close() error {
	var errs []error
	for id, n := range r.nodes {
		if err := n.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing node %s: %w", id, err))
		}
		delete(r.nodes, id)
	}
	return errors.Join(errs...)
}
