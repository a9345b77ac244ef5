// Package rtpsrc receives a remote peer's audio as RTP/Opus over UDP and
// decodes it into PCM frames for recognition.
package rtpsrc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/pion/rtp"
	"gopkg.in/hraban/opus.v2"

	"github.com/nadzzz/livecaption/internal/audio"
)

const (
	maxPacketSize = 1500
	// 120 ms is the longest Opus frame.
	maxFrameSamples = audio.SampleRate * 120 / 1000
)

// Stream is a remote audio stream handle bound to a UDP socket.
type Stream struct {
	conn net.PacketConn
}

// Listen opens a UDP socket that receives the remote peer's RTP audio.
func Listen(addr string) (*Stream, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("rtp listen: %w", err)
	}
	return &Stream{conn: conn}, nil
}

// NewStream wraps an existing packet connection.
func NewStream(conn net.PacketConn) *Stream { return &Stream{conn: conn} }

// ID identifies the stream by its local address.
func (s *Stream) ID() string { return "rtp://" + s.conn.LocalAddr().String() }

// Close releases the socket.
func (s *Stream) Close() error { return s.conn.Close() }

// Node decodes one Stream. It keeps decoding while no recognizer is reading
// and drops the frames nobody consumes.
type Node struct {
	stream  *Stream
	decoder *opus.Decoder
	frames  chan []byte
	log     *slog.Logger

	closeOnce sync.Once
}

// Build is an audio.Builder for RTP streams.
func Build(s audio.Stream) (audio.Node, error) {
	stream, ok := s.(*Stream)
	if !ok {
		return nil, fmt.Errorf("rtpsrc: unsupported stream type %T", s)
	}
	dec, err := opus.NewDecoder(audio.SampleRate, audio.Channels)
	if err != nil {
		return nil, fmt.Errorf("opus decoder: %w", err)
	}
	n := &Node{
		stream:  stream,
		decoder: dec,
		frames:  make(chan []byte, 64),
		log:     slog.With("component", "rtpsrc", "stream", stream.ID()),
	}
	go n.run()
	return n, nil
}

func (n *Node) ID() string { return n.stream.ID() }

func (n *Node) Frames() <-chan []byte { return n.frames }

// Close stops decoding by closing the underlying stream.
func (n *Node) Close() error {
	var err error
	n.closeOnce.Do(func() { err = n.stream.Close() })
	return err
}

func (n *Node) run() {
	defer close(n.frames)

	buf := make([]byte, maxPacketSize)
	pcm := make([]int16, maxFrameSamples*audio.Channels)
	for {
		size, _, err := n.stream.conn.ReadFrom(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				n.log.Warn("rtp read failed", "error", err)
			}
			return
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:size]); err != nil {
			n.log.Debug("dropping malformed rtp packet", "error", err)
			continue
		}
		if len(pkt.Payload) == 0 {
			continue
		}

		samples, err := n.decoder.Decode(pkt.Payload, pcm)
		if err != nil {
			n.log.Debug("opus decode failed", "seq", pkt.SequenceNumber, "error", err)
			continue
		}

		frame := make([]byte, samples*audio.Channels*2)
		for i := 0; i < samples*audio.Channels; i++ {
			binary.LittleEndian.PutUint16(frame[i*2:], uint16(pcm[i]))
		}
		select {
		case n.frames <- frame:
		default:
		}
	}
}
