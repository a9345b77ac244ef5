package grpc

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/nadzzz/livecaption/internal/caption"
)

// Relay service identifiers.
const (
	ServiceName    = "livecaption.Relay"
	ExchangeMethod = "/livecaption.Relay/Exchange"

	// Metadata keys sent when opening an Exchange stream.
	MetadataRoom = "room"
	MetadataUser = "user"
)

// Codec marshals relay messages as JSON. Envelopes are plain Go structs, so
// no protobuf generation step is involved.
type Codec struct{}

func (Codec) Name() string { return "json" }

func (Codec) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json codec marshal: %w", err)
	}
	return data, nil
}

func (Codec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("json codec unmarshal: %w", err)
	}
	return nil
}

func init() {
	encoding.RegisterCodec(Codec{})
}

// RelayServer is implemented by the caption relay.
type RelayServer interface {
	// Exchange joins the room named in the stream metadata. Envelopes
	// received are rebroadcast to the room; envelopes from the room are sent
	// back.
	Exchange(ExchangeStream) error
}

// ExchangeStream is the server side of an Exchange call.
type ExchangeStream interface {
	Send(*caption.Envelope) error
	Recv() (*caption.Envelope, error)
	grpc.ServerStream
}

type exchangeStream struct {
	grpc.ServerStream
}

func (s *exchangeStream) Send(env *caption.Envelope) error { return s.SendMsg(env) }

func (s *exchangeStream) Recv() (*caption.Envelope, error) {
	env := new(caption.Envelope)
	if err := s.RecvMsg(env); err != nil {
		return nil, err
	}
	return env, nil
}

func exchangeHandler(srv any, stream grpc.ServerStream) error {
	return srv.(RelayServer).Exchange(&exchangeStream{stream})
}

// ServiceDesc describes the relay service for grpc.Server registration.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RelayServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Exchange",
			Handler:       exchangeHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "livecaption/relay",
}

// RegisterRelayServer registers srv on s.
func RegisterRelayServer(s grpc.ServiceRegistrar, srv RelayServer) {
	s.RegisterService(&ServiceDesc, srv)
}
