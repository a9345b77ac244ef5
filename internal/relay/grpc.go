package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/nadzzz/livecaption/internal/caption"
	relaygrpc "github.com/nadzzz/livecaption/internal/transport/grpc"
)

// GRPCServer exposes the hub as the livecaption.Relay service.
type GRPCServer struct {
	hub    *Hub
	port   int
	server *grpc.Server
}

var _ relaygrpc.RelayServer = (*GRPCServer)(nil)

// NewGRPCServer creates a gRPC front end for hub on port.
func NewGRPCServer(hub *Hub, port int) *GRPCServer {
	s := &GRPCServer{hub: hub, port: port, server: grpc.NewServer()}
	relaygrpc.RegisterRelayServer(s.server, s)
	return s
}

// Listen serves until ctx is cancelled.
func (s *GRPCServer) Listen(ctx context.Context) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Serve accepts connections on lis until ctx is cancelled.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	slog.Info("relay grpc listening", "addr", lis.Addr().String())

	go func() {
		<-ctx.Done()
		slog.Info("relay grpc shutting down")
		s.server.Stop()
	}()

	return s.server.Serve(lis)
}

func firstValue(md metadata.MD, key, fallback string) string {
	if v := md.Get(key); len(v) > 0 && v[0] != "" {
		return v[0]
	}
	return fallback
}

// Exchange joins the room from the stream metadata and relays envelopes in
// both directions until either side ends.
func (s *GRPCServer) Exchange(stream relaygrpc.ExchangeStream) error {
	md, _ := metadata.FromIncomingContext(stream.Context())
	room := firstValue(md, relaygrpc.MetadataRoom, "lobby")
	user := firstValue(md, relaygrpc.MetadataUser, "anonymous")

	if err := stream.SendHeader(metadata.Pairs("peer-room", room)); err != nil {
		return status.Errorf(codes.Internal, "sending header: %v", err)
	}

	peer := s.hub.Join(room, user, "grpc")
	defer s.hub.Leave(peer)

	recvErr := make(chan error, 1)
	go func() {
		for {
			env, err := stream.Recv()
			if err != nil {
				recvErr <- err
				return
			}
			switch env.Type {
			case caption.TypeSubtitle, caption.TypePeerHangup:
				s.hub.Broadcast(peer.Room, peer.ID, *env)
			default:
				slog.Debug("ignoring envelope", "type", env.Type, "user", user)
			}
		}
	}()

	for {
		select {
		case err := <-recvErr:
			if errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled {
				return nil
			}
			return err
		case env, ok := <-peer.Outbox():
			if !ok {
				return nil
			}
			if err := stream.Send(&env); err != nil {
				return err
			}
		}
	}
}
