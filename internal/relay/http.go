package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	httpSwagger "github.com/swaggo/http-swagger/v2"

	"github.com/nadzzz/livecaption/internal/caption"

	_ "github.com/nadzzz/livecaption/docs"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 60 * time.Second
	wsPingInterval = 30 * time.Second
)

// HTTPServer exposes the hub over WebSocket and REST.
type HTTPServer struct {
	hub      *Hub
	port     int
	server   *http.Server
	upgrader websocket.Upgrader
}

// NewHTTPServer creates an HTTP front end for hub on port.
func NewHTTPServer(hub *Hub, port int) *HTTPServer {
	return &HTTPServer{
		hub:  hub,
		port: port,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the routes served by the relay.
func (s *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()

	// GET /ws joins a room as a streaming peer.
	mux.HandleFunc("GET /ws", s.handleWS)

	mux.HandleFunc("GET /rooms", s.handleRooms)
	mux.HandleFunc("POST /rooms/{room}/captions", s.handlePostCaption)

	// Swagger UI serves the generated OpenAPI docs.
	mux.Handle("GET /swagger/", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))
	return mux
}

// Listen serves until ctx is cancelled.
func (s *HTTPServer) Listen(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("relay http listening", "port", s.port)

	go func() {
		<-ctx.Done()
		slog.Info("relay http shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("relay http listen: %w", err)
	}
	return nil
}

func roomParams(r *http.Request) (room, user string) {
	room = strings.TrimSpace(r.URL.Query().Get("room"))
	user = strings.TrimSpace(r.URL.Query().Get("user"))
	if room == "" {
		room = "lobby"
	}
	if user == "" {
		user = "anonymous"
	}
	return room, user
}

// handleWS upgrades the connection and relays envelopes until it closes.
func (s *HTTPServer) handleWS(w http.ResponseWriter, r *http.Request) {
	room, user := roomParams(r)
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	peer := s.hub.Join(room, user, "ws")
	defer s.hub.Leave(peer)

	done := make(chan struct{})
	go s.writePump(conn, peer, done)
	defer close(done)

	conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})

	for {
		var env caption.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("websocket read ended", "user", user, "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
		s.relay(peer, env)
	}
}

func (s *HTTPServer) writePump(conn *websocket.Conn, peer *Peer, done <-chan struct{}) {
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-done:
			return
		case env, ok := <-peer.Outbox():
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(env); err != nil {
				slog.Debug("websocket write failed", "user", peer.User, "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		}
	}
}

func (s *HTTPServer) relay(peer *Peer, env caption.Envelope) {
	switch env.Type {
	case caption.TypeSubtitle:
		if _, err := env.Caption(); err != nil {
			slog.Warn("dropping malformed caption", "user", peer.User, "error", err)
			return
		}
		s.hub.Broadcast(peer.Room, peer.ID, env)
	case caption.TypePeerHangup:
		s.hub.Broadcast(peer.Room, peer.ID, env)
	default:
		slog.Debug("ignoring envelope", "type", env.Type, "user", peer.User)
	}
}

// handleRooms lists active rooms.
//
// @Summary     List rooms
// @Description Returns every room with at least one connected peer.
// @Tags        rooms
// @Produce     json
// @Success     200  {array}   relay.RoomInfo
// @Router      /rooms [get]
func (s *HTTPServer) handleRooms(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.hub.Rooms())
}

// PostCaptionResponse reports how many peers received an injected caption.
type PostCaptionResponse struct {
	Delivered int `json:"delivered"`
}

// handlePostCaption injects a caption into a room.
//
// @Summary     Inject a caption
// @Description Broadcasts a caption to every peer of the room, as if a participant had spoken it.
// @Description A zero timestamp is replaced by the server time.
// @Tags        rooms
// @Accept      json
// @Produce     json
// @Param       room     path      string         true  "Room name"
// @Param       caption  body      caption.Event  true  "Caption to broadcast"
// @Success     202  {object}  relay.PostCaptionResponse
// @Failure     400  {string}  string  "Invalid caption"
// @Router      /rooms/{room}/captions [post]
func (s *HTTPServer) handlePostCaption(w http.ResponseWriter, r *http.Request) {
	room := r.PathValue("room")

	var ev caption.Event
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&ev); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}
	if ev.Empty() {
		http.Error(w, "text is required", http.StatusBadRequest)
		return
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}

	env, err := caption.SubtitleEnvelope("", ev)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	n := s.hub.Broadcast(room, "", env)
	slog.Info("caption injected", "room", room, "user", ev.UserName, "delivered", n)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(PostCaptionResponse{Delivered: n})
}
