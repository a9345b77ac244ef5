// Package control exposes the captioning participant's user intents over HTTP.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/nadzzz/livecaption/internal/audio"
	"github.com/nadzzz/livecaption/internal/caption"
	"github.com/nadzzz/livecaption/internal/captioner"
)

// Intents is the set of user actions the API forwards.
type Intents interface {
	View(ctx context.Context) (captioner.View, error)
	SetCaptions(ctx context.Context, on bool) (captioner.View, error)
	ToggleCaptions(ctx context.Context) (captioner.View, error)
	ToggleTranslation(ctx context.Context) (captioner.View, error)
	SetLanguage(ctx context.Context, code string) (captioner.View, error)
	SelectSource(ctx context.Context, src audio.Source) (captioner.View, error)
}

// Mux is where routes are mounted; *http.ServeMux and *health.Server both fit.
type Mux interface {
	Handle(pattern string, h http.Handler)
}

// API serves the control routes.
type API struct {
	intents Intents
}

// New creates an API forwarding to intents.
func New(intents Intents) *API {
	return &API{intents: intents}
}

// Register mounts every route on mux.
func (a *API) Register(mux Mux) {
	mux.Handle("GET /status", http.HandlerFunc(a.handleStatus))
	mux.Handle("GET /languages", http.HandlerFunc(a.handleLanguages))
	mux.Handle("POST /captions", http.HandlerFunc(a.handleSetCaptions))
	mux.Handle("POST /captions/toggle", http.HandlerFunc(a.handleToggleCaptions))
	mux.Handle("POST /translation/toggle", http.HandlerFunc(a.handleToggleTranslation))
	mux.Handle("PUT /translation/language", http.HandlerFunc(a.handleSetLanguage))
	mux.Handle("POST /audio/source", http.HandlerFunc(a.handleSelectSource))
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	v, err := a.intents.View(r.Context())
	respond(w, v, err)
}

func (a *API) handleLanguages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, caption.Languages)
}

// SetCaptionsRequest is the body of POST /captions.
type SetCaptionsRequest struct {
	Enabled bool `json:"enabled"`
}

func (a *API) handleSetCaptions(w http.ResponseWriter, r *http.Request) {
	var req SetCaptionsRequest
	if !decode(w, r, &req) {
		return
	}
	v, err := a.intents.SetCaptions(r.Context(), req.Enabled)
	respond(w, v, err)
}

func (a *API) handleToggleCaptions(w http.ResponseWriter, r *http.Request) {
	v, err := a.intents.ToggleCaptions(r.Context())
	respond(w, v, err)
}

func (a *API) handleToggleTranslation(w http.ResponseWriter, r *http.Request) {
	v, err := a.intents.ToggleTranslation(r.Context())
	respond(w, v, err)
}

// SetLanguageRequest is the body of PUT /translation/language.
type SetLanguageRequest struct {
	Code string `json:"code"`
}

func (a *API) handleSetLanguage(w http.ResponseWriter, r *http.Request) {
	var req SetLanguageRequest
	if !decode(w, r, &req) {
		return
	}
	v, err := a.intents.SetLanguage(r.Context(), req.Code)
	respond(w, v, err)
}

// SelectSourceRequest is the body of POST /audio/source.
type SelectSourceRequest struct {
	Source string `json:"source"`
}

func (a *API) handleSelectSource(w http.ResponseWriter, r *http.Request) {
	var req SelectSourceRequest
	if !decode(w, r, &req) {
		return
	}
	src, err := audio.ParseSource(req.Source)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	v, err := a.intents.SelectSource(r.Context(), src)
	respond(w, v, err)
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(dst); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func respond(w http.ResponseWriter, v captioner.View, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, v)
	case errors.Is(err, caption.ErrUnknownLanguage):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, audio.ErrNoRemoteStream):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, captioner.ErrUnavailable):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		slog.Error("control request failed", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
