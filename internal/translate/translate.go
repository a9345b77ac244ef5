// Package translate provides the text translation collaborator used for
// remote captions.
package translate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrNoTranslation is returned when a translator has nothing for the input.
var ErrNoTranslation = errors.New("no translation available")

// Translator converts text to a target language.
type Translator interface {
	// Translate returns text rendered in the target language (ISO 639-1).
	Translate(ctx context.Context, text, targetLang string) (string, error)
}

// DefaultEndpoint is the public gtx translation endpoint.
const DefaultEndpoint = "https://translate.googleapis.com/translate_a/single"

// Google calls the gtx web endpoint with automatic source detection.
type Google struct {
	endpoint string
	client   *http.Client
	log      *slog.Logger
}

// NewGoogle creates a client. An empty endpoint selects DefaultEndpoint.
func NewGoogle(endpoint string, timeout time.Duration) *Google {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Google{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		log:      slog.With("component", "translate", "backend", "google"),
	}
}

func (g *Google) Translate(ctx context.Context, text, targetLang string) (string, error) {
	q := url.Values{}
	q.Set("client", "gtx")
	q.Set("sl", "auto")
	q.Set("tl", targetLang)
	q.Set("dt", "t")
	q.Set("q", text)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling translation endpoint: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("translation endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	out, err := parseGTX(body)
	if err != nil {
		return "", err
	}
	g.log.Debug("translated", "target", targetLang, "chars", len(text))
	return out, nil
}

// parseGTX extracts the translation from a response shaped like
// [[["hola","hello",...],[" mundo"," world",...]],...], joining all segments.
func parseGTX(body []byte) (string, error) {
	var top []json.RawMessage
	if err := json.Unmarshal(body, &top); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	if len(top) == 0 {
		return "", ErrNoTranslation
	}
	var segments [][]json.RawMessage
	if err := json.Unmarshal(top[0], &segments); err != nil {
		return "", fmt.Errorf("decoding segments: %w", err)
	}

	var b strings.Builder
	for _, seg := range segments {
		if len(seg) == 0 {
			continue
		}
		var s string
		if err := json.Unmarshal(seg[0], &s); err != nil {
			continue
		}
		b.WriteString(s)
	}
	if b.Len() == 0 {
		return "", ErrNoTranslation
	}
	return b.String(), nil
}

// Static translates from a fixed dictionary keyed by target language, then
// source text. It is meant for offline use and tests.
type Static struct {
	Dictionary map[string]map[string]string
	Delay      time.Duration
}

func (s *Static) Translate(ctx context.Context, text, targetLang string) (string, error) {
	if s.Delay > 0 {
		select {
		case <-time.After(s.Delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if out, ok := s.Dictionary[targetLang][text]; ok {
		return out, nil
	}
	return "", fmt.Errorf("%w: %q to %s", ErrNoTranslation, text, targetLang)
}

// Func adapts a function to Translator.
type Func func(ctx context.Context, text, targetLang string) (string, error)

func (f Func) Translate(ctx context.Context, text, targetLang string) (string, error) {
	return f(ctx, text, targetLang)
}
