package health

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func get(t *testing.T, h http.Handler, path string) (int, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("%s: decoding body %q: %v", path, rec.Body.String(), err)
	}
	return rec.Code, body
}

func TestProbes(t *testing.T) {
	s := New(0)

	for _, path := range []string{"/healthz", "/readyz"} {
		if code, _ := get(t, s.Handler(), path); code != http.StatusServiceUnavailable {
			t.Errorf("%s before ready = %d, want 503", path, code)
		}
	}

	s.SetReady(true)
	for _, path := range []string{"/healthz", "/readyz"} {
		if code, body := get(t, s.Handler(), path); code != http.StatusOK || body["status"] != "ok" {
			t.Errorf("%s = %d %v", path, code, body)
		}
	}
}

func TestReadyReportsChecks(t *testing.T) {
	s := New(0)
	s.AddCheck("channel", func() error { return errors.New("not connected") })
	s.AddCheck("loop", func() error { return nil })
	s.SetReady(true)

	code, body := get(t, s.Handler(), "/readyz")
	if code != http.StatusOK {
		t.Fatalf("code = %d", code)
	}
	checks, _ := body["checks"].(map[string]any)
	if checks["channel"] != "not connected" || checks["loop"] != "ok" {
		t.Errorf("checks = %v", checks)
	}
}

func TestHandleMountsRoutes(t *testing.T) {
	s := New(0)
	s.Handle("GET /extra", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"extra"}`))
	}))
	if code, body := get(t, s.Handler(), "/extra"); code != http.StatusOK || body["status"] != "extra" {
		t.Errorf("/extra = %d %v", code, body)
	}
}
