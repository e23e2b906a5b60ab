package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// echo writes the body it received, proving the middleware restored it.
var echo = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
})

// ---------------------------------------------------------------------------
// 1. Valid JSON passes through intact
// ---------------------------------------------------------------------------

func TestJSONBody_PassesThrough(t *testing.T) {
	body := `{"operationType":"upscale","data":{"scale":2}}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	rec := httptest.NewRecorder()
	JSONBody(1024)(echo).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != body {
		t.Errorf("handler saw %q", rec.Body.String())
	}
}

// ---------------------------------------------------------------------------
// 2. Malformed JSON -> 400
// ---------------------------------------------------------------------------

func TestJSONBody_Malformed(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"operationType":`))
	rec := httptest.NewRecorder()
	JSONBody(1024)(echo).ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// 3. Oversized body -> 413
// ---------------------------------------------------------------------------

func TestJSONBody_TooLarge(t *testing.T) {
	body := `{"data":"` + strings.Repeat("x", 64) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	rec := httptest.NewRecorder()
	JSONBody(16)(echo).ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}
