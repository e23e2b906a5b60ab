package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// DefaultMaxBody caps request bodies on JSON endpoints.
const DefaultMaxBody int64 = 1 << 20

// JSONBody reads at most maxBytes of the request body, rejects oversized or
// malformed JSON early, then replaces r.Body so downstream handlers can
// decode it again.
func JSONBody(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBody
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBytes))
			r.Body.Close()
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", maxBytes))
					return
				}
				writeError(w, http.StatusBadRequest, "failed to read body")
				return
			}
			if !json.Valid(bodyBytes) {
				writeError(w, http.StatusBadRequest, "invalid JSON body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(bodyBytes))
			next.ServeHTTP(w, r)
		})
	}
}
