// Package api implements the HTTP adapter: it maps requests onto the
// queue registry and lifecycle engine and engine outcomes back onto
// statuses. The engine itself never touches transport.
package api

import (
	"encoding/json"
	"net/http"
)

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// ErrorResponse is the standard error envelope.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the machine-readable kind and a human-readable
// detail string.
type ErrorDetail struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

// WriteError writes a standard error response.
func WriteError(w http.ResponseWriter, status int, kind, detail string) {
	WriteJSON(w, status, ErrorResponse{Error: ErrorDetail{Kind: kind, Detail: detail}})
}
