package api

import "net/http"

// HandleHealth returns a handler for GET /health.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, "ok")
	}
}
