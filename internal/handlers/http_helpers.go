package handlers

import (
	"encoding/json"
	"net/http"
)

// writeJSON encodes v as JSON with the provided status code and a JSON
// content-type. Encode errors are ignored; the status line is already out.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	if status != 0 {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(v)
}

// writeError returns a plain-text HTTP error.
func writeError(w http.ResponseWriter, status int, msg string) {
	http.Error(w, msg, status)
}
