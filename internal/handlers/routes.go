package handlers

import (
	"github.com/gorilla/mux"
)

// Register wires the operational routes.
func Register(h *Handler, r *mux.Router) {
	r.HandleFunc("/health", h.Health).Methods("GET")
	r.HandleFunc("/status", h.Status).Methods("GET")
}
