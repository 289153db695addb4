package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/brandshop/authcore"
)

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError classifies err and writes it as the engine's JSON error body.
// Unexpected errors never leak their cause.
func WriteError(w http.ResponseWriter, err error) {
	e := authcore.Classify(err)
	if e == nil {
		e = authcore.Unexpected(nil)
	}
	WriteJSON(w, e.Status, e)
}
