package protocol

import (
	"encoding/json"
	"net/http"
)

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes the {"error": "..."} body used by every HTTP error path.
func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, ErrorFrame{Error: msg})
}
