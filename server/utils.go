package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// writeJSON sets the content type, writes status, then encodes v.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response failed", slog.Any("err", err), slog.String("component", "http"))
	}
}
