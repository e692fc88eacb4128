package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/kick-notifier/reconcile"
	"github.com/onnwee/kick-notifier/telemetry"
)

type cacheEntry struct {
	Username    string    `json:"username"`
	IsLive      bool      `json:"is_live"`
	Notified    bool      `json:"notified"`
	LastChecked time.Time `json:"last_checked"`
}

type statusResponse struct {
	LastPass *reconcile.PassStats `json:"last_pass,omitempty"`
	Live     int                  `json:"live"`
	Streams  []cacheEntry         `json:"streams"`
}

// HandleStatus returns the cached liveness of every polled streamer and a summary
// of the most recent reconcile pass.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rows, err := h.store.ListCache(r.Context())
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("list cache failed", slog.Any("err", err), slog.String("component", "http"))
		http.Error(w, "failed to read cache", http.StatusInternalServerError)
		return
	}

	resp := statusResponse{Streams: make([]cacheEntry, 0, len(rows))}
	for _, st := range rows {
		if st.IsLive {
			resp.Live++
		}
		resp.Streams = append(resp.Streams, cacheEntry{
			Username:    st.Username,
			IsLive:      st.IsLive,
			Notified:    st.Notified,
			LastChecked: st.LastChecked,
		})
	}
	if h.rec != nil {
		if last := h.rec.LastPass(); last.ID != "" {
			resp.LastPass = &last
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
