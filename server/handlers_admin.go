package server

import (
	"log/slog"
	"net/http"

	"github.com/onnwee/kick-notifier/db"
	"github.com/onnwee/kick-notifier/telemetry"
)

// HandleAdminCacheReset clears the live/notified flags for one streamer so the
// next live observation is announced again.
func (h *Handlers) HandleAdminCacheReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	username := db.NormalizeUsername(r.URL.Query().Get("username"))
	if username == "" {
		http.Error(w, "username required", http.StatusBadRequest)
		return
	}
	if err := h.store.ResetCache(r.Context(), username); err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("cache reset failed", slog.String("streamer", username), slog.Any("err", err), slog.String("component", "http_admin"))
		http.Error(w, "cache reset failed", http.StatusInternalServerError)
		return
	}
	telemetry.LoggerWithCorr(r.Context()).Info("cache reset", slog.String("streamer", username), slog.String("component", "http_admin"))
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "username": username})
}

// HandleAdminCachePurge deletes cache rows that no subscription references.
func (h *Handlers) HandleAdminCachePurge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	n, err := h.store.PurgeOrphanCache(r.Context())
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("cache purge failed", slog.Any("err", err), slog.String("component", "http_admin"))
		http.Error(w, "cache purge failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"purged": n})
}

// HandleAdminReconcile queues an extra reconcile pass.
func (h *Handlers) HandleAdminReconcile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.rec == nil {
		http.Error(w, "reconciler not running", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"queued": h.rec.Trigger()})
}

type subscriptionView struct {
	ID            int64  `json:"id"`
	Username      string `json:"username"`
	ChannelID     string `json:"channel_id"`
	Language      string `json:"language"`
	CustomMessage string `json:"custom_message,omitempty"`
}

// HandleAdminSubscriptions lists one guild's subscriptions.
func (h *Handlers) HandleAdminSubscriptions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	guildID := r.URL.Query().Get("guild_id")
	if guildID == "" {
		http.Error(w, "guild_id required", http.StatusBadRequest)
		return
	}
	subs, err := h.store.ListSubscriptionsForGuild(r.Context(), guildID)
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("list subscriptions failed", slog.String("guild_id", guildID), slog.Any("err", err), slog.String("component", "http_admin"))
		http.Error(w, "failed to list subscriptions", http.StatusInternalServerError)
		return
	}
	out := make([]subscriptionView, 0, len(subs))
	for _, s := range subs {
		out = append(out, subscriptionView{
			ID:            s.ID,
			Username:      s.Username,
			ChannelID:     s.ChannelID,
			Language:      s.Language,
			CustomMessage: s.CustomMessage,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"guild_id": guildID, "subscriptions": out})
}
