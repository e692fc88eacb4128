package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/onnwee/kick-notifier/reconcile"
)

// HandleHealthz is the liveness probe: the database must answer a ping.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz reports ready once the database answers and the reconciler has
// completed a pass within three poll intervals.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func(ctx context.Context) error
	}{
		{"database", h.store.Ping},
		{"reconciler", h.checkHeartbeat},
	}

	for _, check := range checks {
		if err := check.fn(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *Handlers) checkHeartbeat(ctx context.Context) error {
	v, err := h.store.GetKV(ctx, reconcile.HeartbeatKey)
	if err != nil {
		return err
	}
	if v == "" {
		return errors.New("no reconcile pass completed yet")
	}
	last, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return fmt.Errorf("bad heartbeat %q: %w", v, err)
	}
	limit := 3 * time.Minute
	if h.rec != nil && h.rec.Interval() > 0 {
		limit = 3 * h.rec.Interval()
	}
	if h.now().Sub(last) > limit {
		return fmt.Errorf("last reconcile pass %s", humanize.Time(last))
	}
	return nil
}
