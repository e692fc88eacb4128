// Package reconcile runs the polling loop that compares Kick live status with the
// persisted cache and announces each new live session once.
package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/kick-notifier/db"
	"github.com/onnwee/kick-notifier/kickapi"
	"github.com/onnwee/kick-notifier/notify"
	"github.com/onnwee/kick-notifier/telemetry"
)

// HeartbeatKey is the kv key holding the RFC3339 end time of the last pass.
const HeartbeatKey = "reconcile_last_pass"

const (
	tracerName   = "reconciler"
	writeTimeout = 5 * time.Second
)

type StatusFetcher interface {
	FetchStatus(ctx context.Context, username string) (*kickapi.StatusRecord, error)
}

type StateStore interface {
	ListDistinctStreamers(ctx context.Context) ([]string, error)
	GetCache(ctx context.Context, username string) (*db.LiveState, error)
	UpsertCache(ctx context.Context, username string, isLive, notified bool) error
	SubscribersOf(ctx context.Context, username string) ([]db.Subscription, error)
	SetKV(ctx context.Context, key, value string) error
	PurgeOrphanCache(ctx context.Context) (int64, error)
}

type Notifier interface {
	Notify(ctx context.Context, status *kickapi.StatusRecord, subs []db.Subscription) (notify.Result, error)
}

type Options struct {
	Interval        time.Duration
	Concurrency     int
	StreamerTimeout time.Duration
	PurgeOrphans    bool
}

// PassStats describes one finished pass.
type PassStats struct {
	ID                string        `json:"id"`
	StartedAt         time.Time     `json:"started_at"`
	Duration          time.Duration `json:"duration"`
	Streamers         int           `json:"streamers"`
	Live              int           `json:"live"`
	Notified          int           `json:"notified"`
	FetchErrors       int           `json:"fetch_errors"`
	PersistenceErrors int           `json:"persistence_errors"`
	DispatchErrors    int           `json:"dispatch_errors"`
	Skipped           int           `json:"skipped"`
	Purged            int64         `json:"purged"`
}

type passCounters struct {
	live, notified, fetchErrs, persistErrs, dispatchErrs, skipped atomic.Int64
}

type Reconciler struct {
	fetcher  StatusFetcher
	store    StateStore
	notifier Notifier
	opts     Options

	trigger chan struct{}

	mu   sync.RWMutex
	last PassStats
}

func New(fetcher StatusFetcher, store StateStore, notifier Notifier, opts Options) *Reconciler {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.StreamerTimeout <= 0 {
		opts.StreamerTimeout = 30 * time.Second
	}
	return &Reconciler{
		fetcher:  fetcher,
		store:    store,
		notifier: notifier,
		opts:     opts,
		trigger:  make(chan struct{}, 1),
	}
}

// Interval is the configured pass cadence.
func (r *Reconciler) Interval() time.Duration { return r.opts.Interval }

// Trigger asks Run for an extra pass as soon as the current one finishes.
// Requests made while one is already pending are coalesced.
func (r *Reconciler) Trigger() bool {
	select {
	case r.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// LastPass returns the stats of the most recently finished pass.
func (r *Reconciler) LastPass() PassStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}

// Run executes a pass immediately and then once per interval until ctx is done.
// Passes never overlap. It returns after the in-flight pass has drained.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()
	slog.Info("reconciler started",
		slog.Duration("interval", r.opts.Interval),
		slog.Int("concurrency", r.opts.Concurrency),
		slog.String("component", "reconciler"))
	for {
		if ctx.Err() != nil {
			return
		}
		if _, err := r.RunPass(ctx); err != nil {
			slog.Error("reconcile pass failed", slog.Any("err", err), slog.String("component", "reconciler"))
		}
		select {
		case <-ctx.Done():
			slog.Info("reconciler stopped", slog.String("component", "reconciler"))
			return
		case <-ticker.C:
		case <-r.trigger:
		}
	}
}

// RunPass reconciles every tracked streamer once on a bounded worker pool.
// Failures are contained per streamer. Once ctx is cancelled no further streamer
// is started; streamers already in flight finish on a context detached from the
// cancellation and bounded by the per-streamer timeout. The returned error is
// non-nil only when the streamer list could not be read.
func (r *Reconciler) RunPass(ctx context.Context) (PassStats, error) {
	stats := PassStats{ID: uuid.NewString(), StartedAt: time.Now()}
	ctx = telemetry.WithCorrelation(ctx, stats.ID)
	ctx, span := telemetry.StartSpan(ctx, tracerName, "reconcile.pass")
	defer span.End()
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "reconciler"))
	workCtx := context.WithoutCancel(ctx)

	listCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	streamers, err := r.store.ListDistinctStreamers(listCtx)
	cancel()
	if err != nil {
		telemetry.IncPersistenceErrors()
		telemetry.RecordError(span, err)
		return stats, err
	}
	stats.Streamers = len(streamers)

	var c passCounters
	g := new(errgroup.Group)
	g.SetLimit(r.opts.Concurrency)
	for i, name := range streamers {
		if ctx.Err() != nil {
			c.skipped.Add(int64(len(streamers) - i))
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				c.skipped.Add(1)
				return nil
			}
			r.reconcileStreamer(workCtx, name, &c)
			return nil
		})
	}
	_ = g.Wait()

	stats.Live = int(c.live.Load())
	stats.Notified = int(c.notified.Load())
	stats.FetchErrors = int(c.fetchErrs.Load())
	stats.PersistenceErrors = int(c.persistErrs.Load())
	stats.DispatchErrors = int(c.dispatchErrs.Load())
	stats.Skipped = int(c.skipped.Load())

	if r.opts.PurgeOrphans && ctx.Err() == nil {
		pctx, pcancel := context.WithTimeout(workCtx, writeTimeout)
		n, err := r.store.PurgeOrphanCache(pctx)
		pcancel()
		if err != nil {
			log.Warn("orphan cache purge failed", slog.Any("err", err))
		} else {
			stats.Purged = n
		}
	}

	stats.Duration = time.Since(stats.StartedAt)
	hctx, hcancel := context.WithTimeout(workCtx, writeTimeout)
	if err := r.store.SetKV(hctx, HeartbeatKey, time.Now().UTC().Format(time.RFC3339)); err != nil {
		log.Warn("heartbeat write failed", slog.Any("err", err))
	}
	hcancel()

	telemetry.IncPasses()
	telemetry.SetPassGauges(stats.Streamers, stats.Live)
	if telemetry.PassDuration != nil {
		telemetry.PassDuration.Observe(stats.Duration.Seconds())
	}
	telemetry.SetSpanSuccess(span)

	r.mu.Lock()
	r.last = stats
	r.mu.Unlock()

	log.Info("reconcile pass complete",
		slog.Int("streamers", stats.Streamers),
		slog.Int("live", stats.Live),
		slog.Int("notified", stats.Notified),
		slog.Int("fetch_errors", stats.FetchErrors),
		slog.Int("persistence_errors", stats.PersistenceErrors),
		slog.Int("dispatch_errors", stats.DispatchErrors),
		slog.Int("skipped", stats.Skipped),
		slog.Duration("duration", stats.Duration))
	return stats, nil
}

func (r *Reconciler) reconcileStreamer(ctx context.Context, username string, c *passCounters) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.StreamerTimeout)
	defer cancel()
	ctx, span := telemetry.StartSpan(ctx, tracerName, "reconcile.streamer", telemetry.StreamerAttr(username))
	defer span.End()
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("streamer", username), slog.String("component", "reconciler"))

	prev := db.LiveState{Username: username}
	cached, err := r.store.GetCache(ctx, username)
	if err != nil {
		c.persistErrs.Add(1)
		telemetry.IncPersistenceErrors()
		telemetry.RecordError(span, err)
		log.Error("read live cache failed", slog.Any("err", err))
		return
	}
	if cached != nil {
		prev = *cached
	}

	var status *kickapi.StatusRecord
	telemetry.TimeFunc(telemetry.FetchDuration, func() {
		status, err = r.fetcher.FetchStatus(ctx, username)
	})
	if err != nil {
		c.fetchErrs.Add(1)
		telemetry.IncFetchErrors()
		telemetry.RecordError(span, err)
		log.Warn("status fetch failed; cache left untouched", slog.Any("err", err))
		return
	}
	curIsLive := status != nil && status.IsLive
	if curIsLive {
		c.live.Add(1)
	}

	act := Decide(prev, curIsLive)
	notified := act.Notified
	if act.Dispatch {
		if err := r.dispatch(ctx, username, status, log); err != nil {
			c.dispatchErrs.Add(1)
			telemetry.RecordError(span, err)
			log.Warn("dispatch incomplete; will retry next pass", slog.Any("err", err))
			notified = false
		} else {
			c.notified.Add(1)
			telemetry.IncNotifications()
		}
	}

	// The write must land even if the streamer deadline expired during dispatch.
	wctx, wcancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer wcancel()
	if err := r.store.UpsertCache(wctx, username, act.IsLive, notified); err != nil {
		c.persistErrs.Add(1)
		telemetry.IncPersistenceErrors()
		telemetry.RecordError(span, err)
		log.Error("write live cache failed", slog.Any("err", err))
		return
	}
	if prev.IsLive != act.IsLive {
		log.Info("live state changed", slog.Bool("was_live", prev.IsLive), slog.Bool("live", act.IsLive), slog.Bool("notified", notified))
	}
}

func (r *Reconciler) dispatch(ctx context.Context, username string, status *kickapi.StatusRecord, log *slog.Logger) error {
	subs, err := r.store.SubscribersOf(ctx, username)
	if err != nil {
		return err
	}
	res, err := r.notifier.Notify(ctx, status, subs)
	if err != nil {
		return err
	}
	log.Info("live notification dispatched",
		slog.String("title", status.Title),
		slog.Int("subscribers", len(subs)),
		slog.Int("delivered", res.Delivered),
		slog.Int("failed", len(res.Failures)))
	return nil
}
