package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/onnwee/kick-notifier/db"
	"github.com/onnwee/kick-notifier/reconcile"
)

type fakeStore struct {
	pingErr   error
	kv        map[string]string
	cache     []db.LiveState
	subs      []db.Subscription
	reset     []string
	purged    int64
	failReset bool
}

func (f *fakeStore) Ping(ctx context.Context) error { return f.pingErr }

func (f *fakeStore) GetKV(ctx context.Context, key string) (string, error) {
	return f.kv[key], nil
}

func (f *fakeStore) ListCache(ctx context.Context) ([]db.LiveState, error) { return f.cache, nil }

func (f *fakeStore) ResetCache(ctx context.Context, username string) error {
	if f.failReset {
		return &db.PersistenceError{Op: "reset_cache", Key: username, Err: errors.New("boom")}
	}
	f.reset = append(f.reset, username)
	return nil
}

func (f *fakeStore) PurgeOrphanCache(ctx context.Context) (int64, error) { return f.purged, nil }

func (f *fakeStore) ListSubscriptionsForGuild(ctx context.Context, guildID string) ([]db.Subscription, error) {
	var out []db.Subscription
	for _, s := range f.subs {
		if s.GuildID == guildID {
			out = append(out, s)
		}
	}
	return out, nil
}

type fakeController struct {
	interval time.Duration
	last     reconcile.PassStats
	queued   bool
	triggers int
}

func (f *fakeController) Trigger() bool {
	f.triggers++
	return f.queued
}
func (f *fakeController) LastPass() reconcile.PassStats { return f.last }
func (f *fakeController) Interval() time.Duration { return f.interval }

func newTestMux(t *testing.T, store Store, rec ReconcileController) http.Handler {
	t.Helper()
	t.Setenv("ADMIN_USERNAME", "")
	t.Setenv("ADMIN_PASSWORD", "")
	t.Setenv("ADMIN_TOKEN", "")
	t.Setenv("RATE_LIMIT_ENABLED", "0")
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return NewMux(ctx, store, rec)
}

func serve(h http.Handler, method, target string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(method, target, nil))
	return rr
}

func TestHealthz(t *testing.T) {
	h := newTestMux(t, &fakeStore{}, nil)
	rr := serve(h, http.MethodGet, "/healthz")
	if rr.Code != http.StatusOK || rr.Body.String() != "ok" {
		t.Fatalf("healthz = %d %q", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("X-Correlation-ID") == "" {
		t.Error("missing correlation id header")
	}

	h = newTestMux(t, &fakeStore{pingErr: errors.New("down")}, nil)
	if rr := serve(h, http.MethodGet, "/healthz"); rr.Code != http.StatusServiceUnavailable {
		t.Errorf("healthz with dead db = %d, want 503", rr.Code)
	}
}

func TestReadyz(t *testing.T) {
	now := time.Now().UTC()
	tests := []struct {
		name       string
		store      *fakeStore
		wantStatus int
		wantCheck  string
	}{
		{
			name:       "fresh heartbeat",
			store:      &fakeStore{kv: map[string]string{reconcile.HeartbeatKey: now.Add(-30 * time.Second).Format(time.RFC3339)}},
			wantStatus: http.StatusOK,
		},
		{
			name:       "stale heartbeat",
			store:      &fakeStore{kv: map[string]string{reconcile.HeartbeatKey: now.Add(-10 * time.Minute).Format(time.RFC3339)}},
			wantStatus: http.StatusServiceUnavailable,
			wantCheck:  "reconciler",
		},
		{
			name:       "no pass yet",
			store:      &fakeStore{},
			wantStatus: http.StatusServiceUnavailable,
			wantCheck:  "reconciler",
		},
		{
			name:       "database down",
			store:      &fakeStore{pingErr: errors.New("down")},
			wantStatus: http.StatusServiceUnavailable,
			wantCheck:  "database",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestMux(t, tt.store, &fakeController{interval: time.Minute})
			rr := serve(h, http.MethodGet, "/readyz")
			if rr.Code != tt.wantStatus {
				t.Fatalf("readyz = %d, want %d (%s)", rr.Code, tt.wantStatus, rr.Body.String())
			}
			var body map[string]string
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body["failed_check"] != tt.wantCheck {
				t.Errorf("failed_check = %q, want %q", body["failed_check"], tt.wantCheck)
			}
		})
	}
}

func TestStatusFromDatabase(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer sqlDB.Close()

	checked := time.Date(2025, 6, 1, 18, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT username, is_live, notified, last_checked FROM live_cache`).
		WillReturnRows(sqlmock.NewRows([]string{"username", "is_live", "notified", "last_checked"}).
			AddRow("trainwreckstv", true, true, checked).
			AddRow("xqc", false, false, checked))

	rec := &fakeController{interval: time.Minute, last: reconcile.PassStats{ID: "pass-1", Streamers: 2, Live: 1}}
	h := newTestMux(t, db.NewStore(sqlDB), rec)
	rr := serve(h, http.MethodGet, "/status")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}

	var body statusResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Live != 1 || len(body.Streams) != 2 || body.Streams[0].Username != "trainwreckstv" {
		t.Errorf("unexpected body %+v", body)
	}
	if body.LastPass == nil || body.LastPass.ID != "pass-1" {
		t.Errorf("last_pass = %+v", body.LastPass)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestAdminCacheReset(t *testing.T) {
	store := &fakeStore{}
	h := newTestMux(t, store, nil)

	if rr := serve(h, http.MethodPost, "/admin/cache/reset"); rr.Code != http.StatusBadRequest {
		t.Errorf("missing username = %d, want 400", rr.Code)
	}
	if rr := serve(h, http.MethodGet, "/admin/cache/reset?username=xqc"); rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET = %d, want 405", rr.Code)
	}
	if rr := serve(h, http.MethodPost, "/admin/cache/reset?username=XQC"); rr.Code != http.StatusOK {
		t.Fatalf("reset = %d", rr.Code)
	}
	if len(store.reset) != 1 || store.reset[0] != "xqc" {
		t.Errorf("reset calls = %v", store.reset)
	}

	store.failReset = true
	if rr := serve(h, http.MethodPost, "/admin/cache/reset?username=xqc"); rr.Code != http.StatusInternalServerError {
		t.Errorf("failing reset = %d, want 500", rr.Code)
	}
}

func TestAdminCachePurgeAndReconcile(t *testing.T) {
	store := &fakeStore{purged: 3}
	ctrl := &fakeController{queued: true}
	h := newTestMux(t, store, ctrl)

	rr := serve(h, http.MethodPost, "/admin/cache/purge")
	if rr.Code != http.StatusOK {
		t.Fatalf("purge = %d", rr.Code)
	}
	var purge map[string]int64
	_ = json.Unmarshal(rr.Body.Bytes(), &purge)
	if purge["purged"] != 3 {
		t.Errorf("purged = %v", purge)
	}

	rr = serve(h, http.MethodPost, "/admin/reconcile")
	if rr.Code != http.StatusAccepted {
		t.Fatalf("reconcile = %d", rr.Code)
	}
	var queued map[string]bool
	_ = json.Unmarshal(rr.Body.Bytes(), &queued)
	if !queued["queued"] || ctrl.triggers != 1 {
		t.Errorf("queued = %v triggers = %d", queued, ctrl.triggers)
	}

	h = newTestMux(t, store, nil)
	if rr := serve(h, http.MethodPost, "/admin/reconcile"); rr.Code != http.StatusServiceUnavailable {
		t.Errorf("reconcile without controller = %d, want 503", rr.Code)
	}
}

func TestAdminSubscriptions(t *testing.T) {
	store := &fakeStore{subs: []db.Subscription{
		{ID: 1, GuildID: "g1", Username: "xqc", ChannelID: "c1", Language: "en"},
		{ID: 2, GuildID: "g2", Username: "amouranth", ChannelID: "c9", Language: "de"},
	}}
	h := newTestMux(t, store, nil)

	if rr := serve(h, http.MethodGet, "/admin/subscriptions"); rr.Code != http.StatusBadRequest {
		t.Errorf("missing guild_id = %d, want 400", rr.Code)
	}
	rr := serve(h, http.MethodGet, "/admin/subscriptions?guild_id=g1")
	if rr.Code != http.StatusOK {
		t.Fatalf("subscriptions = %d", rr.Code)
	}
	var body struct {
		Subscriptions []subscriptionView `json:"subscriptions"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Subscriptions) != 1 || body.Subscriptions[0].Username != "xqc" {
		t.Errorf("subscriptions = %+v", body.Subscriptions)
	}
}

func TestAdminRequiresAuthWhenConfigured(t *testing.T) {
	t.Setenv("ADMIN_TOKEN", "s3cret")
	t.Setenv("RATE_LIMIT_ENABLED", "0")
	h := NewMux(context.Background(), &fakeStore{}, &fakeController{})

	if rr := serve(h, http.MethodPost, "/admin/cache/purge"); rr.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated admin = %d, want 401", rr.Code)
	}
	if rr := serve(h, http.MethodGet, "/healthz"); rr.Code != http.StatusOK {
		t.Errorf("healthz must stay public, got %d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/admin/cache/purge", nil)
	req.Header.Set("X-Admin-Token", "s3cret")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("authenticated admin = %d, want 200", rr.Code)
	}
}

func TestAdminFailedAuthIsRateLimited(t *testing.T) {
	t.Setenv("ADMIN_USERNAME", "")
	t.Setenv("ADMIN_PASSWORD", "")
	t.Setenv("ADMIN_TOKEN", "s3cret")
	t.Setenv("RATE_LIMIT_ENABLED", "1")
	t.Setenv("RATE_LIMIT_REQUESTS_PER_IP", "2")
	t.Setenv("RATE_LIMIT_TRUST_PROXY", "")
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h := NewMux(ctx, &fakeStore{}, &fakeController{})

	guess := func(token string) int {
		req := httptest.NewRequest(http.MethodPost, "/admin/cache/purge", nil)
		req.Header.Set("X-Admin-Token", token)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr.Code
	}
	for i := 0; i < 2; i++ {
		if code := guess("wrong"); code != http.StatusUnauthorized {
			t.Fatalf("guess %d = %d, want 401", i+1, code)
		}
	}
	if code := guess("wrong"); code != http.StatusTooManyRequests {
		t.Errorf("third bad guess = %d, want 429", code)
	}
	if code := guess("s3cret"); code != http.StatusTooManyRequests {
		t.Errorf("valid token inside exhausted budget = %d, want 429", code)
	}
}
