package reconcile

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/onnwee/kick-notifier/db"
	"github.com/onnwee/kick-notifier/kickapi"
	"github.com/onnwee/kick-notifier/notify"
)

type memStore struct {
	mu         sync.Mutex
	subs       []db.Subscription
	cache      map[string]db.LiveState
	kv         map[string]string
	failGet    map[string]error
	failUpsert map[string]error
	failSubs   error
	listCalls  atomic.Int64
	purged     int
}

func newMemStore(subs ...db.Subscription) *memStore {
	return &memStore{
		subs:       subs,
		cache:      map[string]db.LiveState{},
		kv:         map[string]string{},
		failGet:    map[string]error{},
		failUpsert: map[string]error{},
	}
}

func (m *memStore) ListDistinctStreamers(ctx context.Context) ([]string, error) {
	m.listCalls.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for _, s := range m.subs {
		if !seen[s.Username] {
			seen[s.Username] = true
			out = append(out, s.Username)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *memStore) GetCache(ctx context.Context, username string) (*db.LiveState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failGet[username]; err != nil {
		return nil, &db.PersistenceError{Op: "get_cache", Key: username, Err: err}
	}
	st, ok := m.cache[username]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (m *memStore) UpsertCache(ctx context.Context, username string, isLive, notified bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failUpsert[username]; err != nil {
		return &db.PersistenceError{Op: "upsert_cache", Key: username, Err: err}
	}
	m.cache[username] = db.LiveState{Username: username, IsLive: isLive, Notified: notified, LastChecked: time.Now()}
	return nil
}

func (m *memStore) SubscribersOf(ctx context.Context, username string) ([]db.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSubs != nil {
		return nil, &db.PersistenceError{Op: "subscribers_of", Key: username, Err: m.failSubs}
	}
	var out []db.Subscription
	for _, s := range m.subs {
		if s.Username == username {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memStore) SetKV(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv[key] = value
	return nil
}

func (m *memStore) PurgeOrphanCache(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	live := map[string]bool{}
	for _, s := range m.subs {
		live[s.Username] = true
	}
	var n int64
	for u := range m.cache {
		if !live[u] {
			delete(m.cache, u)
			n++
		}
	}
	m.purged += int(n)
	return n, nil
}

func (m *memStore) state(username string) (db.LiveState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.cache[username]
	return st, ok
}

// observation is one scripted FetchStatus answer.
type observation struct {
	live     bool
	notFound bool
	err      error
}

var (
	offline  = observation{}
	live     = observation{live: true}
	notFound = observation{notFound: true}
)

func transient(username string) observation {
	return observation{err: &kickapi.TransientFetchError{Username: username, StatusCode: 503, Err: errors.New("unavailable")}}
}

// scriptedFetcher replays observations per streamer; the last one repeats.
type scriptedFetcher struct {
	mu      sync.Mutex
	script  map[string][]observation
	calls   map[string]int
	delay   time.Duration
	hook    func(username string)
	active  atomic.Int64
	maxSeen atomic.Int64
}

func newScriptedFetcher() *scriptedFetcher {
	return &scriptedFetcher{script: map[string][]observation{}, calls: map[string]int{}}
}

func (f *scriptedFetcher) set(username string, obs ...observation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script[username] = obs
}

func (f *scriptedFetcher) FetchStatus(ctx context.Context, username string) (*kickapi.StatusRecord, error) {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		m := f.maxSeen.Load()
		if n <= m || f.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	if f.hook != nil {
		f.hook(username)
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	obs := f.script[username]
	i := f.calls[username]
	f.calls[username]++
	f.mu.Unlock()

	o := offline
	if len(obs) > 0 {
		if i >= len(obs) {
			i = len(obs) - 1
		}
		o = obs[i]
	}
	switch {
	case o.err != nil:
		return nil, o.err
	case o.notFound:
		return nil, nil
	}
	return &kickapi.StatusRecord{
		Username: username,
		IsLive:   o.live,
		Title:    "stream",
		Category: "Just Chatting",
		URL:      "https://kick.com/" + username,
		Language: "en",
	}, nil
}

func (f *scriptedFetcher) callCount(username string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[username]
}

// countingNotifier wraps a notifier and counts Notify calls per streamer.
type countingNotifier struct {
	inner Notifier
	mu    sync.Mutex
	calls map[string]int
	fail  error
}

func newCountingNotifier(inner Notifier) *countingNotifier {
	return &countingNotifier{inner: inner, calls: map[string]int{}}
}

func (c *countingNotifier) Notify(ctx context.Context, status *kickapi.StatusRecord, subs []db.Subscription) (notify.Result, error) {
	c.mu.Lock()
	c.calls[status.Username]++
	fail := c.fail
	c.mu.Unlock()
	if fail != nil {
		return notify.Result{}, fail
	}
	return c.inner.Notify(ctx, status, subs)
}

func (c *countingNotifier) count(username string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[username]
}

func (c *countingNotifier) setFail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail = err
}

// channelSender records deliveries per channel and fails the configured ones.
type channelSender struct {
	mu        sync.Mutex
	delivered map[string]int
	failing   map[string]bool
}

func newChannelSender(failing ...string) *channelSender {
	s := &channelSender{delivered: map[string]int{}, failing: map[string]bool{}}
	for _, c := range failing {
		s.failing[c] = true
	}
	return s
}

func (s *channelSender) Send(ctx context.Context, channelID, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing[channelID] {
		return errors.New("missing permissions")
	}
	s.delivered[channelID]++
	return nil
}

func (s *channelSender) count(channelID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delivered[channelID]
}
