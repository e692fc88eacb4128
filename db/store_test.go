package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	dbx, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { dbx.Close() })
	return NewStore(dbx), mock
}

func TestGetCacheAbsent(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT username, is_live, notified, last_checked FROM live_cache`).
		WithArgs("xqc").
		WillReturnRows(sqlmock.NewRows([]string{"username", "is_live", "notified", "last_checked"}))

	st, err := s.GetCache(context.Background(), " XQC ")
	if err != nil {
		t.Fatalf("GetCache() error = %v", err)
	}
	if st != nil {
		t.Errorf("GetCache() = %+v, want nil for unknown streamer", st)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestGetCacheRow(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()
	mock.ExpectQuery(`FROM live_cache WHERE username`).
		WithArgs("trainwreck").
		WillReturnRows(sqlmock.NewRows([]string{"username", "is_live", "notified", "last_checked"}).
			AddRow("trainwreck", true, false, now))

	st, err := s.GetCache(context.Background(), "trainwreck")
	if err != nil {
		t.Fatalf("GetCache() error = %v", err)
	}
	if st == nil || !st.IsLive || st.Notified || !st.LastChecked.Equal(now) {
		t.Errorf("GetCache() = %+v", st)
	}
}

func TestPersistenceErrorWrapping(t *testing.T) {
	s, mock := newMockStore(t)
	boom := errors.New("connection reset")
	mock.ExpectExec(`INSERT INTO live_cache`).
		WithArgs("xqc", true, true).
		WillReturnError(boom)

	err := s.UpsertCache(context.Background(), "xqc", true, true)
	var pe *PersistenceError
	if !errors.As(err, &pe) {
		t.Fatalf("UpsertCache() error = %v, want *PersistenceError", err)
	}
	if pe.Op != "upsert_cache" || pe.Key != "xqc" {
		t.Errorf("PersistenceError = %+v", pe)
	}
	if !errors.Is(err, boom) {
		t.Errorf("PersistenceError should unwrap to the driver error")
	}
}

func TestListDistinctStreamers(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT DISTINCT username FROM subscriptions`).
		WillReturnRows(sqlmock.NewRows([]string{"username"}).AddRow("a").AddRow("b"))

	got, err := s.ListDistinctStreamers(context.Background())
	if err != nil {
		t.Fatalf("ListDistinctStreamers() error = %v", err)
	}
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("ListDistinctStreamers() = %v", got)
	}
}

func TestSubscribersOfNullCustomMessage(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()
	cols := []string{"id", "guild_id", "username", "channel_id", "language", "custom_message", "created_at"}
	mock.ExpectQuery(`FROM subscriptions WHERE username = \$1 ORDER BY id`).
		WithArgs("xqc").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(int64(1), "g1", "xqc", "c1", "en", nil, now).
			AddRow(int64(2), "g2", "xqc", "c2", "de", "{streamer} ist live", now))

	subs, err := s.SubscribersOf(context.Background(), "xqc")
	if err != nil {
		t.Fatalf("SubscribersOf() error = %v", err)
	}
	if len(subs) != 2 {
		t.Fatalf("len(subs) = %d, want 2", len(subs))
	}
	if subs[0].CustomMessage != "" || subs[1].CustomMessage != "{streamer} ist live" {
		t.Errorf("custom messages = %q, %q", subs[0].CustomMessage, subs[1].CustomMessage)
	}
	if subs[0].GuildID != "g1" || subs[1].Language != "de" {
		t.Errorf("unexpected subscriptions %+v", subs)
	}
}

func TestAddSubscriptionEnsuresGuild(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO guilds`).WithArgs("g1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO subscriptions`).
		WithArgs("g1", "xqc", "c1", "en", nil).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := s.AddSubscription(context.Background(), Subscription{GuildID: "g1", Username: "XQC", ChannelID: "c1"})
	if err != nil {
		t.Fatalf("AddSubscription() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRemoveSubscription(t *testing.T) {
	tests := []struct {
		name      string
		deleted   int64
		remaining int
		wantReset bool
		want      bool
	}{
		{name: "absent is a no-op", deleted: 0, want: false},
		{name: "other subscribers keep cache", deleted: 1, remaining: 2, want: true},
		{name: "last subscriber resets cache", deleted: 1, remaining: 0, wantReset: true, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMockStore(t)
			mock.ExpectBegin()
			mock.ExpectExec(`DELETE FROM subscriptions`).
				WithArgs("g1", "xqc").
				WillReturnResult(sqlmock.NewResult(0, tt.deleted))
			if tt.deleted == 0 {
				mock.ExpectRollback()
			} else {
				mock.ExpectQuery(`SELECT COUNT\(\*\) FROM subscriptions`).
					WithArgs("xqc").
					WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(tt.remaining))
				if tt.wantReset {
					mock.ExpectExec(`UPDATE live_cache SET is_live = FALSE, notified = FALSE`).
						WithArgs("xqc").
						WillReturnResult(sqlmock.NewResult(0, 1))
				}
				mock.ExpectCommit()
			}

			got, err := s.RemoveSubscription(context.Background(), "g1", "xqc")
			if err != nil {
				t.Fatalf("RemoveSubscription() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("RemoveSubscription() = %v, want %v", got, tt.want)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Error(err)
			}
		})
	}
}

func TestDeleteGuildResetsOrphanedCache(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT username FROM subscriptions WHERE guild_id`).
		WithArgs("g1").
		WillReturnRows(sqlmock.NewRows([]string{"username"}).AddRow("xqc").AddRow("amouranth"))
	mock.ExpectExec(`DELETE FROM guilds`).
		WithArgs("g1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE live_cache SET is_live = FALSE, notified = FALSE`).
		WithArgs("xqc").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE live_cache SET is_live = FALSE, notified = FALSE`).
		WithArgs("amouranth").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	if err := s.DeleteGuild(context.Background(), "g1"); err != nil {
		t.Fatalf("DeleteGuild() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("cache not reset on guild deletion: %v", err)
	}
}

func TestDeleteGuildRollsBackOnResetFailure(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT username FROM subscriptions WHERE guild_id`).
		WithArgs("g1").
		WillReturnRows(sqlmock.NewRows([]string{"username"}).AddRow("xqc"))
	mock.ExpectExec(`DELETE FROM guilds`).WithArgs("g1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE live_cache`).WithArgs("xqc").WillReturnError(errors.New("deadlock"))
	mock.ExpectRollback()

	err := s.DeleteGuild(context.Background(), "g1")
	var pe *PersistenceError
	if !errors.As(err, &pe) || pe.Op != "delete_guild" {
		t.Fatalf("DeleteGuild() error = %v, want delete_guild PersistenceError", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestUpsertCacheRequiresSubscriber(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`INSERT INTO live_cache .* WHERE EXISTS \(SELECT 1 FROM subscriptions WHERE username = \$1::text\)`).
		WithArgs("xqc", true, true).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.UpsertCache(context.Background(), "XQC", true, true); err != nil {
		t.Fatalf("UpsertCache() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPurgeOrphanCache(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`DELETE FROM live_cache c WHERE NOT EXISTS`).WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := s.PurgeOrphanCache(context.Background())
	if err != nil {
		t.Fatalf("PurgeOrphanCache() error = %v", err)
	}
	if n != 3 {
		t.Errorf("PurgeOrphanCache() = %d, want 3", n)
	}
}

func TestGetKVMissing(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT value FROM kv`).WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"value"}))

	v, err := s.GetKV(context.Background(), "nope")
	if err != nil || v != "" {
		t.Errorf("GetKV() = %q, %v; want empty, nil", v, err)
	}
}
