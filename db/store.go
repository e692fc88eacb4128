package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Guild is a Discord server that has interacted with the bot.
type Guild struct {
	GuildID   string
	Name      string
	CreatedAt time.Time
}

// Subscription binds a guild channel to a Kick streamer.
type Subscription struct {
	ID            int64
	GuildID       string
	Username      string
	ChannelID     string
	Language      string
	CustomMessage string
	CreatedAt     time.Time
}

// LiveState is the last observed liveness of a streamer and whether the
// current session has already been announced.
type LiveState struct {
	Username    string
	IsLive      bool
	Notified    bool
	LastChecked time.Time
}

// PersistenceError wraps any backend failure returned by Store.
type PersistenceError struct {
	Op  string
	Key string
	Err error
}

func (e *PersistenceError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("db %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("db %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func perr(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Key: key, Err: err}
}

// NormalizeUsername trims and lower-cases a Kick slug so cache and subscription keys agree.
func NormalizeUsername(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Store is the durable state shared by the reconciler and the command glue.
// Every method is atomic on its own; no transaction spans calls.
type Store struct {
	DB *sql.DB
}

func NewStore(db *sql.DB) *Store { return &Store{DB: db} }

func (s *Store) Ping(ctx context.Context) error {
	return perr("ping", "", s.DB.PingContext(ctx))
}

// ListDistinctStreamers returns every username with at least one subscription.
func (s *Store) ListDistinctStreamers(ctx context.Context) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT DISTINCT username FROM subscriptions ORDER BY username`)
	if err != nil {
		return nil, perr("list_streamers", "", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, perr("list_streamers", "", err)
		}
		out = append(out, u)
	}
	return out, perr("list_streamers", "", rows.Err())
}

// GetCache returns nil, nil when the streamer has never been polled.
func (s *Store) GetCache(ctx context.Context, username string) (*LiveState, error) {
	username = NormalizeUsername(username)
	st := &LiveState{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT username, is_live, notified, last_checked FROM live_cache WHERE username = $1`, username).
		Scan(&st.Username, &st.IsLive, &st.Notified, &st.LastChecked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, perr("get_cache", username, err)
	}
	return st, nil
}

// UpsertCache replaces the cache row and refreshes last_checked. The write is
// skipped when nobody subscribes to username any more, so a pass that was in
// flight during the last unsubscribe cannot restore a reset notified flag.
func (s *Store) UpsertCache(ctx context.Context, username string, isLive, notified bool) error {
	username = NormalizeUsername(username)
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO live_cache (username, is_live, notified, last_checked)
		 SELECT $1::text, $2::boolean, $3::boolean, NOW()
		 WHERE EXISTS (SELECT 1 FROM subscriptions WHERE username = $1::text)
		 ON CONFLICT (username) DO UPDATE SET is_live = EXCLUDED.is_live, notified = EXCLUDED.notified, last_checked = NOW()`,
		username, isLive, notified)
	return perr("upsert_cache", username, err)
}

// ResetCache clears liveness and the notified flag but keeps the row.
func (s *Store) ResetCache(ctx context.Context, username string) error {
	username = NormalizeUsername(username)
	_, err := s.DB.ExecContext(ctx,
		`UPDATE live_cache SET is_live = FALSE, notified = FALSE, last_checked = NOW() WHERE username = $1`, username)
	return perr("reset_cache", username, err)
}

func (s *Store) ListCache(ctx context.Context) ([]LiveState, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT username, is_live, notified, last_checked FROM live_cache ORDER BY username`)
	if err != nil {
		return nil, perr("list_cache", "", err)
	}
	defer rows.Close()
	var out []LiveState
	for rows.Next() {
		var st LiveState
		if err := rows.Scan(&st.Username, &st.IsLive, &st.Notified, &st.LastChecked); err != nil {
			return nil, perr("list_cache", "", err)
		}
		out = append(out, st)
	}
	return out, perr("list_cache", "", rows.Err())
}

// PurgeOrphanCache deletes cache rows for streamers nobody subscribes to any more.
func (s *Store) PurgeOrphanCache(ctx context.Context) (int64, error) {
	res, err := s.DB.ExecContext(ctx,
		`DELETE FROM live_cache c WHERE NOT EXISTS (SELECT 1 FROM subscriptions s WHERE s.username = c.username)`)
	if err != nil {
		return 0, perr("purge_cache", "", err)
	}
	n, err := res.RowsAffected()
	return n, perr("purge_cache", "", err)
}

// SubscribersOf returns subscriptions for username in insertion order.
func (s *Store) SubscribersOf(ctx context.Context, username string) ([]Subscription, error) {
	username = NormalizeUsername(username)
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, guild_id, username, channel_id, language, custom_message, created_at
		 FROM subscriptions WHERE username = $1 ORDER BY id`, username)
	if err != nil {
		return nil, perr("subscribers_of", username, err)
	}
	subs, err := scanSubscriptions(rows)
	return subs, perr("subscribers_of", username, err)
}

func (s *Store) ListSubscriptionsForGuild(ctx context.Context, guildID string) ([]Subscription, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, guild_id, username, channel_id, language, custom_message, created_at
		 FROM subscriptions WHERE guild_id = $1 ORDER BY id`, guildID)
	if err != nil {
		return nil, perr("list_subscriptions", guildID, err)
	}
	subs, err := scanSubscriptions(rows)
	return subs, perr("list_subscriptions", guildID, err)
}

func scanSubscriptions(rows *sql.Rows) ([]Subscription, error) {
	defer rows.Close()
	var out []Subscription
	for rows.Next() {
		var sub Subscription
		var custom sql.NullString
		if err := rows.Scan(&sub.ID, &sub.GuildID, &sub.Username, &sub.ChannelID, &sub.Language, &custom, &sub.CreatedAt); err != nil {
			return nil, err
		}
		sub.CustomMessage = custom.String
		out = append(out, sub)
	}
	return out, rows.Err()
}

// AddSubscription creates the guild row if needed and inserts or replaces the
// (guild, username) subscription. The original id is kept on replace.
func (s *Store) AddSubscription(ctx context.Context, sub Subscription) error {
	username := NormalizeUsername(sub.Username)
	if sub.Language == "" {
		sub.Language = "en"
	}
	var custom sql.NullString
	if sub.CustomMessage != "" {
		custom = sql.NullString{String: sub.CustomMessage, Valid: true}
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return perr("add_subscription", username, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO guilds (guild_id) VALUES ($1) ON CONFLICT (guild_id) DO NOTHING`, sub.GuildID); err != nil {
		return perr("add_subscription", username, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO subscriptions (guild_id, username, channel_id, language, custom_message) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (guild_id, username) DO UPDATE SET channel_id = EXCLUDED.channel_id,
		   language = EXCLUDED.language, custom_message = EXCLUDED.custom_message`,
		sub.GuildID, username, sub.ChannelID, sub.Language, custom); err != nil {
		return perr("add_subscription", username, err)
	}
	return perr("add_subscription", username, tx.Commit())
}

// RemoveSubscription deletes one subscription. When it was the last one for the
// streamer the cache row is reset in the same transaction so a later
// re-subscribe starts from a clean session. Reports whether a row was removed.
func (s *Store) RemoveSubscription(ctx context.Context, guildID, username string) (bool, error) {
	username = NormalizeUsername(username)
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, perr("remove_subscription", username, err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE guild_id = $1 AND username = $2`, guildID, username)
	if err != nil {
		return false, perr("remove_subscription", username, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, perr("remove_subscription", username, err)
	}
	if n == 0 {
		return false, nil
	}

	var remaining int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM subscriptions WHERE username = $1`, username).Scan(&remaining); err != nil {
		return false, perr("remove_subscription", username, err)
	}
	if remaining == 0 {
		if _, err := tx.ExecContext(ctx,
			`UPDATE live_cache SET is_live = FALSE, notified = FALSE, last_checked = NOW() WHERE username = $1`, username); err != nil {
			return false, perr("remove_subscription", username, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return false, perr("remove_subscription", username, err)
	}
	return true, nil
}

// UpsertGuild records a guild and refreshes its display name.
func (s *Store) UpsertGuild(ctx context.Context, guildID, name string) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO guilds (guild_id, guild_name) VALUES ($1, $2)
		 ON CONFLICT (guild_id) DO UPDATE SET guild_name = EXCLUDED.guild_name`, guildID, name)
	return perr("upsert_guild", guildID, err)
}

// DeleteGuild removes a guild; its subscriptions cascade. Streamers left with no
// subscriber get their cache row reset in the same transaction, as in
// RemoveSubscription.
func (s *Store) DeleteGuild(ctx context.Context, guildID string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return perr("delete_guild", guildID, err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `SELECT username FROM subscriptions WHERE guild_id = $1`, guildID)
	if err != nil {
		return perr("delete_guild", guildID, err)
	}
	var usernames []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			rows.Close()
			return perr("delete_guild", guildID, err)
		}
		usernames = append(usernames, u)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return perr("delete_guild", guildID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM guilds WHERE guild_id = $1`, guildID); err != nil {
		return perr("delete_guild", guildID, err)
	}
	for _, u := range usernames {
		if _, err := tx.ExecContext(ctx,
			`UPDATE live_cache SET is_live = FALSE, notified = FALSE, last_checked = NOW()
			 WHERE username = $1 AND NOT EXISTS (SELECT 1 FROM subscriptions s WHERE s.username = $1)`, u); err != nil {
			return perr("delete_guild", guildID, err)
		}
	}
	return perr("delete_guild", guildID, tx.Commit())
}

func (s *Store) SetKV(ctx context.Context, key, value string) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES ($1, $2, NOW())
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`, key, value)
	return perr("set_kv", key, err)
}

// GetKV returns "" with a nil error when the key is absent.
func (s *Store) GetKV(ctx context.Context, key string) (string, error) {
	var v sql.NullString
	err := s.DB.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = $1`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", perr("get_kv", key, err)
	}
	return v.String, nil
}
