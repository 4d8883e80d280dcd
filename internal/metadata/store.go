// Package metadata is the durable index backing the cache manager: cache
// entries, upload sessions, upstream configuration, and the ambient
// users/config/activity_logs surface used by the out-of-scope external API
// edge. Built on database/sql with the pure-Go modernc.org/sqlite driver
// (spec §6: "a relational store").
package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a row is absent.
var ErrNotFound = errors.New("metadata: not found")

// Store wraps a SQLite connection pool and exposes the queries the core
// subsystems need. All touches that must be atomic under concurrency are
// issued as a single SQL statement (spec §5).
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and applies
// the schema idempotently. Use ":memory:" for ephemeral/test stores.
func Open(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)"
	} else {
		dsn = ":memory:?_pragma=foreign_keys(ON)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening metadata store: %w", err)
	}
	if path == ":memory:" {
		// A SQLite in-memory database is per-connection; force single
		// connection so concurrent callers share one in-process database.
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// --- cache_entries ---

// GetByDigest returns the cache entry for digest, or ErrNotFound.
func (s *Store) GetByDigest(ctx context.Context, digest string) (*CacheEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, repository, reference, digest, content_type, size, created_at, last_accessed, access_count, storage_path
		FROM cache_entries WHERE digest = ?`, digest)
	return scanCacheEntry(row)
}

func scanCacheEntry(row *sql.Row) (*CacheEntry, error) {
	var e CacheEntry
	var kind, createdAt, lastAccessed string
	err := row.Scan(&e.ID, &kind, &e.Repository, &e.Reference, &e.Digest, &e.ContentType, &e.Size, &createdAt, &lastAccessed, &e.AccessCount, &e.StoragePath)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.Kind = EntryKind(kind)
	e.CreatedAt = parseTime(createdAt)
	e.LastAccessed = parseTime(lastAccessed)
	return &e, nil
}

// Touch bumps last_accessed and access_count for digest in a single
// statement, avoiding lost updates under concurrent touches (spec §5).
func (s *Store) Touch(ctx context.Context, digest string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE cache_entries SET last_accessed = ?, access_count = access_count + 1 WHERE digest = ?`,
		formatTime(time.Now()), digest)
	return err
}

// Upsert inserts a new cache entry, or — if digest already exists — touches
// it instead (spec §3: "Exactly-one entry per digest. Re-insert of the same
// digest is a no-op plus a touch"). Returns whether a new row was inserted.
func (s *Store) Upsert(ctx context.Context, e CacheEntry) (inserted bool, err error) {
	now := formatTime(time.Now())
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (kind, repository, reference, digest, content_type, size, created_at, last_accessed, access_count, storage_path)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT(digest) DO NOTHING`,
		string(e.Kind), e.Repository, e.Reference, e.Digest, e.ContentType, e.Size, now, now, e.StoragePath)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	// DO NOTHING reports 0 rows affected on conflict, so 1 means a genuine
	// insert; otherwise the existing row is touched.
	if n == 1 {
		return true, nil
	}
	return false, s.Touch(ctx, e.Digest)
}

// DeleteByDigest removes the cache entry for digest. Returns whether a row
// existed (idempotent: a second call returns false, nil).
func (s *Store) DeleteByDigest(ctx context.Context, digest string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE digest = ?`, digest)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// TotalSize sums size across all cache entries.
func (s *Store) TotalSize(ctx context.Context) (int64, error) {
	var total sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT SUM(size) FROM cache_entries`).Scan(&total)
	return total.Int64, err
}

// evictionOrderColumn maps a policy to its SQL ordering column.
var evictionOrderColumn = map[EvictionPolicy]string{
	PolicyLRU:  "last_accessed",
	PolicyLFU:  "access_count",
	PolicyFIFO: "created_at",
}

// ListEvictionCandidates returns up to limit entries ordered by the given
// policy's key ascending (spec §4.3 step 4). Falls back to LRU ordering for
// an unrecognized policy value.
func (s *Store) ListEvictionCandidates(ctx context.Context, policy EvictionPolicy, limit int) ([]CacheEntry, error) {
	col, ok := evictionOrderColumn[policy]
	if !ok {
		col = evictionOrderColumn[PolicyLRU]
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, kind, repository, reference, digest, content_type, size, created_at, last_accessed, access_count, storage_path
		FROM cache_entries ORDER BY %s ASC LIMIT ?`, col), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CacheEntry
	for rows.Next() {
		var e CacheEntry
		var kind, createdAt, lastAccessed string
		if err := rows.Scan(&e.ID, &kind, &e.Repository, &e.Reference, &e.Digest, &e.ContentType, &e.Size, &createdAt, &lastAccessed, &e.AccessCount, &e.StoragePath); err != nil {
			return nil, err
		}
		e.Kind = EntryKind(kind)
		e.CreatedAt = parseTime(createdAt)
		e.LastAccessed = parseTime(lastAccessed)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ClearCacheEntries removes every cache entry and returns how many were removed.
func (s *Store) ClearCacheEntries(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries`)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// DeleteExpired removes entries whose last_accessed is older than
// retentionDays and returns the number removed (spec §4.3 cleanup_expired).
func (s *Store) DeleteExpired(ctx context.Context, retentionDays int) (int, error) {
	cutoff := formatTime(time.Now().AddDate(0, 0, -retentionDays))
	res, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE last_accessed < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// --- upload_sessions ---

func (s *Store) CreateUploadSession(ctx context.Context, sess UploadSession) error {
	now := formatTime(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO upload_sessions (id, repository, started_at, last_chunk_at, bytes_received, temp_path)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Repository, now, now, sess.BytesReceived, sess.TempPath)
	return err
}

func (s *Store) GetUploadSession(ctx context.Context, id string) (*UploadSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, repository, started_at, last_chunk_at, bytes_received, temp_path FROM upload_sessions WHERE id = ?`, id)
	var sess UploadSession
	var started, lastChunk string
	err := row.Scan(&sess.ID, &sess.Repository, &started, &lastChunk, &sess.BytesReceived, &sess.TempPath)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sess.StartedAt = parseTime(started)
	sess.LastChunkAt = parseTime(lastChunk)
	return &sess, nil
}

// UpdateUploadProgress bumps bytes_received and last_chunk_at in one statement.
func (s *Store) UpdateUploadProgress(ctx context.Context, id string, bytesReceived int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE upload_sessions SET bytes_received = ?, last_chunk_at = ? WHERE id = ?`,
		bytesReceived, formatTime(time.Now()), id)
	return err
}

// DeleteUploadSession removes a session row. Idempotent.
func (s *Store) DeleteUploadSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM upload_sessions WHERE id = ?`, id)
	return err
}

// ListExpiredUploadSessions returns sessions whose last_chunk_at predates the
// retention cutoff (spec §5: "Upload sessions expire implicitly via the
// cleanup loop once their last_chunk_at exceeds the retention threshold").
func (s *Store) ListExpiredUploadSessions(ctx context.Context, retentionDays int) ([]UploadSession, error) {
	cutoff := formatTime(time.Now().AddDate(0, 0, -retentionDays))
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, repository, started_at, last_chunk_at, bytes_received, temp_path
		FROM upload_sessions WHERE last_chunk_at < ?`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UploadSession
	for rows.Next() {
		var sess UploadSession
		var started, lastChunk string
		if err := rows.Scan(&sess.ID, &sess.Repository, &started, &lastChunk, &sess.BytesReceived, &sess.TempPath); err != nil {
			return nil, err
		}
		sess.StartedAt = parseTime(started)
		sess.LastChunkAt = parseTime(lastChunk)
		out = append(out, sess)
	}
	return out, rows.Err()
}

// --- upstreams / upstream_routes ---

func (s *Store) ListUpstreams(ctx context.Context) ([]UpstreamConfig, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, display_name, base_url, registry_prefix, username, password, skip_tls_verify, priority, enabled, cache_isolation, is_default
		FROM upstreams ORDER BY priority ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UpstreamConfig
	for rows.Next() {
		var c UpstreamConfig
		var skipTLS, enabled, isDefault int
		var isolation string
		if err := rows.Scan(&c.Name, &c.DisplayName, &c.BaseURL, &c.RegistryPrefix, &c.Username, &c.Password, &skipTLS, &c.Priority, &enabled, &isolation, &isDefault); err != nil {
			return nil, err
		}
		c.SkipTLSVerify = skipTLS != 0
		c.Enabled = enabled != 0
		c.Default = isDefault != 0
		c.CacheIsolation = IsolationMode(isolation)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) GetUpstream(ctx context.Context, name string) (*UpstreamConfig, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, display_name, base_url, registry_prefix, username, password, skip_tls_verify, priority, enabled, cache_isolation, is_default
		FROM upstreams WHERE name = ?`, name)
	var c UpstreamConfig
	var skipTLS, enabled, isDefault int
	var isolation string
	err := row.Scan(&c.Name, &c.DisplayName, &c.BaseURL, &c.RegistryPrefix, &c.Username, &c.Password, &skipTLS, &c.Priority, &enabled, &isolation, &isDefault)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.SkipTLSVerify = skipTLS != 0
	c.Enabled = enabled != 0
	c.Default = isDefault != 0
	c.CacheIsolation = IsolationMode(isolation)
	return &c, nil
}

func (s *Store) UpsertUpstream(ctx context.Context, c UpstreamConfig) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO upstreams (name, display_name, base_url, registry_prefix, username, password, skip_tls_verify, priority, enabled, cache_isolation, is_default)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			display_name = excluded.display_name,
			base_url = excluded.base_url,
			registry_prefix = excluded.registry_prefix,
			username = excluded.username,
			password = excluded.password,
			skip_tls_verify = excluded.skip_tls_verify,
			priority = excluded.priority,
			enabled = excluded.enabled,
			cache_isolation = excluded.cache_isolation,
			is_default = excluded.is_default`,
		c.Name, c.DisplayName, c.BaseURL, c.RegistryPrefix, c.Username, c.Password, boolToInt(c.SkipTLSVerify), c.Priority, boolToInt(c.Enabled), string(c.CacheIsolation), boolToInt(c.Default))
	return err
}

func (s *Store) DeleteUpstream(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM upstreams WHERE name = ?`, name)
	return err
}

func (s *Store) ListRoutes(ctx context.Context) ([]Route, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, upstream_name, pattern, priority FROM upstream_routes ORDER BY priority ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Route
	for rows.Next() {
		var r Route
		if err := rows.Scan(&r.ID, &r.UpstreamName, &r.Pattern, &r.Priority); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) ReplaceRoutes(ctx context.Context, upstreamName string, routes []Route) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM upstream_routes WHERE upstream_name = ?`, upstreamName); err != nil {
		return err
	}
	for _, r := range routes {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO upstream_routes (upstream_name, pattern, priority) VALUES (?, ?, ?)`,
			upstreamName, r.Pattern, r.Priority); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- users ---

func (s *Store) CreateUser(ctx context.Context, u User) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password_hash, role, created_at) VALUES (?, ?, ?, ?)`,
		u.Username, u.PasswordHash, u.Role, formatTime(time.Now()))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, username, password_hash, role, created_at FROM users WHERE username = ?`, username)
	var u User
	var createdAt string
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.CreatedAt = parseTime(createdAt)
	return &u, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, username, password_hash, role, created_at FROM users ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []User
	for rows.Next() {
		var u User
		var createdAt string
		if err := rows.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &createdAt); err != nil {
			return nil, err
		}
		u.CreatedAt = parseTime(createdAt)
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *Store) DeleteUser(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	return err
}

// --- config ---

func (s *Store) ConfigGet(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM config WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return v, err
}

func (s *Store) ConfigSet(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// --- activity_logs ---

func (s *Store) AppendActivity(ctx context.Context, log ActivityLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activity_logs (actor, action, detail, created_at) VALUES (?, ?, ?, ?)`,
		log.Actor, log.Action, log.Detail, formatTime(time.Now()))
	return err
}

func (s *Store) ListActivity(ctx context.Context, limit int) ([]ActivityLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor, action, detail, created_at FROM activity_logs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ActivityLog
	for rows.Next() {
		var l ActivityLog
		var createdAt string
		if err := rows.Scan(&l.ID, &l.Actor, &l.Action, &l.Detail, &createdAt); err != nil {
			return nil, err
		}
		l.CreatedAt = parseTime(createdAt)
		out = append(out, l)
	}
	return out, rows.Err()
}
