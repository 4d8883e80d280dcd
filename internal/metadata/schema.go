package metadata

const schema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	kind           TEXT NOT NULL,
	repository     TEXT NOT NULL DEFAULT '',
	reference      TEXT NOT NULL DEFAULT '',
	digest         TEXT NOT NULL UNIQUE,
	content_type   TEXT NOT NULL DEFAULT '',
	size           INTEGER NOT NULL DEFAULT 0,
	created_at     TEXT NOT NULL,
	last_accessed  TEXT NOT NULL,
	access_count   INTEGER NOT NULL DEFAULT 1,
	storage_path   TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_cache_entries_last_accessed ON cache_entries(last_accessed);
CREATE INDEX IF NOT EXISTS idx_cache_entries_access_count ON cache_entries(access_count);
CREATE INDEX IF NOT EXISTS idx_cache_entries_created_at ON cache_entries(created_at);

CREATE TABLE IF NOT EXISTS upload_sessions (
	id              TEXT PRIMARY KEY,
	repository      TEXT NOT NULL,
	started_at      TEXT NOT NULL,
	last_chunk_at   TEXT NOT NULL,
	bytes_received  INTEGER NOT NULL DEFAULT 0,
	temp_path       TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS users (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	username      TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL DEFAULT '',
	role          TEXT NOT NULL DEFAULT 'user',
	created_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS config (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS activity_logs (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	actor      TEXT NOT NULL DEFAULT '',
	action     TEXT NOT NULL,
	detail     TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS upstreams (
	name            TEXT PRIMARY KEY,
	display_name    TEXT NOT NULL DEFAULT '',
	base_url        TEXT NOT NULL,
	registry_prefix TEXT NOT NULL DEFAULT '',
	username        TEXT NOT NULL DEFAULT '',
	password        TEXT NOT NULL DEFAULT '',
	skip_tls_verify INTEGER NOT NULL DEFAULT 0,
	priority        INTEGER NOT NULL DEFAULT 100,
	enabled         INTEGER NOT NULL DEFAULT 1,
	cache_isolation TEXT NOT NULL DEFAULT 'shared',
	is_default      INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS upstream_routes (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	upstream_name TEXT NOT NULL REFERENCES upstreams(name) ON DELETE CASCADE,
	pattern       TEXT NOT NULL,
	priority      INTEGER NOT NULL DEFAULT 100
);
CREATE INDEX IF NOT EXISTS idx_upstream_routes_upstream ON upstream_routes(upstream_name);
`
