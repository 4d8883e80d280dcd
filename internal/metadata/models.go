package metadata

import "time"

// EntryKind distinguishes manifests from blobs in the cache index.
type EntryKind string

const (
	KindManifest EntryKind = "manifest"
	KindBlob     EntryKind = "blob"
)

// CacheEntry is a row of the cache_entries table (spec §3).
type CacheEntry struct {
	ID           int64
	Kind         EntryKind
	Repository   string // empty if not applicable
	Reference    string // tag or digest; empty if not applicable
	Digest       string
	ContentType  string
	Size         int64
	CreatedAt    time.Time
	LastAccessed time.Time
	AccessCount  int64
	StoragePath  string
}

// UploadSession is a row of the upload_sessions table (spec §3).
type UploadSession struct {
	ID            string
	Repository    string
	StartedAt     time.Time
	LastChunkAt   time.Time
	BytesReceived int64
	TempPath      string
}

// EvictionPolicy is one of the cache manager's supported eviction strategies.
type EvictionPolicy string

const (
	PolicyLRU  EvictionPolicy = "LRU"
	PolicyLFU  EvictionPolicy = "LFU"
	PolicyFIFO EvictionPolicy = "FIFO"
)

// IsolationMode controls whether an upstream's cached content is shared with
// other upstreams or kept in its own namespace.
type IsolationMode string

const (
	IsolationShared   IsolationMode = "shared"
	IsolationIsolated IsolationMode = "isolated"
)

// UpstreamConfig is a row of the upstreams table (spec §3).
type UpstreamConfig struct {
	Name            string
	DisplayName     string
	BaseURL         string
	RegistryPrefix  string
	Username        string
	Password        string
	SkipTLSVerify   bool
	Priority        int
	Enabled         bool
	CacheIsolation  IsolationMode
	Default         bool
}

// Route is a row of the upstream_routes table (spec §3, §4.5).
type Route struct {
	ID           int64
	UpstreamName string
	Pattern      string
	Priority     int
}

// User is a minimal row of the users table. Password hashing and JWT
// issuance are explicitly out of scope (spec §1) — PasswordHash is opaque
// storage for whatever the external auth edge computes.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
}

// ActivityLog is a row of the activity_logs table: a durable audit trail for
// the out-of-scope external API edge to append to and read from.
type ActivityLog struct {
	ID        int64
	Actor     string
	Action    string
	Detail    string
	CreatedAt time.Time
}

// rfc3339 is RFC 3339 with a fixed nine-digit fraction, so that stored UTC
// timestamps sort lexicographically in time order (eviction and expiry
// queries compare them as strings).
const rfc3339 = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now().UTC()
	}
	return t.UTC().Format(rfc3339)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(rfc3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
