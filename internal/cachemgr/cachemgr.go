// Package cachemgr binds the metadata index to a storage backend: it is the
// only thing in the module allowed to decide what gets evicted and when
// drift between the two gets repaired.
package cachemgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ocimirror/ocimirror/internal/digest"
	"github.com/ocimirror/ocimirror/internal/metadata"
	"github.com/ocimirror/ocimirror/internal/storage"
)

// Config is the manager's immutable configuration (spec §4.3).
type Config struct {
	MaxSizeBytes   int64
	RetentionDays  int
	EvictionPolicy metadata.EvictionPolicy
}

// Counters are the in-memory hit/miss telemetry exposed for metrics/logging.
type Counters struct {
	Hits   int64
	Misses int64
}

// Manager is the cache manager described in spec §4.3.
type Manager struct {
	store   *metadata.Store
	backend storage.Backend
	cfg     Config
	log     *slog.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// New constructs a Manager over an already-open metadata store and storage backend.
func New(store *metadata.Store, backend storage.Backend, cfg Config, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if cfg.EvictionPolicy == "" {
		cfg.EvictionPolicy = metadata.PolicyLRU
	}
	return &Manager{store: store, backend: backend, cfg: cfg, log: log}
}

// Counters returns a snapshot of the hit/miss telemetry.
func (m *Manager) Counters() Counters {
	return Counters{Hits: m.hits.Load(), Misses: m.misses.Load()}
}

// Exists reports whether digest d is present in both metadata and the
// backend. Does not repair drift — callers wanting self-healing should use Get.
func (m *Manager) Exists(ctx context.Context, d digest.Digest) (bool, error) {
	_, err := m.store.GetByDigest(ctx, string(d))
	if errors.Is(err, metadata.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	ok, err := m.backend.Exists(ctx, d)
	if err != nil {
		return false, err
	}
	return ok, nil
}

// Get returns the cached bytes and metadata entry for digest d. On a
// metadata hit but backend miss, it deletes the stale metadata row, records
// a miss, and returns (nil, nil, false, nil) — spec §4.3's "self-healing of
// drift."
func (m *Manager) Get(ctx context.Context, d digest.Digest) ([]byte, *metadata.CacheEntry, bool, error) {
	entry, err := m.store.GetByDigest(ctx, string(d))
	if errors.Is(err, metadata.ErrNotFound) {
		m.misses.Add(1)
		return nil, nil, false, nil
	}
	if err != nil {
		return nil, nil, false, err
	}

	data, err := m.backend.Read(ctx, d)
	if errors.Is(err, storage.ErrNotFound) {
		m.log.Warn("cache metadata/backend drift detected, repairing", "digest", string(d))
		if _, delErr := m.store.DeleteByDigest(ctx, string(d)); delErr != nil {
			m.log.Error("drift repair: failed to delete stale metadata", "digest", string(d), "error", delErr)
		}
		m.misses.Add(1)
		return nil, nil, false, nil
	}
	if err != nil {
		return nil, nil, false, err
	}

	if err := m.store.Touch(ctx, string(d)); err != nil {
		m.log.Error("failed to touch cache entry", "digest", string(d), "error", err)
	}
	m.hits.Add(1)
	return data, entry, true, nil
}

// GetMetadata returns the metadata entry for digest d without touching it,
// or (nil, false, nil) if absent.
func (m *Manager) GetMetadata(ctx context.Context, d digest.Digest) (*metadata.CacheEntry, bool, error) {
	entry, err := m.store.GetByDigest(ctx, string(d))
	if errors.Is(err, metadata.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return entry, true, nil
}

// Put stores bytes for digest d, de-duplicating on content address: if an
// entry already exists it is touched and returned without re-writing the
// backend. Otherwise space is reclaimed via eviction before writing.
func (m *Manager) Put(ctx context.Context, kind metadata.EntryKind, repo, ref string, d digest.Digest, contentType string, data []byte) (*metadata.CacheEntry, error) {
	if _, err := m.store.GetByDigest(ctx, string(d)); err == nil {
		if touchErr := m.store.Touch(ctx, string(d)); touchErr != nil {
			m.log.Error("failed to touch deduplicated entry", "digest", string(d), "error", touchErr)
		}
		return m.store.GetByDigest(ctx, string(d))
	} else if !errors.Is(err, metadata.ErrNotFound) {
		return nil, err
	}

	if err := m.ensureSpace(ctx, int64(len(data))); err != nil {
		return nil, fmt.Errorf("ensuring cache space: %w", err)
	}

	storagePath, err := m.backend.Write(ctx, d, data)
	if err != nil {
		return nil, err
	}

	entry := metadata.CacheEntry{
		Kind:        kind,
		Repository:  repo,
		Reference:   ref,
		Digest:      string(d),
		ContentType: contentType,
		Size:        int64(len(data)),
		StoragePath: storagePath,
	}
	if _, err := m.store.Upsert(ctx, entry); err != nil {
		return nil, err
	}
	return m.store.GetByDigest(ctx, string(d))
}

// Delete removes digest d from both backend and metadata. Resilient to
// either being already absent.
func (m *Manager) Delete(ctx context.Context, d digest.Digest) (bool, error) {
	backendDeleted, err := m.backend.Delete(ctx, d)
	if err != nil {
		return false, err
	}
	metaDeleted, err := m.store.DeleteByDigest(ctx, string(d))
	if err != nil {
		return false, err
	}
	return backendDeleted || metaDeleted, nil
}

// Clear removes every cache entry. Individual backend-delete failures are
// logged and do not stop the sweep.
func (m *Manager) Clear(ctx context.Context) (int, error) {
	entries, err := m.store.ListEvictionCandidates(ctx, metadata.PolicyFIFO, 1<<30)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, e := range entries {
		if _, err := m.backend.Delete(ctx, digest.Digest(e.Digest)); err != nil {
			m.log.Error("clear: failed to delete backend object", "digest", e.Digest, "error", err)
			continue
		}
		count++
	}
	if _, err := m.store.ClearCacheEntries(ctx); err != nil {
		return count, err
	}
	return count, nil
}

// CleanupExpired deletes every entry whose last access predates the
// retention window and returns how many were removed (spec §4.3).
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	return m.store.DeleteExpired(ctx, m.cfg.RetentionDays)
}

const evictionBatchSize = 100

// ensureSpace implements spec §4.3's eviction algorithm: if adding
// `required` bytes would exceed max_size_bytes, evict victims ordered by
// the configured policy key until enough space is freed.
func (m *Manager) ensureSpace(ctx context.Context, required int64) error {
	total, err := m.store.TotalSize(ctx)
	if err != nil {
		return err
	}
	if total+required <= m.cfg.MaxSizeBytes {
		return nil
	}
	deficit := total + required - m.cfg.MaxSizeBytes

	candidates, err := m.store.ListEvictionCandidates(ctx, m.cfg.EvictionPolicy, evictionBatchSize)
	if err != nil {
		return err
	}

	var freed int64
	for _, c := range candidates {
		if freed >= deficit {
			break
		}
		if _, err := m.backend.Delete(ctx, digest.Digest(c.Digest)); err != nil {
			m.log.Error("eviction: failed to delete backend object", "digest", c.Digest, "error", err)
			continue
		}
		if _, err := m.store.DeleteByDigest(ctx, c.Digest); err != nil {
			m.log.Error("eviction: failed to delete metadata entry", "digest", c.Digest, "error", err)
			continue
		}
		freed += c.Size
		m.log.Debug("evicted cache entry", "digest", c.Digest, "size", c.Size, "policy", m.cfg.EvictionPolicy)
	}
	return nil
}

// RunCleanupLoop runs cleanup_expired once per hour until ctx is canceled
// (spec §4.3: "cooperative, runs once per hour"). Each tick also cancels and
// deletes upload sessions whose last chunk predates the retention window.
// Failures are logged and retried at the next tick.
func (m *Manager) RunCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sessions, err := m.store.ListExpiredUploadSessions(ctx, m.cfg.RetentionDays)
			if err != nil {
				m.log.Error("listing expired upload sessions failed", "error", err)
			}
			for _, s := range sessions {
				if err := m.backend.CancelChunkedUpload(ctx, s.ID); err != nil {
					m.log.Error("failed to cancel expired upload session", "session", s.ID, "error", err)
				}
				if err := m.store.DeleteUploadSession(ctx, s.ID); err != nil {
					m.log.Error("failed to delete expired upload session", "session", s.ID, "error", err)
				}
			}
			n, err := m.CleanupExpired(ctx)
			if err != nil {
				m.log.Error("cleanup_expired failed", "error", err)
				continue
			}
			if n > 0 {
				m.log.Info("cleanup_expired removed stale entries", "count", n)
			}
		}
	}
}
