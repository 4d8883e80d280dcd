package cachemgr

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/ocimirror/ocimirror/internal/digest"
	"github.com/ocimirror/ocimirror/internal/metadata"
	"github.com/ocimirror/ocimirror/internal/storage"
)

// memBackend is a minimal in-memory storage.Backend double for exercising
// the cache manager's eviction and drift-repair logic without touching disk.
type memBackend struct {
	objects map[digest.Digest][]byte
}

func newMemBackend() *memBackend { return &memBackend{objects: map[digest.Digest][]byte{}} }

func (b *memBackend) Exists(_ context.Context, d digest.Digest) (bool, error) {
	_, ok := b.objects[d]
	return ok, nil
}
func (b *memBackend) Size(_ context.Context, d digest.Digest) (int64, error) {
	v, ok := b.objects[d]
	if !ok {
		return 0, storage.ErrNotFound
	}
	return int64(len(v)), nil
}
func (b *memBackend) Read(_ context.Context, d digest.Digest) ([]byte, error) {
	v, ok := b.objects[d]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return v, nil
}
func (b *memBackend) ReadRange(ctx context.Context, d digest.Digest, start, end int64) ([]byte, error) {
	v, err := b.Read(ctx, d)
	if err != nil {
		return nil, err
	}
	return v[start : end+1], nil
}
func (b *memBackend) Stream(ctx context.Context, d digest.Digest) (io.ReadCloser, error) {
	v, err := b.Read(ctx, d)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(v)), nil
}
func (b *memBackend) Write(_ context.Context, d digest.Digest, data []byte) (string, error) {
	if digest.ComputeSHA256(data) != d {
		return "", storage.ErrDigestMismatch
	}
	b.objects[d] = data
	return b.StoragePath(d), nil
}
func (b *memBackend) WriteStream(ctx context.Context, d digest.Digest, r io.Reader, _ int64) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return b.Write(ctx, d, data)
}
func (b *memBackend) Delete(_ context.Context, d digest.Digest) (bool, error) {
	_, ok := b.objects[d]
	delete(b.objects, d)
	return ok, nil
}
func (b *memBackend) StoragePath(d digest.Digest) string { return string(d) }
func (b *memBackend) InitChunkedUpload(context.Context, string) (string, error) {
	return "", nil
}
func (b *memBackend) AppendChunk(context.Context, string, []byte) (int64, error) { return 0, nil }
func (b *memBackend) CompleteChunkedUpload(context.Context, string, digest.Digest) (string, error) {
	return "", nil
}
func (b *memBackend) CancelChunkedUpload(context.Context, string) error { return nil }

func newTestManager(t *testing.T, cfg Config) (*Manager, *memBackend) {
	t.Helper()
	store, err := metadata.Open(":memory:")
	if err != nil {
		t.Fatalf("metadata.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	backend := newMemBackend()
	return New(store, backend, cfg, slog.Default()), backend
}

func TestPutThenGetHit(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, Config{MaxSizeBytes: 1 << 20, RetentionDays: 7, EvictionPolicy: metadata.PolicyLRU})

	data := []byte("hello world")
	d := digest.ComputeSHA256(data)

	if _, err := m.Put(ctx, metadata.KindBlob, "library/alpine", "", d, "application/octet-stream", data); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, entry, hit, err := m.Get(ctx, d)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !hit {
		t.Fatalf("Get miss, want hit")
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("Get data = %q, want %q", got, data)
	}
	if entry.AccessCount < 1 {
		t.Fatalf("AccessCount = %d, want >= 1", entry.AccessCount)
	}

	if c := m.Counters(); c.Hits != 1 {
		t.Fatalf("Hits = %d, want 1", c.Hits)
	}
}

func TestGetMissRecordsCounter(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, Config{MaxSizeBytes: 1 << 20, RetentionDays: 7})

	_, _, hit, err := m.Get(ctx, digest.ComputeSHA256([]byte("absent")))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if hit {
		t.Fatalf("Get hit, want miss")
	}
	if c := m.Counters(); c.Misses != 1 {
		t.Fatalf("Misses = %d, want 1", c.Misses)
	}
}

func TestGetRepairsDriftOnBackendMiss(t *testing.T) {
	ctx := context.Background()
	m, backend := newTestManager(t, Config{MaxSizeBytes: 1 << 20, RetentionDays: 7})

	data := []byte("drifted")
	d := digest.ComputeSHA256(data)
	if _, err := m.Put(ctx, metadata.KindBlob, "", "", d, "", data); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// Simulate drift: backend object disappears but metadata remains.
	delete(backend.objects, d)

	_, _, hit, err := m.Get(ctx, d)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if hit {
		t.Fatalf("Get hit after drift, want repaired miss")
	}

	if _, found, err := m.GetMetadata(ctx, d); err != nil || found {
		t.Fatalf("GetMetadata after drift repair = found=%v, err=%v, want found=false", found, err)
	}
}

func TestPutDeduplicatesOnDigest(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, Config{MaxSizeBytes: 1 << 20, RetentionDays: 7})

	data := []byte("same content")
	d := digest.ComputeSHA256(data)

	e1, err := m.Put(ctx, metadata.KindBlob, "repo-a", "", d, "", data)
	if err != nil {
		t.Fatalf("first Put: %v", err)
	}
	e2, err := m.Put(ctx, metadata.KindBlob, "repo-b", "", d, "", data)
	if err != nil {
		t.Fatalf("second Put: %v", err)
	}
	if e2.AccessCount <= e1.AccessCount {
		t.Fatalf("second Put AccessCount = %d, want > %d", e2.AccessCount, e1.AccessCount)
	}
}

func TestEnsureSpaceEvictsUnderPressure(t *testing.T) {
	ctx := context.Background()
	m, backend := newTestManager(t, Config{MaxSizeBytes: 1024, RetentionDays: 7, EvictionPolicy: metadata.PolicyLRU})

	mk := func(b byte) []byte {
		buf := make([]byte, 512)
		for i := range buf {
			buf[i] = b
		}
		return buf
	}

	a, b, c := mk('A'), mk('B'), mk('C')
	da, db, dc := digest.ComputeSHA256(a), digest.ComputeSHA256(b), digest.ComputeSHA256(c)

	if _, err := m.Put(ctx, metadata.KindBlob, "", "", da, "", a); err != nil {
		t.Fatalf("Put A: %v", err)
	}
	if _, err := m.Put(ctx, metadata.KindBlob, "", "", db, "", b); err != nil {
		t.Fatalf("Put B: %v", err)
	}
	// Touch A so it's more recently used than B.
	if _, _, _, err := m.Get(ctx, da); err != nil {
		t.Fatalf("Get A: %v", err)
	}
	if _, err := m.Put(ctx, metadata.KindBlob, "", "", dc, "", c); err != nil {
		t.Fatalf("Put C: %v", err)
	}

	total, err := m.store.TotalSize(ctx)
	if err != nil {
		t.Fatalf("TotalSize: %v", err)
	}
	if total > 1024 {
		t.Fatalf("TotalSize = %d, want <= 1024", total)
	}
	if _, ok := backend.objects[db]; ok {
		t.Fatalf("blob B should have been evicted as least-recently-used")
	}
	if _, ok := backend.objects[da]; !ok {
		t.Fatalf("blob A should have survived (touched after B)")
	}
	if _, ok := backend.objects[dc]; !ok {
		t.Fatalf("blob C should have survived (just written)")
	}
}

func TestDeleteIsResilientToPartialAbsence(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, Config{MaxSizeBytes: 1 << 20, RetentionDays: 7})

	data := []byte("to delete")
	d := digest.ComputeSHA256(data)
	if _, err := m.Put(ctx, metadata.KindBlob, "", "", d, "", data); err != nil {
		t.Fatalf("Put: %v", err)
	}

	ok, err := m.Delete(ctx, d)
	if err != nil || !ok {
		t.Fatalf("Delete = %v, %v, want true, nil", ok, err)
	}
	ok, err = m.Delete(ctx, d)
	if err != nil || ok {
		t.Fatalf("second Delete = %v, %v, want false, nil", ok, err)
	}
}

func TestCleanupExpiredRemovesStaleEntries(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, Config{MaxSizeBytes: 1 << 20, RetentionDays: -1})

	data := []byte("expires immediately")
	d := digest.ComputeSHA256(data)
	if _, err := m.Put(ctx, metadata.KindBlob, "", "", d, "", data); err != nil {
		t.Fatalf("Put: %v", err)
	}

	n, err := m.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("CleanupExpired: %v", err)
	}
	if n != 1 {
		t.Fatalf("CleanupExpired removed %d, want 1", n)
	}
}
