package metadata

import (
	"context"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertInsertsThenTouches(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	e := CacheEntry{
		Kind:        KindBlob,
		Digest:      "sha256:deadbeef",
		Size:        42,
		StoragePath: "sha256/de/deadbeef",
	}

	inserted, err := s.Upsert(ctx, e)
	if err != nil || !inserted {
		t.Fatalf("first Upsert = %v, %v, want true, nil", inserted, err)
	}

	inserted, err = s.Upsert(ctx, e)
	if err != nil || inserted {
		t.Fatalf("second Upsert = %v, %v, want false, nil", inserted, err)
	}

	got, err := s.GetByDigest(ctx, e.Digest)
	if err != nil {
		t.Fatalf("GetByDigest: %v", err)
	}
	if got.AccessCount != 2 {
		t.Fatalf("AccessCount = %d, want 2", got.AccessCount)
	}
}

func TestGetByDigestNotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.GetByDigest(ctx, "sha256:absent"); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestTouchIncrementsAccessCount(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	e := CacheEntry{Kind: KindManifest, Digest: "sha256:abc", Size: 1}
	if _, err := s.Upsert(ctx, e); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	before, err := s.GetByDigest(ctx, e.Digest)
	if err != nil {
		t.Fatalf("GetByDigest: %v", err)
	}

	if err := s.Touch(ctx, e.Digest); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	after, err := s.GetByDigest(ctx, e.Digest)
	if err != nil {
		t.Fatalf("GetByDigest: %v", err)
	}
	if after.AccessCount != before.AccessCount+1 {
		t.Fatalf("AccessCount = %d, want %d", after.AccessCount, before.AccessCount+1)
	}
}

func TestDeleteByDigest(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	e := CacheEntry{Kind: KindBlob, Digest: "sha256:todelete", Size: 1}
	if _, err := s.Upsert(ctx, e); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	ok, err := s.DeleteByDigest(ctx, e.Digest)
	if err != nil || !ok {
		t.Fatalf("first Delete = %v, %v, want true, nil", ok, err)
	}
	ok, err = s.DeleteByDigest(ctx, e.Digest)
	if err != nil || ok {
		t.Fatalf("second Delete = %v, %v, want false, nil", ok, err)
	}
}

func TestListEvictionCandidatesOrdersByPolicy(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for i, digest := range []string{"sha256:a", "sha256:b", "sha256:c"} {
		e := CacheEntry{Kind: KindBlob, Digest: digest, Size: int64(i + 1)}
		if _, err := s.Upsert(ctx, e); err != nil {
			t.Fatalf("Upsert %s: %v", digest, err)
		}
	}
	// Touch "b" repeatedly so LFU puts it last.
	for i := 0; i < 5; i++ {
		if err := s.Touch(ctx, "sha256:b"); err != nil {
			t.Fatalf("Touch: %v", err)
		}
	}

	candidates, err := s.ListEvictionCandidates(ctx, PolicyLFU, 3)
	if err != nil {
		t.Fatalf("ListEvictionCandidates: %v", err)
	}
	if len(candidates) != 3 {
		t.Fatalf("len = %d, want 3", len(candidates))
	}
	if candidates[len(candidates)-1].Digest != "sha256:b" {
		t.Fatalf("last candidate = %s, want sha256:b (highest access count)", candidates[len(candidates)-1].Digest)
	}
}

func TestTotalSize(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for i, digest := range []string{"sha256:x", "sha256:y"} {
		e := CacheEntry{Kind: KindBlob, Digest: digest, Size: int64(10 * (i + 1))}
		if _, err := s.Upsert(ctx, e); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}

	total, err := s.TotalSize(ctx)
	if err != nil {
		t.Fatalf("TotalSize: %v", err)
	}
	if total != 30 {
		t.Fatalf("TotalSize = %d, want 30", total)
	}
}

func TestUploadSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	sess := UploadSession{ID: "sess-1", Repository: "library/alpine", TempPath: "uploads/sess-1"}
	if err := s.CreateUploadSession(ctx, sess); err != nil {
		t.Fatalf("CreateUploadSession: %v", err)
	}

	got, err := s.GetUploadSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetUploadSession: %v", err)
	}
	if got.Repository != sess.Repository {
		t.Fatalf("Repository = %q, want %q", got.Repository, sess.Repository)
	}

	if err := s.UpdateUploadProgress(ctx, sess.ID, 1024); err != nil {
		t.Fatalf("UpdateUploadProgress: %v", err)
	}
	got, err = s.GetUploadSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetUploadSession: %v", err)
	}
	if got.BytesReceived != 1024 {
		t.Fatalf("BytesReceived = %d, want 1024", got.BytesReceived)
	}

	if err := s.DeleteUploadSession(ctx, sess.ID); err != nil {
		t.Fatalf("DeleteUploadSession: %v", err)
	}
	if _, err := s.GetUploadSession(ctx, sess.ID); err != ErrNotFound {
		t.Fatalf("err after delete = %v, want ErrNotFound", err)
	}
}

func TestUpstreamCRUD(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	c := UpstreamConfig{
		Name:           "docker-hub",
		DisplayName:    "Docker Hub",
		BaseURL:        "https://registry-1.docker.io",
		RegistryPrefix: "docker.io",
		Priority:       10,
		Enabled:        true,
		CacheIsolation: IsolationShared,
		Default:        true,
	}
	if err := s.UpsertUpstream(ctx, c); err != nil {
		t.Fatalf("UpsertUpstream: %v", err)
	}

	got, err := s.GetUpstream(ctx, c.Name)
	if err != nil {
		t.Fatalf("GetUpstream: %v", err)
	}
	if got.BaseURL != c.BaseURL || !got.Enabled || !got.Default {
		t.Fatalf("got = %+v, want matching %+v", got, c)
	}

	if err := s.ReplaceRoutes(ctx, c.Name, []Route{
		{UpstreamName: c.Name, Pattern: "library/**", Priority: 1},
		{UpstreamName: c.Name, Pattern: "**", Priority: 100},
	}); err != nil {
		t.Fatalf("ReplaceRoutes: %v", err)
	}

	routes, err := s.ListRoutes(ctx)
	if err != nil {
		t.Fatalf("ListRoutes: %v", err)
	}
	if len(routes) != 2 {
		t.Fatalf("len(routes) = %d, want 2", len(routes))
	}

	if err := s.DeleteUpstream(ctx, c.Name); err != nil {
		t.Fatalf("DeleteUpstream: %v", err)
	}
	if _, err := s.GetUpstream(ctx, c.Name); err != ErrNotFound {
		t.Fatalf("err after delete = %v, want ErrNotFound", err)
	}
}

func TestConfigGetSet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.ConfigGet(ctx, "missing"); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	if err := s.ConfigSet(ctx, "max_cache_size_bytes", "1073741824"); err != nil {
		t.Fatalf("ConfigSet: %v", err)
	}
	v, err := s.ConfigGet(ctx, "max_cache_size_bytes")
	if err != nil {
		t.Fatalf("ConfigGet: %v", err)
	}
	if v != "1073741824" {
		t.Fatalf("value = %q, want %q", v, "1073741824")
	}
}

func TestActivityLogAppendAndList(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for i := 0; i < 3; i++ {
		if err := s.AppendActivity(ctx, ActivityLog{Actor: "admin", Action: "cache.clear"}); err != nil {
			t.Fatalf("AppendActivity: %v", err)
		}
	}

	entries, err := s.ListActivity(ctx, 2)
	if err != nil {
		t.Fatalf("ListActivity: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len = %d, want 2", len(entries))
	}
}
