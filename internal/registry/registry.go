// Package registry implements the cache-aside OCI registry orchestration:
// it composes the cache manager, the upstream manager, and the storage
// backend into the manifest/blob/upload operations the HTTP edge calls
// (spec §4.7).
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/ocimirror/ocimirror/internal/cachemgr"
	"github.com/ocimirror/ocimirror/internal/digest"
	"github.com/ocimirror/ocimirror/internal/metadata"
	"github.com/ocimirror/ocimirror/internal/storage"
	"github.com/ocimirror/ocimirror/internal/upstream"
	"github.com/ocimirror/ocimirror/internal/upstreammgr"
)

// ErrNotFound is returned when a repo:reference cannot be resolved from
// either cache or upstream.
var ErrNotFound = errors.New("registry: not found")

// ErrNoUpstream is returned when no upstream can be resolved for a repository.
var ErrNoUpstream = errors.New("registry: no upstream available")

// Service is the registry service described in spec §4.7.
type Service struct {
	cache     *cachemgr.Manager
	upstreams *upstreammgr.Manager
	meta      *metadata.Store
	backend   storage.Backend
}

// New constructs a Service over its collaborators.
func New(cache *cachemgr.Manager, upstreams *upstreammgr.Manager, meta *metadata.Store, backend storage.Backend) *Service {
	return &Service{cache: cache, upstreams: upstreams, meta: meta, backend: backend}
}

func (s *Service) resolveUpstream(repo string) (upstreammgr.UpstreamInfo, error) {
	info, ok := s.upstreams.FindUpstream(repo)
	if !ok {
		return upstreammgr.UpstreamInfo{}, ErrNoUpstream
	}
	return info, nil
}

// ManifestResult is returned by GetManifest/PutManifest.
type ManifestResult struct {
	Bytes       []byte
	ContentType string
	Digest      string
}

// GetManifest implements spec §4.7's GET manifest cache-aside flow. A
// non-empty opts.Range is a passthrough request: the upstream may answer
// 206 Partial Content, so the result is never written into the cache under
// the full reference/digest key (spec's supplemented Range support).
func (s *Service) GetManifest(ctx context.Context, repo, reference string, opts upstream.FetchOptions) (*ManifestResult, error) {
	if opts.Range == "" {
		if err := digest.Validate(reference); err == nil {
			data, entry, hit, err := s.cache.Get(ctx, digest.Digest(reference))
			if err != nil {
				return nil, err
			}
			if hit {
				return &ManifestResult{Bytes: data, ContentType: entry.ContentType, Digest: reference}, nil
			}
		}
	}

	info, err := s.resolveUpstream(repo)
	if err != nil {
		return nil, err
	}
	upRes, err := info.Client.GetManifest(ctx, repo, reference, opts)
	if errors.Is(err, upstream.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s:%s", ErrNotFound, repo, reference)
	}
	if err != nil {
		return nil, err
	}

	d := upRes.Digest
	if d == "" {
		d = string(digest.ComputeSHA256(upRes.Body))
	}

	if opts.Range != "" {
		return &ManifestResult{Bytes: upRes.Body, ContentType: upRes.ContentType, Digest: d}, nil
	}

	if _, err := s.cache.Put(ctx, metadata.KindManifest, repo, reference, digest.Digest(d), upRes.ContentType, upRes.Body); err != nil {
		return nil, err
	}
	return &ManifestResult{Bytes: upRes.Body, ContentType: upRes.ContentType, Digest: d}, nil
}

// HeadManifestResult is returned by HeadManifest.
type HeadManifestResult struct {
	ContentType string
	Digest      string
	Size        int64
}

// HeadManifest implements spec §4.7's HEAD manifest flow: a metadata-only
// lookup when reference is already a digest, falling back to a full GET
// (which populates the cache) otherwise.
func (s *Service) HeadManifest(ctx context.Context, repo, reference string) (*HeadManifestResult, error) {
	if err := digest.Validate(reference); err == nil {
		if entry, found, err := s.cache.GetMetadata(ctx, digest.Digest(reference)); err != nil {
			return nil, err
		} else if found {
			return &HeadManifestResult{ContentType: entry.ContentType, Digest: reference, Size: entry.Size}, nil
		}
	}

	res, err := s.GetManifest(ctx, repo, reference, upstream.FetchOptions{})
	if err != nil {
		return nil, err
	}
	return &HeadManifestResult{ContentType: res.ContentType, Digest: res.Digest, Size: int64(len(res.Bytes))}, nil
}

// PutManifest implements spec §4.7's PUT manifest flow.
func (s *Service) PutManifest(ctx context.Context, repo, reference string, body []byte, contentType string) (string, error) {
	computed := string(digest.ComputeSHA256(body))

	info, err := s.resolveUpstream(repo)
	if err != nil {
		return "", err
	}
	upstreamDigest, err := info.Client.PushManifest(ctx, repo, reference, body, contentType)
	if err != nil {
		return "", err
	}

	final := computed
	if upstreamDigest != "" {
		final = upstreamDigest
	}

	if _, err := s.cache.Put(ctx, metadata.KindManifest, repo, reference, digest.Digest(final), contentType, body); err != nil {
		return "", err
	}
	return final, nil
}

// BlobResult is returned by GetBlob.
type BlobResult struct {
	Bytes       []byte
	ContentType string
}

// GetBlob implements spec §4.7's GET blob cache-aside flow. A non-empty
// opts.Range bypasses the cache entirely, on both read and write: the
// upstream may answer 206 Partial Content, and caching those bytes under
// the full digest key would corrupt the cache (spec's supplemented Range
// support).
func (s *Service) GetBlob(ctx context.Context, repo, d string, opts upstream.FetchOptions) (*BlobResult, error) {
	if opts.Range == "" {
		data, entry, hit, err := s.cache.Get(ctx, digest.Digest(d))
		if err != nil {
			return nil, err
		}
		if hit {
			return &BlobResult{Bytes: data, ContentType: entry.ContentType}, nil
		}
	}

	info, err := s.resolveUpstream(repo)
	if err != nil {
		return nil, err
	}
	upRes, err := info.Client.GetBlob(ctx, repo, d, opts)
	if errors.Is(err, upstream.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s@%s", ErrNotFound, repo, d)
	}
	if err != nil {
		return nil, err
	}
	defer upRes.Body.Close()

	data, err := io.ReadAll(upRes.Body)
	if err != nil {
		return nil, err
	}

	if opts.Range != "" {
		return &BlobResult{Bytes: data, ContentType: "application/octet-stream"}, nil
	}

	if _, err := s.cache.Put(ctx, metadata.KindBlob, repo, "", digest.Digest(d), "application/octet-stream", data); err != nil {
		return nil, err
	}
	return &BlobResult{Bytes: data, ContentType: "application/octet-stream"}, nil
}

// HeadBlobResult is returned by HeadBlob.
type HeadBlobResult struct {
	Size int64
}

// HeadBlob implements spec §4.7's HEAD blob flow: a metadata hit returns
// size directly; otherwise it checks upstream existence and, if present,
// triggers a full GetBlob to populate the cache before returning the size.
func (s *Service) HeadBlob(ctx context.Context, repo, d string) (*HeadBlobResult, error) {
	if entry, found, err := s.cache.GetMetadata(ctx, digest.Digest(d)); err != nil {
		return nil, err
	} else if found {
		return &HeadBlobResult{Size: entry.Size}, nil
	}

	info, err := s.resolveUpstream(repo)
	if err != nil {
		return nil, err
	}
	exists, err := info.Client.BlobExists(ctx, repo, d)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s@%s", ErrNotFound, repo, d)
	}

	res, err := s.GetBlob(ctx, repo, d, upstream.FetchOptions{})
	if err != nil {
		return nil, err
	}
	return &HeadBlobResult{Size: int64(len(res.Bytes))}, nil
}

// StartUpload begins a chunked-upload session for repo and returns its
// session ID (spec §4.7 start_upload()).
func (s *Service) StartUpload(ctx context.Context, repo string) (string, error) {
	sessionID := uuid.NewString()
	tempPath, err := s.backend.InitChunkedUpload(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if err := s.meta.CreateUploadSession(ctx, metadata.UploadSession{
		ID:         sessionID,
		Repository: repo,
		TempPath:   tempPath,
	}); err != nil {
		return "", err
	}
	return sessionID, nil
}

// AppendUpload appends data to sessionID's upload and returns the new total
// size (spec §4.7 append_upload()).
func (s *Service) AppendUpload(ctx context.Context, sessionID string, data []byte) (int64, error) {
	size, err := s.backend.AppendChunk(ctx, sessionID, data)
	if err != nil {
		return 0, err
	}
	if err := s.meta.UpdateUploadProgress(ctx, sessionID, size); err != nil {
		return 0, err
	}
	return size, nil
}

// CompleteUpload finalizes sessionID as a blob at the asserted digest,
// pushes it upstream, and records a Blob cache entry (spec §4.7
// complete_upload()).
func (s *Service) CompleteUpload(ctx context.Context, repo, sessionID string, d digest.Digest) (*metadata.CacheEntry, error) {
	if _, err := s.meta.GetUploadSession(ctx, sessionID); err != nil {
		return nil, err
	}

	storagePath, err := s.backend.CompleteChunkedUpload(ctx, sessionID, d)
	if err != nil {
		return nil, err
	}

	size, err := s.backend.Size(ctx, d)
	if err != nil {
		return nil, err
	}
	data, err := s.backend.Read(ctx, d)
	if err != nil {
		return nil, err
	}

	info, err := s.resolveUpstream(repo)
	if err != nil {
		return nil, err
	}
	if err := info.Client.PushBlob(ctx, repo, string(d), data); err != nil {
		return nil, err
	}

	entry := metadata.CacheEntry{
		Kind:        metadata.KindBlob,
		Repository:  repo,
		Digest:      string(d),
		ContentType: "application/octet-stream",
		Size:        size,
		StoragePath: storagePath,
	}
	if _, err := s.meta.Upsert(ctx, entry); err != nil {
		return nil, err
	}
	if err := s.meta.DeleteUploadSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.meta.GetByDigest(ctx, string(d))
}

// CancelUpload cancels an in-progress upload. Idempotent (spec §4.7
// cancel_upload()).
func (s *Service) CancelUpload(ctx context.Context, sessionID string) error {
	if err := s.backend.CancelChunkedUpload(ctx, sessionID); err != nil {
		return err
	}
	return s.meta.DeleteUploadSession(ctx, sessionID)
}

// UploadStatus returns the current byte offset of an in-progress upload
// session (used by the GET upload-status endpoint).
func (s *Service) UploadStatus(ctx context.Context, sessionID string) (*metadata.UploadSession, error) {
	return s.meta.GetUploadSession(ctx, sessionID)
}

// Mount implements spec §4.7's cross-repo mount: if the digest is already
// cached, it's a no-op success; otherwise it attempts to pull the blob from
// the named source repository on the same upstream and cache it under repo.
func (s *Service) Mount(ctx context.Context, repo, d, from string) (bool, error) {
	if exists, err := s.cache.Exists(ctx, digest.Digest(d)); err != nil {
		return false, err
	} else if exists {
		return true, nil
	}

	info, err := s.resolveUpstream(repo)
	if err != nil {
		return false, err
	}
	exists, err := info.Client.BlobExists(ctx, from, d)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, nil
	}

	blob, err := info.Client.GetBlob(ctx, from, d, upstream.FetchOptions{})
	if err != nil {
		return false, err
	}
	defer blob.Body.Close()
	data, err := io.ReadAll(blob.Body)
	if err != nil {
		return false, err
	}

	if _, err := s.cache.Put(ctx, metadata.KindBlob, repo, "", digest.Digest(d), "application/octet-stream", data); err != nil {
		return false, err
	}
	return true, nil
}
