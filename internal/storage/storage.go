// Package storage implements content-addressable blob I/O and chunked
// upload sessions over a pluggable backend (local disk or S3-compatible).
package storage

import (
	"context"
	"errors"
	"io"

	"github.com/ocimirror/ocimirror/internal/digest"
)

// Sentinel errors returned by Backend implementations.
var (
	ErrNotFound       = errors.New("storage: object not found")
	ErrDigestMismatch = errors.New("storage: digest mismatch")
)

// Backend is the capability set the cache manager requires of a
// content-addressable storage implementation. Both the local-disk and
// S3-compatible backends satisfy it; there is no shared base type —
// each backend implements the full contract independently.
type Backend interface {
	Exists(ctx context.Context, d digest.Digest) (bool, error)
	Size(ctx context.Context, d digest.Digest) (int64, error)
	Read(ctx context.Context, d digest.Digest) ([]byte, error)
	ReadRange(ctx context.Context, d digest.Digest, start, end int64) ([]byte, error)
	Stream(ctx context.Context, d digest.Digest) (io.ReadCloser, error)
	Write(ctx context.Context, d digest.Digest, data []byte) (string, error)
	WriteStream(ctx context.Context, d digest.Digest, r io.Reader, expectedSize int64) (string, error)
	Delete(ctx context.Context, d digest.Digest) (bool, error)
	StoragePath(d digest.Digest) string

	InitChunkedUpload(ctx context.Context, sessionID string) (string, error)
	AppendChunk(ctx context.Context, sessionID string, data []byte) (int64, error)
	CompleteChunkedUpload(ctx context.Context, sessionID string, expected digest.Digest) (string, error)
	CancelChunkedUpload(ctx context.Context, sessionID string) error
}

// shardPath returns "<algo>/<first-2-hex>/<full-hex>" for a validated digest.
// Never call this on an unvalidated digest string — always run digest.Validate
// first, so a caller can't escape the blobs/ tree via a crafted path.
func shardPath(d digest.Digest) (string, error) {
	algo, hex, err := digest.Parse(string(d))
	if err != nil {
		return "", err
	}
	return string(algo) + "/" + hex[:2] + "/" + hex, nil
}
