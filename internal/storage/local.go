package storage

import (
	"context"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"

	"github.com/ocimirror/ocimirror/internal/digest"
)

// LocalBackend stores blobs under <root>/blobs/<algo>/<2hex>/<hex> and
// chunked upload sessions under <root>/uploads/<session_id>, publishing via
// temp-file-then-rename so readers never observe a partially written object
// (adapted from the teacher's internal/cache/fs.go atomicWrite helpers).
type LocalBackend struct {
	root string
}

// NewLocalBackend creates a local-disk backend rooted at root.
func NewLocalBackend(root string) *LocalBackend {
	return &LocalBackend{root: root}
}

// Init ensures the blobs/ and uploads/ directories exist.
func (l *LocalBackend) Init() error {
	if err := os.MkdirAll(filepath.Join(l.root, "blobs"), 0o755); err != nil {
		return err
	}
	return os.MkdirAll(filepath.Join(l.root, "uploads"), 0o755)
}

func (l *LocalBackend) blobPath(d digest.Digest) (string, error) {
	rel, err := shardPath(d)
	if err != nil {
		return "", err
	}
	return filepath.Join(l.root, "blobs", filepath.FromSlash(rel)), nil
}

func (l *LocalBackend) uploadPath(sessionID string) string {
	return filepath.Join(l.root, "uploads", filepath.Base(sessionID))
}

func (l *LocalBackend) StoragePath(d digest.Digest) string {
	p, err := l.blobPath(d)
	if err != nil {
		return ""
	}
	return p
}

func (l *LocalBackend) Exists(_ context.Context, d digest.Digest) (bool, error) {
	p, err := l.blobPath(d)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

func (l *LocalBackend) Size(_ context.Context, d digest.Digest) (int64, error) {
	p, err := l.blobPath(d)
	if err != nil {
		return 0, err
	}
	fi, err := os.Stat(p)
	if os.IsNotExist(err) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (l *LocalBackend) Read(ctx context.Context, d digest.Digest) ([]byte, error) {
	p, err := l.blobPath(d)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(p)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return b, err
}

func (l *LocalBackend) ReadRange(_ context.Context, d digest.Digest, start, end int64) ([]byte, error) {
	p, err := l.blobPath(d)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return nil, err
	}
	buf := make([]byte, end-start+1)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, err
	}
	return buf[:n], nil
}

func (l *LocalBackend) Stream(_ context.Context, d digest.Digest) (io.ReadCloser, error) {
	p, err := l.blobPath(d)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return f, err
}

func (l *LocalBackend) Write(ctx context.Context, d digest.Digest, data []byte) (string, error) {
	algo, _, err := digest.Parse(string(d))
	if err != nil {
		return "", err
	}
	h, err := digest.NewHasher(algo)
	if err != nil {
		return "", err
	}
	h.Write(data)
	if digest.Canonical(algo, hexSum(h)) != d {
		return "", ErrDigestMismatch
	}

	dst, err := l.blobPath(d)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("creating shard directory: %w", err)
	}
	if err := atomicWriteBytes(dst, data); err != nil {
		return "", err
	}
	return dst, nil
}

func (l *LocalBackend) WriteStream(ctx context.Context, d digest.Digest, r io.Reader, expectedSize int64) (string, error) {
	algo, _, err := digest.Parse(string(d))
	if err != nil {
		return "", err
	}
	h, err := digest.NewHasher(algo)
	if err != nil {
		return "", err
	}

	dst, err := l.blobPath(d)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("creating shard directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return "", err
	}
	tmpName := tmp.Name()

	// Hash while ingesting rather than buffering then hashing a copy.
	if _, err := io.Copy(tmp, io.TeeReader(r, h)); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", err
	}

	if digest.Canonical(algo, hexSum(h)) != d {
		os.Remove(tmpName)
		return "", ErrDigestMismatch
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return "", err
	}
	return dst, nil
}

func (l *LocalBackend) Delete(_ context.Context, d digest.Digest) (bool, error) {
	p, err := l.blobPath(d)
	if err != nil {
		return false, err
	}
	err = os.Remove(p)
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

func (l *LocalBackend) InitChunkedUpload(_ context.Context, sessionID string) (string, error) {
	p := l.uploadPath(sessionID)
	f, err := os.OpenFile(p, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return "", err
	}
	f.Close()
	return p, nil
}

func (l *LocalBackend) AppendChunk(_ context.Context, sessionID string, data []byte) (int64, error) {
	p := l.uploadPath(sessionID)
	f, err := os.OpenFile(p, os.O_APPEND|os.O_WRONLY, 0o644)
	if os.IsNotExist(err) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return 0, err
	}
	fi, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// CompleteChunkedUpload verifies the session's accumulated bytes against
// expected by streaming through a hasher (never buffering the whole object),
// then atomically publishes to the final shard path.
func (l *LocalBackend) CompleteChunkedUpload(_ context.Context, sessionID string, expected digest.Digest) (string, error) {
	src := l.uploadPath(sessionID)
	f, err := os.Open(src)
	if os.IsNotExist(err) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}

	algo, _, err := digest.Parse(string(expected))
	if err != nil {
		f.Close()
		return "", err
	}
	h, err := digest.NewHasher(algo)
	if err != nil {
		f.Close()
		return "", err
	}
	if _, err := io.Copy(h, f); err != nil {
		f.Close()
		return "", err
	}
	f.Close()

	if digest.Canonical(algo, hexSum(h)) != expected {
		os.Remove(src)
		return "", ErrDigestMismatch
	}

	dst, err := l.blobPath(expected)
	if err != nil {
		os.Remove(src)
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("creating shard directory: %w", err)
	}
	if err := os.Rename(src, dst); err != nil {
		return "", err
	}
	return dst, nil
}

func (l *LocalBackend) CancelChunkedUpload(_ context.Context, sessionID string) error {
	err := os.Remove(l.uploadPath(sessionID))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func hexSum(h hash.Hash) string {
	return fmt.Sprintf("%x", h.Sum(nil))
}

func atomicWriteBytes(dst string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, dst)
}
