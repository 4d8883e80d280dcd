package storage

import (
	"bytes"
	"context"
	"testing"

	"github.com/ocimirror/ocimirror/internal/digest"
)

func newTestBackend(t *testing.T) *LocalBackend {
	t.Helper()
	b := NewLocalBackend(t.TempDir())
	if err := b.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return b
}

func TestLocalWriteThenRead(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	data := []byte("hello world")
	d := digest.ComputeSHA256(data)

	if _, err := b.Write(ctx, d, data); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := b.Read(ctx, d)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("Read returned %q, want %q", got, data)
	}

	ok, err := b.Exists(ctx, d)
	if err != nil || !ok {
		t.Fatalf("Exists = %v, %v, want true, nil", ok, err)
	}
}

func TestLocalWriteDigestMismatch(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	data := []byte("hello world")
	wrong := digest.ComputeSHA256([]byte("goodbye"))

	if _, err := b.Write(ctx, wrong, data); err != ErrDigestMismatch {
		t.Fatalf("Write with wrong digest = %v, want ErrDigestMismatch", err)
	}

	ok, err := b.Exists(ctx, wrong)
	if err != nil || ok {
		t.Fatalf("Exists after failed write = %v, %v, want false, nil", ok, err)
	}
}

func TestLocalChunkedUploadRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	sessionID := "test-session-1"
	if _, err := b.InitChunkedUpload(ctx, sessionID); err != nil {
		t.Fatalf("InitChunkedUpload: %v", err)
	}

	chunk1 := []byte("hello ")
	chunk2 := []byte("world")
	if _, err := b.AppendChunk(ctx, sessionID, chunk1); err != nil {
		t.Fatalf("AppendChunk 1: %v", err)
	}
	size, err := b.AppendChunk(ctx, sessionID, chunk2)
	if err != nil {
		t.Fatalf("AppendChunk 2: %v", err)
	}
	if want := int64(len(chunk1) + len(chunk2)); size != want {
		t.Fatalf("size = %d, want %d", size, want)
	}

	full := append(append([]byte{}, chunk1...), chunk2...)
	d := digest.ComputeSHA256(full)

	if _, err := b.CompleteChunkedUpload(ctx, sessionID, d); err != nil {
		t.Fatalf("CompleteChunkedUpload: %v", err)
	}

	got, err := b.Read(ctx, d)
	if err != nil {
		t.Fatalf("Read after complete: %v", err)
	}
	if !bytes.Equal(got, full) {
		t.Fatalf("Read = %q, want %q", got, full)
	}
}

func TestLocalChunkedUploadDigestMismatch(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	sessionID := "test-session-2"
	if _, err := b.InitChunkedUpload(ctx, sessionID); err != nil {
		t.Fatalf("InitChunkedUpload: %v", err)
	}
	if _, err := b.AppendChunk(ctx, sessionID, []byte("data")); err != nil {
		t.Fatalf("AppendChunk: %v", err)
	}

	wrong := digest.ComputeSHA256([]byte("not the data"))
	if _, err := b.CompleteChunkedUpload(ctx, sessionID, wrong); err != ErrDigestMismatch {
		t.Fatalf("CompleteChunkedUpload = %v, want ErrDigestMismatch", err)
	}

	if ok, _ := b.Exists(ctx, wrong); ok {
		t.Fatalf("digest-mismatched object should not be observable")
	}
}

func TestCancelChunkedUploadIdempotent(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	if err := b.CancelChunkedUpload(ctx, "never-started"); err != nil {
		t.Fatalf("CancelChunkedUpload on absent session: %v", err)
	}

	sessionID := "test-session-3"
	if _, err := b.InitChunkedUpload(ctx, sessionID); err != nil {
		t.Fatalf("InitChunkedUpload: %v", err)
	}
	if err := b.CancelChunkedUpload(ctx, sessionID); err != nil {
		t.Fatalf("first cancel: %v", err)
	}
	if err := b.CancelChunkedUpload(ctx, sessionID); err != nil {
		t.Fatalf("second cancel: %v", err)
	}
}

func TestDeleteIdempotent(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	data := []byte("payload")
	d := digest.ComputeSHA256(data)
	if _, err := b.Write(ctx, d, data); err != nil {
		t.Fatalf("Write: %v", err)
	}

	ok, err := b.Delete(ctx, d)
	if err != nil || !ok {
		t.Fatalf("first Delete = %v, %v, want true, nil", ok, err)
	}
	ok, err = b.Delete(ctx, d)
	if err != nil || ok {
		t.Fatalf("second Delete = %v, %v, want false, nil", ok, err)
	}
}

func TestReadRange(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	data := []byte("0123456789ABCDEF")
	d := digest.ComputeSHA256(data)
	if _, err := b.Write(ctx, d, data); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := b.ReadRange(ctx, d, 2, 5)
	if err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	if string(got) != "2345" {
		t.Fatalf("ReadRange = %q, want %q", got, "2345")
	}
}
