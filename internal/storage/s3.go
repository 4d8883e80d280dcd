package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/google/uuid"

	"github.com/ocimirror/ocimirror/internal/digest"
)

// minPartSize is the minimum S3 multipart part size, except for the last
// part of an upload (spec: "minimum 5 MiB per part except the last").
const minPartSize = 5 * 1024 * 1024

// S3Backend stores blobs in an S3-compatible bucket under
// <prefix>blobs/<algo>/<2hex>/<hex>, publishing via multipart upload +
// commit so readers never observe a partial object. Adapted from the
// teacher's internal/cache/s3.go AWS SDK v2 wiring.
type S3Backend struct {
	client        *s3.Client
	presignClient *s3.PresignClient
	bucket        string
	prefix        string

	mu       sync.Mutex
	sessions map[string]*s3Session
}

type s3Session struct {
	uploadID   string
	tempKey    string
	partNumber int32
	parts      []types.CompletedPart
	buf        []byte
	totalSize  int64
}

// NewS3Backend creates an S3-backed content-addressable storage backend.
// Credentials, region, and endpoint resolve via the standard AWS SDK default
// credential chain.
func NewS3Backend(ctx context.Context, bucket, prefix string, forcePathStyle bool) (*S3Backend, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = forcePathStyle
	})

	if prefix != "" {
		prefix = strings.TrimSuffix(prefix, "/") + "/"
	}

	return &S3Backend{
		client:        client,
		presignClient: s3.NewPresignClient(client),
		bucket:        bucket,
		prefix:        prefix,
		sessions:      make(map[string]*s3Session),
	}, nil
}

func (s *S3Backend) fullKey(rel string) string { return s.prefix + rel }

func (s *S3Backend) StoragePath(d digest.Digest) string {
	rel, err := shardPath(d)
	if err != nil {
		return ""
	}
	return s.fullKey("blobs/" + rel)
}

func (s *S3Backend) Exists(ctx context.Context, d digest.Digest) (bool, error) {
	rel, err := shardPath(d)
	if err != nil {
		return false, err
	}
	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey("blobs/" + rel)),
	})
	if isNotFound(err) {
		return false, nil
	}
	return err == nil, err
}

func (s *S3Backend) Size(ctx context.Context, d digest.Digest) (int64, error) {
	rel, err := shardPath(d)
	if err != nil {
		return 0, err
	}
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey("blobs/" + rel)),
	})
	if isNotFound(err) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	if out.ContentLength == nil {
		return 0, nil
	}
	return *out.ContentLength, nil
}

func (s *S3Backend) Read(ctx context.Context, d digest.Digest) ([]byte, error) {
	rc, err := s.Stream(ctx, d)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func (s *S3Backend) ReadRange(ctx context.Context, d digest.Digest, start, end int64) ([]byte, error) {
	rel, err := shardPath(d)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey("blobs/" + rel)),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", start, end)),
	})
	if isNotFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (s *S3Backend) Stream(ctx context.Context, d digest.Digest) (io.ReadCloser, error) {
	rel, err := shardPath(d)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey("blobs/" + rel)),
	})
	if isNotFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return out.Body, nil
}

// Write recomputes the digest of data before publishing, failing with
// ErrDigestMismatch (no object committed) if it disagrees.
func (s *S3Backend) Write(ctx context.Context, d digest.Digest, data []byte) (string, error) {
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

	rel, err := shardPath(d)
	if err != nil {
		return "", err
	}
	key := s.fullKey("blobs/" + rel)

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		IfNoneMatch: aws.String("*"),
	})
	if err != nil && !isConditionalPutConflict(err) {
		return "", fmt.Errorf("putting object to S3: %w", err)
	}
	return key, nil
}

// WriteStream hashes while ingesting and uploads in >=5 MiB parts (the last
// part may be smaller), never buffering the whole object in memory.
func (s *S3Backend) WriteStream(ctx context.Context, d digest.Digest, r io.Reader, expectedSize int64) (string, error) {
	algo, _, err := digest.Parse(string(d))
	if err != nil {
		return "", err
	}
	h, err := digest.NewHasher(algo)
	if err != nil {
		return "", err
	}

	tempKey := s.fullKey("uploads/stream-" + uuid.NewString())

	created, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(tempKey),
	})
	if err != nil {
		return "", fmt.Errorf("creating multipart upload: %w", err)
	}
	uploadID := aws.ToString(created.UploadId)

	var parts []types.CompletedPart
	var partNumber int32 = 1
	buf := make([]byte, 0, minPartSize)
	chunk := make([]byte, 256*1024)

	flush := func(final bool) error {
		if len(buf) == 0 || (!final && len(buf) < minPartSize) {
			return nil
		}
		out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:     aws.String(s.bucket),
			Key:        aws.String(tempKey),
			UploadId:   aws.String(uploadID),
			PartNumber: aws.Int32(partNumber),
			Body:       bytes.NewReader(buf),
		})
		if err != nil {
			return err
		}
		parts = append(parts, types.CompletedPart{ETag: out.ETag, PartNumber: aws.Int32(partNumber)})
		partNumber++
		buf = buf[:0]
		return nil
	}

	tee := io.TeeReader(r, h)
	for {
		n, rerr := tee.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if len(buf) >= minPartSize {
				if err := flush(false); err != nil {
					s.abortMultipart(ctx, tempKey, uploadID)
					return "", err
				}
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			s.abortMultipart(ctx, tempKey, uploadID)
			return "", rerr
		}
	}
	if err := flush(true); err != nil {
		s.abortMultipart(ctx, tempKey, uploadID)
		return "", err
	}

	if len(parts) == 0 {
		// Empty object: multipart upload can't commit with zero parts.
		s.abortMultipart(ctx, tempKey, uploadID)
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(tempKey),
			Body:   bytes.NewReader(nil),
		})
		if err != nil {
			return "", err
		}
	} else {
		_, err = s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:          aws.String(s.bucket),
			Key:             aws.String(tempKey),
			UploadId:        aws.String(uploadID),
			MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
		})
		if err != nil {
			s.abortMultipart(ctx, tempKey, uploadID)
			return "", fmt.Errorf("completing multipart upload: %w", err)
		}
	}

	if digest.Canonical(algo, hexSum(h)) != d {
		// Best-effort cleanup; the caller still gets ErrDigestMismatch even
		// if this delete fails (spec §9 open question: no orphan janitor).
		if _, derr := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(tempKey),
		}); derr != nil {
			slog.Debug("failed to delete orphaned temp object after digest mismatch", "key", tempKey, "error", derr)
		}
		return "", ErrDigestMismatch
	}

	rel, err := shardPath(d)
	if err != nil {
		return "", err
	}
	finalKey := s.fullKey("blobs/" + rel)
	if _, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(finalKey),
		CopySource: aws.String(s.bucket + "/" + tempKey),
	}); err != nil {
		return "", fmt.Errorf("publishing object: %w", err)
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(tempKey),
	}); err != nil {
		slog.Debug("failed to remove temp object after publish", "key", tempKey, "error", err)
	}
	return finalKey, nil
}

func (s *S3Backend) Delete(ctx context.Context, d digest.Digest) (bool, error) {
	existed, err := s.Exists(ctx, d)
	if err != nil {
		return false, err
	}
	rel, err := shardPath(d)
	if err != nil {
		return false, err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey("blobs/" + rel)),
	})
	return existed, err
}

// InitChunkedUpload opens an S3 multipart upload against a temporary key.
func (s *S3Backend) InitChunkedUpload(ctx context.Context, sessionID string) (string, error) {
	tempKey := s.fullKey("uploads/" + sessionID)
	out, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(tempKey),
	})
	if err != nil {
		return "", fmt.Errorf("creating multipart upload: %w", err)
	}

	s.mu.Lock()
	s.sessions[sessionID] = &s3Session{
		uploadID:   aws.ToString(out.UploadId),
		tempKey:    tempKey,
		partNumber: 1,
		buf:        make([]byte, 0, minPartSize),
	}
	s.mu.Unlock()
	return tempKey, nil
}

// AppendChunk buffers data and flushes a part whenever the buffer reaches
// the 5 MiB minimum part size.
func (s *S3Backend) AppendChunk(ctx context.Context, sessionID string, data []byte) (int64, error) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		return 0, ErrNotFound
	}

	sess.buf = append(sess.buf, data...)
	sess.totalSize += int64(len(data))

	for len(sess.buf) >= minPartSize {
		part := sess.buf[:minPartSize]
		if err := s.uploadPart(ctx, sess, part); err != nil {
			return 0, err
		}
		sess.buf = append([]byte(nil), sess.buf[minPartSize:]...)
	}
	return sess.totalSize, nil
}

func (s *S3Backend) uploadPart(ctx context.Context, sess *s3Session, data []byte) error {
	out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(sess.tempKey),
		UploadId:   aws.String(sess.uploadID),
		PartNumber: aws.Int32(sess.partNumber),
		Body:       bytes.NewReader(data),
	})
	if err != nil {
		return err
	}
	sess.parts = append(sess.parts, types.CompletedPart{ETag: out.ETag, PartNumber: aws.Int32(sess.partNumber)})
	sess.partNumber++
	return nil
}

// CompleteChunkedUpload flushes the remaining buffer as the final part,
// commits the multipart upload, verifies the digest by reading the committed
// object back and hashing it, then publishes to the final key.
func (s *S3Backend) CompleteChunkedUpload(ctx context.Context, sessionID string, expected digest.Digest) (string, error) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		return "", ErrNotFound
	}

	algo, _, err := digest.Parse(string(expected))
	if err != nil {
		return "", err
	}

	if len(sess.buf) > 0 {
		if err := s.uploadPart(ctx, sess, sess.buf); err != nil {
			return "", err
		}
		sess.buf = nil
	}

	// Verification hashes the committed object as a whole rather than the
	// session's buffered chunks: a session spans many AppendChunk calls, so
	// no single in-memory hasher ever sees every byte without re-streaming.
	if len(sess.parts) == 0 {
		s.abortMultipart(ctx, sess.tempKey, sess.uploadID)
		if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(sess.tempKey),
			Body:   bytes.NewReader(nil),
		}); err != nil {
			return "", err
		}
	} else {
		if _, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:          aws.String(s.bucket),
			Key:             aws.String(sess.tempKey),
			UploadId:        aws.String(sess.uploadID),
			MultipartUpload: &types.CompletedMultipartUpload{Parts: sess.parts},
		}); err != nil {
			s.abortMultipart(ctx, sess.tempKey, sess.uploadID)
			return "", fmt.Errorf("completing multipart upload: %w", err)
		}
	}

	got, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(sess.tempKey),
	})
	if err != nil {
		return "", err
	}
	verifyHasher, err := digest.NewHasher(algo)
	if err != nil {
		got.Body.Close()
		return "", err
	}
	_, copyErr := io.Copy(verifyHasher, got.Body)
	got.Body.Close()
	if copyErr != nil {
		return "", copyErr
	}

	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()

	if digest.Canonical(algo, hexSum(verifyHasher)) != expected {
		if _, derr := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(sess.tempKey),
		}); derr != nil {
			slog.Debug("failed to delete orphaned session object after digest mismatch", "key", sess.tempKey, "error", derr)
		}
		return "", ErrDigestMismatch
	}

	rel, err := shardPath(expected)
	if err != nil {
		return "", err
	}
	finalKey := s.fullKey("blobs/" + rel)
	if _, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(finalKey),
		CopySource: aws.String(s.bucket + "/" + sess.tempKey),
	}); err != nil {
		return "", fmt.Errorf("publishing object: %w", err)
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(sess.tempKey),
	}); err != nil {
		slog.Debug("failed to remove temp object after publish", "key", sess.tempKey, "error", err)
	}
	return finalKey, nil
}

// CancelChunkedUpload aborts the multipart upload and drops session state.
// Idempotent: calling it on an absent or already-completed session is ok.
func (s *S3Backend) CancelChunkedUpload(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	s.abortMultipart(ctx, sess.tempKey, sess.uploadID)
	return nil
}

func (s *S3Backend) abortMultipart(ctx context.Context, key, uploadID string) {
	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		slog.Debug("failed to abort multipart upload", "key", key, "error", err)
	}
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var nf *types.NoSuchKey
	if errors.As(err, &nf) {
		return true
	}
	var re *smithyhttp.ResponseError
	if errors.As(err, &re) {
		return re.HTTPStatusCode() == http.StatusNotFound
	}
	return false
}

func isConditionalPutConflict(err error) bool {
	var re *smithyhttp.ResponseError
	if errors.As(err, &re) {
		return re.HTTPStatusCode() == http.StatusPreconditionFailed ||
			re.HTTPStatusCode() == http.StatusConflict
	}
	return false
}
