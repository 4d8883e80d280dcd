// Package httpapi is the thin OCI Distribution wire-protocol edge: it
// parses/validates requests, maps them onto internal/registry operations,
// and translates results back into OCI-compatible responses (spec §6).
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ocimirror/ocimirror/internal/digest"
	"github.com/ocimirror/ocimirror/internal/metadata"
	"github.com/ocimirror/ocimirror/internal/registry"
	"github.com/ocimirror/ocimirror/internal/storage"
	"github.com/ocimirror/ocimirror/internal/upstream"
	"github.com/ocimirror/ocimirror/internal/upstreammgr"
)

// maxRequestBodyBytes caps a single request body (spec §6: "2 GiB").
const maxRequestBodyBytes = 2 << 30

// Handler is the HTTP entry point for the OCI registry surface.
type Handler struct {
	registry  *registry.Service
	upstreams *upstreammgr.Manager
	log       *slog.Logger
}

// New builds a Handler and its routed mux.
func New(svc *registry.Service, upstreams *upstreammgr.Manager, log *slog.Logger) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{registry: svc, upstreams: upstreams, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v2/", h.handleV2Root)
	mux.HandleFunc("GET /v2/{name...}/manifests/{reference}", h.withLimit(h.handleGetManifest))
	mux.HandleFunc("HEAD /v2/{name...}/manifests/{reference}", h.withLimit(h.handleHeadManifest))
	mux.HandleFunc("PUT /v2/{name...}/manifests/{reference}", h.withLimit(h.handlePutManifest))
	mux.HandleFunc("GET /v2/{name...}/blobs/{digest}", h.withLimit(h.handleGetBlob))
	mux.HandleFunc("HEAD /v2/{name...}/blobs/{digest}", h.withLimit(h.handleHeadBlob))
	mux.HandleFunc("POST /v2/{name...}/blobs/uploads/", h.withLimit(h.handleStartUpload))
	mux.HandleFunc("PATCH /v2/{name...}/blobs/uploads/{uuid}", h.withLimit(h.handleAppendUpload))
	mux.HandleFunc("PUT /v2/{name...}/blobs/uploads/{uuid}", h.withLimit(h.handleCompleteUpload))
	mux.HandleFunc("GET /v2/{name...}/blobs/uploads/{uuid}", h.handleUploadStatus)
	mux.HandleFunc("DELETE /v2/{name...}/blobs/uploads/{uuid}", h.handleCancelUpload)
	mux.HandleFunc("GET /v2/{name...}/referrers/{digest}", h.handleReferrersPassthrough)

	return withAccessLog(log, guardTraversal(h, mux))
}

// guardTraversal rejects any request path containing a literal "." or ".."
// segment before it reaches the ServeMux. http.ServeMux cleans such paths
// and issues a 301 redirect ahead of pattern dispatch, so a per-handler
// digest.Validate check on a path-derived value (like {digest}) never runs
// for a traversal payload — the mux redirects first. Percent-encoded
// separators (e.g. %2F) are already decoded into r.URL.Path by the time this
// runs, so a single check here also catches the encoded form.
func guardTraversal(h *Handler, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, seg := range strings.Split(r.URL.Path, "/") {
			if seg == "." || seg == ".." {
				h.writeOCIError(w, http.StatusBadRequest, codeDigestInvalid, "invalid path")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) withLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
		next(w, r)
	}
}

func withAccessLog(log *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Debug("request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration_ms", time.Since(start).Milliseconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// handleV2Root round-trips GET /v2/ to the selected upstream so a client
// that wants to authenticate directly against the upstream sees its raw
// WWW-Authenticate challenge (spec's supplemented feature, grounded on
// teacher's DoV2Check). Falls back to a static 200 when no upstream is
// configured or the probe itself fails.
func (h *Handler) handleV2Root(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Docker-Distribution-API-Version", "registry/2.0")

	info, ok := h.upstreams.FindUpstream("")
	if ok {
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()
		if res, err := info.Client.CheckV2(ctx); err == nil {
			if res.WWWAuthenticate != "" {
				w.Header().Set("WWW-Authenticate", res.WWWAuthenticate)
			}
			if res.StatusCode == http.StatusUnauthorized {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]any{"errors": []ociError{}})
				return
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("{}"))
}

func (h *Handler) handleGetManifest(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	reference := r.PathValue("reference")

	opts := upstream.FetchOptions{Range: r.Header.Get("Range"), IfRange: r.Header.Get("If-Range")}
	res, err := h.registry.GetManifest(r.Context(), name, reference, opts)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Docker-Distribution-API-Version", "registry/2.0")
	w.Header().Set("Content-Type", res.ContentType)
	w.Header().Set("Docker-Content-Digest", res.Digest)
	w.Header().Set("Content-Length", strconv.Itoa(len(res.Bytes)))
	w.WriteHeader(http.StatusOK)
	w.Write(res.Bytes)
}

func (h *Handler) handleHeadManifest(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	reference := r.PathValue("reference")

	res, err := h.registry.HeadManifest(r.Context(), name, reference)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Docker-Distribution-API-Version", "registry/2.0")
	w.Header().Set("Content-Type", res.ContentType)
	w.Header().Set("Docker-Content-Digest", res.Digest)
	w.Header().Set("Content-Length", strconv.FormatInt(res.Size, 10))
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handlePutManifest(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	reference := r.PathValue("reference")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/vnd.oci.image.manifest.v1+json"
	}

	d, err := h.registry.PutManifest(r.Context(), name, reference, body, contentType)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Docker-Distribution-API-Version", "registry/2.0")
	w.Header().Set("Location", "/v2/"+name+"/manifests/"+reference)
	w.Header().Set("Docker-Content-Digest", d)
	w.WriteHeader(http.StatusCreated)
}

func (h *Handler) handleGetBlob(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	d := r.PathValue("digest")

	if err := digest.Validate(d); err != nil {
		h.writeOCIError(w, http.StatusBadRequest, codeDigestInvalid, "invalid digest")
		return
	}

	// Forwarded to the upstream request on a cache miss (spec's supplemented
	// Range support); http.ServeContent below independently re-applies the
	// same Range/If-Range against whatever bytes come back, so the client
	// always gets a correct 206/Content-Range regardless of whether the
	// upstream honored the forwarded Range.
	opts := upstream.FetchOptions{Range: r.Header.Get("Range"), IfRange: r.Header.Get("If-Range")}
	res, err := h.registry.GetBlob(r.Context(), name, d, opts)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Docker-Distribution-API-Version", "registry/2.0")
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Docker-Content-Digest", d)
	http.ServeContent(w, r, "", time.Time{}, strings.NewReader(string(res.Bytes)))
}

func (h *Handler) handleHeadBlob(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	d := r.PathValue("digest")

	if err := digest.Validate(d); err != nil {
		h.writeOCIError(w, http.StatusBadRequest, codeDigestInvalid, "invalid digest")
		return
	}

	res, err := h.registry.HeadBlob(r.Context(), name, d)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Docker-Distribution-API-Version", "registry/2.0")
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Docker-Content-Digest", d)
	w.Header().Set("Content-Length", strconv.FormatInt(res.Size, 10))
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleStartUpload(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	if mountDigest := r.URL.Query().Get("mount"); mountDigest != "" {
		from := r.URL.Query().Get("from")
		ok, err := h.registry.Mount(r.Context(), name, mountDigest, from)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		if ok {
			w.Header().Set("Docker-Distribution-API-Version", "registry/2.0")
			w.Header().Set("Docker-Content-Digest", mountDigest)
			w.Header().Set("Location", "/v2/"+name+"/blobs/"+mountDigest)
			w.WriteHeader(http.StatusCreated)
			return
		}
		// Mount miss: fall through to a normal upload session, matching
		// registries that treat a failed mount as "start uploading instead."
	}

	sessionID, err := h.registry.StartUpload(r.Context(), name)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Docker-Distribution-API-Version", "registry/2.0")
	w.Header().Set("Location", "/v2/"+name+"/blobs/uploads/"+sessionID)
	w.Header().Set("Docker-Upload-UUID", sessionID)
	w.Header().Set("Range", "0-0")
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) handleAppendUpload(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	sessionID := r.PathValue("uuid")

	data, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	size, err := h.registry.AppendUpload(r.Context(), sessionID, data)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Docker-Distribution-API-Version", "registry/2.0")
	w.Header().Set("Location", "/v2/"+name+"/blobs/uploads/"+sessionID)
	w.Header().Set("Range", "0-"+strconv.FormatInt(size-1, 10))
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) handleCompleteUpload(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	sessionID := r.PathValue("uuid")
	assertedDigest := r.URL.Query().Get("digest")

	if err := digest.Validate(assertedDigest); err != nil {
		h.writeOCIError(w, http.StatusBadRequest, codeDigestInvalid, "invalid digest")
		return
	}

	// A final chunk may be present in the body (spec §6).
	if final, err := io.ReadAll(r.Body); err == nil && len(final) > 0 {
		if _, err := h.registry.AppendUpload(r.Context(), sessionID, final); err != nil {
			h.writeError(w, r, err)
			return
		}
	}

	entry, err := h.registry.CompleteUpload(r.Context(), name, sessionID, digest.Digest(assertedDigest))
	if err != nil {
		if errors.Is(err, storage.ErrDigestMismatch) {
			h.writeOCIError(w, http.StatusBadRequest, codeDigestInvalid, "digest mismatch")
			return
		}
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Docker-Distribution-API-Version", "registry/2.0")
	w.Header().Set("Location", "/v2/"+name+"/blobs/"+entry.Digest)
	w.Header().Set("Docker-Content-Digest", entry.Digest)
	w.WriteHeader(http.StatusCreated)
}

func (h *Handler) handleUploadStatus(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	sessionID := r.PathValue("uuid")

	sess, err := h.registry.UploadStatus(r.Context(), sessionID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Docker-Distribution-API-Version", "registry/2.0")
	w.Header().Set("Location", "/v2/"+name+"/blobs/uploads/"+sessionID)
	w.Header().Set("Range", "0-"+strconv.FormatInt(sess.BytesReceived-1, 10))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleCancelUpload(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("uuid")
	if err := h.registry.CancelUpload(r.Context(), sessionID); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleReferrersPassthrough forwards GET .../referrers/{digest} directly to
// the upstream without caching — the referrers API is designed to reflect
// live upstream state (spec's supplemented feature, grounded in the
// teacher's handlePassthrough).
func (h *Handler) handleReferrersPassthrough(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	info, ok := h.upstreams.FindUpstream(name)
	if !ok {
		h.writeOCIError(w, http.StatusNotFound, codeNotFound, "no upstream available")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	d := r.PathValue("digest")
	res, err := info.Client.GetManifest(ctx, name, d, upstream.FetchOptions{})
	if errors.Is(err, upstream.ErrNotFound) {
		h.writeOCIError(w, http.StatusNotFound, codeNotFound, "not found")
		return
	}
	if err != nil {
		h.writeOCIError(w, http.StatusBadGateway, codeInternal, "upstream error")
		return
	}
	w.Header().Set("Docker-Distribution-API-Version", "registry/2.0")
	w.Header().Set("Content-Type", res.ContentType)
	w.WriteHeader(http.StatusOK)
	w.Write(res.Body)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, metadata.ErrNotFound), errors.Is(err, upstream.ErrNotFound):
		h.writeOCIError(w, http.StatusNotFound, codeNotFound, err.Error())
	case errors.Is(err, storage.ErrDigestMismatch):
		h.writeOCIError(w, http.StatusBadRequest, codeDigestInvalid, err.Error())
	case errors.Is(err, digest.ErrInvalidDigest):
		h.writeOCIError(w, http.StatusBadRequest, codeDigestInvalid, err.Error())
	case errors.Is(err, registry.ErrNoUpstream):
		h.writeOCIError(w, http.StatusNotFound, codeNotFound, err.Error())
	default:
		h.log.Error("request failed", "path", r.URL.Path, "error", err)
		h.writeOCIError(w, http.StatusInternalServerError, codeInternal, "internal error")
	}
}

const (
	codeNotFound         = "NOT_FOUND"
	codeBadRequest       = "BAD_REQUEST"
	codeDigestInvalid    = "DIGEST_INVALID"
	codeUnauthorized     = "UNAUTHORIZED"
	codeForbidden        = "FORBIDDEN"
	codeMethodNotAllowed = "METHOD_NOT_ALLOWED"
	codeInternal         = "INTERNAL_ERROR"
	codeDatabaseError    = "DATABASE_ERROR"
	codeAuthError        = "AUTH_ERROR"
	codeStorageError     = "STORAGE_ERROR"
)

// ociError is a single entry of the OCI error envelope (spec §6).
type ociError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  any    `json:"detail"`
}

func (h *Handler) writeOCIError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Docker-Distribution-API-Version", "registry/2.0")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"errors": []ociError{{Code: code, Message: message, Detail: nil}},
	})
}
