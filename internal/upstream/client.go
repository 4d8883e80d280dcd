// Package upstream implements a per-registry HTTP client: connection
// pooling, repository path rewriting, the OCI bearer-token challenge/response
// flow, and the manifest/blob operations the registry service needs to pull
// through and push to an upstream registry.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Sentinel errors surfaced by client operations.
var (
	ErrNotFound    = errors.New("upstream: not found")
	ErrUnauthorized = errors.New("upstream: unauthorized")
)

// Interface is the capability set the registry service needs from an
// upstream client (spec §4.4 operations, contract-level). *Client satisfies
// it; tests substitute a fake.
type Interface interface {
	Ping(ctx context.Context) bool
	CheckV2(ctx context.Context) (*V2CheckResult, error)
	GetManifest(ctx context.Context, repo, reference string, opts FetchOptions) (*ManifestResult, error)
	GetBlob(ctx context.Context, repo, digest string, opts FetchOptions) (*BlobResult, error)
	BlobExists(ctx context.Context, repo, digest string) (bool, error)
	PushBlob(ctx context.Context, repo, digest string, data []byte) error
	PushManifest(ctx context.Context, repo, reference string, body []byte, contentType string) (string, error)
}

// FetchOptions carries client-supplied conditional/partial-fetch headers
// through to the upstream request (spec's supplemented Range support,
// grounded on teacher internal/proxy/upstream.go's Range passthrough).
type FetchOptions struct {
	Range   string
	IfRange string
}

func (o FetchOptions) apply(req *http.Request) {
	if o.Range != "" {
		req.Header.Set("Range", o.Range)
	}
	if o.IfRange != "" {
		req.Header.Set("If-Range", o.IfRange)
	}
}

var _ Interface = (*Client)(nil)

// UpstreamError wraps a non-2xx, non-404 response from the upstream registry.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Config identifies and authenticates a single upstream registry (spec §4.4:
// "keyed by {url, registry, creds, skip_tls_verify}").
type Config struct {
	Name           string
	BaseURL        string
	RegistryPrefix string
	Username       string
	Password       string
	SkipTLSVerify  bool
}

// Client is a connection-pooled HTTP client bound to one upstream registry.
// The pool is retained for the client's lifetime (spec §4.4).
type Client struct {
	cfg    Config
	http   *http.Client
	baseURL string

	tokenMu    sync.Mutex
	cachedTok  string
	cachedScope string
}

// New builds a Client for cfg. The transport mirrors the teacher's
// connection-pool tuning (10s dial timeout, 20 idle conns/host).
func New(cfg Config) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
	}
	if cfg.SkipTLSVerify {
		transport.TLSClientConfig = insecureTLSConfig()
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Transport: transport},
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
	}
}

// rewriteRepo prefixes repo with the configured registry unless it already
// carries that prefix (spec §4.4).
func (c *Client) rewriteRepo(repo string) string {
	prefix := c.cfg.RegistryPrefix
	if prefix == "" {
		return repo
	}
	if strings.HasPrefix(repo, prefix+"/") {
		return repo
	}
	return prefix + "/" + repo
}

// Ping performs GET /v2/ and reports whether the upstream answered 2xx
// (spec §4.4 ping()).
func (c *Client) Ping(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v2/", nil)
	if err != nil {
		return false
	}
	resp, err := c.do(ctx, req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// V2CheckResult is the raw outcome of a GET /v2/ probe, preserving a 401
// challenge for relay to the calling client rather than resolving it.
type V2CheckResult struct {
	StatusCode      int
	WWWAuthenticate string
}

// CheckV2 performs a raw, unauthenticated GET /v2/ against the upstream and
// returns its status and WWW-Authenticate header verbatim, without running
// the bearer-token challenge/response flow that do() performs — callers that
// want to relay the raw challenge to their own client (rather than resolve
// it themselves) need the un-intercepted response (spec's supplemented
// "relay WWW-Authenticate on /v2/" feature, grounded on teacher's
// DoV2Check which issues a raw http.Client.Do rather than going through its
// own authenticated helper).
func (c *Client) CheckV2(ctx context.Context) (*V2CheckResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v2/", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return &V2CheckResult{StatusCode: resp.StatusCode, WWWAuthenticate: resp.Header.Get("WWW-Authenticate")}, nil
}

// ManifestResult is the outcome of a successful GetManifest call.
type ManifestResult struct {
	Body        []byte
	ContentType string
	Digest      string
}

// GetManifest fetches repo's manifest at reference, negotiating OCI and
// Docker manifest media types (spec §4.4).
func (c *Client) GetManifest(ctx context.Context, repo, reference string, opts FetchOptions) (*ManifestResult, error) {
	url := fmt.Sprintf("%s/v2/%s/manifests/%s", c.baseURL, c.rewriteRepo(repo), reference)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", manifestAcceptHeader)
	opts.apply(req)

	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &ManifestResult{
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
		Digest:      resp.Header.Get("Docker-Content-Digest"),
	}, nil
}

const manifestAcceptHeader = "application/vnd.oci.image.manifest.v1+json, application/vnd.oci.image.index.v1+json, application/vnd.docker.distribution.manifest.v2+json, application/vnd.docker.distribution.manifest.list.v2+json, application/vnd.docker.distribution.manifest.v1+json"

// BlobResult is the outcome of a successful GetBlob call.
type BlobResult struct {
	Body io.ReadCloser
	Size int64
}

// GetBlob streams repo's blob by digest. Callers must close Body.
func (c *Client) GetBlob(ctx context.Context, repo, digest string, opts FetchOptions) (*BlobResult, error) {
	url := fmt.Sprintf("%s/v2/%s/blobs/%s", c.baseURL, c.rewriteRepo(repo), digest)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	opts.apply(req)

	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	return &BlobResult{Body: resp.Body, Size: resp.ContentLength}, nil
}

// BlobExists performs a HEAD request, distinguishing 2xx from 404 from other
// errors (spec §4.4 blob_exists()).
func (c *Client) BlobExists(ctx context.Context, repo, digest string) (bool, error) {
	url := fmt.Sprintf("%s/v2/%s/blobs/%s", c.baseURL, c.rewriteRepo(repo), digest)
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false, err
	}
	resp, err := c.do(ctx, req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return true, nil
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	default:
		return false, &UpstreamError{StatusCode: resp.StatusCode}
	}
}

// PushBlob uploads data under digest to repo, short-circuiting if the blob
// already exists upstream (spec §4.4 push_blob()).
func (c *Client) PushBlob(ctx context.Context, repo, digest string, data []byte) error {
	exists, err := c.BlobExists(ctx, repo, digest)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	startURL := fmt.Sprintf("%s/v2/%s/blobs/uploads/", c.baseURL, c.rewriteRepo(repo))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, startURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, req)
	if err != nil {
		return err
	}
	location := resp.Header.Get("Location")
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted || location == "" {
		return &UpstreamError{StatusCode: resp.StatusCode}
	}

	putURL := appendQuery(location, "digest", digest)
	putReq, err := http.NewRequestWithContext(ctx, http.MethodPut, putURL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	putReq.Header.Set("Content-Type", "application/octet-stream")
	putReq.ContentLength = int64(len(data))

	putResp, err := c.do(ctx, putReq)
	if err != nil {
		return err
	}
	defer putResp.Body.Close()
	if putResp.StatusCode < 200 || putResp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(putResp.Body, 4096))
		return &UpstreamError{StatusCode: putResp.StatusCode, Body: string(body)}
	}
	return nil
}

// PushManifest uploads body as repo's manifest at reference and returns the
// digest the upstream computed (spec §4.4 push_manifest()).
func (c *Client) PushManifest(ctx context.Context, repo, reference string, body []byte, contentType string) (string, error) {
	url := fmt.Sprintf("%s/v2/%s/manifests/%s", c.baseURL, c.rewriteRepo(repo), reference)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", contentType)
	req.ContentLength = int64(len(body))

	resp, err := c.do(ctx, req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &UpstreamError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return resp.Header.Get("Docker-Content-Digest"), nil
}

// appendQuery appends key=value to rawURL, choosing "&" or "?" depending on
// whether rawURL already carries a query string (spec §4.4: "the Location
// may already carry query parameters").
func appendQuery(rawURL, key, value string) string {
	sep := "?"
	if strings.Contains(rawURL, "?") {
		sep = "&"
	}
	return rawURL + sep + key + "=" + value
}

// do sends req, transparently performing the OCI bearer-token challenge flow
// on a 401 response (spec §4.4).
func (c *Client) do(ctx context.Context, req *http.Request) (*http.Response, error) {
	reqBody, err := cloneBody(req)
	if err != nil {
		return nil, err
	}

	if tok := c.tokenFor(req.URL.Path); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	challenge := resp.Header.Get("WWW-Authenticate")
	resp.Body.Close()
	params, ok := parseBearerChallenge(challenge)
	if !ok {
		return nil, ErrUnauthorized
	}

	token, err := c.fetchToken(ctx, params)
	if err != nil {
		return nil, err
	}
	c.cacheToken(req.URL.Path, token)

	retryReq := req.Clone(ctx)
	if reqBody != nil {
		retryReq.Body = io.NopCloser(bytes.NewReader(reqBody))
	}
	retryReq.Header.Set("Authorization", "Bearer "+token)

	retryResp, err := c.http.Do(retryReq)
	if err != nil {
		return nil, err
	}
	if retryResp.StatusCode == http.StatusUnauthorized {
		retryResp.Body.Close()
		return nil, ErrUnauthorized
	}
	return retryResp, nil
}

func cloneBody(req *http.Request) ([]byte, error) {
	if req.Body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	req.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

// fetchToken performs GET realm?service=...&scope=... with optional Basic
// auth and returns the bearer token.
func (c *Client) fetchToken(ctx context.Context, params bearerParams) (string, error) {
	tokenURL := params.realm
	query := make([]string, 0, 2)
	if params.service != "" {
		query = append(query, "service="+escapeQuery(params.service))
	}
	if params.scope != "" {
		query = append(query, "scope="+escapeQuery(params.scope))
	}
	if len(query) > 0 {
		sep := "?"
		if strings.Contains(tokenURL, "?") {
			sep = "&"
		}
		tokenURL += sep + strings.Join(query, "&")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tokenURL, nil)
	if err != nil {
		return "", err
	}
	if c.cfg.Username != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}

	var payload struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", err
	}
	if payload.Token != "" {
		return payload.Token, nil
	}
	return payload.AccessToken, nil
}

// tokenFor returns the last bearer token obtained for this client, if any.
// Tokens are not scoped per-repository here: a 401 on a mismatched scope
// triggers the normal challenge/refresh path in do().
func (c *Client) tokenFor(_ string) string {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	return c.cachedTok
}

func (c *Client) cacheToken(path, token string) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	c.cachedTok = token
	c.cachedScope = path
}

func escapeQuery(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r == ' ':
			b.WriteString("%20")
		case r == ':' || r == '/':
			b.WriteRune(r)
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.' || r == '~':
			b.WriteRune(r)
		default:
			b.WriteString("%")
			b.WriteString(strconv.FormatInt(int64(r), 16))
		}
	}
	return b.String()
}
