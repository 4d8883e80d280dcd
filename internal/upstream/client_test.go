package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRewriteRepoAddsPrefix(t *testing.T) {
	c := New(Config{RegistryPrefix: "docker.io"})
	if got := c.rewriteRepo("library/alpine"); got != "docker.io/library/alpine" {
		t.Fatalf("rewriteRepo = %q", got)
	}
}

func TestRewriteRepoSkipsExistingPrefix(t *testing.T) {
	c := New(Config{RegistryPrefix: "docker.io"})
	if got := c.rewriteRepo("docker.io/library/alpine"); got != "docker.io/library/alpine" {
		t.Fatalf("rewriteRepo = %q, want unchanged", got)
	}
}

func TestRewriteRepoNoPrefixConfigured(t *testing.T) {
	c := New(Config{})
	if got := c.rewriteRepo("library/alpine"); got != "library/alpine" {
		t.Fatalf("rewriteRepo = %q, want unchanged", got)
	}
}

func TestAppendQueryNoExistingQuery(t *testing.T) {
	if got := appendQuery("https://example.com/path", "digest", "sha256:abc"); got != "https://example.com/path?digest=sha256:abc" {
		t.Fatalf("appendQuery = %q", got)
	}
}

func TestAppendQueryExistingQuery(t *testing.T) {
	if got := appendQuery("https://example.com/path?foo=bar", "digest", "sha256:abc"); got != "https://example.com/path?foo=bar&digest=sha256:abc" {
		t.Fatalf("appendQuery = %q", got)
	}
}

func TestFetchOptionsApplySetsRangeAndIfRange(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "https://example.com/", nil)
	FetchOptions{Range: "bytes=0-99", IfRange: `"etag"`}.apply(req)
	if got := req.Header.Get("Range"); got != "bytes=0-99" {
		t.Fatalf("Range = %q", got)
	}
	if got := req.Header.Get("If-Range"); got != `"etag"` {
		t.Fatalf("If-Range = %q", got)
	}
}

func TestFetchOptionsApplyLeavesHeadersUnsetWhenEmpty(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "https://example.com/", nil)
	FetchOptions{}.apply(req)
	if req.Header.Get("Range") != "" || req.Header.Get("If-Range") != "" {
		t.Fatalf("expected no Range/If-Range headers, got %v", req.Header)
	}
}

func TestGetManifestForwardsRangeHeader(t *testing.T) {
	var gotRange string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.Header.Get("Range")
		w.Header().Set("Content-Type", "application/vnd.oci.image.manifest.v1+json")
		w.Write([]byte(`{"schemaVersion":2}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	if _, err := c.GetManifest(context.Background(), "library/alpine", "latest", FetchOptions{Range: "bytes=0-9"}); err != nil {
		t.Fatalf("GetManifest: %v", err)
	}
	if gotRange != "bytes=0-9" {
		t.Fatalf("upstream saw Range = %q, want %q", gotRange, "bytes=0-9")
	}
}

func TestGetBlobForwardsRangeHeader(t *testing.T) {
	var gotRange string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.Header.Get("Range")
		w.Write([]byte("hello"))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	res, err := c.GetBlob(context.Background(), "library/alpine", "sha256:abc", FetchOptions{Range: "bytes=2-4"})
	if err != nil {
		t.Fatalf("GetBlob: %v", err)
	}
	res.Body.Close()
	if gotRange != "bytes=2-4" {
		t.Fatalf("upstream saw Range = %q, want %q", gotRange, "bytes=2-4")
	}
}

func TestCheckV2RelaysRawChallenge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("WWW-Authenticate", `Bearer realm="https://auth.example.com/token",service="example"`)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	res, err := c.CheckV2(context.Background())
	if err != nil {
		t.Fatalf("CheckV2: %v", err)
	}
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("StatusCode = %d, want 401", res.StatusCode)
	}
	if res.WWWAuthenticate == "" {
		t.Fatalf("expected WWW-Authenticate to be relayed, got empty")
	}
}
