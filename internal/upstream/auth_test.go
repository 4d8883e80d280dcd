package upstream

import "testing"

func TestParseBearerChallenge(t *testing.T) {
	header := `Bearer realm="https://auth.docker.io/token",service="registry.docker.io",scope="repository:library/alpine:pull,push"`
	params, ok := parseBearerChallenge(header)
	if !ok {
		t.Fatalf("parseBearerChallenge failed to parse %q", header)
	}
	if params.realm != "https://auth.docker.io/token" {
		t.Fatalf("realm = %q", params.realm)
	}
	if params.service != "registry.docker.io" {
		t.Fatalf("service = %q", params.service)
	}
	if params.scope != "repository:library/alpine:pull,push" {
		t.Fatalf("scope = %q, want comma preserved inside quotes", params.scope)
	}
}

func TestParseBearerChallengeNotBearer(t *testing.T) {
	if _, ok := parseBearerChallenge(`Basic realm="example"`); ok {
		t.Fatalf("expected ok=false for non-Bearer scheme")
	}
}

func TestParseBearerChallengeMissingRealm(t *testing.T) {
	if _, ok := parseBearerChallenge(`Bearer service="x"`); ok {
		t.Fatalf("expected ok=false when realm is absent")
	}
}

func TestSplitRespectingQuotes(t *testing.T) {
	got := splitRespectingQuotes(`a="1,2",b="3"`)
	want := []string{`a="1,2"`, `b="3"`}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d (%v)", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("part %d = %q, want %q", i, got[i], want[i])
		}
	}
}
