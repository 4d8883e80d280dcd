package upstream

import "crypto/tls"

// insecureTLSConfig returns a *tls.Config with certificate verification
// disabled. Used only when an upstream is explicitly configured with
// skip_tls_verify (e.g. a self-hosted registry behind a dev/staging cert).
func insecureTLSConfig() *tls.Config {
	return &tls.Config{InsecureSkipVerify: true} //nolint:gosec // operator opt-in, not a default
}
