package upstream

import "strings"

// bearerParams is the parsed content of a WWW-Authenticate: Bearer challenge.
type bearerParams struct {
	realm   string
	service string
	scope   string
}

const bearerPrefix = "Bearer "

// parseBearerChallenge parses a WWW-Authenticate header of the form
// `Bearer realm="...", service="...", scope="..."`, respecting quoting so
// that commas inside quoted values are not treated as parameter separators
// (spec §4.4). Not a regex: scopes routinely contain commas themselves
// (e.g. "repository:a:pull,push") so a naive split on "," would corrupt them.
func parseBearerChallenge(header string) (bearerParams, bool) {
	if !strings.HasPrefix(header, bearerPrefix) {
		return bearerParams{}, false
	}
	rest := header[len(bearerPrefix):]

	var params bearerParams
	found := false
	for _, kv := range splitRespectingQuotes(rest) {
		kv = strings.TrimSpace(kv)
		if kv == "" {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			continue
		}
		key := strings.TrimSpace(kv[:eq])
		val := strings.TrimSpace(kv[eq+1:])
		val = strings.Trim(val, `"`)

		switch key {
		case "realm":
			params.realm = val
			found = true
		case "service":
			params.service = val
		case "scope":
			params.scope = val
		}
	}
	if !found || params.realm == "" {
		return bearerParams{}, false
	}
	return params, true
}

// splitRespectingQuotes splits s on top-level commas, ignoring commas that
// occur inside a double-quoted span.
func splitRespectingQuotes(s string) []string {
	var parts []string
	var current strings.Builder
	inQuotes := false

	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch == '"':
			inQuotes = !inQuotes
			current.WriteByte(ch)
		case ch == ',' && !inQuotes:
			parts = append(parts, current.String())
			current.Reset()
		default:
			current.WriteByte(ch)
		}
	}
	parts = append(parts, current.String())
	return parts
}
