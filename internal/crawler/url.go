package crawler

import (
	"net/url"
	"strings"
)

// NormalizeURL produces the canonical form used for visited-set membership.
// It lowercases the scheme and host and removes the fragment. Path, query and
// port are kept as-is. It reports false when the input has no scheme or host.
func NormalizeURL(rawURL string) (string, bool) {
	if rawURL == "" {
		return "", false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if u.Scheme == "" || u.Host == "" {
		return "", false
	}

	u.Fragment = ""
	u.RawFragment = ""
	u.ForceQuery = false

	return u.String(), true
}

// ResolveURL resolves ref against base. It never fails; when either side
// cannot be parsed the reference is returned unchanged.
func ResolveURL(base, ref string) string {
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}

// IsInternal reports whether candidate is on the base host or one of its
// subdomains. Hosts compare case-insensitively, including any port.
func IsInternal(base, candidate string) bool {
	baseHost := hostOf(base)
	if baseHost == "" {
		return false
	}
	host := hostOf(candidate)
	if host == "" {
		return false
	}
	return host == baseHost || strings.HasSuffix(host, "."+baseHost)
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}
