// Package readiness detects when a freshly started server is joinable by
// watching its console output for a join address.
package readiness

import (
	"net/url"
	"regexp"
	"strings"
)

// DefaultDomain is the host that serves join links for the managed servers.
const DefaultDomain = "acstuff.ru"

var urlPattern = regexp.MustCompile(`(?i)https?://\S+`)

// Matcher recognises join addresses belonging to Domain (or its subdomains).
// An empty Domain accepts any http(s) URL.
type Matcher struct {
	Domain string
}

// Match returns the first join address found in line.
func (m Matcher) Match(line string) (string, bool) {
	domain := strings.ToLower(strings.TrimSpace(m.Domain))
	for _, candidate := range urlPattern.FindAllString(line, -1) {
		u, err := url.Parse(candidate)
		if err != nil || u.Host == "" {
			continue
		}
		if domain == "" {
			return candidate, true
		}
		host := strings.ToLower(u.Hostname())
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return candidate, true
		}
	}
	return "", false
}
