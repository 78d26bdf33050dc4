// util.go: Helpers for identifier resolution and request heuristics
package ratelimit

import (
	"net"
	"regexp"
	"strconv"
	"strings"
)

// Identifier resolves the rate limit identifier for rc. Precedence is the
// category key generator, the authenticated user, forwarded client IP
// headers, the socket address and finally the loopback sentinel.
func (rc RequestContext) Identifier(cfg Config) string {
	if cfg.KeyGenerator != nil {
		if id := strings.TrimSpace(cfg.KeyGenerator(rc)); id != "" {
			return id
		}
	}
	if uid := strings.TrimSpace(rc.UserID); uid != "" {
		return "user:" + uid
	}
	if ip := rc.ClientIP(); ip != "" {
		return ip
	}
	return LoopbackIdentifier
}

// DefaultIdentifier resolves the identifier without a key generator; the
// attack detectors key on it.
func (rc RequestContext) DefaultIdentifier() string {
	return rc.Identifier(Config{})
}

// ClientIP returns the best-effort client address, or "" when none is known.
func (rc RequestContext) ClientIP() string {
	if xff := rc.ForwardedFor; xff != "" {
		first := xff
		if i := strings.IndexByte(xff, ','); i >= 0 {
			first = xff[:i]
		}
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	for _, h := range []string{rc.RealIP, rc.CFConnectingIP} {
		if ip := strings.TrimSpace(h); ip != "" {
			return ip
		}
	}
	return hostOnly(rc.RemoteAddr)
}

func hostOnly(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

var suspiciousAgents = []string{
	"bot", "crawler", "spider", "scraper", "curl", "wget",
	"python-requests", "python-urllib", "httpclient", "java/",
	"go-http-client", "libwww", "scrapy", "headless", "phantomjs",
}

// IsSuspiciousUserAgent matches ua against known automation substrings.
func IsSuspiciousUserAgent(ua string) bool {
	if ua == "" {
		return false
	}
	ua = strings.ToLower(ua)
	for _, s := range suspiciousAgents {
		if strings.Contains(ua, s) {
			return true
		}
	}
	return false
}

var (
	numericSegment = regexp.MustCompile(`^\d+$`)
	uuidSegment    = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	lookupPath     = regexp.MustCompile(`(?i)/(users|accounts|profiles|orders|members)/[^/]+`)
	idQuery        = regexp.MustCompile(`(?i)(^|[?&])[a-z_]*id=`)
)

// IsEnumerationPath reports whether path looks like a per-object lookup:
// a numeric or UUID segment, a lookup in a user-like collection, or an id
// query parameter.
func IsEnumerationPath(path string) bool {
	p, query, _ := strings.Cut(path, "?")
	if query != "" && idQuery.MatchString("?"+query) {
		return true
	}
	if lookupPath.MatchString(p) {
		return true
	}
	for _, seg := range strings.Split(strings.Trim(p, "/"), "/") {
		if numericSegment.MatchString(seg) || uuidSegment.MatchString(seg) {
			return true
		}
	}
	return false
}

func formatInt(n int64) string {
	return strconv.FormatInt(n, 10)
}
