// Package scope decides whether discovered URLs belong to the assessment
// target and normalizes URLs to origins.
package scope

import (
	"net/url"
	"regexp"
	"strings"
	"sync"
)

// Checker validates URLs against scope rules.
type Checker struct {
	mu             sync.RWMutex
	rules          Rules
	targetHosts    map[string]struct{}
	includeRegexps []*regexp.Regexp
	excludeRegexps []*regexp.Regexp
}

// NewChecker creates a new scope checker. With no rules nothing is in scope.
func NewChecker(rules Rules) (*Checker, error) {
	c := &Checker{targetHosts: make(map[string]struct{})}

	for _, pattern := range rules.IncludePatterns {
		if err := c.AddIncludePattern(pattern); err != nil {
			return nil, err
		}
	}
	for _, pattern := range rules.ExcludePatterns {
		if err := c.AddExcludePattern(pattern); err != nil {
			return nil, err
		}
	}
	for _, host := range rules.TargetHosts {
		c.AddTargetHost(host)
	}
	return c, nil
}

// IsInScope reports whether urlStr is an http(s) URL on a target host or
// matching an include pattern, and not matching an exclude pattern.
func (c *Checker) IsInScope(urlStr string) bool {
	if c == nil {
		return false
	}

	parsed, err := url.Parse(strings.TrimSpace(urlStr))
	if err != nil || parsed.Host == "" {
		return false
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	// Exclude patterns win
	for _, re := range c.excludeRegexps {
		if re.MatchString(urlStr) {
			return false
		}
	}

	if c.isHostTargeted(parsed) {
		return true
	}
	for _, re := range c.includeRegexps {
		if re.MatchString(urlStr) {
			return true
		}
	}
	return false
}

// RefererInScope is IsInScope for a referer, which may be a bare origin.
// An empty referer is never in scope.
func (c *Checker) RefererInScope(referer string) bool {
	if strings.TrimSpace(referer) == "" {
		return false
	}
	return c.IsInScope(referer)
}

func (c *Checker) isHostTargeted(u *url.URL) bool {
	host := strings.ToLower(u.Hostname())
	hostPort := strings.ToLower(u.Host)

	for target := range c.targetHosts {
		candidate := host
		if strings.Contains(target, ":") {
			candidate = hostPort
		}
		if candidate == target || strings.HasSuffix(candidate, "."+target) {
			return true
		}
	}
	return false
}

// AddTargetHost adds a host (or URL) to the target set.
func (c *Checker) AddTargetHost(host string) {
	h := normalizeHost(host)
	if h == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.targetHosts[h]; !ok {
		c.targetHosts[h] = struct{}{}
		c.rules.TargetHosts = append(c.rules.TargetHosts, h)
	}
}

// AddIncludePattern adds an include pattern.
func (c *Checker) AddIncludePattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.includeRegexps = append(c.includeRegexps, re)
	c.rules.IncludePatterns = append(c.rules.IncludePatterns, pattern)
	return nil
}

// AddExcludePattern adds an exclude pattern.
func (c *Checker) AddExcludePattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.excludeRegexps = append(c.excludeRegexps, re)
	c.rules.ExcludePatterns = append(c.rules.ExcludePatterns, pattern)
	return nil
}

// Rules returns a copy of the active rules.
func (c *Checker) Rules() Rules {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Rules{
		TargetHosts:     append([]string(nil), c.rules.TargetHosts...),
		IncludePatterns: append([]string(nil), c.rules.IncludePatterns...),
		ExcludePatterns: append([]string(nil), c.rules.ExcludePatterns...),
	}
}

// OriginOf returns "scheme://host[:port]" for an absolute URL, or "" when
// rawURL has no scheme or host. Default ports are dropped.
func OriginOf(rawURL string) string {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return ""
	}
	scheme := strings.ToLower(parsed.Scheme)
	host := strings.ToLower(parsed.Host)
	if (scheme == "http" && strings.HasSuffix(host, ":80")) ||
		(scheme == "https" && strings.HasSuffix(host, ":443")) {
		host = host[:strings.LastIndex(host, ":")]
	}
	return scheme + "://" + host
}

// HostPath returns "host path" for a URL, the source label used for
// parameters seen in traffic.
func HostPath(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	path := parsed.Path
	if path == "" {
		path = "/"
	}
	return parsed.Host + " " + path
}

// NormalizeURL normalizes a URL for use as a lookup key.
func NormalizeURL(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}

	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.ToLower(parsed.Host)

	// Remove default ports
	if (parsed.Scheme == "http" && strings.HasSuffix(parsed.Host, ":80")) ||
		(parsed.Scheme == "https" && strings.HasSuffix(parsed.Host, ":443")) {
		parsed.Host = parsed.Host[:strings.LastIndex(parsed.Host, ":")]
	}

	parsed.Fragment = ""
	if parsed.Path == "" {
		parsed.Path = "/"
	}
	return parsed.String(), nil
}

// ResolveURL resolves a relative URL against a base URL.
func ResolveURL(baseURL, relativeURL string) (string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}

	ref, err := url.Parse(relativeURL)
	if err != nil {
		return "", err
	}

	return base.ResolveReference(ref).String(), nil
}
