package scope

import "strings"

// RuleBuilder helps build scope rules.
type RuleBuilder struct {
	rules Rules
}

// NewRuleBuilder creates a new rule builder.
func NewRuleBuilder() *RuleBuilder {
	return &RuleBuilder{}
}

// WithTargetHosts adds target hosts. Entries may be bare hosts or URLs.
func (b *RuleBuilder) WithTargetHosts(hosts ...string) *RuleBuilder {
	for _, h := range hosts {
		if h = normalizeHost(h); h != "" {
			b.rules.TargetHosts = append(b.rules.TargetHosts, h)
		}
	}
	return b
}

// WithIncludePatterns adds include patterns.
func (b *RuleBuilder) WithIncludePatterns(patterns ...string) *RuleBuilder {
	b.rules.IncludePatterns = append(b.rules.IncludePatterns, patterns...)
	return b
}

// WithExcludePatterns adds exclude patterns.
func (b *RuleBuilder) WithExcludePatterns(patterns ...string) *RuleBuilder {
	b.rules.ExcludePatterns = append(b.rules.ExcludePatterns, patterns...)
	return b
}

// Build returns the configured rules.
func (b *RuleBuilder) Build() Rules {
	return b.rules
}

// normalizeHost reduces "https://Example.com:8443/x" or "Example.com" to
// "example.com:8443" / "example.com".
func normalizeHost(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	if i := strings.Index(h, "://"); i >= 0 {
		h = h[i+3:]
	}
	if i := strings.IndexAny(h, "/?#"); i >= 0 {
		h = h[:i]
	}
	h = strings.TrimPrefix(h, "*.")
	return strings.TrimSuffix(h, ".")
}
