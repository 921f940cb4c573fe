package scope

// Rules defines which hosts and URLs count as in scope.
type Rules struct {
	// TargetHosts are in scope together with their subdomains.
	TargetHosts     []string `json:"target_hosts" yaml:"target_hosts"`
	IncludePatterns []string `json:"include_patterns" yaml:"include_patterns"`
	ExcludePatterns []string `json:"exclude_patterns" yaml:"exclude_patterns"`
}

// Empty reports whether no rule is configured.
func (r Rules) Empty() bool {
	return len(r.TargetHosts) == 0 && len(r.IncludePatterns) == 0 && len(r.ExcludePatterns) == 0
}
