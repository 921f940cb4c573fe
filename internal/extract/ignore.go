package extract

import "strings"

// DefaultIgnoredOrigins are library bundles not worth scanning.
var DefaultIgnoredOrigins = []string{
	"jquery",
	"bootstrap",
	"google-analytics",
	"gtag.js",
	"gpt.js",
}

// DefaultIgnoredValues are common false positives of the path matchers.
var DefaultIgnoredValues = []string{
	"text/plain",
}

// Ignore holds the skip policies. Origins are case-insensitive substrings
// matched against the body origin; Values are exact endpoint values.
type Ignore struct {
	Origins []string `json:"origins" yaml:"origins"`
	Values  []string `json:"values" yaml:"values"`
}

// DefaultIgnore returns the default ignore lists.
func DefaultIgnore() Ignore {
	return Ignore{
		Origins: append([]string(nil), DefaultIgnoredOrigins...),
		Values:  append([]string(nil), DefaultIgnoredValues...),
	}
}

func (ig Ignore) normalized() Ignore {
	out := Ignore{}
	for _, o := range ig.Origins {
		if o = strings.ToLower(strings.TrimSpace(o)); o != "" {
			out.Origins = append(out.Origins, o)
		}
	}
	for _, v := range ig.Values {
		if v != "" {
			out.Values = append(out.Values, v)
		}
	}
	return out
}

// OriginIgnored reports whether origin contains any ignored substring.
func (ig Ignore) OriginIgnored(origin string) bool {
	if origin == "" || len(ig.Origins) == 0 {
		return false
	}
	lower := strings.ToLower(origin)
	for _, sub := range ig.Origins {
		if sub != "" && strings.Contains(lower, strings.ToLower(sub)) {
			return true
		}
	}
	return false
}

// ValueIgnored reports whether value is on the exact-match list.
func (ig Ignore) ValueIgnored(value string) bool {
	for _, v := range ig.Values {
		if v == value {
			return true
		}
	}
	return false
}
