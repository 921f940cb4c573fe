// Package confidence decides whether an endpoint candidate is uncertain.
package confidence

import (
	"strings"

	"github.com/PentesterFlow/ParamHarvest/internal/patterns"
)

// Classify reports whether a candidate should be marked uncertain. The rules
// are OR'd:
//   - a path matcher produced it and the part before the first '?' contains
//     any of patterns.SuspiciousChars
//   - it has no ASCII letter or digit at all
//   - a concatenation matcher flagged its literal as suspicious
//
// Uncertain candidates are still stored; the flag only segregates them.
func Classify(value string, kind patterns.Kind, matcherID string, suspiciousLiteral bool) bool {
	if fromPathMatcher(kind, matcherID) && patterns.HasSuspicious(pathPart(value)) {
		return true
	}
	if value != "" && !patterns.HasAlnum(value) {
		return true
	}
	if suspiciousLiteral && isConcat(matcherID) {
		return true
	}
	return false
}

// ClassifyMatch is Classify applied to a pattern match.
func ClassifyMatch(m patterns.Match) bool {
	return Classify(m.Value, m.Kind, m.MatcherID, m.Suspicious)
}

func fromPathMatcher(kind patterns.Kind, matcherID string) bool {
	if kind != patterns.KindRelative {
		return false
	}
	return matcherID == patterns.MatcherAbsPath || matcherID == patterns.MatcherRelPath
}

func isConcat(matcherID string) bool {
	return matcherID == patterns.MatcherConcatLeft || matcherID == patterns.MatcherConcatRight
}

func pathPart(value string) string {
	if i := strings.IndexByte(value, '?'); i >= 0 {
		return value[:i]
	}
	return value
}
