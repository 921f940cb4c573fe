// Package patterns implements the lexical matchers that find endpoint
// candidates in JavaScript source text.
package patterns

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Matcher identifiers recorded on every candidate.
const (
	MatcherFullURL     = "full-url"
	MatcherAbsPath     = "abs-path"
	MatcherRelPath     = "rel-path"
	MatcherTemplate    = "template"
	MatcherConcatLeft  = "concat-left"
	MatcherConcatRight = "concat-right"
)

// SuspiciousChars are characters that rarely appear in a real path segment.
const SuspiciousChars = "()$'+,@~<>&="

const (
	// ContextRadius is the number of bytes kept on each side of a match.
	ContextRadius = 40
	// MaxTemplateContext caps the unmasked template body kept as context.
	MaxTemplateContext = 200
	// ExprToken replaces every ${...} interpolation in template literals.
	ExprToken = "EXPR"

	cancelEvery = 256
)

const (
	pct      = `%[0-9A-Fa-f]{2}`
	pchar    = `[A-Za-z0-9\-._~!$&'()*+,;=:@]`
	pcharSl  = `[A-Za-z0-9\-._~!$&'()*+,;=:@/]`
	querychr = `[A-Za-z0-9\-._~!$&'()*+,;=:@/?]`
	query    = `(?:\?(?:` + pct + `|` + querychr + `)*)?`
)

var (
	fullURLRe     = regexp.MustCompile(`(?i)(https?://[^\s"'\\<>]+)`)
	absPathRe     = regexp.MustCompile(`["'](/(?:` + pct + `|` + pcharSl + `)+` + query + `)["']`)
	relPathRe     = regexp.MustCompile(`["']((?:` + pct + `|` + pchar + `)(?:` + pct + `|` + pcharSl + `)*` + query + `)["']`)
	templateRe    = regexp.MustCompile("`([^`]+)`")
	exprRe        = regexp.MustCompile(`\$\{[^}]+\}`)
	concatLeftRe  = regexp.MustCompile(`"([^"]*)"\s*\+\s*([A-Za-z0-9_$.]+)`)
	concatRightRe = regexp.MustCompile(`([A-Za-z0-9_$.]+)\s*\+\s*"([^"]*)"`)
	alnumRe       = regexp.MustCompile(`[A-Za-z0-9]`)
)

var errStop = errors.New("stop")

// Match is one candidate found in a source text.
type Match struct {
	Text       string // full matched text
	Value      string // candidate endpoint value
	MatcherID  string
	Kind       Kind
	Start      int
	End        int
	Context    string
	Suspicious bool // literal part of a concatenation looks like code, not a path
}

// Set applies every matcher to a source text. It holds no mutable state and
// is safe for concurrent use.
type Set struct {
	matchers []func(ctx context.Context, src string, emit func(Match) bool) error
}

// Default returns the standard matcher set in application order: full URL,
// absolute path, relative path, template literal, left and right
// concatenation.
func Default() *Set {
	return &Set{
		matchers: []func(context.Context, string, func(Match) bool) error{
			scanFullURLs,
			scanAbsPaths,
			scanRelPaths,
			scanTemplates,
			scanConcatLeft,
			scanConcatRight,
		},
	}
}

// Scan streams every candidate in src to fn, in matcher order. Returning
// false from fn stops the scan. The context is checked between matchers and
// periodically inside each one; a cancelled scan returns ctx.Err().
func (s *Set) Scan(ctx context.Context, src string, fn func(Match) bool) error {
	if strings.TrimSpace(src) == "" {
		return nil
	}
	for _, m := range s.matchers {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m(ctx, src, fn); err != nil {
			if err == errStop {
				return nil
			}
			return err
		}
	}
	return nil
}

// FindAll returns every candidate in src.
func (s *Set) FindAll(src string) []Match {
	var out []Match
	_ = s.Scan(context.Background(), src, func(m Match) bool {
		out = append(out, m)
		return true
	})
	return out
}

// HasSuspicious reports whether s contains any of SuspiciousChars.
func HasSuspicious(s string) bool {
	return strings.ContainsAny(s, SuspiciousChars)
}

// HasAlnum reports whether s contains an ASCII letter or digit.
func HasAlnum(s string) bool {
	return alnumRe.MatchString(s)
}

func scanFullURLs(ctx context.Context, src string, emit func(Match) bool) error {
	return walk(ctx, fullURLRe, src, nil, func(loc []int) bool {
		return emit(Match{
			Text:      src[loc[0]:loc[1]],
			Value:     src[loc[2]:loc[3]],
			MatcherID: MatcherFullURL,
			Kind:      KindAbsolute,
			Start:     loc[0],
			End:       loc[1],
			Context:   snippet(src, loc[0], loc[1]),
		})
	})
}

func scanAbsPaths(ctx context.Context, src string, emit func(Match) bool) error {
	return walk(ctx, absPathRe, src, nil, func(loc []int) bool {
		return emit(pathMatch(src, loc, MatcherAbsPath))
	})
}

func scanRelPaths(ctx context.Context, src string, emit func(Match) bool) error {
	hasSlash := func(loc []int) bool {
		return strings.Contains(src[loc[2]:loc[3]], "/")
	}
	return walk(ctx, relPathRe, src, hasSlash, func(loc []int) bool {
		return emit(pathMatch(src, loc, MatcherRelPath))
	})
}

func pathMatch(src string, loc []int, matcherID string) Match {
	return Match{
		Text:      src[loc[0]:loc[1]],
		Value:     src[loc[2]:loc[3]],
		MatcherID: matcherID,
		Kind:      KindRelative,
		Start:     loc[0],
		End:       loc[1],
		Context:   snippet(src, loc[2], loc[3]),
	}
}

func scanTemplates(ctx context.Context, src string, emit func(Match) bool) error {
	return walk(ctx, templateRe, src, nil, func(loc []int) bool {
		tpl := src[loc[2]:loc[3]]
		masked := exprRe.ReplaceAllString(tpl, ExprToken)
		snip := truncate(tpl, MaxTemplateContext)

		for _, inner := range fullURLRe.FindAllStringSubmatch(masked, -1) {
			if !emit(Match{
				Text:      src[loc[0]:loc[1]],
				Value:     inner[1],
				MatcherID: MatcherFullURL,
				Kind:      KindTemplate,
				Start:     loc[0],
				End:       loc[1],
				Context:   snip,
			}) {
				return false
			}
		}
		if strings.HasPrefix(masked, "/") {
			return emit(Match{
				Text:      src[loc[0]:loc[1]],
				Value:     masked,
				MatcherID: MatcherTemplate,
				Kind:      KindTemplate,
				Start:     loc[0],
				End:       loc[1],
				Context:   snip,
			})
		}
		return true
	})
}

// concatLiteralOK requires a slash and an alphanumeric inside the literal.
func concatLiteralOK(lit string) bool {
	return strings.Contains(lit, "/") && HasAlnum(lit)
}

func scanConcatLeft(ctx context.Context, src string, emit func(Match) bool) error {
	check := func(loc []int) bool { return concatLiteralOK(src[loc[2]:loc[3]]) }
	return walk(ctx, concatLeftRe, src, check, func(loc []int) bool {
		lit, ident := src[loc[2]:loc[3]], src[loc[4]:loc[5]]
		return emit(concatMatch(src, loc, lit+ident, lit, MatcherConcatLeft))
	})
}

func scanConcatRight(ctx context.Context, src string, emit func(Match) bool) error {
	check := func(loc []int) bool { return concatLiteralOK(src[loc[4]:loc[5]]) }
	return walk(ctx, concatRightRe, src, check, func(loc []int) bool {
		ident, lit := src[loc[2]:loc[3]], src[loc[4]:loc[5]]
		return emit(concatMatch(src, loc, ident+lit, lit, MatcherConcatRight))
	})
}

func concatMatch(src string, loc []int, value, literal, matcherID string) Match {
	return Match{
		Text:       src[loc[0]:loc[1]],
		Value:      value,
		MatcherID:  matcherID,
		Kind:       KindConcatenated,
		Start:      loc[0],
		End:        loc[1],
		Context:    snippet(src, loc[0], loc[1]),
		Suspicious: HasSuspicious(literal),
	}
}

// walk visits non-overlapping matches of re in src. A match rejected by
// accept restarts the search one byte after its start.
func walk(ctx context.Context, re *regexp.Regexp, src string, accept func(loc []int) bool, emit func(loc []int) bool) error {
	pos, seen := 0, 0
	for pos <= len(src) {
		loc := re.FindStringSubmatchIndex(src[pos:])
		if loc == nil {
			return nil
		}
		for i := range loc {
			if loc[i] >= 0 {
				loc[i] += pos
			}
		}

		seen++
		if seen%cancelEvery == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		if accept != nil && !accept(loc) {
			pos = loc[0] + 1
			continue
		}
		if !emit(loc) {
			return errStop
		}
		if loc[1] > loc[0] {
			pos = loc[1]
		} else {
			pos = loc[1] + 1
		}
	}
	return nil
}

// snippet returns up to ContextRadius bytes around [start, end), widened to
// rune boundaries.
func snippet(src string, start, end int) string {
	from := start - ContextRadius
	if from < 0 {
		from = 0
	}
	to := end + ContextRadius
	if to > len(src) {
		to = len(src)
	}
	for from > 0 && !utf8.RuneStart(src[from]) {
		from--
	}
	for to < len(src) && !utf8.RuneStart(src[to]) {
		to++
	}
	return src[from:to]
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
