package patterns

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"
)

func findBy(matches []Match, matcherID string) []Match {
	var out []Match
	for _, m := range matches {
		if m.MatcherID == matcherID {
			out = append(out, m)
		}
	}
	return out
}

func hasValue(matches []Match, matcherID, value string) bool {
	for _, m := range findBy(matches, matcherID) {
		if m.Value == value {
			return true
		}
	}
	return false
}

// =============================================================================
// Matcher Tests
// =============================================================================

func TestSet_Matchers(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		matcher string
		value   string
		kind    Kind
	}{
		{
			name:    "full url",
			src:     `var u = "https://api.test/v1/items?x=1";`,
			matcher: MatcherFullURL,
			value:   "https://api.test/v1/items?x=1",
			kind:    KindAbsolute,
		},
		{
			name:    "full url upper-case scheme",
			src:     `a = 'HTTPS://Api.Test/x'`,
			matcher: MatcherFullURL,
			value:   "HTTPS://Api.Test/x",
			kind:    KindAbsolute,
		},
		{
			name:    "absolute path",
			src:     `fetch('/api/users')`,
			matcher: MatcherAbsPath,
			value:   "/api/users",
			kind:    KindRelative,
		},
		{
			name:    "absolute path with query",
			src:     `get("/search?q=a&page=2")`,
			matcher: MatcherAbsPath,
			value:   "/search?q=a&page=2",
			kind:    KindRelative,
		},
		{
			name:    "absolute path percent encoded",
			src:     `x = "/files/a%20b.txt"`,
			matcher: MatcherAbsPath,
			value:   "/files/a%20b.txt",
			kind:    KindRelative,
		},
		{
			name:    "relative path",
			src:     `load("static/js/app.js")`,
			matcher: MatcherRelPath,
			value:   "static/js/app.js",
			kind:    KindRelative,
		},
		{
			name:    "template literal",
			src:     "fetch(`/api/${userId}/profile`)",
			matcher: MatcherTemplate,
			value:   "/api/EXPR/profile",
			kind:    KindTemplate,
		},
		{
			name:    "url inside template literal",
			src:     "s.src = `https://cdn.test/${ver}/a.js`",
			matcher: MatcherFullURL,
			value:   "https://cdn.test/EXPR/a.js",
			kind:    KindTemplate,
		},
		{
			name:    "concat literal then identifier",
			src:     `fetch("/api/v1/users?id=" + uid)`,
			matcher: MatcherConcatLeft,
			value:   "/api/v1/users?id=uid",
			kind:    KindConcatenated,
		},
		{
			name:    "concat identifier then literal",
			src:     `url = cfg.base + "/items/list"`,
			matcher: MatcherConcatRight,
			value:   "cfg.base/items/list",
			kind:    KindConcatenated,
		},
	}

	set := Default()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			matches := findBy(set.FindAll(tt.src), tt.matcher)
			for _, m := range matches {
				if m.Value == tt.value {
					if m.Kind != tt.kind {
						t.Errorf("Kind = %v, want %v", m.Kind, tt.kind)
					}
					if m.Start < 0 || m.End > len(tt.src) || m.Start >= m.End {
						t.Errorf("bad span [%d,%d)", m.Start, m.End)
					}
					if m.Text != tt.src[m.Start:m.End] {
						t.Errorf("Text = %q, want span text %q", m.Text, tt.src[m.Start:m.End])
					}
					return
				}
			}
			t.Errorf("no %s match with value %q in %+v", tt.matcher, tt.value, matches)
		})
	}
}

func TestSet_NoMatch(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		matcher string
	}{
		{"absolute path needs segment", `x = "/"`, MatcherAbsPath},
		{"relative path needs slash", `x = "hello"`, MatcherRelPath},
		{"relative path never starts with slash", `x = "/a/b"`, MatcherRelPath},
		{"concat literal without slash", `msg = "hello" + name`, MatcherConcatLeft},
		{"concat literal without alnum", `p = "/" + id`, MatcherConcatLeft},
		{"template without leading slash", "t = `hello ${name}`", MatcherTemplate},
	}

	set := Default()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := findBy(set.FindAll(tt.src), tt.matcher); len(got) != 0 {
				t.Errorf("expected no %s matches, got %+v", tt.matcher, got)
			}
		})
	}
}

func TestSet_EmptyInput(t *testing.T) {
	set := Default()
	for _, src := range []string{"", "   ", "\n\t\n"} {
		if got := set.FindAll(src); len(got) != 0 {
			t.Errorf("FindAll(%q) = %v, want none", src, got)
		}
	}
}

// =============================================================================
// Template Masking Tests
// =============================================================================

func TestSet_TemplateKeepsUnmaskedContext(t *testing.T) {
	src := "fetch(`/api/${userId}/profile`)"
	matches := findBy(Default().FindAll(src), MatcherTemplate)
	if len(matches) != 1 {
		t.Fatalf("expected 1 template match, got %d", len(matches))
	}

	m := matches[0]
	if !strings.Contains(m.Value, ExprToken) {
		t.Errorf("Value = %q, want %s token", m.Value, ExprToken)
	}
	if strings.Contains(m.Value, "${") {
		t.Errorf("Value = %q still has interpolation", m.Value)
	}
	if m.Context != "/api/${userId}/profile" {
		t.Errorf("Context = %q, want unmasked template", m.Context)
	}
}

func TestSet_TemplateContextCapped(t *testing.T) {
	src := "`/" + strings.Repeat("a", 500) + "`"
	matches := findBy(Default().FindAll(src), MatcherTemplate)
	if len(matches) != 1 {
		t.Fatalf("expected 1 template match, got %d", len(matches))
	}
	if len(matches[0].Context) != MaxTemplateContext {
		t.Errorf("Context length = %d, want %d", len(matches[0].Context), MaxTemplateContext)
	}
}

// =============================================================================
// Concatenation Tests
// =============================================================================

func TestSet_ConcatSuspiciousLiteral(t *testing.T) {
	tests := []struct {
		src        string
		suspicious bool
	}{
		{`a = "/api/v1/users?id=" + uid`, true},
		{`a = "/api/(x)/" + id`, true},
		{`a = "/api/items/" + id`, false},
		{`a = base + "/v2/orders"`, false},
		{`a = base + "/v2/@me"`, true},
	}

	set := Default()
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			var concat []Match
			for _, m := range set.FindAll(tt.src) {
				if m.Kind == KindConcatenated {
					concat = append(concat, m)
				}
			}
			if len(concat) != 1 {
				t.Fatalf("expected 1 concat match, got %+v", concat)
			}
			if concat[0].Suspicious != tt.suspicious {
				t.Errorf("Suspicious = %v, want %v", concat[0].Suspicious, tt.suspicious)
			}
		})
	}
}

func TestSet_ConcatRejectedLiteralDoesNotHideLaterMatch(t *testing.T) {
	src := `a = "x" + b; c = "/api/next" + d`
	if !hasValue(Default().FindAll(src), MatcherConcatLeft, "/api/nextd") {
		t.Error("expected concat match after rejected literal")
	}
}

// =============================================================================
// Ordering, Context and Cancellation Tests
// =============================================================================

func TestSet_MatcherOrder(t *testing.T) {
	src := `fetch("/api/v1/users?id=" + uid); x = "https://a.test/z"`
	matches := Default().FindAll(src)

	rank := map[string]int{
		MatcherFullURL:     0,
		MatcherAbsPath:     1,
		MatcherRelPath:     2,
		MatcherTemplate:    3,
		MatcherConcatLeft:  4,
		MatcherConcatRight: 5,
	}
	last := -1
	for _, m := range matches {
		r := rank[m.MatcherID]
		if r < last {
			t.Fatalf("matcher %s emitted after a later matcher", m.MatcherID)
		}
		last = r
	}
	if !hasValue(matches, MatcherAbsPath, "/api/v1/users?id=") {
		t.Error("expected abs-path match for the literal")
	}
}

func TestSet_ContextWindow(t *testing.T) {
	pad := strings.Repeat(" ", 100)
	src := pad + `"/api/p"` + pad
	matches := findBy(Default().FindAll(src), MatcherAbsPath)
	if len(matches) != 1 {
		t.Fatalf("expected 1 match, got %d", len(matches))
	}
	want := 2*ContextRadius + len("/api/p")
	if len(matches[0].Context) != want {
		t.Errorf("Context length = %d, want %d", len(matches[0].Context), want)
	}
}

func TestSet_ContextRuneBoundary(t *testing.T) {
	src := strings.Repeat("é", 30) + `"/api/p"` + strings.Repeat("ü", 30)
	matches := findBy(Default().FindAll(src), MatcherAbsPath)
	if len(matches) != 1 {
		t.Fatalf("expected 1 match, got %d", len(matches))
	}
	for _, r := range matches[0].Context {
		if r == utf8.RuneError {
			t.Fatal("context split a multi-byte rune")
		}
	}
}

func TestSet_ScanStopsEarly(t *testing.T) {
	src := `a("/one"); b("/two"); c("/three")`
	count := 0
	err := Default().Scan(context.Background(), src, func(Match) bool {
		count++
		return false
	})
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if count != 1 {
		t.Errorf("callback ran %d times, want 1", count)
	}
}

func TestSet_ScanCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Default().Scan(ctx, `fetch("/api")`, func(Match) bool { return true })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Scan() error = %v, want context.Canceled", err)
	}
}

func TestSet_LargeInputCancelledMidMatcher(t *testing.T) {
	src := strings.Repeat(`x("/a/b");`, 20000)
	ctx, cancel := context.WithCancel(context.Background())

	seen := 0
	err := Default().Scan(ctx, src, func(Match) bool {
		seen++
		if seen == 10 {
			cancel()
		}
		return true
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Scan() error = %v, want context.Canceled", err)
	}
	if seen >= 20000 {
		t.Errorf("scan was not preempted: %d matches", seen)
	}
}

func TestSet_Deterministic(t *testing.T) {
	src := "a(\"/x/y\"); b(`/t/${v}`); c = \"/c/\" + d; e = \"https://e.test/q\""
	set := Default()
	first := set.FindAll(src)
	second := set.FindAll(src)
	if len(first) != len(second) {
		t.Fatalf("len mismatch %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("match %d differs: %+v vs %+v", i, first[i], second[i])
		}
	}
}

// =============================================================================
// Kind Tests
// =============================================================================

func TestKind_TextRoundTrip(t *testing.T) {
	for _, k := range []Kind{KindAbsolute, KindRelative, KindTemplate, KindConcatenated, KindManual} {
		text, _ := k.MarshalText()
		var got Kind
		if err := got.UnmarshalText(text); err != nil {
			t.Fatalf("UnmarshalText(%s) error = %v", text, err)
		}
		if got != k {
			t.Errorf("round trip %v -> %v", k, got)
		}
	}
}

func TestParseKind_Legacy(t *testing.T) {
	tests := map[string]Kind{
		"ABSOLUTE": KindAbsolute,
		"CONCAT":   KindConcatenated,
		"Manual":   KindManual,
	}
	for in, want := range tests {
		got, err := ParseKind(in)
		if err != nil || got != want {
			t.Errorf("ParseKind(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseKind("sideways"); err == nil {
		t.Error("expected error for unknown kind")
	}

	var k Kind
	if err := k.UnmarshalText([]byte("sideways")); err != nil || k != KindUnknown {
		t.Errorf("UnmarshalText(unknown) = %v, %v", k, err)
	}
}
