package aggregate

import (
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/PentesterFlow/ParamHarvest/internal/patterns"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(opts ...StoreOption) *Store {
	opts = append([]StoreOption{WithClock(func() time.Time { return testNow })}, opts...)
	return NewStore(opts...)
}

func endpoint(value, origin string) EndpointRecord {
	return EndpointRecord{
		Value:     value,
		Origin:    origin,
		Kind:      patterns.KindRelative,
		MatcherID: patterns.MatcherAbsPath,
		Context:   "fetch('" + value + "')",
	}
}

// =============================================================================
// Parameter Tests
// =============================================================================

func TestUpsertParameter(t *testing.T) {
	s := newTestStore()

	if !s.UpsertParameter("id", "a.test /x", TypeQuery, "1") {
		t.Error("first upsert should create")
	}
	if s.UpsertParameter("id", "b.test /y", TypeJSON, "2") {
		t.Error("second upsert should not create")
	}
	s.UpsertParameter("id", "a.test /x", TypeQuery, "1")

	p, ok := s.Parameter("id")
	if !ok {
		t.Fatal("parameter missing")
	}
	if p.Count != 3 {
		t.Errorf("Count = %d, want 3", p.Count)
	}
	if !reflect.DeepEqual(p.Sources, []string{"a.test /x", "b.test /y"}) {
		t.Errorf("Sources = %v", p.Sources)
	}
	if !reflect.DeepEqual(p.Types, []string{TypeQuery, TypeJSON}) {
		t.Errorf("Types = %v", p.Types)
	}
	if !reflect.DeepEqual(p.Examples, []string{"1", "2"}) {
		t.Errorf("Examples = %v", p.Examples)
	}
	if !p.FirstSeen.Equal(testNow) || !p.LastSeen.Equal(testNow) {
		t.Errorf("timestamps = %v / %v", p.FirstSeen, p.LastSeen)
	}
}

func TestUpsertParameter_ExampleCap(t *testing.T) {
	s := newTestStore()
	for _, v := range []string{"a", "b", "a", "c", "d", ""} {
		s.UpsertParameter("q", "o", TypeQuery, v)
	}
	p, _ := s.Parameter("q")
	if !reflect.DeepEqual(p.Examples, []string{"a", "b", "c"}) {
		t.Errorf("Examples = %v, want [a b c]", p.Examples)
	}
}

func TestUpsertParameter_BlankName(t *testing.T) {
	s := newTestStore()
	for _, name := range []string{"", "   ", "\t"} {
		if s.UpsertParameter(name, "o", TypeQuery, "x") {
			t.Errorf("blank name %q created a record", name)
		}
		s.MarkOnlyInCode(name, "full-url")
	}
	if n := len(s.SnapshotParameters()); n != 0 {
		t.Errorf("store has %d parameters, want 0", n)
	}
}

func TestUpsertParameter_CaseSensitive(t *testing.T) {
	s := newTestStore()
	s.UpsertParameter("Token", "o", "", "")
	s.UpsertParameter("token", "o", "", "")
	if n := len(s.SnapshotParameters()); n != 2 {
		t.Errorf("got %d parameters, want 2", n)
	}
}

func TestMarkOnlyInCode(t *testing.T) {
	s := newTestStore()
	s.MarkOnlyInCode("page", patterns.MatcherFullURL)
	s.MarkOnlyInCode("page", patterns.MatcherFullURL)
	s.MarkOnlyInCode("page", patterns.MatcherTemplate)

	p, ok := s.Parameter("page")
	if !ok {
		t.Fatal("MarkOnlyInCode should create the record")
	}
	if !p.OnlyInCode {
		t.Error("OnlyInCode not set")
	}
	if p.Count != 0 {
		t.Errorf("Count = %d, want 0", p.Count)
	}
	if !reflect.DeepEqual(p.PatternsFromJS, []string{patterns.MatcherFullURL, patterns.MatcherTemplate}) {
		t.Errorf("PatternsFromJS = %v", p.PatternsFromJS)
	}
}

func TestMarkParameterFalsePositive(t *testing.T) {
	s := newTestStore()
	if s.MarkParameterFalsePositive("missing", true) {
		t.Error("marking a missing parameter should report false")
	}
	s.UpsertParameter("x", "o", "", "")
	if !s.MarkParameterFalsePositive("x", true) {
		t.Fatal("mark failed")
	}
	p, _ := s.Parameter("x")
	if !p.FalsePositive {
		t.Error("flag not set")
	}
}

func TestSnapshotParameters_Sorted(t *testing.T) {
	s := newTestStore()
	for _, n := range []string{"zeta", "alpha", "mid"} {
		s.UpsertParameter(n, "o", "", "")
	}
	var names []string
	for _, p := range s.SnapshotParameters() {
		names = append(names, p.Name)
	}
	if !reflect.DeepEqual(names, []string{"alpha", "mid", "zeta"}) {
		t.Errorf("order = %v", names)
	}
}

// =============================================================================
// Endpoint Tests
// =============================================================================

func TestUpsertEndpoint_Idempotent(t *testing.T) {
	s := newTestStore()
	rec := endpoint("/api/users", "https://a.test/app.js")

	if !s.UpsertEndpoint(rec) {
		t.Error("first upsert should create")
	}
	once := s.ExportEndpoints()

	if s.UpsertEndpoint(rec) {
		t.Error("second upsert should not create")
	}
	twice := s.ExportEndpoints()

	if !reflect.DeepEqual(once, twice) {
		t.Errorf("state changed on repeat upsert:\n%+v\n%+v", once, twice)
	}
}

func TestUpsertEndpoint_IdentityPartition(t *testing.T) {
	s := newTestStore()
	s.UpsertEndpoint(endpoint("/a", "x"))
	s.UpsertEndpoint(endpoint("/a", "y"))
	s.UpsertEndpoint(endpoint("/a", "x"))

	got := s.SnapshotEndpoints()
	if len(got) != 2 {
		t.Fatalf("got %d records, want 2", len(got))
	}
	if got[0].Origin != "x" || got[1].Origin != "y" {
		t.Errorf("origins = %q, %q", got[0].Origin, got[1].Origin)
	}
}

func TestUpsertEndpoint_StickyFlags(t *testing.T) {
	s := newTestStore()
	rec := endpoint("/a", "x")
	rec.InScope = true
	rec.Uncertain = true
	s.UpsertEndpoint(rec)

	rec.InScope = false
	rec.Uncertain = false
	s.UpsertEndpoint(rec)

	got, ok := s.Endpoint("x", "/a")
	if !ok {
		t.Fatal("record missing")
	}
	if !got.InScope {
		t.Error("InScope reverted to false")
	}
	if !got.Uncertain {
		t.Error("Uncertain reverted to false")
	}
}

func TestUpsertEndpoint_FirstWriteWins(t *testing.T) {
	s := newTestStore()
	first := EndpointRecord{Value: "/a", Origin: "x", Context: "one", MatcherID: patterns.MatcherAbsPath}
	second := EndpointRecord{Value: "/a", Origin: "x", Context: "two", MatcherID: patterns.MatcherRelPath, Referer: "https://ref.test"}
	third := EndpointRecord{Value: "/a", Origin: "x", Referer: "https://other.test"}

	s.UpsertEndpoint(first)
	s.UpsertEndpoint(second)
	s.UpsertEndpoint(third)

	got, _ := s.Endpoint("x", "/a")
	if got.Context != "one" {
		t.Errorf("Context = %q, want one", got.Context)
	}
	if got.MatcherID != patterns.MatcherAbsPath {
		t.Errorf("MatcherID = %q", got.MatcherID)
	}
	if got.Referer != "https://ref.test" {
		t.Errorf("Referer = %q, want first non-empty", got.Referer)
	}
	if !got.FirstSeen.Equal(testNow) {
		t.Errorf("FirstSeen = %v", got.FirstSeen)
	}
}

func TestUpsertEndpoint_FillsEmptyContext(t *testing.T) {
	s := newTestStore()
	s.UpsertEndpoint(EndpointRecord{Value: "/a", Origin: "x"})
	s.UpsertEndpoint(EndpointRecord{Value: "/a", Origin: "x", Context: "later", MatcherID: "m"})

	got, _ := s.Endpoint("x", "/a")
	if got.Context != "later" || got.MatcherID != "m" {
		t.Errorf("empty fields not filled: %+v", got)
	}
}

func TestUpsertEndpoint_BlankValue(t *testing.T) {
	s := newTestStore()
	if s.UpsertEndpoint(EndpointRecord{Value: "  ", Origin: "x"}) {
		t.Error("blank value created a record")
	}
	if c := s.Counts(); c.Endpoints+c.Uncertain != 0 {
		t.Errorf("counts = %+v", c)
	}
}

func TestMarkFalsePositive(t *testing.T) {
	s := newTestStore()
	if s.MarkFalsePositive("/a", "x", true) {
		t.Error("marking a missing record should report false")
	}
	if len(s.ExportEndpoints()) != 0 {
		t.Fatal("MarkFalsePositive created a record")
	}

	s.UpsertEndpoint(endpoint("/a", "x"))
	s.UpsertEndpoint(endpoint("/a", "y"))
	if !s.MarkFalsePositive("/a", "x", true) {
		t.Fatal("mark failed")
	}

	got := s.SnapshotEndpoints()
	if len(got) != 1 || got[0].Origin != "y" {
		t.Errorf("SnapshotEndpoints = %+v", got)
	}
	if len(s.ExportEndpoints()) != 2 {
		t.Error("export should include false positives")
	}

	s.MarkFalsePositive("/a", "x", false)
	if len(s.SnapshotEndpoints()) != 2 {
		t.Error("clearing the flag should restore the record")
	}
}

func TestSnapshotPartition(t *testing.T) {
	s := newTestStore()
	for i := 0; i < 30; i++ {
		rec := endpoint(fmt.Sprintf("/p/%02d", i), fmt.Sprintf("o%d", i%3))
		rec.Uncertain = i%2 == 0
		s.UpsertEndpoint(rec)
		if i%5 == 0 {
			s.MarkFalsePositive(rec.Value, rec.Origin, true)
		}
	}

	certain := s.SnapshotEndpoints()
	uncertain := s.SnapshotUncertainEndpoints()

	seen := make(map[string]bool)
	for _, e := range certain {
		if e.Uncertain || e.FalsePositive {
			t.Errorf("certain snapshot holds %+v", e)
		}
		seen[e.Key()] = true
	}
	for _, e := range uncertain {
		if !e.Uncertain || e.FalsePositive {
			t.Errorf("uncertain snapshot holds %+v", e)
		}
		if seen[e.Key()] {
			t.Errorf("%s in both snapshots", e.Key())
		}
		seen[e.Key()] = true
	}

	nonFP := 0
	for _, e := range s.ExportEndpoints() {
		if !e.FalsePositive {
			nonFP++
		}
	}
	if len(seen) != nonFP {
		t.Errorf("union = %d, want %d", len(seen), nonFP)
	}

	for i := 1; i < len(certain); i++ {
		if certain[i-1].Value > certain[i].Value {
			t.Fatalf("snapshot not sorted at %d", i)
		}
	}
}

func TestAddManualEndpoint(t *testing.T) {
	s := newTestStore()
	if !s.AddManualEndpoint(" /admin ", "", true) {
		t.Fatal("manual endpoint not created")
	}
	got, ok := s.Endpoint("", "/admin")
	if !ok {
		t.Fatal("manual endpoint missing")
	}
	if got.Kind != patterns.KindManual || got.Uncertain || !got.InScope {
		t.Errorf("manual record = %+v", got)
	}
}

// =============================================================================
// Ignore Tests
// =============================================================================

func TestIgnoreValue(t *testing.T) {
	s := newTestStore()
	s.UpsertEndpoint(endpoint("text/plain", "x"))
	s.UpsertEndpoint(endpoint("text/plain", "y"))
	s.UpsertEndpoint(endpoint("/keep", "x"))

	if n := s.IgnoreValue("text/plain"); n != 2 {
		t.Errorf("removed %d, want 2", n)
	}
	if s.UpsertEndpoint(endpoint("text/plain", "z")) {
		t.Error("ignored value was inserted")
	}
	if got := s.ExportEndpoints(); len(got) != 1 || got[0].Value != "/keep" {
		t.Errorf("remaining = %+v", got)
	}
	if !s.IsIgnored("text/plain") {
		t.Error("IsIgnored = false")
	}
	if !reflect.DeepEqual(s.IgnoredValues(), []string{"text/plain"}) {
		t.Errorf("IgnoredValues = %v", s.IgnoredValues())
	}
}

func TestWithIgnoredValues(t *testing.T) {
	s := newTestStore(WithIgnoredValues("text/plain", ""))
	if s.UpsertEndpoint(endpoint("text/plain", "x")) {
		t.Error("seeded ignored value was inserted")
	}
	if s.Counts().Ignored != 1 {
		t.Errorf("Ignored = %d, want 1", s.Counts().Ignored)
	}
}

// =============================================================================
// Code URL Tests
// =============================================================================

func TestMergeCodeURLs(t *testing.T) {
	s := newTestStore()
	recs := []CodeURLRecord{
		{
			URL:         "/api/login",
			Method:      "POST",
			Type:        "fetch",
			Filename:    "app.js",
			QueryParams: []string{"next"},
			BodyParams:  []string{"user", "pass"},
			Origin:      "https://a.test/app.js",
		},
	}

	res := s.MergeCodeURLs(recs)
	if res.CodeURLs != 1 || res.Parameters != 3 {
		t.Errorf("result = %+v", res)
	}

	for _, name := range []string{"next", "user", "pass"} {
		p, ok := s.Parameter(name)
		if !ok {
			t.Fatalf("parameter %q missing", name)
		}
		if !p.OnlyInCode || !reflect.DeepEqual(p.Types, []string{TypeFromCode}) {
			t.Errorf("%s = %+v", name, p)
		}
		if !reflect.DeepEqual(p.PatternsFromJS, []string{CodeURLPattern}) {
			t.Errorf("%s patterns = %v", name, p.PatternsFromJS)
		}
	}

	if len(s.ExportEndpoints()) != 0 {
		t.Error("code URLs must not reach the endpoint table")
	}

	before := s.SnapshotParameters()
	res = s.MergeCodeURLs(recs)
	if res.CodeURLs != 0 || res.Parameters != 0 {
		t.Errorf("second merge result = %+v", res)
	}
	if !reflect.DeepEqual(before, s.SnapshotParameters()) {
		t.Error("repeated code-URL merge changed parameters")
	}
}

func TestUpsertCodeURL_MergesFields(t *testing.T) {
	s := newTestStore()
	base := CodeURLRecord{URL: "/x", Method: "GET"}
	s.UpsertCodeURL(base)

	more := base
	more.ContentType = "application/json"
	more.Headers = map[string]string{"X-Token": "t"}
	more.QueryParams = []string{"a"}
	if s.UpsertCodeURL(more) {
		t.Error("same key should not create")
	}

	got := s.SnapshotCodeURLs()
	if len(got) != 1 {
		t.Fatalf("got %d code URLs", len(got))
	}
	if got[0].ContentType != "application/json" || got[0].Headers["X-Token"] != "t" {
		t.Errorf("merged = %+v", got[0])
	}
	if !reflect.DeepEqual(got[0].QueryParams, []string{"a"}) {
		t.Errorf("QueryParams = %v", got[0].QueryParams)
	}

	got[0].Headers["X-Token"] = "mutated"
	if s.SnapshotCodeURLs()[0].Headers["X-Token"] != "t" {
		t.Error("snapshot shares header map with the store")
	}
}

func TestUpsertCodeURL_DistinctKeys(t *testing.T) {
	s := newTestStore()
	s.UpsertCodeURL(CodeURLRecord{URL: "/x", Method: "GET"})
	s.UpsertCodeURL(CodeURLRecord{URL: "/x", Method: "POST"})
	s.UpsertCodeURL(CodeURLRecord{URL: ""})
	if n := len(s.SnapshotCodeURLs()); n != 2 {
		t.Errorf("got %d code URLs, want 2", n)
	}
}

// =============================================================================
// Merge Tests
// =============================================================================

func sampleBatch() Batch {
	first := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	last := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
	return Batch{
		Endpoints: []EndpointRecord{
			{Value: "/api/a", Origin: "x", Kind: patterns.KindRelative, InScope: true, FirstSeen: first},
			{Value: "/api/b", Origin: "x", Kind: patterns.KindConcatenated, Uncertain: true},
			{Value: "/api/c", Origin: "y", FalsePositive: true},
		},
		Parameters: []ParameterRecord{
			{Name: "id", Sources: []string{"s1"}, Types: []string{TypeQuery}, Examples: []string{"7"}, Count: 4, FirstSeen: first, LastSeen: last},
			{Name: "q", OnlyInCode: true, PatternsFromJS: []string{patterns.MatcherFullURL}},
		},
		CodeURLs: []CodeURLRecord{
			{URL: "/api/z", Method: "GET", BodyParams: []string{"body1"}, Origin: "x"},
		},
	}
}

func TestMergeFrom_Idempotent(t *testing.T) {
	s := newTestStore()
	s.UpsertParameter("id", "live", TypeJSON, "1")
	s.UpsertEndpoint(endpoint("/api/a", "x"))

	s.MergeFrom(sampleBatch())
	e1, p1, c1 := s.ExportEndpoints(), s.SnapshotParameters(), s.SnapshotCodeURLs()

	res := s.MergeFrom(sampleBatch())
	if res != (MergeResult{}) {
		t.Errorf("second merge created records: %+v", res)
	}

	if !reflect.DeepEqual(e1, s.ExportEndpoints()) {
		t.Error("endpoints differ after second merge")
	}
	if !reflect.DeepEqual(p1, s.SnapshotParameters()) {
		t.Error("parameters differ after second merge")
	}
	if !reflect.DeepEqual(c1, s.SnapshotCodeURLs()) {
		t.Error("code URLs differ after second merge")
	}
}

func TestMergeFrom_Rules(t *testing.T) {
	s := newTestStore()
	s.UpsertParameter("id", "live", TypeJSON, "1")
	s.UpsertEndpoint(endpoint("/api/a", "x"))

	res := s.MergeFrom(sampleBatch())
	if res.Endpoints != 2 {
		t.Errorf("created endpoints = %d, want 2", res.Endpoints)
	}

	a, _ := s.Endpoint("x", "/api/a")
	if !a.InScope {
		t.Error("merged InScope not OR'd")
	}
	if !a.FirstSeen.Equal(testNow) {
		t.Error("endpoint FirstSeen must keep the live value")
	}
	if a.Context != "fetch('/api/a')" {
		t.Errorf("Context overwritten: %q", a.Context)
	}

	c, ok := s.Endpoint("y", "/api/c")
	if !ok || !c.FalsePositive {
		t.Errorf("false positive not carried: %+v", c)
	}

	id, _ := s.Parameter("id")
	if id.Count != 4 {
		t.Errorf("Count = %d, want max(1, 4)", id.Count)
	}
	if !reflect.DeepEqual(id.Sources, []string{"live", "s1"}) {
		t.Errorf("Sources = %v", id.Sources)
	}
	if !reflect.DeepEqual(id.Examples, []string{"1", "7"}) {
		t.Errorf("Examples = %v", id.Examples)
	}
	if !id.FirstSeen.Equal(time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("FirstSeen = %v, want min", id.FirstSeen)
	}
	if !id.LastSeen.Equal(testNow) {
		t.Errorf("LastSeen = %v, want max", id.LastSeen)
	}

	q, _ := s.Parameter("q")
	if !q.OnlyInCode || q.FirstSeen.IsZero() {
		t.Errorf("q = %+v", q)
	}

	body, ok := s.Parameter("body1")
	if !ok || !body.OnlyInCode {
		t.Errorf("code URL params not folded: %+v", body)
	}
}

func TestMergeFrom_RespectsIgnored(t *testing.T) {
	s := newTestStore(WithIgnoredValues("/api/a"))
	res := s.MergeFrom(sampleBatch())
	if _, ok := s.Endpoint("x", "/api/a"); ok {
		t.Error("ignored value merged")
	}
	if res.Endpoints != 2 {
		t.Errorf("created = %d, want 2", res.Endpoints)
	}
}

// =============================================================================
// Maintenance Tests
// =============================================================================

func TestClearAll(t *testing.T) {
	s := newTestStore()
	s.MergeFrom(sampleBatch())
	s.IgnoreValue("noise")
	s.ClearAll()

	c := s.Counts()
	if c.Endpoints+c.Uncertain+c.FalsePositives+c.Parameters+c.CodeURLs != 0 {
		t.Errorf("counts after clear = %+v", c)
	}
	if !s.IsIgnored("noise") {
		t.Error("ClearAll should keep the suppression set")
	}
}

func TestCounts(t *testing.T) {
	s := newTestStore()
	s.MergeFrom(sampleBatch())
	c := s.Counts()
	want := Counts{Endpoints: 1, Uncertain: 1, FalsePositives: 1, Parameters: 3, CodeURLs: 1}
	if c != want {
		t.Errorf("Counts = %+v, want %+v", c, want)
	}
}

// =============================================================================
// Concurrency Tests
// =============================================================================

func TestStore_ConcurrentUpserts(t *testing.T) {
	s := NewStore()
	const workers = 16
	const perWorker = 200

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				s.UpsertParameter("shared", fmt.Sprintf("o%d", w), TypeQuery, "")
				rec := endpoint(fmt.Sprintf("/p/%d", i%20), "same")
				rec.Uncertain = w == 0
				s.UpsertEndpoint(rec)
				_ = s.SnapshotEndpoints()
			}
		}(w)
	}
	wg.Wait()

	p, _ := s.Parameter("shared")
	if p.Count != workers*perWorker {
		t.Errorf("Count = %d, want %d", p.Count, workers*perWorker)
	}
	if len(p.Sources) != workers {
		t.Errorf("Sources = %d, want %d", len(p.Sources), workers)
	}
	if n := len(s.ExportEndpoints()); n != 20 {
		t.Errorf("endpoints = %d, want 20", n)
	}
	if n := len(s.SnapshotUncertainEndpoints()); n != 20 {
		t.Errorf("uncertain = %d, want 20", n)
	}
}
