// Package aggregate holds the deduplicated endpoint, parameter and code-URL
// records discovered by the engine.
package aggregate

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/PentesterFlow/ParamHarvest/internal/patterns"
)

// Store is a concurrent record store. Every method is atomic on its own;
// sequences of calls are not.
//
// Malformed input (blank value or name) is ignored silently.
type Store struct {
	mu        sync.RWMutex
	endpoints map[string]*EndpointRecord
	params    map[string]*paramEntry
	codeURLs  map[string]*CodeURLRecord
	ignored   map[string]struct{}

	now func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock sets the time source used for firstSeen/lastSeen.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIgnoredValues seeds the suppression set.
func WithIgnoredValues(values ...string) StoreOption {
	return func(s *Store) {
		for _, v := range values {
			if v != "" {
				s.ignored[v] = struct{}{}
			}
		}
	}
}

// NewStore creates an empty store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		endpoints: make(map[string]*EndpointRecord),
		params:    make(map[string]*paramEntry),
		codeURLs:  make(map[string]*CodeURLRecord),
		ignored:   make(map[string]struct{}),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}

// ============================================================================
// Parameters
// ============================================================================

// UpsertParameter records one observation of name. It returns true when the
// record was created.
func (s *Store) UpsertParameter(name, origin, typ, example string) bool {
	if isBlank(name) {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	p, exists := s.params[name]
	if !exists {
		p = newParamEntry(name, now)
		s.params[name] = p
	}
	if origin != "" {
		p.sources.add(origin)
	}
	if typ != "" {
		p.types.add(typ)
	}
	p.addExample(example)
	p.count++
	p.lastSeen = latest(p.lastSeen, now)
	return !exists
}

// MarkOnlyInCode flags name as seen in static code and records the matcher
// that derived it. It returns true when the record was created.
func (s *Store) MarkOnlyInCode(name, pattern string) bool {
	if isBlank(name) {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, exists := s.params[name]
	if !exists {
		p = newParamEntry(name, s.now())
		s.params[name] = p
	}
	p.onlyInCode = true
	if !isBlank(pattern) {
		p.patterns.add(pattern)
	}
	return !exists
}

// MarkParameterFalsePositive sets the flag on an existing parameter.
func (s *Store) MarkParameterFalsePositive(name string, flag bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.params[name]
	if !ok {
		return false
	}
	p.falsePositive = flag
	return true
}

// Parameter returns a copy of the named record.
func (s *Store) Parameter(name string) (ParameterRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.params[name]
	if !ok {
		return ParameterRecord{}, false
	}
	return p.record(), true
}

// SnapshotParameters returns every parameter sorted by name.
func (s *Store) SnapshotParameters() []ParameterRecord {
	s.mu.RLock()
	out := make([]ParameterRecord, 0, len(s.params))
	for _, p := range s.params {
		out = append(out, p.record())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ============================================================================
// Endpoints
// ============================================================================

// UpsertEndpoint inserts or widens the (Origin, Value) record. InScope and
// Uncertain are sticky; Context, MatcherID and Referer are only set while
// empty. It returns true when the record was created. Ignored values are
// dropped.
func (s *Store) UpsertEndpoint(rec EndpointRecord) bool {
	if isBlank(rec.Value) {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, skip := s.ignored[rec.Value]; skip {
		return false
	}

	key := rec.Key()
	e, exists := s.endpoints[key]
	if !exists {
		created := rec
		created.FalsePositive = false
		created.FirstSeen = s.now()
		s.endpoints[key] = &created
		return true
	}

	e.InScope = e.InScope || rec.InScope
	e.Uncertain = e.Uncertain || rec.Uncertain
	if e.Context == "" {
		e.Context = rec.Context
	}
	if e.MatcherID == "" {
		e.MatcherID = rec.MatcherID
	}
	if e.Referer == "" {
		e.Referer = rec.Referer
	}
	return false
}

// AddManualEndpoint records an operator-entered endpoint. Manual records are
// always certain.
func (s *Store) AddManualEndpoint(value, origin string, inScope bool) bool {
	return s.UpsertEndpoint(EndpointRecord{
		Value:     strings.TrimSpace(value),
		Origin:    origin,
		Kind:      patterns.KindManual,
		InScope:   inScope,
		MatcherID: "manual",
	})
}

// MarkFalsePositive sets the flag on the exact (origin, value) record. It
// never creates a record.
func (s *Store) MarkFalsePositive(value, origin string, flag bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.endpoints[EndpointKey(origin, value)]
	if !ok {
		return false
	}
	e.FalsePositive = flag
	return true
}

// Endpoint returns a copy of the (origin, value) record.
func (s *Store) Endpoint(origin, value string) (EndpointRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.endpoints[EndpointKey(origin, value)]
	if !ok {
		return EndpointRecord{}, false
	}
	return *e, true
}

// SnapshotEndpoints returns certain, non-false-positive endpoints sorted by
// value.
func (s *Store) SnapshotEndpoints() []EndpointRecord {
	return s.filterEndpoints(func(e *EndpointRecord) bool {
		return !e.Uncertain && !e.FalsePositive
	})
}

// SnapshotUncertainEndpoints returns uncertain, non-false-positive endpoints
// sorted by value.
func (s *Store) SnapshotUncertainEndpoints() []EndpointRecord {
	return s.filterEndpoints(func(e *EndpointRecord) bool {
		return e.Uncertain && !e.FalsePositive
	})
}

// ExportEndpoints returns every endpoint including false positives.
func (s *Store) ExportEndpoints() []EndpointRecord {
	return s.filterEndpoints(func(*EndpointRecord) bool { return true })
}

func (s *Store) filterEndpoints(keep func(*EndpointRecord) bool) []EndpointRecord {
	s.mu.RLock()
	out := make([]EndpointRecord, 0, len(s.endpoints))
	for _, e := range s.endpoints {
		if keep(e) {
			out = append(out, *e)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Value != out[j].Value {
			return out[i].Value < out[j].Value
		}
		return out[i].Origin < out[j].Origin
	})
	return out
}

// IgnoreValue removes every endpoint whose value equals value and suppresses
// future inserts of it. It returns the number of records removed.
func (s *Store) IgnoreValue(value string) int {
	if isBlank(value) {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.ignored[value] = struct{}{}
	removed := 0
	for key, e := range s.endpoints {
		if e.Value == value {
			delete(s.endpoints, key)
			removed++
		}
	}
	return removed
}

// IsIgnored reports whether value is suppressed.
func (s *Store) IsIgnored(value string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ignored[value]
	return ok
}

// IgnoredValues returns the suppression set, sorted.
func (s *Store) IgnoredValues() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.ignored))
	for v := range s.ignored {
		out = append(out, v)
	}
	s.mu.RUnlock()

	sort.Strings(out)
	return out
}

// ============================================================================
// Code URLs
// ============================================================================

// UpsertCodeURL stores an AST-derived URL under its own key. Existing
// records only gain fields that were empty. It returns true when created.
func (s *Store) UpsertCodeURL(rec CodeURLRecord) bool {
	created, _ := s.mergeCodeURL(rec)
	return created
}

// mergeCodeURL returns whether the record was created and the parameter
// names it did not carry before.
func (s *Store) mergeCodeURL(rec CodeURLRecord) (bool, []string) {
	if isBlank(rec.URL) {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := rec.Key()
	c, exists := s.codeURLs[key]
	if !exists {
		created := copyCodeURL(rec)
		if created.FirstSeen.IsZero() {
			created.FirstSeen = s.now()
		}
		s.codeURLs[key] = &created
		return true, unionStrings(nil, append(append([]string(nil), rec.QueryParams...), rec.BodyParams...))
	}

	if c.ContentType == "" {
		c.ContentType = rec.ContentType
	}
	if c.Origin == "" {
		c.Origin = rec.Origin
	}
	if c.Referer == "" {
		c.Referer = rec.Referer
	}

	var added []string
	for _, name := range rec.QueryParams {
		if !contains(c.QueryParams, name) {
			c.QueryParams = append(c.QueryParams, name)
			if !contains(c.BodyParams, name) {
				added = append(added, name)
			}
		}
	}
	for _, name := range rec.BodyParams {
		if !contains(c.BodyParams, name) {
			c.BodyParams = append(c.BodyParams, name)
			if !contains(c.QueryParams, name) && !contains(added, name) {
				added = append(added, name)
			}
		}
	}
	for k, v := range rec.Headers {
		if c.Headers == nil {
			c.Headers = make(map[string]string)
		}
		if _, ok := c.Headers[k]; !ok {
			c.Headers[k] = v
		}
	}
	c.FirstSeen = earliest(c.FirstSeen, rec.FirstSeen)
	return false, added
}

// MergeCodeURLs folds AST producer records into the store. URLs go to the
// code-URL namespace and never into the endpoint table. Parameter names new
// to a code URL become from-code parameters marked only-in-code, so folding
// the same records twice changes nothing.
func (s *Store) MergeCodeURLs(records []CodeURLRecord) MergeResult {
	var res MergeResult
	for _, rec := range records {
		created, added := s.mergeCodeURL(rec)
		if created {
			res.CodeURLs++
		}
		for _, name := range added {
			if s.UpsertParameter(name, rec.Origin, TypeFromCode, "") {
				res.Parameters++
			}
			s.MarkOnlyInCode(name, CodeURLPattern)
		}
	}
	return res
}

// SnapshotCodeURLs returns the code-URL records sorted by key.
func (s *Store) SnapshotCodeURLs() []CodeURLRecord {
	s.mu.RLock()
	out := make([]CodeURLRecord, 0, len(s.codeURLs))
	for _, c := range s.codeURLs {
		out = append(out, copyCodeURL(*c))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// ============================================================================
// Merge and maintenance
// ============================================================================

// MergeFrom reconciles an external batch into the store. Merging the same
// batch twice leaves the store as merging it once.
func (s *Store) MergeFrom(b Batch) MergeResult {
	var res MergeResult

	s.mu.Lock()
	for _, rec := range b.Endpoints {
		if s.mergeEndpointLocked(rec) {
			res.Endpoints++
		}
	}
	for _, rec := range b.Parameters {
		if s.mergeParameterLocked(rec) {
			res.Parameters++
		}
	}
	s.mu.Unlock()

	codeRes := s.MergeCodeURLs(b.CodeURLs)
	res.CodeURLs += codeRes.CodeURLs
	res.Parameters += codeRes.Parameters
	return res
}

func (s *Store) mergeEndpointLocked(rec EndpointRecord) bool {
	if isBlank(rec.Value) {
		return false
	}
	if _, skip := s.ignored[rec.Value]; skip {
		return false
	}

	key := rec.Key()
	e, exists := s.endpoints[key]
	if !exists {
		created := rec
		if created.FirstSeen.IsZero() {
			created.FirstSeen = s.now()
		}
		s.endpoints[key] = &created
		return true
	}

	e.InScope = e.InScope || rec.InScope
	e.Uncertain = e.Uncertain || rec.Uncertain
	e.FalsePositive = e.FalsePositive || rec.FalsePositive
	if e.Kind == patterns.KindUnknown {
		e.Kind = rec.Kind
	}
	if e.Context == "" {
		e.Context = rec.Context
	}
	if e.MatcherID == "" {
		e.MatcherID = rec.MatcherID
	}
	if e.Referer == "" {
		e.Referer = rec.Referer
	}
	return false
}

func (s *Store) mergeParameterLocked(rec ParameterRecord) bool {
	if isBlank(rec.Name) {
		return false
	}

	p, exists := s.params[rec.Name]
	if !exists {
		p = &paramEntry{name: rec.Name}
		s.params[rec.Name] = p
	}
	for _, v := range rec.Sources {
		if v != "" {
			p.sources.add(v)
		}
	}
	for _, v := range rec.Types {
		if v != "" {
			p.types.add(v)
		}
	}
	for _, v := range rec.PatternsFromJS {
		if v != "" {
			p.patterns.add(v)
		}
	}
	for _, v := range rec.Examples {
		p.addExample(v)
	}
	if rec.Count > p.count {
		p.count = rec.Count
	}
	p.firstSeen = earliest(p.firstSeen, rec.FirstSeen)
	p.lastSeen = latest(p.lastSeen, rec.LastSeen)
	if !exists && p.firstSeen.IsZero() {
		now := s.now()
		p.firstSeen = now
		p.lastSeen = latest(p.lastSeen, now)
	}
	p.onlyInCode = p.onlyInCode || rec.OnlyInCode
	p.falsePositive = p.falsePositive || rec.FalsePositive
	return !exists
}

// ClearAll removes every record. The suppression set is kept.
func (s *Store) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.endpoints = make(map[string]*EndpointRecord)
	s.params = make(map[string]*paramEntry)
	s.codeURLs = make(map[string]*CodeURLRecord)
}

// Counts returns record totals.
func (s *Store) Counts() Counts {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c := Counts{
		Parameters: len(s.params),
		CodeURLs:   len(s.codeURLs),
		Ignored:    len(s.ignored),
	}
	for _, e := range s.endpoints {
		switch {
		case e.FalsePositive:
			c.FalsePositives++
		case e.Uncertain:
			c.Uncertain++
		default:
			c.Endpoints++
		}
	}
	return c
}

func unionStrings(dst, src []string) []string {
	for _, v := range src {
		if v != "" && !contains(dst, v) {
			dst = append(dst, v)
		}
	}
	return dst
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
