package aggregate

import (
	"strings"
	"time"

	"github.com/PentesterFlow/ParamHarvest/internal/patterns"
)

// MaxExamples caps the example values kept per parameter.
const MaxExamples = 3

// Parameter type tags.
const (
	TypeQuery     = "query"
	TypeBody      = "body"
	TypeJSON      = "json"
	TypeCookie    = "cookie"
	TypeMultipart = "multipart"
	TypeForm      = "form"
	TypeFromCode  = "from-code"
)

// CodeURLPattern is the matcher recorded for parameters found by the AST
// producer.
const CodeURLPattern = "jsluice"

const (
	endpointKeySep = "||"
	codeURLKeySep  = "|"
)

// EndpointRecord is one observed endpoint candidate. Its identity is the
// (Origin, Value) pair.
type EndpointRecord struct {
	Value         string        `json:"value"`
	Origin        string        `json:"origin"`
	Kind          patterns.Kind `json:"kind"`
	InScope       bool          `json:"inScope"`
	Context       string        `json:"contextSnippet,omitempty"`
	MatcherID     string        `json:"matcherId,omitempty"`
	Uncertain     bool          `json:"uncertain"`
	FalsePositive bool          `json:"falsePositive"`
	Referer       string        `json:"referer,omitempty"`
	FirstSeen     time.Time     `json:"firstSeen"`
}

// Key returns the record's identity key.
func (r EndpointRecord) Key() string {
	return EndpointKey(r.Origin, r.Value)
}

// EndpointKey builds the identity key "origin||value".
func EndpointKey(origin, value string) string {
	return origin + endpointKeySep + value
}

// SplitEndpointKey recovers origin and value from an identity key.
func SplitEndpointKey(key string) (origin, value string, ok bool) {
	origin, value, ok = strings.Cut(key, endpointKeySep)
	if !ok || value == "" {
		return "", "", false
	}
	return origin, value, true
}

// ParameterRecord is one parameter name aggregated across every origin.
type ParameterRecord struct {
	Name           string    `json:"name"`
	Sources        []string  `json:"sources"`
	Types          []string  `json:"types"`
	Examples       []string  `json:"exampleValues"`
	Count          int64     `json:"count"`
	FirstSeen      time.Time `json:"firstSeen"`
	LastSeen       time.Time `json:"lastSeen"`
	OnlyInCode     bool      `json:"onlyInCode"`
	PatternsFromJS []string  `json:"patternsFromJs,omitempty"`
	FalsePositive  bool      `json:"falsePositive"`
}

// CodeURLRecord is a URL found by the AST producer. These live in their own
// namespace and are never mixed with EndpointRecords.
type CodeURLRecord struct {
	URL         string            `json:"url"`
	Method      string            `json:"method,omitempty"`
	Type        string            `json:"type,omitempty"`
	Filename    string            `json:"filename,omitempty"`
	ContentType string            `json:"contentType,omitempty"`
	QueryParams []string          `json:"queryParams,omitempty"`
	BodyParams  []string          `json:"bodyParams,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Origin      string            `json:"origin,omitempty"`
	Referer     string            `json:"referer,omitempty"`
	FirstSeen   time.Time         `json:"firstSeen"`
}

// Key returns "url|method|type|filename".
func (r CodeURLRecord) Key() string {
	return strings.Join([]string{r.URL, r.Method, r.Type, r.Filename}, codeURLKeySep)
}

// Batch is a set of externally produced records to merge.
type Batch struct {
	Endpoints  []EndpointRecord
	Parameters []ParameterRecord
	CodeURLs   []CodeURLRecord
}

// Empty reports whether the batch carries no records.
func (b Batch) Empty() bool {
	return len(b.Endpoints) == 0 && len(b.Parameters) == 0 && len(b.CodeURLs) == 0
}

// MergeResult counts records created by a merge.
type MergeResult struct {
	Endpoints  int `json:"endpoints"`
	Parameters int `json:"parameters"`
	CodeURLs   int `json:"codeUrls"`
}

// Counts summarizes store contents.
type Counts struct {
	Endpoints      int `json:"endpoints"`
	Uncertain      int `json:"uncertain"`
	FalsePositives int `json:"falsePositives"`
	Parameters     int `json:"parameters"`
	CodeURLs       int `json:"codeUrls"`
	Ignored        int `json:"ignored"`
}

// paramEntry is the mutable form of ParameterRecord held by the store.
type paramEntry struct {
	name          string
	sources       orderedSet
	types         orderedSet
	examples      []string
	count         int64
	firstSeen     time.Time
	lastSeen      time.Time
	onlyInCode    bool
	patterns      orderedSet
	falsePositive bool
}

func newParamEntry(name string, now time.Time) *paramEntry {
	return &paramEntry{name: name, firstSeen: now, lastSeen: now}
}

func (p *paramEntry) addExample(v string) {
	if v == "" || len(p.examples) >= MaxExamples {
		return
	}
	for _, e := range p.examples {
		if e == v {
			return
		}
	}
	p.examples = append(p.examples, v)
}

func (p *paramEntry) record() ParameterRecord {
	return ParameterRecord{
		Name:           p.name,
		Sources:        p.sources.slice(),
		Types:          p.types.slice(),
		Examples:       append([]string{}, p.examples...),
		Count:          p.count,
		FirstSeen:      p.firstSeen,
		LastSeen:       p.lastSeen,
		OnlyInCode:     p.onlyInCode,
		PatternsFromJS: p.patterns.slice(),
		FalsePositive:  p.falsePositive,
	}
}

// orderedSet keeps insertion order so exported records are stable.
type orderedSet struct {
	order []string
	index map[string]struct{}
}

func (s *orderedSet) add(v string) bool {
	if s.index == nil {
		s.index = make(map[string]struct{})
	}
	if _, ok := s.index[v]; ok {
		return false
	}
	s.index[v] = struct{}{}
	s.order = append(s.order, v)
	return true
}

func (s *orderedSet) slice() []string {
	return append([]string{}, s.order...)
}

func copyCodeURL(r CodeURLRecord) CodeURLRecord {
	r.QueryParams = append([]string(nil), r.QueryParams...)
	r.BodyParams = append([]string(nil), r.BodyParams...)
	if r.Headers != nil {
		h := make(map[string]string, len(r.Headers))
		for k, v := range r.Headers {
			h[k] = v
		}
		r.Headers = h
	}
	return r
}

func earliest(a, b time.Time) time.Time {
	switch {
	case a.IsZero():
		return b
	case b.IsZero():
		return a
	case b.Before(a):
		return b
	}
	return a
}

func latest(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
