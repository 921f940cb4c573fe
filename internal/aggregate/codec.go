package aggregate

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/ysmood/gson"

	"github.com/PentesterFlow/ParamHarvest/internal/patterns"
)

// Shape identifies which collection a snapshot file holds.
type Shape int

const (
	ShapeEmpty Shape = iota
	ShapeEndpoints
	ShapeParameters
	ShapeCodeURLs
)

// String returns the collection name for the shape.
func (s Shape) String() string {
	switch s {
	case ShapeEndpoints:
		return "endpoints"
	case ShapeParameters:
		return "parameters"
	case ShapeCodeURLs:
		return "code_urls"
	default:
		return "empty"
	}
}

// EncodeEndpoints serializes records as a map keyed "origin||value".
func EncodeEndpoints(records []EndpointRecord) ([]byte, error) {
	m := make(map[string]EndpointRecord, len(records))
	for _, r := range records {
		m[r.Key()] = r
	}
	return json.MarshalIndent(m, "", "  ")
}

// EncodeParameters serializes records as a map keyed by name.
func EncodeParameters(records []ParameterRecord) ([]byte, error) {
	m := make(map[string]ParameterRecord, len(records))
	for _, r := range records {
		m[r.Name] = r
	}
	return json.MarshalIndent(m, "", "  ")
}

// EncodeCodeURLs serializes records as a map keyed "url|method|type|filename".
func EncodeCodeURLs(records []CodeURLRecord) ([]byte, error) {
	m := make(map[string]CodeURLRecord, len(records))
	for _, r := range records {
		m[r.Key()] = r
	}
	return json.MarshalIndent(m, "", "  ")
}

// EncodeIgnored serializes the suppressed values as a sorted array.
func EncodeIgnored(values []string) ([]byte, error) {
	if values == nil {
		values = []string{}
	}
	return json.MarshalIndent(values, "", "  ")
}

// DecodeIgnored reads an array of suppressed values. Blank entries and
// anything that is not a string are dropped.
func DecodeIgnored(data []byte) []string {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	var out []string
	for _, item := range gson.New(data).Arr() {
		if s, ok := item.Val().(string); ok && !isBlank(s) {
			out = append(out, s)
		}
	}
	return out
}

type snapshotEntry struct {
	key string
	val gson.JSON
}

// DecodeSnapshot reads one snapshot collection, detecting its shape. Files
// written by older versions (endpointString/source/notSure fields, epoch
// millisecond timestamps) are accepted. Empty or unparseable input yields an
// empty batch.
func DecodeSnapshot(data []byte) Batch {
	b, _ := DecodeSnapshotShape(data)
	return b
}

// DecodeSnapshotShape is DecodeSnapshot that also reports the detected shape.
func DecodeSnapshotShape(data []byte) (Batch, Shape) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Batch{}, ShapeEmpty
	}
	entries := snapshotEntries(gson.New(data))
	shape := detectShape(entries)
	return decodeEntries(entries, shape), shape
}

// DecodeCollection reads data as a collection of the given shape without
// guessing. Entries that do not fit the shape are skipped.
func DecodeCollection(data []byte, shape Shape) Batch {
	if len(bytes.TrimSpace(data)) == 0 {
		return Batch{}
	}
	return decodeEntries(snapshotEntries(gson.New(data)), shape)
}

func decodeEntries(entries []snapshotEntry, shape Shape) Batch {
	var b Batch
	switch shape {
	case ShapeEndpoints:
		for _, e := range entries {
			if rec, ok := decodeEndpoint(e); ok {
				b.Endpoints = append(b.Endpoints, rec)
			}
		}
	case ShapeParameters:
		for _, e := range entries {
			if rec, ok := decodeParameter(e); ok {
				b.Parameters = append(b.Parameters, rec)
			}
		}
	case ShapeCodeURLs:
		for _, e := range entries {
			if rec, ok := DecodeCodeURL(e.val); ok {
				b.CodeURLs = append(b.CodeURLs, rec)
			}
		}
	}
	return b
}

// snapshotEntries returns the object-valued entries of a keyed map or a
// plain array, in key order.
func snapshotEntries(root gson.JSON) []snapshotEntry {
	var out []snapshotEntry
	switch v := root.Val().(type) {
	case []interface{}:
		for _, item := range v {
			out = append(out, snapshotEntry{val: gson.New(item)})
		}
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out = append(out, snapshotEntry{key: k, val: gson.New(v[k])})
		}
	}

	objects := out[:0]
	for _, e := range out {
		if _, ok := e.val.Val().(map[string]interface{}); ok {
			objects = append(objects, e)
		}
	}
	return objects
}

// detectShape looks at record fields first. A code-URL key may contain
// "||" when its method is empty, so the endpoint key layout is only
// consulted for entries carrying none of the known fields.
func detectShape(entries []snapshotEntry) Shape {
	for _, e := range entries {
		if e.val.Has("value") || e.val.Has("endpointString") {
			return ShapeEndpoints
		}
	}
	for _, e := range entries {
		if e.val.Has("name") {
			return ShapeParameters
		}
	}
	for _, e := range entries {
		if e.val.Has("url") {
			return ShapeCodeURLs
		}
	}
	for _, e := range entries {
		if strings.Contains(e.key, endpointKeySep) {
			return ShapeEndpoints
		}
	}
	return ShapeEmpty
}

func decodeEndpoint(e snapshotEntry) (EndpointRecord, bool) {
	j := e.val
	rec := EndpointRecord{
		Value:         str(j, "value", "endpointString"),
		Origin:        str(j, "origin", "source"),
		InScope:       boolean(j, "inScope"),
		Context:       str(j, "contextSnippet", "context"),
		MatcherID:     str(j, "matcherId", "pattern"),
		Uncertain:     boolean(j, "uncertain", "notSure"),
		FalsePositive: boolean(j, "falsePositive"),
		Referer:       str(j, "referer"),
		FirstSeen:     timestamp(j, "firstSeen"),
	}
	kind := str(j, "kind", "type")
	_ = rec.Kind.UnmarshalText([]byte(kind))

	if rec.Value == "" || rec.Origin == "" {
		if origin, value, ok := SplitEndpointKey(e.key); ok {
			if rec.Origin == "" {
				rec.Origin = origin
			}
			if rec.Value == "" {
				rec.Value = value
			}
		}
	}
	if isBlank(rec.Value) {
		return EndpointRecord{}, false
	}
	if rec.Kind == patterns.KindUnknown && kind == "" {
		rec.Kind = guessKind(rec.Value)
	}
	return rec, true
}

func guessKind(value string) patterns.Kind {
	lower := strings.ToLower(value)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return patterns.KindAbsolute
	}
	return patterns.KindRelative
}

func decodeParameter(e snapshotEntry) (ParameterRecord, bool) {
	j := e.val
	rec := ParameterRecord{
		Name:           str(j, "name"),
		Sources:        strs(j, "sources"),
		Types:          strs(j, "types"),
		Examples:       strs(j, "exampleValues", "examples"),
		Count:          integer(j, "count"),
		FirstSeen:      timestamp(j, "firstSeen"),
		LastSeen:       timestamp(j, "lastSeen"),
		OnlyInCode:     boolean(j, "onlyInCode"),
		PatternsFromJS: strs(j, "patternsFromJs"),
		FalsePositive:  boolean(j, "falsePositive"),
	}
	if rec.Name == "" {
		rec.Name = e.key
	}
	if isBlank(rec.Name) {
		return ParameterRecord{}, false
	}
	if rec.Count < 0 {
		rec.Count = 0
	}
	return rec, true
}

// DecodeCodeURL reads one AST producer record. The field names match the
// jsluice JSON output; a record without a URL is rejected.
func DecodeCodeURL(j gson.JSON) (CodeURLRecord, bool) {
	rec := CodeURLRecord{
		URL:         str(j, "url"),
		Method:      str(j, "method"),
		Type:        str(j, "type"),
		Filename:    str(j, "filename"),
		ContentType: str(j, "contentType"),
		QueryParams: strs(j, "queryParams"),
		BodyParams:  strs(j, "bodyParams"),
		Origin:      str(j, "origin", "source"),
		Referer:     str(j, "referer"),
		FirstSeen:   timestamp(j, "firstSeen"),
	}
	if h, ok := j.Gets("headers"); ok {
		for k, v := range h.Map() {
			if s, ok := v.Val().(string); ok {
				if rec.Headers == nil {
					rec.Headers = make(map[string]string)
				}
				rec.Headers[k] = s
			}
		}
	}
	if isBlank(rec.URL) {
		return CodeURLRecord{}, false
	}
	return rec, true
}

func str(j gson.JSON, names ...string) string {
	for _, n := range names {
		v, ok := j.Gets(n)
		if !ok {
			continue
		}
		if s, ok := v.Val().(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func strs(j gson.JSON, names ...string) []string {
	for _, n := range names {
		v, ok := j.Gets(n)
		if !ok {
			continue
		}
		var out []string
		for _, item := range v.Arr() {
			if s, ok := item.Val().(string); ok && s != "" {
				out = append(out, s)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return nil
}

func boolean(j gson.JSON, names ...string) bool {
	for _, n := range names {
		if v, ok := j.Gets(n); ok && v.Bool() {
			return true
		}
	}
	return false
}

func integer(j gson.JSON, name string) int64 {
	v, ok := j.Gets(name)
	if !ok {
		return 0
	}
	return int64(v.Num())
}

// timestamp accepts RFC 3339 strings and epoch milliseconds.
func timestamp(j gson.JSON, name string) time.Time {
	v, ok := j.Gets(name)
	if !ok || v.Nil() {
		return time.Time{}
	}
	switch raw := v.Val().(type) {
	case string:
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil || t.IsZero() {
			return time.Time{}
		}
		return t
	case float64:
		if raw <= 0 {
			return time.Time{}
		}
		return time.UnixMilli(int64(raw)).UTC()
	}
	return time.Time{}
}
