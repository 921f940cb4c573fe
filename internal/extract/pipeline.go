// Package extract runs the pattern matchers over JavaScript bodies and
// records the resulting endpoints and derived parameters.
package extract

import (
	"context"
	"strings"
	"time"

	"github.com/PentesterFlow/ParamHarvest/internal/aggregate"
	"github.com/PentesterFlow/ParamHarvest/internal/confidence"
	"github.com/PentesterFlow/ParamHarvest/internal/logger"
	"github.com/PentesterFlow/ParamHarvest/internal/patterns"
	"github.com/PentesterFlow/ParamHarvest/internal/scope"
	"github.com/PentesterFlow/ParamHarvest/internal/state"
)

// Skip reasons reported in Result.Skipped.
const (
	SkipEmpty         = "empty"
	SkipDuplicate     = "duplicate"
	SkipIgnoredOrigin = "ignored-origin"
)

// Input is one JavaScript body with its provenance.
type Input struct {
	Origin      string
	Referer     string
	Body        string
	InScopeHint bool
}

// Result summarizes one extraction.
type Result struct {
	Skipped    string // empty when the body was scanned
	Candidates int
	Created    int
	Uncertain  int
	Ignored    int
	Parameters int
	Duration   time.Duration
}

// Pipeline applies a pattern set to bodies and feeds a store. It is safe
// for concurrent use.
type Pipeline struct {
	set          *patterns.Set
	store        *aggregate.Store
	dedup        *state.DedupCache
	scope        *scope.Checker
	ignore       Ignore
	deriveParams bool
	log          *logger.Logger
	onCreate     func(aggregate.EndpointRecord)
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithDedup gates Process on the content-hash cache.
func WithDedup(d *state.DedupCache) Option {
	return func(p *Pipeline) { p.dedup = d }
}

// WithScope sets the target-host policy used for full URLs and referers.
func WithScope(c *scope.Checker) Option {
	return func(p *Pipeline) { p.scope = c }
}

// WithIgnore sets the origin and value ignore lists.
func WithIgnore(ig Ignore) Option {
	return func(p *Pipeline) { p.ignore = ig.normalized() }
}

// WithDeriveParams toggles recording query keys found inside endpoint values.
func WithDeriveParams(enabled bool) Option {
	return func(p *Pipeline) { p.deriveParams = enabled }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.log = l
		}
	}
}

// WithPatternSet replaces the default matcher set.
func WithPatternSet(s *patterns.Set) Option {
	return func(p *Pipeline) {
		if s != nil {
			p.set = s
		}
	}
}

// OnEndpointCreated registers a callback for newly created endpoint records.
// It runs on the extracting goroutine.
func OnEndpointCreated(fn func(aggregate.EndpointRecord)) Option {
	return func(p *Pipeline) { p.onCreate = fn }
}

// New creates a pipeline writing into store.
func New(store *aggregate.Store, opts ...Option) *Pipeline {
	p := &Pipeline{
		set:          patterns.Default(),
		store:        store,
		deriveParams: true,
		log:          logger.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process admits the body through the dedup cache, when one is configured,
// and extracts it on first sight.
func (p *Pipeline) Process(ctx context.Context, in Input) (Result, error) {
	if strings.TrimSpace(in.Body) == "" {
		return Result{Skipped: SkipEmpty}, nil
	}
	if p.ignore.OriginIgnored(in.Origin) {
		return Result{Skipped: SkipIgnoredOrigin}, nil
	}
	if p.dedup != nil && !p.dedup.Admit(in.Body, in.Origin) {
		return Result{Skipped: SkipDuplicate}, nil
	}
	return p.Extract(ctx, in)
}

// Extract scans one body without consulting the dedup cache. Candidates
// are upserted in matcher order. A cancelled context stops the scan and
// returns what was recorded so far with ctx.Err().
func (p *Pipeline) Extract(ctx context.Context, in Input) (Result, error) {
	var res Result
	if strings.TrimSpace(in.Body) == "" {
		res.Skipped = SkipEmpty
		return res, nil
	}
	if p.ignore.OriginIgnored(in.Origin) {
		res.Skipped = SkipIgnoredOrigin
		return res, nil
	}

	start := time.Now()
	referer := normalizeReferer(in.Referer)
	refererInScope := p.scope.RefererInScope(referer)

	err := p.set.Scan(ctx, in.Body, func(m patterns.Match) bool {
		res.Candidates++
		if p.ignore.ValueIgnored(m.Value) {
			res.Ignored++
			return true
		}

		rec := aggregate.EndpointRecord{
			Value:     m.Value,
			Origin:    in.Origin,
			Kind:      m.Kind,
			InScope:   in.InScopeHint || refererInScope,
			Context:   m.Context,
			MatcherID: m.MatcherID,
			Uncertain: confidence.ClassifyMatch(m),
			Referer:   referer,
		}
		if m.MatcherID == patterns.MatcherFullURL && !rec.InScope {
			rec.InScope = p.scope.IsInScope(m.Value)
		}
		if rec.Uncertain {
			res.Uncertain++
		}

		if p.store.UpsertEndpoint(rec) {
			res.Created++
			if p.onCreate != nil {
				if stored, ok := p.store.Endpoint(rec.Origin, rec.Value); ok {
					p.onCreate(stored)
				}
			}
		}
		if p.deriveParams {
			for _, name := range QueryParamNames(m.Value) {
				if p.store.MarkOnlyInCode(name, m.MatcherID) {
					res.Parameters++
				}
			}
		}
		return true
	})

	res.Duration = time.Since(start)
	if err != nil {
		p.log.WithOrigin(in.Origin).WithError(err).Debug("Extraction interrupted")
		return res, err
	}
	p.log.ExtractionEvent(in.Origin, res.Created, res.Parameters, res.Duration)
	return res, nil
}

// QueryParamNames returns the parameter names in the query part of an
// endpoint value, in order and without duplicates.
func QueryParamNames(value string) []string {
	_, query, ok := strings.Cut(value, "?")
	if !ok || query == "" {
		return nil
	}
	if i := strings.IndexByte(query, '#'); i >= 0 {
		query = query[:i]
	}

	var names []string
	seen := make(map[string]struct{})
	for _, part := range strings.Split(query, "&") {
		name, _, _ := strings.Cut(part, "=")
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return names
}

// normalizeReferer reduces a referer to its origin when it is an absolute
// URL and leaves anything else untouched.
func normalizeReferer(referer string) string {
	referer = strings.TrimSpace(referer)
	if referer == "" {
		return ""
	}
	if origin := scope.OriginOf(referer); origin != "" {
		return origin
	}
	return referer
}
