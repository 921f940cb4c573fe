// Package traffic harvests parameter names from captured HTTP exchanges and
// forwards the JavaScript they carry to the extraction queue.
package traffic

import (
	"bytes"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/ysmood/gson"
	"golang.org/x/net/html/charset"

	"github.com/PentesterFlow/ParamHarvest/internal/aggregate"
	"github.com/PentesterFlow/ParamHarvest/internal/logger"
	"github.com/PentesterFlow/ParamHarvest/internal/queue"
	"github.com/PentesterFlow/ParamHarvest/internal/referer"
	"github.com/PentesterFlow/ParamHarvest/internal/scope"
)

// DefaultMaxInlineJSKB caps each inline script body.
const DefaultMaxInlineJSKB = 200

// Exchange is one captured request and, optionally, its response.
type Exchange struct {
	URL             string      `json:"url"`
	Method          string      `json:"method"`
	RequestHeaders  http.Header `json:"request_headers"`
	RequestBody     string      `json:"request_body"`
	Status          int         `json:"status"`
	ResponseHeaders http.Header `json:"response_headers"`
	ResponseBody    string      `json:"response_body"`
}

// HasResponse reports whether the exchange carries a response.
func (e Exchange) HasResponse() bool {
	return e.Status != 0 || len(e.ResponseHeaders) > 0 || e.ResponseBody != ""
}

// Result summarizes one analysis.
type Result struct {
	Parameters int `json:"parameters"`
	Scripts    int `json:"scripts"`
	Submitted  int `json:"submitted"`
	Dropped    int `json:"dropped"`
	Referers   int `json:"referers"`
}

// Submitter hands a JavaScript body to the extraction queue without
// blocking.
type Submitter func(queue.Job) error

// Analyzer extracts parameters from traffic. It is safe for concurrent use.
type Analyzer struct {
	store     *aggregate.Store
	submit    Submitter
	referers  *referer.Tracker
	scope     *scope.Checker
	maxInline int
	log       *logger.Logger
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithSubmitter sets where JavaScript bodies are sent.
func WithSubmitter(fn Submitter) Option {
	return func(a *Analyzer) { a.submit = fn }
}

// WithRefererTracker records script src URLs against their page.
func WithRefererTracker(t *referer.Tracker) Option {
	return func(a *Analyzer) { a.referers = t }
}

// WithScope sets the policy used for the in-scope hint of submitted jobs.
func WithScope(c *scope.Checker) Option {
	return func(a *Analyzer) { a.scope = c }
}

// WithMaxInlineJSKB caps inline script bodies.
func WithMaxInlineJSKB(kb int) Option {
	return func(a *Analyzer) {
		if kb > 0 {
			a.maxInline = kb * 1024
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(a *Analyzer) {
		if l != nil {
			a.log = l
		}
	}
}

// New creates an analyzer writing parameters into store.
func New(store *aggregate.Store, opts ...Option) *Analyzer {
	a := &Analyzer{
		store:     store,
		maxInline: DefaultMaxInlineJSKB * 1024,
		log:       logger.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Analyze runs request analysis and, when a response is present, response
// analysis.
func (a *Analyzer) Analyze(ex Exchange) Result {
	res := a.AnalyzeRequest(ex)
	if ex.HasResponse() {
		r := a.AnalyzeResponse(ex)
		res.Parameters += r.Parameters
		res.Scripts += r.Scripts
		res.Submitted += r.Submitted
		res.Dropped += r.Dropped
		res.Referers += r.Referers
	}
	return res
}

// AnalyzeRequest records query, body, multipart, JSON and cookie names.
func (a *Analyzer) AnalyzeRequest(ex Exchange) Result {
	var res Result
	source := scope.HostPath(ex.URL)
	add := func(name, typ, example string) {
		if a.store.UpsertParameter(name, source, typ, example) {
			res.Parameters++
		}
	}

	if u, err := url.Parse(ex.URL); err == nil {
		for _, kv := range orderedPairs(u.RawQuery) {
			add(kv[0], aggregate.TypeQuery, kv[1])
		}
	}

	ct := ex.RequestHeaders.Get("Content-Type")
	mediaType, params, _ := mime.ParseMediaType(ct)
	switch {
	case ex.RequestBody == "":
	case mediaType == "application/x-www-form-urlencoded":
		for _, kv := range orderedPairs(ex.RequestBody) {
			add(kv[0], aggregate.TypeBody, kv[1])
		}
	case strings.HasPrefix(mediaType, "multipart/"):
		for _, name := range multipartNames(ex.RequestBody, params["boundary"]) {
			add(name, aggregate.TypeMultipart, "")
		}
	case isJSON(mediaType):
		for _, k := range JSONKeys(ex.RequestBody) {
			add(k, aggregate.TypeJSON, "")
		}
	}

	for _, name := range cookieNames(ex.RequestHeaders.Values("Cookie")) {
		add(name, aggregate.TypeCookie, "")
	}
	return res
}

// AnalyzeResponse records Set-Cookie names and JSON keys, harvests inline
// scripts and form controls from HTML pages and submits JavaScript bodies.
func (a *Analyzer) AnalyzeResponse(ex Exchange) Result {
	var res Result
	source := scope.HostPath(ex.URL)

	for _, sc := range ex.ResponseHeaders.Values("Set-Cookie") {
		name, _, _ := strings.Cut(sc, "=")
		name = strings.TrimSpace(name)
		if name != "" && a.store.UpsertParameter(name, source, aggregate.TypeCookie, "") {
			res.Parameters++
		}
	}

	ct := ex.ResponseHeaders.Get("Content-Type")
	mediaType, _, _ := mime.ParseMediaType(ct)
	lowerCT := strings.ToLower(ct)

	switch {
	case isJSON(mediaType) || strings.Contains(lowerCT, "application/json"):
		for _, k := range JSONKeys(ex.ResponseBody) {
			if a.store.UpsertParameter(k, source, aggregate.TypeJSON, "") {
				res.Parameters++
			}
		}
	case strings.Contains(lowerCT, "javascript") || isScriptPath(ex.URL):
		a.forward(&res, queue.Job{
			Origin:      ex.URL,
			Referer:     requestReferer(ex.RequestHeaders),
			Body:        ex.ResponseBody,
			InScopeHint: a.scope.IsInScope(ex.URL),
		})
	case mediaType == "text/html":
		a.harvestHTML(&res, ex.URL, ct, ex.ResponseBody)
	}
	return res
}

func (a *Analyzer) harvestHTML(res *Result, pageURL, contentType, body string) {
	if strings.TrimSpace(body) == "" {
		return
	}
	r, err := charset.NewReader(strings.NewReader(body), contentType)
	if err != nil {
		a.log.WithOrigin(pageURL).WithError(err).Debug("Charset detection failed")
		return
	}
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		a.log.WithOrigin(pageURL).WithError(err).Debug("HTML parse failed")
		return
	}

	inScope := a.scope.IsInScope(pageURL)
	inline := 0
	doc.Find("script").Each(func(i int, s *goquery.Selection) {
		if src, ok := s.Attr("src"); ok {
			src = strings.TrimSpace(src)
			if src == "" {
				return
			}
			if resolved, err := scope.ResolveURL(pageURL, src); err == nil {
				src = resolved
			}
			if a.referers != nil && a.referers.Record(src, pageURL) {
				res.Referers++
			}
			return
		}
		if typ, ok := s.Attr("type"); ok && !isScriptType(typ) {
			return
		}

		code := s.Text()
		if strings.TrimSpace(code) == "" {
			return
		}
		if len(code) > a.maxInline {
			code = code[:a.maxInline]
		}
		inline++
		res.Scripts++
		a.forward(res, queue.Job{
			Origin:      pageURL + "#inline-" + strconv.Itoa(inline),
			Referer:     pageURL,
			Body:        code,
			InScopeHint: inScope,
		})
	})

	for _, f := range formFields(doc, pageURL) {
		if a.store.UpsertParameter(f.name, f.source, aggregate.TypeForm, f.value) {
			res.Parameters++
		}
	}
}

func (a *Analyzer) forward(res *Result, job queue.Job) {
	if a.submit == nil || strings.TrimSpace(job.Body) == "" {
		return
	}
	if err := a.submit(job); err != nil {
		res.Dropped++
		return
	}
	res.Submitted++
}

// JSONKeys returns every object key in a JSON document, recursively, in
// first-seen order. Invalid JSON yields nil.
func JSONKeys(body string) []string {
	trimmed := bytes.TrimSpace([]byte(body))
	if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') {
		return nil
	}
	var keys []string
	seen := make(map[string]struct{})
	collectKeys(gson.New(trimmed), seen, &keys)
	return keys
}

func collectKeys(j gson.JSON, seen map[string]struct{}, keys *[]string) {
	switch v := j.Val().(type) {
	case map[string]interface{}:
		for _, k := range sortedKeys(v) {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				*keys = append(*keys, k)
			}
			collectKeys(gson.New(v[k]), seen, keys)
		}
	case []interface{}:
		for _, item := range v {
			collectKeys(gson.New(item), seen, keys)
		}
	}
}

func isJSON(mediaType string) bool {
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

func isScriptPath(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	p := strings.ToLower(u.Path)
	return strings.HasSuffix(p, ".js") || strings.HasSuffix(p, ".mjs")
}

func isScriptType(typ string) bool {
	typ = strings.ToLower(strings.TrimSpace(typ))
	return typ == "" || typ == "module" || strings.Contains(typ, "javascript") || strings.Contains(typ, "ecmascript")
}

func requestReferer(h http.Header) string {
	if ref := strings.TrimSpace(h.Get("Referer")); ref != "" {
		return ref
	}
	return strings.TrimSpace(h.Get("Origin"))
}
