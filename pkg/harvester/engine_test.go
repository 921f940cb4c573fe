package harvester

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/PentesterFlow/ParamHarvest/internal/aggregate"
	harvesterrors "github.com/PentesterFlow/ParamHarvest/internal/errors"
	"github.com/PentesterFlow/ParamHarvest/internal/extract"
	"github.com/PentesterFlow/ParamHarvest/internal/logger"
	"github.com/PentesterFlow/ParamHarvest/internal/patterns"
	"github.com/PentesterFlow/ParamHarvest/internal/queue"
	"github.com/PentesterFlow/ParamHarvest/internal/state"
	"github.com/PentesterFlow/ParamHarvest/internal/traffic"
)

const concatBody = `fetch("/api/v1/users?id=" + uid)`

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithLogger(logger.Nop()), WithAutoSave(0)}, opts...)
	e, err := New(DefaultConfig(), opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

// failingStore refuses every write.
type failingStore struct {
	mu    sync.Mutex
	saves int
}

func (s *failingStore) Save(name string, data []byte) error {
	s.mu.Lock()
	s.saves++
	s.mu.Unlock()
	return errors.New("disk full")
}
func (s *failingStore) Load(name string) ([]byte, error) { return nil, nil }
func (s *failingStore) Names() ([]string, error)         { return nil, nil }
func (s *failingStore) Close() error                     { return nil }

// =============================================================================
// Construction Tests
// =============================================================================

func TestNew_InvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Workers = 0
	cfg.QueueSize = 0

	if _, err := New(cfg, WithLogger(logger.Nop())); err == nil {
		t.Fatal("New() accepted an invalid config")
	}

	// Options run before validation and can repair it.
	e, err := New(cfg, WithLogger(logger.Nop()), WithWorkers(1), WithQueueSize(4))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer e.Close()
	if e.Config().Workers != 1 || e.Config().QueueSize != 4 {
		t.Errorf("config = %+v", e.Config())
	}
	if cfg.Workers != 0 {
		t.Error("New() modified the caller's config")
	}
}

func TestNew_NilConfig(t *testing.T) {
	e, err := New(nil, WithLogger(logger.Nop()))
	if err != nil {
		t.Fatalf("New(nil) error = %v", err)
	}
	defer e.Close()
	if e.Store() == nil || e.Metrics() == nil || e.Logger() == nil {
		t.Error("New(nil) left components unset")
	}
}

// =============================================================================
// Extraction Tests
// =============================================================================

func TestEngine_ProcessEndToEnd(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	res, err := e.Process(ctx, queue.Job{
		Origin:      "https://a.test/app.js",
		Body:        concatBody,
		InScopeHint: true,
	})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if res.Skipped != "" || res.Created == 0 {
		t.Fatalf("res = %+v", res)
	}

	rec, ok := e.Store().Endpoint("https://a.test/app.js", "/api/v1/users?id=uid")
	if !ok {
		t.Fatalf("endpoint missing: %+v", e.Store().ExportEndpoints())
	}
	if rec.Kind != patterns.KindConcatenated || !rec.InScope {
		t.Errorf("rec = %+v", rec)
	}

	res, _ = e.Process(ctx, queue.Job{Origin: "https://b.test/copy.js", Body: concatBody})
	if res.Skipped != extract.SkipDuplicate {
		t.Errorf("Skipped = %q, want duplicate", res.Skipped)
	}

	snap := e.Metrics().Snapshot()
	if snap.JobsProcessed != 1 || snap.JobsDeduplicated != 1 {
		t.Errorf("processed=%d deduplicated=%d", snap.JobsProcessed, snap.JobsDeduplicated)
	}
	if snap.EndpointsCreated == 0 {
		t.Error("EndpointsCreated = 0")
	}
}

func TestEngine_ProcessIgnoredOrigin(t *testing.T) {
	e := newTestEngine(t)

	res, err := e.Process(context.Background(), queue.Job{
		Origin: "https://cdn.test/jquery.min.js",
		Body:   `fetch("/api/skip")`,
	})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if res.Skipped != extract.SkipIgnoredOrigin {
		t.Errorf("Skipped = %q", res.Skipped)
	}
	if e.Metrics().Snapshot().JobsIgnored != 1 {
		t.Error("ignored job not counted")
	}
}

func TestEngine_ShutdownDrainsQueue(t *testing.T) {
	e := newTestEngine(t, WithWorkers(2), WithDequeueTimeout(10*time.Millisecond))
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := e.Start(context.Background()); err == nil {
		t.Error("second Start() should fail")
	}

	for _, path := range []string{"/api/one", "/api/two", "/api/three"} {
		err := e.Submit(queue.Job{Origin: "https://a.test" + path + ".js", Body: `fetch("` + path + `")`})
		if err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	for _, path := range []string{"/api/one", "/api/two", "/api/three"} {
		if _, ok := e.Store().Endpoint("https://a.test"+path+".js", path); !ok {
			t.Errorf("endpoint %s not extracted before Shutdown returned", path)
		}
	}
	snap := e.Metrics().Snapshot()
	if snap.JobsSubmitted != 3 || snap.JobsProcessed != 3 {
		t.Errorf("submitted=%d processed=%d", snap.JobsSubmitted, snap.JobsProcessed)
	}
	if snap.ActiveWorkers != 0 {
		t.Errorf("ActiveWorkers = %d after Shutdown", snap.ActiveWorkers)
	}
	if err := e.Close(); err != nil {
		t.Errorf("Close() after Shutdown error = %v", err)
	}
}

func TestEngine_CloseDropsQueuedJobs(t *testing.T) {
	e := newTestEngine(t)

	for _, path := range []string{"/api/one", "/api/two"} {
		if err := e.Submit(queue.Job{Origin: "https://a.test" + path + ".js", Body: `fetch("` + path + `")`}); err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	snap := e.Metrics().Snapshot()
	if snap.DropReasons[DropClosed] != 2 {
		t.Errorf("DropReasons = %v, want 2 closed", snap.DropReasons)
	}
	if snap.JobsProcessed != 0 {
		t.Errorf("JobsProcessed = %d, want 0", snap.JobsProcessed)
	}
	if n := len(e.Store().ExportEndpoints()); n != 0 {
		t.Errorf("endpoints = %d after Close", n)
	}
}

// =============================================================================
// Submission Tests
// =============================================================================

func TestEngine_SubmitQueueFull(t *testing.T) {
	e := newTestEngine(t, WithQueueSize(1))

	if err := e.Submit(queue.Job{Origin: "a", Body: "x"}); err != nil {
		t.Fatalf("first Submit() error = %v", err)
	}
	err := e.Submit(queue.Job{Origin: "b", Body: "y"})
	if !errors.Is(err, harvesterrors.ErrQueueFull) {
		t.Fatalf("second Submit() error = %v, want ErrQueueFull", err)
	}

	snap := e.Metrics().Snapshot()
	if snap.JobsDropped != 1 || snap.DropReasons[DropQueueFull] != 1 {
		t.Errorf("dropped=%d reasons=%v", snap.JobsDropped, snap.DropReasons)
	}
	if e.Stats().Queue.Depth != 1 {
		t.Errorf("queue depth = %d", e.Stats().Queue.Depth)
	}
}

func TestEngine_SubmitTooLarge(t *testing.T) {
	e := newTestEngine(t)
	e.config.MaxBodyMB = 1

	err := e.Submit(queue.Job{Origin: "big.js", Body: strings.Repeat("a", 1<<20+1)})
	if harvesterrors.GetErrorType(err) != harvesterrors.Input {
		t.Fatalf("Submit() error = %v, want input error", err)
	}
	if e.Metrics().Snapshot().DropReasons[DropTooLarge] != 1 {
		t.Error("oversized body not counted")
	}
}

func TestEngine_SubmitAfterClose(t *testing.T) {
	e := newTestEngine(t)
	e.Close()

	if err := e.Submit(queue.Job{Origin: "a", Body: "x"}); !errors.Is(err, harvesterrors.ErrEngineClosed) {
		t.Errorf("Submit() error = %v, want ErrEngineClosed", err)
	}
	if _, err := e.Process(context.Background(), queue.Job{Origin: "a", Body: "x"}); !errors.Is(err, harvesterrors.ErrEngineClosed) {
		t.Errorf("Process() error = %v, want ErrEngineClosed", err)
	}
	if err := e.Start(context.Background()); !errors.Is(err, harvesterrors.ErrEngineClosed) {
		t.Errorf("Start() error = %v, want ErrEngineClosed", err)
	}
}

func TestEngine_SubmitTrafficFillsReferer(t *testing.T) {
	e := newTestEngine(t, WithTargetHosts("a.test"))

	res := e.SubmitTraffic(traffic.Exchange{
		URL:             "https://a.test/index.html?lang=en",
		Status:          200,
		ResponseHeaders: http.Header{"Content-Type": {"text/html"}},
		ResponseBody:    `<html><script src="/static/app.js"></script><script>fetch("/api/inline")</script></html>`,
	})
	if res.Referers != 1 || res.Submitted != 1 {
		t.Fatalf("res = %+v", res)
	}
	if _, ok := e.Store().Parameter("lang"); !ok {
		t.Error("query parameter from traffic missing")
	}

	if err := e.Submit(queue.Job{Origin: "https://a.test/static/app.js", Body: `fetch("/api/x")`}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	inline, err := e.queue.Pop(context.Background(), 0)
	if err != nil {
		t.Fatalf("Pop() error = %v", err)
	}
	if inline.Origin != "https://a.test/index.html?lang=en#inline-1" {
		t.Errorf("inline origin = %q", inline.Origin)
	}

	job, err := e.queue.Pop(context.Background(), 0)
	if err != nil {
		t.Fatalf("Pop() error = %v", err)
	}
	if job.Referer != "https://a.test" {
		t.Errorf("Referer = %q, want tracked page origin", job.Referer)
	}
	if job.Enqueued.IsZero() {
		t.Error("Enqueued not stamped")
	}
}

// =============================================================================
// Subscription Tests
// =============================================================================

func TestEngine_Subscribe(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	var mu sync.Mutex
	var got []string
	unsubscribe := e.Subscribe(func(rec aggregate.EndpointRecord) {
		mu.Lock()
		got = append(got, rec.Value)
		mu.Unlock()
	})

	e.Process(ctx, queue.Job{Origin: "https://a.test/1.js", Body: `fetch("/api/first")`})
	unsubscribe()
	e.Process(ctx, queue.Job{Origin: "https://a.test/2.js", Body: `fetch("/api/second")`})

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != "/api/first" {
		t.Errorf("published = %v, want [/api/first]", got)
	}
}

// =============================================================================
// AST Producer Tests
// =============================================================================

func TestEngine_ASTProducer(t *testing.T) {
	e := newTestEngine(t, WithAST(true))

	_, err := e.Process(context.Background(), queue.Job{
		Origin: "https://a.test/app.js",
		Body:   `fetch("/api/users?id=1")`,
	})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	if len(e.Store().SnapshotCodeURLs()) == 0 {
		t.Fatal("no code URLs recorded")
	}
	p, ok := e.Store().Parameter("id")
	if !ok || !p.OnlyInCode {
		t.Errorf("parameter id = %+v, %v", p, ok)
	}

	stats := e.Stats()
	if stats.AST == nil || stats.AST.Scanned != 1 {
		t.Errorf("AST stats = %+v", stats.AST)
	}
	if stats.Metrics.ASTRecords == 0 {
		t.Error("ASTRecords = 0")
	}
}

func TestEngine_ASTDisabled(t *testing.T) {
	e := newTestEngine(t)
	e.Process(context.Background(), queue.Job{Origin: "https://a.test/app.js", Body: `fetch("/api/users?id=1")`})

	if n := len(e.Store().SnapshotCodeURLs()); n != 0 {
		t.Errorf("code URLs = %d with AST disabled", n)
	}
	if e.Stats().AST != nil {
		t.Error("AST stats reported while disabled")
	}
}

// =============================================================================
// Persistence Tests
// =============================================================================

func TestEngine_PersistRoundTrip(t *testing.T) {
	for _, backend := range []string{state.BackendFile, state.BackendBolt} {
		t.Run(backend, func(t *testing.T) {
			dir := t.TempDir()
			cfg := DefaultConfig()
			cfg.State.Dir = dir
			cfg.State.Backend = backend
			cfg.State.AutoSave = 0

			first, err := New(cfg, WithLogger(logger.Nop()))
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			first.Process(context.Background(), queue.Job{
				Origin:      "https://a.test/app.js",
				Body:        concatBody,
				InScopeHint: true,
			})
			first.Store().UpsertParameter("token", "a.test /login", aggregate.TypeBody, "abc")
			first.Store().UpsertEndpoint(aggregate.EndpointRecord{
				Value:     "/path(weird)",
				Origin:    "https://a.test/odd.js",
				Kind:      patterns.KindRelative,
				Uncertain: true,
			})
			first.Store().UpsertEndpoint(aggregate.EndpointRecord{
				Value:  "/clean/path",
				Origin: "https://a.test/odd.js",
				Kind:   patterns.KindAbsolute,
			})
			first.Store().MarkFalsePositive("/clean/path", "https://a.test/odd.js", true)
			first.Store().MergeCodeURLs([]aggregate.CodeURLRecord{{
				URL:      "/api/x",
				Type:     "stringLiteral",
				Filename: "https://a.test/app.js",
			}})
			before := len(first.Store().ExportEndpoints())
			if err := first.Close(); err != nil {
				t.Fatalf("Close() error = %v", err)
			}

			second, err := New(cfg, WithLogger(logger.Nop()))
			if err != nil {
				t.Fatalf("reopen error = %v", err)
			}
			defer second.Close()

			rec, ok := second.Store().Endpoint("https://a.test/app.js", "/api/v1/users?id=uid")
			if !ok || !rec.InScope {
				t.Errorf("endpoint after reload = %+v, %v", rec, ok)
			}
			if _, ok := second.Store().Parameter("token"); !ok {
				t.Error("parameter lost across restart")
			}
			if odd, ok := second.Store().Endpoint("https://a.test/odd.js", "/path(weird)"); !ok || !odd.Uncertain {
				t.Errorf("uncertain endpoint after reload = %+v, %v", odd, ok)
			}
			if fp, ok := second.Store().Endpoint("https://a.test/odd.js", "/clean/path"); !ok || !fp.FalsePositive {
				t.Errorf("false positive endpoint after reload = %+v, %v", fp, ok)
			}
			if after := len(second.Store().ExportEndpoints()); after != before {
				t.Errorf("endpoints after reload = %d, want %d", after, before)
			}
			codeURLs := second.Store().SnapshotCodeURLs()
			if len(codeURLs) != 1 || codeURLs[0].URL != "/api/x" || codeURLs[0].Method != "" {
				t.Errorf("code urls after reload = %+v", codeURLs)
			}

			res, _ := second.Process(context.Background(), queue.Job{Origin: "https://c.test/x.js", Body: concatBody})
			if res.Skipped != extract.SkipDuplicate {
				t.Errorf("Skipped = %q, want duplicate from the dedup log", res.Skipped)
			}
		})
	}
}

func TestEngine_IgnoredValuesSurviveRestart(t *testing.T) {
	cfg := DefaultConfig()
	cfg.State.Dir = t.TempDir()
	cfg.State.AutoSave = 0

	first, err := New(cfg, WithLogger(logger.Nop()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	first.Process(context.Background(), queue.Job{Origin: "https://a.test/1.js", Body: `fetch("/api/noise")`})
	if n := first.IgnoreValue("/api/noise"); n != 1 {
		t.Errorf("IgnoreValue() removed %d", n)
	}

	data, err := first.snapshots.Load(state.CollectionIgnored)
	if err != nil {
		t.Fatalf("Load(ignored) error = %v", err)
	}
	saved := aggregate.DecodeIgnored(data)
	found := false
	for _, v := range saved {
		found = found || v == "/api/noise"
	}
	if !found {
		t.Errorf("ignored values not saved right away: %v", saved)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	second, err := New(cfg, WithLogger(logger.Nop()))
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer second.Close()

	if !second.Store().IsIgnored("/api/noise") {
		t.Fatal("ignored value lost across restart")
	}
	second.Process(context.Background(), queue.Job{Origin: "https://a.test/2.js", Body: `fetch("/api/noise"); fetch("/api/kept")`})
	if _, ok := second.Store().Endpoint("https://a.test/2.js", "/api/noise"); ok {
		t.Error("ignored value recorded after restart")
	}
	if _, ok := second.Store().Endpoint("https://a.test/2.js", "/api/kept"); !ok {
		t.Error("other value suppressed after restart")
	}
}

func TestEngine_ConfigIgnoredValuesFilterMerge(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Ignore.Values = append(cfg.Ignore.Values, "/cfg/noise")
	e, err := New(cfg, WithLogger(logger.Nop()), WithAutoSave(0))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer e.Close()

	if !e.Store().IsIgnored("/cfg/noise") {
		t.Fatal("configured ignore value not in store")
	}
	res, _ := e.Merge([]byte(`{"o||/cfg/noise": {"value": "/cfg/noise", "origin": "o"}, "o||/kept": {"value": "/kept", "origin": "o"}}`))
	if res.Endpoints != 1 {
		t.Errorf("merged endpoints = %d, want 1", res.Endpoints)
	}
	if _, ok := e.Store().Endpoint("o", "/cfg/noise"); ok {
		t.Error("merge restored a configured ignore value")
	}
}

func TestEngine_SaveFailureIsSwallowed(t *testing.T) {
	store := &failingStore{}
	e := newTestEngine(t, WithSnapshotStore(store))
	e.Store().UpsertParameter("q", "a.test /", aggregate.TypeQuery, "")

	if failed := e.Save(); failed != len(Collections()) {
		t.Errorf("Save() failed = %d, want %d", failed, len(Collections()))
	}
	if store.saves <= len(Collections()) {
		t.Errorf("saves = %d, want retries", store.saves)
	}
	if got := e.Metrics().Snapshot().PersistFailures; got != int64(len(Collections())) {
		t.Errorf("PersistFailures = %d", got)
	}
	if _, ok := e.Store().Parameter("q"); !ok {
		t.Error("in-memory state lost after failed save")
	}
}

func TestEngine_Encode(t *testing.T) {
	e := newTestEngine(t)
	for _, name := range Collections() {
		if _, err := e.Encode(name); err != nil {
			t.Errorf("Encode(%q) error = %v", name, err)
		}
	}
	if _, err := e.Encode("nope"); err == nil {
		t.Error("Encode() accepted an unknown collection")
	}
}

// =============================================================================
// Merge Tests
// =============================================================================

func TestEngine_MergeFile(t *testing.T) {
	dir := t.TempDir()

	source := newTestEngine(t)
	source.Process(context.Background(), queue.Job{Origin: "https://a.test/app.js", Body: `fetch("/api/merged")`})
	data, err := source.Encode(state.CollectionEndpoints)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	snapshot := filepath.Join(dir, "endpoints.json")
	os.WriteFile(snapshot, data, 0644)

	ndjson := filepath.Join(dir, "jsluice.ndjson")
	os.WriteFile(ndjson, []byte(`{"url":"/api/code?page=1","method":"GET","type":"fetch","queryParams":["page"]}`+"\n"), 0644)

	e := newTestEngine(t)

	res, err := e.MergeFile(snapshot)
	if err != nil {
		t.Fatalf("MergeFile(snapshot) error = %v", err)
	}
	if res.Endpoints != 1 {
		t.Errorf("merged endpoints = %d", res.Endpoints)
	}
	again, _ := e.MergeFile(snapshot)
	if again.Endpoints != 0 {
		t.Errorf("second merge created %d endpoints", again.Endpoints)
	}

	res, err = e.MergeFile(ndjson)
	if err != nil {
		t.Fatalf("MergeFile(ndjson) error = %v", err)
	}
	if res.CodeURLs != 1 {
		t.Errorf("merged code urls = %d", res.CodeURLs)
	}
	if p, ok := e.Store().Parameter("page"); !ok || !p.OnlyInCode {
		t.Errorf("page = %+v, %v", p, ok)
	}

	if _, err := e.MergeFile(filepath.Join(dir, "missing.json")); !harvesterrors.IsPersist(err) {
		t.Errorf("missing file error = %v, want persist error", err)
	}
}

func TestEngine_MergeDetectsShape(t *testing.T) {
	e := newTestEngine(t)

	_, shape := e.Merge([]byte(`{"id":{"name":"id","types":["query"]}}`))
	if shape != aggregate.ShapeParameters {
		t.Errorf("shape = %v, want parameters", shape)
	}
	_, shape = e.Merge([]byte(`garbage`))
	if shape != aggregate.ShapeEmpty {
		t.Errorf("shape = %v, want empty", shape)
	}
}

// =============================================================================
// Store Operation Tests
// =============================================================================

func TestEngine_IgnoreAndClear(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	e.Process(ctx, queue.Job{Origin: "https://a.test/1.js", Body: `fetch("/api/noise")`})

	if n := e.IgnoreValue("/api/noise"); n != 1 {
		t.Errorf("IgnoreValue() removed %d", n)
	}
	e.Process(ctx, queue.Job{Origin: "https://a.test/2.js", Body: `fetch("/api/noise"); fetch("/api/kept")`})
	if _, ok := e.Store().Endpoint("https://a.test/2.js", "/api/noise"); ok {
		t.Error("ignored value recorded again")
	}
	if _, ok := e.Store().Endpoint("https://a.test/2.js", "/api/kept"); !ok {
		t.Error("other value suppressed")
	}

	e.ClearAll()
	if c := e.Stats().Counts; c.Endpoints+c.Uncertain+c.Parameters != 0 {
		t.Errorf("counts after ClearAll = %+v", c)
	}
}

func TestWithTargetHosts_Normalizes(t *testing.T) {
	e := newTestEngine(t, WithTargetHosts("https://API.a.test:8443/v1", "", "b.test"))

	got := e.Config().Scope.TargetHosts
	if len(got) != 2 || got[0] != "api.a.test:8443" || got[1] != "b.test" {
		t.Errorf("TargetHosts = %v", got)
	}
}
