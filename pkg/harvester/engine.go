// Package harvester assembles the extraction pipeline, its queue and
// workers, the optional AST producer and persistence into one Engine.
package harvester

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/PentesterFlow/ParamHarvest/internal/aggregate"
	"github.com/PentesterFlow/ParamHarvest/internal/astscan"
	harvesterrors "github.com/PentesterFlow/ParamHarvest/internal/errors"
	"github.com/PentesterFlow/ParamHarvest/internal/extract"
	"github.com/PentesterFlow/ParamHarvest/internal/logger"
	"github.com/PentesterFlow/ParamHarvest/internal/metrics"
	"github.com/PentesterFlow/ParamHarvest/internal/queue"
	"github.com/PentesterFlow/ParamHarvest/internal/referer"
	"github.com/PentesterFlow/ParamHarvest/internal/scope"
	"github.com/PentesterFlow/ParamHarvest/internal/state"
	"github.com/PentesterFlow/ParamHarvest/internal/traffic"
)

// Drop reasons recorded in metrics.
const (
	DropQueueFull = "queue_full"
	DropClosed    = "closed"
	DropTooLarge  = "too_large"
)

// dedupEstimate sizes the bloom prefilter of the content-hash cache.
const dedupEstimate = 100000

// Engine is the harvesting orchestrator.
type Engine struct {
	config    *Config
	store     *aggregate.Store
	dedup     *state.DedupCache
	referers  *referer.Tracker
	scope     *scope.Checker
	pipeline  *extract.Pipeline
	queue     *queue.Bounded[queue.Job]
	ast       *astscan.Scanner
	traffic   *traffic.Analyzer
	snapshots state.SnapshotStore
	retrier   *harvesterrors.Retrier
	logger    *logger.Logger
	metrics   *metrics.Collector
	dropLog   *rate.Limiter

	subMu   sync.RWMutex
	subs    map[int]func(aggregate.EndpointRecord)
	nextSub int

	saveMu    sync.Mutex
	running   atomic.Bool
	closed    atomic.Bool
	cancel    context.CancelFunc
	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// Stats is a point-in-time view of the engine.
type Stats struct {
	Counts       aggregate.Counts  `json:"counts"`
	Queue        queue.Stats       `json:"queue"`
	AST          *astscan.Stats    `json:"ast,omitempty"`
	Metrics      *metrics.Snapshot `json:"metrics"`
	Fingerprints int               `json:"fingerprints"`
	Referers     int               `json:"referers"`
}

// New creates an engine from cfg (defaults when nil) and opts. Previously
// saved snapshots are loaded before New returns. Workers start with Start.
func New(cfg *Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	e := &Engine{
		config: cfg.Clone(),
		subs:   make(map[int]func(aggregate.EndpointRecord)),
		stop:   make(chan struct{}),
	}

	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if err := e.config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if e.logger == nil {
		level, err := logger.ParseLevel(e.config.Log.Level)
		if err != nil {
			level = logger.InfoLevel
		}
		e.logger = logger.New(logger.Config{
			Level:     level,
			Pretty:    e.config.Log.Pretty,
			Component: "harvester",
		})
	}
	if e.metrics == nil {
		e.metrics = metrics.New()
	}
	if e.store == nil {
		e.store = aggregate.NewStore(aggregate.WithIgnoredValues(e.config.Ignore.Values...))
	}
	e.retrier = harvesterrors.NewRetrier(harvesterrors.DefaultRetryConfig())
	e.dropLog = rate.NewLimiter(rate.Every(time.Second), 5)

	if err := e.initialize(); err != nil {
		e.closeResources()
		return nil, err
	}
	if err := e.Load(); err != nil {
		e.logger.WithError(err).Warn("Failed to load saved state")
	}
	return e, nil
}

// initialize sets up all engine components.
func (e *Engine) initialize() error {
	var err error
	cfg := e.config

	if cfg.State.Dir != "" {
		if err := os.MkdirAll(cfg.State.Dir, 0755); err != nil {
			return harvesterrors.NewPersistError(cfg.State.Dir, "mkdir", err)
		}
	}

	e.scope, err = scope.NewChecker(cfg.Scope)
	if err != nil {
		return fmt.Errorf("failed to create scope checker: %w", err)
	}

	if path := cfg.statePath(cfg.State.DedupLog); path != "" {
		e.dedup, err = state.OpenDedupCache(path, dedupEstimate, e.logger.WithComponent("dedup"))
		if err != nil {
			return harvesterrors.NewPersistError(path, "open", err)
		}
	} else {
		e.dedup = state.NewDedupCache(dedupEstimate)
	}

	if path := cfg.statePath(cfg.State.RefererLog); path != "" {
		e.referers, err = referer.Open(path, cfg.State.RefererCacheSize, e.logger.WithComponent("referer"))
		if err != nil {
			return harvesterrors.NewPersistError(path, "open", err)
		}
	} else if e.referers, err = referer.New(cfg.State.RefererCacheSize); err != nil {
		return fmt.Errorf("failed to create referer tracker: %w", err)
	}

	if e.snapshots == nil {
		backend := cfg.State.Backend
		if cfg.State.Dir == "" {
			backend = state.BackendMemory
		}
		e.snapshots, err = state.Open(backend, cfg.State.Dir, cfg.State.Compressed)
		if err != nil {
			return harvesterrors.NewPersistError(cfg.State.Dir, "open", err)
		}
	}

	e.pipeline = extract.New(e.store,
		extract.WithDedup(e.dedup),
		extract.WithScope(e.scope),
		extract.WithIgnore(cfg.Ignore),
		extract.WithDeriveParams(cfg.DeriveQueryParams),
		extract.WithLogger(e.logger.WithComponent("extract")),
		extract.OnEndpointCreated(e.publish),
	)

	e.queue = queue.New[queue.Job](cfg.QueueSize)

	if cfg.AST.Enabled {
		scanned := astscan.NewScannedLog()
		if path := cfg.statePath(cfg.AST.ScannedLog); path != "" {
			scanned, err = astscan.OpenScannedLog(path, e.logger.WithComponent("astscan"))
			if err != nil {
				return harvesterrors.NewPersistError(path, "open", err)
			}
		}
		e.ast = astscan.New(e.store, astscan.Config{
			Workers:        cfg.AST.Workers,
			QueueSize:      cfg.AST.QueueSize,
			MaxBodyBytes:   cfg.AST.MaxBodyMB << 20,
			DequeueTimeout: cfg.DequeueTimeout,
		},
			astscan.WithScannedLog(scanned),
			astscan.WithLogger(e.logger),
			astscan.OnMerge(func(res aggregate.MergeResult, n int) {
				e.metrics.RecordASTRecords(n)
				e.metrics.RecordParameters(res.Parameters)
			}),
		)
	}

	e.traffic = traffic.New(e.store,
		traffic.WithSubmitter(e.Submit),
		traffic.WithRefererTracker(e.referers),
		traffic.WithScope(e.scope),
		traffic.WithMaxInlineJSKB(cfg.MaxInlineJSKB),
		traffic.WithLogger(e.logger.WithComponent("traffic")),
	)
	return nil
}

// Start launches the extraction workers, the AST workers and the auto-save
// loop. It returns immediately; Close stops everything.
func (e *Engine) Start(ctx context.Context) error {
	if e.closed.Load() {
		return harvesterrors.ErrEngineClosed
	}
	if !e.running.CompareAndSwap(false, true) {
		return fmt.Errorf("engine already running")
	}

	ctx, e.cancel = context.WithCancel(ctx)

	for i := 0; i < e.config.Workers; i++ {
		e.wg.Add(1)
		go e.worker(ctx, i)
	}
	if e.ast != nil {
		e.ast.Start(ctx)
	}
	if e.config.State.AutoSave > 0 {
		e.wg.Add(1)
		go e.autoSave(ctx, e.config.State.AutoSave)
	}

	e.logger.Infof("Engine started with %d workers (queue %d, ast %v)",
		e.config.Workers, e.config.QueueSize, e.ast != nil)
	return nil
}

// Submit enqueues a body for extraction without blocking. A full queue
// drops the job and returns ErrQueueFull. A missing referer is filled in
// from the referer tracker.
func (e *Engine) Submit(job queue.Job) error {
	if e.closed.Load() {
		e.drop(job.Origin, DropClosed)
		return harvesterrors.ErrEngineClosed
	}
	if len(job.Body) > e.config.MaxBodyMB<<20 {
		e.drop(job.Origin, DropTooLarge)
		return harvesterrors.New(harvesterrors.Input, job.Origin, "submit", "body exceeds max_body_mb", nil)
	}

	job.Referer = e.referers.Resolve(job.Origin, job.Referer)
	if job.Enqueued.IsZero() {
		job.Enqueued = time.Now()
	}

	if err := e.queue.TryPush(job); err != nil {
		reason := DropQueueFull
		if errors.Is(err, harvesterrors.ErrQueueClosed) {
			reason = DropClosed
		}
		e.drop(job.Origin, reason)
		return err
	}
	e.metrics.RecordSubmitted()
	e.metrics.SetQueueDepth(int64(e.queue.Len()))
	return nil
}

// SubmitTraffic harvests parameters from a captured exchange and forwards
// the JavaScript it carries.
func (e *Engine) SubmitTraffic(ex traffic.Exchange) traffic.Result {
	return e.traffic.Analyze(ex)
}

// Process extracts one body synchronously, bypassing the queue. When the
// AST producer is enabled the admitted body is scanned by it as well.
func (e *Engine) Process(ctx context.Context, job queue.Job) (extract.Result, error) {
	if e.closed.Load() {
		return extract.Result{}, harvesterrors.ErrEngineClosed
	}
	job.Referer = e.referers.Resolve(job.Origin, job.Referer)

	res, err := e.extract(ctx, job)
	if err != nil || res.Skipped != "" || e.ast == nil {
		return res, err
	}
	if _, _, err := e.ast.Scan(ctx, job); err != nil {
		e.logger.WithOrigin(job.Origin).WithError(err).Warn("AST scan failed")
	}
	return res, nil
}

// extract runs the pipeline on job and records the outcome in metrics.
func (e *Engine) extract(ctx context.Context, job queue.Job) (extract.Result, error) {
	res, err := e.pipeline.Process(ctx, extract.Input{
		Origin:      job.Origin,
		Referer:     job.Referer,
		Body:        job.Body,
		InScopeHint: job.InScopeHint,
	})

	switch res.Skipped {
	case extract.SkipDuplicate:
		e.metrics.RecordDeduplicated()
	case extract.SkipIgnoredOrigin:
		e.metrics.RecordIgnored()
	case "":
		e.metrics.RecordProcessed(len(job.Body), res.Duration)
		e.metrics.RecordEndpoints(res.Created)
		e.metrics.RecordParameters(res.Parameters)
	}
	return res, err
}

// worker processes jobs from the queue.
func (e *Engine) worker(ctx context.Context, id int) {
	defer e.wg.Done()
	e.metrics.WorkerStarted()
	defer e.metrics.WorkerStopped()

	log := e.logger.WithWorker(id)

	for {
		job, err := e.queue.Pop(ctx, e.config.DequeueTimeout)
		switch {
		case err == nil:
		case errors.Is(err, harvesterrors.ErrQueueEmpty):
			continue
		default:
			return
		}
		e.metrics.SetQueueDepth(int64(e.queue.Len()))

		res, err := e.extract(ctx, job)
		if err != nil {
			log.WithOrigin(job.Origin).WithError(err).Debug("Extraction stopped")
			continue
		}
		if res.Skipped != "" || e.ast == nil {
			continue
		}
		if _, err := e.ast.Enqueue(job); err != nil {
			log.WithOrigin(job.Origin).WithError(err).Debug("AST queue refused job")
		}
	}
}

// autoSave periodically persists all collections.
func (e *Engine) autoSave(ctx context.Context, every time.Duration) {
	defer e.wg.Done()

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stop:
			return
		case <-ticker.C:
			e.Save()
			e.logger.StatsEvent(e.metrics.Snapshot().Summary())
		}
	}
}

// drop records a refused job. Warnings are throttled so a flood of drops
// does not flood the log.
func (e *Engine) drop(origin, reason string) {
	e.metrics.RecordDropped(reason)
	if e.dropLog.Allow() {
		e.logger.DropEvent(origin, reason)
	}
}

// Subscribe registers fn for every newly created endpoint record and
// returns a function that removes it. fn runs on the worker goroutine and
// must not block.
func (e *Engine) Subscribe(fn func(aggregate.EndpointRecord)) func() {
	e.subMu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = fn
	e.subMu.Unlock()

	return func() {
		e.subMu.Lock()
		delete(e.subs, id)
		e.subMu.Unlock()
	}
}

func (e *Engine) publish(rec aggregate.EndpointRecord) {
	e.subMu.RLock()
	defer e.subMu.RUnlock()
	for _, fn := range e.subs {
		fn(rec)
	}
}

// Encode returns the JSON snapshot of one collection. The endpoints
// collection carries every record, uncertain and false positive included.
func (e *Engine) Encode(collection string) ([]byte, error) {
	switch collection {
	case state.CollectionEndpoints:
		return aggregate.EncodeEndpoints(e.store.ExportEndpoints())
	case state.CollectionParameters:
		return aggregate.EncodeParameters(e.store.SnapshotParameters())
	case state.CollectionCodeURLs:
		return aggregate.EncodeCodeURLs(e.store.SnapshotCodeURLs())
	case state.CollectionIgnored:
		return aggregate.EncodeIgnored(e.store.IgnoredValues())
	}
	return nil, fmt.Errorf("unknown collection %q", collection)
}

// Collections lists the persisted collection names.
func Collections() []string {
	return []string{state.CollectionIgnored, state.CollectionEndpoints, state.CollectionParameters, state.CollectionCodeURLs}
}

// collectionShapes maps each record collection to the shape it is saved in.
var collectionShapes = map[string]aggregate.Shape{
	state.CollectionEndpoints:  aggregate.ShapeEndpoints,
	state.CollectionParameters: aggregate.ShapeParameters,
	state.CollectionCodeURLs:   aggregate.ShapeCodeURLs,
}

// Save writes every collection through the snapshot store. Failures are
// retried, then logged and counted; in-memory state stays authoritative.
// It returns the number of collections that could not be saved.
func (e *Engine) Save() int {
	e.saveMu.Lock()
	defer e.saveMu.Unlock()

	failed := 0
	for _, name := range Collections() {
		if !e.saveCollection(name) {
			failed++
		}
	}
	return failed
}

// saveCollection encodes and writes one collection. Callers hold saveMu.
func (e *Engine) saveCollection(name string) bool {
	data, err := e.Encode(name)
	if err != nil {
		e.metrics.RecordPersistFailure()
		e.logger.PersistFailure(err, name, "encode")
		return false
	}

	result := e.retrier.Do(context.Background(), "save", name, func(ctx context.Context) error {
		if err := e.snapshots.Save(name, data); err != nil {
			return harvesterrors.NewPersistError(name, "save", err)
		}
		return nil
	})
	if !result.Success {
		e.metrics.RecordPersistFailure()
		e.logger.PersistFailure(result.LastError, name, "save")
		return false
	}
	return true
}

// Load merges every saved collection into the store. Each collection is
// decoded with its own shape. Saved ignored values are applied first so they
// also filter the records loaded after them. Missing collections are not an
// error.
func (e *Engine) Load() error {
	var errs []error
	for _, name := range Collections() {
		data, err := e.snapshots.Load(name)
		if err != nil {
			errs = append(errs, harvesterrors.NewPersistError(name, "load", err))
			continue
		}
		if len(data) == 0 {
			continue
		}

		if name == state.CollectionIgnored {
			values := aggregate.DecodeIgnored(data)
			for _, v := range values {
				e.store.IgnoreValue(v)
			}
			e.logger.Debugf("loaded %d ignored values", len(values))
			continue
		}

		res := e.store.MergeFrom(aggregate.DecodeCollection(data, collectionShapes[name]))
		e.logger.Debugf("loaded %s: %d endpoints, %d parameters, %d code urls",
			name, res.Endpoints, res.Parameters, res.CodeURLs)
	}
	return errors.Join(errs...)
}

// Merge folds an externally produced snapshot into the store. The shape is
// detected from the content.
func (e *Engine) Merge(data []byte) (aggregate.MergeResult, aggregate.Shape) {
	batch, shape := aggregate.DecodeSnapshotShape(data)
	return e.store.MergeFrom(batch), shape
}

// MergeFile merges a snapshot file, or an NDJSON file of AST producer
// records when the name ends in .ndjson or .jsonl.
func (e *Engine) MergeFile(path string) (aggregate.MergeResult, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ndjson", ".jsonl":
		records, err := astscan.DecodeNDJSONFile(path, "file://"+path, "")
		if err != nil {
			return aggregate.MergeResult{}, harvesterrors.NewDecodeError(path, "merge", err)
		}
		res := e.store.MergeCodeURLs(records)
		e.metrics.RecordASTRecords(len(records))
		return res, nil
	}

	data, err := state.ReadSnapshotFile(path)
	if err != nil {
		return aggregate.MergeResult{}, harvesterrors.NewPersistError(path, "read", err)
	}
	res, shape := e.Merge(data)
	e.logger.WithOrigin(path).Debugf("merged %s snapshot", shape)
	return res, nil
}

// IgnoreValue drops every endpoint with value and suppresses it from now on.
// The ignored values are saved right away so they survive a restart.
func (e *Engine) IgnoreValue(value string) int {
	removed := e.store.IgnoreValue(value)
	if !e.store.IsIgnored(value) {
		return removed
	}

	e.saveMu.Lock()
	defer e.saveMu.Unlock()
	if !e.closed.Load() {
		e.saveCollection(state.CollectionIgnored)
	}
	return removed
}

// ClearAll removes every record from the store.
func (e *Engine) ClearAll() {
	e.store.ClearAll()
}

// Store returns the aggregation store.
func (e *Engine) Store() *aggregate.Store {
	return e.store
}

// Config returns the engine configuration.
func (e *Engine) Config() *Config {
	return e.config
}

// Logger returns the engine logger.
func (e *Engine) Logger() *logger.Logger {
	return e.logger
}

// Metrics returns the metrics collector.
func (e *Engine) Metrics() *metrics.Collector {
	return e.metrics
}

// Stats returns current engine statistics.
func (e *Engine) Stats() Stats {
	s := Stats{
		Counts:       e.store.Counts(),
		Queue:        e.queue.Stats(),
		Metrics:      e.metrics.Snapshot(),
		Fingerprints: e.dedup.Len(),
		Referers:     e.referers.Len(),
	}
	if e.ast != nil {
		ast := e.ast.Stats()
		s.AST = &ast
	}
	return s
}

// Close stops accepting jobs and cancels in-flight extraction. Jobs still
// queued are dropped. State is then saved and every file released. Use
// Shutdown to let queued jobs finish first. It is safe to call more than
// once.
func (e *Engine) Close() error {
	return e.shutdown(nil)
}

// Shutdown stops accepting jobs and lets the workers drain the queue until
// ctx is done, then closes the engine like Close.
func (e *Engine) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return e.shutdown(ctx)
}

// shutdown drains the queue while drain is live; a nil drain skips it.
func (e *Engine) shutdown(drain context.Context) error {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		close(e.stop)
		e.queue.Close()

		if drain != nil {
			done := make(chan struct{})
			go func() {
				e.wg.Wait()
				close(done)
			}()
			select {
			case <-done:
			case <-drain.Done():
				e.logger.Warn("Drain deadline reached, cancelling extraction")
			}
		}
		if e.cancel != nil {
			e.cancel()
		}
		e.wg.Wait()
		e.dropQueued()

		if e.ast != nil {
			if err := e.ast.Close(); err != nil {
				e.logger.PersistFailure(err, e.config.AST.ScannedLog, "close")
			}
		}
		if failed := e.Save(); failed > 0 {
			e.closeErr = harvesterrors.NewPersistError(e.config.State.Dir, "save",
				fmt.Errorf("%d collections not saved", failed))
		}
		e.saveMu.Lock()
		e.closeResources()
		e.saveMu.Unlock()
		e.logger.StatsEvent(e.metrics.Snapshot().Summary())
	})
	return e.closeErr
}

// dropQueued counts the jobs left in the closed queue as dropped.
func (e *Engine) dropQueued() {
	for {
		job, err := e.queue.Pop(context.Background(), 0)
		if err != nil {
			e.metrics.SetQueueDepth(0)
			return
		}
		e.drop(job.Origin, DropClosed)
	}
}

func (e *Engine) closeResources() {
	if e.dedup != nil {
		if err := e.dedup.Close(); err != nil {
			e.logger.PersistFailure(err, e.config.State.DedupLog, "close")
		}
	}
	if e.referers != nil {
		if err := e.referers.Close(); err != nil {
			e.logger.PersistFailure(err, e.config.State.RefererLog, "close")
		}
	}
	if e.snapshots != nil {
		if err := e.snapshots.Close(); err != nil {
			e.logger.PersistFailure(err, e.config.State.Dir, "close")
		}
	}
}
