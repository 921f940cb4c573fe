// Package astscan is the secondary, AST-based endpoint producer. It runs
// jsluice over admitted JavaScript bodies and folds the URLs it finds into
// the code-URL namespace of the aggregation store.
package astscan

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BishopFox/jsluice"

	"github.com/PentesterFlow/ParamHarvest/internal/aggregate"
	harvesterrors "github.com/PentesterFlow/ParamHarvest/internal/errors"
	"github.com/PentesterFlow/ParamHarvest/internal/extract"
	"github.com/PentesterFlow/ParamHarvest/internal/logger"
	"github.com/PentesterFlow/ParamHarvest/internal/queue"
	"github.com/PentesterFlow/ParamHarvest/internal/state"
)

// Record is one URL reported by the AST producer.
type Record = aggregate.CodeURLRecord

// Skip reasons returned by Enqueue and Scan.
const (
	SkipEmpty    = "empty"
	SkipTooLarge = "too-large"
	SkipScanned  = "already-scanned"
)

// Config configures a Scanner.
type Config struct {
	Workers        int
	QueueSize      int
	MaxBodyBytes   int
	DequeueTimeout time.Duration
}

// DefaultConfig returns the scanner defaults.
func DefaultConfig() Config {
	return Config{
		Workers:        2,
		QueueSize:      100,
		MaxBodyBytes:   8 << 20,
		DequeueTimeout: 2 * time.Second,
	}
}

// Stats reports scanner activity.
type Stats struct {
	Queue    queue.Stats `json:"queue"`
	Scanned  int64       `json:"scanned"`
	Records  int64       `json:"records"`
	Skipped  int64       `json:"skipped"`
	Failures int64       `json:"failures"`
}

// Scanner runs jsluice on a bounded worker pool.
type Scanner struct {
	cfg     Config
	store   *aggregate.Store
	scanned *ScannedLog
	queue   *queue.Bounded[queue.Job]
	log     *logger.Logger
	onMerge func(aggregate.MergeResult, int)

	scannedN  atomic.Int64
	records   atomic.Int64
	skipped   atomic.Int64
	failures  atomic.Int64
	startOnce sync.Once
	wg        sync.WaitGroup
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithScannedLog sets the content-hash gate.
func WithScannedLog(s *ScannedLog) Option {
	return func(sc *Scanner) {
		if s != nil {
			sc.scanned = s
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(sc *Scanner) {
		if l != nil {
			sc.log = l
		}
	}
}

// OnMerge registers a callback run after each body's records are folded
// into the store, with the merge result and the number of records found.
func OnMerge(fn func(aggregate.MergeResult, int)) Option {
	return func(sc *Scanner) { sc.onMerge = fn }
}

// New creates a scanner writing into store. Workers start with Start.
func New(store *aggregate.Store, cfg Config, opts ...Option) *Scanner {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}
	if cfg.DequeueTimeout <= 0 {
		cfg.DequeueTimeout = def.DequeueTimeout
	}

	s := &Scanner{
		cfg:     cfg,
		store:   store,
		scanned: NewScannedLog(),
		queue:   queue.New[queue.Job](cfg.QueueSize),
		log:     logger.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithComponent("astscan")
	return s
}

// Start launches the workers. They exit when ctx ends or after Close once
// the queue is drained.
func (s *Scanner) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		for i := 0; i < s.cfg.Workers; i++ {
			s.wg.Add(1)
			go s.worker(ctx, i)
		}
	})
}

// Enqueue gates job on its content hash and queues it without blocking.
// It returns a skip reason when the body is not queued for a benign reason
// and ErrQueueFull or ErrQueueClosed when the queue refuses it.
func (s *Scanner) Enqueue(job queue.Job) (string, error) {
	if reason := s.admit(job); reason != "" {
		return reason, nil
	}
	if err := s.queue.TryPush(job); err != nil {
		s.log.DropEvent(job.Origin, err.Error())
		return "", err
	}
	return "", nil
}

// Scan is the synchronous form of Enqueue: the body is analyzed and folded
// on the calling goroutine.
func (s *Scanner) Scan(ctx context.Context, job queue.Job) (aggregate.MergeResult, string, error) {
	if reason := s.admit(job); reason != "" {
		return aggregate.MergeResult{}, reason, nil
	}
	if err := ctx.Err(); err != nil {
		return aggregate.MergeResult{}, "", err
	}
	res, err := s.process(job)
	return res, "", err
}

func (s *Scanner) admit(job queue.Job) string {
	switch {
	case strings.TrimSpace(job.Body) == "":
		return SkipEmpty
	case len(job.Body) > s.cfg.MaxBodyBytes:
		s.skipped.Add(1)
		s.log.WithOrigin(job.Origin).Debugf("skipping large body (%.2f MB)", float64(len(job.Body))/(1<<20))
		return SkipTooLarge
	case !s.scanned.Admit(state.ContentHash(job.Body), job.Origin, job.Referer):
		s.skipped.Add(1)
		return SkipScanned
	}
	return ""
}

func (s *Scanner) worker(ctx context.Context, id int) {
	defer s.wg.Done()
	log := s.log.WithWorker(id)

	for {
		job, err := s.queue.Pop(ctx, s.cfg.DequeueTimeout)
		switch {
		case err == nil:
		case errors.Is(err, harvesterrors.ErrQueueEmpty):
			continue
		default:
			return
		}
		if _, err := s.process(job); err != nil {
			log.WithOrigin(job.Origin).WithError(err).Warn("AST scan failed")
		}
	}
}

func (s *Scanner) process(job queue.Job) (aggregate.MergeResult, error) {
	records, err := Analyze(job.Body, job.Origin, job.Referer)
	s.scannedN.Add(1)
	if err != nil {
		s.failures.Add(1)
		return aggregate.MergeResult{}, err
	}
	s.records.Add(int64(len(records)))

	res := s.store.MergeCodeURLs(records)
	if s.onMerge != nil {
		s.onMerge(res, len(records))
	}
	s.log.WithOrigin(job.Origin).Debugf("jsluice found %d urls (%d new)", len(records), res.CodeURLs)
	return res, nil
}

// Close stops accepting jobs, waits for the workers to drain the queue and
// closes the scanned log.
func (s *Scanner) Close() error {
	s.queue.Close()
	s.wg.Wait()
	return s.scanned.Close()
}

// Stats returns a snapshot of the counters.
func (s *Scanner) Stats() Stats {
	return Stats{
		Queue:    s.queue.Stats(),
		Scanned:  s.scannedN.Load(),
		Records:  s.records.Load(),
		Skipped:  s.skipped.Load(),
		Failures: s.failures.Load(),
	}
}

// Analyze runs jsluice over body. The parser is not trusted with adversarial
// input, so a panic inside it is reported as a decode error.
func Analyze(body, origin, referer string) (records []Record, err error) {
	defer func() {
		if r := recover(); r != nil {
			records = nil
			err = harvesterrors.NewDecodeError(origin, "jsluice", fmt.Errorf("analyzer panic: %v", r))
		}
	}()

	analyzer := jsluice.NewAnalyzer([]byte(body))
	seen := make(map[string]struct{})
	for _, m := range analyzer.GetURLs() {
		if m == nil || strings.TrimSpace(m.URL) == "" {
			continue
		}
		rec := withURLQuery(Record{
			URL:         m.URL,
			Method:      m.Method,
			Type:        m.Type,
			Filename:    origin,
			ContentType: m.ContentType,
			QueryParams: m.QueryParams,
			BodyParams:  m.BodyParams,
			Headers:     m.Headers,
			Origin:      origin,
			Referer:     referer,
		})
		if _, dup := seen[rec.Key()]; dup {
			continue
		}
		seen[rec.Key()] = struct{}{}
		records = append(records, rec)
	}
	return records, nil
}

// withURLQuery adds the query keys embedded in the URL to QueryParams.
func withURLQuery(rec Record) Record {
	names := extract.QueryParamNames(rec.URL)
	if len(names) == 0 {
		return rec
	}
	params := append([]string(nil), rec.QueryParams...)
	for _, n := range names {
		found := false
		for _, p := range params {
			if p == n {
				found = true
				break
			}
		}
		if !found {
			params = append(params, n)
		}
	}
	rec.QueryParams = params
	return rec
}
