// Package metrics provides counters for the harvesting engine.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

const rateWindow = 10 * time.Second

// Collector collects and aggregates metrics.
type Collector struct {
	// Counters
	jobsSubmitted     atomic.Int64
	jobsDropped       atomic.Int64
	jobsProcessed     atomic.Int64
	jobsDeduplicated  atomic.Int64
	jobsIgnored       atomic.Int64
	endpointsCreated  atomic.Int64
	parametersCreated atomic.Int64
	astRecords        atomic.Int64
	persistFailures   atomic.Int64
	bytesProcessed    atomic.Int64

	// Rate tracking
	processedInWindow atomic.Int64
	droppedInWindow   atomic.Int64
	windowStart       atomic.Int64

	// Extraction time tracking
	extractSum atomic.Int64
	extractNum atomic.Int64

	// Gauges
	queueDepth    atomic.Int64
	activeWorkers atomic.Int64

	// Histogram buckets for extraction time in ms
	extractBuckets [8]atomic.Int64 // <1, <5, <10, <50, <100, <500, <1000, >=1000

	// Drop breakdown
	dropReasons map[string]*atomic.Int64
	dropMu      sync.RWMutex

	startTime atomic.Int64
}

// New creates a new metrics collector.
func New() *Collector {
	now := time.Now()
	c := &Collector{dropReasons: make(map[string]*atomic.Int64)}
	c.windowStart.Store(now.UnixNano())
	c.startTime.Store(now.UnixNano())
	return c
}

// RecordSubmitted counts a job accepted into the queue.
func (c *Collector) RecordSubmitted() {
	c.jobsSubmitted.Add(1)
}

// RecordDropped counts a job refused by the queue.
func (c *Collector) RecordDropped(reason string) {
	c.jobsDropped.Add(1)
	c.droppedInWindow.Add(1)

	c.dropMu.Lock()
	if c.dropReasons[reason] == nil {
		c.dropReasons[reason] = &atomic.Int64{}
	}
	c.dropReasons[reason].Add(1)
	c.dropMu.Unlock()
}

// RecordProcessed counts a scanned body and its extraction time.
func (c *Collector) RecordProcessed(bytes int, d time.Duration) {
	c.jobsProcessed.Add(1)
	c.processedInWindow.Add(1)
	c.bytesProcessed.Add(int64(bytes))

	ms := d.Milliseconds()
	c.extractSum.Add(ms)
	c.extractNum.Add(1)
	c.extractBuckets[bucket(ms)].Add(1)
}

func bucket(ms int64) int {
	switch {
	case ms < 1:
		return 0
	case ms < 5:
		return 1
	case ms < 10:
		return 2
	case ms < 50:
		return 3
	case ms < 100:
		return 4
	case ms < 500:
		return 5
	case ms < 1000:
		return 6
	default:
		return 7
	}
}

// RecordDeduplicated counts a body rejected by the dedup cache.
func (c *Collector) RecordDeduplicated() {
	c.jobsDeduplicated.Add(1)
}

// RecordIgnored counts a body skipped by the origin ignore list.
func (c *Collector) RecordIgnored() {
	c.jobsIgnored.Add(1)
}

// RecordEndpoints adds newly created endpoint records.
func (c *Collector) RecordEndpoints(n int) {
	c.endpointsCreated.Add(int64(n))
}

// RecordParameters adds newly created parameter records.
func (c *Collector) RecordParameters(n int) {
	c.parametersCreated.Add(int64(n))
}

// RecordASTRecords adds records reported by the AST producer.
func (c *Collector) RecordASTRecords(n int) {
	c.astRecords.Add(int64(n))
}

// RecordPersistFailure counts a failed save or log append.
func (c *Collector) RecordPersistFailure() {
	c.persistFailures.Add(1)
}

// SetQueueDepth sets the current queue depth.
func (c *Collector) SetQueueDepth(depth int64) {
	c.queueDepth.Store(depth)
}

// WorkerStarted and WorkerStopped track active workers.
func (c *Collector) WorkerStarted() { c.activeWorkers.Add(1) }

// WorkerStopped decrements the active worker gauge.
func (c *Collector) WorkerStopped() { c.activeWorkers.Add(-1) }

// ProcessedPerSecond returns the current processing rate.
func (c *Collector) ProcessedPerSecond() float64 {
	return c.ratePerSecond(&c.processedInWindow)
}

// DroppedPerSecond returns the current drop rate.
func (c *Collector) DroppedPerSecond() float64 {
	return c.ratePerSecond(&c.droppedInWindow)
}

func (c *Collector) ratePerSecond(counter *atomic.Int64) float64 {
	now := time.Now().UnixNano()
	windowStart := c.windowStart.Load()

	elapsed := time.Duration(now - windowStart)
	if elapsed >= rateWindow {
		if c.windowStart.CompareAndSwap(windowStart, now) {
			c.processedInWindow.Store(0)
			c.droppedInWindow.Store(0)
		}
		return 0
	}
	if elapsed <= 0 {
		return 0
	}
	return float64(counter.Load()) / elapsed.Seconds()
}

// AverageExtractTime returns the mean extraction time.
func (c *Collector) AverageExtractTime() time.Duration {
	num := c.extractNum.Load()
	if num == 0 {
		return 0
	}
	return time.Duration(c.extractSum.Load()/num) * time.Millisecond
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (c *Collector) Snapshot() *Snapshot {
	s := &Snapshot{
		Timestamp:          time.Now(),
		Uptime:             time.Since(time.Unix(0, c.startTime.Load())),
		JobsSubmitted:      c.jobsSubmitted.Load(),
		JobsDropped:        c.jobsDropped.Load(),
		JobsProcessed:      c.jobsProcessed.Load(),
		JobsDeduplicated:   c.jobsDeduplicated.Load(),
		JobsIgnored:        c.jobsIgnored.Load(),
		EndpointsCreated:   c.endpointsCreated.Load(),
		ParametersCreated:  c.parametersCreated.Load(),
		ASTRecords:         c.astRecords.Load(),
		PersistFailures:    c.persistFailures.Load(),
		BytesProcessed:     c.bytesProcessed.Load(),
		QueueDepth:         c.queueDepth.Load(),
		ActiveWorkers:      c.activeWorkers.Load(),
		ProcessedPerSecond: c.ProcessedPerSecond(),
		DroppedPerSecond:   c.DroppedPerSecond(),
		AverageExtractTime: c.AverageExtractTime(),
		DropReasons:        make(map[string]int64),
		ExtractTimeHist:    make([]int64, len(c.extractBuckets)),
	}

	c.dropMu.RLock()
	for k, v := range c.dropReasons {
		s.DropReasons[k] = v.Load()
	}
	c.dropMu.RUnlock()

	for i := range c.extractBuckets {
		s.ExtractTimeHist[i] = c.extractBuckets[i].Load()
	}
	return s
}

// Reset resets all metrics.
func (c *Collector) Reset() {
	for _, v := range []*atomic.Int64{
		&c.jobsSubmitted, &c.jobsDropped, &c.jobsProcessed, &c.jobsDeduplicated,
		&c.jobsIgnored, &c.endpointsCreated, &c.parametersCreated, &c.astRecords,
		&c.persistFailures, &c.bytesProcessed, &c.processedInWindow,
		&c.droppedInWindow, &c.extractSum, &c.extractNum, &c.queueDepth,
	} {
		v.Store(0)
	}
	for i := range c.extractBuckets {
		c.extractBuckets[i].Store(0)
	}

	c.dropMu.Lock()
	c.dropReasons = make(map[string]*atomic.Int64)
	c.dropMu.Unlock()

	now := time.Now().UnixNano()
	c.windowStart.Store(now)
	c.startTime.Store(now)
}

// Snapshot represents a point-in-time view of metrics.
type Snapshot struct {
	Timestamp          time.Time        `json:"timestamp"`
	Uptime             time.Duration    `json:"uptime"`
	JobsSubmitted      int64            `json:"jobs_submitted"`
	JobsDropped        int64            `json:"jobs_dropped"`
	JobsProcessed      int64            `json:"jobs_processed"`
	JobsDeduplicated   int64            `json:"jobs_deduplicated"`
	JobsIgnored        int64            `json:"jobs_ignored"`
	EndpointsCreated   int64            `json:"endpoints_created"`
	ParametersCreated  int64            `json:"parameters_created"`
	ASTRecords         int64            `json:"ast_records"`
	PersistFailures    int64            `json:"persist_failures"`
	BytesProcessed     int64            `json:"bytes_processed"`
	QueueDepth         int64            `json:"queue_depth"`
	ActiveWorkers      int64            `json:"active_workers"`
	ProcessedPerSecond float64          `json:"processed_per_second"`
	DroppedPerSecond   float64          `json:"dropped_per_second"`
	AverageExtractTime time.Duration    `json:"average_extract_time"`
	DropReasons        map[string]int64 `json:"drop_reasons"`
	ExtractTimeHist    []int64          `json:"extract_time_histogram"`
}

// DropRate returns dropped / (submitted + dropped).
func (s *Snapshot) DropRate() float64 {
	total := s.JobsSubmitted + s.JobsDropped
	if total == 0 {
		return 0
	}
	return float64(s.JobsDropped) / float64(total)
}

// DedupRate returns the share of popped jobs rejected as duplicates.
func (s *Snapshot) DedupRate() float64 {
	total := s.JobsProcessed + s.JobsDeduplicated
	if total == 0 {
		return 0
	}
	return float64(s.JobsDeduplicated) / float64(total)
}

// Summary returns a flat view for logging.
func (s *Snapshot) Summary() map[string]interface{} {
	return map[string]interface{}{
		"uptime":               s.Uptime.String(),
		"jobs_submitted":       s.JobsSubmitted,
		"jobs_dropped":         s.JobsDropped,
		"drop_rate":            s.DropRate(),
		"jobs_processed":       s.JobsProcessed,
		"dedup_rate":           s.DedupRate(),
		"endpoints_created":    s.EndpointsCreated,
		"parameters_created":   s.ParametersCreated,
		"ast_records":          s.ASTRecords,
		"persist_failures":     s.PersistFailures,
		"queue_depth":          s.QueueDepth,
		"active_workers":       s.ActiveWorkers,
		"processed_per_second": s.ProcessedPerSecond,
		"avg_extract_time_ms":  s.AverageExtractTime.Milliseconds(),
	}
}
