package websocket

import (
	"encoding/json"
	"sync"
)

// Recorder keeps the most recent events in a ring so late subscribers can
// catch up.
type Recorder struct {
	mu     sync.RWMutex
	events []Event
	next   int
	full   bool
	total  int64
	byType map[string]int64
}

// NewRecorder creates a recorder holding up to maxEvents events.
func NewRecorder(maxEvents int) *Recorder {
	if maxEvents <= 0 {
		maxEvents = 100
	}
	return &Recorder{
		events: make([]Event, maxEvents),
		byType: make(map[string]int64),
	}
}

// Record appends ev, overwriting the oldest event when full.
func (r *Recorder) Record(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events[r.next] = ev
	r.next = (r.next + 1) % len(r.events)
	if r.next == 0 {
		r.full = true
	}
	r.total++
	r.byType[ev.Type]++
}

// Recent returns up to n events, oldest first.
func (r *Recorder) Recent(n int) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ordered []Event
	if r.full {
		ordered = append(ordered, r.events[r.next:]...)
	}
	ordered = append(ordered, r.events[:r.next]...)

	if n >= 0 && len(ordered) > n {
		ordered = ordered[len(ordered)-n:]
	}
	return ordered
}

// Clear drops the backlog and counters.
func (r *Recorder) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = make([]Event, len(r.events))
	r.next = 0
	r.full = false
	r.total = 0
	r.byType = make(map[string]int64)
}

// Stats returns recorder statistics.
func (r *Recorder) Stats() RecorderStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := RecorderStats{
		Capacity: len(r.events),
		Total:    r.total,
		ByType:   make(map[string]int64, len(r.byType)),
	}
	stats.Buffered = r.next
	if r.full {
		stats.Buffered = len(r.events)
	}
	for k, v := range r.byType {
		stats.ByType[k] = v
	}
	return stats
}

// RecorderStats contains recorder statistics.
type RecorderStats struct {
	Capacity int              `json:"capacity"`
	Buffered int              `json:"buffered"`
	Total    int64            `json:"total"`
	ByType   map[string]int64 `json:"by_type"`
}

// ExportJSON exports the backlog as JSON.
func (r *Recorder) ExportJSON() ([]byte, error) {
	return json.MarshalIndent(r.Recent(-1), "", "  ")
}
