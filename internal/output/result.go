package output

import (
	"time"

	"github.com/PentesterFlow/ParamHarvest/internal/aggregate"
)

// Report is a complete export of the aggregated records.
type Report struct {
	GeneratedAt time.Time                   `json:"generated_at"`
	Counts      aggregate.Counts            `json:"counts"`
	Endpoints   []aggregate.EndpointRecord  `json:"endpoints"`
	Uncertain   []aggregate.EndpointRecord  `json:"uncertain,omitempty"`
	Parameters  []aggregate.ParameterRecord `json:"parameters"`
	CodeURLs    []aggregate.CodeURLRecord   `json:"code_urls,omitempty"`
	Summary     map[string]interface{}      `json:"summary,omitempty"`
}

// NewReport snapshots store. False positives are left out unless
// includeFalsePositives is set.
func NewReport(store *aggregate.Store, includeFalsePositives bool) *Report {
	r := &Report{
		GeneratedAt: time.Now(),
		Counts:      store.Counts(),
		CodeURLs:    store.SnapshotCodeURLs(),
	}

	for _, e := range store.ExportEndpoints() {
		if e.FalsePositive && !includeFalsePositives {
			continue
		}
		if e.Uncertain {
			r.Uncertain = append(r.Uncertain, e)
			continue
		}
		r.Endpoints = append(r.Endpoints, e)
	}
	for _, p := range store.SnapshotParameters() {
		if p.FalsePositive && !includeFalsePositives {
			continue
		}
		r.Parameters = append(r.Parameters, p)
	}
	return r
}

// StreamEvent wraps one record in streaming mode.
type StreamEvent struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Stream event types.
const (
	TypeEndpoint  = "endpoint"
	TypeParameter = "parameter"
	TypeCodeURL   = "code_url"
)
