// Package output renders aggregated records for export.
package output

import (
	"fmt"
	"io"
	"strings"

	"github.com/PentesterFlow/ParamHarvest/internal/aggregate"
)

// Output formats.
const (
	FormatJSON   = "json"
	FormatNDJSON = "ndjson"
	FormatText   = "text"
)

// Writer defines the interface for output writers.
type Writer interface {
	// WriteReport writes a complete report
	WriteReport(report *Report) error

	// WriteEndpoint writes a single endpoint (for streaming)
	WriteEndpoint(rec *aggregate.EndpointRecord) error

	// WriteParameter writes a single parameter (for streaming)
	WriteParameter(rec *aggregate.ParameterRecord) error

	// WriteCodeURL writes a single code URL (for streaming)
	WriteCodeURL(rec *aggregate.CodeURLRecord) error

	// Flush flushes any buffered output
	Flush() error

	// Close closes the writer
	Close() error
}

// Config holds output configuration.
type Config struct {
	Format string
	Pretty bool
}

// NewWriter creates a writer for config.Format.
func NewWriter(w io.Writer, config Config) (Writer, error) {
	switch strings.ToLower(config.Format) {
	case "", FormatJSON:
		return NewJSONWriter(w, config.Pretty, false), nil
	case FormatNDJSON:
		return NewJSONWriter(w, false, true), nil
	case FormatText:
		return NewTextWriter(w), nil
	default:
		return nil, fmt.Errorf("unknown output format %q", config.Format)
	}
}

// StreamReport writes every record of report through w one at a time.
func StreamReport(w Writer, report *Report) error {
	for i := range report.Endpoints {
		if err := w.WriteEndpoint(&report.Endpoints[i]); err != nil {
			return err
		}
	}
	for i := range report.Uncertain {
		if err := w.WriteEndpoint(&report.Uncertain[i]); err != nil {
			return err
		}
	}
	for i := range report.Parameters {
		if err := w.WriteParameter(&report.Parameters[i]); err != nil {
			return err
		}
	}
	for i := range report.CodeURLs {
		if err := w.WriteCodeURL(&report.CodeURLs[i]); err != nil {
			return err
		}
	}
	return w.Flush()
}
