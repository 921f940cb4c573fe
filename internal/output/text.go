package output

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"text/tabwriter"

	"github.com/PentesterFlow/ParamHarvest/internal/aggregate"
)

// TextWriter renders records as aligned columns for a terminal.
type TextWriter struct {
	mu     sync.Mutex
	writer io.Writer
	tw     *tabwriter.Writer
	closed bool
}

// NewTextWriter creates a new text writer.
func NewTextWriter(w io.Writer) *TextWriter {
	return &TextWriter{
		writer: w,
		tw:     tabwriter.NewWriter(w, 0, 4, 2, ' ', 0),
	}
}

// WriteReport writes a summary followed by one section per collection.
func (t *TextWriter) WriteReport(report *Report) error {
	t.mu.Lock()
	c := report.Counts
	fmt.Fprintf(t.tw, "Endpoints:\t%d\t(uncertain %d, false positives %d)\n", c.Endpoints, c.Uncertain, c.FalsePositives)
	fmt.Fprintf(t.tw, "Parameters:\t%d\n", c.Parameters)
	fmt.Fprintf(t.tw, "Code URLs:\t%d\n", c.CodeURLs)
	t.mu.Unlock()

	if len(report.Endpoints)+len(report.Uncertain) > 0 {
		t.section("ENDPOINTS", "VALUE\tKIND\tSCOPE\tORIGIN")
	}
	if err := StreamReport(t, &Report{Endpoints: report.Endpoints, Uncertain: report.Uncertain}); err != nil {
		return err
	}
	if len(report.Parameters) > 0 {
		t.section("PARAMETERS", "NAME\tCOUNT\tSOURCES\tTYPES")
	}
	if err := StreamReport(t, &Report{Parameters: report.Parameters}); err != nil {
		return err
	}
	if len(report.CodeURLs) > 0 {
		t.section("CODE URLS", "METHOD\tURL\tTYPE\tORIGIN")
	}
	return StreamReport(t, &Report{CodeURLs: report.CodeURLs})
}

func (t *TextWriter) section(title, header string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.tw, "\n%s\n%s\n", title, header)
}

// WriteEndpoint writes one endpoint row.
func (t *TextWriter) WriteEndpoint(rec *aggregate.EndpointRecord) error {
	scope := "out"
	if rec.InScope {
		scope = "in"
	}
	value := rec.Value
	if rec.Uncertain {
		value += " (?)"
	}
	return t.row(value, rec.Kind.String(), scope, rec.Origin)
}

// WriteParameter writes one parameter row.
func (t *TextWriter) WriteParameter(rec *aggregate.ParameterRecord) error {
	return t.row(rec.Name, fmt.Sprint(rec.Count), strings.Join(rec.Sources, ","), strings.Join(rec.Types, ","))
}

// WriteCodeURL writes one code URL row.
func (t *TextWriter) WriteCodeURL(rec *aggregate.CodeURLRecord) error {
	method := rec.Method
	if method == "" {
		method = "-"
	}
	return t.row(method, rec.URL, rec.Type, rec.Origin)
}

func (t *TextWriter) row(cols ...string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	_, err := fmt.Fprintln(t.tw, strings.Join(cols, "\t"))
	return err
}

// Flush writes the buffered rows.
func (t *TextWriter) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tw.Flush()
}

// Close flushes and closes the underlying writer.
func (t *TextWriter) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	if err := t.tw.Flush(); err != nil {
		return err
	}
	if closer, ok := t.writer.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
