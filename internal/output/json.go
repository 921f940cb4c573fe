package output

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/PentesterFlow/ParamHarvest/internal/aggregate"
)

// JSONWriter writes output in JSON format. In stream mode each record is one
// line wrapped in a StreamEvent.
type JSONWriter struct {
	mu     sync.Mutex
	writer io.Writer
	pretty bool
	stream bool
	closed bool
}

// NewJSONWriter creates a new JSON writer.
func NewJSONWriter(w io.Writer, pretty, stream bool) *JSONWriter {
	return &JSONWriter{
		writer: w,
		pretty: pretty,
		stream: stream,
	}
}

// WriteReport writes the complete report. In stream mode the records are
// written one per line instead.
func (j *JSONWriter) WriteReport(report *Report) error {
	if j.stream {
		return StreamReport(j, report)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	return j.write(report)
}

// WriteEndpoint writes a single endpoint in streaming mode.
func (j *JSONWriter) WriteEndpoint(rec *aggregate.EndpointRecord) error {
	return j.writeStreamEvent(StreamEvent{Type: TypeEndpoint, Data: rec})
}

// WriteParameter writes a single parameter in streaming mode.
func (j *JSONWriter) WriteParameter(rec *aggregate.ParameterRecord) error {
	return j.writeStreamEvent(StreamEvent{Type: TypeParameter, Data: rec})
}

// WriteCodeURL writes a single code URL in streaming mode.
func (j *JSONWriter) WriteCodeURL(rec *aggregate.CodeURLRecord) error {
	return j.writeStreamEvent(StreamEvent{Type: TypeCodeURL, Data: rec})
}

func (j *JSONWriter) writeStreamEvent(event StreamEvent) error {
	if !j.stream {
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	return j.write(event)
}

func (j *JSONWriter) write(v interface{}) error {
	var data []byte
	var err error

	if j.pretty {
		data, err = json.MarshalIndent(v, "", "  ")
	} else {
		data, err = json.Marshal(v)
	}
	if err != nil {
		return err
	}

	if _, err = j.writer.Write(data); err != nil {
		return err
	}
	_, err = j.writer.Write([]byte("\n"))
	return err
}

// Flush flushes the writer.
func (j *JSONWriter) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if flusher, ok := j.writer.(interface{ Flush() error }); ok {
		return flusher.Flush()
	}
	return nil
}

// Close closes the writer.
func (j *JSONWriter) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true

	if closer, ok := j.writer.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
