package output

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Writer receives the events of a relaxation job.
//
// Implementations must be safe for concurrent use from multiple
// goroutines.
type Writer interface {
	// WriteStatus emits a status record.
	WriteStatus(ctx context.Context, rec *StatusRecord) error

	// WriteRun emits a run directory record.
	WriteRun(ctx context.Context, rec *RunRecord) error

	// WriteFailure emits a solver failure record.
	WriteFailure(ctx context.Context, rec *FailureRecord) error

	// WriteRestore emits a backup restore record.
	WriteRestore(ctx context.Context, rec *RestoreRecord) error

	// WriteTags emits a tag rewrite record.
	WriteTags(ctx context.Context, rec *TagsRecord) error

	// WriteWarning emits a warning record.
	WriteWarning(ctx context.Context, rec *WarningRecord) error

	// WriteSummary emits a summary record.
	WriteSummary(ctx context.Context, rec *SummaryRecord) error

	// Close flushes any buffered output and releases resources.
	Close() error
}

// JSONLWriter writes records as newline-delimited JSON to an io.Writer.
//
// JSONLWriter is safe for concurrent use. Writes are serialized using
// a mutex to ensure atomic line writes (no interleaved output).
type JSONLWriter struct {
	w     io.Writer
	jobID string
	root  string
	mu    sync.Mutex

	// closed indicates the writer has been closed.
	closed bool
}

// NewJSONLWriter creates a new JSONL writer.
//
// Parameters:
//   - w: The underlying writer (stdout, file, etc.)
//   - jobID: Correlation ID for this job
//   - root: Relaxation root directory
func NewJSONLWriter(w io.Writer, jobID, root string) *JSONLWriter {
	return &JSONLWriter{
		w:     w,
		jobID: jobID,
		root:  root,
	}
}

// WriteStatus emits a status record.
func (jw *JSONLWriter) WriteStatus(ctx context.Context, rec *StatusRecord) error {
	return jw.writeRecord(ctx, TypeStatus, rec)
}

// WriteRun emits a run directory record.
func (jw *JSONLWriter) WriteRun(ctx context.Context, rec *RunRecord) error {
	return jw.writeRecord(ctx, TypeRun, rec)
}

// WriteFailure emits a solver failure record.
func (jw *JSONLWriter) WriteFailure(ctx context.Context, rec *FailureRecord) error {
	return jw.writeRecord(ctx, TypeFailure, rec)
}

func (jw *JSONLWriter) WriteRestore(ctx context.Context, rec *RestoreRecord) error {
	return jw.writeRecord(ctx, TypeRestore, rec)
}

func (jw *JSONLWriter) WriteTags(ctx context.Context, rec *TagsRecord) error {
	return jw.writeRecord(ctx, TypeTags, rec)
}

func (jw *JSONLWriter) WriteWarning(ctx context.Context, rec *WarningRecord) error {
	return jw.writeRecord(ctx, TypeWarning, rec)
}

// WriteSummary emits a summary record.
func (jw *JSONLWriter) WriteSummary(ctx context.Context, rec *SummaryRecord) error {
	return jw.writeRecord(ctx, TypeSummary, rec)
}

// Close marks the writer as closed.
//
// If the underlying writer implements io.Closer, it is NOT closed.
// The caller is responsible for closing the underlying writer.
func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	jw.closed = true
	return nil
}

// writeRecord marshals data and writes a complete record line.
//
// This method holds the mutex for the entire operation to ensure
// atomic line writes.
func (jw *JSONLWriter) writeRecord(ctx context.Context, recordType string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dataBytes, err := json.Marshal(data)
	if err != nil {
		return &WriteError{Op: "marshal_data", Err: err}
	}

	jw.mu.Lock()
	defer jw.mu.Unlock()

	if jw.closed {
		return ErrWriterClosed
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	record := Record{
		Type:  recordType,
		TS:    time.Now().UTC(),
		JobID: jw.jobID,
		Root:  jw.root,
		Data:  dataBytes,
	}

	recordBytes, err := json.Marshal(record)
	if err != nil {
		return &WriteError{Op: "marshal_record", Err: err}
	}

	// io.Writer may return n < len(p) with a nil error; a truncated line
	// would corrupt the stream.
	recordBytes = append(recordBytes, '\n')
	if err := writeAll(jw.w, recordBytes); err != nil {
		return &WriteError{Op: "write", Err: err}
	}

	return nil
}

// writeAll writes all bytes to w, handling short writes.
func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			// No progress made - avoid infinite loop
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

// Compile-time check that JSONLWriter implements Writer.
var _ Writer = (*JSONLWriter)(nil)
