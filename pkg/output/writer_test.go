package output

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewJSONLWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-123", "/scratch/relax")

	assert.NotNil(t, w)
	assert.Equal(t, "job-123", w.jobID)
	assert.Equal(t, "/scratch/relax", w.root)
}

func TestJSONLWriter_WriteStatus(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-123", "/scratch/relax")

	err := w.WriteStatus(context.Background(), &StatusRecord{
		Status:  "incomplete",
		Task:    "continue",
		TaskDir: "/scratch/relax/run.2",
		Runs:    2,
	})
	require.NoError(t, err)

	var record Record
	err = json.Unmarshal(buf.Bytes(), &record)
	require.NoError(t, err)

	assert.Equal(t, TypeStatus, record.Type)
	assert.Equal(t, "job-123", record.JobID)
	assert.Equal(t, "/scratch/relax", record.Root)
	assert.False(t, record.TS.IsZero())

	var data StatusRecord
	err = json.Unmarshal(record.Data, &data)
	require.NoError(t, err)

	assert.Equal(t, "incomplete", data.Status)
	assert.Equal(t, "continue", data.Task)
	assert.Equal(t, "/scratch/relax/run.2", data.TaskDir)
	assert.Equal(t, 2, data.Runs)
	assert.Equal(t, 0, data.ErrorRuns)
}

func TestJSONLWriter_RecordTypes(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		write    func(w Writer) error
		wantType string
	}{
		{"run", func(w Writer) error { return w.WriteRun(ctx, &RunRecord{Phase: PhaseCreated, Dir: "run.0"}) }, TypeRun},
		{"failure", func(w Writer) error { return w.WriteFailure(ctx, &FailureRecord{Class: "zbrent"}) }, TypeFailure},
		{"restore", func(w Writer) error { return w.WriteRestore(ctx, &RestoreRecord{File: "WAVECAR"}) }, TypeRestore},
		{"tags", func(w Writer) error { return w.WriteTags(ctx, &TagsRecord{Dir: "run.0", Source: "initial"}) }, TypeTags},
		{"warning", func(w Writer) error {
			return w.WriteWarning(ctx, &WarningRecord{Code: WarningMissingOverride, Message: "missing"})
		}, TypeWarning},
		{"summary", func(w Writer) error { return w.WriteSummary(ctx, &SummaryRecord{Status: "complete"}) }, TypeSummary},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			w := NewJSONLWriter(&buf, "job-123", "/relax")

			require.NoError(t, tt.write(w))

			var record Record
			require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
			assert.Equal(t, tt.wantType, record.Type)
		})
	}
}

func TestJSONLWriter_WriteFailure_Payload(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-123", "/relax")

	err := w.WriteFailure(context.Background(), &FailureRecord{
		Class:    "zbrent",
		Message:  "ZBRENT: fatal error in bracketing",
		RunDir:   "/relax/run.1",
		ErrorDir: "/relax/run.1_err.0",
		Ignored:  []string{"eddrmm"},
	})
	require.NoError(t, err)

	var record Record
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))

	var data FailureRecord
	require.NoError(t, json.Unmarshal(record.Data, &data))
	assert.Equal(t, "zbrent", data.Class)
	assert.Equal(t, "/relax/run.1_err.0", data.ErrorDir)
	assert.Equal(t, []string{"eddrmm"}, data.Ignored)
}

func TestJSONLWriter_WriteSummary(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-123", "/relax")

	err := w.WriteSummary(context.Background(), &SummaryRecord{
		Status:        "complete",
		Runs:          3,
		FinalDir:      "/relax/run.final",
		Failures:      1,
		Duration:      90 * time.Second,
		DurationHuman: "1m30s",
	})
	require.NoError(t, err)

	var record Record
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))

	var data SummaryRecord
	require.NoError(t, json.Unmarshal(record.Data, &data))
	assert.Equal(t, "complete", data.Status)
	assert.Equal(t, 3, data.Runs)
	assert.Equal(t, 90*time.Second, data.Duration)
	assert.Equal(t, "1m30s", data.DurationHuman)
}

func TestJSONLWriter_NewlineTerminated(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-123", "/relax")

	ctx := context.Background()
	require.NoError(t, w.WriteRun(ctx, &RunRecord{Phase: PhaseCreated, Dir: "run.0"}))
	require.NoError(t, w.WriteRun(ctx, &RunRecord{Phase: PhaseSolverStarted, Dir: "run.0"}))

	output := buf.String()
	assert.True(t, strings.HasSuffix(output, "\n"))

	lines := strings.Split(strings.TrimSpace(output), "\n")
	assert.Len(t, lines, 2)
	for _, line := range lines {
		var record Record
		assert.NoError(t, json.Unmarshal([]byte(line), &record))
	}
}

func TestJSONLWriter_Close(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-123", "/relax")

	require.NoError(t, w.Close())

	err := w.WriteRun(context.Background(), &RunRecord{Dir: "run.0"})
	assert.ErrorIs(t, err, ErrWriterClosed)
}

func TestJSONLWriter_ConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-123", "/relax")

	const numGoroutines = 10
	const writesPerGoroutine = 50

	var wg sync.WaitGroup
	wg.Add(numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < writesPerGoroutine; j++ {
				_ = w.WriteRun(context.Background(), &RunRecord{Phase: PhaseCreated, Dir: "run.0", Index: j})
			}
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, numGoroutines*writesPerGoroutine)
	for i, line := range lines {
		var record Record
		assert.NoError(t, json.Unmarshal([]byte(line), &record), "line %d should be valid JSON", i)
	}
}

func TestJSONLWriter_ContextCancellation(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-123", "/relax")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := w.WriteRun(ctx, &RunRecord{Dir: "run.0"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, buf.String())
}

func TestJSONLWriter_WriteFailure_IOError(t *testing.T) {
	writeErr := errors.New("disk full")
	w := NewJSONLWriter(&failingWriter{err: writeErr}, "job-123", "/relax")

	err := w.WriteRun(context.Background(), &RunRecord{Dir: "run.0"})
	require.Error(t, err)
	assert.ErrorIs(t, err, writeErr)

	var we *WriteError
	assert.True(t, errors.As(err, &we))
	assert.Equal(t, "write", we.Op)
}

// failingWriter is an io.Writer that always returns an error.
type failingWriter struct {
	err error
}

func (f *failingWriter) Write(p []byte) (n int, err error) {
	return 0, f.err
}

func TestJSONLWriter_ShortWrite(t *testing.T) {
	shortWriter := &shortWriteWriter{bytesPerWrite: 10}
	w := NewJSONLWriter(shortWriter, "job-123", "/relax")

	err := w.WriteStatus(context.Background(), &StatusRecord{Status: "incomplete", Task: "setup"})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(shortWriter.buf.String()), "\n")
	assert.Len(t, lines, 1)

	var record Record
	err = json.Unmarshal([]byte(lines[0]), &record)
	assert.NoError(t, err, "output should be valid JSON despite short writes")
	assert.Equal(t, TypeStatus, record.Type)
}

func TestJSONLWriter_ZeroWrite(t *testing.T) {
	w := NewJSONLWriter(&zeroWriteWriter{}, "job-123", "/relax")

	err := w.WriteRun(context.Background(), &RunRecord{Dir: "run.0"})
	require.Error(t, err)
	assert.ErrorIs(t, err, io.ErrShortWrite)
}

// shortWriteWriter writes at most bytesPerWrite bytes per call.
type shortWriteWriter struct {
	buf           bytes.Buffer
	bytesPerWrite int
}

func (sw *shortWriteWriter) Write(p []byte) (n int, err error) {
	toWrite := len(p)
	if toWrite > sw.bytesPerWrite {
		toWrite = sw.bytesPerWrite
	}
	return sw.buf.Write(p[:toWrite])
}

type zeroWriteWriter struct{}

func (zeroWriteWriter) Write(p []byte) (int, error) { return 0, nil }

func TestWriteError(t *testing.T) {
	inner := errors.New("boom")
	err := &WriteError{Op: "write", Err: inner}

	assert.Equal(t, "output: write: boom", err.Error())
	assert.ErrorIs(t, err, inner)
}

func TestStatusRecord_OmitEmpty(t *testing.T) {
	data, err := json.Marshal(&StatusRecord{Status: "complete", Task: "none"})
	require.NoError(t, err)

	assert.NotContains(t, string(data), "task_dir")
}

func TestSummaryRecord_OmitEmpty(t *testing.T) {
	data, err := json.Marshal(&SummaryRecord{Status: "incomplete"})
	require.NoError(t, err)

	assert.NotContains(t, string(data), "final_dir")
	assert.NotContains(t, string(data), "\"error\"")
}

func TestMultiWriter_FansOut(t *testing.T) {
	var a, b bytes.Buffer
	mw := NewMultiWriter(NewJSONLWriter(&a, "j", "/r"), nil, NewJSONLWriter(&b, "j", "/r"))

	require.NoError(t, mw.WriteTags(context.Background(), &TagsRecord{Dir: "run.0", Source: "final"}))

	assert.Equal(t, 1, strings.Count(a.String(), "\n"))
	assert.Equal(t, 1, strings.Count(b.String(), "\n"))
}

func TestMultiWriter_JoinsErrors(t *testing.T) {
	var ok bytes.Buffer
	diskErr := errors.New("disk full")
	mw := NewMultiWriter(
		NewJSONLWriter(&failingWriter{err: diskErr}, "j", "/r"),
		NewJSONLWriter(&ok, "j", "/r"),
	)

	err := mw.WriteRun(context.Background(), &RunRecord{Dir: "run.0"})
	assert.ErrorIs(t, err, diskErr)
	assert.NotEmpty(t, ok.String(), "healthy writers still receive the record")
}

func TestLogWriter(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	lw := NewLogWriter(zap.New(core))
	ctx := context.Background()

	require.NoError(t, lw.WriteRun(ctx, &RunRecord{Phase: PhaseCreated, Dir: "/relax/run.0"}))
	require.NoError(t, lw.WriteWarning(ctx, &WarningRecord{Code: WarningMissingOverride, Message: "Override file missing"}))
	require.NoError(t, lw.WriteSummary(ctx, &SummaryRecord{Status: "incomplete", Error: "retries exhausted"}))

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, "Run created", entries[0].Message)
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, WarningMissingOverride, entries[1].ContextMap()["code"])
	assert.Equal(t, zapcore.ErrorLevel, entries[2].Level)
}

func TestDiscard(t *testing.T) {
	ctx := context.Background()
	assert.NoError(t, Discard.WriteStatus(ctx, &StatusRecord{}))
	assert.NoError(t, Discard.WriteSummary(ctx, &SummaryRecord{}))
	assert.NoError(t, Discard.Close())
}
