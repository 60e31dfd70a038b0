package output

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// LogWriter renders events as structured log entries.
//
// Warnings are logged at warn level, failures at warn level, and all
// other records at info level.
type LogWriter struct {
	log *zap.Logger
}

// NewLogWriter creates a writer that logs events to log.
func NewLogWriter(log *zap.Logger) *LogWriter {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogWriter{log: log}
}

func (lw *LogWriter) WriteStatus(_ context.Context, rec *StatusRecord) error {
	lw.log.Info("Status evaluated",
		zap.String("status", rec.Status),
		zap.String("task", rec.Task),
		zap.String("task_dir", rec.TaskDir),
		zap.Int("runs", rec.Runs),
		zap.Int("error_runs", rec.ErrorRuns))
	return nil
}

func (lw *LogWriter) WriteRun(_ context.Context, rec *RunRecord) error {
	lw.log.Info("Run "+rec.Phase,
		zap.String("task", rec.Task),
		zap.String("dir", rec.Dir),
		zap.Int("index", rec.Index))
	return nil
}

func (lw *LogWriter) WriteFailure(_ context.Context, rec *FailureRecord) error {
	lw.log.Warn("Solver failure",
		zap.String("class", rec.Class),
		zap.String("message", rec.Message),
		zap.String("run_dir", rec.RunDir),
		zap.String("error_dir", rec.ErrorDir),
		zap.Int("attempt", rec.Attempt),
		zap.Strings("ignored", rec.Ignored))
	return nil
}

func (lw *LogWriter) WriteRestore(_ context.Context, rec *RestoreRecord) error {
	lw.log.Info("Backup restored",
		zap.String("file", rec.File),
		zap.String("from", rec.From),
		zap.String("to", rec.To))
	return nil
}

func (lw *LogWriter) WriteTags(_ context.Context, rec *TagsRecord) error {
	lw.log.Info("Input tags written",
		zap.String("dir", rec.Dir),
		zap.String("source", rec.Source),
		zap.Any("tags", rec.Tags))
	return nil
}

func (lw *LogWriter) WriteWarning(_ context.Context, rec *WarningRecord) error {
	lw.log.Warn(rec.Message,
		zap.String("code", rec.Code),
		zap.String("path", rec.Path))
	return nil
}

func (lw *LogWriter) WriteSummary(_ context.Context, rec *SummaryRecord) error {
	fields := []zap.Field{
		zap.String("status", rec.Status),
		zap.Int("runs", rec.Runs),
		zap.String("final_dir", rec.FinalDir),
		zap.Int("failures", rec.Failures),
		zap.String("duration", rec.DurationHuman),
	}
	if rec.Error != "" {
		lw.log.Error("Relaxation stopped", append(fields, zap.String("error", rec.Error))...)
		return nil
	}
	lw.log.Info("Relaxation finished", fields...)
	return nil
}

// Close syncs the underlying logger. Sync errors on terminals are ignored.
func (lw *LogWriter) Close() error {
	_ = lw.log.Sync()
	return nil
}

// MultiWriter fans every record out to several writers.
//
// All writers receive every record; errors are joined.
type MultiWriter struct {
	writers []Writer
}

// NewMultiWriter creates a fan-out writer. Nil writers are skipped.
func NewMultiWriter(writers ...Writer) *MultiWriter {
	mw := &MultiWriter{}
	for _, w := range writers {
		if w != nil {
			mw.writers = append(mw.writers, w)
		}
	}
	return mw
}

func (mw *MultiWriter) each(fn func(Writer) error) error {
	var errs []error
	for _, w := range mw.writers {
		if err := fn(w); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (mw *MultiWriter) WriteStatus(ctx context.Context, rec *StatusRecord) error {
	return mw.each(func(w Writer) error { return w.WriteStatus(ctx, rec) })
}

func (mw *MultiWriter) WriteRun(ctx context.Context, rec *RunRecord) error {
	return mw.each(func(w Writer) error { return w.WriteRun(ctx, rec) })
}

func (mw *MultiWriter) WriteFailure(ctx context.Context, rec *FailureRecord) error {
	return mw.each(func(w Writer) error { return w.WriteFailure(ctx, rec) })
}

func (mw *MultiWriter) WriteRestore(ctx context.Context, rec *RestoreRecord) error {
	return mw.each(func(w Writer) error { return w.WriteRestore(ctx, rec) })
}

func (mw *MultiWriter) WriteTags(ctx context.Context, rec *TagsRecord) error {
	return mw.each(func(w Writer) error { return w.WriteTags(ctx, rec) })
}

func (mw *MultiWriter) WriteWarning(ctx context.Context, rec *WarningRecord) error {
	return mw.each(func(w Writer) error { return w.WriteWarning(ctx, rec) })
}

func (mw *MultiWriter) WriteSummary(ctx context.Context, rec *SummaryRecord) error {
	return mw.each(func(w Writer) error { return w.WriteSummary(ctx, rec) })
}

func (mw *MultiWriter) Close() error {
	return mw.each(func(w Writer) error { return w.Close() })
}

// Discard is a Writer that drops every record.
var Discard Writer = discard{}

type discard struct{}

func (discard) WriteStatus(context.Context, *StatusRecord) error   { return nil }
func (discard) WriteRun(context.Context, *RunRecord) error         { return nil }
func (discard) WriteFailure(context.Context, *FailureRecord) error { return nil }
func (discard) WriteRestore(context.Context, *RestoreRecord) error { return nil }
func (discard) WriteTags(context.Context, *TagsRecord) error       { return nil }
func (discard) WriteWarning(context.Context, *WarningRecord) error { return nil }
func (discard) WriteSummary(context.Context, *SummaryRecord) error { return nil }
func (discard) Close() error                                       { return nil }

var (
	_ Writer = (*LogWriter)(nil)
	_ Writer = (*MultiWriter)(nil)
)
