package relax

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/3leaps/gorelax/pkg/match"
	"github.com/3leaps/gorelax/pkg/output"
	"github.com/3leaps/gorelax/pkg/rundir"
)

// Run drives the relaxation until it is complete or not converging and
// returns the terminal status with NoTask.
//
// Run is idempotent: calling it on a complete relaxation changes nothing.
// A Run interrupted at any point resumes correctly when called again.
// Cancelling ctx stops the loop between steps and is forwarded to the
// solver.
func (e *Engine) Run(ctx context.Context) (status Status, task Task, err error) {
	start := e.now()
	failures := 0

	defer func() {
		e.emitSummary(ctx, status, failures, e.now().Sub(start), err)
	}()

	if err := e.repair(ctx); err != nil {
		return "", NoTask, err
	}

	status, task, err = e.Status()
	if err != nil {
		return "", NoTask, err
	}
	e.emitStatus(ctx, status, task)

	for status == StatusIncomplete {
		if err := ctx.Err(); err != nil {
			return status, task, err
		}

		dir, index, err := e.perform(ctx, task)
		if err != nil {
			return status, task, fmt.Errorf("%s: %w", task.Kind, err)
		}

		n, err := e.execute(ctx, task.Kind, dir, index)
		failures += n
		if err != nil {
			return status, task, err
		}

		status, task, err = e.Status()
		if err != nil {
			return "", NoTask, err
		}
		e.emitStatus(ctx, status, task)
	}

	if status == StatusComplete {
		if err := e.promote(ctx); err != nil {
			return status, task, err
		}
	}
	return status, NoTask, nil
}

// perform populates the next run directory for task.
//
// The run is built in its staging directory and committed only once it is
// complete, so an interrupted perform never leaves a half-populated run
// behind. When the next index still has quarantined attempts, the retry
// that followed the last quarantine was interrupted and the run is rebuilt
// from that attempt instead.
func (e *Engine) perform(ctx context.Context, task Task) (string, int, error) {
	runs, err := e.layout.Runs()
	if err != nil {
		return "", 0, err
	}
	index := len(runs)
	quarantined, err := e.layout.ErrorRunsOf(index)
	if err != nil {
		return "", 0, err
	}
	resume := len(quarantined) > 0

	// Setup moves the inputs out of the root, so its staging directory
	// may hold files that exist nowhere else.
	keep := task.Kind == TaskSetup && !resume
	staging, err := e.layout.Stage(index, keep)
	if err != nil {
		return "", 0, err
	}

	switch {
	case resume:
		err = e.resumeRetry(ctx, quarantined[len(quarantined)-1], index, staging)
	case task.Kind == TaskSetup:
		err = e.setup(ctx, staging)
	case task.Kind == TaskRelax:
		err = e.continueFrom(ctx, index, staging)
		if err == nil {
			err = e.restoreBaseInput(ctx, staging)
		}
	case task.Kind == TaskConstant:
		err = e.continueFrom(ctx, index, staging)
		if err == nil {
			err = e.writeConstantTags(ctx, staging)
		}
	default:
		// Interrupted run, typically a wall-clock kill: carry its state
		// forward unchanged.
		err = e.continueFrom(ctx, index, staging)
	}
	if err != nil {
		if !keep {
			e.discard(staging)
		}
		return "", 0, err
	}

	dir, err := e.layout.Commit(index)
	if err != nil {
		return "", 0, err
	}
	e.emitRun(ctx, output.PhaseCreated, task.Kind, dir, index)
	return dir, index, nil
}

// resumeRetry rebuilds run index from its latest quarantined attempt. The
// failure that caused the quarantine is not persisted, so the inputs are
// carried forward unfixed and the solver reports the failure again if it
// persists.
func (e *Engine) resumeRetry(ctx context.Context, errDir string, index int, dir string) error {
	e.emitWarning(ctx, output.WarningResumedRetry, "Rebuilding run from its last quarantined attempt", errDir)
	if err := e.solver.Continue(ctx, errDir, dir, e.settings); err != nil {
		return fmt.Errorf("continue %s into %s: %w", errDir, dir, err)
	}
	return e.restoreBackups(ctx, index, dir)
}

// repair returns a first run that was created but never set up to its
// staging directory, so that setup picks up the inputs still in the root.
// Such a run has no base input snapshot and no solver output.
func (e *Engine) repair(ctx context.Context) error {
	runs, err := e.layout.Runs()
	if err != nil || len(runs) != 1 {
		return err
	}
	if _, err := e.fs.Stat(e.layout.BaseInput()); !os.IsNotExist(err) {
		return err
	}
	done, err := e.oracle.Complete(runs[0])
	if err != nil {
		return fmt.Errorf("check %s: %w", runs[0], err)
	}
	if done {
		return nil
	}
	staging, err := e.layout.Unstage()
	if err != nil {
		return err
	}
	e.emitWarning(ctx, output.WarningResumedSetup, "First run was never set up, resuming setup", staging)
	return nil
}

func (e *Engine) discard(dir string) {
	if err := e.fs.RemoveAll(dir); err != nil {
		e.log.Warn("Failed to remove staging directory", zap.String("dir", dir), zap.Error(err))
	}
}

func (e *Engine) continueFrom(ctx context.Context, index int, dir string) error {
	if index == 0 {
		return fmt.Errorf("continue into %s: %w", dir, errNoPreviousRun)
	}
	from := e.layout.RunDir(index - 1)
	if err := e.solver.Continue(ctx, from, dir, e.settings); err != nil {
		return fmt.Errorf("continue %s into %s: %w", from, dir, err)
	}
	return nil
}

var errNoPreviousRun = errors.New("no previous run")

// setup moves the solver inputs from the root into the first run,
// snapshots the base input, and applies the initial override if any.
func (e *Engine) setup(ctx context.Context, dir string) error {
	m, err := match.New(match.Config{
		Includes:      append(append([]string(nil), e.inputs...), e.settings.ExtraInputFiles...),
		IncludeHidden: true,
	})
	if err != nil {
		return fmt.Errorf("input file patterns: %w", err)
	}

	entries, err := afero.ReadDir(e.fs, e.Root())
	if err != nil {
		return fmt.Errorf("list root: %w", err)
	}
	for _, entry := range entries {
		src := filepath.Join(e.Root(), entry.Name())
		if src == dir || entry.Name() == rundir.LockName || !m.Match(entry.Name()) {
			continue
		}
		if err := e.fs.Rename(src, filepath.Join(dir, entry.Name())); err != nil {
			return fmt.Errorf("move %s: %w", entry.Name(), err)
		}
		e.log.Debug("Moved input file", zap.String("file", entry.Name()), zap.String("dir", dir))
	}

	if err := copyFile(e.fs, filepath.Join(dir, inputName), e.layout.BaseInput()); err != nil {
		return fmt.Errorf("snapshot base input: %w", err)
	}

	if e.settings.Initial == "" {
		return nil
	}
	tags, ok, err := e.readOverride(ctx, e.settings.Initial)
	if err != nil || !ok {
		return err
	}
	if err := e.tags.SetTags(dir, tags); err != nil {
		return fmt.Errorf("set initial tags: %w", err)
	}
	e.emitTags(ctx, dir, "initial", tags)
	return nil
}

func (e *Engine) restoreBaseInput(ctx context.Context, dir string) error {
	base := e.layout.BaseInput()
	if _, err := e.fs.Stat(base); err != nil {
		if os.IsNotExist(err) {
			return ErrMissingBaseInput
		}
		return err
	}
	if err := copyFile(e.fs, base, filepath.Join(dir, inputName)); err != nil {
		return fmt.Errorf("restore base input: %w", err)
	}
	e.emitTags(ctx, dir, "base", nil)
	return nil
}

// writeConstantTags switches dir to the constant-volume final run and
// appends the final marker to SYSTEM.
func (e *Engine) writeConstantTags(ctx context.Context, dir string) error {
	tags := make(map[string]string, len(ConstantTags)+1)
	source := "constant"
	for k, v := range ConstantTags {
		tags[k] = v
	}

	if e.settings.Final != "" {
		override, ok, err := e.readOverride(ctx, e.settings.Final)
		if err != nil {
			return err
		}
		if ok {
			tags, source = override, "final"
		}
	}

	system, ok, err := e.tags.Tag(dir, tagSystem)
	if err != nil {
		return fmt.Errorf("read %s: %w", tagSystem, err)
	}
	if ok {
		tags[tagSystem] = system + " " + finalMarker
	} else {
		tags[tagSystem] = finalMarker
	}

	if err := e.tags.SetTags(dir, tags); err != nil {
		return fmt.Errorf("set constant tags: %w", err)
	}
	e.emitTags(ctx, dir, source, tags)
	return nil
}

// readOverride reads an override tag file relative to the root. A missing
// file is not an error: the caller falls back to its defaults and a
// warning is emitted.
func (e *Engine) readOverride(ctx context.Context, name string) (map[string]string, bool, error) {
	path := filepath.Join(e.Root(), name)
	st, err := e.fs.Stat(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, false, err
	}
	if err != nil || st.IsDir() {
		// TODO: confirm with product owners whether a configured but
		// missing override file should fail the relaxation instead.
		e.emitWarning(ctx, output.WarningMissingOverride, "Override tag file not found, using defaults", path)
		return nil, false, nil
	}
	tags, err := e.tags.ReadTags(path)
	if err != nil {
		return nil, false, fmt.Errorf("read override %s: %w", name, err)
	}
	return tags, true, nil
}

// execute runs the solver in dir, quarantining and repairing failed
// attempts until one finishes without a detected failure or the
// relaxation stalls. It returns the number of failures handled.
//
// Only the first failure reported by an attempt is fixed; the others are
// reported as ignored. This keeps retries deterministic.
func (e *Engine) execute(ctx context.Context, kind TaskKind, dir string, index int) (int, error) {
	handled := 0
	for {
		if err := ctx.Err(); err != nil {
			return handled, err
		}

		e.emitRun(ctx, output.PhaseSolverStarted, kind, dir, index)
		failures, err := e.solver.Run(ctx, dir, e.settings)
		if err != nil {
			return handled, fmt.Errorf("solver in %s: %w", dir, err)
		}
		e.emitRun(ctx, output.PhaseSolverFinished, kind, dir, index)

		if len(failures) == 0 {
			return handled, nil
		}
		stalled, err := e.NotConverging()
		if err != nil {
			return handled, err
		}
		if stalled {
			return handled, nil
		}

		quarantined, err := e.layout.ErrorRunsOf(index)
		if err != nil {
			return handled, err
		}
		if limit := e.settings.ErrorLimit; limit > 0 && len(quarantined) >= limit {
			return handled, &FailureError{RunDir: dir, ErrorDirs: quarantined, Failure: failures[0]}
		}

		errDir, err := e.layout.Quarantine()
		if err != nil {
			return handled, err
		}
		e.emitRun(ctx, output.PhaseQuarantined, kind, errDir, index)

		staging, err := e.layout.Stage(index, false)
		if err != nil {
			return handled, err
		}

		first := failures[0]
		e.emitFailure(ctx, first, failures[1:], dir, errDir, len(quarantined))
		handled++

		if err := first.Fix(ctx, errDir, staging, e.settings); err != nil {
			return handled, fmt.Errorf("fix %s: %w", first.Class(), err)
		}
		if err := e.restoreBackups(ctx, index, staging); err != nil {
			return handled, err
		}
		if dir, err = e.layout.Commit(index); err != nil {
			return handled, err
		}
		e.emitRun(ctx, output.PhaseCreated, kind, dir, index)
	}
}

// restoreBackups copies the configured backups kept in the previous run
// into dir.
func (e *Engine) restoreBackups(ctx context.Context, index int, dir string) error {
	if len(e.settings.Backup) == 0 || index < 1 {
		return nil
	}
	from := e.layout.RunDir(index - 1)
	for _, name := range e.settings.Backup {
		restored, err := e.backups.Restore(from, dir, name)
		if err != nil {
			return fmt.Errorf("restore %s: %w", name, err)
		}
		if !restored {
			continue
		}
		rec := &output.RestoreRecord{File: name, From: from, To: committedPath(dir)}
		e.emit("restore", func() error { return e.out.WriteRestore(ctx, rec) })
	}
	return nil
}

// promote renames the latest run to the final directory and finalizes it.
func (e *Engine) promote(ctx context.Context) error {
	hasFinal, err := e.layout.HasFinal()
	if err != nil || hasFinal {
		return err
	}
	runs, err := e.layout.Runs()
	if err != nil {
		return err
	}
	index := len(runs) - 1

	finalDir, err := e.layout.Promote()
	if err != nil {
		return err
	}
	e.emitRun(ctx, output.PhasePromoted, TaskNone, finalDir, index)

	if err := e.solver.Finalize(ctx, finalDir, e.settings); err != nil {
		return fmt.Errorf("finalize %s: %w", finalDir, err)
	}
	e.emitRun(ctx, output.PhaseFinalized, TaskNone, finalDir, -1)
	return nil
}

func (e *Engine) emitFailure(ctx context.Context, first Failure, rest []Failure, runDir, errDir string, attempt int) {
	rec := &output.FailureRecord{
		Class:    first.Class(),
		Message:  first.Error(),
		RunDir:   runDir,
		ErrorDir: errDir,
		Attempt:  attempt,
	}
	for _, f := range rest {
		rec.Ignored = append(rec.Ignored, f.Class())
	}
	e.emit("failure", func() error { return e.out.WriteFailure(ctx, rec) })
}

func (e *Engine) emitSummary(ctx context.Context, status Status, failures int, elapsed time.Duration, err error) {
	rec := &output.SummaryRecord{
		Status:        string(status),
		Failures:      failures,
		Duration:      elapsed,
		DurationHuman: elapsed.Round(time.Millisecond).String(),
	}
	if runs, rerr := e.layout.Runs(); rerr == nil {
		rec.Runs = len(runs)
	}
	if ok, _ := e.layout.HasFinal(); ok {
		rec.FinalDir = e.layout.FinalDir()
	}
	if err != nil {
		rec.Error = err.Error()
	}
	// The summary is still delivered when ctx was cancelled.
	e.emit("summary", func() error { return e.out.WriteSummary(context.WithoutCancel(ctx), rec) })
}

func copyFile(fs afero.Fs, src, dst string) error {
	in, err := fs.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := fs.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
