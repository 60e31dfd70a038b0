package relax

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/3leaps/gorelax/pkg/output"
	"github.com/3leaps/gorelax/pkg/rundir"
	"github.com/3leaps/gorelax/pkg/settings"
)

// DefaultInputFiles are the solver inputs moved from the root into the
// first run during setup.
var DefaultInputFiles = []string{
	"INCAR", "STOPCAR", "POTCAR", "KPOINTS", "POSCAR",
	"EXHCAR", "CHGCAR", "WAVECAR", "TMPCAR",
}

// ConstantTags force a constant-volume single-point run.
var ConstantTags = map[string]string{
	"ISIF":   "2",
	"ISMEAR": "-5",
	"NSW":    "0",
	"IBRION": "-1",
}

const (
	tagSystem = "SYSTEM"
	tagNSW    = "NSW"
	tagISIF   = "ISIF"

	finalMarker = "final"
	inputName   = "INCAR"
)

// Engine drives one relaxation root.
//
// An Engine is not safe for concurrent use, and two engines must not
// operate on the same root at the same time.
type Engine struct {
	layout   *rundir.Layout
	fs       afero.Fs
	settings settings.Settings

	oracle   CompletionOracle
	tags     TagStore
	energies EnergyReader
	solver   Solver
	backups  BackupStore

	out    output.Writer
	log    *zap.Logger
	inputs []string
	now    func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithFs sets the filesystem holding the run tree. Default: OS filesystem.
func WithFs(fs afero.Fs) Option {
	return func(e *Engine) {
		if fs != nil {
			e.fs = fs
		}
	}
}

// WithWriter sets the event sink. Default: output.Discard.
func WithWriter(w output.Writer) Option {
	return func(e *Engine) {
		if w != nil {
			e.out = w
		}
	}
}

// WithLogger sets the diagnostics logger. Default: no-op.
func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithInputFiles replaces DefaultInputFiles.
func WithInputFiles(names ...string) Option {
	return func(e *Engine) {
		e.inputs = append([]string(nil), names...)
	}
}

// New creates an Engine for root.
func New(root string, s settings.Settings, c Collaborators, opts ...Option) (*Engine, error) {
	switch {
	case c.Oracle == nil:
		return nil, fmt.Errorf("%w: completion oracle", ErrMissingCollaborator)
	case c.Tags == nil:
		return nil, fmt.Errorf("%w: tag store", ErrMissingCollaborator)
	case c.Energies == nil:
		return nil, fmt.Errorf("%w: energy reader", ErrMissingCollaborator)
	case c.Solver == nil:
		return nil, fmt.Errorf("%w: solver", ErrMissingCollaborator)
	case c.Backups == nil && len(s.Backup) > 0:
		return nil, fmt.Errorf("%w: backup store", ErrMissingCollaborator)
	}

	s = s.Clone()
	s.ApplyDefaults()

	e := &Engine{
		fs:       afero.NewOsFs(),
		settings: s,
		oracle:   c.Oracle,
		tags:     c.Tags,
		energies: c.Energies,
		solver:   c.Solver,
		backups:  c.Backups,
		out:      output.Discard,
		log:      zap.NewNop(),
		inputs:   DefaultInputFiles,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.layout = rundir.New(e.fs, root)
	return e, nil
}

// Root returns the relaxation root directory.
func (e *Engine) Root() string { return e.layout.Root() }

// Layout returns the run-directory layout of the engine.
func (e *Engine) Layout() *rundir.Layout { return e.layout }

// Settings returns a copy of the engine settings.
func (e *Engine) Settings() settings.Settings { return e.settings.Clone() }

// Status derives the state of the relaxation from disk.
//
// Precedence once the latest run is complete: a final run completes the
// relaxation, then a constant-volume run or convergence schedules the
// constant run, then the run-count ceiling stops it, otherwise another
// relax run follows.
func (e *Engine) Status() (Status, Task, error) {
	hasFinal, err := e.layout.HasFinal()
	if err != nil {
		return "", NoTask, err
	}
	if hasFinal {
		done, err := e.oracle.Complete(e.layout.FinalDir())
		if err != nil {
			return "", NoTask, fmt.Errorf("check final directory: %w", err)
		}
		if done {
			return StatusComplete, NoTask, nil
		}
	}

	runs, err := e.layout.Runs()
	if err != nil {
		return "", NoTask, err
	}
	if len(runs) == 0 {
		return StatusIncomplete, Task{Kind: TaskSetup}, nil
	}

	latest := runs[len(runs)-1]
	done, err := e.oracle.Complete(latest)
	if err != nil {
		return "", NoTask, fmt.Errorf("check %s: %w", latest, err)
	}
	if !done {
		if e.stalled(runs) {
			return StatusNotConverging, NoTask, nil
		}
		return StatusIncomplete, Task{Kind: TaskContinue, Dir: latest}, nil
	}

	final, err := e.isFinalRun(latest)
	if err != nil {
		return "", NoTask, err
	}
	if final {
		return StatusComplete, NoTask, nil
	}

	constant, err := e.isConstantVolume(latest)
	if err != nil {
		return "", NoTask, err
	}
	if constant {
		return StatusIncomplete, Task{Kind: TaskConstant}, nil
	}

	converged, err := e.converged(runs)
	if err != nil {
		return "", NoTask, err
	}
	if converged {
		return StatusIncomplete, Task{Kind: TaskConstant}, nil
	}

	if e.stalled(runs) {
		return StatusNotConverging, NoTask, nil
	}
	return StatusIncomplete, Task{Kind: TaskRelax}, nil
}

// Converged reports whether the latest run is relaxed.
//
// At least two runs are required. The latest run is converged when it took
// three or fewer ionic steps, or when an energy threshold is configured,
// the last two runs are complete and their final energies differ by less
// than the threshold.
func (e *Engine) Converged() (bool, error) {
	runs, err := e.layout.Runs()
	if err != nil {
		return false, err
	}
	return e.converged(runs)
}

func (e *Engine) converged(runs []string) (bool, error) {
	if len(runs) < 2 {
		return false, nil
	}

	last, prev := runs[len(runs)-1], runs[len(runs)-2]
	lastTrace, err := e.energies.Energies(last)
	if err != nil {
		return false, fmt.Errorf("read energies of %s: %w", last, err)
	}
	if len(lastTrace) <= 3 {
		return true, nil
	}

	if !e.settings.HasNrgConvergence() {
		return false, nil
	}
	for _, dir := range []string{last, prev} {
		done, err := e.oracle.Complete(dir)
		if err != nil {
			return false, fmt.Errorf("check %s: %w", dir, err)
		}
		if !done {
			return false, nil
		}
	}

	prevTrace, err := e.energies.Energies(prev)
	if err != nil {
		return false, fmt.Errorf("read energies of %s: %w", prev, err)
	}
	if len(prevTrace) == 0 {
		return false, fmt.Errorf("%s: %w", prev, ErrEmptyTrace)
	}

	diff := math.Abs(lastTrace[len(lastTrace)-1] - prevTrace[len(prevTrace)-1])
	return diff < *e.settings.NrgConvergence, nil
}

// NotConverging reports whether the run-count ceiling has been reached.
func (e *Engine) NotConverging() (bool, error) {
	runs, err := e.layout.Runs()
	if err != nil {
		return false, err
	}
	return e.stalled(runs), nil
}

func (e *Engine) stalled(runs []string) bool {
	return len(runs) >= e.settings.RunLimit
}

// isFinalRun reports whether dir is a final run: the last word of its
// SYSTEM tag is "final" and it takes no ionic steps.
func (e *Engine) isFinalRun(dir string) (bool, error) {
	system, ok, err := e.tags.Tag(dir, tagSystem)
	if err != nil {
		return false, fmt.Errorf("read %s of %s: %w", tagSystem, dir, err)
	}
	if !ok {
		return false, nil
	}
	words := strings.Fields(system)
	if len(words) == 0 || strings.ToLower(words[len(words)-1]) != finalMarker {
		return false, nil
	}

	nsw, ok, err := e.intTag(dir, tagNSW)
	if err != nil {
		return false, err
	}
	return ok && nsw == 0, nil
}

// isConstantVolume reports whether dir was run with a constant-volume
// ISIF mode.
func (e *Engine) isConstantVolume(dir string) (bool, error) {
	isif, ok, err := e.intTag(dir, tagISIF)
	if err != nil {
		return false, err
	}
	return ok && isif >= 0 && isif <= 2, nil
}

// intTag reads an integer tag. A value that is not an integer is treated
// as unset.
func (e *Engine) intTag(dir, name string) (int, bool, error) {
	raw, ok, err := e.tags.Tag(dir, name)
	if err != nil {
		return 0, false, fmt.Errorf("read %s of %s: %w", name, dir, err)
	}
	if !ok {
		return 0, false, nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, false, nil
	}
	return v, true, nil
}

// emit delivers an event. Sink failures never affect the relaxation.
func (e *Engine) emit(kind string, fn func() error) {
	if err := fn(); err != nil {
		e.log.Debug("Event write failed", zap.String("event", kind), zap.Error(err))
	}
}

func (e *Engine) emitStatus(ctx context.Context, status Status, task Task) {
	rec := &output.StatusRecord{
		Status:  string(status),
		Task:    string(task.Kind),
		TaskDir: task.Dir,
	}
	if runs, err := e.layout.Runs(); err == nil {
		rec.Runs = len(runs)
	}
	if errs, err := e.layout.ErrorRuns(); err == nil {
		rec.ErrorRuns = len(errs)
	}
	e.emit("status", func() error { return e.out.WriteStatus(ctx, rec) })
}

func (e *Engine) emitRun(ctx context.Context, phase string, task TaskKind, dir string, index int) {
	rec := &output.RunRecord{Phase: phase, Task: string(task), Dir: dir, Index: index}
	e.emit("run", func() error { return e.out.WriteRun(ctx, rec) })
}

func (e *Engine) emitWarning(ctx context.Context, code, msg, path string) {
	rec := &output.WarningRecord{Code: code, Message: msg, Path: path}
	e.emit("warning", func() error { return e.out.WriteWarning(ctx, rec) })
}

// committedPath maps a staging directory to the run it becomes.
func committedPath(dir string) string {
	return strings.TrimSuffix(dir, rundir.PartialSuffix)
}

func (e *Engine) emitTags(ctx context.Context, dir, source string, tags map[string]string) {
	rec := &output.TagsRecord{Dir: committedPath(dir), Source: source, Tags: tags}
	e.emit("tags", func() error { return e.out.WriteTags(ctx, rec) })
}
