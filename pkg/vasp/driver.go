package vasp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/3leaps/gorelax/pkg/relax"
	"github.com/3leaps/gorelax/pkg/settings"
)

// DefaultExecutable is the solver binary used when no command is
// configured.
const DefaultExecutable = "vasp"

// ErrEmptyCommand is returned when the solver command resolves to nothing.
var ErrEmptyCommand = errors.New("empty solver command")

// Driver runs the solver as a child process and watches its output for
// known failure signatures.
//
// The solver is started in the run directory with stdout captured to
// "stdout" and stderr to "stderr". On the first detected failure the
// process is killed; failures found while draining the remaining output
// are reported too, in detection order.
type Driver struct {
	files   *Files
	tags    *TagStore
	log     *zap.Logger
	command string

	// waitDelay bounds output draining after the solver exits or is
	// killed. MPI launchers can leave children holding stdout open.
	waitDelay time.Duration
}

// DefaultWaitDelay is the default output drain bound after exit.
const DefaultWaitDelay = 10 * time.Second

// DriverOption configures a Driver.
type DriverOption func(*Driver)

// WithCommand sets the solver command used when settings carry no
// vasp_cmd.
func WithCommand(cmd string) DriverOption {
	return func(d *Driver) {
		d.command = cmd
	}
}

// WithDriverLogger sets the driver logger.
func WithDriverLogger(log *zap.Logger) DriverOption {
	return func(d *Driver) {
		if log != nil {
			d.log = log
		}
	}
}

// WithWaitDelay sets how long output is drained after the solver exits.
func WithWaitDelay(delay time.Duration) DriverOption {
	return func(d *Driver) {
		d.waitDelay = delay
	}
}

// NewDriver returns a Driver. The solver process always runs on the OS
// filesystem; fs is used for input and output file handling and must
// resolve the same paths.
func NewDriver(fs afero.Fs, opts ...DriverOption) *Driver {
	d := &Driver{log: zap.NewNop(), waitDelay: DefaultWaitDelay}
	for _, opt := range opts {
		opt(d)
	}
	d.files = NewFiles(fs, d.log)
	d.tags = NewTagStore(fs)
	return d
}

// Files returns the file helper used by the driver.
func (d *Driver) Files() *Files { return d.files }

// Command returns the argv used to launch the solver for s.
//
// Precedence: vasp_cmd from settings, the driver command, then
// "mpirun -np <ncpus> vasp" when ncpus is set, else "vasp".
func (d *Driver) Command(s settings.Settings) ([]string, error) {
	cmd := s.VaspCmd
	if cmd == "" {
		cmd = d.command
	}
	if cmd == "" {
		if s.Ncpus != nil {
			cmd = "mpirun -np " + strconv.Itoa(*s.Ncpus) + " " + DefaultExecutable
		} else {
			cmd = DefaultExecutable
		}
	}
	argv := strings.Fields(cmd)
	if len(argv) == 0 {
		return nil, ErrEmptyCommand
	}
	return argv, nil
}

// Run executes the solver in dir. Parallelism tags from s are written to
// the input before launch.
func (d *Driver) Run(ctx context.Context, dir string, s settings.Settings) ([]relax.Failure, error) {
	if tags := parallelTags(s); len(tags) > 0 {
		if err := d.tags.SetTags(dir, tags); err != nil {
			return nil, fmt.Errorf("set parallel tags: %w", err)
		}
	}

	argv, err := d.Command(s)
	if err != nil {
		return nil, err
	}

	stdoutFile, err := os.Create(filepath.Join(dir, StdoutFile))
	if err != nil {
		return nil, err
	}
	defer func() { _ = stdoutFile.Close() }()
	stderrFile, err := os.Create(filepath.Join(dir, StderrFile))
	if err != nil {
		return nil, err
	}
	defer func() { _ = stderrFile.Close() }()

	log := d.log.With(zap.String("dir", dir), zap.Strings("command", argv))

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Stderr = stderrFile
	cmd.WaitDelay = d.waitDelay

	var (
		mu       sync.Mutex
		killed   bool
		failures []relax.Failure
		seen     = map[string]bool{}
	)
	stdout := &lineWriter{w: stdoutFile, onLine: func(line string) {
		class, ok := classify(line)
		if !ok {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if seen[class.name] {
			return
		}
		seen[class.name] = true
		failures = append(failures, &Failure{class: class, Line: line, files: d.files, tags: d.tags})
		log.Warn("Solver failure detected", zap.String("class", class.name), zap.String("line", line))
		if !killed {
			killed = true
			if err := cmd.Process.Kill(); err != nil {
				log.Debug("Kill failed", zap.Error(err))
			}
		}
	}}
	cmd.Stdout = stdout

	log.Info("Starting solver")
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start solver: %w", err)
	}

	waitErr := cmd.Wait()
	stdout.flush()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if stdout.err != nil {
		return nil, fmt.Errorf("capture solver output: %w", stdout.err)
	}

	mu.Lock()
	defer mu.Unlock()

	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
	case killed:
	case errors.Is(waitErr, exec.ErrWaitDelay):
		log.Warn("Solver output still open after exit")
	case errors.As(waitErr, &exitErr):
		// A crash without a known signature leaves the run incomplete;
		// the next status evaluation continues it.
		log.Warn("Solver exited with error", zap.Int("exit_code", exitErr.ExitCode()))
	default:
		return nil, fmt.Errorf("wait for solver: %w", waitErr)
	}

	log.Info("Solver finished", zap.Int("failures", len(failures)))
	return failures, nil
}

// Continue populates to from the outputs of from.
func (d *Driver) Continue(ctx context.Context, from, to string, s settings.Settings) error {
	return d.files.Continue(ctx, from, to, s)
}

// Finalize post-processes the final directory.
func (d *Driver) Finalize(ctx context.Context, dir string, s settings.Settings) error {
	return d.files.Finalize(ctx, dir, s)
}

func parallelTags(s settings.Settings) map[string]string {
	tags := map[string]string{}
	if s.Npar != nil {
		tags["NPAR"] = strconv.Itoa(*s.Npar)
	}
	if s.Ncore != nil {
		tags["NCORE"] = strconv.Itoa(*s.Ncore)
	}
	if s.Kpar != nil {
		tags["KPAR"] = strconv.Itoa(*s.Kpar)
	}
	return tags
}

// lineWriter splits written bytes into lines, copying them to w and
// passing each complete line to onLine.
type lineWriter struct {
	w      io.Writer
	onLine func(string)
	buf    []byte
	err    error
}

func (lw *lineWriter) Write(p []byte) (int, error) {
	if lw.err == nil {
		if _, err := lw.w.Write(p); err != nil {
			lw.err = err
		}
	}
	lw.buf = append(lw.buf, p...)
	for {
		i := bytes.IndexByte(lw.buf, '\n')
		if i < 0 {
			break
		}
		lw.onLine(strings.TrimRight(string(lw.buf[:i]), "\r"))
		lw.buf = lw.buf[i+1:]
	}
	if len(lw.buf) > maxLine {
		lw.onLine(string(lw.buf))
		lw.buf = lw.buf[:0]
	}
	return len(p), nil
}

// flush passes a trailing unterminated line to onLine.
func (lw *lineWriter) flush() {
	if len(lw.buf) > 0 {
		lw.onLine(string(lw.buf))
		lw.buf = nil
	}
}

var _ relax.Solver = (*Driver)(nil)
