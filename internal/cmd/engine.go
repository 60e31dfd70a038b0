package cmd

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/3leaps/gorelax/internal/config"
	"github.com/3leaps/gorelax/pkg/archive"
	"github.com/3leaps/gorelax/pkg/jobregistry"
	"github.com/3leaps/gorelax/pkg/output"
	"github.com/3leaps/gorelax/pkg/preflight"
	"github.com/3leaps/gorelax/pkg/relax"
	"github.com/3leaps/gorelax/pkg/settings"
	"github.com/3leaps/gorelax/pkg/vasp"
)

// resolveRoot returns the absolute relaxation root named by args, or the
// working directory.
func resolveRoot(args []string) (string, error) {
	dir := "."
	if len(args) > 0 && strings.TrimSpace(args[0]) != "" {
		dir = args[0]
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	st, err := os.Stat(abs)
	if err != nil {
		return "", err
	}
	if !st.IsDir() {
		return "", fmt.Errorf("%s is not a directory", abs)
	}
	return abs, nil
}

// loadSettings reads the settings file at path, or discovers one in root.
func loadSettings(root, path string) (settings.Settings, string, error) {
	if path != "" {
		s, err := settings.Load(path)
		return s, path, err
	}
	return settings.Discover(root)
}

// newEngine wires the VASP collaborators into a relaxation engine.
func newEngine(fs afero.Fs, root string, s settings.Settings, solverCommand string, w output.Writer, log *zap.Logger) (*relax.Engine, error) {
	driver := vasp.NewDriver(fs,
		vasp.WithCommand(solverCommand),
		vasp.WithDriverLogger(log),
	)
	return relax.New(root, s, relax.Collaborators{
		Oracle:   vasp.NewOracle(fs),
		Tags:     vasp.NewTagStore(fs),
		Energies: vasp.NewEnergyReader(fs),
		Solver:   driver,
		Backups:  driver.Files(),
	},
		relax.WithFs(fs),
		relax.WithWriter(w),
		relax.WithLogger(log),
	)
}

// newEventWriter returns the event sink for format. The returned writer is
// closed by the caller.
func newEventWriter(format, jobID, root string, log *zap.Logger) (output.Writer, error) {
	switch format {
	case "", "log":
		return output.NewLogWriter(log), nil
	case "jsonl":
		return output.NewJSONLWriter(os.Stdout, jobID, root), nil
	case "none":
		return output.Discard, nil
	default:
		return nil, fmt.Errorf("unsupported events format %q (log, jsonl, none)", format)
	}
}

// heartbeatWriter records each status evaluation in the job registry.
type heartbeatWriter struct {
	output.Writer
	store *jobregistry.Store
	jobID string
	log   *zap.Logger
}

func newHeartbeatWriter(store *jobregistry.Store, jobID string, log *zap.Logger) *heartbeatWriter {
	return &heartbeatWriter{Writer: output.Discard, store: store, jobID: jobID, log: log}
}

func (hw *heartbeatWriter) WriteStatus(_ context.Context, rec *output.StatusRecord) error {
	if err := hw.store.Heartbeat(hw.jobID, rec.Status, rec.Runs); err != nil {
		hw.log.Debug("Job heartbeat failed", zap.String("job_id", hw.jobID), zap.Error(err))
	}
	return nil
}

// publishFinal archives finalDir under <prefix>/<root name>.
func publishFinal(ctx context.Context, cfg *config.Config, uri, root, finalDir string, log *zap.Logger) (*archive.Summary, error) {
	target, err := archive.ParseURI(uri)
	if err != nil {
		return nil, err
	}
	fs := afero.NewOsFs()
	p, err := archive.Open(ctx, target, fs, archive.S3Options{
		Region:         cfg.Archive.Region,
		Endpoint:       cfg.Archive.Endpoint,
		Profile:        cfg.Archive.Profile,
		ForcePathStyle: cfg.Archive.ForcePathStyle,
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = p.Close() }()

	prefix := path.Join(target.Prefix, filepath.Base(root))
	mode, err := preflight.ParseMode(cfg.Archive.Preflight)
	if err != nil {
		return nil, err
	}
	report, err := preflight.Archive(ctx, p, prefix, mode)
	if err != nil {
		return nil, fmt.Errorf("archive preflight: %w", err)
	}
	log.Debug("Archive preflight passed", zap.String("mode", string(report.Mode)), zap.Int("checks", len(report.Results)))

	pub, err := archive.New(fs, p, prefix, archive.Config{
		Includes:    cfg.Archive.Includes,
		Excludes:    cfg.Archive.Excludes,
		RateLimit:   cfg.Archive.RateLimit,
		Concurrency: archive.DefaultConfig().Concurrency,
	}, log)
	if err != nil {
		return nil, err
	}
	return pub.Publish(ctx, finalDir)
}
