package cmd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gorelax/pkg/jobregistry"
	"github.com/3leaps/gorelax/pkg/relax"
)

func TestRun_Complete(t *testing.T) {
	requireShell(t)
	jobsDir := setupEnv(t)
	root := writeRelaxation(t, "")
	metricsPath := filepath.Join(t.TempDir(), "gorelax.prom")
	archiveDir := t.TempDir()

	_, err := executeCommand(t, "run", root,
		"--metrics-textfile", metricsPath,
		"--archive", "file://"+archiveDir)
	require.NoError(t, err)

	for _, name := range []string{"run.0", "run.1", "run.final"} {
		assert.DirExists(t, filepath.Join(root, name))
	}
	assert.FileExists(t, filepath.Join(root, "INCAR.base"))
	assert.NoDirExists(t, filepath.Join(root, "run.2"))

	incar, err := os.ReadFile(filepath.Join(root, "run.final", "INCAR"))
	require.NoError(t, err)
	assert.Contains(t, string(incar), "SYSTEM = Si final")
	assert.Contains(t, string(incar), "NSW = 0")

	base, err := os.ReadFile(filepath.Join(root, "INCAR.base"))
	require.NoError(t, err)
	assert.Contains(t, string(base), "ISIF = 3")

	prom, err := os.ReadFile(metricsPath)
	require.NoError(t, err)
	assert.Contains(t, string(prom), `gorelax_status{status="complete"} 1`)
	assert.Contains(t, string(prom), `gorelax_runs_created_total{task="constant"} 1`)

	assert.FileExists(t, filepath.Join(archiveDir, filepath.Base(root), "OUTCAR"))
	assert.FileExists(t, filepath.Join(archiveDir, filepath.Base(root), "INCAR"))

	jobs, err := jobregistry.NewStore(jobsDir).List()
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, jobregistry.JobStateComplete, jobs[0].State)
	assert.Equal(t, string(relax.StatusComplete), jobs[0].Status)
	assert.Equal(t, root, jobs[0].RootDir)
	assert.Equal(t, 2, jobs[0].Runs)

	// A second run changes nothing.
	_, err = executeCommand(t, "run", root)
	require.NoError(t, err)
	assert.NoDirExists(t, filepath.Join(root, "run.2"))
}

func TestRun_NotConverging(t *testing.T) {
	requireShell(t)
	jobsDir := setupEnv(t)
	root := writeRelaxation(t, `, "run_limit": 1`)

	_, err := executeCommand(t, "run", root)
	require.Error(t, err)
	assert.Equal(t, 1, ExitCode(err))
	assert.Contains(t, err.Error(), "not converging")
	assert.DirExists(t, filepath.Join(root, "run.0"))
	assert.NoDirExists(t, filepath.Join(root, "run.final"))

	jobs, err := jobregistry.NewStore(jobsDir).List()
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, jobregistry.JobStateNotConverging, jobs[0].State)
}

func TestRun_BusyRoot(t *testing.T) {
	jobsDir := setupEnv(t)
	root := t.TempDir()

	// The parent process (the test runner) stands in for a live holder.
	now := time.Now().UTC()
	require.NoError(t, jobregistry.NewStore(jobsDir).Write(&jobregistry.JobRecord{
		JobID:     "holder",
		State:     jobregistry.JobStateRunning,
		RootDir:   root,
		PID:       os.Getppid(),
		CreatedAt: now,
		StartedAt: &now,
	}))

	_, err := executeCommand(t, "run", root)
	require.Error(t, err)
	assert.ErrorIs(t, err, relax.ErrConcurrentJob)
	assert.Equal(t, foundry.ExitExternalServiceUnavailable, ExitCode(err))
}

func TestRun_Errors(t *testing.T) {
	setupEnv(t)

	t.Run("missing root", func(t *testing.T) {
		_, err := executeCommand(t, "run", filepath.Join(t.TempDir(), "missing"))
		assert.Equal(t, foundry.ExitFileNotFound, ExitCode(err))
	})

	t.Run("invalid settings", func(t *testing.T) {
		root := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(root, "relax.json"), []byte(`{"run_limit": "many"}`), 0o644))
		_, err := executeCommand(t, "run", root)
		assert.Equal(t, foundry.ExitInvalidArgument, ExitCode(err))
	})

	t.Run("missing settings flag file", func(t *testing.T) {
		_, err := executeCommand(t, "run", t.TempDir(), "--settings", filepath.Join(t.TempDir(), "relax.json"))
		assert.Equal(t, foundry.ExitFileNotFound, ExitCode(err))
	})

	t.Run("bad events format", func(t *testing.T) {
		_, err := executeCommand(t, "run", t.TempDir(), "--events", "xml")
		require.Error(t, err)
		assert.True(t, strings.Contains(err.Error(), "xml"))
	})
}

func TestJobState(t *testing.T) {
	ctx := t.Context()
	assert.Equal(t, jobregistry.JobStateComplete, jobState(ctx, relax.StatusComplete, nil))
	assert.Equal(t, jobregistry.JobStateNotConverging, jobState(ctx, relax.StatusNotConverging, nil))
	assert.Equal(t, jobregistry.JobStateFailed, jobState(ctx, relax.StatusIncomplete, relax.ErrRetriesExhausted))
}
