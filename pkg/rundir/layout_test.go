package rundir

import (
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const root = "/relax"

func newLayout(t *testing.T, dirs ...string) *Layout {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll(root, 0o755))
	for _, d := range dirs {
		require.NoError(t, fs.MkdirAll(filepath.Join(root, d), 0o755))
	}
	return New(fs, root)
}

func TestLayout_Paths(t *testing.T) {
	l := New(afero.NewMemMapFs(), "/relax/")
	assert.Equal(t, "/relax", l.Root())
	assert.Equal(t, "/relax/run.3", l.RunDir(3))
	assert.Equal(t, "/relax/run.3_err.0", l.ErrorDir(3, 0))
	assert.Equal(t, "/relax/run.final", l.FinalDir())
	assert.Equal(t, "/relax/INCAR.base", l.BaseInput())
}

func TestLayout_Runs(t *testing.T) {
	tests := []struct {
		name string
		dirs []string
		want []string
	}{
		{name: "empty", dirs: nil, want: nil},
		{name: "contiguous", dirs: []string{"run.0", "run.1", "run.2"}, want: []string{"/relax/run.0", "/relax/run.1", "/relax/run.2"}},
		{name: "gap stops scan", dirs: []string{"run.0", "run.2"}, want: []string{"/relax/run.0"}},
		{name: "missing zero", dirs: []string{"run.1"}, want: nil},
		{name: "ignores staging dir", dirs: []string{"run.0", "run.1.partial"}, want: []string{"/relax/run.0"}},
		{name: "ignores error and final dirs", dirs: []string{"run.0", "run.0_err.0", "run.final"}, want: []string{"/relax/run.0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newLayout(t, tt.dirs...)
			got, err := l.Runs()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLayout_RunsIgnoresFiles(t *testing.T) {
	l := newLayout(t)
	require.NoError(t, afero.WriteFile(l.Fs(), "/relax/run.0", []byte("not a dir"), 0o644))

	got, err := l.Runs()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLayout_ErrorRuns(t *testing.T) {
	l := newLayout(t, "run.0", "run.0_err.0", "run.1", "run.1_err.0", "run.1_err.1", "run.1_err.3")

	got, err := l.ErrorRuns()
	require.NoError(t, err)
	assert.Equal(t, []string{"/relax/run.1_err.0", "/relax/run.1_err.1"}, got)

	got, err = l.ErrorRunsOf(0)
	require.NoError(t, err)
	assert.Equal(t, []string{"/relax/run.0_err.0"}, got)

	empty := newLayout(t)
	got, err = empty.ErrorRuns()
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestLayout_StageCommit(t *testing.T) {
	l := newLayout(t)

	dir, err := l.Stage(0, false)
	require.NoError(t, err)
	assert.Equal(t, "/relax/run.0.partial", dir)

	runs, err := l.Runs()
	require.NoError(t, err)
	assert.Empty(t, runs, "staged run is not visible")

	got, err := l.Commit(0)
	require.NoError(t, err)
	assert.Equal(t, "/relax/run.0", got)

	_, err = l.Stage(1, false)
	require.NoError(t, err)
	_, err = l.Commit(1)
	require.NoError(t, err)

	runs, err = l.Runs()
	require.NoError(t, err)
	assert.Equal(t, []string{"/relax/run.0", "/relax/run.1"}, runs)

	ok, err := afero.DirExists(l.Fs(), "/relax/run.1.partial")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLayout_StageKeepsOrResets(t *testing.T) {
	l := newLayout(t, "run.0.partial")
	require.NoError(t, afero.WriteFile(l.Fs(), "/relax/run.0.partial/POSCAR", []byte("Si"), 0o644))

	dir, err := l.Stage(0, true)
	require.NoError(t, err)
	ok, err := afero.Exists(l.Fs(), filepath.Join(dir, "POSCAR"))
	require.NoError(t, err)
	assert.True(t, ok, "kept")

	dir, err = l.Stage(0, false)
	require.NoError(t, err)
	ok, err = afero.Exists(l.Fs(), filepath.Join(dir, "POSCAR"))
	require.NoError(t, err)
	assert.False(t, ok, "reset")
}

func TestLayout_CommitOutOfOrder(t *testing.T) {
	l := newLayout(t, "run.0", "run.2.partial")

	_, err := l.Commit(2)
	assert.ErrorIs(t, err, ErrIndexTaken)
}

func TestLayout_Unstage(t *testing.T) {
	l := newLayout(t, "run.0")

	dir, err := l.Unstage()
	require.NoError(t, err)
	assert.Equal(t, "/relax/run.0.partial", dir)

	runs, err := l.Runs()
	require.NoError(t, err)
	assert.Empty(t, runs)

	_, err = l.Unstage()
	assert.ErrorIs(t, err, ErrNoRuns)
}

func TestLayout_QuarantineRecreatesSameIndex(t *testing.T) {
	l := newLayout(t, "run.0", "run.1")

	errDir, err := l.Quarantine()
	require.NoError(t, err)
	assert.Equal(t, "/relax/run.1_err.0", errDir)

	runs, err := l.Runs()
	require.NoError(t, err)
	assert.Equal(t, []string{"/relax/run.0"}, runs)

	_, err = l.Stage(1, false)
	require.NoError(t, err)
	dir, err := l.Commit(1)
	require.NoError(t, err)
	assert.Equal(t, "/relax/run.1", dir)

	errDir, err = l.Quarantine()
	require.NoError(t, err)
	assert.Equal(t, "/relax/run.1_err.1", errDir)

	errs, err := l.ErrorRunsOf(1)
	require.NoError(t, err)
	assert.Equal(t, []string{"/relax/run.1_err.0", "/relax/run.1_err.1"}, errs)
}

func TestLayout_QuarantineNoRuns(t *testing.T) {
	l := newLayout(t)
	_, err := l.Quarantine()
	assert.ErrorIs(t, err, ErrNoRuns)
}

func TestLayout_Promote(t *testing.T) {
	l := newLayout(t, "run.0", "run.1")

	final, err := l.Promote()
	require.NoError(t, err)
	assert.Equal(t, "/relax/run.final", final)

	ok, err := l.HasFinal()
	require.NoError(t, err)
	assert.True(t, ok)

	runs, err := l.Runs()
	require.NoError(t, err)
	assert.Equal(t, []string{"/relax/run.0"}, runs)

	_, err = l.Promote()
	assert.ErrorIs(t, err, ErrFinalExists)
}

func TestLayout_PromoteNoRuns(t *testing.T) {
	l := newLayout(t)
	_, err := l.Promote()
	assert.ErrorIs(t, err, ErrNoRuns)
}
