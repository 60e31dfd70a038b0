package relax

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gorelax/pkg/output"
	"github.com/3leaps/gorelax/pkg/settings"
)

const testRoot = "/relax"

// The fakes keep every piece of run state in files so that renames of
// run directories carry it along, as with the real solver outputs:
//
//	INCAR     JSON object of tags
//	OSZICAR   JSON array of energies
//	OUTCAR    present when the run is complete

type fakeOracle struct{ fs afero.Fs }

func (o fakeOracle) Complete(dir string) (bool, error) {
	return afero.Exists(o.fs, filepath.Join(dir, "OUTCAR"))
}

type fakeTags struct{ fs afero.Fs }

func (t fakeTags) read(path string) (map[string]string, error) {
	data, err := afero.ReadFile(t.fs, path)
	if err != nil {
		return nil, err
	}
	tags := map[string]string{}
	if err := json.Unmarshal(data, &tags); err != nil {
		return nil, err
	}
	return tags, nil
}

func (t fakeTags) Tag(dir, name string) (string, bool, error) {
	tags, err := t.read(filepath.Join(dir, "INCAR"))
	if err != nil {
		return "", false, err
	}
	v, ok := tags[name]
	return v, ok, nil
}

func (t fakeTags) SetTags(dir string, updates map[string]string) error {
	path := filepath.Join(dir, "INCAR")
	tags, err := t.read(path)
	if errors.Is(err, os.ErrNotExist) {
		tags, err = map[string]string{}, nil
	}
	if err != nil {
		return err
	}
	for k, v := range updates {
		tags[k] = v
	}
	data, _ := json.Marshal(tags)
	return afero.WriteFile(t.fs, path, data, 0o644)
}

func (t fakeTags) ReadTags(path string) (map[string]string, error) {
	return t.read(path)
}

type fakeEnergies struct{ fs afero.Fs }

func (e fakeEnergies) Energies(dir string) ([]float64, error) {
	data, err := afero.ReadFile(e.fs, filepath.Join(dir, "OSZICAR"))
	if err != nil {
		return nil, err
	}
	var trace []float64
	if err := json.Unmarshal(data, &trace); err != nil {
		return nil, err
	}
	return trace, nil
}

// fakeFailure fixes a run by copying the quarantined inputs and stamping
// FIXED with its class. The class "unfixable" fails its fix, leaving the
// tree as a kill between quarantine and recreate would.
type fakeFailure struct {
	class string
	fs    afero.Fs
}

func (f *fakeFailure) Error() string { return f.class + " detected" }
func (f *fakeFailure) Class() string { return f.class }

func (f *fakeFailure) Fix(_ context.Context, errDir, newDir string, _ settings.Settings) error {
	if f.class == "unfixable" {
		return errors.New("fix aborted")
	}
	if err := copyFile(f.fs, filepath.Join(errDir, "INCAR"), filepath.Join(newDir, "INCAR")); err != nil {
		return err
	}
	return fakeTags{fs: f.fs}.SetTags(newDir, map[string]string{"FIXED": f.class})
}

// runResult describes what one solver invocation leaves behind.
type runResult struct {
	energies []float64
	complete bool
	failures []string
	err      error
}

type fakeSolver struct {
	fs     afero.Fs
	script func(call int, dir string) runResult

	mu        sync.Mutex
	runs      []string
	continues [][2]string
	finalized []string
}

func (s *fakeSolver) Run(_ context.Context, dir string, _ settings.Settings) ([]Failure, error) {
	s.mu.Lock()
	call := len(s.runs)
	s.runs = append(s.runs, dir)
	s.mu.Unlock()

	res := runResult{energies: []float64{-1}, complete: true}
	if s.script != nil {
		res = s.script(call, dir)
	}
	if res.err != nil {
		return nil, res.err
	}
	if res.energies != nil {
		data, _ := json.Marshal(res.energies)
		if err := afero.WriteFile(s.fs, filepath.Join(dir, "OSZICAR"), data, 0o644); err != nil {
			return nil, err
		}
	}
	if res.complete {
		if err := afero.WriteFile(s.fs, filepath.Join(dir, "OUTCAR"), []byte("done"), 0o644); err != nil {
			return nil, err
		}
	}
	var failures []Failure
	for _, class := range res.failures {
		failures = append(failures, &fakeFailure{class: class, fs: s.fs})
	}
	return failures, nil
}

func (s *fakeSolver) Continue(_ context.Context, from, to string, _ settings.Settings) error {
	s.mu.Lock()
	s.continues = append(s.continues, [2]string{from, to})
	s.mu.Unlock()
	return copyFile(s.fs, filepath.Join(from, "INCAR"), filepath.Join(to, "INCAR"))
}

func (s *fakeSolver) Finalize(_ context.Context, dir string, _ settings.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalized = append(s.finalized, dir)
	return nil
}

type fakeBackups struct{ fs afero.Fs }

func (b fakeBackups) Restore(fromDir, toDir, name string) (bool, error) {
	src := filepath.Join(fromDir, name+"_BACKUP.gz")
	ok, err := afero.Exists(b.fs, src)
	if err != nil || !ok {
		return false, err
	}
	return true, copyFile(b.fs, src, filepath.Join(toDir, name))
}

// recorder captures emitted events.
type recorder struct {
	mu       sync.Mutex
	statuses []output.StatusRecord
	runs     []output.RunRecord
	failures []output.FailureRecord
	restores []output.RestoreRecord
	tags     []output.TagsRecord
	warnings []output.WarningRecord
	summary  *output.SummaryRecord
}

func (r *recorder) WriteStatus(_ context.Context, rec *output.StatusRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, *rec)
	return nil
}

func (r *recorder) WriteRun(_ context.Context, rec *output.RunRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, *rec)
	return nil
}

func (r *recorder) WriteFailure(_ context.Context, rec *output.FailureRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, *rec)
	return nil
}

func (r *recorder) WriteRestore(_ context.Context, rec *output.RestoreRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.restores = append(r.restores, *rec)
	return nil
}

func (r *recorder) WriteTags(_ context.Context, rec *output.TagsRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tags = append(r.tags, *rec)
	return nil
}

func (r *recorder) WriteWarning(_ context.Context, rec *output.WarningRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.warnings = append(r.warnings, *rec)
	return nil
}

func (r *recorder) WriteSummary(_ context.Context, rec *output.SummaryRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summary = rec
	return nil
}

func (r *recorder) Close() error { return nil }

// harness bundles an engine with its fakes on an in-memory filesystem.
type harness struct {
	fs     afero.Fs
	solver *fakeSolver
	events *recorder
	engine *Engine
}

func newHarness(t *testing.T, s settings.Settings) *harness {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll(testRoot, 0o755))

	h := &harness{fs: fs, solver: &fakeSolver{fs: fs}, events: &recorder{}}
	eng, err := New(testRoot, s, Collaborators{
		Oracle:   fakeOracle{fs: fs},
		Tags:     fakeTags{fs: fs},
		Energies: fakeEnergies{fs: fs},
		Solver:   h.solver,
		Backups:  fakeBackups{fs: fs},
	}, WithFs(fs), WithWriter(h.events))
	require.NoError(t, err)
	h.engine = eng
	return h
}

// writeRun creates dir with the given input tags and outputs.
func (h *harness) writeRun(t *testing.T, name string, tags map[string]string, energies []float64, complete bool) string {
	t.Helper()
	dir := filepath.Join(testRoot, name)
	require.NoError(t, h.fs.MkdirAll(dir, 0o755))
	if tags != nil {
		data, err := json.Marshal(tags)
		require.NoError(t, err)
		require.NoError(t, afero.WriteFile(h.fs, filepath.Join(dir, "INCAR"), data, 0o644))
	}
	if energies != nil {
		data, err := json.Marshal(energies)
		require.NoError(t, err)
		require.NoError(t, afero.WriteFile(h.fs, filepath.Join(dir, "OSZICAR"), data, 0o644))
	}
	if complete {
		require.NoError(t, afero.WriteFile(h.fs, filepath.Join(dir, "OUTCAR"), []byte("done"), 0o644))
	}
	return dir
}

func (h *harness) writeFile(t *testing.T, name, content string) {
	t.Helper()
	require.NoError(t, afero.WriteFile(h.fs, filepath.Join(testRoot, name), []byte(content), 0o644))
}

func (h *harness) exists(t *testing.T, rel string) bool {
	t.Helper()
	ok, err := afero.Exists(h.fs, filepath.Join(testRoot, rel))
	require.NoError(t, err)
	return ok
}

func (h *harness) tag(t *testing.T, rel, name string) string {
	t.Helper()
	v, _, err := fakeTags{fs: h.fs}.Tag(filepath.Join(testRoot, rel), name)
	require.NoError(t, err)
	return v
}

// tree lists every path under the root, sorted.
func (h *harness) tree(t *testing.T) []string {
	t.Helper()
	var paths []string
	err := afero.Walk(h.fs, testRoot, func(path string, _ os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		paths = append(paths, strings.TrimPrefix(path, testRoot))
		return nil
	})
	require.NoError(t, err)
	sort.Strings(paths)
	return paths
}

func baseTags() map[string]string {
	return map[string]string{"ISIF": "3", "NSW": "100", "IBRION": "2"}
}

func rootInputs(t *testing.T, h *harness) {
	t.Helper()
	data, err := json.Marshal(baseTags())
	require.NoError(t, err)
	h.writeFile(t, "INCAR", string(data))
	h.writeFile(t, "POSCAR", "Si\n")
	h.writeFile(t, "KPOINTS", "auto\n")
	h.writeFile(t, "POTCAR", "PAW_PBE Si\n")
}

func trace(n int, last float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = last + float64(n-1-i)
	}
	return out
}
