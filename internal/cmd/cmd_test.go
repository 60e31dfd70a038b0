package cmd

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

// fakeSolver mimics a converged VASP run: two ionic steps, a CONTCAR and
// the OUTCAR timing footer.
const fakeSolver = `#!/bin/sh
cp POSCAR CONTCAR
printf '   1 F= -.10800000E+02 E0= -.10800000E+02  d E =-.108E+02\n' > OSZICAR
printf '   2 F= -.10850000E+02 E0= -.10850000E+02  d E =-.500E-01\n' >> OSZICAR
printf ' General timing and accounting informations for this job:\n' > OUTCAR
echo "running on 1 total cores"
`

// setupEnv isolates config and the job registry, and returns the jobs dir.
func setupEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	jobs := filepath.Join(dir, "jobs")
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))
	t.Setenv("GORELAX_CONFIG", "")
	t.Setenv("GORELAX_JOBS_DIR", jobs)
	t.Setenv("GORELAX_EVENTS", "none")
	t.Setenv("GORELAX_METRICS_TEXTFILE", "")
	t.Setenv("GORELAX_ARCHIVE_URI", "")
	t.Setenv("GORELAX_SOLVER_COMMAND", "")
	return jobs
}

// executeCommand runs the root command with args and returns its stdout.
func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	t.Cleanup(func() { resetFlags(rootCmd) })

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("solver scripts need a POSIX shell")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

// writeRelaxation prepares a relaxation root with VASP inputs, a fake
// solver and a settings file with the given extra JSON members.
func writeRelaxation(t *testing.T, extra string) string {
	t.Helper()
	root := t.TempDir()
	bin := t.TempDir()

	solver := filepath.Join(bin, "fake-vasp.sh")
	require.NoError(t, os.WriteFile(solver, []byte(fakeSolver), 0o755))

	files := map[string]string{
		"INCAR":   "SYSTEM = Si\nISIF = 3\nIBRION = 2\nNSW = 40\n",
		"POSCAR":  "Si\n1.0\n",
		"KPOINTS": "Automatic\n0\nGamma\n4 4 4\n",
		"POTCAR":  "PAW_PBE Si\n",
	}
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte(body), 0o644))
	}

	settings := `{"vasp_cmd": "sh ` + solver + `"` + extra + `}`
	require.NoError(t, os.WriteFile(filepath.Join(root, "relax.json"), []byte(settings), 0o644))
	return root
}
