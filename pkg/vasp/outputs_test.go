package vasp

import (
	"bytes"
	"errors"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleOszicar = `       N       E                     dE             d eps       ncg     rms          rms(c)
DAV:   1    -0.425457486690E+02   -0.42546E+02   -0.26816E+03   448   0.363E+02
DAV:   2    -0.546419389528E+02   -0.12096E+02   -0.11993E+02   560   0.511E+01
   1 F= -.10839793E+02 E0= -.10839221E+02  d E =-.108398E+02
DAV:   1    -0.108501234567E+02   -0.10501E+02   -0.26816E+01   448   0.363E+01
   2 F= -.10850123E+02 E0= -.10849876E+02  d E =-.103300E-01
   3 F= -.10851000E+02 E0= -.10850500E+02  d E =-.877000E-03
`

func gzBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(data)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestEnergyReader(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/run.0/OSZICAR", []byte(sampleOszicar), 0o644))
	er := NewEnergyReader(fs)

	energies, err := er.Energies("/run.0")
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{-10.839221, -10.849876, -10.8505}, energies, 1e-9)

	steps, err := er.IonicSteps("/run.0")
	require.NoError(t, err)
	assert.Equal(t, 3, steps)
}

func TestEnergyReader_Gzipped(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/run.0/OSZICAR.gz", gzBytes(t, []byte(sampleOszicar)), 0o644))

	energies, err := NewEnergyReader(fs).Energies("/run.0")
	require.NoError(t, err)
	assert.Len(t, energies, 3)
}

func TestEnergyReader_Empty(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/run.0/OSZICAR", []byte(""), 0o644))

	energies, err := NewEnergyReader(fs).Energies("/run.0")
	require.NoError(t, err)
	assert.Empty(t, energies)
}

func TestEnergyReader_Errors(t *testing.T) {
	tests := []struct {
		name     string
		content  *string
		wantLine int
		wantErr  error
	}{
		{name: "missing", wantErr: ErrMissingFile},
		{name: "too few fields", content: ptr("   1 F= -.1E+02 E0=\n"), wantLine: 1},
		{name: "bad number", content: ptr("\n   1 F= -.1E+02 E0= abc d E =-.1\n"), wantLine: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			require.NoError(t, fs.MkdirAll("/run.0", 0o755))
			if tt.content != nil {
				require.NoError(t, afero.WriteFile(fs, "/run.0/OSZICAR", []byte(*tt.content), 0o644))
			}

			_, err := NewEnergyReader(fs).Energies("/run.0")
			require.Error(t, err)

			var pe *ParseError
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, tt.wantLine, pe.Line)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestOracle(t *testing.T) {
	footer := "  total amount of memory used by VASP MPI-rank0    51234. kBytes\n" +
		" General timing and accounting informations for this job:\n" +
		" ========================================================\n"

	tests := []struct {
		name  string
		files map[string][]byte
		want  bool
	}{
		{"missing directory", nil, false},
		{"missing OUTCAR", map[string][]byte{"/run.0/INCAR": []byte("ISIF = 3\n")}, false},
		{"truncated OUTCAR", map[string][]byte{"/run.0/OUTCAR": []byte(" running\n")}, false},
		{"complete OUTCAR", map[string][]byte{"/run.0/OUTCAR": []byte(" running\n" + footer)}, true},
		{"complete OUTCAR.gz", map[string][]byte{"/run.0/OUTCAR.gz": gzBytes(t, []byte(footer))}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			for path, data := range tt.files {
				require.NoError(t, afero.WriteFile(fs, path, data, 0o644))
			}

			got, err := NewOracle(fs).Complete("/run.0")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func ptr(s string) *string { return &s }
