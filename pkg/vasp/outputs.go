package vasp

import (
	"bufio"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/afero"
)

// CompletionMarker is written by the solver at the end of a finished
// OUTCAR.
const CompletionMarker = "General timing and accounting informations for this job"

const maxLine = 1 << 20

// Oracle reports run completion from OUTCAR (or OUTCAR.gz).
type Oracle struct {
	fs afero.Fs
}

// NewOracle returns an Oracle on fs. A nil fs uses the OS filesystem.
func NewOracle(fs afero.Fs) *Oracle {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Oracle{fs: fs}
}

// Complete reports whether dir holds an OUTCAR with the timing footer.
// A missing directory or OUTCAR is incomplete, not an error.
func (o *Oracle) Complete(dir string) (bool, error) {
	r, name, err := openMaybeGz(o.fs, dir, OutcarFile)
	if err != nil {
		if errors.Is(err, ErrMissingFile) {
			return false, nil
		}
		return false, fmt.Errorf("open %s: %w", name, err)
	}
	defer func() { _ = r.Close() }()

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	for sc.Scan() {
		if strings.Contains(sc.Text(), CompletionMarker) {
			return true, nil
		}
	}
	if err := sc.Err(); err != nil {
		return false, &ParseError{File: name, Err: err}
	}
	return false, nil
}

// EnergyReader extracts the ionic-step energies from OSZICAR (or
// OSZICAR.gz).
type EnergyReader struct {
	fs afero.Fs
}

// NewEnergyReader returns an EnergyReader on fs. A nil fs uses the OS
// filesystem.
func NewEnergyReader(fs afero.Fs) *EnergyReader {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &EnergyReader{fs: fs}
}

// Energies returns the E0 value of every ionic step in order.
//
// Ionic-step lines look like
//
//	1 F= -.10839793E+02 E0= -.10839221E+02  d E =-.108398E+02
//
// and the energy is the fifth whitespace-separated field.
func (er *EnergyReader) Energies(dir string) ([]float64, error) {
	r, name, err := openMaybeGz(er.fs, dir, OszicarFile)
	if err != nil {
		if errors.Is(err, ErrMissingFile) {
			return nil, &ParseError{File: name, Err: ErrMissingFile}
		}
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	defer func() { _ = r.Close() }()

	var energies []float64
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	line := 0
	for sc.Scan() {
		line++
		text := sc.Text()
		if !strings.Contains(text, "E0") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) < 5 {
			return nil, &ParseError{File: name, Line: line, Err: fmt.Errorf("expected at least 5 fields, got %d", len(fields))}
		}
		v, err := strconv.ParseFloat(fields[4], 64)
		if err != nil {
			return nil, &ParseError{File: name, Line: line, Err: err}
		}
		energies = append(energies, v)
	}
	if err := sc.Err(); err != nil {
		return nil, &ParseError{File: name, Err: err}
	}
	return energies, nil
}

// IonicSteps returns the number of ionic steps recorded in dir.
func (er *EnergyReader) IonicSteps(dir string) (int, error) {
	e, err := er.Energies(dir)
	if err != nil {
		return 0, err
	}
	return len(e), nil
}
