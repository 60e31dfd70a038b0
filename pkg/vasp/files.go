package vasp

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/3leaps/gorelax/pkg/match"
	"github.com/3leaps/gorelax/pkg/settings"
)

// Solver file names.
const (
	KpointsFile = "KPOINTS"
	PotcarFile  = "POTCAR"
	PoscarFile  = "POSCAR"
	ContcarFile = "CONTCAR"
	WavecarFile = "WAVECAR"
	ChgcarFile  = "CHGCAR"
	OutcarFile  = "OUTCAR"
	OszicarFile = "OSZICAR"
	StdoutFile  = "stdout"
	StderrFile  = "stderr"

	// BackupSuffix is appended to a file name for its compressed backup.
	BackupSuffix = "_BACKUP.gz"

	gzExt = ".gz"
)

// Files copies, compresses and backs up solver files between run
// directories.
type Files struct {
	fs  afero.Fs
	log *zap.Logger
}

// NewFiles returns a Files on fs. A nil fs uses the OS filesystem.
func NewFiles(fs afero.Fs, log *zap.Logger) *Files {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Files{fs: fs, log: log}
}

// Continue populates the new run directory to from the run in from.
//
// Before copying, each configured backup file of from is saved as
// <name>_BACKUP.gz. The inputs (INCAR, KPOINTS, POTCAR and the extra input
// files) are copied, POSCAR is taken from a non-empty CONTCAR, and
// WAVECAR and CHGCAR are carried over when present. Finally the
// configured compress files of from are gzipped.
func (f *Files) Continue(ctx context.Context, from, to string, s settings.Settings) error {
	for _, name := range s.Backup {
		if err := f.Backup(from, name); err != nil {
			return err
		}
	}

	if err := f.copyInputs(ctx, from, to, s, true); err != nil {
		return err
	}
	for _, name := range []string{WavecarFile, ChgcarFile} {
		if _, err := f.copyIfNonEmpty(filepath.Join(from, name), filepath.Join(to, name)); err != nil {
			return err
		}
	}

	return f.compressAll(ctx, from, s.Compress)
}

// Finalize gzips the configured compress files of the final directory.
func (f *Files) Finalize(ctx context.Context, dir string, s settings.Settings) error {
	return f.compressAll(ctx, dir, s.Compress)
}

// Backup writes dir/<name>_BACKUP.gz from dir/<name>. A missing file is
// skipped.
func (f *Files) Backup(dir, name string) error {
	src := filepath.Join(dir, name)
	ok, err := afero.Exists(f.fs, src)
	if err != nil || !ok {
		return err
	}
	dst := filepath.Join(dir, name+BackupSuffix)
	if err := f.gzipTo(src, dst); err != nil {
		return fmt.Errorf("backup %s: %w", name, err)
	}
	f.log.Debug("Backed up file", zap.String("file", src), zap.String("backup", dst))
	return nil
}

// Restore decompresses fromDir/<name>_BACKUP.gz to toDir/<name>. It
// returns false when no backup exists.
func (f *Files) Restore(fromDir, toDir, name string) (bool, error) {
	src := filepath.Join(fromDir, name+BackupSuffix)
	in, err := f.fs.Open(src)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	defer func() { _ = in.Close() }()

	zr, err := gzip.NewReader(in)
	if err != nil {
		return false, fmt.Errorf("open backup %s: %w", src, err)
	}
	defer func() { _ = zr.Close() }()

	dst := filepath.Join(toDir, name)
	if err := writeAtomic(f.fs, dst, func(w io.Writer) error {
		_, err := io.Copy(w, zr)
		return err
	}); err != nil {
		return false, fmt.Errorf("restore %s: %w", name, err)
	}
	return true, nil
}

// copyInputs copies the solver inputs of from into to. With fromContcar
// the structure comes from a non-empty CONTCAR, otherwise from POSCAR.
func (f *Files) copyInputs(ctx context.Context, from, to string, s settings.Settings, fromContcar bool) error {
	for _, name := range []string{InputFile, KpointsFile, PotcarFile} {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := f.copyIfNonEmpty(filepath.Join(from, name), filepath.Join(to, name)); err != nil {
			return err
		}
	}

	copied := false
	if fromContcar {
		var err error
		copied, err = f.copyIfNonEmpty(filepath.Join(from, ContcarFile), filepath.Join(to, PoscarFile))
		if err != nil {
			return err
		}
	}
	if !copied {
		if _, err := f.copyIfNonEmpty(filepath.Join(from, PoscarFile), filepath.Join(to, PoscarFile)); err != nil {
			return err
		}
	}

	return f.copyExtras(from, to, s.ExtraInputFiles)
}

// copyExtras copies files of from matching the extra input patterns.
func (f *Files) copyExtras(from, to string, patterns []string) error {
	if len(patterns) == 0 {
		return nil
	}
	m, err := match.New(match.Config{Includes: patterns, IncludeHidden: true})
	if err != nil {
		return fmt.Errorf("extra input patterns: %w", err)
	}
	entries, err := afero.ReadDir(f.fs, from)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !m.Match(entry.Name()) {
			continue
		}
		if err := copyFile(f.fs, filepath.Join(from, entry.Name()), filepath.Join(to, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

// copyIfNonEmpty copies src to dst when src exists and is not empty.
func (f *Files) copyIfNonEmpty(src, dst string) (bool, error) {
	st, err := f.fs.Stat(src)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if st.IsDir() || st.Size() == 0 {
		return false, nil
	}
	if err := copyFile(f.fs, src, dst); err != nil {
		return false, err
	}
	return true, nil
}

// compressAll gzips each named file of dir in place.
func (f *Files) compressAll(ctx context.Context, dir string, names []string) error {
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := f.Compress(filepath.Join(dir, name)); err != nil {
			return err
		}
	}
	return nil
}

// Compress replaces path with path.gz. A missing file is skipped.
func (f *Files) Compress(path string) error {
	ok, err := afero.Exists(f.fs, path)
	if err != nil || !ok {
		return err
	}
	if err := f.gzipTo(path, path+gzExt); err != nil {
		return fmt.Errorf("compress %s: %w", path, err)
	}
	if err := f.fs.Remove(path); err != nil {
		return fmt.Errorf("compress %s: %w", path, err)
	}
	f.log.Debug("Compressed file", zap.String("file", path))
	return nil
}

func (f *Files) gzipTo(src, dst string) error {
	in, err := f.fs.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	return writeAtomic(f.fs, dst, func(w io.Writer) error {
		zw := gzip.NewWriter(w)
		if _, err := io.Copy(zw, in); err != nil {
			_ = zw.Close()
			return err
		}
		return zw.Close()
	})
}

// openMaybeGz opens dir/name, falling back to dir/name.gz.
func openMaybeGz(fs afero.Fs, dir, name string) (io.ReadCloser, string, error) {
	path := filepath.Join(dir, name)
	f, err := fs.Open(path)
	if err == nil {
		return f, path, nil
	}
	if !os.IsNotExist(err) {
		return nil, path, err
	}

	gzPath := path + gzExt
	gf, err := fs.Open(gzPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, path, ErrMissingFile
		}
		return nil, gzPath, err
	}
	zr, err := gzip.NewReader(gf)
	if err != nil {
		_ = gf.Close()
		return nil, gzPath, err
	}
	return &gzReadCloser{Reader: zr, file: gf}, gzPath, nil
}

type gzReadCloser struct {
	*gzip.Reader
	file afero.File
}

func (g *gzReadCloser) Close() error {
	zerr := g.Reader.Close()
	ferr := g.file.Close()
	if zerr != nil {
		return zerr
	}
	return ferr
}

func copyFile(fs afero.Fs, src, dst string) error {
	in, err := fs.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	return writeAtomic(fs, dst, func(w io.Writer) error {
		_, err := io.Copy(w, in)
		return err
	})
}

// writeAtomic writes path through a temp file in the same directory and
// renames it into place.
func writeAtomic(fs afero.Fs, path string, write func(io.Writer) error) error {
	tmp, err := afero.TempFile(fs, filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if err := write(tmp); err != nil {
		_ = tmp.Close()
		_ = fs.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = fs.Remove(tmpName)
		return err
	}
	if err := fs.Rename(tmpName, path); err != nil {
		_ = fs.Remove(tmpName)
		return err
	}
	return nil
}
