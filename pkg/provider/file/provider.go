// Package file implements provider.Provider over a local directory.
//
// Keys are slash-separated paths relative to the base directory. Writes go
// through a temp file and rename, so readers never see a partial object.
package file

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/3leaps/gorelax/pkg/provider"
)

// Config configures a file provider.
type Config struct {
	// BaseDir is the archive root (required).
	BaseDir string

	// Fs is the filesystem. Nil uses the OS filesystem.
	Fs afero.Fs
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseDir) == "" {
		return errors.New("base dir is required")
	}
	return nil
}

// Provider stores objects as files under a base directory.
type Provider struct {
	fs      afero.Fs
	baseDir string
}

var _ provider.Provider = (*Provider)(nil)

// New returns a Provider rooted at cfg.BaseDir.
func New(cfg Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &provider.ProviderError{Op: "New", Provider: provider.ProviderFile, Err: err}
	}
	fsys := cfg.Fs
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	return &Provider{fs: fsys, baseDir: filepath.Clean(cfg.BaseDir)}, nil
}

// BaseDir returns the archive root.
func (p *Provider) BaseDir() string { return p.baseDir }

func (p *Provider) Close() error { return nil }

func (p *Provider) Head(_ context.Context, key string) (*provider.ObjectMeta, error) {
	full, err := p.fullPath(key)
	if err != nil {
		return nil, p.wrapError("Head", key, err)
	}
	st, err := p.fs.Stat(full)
	if err != nil {
		return nil, p.wrapError("Head", key, err)
	}
	if st.IsDir() {
		return nil, p.wrapError("Head", key, provider.ErrNotFound)
	}
	return &provider.ObjectMeta{Key: cleanKey(key), Size: st.Size(), LastModified: st.ModTime()}, nil
}

func (p *Provider) Put(ctx context.Context, key string, body io.Reader, _ int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := p.fullPath(key)
	if err != nil {
		return p.wrapError("Put", key, err)
	}
	dir := filepath.Dir(full)
	if err := p.fs.MkdirAll(dir, 0o755); err != nil {
		return p.wrapError("Put", key, err)
	}

	tmp, err := afero.TempFile(p.fs, dir, ".gorelax-put-*")
	if err != nil {
		return p.wrapError("Put", key, err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = p.fs.Remove(tmpName)
		}
	}()

	if _, err := io.Copy(tmp, body); err != nil {
		return p.wrapError("Put", key, err)
	}
	if err := tmp.Close(); err != nil {
		return p.wrapError("Put", key, err)
	}
	if err := p.fs.Rename(tmpName, full); err != nil {
		return p.wrapError("Put", key, err)
	}
	committed = true
	return nil
}

func (p *Provider) List(ctx context.Context, prefix string) ([]provider.ObjectMeta, error) {
	prefix = strings.TrimPrefix(prefix, "/")

	// Walk the deepest directory the prefix names, then filter by prefix.
	walkRoot := p.baseDir
	if i := strings.LastIndex(prefix, "/"); i >= 0 {
		full, err := p.fullPath(prefix[:i])
		if err != nil {
			return nil, p.wrapError("List", prefix, err)
		}
		walkRoot = full
	}

	var objects []provider.ObjectMeta
	err := afero.Walk(p.fs, walkRoot, func(file string, info fs.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if info.IsDir() || strings.HasPrefix(info.Name(), ".gorelax-put-") {
			return nil
		}
		rel, err := filepath.Rel(p.baseDir, file)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		objects = append(objects, provider.ObjectMeta{Key: key, Size: info.Size(), LastModified: info.ModTime()})
		return nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, p.wrapError("List", prefix, err)
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

func cleanKey(key string) string {
	return strings.TrimPrefix(path.Clean("/"+strings.TrimSpace(key)), "/")
}

// fullPath maps key to a path under the base directory, rejecting keys
// that escape it.
func (p *Provider) fullPath(key string) (string, error) {
	if strings.Contains(key, "..") {
		for _, seg := range strings.Split(filepath.ToSlash(key), "/") {
			if seg == ".." {
				return "", fmt.Errorf("%w: %q", provider.ErrInvalidKey, key)
			}
		}
	}
	clean := cleanKey(key)
	if clean == "" {
		return p.baseDir, nil
	}
	return filepath.Join(p.baseDir, filepath.FromSlash(clean)), nil
}

func (p *Provider) wrapError(op, key string, err error) error {
	wrapped := &provider.ProviderError{Op: op, Provider: provider.ProviderFile, Bucket: p.baseDir, Key: key, Err: err}
	switch {
	case os.IsNotExist(err):
		wrapped.Err = provider.ErrNotFound
	case os.IsPermission(err):
		wrapped.Err = provider.ErrAccessDenied
	}
	return wrapped
}
