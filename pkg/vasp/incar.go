package vasp

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
)

// InputFile is the name of the solver input tag file.
const InputFile = "INCAR"

// Incar is an ordered set of input tags.
//
// Keys are stored upper-cased. Comments are not preserved on rewrite.
type Incar struct {
	keys []string
	tags map[string]string
}

// NewIncar returns an empty tag set.
func NewIncar() *Incar {
	return &Incar{tags: map[string]string{}}
}

// ParseIncar parses tag lines of the form "KEY = value".
//
// Text after '!' or '#' is a comment, and ';' separates several
// assignments on one line. Lines without '=' are ignored.
func ParseIncar(r io.Reader, name string) (*Incar, error) {
	inc := NewIncar()
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := sc.Text()
		if i := strings.IndexAny(text, "!#"); i >= 0 {
			text = text[:i]
		}
		for _, stmt := range strings.Split(text, ";") {
			key, value, ok := strings.Cut(stmt, "=")
			if !ok {
				continue
			}
			key = strings.ToUpper(strings.TrimSpace(key))
			if key == "" || strings.ContainsAny(key, " \t") {
				return nil, &ParseError{File: name, Line: line, Err: fmt.Errorf("invalid tag name %q", key)}
			}
			inc.Set(key, strings.TrimSpace(value))
		}
	}
	if err := sc.Err(); err != nil {
		return nil, &ParseError{File: name, Err: err}
	}
	return inc, nil
}

// Get returns the value of key.
func (inc *Incar) Get(key string) (string, bool) {
	v, ok := inc.tags[strings.ToUpper(key)]
	return v, ok
}

// Set assigns key. New keys keep insertion order.
func (inc *Incar) Set(key, value string) {
	key = strings.ToUpper(key)
	if _, ok := inc.tags[key]; !ok {
		inc.keys = append(inc.keys, key)
	}
	inc.tags[key] = value
}

// Merge assigns every tag. New keys are appended in sorted order so the
// output is deterministic.
func (inc *Incar) Merge(tags map[string]string) {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		inc.Set(k, tags[k])
	}
}

// Tags returns a copy of the tag map.
func (inc *Incar) Tags() map[string]string {
	out := make(map[string]string, len(inc.tags))
	for k, v := range inc.tags {
		out[k] = v
	}
	return out
}

// WriteTo writes one "KEY = value" line per tag.
func (inc *Incar) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for _, k := range inc.keys {
		n, err := fmt.Fprintf(w, "%s = %s\n", k, inc.tags[k])
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// TagStore reads and writes tags of the INCAR file in run directories.
type TagStore struct {
	fs afero.Fs
}

// NewTagStore returns a TagStore on fs. A nil fs uses the OS filesystem.
func NewTagStore(fs afero.Fs) *TagStore {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &TagStore{fs: fs}
}

// Read parses the tag file at path.
func (ts *TagStore) Read(path string) (*Incar, error) {
	f, err := ts.fs.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &ParseError{File: path, Err: ErrMissingFile}
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return ParseIncar(f, path)
}

// Tag returns the value of name in dir/INCAR.
func (ts *TagStore) Tag(dir, name string) (string, bool, error) {
	inc, err := ts.Read(filepath.Join(dir, InputFile))
	if err != nil {
		return "", false, err
	}
	v, ok := inc.Get(name)
	return v, ok, nil
}

// SetTags merges tags into dir/INCAR, creating it when absent.
func (ts *TagStore) SetTags(dir string, tags map[string]string) error {
	path := filepath.Join(dir, InputFile)
	inc, err := ts.Read(path)
	if err != nil {
		if !errors.Is(err, ErrMissingFile) {
			return err
		}
		inc = NewIncar()
	}
	inc.Merge(tags)
	return writeAtomic(ts.fs, path, func(w io.Writer) error {
		_, err := inc.WriteTo(w)
		return err
	})
}

// ReadTags parses a standalone tag file.
func (ts *TagStore) ReadTags(path string) (map[string]string, error) {
	inc, err := ts.Read(path)
	if err != nil {
		return nil, err
	}
	return inc.Tags(), nil
}
