package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"gopkg.in/yaml.v3"
)

// ErrNotFound indicates no settings file exists where one was looked for.
var ErrNotFound = errors.New("settings file not found")

// Discover locates the settings file in root and loads it.
//
// The first existing name from FileNames wins. When none exists, Default()
// is returned together with an empty path; a relaxation without a settings
// file runs with every option unset.
func Discover(root string) (Settings, string, error) {
	for _, name := range FileNames {
		path := filepath.Join(root, name)
		st, err := os.Stat(path)
		if err != nil || st.IsDir() {
			continue
		}
		s, err := Load(path)
		if err != nil {
			return Settings{}, path, err
		}
		return s, path, nil
	}
	return Default(), "", nil
}

// Load reads and validates settings from the given file path.
//
// The file format is determined by extension: .yaml/.yml for YAML, .json for
// JSON. Any other extension is parsed as YAML, which accepts JSON as well.
//
// Returns an error if:
//   - The file cannot be read (not found, permission denied, etc.)
//   - The file content is not valid YAML or JSON
//   - The settings fail schema validation
func Load(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Settings{}, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		if os.IsPermission(err) {
			return Settings{}, fmt.Errorf("permission denied reading settings: %s", path)
		}
		return Settings{}, fmt.Errorf("failed to read settings file: %w", err)
	}

	return LoadFromBytes(data, path)
}

// LoadFromReader reads and validates settings from an io.Reader.
//
// The path parameter is used for error messages and format detection.
func LoadFromReader(r io.Reader, path string) (Settings, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read settings: %w", err)
	}
	return LoadFromBytes(data, path)
}

// LoadFromBytes parses and validates settings from raw bytes.
//
// An empty (or whitespace-only) document yields Default(). Validation runs
// on the raw document converted to JSON, before decoding into the typed
// struct, so type mismatches are reported against the original field names.
func LoadFromBytes(data []byte, path string) (Settings, error) {
	if strings.TrimSpace(string(data)) == "" {
		return Default(), nil
	}

	raw, err := parseRaw(data, path)
	if err != nil {
		return Settings{}, err
	}

	jsonData, err := json.Marshal(raw)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to convert settings to JSON: %w", err)
	}
	if err := ValidateRaw(jsonData); err != nil {
		return Settings{}, err
	}

	s, err := decode(raw)
	if err != nil {
		return Settings{}, err
	}
	s.ApplyDefaults()
	return s, nil
}

// parseRaw parses the document into a generic map.
func parseRaw(data []byte, path string) (map[string]any, error) {
	var raw map[string]any
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("invalid JSON in settings: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("invalid YAML in settings: %w", err)
		}
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

// decode maps the generic document onto Settings using the json field names.
func decode(raw map[string]any) (Settings, error) {
	var s Settings
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &s,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return Settings{}, fmt.Errorf("failed to build settings decoder: %w", err)
	}
	if err := dec.Decode(raw); err != nil {
		return Settings{}, fmt.Errorf("failed to decode settings: %w", err)
	}
	return s, nil
}
