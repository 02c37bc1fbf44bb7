package refs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// patternFile is the on-disk layout of a pattern list.
type patternFile struct {
	Patterns []Pattern `yaml:"patterns" toml:"patterns"`
}

// LoadPatterns reads a pattern list from a YAML (.yaml/.yml) or TOML (.toml)
// file. The file replaces the default list; it does not extend it.
func LoadPatterns(path string) ([]Pattern, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path from operator config
	if err != nil {
		return nil, fmt.Errorf("read pattern file: %w", err)
	}

	var pf patternFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), &pf); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &pf); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported pattern file extension %q (want .yaml, .yml or .toml)", filepath.Ext(path))
	}

	if len(pf.Patterns) == 0 {
		return nil, fmt.Errorf("%s defines no patterns", path)
	}
	return pf.Patterns, nil
}

// FromFileOrDefault builds an extractor from path, from inline patterns, or
// from DefaultPatterns, in that order of preference.
func FromFileOrDefault(path string, inline []Pattern) (*Extractor, error) {
	switch {
	case path != "":
		patterns, err := LoadPatterns(path)
		if err != nil {
			return nil, err
		}
		return New(patterns)
	case len(inline) > 0:
		return New(inline)
	default:
		return Default(), nil
	}
}
