package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// maxIncludeDepth bounds how deep fragment files may nest.
const maxIncludeDepth = 10

// fragments overlays config fragments (tab limits, token lists, history
// retention and so on) onto a Config. A fragment may be YAML or TOML
// regardless of the format of the file that names it.
type fragments struct {
	cfg  *Config
	seen map[string]bool
}

// expandIncludes overlays every fragment named by cfg.Includes, resolving
// relative patterns against dir. seen holds the absolute paths already
// loaded, including the root config file.
func expandIncludes(cfg *Config, dir string, seen map[string]bool) error {
	if seen == nil {
		seen = make(map[string]bool)
	}
	f := &fragments{cfg: cfg, seen: seen}
	return f.expand(dir, 0)
}

func (f *fragments) expand(dir string, depth int) error {
	if depth > maxIncludeDepth {
		return fmt.Errorf("includes: max depth %d exceeded", maxIncludeDepth)
	}
	patterns := f.cfg.Includes
	f.cfg.Includes = nil

	for _, pattern := range patterns {
		files, err := matchFragments(pattern, dir)
		if err != nil {
			return err
		}
		for _, file := range files {
			abs, err := filepath.Abs(file)
			if err != nil {
				return fmt.Errorf("includes: resolve %q: %w", file, err)
			}
			if f.seen[abs] {
				return fmt.Errorf("includes: circular include of %q", abs)
			}
			f.seen[abs] = true
			if err := f.overlay(abs, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

// overlay decodes one fragment onto the config, then follows the
// fragment's own includes relative to its directory.
func (f *fragments) overlay(path string, depth int) error {
	if err := validatePermissions(path); err != nil {
		return fmt.Errorf("includes: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("includes: read %q: %w", path, err)
	}
	if len(data) == 0 {
		return nil
	}

	f.cfg.Includes = nil
	if err := decode(path, data, f.cfg); err != nil {
		return fmt.Errorf("includes: parse %q: %w", path, err)
	}
	if len(f.cfg.Includes) == 0 {
		return nil
	}
	return f.expand(filepath.Dir(path), depth)
}

// matchFragments expands pattern under dir. Relative patterns may not climb
// out of dir. A literal path that does not exist is returned as is so the
// read reports it; a glob with no matches yields nothing.
func matchFragments(pattern, dir string) ([]string, error) {
	if !filepath.IsAbs(pattern) {
		pattern = filepath.Join(dir, pattern)
	}
	pattern = filepath.Clean(pattern)

	if rel, err := filepath.Rel(dir, pattern); err == nil && strings.HasPrefix(rel, "..") {
		return nil, fmt.Errorf("includes: %q escapes the config directory", pattern)
	}

	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("includes: glob %q: %w", pattern, err)
	}
	if len(matches) == 0 && !strings.ContainsAny(pattern, "*?[") {
		return []string{pattern}, nil
	}
	return matches, nil
}
