package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LoadError describes a definition file that was skipped.
type LoadError struct {
	Path string
	Err  error
}

func (e LoadError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e LoadError) Unwrap() error {
	return e.Err
}

// IsDefinitionFile reports whether name has a supported extension.
func IsDefinitionFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// LoadFile reads and validates one definition file.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read agent definition: %w", err)
	}
	return ParseConfig(data)
}

// LoadFromDirectory registers every definition in dir, in file name order.
// A malformed or duplicate definition is skipped and reported; it never
// aborts the rest of the load. Subdirectories and other files are ignored.
func (r *Registry) LoadFromDirectory(dir string) (int, []LoadError) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		le := LoadError{Path: dir, Err: fmt.Errorf("failed to read agents directory: %w", err)}
		r.logger.Printf("Error: %v", le)
		return 0, []LoadError{le}
	}

	loaded := 0
	var loadErrs []LoadError
	for _, de := range entries {
		if de.IsDir() || !IsDefinitionFile(de.Name()) {
			continue
		}
		path := filepath.Join(dir, de.Name())

		cfg, err := LoadFile(path)
		if err == nil {
			err = r.Register(cfg)
		}
		if err != nil {
			le := LoadError{Path: path, Err: err}
			loadErrs = append(loadErrs, le)
			r.logger.Printf("Warning: skipping agent definition %v", le)
			continue
		}
		loaded++
	}
	return loaded, loadErrs
}
