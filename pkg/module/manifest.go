package module

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// ManifestName is the file every module directory must contain.
const ManifestName = "calyx.toml"

// Manifest is a parsed calyx.toml module configuration.
type Manifest struct {
	Module       ModuleSection `toml:"module"`
	Dependencies []string      `toml:"dependencies"`
	Exports      []string      `toml:"exports"`

	// Dir is the directory containing the calyx.toml file (set at load time).
	Dir string `toml:"-"`
}

// ModuleSection contains module metadata.
type ModuleSection struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
	Entry   string `toml:"entry"`
}

// LoadManifest parses a calyx.toml file from the given directory.
func LoadManifest(dir string) (*Manifest, error) {
	path := filepath.Join(dir, ManifestName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if m.Module.Name == "" {
		return nil, fmt.Errorf("%s: [module] name is required", path)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	// Defaults
	if m.Module.Entry == "" {
		m.Module.Entry = "main.cx"
	}

	return &m, nil
}

// EntryPath returns the absolute path of the module's entry source file.
func (m *Manifest) EntryPath() string {
	return filepath.Join(m.Dir, m.Module.Entry)
}
