package module

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/calyx-lang/calyx/pkg/bytecode"
)

// Sentinel errors of the module system.
var (
	ErrModuleNotFound = errors.New("module not found")
	ErrCycle          = errors.New("cyclic module dependency")
)

// ModuleInfo describes one loaded module. Loads are memoized, so two loads
// of the same unchanged module return the same *ModuleInfo.
type ModuleInfo struct {
	Name         string
	Version      string
	SourcePath   string // empty for builtins
	Dependencies []string
	Exports      []string
	Program      *bytecode.Program // nil for builtins
	ContentHash  [32]byte          // sha256 of the module source
	Builtin      bool              // provenance only; behavior is identical
}

// Resolved is a resolver hit: the module's metadata skeleton plus its raw
// source, ready for the loader to hash and compile.
type Resolved struct {
	Info   *ModuleInfo
	Source []byte
}

// Resolver locates modules in an ordered list of provider roots. Each root
// is a directory whose immediate subdirectories are modules carrying a
// calyx.toml manifest. The first root containing the module wins.
type Resolver struct {
	roots []string
}

// NewResolver creates a resolver over the given roots, searched in order.
func NewResolver(roots ...string) *Resolver {
	return &Resolver{roots: roots}
}

// Resolve locates a module by name. A missing module is ErrModuleNotFound;
// a present module with a broken manifest or unreadable entry file is a
// hard error.
func (r *Resolver) Resolve(name string) (*Resolved, error) {
	for _, root := range r.roots {
		dir := filepath.Join(root, name)
		if _, err := os.Stat(filepath.Join(dir, ManifestName)); err != nil {
			continue
		}
		m, err := LoadManifest(dir)
		if err != nil {
			return nil, err
		}
		source, err := os.ReadFile(m.EntryPath())
		if err != nil {
			return nil, fmt.Errorf("cannot read module %q entry: %w", name, err)
		}
		return &Resolved{
			Info: &ModuleInfo{
				Name:         name,
				Version:      m.Module.Version,
				SourcePath:   m.EntryPath(),
				Dependencies: m.Dependencies,
				Exports:      m.Exports,
			},
			Source: source,
		}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrModuleNotFound, name)
}
