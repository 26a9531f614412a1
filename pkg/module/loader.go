package module

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/tliron/commonlog"

	"github.com/calyx-lang/calyx/pkg/bytecode"
	"github.com/calyx-lang/calyx/pkg/value"
	"github.com/calyx-lang/calyx/pkg/vm"
)

// Compiler turns module source into a program. The front-end provides the
// production implementation; the loader only needs this one method.
type Compiler interface {
	Compile(name string, source []byte) (*bytecode.Program, error)
}

// Library is a built-in module: a named set of exports invokable by native
// CALL targets. Implementations must be safe for concurrent use.
type Library interface {
	Name() string
	Version() string
	Exports() []string
	Invoke(fn string, args []value.Value) (value.Value, error)
}

// LoaderConfig carries the loader's collaborators. Resolver and Compiler
// are required for directory modules; Artifacts and Output are optional.
type LoaderConfig struct {
	Resolver  *Resolver
	Compiler  Compiler
	Artifacts *ArtifactStore
	Logger    commonlog.Logger
	Output    io.Writer // PRINT destination for module bodies
}

// Loader loads modules with process-lifetime memoization. The cache is
// keyed by content hash and safe for concurrent readers; compilation and
// insertion are exclusive. Loader implements vm.ModuleHost so engines can
// import through it directly.
type Loader struct {
	cfg LoaderConfig
	log commonlog.Logger

	// loadMu serializes whole load operations, including the recursive
	// dependency walk and module body execution.
	loadMu  sync.Mutex
	loading []string // in-progress stack, for cycle detection

	// mu guards the memo tables only.
	mu     sync.RWMutex
	byName map[string]*ModuleInfo
	byHash map[[32]byte]*ModuleInfo
	libs   map[string]Library
}

// NewLoader creates a loader with an empty cache.
func NewLoader(cfg LoaderConfig) *Loader {
	log := cfg.Logger
	if log == nil {
		log = commonlog.GetLogger("calyx.module")
	}
	return &Loader{
		cfg:    cfg,
		log:    log,
		byName: make(map[string]*ModuleInfo),
		byHash: make(map[[32]byte]*ModuleInfo),
		libs:   make(map[string]Library),
	}
}

// RegisterBuiltin pre-registers a built-in library. It resolves and loads
// exactly like a directory module; only the Builtin provenance flag
// distinguishes it.
func (l *Loader) RegisterBuiltin(lib Library) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.libs[lib.Name()] = lib
}

// Resolve locates a module without loading it. Builtins are found first,
// then the resolver's roots in order.
func (l *Loader) Resolve(name string) (*ModuleInfo, error) {
	l.mu.RLock()
	lib, ok := l.libs[name]
	l.mu.RUnlock()
	if ok {
		return builtinInfo(lib), nil
	}
	if l.cfg.Resolver == nil {
		return nil, fmt.Errorf("%w: %q", ErrModuleNotFound, name)
	}
	res, err := l.cfg.Resolver.Resolve(name)
	if err != nil {
		return nil, err
	}
	res.Info.ContentHash = sha256.Sum256(res.Source)
	return res.Info, nil
}

// Load resolves, compiles, and executes a module, memoizing the result for
// the process lifetime. Re-loading an unchanged module returns the same
// *ModuleInfo and never re-executes its body.
func (l *Loader) Load(name string) (*ModuleInfo, error) {
	if info := l.lookup(name); info != nil {
		return info, nil
	}
	l.loadMu.Lock()
	defer l.loadMu.Unlock()
	return l.load(name)
}

// ResetCache drops every memoized module. It is the only invalidation.
func (l *Loader) ResetCache() {
	l.loadMu.Lock()
	defer l.loadMu.Unlock()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.byName = make(map[string]*ModuleInfo)
	l.byHash = make(map[[32]byte]*ModuleInfo)
}

// CachedCount reports how many modules are memoized.
func (l *Loader) CachedCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.byName)
}

// Import implements vm.ModuleHost for engines owned by hosts.
func (l *Loader) Import(name string) error {
	_, err := l.Load(name)
	return err
}

// Invoke implements vm.ModuleHost: it calls an export of a registered
// built-in library.
func (l *Loader) Invoke(module, fn string, args []value.Value) (value.Value, error) {
	l.mu.RLock()
	lib, ok := l.libs[module]
	l.mu.RUnlock()
	if !ok {
		return value.None, fmt.Errorf("%w: %q", ErrModuleNotFound, module)
	}
	return lib.Invoke(fn, args)
}

func (l *Loader) lookup(name string) *ModuleInfo {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.byName[name]
}

func (l *Loader) insert(info *ModuleInfo) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.byName[info.Name] = info
	l.byHash[info.ContentHash] = info
}

// load does the real work. loadMu is held; recursive dependency loads call
// load directly, never Load, so the stack stays on one goroutine.
func (l *Loader) load(name string) (*ModuleInfo, error) {
	if info := l.lookup(name); info != nil {
		return info, nil
	}
	for _, in := range l.loading {
		if in == name {
			chain := append(append([]string{}, l.loading...), name)
			return nil, fmt.Errorf("%w: %s", ErrCycle, strings.Join(chain, " -> "))
		}
	}
	l.loading = append(l.loading, name)
	defer func() { l.loading = l.loading[:len(l.loading)-1] }()

	// Builtins are pre-registered: nothing to compile or execute.
	l.mu.RLock()
	lib, isBuiltin := l.libs[name]
	l.mu.RUnlock()
	if isBuiltin {
		info := builtinInfo(lib)
		l.insert(info)
		return info, nil
	}

	if l.cfg.Resolver == nil {
		return nil, fmt.Errorf("%w: %q", ErrModuleNotFound, name)
	}
	res, err := l.cfg.Resolver.Resolve(name)
	if err != nil {
		return nil, err
	}
	info := res.Info
	info.ContentHash = sha256.Sum256(res.Source)

	// An identical source already loaded under another name shares its
	// compiled program and skips re-execution.
	l.mu.RLock()
	prior := l.byHash[info.ContentHash]
	l.mu.RUnlock()
	if prior != nil {
		l.mu.Lock()
		l.byName[name] = prior
		l.mu.Unlock()
		return prior, nil
	}

	if info.Program, err = l.obtainProgram(info, res.Source); err != nil {
		return nil, err
	}

	// Dependencies load before the body runs.
	for _, dep := range info.Dependencies {
		if _, err := l.load(dep); err != nil {
			return nil, fmt.Errorf("loading dependency of %q: %w", name, err)
		}
	}

	if err := l.execute(info); err != nil {
		return nil, err
	}

	l.insert(info)
	l.log.Infof("loaded module %q (%x)", name, info.ContentHash[:8])
	return info, nil
}

// obtainProgram consults the artifact cache before compiling, and writes
// back after a successful compile. Cache IO failures are host failures.
func (l *Loader) obtainProgram(info *ModuleInfo, source []byte) (*bytecode.Program, error) {
	if l.cfg.Artifacts != nil {
		prog, _, err := l.cfg.Artifacts.Get(info.ContentHash)
		switch {
		case err == nil:
			return prog, nil
		case !errors.Is(err, ErrArtifactNotFound):
			return nil, fmt.Errorf("%w: artifact cache: %v", vm.ErrHostFailure, err)
		}
	}

	if l.cfg.Compiler == nil {
		return nil, fmt.Errorf("%w: no compiler configured", vm.ErrHostFailure)
	}
	prog, err := l.cfg.Compiler.Compile(info.Name, source)
	if err != nil {
		return nil, fmt.Errorf("compiling module %q: %w", info.Name, err)
	}

	if l.cfg.Artifacts != nil {
		meta := ArtifactMeta{Module: info.Name, Version: info.Version, FormatVersion: bytecode.FormatVersion}
		if err := l.cfg.Artifacts.Put(info.ContentHash, prog, meta); err != nil {
			return nil, fmt.Errorf("%w: artifact cache: %v", vm.ErrHostFailure, err)
		}
	}
	return prog, nil
}

// execute runs the module body exactly once, on a fresh engine whose host
// routes nested imports back through this in-progress load.
func (l *Loader) execute(info *ModuleInfo) error {
	engine := vm.New(vm.Config{
		Output: l.cfg.Output,
		Host:   &lockedHost{l},
	})
	if err := engine.LoadProgram(info.Program); err != nil {
		return fmt.Errorf("module %q: %w", info.Name, err)
	}
	if _, err := engine.Run(); err != nil {
		return fmt.Errorf("executing module %q: %w", info.Name, err)
	}
	return nil
}

// lockedHost is the ModuleHost handed to engines executing module bodies.
// loadMu is already held by the enclosing Load, so nested imports must go
// through load directly.
type lockedHost struct {
	l *Loader
}

func (h *lockedHost) Import(name string) error {
	_, err := h.l.load(name)
	return err
}

func (h *lockedHost) Invoke(module, fn string, args []value.Value) (value.Value, error) {
	return h.l.Invoke(module, fn, args)
}

func builtinInfo(lib Library) *ModuleInfo {
	return &ModuleInfo{
		Name:        lib.Name(),
		Version:     lib.Version(),
		Exports:     lib.Exports(),
		ContentHash: sha256.Sum256([]byte("builtin:" + lib.Name() + "@" + lib.Version())),
		Builtin:     true,
	}
}
