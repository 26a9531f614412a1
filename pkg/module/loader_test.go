package module

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/calyx-lang/calyx/pkg/bytecode"
	"github.com/calyx-lang/calyx/pkg/value"
	"github.com/calyx-lang/calyx/pkg/vm"
)

// writeModule lays out a module directory under root: a calyx.toml and an
// entry file holding the given source text.
func writeModule(t *testing.T, root, name, version string, deps []string, source string) {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[module]\nname = %q\nversion = %q\nentry = \"main.cx\"\n", name, version)
	if len(deps) > 0 {
		b.WriteString("dependencies = [")
		for i, d := range deps {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%q", d)
		}
		b.WriteString("]\n")
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestName), []byte(b.String()), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "main.cx"), []byte(source), 0o644); err != nil {
		t.Fatal(err)
	}
}

// fakeCompiler emits a body that prints "run:<name>" so tests can observe
// execution order and count.
type fakeCompiler struct {
	compiled []string
}

func (c *fakeCompiler) Compile(name string, source []byte) (*bytecode.Program, error) {
	c.compiled = append(c.compiled, name)
	g := bytecode.NewGenerator()
	g.EmitLoadConst(value.Str("run:" + name))
	g.Emit(bytecode.OpPrint, bytecode.NoOperand)
	g.Emit(bytecode.OpHalt, bytecode.NoOperand)
	return g.Build()
}

func newTestLoader(t *testing.T, root string) (*Loader, *fakeCompiler, *bytes.Buffer) {
	t.Helper()
	comp := &fakeCompiler{}
	out := &bytes.Buffer{}
	l := NewLoader(LoaderConfig{
		Resolver: NewResolver(root),
		Compiler: comp,
		Output:   out,
	})
	return l, comp, out
}

func TestLoadMemoizes(t *testing.T) {
	root := t.TempDir()
	writeModule(t, root, "greet", "1.0.0", nil, "print hello")
	l, comp, out := newTestLoader(t, root)

	first, err := l.Load("greet")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	second, err := l.Load("greet")
	if err != nil {
		t.Fatalf("re-Load: %v", err)
	}
	if first != second {
		t.Error("re-load returned a different ModuleInfo instance")
	}
	if len(comp.compiled) != 1 {
		t.Errorf("compiled %d times, want 1", len(comp.compiled))
	}
	if out.String() != "run:greet\n" {
		t.Errorf("body output = %q, want exactly one execution", out.String())
	}
	if first.Name != "greet" || first.Version != "1.0.0" || first.Builtin {
		t.Errorf("info = %+v", first)
	}
	var zero [32]byte
	if first.ContentHash == zero {
		t.Error("content hash not computed")
	}
}

func TestDependenciesLoadBeforeBody(t *testing.T) {
	root := t.TempDir()
	writeModule(t, root, "app", "0.1.0", []string{"lib"}, "uses lib")
	writeModule(t, root, "lib", "0.1.0", nil, "the library")
	l, _, out := newTestLoader(t, root)

	if _, err := l.Load("app"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if out.String() != "run:lib\nrun:app\n" {
		t.Errorf("execution order = %q", out.String())
	}
	if l.CachedCount() != 2 {
		t.Errorf("cached %d modules, want 2", l.CachedCount())
	}
}

func TestCycleDetection(t *testing.T) {
	root := t.TempDir()
	writeModule(t, root, "a", "1.0.0", []string{"b"}, "module a")
	writeModule(t, root, "b", "1.0.0", []string{"a"}, "module b")
	l, _, _ := newTestLoader(t, root)

	_, err := l.Load("a")
	if !errors.Is(err, ErrCycle) {
		t.Fatalf("want ErrCycle, got %v", err)
	}
	if !strings.Contains(err.Error(), "a -> b -> a") {
		t.Errorf("cycle chain missing from error: %v", err)
	}
	if l.CachedCount() != 0 {
		t.Errorf("cycle left %d partial cache entries", l.CachedCount())
	}
}

func TestMissingModule(t *testing.T) {
	l, _, _ := newTestLoader(t, t.TempDir())
	if _, err := l.Load("ghost"); !errors.Is(err, ErrModuleNotFound) {
		t.Fatalf("want ErrModuleNotFound, got %v", err)
	}
	if _, err := l.Resolve("ghost"); !errors.Is(err, ErrModuleNotFound) {
		t.Fatalf("Resolve: want ErrModuleNotFound, got %v", err)
	}
}

func TestResolverRootOrder(t *testing.T) {
	first, second := t.TempDir(), t.TempDir()
	writeModule(t, first, "util", "1.0.0", nil, "from first root")
	writeModule(t, second, "util", "2.0.0", nil, "from second root")

	comp := &fakeCompiler{}
	l := NewLoader(LoaderConfig{
		Resolver: NewResolver(first, second),
		Compiler: comp,
		Output:   &bytes.Buffer{},
	})
	info, err := l.Load("util")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if info.Version != "1.0.0" {
		t.Errorf("resolved version %s, want the first root to win", info.Version)
	}
}

func TestIdenticalSourceSharesCacheEntry(t *testing.T) {
	root := t.TempDir()
	writeModule(t, root, "left", "1.0.0", nil, "same body")
	writeModule(t, root, "right", "1.0.0", nil, "same body")
	l, comp, _ := newTestLoader(t, root)

	a, err := l.Load("left")
	if err != nil {
		t.Fatal(err)
	}
	b, err := l.Load("right")
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Error("identical sources should share one cache entry")
	}
	if len(comp.compiled) != 1 {
		t.Errorf("compiled %d times, want 1", len(comp.compiled))
	}
}

func TestResetCache(t *testing.T) {
	root := t.TempDir()
	writeModule(t, root, "m", "1.0.0", nil, "body")
	l, comp, _ := newTestLoader(t, root)

	if _, err := l.Load("m"); err != nil {
		t.Fatal(err)
	}
	l.ResetCache()
	if l.CachedCount() != 0 {
		t.Error("reset left entries behind")
	}
	if _, err := l.Load("m"); err != nil {
		t.Fatal(err)
	}
	if len(comp.compiled) != 2 {
		t.Errorf("compiled %d times after reset, want 2", len(comp.compiled))
	}
}

// stringsLib is a minimal built-in library for tests.
type stringsLib struct{}

func (stringsLib) Name() string      { return "strings" }
func (stringsLib) Version() string   { return "1.0.0" }
func (stringsLib) Exports() []string { return []string{"upper"} }
func (stringsLib) Invoke(fn string, args []value.Value) (value.Value, error) {
	if fn != "upper" || len(args) != 1 {
		return value.None, fmt.Errorf("no export %q", fn)
	}
	return value.Str(strings.ToUpper(args[0].AsString())), nil
}

func TestBuiltinResolveAndLoad(t *testing.T) {
	l, comp, out := newTestLoader(t, t.TempDir())
	l.RegisterBuiltin(stringsLib{})

	info, err := l.Resolve("strings")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !info.Builtin || info.SourcePath != "" {
		t.Errorf("builtin info = %+v", info)
	}

	loaded, err := l.Load("strings")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	again, err := l.Load("strings")
	if err != nil {
		t.Fatal(err)
	}
	if loaded != again {
		t.Error("builtin load is not memoized")
	}
	if len(loaded.Exports) != 1 || loaded.Exports[0] != "upper" {
		t.Errorf("exports = %v", loaded.Exports)
	}
	// Builtins compile nothing and execute nothing.
	if len(comp.compiled) != 0 || out.Len() != 0 {
		t.Error("builtin load touched the compiler or executed a body")
	}

	v, err := l.Invoke("strings", "upper", []value.Value{value.Str("calyx")})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if v.AsString() != "CALYX" {
		t.Errorf("upper = %v", v)
	}
}

func TestBuiltinIndistinguishableFromDirectoryModule(t *testing.T) {
	root := t.TempDir()
	writeModule(t, root, "disk", "1.0.0", nil, "on disk")
	l, _, _ := newTestLoader(t, root)
	l.RegisterBuiltin(stringsLib{})

	builtin, err := l.Load("strings")
	if err != nil {
		t.Fatal(err)
	}
	disk, err := l.Load("disk")
	if err != nil {
		t.Fatal(err)
	}
	// Same surface, same memoization; only provenance differs.
	if !builtin.Builtin || disk.Builtin {
		t.Error("provenance flags wrong")
	}
	var zero [32]byte
	if builtin.ContentHash == zero || disk.ContentHash == zero {
		t.Error("both kinds carry a content hash")
	}
}

func TestLoaderServesEngineImports(t *testing.T) {
	root := t.TempDir()
	writeModule(t, root, "helper", "1.0.0", nil, "helper body")
	l, _, out := newTestLoader(t, root)

	g := bytecode.NewGenerator()
	g.EmitImport("helper")
	g.EmitImport("helper") // second import is a no-op
	g.Emit(bytecode.OpHalt, bytecode.NoOperand)
	p, err := g.Build()
	if err != nil {
		t.Fatal(err)
	}
	e := vm.New(vm.Config{Host: l, Output: out})
	if err := e.LoadProgram(p); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.String() != "run:helper\n" {
		t.Errorf("output = %q, want the body to run once", out.String())
	}
}

func TestModuleBodyImportsItsOwnDependencies(t *testing.T) {
	// A body that executes IMPORT_MODULE re-enters the in-progress load.
	root := t.TempDir()
	writeModule(t, root, "outer", "1.0.0", nil, "import inner")
	writeModule(t, root, "inner", "1.0.0", nil, "inner body")

	out := &bytes.Buffer{}
	l := NewLoader(LoaderConfig{
		Resolver: NewResolver(root),
		Compiler: importingCompiler{},
		Output:   out,
	})
	if _, err := l.Load("outer"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if l.CachedCount() != 2 {
		t.Errorf("cached %d modules, want 2", l.CachedCount())
	}
	if !strings.Contains(out.String(), "run:inner") {
		t.Errorf("inner body never ran: %q", out.String())
	}
}

// importingCompiler gives "outer" a body that imports "inner" at runtime.
type importingCompiler struct{}

func (importingCompiler) Compile(name string, source []byte) (*bytecode.Program, error) {
	g := bytecode.NewGenerator()
	if name == "outer" {
		g.EmitImport("inner")
	}
	g.EmitLoadConst(value.Str("run:" + name))
	g.Emit(bytecode.OpPrint, bytecode.NoOperand)
	g.Emit(bytecode.OpHalt, bytecode.NoOperand)
	return g.Build()
}
