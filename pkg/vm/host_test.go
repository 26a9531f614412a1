package vm

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/calyx-lang/calyx/pkg/bytecode"
	"github.com/calyx-lang/calyx/pkg/value"
)

// fakeHost is a scriptable ModuleHost for engine tests.
type fakeHost struct {
	imported  []string
	importErr error
	invoke    func(module, fn string, args []value.Value) (value.Value, error)
}

func (h *fakeHost) Import(name string) error {
	if h.importErr != nil {
		return h.importErr
	}
	h.imported = append(h.imported, name)
	return nil
}

func (h *fakeHost) Invoke(module, fn string, args []value.Value) (value.Value, error) {
	if h.invoke == nil {
		return value.None, fmt.Errorf("no export %s.%s", module, fn)
	}
	return h.invoke(module, fn, args)
}

func TestImportModuleDelegatesToHost(t *testing.T) {
	host := &fakeHost{}
	e, _, _, err := runProgram(t, func(g *bytecode.Generator) {
		g.EmitImport("strings")
		g.EmitImport("math")
		g.Emit(bytecode.OpHalt, bytecode.NoOperand)
	}, Config{Host: host})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if e.State() != StateHalted {
		t.Fatalf("state = %s", e.State())
	}
	if !reflect.DeepEqual(host.imported, []string{"strings", "math"}) {
		t.Errorf("imports = %v", host.imported)
	}
}

func TestImportFailureIsCatchable(t *testing.T) {
	host := &fakeHost{importErr: errors.New("module not found")}
	e, v, _, err := runProgram(t, func(g *bytecode.Generator) {
		g.EmitImport("ghost")
		g.Emit(bytecode.OpHalt, bytecode.NoOperand)
		g.AddHandler(0, 1, 1, string(ModuleError))
	}, Config{Host: host})
	if err != nil {
		t.Fatalf("ModuleError escaped: %v", err)
	}
	if e.State() != StateHalted {
		t.Fatalf("state = %s", e.State())
	}
	if v.Table()["kind"].AsString() != string(ModuleError) {
		t.Errorf("caught kind = %v", v.Table()["kind"])
	}
}

func TestImportWithoutHostRaisesModuleError(t *testing.T) {
	e, _, _, err := runProgram(t, func(g *bytecode.Generator) {
		g.EmitImport("strings")
		g.Emit(bytecode.OpHalt, bytecode.NoOperand)
	}, Config{})
	if e.State() != StateFaulted {
		t.Fatalf("state = %s", e.State())
	}
	var report *FaultReport
	if !errors.As(err, &report) || report.Kind != string(ModuleError) {
		t.Errorf("report = %v", err)
	}
}

func TestHostFailureBypassesHandlers(t *testing.T) {
	// Cache and IO failures are not exceptions: even a catch-all region
	// must not see them.
	host := &fakeHost{importErr: fmt.Errorf("%w: cache corrupted", ErrHostFailure)}
	e, _, _, err := runProgram(t, func(g *bytecode.Generator) {
		g.EmitImport("broken")
		g.Emit(bytecode.OpHalt, bytecode.NoOperand)
		g.AddHandler(0, 1, 1)
	}, Config{Host: host})
	if e.State() != StateFaulted {
		t.Fatalf("state = %s, want faulted", e.State())
	}
	if !errors.Is(err, ErrHostFailure) {
		t.Errorf("err = %v, want ErrHostFailure", err)
	}
	var report *FaultReport
	if errors.As(err, &report) {
		t.Error("host failure was converted to a fault report")
	}
}

func TestNativeCall(t *testing.T) {
	host := &fakeHost{invoke: func(module, fn string, args []value.Value) (value.Value, error) {
		if module != "math" || fn != "double" || len(args) != 1 {
			return value.None, fmt.Errorf("unexpected call %s.%s/%d", module, fn, len(args))
		}
		return value.Mul(args[0], value.Int(2))
	}}
	_, _, out, err := runProgram(t, func(g *bytecode.Generator) {
		fn := g.DeclareNative("math", "double", 1)
		g.EmitLoadConst(value.Int(21))
		g.Emit(bytecode.OpCall, bytecode.IntOperand(int64(fn)))
		g.Emit(bytecode.OpPrint, bytecode.NoOperand)
		g.Emit(bytecode.OpHalt, bytecode.NoOperand)
	}, Config{Host: host})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out != "42\n" {
		t.Errorf("output = %q, want 42", out)
	}
}

func TestNativeCallErrorRaisesValueError(t *testing.T) {
	host := &fakeHost{invoke: func(module, fn string, args []value.Value) (value.Value, error) {
		return value.None, errors.New("negative argument")
	}}
	e, v, _, err := runProgram(t, func(g *bytecode.Generator) {
		fn := g.DeclareNative("math", "sqrt", 1)
		g.EmitLoadConst(value.Int(-1))
		g.Emit(bytecode.OpCall, bytecode.IntOperand(int64(fn)))
		g.Emit(bytecode.OpHalt, bytecode.NoOperand)
		g.AddHandler(0, 2, 2, string(ValueError))
	}, Config{Host: host})
	if err != nil {
		t.Fatalf("ValueError escaped: %v", err)
	}
	if e.State() != StateHalted {
		t.Fatalf("state = %s", e.State())
	}
	if v.Table()["kind"].AsString() != string(ValueError) {
		t.Errorf("caught kind = %v", v.Table()["kind"])
	}
}

func TestNativeCallPropagatesExceptionObjects(t *testing.T) {
	// A library may raise a typed exception directly; the kind survives.
	host := &fakeHost{invoke: func(module, fn string, args []value.Value) (value.Value, error) {
		return value.None, &ExceptionObject{Kind: KeyError, Message: "no such key", Hint: hintFor(KeyError)}
	}}
	_, v, _, err := runProgram(t, func(g *bytecode.Generator) {
		fn := g.DeclareNative("maps", "fetch", 0)
		g.Emit(bytecode.OpCall, bytecode.IntOperand(int64(fn)))
		g.Emit(bytecode.OpHalt, bytecode.NoOperand)
		g.AddHandler(0, 1, 1, string(KeyError))
	}, Config{Host: host})
	if err != nil {
		t.Fatalf("KeyError escaped: %v", err)
	}
	if v.Table()["kind"].AsString() != string(KeyError) {
		t.Errorf("caught kind = %v", v.Table()["kind"])
	}
}

func TestHostPanicIsRecovered(t *testing.T) {
	// A panicking native export must not take the host process down: Run
	// converts it to a fault report and the engine ends up Faulted.
	host := &fakeHost{invoke: func(module, fn string, args []value.Value) (value.Value, error) {
		panic("library bug")
	}}
	e, v, _, err := runProgram(t, func(g *bytecode.Generator) {
		fn := g.DeclareNative("math", "explode", 0)
		g.Emit(bytecode.OpCall, bytecode.IntOperand(int64(fn)))
		g.Emit(bytecode.OpHalt, bytecode.NoOperand)
	}, Config{Host: host})
	if e.State() != StateFaulted {
		t.Fatalf("state = %s, want faulted", e.State())
	}
	if v.Kind() != value.KindNone {
		t.Errorf("result = %v, want none", v)
	}
	var report *FaultReport
	if !errors.As(err, &report) || report.Kind != string(RuntimeError) {
		t.Fatalf("report = %v", err)
	}
	if e.Fault() != report {
		t.Error("Fault() does not return the recovered report")
	}
}

func TestAccessibilityPauseDisabledHasNoDelayPath(t *testing.T) {
	// With the pause disabled, heavy instructions run at full speed.
	g := bytecode.NewGenerator()
	g.SetWeight(100)
	for i := 0; i < 50; i++ {
		g.EmitLoadConst(value.Int(int64(i)))
		g.Emit(bytecode.OpPop, bytecode.NoOperand)
	}
	g.Emit(bytecode.OpHalt, bytecode.NoOperand)
	p, err := g.Build()
	if err != nil {
		t.Fatal(err)
	}
	e := New(Config{Output: &bytes.Buffer{}, PauseThreshold: 0.5, PauseDelay: 50 * time.Millisecond})
	if err := e.LoadProgram(p); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	if _, err := e.Run(); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("disabled pause still slowed execution: %v", elapsed)
	}
}

func TestAccessibilityPauseDoesNotChangeSemantics(t *testing.T) {
	run := func(cfg Config) string {
		g := bytecode.NewGenerator()
		g.SetWeight(1.0)
		g.EmitLoadConst(value.Int(3))
		g.EmitLoadConst(value.Int(4))
		g.Emit(bytecode.OpAdd, bytecode.NoOperand)
		g.Emit(bytecode.OpPrint, bytecode.NoOperand)
		g.Emit(bytecode.OpHalt, bytecode.NoOperand)
		p, err := g.Build()
		if err != nil {
			t.Fatal(err)
		}
		var out bytes.Buffer
		cfg.Output = &out
		e := New(cfg)
		if err := e.LoadProgram(p); err != nil {
			t.Fatal(err)
		}
		if _, err := e.Run(); err != nil {
			t.Fatal(err)
		}
		return out.String()
	}
	plain := run(Config{})
	paused := run(Config{PauseEnabled: true, PauseThreshold: 0.5, PauseDelay: time.Millisecond})
	if plain != paused {
		t.Errorf("pause changed output: %q vs %q", plain, paused)
	}
}

func TestPauseDelayIsBounded(t *testing.T) {
	e := New(Config{PauseEnabled: true, PauseDelay: time.Hour})
	if e.cfg.PauseDelay > maxPauseDelay {
		t.Errorf("pause delay %v exceeds bound %v", e.cfg.PauseDelay, maxPauseDelay)
	}
}

func TestFaultReportCBORRoundTrip(t *testing.T) {
	r := &FaultReport{
		EngineID:         "0c5225cb-1786-42c4-9f1e-04c84d44cbeb",
		Kind:             string(DivisionByZero),
		Message:          "division by zero",
		Hint:             hintFor(DivisionByZero),
		Trace:            []FrameDescriptor{{Owner: "main", Addr: 2, Line: 7}},
		InstructionCount: 3,
	}
	data, err := MarshalFaultReport(r)
	if err != nil {
		t.Fatalf("MarshalFaultReport: %v", err)
	}
	got, err := UnmarshalFaultReport(data)
	if err != nil {
		t.Fatalf("UnmarshalFaultReport: %v", err)
	}
	if !reflect.DeepEqual(r, got) {
		t.Errorf("round-trip changed report:\n  in  %+v\n  out %+v", r, got)
	}

	// Canonical mode is deterministic.
	again, err := MarshalFaultReport(r)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, again) {
		t.Error("encoding is not deterministic")
	}
}
