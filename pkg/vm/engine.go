package vm

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	"github.com/calyx-lang/calyx/pkg/bytecode"
	"github.com/calyx-lang/calyx/pkg/value"
)

// State is the engine's lifecycle phase. Transitions are
// Ready -> Running -> {Halted, Faulted}; Reset returns a loaded engine to
// Ready.
type State uint8

const (
	StateIdle State = iota // no program loaded
	StateReady
	StateRunning
	StateHalted
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateHalted:
		return "halted"
	case StateFaulted:
		return "faulted"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// ErrHostFailure marks loader errors that must surface to the host instead
// of being raised as a catchable ModuleError. Module loaders wrap cache and
// IO failures with it.
var ErrHostFailure = errors.New("host-level failure")

// ModuleHost is the engine's view of the module system. IMPORT_MODULE and
// native CALL targets go through it; pkg/module provides the production
// implementation.
type ModuleHost interface {
	// Import loads the named module, executing its body on first load.
	Import(name string) error
	// Invoke calls an export of a loaded native module.
	Invoke(module, fn string, args []value.Value) (value.Value, error)
}

// maxPauseDelay bounds the accessibility pause regardless of configuration.
const maxPauseDelay = 250 * time.Millisecond

// Config carries everything an engine needs. The zero value works: defaults
// are applied by New. Engines never read global state.
type Config struct {
	MaxStackDepth  int           // operand stack limit (default 1024)
	MaxFrameDepth  int           // call depth limit (default 64)
	PauseEnabled   bool          // accessibility pause on heavy instructions
	PauseThreshold float64       // cognitive weight above which to pause
	PauseDelay     time.Duration // pause length, clamped to maxPauseDelay
	Trace          bool          // log every dispatched instruction
	Logger         commonlog.Logger
	Output         io.Writer  // PRINT destination (default os.Stdout)
	Host           ModuleHost // module system collaborator, may be nil
}

// Stats are the engine's performance counters for the current or most
// recent run.
type Stats struct {
	InstructionCount uint64
	ExecutionTime    time.Duration
	StackDepthPeak   int
}

// Frame is one call activation. Locals bind parameter names for bytecode
// functions; the bottom frame owns top-level variables.
type Frame struct {
	ReturnAddr int
	Locals     map[string]value.Value
	Owner      string
}

// Engine executes verified programs. A single engine is single-threaded;
// run independent engines on separate goroutines for parallelism.
type Engine struct {
	id   uuid.UUID
	cfg  Config
	log  commonlog.Logger
	prog *bytecode.Program

	ip     int
	stack  []value.Value
	frames []*Frame
	jumped bool

	state State
	stats Stats
	fault *FaultReport
}

// New creates an engine with the given configuration. Zero-valued fields
// get defaults; the engine is Idle until LoadProgram.
func New(cfg Config) *Engine {
	if cfg.MaxStackDepth <= 0 {
		cfg.MaxStackDepth = 1024
	}
	if cfg.MaxFrameDepth <= 0 {
		cfg.MaxFrameDepth = 64
	}
	if cfg.PauseDelay > maxPauseDelay {
		cfg.PauseDelay = maxPauseDelay
	}
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}
	log := cfg.Logger
	if log == nil {
		log = commonlog.GetLogger("calyx.vm")
	}
	return &Engine{
		id:    uuid.New(),
		cfg:   cfg,
		log:   log,
		state: StateIdle,
	}
}

// ID returns the engine's instance identifier.
func (e *Engine) ID() uuid.UUID { return e.id }

// State returns the engine's current lifecycle phase.
func (e *Engine) State() State { return e.state }

// Stats returns the performance counters of the current or last run.
func (e *Engine) Stats() Stats { return e.stats }

// Fault returns the report of the last uncaught exception, or nil.
func (e *Engine) Fault() *FaultReport { return e.fault }

// LoadProgram verifies and installs a program, leaving the engine Ready.
// Verification failures never enter the dispatch loop.
func (e *Engine) LoadProgram(p *bytecode.Program) error {
	if err := p.Verify(); err != nil {
		return err
	}
	e.prog = p
	e.Reset()
	return nil
}

// Reset discards all execution state and returns a loaded engine to Ready.
func (e *Engine) Reset() {
	e.ip = 0
	e.stack = e.stack[:0]
	e.frames = []*Frame{{Locals: make(map[string]value.Value), Owner: "main"}}
	e.jumped = false
	e.stats = Stats{}
	e.fault = nil
	if e.prog != nil {
		e.state = StateReady
	} else {
		e.state = StateIdle
	}
}

// Run executes the loaded program to completion. It returns the top of the
// operand stack (None when empty) on a normal halt. An uncaught exception
// leaves the engine Faulted and returns the FaultReport as the error;
// panics never escape.
func (e *Engine) Run() (result value.Value, err error) {
	if e.state != StateReady {
		return value.None, fmt.Errorf("engine is %s, not ready", e.state)
	}
	e.state = StateRunning
	started := time.Now()
	defer func() { e.stats.ExecutionTime = time.Since(started) }()
	defer func() {
		if r := recover(); r != nil {
			report := &FaultReport{
				EngineID:         e.id.String(),
				Kind:             string(RuntimeError),
				Message:          fmt.Sprintf("internal panic: %v", r),
				Hint:             hintFor(RuntimeError),
				InstructionCount: e.stats.InstructionCount,
			}
			e.state = StateFaulted
			e.fault = report
			e.log.Errorf("recovered panic: %v", r)
			result, err = value.None, report
		}
	}()

	code := e.prog.Instructions
	for e.state == StateRunning {
		if e.ip >= len(code) {
			e.state = StateHalted
			break
		}
		in := code[e.ip]
		if e.cfg.Trace {
			e.log.Debugf("[%04d] %-16s sp=%d", e.ip, in, len(e.stack))
		}
		if e.cfg.PauseEnabled && in.Weight > e.cfg.PauseThreshold {
			time.Sleep(e.cfg.PauseDelay)
		}

		e.jumped = false
		err := dispatch[in.Op](e, in)
		e.stats.InstructionCount++

		switch {
		case err == nil:
			if !e.jumped {
				e.ip++
			}
		case err == errHalt:
			e.state = StateHalted
		default:
			var exc *ExceptionObject
			if !errors.As(err, &exc) {
				// Host-level failure: not raisable, not catchable.
				e.state = StateFaulted
				return value.None, err
			}
			if !e.handleException(exc) {
				return value.None, e.fault
			}
		}
	}

	if len(e.stack) > 0 {
		return e.stack[len(e.stack)-1], nil
	}
	return value.None, nil
}

// errHalt signals a normal HALT from inside a handler.
var errHalt = errors.New("halt")

// raise builds an ExceptionObject with a snapshot of the frame chain,
// innermost first.
func (e *Engine) raise(kind ExceptionKind, format string, args ...interface{}) error {
	line := 0
	if e.ip < len(e.prog.Instructions) {
		line = e.prog.Instructions[e.ip].Line
	}
	trace := make([]FrameDescriptor, 0, len(e.frames))
	addr := e.ip
	for i := len(e.frames) - 1; i >= 0; i-- {
		trace = append(trace, FrameDescriptor{Owner: e.frames[i].Owner, Addr: addr, Line: line})
		addr = e.frames[i].ReturnAddr - 1 // call site in the parent frame
		if addr >= 0 && addr < len(e.prog.Instructions) {
			line = e.prog.Instructions[addr].Line
		}
	}
	return &ExceptionObject{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Trace:   trace,
		Hint:    hintFor(kind),
	}
}

// handleException searches for an eligible handler region, unwinding one
// frame at a time. On a match the exception is pushed as a Map value and
// control transfers to the handler. With no match left the engine goes
// Faulted and the fault report is recorded.
func (e *Engine) handleException(exc *ExceptionObject) bool {
search:
	for {
		// Most recently registered regions are searched first.
		for i := len(e.prog.Handlers) - 1; i >= 0; i-- {
			h := e.prog.Handlers[i]
			if h.Covers(e.ip) && h.Catches(string(exc.Kind)) {
				if err := e.push(exc.AsValue()); err != nil {
					// No room to deliver the caught value: the overflow
					// supersedes the original exception and the engine
					// faults instead of retrying handlers.
					var nested *ExceptionObject
					if errors.As(err, &nested) {
						exc = nested
					}
					break search
				}
				e.ip = h.Handler
				return true
			}
		}
		if len(e.frames) <= 1 {
			break
		}
		// Resume the search at the call site so a region covering the
		// CALL catches what escapes the callee.
		top := e.frames[len(e.frames)-1]
		e.frames = e.frames[:len(e.frames)-1]
		e.ip = top.ReturnAddr - 1
	}
	e.state = StateFaulted
	e.fault = &FaultReport{
		EngineID:         e.id.String(),
		Kind:             string(exc.Kind),
		Message:          exc.Message,
		Hint:             exc.Hint,
		Trace:            exc.Trace,
		InstructionCount: e.stats.InstructionCount,
	}
	e.log.Errorf("fault: %s\n%s", exc.Error(), exc.TraceString())
	return false
}

// ---------------------------------------------------------------------------
// Stack and variable access
// ---------------------------------------------------------------------------

func (e *Engine) push(v value.Value) error {
	if len(e.stack) >= e.cfg.MaxStackDepth {
		return e.raise(RuntimeError, "stack overflow: depth limit %d exceeded", e.cfg.MaxStackDepth)
	}
	e.stack = append(e.stack, v)
	if len(e.stack) > e.stats.StackDepthPeak {
		e.stats.StackDepthPeak = len(e.stack)
	}
	return nil
}

func (e *Engine) pop() (value.Value, error) {
	if len(e.stack) == 0 {
		return value.None, e.raise(RuntimeError, "stack underflow")
	}
	v := e.stack[len(e.stack)-1]
	e.stack = e.stack[:len(e.stack)-1]
	return v, nil
}

// loadVar resolves a variable in the current frame, falling back to
// top-level scope.
func (e *Engine) loadVar(name string) (value.Value, error) {
	top := e.frames[len(e.frames)-1]
	if v, ok := top.Locals[name]; ok {
		return v, nil
	}
	if len(e.frames) > 1 {
		if v, ok := e.frames[0].Locals[name]; ok {
			return v, nil
		}
	}
	return value.None, e.raise(RuntimeError, "undefined variable %q", name)
}

// ---------------------------------------------------------------------------
// Dispatch table
// ---------------------------------------------------------------------------

// opHandler executes one instruction. Handlers that transfer control set
// e.ip and e.jumped; the loop advances the pointer otherwise.
type opHandler func(e *Engine, in bytecode.Instruction) error

// dispatch is indexed directly by opcode. Verification guarantees every
// executed opcode has an entry.
var dispatch [bytecode.OpcodeCount]opHandler

func init() {
	dispatch = [bytecode.OpcodeCount]opHandler{
		bytecode.OpNop:  func(*Engine, bytecode.Instruction) error { return nil },
		bytecode.OpHalt: func(*Engine, bytecode.Instruction) error { return errHalt },
		bytecode.OpPop: func(e *Engine, _ bytecode.Instruction) error {
			_, err := e.pop()
			return err
		},
		bytecode.OpDup: func(e *Engine, _ bytecode.Instruction) error {
			if len(e.stack) == 0 {
				return e.raise(RuntimeError, "stack underflow")
			}
			return e.push(e.stack[len(e.stack)-1])
		},

		bytecode.OpLoadConst: func(e *Engine, in bytecode.Instruction) error {
			v, _ := e.prog.Constants.At(int(in.Operand.Int()))
			return e.push(v)
		},
		bytecode.OpLoadVar: func(e *Engine, in bytecode.Instruction) error {
			v, err := e.loadVar(e.prog.VarNames[in.Operand.Int()])
			if err != nil {
				return err
			}
			return e.push(v)
		},
		bytecode.OpStoreVar: func(e *Engine, in bytecode.Instruction) error {
			v, err := e.pop()
			if err != nil {
				return err
			}
			e.frames[len(e.frames)-1].Locals[e.prog.VarNames[in.Operand.Int()]] = v
			return nil
		},

		bytecode.OpAdd: arithmetic(value.Add),
		bytecode.OpSub: arithmetic(value.Sub),
		bytecode.OpMul: arithmetic(value.Mul),
		bytecode.OpDiv: arithmetic(value.Div),
		bytecode.OpMod: arithmetic(value.Mod),

		bytecode.OpEq: equality(false),
		bytecode.OpNe: equality(true),
		bytecode.OpLt: ordered(func(c int) bool { return c < 0 }),
		bytecode.OpLe: ordered(func(c int) bool { return c <= 0 }),
		bytecode.OpGt: ordered(func(c int) bool { return c > 0 }),
		bytecode.OpGe: ordered(func(c int) bool { return c >= 0 }),

		bytecode.OpJump: func(e *Engine, in bytecode.Instruction) error {
			e.ip = int(in.Operand.Int())
			e.jumped = true
			return nil
		},
		bytecode.OpJumpIfFalse: conditionalJump(false),
		bytecode.OpJumpIfTrue:  conditionalJump(true),

		bytecode.OpCall:   execCall,
		bytecode.OpReturn: execReturn,

		bytecode.OpBuildList: func(e *Engine, in bytecode.Instruction) error {
			n := int(in.Operand.Int())
			elems, err := e.popN(n)
			if err != nil {
				return err
			}
			return e.push(value.List(elems...))
		},
		bytecode.OpBuildMap: func(e *Engine, in bytecode.Instruction) error {
			n := int(in.Operand.Int())
			tab := make(map[string]value.Value, n)
			// Pairs were pushed key-then-value, so they pop in reverse.
			for i := 0; i < n; i++ {
				v, err := e.pop()
				if err != nil {
					return err
				}
				k, err := e.pop()
				if err != nil {
					return err
				}
				if k.Kind() != value.KindString {
					return e.raise(TypeError, "map key must be a string, got %s", k.Kind())
				}
				tab[k.AsString()] = v
			}
			return e.push(value.Map(tab))
		},

		bytecode.OpImportModule: func(e *Engine, in bytecode.Instruction) error {
			name := in.Operand.Str()
			if e.cfg.Host == nil {
				return e.raise(ModuleError, "cannot import %q: no module host configured", name)
			}
			if err := e.cfg.Host.Import(name); err != nil {
				if errors.Is(err, ErrHostFailure) {
					return err
				}
				return e.raise(ModuleError, "importing %q: %v", name, err)
			}
			return nil
		},

		bytecode.OpThinkingBlock: func(e *Engine, in bytecode.Instruction) error {
			blk := e.prog.Blocks[in.Operand.Int()]
			if e.cfg.Trace {
				e.log.Debugf("thinking: %s (load %.2f)", blk.Description, blk.LoadLevel)
			}
			if e.cfg.PauseEnabled && blk.LoadLevel > e.cfg.PauseThreshold {
				time.Sleep(e.cfg.PauseDelay)
			}
			return nil
		},

		bytecode.OpPrint: func(e *Engine, _ bytecode.Instruction) error {
			v, err := e.pop()
			if err != nil {
				return err
			}
			fmt.Fprintln(e.cfg.Output, v.String())
			return nil
		},
	}
}

// popN pops n values, restoring push order.
func (e *Engine) popN(n int) ([]value.Value, error) {
	if n < 0 || n > len(e.stack) {
		return nil, e.raise(RuntimeError, "stack underflow: need %d values, have %d", n, len(e.stack))
	}
	vals := make([]value.Value, n)
	copy(vals, e.stack[len(e.stack)-n:])
	e.stack = e.stack[:len(e.stack)-n]
	return vals, nil
}

// arithmetic wraps a binary helper from pkg/value, translating its errors
// into raisable exceptions. The left operand was pushed first.
func arithmetic(fn func(a, b value.Value) (value.Value, error)) opHandler {
	return func(e *Engine, _ bytecode.Instruction) error {
		b, err := e.pop()
		if err != nil {
			return err
		}
		a, err := e.pop()
		if err != nil {
			return err
		}
		r, err := fn(a, b)
		if err != nil {
			switch {
			case errors.Is(err, value.ErrDivisionByZero):
				return e.raise(DivisionByZero, "%v", err)
			default:
				return e.raise(TypeError, "%v", err)
			}
		}
		return e.push(r)
	}
}

func equality(negate bool) opHandler {
	return func(e *Engine, _ bytecode.Instruction) error {
		b, err := e.pop()
		if err != nil {
			return err
		}
		a, err := e.pop()
		if err != nil {
			return err
		}
		return e.push(value.Bool(value.Equal(a, b) != negate))
	}
}

func ordered(accept func(int) bool) opHandler {
	return func(e *Engine, _ bytecode.Instruction) error {
		b, err := e.pop()
		if err != nil {
			return err
		}
		a, err := e.pop()
		if err != nil {
			return err
		}
		c, err := value.Compare(a, b)
		if err != nil {
			return e.raise(TypeError, "%v", err)
		}
		return e.push(value.Bool(accept(c)))
	}
}

func conditionalJump(when bool) opHandler {
	return func(e *Engine, in bytecode.Instruction) error {
		v, err := e.pop()
		if err != nil {
			return err
		}
		if v.IsTruthy() == when {
			e.ip = int(in.Operand.Int())
			e.jumped = true
		}
		return nil
	}
}

func execCall(e *Engine, in bytecode.Instruction) error {
	f := e.prog.Functions[in.Operand.Int()]
	args, err := e.popN(f.ParamCount)
	if err != nil {
		return err
	}

	switch f.Kind {
	case bytecode.FuncNative:
		if e.cfg.Host == nil {
			return e.raise(ModuleError, "cannot call %s.%s: no module host configured", f.Module, f.Name)
		}
		r, err := e.cfg.Host.Invoke(f.Module, f.Name, args)
		if err != nil {
			var exc *ExceptionObject
			if errors.As(err, &exc) {
				return exc
			}
			if errors.Is(err, ErrHostFailure) {
				return err
			}
			return e.raise(ValueError, "%s.%s: %v", f.Module, f.Name, err)
		}
		return e.push(r)

	default:
		if len(e.frames) >= e.cfg.MaxFrameDepth {
			return e.raise(RuntimeError, "call depth limit %d exceeded", e.cfg.MaxFrameDepth)
		}
		locals := make(map[string]value.Value, len(f.Params))
		for i, p := range f.Params {
			locals[p] = args[i]
		}
		e.frames = append(e.frames, &Frame{
			ReturnAddr: e.ip + 1,
			Locals:     locals,
			Owner:      f.Name,
		})
		e.ip = f.Entry
		e.jumped = true
		return nil
	}
}

func execReturn(e *Engine, _ bytecode.Instruction) error {
	result, err := e.pop()
	if err != nil {
		return err
	}
	if len(e.frames) <= 1 {
		return e.raise(RuntimeError, "RETURN outside a function")
	}
	top := e.frames[len(e.frames)-1]
	e.frames = e.frames[:len(e.frames)-1]
	e.ip = top.ReturnAddr
	e.jumped = true
	return e.push(result)
}
