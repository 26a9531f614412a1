package vm

import (
	"fmt"
	"strings"

	"github.com/calyx-lang/calyx/pkg/value"
)

// ExceptionKind names a raisable condition. Kinds are compared by name so
// handler regions can match them without importing this package.
type ExceptionKind string

const (
	RuntimeError   ExceptionKind = "RuntimeError"
	TypeError      ExceptionKind = "TypeError"
	ValueError     ExceptionKind = "ValueError"
	IndexError     ExceptionKind = "IndexError"
	KeyError       ExceptionKind = "KeyError"
	DivisionByZero ExceptionKind = "DivisionByZero"
	ModuleError    ExceptionKind = "ModuleError"
)

// FrameDescriptor is one entry of an exception's stack trace snapshot.
type FrameDescriptor struct {
	Owner string `cbor:"owner"` // function or module that owns the frame
	Addr  int    `cbor:"addr"`  // instruction index at the time of the raise
	Line  int    `cbor:"line"`  // source line of that instruction
}

func (d FrameDescriptor) String() string {
	return fmt.Sprintf("%s at %04d (line %d)", d.Owner, d.Addr, d.Line)
}

// ExceptionObject is a raised condition in flight. It is owned by the
// engine from raise until it is either caught (and pushed onto the operand
// stack as a Map value) or the program terminates Faulted.
type ExceptionObject struct {
	Kind    ExceptionKind
	Message string
	Trace   []FrameDescriptor
	Hint    string
}

func (x *ExceptionObject) Error() string {
	return fmt.Sprintf("%s: %s", x.Kind, x.Message)
}

// AsValue converts the exception to the Map value a handler receives. The
// value model is closed, so caught exceptions travel as plain maps.
func (x *ExceptionObject) AsValue() value.Value {
	return value.Map(map[string]value.Value{
		"kind":    value.Str(string(x.Kind)),
		"message": value.Str(x.Message),
		"hint":    value.Str(x.Hint),
	})
}

// TraceString renders the frame chain innermost-first, one frame per line.
func (x *ExceptionObject) TraceString() string {
	lines := make([]string, len(x.Trace))
	for i, d := range x.Trace {
		lines[i] = "  " + d.String()
	}
	return strings.Join(lines, "\n")
}

// hintFor produces the plain-language accessibility hint attached to every
// exception of the given kind.
func hintFor(kind ExceptionKind) string {
	switch kind {
	case DivisionByZero:
		return "A number was divided by zero. Check the divisor before dividing."
	case TypeError:
		return "An operation received a value of the wrong type."
	case ValueError:
		return "An operation received a value it cannot accept."
	case IndexError:
		return "A list was accessed outside its bounds."
	case KeyError:
		return "A map was accessed with a key it does not contain."
	case ModuleError:
		return "A module could not be imported. Check its name and dependencies."
	default:
		return "The program reached a state it could not continue from."
	}
}
