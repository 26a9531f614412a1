// Package bytecode defines the Calyx instruction set and compiled program
// form: the closed opcode catalog with per-opcode metadata, the Program
// container (instructions plus constant, variable, cognitive-block,
// handler, and function tables), the Generator builder the front-end drives
// to emit optimized instruction streams, the load-time verifier, and the
// versioned binary serialization of programs.
//
// The package deliberately knows nothing about execution; pkg/vm consumes
// programs built here.
package bytecode
