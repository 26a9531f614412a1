// Package vm executes verified bytecode programs. The Engine is a
// single-threaded stack machine with table dispatch; an exception subsystem
// routes raised conditions through the program's handler regions, unwinding
// call frames until a handler matches or the engine terminates Faulted with
// a structured FaultReport.
//
// Engines share nothing. Run independent engines on separate goroutines; an
// optional ModuleHost collaborator may be shared when its implementation is
// safe for concurrent use.
package vm
