// Package vm implements the Ellie bytecode virtual machine.
//
// This package contains:
//   - Width-aware fixed and variable value encoding
//   - Stack memory, heap memory, frames and registers
//   - The closed instruction set and its addressing modes
//   - The thread execution loop and the thread pool
//   - The native function bridge, memory dumps and the disassembler
//
// A Program is a flat array of (opcode, addressing) pairs. Threads execute
// it against one shared stack arena and one shared heap arena; a fault in
// one thread terminates that thread only and is reported as a *ThreadPanic
// in its ThreadExit.
package vm
