// Package proc is a low-level package that describes the process we are
// debugging, independently of the mechanism used to control it.
//
// proc defines:
// * the status a traced process reports after every resume
// * the register and memory capabilities a backend must expose
// * the frame pointer stack walk built on top of those capabilities
//
// The ptrace based backend lives in proc/native.
package proc
