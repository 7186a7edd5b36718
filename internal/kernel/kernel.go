// Copyright 2022 The ChromiumOS Authors.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package kernel is the thin wrapper (component C1) over the kernel's
// ptrace/wait/signal primitives. It never takes any lock and never touches
// the tracee registry; it only translates between Go calls and raw
// syscalls, classifying failures the way spec.md §4.1 requires.
package kernel

import "fmt"

// Options is the bitmask of ptrace event options requested at seize time
// (PTRACE_O_TRACEFORK, PTRACE_O_TRACEEXEC, and so on -- see options_linux.go).
type Options uint32

// WaitResult is the dispatcher-facing view of a single wait4 notification,
// already decoded from the raw wait status so that internal/dispatcher never
// has to know about unix.WaitStatus bit layout.
type WaitResult struct {
	Pid int

	Exited     bool
	ExitStatus int

	Signaled   bool
	TermSignal int

	Stopped    bool
	StopSignal int

	// TrapCause is the PTRACE_EVENT_* code carried by a SIGTRAP stop, or 0
	// if the stop is an ordinary signal-delivery-stop or group-stop.
	TrapCause int

	// SyscallStop is true when StopSignal is SIGTRAP|0x80, i.e. a
	// syscall-entry-stop or syscall-exit-stop delivered because
	// PTRACE_O_TRACESYSGOOD was requested.
	SyscallStop bool
}

// FailureKind classifies why a kernel call failed.
type FailureKind int

const (
	// Fatal means the error should propagate out of Tracer.Step.
	Fatal FailureKind = iota
	// TraceeDied means the target pid disappeared during the call; the
	// caller should treat this like an ordinary exit notification.
	TraceeDied
	// Ephemeral means the call can be retried (EINTR or EAGAIN).
	Ephemeral
)

// Failure wraps a kernel call error with its classification.
type Failure struct {
	Op   string
	Kind FailureKind
	Err  error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %v", f.Op, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Adapter is the seam the rest of the tracer core depends on, so that
// internal/dispatcher and internal/tracer can be tested without a real
// kernel. The Linux implementation lives in kernel_linux_amd64.go.
type Adapter interface {
	// AttachSeize attaches to pid (already stopped by SIGSTOP) with the
	// given trace options, without disturbing its current state.
	AttachSeize(pid int, opts Options) error

	// Cont resumes pid, optionally injecting sig, until its next stop.
	Cont(pid, sig int) error
	// ContSyscall resumes pid until its next syscall-entry or
	// syscall-exit stop.
	ContSyscall(pid, sig int) error
	// SingleStep resumes pid for a single instruction.
	SingleStep(pid, sig int) error
	// Listen acknowledges a group-stop without resuming execution
	// (PTRACE_LISTEN).
	Listen(pid int) error

	// GetRegs reads pid's register file.
	GetRegs(pid int) (*Regs, error)
	// SetRegs writes pid's register file.
	SetRegs(pid int, regs *Regs) error

	// ReadCString reads a NUL-terminated string from pid's address space.
	ReadCString(pid int, addr uintptr) (string, error)
	// ReadArgv reads a NULL-terminated array of C strings (as passed to
	// execve) from pid's address space.
	ReadArgv(pid int, addr uintptr) ([]string, error)
	// WriteInt32 writes a 4-byte value into pid's address space, used by
	// blocking calls that must report a status word to their caller.
	WriteInt32(pid int, addr uintptr, val int32) error

	// GetEventMsg reads the auxiliary event message set by the kernel on
	// the most recent PTRACE_EVENT_* stop -- the new child's pid for a
	// fork/clone/vfork event, the exit status for a PTRACE_EVENT_EXIT
	// stop.
	GetEventMsg(pid int) (uint64, error)

	// Detach stops tracing pid, letting it run freely.
	Detach(pid int) error
	// Kill sends SIGKILL to pid.
	Kill(pid int) error

	// Wait blocks until any traced process changes state and returns the
	// decoded notification. It must be interruptible by Interrupt.
	Wait() (WaitResult, error)
	// Interrupt causes a blocked Wait call to return ErrInterrupted. Safe
	// to call from any thread.
	Interrupt()
}
