// Copyright 2022 The ChromiumOS Authors.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package tracererr defines the error kinds raised by the tracer core.
//
// Propagation policy: TraceeDied is caught locally and converted into a DEAD
// transition. Everything else unwinds out of Tracer.Step after the facade
// lock has been released.
package tracererr

import "fmt"

// TraceeDied indicates a tracee unexpectedly disappeared while a component
// was interacting with it (e.g. reading its registers). Callers should treat
// this the same as an ordinary exit notification and reap the tracee.
type TraceeDied struct {
	Pid int
}

func (e *TraceeDied) Error() string {
	return fmt.Sprintf("tracee %d died", e.Pid)
}

// BadTrace indicates the ptrace event stream was inconsistent for a single
// pid: an out-of-order event, an invariant violation, or interference from
// outside the tracer. Only a notification for a pid already DEAD drops that
// pid from the registry (internal/dispatcher.Dispatch); the other sources of
// a BadTrace leave the pid's record in place. Other tracees' records are not
// touched.
type BadTrace struct {
	Pid int
	Msg string
}

func (e *BadTrace) Error() string {
	return fmt.Sprintf("bad trace for pid %d: %s", e.Pid, e.Msg)
}

// NewBadTrace constructs a BadTrace with a formatted message.
func NewBadTrace(pid int, format string, args ...interface{}) *BadTrace {
	return &BadTrace{Pid: pid, Msg: fmt.Sprintf(format, args...)}
}

// SystemError wraps a syscall failure (an errno) that should propagate to
// the caller of a facade operation.
type SystemError struct {
	Op  string
	Err error
}

func (e *SystemError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *SystemError) Unwrap() error { return e.Err }

// RuntimeError indicates an invariant violation outside the ptrace stream
// itself, such as the target executable not being found at Start.
type RuntimeError struct {
	Msg string
	Err error
}

func (e *RuntimeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *RuntimeError) Unwrap() error { return e.Err }
