// Copyright 2022 The ChromiumOS Authors.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package kernel

import "golang.org/x/sys/unix"

// Standard event options requested when a leader is seized. EXITKILL
// ensures a killed tracer takes its whole fleet down with it (spec.md §5:
// "on drop of the tracer, nuke runs" -- EXITKILL is the kernel's own
// enforcement of that same guarantee if the tracer process itself dies).
const (
	OptExitKill    Options = unix.PTRACE_O_EXITKILL
	OptTraceSysGood Options = unix.PTRACE_O_TRACESYSGOOD
	OptTraceExec   Options = unix.PTRACE_O_TRACEEXEC
	OptTraceClone  Options = unix.PTRACE_O_TRACECLONE
	OptTraceFork   Options = unix.PTRACE_O_TRACEFORK
	OptTraceVfork  Options = unix.PTRACE_O_TRACEVFORK
	OptTraceExit   Options = unix.PTRACE_O_TRACEEXIT

	// DefaultOptions is what internal/launcher requests for every leader:
	// enough event coverage to disambiguate every stop kind spec.md §4.4
	// needs to classify.
	DefaultOptions = OptExitKill | OptTraceSysGood | OptTraceExec |
		OptTraceClone | OptTraceFork | OptTraceVfork | OptTraceExit
)
