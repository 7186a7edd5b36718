// Copyright 2022 The ChromiumOS Authors.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package blocking implements the blocking-call machinery (component C3):
// polymorphic handles for syscalls whose completion straddles other
// tracees' events. The only variant spec.md §4.3 requires is the
// wait-family; more variants plug in by implementing registry.Call.
package blocking

import (
	"golang.org/x/sys/unix"

	"github.com/hharvey/forktrace/internal/kernel"
	"github.com/hharvey/forktrace/internal/process"
	"github.com/hharvey/forktrace/internal/registry"
)

// Wait4 syscall argument flags, decoded from the tracee's registers at
// entry-stop the way spec.md §4.4 describes ("decode syscall number and up
// to six arguments").
const (
	WNOHANG    = unix.WNOHANG
	WUNTRACED  = unix.WUNTRACED
	WCONTINUED = unix.WCONTINUED
)

// WaitCall virtualises wait4(2)/waitid(2): the tracer -- not the kernel --
// decides what child the call observes, because the tracer itself is the
// one that receives every child's stop/exit notifications over ptrace. A
// literal, unmediated wait4(2) executed by the tracee would race the
// tracer's own reaping of the same children.
type WaitCall struct {
	CallerPid int

	// TargetPid mirrors wait4(2)'s pid argument: -1 (or 0, treated as -1
	// here since we do not model process groups) matches any child; a
	// positive value matches only that child.
	TargetPid int
	Flags     int

	// wstatusAddr is the caller's original wstatus pointer, snapshotted
	// in Prepare before the real syscall's arguments are rewritten.
	wstatusAddr uintptr
	prepared    bool
}

// Prepare snapshots the caller's wait4 arguments and force-rewrites the
// options argument to include WNOHANG, so the real syscall the tracee
// executes returns immediately no matter what the caller originally asked
// for; the tracer computes the true result out of band in Finalise.
func (w *WaitCall) Prepare(ctx registry.Context, t *registry.Tracee) (bool, error) {
	regs, err := ctx.Kernel().GetRegs(t.Pid)
	if err != nil {
		if isTraceeDied(err) {
			return false, nil
		}
		return false, err
	}

	w.CallerPid = t.Pid
	w.TargetPid = int(int32(kernel.SyscallArg(regs, 0)))
	w.wstatusAddr = kernel.SyscallArg(regs, 1)
	w.Flags = int(int32(kernel.SyscallArg(regs, 2)))
	w.prepared = true

	forcedOpts := int32(kernel.SyscallArg(regs, 2)) | WNOHANG
	setSyscallArg(regs, 2, uintptr(uint32(forcedOpts)))
	if err := ctx.Kernel().SetRegs(t.Pid, regs); err != nil {
		if isTraceeDied(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Finalise consults the registry for a child of the caller matching
// TargetPid that is either DEAD or stopped in a way the caller asked to
// observe (WUNTRACED/WCONTINUED), ties broken by ascending pid. On a
// match it removes a DEAD match from the registry and writes the result
// into the caller's registers/memory. On no match, it resolves
// immediately with 0 if WNOHANG was requested, and otherwise reports
// unresolved so the dispatcher leaves the call attached for a later
// cascade.
func (w *WaitCall) Finalise(ctx registry.Context, t *registry.Tracee) (resolved, alive bool, err error) {
	match, matchedDead := w.findMatch(ctx, t.Pid)
	if match == nil {
		if w.Flags&WNOHANG != 0 {
			if err := w.complete(ctx, t, 0, 0); err != nil {
				if isTraceeDied(err) {
					return true, false, nil
				}
				return true, true, err
			}
			return true, true, nil
		}
		// A genuinely blocking wait with nothing to report yet: stay
		// attached to t.BlockingCall and let the dispatcher re-invoke
		// Finalise once another tracee's state changes.
		return false, true, nil
	}

	status := encodeStatus(match)
	if matchedDead {
		ctx.Remove(match.Pid)
	}
	if err := w.complete(ctx, t, match.Pid, status); err != nil {
		if isTraceeDied(err) {
			return true, false, nil
		}
		return true, true, err
	}
	return true, true, nil
}

// findMatch returns the best (lowest-pid) child of callerPid this call
// should observe, and whether that child is DEAD (as opposed to merely
// stopped in a way WUNTRACED/WCONTINUED asked to see).
func (w *WaitCall) findMatch(ctx registry.Context, callerPid int) (*registry.Tracee, bool) {
	var best *registry.Tracee
	var bestDead bool

	ctx.Iter(func(cand *registry.Tracee) {
		if !w.isChildOfCaller(ctx, cand, callerPid) {
			return
		}
		if w.TargetPid > 0 && cand.Pid != w.TargetPid {
			return
		}

		dead := cand.State == registry.Dead
		interestingStop := cand.State == registry.Stopped &&
			((w.Flags&WUNTRACED != 0 && cand.PendingSignal != 0) ||
				(w.Flags&WCONTINUED != 0 && cand.PendingSignal == int(unix.SIGCONT)))

		if !dead && !interestingStop {
			return
		}
		if best == nil || cand.Pid < best.Pid {
			best = cand
			bestDead = dead
		}
	})

	return best, bestDead
}

// isChildOfCaller reports whether cand's Process node is a child of
// callerPid's Process node, so a caller only ever observes its own
// descendants, matching real wait4(2) semantics.
func (w *WaitCall) isChildOfCaller(ctx registry.Context, cand *registry.Tracee, callerPid int) bool {
	caller := ctx.Find(callerPid)
	if caller == nil || cand.Process == nil || caller.Process == nil {
		return false
	}
	return processIsChildOf(cand.Process, caller.Process)
}

func (w *WaitCall) complete(ctx registry.Context, t *registry.Tracee, resultPid int, status int32) error {
	if w.wstatusAddr != 0 {
		if err := ctx.Kernel().WriteInt32(t.Pid, w.wstatusAddr, status); err != nil {
			return err
		}
	}
	regs, err := ctx.Kernel().GetRegs(t.Pid)
	if err != nil {
		return err
	}
	kernel.SetSyscallReturn(regs, int64(resultPid))
	return ctx.Kernel().SetRegs(t.Pid, regs)
}

// encodeStatus builds a wait4(2)-compatible status word for a DEAD or
// stopped tracee.
func encodeStatus(t *registry.Tracee) int32 {
	// Bit layout matches glibc's WIF*/W* macros over the raw status word.
	switch t.State {
	case registry.Dead:
		if t.Signaled {
			return int32(t.TermSignal & 0x7f)
		}
		return int32((t.ExitStatus & 0xff) << 8)
	default:
		// Stopped: WIFSTOPPED true, signal in bits 8-15, low byte 0x7f.
		return int32((t.PendingSignal&0xff)<<8 | 0x7f)
	}
}

// processIsChildOf reports whether child's Process node is a direct child
// of parent's, per the default process.Tree implementation. Embedders
// supplying their own process.Process are expected to be their own
// direct parent/child rather than routing through wait4 emulation across
// a foreign tree shape, so this only needs to understand process.Tree.
func processIsChildOf(child, parent process.Process) bool {
	c, ok := child.(*process.Tree)
	if !ok {
		return false
	}
	p, ok := parent.(*process.Tree)
	if !ok {
		return false
	}
	return c.Parent == p
}

func setSyscallArg(r *kernel.Regs, i int, val uintptr) {
	switch i {
	case 0:
		r.Rdi = uint64(val)
	case 1:
		r.Rsi = uint64(val)
	case 2:
		r.Rdx = uint64(val)
	case 3:
		r.R10 = uint64(val)
	case 4:
		r.R8 = uint64(val)
	case 5:
		r.R9 = uint64(val)
	}
}

func isTraceeDied(err error) bool {
	if f, ok := err.(*kernel.Failure); ok {
		return f.Kind == kernel.TraceeDied
	}
	return false
}

var _ registry.Call = (*WaitCall)(nil)
