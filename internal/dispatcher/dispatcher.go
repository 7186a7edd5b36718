// Copyright 2022 The ChromiumOS Authors.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package dispatcher is the event dispatcher (component C4): the heart of
// the core, per spec.md §4.4. It turns a single decoded kernel notification
// into registry mutations, Process callbacks, and resume decisions.
package dispatcher

import (
	"golang.org/x/sys/unix"

	"github.com/hharvey/forktrace/internal/blocking"
	"github.com/hharvey/forktrace/internal/kernel"
	"github.com/hharvey/forktrace/internal/process"
	"github.com/hharvey/forktrace/internal/registry"
	"github.com/hharvey/forktrace/internal/syscallfilter"
	"github.com/hharvey/forktrace/internal/tracererr"
)

// Context is the capability internal/tracer's facade grants the dispatcher:
// registry.Context plus the mutations only the facade is allowed to make
// (adding tracees and leaders), plus the process-tree factory used to
// allocate a node for a freshly discovered child.
type Context interface {
	registry.Context
	Add(pid int, p process.Process) (*registry.Tracee, error)
	AddLeader(pid int) *registry.Leader
	FindLeader(pid int) *registry.Leader
	RemoveLeader(pid int)
	ProcessFactory() process.Factory
}

// Dispatcher owns the pending-child stash and the syscall filter; it holds
// no lock of its own, since every call into it happens with the facade's
// lock already held by internal/tracer.Tracer.Step.
type Dispatcher struct {
	filter  *syscallfilter.Set
	pending map[int][]kernel.WaitResult
	entry   map[int]*kernel.Regs
}

// New returns a Dispatcher instrumenting the syscalls named in filter.
func New(filter *syscallfilter.Set) *Dispatcher {
	if filter == nil {
		filter = syscallfilter.Default
	}
	return &Dispatcher{
		filter:  filter,
		pending: make(map[int][]kernel.WaitResult),
		entry:   make(map[int]*kernel.Regs),
	}
}

// Dispatch classifies and handles a single kernel notification, per
// spec.md §4.4 steps 1-3.
func (d *Dispatcher) Dispatch(ctx Context, wr kernel.WaitResult) error {
	t := ctx.Find(wr.Pid)
	if t == nil {
		// A newly-forked child whose parent's fork event has not yet been
		// processed. The kernel guarantees the parent's fork event will
		// arrive; stash and re-deliver once handleForkEvent registers it.
		d.pending[wr.Pid] = append(d.pending[wr.Pid], wr)
		return nil
	}
	if t.State == registry.Dead {
		// A dead tracee produces no further stops; a notification for one
		// means our bookkeeping and the kernel's have diverged.
		ctx.Remove(t.Pid)
		return tracererr.NewBadTrace(wr.Pid, "notification for pid already marked DEAD")
	}

	switch {
	case wr.Exited || wr.Signaled:
		return d.handleExit(ctx, t, wr)
	case wr.Stopped && wr.SyscallStop:
		return d.handleSyscallStop(ctx, t)
	case wr.Stopped && wr.TrapCause != 0:
		return d.handleEventStop(ctx, t, wr)
	case wr.Stopped:
		return d.handleSignalStop(ctx, t, wr)
	default:
		return tracererr.NewBadTrace(wr.Pid, "wait4 notification is neither exit, signal, nor stop")
	}
}

// handleExit marks t DEAD, notifies its Process, and cascades to any
// blocking call that might now be able to observe it.
//
// A leader has no traced parent whose wait4 emulation could ever match it,
// since its real parent is outside the trace entirely, and the reaper never
// reports it either -- launcher.Start forks the leader as the tracer's own
// direct child, so it is never reparented to the subreaper. Nothing else
// will ever remove it, so handleExit removes it itself once cascade has had
// a chance to run. An ordinary child stays DEAD, still in the registry,
// until a parent's blocking wait4 reaps it via registry.Call.Finalise.
func (d *Dispatcher) handleExit(ctx Context, t *registry.Tracee, wr kernel.WaitResult) error {
	t.State = registry.Dead
	delete(d.entry, t.Pid)
	if wr.Signaled {
		t.Signaled = true
		t.TermSignal = wr.TermSignal
		if t.Process != nil {
			t.Process.OnKilled(wr.TermSignal)
		}
	} else {
		t.ExitStatus = wr.ExitStatus
		if t.Process != nil {
			t.Process.OnExit(wr.ExitStatus)
		}
	}

	isLeader := ctx.FindLeader(t.Pid) != nil
	if isLeader {
		ctx.RemoveLeader(t.Pid)
	}

	if err := d.cascade(ctx); err != nil {
		return err
	}
	if isLeader {
		ctx.Remove(t.Pid)
	}
	return nil
}

// handleSignalStop records the pending signal and parks the tracee
// STOPPED; internal/tracer.Tracer.Step resumes it (injecting the signal)
// the next time it resumes every STOPPED tracee.
func (d *Dispatcher) handleSignalStop(ctx Context, t *registry.Tracee, wr kernel.WaitResult) error {
	t.State = registry.Stopped
	t.PendingSignal = wr.StopSignal
	if wr.StopSignal != int(unix.SIGSTOP) && wr.StopSignal != int(unix.SIGTRAP) && t.Process != nil {
		t.Process.OnSignal(wr.StopSignal)
	}
	return nil
}

// handleSyscallStop distinguishes syscall-entry from syscall-exit using
// the SyscallNone sentinel: a tracee with no in-flight syscall is at
// entry; one already carrying a syscall number is at exit.
func (d *Dispatcher) handleSyscallStop(ctx Context, t *registry.Tracee) error {
	regs, err := ctx.Kernel().GetRegs(t.Pid)
	if err != nil {
		return d.dieOrPropagate(ctx, t, err)
	}

	if t.Syscall == registry.SyscallNone {
		nr := kernel.SyscallNo(regs)
		t.Syscall = nr
		name := kernel.SyscallName(nr)
		if name == "execve" || name == "execveat" {
			d.entry[t.Pid] = regs
		}
		if d.filter.Instruments(name) {
			return d.handleSyscallEntry(ctx, t, name, regs)
		}
		return d.resumeToSyscall(ctx, t)
	}

	nr := t.Syscall
	name := kernel.SyscallName(nr)
	t.State = registry.Stopped

	// The blocking-call path keeps t.Syscall set to nr for as long as call
	// stays parked, so a tracee with a non-nil BlockingCall always has a
	// non-sentinel Syscall matching it; finaliseBlockingCall clears it only
	// once Finalise actually resolves the call.
	if t.BlockingCall != nil {
		return d.finaliseBlockingCall(ctx, t)
	}

	t.Syscall = registry.SyscallNone
	if d.filter.Instruments(name) {
		return d.handleSyscallExit(ctx, t, name, regs)
	}
	return d.resume(ctx, t)
}

// handleSyscallEntry instantiates a blocking call for wait-family
// syscalls; every other instrumented syscall is resumed to its exit-stop
// untouched, since fork/exec are handled authoritatively at their
// PTRACE_EVENT_* stop instead (spec.md §4.4's ordering note).
func (d *Dispatcher) handleSyscallEntry(ctx Context, t *registry.Tracee, name string, regs *kernel.Regs) error {
	switch name {
	case "wait4", "waitid":
		call := &blocking.WaitCall{}
		alive, err := call.Prepare(ctx, t)
		if err != nil {
			return d.dieOrPropagate(ctx, t, err)
		}
		if !alive {
			return d.handleExit(ctx, t, kernel.WaitResult{Pid: t.Pid, Exited: true})
		}
		t.BlockingCall = call
	}
	return d.resumeToSyscall(ctx, t)
}

// handleSyscallExit runs the exit-side handler for an instrumented
// syscall that was not a blocking call.
func (d *Dispatcher) handleSyscallExit(ctx Context, t *registry.Tracee, name string, regs *kernel.Regs) error {
	switch name {
	case "fork", "vfork", "clone":
		if int64(kernel.SyscallReturn(regs)) < 0 {
			return d.handleFailedFork(ctx, t)
		}
	}
	return d.resume(ctx, t)
}

// handleFailedFork discards no speculative child record: none was
// created, because handleEventStop -- the authoritative path for new
// children -- never fired for a fork that returned an error.
func (d *Dispatcher) handleFailedFork(ctx Context, t *registry.Tracee) error {
	return d.resume(ctx, t)
}

// finaliseBlockingCall re-invokes the tracee's blocking call at
// syscall-exit (or on cascade), per spec.md §4.3/§4.4.
func (d *Dispatcher) finaliseBlockingCall(ctx Context, t *registry.Tracee) error {
	call := t.BlockingCall
	resolved, alive, err := call.Finalise(ctx, t)
	if err != nil {
		return err
	}
	if !alive {
		t.BlockingCall = nil
		t.Syscall = registry.SyscallNone
		return d.handleExit(ctx, t, kernel.WaitResult{Pid: t.Pid, Exited: true})
	}
	if !resolved {
		// Genuinely blocking with nothing to report: leave t STOPPED,
		// still owning call and its wait syscall number, until a future
		// cascade resolves it.
		t.State = registry.Stopped
		return nil
	}
	t.BlockingCall = nil
	t.Syscall = registry.SyscallNone
	return d.resume(ctx, t)
}

// Cascade re-attempts Finalise for every tracee parked on an unresolved
// blocking call. internal/orphan.Reconcile calls this after reaping an
// orphaned DEAD tracee, since that reap is itself an event a parent's
// wait4 might have been waiting to observe.
func (d *Dispatcher) Cascade(ctx Context) error {
	return d.cascade(ctx)
}

// cascade re-attempts Finalise for every tracee parked on an unresolved
// blocking call, since an exit just recorded may be exactly what one of
// them was waiting to observe.
func (d *Dispatcher) cascade(ctx Context) error {
	var firstErr error
	var toResume []*registry.Tracee
	var toReap []*registry.Tracee

	ctx.Iter(func(t *registry.Tracee) {
		if t.BlockingCall == nil || t.State != registry.Stopped {
			return
		}
		resolved, alive, err := t.BlockingCall.Finalise(ctx, t)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return
		}
		if !alive {
			t.BlockingCall = nil
			t.Syscall = registry.SyscallNone
			toReap = append(toReap, t)
			return
		}
		if resolved {
			t.BlockingCall = nil
			t.Syscall = registry.SyscallNone
			toResume = append(toResume, t)
		}
	})

	for _, t := range toReap {
		if err := d.handleExit(ctx, t, kernel.WaitResult{Pid: t.Pid, Exited: true}); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, t := range toResume {
		if err := d.resume(ctx, t); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// handleEventStop handles a PTRACE_EVENT_* stop (fork/clone/vfork/exec/
// exit), which spec.md §4.4 treats as authoritative for creating child
// records, arriving before the corresponding syscall-exit-stop.
func (d *Dispatcher) handleEventStop(ctx Context, t *registry.Tracee, wr kernel.WaitResult) error {
	switch wr.TrapCause {
	case unix.PTRACE_EVENT_FORK, unix.PTRACE_EVENT_VFORK, unix.PTRACE_EVENT_CLONE:
		return d.handleForkEvent(ctx, t)
	case unix.PTRACE_EVENT_EXEC:
		return d.handleExecEvent(ctx, t)
	case unix.PTRACE_EVENT_EXIT:
		// The real exit notification (Exited/Signaled) still follows;
		// nothing to do here but let the tracee continue toward it.
		return d.resume(ctx, t)
	default:
		return tracererr.NewBadTrace(t.Pid, "unrecognised ptrace event stop (cause %d)", wr.TrapCause)
	}
}

// handleForkEvent reads the new child's pid, allocates its Process node,
// registers it in the registry as STOPPED, and replays any notification
// for it that arrived and was stashed before this event did.
func (d *Dispatcher) handleForkEvent(ctx Context, t *registry.Tracee) error {
	msg, err := ctx.Kernel().GetEventMsg(t.Pid)
	if err != nil {
		return d.dieOrPropagate(ctx, t, err)
	}
	childPid := int(msg)

	var childProcess process.Process
	if t.Process != nil {
		childProcess = ctx.ProcessFactory().NewProcess(childPid, t.Process)
		t.Process.OnFork(childProcess)
	} else {
		childProcess = ctx.ProcessFactory().NewProcess(childPid, nil)
	}

	if _, err := ctx.Add(childPid, childProcess); err != nil && err != registry.ErrAlreadyPresent {
		return tracererr.NewBadTrace(childPid, "could not register forked child: %v", err)
	}

	if err := d.resume(ctx, t); err != nil {
		return err
	}

	if pend, ok := d.pending[childPid]; ok {
		delete(d.pending, childPid)
		for _, pwr := range pend {
			if err := d.Dispatch(ctx, pwr); err != nil {
				return err
			}
		}
	}
	return nil
}

// handleExecEvent decodes argv from the syscall-entry snapshot taken when
// the execve/execveat entry-stop fired, notifies Process, and flips a
// leader's execed flag.
func (d *Dispatcher) handleExecEvent(ctx Context, t *registry.Tracee) error {
	entryRegs := d.entry[t.Pid]
	delete(d.entry, t.Pid)

	var argv []string
	if entryRegs != nil {
		addr := kernel.SyscallArg(entryRegs, 1)
		argv, _ = ctx.Kernel().ReadArgv(t.Pid, addr)
	}

	if t.Process != nil {
		t.Process.OnExec(argv)
		if len(argv) > 0 {
			t.Process.OnNewLocation(0, argv[0], "")
		}
	}

	if leader := ctx.FindLeader(t.Pid); leader != nil {
		leader.Execed = true
	}

	return d.resume(ctx, t)
}

// resume clears pending_signal and continues t via PTRACE_SYSCALL, so the
// next stop reported for it is always decodable as another syscall stop,
// an event stop, or an exit.
func (d *Dispatcher) resume(ctx Context, t *registry.Tracee) error {
	return d.resumeToSyscall(ctx, t)
}

func (d *Dispatcher) resumeToSyscall(ctx Context, t *registry.Tracee) error {
	sig := t.PendingSignal
	t.PendingSignal = 0
	t.State = registry.Running
	if err := ctx.Kernel().ContSyscall(t.Pid, sig); err != nil {
		return d.dieOrPropagate(ctx, t, err)
	}
	return nil
}

// dieOrPropagate treats a TraceeDied kernel failure as an ordinary exit
// (spec.md §4.4's "death inside a blocking call" edge case, generalised to
// every kernel call), and propagates anything else.
func (d *Dispatcher) dieOrPropagate(ctx Context, t *registry.Tracee, err error) error {
	if f, ok := err.(*kernel.Failure); ok && f.Kind == kernel.TraceeDied {
		return d.handleExit(ctx, t, kernel.WaitResult{Pid: t.Pid, Exited: true})
	}
	return &tracererr.SystemError{Op: "dispatch", Err: err}
}
