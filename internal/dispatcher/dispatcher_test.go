// Copyright 2022 The ChromiumOS Authors.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package dispatcher_test

import (
	"errors"
	"testing"

	"github.com/golang/mock/gomock"
	"golang.org/x/sys/unix"

	"github.com/hharvey/forktrace/internal/dispatcher"
	"github.com/hharvey/forktrace/internal/kernel"
	"github.com/hharvey/forktrace/internal/kernel/kernelmock"
	"github.com/hharvey/forktrace/internal/process"
	"github.com/hharvey/forktrace/internal/registry"
	"github.com/hharvey/forktrace/internal/syscallfilter"
	"github.com/hharvey/forktrace/internal/tracererr"
)

// fakeContext is a minimal dispatcher.Context backed by a real
// registry.Registry and a MockAdapter, matching the pattern
// internal/blocking's tests use for registry.Context.
type fakeContext struct {
	reg     *registry.Registry
	k       kernel.Adapter
	factory process.Factory
}

func newFakeContext(k kernel.Adapter) *fakeContext {
	return &fakeContext{reg: registry.New(), k: k, factory: process.TreeFactory{}}
}

func (f *fakeContext) Find(pid int) *registry.Tracee  { return f.reg.Find(pid) }
func (f *fakeContext) Remove(pid int)                 { f.reg.Remove(pid) }
func (f *fakeContext) Iter(fn func(*registry.Tracee)) { f.reg.Iter(fn) }
func (f *fakeContext) Kernel() kernel.Adapter         { return f.k }
func (f *fakeContext) Add(pid int, p process.Process) (*registry.Tracee, error) {
	return f.reg.Add(pid, p)
}
func (f *fakeContext) AddLeader(pid int) *registry.Leader   { return f.reg.AddLeader(pid) }
func (f *fakeContext) FindLeader(pid int) *registry.Leader  { return f.reg.FindLeader(pid) }
func (f *fakeContext) RemoveLeader(pid int)                 { f.reg.RemoveLeader(pid) }
func (f *fakeContext) ProcessFactory() process.Factory      { return f.factory }

var _ dispatcher.Context = (*fakeContext)(nil)

func regsWithSyscallNo(nr int) *kernel.Regs {
	r := &kernel.Regs{}
	r.Orig_rax = uint64(nr)
	return r
}

// regsForWait4 builds a syscall-entry register snapshot for wait4(pid,
// &wstatus, opts), matching internal/blocking's own fixture shape.
func regsForWait4(targetPid int, wstatusAddr uintptr, opts int32) *kernel.Regs {
	r := &kernel.Regs{}
	r.Orig_rax = uint64(unix.SYS_WAIT4)
	r.Rdi = uint64(uint32(int32(targetPid)))
	r.Rsi = uint64(wstatusAddr)
	r.Rdx = uint64(uint32(opts))
	return r
}

func TestDispatch_UnknownPidIsStashed(t *testing.T) {
	ctrl := gomock.NewController(t)
	m := kernelmock.NewMockAdapter(ctrl)
	ctx := newFakeContext(m)
	d := dispatcher.New(syscallfilter.Default)

	// No tracee named 42 exists yet; Dispatch must stash the notification
	// rather than error, since the parent's fork event has not arrived.
	if err := d.Dispatch(ctx, kernel.WaitResult{Pid: 42, Stopped: true, SyscallStop: true}); err != nil {
		t.Fatalf("Dispatch for unknown pid: %v", err)
	}
}

func TestDispatch_ExitOfLeaderRemovesItOutright(t *testing.T) {
	ctrl := gomock.NewController(t)
	m := kernelmock.NewMockAdapter(ctrl)
	ctx := newFakeContext(m)
	d := dispatcher.New(syscallfilter.Default)

	tree := process.NewRoot(100)
	ctx.Add(100, tree)
	ctx.AddLeader(100)

	if err := d.Dispatch(ctx, kernel.WaitResult{Pid: 100, Exited: true, ExitStatus: 7}); err != nil {
		t.Fatalf("Dispatch(exit): %v", err)
	}

	if !tree.Exited || tree.ExitStatus != 7 {
		t.Fatalf("Process.OnExit not delivered: %+v", tree)
	}
	if ctx.FindLeader(100) != nil {
		t.Fatalf("leader record should be removed once its tracee exits")
	}
	// A leader has no traced parent to reap it through wait4 emulation, so
	// nothing would ever remove it if handleExit left it DEAD in the
	// registry the way it does for an ordinary child.
	if ctx.Find(100) != nil {
		t.Fatalf("leader tracee should be removed from the registry once it exits")
	}
}

func TestDispatch_ExitOfOrdinaryChildStaysDeadForParentToReap(t *testing.T) {
	ctrl := gomock.NewController(t)
	m := kernelmock.NewMockAdapter(ctrl)
	ctx := newFakeContext(m)
	d := dispatcher.New(syscallfilter.Default)

	// No AddLeader: this tracee has a traced parent in the real design, so
	// its DEAD record must survive for that parent's blocking wait4 to
	// reap later, unlike a leader.
	tree := process.NewRoot(150)
	ctx.Add(150, tree)

	if err := d.Dispatch(ctx, kernel.WaitResult{Pid: 150, Exited: true, ExitStatus: 3}); err != nil {
		t.Fatalf("Dispatch(exit): %v", err)
	}

	tr := ctx.Find(150)
	if tr == nil {
		t.Fatalf("ordinary child should remain in the registry, DEAD, until reaped")
	}
	if tr.State != registry.Dead || tr.ExitStatus != 3 {
		t.Fatalf("tracee after exit = %+v, want DEAD with ExitStatus 3", tr)
	}
}

func TestDispatch_NotificationForDeadPidIsBadTrace(t *testing.T) {
	ctrl := gomock.NewController(t)
	m := kernelmock.NewMockAdapter(ctrl)
	ctx := newFakeContext(m)
	d := dispatcher.New(syscallfilter.Default)

	ctx.Add(1100, process.NewRoot(1100))
	tr := ctx.Find(1100)
	tr.State = registry.Dead

	err := d.Dispatch(ctx, kernel.WaitResult{Pid: 1100, Stopped: true, SyscallStop: true})
	if err == nil {
		t.Fatalf("expected an error for a notification on an already-DEAD pid")
	}
	var bt *tracererr.BadTrace
	if !errors.As(err, &bt) {
		t.Fatalf("Dispatch(dead pid) error = %v, want *tracererr.BadTrace", err)
	}
	if ctx.Find(1100) != nil {
		t.Fatalf("dead pid should be dropped from the registry after a stray notification")
	}
}

func TestDispatch_SignaledMarksDeadAndNotifiesKilled(t *testing.T) {
	ctrl := gomock.NewController(t)
	m := kernelmock.NewMockAdapter(ctrl)
	ctx := newFakeContext(m)
	d := dispatcher.New(syscallfilter.Default)

	tree := process.NewRoot(200)
	ctx.Add(200, tree)

	if err := d.Dispatch(ctx, kernel.WaitResult{Pid: 200, Signaled: true, TermSignal: int(unix.SIGKILL)}); err != nil {
		t.Fatalf("Dispatch(signaled): %v", err)
	}

	tr := ctx.Find(200)
	if !tr.Signaled || tr.TermSignal != int(unix.SIGKILL) {
		t.Fatalf("tracee after signal-death = %+v", tr)
	}
	if !tree.Killed || tree.KillSignal != int(unix.SIGKILL) {
		t.Fatalf("Process.OnKilled not delivered: %+v", tree)
	}
}

func TestDispatch_NonInstrumentedSyscallResumesTransparently(t *testing.T) {
	ctrl := gomock.NewController(t)
	m := kernelmock.NewMockAdapter(ctrl)
	ctx := newFakeContext(m)
	d := dispatcher.New(syscallfilter.Default)

	ctx.Add(300, process.NewRoot(300))

	// unix.SYS_READ has no name in the dispatcher's syscall table, so it
	// is never instrumented regardless of filter contents.
	m.EXPECT().GetRegs(300).Return(regsWithSyscallNo(unix.SYS_READ), nil)
	m.EXPECT().ContSyscall(300, 0).Return(nil)

	if err := d.Dispatch(ctx, kernel.WaitResult{Pid: 300, Stopped: true, SyscallStop: true}); err != nil {
		t.Fatalf("Dispatch(entry): %v", err)
	}
	tr := ctx.Find(300)
	if tr.Syscall != unix.SYS_READ || tr.State != registry.Running {
		t.Fatalf("tracee after entry-stop = %+v", tr)
	}
}

func TestDispatch_BlockingWaitKeepsSyscallSetWhileParked(t *testing.T) {
	ctrl := gomock.NewController(t)
	m := kernelmock.NewMockAdapter(ctrl)
	ctx := newFakeContext(m)
	d := dispatcher.New(syscallfilter.Default)

	ctx.Add(1200, process.NewRoot(1200))

	entryRegs := regsForWait4(-1, 0x9000, 0)
	m.EXPECT().GetRegs(1200).Return(entryRegs, nil).Times(3)
	m.EXPECT().SetRegs(1200, gomock.Any()).Return(nil)
	m.EXPECT().ContSyscall(1200, 0).Return(nil)

	if err := d.Dispatch(ctx, kernel.WaitResult{Pid: 1200, Stopped: true, SyscallStop: true}); err != nil {
		t.Fatalf("Dispatch(wait4 entry): %v", err)
	}

	tr := ctx.Find(1200)
	if tr.BlockingCall == nil || tr.Syscall != unix.SYS_WAIT4 {
		t.Fatalf("after entry-stop, tracee = %+v, want BlockingCall set and Syscall = SYS_WAIT4", tr)
	}

	// No WNOHANG and no matching child: the exit-stop resolves nothing, so
	// the tracee must stay parked with its wait syscall number intact
	// rather than reverting to the sentinel, matching the invariant that a
	// non-nil BlockingCall always pairs with a non-sentinel Syscall.
	if err := d.Dispatch(ctx, kernel.WaitResult{Pid: 1200, Stopped: true, SyscallStop: true}); err != nil {
		t.Fatalf("Dispatch(wait4 exit): %v", err)
	}

	tr = ctx.Find(1200)
	if tr.BlockingCall == nil {
		t.Fatalf("unresolved blocking call should remain parked")
	}
	if tr.Syscall != unix.SYS_WAIT4 {
		t.Fatalf("Syscall = %d, want SYS_WAIT4 to stay set while BlockingCall is parked", tr.Syscall)
	}
	if tr.State != registry.Stopped {
		t.Fatalf("parked tracee state = %v, want STOPPED", tr.State)
	}
}

func TestDispatch_ForkEventRegistersChildAndResumesParent(t *testing.T) {
	ctrl := gomock.NewController(t)
	m := kernelmock.NewMockAdapter(ctrl)
	ctx := newFakeContext(m)
	d := dispatcher.New(syscallfilter.Default)

	parentTree := process.NewRoot(400)
	ctx.Add(400, parentTree)

	m.EXPECT().GetEventMsg(400).Return(uint64(401), nil)
	m.EXPECT().ContSyscall(400, 0).Return(nil)

	wr := kernel.WaitResult{Pid: 400, Stopped: true, TrapCause: unix.PTRACE_EVENT_FORK}
	if err := d.Dispatch(ctx, wr); err != nil {
		t.Fatalf("Dispatch(fork event): %v", err)
	}

	child := ctx.Find(401)
	if child == nil {
		t.Fatalf("fork event did not register child 401")
	}
	if len(parentTree.Children) != 1 || parentTree.Children[0] != child.Process {
		t.Fatalf("parent tree children = %v, want [child]", parentTree.Children)
	}
}

func TestDispatch_ForkEventReplaysStashedNotification(t *testing.T) {
	ctrl := gomock.NewController(t)
	m := kernelmock.NewMockAdapter(ctrl)
	ctx := newFakeContext(m)
	d := dispatcher.New(syscallfilter.Default)

	ctx.Add(500, process.NewRoot(500))

	// The child's own syscall-entry-stop arrives before the parent's fork
	// event; Dispatch must stash it rather than error.
	if err := d.Dispatch(ctx, kernel.WaitResult{Pid: 501, Stopped: true, SyscallStop: true}); err != nil {
		t.Fatalf("Dispatch(child, unknown pid): %v", err)
	}

	m.EXPECT().GetEventMsg(500).Return(uint64(501), nil)
	m.EXPECT().ContSyscall(500, 0).Return(nil)
	// The replayed stashed notification classifies as a syscall entry-stop
	// for the now-registered child.
	m.EXPECT().GetRegs(501).Return(regsWithSyscallNo(unix.SYS_READ), nil)
	m.EXPECT().ContSyscall(501, 0).Return(nil)

	wr := kernel.WaitResult{Pid: 500, Stopped: true, TrapCause: unix.PTRACE_EVENT_FORK}
	if err := d.Dispatch(ctx, wr); err != nil {
		t.Fatalf("Dispatch(fork event): %v", err)
	}

	child := ctx.Find(501)
	if child == nil || child.Syscall != unix.SYS_READ {
		t.Fatalf("stashed notification was not replayed: %+v", child)
	}
}

func TestDispatch_UnrecognisedEventStopIsBadTrace(t *testing.T) {
	ctrl := gomock.NewController(t)
	m := kernelmock.NewMockAdapter(ctrl)
	ctx := newFakeContext(m)
	d := dispatcher.New(syscallfilter.Default)

	ctx.Add(600, process.NewRoot(600))

	wr := kernel.WaitResult{Pid: 600, Stopped: true, TrapCause: 0x99}
	if err := d.Dispatch(ctx, wr); err == nil {
		t.Fatalf("expected a BadTrace error for an unrecognised event stop")
	}
}

func TestDispatch_MalformedNotificationIsBadTrace(t *testing.T) {
	ctrl := gomock.NewController(t)
	m := kernelmock.NewMockAdapter(ctrl)
	ctx := newFakeContext(m)
	d := dispatcher.New(syscallfilter.Default)

	ctx.Add(700, process.NewRoot(700))

	// Neither Exited, Signaled, nor Stopped: not a well-formed wait4
	// notification.
	if err := d.Dispatch(ctx, kernel.WaitResult{Pid: 700}); err == nil {
		t.Fatalf("expected a BadTrace error for a malformed notification")
	}
}

// fakeBlockingCall is a hand-rolled registry.Call that lets tests drive
// Cascade deterministically instead of instantiating a real WaitCall.
type fakeBlockingCall struct {
	resolved, alive bool
	err             error
	calls           int
}

func (c *fakeBlockingCall) Prepare(ctx registry.Context, t *registry.Tracee) (bool, error) {
	return true, nil
}

func (c *fakeBlockingCall) Finalise(ctx registry.Context, t *registry.Tracee) (bool, bool, error) {
	c.calls++
	return c.resolved, c.alive, c.err
}

var _ registry.Call = (*fakeBlockingCall)(nil)

func TestCascade_ResumesResolvedBlockingCall(t *testing.T) {
	ctrl := gomock.NewController(t)
	m := kernelmock.NewMockAdapter(ctrl)
	ctx := newFakeContext(m)
	d := dispatcher.New(syscallfilter.Default)

	ctx.Add(800, process.NewRoot(800))
	tr := ctx.Find(800)
	tr.State = registry.Stopped
	call := &fakeBlockingCall{resolved: true, alive: true}
	tr.BlockingCall = call

	m.EXPECT().ContSyscall(800, 0).Return(nil)

	if err := d.Cascade(ctx); err != nil {
		t.Fatalf("Cascade: %v", err)
	}
	if call.calls != 1 {
		t.Fatalf("Finalise called %d times, want 1", call.calls)
	}
	if tr.BlockingCall != nil {
		t.Fatalf("resolved blocking call should be cleared")
	}
	if tr.State != registry.Running {
		t.Fatalf("resolved tracee should have been resumed, state = %v", tr.State)
	}
}

func TestCascade_LeavesUnresolvedBlockingCallParked(t *testing.T) {
	ctrl := gomock.NewController(t)
	m := kernelmock.NewMockAdapter(ctrl)
	ctx := newFakeContext(m)
	d := dispatcher.New(syscallfilter.Default)

	ctx.Add(900, process.NewRoot(900))
	tr := ctx.Find(900)
	tr.State = registry.Stopped
	call := &fakeBlockingCall{resolved: false, alive: true}
	tr.BlockingCall = call

	if err := d.Cascade(ctx); err != nil {
		t.Fatalf("Cascade: %v", err)
	}
	if tr.BlockingCall != call {
		t.Fatalf("unresolved blocking call should remain parked")
	}
	if tr.State != registry.Stopped {
		t.Fatalf("unresolved tracee should remain STOPPED, state = %v", tr.State)
	}
}

func TestCascade_ReapsBlockingCallerThatDied(t *testing.T) {
	ctrl := gomock.NewController(t)
	m := kernelmock.NewMockAdapter(ctrl)
	ctx := newFakeContext(m)
	d := dispatcher.New(syscallfilter.Default)

	ctx.Add(1000, process.NewRoot(1000))
	tr := ctx.Find(1000)
	tr.State = registry.Stopped
	tr.BlockingCall = &fakeBlockingCall{alive: false}

	if err := d.Cascade(ctx); err != nil {
		t.Fatalf("Cascade: %v", err)
	}
	got := ctx.Find(1000)
	if got.State != registry.Dead {
		t.Fatalf("caller that died mid-cascade should be marked DEAD, got %+v", got)
	}
}
