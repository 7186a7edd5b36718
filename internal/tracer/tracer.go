// Copyright 2022 The ChromiumOS Authors.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package tracer implements the tracer facade (component C6): the
// public, thread-safe entry points spec.md §4.6 names -- Attach (the
// tracer half of start; internal/launcher does the fork/exec), Step,
// NotifyOrphan, Nuke, PrintList -- and owns the global lock.
package tracer

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/hharvey/forktrace/internal/dispatcher"
	"github.com/hharvey/forktrace/internal/kernel"
	"github.com/hharvey/forktrace/internal/logging"
	"github.com/hharvey/forktrace/internal/orphan"
	"github.com/hharvey/forktrace/internal/process"
	"github.com/hharvey/forktrace/internal/registry"
	"github.com/hharvey/forktrace/internal/statusserver"
	"github.com/hharvey/forktrace/internal/syscallfilter"
	"github.com/hharvey/forktrace/internal/tracererr"
)

// Recorder is the optional diagnostic sink internal/tracelog implements;
// Tracer calls it after every dispatched notification when recording is
// enabled. It is deliberately narrow so the core does not depend on
// internal/tracelog's zstd/JSON machinery.
type Recorder interface {
	RecordEvent(pid int, kind string)
}

// Tracer is the facade. One facade mutex protects the registry, leaders
// map, and recycled-PID log. The orphan queue carries its own lighter
// mutex, so NotifyOrphan never contends with Step. The kill flag is an
// atomic.Bool; Nuke sets it and interrupts the adapter's Wait before it
// takes the facade mutex itself.
type Tracer struct {
	mu sync.Mutex

	kernel     kernel.Adapter
	reg        *registry.Registry
	dispatcher *dispatcher.Dispatcher
	factory    process.Factory
	log        *logging.Logger
	recorder   Recorder

	orphanQueue *orphan.Queue
	recycled    *orphan.RecycledLog

	killed atomic.Bool
}

// Option configures a Tracer at construction.
type Option func(*Tracer)

// WithFilter overrides the default instrumented-syscall set.
func WithFilter(f *syscallfilter.Set) Option {
	return func(t *Tracer) { t.dispatcher = dispatcher.New(f) }
}

// WithRecorder attaches a diagnostic recorder (internal/tracelog).
func WithRecorder(r Recorder) Option {
	return func(t *Tracer) { t.recorder = r }
}

// WithProcessFactory overrides the default process.TreeFactory.
func WithProcessFactory(f process.Factory) Option {
	return func(t *Tracer) { t.factory = f }
}

// New constructs a Tracer over k, logging through log.
func New(k kernel.Adapter, log *logging.Logger, opts ...Option) *Tracer {
	t := &Tracer{
		kernel:      k,
		reg:         registry.New(),
		dispatcher:  dispatcher.New(syscallfilter.Default),
		factory:     process.TreeFactory{},
		log:         log,
		orphanQueue: &orphan.Queue{},
		recycled:    orphan.NewRecycledLog(0),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// facadeContext adapts Tracer to dispatcher.Context, giving the dispatcher
// exactly the capabilities spec.md §9 asks for.
type facadeContext struct{ t *Tracer }

func (c facadeContext) Find(pid int) *registry.Tracee         { return c.t.reg.Find(pid) }
func (c facadeContext) Remove(pid int)                        { c.t.reg.Remove(pid) }
func (c facadeContext) Iter(fn func(*registry.Tracee))        { c.t.reg.Iter(fn) }
func (c facadeContext) Kernel() kernel.Adapter                { return c.t.kernel }
func (c facadeContext) Add(pid int, p process.Process) (*registry.Tracee, error) {
	return c.t.reg.Add(pid, p)
}
func (c facadeContext) AddLeader(pid int) *registry.Leader { return c.t.reg.AddLeader(pid) }
func (c facadeContext) FindLeader(pid int) *registry.Leader { return c.t.reg.FindLeader(pid) }
func (c facadeContext) RemoveLeader(pid int)                { c.t.reg.RemoveLeader(pid) }
func (c facadeContext) ProcessFactory() process.Factory      { return c.t.factory }

var _ dispatcher.Context = facadeContext{}

// cascader lets internal/orphan.Reconcile invoke the dispatcher's cascade
// without either package importing the other.
type cascader struct{ t *Tracer }

func (c cascader) Cascade() error {
	return c.t.dispatcher.Cascade(facadeContext{c.t})
}

// Attach registers pid (already stopped, e.g. via SIGSTOP or a fresh
// PTRACE_SEIZE-induced group-stop) as a new leader, matching the second
// half of spec.md §4.6's start contract; internal/launcher performs the
// fork/exec and calls this once the child is ready.
func (t *Tracer) Attach(pid int, opts kernel.Options) (process.Process, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.kernel.AttachSeize(pid, opts); err != nil {
		return nil, &tracererr.RuntimeError{Msg: fmt.Sprintf("attach to pid %d failed", pid), Err: err}
	}
	p := t.factory.NewProcess(pid, nil)
	if _, err := t.reg.Add(pid, p); err != nil {
		return nil, &tracererr.RuntimeError{Msg: fmt.Sprintf("pid %d already tracked", pid), Err: err}
	}
	t.reg.AddLeader(pid)
	t.log.Infof(pid, "attached leader")
	return p, nil
}

// Step advances the fleet until every live tracee is STOPPED or all are
// DEAD, per spec.md §4.6. It returns true iff any tracee remains
// (RUNNING, STOPPED, or DEAD-not-yet-reaped).
func (t *Tracer) Step() (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := orphan.Reconcile(t.orphanQueue, t.recycled, t.reg, cascader{t}); err != nil {
		return !t.reg.Empty(), err
	}

	if t.reg.Empty() {
		return false, nil
	}

	// Resume every currently STOPPED tracee not parked on an unresolved
	// blocking call, injecting its pending signal (spec.md §4.4 step 3).
	var resumeErr error
	t.reg.Iter(func(tr *registry.Tracee) {
		if resumeErr != nil || tr.State != registry.Stopped || tr.BlockingCall != nil {
			return
		}
		sig := tr.PendingSignal
		tr.PendingSignal = 0
		tr.State = registry.Running
		if err := t.kernel.ContSyscall(tr.Pid, sig); err != nil {
			resumeErr = err
		}
	})
	if resumeErr != nil {
		return !t.reg.Empty(), &tracererr.SystemError{Op: "resume", Err: resumeErr}
	}

	for t.reg.AnyRunning() {
		if t.killed.Load() {
			break
		}
		wr, err := t.kernel.Wait()
		if err == kernel.ErrInterrupted {
			break
		}
		if err != nil {
			return !t.reg.Empty(), &tracererr.SystemError{Op: "wait", Err: err}
		}
		if t.recorder != nil {
			t.recorder.RecordEvent(wr.Pid, waitResultKind(wr))
		}
		if err := t.dispatcher.Dispatch(facadeContext{t}, wr); err != nil {
			return !t.reg.Empty(), err
		}
	}

	return !t.reg.Empty(), nil
}

func waitResultKind(wr kernel.WaitResult) string {
	switch {
	case wr.Exited:
		return "exit"
	case wr.Signaled:
		return "killed"
	case wr.SyscallStop:
		return "syscall"
	case wr.TrapCause != 0:
		return "event"
	case wr.Stopped:
		return "signal"
	default:
		return "unknown"
	}
}

// NotifyOrphan enqueues pid for reconciliation at the top of the next
// Step. Safe from any thread; non-blocking.
func (t *Tracer) NotifyOrphan(pid int) {
	t.orphanQueue.Push(pid)
}

// Nuke best-effort force-kills every tracee, marks them DEAD, and wakes
// any Step currently blocked in the kernel adapter's wait. Safe from any
// thread.
func (t *Tracer) Nuke() {
	t.killed.Store(true)
	t.kernel.Interrupt()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.reg.Iter(func(tr *registry.Tracee) {
		if tr.State == registry.Dead {
			return
		}
		_ = t.kernel.Kill(tr.Pid)
		tr.State = registry.Dead
		tr.Signaled = true
		tr.TermSignal = 9
	})
}

// PrintList writes a read-only snapshot of tracees and leaders to w, per
// spec.md §4.6's print_list.
func (t *Tracer) PrintList(w io.Writer) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.reg.Iter(func(tr *registry.Tracee) {
		leader := ""
		if t.reg.FindLeader(tr.Pid) != nil {
			leader = " (leader)"
		}
		fmt.Fprintf(w, "%6d  %-8s%s\n", tr.Pid, tr.State, leader)
	})
}

// Snapshot implements internal/statusserver.Source.
func (t *Tracer) Snapshot() []statusserver.Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []statusserver.Snapshot
	t.reg.Iter(func(tr *registry.Tracee) {
		out = append(out, statusserver.Snapshot{
			Pid:    tr.Pid,
			State:  tr.State.String(),
			Leader: t.reg.FindLeader(tr.Pid) != nil,
		})
	})
	return out
}

// Empty reports whether the registry holds no tracees. Pending orphan
// notifications are not consulted.
func (t *Tracer) Empty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reg.Empty()
}
