// Copyright 2022 The ChromiumOS Authors.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package registry is the tracee registry (component C2): per-pid state
// indexed by pid, plus the leaders table (component C7). It is not
// independently thread-safe -- callers (internal/tracer's facade methods)
// are responsible for holding the facade lock around every operation here,
// matching the C++ original's design where only public Tracer methods lock.
package registry

import (
	"errors"

	"github.com/hharvey/forktrace/internal/kernel"
	"github.com/hharvey/forktrace/internal/process"
)

// Context is the narrow capability a blocking Call's Prepare/Finalise are
// given into the registry and kernel adapter, per spec.md §9's guidance to
// express "friend access from blocking calls into the tracer" as a small
// interface rather than exposing the whole facade.
type Context interface {
	Find(pid int) *Tracee
	Remove(pid int)
	Iter(fn func(*Tracee))
	Kernel() kernel.Adapter
}

// Call is the two-operation contract every blocking-call variant
// implements (spec.md §4.3).
//
// Prepare returns alive=false if the tracee died while preparing the call;
// the caller then reaps it.
//
// Finalise returns resolved=false when the call genuinely has nothing to
// report yet (a wait with no WNOHANG and no matching child): the tracee
// must be left stopped, still owning this Call, and Finalise re-invoked
// later once something in the registry that the call might care about
// changes (spec.md §4.4's "cascade to any blocking call of a parent
// waiting on it"). alive=false means the tracee died while finalising; the
// caller reaps it and the call is discarded regardless of resolved.
type Call interface {
	Prepare(ctx Context, t *Tracee) (alive bool, err error)
	Finalise(ctx Context, t *Tracee) (resolved, alive bool, err error)
}

// SyscallNone is the sentinel value of Tracee.Syscall when the tracee is
// not stopped between the entry and exit of a syscall.
const SyscallNone = -1

// State is a tracee's coarse lifecycle state.
type State int

const (
	// Running means the tracee is executing and not stopped.
	Running State = iota
	// Stopped means the tracee is parked at a ptrace-stop, awaiting
	// classification or a resume decision.
	Stopped
	// Dead means the tracee has exited or been killed, but may not yet
	// have been reaped and accounted for.
	Dead
)

func (s State) String() string {
	switch s {
	case Running:
		return "RUNNING"
	case Stopped:
		return "STOPPED"
	case Dead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// Tracee is the per-pid record described in spec.md §3.
type Tracee struct {
	Pid           int
	State         State
	Syscall       int
	PendingSignal int
	Process       process.Process
	BlockingCall  Call

	// ExitStatus and TermSignal record how a DEAD tracee ended, set by
	// the dispatcher (component C4) the moment it reaps the underlying
	// wait4 event, independently of whatever the embedder's Process
	// implementation chooses to remember. WaitCall reads these directly
	// rather than reaching back into Process, since Process is an
	// external interface with no guaranteed accessor for it.
	Signaled   bool
	ExitStatus int
	TermSignal int
}

// newTracee creates a tracee record in the STOPPED state, matching the
// invariant that the kernel stops a new tracee before its first resume.
func newTracee(pid int, p process.Process) *Tracee {
	return &Tracee{
		Pid:     pid,
		State:   Stopped,
		Syscall: SyscallNone,
		Process: p,
	}
}

// Leader is the per-leader record described in spec.md §3/§4.7.
type Leader struct {
	// Execed is true once the leader's initial exec event has fired.
	Execed bool
}

// ErrAlreadyPresent is returned by Add when pid already names a live
// tracee.
var ErrAlreadyPresent = errors.New("registry: pid already present")

// Registry maps pid to Tracee and pid to Leader.
type Registry struct {
	tracees map[int]*Tracee
	leaders map[int]*Leader
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		tracees: make(map[int]*Tracee),
		leaders: make(map[int]*Leader),
	}
}

// Add inserts a new STOPPED tracee for pid. It fails with ErrAlreadyPresent
// if pid already names a live (non-DEAD) tracee. A DEAD record for pid that
// has not been removed yet is replaced by the new one.
func (r *Registry) Add(pid int, p process.Process) (*Tracee, error) {
	if existing, ok := r.tracees[pid]; ok && existing.State != Dead {
		return nil, ErrAlreadyPresent
	}
	t := newTracee(pid, p)
	r.tracees[pid] = t
	return t, nil
}

// Find returns the tracee for pid, or nil if none exists.
func (r *Registry) Find(pid int) *Tracee {
	return r.tracees[pid]
}

// Remove deletes pid's tracee record. It is idempotent for tracees already
// removed or never present; per spec.md §4.2, the registry is the single
// source of truth for liveness, so Remove does not require pid to be DEAD.
func (r *Registry) Remove(pid int) {
	delete(r.tracees, pid)
}

// Iter calls fn for every tracee currently in the registry. Iteration order
// is unspecified.
func (r *Registry) Iter(fn func(*Tracee)) {
	for _, t := range r.tracees {
		fn(t)
	}
}

// AnyRunning reports whether at least one tracee is in the RUNNING state.
func (r *Registry) AnyRunning() bool {
	for _, t := range r.tracees {
		if t.State == Running {
			return true
		}
	}
	return false
}

// AllDead reports whether every tracee currently in the registry is DEAD
// (vacuously true for an empty registry).
func (r *Registry) AllDead() bool {
	for _, t := range r.tracees {
		if t.State != Dead {
			return false
		}
	}
	return true
}

// Empty reports whether the registry holds no tracees at all.
func (r *Registry) Empty() bool {
	return len(r.tracees) == 0
}

// Len returns the number of tracees currently tracked, including DEAD ones
// not yet reaped.
func (r *Registry) Len() int {
	return len(r.tracees)
}

// AddLeader records pid as a top-level traced process.
func (r *Registry) AddLeader(pid int) *Leader {
	l := &Leader{}
	r.leaders[pid] = l
	return l
}

// FindLeader returns pid's leader record, or nil if pid is not a leader.
func (r *Registry) FindLeader(pid int) *Leader {
	return r.leaders[pid]
}

// RemoveLeader deletes pid's leader record.
func (r *Registry) RemoveLeader(pid int) {
	delete(r.leaders, pid)
}

// LeaderCount returns the number of leaders still tracked.
func (r *Registry) LeaderCount() int {
	return len(r.leaders)
}
