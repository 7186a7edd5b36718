// Copyright 2022 The ChromiumOS Authors.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package orphan implements the orphan reconciler (component C5): a
// multi-producer, single-consumer queue of pids reported by the reaper,
// reconciled against the registry at the top of every step (spec.md §4.5).
package orphan

import (
	"sync"

	"github.com/hharvey/forktrace/internal/registry"
	"github.com/hharvey/forktrace/internal/tracererr"
)

// Queue is the FIFO of pids awaiting reconciliation. It is guarded by its
// own mutex, lighter than the facade lock, so notify_orphan can be called
// from the reaper thread/process without contending with Step.
type Queue struct {
	mu   sync.Mutex
	pids []int
}

// Push enqueues pid. Safe from any thread.
func (q *Queue) Push(pid int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pids = append(q.pids, pid)
}

// Drain removes and returns every currently queued pid.
func (q *Queue) Drain() []int {
	q.mu.Lock()
	defer q.mu.Unlock()
	pids := q.pids
	q.pids = nil
	return pids
}

// recycledEntry is a recorded pid recycling, timestamped by an
// ever-increasing generation counter (not wall-clock time, so
// reconciliation stays deterministic and testable).
type recycledEntry struct {
	pid        int
	generation int64
}

// RecycledLog is the ordered sequence of pids the kernel has re-assigned to
// a new, untraced process, used to filter spurious orphan notifications for
// the previous incarnation of that pid (spec.md §3, §4.5).
type RecycledLog struct {
	entries    []recycledEntry
	generation int64

	// horizon bounds how many generations back an entry is kept before
	// compaction discards it, per spec.md §4.5's "entries older than the
	// longest possible in-flight orphan notification are discarded".
	horizon int64
}

// NewRecycledLog returns an empty log that compacts entries older than
// horizon reconciliation generations.
func NewRecycledLog(horizon int64) *RecycledLog {
	if horizon <= 0 {
		horizon = 1000
	}
	return &RecycledLog{horizon: horizon}
}

// Record notes that pid has just been recycled to an untraced process.
func (l *RecycledLog) Record(pid int) {
	l.entries = append(l.entries, recycledEntry{pid: pid, generation: l.generation})
}

// contains reports whether pid was recycled recently enough to still be
// tracked.
func (l *RecycledLog) contains(pid int) bool {
	for _, e := range l.entries {
		if e.pid == pid {
			return true
		}
	}
	return false
}

// compact drops entries older than the horizon and advances the
// generation counter, called once per reconciliation round.
func (l *RecycledLog) compact() {
	l.generation++
	cutoff := l.generation - l.horizon
	if cutoff <= 0 {
		return
	}
	kept := l.entries[:0]
	for _, e := range l.entries {
		if e.generation >= cutoff {
			kept = append(kept, e)
		}
	}
	l.entries = kept
}

// Cascader is the narrow capability Reconcile needs back into the tracer
// facade to wake any blocking call that a reaped orphan might satisfy,
// without depending on internal/dispatcher directly (which would create an
// import cycle, since the dispatcher does not need orphan reconciliation
// itself -- only internal/tracer, which imports both, does).
type Cascader interface {
	Cascade() error
}

// Reconcile drains queue and applies the four cases of spec.md §4.5 against
// reg, recording newly-observed recycling into log and cascading into any
// blocking wait a freshly-reaped DEAD tracee might satisfy.
func Reconcile(queue *Queue, log *RecycledLog, reg *registry.Registry, cascade Cascader) error {
	defer log.compact()

	pids := queue.Drain()
	var reaped bool
	var firstErr error
	for _, pid := range pids {
		switch {
		case log.contains(pid):
			// The reaper is reporting the previous incarnation of a
			// recycled pid; drop it.
		case reg.Find(pid) != nil && reg.Find(pid).State == registry.Dead:
			reg.Remove(pid)
			log.Record(pid)
			reaped = true
		case reg.Find(pid) != nil:
			if firstErr == nil {
				firstErr = tracererr.NewBadTrace(pid, "reaper reported a live tracee as orphaned")
			}
		default:
			// A pid we never saw alive: an edge race between the
			// notification and our own bookkeeping. Drop it.
		}
	}

	if reaped && cascade != nil {
		if err := cascade.Cascade(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
