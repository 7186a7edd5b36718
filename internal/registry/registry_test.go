// Copyright 2022 The ChromiumOS Authors.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package registry_test

import (
	"testing"

	"github.com/hharvey/forktrace/internal/process"
	"github.com/hharvey/forktrace/internal/registry"
)

func TestAddFindRemove(t *testing.T) {
	r := registry.New()

	p := process.NewRoot(100)
	tr, err := r.Add(100, p)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if tr.Pid != 100 || tr.State != registry.Stopped || tr.Syscall != registry.SyscallNone {
		t.Fatalf("unexpected new tracee: %+v", tr)
	}

	if got := r.Find(100); got != tr {
		t.Fatalf("Find returned %v, want %v", got, tr)
	}

	r.Remove(100)
	if got := r.Find(100); got != nil {
		t.Fatalf("Find after Remove = %v, want nil", got)
	}

	// Remove is idempotent.
	r.Remove(100)
}

func TestAddRejectsDuplicateLivePid(t *testing.T) {
	r := registry.New()
	if _, err := r.Add(100, process.NewRoot(100)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := r.Add(100, process.NewRoot(100)); err != registry.ErrAlreadyPresent {
		t.Fatalf("second Add error = %v, want ErrAlreadyPresent", err)
	}
}

func TestAddAllowsReuseOverUnremovedDeadPid(t *testing.T) {
	r := registry.New()
	tr, _ := r.Add(100, process.NewRoot(100))
	tr.State = registry.Dead

	// Re-adding over a DEAD-but-not-yet-removed pid is allowed: the
	// registry only rejects re-adding a *live* pid.
	if _, err := r.Add(100, process.NewRoot(100)); err != nil {
		t.Fatalf("Add over dead pid: %v", err)
	}
}

func TestAnyRunningAllDeadEmpty(t *testing.T) {
	r := registry.New()
	if !r.Empty() || r.AnyRunning() || !r.AllDead() {
		t.Fatalf("empty registry should be Empty, not AnyRunning, and vacuously AllDead")
	}

	a, _ := r.Add(1, process.NewRoot(1))
	b, _ := r.Add(2, process.NewRoot(2))

	if r.Empty() || r.AnyRunning() || r.AllDead() {
		t.Fatalf("two STOPPED tracees: Empty/AnyRunning/AllDead wrong")
	}

	a.State = registry.Running
	if !r.AnyRunning() {
		t.Fatalf("AnyRunning should be true once a is RUNNING")
	}

	a.State = registry.Dead
	b.State = registry.Dead
	if !r.AllDead() {
		t.Fatalf("AllDead should be true once every tracee is DEAD")
	}
	if r.Len() != 2 {
		t.Fatalf("Len = %d, want 2", r.Len())
	}
}

func TestIterVisitsEveryTracee(t *testing.T) {
	r := registry.New()
	want := map[int]bool{1: true, 2: true, 3: true}
	for pid := range want {
		r.Add(pid, process.NewRoot(pid))
	}

	got := map[int]bool{}
	r.Iter(func(tr *registry.Tracee) { got[tr.Pid] = true })

	if len(got) != len(want) {
		t.Fatalf("Iter visited %v, want %v", got, want)
	}
	for pid := range want {
		if !got[pid] {
			t.Fatalf("Iter did not visit pid %d", pid)
		}
	}
}

func TestLeaders(t *testing.T) {
	r := registry.New()
	if r.FindLeader(1) != nil {
		t.Fatalf("FindLeader on empty registry should be nil")
	}

	l := r.AddLeader(1)
	if l.Execed {
		t.Fatalf("new leader should not be Execed")
	}
	if r.FindLeader(1) != l {
		t.Fatalf("FindLeader should return the same record")
	}
	if r.LeaderCount() != 1 {
		t.Fatalf("LeaderCount = %d, want 1", r.LeaderCount())
	}

	l.Execed = true
	if !r.FindLeader(1).Execed {
		t.Fatalf("leader mutation should be visible through FindLeader")
	}

	r.RemoveLeader(1)
	if r.FindLeader(1) != nil {
		t.Fatalf("FindLeader after RemoveLeader should be nil")
	}
	if r.LeaderCount() != 0 {
		t.Fatalf("LeaderCount after RemoveLeader = %d, want 0", r.LeaderCount())
	}
}

func TestStateStrings(t *testing.T) {
	cases := map[registry.State]string{
		registry.Running: "RUNNING",
		registry.Stopped: "STOPPED",
		registry.Dead:    "DEAD",
		registry.State(99): "UNKNOWN",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Fatalf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}
