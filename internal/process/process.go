// Copyright 2022 The ChromiumOS Authors.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package process defines the Process tree node interface the tracer core
// talks to (spec.md §6), and ships a minimal default implementation so
// this module is a complete, runnable program. The tree itself -- how it
// is rendered, persisted, or diffed -- is out of scope for the core; a
// real embedder is expected to supply its own Process implementation.
package process

import "sync"

// Process is the external collaborator the tracer core drives. Every
// method is called by the dispatcher (component C4) in response to a
// classified ptrace event for the tracee this Process represents.
type Process interface {
	// OnFork is called on the parent's Process when a fork/clone event
	// fires on its tracee. child is the newly allocated node for the
	// child tracee.
	OnFork(child Process)
	// OnExec is called after a successful exec, with the argv the new
	// image was started with.
	OnExec(argv []string)
	// OnNewLocation is called for a post-exec entry-point or
	// loaded-library event.
	OnNewLocation(addr uintptr, file, symbol string)
	// OnExit is called once the tracee has been reaped after a normal
	// exit, with its exit status.
	OnExit(status int)
	// OnKilled is called once the tracee has been reaped after dying to
	// an uncaught signal.
	OnKilled(signal int)
	// OnSignal is called on a signal-delivery-stop that is not fatal.
	OnSignal(signal int)
}

// Factory allocates a new Process node for a pid the dispatcher has just
// learned about, either the initial leader (parent == nil) or a forked
// child (parent set).
type Factory interface {
	NewProcess(pid int, parent Process) Process
}

// Tree is a minimal default Process implementation: a tree of nodes with
// parent/child links. Unlike the C++ original this was distilled from, Go's
// garbage collector traces cycles, so the parent link here is an ordinary
// pointer rather than a weak reference -- there is no leak to guard
// against by making it weak.
type Tree struct {
	mu sync.Mutex

	Pid      int
	Parent   *Tree
	Children []*Tree

	Argv  []string
	Image string

	Exited     bool
	ExitStatus int
	Killed     bool
	KillSignal int

	Locations []Location
}

// Location records a post-exec entry-point or loaded-library event.
type Location struct {
	Addr   uintptr
	File   string
	Symbol string
}

// TreeFactory implements Factory by allocating Tree nodes.
type TreeFactory struct{}

// NewProcess implements Factory.
func (TreeFactory) NewProcess(pid int, parent Process) Process {
	t := &Tree{Pid: pid}
	if parent != nil {
		if p, ok := parent.(*Tree); ok {
			t.Parent = p
		}
	}
	return t
}

// NewRoot allocates an unparented Tree node for a leader.
func NewRoot(pid int) *Tree {
	return &Tree{Pid: pid}
}

// OnFork implements Process.
func (t *Tree) OnFork(child Process) {
	c, ok := child.(*Tree)
	if !ok {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	c.Parent = t
	t.Children = append(t.Children, c)
}

// OnExec implements Process.
func (t *Tree) OnExec(argv []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Argv = argv
	if len(argv) > 0 {
		t.Image = argv[0]
	}
}

// OnNewLocation implements Process.
func (t *Tree) OnNewLocation(addr uintptr, file, symbol string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Locations = append(t.Locations, Location{Addr: addr, File: file, Symbol: symbol})
}

// OnExit implements Process.
func (t *Tree) OnExit(status int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Exited = true
	t.ExitStatus = status
}

// OnKilled implements Process.
func (t *Tree) OnKilled(signal int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Killed = true
	t.KillSignal = signal
}

// OnSignal implements Process.
func (t *Tree) OnSignal(signal int) {
	// The default tree does not record transient signals; an embedder
	// that wants a signal history can wrap Tree or implement Process
	// directly.
}

var _ Process = (*Tree)(nil)
var _ Factory = TreeFactory{}
