// Copyright 2022 The ChromiumOS Authors.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package process_test

import (
	"testing"

	"github.com/hharvey/forktrace/internal/process"
)

func TestTreeFactoryNewProcess(t *testing.T) {
	var f process.Factory = process.TreeFactory{}

	root := f.NewProcess(1, nil)
	rt, ok := root.(*process.Tree)
	if !ok || rt.Pid != 1 || rt.Parent != nil {
		t.Fatalf("unexpected root: %+v", root)
	}

	child := f.NewProcess(2, root)
	ct, ok := child.(*process.Tree)
	if !ok || ct.Pid != 2 || ct.Parent != rt {
		t.Fatalf("unexpected child: %+v", child)
	}
}

func TestTreeOnFork(t *testing.T) {
	parent := process.NewRoot(1)
	child := process.NewRoot(2)

	parent.OnFork(child)

	if child.Parent != parent {
		t.Fatalf("child.Parent = %v, want %v", child.Parent, parent)
	}
	if len(parent.Children) != 1 || parent.Children[0] != child {
		t.Fatalf("parent.Children = %v, want [child]", parent.Children)
	}
}

func TestTreeOnExecRecordsArgvAndImage(t *testing.T) {
	tr := process.NewRoot(1)
	tr.OnExec([]string{"/bin/true", "--flag"})

	if tr.Image != "/bin/true" {
		t.Fatalf("Image = %q, want /bin/true", tr.Image)
	}
	if len(tr.Argv) != 2 || tr.Argv[1] != "--flag" {
		t.Fatalf("Argv = %v", tr.Argv)
	}
}

func TestTreeOnExitAndOnKilled(t *testing.T) {
	exited := process.NewRoot(1)
	exited.OnExit(7)
	if !exited.Exited || exited.ExitStatus != 7 {
		t.Fatalf("unexpected exited tree: %+v", exited)
	}

	killed := process.NewRoot(2)
	killed.OnKilled(9)
	if !killed.Killed || killed.KillSignal != 9 {
		t.Fatalf("unexpected killed tree: %+v", killed)
	}
}

func TestTreeOnNewLocation(t *testing.T) {
	tr := process.NewRoot(1)
	tr.OnNewLocation(0x400000, "/bin/true", "_start")

	if len(tr.Locations) != 1 {
		t.Fatalf("Locations = %v, want one entry", tr.Locations)
	}
	loc := tr.Locations[0]
	if loc.Addr != 0x400000 || loc.File != "/bin/true" || loc.Symbol != "_start" {
		t.Fatalf("unexpected location: %+v", loc)
	}
}
