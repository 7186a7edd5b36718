// Copyright 2022 The ChromiumOS Authors.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package reaper implements the "reaper thread/process" collaborator
// spec.md §5 and §6 name: a subprocess that becomes a child subreaper
// (PR_SET_CHILD_SUBREAPER), so that any tracee reparented to init when its
// biological parent dies is instead reparented to it, and reports each
// reaped pid back to the tracer's NotifyOrphan over a pipe.
//
// This is adapted from the signal-forwarding shape of a plain supervisor
// loop: instead of forwarding signals into a child, it forwards reaped
// pids out to the parent.
package reaper

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"

	"github.com/hharvey/forktrace/internal/tracererr"
)

// Notifier is the subset of internal/tracer.Tracer the reaper drives.
type Notifier interface {
	NotifyOrphan(pid int)
}

// Handle is a running reaper subprocess.
type Handle struct {
	cmd  *exec.Cmd
	done chan struct{}
}

// Spawn re-execs the running binary with reExecArgs (typically
// {"--reaper"}) and starts a goroutine translating every pid it reports
// into a NotifyOrphan call.
func Spawn(n Notifier, reExecArgs []string) (*Handle, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, &tracererr.SystemError{Op: "os.Executable", Err: err}
	}

	cmd := exec.Command(exe, reExecArgs...)
	cmd.Stderr = os.Stderr
	// PR_SET_CHILD_SUBREAPER is inherited by children forked after the
	// call, and the reaper process makes that call on itself immediately
	// in Main; nothing needs setting here.
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &tracererr.SystemError{Op: "reaper stdout pipe", Err: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, &tracererr.SystemError{Op: "start reaper", Err: err}
	}

	h := &Handle{cmd: cmd, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		reportPids(stdout, n)
	}()
	return h, nil
}

// reportPids reads newline-delimited decimal pids from r and calls
// n.NotifyOrphan for each, skipping any line that does not parse -- pulled
// out of Spawn's goroutine so it can be driven by a fake reader in tests
// without a real reaper subprocess.
func reportPids(r io.Reader, n Notifier) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		var pid int
		if _, err := fmt.Sscanf(scanner.Text(), "%d", &pid); err != nil {
			continue
		}
		n.NotifyOrphan(pid)
	}
}

// Stop kills the reaper subprocess and waits for its report goroutine to
// finish draining.
func (h *Handle) Stop() {
	if h.cmd.Process != nil {
		_ = h.cmd.Process.Kill()
	}
	<-h.done
	_ = h.cmd.Wait()
}

// Main runs in the re-exec'd reaper subprocess: it never returns except on
// a fatal setup error. It writes one decimal pid per line to w for every
// child reaped, matching what Spawn's scanner expects.
func Main(w io.Writer) error {
	if err := unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0); err != nil {
		return &tracererr.SystemError{Op: "prctl(PR_SET_CHILD_SUBREAPER)", Err: err}
	}

	bw := bufio.NewWriter(w)
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, 0, nil)
		if err == unix.EINTR {
			continue
		}
		if err == unix.ECHILD {
			// No reparented children exist yet; a subreaper still
			// blocks in wait4 for a child of its own process group in
			// real usage, but with none at all this would spin. Sleep
			// briefly via a zero-timeout poll is unnecessary here since
			// the reaper's own process group always has at least the
			// tracer as a (waited-on) ancestor; treat ECHILD as fatal
			// setup misuse.
			return &tracererr.RuntimeError{Msg: "reaper has no children to reap"}
		}
		if err != nil {
			return &tracererr.SystemError{Op: "wait4(reaper)", Err: err}
		}
		fmt.Fprintf(bw, "%d\n", pid)
		bw.Flush()
	}
}
