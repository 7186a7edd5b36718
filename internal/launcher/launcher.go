// Copyright 2022 The ChromiumOS Authors.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package launcher is the "launcher" collaborator spec.md §6 names: it
// fork/execs the initial leader and arranges for it to stop itself so the
// tracer can attach before the target program's first instruction runs.
// It sits outside the core (spec.md §1's Out of scope list) but is shipped
// here as the default, real implementation so this module is a complete,
// runnable program.
package launcher

import (
	"os"
	"os/exec"

	seccomp "github.com/elastic/go-seccomp-bpf"
	"golang.org/x/sys/unix"

	"github.com/hharvey/forktrace/internal/kernel"
	"github.com/hharvey/forktrace/internal/process"
	"github.com/hharvey/forktrace/internal/tracererr"
)

// Attacher is the subset of internal/tracer.Tracer a launcher needs: seize
// the freshly-stopped leader and register it.
type Attacher interface {
	Attach(pid int, opts kernel.Options) (process.Process, error)
}

// instrumentedSyscalls is the set the leader's seccomp filter marks
// SECCOMP_RET_TRACE, narrowing which syscalls ever reach a ptrace stop at
// all -- an optional performance layer over PTRACE_O_TRACESYSGOOD, which
// alone would stop on every syscall the leader and its descendants make.
var instrumentedSyscalls = []string{
	"fork", "vfork", "clone", "clone3",
	"execve", "execveat",
	"exit", "exit_group",
	"wait4", "waitid",
}

// Start forks a copy of the running binary re-exec'd into tracee-init mode
// (reExecArgs, typically {"--tracee-init", "--"}) followed by argv, waits
// for it to stop itself, and attaches the tracer to it as a new leader.
func Start(t Attacher, reExecArgs, argv []string) (process.Process, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, &tracererr.SystemError{Op: "os.Executable", Err: err}
	}

	args := append(append([]string{}, reExecArgs...), argv...)
	cmd := exec.Command(exe, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, &tracererr.SystemError{Op: "start leader", Err: err}
	}
	pid := cmd.Process.Pid

	// Wait for the child's self-SIGSTOP directly with wait4(2), not
	// cmd.Wait(), since the tracer -- not the exec package -- must own
	// reaping this pid from here on.
	for {
		var ws unix.WaitStatus
		_, err := unix.Wait4(pid, &ws, unix.WUNTRACED, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, &tracererr.SystemError{Op: "wait4(leader)", Err: err}
		}
		if !ws.Stopped() {
			return nil, &tracererr.RuntimeError{Msg: "leader exited before reaching its self-stop"}
		}
		break
	}

	return t.Attach(pid, kernel.DefaultOptions)
}

// TraceeMain runs in the re-exec'd child named by reExecArgs: it installs
// a seccomp-bpf filter routing the instrumented syscalls to
// SECCOMP_RET_TRACE, stops itself so the parent can PTRACE_SEIZE it, and
// execs argv[0]. It never returns on success.
func TraceeMain(argv []string) error {
	filter := seccomp.Filter{
		NoNewPrivs: true,
		Flag:       seccomp.FilterFlagTSync,
		Policy: seccomp.Policy{
			DefaultAction: seccomp.ActionAllow,
			Syscalls: []seccomp.SyscallGroup{{
				Action: seccomp.ActionTrace,
				Names:  instrumentedSyscalls,
			}},
		},
	}
	if err := seccomp.LoadFilter(filter); err != nil {
		return &tracererr.RuntimeError{Msg: "load seccomp filter", Err: err}
	}

	if err := unix.Kill(unix.Getpid(), unix.SIGSTOP); err != nil {
		return &tracererr.SystemError{Op: "self-SIGSTOP", Err: err}
	}

	path, err := exec.LookPath(argv[0])
	if err != nil {
		return &tracererr.RuntimeError{Msg: "executable not found", Err: err}
	}
	// unix.Exec only returns on failure -- success replaces this process
	// image entirely.
	if err := unix.Exec(path, argv, os.Environ()); err != nil {
		return &tracererr.SystemError{Op: "exec", Err: err}
	}
	return nil
}
