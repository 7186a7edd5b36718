// Copyright 2022 The ChromiumOS Authors.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package kernel

import "golang.org/x/sys/unix"

// syscallNames maps the amd64 syscall numbers the dispatcher cares about to
// the names internal/syscallfilter's DSL uses. It is deliberately not
// exhaustive -- spec.md's Non-goals exclude "full coverage of every exotic
// ptrace option", and the dispatcher only ever needs to name syscalls a
// filter might instrument.
var syscallNames = map[int]string{
	unix.SYS_FORK:       "fork",
	unix.SYS_VFORK:      "vfork",
	unix.SYS_CLONE:      "clone",
	unix.SYS_EXECVE:     "execve",
	unix.SYS_EXECVEAT:   "execveat",
	unix.SYS_EXIT:       "exit",
	unix.SYS_EXIT_GROUP: "exit_group",
	unix.SYS_WAIT4:      "wait4",
	unix.SYS_WAITID:     "waitid",
}

// SyscallName returns the name of the amd64 syscall numbered nr, or "" if
// it is outside the small set the dispatcher knows how to name.
func SyscallName(nr int) string {
	return syscallNames[nr]
}
