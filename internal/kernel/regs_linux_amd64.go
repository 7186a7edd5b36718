// Copyright 2022 The ChromiumOS Authors.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package kernel

import "golang.org/x/sys/unix"

// Regs is the tracee register file, aliased per architecture the same way
// the fakefs tracer's ptracearch package does.
type Regs = unix.PtraceRegsAmd64

// SyscallNo returns the syscall number a tracee is stopped at the entry or
// exit of.
func SyscallNo(r *Regs) int {
	return int(r.Orig_rax)
}

// SyscallArg returns the i'th syscall argument (0-indexed, up to 6), read
// from the amd64 syscall argument registers.
func SyscallArg(r *Regs, i int) uintptr {
	switch i {
	case 0:
		return uintptr(r.Rdi)
	case 1:
		return uintptr(r.Rsi)
	case 2:
		return uintptr(r.Rdx)
	case 3:
		return uintptr(r.R10)
	case 4:
		return uintptr(r.R8)
	case 5:
		return uintptr(r.R9)
	default:
		return 0
	}
}

// SyscallReturn returns the syscall return value at a syscall-exit-stop.
func SyscallReturn(r *Regs) int64 {
	return int64(r.Rax)
}

// SetSyscallReturn sets the syscall return value that will be visible to
// the tracee once it resumes past a syscall-exit-stop.
func SetSyscallReturn(r *Regs, val int64) {
	r.Rax = uint64(val)
}
