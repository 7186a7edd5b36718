// Copyright 2022 The ChromiumOS Authors.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package kernel

import (
	"errors"
	"os"
	"os/signal"
	"reflect"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ErrInterrupted is returned by Wait after Interrupt has been called while
// a wait was in flight (or about to start).
var ErrInterrupted = errors.New("kernel: wait interrupted")

// linuxAdapter is the real Adapter, backed by ptrace(2), wait4(2),
// process_vm_readv(2) and process_vm_writev(2). Every method is a thin,
// lock-free wrapper -- component C1 never touches the tracee registry.
type linuxAdapter struct {
	interruptSig unix.Signal
	interrupted  atomic.Bool
	waiterTid    atomic.Int32
}

// NewAdapter constructs the Linux ptrace adapter. Wait, and every ptrace
// call made against tracees it seizes, must run on the same locked OS
// thread (runtime.LockOSThread), since ptrace is a per-thread relationship
// in the kernel -- cmd/forktrace's main locks its OS thread for this;
// internal/tracer.Tracer.Step does not check it.
func NewAdapter() Adapter {
	a := &linuxAdapter{interruptSig: unix.SIGRTMIN()}
	// Registering a handler for the interrupt signal keeps its default
	// action (terminate the process) from firing; delivery to the thread
	// blocked in Wait still causes wait4(2) to return EINTR, which is all
	// Interrupt needs.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, a.interruptSig)
	return a
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	errno, ok := err.(unix.Errno)
	if !ok {
		return &Failure{Op: op, Kind: Fatal, Err: err}
	}
	switch errno {
	case unix.ESRCH:
		return &Failure{Op: op, Kind: TraceeDied, Err: err}
	case unix.EINTR, unix.EAGAIN:
		return &Failure{Op: op, Kind: Ephemeral, Err: err}
	default:
		return &Failure{Op: op, Kind: Fatal, Err: err}
	}
}

func ptraceRaw(request, pid, addr, data uintptr) error {
	if _, _, errno := unix.RawSyscall6(unix.SYS_PTRACE, request, pid, addr, data, 0, 0); errno != 0 {
		return errno
	}
	return nil
}

func (a *linuxAdapter) AttachSeize(pid int, opts Options) error {
	err := ptraceRaw(unix.PTRACE_SEIZE, uintptr(pid), 0, uintptr(opts))
	return classify("ptrace(PTRACE_SEIZE)", err)
}

func (a *linuxAdapter) Cont(pid, sig int) error {
	return classify("ptrace(PTRACE_CONT)", unix.PtraceCont(pid, sig))
}

func (a *linuxAdapter) ContSyscall(pid, sig int) error {
	return classify("ptrace(PTRACE_SYSCALL)", unix.PtraceSyscall(pid, sig))
}

func (a *linuxAdapter) SingleStep(pid, sig int) error {
	return classify("ptrace(PTRACE_SINGLESTEP)", unix.PtraceSingleStep(pid))
}

func (a *linuxAdapter) Listen(pid int) error {
	err := ptraceRaw(unix.PTRACE_LISTEN, uintptr(pid), 0, 0)
	return classify("ptrace(PTRACE_LISTEN)", err)
}

func (a *linuxAdapter) GetRegs(pid int) (*Regs, error) {
	var regs Regs
	if err := unix.PtraceGetRegsAmd64(pid, &regs); err != nil {
		return nil, classify("ptrace(PTRACE_GETREGS)", err)
	}
	return &regs, nil
}

func (a *linuxAdapter) SetRegs(pid int, regs *Regs) error {
	return classify("ptrace(PTRACE_SETREGS)", unix.PtraceSetRegsAmd64(pid, regs))
}

// ReadCString reads a NUL-terminated string starting at addr in pid's
// address space using process_vm_readv(2), a page at a time, exactly like
// the fakefs tracer's hooks.readCString.
func (a *linuxAdapter) ReadCString(pid int, addr uintptr) (string, error) {
	const pageSize = 4096
	buf := make([]byte, pageSize)
	var out []byte

	for {
		chunk := pageSize - (addr % pageSize)
		localIov := []unix.Iovec{{
			Base: (*byte)(unsafe.Pointer((*reflect.SliceHeader)(unsafe.Pointer(&buf)).Data)),
			Len:  uint64(chunk),
		}}
		remoteIov := []unix.RemoteIovec{{Base: addr, Len: int(chunk)}}

		n, err := unix.ProcessVMReadv(pid, localIov, remoteIov, 0)
		if err != nil {
			return "", classify("process_vm_readv", err)
		}
		for _, b := range buf[:n] {
			if b == 0 {
				return string(out), nil
			}
			out = append(out, b)
		}
		addr += uintptr(n)
	}
}

// ReadArgv reads a NULL-terminated array of pointers to C strings (as
// exec's argv/envp are laid out) starting at addr.
func (a *linuxAdapter) ReadArgv(pid int, addr uintptr) ([]string, error) {
	var argv []string
	for i := 0; ; i++ {
		var ptr uint64
		localIov := []unix.Iovec{{
			Base: (*byte)(unsafe.Pointer(&ptr)),
			Len:  8,
		}}
		remoteIov := []unix.RemoteIovec{{Base: addr + uintptr(i)*8, Len: 8}}
		if _, err := unix.ProcessVMReadv(pid, localIov, remoteIov, 0); err != nil {
			return nil, classify("process_vm_readv", err)
		}
		if ptr == 0 {
			return argv, nil
		}
		s, err := a.ReadCString(pid, uintptr(ptr))
		if err != nil {
			return nil, err
		}
		argv = append(argv, s)
	}
}

// WriteInt32 writes a 4-byte value into pid's address space using
// process_vm_writev(2), the write-side counterpart of ReadCString.
func (a *linuxAdapter) WriteInt32(pid int, addr uintptr, val int32) error {
	localIov := []unix.Iovec{{
		Base: (*byte)(unsafe.Pointer(&val)),
		Len:  4,
	}}
	remoteIov := []unix.RemoteIovec{{Base: addr, Len: 4}}
	_, err := unix.ProcessVMWritev(pid, localIov, remoteIov, 0)
	return classify("process_vm_writev", err)
}

func (a *linuxAdapter) GetEventMsg(pid int) (uint64, error) {
	var msg uint64
	err := ptraceRaw(unix.PTRACE_GETEVENTMSG, uintptr(pid), 0, uintptr(unsafe.Pointer(&msg)))
	if err != nil {
		return 0, classify("ptrace(PTRACE_GETEVENTMSG)", err)
	}
	return msg, nil
}

func (a *linuxAdapter) Detach(pid int) error {
	return classify("ptrace(PTRACE_DETACH)", unix.PtraceDetach(pid))
}

func (a *linuxAdapter) Kill(pid int) error {
	return classify("kill", unix.Kill(pid, unix.SIGKILL))
}

func (a *linuxAdapter) Wait() (WaitResult, error) {
	if a.interrupted.Swap(false) {
		return WaitResult{}, ErrInterrupted
	}

	a.waiterTid.Store(int32(unix.Gettid()))
	defer a.waiterTid.Store(0)

	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WALL, nil)
		if err == unix.EINTR {
			if a.interrupted.Swap(false) {
				return WaitResult{}, ErrInterrupted
			}
			continue
		}
		if err != nil {
			return WaitResult{}, classify("wait4", err)
		}
		return decodeWaitStatus(pid, ws), nil
	}
}

func decodeWaitStatus(pid int, ws unix.WaitStatus) WaitResult {
	r := WaitResult{Pid: pid}
	switch {
	case ws.Exited():
		r.Exited = true
		r.ExitStatus = ws.ExitStatus()
	case ws.Signaled():
		r.Signaled = true
		r.TermSignal = int(ws.Signal())
	case ws.Stopped():
		r.Stopped = true
		sig := ws.StopSignal()
		r.StopSignal = int(sig)
		if sig == unix.SIGTRAP|0x80 {
			r.SyscallStop = true
		} else if cause := ws.TrapCause(); cause > 0 {
			r.TrapCause = cause
		}
	}
	return r
}

func (a *linuxAdapter) Interrupt() {
	a.interrupted.Store(true)
	// If a Wait call is currently parked in wait4(2), tgkill its exact
	// thread so the syscall returns EINTR; otherwise the flag above makes
	// the next Wait call return immediately without blocking.
	if tid := a.waiterTid.Load(); tid != 0 {
		unix.Tgkill(os.Getpid(), int(tid), a.interruptSig)
	}
}

