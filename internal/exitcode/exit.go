// Copyright 2023 The ChromiumOS Authors.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package exitcode maps the tracer's error surface onto process exit codes,
// the way the fakefs CLI's exit package maps its own errors.
package exitcode

import (
	"errors"
	"log"
	"os"

	"github.com/hharvey/forktrace/internal/tracererr"
)

// Code is an error value that instructs the program to exit with a
// specific exit code. The program must call Exit in main to handle it.
type Code int

func (e Code) Error() string { return "exit code" }

const (
	// codeSystemError is used for kernel/syscall failures surfaced from the
	// facade (e.g. wait4 failing outright).
	codeSystemError Code = 2
	// codeRuntimeError is used for invariant violations outside the ptrace
	// stream, such as the traced executable not being found.
	codeRuntimeError Code = 3
	// codeBadTrace is used when the event stream itself went inconsistent.
	codeBadTrace Code = 4
)

// Exit terminates the program, translating err into an exit code. It never
// returns; deferred calls are not run.
func Exit(err error) {
	code, msg, warn := classify(err)
	if msg != "" {
		if warn {
			log.Printf("WARNING: %s", msg)
		} else {
			log.Printf("FATAL: %s", msg)
		}
	}
	os.Exit(code)
}

// classify decides the exit code and log line for err, split out from Exit
// so the decision can be tested without calling os.Exit.
func classify(err error) (code int, logMsg string, warn bool) {
	var explicit Code
	if errors.As(err, &explicit) {
		return int(explicit), "", false
	}

	var sysErr *tracererr.SystemError
	var runErr *tracererr.RuntimeError
	var badTrace *tracererr.BadTrace
	switch {
	case err == nil:
		return 0, "", false
	case errors.As(err, &sysErr):
		return int(codeSystemError), err.Error(), false
	case errors.As(err, &runErr):
		return int(codeRuntimeError), err.Error(), false
	case errors.As(err, &badTrace):
		// A BadTrace concerns a single pid, so it is logged as a warning
		// rather than as fatal; the process still exits with codeBadTrace.
		return int(codeBadTrace), err.Error(), true
	default:
		return 1, err.Error(), false
	}
}
