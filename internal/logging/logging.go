// Copyright 2022 The ChromiumOS Authors.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package logging provides forktrace's diagnostic sink: a small
// verbosity-gated writer to stderr, in the same shape as the fakefs tracer's
// own logger.
package logging

import (
	"fmt"
	"os"

	"github.com/alessio/shellescape"
)

// Logger writes per-pid diagnostic lines to stderr.
type Logger struct {
	verbose    bool
	argv       []string
	intercepts uint64
}

// New returns a Logger. argv is the traced command line, kept only for the
// summary line printed by PrintStats.
func New(verbose bool, argv []string) *Logger {
	return &Logger{verbose: verbose, argv: argv}
}

func (l *Logger) printf(pid int, format string, args ...interface{}) {
	header := fmt.Sprintf("[forktrace %d] ", pid)
	fmt.Fprintf(os.Stderr, header+format+"\n", args...)
}

// Infof logs a message tied to pid, only when verbose logging is enabled.
func (l *Logger) Infof(pid int, format string, args ...interface{}) {
	if !l.verbose {
		return
	}
	l.printf(pid, format, args...)
}

// Errorf logs a message tied to pid unconditionally.
func (l *Logger) Errorf(pid int, format string, args ...interface{}) {
	l.printf(pid, format, args...)
}

// RecordEvent bumps the dispatched-event counter reported by PrintStats.
func (l *Logger) RecordEvent() {
	l.intercepts++
}

// PrintStats prints a one-line summary of how many events were dispatched
// for the traced command.
func (l *Logger) PrintStats() {
	fmt.Fprintf(os.Stderr, "[forktrace] dispatched %d events: %s\n",
		l.intercepts, shellescape.QuoteCommand(l.argv))
}
