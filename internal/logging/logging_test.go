// Copyright 2022 The ChromiumOS Authors.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package logging_test

import (
	"io"
	"os"
	"strings"
	"testing"

	"github.com/hharvey/forktrace/internal/logging"
)

// captureStderr redirects os.Stderr to a pipe for the duration of fn and
// returns everything written to it. Infof/Errorf/PrintStats write straight
// to os.Stderr, matching the fakefs tracer's own logger, so this is the
// only way to observe them without changing that shape just for tests.
func captureStderr(t *testing.T, fn func()) string {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	orig := os.Stderr
	os.Stderr = w
	defer func() { os.Stderr = orig }()

	fn()

	w.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	return string(out)
}

func TestInfofSuppressedUnlessVerbose(t *testing.T) {
	out := captureStderr(t, func() {
		l := logging.New(false, nil)
		l.Infof(1, "should not appear")
	})
	if strings.Contains(out, "should not appear") {
		t.Errorf("Infof logged despite verbose=false: %q", out)
	}
}

func TestInfofEmittedWhenVerbose(t *testing.T) {
	out := captureStderr(t, func() {
		l := logging.New(true, nil)
		l.Infof(42, "hello %d", 7)
	})
	if !strings.Contains(out, "[forktrace 42]") || !strings.Contains(out, "hello 7") {
		t.Errorf("Infof output = %q, missing pid header or formatted message", out)
	}
}

func TestErrorfAlwaysEmitted(t *testing.T) {
	out := captureStderr(t, func() {
		l := logging.New(false, nil)
		l.Errorf(1, "boom")
	})
	if !strings.Contains(out, "boom") {
		t.Errorf("Errorf logged nothing despite verbose=false: %q", out)
	}
}

func TestPrintStatsIncludesCountAndQuotedArgv(t *testing.T) {
	out := captureStderr(t, func() {
		l := logging.New(false, []string{"/bin/echo", "hello world"})
		l.RecordEvent()
		l.RecordEvent()
		l.PrintStats()
	})
	if !strings.Contains(out, "dispatched 2 events") {
		t.Errorf("PrintStats missing event count: %q", out)
	}
	if !strings.Contains(out, "/bin/echo") {
		t.Errorf("PrintStats missing argv: %q", out)
	}
}
