// Copyright 2022 The ChromiumOS Authors.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package tracelog is an optional diagnostic sink: when the CLI is given
// --record <path>, internal/tracer.Tracer's dispatched events are appended
// as zstd-compressed JSON lines here for offline consumption by a
// visualiser. It is not part of the core; the tracer runs identically with
// recording disabled (spec.md §1's no-wire-protocol boundary applies here
// too -- this is one concrete downstream format, not a protocol the core
// depends on).
package tracelog

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/hharvey/forktrace/internal/tracererr"
)

// event is one recorded line.
type event struct {
	Seq  uint64 `json:"seq"`
	Pid  int    `json:"pid"`
	Kind string `json:"kind"`
}

// Recorder appends zstd-compressed newline-delimited JSON events to an
// underlying writer. It implements internal/tracer.Recorder.
type Recorder struct {
	mu  sync.Mutex
	enc *zstd.Encoder
	seq uint64
}

// New wraps w with a zstd encoder. Callers must call Close to flush the
// final frame.
func New(w io.WriteCloser) (*Recorder, error) {
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return nil, &tracererr.RuntimeError{Msg: "create zstd encoder", Err: err}
	}
	return &Recorder{enc: enc}, nil
}

// RecordEvent appends one event line. Marshal and write errors are
// swallowed, matching the sink's role as best-effort diagnostics rather than
// something the core's correctness depends on.
func (r *Recorder) RecordEvent(pid int, kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	line, err := json.Marshal(event{Seq: r.seq, Pid: pid, Kind: kind})
	if err != nil {
		return
	}
	line = append(line, '\n')
	_, _ = r.enc.Write(line)
}

// Close flushes and closes the underlying zstd stream.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enc.Close()
}
