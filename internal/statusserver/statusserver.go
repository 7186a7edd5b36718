// Copyright 2022 The ChromiumOS Authors.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package statusserver is the "visualiser" downstream consumer spec.md §1
// names, given a minimal real implementation: a cleartext HTTP/2 endpoint
// serving the tracer's print_list snapshot as JSON. It never becomes part
// of the core's own interface -- spec.md §6 rules out inventing a wire
// protocol the core itself depends on -- so this only ever reads from the
// facade through the same PrintList/snapshot surface a terminal shell
// would use.
package statusserver

import (
	"context"
	"encoding/json"
	"net"
	"net/http"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// Snapshot is one tracee row of the JSON status document.
type Snapshot struct {
	Pid    int    `json:"pid"`
	State  string `json:"state"`
	Leader bool   `json:"leader"`
}

// Source supplies the current fleet snapshot; internal/tracer.Tracer
// implements this by walking its registry under its facade lock.
type Source interface {
	Snapshot() []Snapshot
}

// Server serves GET /status as a JSON array of Snapshot over cleartext
// HTTP/2 (h2c), so a visualiser does not need TLS to poll it locally.
type Server struct {
	http *http.Server
}

// New builds a Server bound to addr, reading from src on every request.
func New(addr string, src Source) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(src.Snapshot()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})

	h2s := &http2.Server{}
	handler := h2c.NewHandler(mux, h2s)

	return &Server{http: &http.Server{Addr: addr, Handler: handler}}
}

// ListenAndServe blocks serving status requests until ctx is cancelled or
// an unrecoverable network error occurs.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		_ = s.http.Close()
	}()
	if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
