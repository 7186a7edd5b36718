// Copyright 2022 The ChromiumOS Authors.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package syscallfilter parses the small DSL that configures which
// syscalls the dispatcher (internal/dispatcher) treats as instrumented
// versus transparently resumed (spec.md §4.4 point 2). A filter expression
// looks like:
//
//	instrument: fork, clone, vfork, execve, wait4; passthrough: *
//
// "passthrough: *" means every syscall not explicitly instrumented is
// resumed transparently; it is the only passthrough form this DSL
// supports, since the core has no use for an instrumented-by-default mode.
package syscallfilter

import (
	"fmt"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

var lex = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "whitespace", Pattern: `\s+`},
	{Name: "Punct", Pattern: `[:;,*]`},
	{Name: "Keyword", Pattern: `instrument|passthrough`},
	{Name: "Ident", Pattern: `[A-Za-z_][A-Za-z0-9_]*`},
})

var parser = participle.MustBuild[filterExpr](participle.Lexer(lex))

type filterExpr struct {
	Instrument []string `parser:"'instrument' ':' @Ident (',' @Ident)* ';'"`
	Passthrough string  `parser:"'passthrough' ':' @('*' | Ident)"`
}

// Set is a resolved syscall filter: the set of syscall names the
// dispatcher instruments. Anything absent from it is resumed
// transparently by ContSyscall/Cont without ever reaching a handler.
type Set struct {
	names map[string]bool
}

// Default is the filter cmd/forktrace and tracer.New use when no --filter
// flag is supplied: exactly the syscalls spec.md §4.4 names as ones the core
// must instrument to run its state machine at all.
var Default = mustParse("instrument: fork, clone, vfork, execve, execveat, exit, exit_group, wait4, waitid; passthrough: *")

// Parse compiles a filter expression into a Set.
func Parse(expr string) (*Set, error) {
	parsed, err := parser.ParseString("", expr)
	if err != nil {
		return nil, fmt.Errorf("syscallfilter: %w", err)
	}
	if parsed.Passthrough != "*" {
		return nil, fmt.Errorf("syscallfilter: passthrough must be '*', got %q", parsed.Passthrough)
	}
	s := &Set{names: make(map[string]bool, len(parsed.Instrument))}
	for _, n := range parsed.Instrument {
		s.names[n] = true
	}
	return s, nil
}

func mustParse(expr string) *Set {
	s, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return s
}

// Instruments reports whether name is one of the syscalls the dispatcher
// should classify and dispatch to a handler, rather than resume
// transparently.
func (s *Set) Instruments(name string) bool {
	return s.names[name]
}
