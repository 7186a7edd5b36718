// Copyright 2022 The ChromiumOS Authors.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package shell is the "shell" downstream consumer spec.md §1 names: a
// line-oriented REPL that parses each line as a shell call expression
// (start <path> [args...], step, list, nuke, quit) and drives the tracer
// facade, grounded on the same mvdan.cc/sh/v3/syntax parsing idiom the
// teacher uses to read `set` output as shell statements.
package shell

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"mvdan.cc/sh/v3/syntax"

	"github.com/hharvey/forktrace/internal/launcher"
	"github.com/hharvey/forktrace/internal/tracer"
)

// Shell is a REPL over a *tracer.Tracer.
type Shell struct {
	t         *tracer.Tracer
	out       io.Writer
	reExecArg []string
}

// New returns a Shell that launches leaders by re-exec'ing the running
// binary with reExecArgs (e.g. {"--tracee-init", "--"}).
func New(t *tracer.Tracer, out io.Writer, reExecArgs []string) *Shell {
	return &Shell{t: t, out: out, reExecArg: reExecArgs}
}

// Run reads commands from in until EOF, "quit", or a fatal error.
func (s *Shell) Run(in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(s.out, "forktrace> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		args, err := parseLine(line)
		if err != nil {
			fmt.Fprintf(s.out, "parse error: %v\n", err)
			continue
		}
		if len(args) == 0 {
			continue
		}
		if quit, err := s.dispatch(args); quit {
			return err
		} else if err != nil {
			fmt.Fprintf(s.out, "error: %v\n", err)
		}
	}
}

// dispatch runs one already-parsed command line. It returns quit=true only
// for the "quit" command.
func (s *Shell) dispatch(args []string) (quit bool, err error) {
	switch args[0] {
	case "start":
		if len(args) < 2 {
			return false, fmt.Errorf("usage: start <path> [args...]")
		}
		_, err := launcher.Start(s.t, s.reExecArg, args[1:])
		return false, err
	case "step":
		more, err := s.t.Step()
		if err != nil {
			return false, err
		}
		if !more {
			fmt.Fprintln(s.out, "fleet drained")
		}
		return false, nil
	case "list":
		s.t.PrintList(s.out)
		return false, nil
	case "nuke":
		s.t.Nuke()
		return false, nil
	case "quit":
		return true, nil
	default:
		return false, fmt.Errorf("unknown command %q", args[0])
	}
}

// parseLine parses one line as a single shell call expression and returns
// its literal arguments (the command name plus its arguments), rejecting
// anything more complex than a plain word list.
func parseLine(line string) ([]string, error) {
	parser := syntax.NewParser(syntax.Variant(syntax.LangBash))
	file, err := parser.Parse(strings.NewReader(line), "")
	if err != nil {
		return nil, err
	}
	if len(file.Stmts) == 0 {
		return nil, nil
	}
	if len(file.Stmts) > 1 {
		return nil, fmt.Errorf("only a single command per line is supported")
	}
	call, ok := file.Stmts[0].Cmd.(*syntax.CallExpr)
	if !ok {
		return nil, fmt.Errorf("unsupported statement")
	}

	args := make([]string, 0, len(call.Args))
	for _, w := range call.Args {
		args = append(args, wordLiteral(w))
	}
	return args, nil
}

// wordLiteral concatenates a word's literal parts, which is all the plain
// identifiers and paths this shell's grammar ever needs. Any other part
// (quoting, expansion, substitution) is dropped, so a command word built
// from one does not match a known command, and an argument built from one
// loses that part.
func wordLiteral(w *syntax.Word) string {
	var sb strings.Builder
	for _, part := range w.Parts {
		if lit, ok := part.(*syntax.Lit); ok {
			sb.WriteString(lit.Value)
		}
	}
	return sb.String()
}
