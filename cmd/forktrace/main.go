// Copyright 2022 The ChromiumOS Authors.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"os"
	"runtime"

	"github.com/urfave/cli/v2"

	"github.com/hharvey/forktrace/internal/exitcode"
	"github.com/hharvey/forktrace/internal/kernel"
	"github.com/hharvey/forktrace/internal/launcher"
	"github.com/hharvey/forktrace/internal/logging"
	"github.com/hharvey/forktrace/internal/reaper"
	"github.com/hharvey/forktrace/internal/shell"
	"github.com/hharvey/forktrace/internal/signalwatch"
	"github.com/hharvey/forktrace/internal/statusserver"
	"github.com/hharvey/forktrace/internal/syscallfilter"
	"github.com/hharvey/forktrace/internal/tracelog"
	"github.com/hharvey/forktrace/internal/tracer"
)

var flagTraceeInit = &cli.BoolFlag{
	Name:   "tracee-init",
	Usage:  "internal flag: re-exec role that seccomp-filters and self-stops before exec",
	Hidden: true,
}

var flagReaper = &cli.BoolFlag{
	Name:   "reaper",
	Usage:  "internal flag: re-exec role that reaps orphaned tracees",
	Hidden: true,
}

var flagVerbose = &cli.BoolFlag{
	Name:    "verbose",
	Aliases: []string{"v"},
	Usage:   "enable verbose logging",
}

var flagShell = &cli.BoolFlag{
	Name:  "shell",
	Usage: "drop into an interactive shell instead of running to completion",
}

var flagRecord = &cli.StringFlag{
	Name:  "record",
	Usage: "path to write a zstd-compressed diagnostic event log",
}

var flagFilter = &cli.StringFlag{
	Name:  "filter",
	Usage: "syscall filter expression (default: fork/clone/exec/wait family)",
}

var flagStatusAddr = &cli.StringFlag{
	Name:  "status-addr",
	Usage: "if set, serve a JSON fleet snapshot over cleartext HTTP/2 at this address",
}

var app = &cli.App{
	Name:  "forktrace",
	Usage: "a ptrace-driven supervisor for one or more traced process trees",
	Flags: []cli.Flag{
		flagTraceeInit,
		flagReaper,
		flagVerbose,
		flagShell,
		flagRecord,
		flagFilter,
		flagStatusAddr,
	},
	Action: run,
}

func run(c *cli.Context) error {
	if c.Bool(flagTraceeInit.Name) {
		return launcher.TraceeMain(c.Args().Slice())
	}
	if c.Bool(flagReaper.Name) {
		return reaper.Main(os.Stdout)
	}

	argv := c.Args().Slice()
	if len(argv) == 0 && !c.Bool(flagShell.Name) {
		cli.ShowAppHelpAndExit(c, 1)
	}

	log := logging.New(c.Bool(flagVerbose.Name), argv)

	filter := syscallfilter.Default
	if expr := c.String(flagFilter.Name); expr != "" {
		f, err := syscallfilter.Parse(expr)
		if err != nil {
			return err
		}
		filter = f
	}

	var opts []tracer.Option
	opts = append(opts, tracer.WithFilter(filter))

	var rec *tracelog.Recorder
	if path := c.String(flagRecord.Name); path != "" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		r, err := tracelog.New(f)
		if err != nil {
			return err
		}
		defer r.Close()
		rec = r
		opts = append(opts, tracer.WithRecorder(rec))
	}

	kadapter := kernel.NewAdapter()
	t := tracer.New(kadapter, log, opts...)

	stopSignals := signalwatch.Watch(t)
	defer stopSignals()

	reaperHandle, err := reaper.Spawn(t, []string{"--reaper"})
	if err != nil {
		log.Errorf(0, "failed to start reaper: %v", err)
	} else {
		defer reaperHandle.Stop()
	}

	if addr := c.String(flagStatusAddr.Name); addr != "" {
		srv := statusserver.New(addr, t)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			if err := srv.ListenAndServe(ctx); err != nil {
				log.Errorf(0, "status server: %v", err)
			}
		}()
	}

	reExecArgs := []string{"--tracee-init", "--"}

	if c.Bool(flagShell.Name) {
		if len(argv) > 0 {
			if _, err := launcher.Start(t, reExecArgs, argv); err != nil {
				return err
			}
		}
		sh := shell.New(t, os.Stdout, reExecArgs)
		return sh.Run(os.Stdin)
	}

	if _, err := launcher.Start(t, reExecArgs, argv); err != nil {
		return err
	}
	for {
		more, err := t.Step()
		if err != nil {
			return err
		}
		if !more {
			break
		}
	}
	log.PrintStats()
	return nil
}

func main() {
	// Lock the main thread: ptrace's tracer/tracee relationship is
	// per-OS-thread, and every kernel.Adapter call in this process must
	// run from the same thread that seized the fleet.
	runtime.LockOSThread()
	exitcode.Exit(app.Run(os.Args))
}
