// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// ctfstate opens a CTF trace, builds or reloads its event statistics history and answers
// state queries against it.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"go.opentelemetry.io/ctfstate/analysis"
	"go.opentelemetry.io/ctfstate/analysis/statistics"
	"go.opentelemetry.io/ctfstate/checkpoint"
	"go.opentelemetry.io/ctfstate/ctf"
	ctflog "go.opentelemetry.io/ctfstate/log"
	"go.opentelemetry.io/ctfstate/metrics"
	"go.opentelemetry.io/ctfstate/statesystem"
	"go.opentelemetry.io/ctfstate/statesystem/interval"
	"go.opentelemetry.io/ctfstate/vc"
)

type exitCode int

const (
	exitSuccess exitCode = 0
	exitFailure exitCode = 1

	// Go 'flag' package calls os.Exit(2) on flag parse errors, if ExitOnError is set
	exitParseError exitCode = 2
)

func main() {
	os.Exit(int(mainWithExitCode(os.Args[1:], os.Stdout)))
}

func mainWithExitCode(argv []string, out io.Writer) exitCode {
	args, err := parseArgs(argv)
	if err != nil {
		return parseError("Failure to parse arguments: %v", err)
	}

	if args.version {
		fmt.Fprintf(out, "%s\n", vc.Version())
		return exitSuccess
	}

	if args.verboseMode {
		log.SetLevel(log.DebugLevel)
		ctflog.SetLevel(slog.LevelDebug)
		metrics.SetReporter(&metricLogger{})
		defer metrics.Flush()
		// Dump the arguments in debug mode.
		args.dump()
	}

	if args.trace == "" {
		return parseError("No trace given, use -trace")
	}
	if err = args.cfg.Validate(); err != nil {
		return parseError("Invalid configuration: %v", err)
	}

	// Context to drive the analysis. It is canceled on termination signals.
	mainCtx, mainCancel := signal.NotifyContext(context.Background(),
		unix.SIGINT, unix.SIGTERM, unix.SIGABRT)
	defer mainCancel()

	log.Debugf("Starting ctfstate %s (revision %s, build timestamp %s)",
		vc.Version(), vc.Revision(), vc.BuildTimestamp())

	if args.validate {
		if err = ctf.Validate(mainCtx, args.trace); err != nil {
			return failure("Trace %s is invalid: %v", args.trace, err)
		}
		fmt.Fprintf(out, "%s: ok\n", args.trace)
		return exitSuccess
	}

	if err = run(mainCtx, args, out); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Info("Interrupted")
		}
		return failure("%v", err)
	}
	return exitSuccess
}

func run(ctx context.Context, args *arguments, out io.Writer) error {
	tr, err := ctf.Open(ctx, args.trace)
	if err != nil {
		return fmt.Errorf("failed to open trace: %w", err)
	}
	defer tr.Close()
	fmt.Fprintf(out, "trace %s: [%d, %d], %d stream files, fingerprint %s\n",
		args.trace, tr.StartTime(), tr.EndTime(), len(tr.StreamFiles()), tr.Fingerprint())

	if args.checkpoints {
		if err = printCheckpoints(ctx, args, tr, out); err != nil {
			return err
		}
	}

	res, err := analysis.Build(ctx, tr, statistics.New(), &args.cfg)
	if err != nil {
		return fmt.Errorf("failed to analyze trace: %w", err)
	}
	ss := res.StateSystem
	defer ss.Dispose()
	if res.Cached {
		fmt.Fprintf(out, "history: %s (cached)\n", res.Path)
	} else if res.Path != "" {
		fmt.Fprintf(out, "history: %s (%d events)\n", res.Path, res.Events)
	}

	if args.queryTime == "" {
		counts, err := statistics.Counts(ss, ss.CurrentEndTime())
		if err != nil {
			return err
		}
		for _, name := range slices.Sorted(maps.Keys(counts)) {
			fmt.Fprintf(out, "%s: %d\n", name, counts[name])
		}
		return nil
	}

	ts, err := parseTime(args.queryTime, ss)
	if err != nil {
		return err
	}
	if args.attribute != "" {
		quark, err := ss.QuarkOf(statesystem.Root, strings.Split(args.attribute, "/")...)
		if err != nil {
			return err
		}
		iv, err := ss.QuerySingleState(ts, quark)
		if err != nil {
			return err
		}
		return printInterval(out, ss, iv)
	}

	state, err := ss.QueryFullState(ts)
	if err != nil {
		return err
	}
	for _, iv := range state {
		if iv.Value.IsNull() {
			continue
		}
		if err = printInterval(out, ss, iv); err != nil {
			return err
		}
	}
	return nil
}

func printCheckpoints(ctx context.Context, args *arguments, tr *ctf.Trace, out io.Writer) error {
	x := checkpoint.Indexer{Interval: args.cfg.CheckpointInterval}
	var (
		ix      *checkpoint.Index
		rebuilt = true
		err     error
	)
	if args.cfg.CacheDirectory == "" {
		ix, err = x.Build(ctx, tr)
	} else {
		if err = os.MkdirAll(args.cfg.CacheDirectory, 0o755); err != nil {
			return err
		}
		ix, rebuilt, err = x.LoadOrBuild(ctx, tr,
			analysis.CheckpointPath(&args.cfg, tr.Fingerprint()))
	}
	if err != nil {
		return fmt.Errorf("failed to index trace: %w", err)
	}
	fmt.Fprintf(out, "checkpoints: %d every %d events, %d events (rebuilt: %t)\n",
		ix.Len(), ix.Interval, ix.Events, rebuilt)
	return nil
}

func parseTime(s string, ss *statesystem.StateSystem) (int64, error) {
	switch s {
	case "start":
		return ss.StartTime(), nil
	case "end":
		return ss.CurrentEndTime(), nil
	}
	ts, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid query time %q: %w", s, err)
	}
	return ts, nil
}

func printInterval(out io.Writer, ss *statesystem.StateSystem, iv interval.Interval) error {
	name, err := ss.FullName(iv.Quark)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s = %s [%d, %d]\n", name, iv.Value, iv.Start, iv.End)
	return nil
}

// metricLogger prints flushed metrics in verbose mode.
type metricLogger struct {
	names map[uint32]string
}

func (m *metricLogger) ReportMetrics(_ uint32, ids []uint32, values []int64) {
	if m.names == nil {
		m.names = make(map[uint32]string)
		defs, err := metrics.GetDefinitions()
		if err != nil {
			log.Errorf("Failed to load metric definitions: %v", err)
			return
		}
		for _, d := range defs {
			m.names[uint32(d.ID)] = d.Field
		}
	}
	for i, id := range ids {
		log.Debugf("metric %s: %d", m.names[id], values[i])
	}
}

func parseError(msg string, args ...any) exitCode {
	log.Errorf(msg, args...)
	return exitParseError
}

func failure(msg string, args ...any) exitCode {
	log.Errorf(msg, args...)
	return exitFailure
}
