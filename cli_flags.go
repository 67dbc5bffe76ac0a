// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"

	"github.com/peterbourgon/ff/v3"
	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/ctfstate/config"
)

// Help strings for command line arguments
var (
	traceHelp     = "Directory of the CTF trace to analyze."
	cacheDirHelp  = "Directory for history and checkpoint files. Histories are kept in memory if empty."
	queryTimeHelp = "Timestamp to query, in nanoseconds, or 'start' or 'end' of the trace."
	attributeHelp = "Slash separated attribute path to query, e.g. cpus/0/last_event. " +
		"The full state is printed if empty."
	checkpointsHelp        = "Build or load the checkpoints of the trace."
	checkpointIntervalHelp = "Number of events between two checkpoints."
	configFileHelp         = "Path to a file with one 'flag value' pair per line."
	compressHelp           = "Store history files compressed."
	blockSizeHelp          = "Size in bytes of history tree nodes. A multiple of 4096."
	maxChildrenHelp        = "Maximum number of children of a history tree node."
	validateHelp           = "Check that every event of the trace decodes, then exit."
	progressIntervalHelp   = "Interval between progress messages while analyzing."
	verboseModeHelp        = "Enable verbose logging and metric output."
	versionHelp            = "Show version."
)

type arguments struct {
	trace       string
	queryTime   string
	attribute   string
	checkpoints bool
	validate    bool
	verboseMode bool
	version     bool

	cfg config.Config
	fs  *flag.FlagSet
}

func (args *arguments) dump() {
	log.Debug("Config:")
	args.fs.VisitAll(func(f *flag.Flag) {
		log.Debug(fmt.Sprintf("%s: %v", f.Name, f.Value))
	})
}

func parseArgs(argv []string) (*arguments, error) {
	args := arguments{cfg: config.Default()}
	fs := flag.NewFlagSet("ctfstate", flag.ContinueOnError)

	// Please keep the parameters ordered alphabetically in the source-code.
	fs.StringVar(&args.attribute, "attribute", "", attributeHelp)

	fs.IntVar(&args.cfg.BlockSize, "block-size", args.cfg.BlockSize, blockSizeHelp)

	fs.StringVar(&args.cfg.CacheDirectory, "cache-dir", "", cacheDirHelp)

	fs.String("config", "", configFileHelp)

	fs.Uint64Var(&args.cfg.CheckpointInterval, "checkpoint-interval",
		args.cfg.CheckpointInterval, checkpointIntervalHelp)
	fs.BoolVar(&args.checkpoints, "checkpoints", false, checkpointsHelp)

	fs.BoolVar(&args.cfg.CompressHistory, "compress", false, compressHelp)

	fs.IntVar(&args.cfg.MaxChildren, "max-children", args.cfg.MaxChildren, maxChildrenHelp)

	fs.DurationVar(&args.cfg.ProgressInterval, "progress-interval",
		args.cfg.ProgressInterval, progressIntervalHelp)

	fs.StringVar(&args.queryTime, "query-time", "", queryTimeHelp)

	fs.StringVar(&args.trace, "trace", "", traceHelp)

	fs.BoolVar(&args.verboseMode, "v", false, "Shorthand for -verbose.")
	fs.BoolVar(&args.verboseMode, "verbose", false, verboseModeHelp)
	fs.BoolVar(&args.validate, "validate", false, validateHelp)
	fs.BoolVar(&args.version, "version", false, versionHelp)

	fs.Usage = func() {
		fs.PrintDefaults()
	}

	args.fs = fs

	err := ff.Parse(fs, argv,
		ff.WithEnvVarPrefix("CTFSTATE"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		ff.WithIgnoreUndefined(true),
		ff.WithAllowMissingConfigFile(true),
	)
	args.cfg.VerboseMode = args.verboseMode
	return &args, err
}
