// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package analysis feeds the events of a trace to state providers and keeps the resulting
// state histories in a cache directory, so that a trace is only analyzed once.
package analysis // import "go.opentelemetry.io/ctfstate/analysis"

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"go.opentelemetry.io/ctfstate/config"
	"go.opentelemetry.io/ctfstate/ctf"
	"go.opentelemetry.io/ctfstate/internal/log"
	"go.opentelemetry.io/ctfstate/libpf/zstpak"
	"go.opentelemetry.io/ctfstate/metrics"
	"go.opentelemetry.io/ctfstate/periodiccaller"
	"go.opentelemetry.io/ctfstate/statesystem"
	"go.opentelemetry.io/ctfstate/statesystem/backend"
	"go.opentelemetry.io/ctfstate/successfailurecounter"
)

// StateProvider turns trace events into state changes.
//
// HandleEvent is called once per event, in trace order, from a single goroutine.
type StateProvider interface {
	// Name identifies the provider in cache file names. It must be usable in a file name.
	Name() string
	// Version is stored in history files. Bumping it invalidates cached histories.
	Version() uint32
	HandleEvent(ss *statesystem.StateSystem, ev *ctf.Event) error
}

// Result is the state history of one provider over one trace.
type Result struct {
	Provider    string
	StateSystem *statesystem.StateSystem
	// Path is the history file, empty for histories kept in memory.
	Path string
	// Cached is set when the history was loaded instead of built.
	Cached bool
	// Events is the number of events handled, zero for cached histories.
	Events uint64
}

// HistoryPath returns where the history of provider over the trace with the given
// fingerprint is cached.
func HistoryPath(cfg *config.Config, provider, fingerprint string) string {
	name := provider + "-" + fingerprint + ".ht"
	if cfg.CompressHistory {
		name += ".zst"
	}
	return filepath.Join(cfg.CacheDirectory, name)
}

// CheckpointPath returns where the checkpoints of the trace with the given fingerprint
// are cached.
func CheckpointPath(cfg *config.Config, fingerprint string) string {
	return filepath.Join(cfg.CacheDirectory, "checkpoints-"+fingerprint+".idx")
}

// Build returns the state history of p over tr. With a cache directory configured, a
// history built earlier for the same trace content and provider version is reopened;
// otherwise the history is built and stored there. A decode error aborts the build.
func Build(ctx context.Context, tr *ctf.Trace, p StateProvider, cfg *config.Config) (
	*Result, error) {
	sfc := successfailurecounter.New(metrics.IDAnalysisSuccess, metrics.IDAnalysisFailure)
	defer sfc.DefaultToFailure()

	res, err := build(ctx, tr, p, cfg)
	if err != nil {
		log.Errorf("Analysis %s of %s failed: %v", p.Name(), tr.Dir, err)
		return nil, err
	}
	sfc.ReportSuccess()
	return res, nil
}

func build(ctx context.Context, tr *ctf.Trace, p StateProvider, cfg *config.Config) (
	*Result, error) {
	if cfg.CacheDirectory == "" {
		ss := statesystem.New(backend.NewInMemory(tr.StartTime()))
		events, err := ingest(ctx, tr, p, ss, cfg.ProgressInterval)
		if err != nil {
			ss.Dispose()
			return nil, err
		}
		return &Result{Provider: p.Name(), StateSystem: ss, Events: events}, nil
	}

	path := HistoryPath(cfg, p.Name(), tr.Fingerprint())
	if ss := openCached(path, tr, p, cfg); ss != nil {
		metrics.Add(metrics.IDHistoryCacheHit, 1)
		log.Infof("Loaded %s history of %s from %s", p.Name(), tr.Dir, path)
		return &Result{Provider: p.Name(), StateSystem: ss, Path: path, Cached: true}, nil
	}
	metrics.Add(metrics.IDHistoryCacheMiss, 1)

	if err := os.MkdirAll(cfg.CacheDirectory, 0o755); err != nil {
		return nil, err
	}
	events, err := buildFile(ctx, tr, p, cfg, path)
	if err != nil {
		return nil, err
	}

	ht, err := backend.OpenHistoryTree(path, cfg.HistoryTree(p.Version(), tr.Fingerprint()))
	if err != nil {
		return nil, err
	}
	ss, err := statesystem.Open(ht)
	if err != nil {
		ht.Dispose()
		return nil, err
	}
	log.Infof("Built %s history of %s: %d events, %d attributes",
		p.Name(), tr.Dir, events, ss.AttributeCount())
	return &Result{Provider: p.Name(), StateSystem: ss, Path: path, Events: events}, nil
}

// openCached reopens the history at path. Files that cannot be used are removed.
func openCached(path string, tr *ctf.Trace, p StateProvider, cfg *config.Config) *statesystem.StateSystem {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	ht, err := backend.OpenHistoryTree(path, cfg.HistoryTree(p.Version(), tr.Fingerprint()))
	if err != nil {
		log.Warnf("Discarding history %s: %v", path, err)
		os.Remove(path)
		return nil
	}

	var reason string
	switch {
	case ht.Fingerprint() != tr.Fingerprint():
		reason = "trace changed since it was written"
	case ht.ProviderVersion() != p.Version():
		reason = fmt.Sprintf("provider version %d, want %d", ht.ProviderVersion(), p.Version())
	}
	var ss *statesystem.StateSystem
	if reason == "" {
		if ss, err = statesystem.Open(ht); err != nil {
			reason = err.Error()
		}
	}
	if reason != "" {
		log.Warnf("Discarding history %s: %s", path, reason)
		ht.Dispose()
		os.Remove(path)
		return nil
	}
	return ss
}

// buildFile builds the history into a temporary file and moves it to path once complete.
func buildFile(ctx context.Context, tr *ctf.Trace, p StateProvider, cfg *config.Config,
	path string) (uint64, error) {
	tmp := fmt.Sprintf("%s.%s.tmp", path, uuid.NewString())
	defer os.Remove(tmp)

	ht, err := backend.NewHistoryTree(tmp, tr.StartTime(),
		cfg.HistoryTree(p.Version(), tr.Fingerprint()))
	if err != nil {
		return 0, err
	}
	ss := statesystem.New(ht)
	events, err := ingest(ctx, tr, p, ss, cfg.ProgressInterval)
	if disposeErr := ss.Dispose(); err == nil {
		err = disposeErr
	}
	if err != nil {
		return 0, err
	}

	if cfg.CompressHistory {
		return events, zstpak.CompressFile(tmp, path, cfg.ChunkSize)
	}
	return events, os.Rename(tmp, path)
}

// ingest feeds every event of tr to p and seals ss at the end of the trace.
func ingest(ctx context.Context, tr *ctf.Trace, p StateProvider, ss *statesystem.StateSystem,
	progress time.Duration) (uint64, error) {
	var events atomic.Uint64
	stop := periodiccaller.Start(ctx, progress, func() {
		log.Infof("%s: %d events handled, at %d of [%d, %d]", p.Name(), events.Load(),
			ss.CurrentEndTime(), tr.StartTime(), tr.EndTime())
	})
	defer stop()

	it := tr.Iterator()
	defer it.Close()
	for {
		ev, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return events.Load(), err
		}
		if err = p.HandleEvent(ss, ev); err != nil {
			return events.Load(), fmt.Errorf("%s at %v: %w", p.Name(), ev.Location, err)
		}
		events.Add(1)
	}
	return events.Load(), ss.CloseHistory(max(tr.EndTime(), ss.CurrentEndTime()))
}

// Job is one analysis for BuildAll.
type Job struct {
	Trace    *ctf.Trace
	Provider StateProvider
}

// BuildAll runs independent analyses in parallel and returns their results in job order.
// When one fails the others are canceled and every history already built is disposed.
func BuildAll(ctx context.Context, cfg *config.Config, jobs []Job) ([]*Result, error) {
	results := make([]*Result, len(jobs))
	g, ctx := errgroup.WithContext(ctx)
	for i, job := range jobs {
		g.Go(func() error {
			res, err := Build(ctx, job.Trace, job.Provider, cfg)
			if err != nil {
				return fmt.Errorf("%s: %w", job.Provider.Name(), err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, res := range results {
			if res != nil {
				res.StateSystem.Dispose()
			}
		}
		return nil, err
	}
	return results, nil
}
