// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package statistics provides a state provider counting the events of a trace, in total,
// per event type and per cpu.
package statistics // import "go.opentelemetry.io/ctfstate/analysis/statistics"

import (
	"strconv"

	"go.opentelemetry.io/ctfstate/ctf"
	"go.opentelemetry.io/ctfstate/statesystem"
	"go.opentelemetry.io/ctfstate/statesystem/statevalue"
)

// Attribute names used by the provider.
const (
	Total      = "total"
	EventTypes = "event_types"
	CPUs       = "cpus"
	LastEvent  = "last_event"
)

// Provider counts events. Counts are Int values that start at Null, so the count of an
// attribute is the number of events at or before a timestamp.
type Provider struct {
	total int
	// Quarks are cached per name and cpu, since every event touches three counters.
	types    map[string]int
	cpuTypes map[cpuType]int
	cpuLast  map[int64]int
}

type cpuType struct {
	cpu  int64
	name string
}

// New returns a provider for one analysis.
func New() *Provider {
	return &Provider{
		total:    -1,
		types:    make(map[string]int),
		cpuTypes: make(map[cpuType]int),
		cpuLast:  make(map[int64]int),
	}
}

func (p *Provider) Name() string { return "statistics" }

func (p *Provider) Version() uint32 { return 1 }

// HandleEvent increments the counters of ev and records its name as the last event of
// its cpu.
func (p *Provider) HandleEvent(ss *statesystem.StateSystem, ev *ctf.Event) error {
	name := ev.Name()
	ts := ev.Timestamp

	if p.total < 0 {
		q, err := ss.GetOrCreateQuark(statesystem.Root, Total)
		if err != nil {
			return err
		}
		p.total = q
	}
	typeQuark, ok := p.types[name]
	if !ok {
		q, err := ss.GetOrCreateQuark(statesystem.Root, EventTypes, name)
		if err != nil {
			return err
		}
		typeQuark = q
		p.types[name] = q
	}
	key := cpuType{cpu: ev.CPU, name: name}
	cpuTypeQuark, ok := p.cpuTypes[key]
	if !ok {
		q, err := ss.GetOrCreateQuark(statesystem.Root, CPUs, cpuName(ev.CPU), EventTypes, name)
		if err != nil {
			return err
		}
		cpuTypeQuark = q
		p.cpuTypes[key] = q
	}
	lastQuark, ok := p.cpuLast[ev.CPU]
	if !ok {
		q, err := ss.GetOrCreateQuark(statesystem.Root, CPUs, cpuName(ev.CPU), LastEvent)
		if err != nil {
			return err
		}
		lastQuark = q
		p.cpuLast[ev.CPU] = q
	}

	for _, q := range []int{p.total, typeQuark, cpuTypeQuark} {
		if err := ss.IncrementAttribute(ts, q); err != nil {
			return err
		}
	}
	return ss.ModifyAttribute(ts, lastQuark, statevalue.String(name))
}

func cpuName(cpu int64) string { return strconv.FormatInt(cpu, 10) }

// Counts returns the number of events per type seen at or before ts.
func Counts(ss *statesystem.StateSystem, ts int64) (map[string]int32, error) {
	parent, err := ss.QuarkOf(statesystem.Root, EventTypes)
	if err != nil {
		return nil, err
	}
	return counts(ss, parent, ts)
}

// CPUCounts returns the number of events per type seen on cpu at or before ts.
func CPUCounts(ss *statesystem.StateSystem, cpu int64, ts int64) (map[string]int32, error) {
	parent, err := ss.QuarkOf(statesystem.Root, CPUs, cpuName(cpu), EventTypes)
	if err != nil {
		return nil, err
	}
	return counts(ss, parent, ts)
}

func counts(ss *statesystem.StateSystem, parent int, ts int64) (map[string]int32, error) {
	quarks, err := ss.SubAttributes(parent, false)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int32, len(quarks))
	for _, q := range quarks {
		iv, err := ss.QuerySingleState(ts, q)
		if err != nil {
			return nil, err
		}
		n, ok := iv.Value.Int()
		if !ok {
			continue
		}
		path, err := ss.Path(q)
		if err != nil {
			return nil, err
		}
		out[path[len(path)-1]] = n
	}
	return out, nil
}
