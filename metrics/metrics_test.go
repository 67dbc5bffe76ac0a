// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReporter struct {
	result chan []Metric
}

func (f fakeReporter) ReportMetrics(_ uint32, ids []uint32, values []int64) {
	metricsResult := make([]Metric, len(ids))

	for j := range ids {
		metricsResult[j].ID = MetricID(ids[j])
		metricsResult[j].Value = MetricValue(values[j])
	}

	f.result <- metricsResult
}

func TestMetrics(t *testing.T) {
	reporter := &fakeReporter{result: make(chan []Metric, 128)}
	SetReporter(reporter)
	defer SetReporter(nil)

	clock := uint32(1000)
	prevNow := now
	now = func() uint32 { return clock }
	defer func() { now = prevNow }()

	AddSlice([]Metric{
		{IDEventsDecoded, 33},
		{IDPacketsIndexed, 2},
	})
	Add(IDEventsDecoded, 7)            // summed with 33
	Add(IDAttributeCount, 10)          // gauge
	Add(IDAttributeCount, 12)          // replaces 10
	Add(IDIntervalsInserted, 0)        // dropped, zero counter
	Add(MetricID(IDMax), 5)            // dropped, out of range
	AddSlice([]Metric{{IDInvalid, 1}}) // dropped, invalid

	// Moving to the next second reports the previous one.
	clock++
	AddSlice(nil)

	select {
	case got := <-reporter.result:
		assert.Equal(t, []Metric{
			{IDEventsDecoded, 40},
			{IDPacketsIndexed, 2},
			{IDAttributeCount, 12},
		}, got)
	default:
		require.Fail(t, "no metrics reported")
	}

	Add(IDHistoryCacheHit, 1)
	Flush()
	select {
	case got := <-reporter.result:
		assert.Equal(t, []Metric{{IDHistoryCacheHit, 1}}, got)
	default:
		require.Fail(t, "flush did not report")
	}

	Flush()
	assert.Empty(t, reporter.result)
}

func TestGetDefinitions(t *testing.T) {
	defs, err := GetDefinitions()
	require.NoError(t, err)
	require.Len(t, defs, IDMax-1)

	seen := make(map[MetricID]bool)
	for _, d := range defs {
		assert.False(t, seen[d.ID], "duplicate id %d", d.ID)
		seen[d.ID] = true
		assert.Contains(t, []MetricType{MetricTypeCounter, MetricTypeGauge}, d.Type)
		assert.NotEmpty(t, d.Field)
	}
}
