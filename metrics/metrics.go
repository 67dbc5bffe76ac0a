// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package metrics // import "go.opentelemetry.io/ctfstate/metrics"

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"go.opentelemetry.io/ctfstate/vc"
)

var (
	// prevTimestamp holds the second the buffered metrics belong to
	prevTimestamp uint32

	// metricsBuffer holds one slot per metric ID
	metricsBuffer = make([]MetricValue, IDMax)

	// metricIDSet is a bitvector marking the slots of metricsBuffer in use
	metricIDSet = make([]uint64, 1+(IDMax/64))

	// nMetrics is the number of slots in use
	nMetrics int

	// mutex serializes the concurrent calls to AddSlice()
	mutex sync.Mutex

	//go:embed metrics.json
	metricsJSON []byte

	metricTypes map[MetricID]MetricType

	// OTel metric instrumentation
	meter = otel.Meter("go.opentelemetry.io/ctfstate",
		metric.WithInstrumentationVersion(vc.Version()))
	counters = map[MetricID]metric.Int64Counter{}
	gauges   = map[MetricID]metric.Int64Gauge{}

	reporterImpl Reporter

	// now is replaced in tests.
	now = func() uint32 { return uint32(time.Now().Unix()) }
)

// SetReporter registers r to receive every flushed batch.
func SetReporter(r Reporter) {
	mutex.Lock()
	defer mutex.Unlock()
	reporterImpl = r
}

func init() {
	defs, err := GetDefinitions()
	if err != nil {
		panic(err)
	}
	metricTypes = make(map[MetricID]MetricType, len(defs))
	for _, md := range defs {
		if md.Obsolete {
			continue
		}
		metricTypes[md.ID] = md.Type
		switch typ := md.Type; typ {
		case MetricTypeCounter:
			counter, err := meter.Int64Counter(md.Field,
				metric.WithDescription(md.Description),
				metric.WithUnit(md.Unit))
			if err != nil {
				log.Errorf("Creating Int64Counter: %v", err)
				continue
			}
			counters[md.ID] = counter
		case MetricTypeGauge:
			gauge, err := meter.Int64Gauge(md.Field,
				metric.WithDescription(md.Description),
				metric.WithUnit(md.Unit))
			if err != nil {
				log.Errorf("Creating Int64Gauge: %v", err)
				continue
			}
			gauges[md.ID] = gauge
		default:
			panic(fmt.Sprintf("Unknown metric type: %v", typ))
		}
	}
}

// report hands the buffered metrics to OTel and the reporter. mutex must be held.
// Tests override it.
var report = func() {
	ctx := context.Background()
	ids := make([]uint32, 0, nMetrics)
	values := make([]int64, 0, nMetrics)
	for id := MetricID(1); id < IDMax; id++ {
		if metricIDSet[id/64]&(1<<(id%64)) == 0 {
			continue
		}
		value := int64(metricsBuffer[id])
		ids = append(ids, uint32(id))
		values = append(values, value)

		switch metricTypes[id] {
		case MetricTypeCounter:
			if counter, ok := counters[id]; ok {
				counter.Add(ctx, value)
			}
		case MetricTypeGauge:
			if gauge, ok := gauges[id]; ok {
				gauge.Record(ctx, value)
			}
		}
	}
	if reporterImpl != nil {
		reporterImpl.ReportMetrics(prevTimestamp, ids, values)
	}
}

func resetBuffer() {
	nMetrics = 0
	clear(metricIDSet)
	clear(metricsBuffer)
}

// AddSlice buffers metrics and returns immediately.
//
// Metrics are collected until the second changes, then everything buffered for the previous
// second is reported at once. Counters reported more than once in a second are summed up,
// gauges keep the last value.
func AddSlice(newMetrics []Metric) {
	ts := now()

	mutex.Lock()
	defer mutex.Unlock()

	if prevTimestamp != ts && nMetrics > 0 {
		report()
		resetBuffer()
	}
	prevTimestamp = ts

	for _, metric := range newMetrics {
		if metric.ID <= IDInvalid || metric.ID >= IDMax {
			log.Errorf("Metric value %d out of range [%d,%d]- needs investigation",
				metric.ID, IDInvalid+1, IDMax-1)
			continue
		}

		typ, ok := metricTypes[metric.ID]
		if !ok {
			log.Warnf("Invalid metric id %d, skipping", metric.ID)
			continue
		}

		if metric.Value == 0 && typ == MetricTypeCounter {
			continue
		}

		idx := metric.ID / 64
		mask := uint64(1) << (metric.ID % 64)
		if metricIDSet[idx]&mask == 0 {
			metricIDSet[idx] |= mask
			metricsBuffer[metric.ID] = 0
			nMetrics++
		}
		if typ == MetricTypeCounter {
			metricsBuffer[metric.ID] += metric.Value
		} else {
			metricsBuffer[metric.ID] = metric.Value
		}
	}
}

// Add buffers a single metric.
func Add(id MetricID, value MetricValue) {
	AddSlice([]Metric{{id, value}})
}

// Flush reports the buffered metrics right away. Short lived processes call it before
// exiting.
func Flush() {
	mutex.Lock()
	defer mutex.Unlock()
	if nMetrics > 0 {
		report()
		resetBuffer()
	}
}

// GetDefinitions returns the metric definitions from the embedded metrics.json file.
func GetDefinitions() ([]MetricDefinition, error) {
	var defs []MetricDefinition

	dec := json.NewDecoder(bytes.NewReader(metricsJSON))
	dec.DisallowUnknownFields()

	if err := dec.Decode(&defs); err != nil {
		return nil, fmt.Errorf("extracting definitions from metrics.json: %v", err)
	}
	return defs, nil
}
