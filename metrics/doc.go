// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

/*
Package metrics counts what the trace reader and the state history engine do.

Metric definitions live in metrics.json; ids.go is generated from it. Producers call Add or
AddSlice from any goroutine. Values are buffered per second: counters reported several times
in the same second are summed, gauges keep the last value. When the second changes the buffer
is flushed to the OpenTelemetry meter and, if one is set, to a Reporter.

	metrics
	├── doc.go          // this file
	├── genids/         // generator for ids.go
	├── ids.go          // metric ids, generated
	├── metrics.go      // Add(), AddSlice(), Flush()
	├── metrics.json    // metric definitions
	└── types.go        // Metric, MetricID, MetricValue, MetricDefinition
*/
package metrics // import "go.opentelemetry.io/ctfstate/metrics"
