// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package metrics // import "go.opentelemetry.io/ctfstate/metrics"

// Create ids.go from metrics.json
//go:generate go run genids/main.go metrics.json ids.go

// MetricID is the type for metric IDs.
type MetricID uint16

// MetricValue is the type for metric values.
type MetricValue int64

// Metric is the type for a metric id/value pair.
type Metric struct {
	ID    MetricID
	Value MetricValue
}

// MetricType tells how values of a metric are combined.
type MetricType string

const (
	// MetricTypeCounter values are summed up.
	MetricTypeCounter MetricType = "counter"
	// MetricTypeGauge values replace each other.
	MetricTypeGauge MetricType = "gauge"
)

// MetricDefinition is one entry of metrics.json.
type MetricDefinition struct {
	Description string     `json:"description"`
	Type        MetricType `json:"type"`
	Name        string     `json:"name"`
	Field       string     `json:"field"`
	ID          MetricID   `json:"id"`
	Unit        string     `json:"unit,omitempty"`
	Obsolete    bool       `json:"obsolete,omitempty"`
}

// Reporter receives the metrics buffered during one second.
type Reporter interface {
	ReportMetrics(timestamp uint32, ids []uint32, values []int64)
}
