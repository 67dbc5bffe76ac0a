// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package successfailurecounter

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"go.opentelemetry.io/ctfstate/metrics"
)

type captureReporter struct {
	values map[metrics.MetricID]int64
}

func (c *captureReporter) ReportMetrics(_ uint32, ids []uint32, values []int64) {
	for i, id := range ids {
		c.values[metrics.MetricID(id)] += values[i]
	}
}

func defaultToSuccess(t *testing.T, sfc SuccessFailureCounter, n int) {
	t.Helper()
	defer sfc.DefaultToSuccess()

	if n%2 == 0 {
		sfc.ReportSuccess()
	} else if n%3 == 0 {
		sfc.ReportFailure()
	}
}

func defaultToFailure(t *testing.T, sfc SuccessFailureCounter, n int) {
	t.Helper()
	defer sfc.DefaultToFailure()

	if n%2 == 0 {
		sfc.ReportSuccess()
	} else if n%3 == 0 {
		sfc.ReportFailure()
	}
}

func reportErr(t *testing.T, sfc SuccessFailureCounter, n int) {
	t.Helper()
	var err error
	if n%3 == 0 {
		err = errors.New("failed")
	}
	sfc.Report(err)
	// A second report is logged and ignored.
	sfc.ReportSuccess()
}

func TestSuccessFailureCounter(t *testing.T) {
	tests := map[string]struct {
		call            func(*testing.T, SuccessFailureCounter, int)
		input           int
		expectedSuccess int64
		expectedFailure int64
	}{
		"default success - no report": {
			call:            defaultToSuccess,
			input:           1,
			expectedSuccess: 1,
		},
		"default success - report success": {
			call:            defaultToSuccess,
			input:           2,
			expectedSuccess: 1,
		},
		"default success - report failure": {
			call:            defaultToSuccess,
			input:           3,
			expectedFailure: 1,
		},
		"default failure - no report": {
			call:            defaultToFailure,
			input:           1,
			expectedFailure: 1,
		},
		"default failure - report success": {
			call:            defaultToFailure,
			input:           2,
			expectedSuccess: 1,
		},
		"default failure - report failure": {
			call:            defaultToFailure,
			input:           3,
			expectedFailure: 1,
		},
		"report nil error": {
			call:            reportErr,
			input:           1,
			expectedSuccess: 1,
		},
		"report error": {
			call:            reportErr,
			input:           3,
			expectedFailure: 1,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			reporter := &captureReporter{values: make(map[metrics.MetricID]int64)}
			metrics.Flush()
			metrics.SetReporter(reporter)
			defer metrics.SetReporter(nil)

			sfc := New(metrics.IDAnalysisSuccess, metrics.IDAnalysisFailure)
			test.call(t, sfc, test.input)
			metrics.Flush()

			assert.Equal(t, test.expectedSuccess, reporter.values[metrics.IDAnalysisSuccess])
			assert.Equal(t, test.expectedFailure, reporter.values[metrics.IDAnalysisFailure])
		})
	}
}
