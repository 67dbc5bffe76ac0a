// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package successfailurecounter reports the outcome of an operation to one of two metrics,
// exactly once.
//
// A SuccessFailureCounter is **not** thread safe. It is meant to live on the stack of the
// operation whose outcome it reports.
package successfailurecounter // import "go.opentelemetry.io/ctfstate/successfailurecounter"

import (
	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/ctfstate/metrics"
)

// SuccessFailureCounter increments a success or a failure metric exactly once.
type SuccessFailureCounter struct {
	success, fail metrics.MetricID
	sealed        bool
}

// New returns a SuccessFailureCounter that can be incremented exactly once.
func New(success, fail metrics.MetricID) SuccessFailureCounter {
	return SuccessFailureCounter{success: success, fail: fail}
}

// ReportSuccess increments the success metric or logs an error otherwise.
func (sfc *SuccessFailureCounter) ReportSuccess() {
	if sfc.sealed {
		log.Errorf("Attempted to report success/failure status more than once.")
		return
	}
	metrics.Add(sfc.success, 1)
	sfc.sealed = true
}

// ReportFailure increments the failure metric or logs an error otherwise.
func (sfc *SuccessFailureCounter) ReportFailure() {
	if sfc.sealed {
		log.Errorf("Attempted to report failure/success status more than once.")
		return
	}
	metrics.Add(sfc.fail, 1)
	sfc.sealed = true
}

// Report reports failure when err is not nil and success otherwise.
func (sfc *SuccessFailureCounter) Report(err error) {
	if err != nil {
		sfc.ReportFailure()
		return
	}
	sfc.ReportSuccess()
}

// DefaultToSuccess increments the success metric if nothing was reported before.
func (sfc *SuccessFailureCounter) DefaultToSuccess() {
	if !sfc.sealed {
		metrics.Add(sfc.success, 1)
		sfc.sealed = true
	}
}

// DefaultToFailure increments the failure metric if nothing was reported before.
func (sfc *SuccessFailureCounter) DefaultToFailure() {
	if !sfc.sealed {
		metrics.Add(sfc.fail, 1)
		sfc.sealed = true
	}
}
