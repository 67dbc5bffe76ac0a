// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package periodiccaller allows periodic calls of functions.
package periodiccaller // import "go.opentelemetry.io/ctfstate/periodiccaller"

import (
	"context"
	"sync"
	"time"
)

// Start starts a timer that calls callback every interval until ctx is canceled or the
// returned stop function is called. stop waits for a running callback to return, so no
// callback runs after stop returns.
func Start(ctx context.Context, interval time.Duration, callback func()) (stop func()) {
	return StartWithManualTrigger(ctx, interval, nil, func(bool) { callback() })
}

// StartWithManualTrigger is like Start, and additionally calls callback(true) whenever a
// value is received from trigger. A nil trigger never fires.
func StartWithManualTrigger(ctx context.Context, interval time.Duration, trigger <-chan bool,
	callback func(manualTrigger bool)) (stop func()) {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				callback(false)
			case <-trigger:
				callback(true)
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
		wg.Wait()
	}
}
