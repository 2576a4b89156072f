// Package scanloop runs periodic background sweeps.
package scanloop

import (
	"math/rand/v2"
	"time"
)

// Run executes fn at a jittered interval until stopCh is closed.
// The interval is: minInterval + random([0, jitterRange)).
func Run(stopCh <-chan struct{}, minInterval, jitterRange time.Duration, fn func()) {
	RunTriggered(stopCh, nil, minInterval, jitterRange, fn)
}

// RunTriggered is like Run, but a receive on trigger runs fn immediately and
// restarts the interval. A nil trigger never fires.
func RunTriggered(stopCh <-chan struct{}, trigger <-chan struct{}, minInterval, jitterRange time.Duration, fn func()) {
	if minInterval <= 0 {
		minInterval = time.Second
	}
	if jitterRange < 0 {
		jitterRange = 0
	}

	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C // drain initial fire

	for {
		interval := minInterval
		if jitterRange > 0 {
			interval += time.Duration(rand.Int64N(int64(jitterRange)))
		}

		timer.Reset(interval)
		select {
		case <-stopCh:
			return
		case <-timer.C:
		case <-trigger:
			timer.Stop()
		}
		fn()
	}
}
