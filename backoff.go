package relay

import (
	"math/rand"
	"time"
)

const (
	backoffFloorMillis = 250
	backoffCeilMillis  = 25000
	backoffStepMillis  = 2000
	backoffBaseMillis  = 500
)

// RetryDelay returns the jittered wait before the next reconnect attempt
// after the given number of consecutive failures.
//
// The delay is drawn uniformly from [lower, upper] where
//
//	upper = min(500 + failures*2000, 25000)
//	lower = min(max(250, (failures-1)*2000), 25000)
//
// in milliseconds, so it always lies within [250ms, 25s].
func RetryDelay(failures int) time.Duration {
	return retryDelay(failures, rand.Float64)
}

func retryDelay(failures int, rnd func() float64) time.Duration {
	lower, upper := retryBounds(failures)
	delay := float64(lower) + rnd()*float64(upper-lower)
	return time.Duration(delay * float64(time.Millisecond))
}

// retryBounds returns the [lower, upper] window in milliseconds.
func retryBounds(failures int) (int, int) {
	if failures < 0 {
		failures = 0
	}
	// past this point both bounds sit at the ceiling; clamp to avoid overflow
	if failures > backoffCeilMillis {
		failures = backoffCeilMillis
	}
	upper := min(backoffBaseMillis+failures*backoffStepMillis, backoffCeilMillis)
	lower := min(max(backoffFloorMillis, (failures-1)*backoffStepMillis), backoffCeilMillis)
	if lower > upper {
		lower = upper
	}
	return lower, upper
}
