// Package ticks defines the pipeline's canonical time unit: 100-nanosecond
// ticks, 10,000,000 per second. Every timestamp and duration that crosses a
// component boundary in the replay pipeline is expressed in ticks so that
// video and audio stay comparable without a conversion at each call site.
package ticks

import "time"

// PerSecond is the number of ticks in one second.
const PerSecond int64 = 10_000_000

// FromDuration converts a time.Duration to ticks.
func FromDuration(d time.Duration) int64 {
	return int64(d) / 100
}

// ToDuration converts a tick count to a time.Duration.
func ToDuration(t int64) time.Duration {
	return time.Duration(t) * 100
}

// FromSeconds converts a whole number of seconds to ticks.
func FromSeconds(s int) int64 {
	return int64(s) * PerSecond
}
