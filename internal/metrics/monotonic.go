package metrics

import (
	"golang.org/x/sys/unix"
)

// MonotonicNs returns CLOCK_MONOTONIC in ns, the time base of the elapsed
// time counters. It returns 0 if the clock cannot be read.
func MonotonicNs() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}

	return uint64(ts.Nano())
}
