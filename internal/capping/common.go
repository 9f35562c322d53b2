package capping

import "time"

// CappingOpts configures the periodic capping cycle of one board.
type CappingOpts struct {
	Board        string
	SamplePeriod time.Duration
}
