// Package clockutil adapts github.com/benbjohnson/clock.Clock, the
// injected clock capability used for provenance timestamps, to the narrow
// planner.Clock interface, so provenance timestamps are read from an
// injected clock rather than from time.Now.
package clockutil

import (
	"time"

	"github.com/benbjohnson/clock"
)

// UTCStamper implements planner.Clock: a single injected-clock method that
// yields an RFC3339 UTC timestamp for provenance tags.
type UTCStamper struct {
	Clock clock.Clock
}

// New wraps clk (or the real wall clock if nil) as a UTCStamper.
func New(clk clock.Clock) UTCStamper {
	if clk == nil {
		clk = clock.New()
	}
	return UTCStamper{Clock: clk}
}

func (s UTCStamper) NowUTCRFC3339() string {
	return s.Clock.Now().UTC().Format(time.RFC3339)
}
