package media

import (
	"fmt"
	"time"
)

// DefaultTimeBase is the 90 kHz MPEG clock. VideoFrameFromTensor uses it
// when the caller has no stream-specific time base.
var DefaultTimeBase = TimeBase{Num: 1, Den: 90000}

// TimeBase is an exact rational number of seconds per timestamp unit.
type TimeBase struct {
	Num int32
	Den int32
}

// Valid reports whether the denominator is non-zero.
func (tb TimeBase) Valid() bool {
	return tb.Den != 0
}

// Seconds converts a timestamp in this time base to seconds.
func (tb TimeBase) Seconds(ts int64) float64 {
	if tb.Den == 0 {
		return 0
	}
	return float64(ts) * float64(tb.Num) / float64(tb.Den)
}

// Duration converts a timestamp delta in this time base to a time.Duration.
func (tb TimeBase) Duration(delta int64) time.Duration {
	return time.Duration(tb.Seconds(delta) * float64(time.Second))
}

// String formats the time base as "num/den".
func (tb TimeBase) String() string {
	return fmt.Sprintf("%d/%d", tb.Num, tb.Den)
}
