package ledger

import (
	"log/slog"
	"time"
)

// TotalConnected returns the participant's connected time as of now: the
// accumulated total, plus the live interval when the record is open. A live
// interval that would be negative (now before JoinedAt) counts as zero.
func TotalConnected(rec Record, now time.Time) time.Duration {
	if !rec.Open() {
		return rec.Accumulated
	}
	return rec.Accumulated + elapsed(rec.JoinedAt, now)
}

// TotalConnectedSeconds is [TotalConnected] in fractional seconds.
func TotalConnectedSeconds(rec Record, now time.Time) float64 {
	return TotalConnected(rec, now).Seconds()
}

// elapsed returns end - start, clamped at zero with a warning on clock skew.
func elapsed(start, end time.Time) time.Duration {
	d := end.Sub(start)
	if d < 0 {
		slog.Warn("clock skew, interval clamped to zero", "start", start, "end", end, "skew", -d)
		return 0
	}
	return d
}
