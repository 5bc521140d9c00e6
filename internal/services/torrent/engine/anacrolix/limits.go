package anacrolix

import (
	"time"

	"golang.org/x/time/rate"
)

// throttle enforces a per-torrent rate on top of the client-wide limiters.
// anacrolix has no per-torrent limiter, so transferred bytes are charged to a
// token bucket after the fact and transfer is held while the bucket is in debt.
type throttle struct {
	lim   *rate.Limiter
	until time.Time
}

// newThrottle returns nil for kib <= 0, which means unlimited.
func newThrottle(kib int64) *throttle {
	if kib <= 0 {
		return nil
	}
	bytesPerSec := kib * 1024
	return &throttle{lim: rate.NewLimiter(rate.Limit(bytesPerSec), int(max(bytesPerSec, minLimiterBurst)))}
}

// charge records n transferred bytes and reports whether transfer must be
// held at now.
func (th *throttle) charge(n int64, now time.Time) bool {
	if th == nil {
		return false
	}
	burst := int64(th.lim.Burst())
	for n > 0 {
		chunk := min(n, burst)
		r := th.lim.ReserveN(now, int(chunk))
		if !r.OK() {
			break
		}
		if d := r.DelayFrom(now); d > 0 {
			if end := now.Add(d); end.After(th.until) {
				th.until = end
			}
		}
		n -= chunk
	}
	return now.Before(th.until)
}

func (th *throttle) holding(now time.Time) bool {
	return th != nil && now.Before(th.until)
}
