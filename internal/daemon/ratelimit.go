package daemon

import "time"

// logLimiter admits at most one log line per key per interval. Keys idle for
// several intervals are forgotten so a scan from many sources cannot grow the
// table without bound.
type logLimiter struct {
	interval  time.Duration
	last      map[uint32]time.Time
	lastSweep time.Time
}

func newLogLimiter(interval time.Duration) *logLimiter {
	return &logLimiter{interval: interval, last: make(map[uint32]time.Time)}
}

func (l *logLimiter) allow(key uint32, now time.Time) bool {
	if last, ok := l.last[key]; ok && now.Sub(last) < l.interval {
		return false
	}
	l.last[key] = now
	if now.Sub(l.lastSweep) > 2*l.interval {
		for k, ts := range l.last {
			if now.Sub(ts) > 4*l.interval {
				delete(l.last, k)
			}
		}
		l.lastSweep = now
	}
	return true
}
