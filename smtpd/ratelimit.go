package smtpd

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ConnRateLimit caps the number of new connections a single remote
// address may open per time window, so one misbehaving or abusive
// peer cannot exhaust the listener's accept loop. Adapted from
// HouzuoGuo-laitos/ratelimit/ratelimit.go's per-actor fixed-window
// counter: same reset-the-whole-map-per-window strategy, renamed
// around remote addresses and switched from the stdlib logger to a
// caller-supplied *logrus.Entry.
type ConnRateLimit struct {
	WindowSecs int64
	MaxConns   int

	mu             sync.Mutex
	windowStart    int64
	counts         map[string]int
	warnedInWindow map[string]struct{}
}

// Init prepares the limiter for use. It panics if WindowSecs or
// MaxConns is non-positive, since a limiter with a zero window or
// zero budget is a configuration mistake, not a runtime condition.
func (r *ConnRateLimit) Init() {
	if r.WindowSecs < 1 || r.MaxConns < 1 {
		panic("smtpd: ConnRateLimit requires WindowSecs >= 1 and MaxConns >= 1")
	}
	r.counts = make(map[string]int)
	r.warnedInWindow = make(map[string]struct{})
}

// Allow records one more connection attempt from remoteAddr and
// reports whether it is within the configured budget for the current
// window.
func (r *ConnRateLimit) Allow(log *logrus.Entry, remoteAddr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if now := time.Now().Unix(); now-r.windowStart >= r.WindowSecs {
		r.counts = make(map[string]int)
		r.warnedInWindow = make(map[string]struct{})
		r.windowStart = now
	}

	count := r.counts[remoteAddr]
	if count >= r.MaxConns {
		if _, warned := r.warnedInWindow[remoteAddr]; !warned {
			log.WithField("remote", remoteAddr).Warnf("connection rate limit exceeded: more than %d connections in %d seconds", r.MaxConns, r.WindowSecs)
			r.warnedInWindow[remoteAddr] = struct{}{}
		}
		return false
	}
	r.counts[remoteAddr] = count + 1
	return true
}
