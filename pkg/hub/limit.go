package hub

import (
	"math"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// visitorIdle is how long an address keeps its limiter after its last upgrade.
const visitorIdle = 5 * time.Minute

// visitors limits websocket upgrades per remote IP.
type visitors struct {
	limit rate.Limit
	burst int

	mu        sync.Mutex
	seen      map[string]*visitor
	lastSweep time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newVisitors(limit rate.Limit, burst int) *visitors {
	return &visitors{limit: limit, burst: burst, seen: make(map[string]*visitor)}
}

// allow reports whether ip may upgrade at now. Idle addresses are swept on the
// way, so the map only holds recent visitors.
func (v *visitors) allow(ip string, now time.Time) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if now.Sub(v.lastSweep) > visitorIdle {
		for addr, vis := range v.seen {
			if now.Sub(vis.lastSeen) > visitorIdle {
				delete(v.seen, addr)
			}
		}
		v.lastSweep = now
	}
	vis, ok := v.seen[ip]
	if !ok {
		vis = &visitor{limiter: rate.NewLimiter(v.limit, v.burst)}
		v.seen[ip] = vis
	}
	vis.lastSeen = now
	return vis.limiter.AllowN(now, 1)
}

func (v *visitors) len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.seen)
}

// defaultBurst allows one second's worth of events at once.
func defaultBurst(r rate.Limit) int {
	if r < 1 || r > math.MaxInt32 {
		return 1
	}
	return int(r)
}

// remoteIP is the peer address of r without its port. Forwarding headers are
// ignored: they are client controlled.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
