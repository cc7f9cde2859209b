package alertapi

import (
	"sync"

	"golang.org/x/time/rate"
)

// workspaceLimiter holds one token bucket per workspace. Workspaces are
// bounded by the configured API tokens, so entries are never evicted.
type workspaceLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	perSec   rate.Limit
	burst    int
}

func newWorkspaceLimiter(perSecond float64, burst int) *workspaceLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &workspaceLimiter{
		limiters: make(map[string]*rate.Limiter),
		perSec:   rate.Limit(perSecond),
		burst:    burst,
	}
}

// Allow reports whether the workspace may ingest another event now. A nil
// limiter allows everything.
func (l *workspaceLimiter) Allow(workspaceID string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	lim, ok := l.limiters[workspaceID]
	if !ok {
		lim = rate.NewLimiter(l.perSec, l.burst)
		l.limiters[workspaceID] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}
