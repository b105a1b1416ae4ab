// SPDX-License-Identifier: MIT

package api

import (
	"sync"

	"golang.org/x/time/rate"
)

// ownerLimiter throttles expensive operations per owner, independent
// of the per-IP ingress limit: URL ingests fan out into downloads and
// GPU work, so one user must not be able to flood the queues.
type ownerLimiter struct {
	mu    sync.Mutex
	m     map[int64]*rate.Limiter
	limit rate.Limit
	burst int
}

func newOwnerLimiter(perMinute int, burst int) *ownerLimiter {
	return &ownerLimiter{
		m:     make(map[int64]*rate.Limiter),
		limit: rate.Limit(float64(perMinute) / 60.0),
		burst: burst,
	}
}

func (l *ownerLimiter) allow(ownerID int64) bool {
	l.mu.Lock()
	lim := l.m[ownerID]
	if lim == nil {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.m[ownerID] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}
