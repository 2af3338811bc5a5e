/*
Copyright 2024 The Agent Operator Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package events

import (
	"errors"
	"sync"

	"golang.org/x/time/rate"
)

// ErrThrottled is recorded when a report is dropped by the rate limit
var ErrThrottled = errors.New("event throttled")

// throttle holds one token bucket per event reason. Bursts of the same
// reason, such as a node pool adding many agent pods at once, are dropped
// instead of flooding the API server.
type throttle struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newThrottle(limit rate.Limit, burst int) *throttle {
	return &throttle{
		limit:    limit,
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (t *throttle) allow(reason string) bool {
	t.mu.Lock()
	limiter, ok := t.limiters[reason]
	if !ok {
		limiter = rate.NewLimiter(t.limit, t.burst)
		t.limiters[reason] = limiter
	}
	t.mu.Unlock()

	return limiter.Allow()
}

// WithRateLimit stops submitting events of a reason once its bucket of burst
// events is spent, refilling at qps per second. Throttled reports still count.
// A non-positive qps disables throttling.
func WithRateLimit(qps float64, burst int) Option {
	return func(r *Reporter) {
		if qps <= 0 {
			r.throttle = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		r.throttle = newThrottle(rate.Limit(qps), burst)
	}
}
