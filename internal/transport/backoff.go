package transport

import (
	"math/rand"
	"time"
)

// maxJitter is the default bound on the random delay added to every
// reconnect wait.
const maxJitter = time.Second

// Backoff returns min(base * 2^attempt, limit), without jitter.
func Backoff(attempt int, base, limit time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		if d >= limit/2 {
			return limit
		}
		d *= 2
	}
	if d > limit {
		return limit
	}
	return d
}

// UniformJitter returns a jitter source uniform in [0, limit). A limit of
// zero or less disables jitter.
func UniformJitter(limit time.Duration) func() time.Duration {
	if limit <= 0 {
		return func() time.Duration { return 0 }
	}
	return func() time.Duration {
		return time.Duration(rand.Int63n(int64(limit)))
	}
}
