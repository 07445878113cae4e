package client

import (
	"context"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/ratelimit"
)

// hostLimiter paces outbound media fetches per upstream host. A nil
// *hostLimiter never blocks.
type hostLimiter struct {
	rps      int
	limiters *xsync.MapOf[string, ratelimit.Limiter]
}

func newHostLimiter(rps int) *hostLimiter {
	if rps <= 0 {
		return nil
	}
	return &hostLimiter{
		rps:      rps,
		limiters: xsync.NewMapOf[string, ratelimit.Limiter](),
	}
}

// wait blocks until host may be contacted again. Take does not observe the
// context, so cancellation is only reported once the slot is granted.
func (l *hostLimiter) wait(ctx context.Context, host string) error {
	if l == nil {
		return nil
	}
	lim, _ := l.limiters.LoadOrCompute(host, func() ratelimit.Limiter {
		return ratelimit.New(l.rps)
	})
	lim.Take()
	return ctx.Err()
}
