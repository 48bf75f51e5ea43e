package install

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/stovon/lodestone/internal/ratelimit"
)

// Governor pools connection slots and a global bandwidth bucket across
// every operation in the process. Individual transfers ask for as many
// slots as their title would like and run with whatever they are granted.
type Governor struct {
	slots  chan struct{}
	global *rate.Limiter
}

func NewGovernor(maxConnections int, globalBytesPerSec int64) *Governor {
	if maxConnections < 1 {
		maxConnections = 1
	}
	return &Governor{
		slots:  make(chan struct{}, maxConnections),
		global: ratelimit.NewGlobalBucket(globalBytesPerSec),
	}
}

// Reserve grants up to want connection slots, blocking until at least one
// is free. The returned function gives the slots back.
func (g *Governor) Reserve(ctx context.Context, want int) (int, func(), error) {
	if want < 1 {
		want = 1
	}
	select {
	case g.slots <- struct{}{}:
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
	granted := 1
	for granted < want {
		select {
		case g.slots <- struct{}{}:
			granted++
		default:
			// Contention; run with what we have rather than wait.
			want = granted
		}
	}
	release := func() {
		for i := 0; i < granted; i++ {
			<-g.slots
		}
	}
	return granted, release, nil
}

// GlobalBucket returns the shared bandwidth bucket, nil when uncapped.
func (g *Governor) GlobalBucket() *rate.Limiter { return g.global }

// LimiterFor builds the limiter chain for one transfer: the title's own
// cap layered under the process-wide bucket.
func (g *Governor) LimiterFor(sessionBytesPerSec int64) *ratelimit.Limiter {
	return ratelimit.New(sessionBytesPerSec).WithGlobal(g.global)
}
