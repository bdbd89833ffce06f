// Package ratelimiter paces outbound requests under a fixed per-minute
// ceiling imposed by an upstream API.
package ratelimiter

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"
)

// Pacer queues request functions and executes them at a token-bucket pace.
// When the bounded queue is full the oldest queued request is dropped so a
// caller is never blocked; the drop is reported through the optional onDrop
// callback so the caller can flag the subscription as best-effort.
type Pacer struct {
	limiter *rate.Limiter
	depth   int
	onDrop  func()

	mu    sync.Mutex
	queue []func()
	wake  chan struct{}
}

// NewPacer creates a Pacer allowing perMinute requests per minute with a
// pending queue of at most depth entries.
func NewPacer(perMinute, depth int, onDrop func()) *Pacer {
	if perMinute <= 0 {
		perMinute = 60
	}
	if depth <= 0 {
		depth = 32
	}
	return &Pacer{
		limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), 1),
		depth:   depth,
		onDrop:  onDrop,
		wake:    make(chan struct{}, 1),
	}
}

// Submit enqueues a request for paced execution. It never blocks. The return
// value is false when the queue was full and the oldest pending request was
// dropped to make room.
func (p *Pacer) Submit(fn func()) bool {
	p.mu.Lock()
	dropped := false
	if len(p.queue) >= p.depth {
		// Drop the oldest queued request rather than the newest: stale
		// subscription requests are the least valuable.
		p.queue = p.queue[1:]
		dropped = true
	}
	p.queue = append(p.queue, fn)
	p.mu.Unlock()

	if dropped {
		slog.Warn("request pacer queue full, oldest request dropped", "depth", p.depth)
		if p.onDrop != nil {
			p.onDrop()
		}
	}

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return !dropped
}

// Run drains the queue at the limiter's pace until ctx is cancelled.
// It is intended to run on its own goroutine.
func (p *Pacer) Run(ctx context.Context) {
	for {
		fn := p.next()
		if fn == nil {
			select {
			case <-p.wake:
				continue
			case <-ctx.Done():
				return
			}
		}
		if err := p.limiter.Wait(ctx); err != nil {
			return
		}
		fn()
	}
}

// Pending returns the number of queued requests.
func (p *Pacer) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

func (p *Pacer) next() func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return nil
	}
	fn := p.queue[0]
	p.queue = p.queue[1:]
	return fn
}
