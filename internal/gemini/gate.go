package gemini

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"
)

// Gate bounds the number of concurrent upstream generation calls across the process.
type Gate struct {
	sem      *semaphore.Weighted
	size     int64
	wait     time.Duration
	inFlight atomic.Int64

	gauge    prometheus.Gauge
	rejected prometheus.Counter
}

func NewGate(size int, wait time.Duration, gauge prometheus.Gauge, rejected prometheus.Counter) *Gate {
	if size <= 0 {
		size = 1
	}
	return &Gate{
		sem:      semaphore.NewWeighted(int64(size)),
		size:     int64(size),
		wait:     wait,
		gauge:    gauge,
		rejected: rejected,
	}
}

// Acquire waits up to the gate's wait ceiling for a slot. It returns ErrBusy when
// none frees in time. The returned release func must be called exactly once.
func (g *Gate) Acquire(ctx context.Context) (func(), error) {
	waitCtx, cancel := context.WithTimeout(ctx, g.wait)
	defer cancel()

	if err := g.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if g.rejected != nil {
			g.rejected.Inc()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrBusy
		}
		return nil, err
	}

	g.track(1)
	var released atomic.Bool
	return func() {
		if released.CompareAndSwap(false, true) {
			g.track(-1)
			g.sem.Release(1)
		}
	}, nil
}

func (g *Gate) InFlight() int64 {
	return g.inFlight.Load()
}

func (g *Gate) Size() int64 {
	return g.size
}

func (g *Gate) track(delta int64) {
	n := g.inFlight.Add(delta)
	if g.gauge != nil {
		g.gauge.Set(float64(n))
	}
}
