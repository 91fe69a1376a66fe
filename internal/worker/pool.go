package worker

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/dontdude/buildbox/internal/domain"
)

// Pool is a counting admission gate: at most capacity builds hold a slot at once.
// When every slot is taken a new build either fails fast or queues for up to
// queueWait, depending on configuration.
type Pool struct {
	sem       *semaphore.Weighted
	capacity  int64
	queueWait time.Duration
	inFlight  atomic.Int64
	stopping  atomic.Bool
}

// NewPool creates a gate with the given concurrency ceiling.
func NewPool(capacity int, queueWait time.Duration) *Pool {
	if capacity < 1 {
		capacity = 1
	}
	slog.Info("Admission gate ready", "capacity", capacity, "queueWait", queueWait)
	return &Pool{
		sem:       semaphore.NewWeighted(int64(capacity)),
		capacity:  int64(capacity),
		queueWait: queueWait,
	}
}

// Do runs fn while holding a slot. It returns a Busy error when no slot could be
// obtained and a Canceled error when ctx ended while queued.
func (p *Pool) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := p.acquire(ctx); err != nil {
		return err
	}
	p.inFlight.Add(1)
	defer func() {
		p.inFlight.Add(-1)
		p.sem.Release(1)
	}()
	return fn(ctx)
}

func (p *Pool) acquire(ctx context.Context) error {
	if p.stopping.Load() {
		return domain.Errorf(domain.KindBusy, "server is shutting down")
	}
	if p.queueWait <= 0 {
		if !p.sem.TryAcquire(1) {
			return domain.Errorf(domain.KindBusy, "all %d build slots are busy", p.capacity)
		}
	} else {
		waitCtx, cancel := context.WithTimeout(ctx, p.queueWait)
		defer cancel()
		if err := p.sem.Acquire(waitCtx, 1); err != nil {
			if ctx.Err() != nil {
				return domain.Wrap(domain.KindCanceled, ctx.Err(), "request ended while queued")
			}
			return domain.Errorf(domain.KindBusy, "no build slot freed up within %v", p.queueWait)
		}
	}
	if p.stopping.Load() {
		p.sem.Release(1)
		return domain.Errorf(domain.KindBusy, "server is shutting down")
	}
	return nil
}

// InFlight is the number of builds currently holding a slot.
func (p *Pool) InFlight() int { return int(p.inFlight.Load()) }

// Capacity is the concurrency ceiling.
func (p *Pool) Capacity() int { return int(p.capacity) }

// Stop refuses new builds and blocks until every in-flight build has released
// its slot or ctx is done.
func (p *Pool) Stop(ctx context.Context) error {
	slog.Info("Stopping admission gate, waiting for builds to drain...", "inFlight", p.InFlight())
	p.stopping.Store(true)
	if err := p.sem.Acquire(ctx, p.capacity); err != nil {
		return err
	}
	slog.Info("Admission gate drained")
	return nil
}
