package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/dontdude/buildbox/internal/domain"
)

// subscriberBuffer is how many events a slow subscriber may fall behind by before
// events are dropped for it.
const subscriberBuffer = 64

// LocalBus is an in-process event bus for single-replica deployments.
type LocalBus struct {
	mu   sync.Mutex
	subs map[chan domain.Event]struct{}
}

var (
	_ domain.EventPublisher  = (*LocalBus)(nil)
	_ domain.EventSubscriber = (*LocalBus)(nil)
)

func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[chan domain.Event]struct{})}
}

// Publish never blocks on a slow subscriber.
func (b *LocalBus) Publish(_ context.Context, ev domain.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			slog.Warn("Dropping event for slow subscriber", "jobID", ev.JobID, "state", ev.State)
		}
	}
	return nil
}

// Subscribe returns a channel that is closed once ctx is done.
func (b *LocalBus) Subscribe(ctx context.Context) (<-chan domain.Event, error) {
	ch := make(chan domain.Event, subscriberBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, ch)
		close(ch)
		b.mu.Unlock()
	}()
	return ch, nil
}
