package status

import (
	"context"
	"time"

	"github.com/matst80/backhaul/internal/obs"
	"github.com/matst80/backhaul/internal/tunnel"
)

// Publisher decouples status producers from a possibly slow Store. Only the
// most recent offered status is kept; older unpublished ones are dropped.
type Publisher struct {
	store   Store
	pending chan tunnel.Status
}

// NewPublisher returns a Publisher writing to store. Call Run to start it.
func NewPublisher(store Store) *Publisher {
	return &Publisher{store: store, pending: make(chan tunnel.Status, 1)}
}

// Offer queues st, replacing any status not yet published. It never blocks.
// Offer must not be called concurrently with itself.
func (p *Publisher) Offer(st tunnel.Status) {
	for {
		select {
		case p.pending <- st:
			return
		default:
		}
		select {
		case <-p.pending:
		default:
		}
	}
}

// Run publishes offered statuses until ctx is done, then flushes the last one.
func (p *Publisher) Run(ctx context.Context) {
	for {
		select {
		case st := <-p.pending:
			p.publish(ctx, st)
		case <-ctx.Done():
			select {
			case st := <-p.pending:
				flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				p.publish(flushCtx, st)
				cancel()
			default:
			}
			return
		}
	}
}

func (p *Publisher) publish(ctx context.Context, st tunnel.Status) {
	if err := p.store.Publish(ctx, st); err != nil {
		obs.Error("status.publish", obs.Fields{"tunnel": st.Tunnel, "state": st.State.String()}.Err(err))
	}
}
