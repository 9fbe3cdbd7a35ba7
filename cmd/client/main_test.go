package main

import (
	"context"
	"testing"

	"github.com/matst80/backhaul/internal/status"
	"github.com/matst80/backhaul/internal/tunnel"
)

// stoppingRunner mimics the supervisor: it reports a final stopped status
// only after its context has been cancelled.
type stoppingRunner struct {
	pub *status.Publisher
}

func (r stoppingRunner) Run(ctx context.Context) error {
	r.pub.Offer(tunnel.Status{Tunnel: "web", State: tunnel.StateServing})
	<-ctx.Done()
	r.pub.Offer(tunnel.Status{Tunnel: "web", State: tunnel.StateClosed, Stopped: true})
	return nil
}

func TestRunWithPublisherFlushesFinalStatus(t *testing.T) {
	store := status.NewMemoryStore()
	pub := status.NewPublisher(store)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runWithPublisher(ctx, stoppingRunner{pub: pub}, pub)

	st, ok, err := store.Get(context.Background(), "web")
	if err != nil || !ok {
		t.Fatalf("no status stored: ok=%v err=%v", ok, err)
	}
	if !st.Stopped || st.State != tunnel.StateClosed {
		t.Fatalf("stored status %+v, want the final stopped one", st)
	}
}
