package service

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/facelock/facelock/internal/domain/identity"
)

func TestAuditService_FlushOnStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := &memEvents{}
	svc := NewAuditService(store, discardLogger(), WithBatchSize(100), WithFlushInterval(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	for i := 0; i < 3; i++ {
		svc.Record(identity.AccessEvent{SessionID: "s", Decision: identity.DecisionDenied})
	}
	svc.Stop()
	svc.Stop()

	got, _ := store.ListAccessEvents(context.Background(), 0)
	if len(got) != 3 {
		t.Errorf("stored %d events, want 3", len(got))
	}
}

func TestAuditService_BatchFlush(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := &memEvents{}
	svc := NewAuditService(store, discardLogger(), WithBatchSize(2), WithFlushInterval(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)
	defer svc.Stop()

	svc.Record(identity.AccessEvent{SessionID: "a"})
	svc.Record(identity.AccessEvent{SessionID: "b"})
	waitFor(t, "batch flush", func() bool {
		got, _ := store.ListAccessEvents(context.Background(), 0)
		return len(got) == 2
	})
}

func TestAuditService_DropsWhenFull(t *testing.T) {
	t.Parallel()

	var drops int
	svc := NewAuditService(&memEvents{}, discardLogger(),
		WithChannelSize(1),
		WithSendTimeout(0),
		WithDropHook(func() { drops++ }))

	// No worker: the second event cannot be queued.
	svc.Record(identity.AccessEvent{SessionID: "a"})
	svc.Record(identity.AccessEvent{SessionID: "b"})
	if svc.DroppedEvents() != 1 || drops != 1 {
		t.Errorf("dropped = %d, hook = %d", svc.DroppedEvents(), drops)
	}
	if svc.ChannelDepth() != 1 || svc.ChannelCapacity() != 1 {
		t.Errorf("depth=%d capacity=%d", svc.ChannelDepth(), svc.ChannelCapacity())
	}
}
