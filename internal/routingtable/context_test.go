package routingtable

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rmacdonaldsmith/topicrelay-go/pkg/routingtable"
)

func TestInMemoryRoutingTable_ContextCancellation(t *testing.T) {
	rt := NewInMemoryRoutingTable()
	defer rt.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := rt.Subscribe(ctx, routingtable.TopicBinding("orders.created"), nopHandler, routingtable.SubscribeOptions{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled from Subscribe, got %v", err)
	}

	count, _ := rt.Count(context.Background())
	if count != 0 {
		t.Fatalf("Expected no subscription registered with a cancelled context, got %d", count)
	}
}

func TestInMemoryRoutingTable_ContextTimeout(t *testing.T) {
	rt := NewInMemoryRoutingTable()
	defer rt.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	_, err := rt.Subscribe(ctx, routingtable.TopicBinding("orders.created"), nopHandler, routingtable.SubscribeOptions{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected context.DeadlineExceeded from Subscribe, got %v", err)
	}
}

// Control and read operations never block, so they complete even with a done context
func TestInMemoryRoutingTable_ReadsIgnoreDoneContext(t *testing.T) {
	rt := NewInMemoryRoutingTable()
	defer rt.Close()

	id := subscribe(t, rt, "orders.*")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if ids, err := rt.MatchAll(ctx, "orders.created"); err != nil || len(ids) != 1 {
			t.Errorf("MatchAll with done context: ids=%v err=%v", ids, err)
		}
		if _, err := rt.List(ctx); err != nil {
			t.Errorf("List with done context failed: %v", err)
		}
		if err := rt.Unsubscribe(ctx, id); err != nil {
			t.Errorf("Unsubscribe with done context failed: %v", err)
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Operations did not complete within reasonable time")
	}
}
