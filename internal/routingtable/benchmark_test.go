package routingtable

import (
	"context"
	"fmt"
	"testing"

	"github.com/rmacdonaldsmith/topicrelay-go/pkg/routingtable"
)

// BenchmarkMatches measures the matcher on a pattern that forces backtracking
func BenchmarkMatches(b *testing.B) {
	key := routingtable.Tokens("a.b.c.d.e.f.g.h.i.j.target.end")
	pattern := routingtable.Tokens("a.#.target.#.end")

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if !Matches(key, pattern) {
			b.Fatal("expected match")
		}
	}
}

// BenchmarkInMemoryRoutingTable_Subscribe measures subscription performance
func BenchmarkInMemoryRoutingTable_Subscribe(b *testing.B) {
	rt := NewInMemoryRoutingTable()
	defer rt.Close()
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, err := rt.Subscribe(ctx, routingtable.TopicBinding("orders.created"), nopHandler, routingtable.SubscribeOptions{})
		if err != nil {
			b.Fatalf("Subscribe failed: %v", err)
		}
	}
}

// BenchmarkInMemoryRoutingTable_MatchAll measures lookup performance
func BenchmarkInMemoryRoutingTable_MatchAll(b *testing.B) {
	rt := NewInMemoryRoutingTable()
	defer rt.Close()
	ctx := context.Background()

	const numSubscribers = 1000
	for i := 0; i < numSubscribers; i++ {
		pattern := fmt.Sprintf("orders.%d.*", i%50)
		if i%10 == 0 {
			pattern = "orders.#"
		}
		subscribe(b, rt, pattern)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, err := rt.MatchAll(ctx, "orders.7.created")
		if err != nil {
			b.Fatalf("MatchAll failed: %v", err)
		}
	}
}

// BenchmarkInMemoryRoutingTable_MixedOperations measures mixed workload performance
func BenchmarkInMemoryRoutingTable_MixedOperations(b *testing.B) {
	rt := NewInMemoryRoutingTable()
	defer rt.Close()
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		subscribe(b, rt, fmt.Sprintf("topic.%d.#", i))
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			switch i % 10 {
			case 0:
				id, err := rt.Subscribe(ctx, routingtable.TopicBinding("churn.*"), nopHandler, routingtable.SubscribeOptions{})
				if err == nil {
					_ = rt.Unsubscribe(ctx, id)
				}
			default:
				_, _ = rt.MatchAll(ctx, fmt.Sprintf("topic.%d.event", i%100))
			}
			i++
		}
	})
}
