package ratelimit

import (
	"context"
	"testing"
)

func TestLocalCapacityPerProducer(t *testing.T) {
	ctx := context.Background()
	l := NewLocal(2, 0)

	for i := 0; i < 2; i++ {
		if d, _ := l.Allow(ctx, "producer-a"); !d.Allowed {
			t.Fatalf("expected token %d allowed", i)
		}
	}
	if d, _ := l.Allow(ctx, "producer-a"); d.Allowed {
		t.Fatalf("expected third token to be rejected")
	}
	if d, _ := l.Allow(ctx, "producer-b"); !d.Allowed {
		t.Fatalf("expected producer-b to have its own bucket")
	}
}
