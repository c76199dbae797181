package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type ping struct {
	N int `json:"n"`
}

func TestMemoryBusRedeliversUntilAccepted(t *testing.T) {
	b := NewMemoryBus(5*time.Millisecond, zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var mu sync.Mutex
	var attempts []int
	done := make(chan struct{})

	go b.Subscribe(ctx, "t", "g", func(_ context.Context, d *Delivery) error {
		var p ping
		if err := d.Decode(&p); err != nil {
			t.Errorf("decode: %v", err)
		}
		mu.Lock()
		defer mu.Unlock()
		attempts = append(attempts, d.Attempt)
		if d.Attempt < 3 {
			return errors.New("not yet")
		}
		close(done)
		return nil
	})

	if err := b.Publish(ctx, "t", ping{N: 1}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("message was never accepted")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(attempts) != 3 || attempts[2] != 3 {
		t.Errorf("expected attempts [1 2 3], got %v", attempts)
	}
}

func TestMemoryBusGroupsEachSeeEveryMessage(t *testing.T) {
	b := NewMemoryBus(0, zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	counts := make(map[string]int)
	var mu sync.Mutex

	for _, g := range []string{"coordinator", "audit"} {
		wg.Add(1)
		group := g
		go func() {
			seen := 0
			b.Subscribe(ctx, "t", group, func(_ context.Context, d *Delivery) error {
				mu.Lock()
				counts[group]++
				mu.Unlock()
				seen++
				if seen == 3 {
					wg.Done()
				}
				return nil
			})
		}()
	}

	for i := 0; i < 3; i++ {
		if err := b.Publish(ctx, "t", ping{N: i}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	waited := make(chan struct{})
	go func() { wg.Wait(); close(waited) }()
	select {
	case <-waited:
	case <-ctx.Done():
		t.Fatal("groups did not receive all messages")
	}

	mu.Lock()
	defer mu.Unlock()
	if counts["coordinator"] != 3 || counts["audit"] != 3 {
		t.Errorf("expected 3 per group, got %v", counts)
	}
	if got := len(b.Messages("t")); got != 3 {
		t.Errorf("expected 3 logged messages, got %d", got)
	}
}

func TestMemoryBusCloseStopsSubscribers(t *testing.T) {
	b := NewMemoryBus(0, zap.NewNop())
	returned := make(chan struct{})
	go func() {
		b.Subscribe(context.Background(), "t", "g", func(context.Context, *Delivery) error { return nil })
		close(returned)
	}()
	time.Sleep(10 * time.Millisecond)
	b.Close()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("subscriber did not stop on Close")
	}
}

func TestTaskTopic(t *testing.T) {
	if got := TaskTopic("call-elevator"); got != "task.call-elevator" {
		t.Errorf("unexpected topic %q", got)
	}
}
