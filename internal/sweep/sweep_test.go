package sweep

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nidhogg/nuka-building/internal/coordinator"
	"go.uber.org/zap"
)

func TestFireNowRecordsPass(t *testing.T) {
	s := NewSweeper(func(context.Context) (coordinator.SweepReport, error) {
		return coordinator.SweepReport{TimedOut: 2, Purged: 1}, nil
	}, time.Second, zap.NewNop())

	if s.Last() != nil {
		t.Fatal("no pass expected yet")
	}
	p, err := s.FireNow(context.Background())
	if err != nil {
		t.Fatalf("fire: %v", err)
	}
	if p.Report.TimedOut != 2 || s.Last().Report.Purged != 1 {
		t.Errorf("unexpected pass: %+v", p)
	}
}

func TestFireNowRecordsError(t *testing.T) {
	s := NewSweeper(func(context.Context) (coordinator.SweepReport, error) {
		return coordinator.SweepReport{Redispatched: 1}, errors.New("store down")
	}, time.Second, zap.NewNop())

	if _, err := s.FireNow(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	last := s.Last()
	if last.Error != "store down" || last.Report.Redispatched != 1 {
		t.Errorf("unexpected pass: %+v", last)
	}
}

func TestPassesDoNotOverlap(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	s := NewSweeper(func(ctx context.Context) (coordinator.SweepReport, error) {
		close(started)
		<-release
		return coordinator.SweepReport{}, nil
	}, time.Second, zap.NewNop())

	done := make(chan struct{})
	go func() {
		s.FireNow(context.Background())
		close(done)
	}()
	<-started
	if _, err := s.FireNow(context.Background()); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	close(release)
	<-done
}

func TestPassIsBoundedByTimeout(t *testing.T) {
	s := NewSweeper(func(ctx context.Context) (coordinator.SweepReport, error) {
		<-ctx.Done()
		return coordinator.SweepReport{}, ctx.Err()
	}, 10*time.Millisecond, zap.NewNop())

	if _, err := s.FireNow(context.Background()); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestClockDrivesSweeper(t *testing.T) {
	var passes atomic.Int32
	s := NewSweeper(func(context.Context) (coordinator.SweepReport, error) {
		passes.Add(1)
		return coordinator.SweepReport{}, nil
	}, time.Second, zap.NewNop())

	c := NewClock(5*time.Millisecond, zap.NewNop())
	c.AddListener(s)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for passes.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("only %d passes ran", passes.Load())
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}
