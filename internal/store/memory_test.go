package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nidhogg/nuka-building/internal/mission"
)

func sampleState(id string, deadline time.Time) *mission.State {
	return mission.NewState(mission.Mission{
		ID:          id,
		IntentionID: "i-" + id,
		Tasks:       []mission.TaskSpec{{ID: "A", Capability: "unlock-door"}},
		CreatedAt:   time.Now(),
	}, deadline, time.Now())
}

func TestMemoryMissionStoreConditionalWrites(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryMissionStore()

	created, err := s.Create(ctx, sampleState("m-1", time.Now().Add(time.Minute)))
	if err != nil || !created {
		t.Fatalf("first create: created=%v err=%v", created, err)
	}
	created, err = s.Create(ctx, sampleState("m-1", time.Now().Add(time.Minute)))
	if err != nil || created {
		t.Fatalf("second create must be a no-op: created=%v err=%v", created, err)
	}

	a, _ := s.Get(ctx, "m-1")
	b, _ := s.Get(ctx, "m-1")

	a.Status = mission.StatusInProgress
	if err := s.Update(ctx, a); err != nil {
		t.Fatalf("first update: %v", err)
	}
	if a.Version != 1 {
		t.Errorf("expected version 1 after update, got %d", a.Version)
	}

	b.Status = mission.StatusFailed
	if err := s.Update(ctx, b); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("stale update must conflict, got %v", err)
	}

	got, _ := s.Get(ctx, "m-1")
	if got.Status != mission.StatusInProgress {
		t.Errorf("stale writer overwrote state: %s", got.Status)
	}

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryMissionStoreListsAndPurge(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryMissionStore()
	now := time.Now()

	s.Create(ctx, sampleState("late", now.Add(2*time.Minute)))
	s.Create(ctx, sampleState("early", now.Add(time.Minute)))
	s.Create(ctx, sampleState("done", now.Add(time.Minute)))

	done, _ := s.Get(ctx, "done")
	claimed := now.Add(-time.Hour)
	expired := now.Add(-time.Second)
	done.Status = mission.StatusCompleted
	done.ResultClaimedAt = &claimed
	done.ExpiresAt = &expired
	if err := s.Update(ctx, done); err != nil {
		t.Fatalf("update: %v", err)
	}

	active, _ := s.ListActive(ctx, Cursor{}, 10)
	if len(active) != 2 || active[0].Mission.ID != "early" {
		t.Fatalf("expected [early late], got %d entries", len(active))
	}
	page, _ := s.ListActive(ctx, After(active[0]), 1)
	if len(page) != 1 || page[0].Mission.ID != "late" {
		t.Fatalf("expected the page after early to hold late, got %v", page)
	}

	unpublished, _ := s.ListUnpublished(ctx, now, 10)
	if len(unpublished) != 1 || unpublished[0].Mission.ID != "done" {
		t.Fatalf("expected done to be unpublished, got %v", unpublished)
	}

	n, _ := s.Purge(ctx, now)
	if n != 1 {
		t.Errorf("expected 1 purged, got %d", n)
	}
	if _, err := s.Get(ctx, "done"); !errors.Is(err, ErrNotFound) {
		t.Errorf("purged mission still readable: %v", err)
	}
}

func TestMemoryMonitorStoreTTL(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	clock := func() time.Time { return now }
	s := NewMemoryMonitorStore(clock)

	st := &mission.MonitoringState{MissionID: "m", TaskID: "t", TTL: time.Minute}
	if err := s.PutMonitor(ctx, st); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := s.GetMonitor(ctx, "m/t"); err != nil {
		t.Fatalf("get: %v", err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := s.GetMonitor(ctx, "m/t"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired monitor must disappear, got %v", err)
	}

	if err := s.PutMonitor(ctx, &mission.MonitoringState{MissionID: "m", TaskID: "t"}); err == nil {
		t.Error("monitor without ttl must be rejected")
	}
}

func TestMemoryMonitorStoreLease(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	s := NewMemoryMonitorStore(func() time.Time { return now })

	ok, _ := s.AcquireLease(ctx, "m/t", "a", time.Minute)
	if !ok {
		t.Fatal("first acquire must succeed")
	}
	ok, _ = s.AcquireLease(ctx, "m/t", "b", time.Minute)
	if ok {
		t.Fatal("lease is held by a")
	}
	s.ReleaseLease(ctx, "m/t", "b")
	ok, _ = s.AcquireLease(ctx, "m/t", "b", time.Minute)
	if ok {
		t.Fatal("b must not release a's lease")
	}

	now = now.Add(2 * time.Minute)
	ok, _ = s.AcquireLease(ctx, "m/t", "b", time.Minute)
	if !ok {
		t.Fatal("expired lease must be acquirable")
	}
}

func TestMemoryMonitorStoreRenewLease(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	s := NewMemoryMonitorStore(func() time.Time { return now })

	s.AcquireLease(ctx, "m/t", "a", time.Second)
	if ok, _ := s.RenewLease(ctx, "m/t", "b", time.Minute); ok {
		t.Fatal("b must not renew a's lease")
	}
	if ok, _ := s.RenewLease(ctx, "m/t", "a", time.Minute); !ok {
		t.Fatal("holder must renew")
	}
	now = now.Add(30 * time.Second)
	if ok, _ := s.AcquireLease(ctx, "m/t", "b", time.Minute); ok {
		t.Fatal("renewal must extend the lease")
	}

	now = now.Add(time.Minute)
	if ok, _ := s.AcquireLease(ctx, "m/t", "b", time.Minute); !ok {
		t.Fatal("lapsed lease must be acquirable")
	}
	if ok, _ := s.RenewLease(ctx, "m/t", "a", time.Minute); ok {
		t.Fatal("a lost the lease to b")
	}
}
