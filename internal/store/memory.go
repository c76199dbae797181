package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nidhogg/nuka-building/internal/mission"
)

// MemoryMissionStore is an in-process MissionStore with the same
// conditional-write semantics as the Postgres table.
type MemoryMissionStore struct {
	mu       sync.Mutex
	missions map[string]*mission.State
}

var _ MissionStore = (*MemoryMissionStore)(nil)

// NewMemoryMissionStore creates an empty store.
func NewMemoryMissionStore() *MemoryMissionStore {
	return &MemoryMissionStore{missions: make(map[string]*mission.State)}
}

func (s *MemoryMissionStore) Create(_ context.Context, st *mission.State) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.missions[st.Mission.ID]; ok {
		return false, nil
	}
	s.missions[st.Mission.ID] = st.Clone()
	return true, nil
}

func (s *MemoryMissionStore) Get(_ context.Context, missionID string) (*mission.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.missions[missionID]
	if !ok {
		return nil, ErrNotFound
	}
	return st.Clone(), nil
}

func (s *MemoryMissionStore) Update(_ context.Context, st *mission.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.missions[st.Mission.ID]
	if !ok || cur.Version != st.Version {
		return fmt.Errorf("update mission %s at version %d: %w", st.Mission.ID, st.Version, ErrVersionConflict)
	}
	st.Version++
	s.missions[st.Mission.ID] = st.Clone()
	return nil
}

func (s *MemoryMissionStore) ListActive(_ context.Context, after Cursor, limit int) ([]*mission.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*mission.State
	for _, st := range s.missions {
		if !st.Status.Terminal() && after.before(After(st)) {
			out = append(out, st.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return After(out[i]).before(After(out[j])) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (c Cursor) before(o Cursor) bool {
	if !c.Deadline.Equal(o.Deadline) {
		return c.Deadline.Before(o.Deadline)
	}
	return c.MissionID < o.MissionID
}

func (s *MemoryMissionStore) ListUnpublished(_ context.Context, claimedBefore time.Time, limit int) ([]*mission.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*mission.State
	for _, st := range s.missions {
		if st.ResultClaimedAt != nil && st.ResultPublishedAt == nil && st.ResultClaimedAt.Before(claimedBefore) {
			out = append(out, st.Clone())
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryMissionStore) Purge(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, st := range s.missions {
		if st.ExpiresAt != nil && st.ExpiresAt.Before(now) {
			delete(s.missions, id)
			n++
		}
	}
	return n, nil
}

type expiring[T any] struct {
	value     T
	expiresAt time.Time
}

// MemoryMonitorStore is an in-process MonitorStore honouring TTLs lazily.
type MemoryMonitorStore struct {
	mu       sync.Mutex
	now      func() time.Time
	monitors map[string]expiring[mission.MonitoringState]
	leases   map[string]expiring[string]
	results  map[string]expiring[mission.TaskResult]
}

var _ MonitorStore = (*MemoryMonitorStore)(nil)

// NewMemoryMonitorStore creates an empty store. now may be nil.
func NewMemoryMonitorStore(now func() time.Time) *MemoryMonitorStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryMonitorStore{
		now:      now,
		monitors: make(map[string]expiring[mission.MonitoringState]),
		leases:   make(map[string]expiring[string]),
		results:  make(map[string]expiring[mission.TaskResult]),
	}
}

func (s *MemoryMonitorStore) GetMonitor(_ context.Context, key string) (*mission.MonitoringState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.monitors[key]
	if !ok || !s.now().Before(e.expiresAt) {
		delete(s.monitors, key)
		return nil, ErrNotFound
	}
	v := e.value
	return &v, nil
}

func (s *MemoryMonitorStore) PutMonitor(_ context.Context, st *mission.MonitoringState) error {
	if st.TTL <= 0 {
		return fmt.Errorf("monitor %s: ttl is required", st.Key())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.monitors[st.Key()] = expiring[mission.MonitoringState]{value: *st, expiresAt: s.now().Add(st.TTL)}
	return nil
}

func (s *MemoryMonitorStore) DeleteMonitor(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.monitors, key)
	return nil
}

func (s *MemoryMonitorStore) AcquireLease(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.leases[key]; ok && s.now().Before(e.expiresAt) {
		return false, nil
	}
	s.leases[key] = expiring[string]{value: owner, expiresAt: s.now().Add(ttl)}
	return true, nil
}

func (s *MemoryMonitorStore) RenewLease(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.leases[key]; ok && e.value != owner && s.now().Before(e.expiresAt) {
		return false, nil
	}
	s.leases[key] = expiring[string]{value: owner, expiresAt: s.now().Add(ttl)}
	return true, nil
}

func (s *MemoryMonitorStore) ReleaseLease(_ context.Context, key, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.leases[key]; ok && e.value == owner {
		delete(s.leases, key)
	}
	return nil
}

func (s *MemoryMonitorStore) RememberResult(_ context.Context, r *mission.TaskResult, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[mission.TaskKey(r.MissionID, r.TaskID)] = expiring[mission.TaskResult]{value: *r, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *MemoryMonitorStore) RecallResult(_ context.Context, key string) (*mission.TaskResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.results[key]
	if !ok || !s.now().Before(e.expiresAt) {
		delete(s.results, key)
		return nil, ErrNotFound
	}
	v := e.value
	return &v, nil
}
