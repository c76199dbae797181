package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nidhogg/nuka-building/internal/mission"
	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned when a keyed record does not exist (or expired).
	ErrNotFound = errors.New("record not found")
	// ErrVersionConflict is returned when a conditional write lost the race.
	ErrVersionConflict = errors.New("version conflict")
)

// MissionStore is the mission_state table: keyed by mission id, written only
// through conditional inserts and version-checked updates.
type MissionStore interface {
	// Create inserts s if no record with the same mission id exists.
	// It reports false, without error, when the record already existed.
	Create(ctx context.Context, s *mission.State) (bool, error)
	// Get returns the current record or ErrNotFound.
	Get(ctx context.Context, missionID string) (*mission.State, error)
	// Update writes s iff the stored version still equals s.Version, then
	// increments s.Version. A lost race returns ErrVersionConflict.
	Update(ctx context.Context, s *mission.State) error
	// ListActive returns up to limit non-terminal missions positioned after
	// the cursor, ordered by deadline then mission id.
	ListActive(ctx context.Context, after Cursor, limit int) ([]*mission.State, error)
	// ListUnpublished returns terminal missions whose result publish was
	// claimed before claimedBefore and never confirmed.
	ListUnpublished(ctx context.Context, claimedBefore time.Time, limit int) ([]*mission.State, error)
	// Purge deletes records whose retention expired before now.
	Purge(ctx context.Context, now time.Time) (int64, error)
}

// Cursor is a position in the active-mission order. The zero Cursor starts
// at the beginning.
type Cursor struct {
	Deadline  time.Time
	MissionID string
}

// After returns the cursor positioned on st.
func After(st *mission.State) Cursor {
	return Cursor{Deadline: st.Deadline, MissionID: st.Mission.ID}
}

// Store wraps a PostgreSQL connection pool.
type Store struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// New creates a Store with a pgx connection pool.
func New(dsn string, logger *zap.Logger) (*Store, error) {
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("PostgreSQL connected")
	return &Store{db: pool, logger: logger}, nil
}

// Migrate reads and executes all .up.sql files from the migrations directory.
func (s *Store) Migrate(ctx context.Context, migrationsDir string) error {
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(migrationsDir, f))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		s.logger.Info("Migration applied", zap.String("file", f))
	}
	return nil
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.db.Close()
}
