package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/nidhogg/nuka-building/internal/mission"
)

var _ MissionStore = (*Store)(nil)

// Create inserts a mission record unless one with the same id exists.
func (s *Store) Create(ctx context.Context, st *mission.State) (bool, error) {
	data, err := json.Marshal(st)
	if err != nil {
		return false, fmt.Errorf("marshal mission %s: %w", st.Mission.ID, err)
	}
	tag, err := s.db.Exec(ctx, `
		INSERT INTO mission_state (mission_id, intention_id, status, state, version, deadline, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (mission_id) DO NOTHING`,
		st.Mission.ID, st.Mission.IntentionID, string(st.Status), data, st.Version, st.Deadline, st.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("create mission %s: %w", st.Mission.ID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Get retrieves a mission record by id.
func (s *Store) Get(ctx context.Context, missionID string) (*mission.State, error) {
	var data []byte
	var version int64
	err := s.db.QueryRow(ctx,
		`SELECT state, version FROM mission_state WHERE mission_id = $1`, missionID,
	).Scan(&data, &version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get mission %s: %w", missionID, err)
	}
	return decodeState(data, version)
}

// Update performs the compare-and-swap write on the version column.
func (s *Store) Update(ctx context.Context, st *mission.State) error {
	expected := st.Version
	st.Version = expected + 1
	data, err := json.Marshal(st)
	if err != nil {
		st.Version = expected
		return fmt.Errorf("marshal mission %s: %w", st.Mission.ID, err)
	}

	tag, err := s.db.Exec(ctx, `
		UPDATE mission_state SET
			status = $1,
			state = $2,
			version = $3,
			result_claimed_at = $4,
			result_published_at = $5,
			expires_at = $6,
			updated_at = $7
		WHERE mission_id = $8 AND version = $9`,
		string(st.Status), data, st.Version,
		st.ResultClaimedAt, st.ResultPublishedAt, st.ExpiresAt, st.UpdatedAt,
		st.Mission.ID, expected,
	)
	if err != nil {
		st.Version = expected
		return fmt.Errorf("update mission %s: %w", st.Mission.ID, err)
	}
	if tag.RowsAffected() == 0 {
		st.Version = expected
		return fmt.Errorf("update mission %s at version %d: %w", st.Mission.ID, expected, ErrVersionConflict)
	}
	return nil
}

// ListActive pages through non-terminal missions by (deadline, mission_id).
// The cursor deadline is truncated to the column's microsecond precision.
func (s *Store) ListActive(ctx context.Context, after Cursor, limit int) ([]*mission.State, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
		SELECT state, version FROM mission_state
		WHERE status IN ('pending', 'in_progress')
		  AND (deadline, mission_id) > ($1, $2)
		ORDER BY deadline ASC, mission_id ASC
		LIMIT $3`, after.Deadline.Truncate(time.Microsecond), after.MissionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list active missions: %w", err)
	}
	return scanStates(rows)
}

// ListUnpublished returns terminal missions with a stale, unconfirmed result claim.
func (s *Store) ListUnpublished(ctx context.Context, claimedBefore time.Time, limit int) ([]*mission.State, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
		SELECT state, version FROM mission_state
		WHERE result_claimed_at IS NOT NULL
		  AND result_published_at IS NULL
		  AND result_claimed_at < $1
		ORDER BY result_claimed_at ASC
		LIMIT $2`, claimedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("list unpublished missions: %w", err)
	}
	return scanStates(rows)
}

// Purge removes terminal missions past their retention.
func (s *Store) Purge(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM mission_state WHERE expires_at IS NOT NULL AND expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("purge missions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanStates(rows pgx.Rows) ([]*mission.State, error) {
	defer rows.Close()

	var out []*mission.State
	for rows.Next() {
		var data []byte
		var version int64
		if err := rows.Scan(&data, &version); err != nil {
			return nil, fmt.Errorf("scan mission: %w", err)
		}
		st, err := decodeState(data, version)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func decodeState(data []byte, version int64) (*mission.State, error) {
	var st mission.State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode mission state: %w", err)
	}
	// The column is authoritative for the CAS.
	st.Version = version
	return &st, nil
}
