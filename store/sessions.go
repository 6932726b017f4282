package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

const sessionCols = `id, sandbox_id, profile_id, desired_state, observed_state,
	container_id, endpoint, containers, created_at, last_active_at, last_observed_at`

// InsertSession writes a new session row.
func (t *Tx) InsertSession(s *Session) error {
	containers, err := marshalContainers(s.Containers)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO sessions (`+sessionCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.SandboxID, s.ProfileID, s.DesiredState, s.ObservedState,
		s.ContainerID, s.Endpoint, containers,
		nano(s.CreatedAt), nano(s.LastActiveAt), nano(s.LastObservedAt))
	if err != nil {
		return fmt.Errorf("insert session %s: %w", s.ID, err)
	}
	return nil
}

func (t *Tx) GetSession(id string) (*Session, error) {
	row := t.tx.QueryRowContext(t.ctx,
		`SELECT `+sessionCols+` FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// SessionExists reports whether a row with id exists. The orphan GC
// uses it to cross-reference container labels without loading rows.
func (t *Tx) SessionExists(id string) (bool, error) {
	var n int
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT COUNT(*) FROM sessions WHERE id = ?`, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("session exists %s: %w", id, err)
	}
	return n > 0, nil
}

// UpdateSession writes back every mutable column.
func (t *Tx) UpdateSession(s *Session) error {
	containers, err := marshalContainers(s.Containers)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE sessions SET
			desired_state = ?,
			observed_state = ?,
			container_id = ?,
			endpoint = ?,
			containers = ?,
			last_active_at = ?,
			last_observed_at = ?
		WHERE id = ?`,
		s.DesiredState, s.ObservedState, s.ContainerID, s.Endpoint,
		containers, nano(s.LastActiveAt), nano(s.LastObservedAt), s.ID)
	if err != nil {
		return fmt.Errorf("update session %s: %w", s.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update session %s: %w", s.ID, ErrNotFound)
	}
	return nil
}

// DeleteSession removes the row. Deleting an absent row is a no-op,
// matching the idempotent destroy path.
func (t *Tx) DeleteSession(id string) error {
	if _, err := t.tx.ExecContext(t.ctx,
		`DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

// SessionsForSandbox returns every session row pointing at sandboxID.
// Invariant S3 keeps this at one live session, but delete sweeps all.
func (t *Tx) SessionsForSandbox(sandboxID string) ([]*Session, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT `+sessionCols+` FROM sessions
		WHERE sandbox_id = ? ORDER BY created_at ASC`, sandboxID)
	if err != nil {
		return nil, fmt.Errorf("sessions for sandbox %s: %w", sandboxID, err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func marshalContainers(cs []SessionContainer) (any, error) {
	if cs == nil {
		return nil, nil
	}
	data, err := json.Marshal(cs)
	if err != nil {
		return nil, fmt.Errorf("marshal containers: %w", err)
	}
	return string(data), nil
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		s          Session
		containers sql.NullString
		created    int64
		active     int64
		observed   int64
	)
	err := row.Scan(&s.ID, &s.SandboxID, &s.ProfileID,
		&s.DesiredState, &s.ObservedState,
		&s.ContainerID, &s.Endpoint, &containers,
		&created, &active, &observed)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}

	if containers.Valid && containers.String != "" {
		if err := json.Unmarshal([]byte(containers.String), &s.Containers); err != nil {
			return nil, fmt.Errorf("unmarshal containers for %s: %w", s.ID, err)
		}
	}
	s.CreatedAt = fromNanoValue(created)
	s.LastActiveAt = fromNanoValue(active)
	s.LastObservedAt = fromNanoValue(observed)
	return &s, nil
}
