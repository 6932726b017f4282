package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by point lookups when no row matches. The
// managers translate it into their coded not_found.
var ErrNotFound = errors.New("store: not found")

const sandboxCols = `id, owner, profile_id, cargo_id, current_session_id,
	expires_at, idle_expires_at, last_active_at, created_at, deleted_at`

// InsertSandbox writes a new sandbox row.
func (t *Tx) InsertSandbox(sb *Sandbox) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO sandboxes (`+sandboxCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sb.ID, sb.Owner, sb.ProfileID, sb.CargoID, sb.CurrentSessionID,
		toNano(sb.ExpiresAt), toNano(sb.IdleExpiresAt),
		nano(sb.LastActiveAt), nano(sb.CreatedAt), toNano(sb.DeletedAt))
	if err != nil {
		return fmt.Errorf("insert sandbox %s: %w", sb.ID, err)
	}
	return nil
}

// GetSandbox returns the row for id, soft-deleted rows included. The
// caller decides whether deleted rows are visible; the GC needs them.
func (t *Tx) GetSandbox(id string) (*Sandbox, error) {
	row := t.tx.QueryRowContext(t.ctx,
		`SELECT `+sandboxCols+` FROM sandboxes WHERE id = ?`, id)
	return scanSandbox(row)
}

// UpdateSandbox writes back every mutable column.
func (t *Tx) UpdateSandbox(sb *Sandbox) error {
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE sandboxes SET
			current_session_id = ?,
			expires_at = ?,
			idle_expires_at = ?,
			last_active_at = ?,
			deleted_at = ?
		WHERE id = ?`,
		sb.CurrentSessionID,
		toNano(sb.ExpiresAt), toNano(sb.IdleExpiresAt),
		nano(sb.LastActiveAt), toNano(sb.DeletedAt),
		sb.ID)
	if err != nil {
		return fmt.Errorf("update sandbox %s: %w", sb.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update sandbox %s: %w", sb.ID, ErrNotFound)
	}
	return nil
}

// ScanSandboxes pages live (not soft-deleted) rows for owner in
// ascending id order, starting strictly after afterID.
func (t *Tx) ScanSandboxes(owner, afterID string, limit int) ([]*Sandbox, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT `+sandboxCols+` FROM sandboxes
		WHERE owner = ? AND id > ? AND deleted_at IS NULL
		ORDER BY id ASC LIMIT ?`,
		owner, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("scan sandboxes: %w", err)
	}
	return collectSandboxes(rows)
}

// ExpiredSandboxes returns live rows whose TTL lapsed before now.
func (t *Tx) ExpiredSandboxes(now time.Time, limit int) ([]*Sandbox, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT `+sandboxCols+` FROM sandboxes
		WHERE deleted_at IS NULL AND expires_at IS NOT NULL AND expires_at < ?
		ORDER BY id ASC LIMIT ?`,
		nano(now), limit)
	if err != nil {
		return nil, fmt.Errorf("scan expired sandboxes: %w", err)
	}
	return collectSandboxes(rows)
}

// IdleExpiredSandboxes returns live rows with a session whose idle
// window lapsed before now.
func (t *Tx) IdleExpiredSandboxes(now time.Time, limit int) ([]*Sandbox, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT `+sandboxCols+` FROM sandboxes
		WHERE deleted_at IS NULL
			AND current_session_id != ''
			AND idle_expires_at IS NOT NULL AND idle_expires_at < ?
		ORDER BY id ASC LIMIT ?`,
		nano(now), limit)
	if err != nil {
		return nil, fmt.Errorf("scan idle sandboxes: %w", err)
	}
	return collectSandboxes(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSandbox(row rowScanner) (*Sandbox, error) {
	var (
		sb                             Sandbox
		expires, idle, deleted         sql.NullInt64
		lastActiveNano, createdAtNano  int64
	)
	err := row.Scan(&sb.ID, &sb.Owner, &sb.ProfileID, &sb.CargoID,
		&sb.CurrentSessionID, &expires, &idle,
		&lastActiveNano, &createdAtNano, &deleted)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan sandbox: %w", err)
	}

	sb.ExpiresAt = fromNano(expires)
	sb.IdleExpiresAt = fromNano(idle)
	sb.DeletedAt = fromNano(deleted)
	sb.LastActiveAt = fromNanoValue(lastActiveNano)
	sb.CreatedAt = fromNanoValue(createdAtNano)
	return &sb, nil
}

func collectSandboxes(rows *sql.Rows) ([]*Sandbox, error) {
	defer rows.Close()

	var out []*Sandbox
	for rows.Next() {
		sb, err := scanSandbox(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sb)
	}
	return out, rows.Err()
}
