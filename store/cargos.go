package store

import (
	"database/sql"
	"fmt"
	"time"
)

const cargoCols = `id, owner, driver_ref, managed, managed_by_sandbox_id, created_at`

func (t *Tx) InsertCargo(c *Cargo) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO cargos (`+cargoCols+`)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.Owner, c.DriverRef, c.Managed, c.ManagedBySandboxID,
		nano(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert cargo %s: %w", c.ID, err)
	}
	return nil
}

func (t *Tx) GetCargo(id string) (*Cargo, error) {
	row := t.tx.QueryRowContext(t.ctx,
		`SELECT `+cargoCols+` FROM cargos WHERE id = ?`, id)
	return scanCargo(row)
}

// UpdateCargo writes back the ownership link; everything else on the
// row is immutable.
func (t *Tx) UpdateCargo(c *Cargo) error {
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE cargos SET managed_by_sandbox_id = ? WHERE id = ?`,
		c.ManagedBySandboxID, c.ID)
	if err != nil {
		return fmt.Errorf("update cargo %s: %w", c.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update cargo %s: %w", c.ID, ErrNotFound)
	}
	return nil
}

// DeleteCargo removes the row. Absent rows are a no-op so a retried
// GC cycle converges.
func (t *Tx) DeleteCargo(id string) error {
	if _, err := t.tx.ExecContext(t.ctx,
		`DELETE FROM cargos WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete cargo %s: %w", id, err)
	}
	return nil
}

// ScanCargos pages rows for owner in ascending id order, starting
// strictly after afterID.
func (t *Tx) ScanCargos(owner, afterID string, limit int) ([]*Cargo, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT `+cargoCols+` FROM cargos
		WHERE owner = ? AND id > ?
		ORDER BY id ASC LIMIT ?`,
		owner, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("scan cargos: %w", err)
	}
	return collectCargos(rows)
}

// OrphanCargos returns managed rows whose owning sandbox is gone and
// that are older than cutoff.
func (t *Tx) OrphanCargos(cutoff time.Time, limit int) ([]*Cargo, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT `+cargoCols+` FROM cargos
		WHERE managed = 1 AND managed_by_sandbox_id = '' AND created_at < ?
		ORDER BY id ASC LIMIT ?`,
		nano(cutoff), limit)
	if err != nil {
		return nil, fmt.Errorf("scan orphan cargos: %w", err)
	}
	return collectCargos(rows)
}

func scanCargo(row rowScanner) (*Cargo, error) {
	var (
		c       Cargo
		created int64
	)
	err := row.Scan(&c.ID, &c.Owner, &c.DriverRef, &c.Managed,
		&c.ManagedBySandboxID, &created)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan cargo: %w", err)
	}
	c.CreatedAt = fromNanoValue(created)
	return &c, nil
}

func collectCargos(rows *sql.Rows) ([]*Cargo, error) {
	defer rows.Close()

	var out []*Cargo
	for rows.Next() {
		c, err := scanCargo(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
