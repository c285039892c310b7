package repo

import (
	"context"
	"database/sql"

	"fieldline/internal/domain"
)

const leaseColumns = `scope_id,task_id,agent_id,acquired_at`

func scanLease(s scanner) (domain.Lease, error) {
	var l domain.Lease
	err := s.Scan(&l.ScopeID, &l.TaskID, &l.AgentID, &l.AcquiredAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	return l, err
}

func (r Repo) InsertLease(ctx context.Context, tx *sql.Tx, l domain.Lease) error {
	_, err := tx.ExecContext(ctx, r.q(`INSERT INTO leases(`+leaseColumns+`) VALUES (?,?,?,?)`), l.ScopeID, l.TaskID, l.AgentID, l.AcquiredAt)
	return err
}

func (r Repo) GetLease(ctx context.Context, scopeID string) (domain.Lease, error) {
	return scanLease(r.DB.QueryRowContext(ctx, r.q(`SELECT `+leaseColumns+` FROM leases WHERE scope_id=?`), scopeID))
}

func (r Repo) GetLeaseByScopeTx(ctx context.Context, tx *sql.Tx, scopeID string) (domain.Lease, error) {
	return scanLease(tx.QueryRowContext(ctx, r.q(`SELECT `+leaseColumns+` FROM leases WHERE scope_id=?`), scopeID))
}

func (r Repo) GetLeaseByTaskTx(ctx context.Context, tx *sql.Tx, taskID string) (domain.Lease, error) {
	return scanLease(tx.QueryRowContext(ctx, r.q(`SELECT `+leaseColumns+` FROM leases WHERE task_id=?`), taskID))
}

// DeleteLeaseByScope drops whatever the scope holds. Returns false if it held nothing.
func (r Repo) DeleteLeaseByScope(ctx context.Context, tx *sql.Tx, scopeID string) (bool, error) {
	res, err := tx.ExecContext(ctx, r.q(`DELETE FROM leases WHERE scope_id=?`), scopeID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DeleteLeaseForTask drops the lease only if this scope holds it on this task.
func (r Repo) DeleteLeaseForTask(ctx context.Context, tx *sql.Tx, scopeID, taskID string) (bool, error) {
	res, err := tx.ExecContext(ctx, r.q(`DELETE FROM leases WHERE scope_id=? AND task_id=?`), scopeID, taskID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) ListLeases(ctx context.Context, agentID string) ([]domain.Lease, error) {
	query := `SELECT ` + leaseColumns + ` FROM leases`
	var args []any
	if agentID != "" {
		query += ` WHERE agent_id=?`
		args = append(args, agentID)
	}
	query += ` ORDER BY acquired_at ASC, scope_id ASC`
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	return scanLeases(rows)
}

// LeasesOlderThanTx lists leases acquired strictly before cutoff.
func (r Repo) LeasesOlderThanTx(ctx context.Context, tx *sql.Tx, cutoff string) ([]domain.Lease, error) {
	rows, err := tx.QueryContext(ctx, r.q(`SELECT `+leaseColumns+` FROM leases WHERE acquired_at < ? ORDER BY acquired_at ASC`), cutoff)
	if err != nil {
		return nil, err
	}
	return scanLeases(rows)
}

func scanLeases(rows *sql.Rows) ([]domain.Lease, error) {
	defer rows.Close()
	var res []domain.Lease
	for rows.Next() {
		l, err := scanLease(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}
