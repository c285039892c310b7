package repo

import (
	"context"
	"database/sql"

	"fieldline/internal/domain"
)

func (r Repo) UpsertAgent(ctx context.Context, tx *sql.Tx, a domain.Agent) error {
	_, err := tx.ExecContext(ctx, r.q(`INSERT INTO agents(id,name,role,created_at) VALUES (?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, role=excluded.role`), a.ID, a.Name, a.Role, a.CreatedAt)
	return err
}

func (r Repo) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	return r.getAgent(ctx, r.DB, id)
}

func (r Repo) GetAgentTx(ctx context.Context, tx *sql.Tx, id string) (domain.Agent, error) {
	return r.getAgent(ctx, tx, id)
}

func (r Repo) getAgent(ctx context.Context, q querier, id string) (domain.Agent, error) {
	var a domain.Agent
	err := q.QueryRowContext(ctx, r.q(`SELECT id,name,role,created_at FROM agents WHERE id=?`), id).Scan(&a.ID, &a.Name, &a.Role, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) ListAgents(ctx context.Context, role string) ([]domain.Agent, error) {
	query := `SELECT id,name,role,created_at FROM agents`
	var args []any
	if role != "" {
		query += ` WHERE role=?`
		args = append(args, role)
	}
	query += ` ORDER BY id ASC`
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Agent
	for rows.Next() {
		var a domain.Agent
		if err := rows.Scan(&a.ID, &a.Name, &a.Role, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
