package repo

import (
	"context"
	"database/sql"

	"fieldline/internal/domain"
)

func (r Repo) InsertBucket(ctx context.Context, tx *sql.Tx, b domain.Bucket) error {
	_, err := tx.ExecContext(ctx, r.q(`INSERT INTO buckets(id,name,created_at) VALUES (?,?,?)`), b.ID, b.Name, b.CreatedAt)
	return err
}

func (r Repo) GetBucket(ctx context.Context, id string) (domain.Bucket, error) {
	var b domain.Bucket
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT id,name,created_at FROM buckets WHERE id=?`), id).Scan(&b.ID, &b.Name, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	return b, err
}

func (r Repo) ListBuckets(ctx context.Context) ([]domain.Bucket, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,created_at FROM buckets ORDER BY name ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Bucket
	for rows.Next() {
		var b domain.Bucket
		if err := rows.Scan(&b.ID, &b.Name, &b.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

const callfileColumns = `id,bucket_id,name,active,approved,created_at`

func scanCallfile(s scanner) (domain.Callfile, error) {
	var c domain.Callfile
	var active, approved int
	if err := s.Scan(&c.ID, &c.BucketID, &c.Name, &active, &approved, &c.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return c, ErrNotFound
		}
		return c, err
	}
	c.Active = active != 0
	c.Approved = approved != 0
	return c, nil
}

func (r Repo) InsertCallfile(ctx context.Context, tx *sql.Tx, c domain.Callfile) error {
	_, err := tx.ExecContext(ctx, r.q(`INSERT INTO callfiles(`+callfileColumns+`) VALUES (?,?,?,?,?,?)`),
		c.ID, c.BucketID, c.Name, boolInt(c.Active), boolInt(c.Approved), c.CreatedAt)
	return err
}

func (r Repo) GetCallfile(ctx context.Context, id string) (domain.Callfile, error) {
	return scanCallfile(r.DB.QueryRowContext(ctx, r.q(`SELECT `+callfileColumns+` FROM callfiles WHERE id=?`), id))
}

func (r Repo) GetCallfileTx(ctx context.Context, tx *sql.Tx, id string) (domain.Callfile, error) {
	return scanCallfile(tx.QueryRowContext(ctx, r.q(`SELECT `+callfileColumns+` FROM callfiles WHERE id=?`), id))
}

func (r Repo) ListCallfiles(ctx context.Context, bucketID string) ([]domain.Callfile, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT `+callfileColumns+` FROM callfiles WHERE bucket_id=? ORDER BY created_at ASC, id ASC`), bucketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Callfile
	for rows.Next() {
		c, err := scanCallfile(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// SetCallfileFlags updates the active/approved gate. Task state is never touched.
func (r Repo) SetCallfileFlags(ctx context.Context, tx *sql.Tx, id string, active, approved bool) error {
	res, err := tx.ExecContext(ctx, r.q(`UPDATE callfiles SET active=?, approved=? WHERE id=?`), boolInt(active), boolInt(approved), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
