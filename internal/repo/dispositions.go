package repo

import (
	"context"
	"database/sql"

	"fieldline/internal/domain"
)

func (r Repo) UpsertDispositionType(ctx context.Context, tx *sql.Tx, dt domain.DispositionType) error {
	_, err := tx.ExecContext(ctx, r.q(`INSERT INTO disposition_types(code,name,field_capable) VALUES (?,?,?)
ON CONFLICT(code) DO UPDATE SET name=excluded.name, field_capable=excluded.field_capable`), dt.Code, dt.Name, boolInt(dt.FieldCapable))
	return err
}

func (r Repo) GetDispositionType(ctx context.Context, code string) (domain.DispositionType, error) {
	var dt domain.DispositionType
	var capable int
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT code,name,field_capable FROM disposition_types WHERE code=?`), code).Scan(&dt.Code, &dt.Name, &capable)
	if err == sql.ErrNoRows {
		return dt, ErrNotFound
	}
	if err != nil {
		return dt, err
	}
	dt.FieldCapable = capable != 0
	return dt, nil
}

// ListDispositionTypes returns the catalog. fieldOnly restricts it to codes an
// agent may submit from the field.
func (r Repo) ListDispositionTypes(ctx context.Context, fieldOnly bool) ([]domain.DispositionType, error) {
	query := `SELECT code,name,field_capable FROM disposition_types`
	if fieldOnly {
		query += ` WHERE field_capable=1`
	}
	query += ` ORDER BY code ASC`
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DispositionType
	for rows.Next() {
		var dt domain.DispositionType
		var capable int
		if err := rows.Scan(&dt.Code, &dt.Name, &capable); err != nil {
			return nil, err
		}
		dt.FieldCapable = capable != 0
		res = append(res, dt)
	}
	return res, rows.Err()
}

const dispositionColumns = `id,task_id,agent_id,scope_id,code,payment_method,payment_type,payment_date,amount,reference,reason_non_payment,source_of_funds,comment,created_at`

func scanDisposition(s scanner) (domain.Disposition, error) {
	var d domain.Disposition
	var method, ptype, pdate, reference, reason, source sql.NullString
	var amount sql.NullInt64
	err := s.Scan(&d.ID, &d.TaskID, &d.AgentID, &d.ScopeID, &d.Code, &method, &ptype, &pdate, &amount, &reference, &reason, &source, &d.Comment, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.PaymentMethod = stringPtr(method)
	d.PaymentType = stringPtr(ptype)
	d.PaymentDate = stringPtr(pdate)
	d.Reference = stringPtr(reference)
	d.ReasonNonPayment = stringPtr(reason)
	d.SourceOfFunds = stringPtr(source)
	if amount.Valid {
		v := amount.Int64
		d.Amount = &v
	}
	return d, nil
}

// InsertDisposition writes the immutable outcome record. A second record for
// the same task violates uq_dispositions_task.
func (r Repo) InsertDisposition(ctx context.Context, tx *sql.Tx, d domain.Disposition) error {
	_, err := tx.ExecContext(ctx, r.q(`INSERT INTO dispositions(`+dispositionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		d.ID, d.TaskID, d.AgentID, d.ScopeID, d.Code, nullableStringPtr(d.PaymentMethod), nullableStringPtr(d.PaymentType),
		nullableStringPtr(d.PaymentDate), nullableInt64Ptr(d.Amount), nullableStringPtr(d.Reference),
		nullableStringPtr(d.ReasonNonPayment), nullableStringPtr(d.SourceOfFunds), d.Comment, d.CreatedAt)
	return err
}

func (r Repo) GetDispositionByTask(ctx context.Context, taskID string) (domain.Disposition, error) {
	return scanDisposition(r.DB.QueryRowContext(ctx, r.q(`SELECT `+dispositionColumns+` FROM dispositions WHERE task_id=?`), taskID))
}
