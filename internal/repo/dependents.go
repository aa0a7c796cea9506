package repo

import (
	"context"
	"database/sql"
	"fmt"

	"cohortline/internal/domain"
)

// --- clearance requests ---

func (r Repo) InsertClearanceRequest(ctx context.Context, tx *sql.Tx, req domain.ClearanceRequest) error {
	if _, err := tx.ExecContext(ctx, r.q(`INSERT INTO clearance_requests(id,student_id,stage,status,archived,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`),
		req.ID, req.StudentID, req.Stage, req.Status, boolInt(req.Archived), req.CreatedAt, req.UpdatedAt); err != nil {
		if IsUniqueViolation(err) {
			return fmt.Errorf("clearance request %s: %w", req.ID, ErrConflict)
		}
		return err
	}
	for _, it := range req.Items {
		if _, err := tx.ExecContext(ctx, r.q(`INSERT INTO clearance_items(id,request_id,department,cleared,cleared_at) VALUES (?,?,?,?,?)`),
			it.ID, req.ID, it.Department, boolInt(it.Cleared), it.ClearedAt); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) GetClearanceRequest(ctx context.Context, q Querier, id string) (domain.ClearanceRequest, error) {
	var req domain.ClearanceRequest
	var archived int
	err := q.QueryRowContext(ctx, r.q(`SELECT id,student_id,stage,status,archived,created_at,updated_at FROM clearance_requests WHERE id=?`), id).
		Scan(&req.ID, &req.StudentID, &req.Stage, &req.Status, &archived, &req.CreatedAt, &req.UpdatedAt)
	if err == sql.ErrNoRows {
		return req, ErrNotFound
	}
	if err != nil {
		return req, err
	}
	req.Archived = archived == 1
	rows, err := q.QueryContext(ctx, r.q(`SELECT id,request_id,department,cleared,cleared_at FROM clearance_items WHERE request_id=? ORDER BY id`), id)
	if err != nil {
		return req, err
	}
	defer rows.Close()
	for rows.Next() {
		var it domain.ClearanceItem
		var cleared int
		var clearedAt sql.NullString
		if err := rows.Scan(&it.ID, &it.RequestID, &it.Department, &cleared, &clearedAt); err != nil {
			return req, err
		}
		it.Cleared = cleared == 1
		it.ClearedAt = nullStringPtr(clearedAt)
		req.Items = append(req.Items, it)
	}
	return req, rows.Err()
}

// ApproveOpenClearance clears every line item of the open requests owned by
// ids at stage and marks those requests approved. Returns requests approved.
func (r Repo) ApproveOpenClearance(ctx context.Context, tx *sql.Tx, ids []string, stage int, now string) (int64, error) {
	if _, err := r.execChunked(ctx, tx, `UPDATE clearance_items SET cleared=1, cleared_at=? WHERE cleared=0 AND request_id IN (
		SELECT id FROM clearance_requests WHERE status='submitted' AND archived=0 AND student_id IN (%s) AND stage=?)`,
		ids, []any{now}, []any{stage}); err != nil {
		return 0, fmt.Errorf("clear items: %w", err)
	}
	n, err := r.execChunked(ctx, tx, `UPDATE clearance_requests SET status='approved', updated_at=? WHERE status='submitted' AND archived=0 AND student_id IN (%s) AND stage=?`,
		ids, []any{now}, []any{stage})
	if err != nil {
		return 0, fmt.Errorf("approve requests: %w", err)
	}
	return n, nil
}

// HideClearance sets the archived visibility flag on the open requests owned
// by ids at stage, leaving their status untouched.
func (r Repo) HideClearance(ctx context.Context, tx *sql.Tx, ids []string, stage int, now string) (int64, error) {
	return r.execChunked(ctx, tx, `UPDATE clearance_requests SET archived=1, updated_at=? WHERE archived=0 AND status='submitted' AND student_id IN (%s) AND stage=?`,
		ids, []any{now}, []any{stage})
}

// ClearClearanceItem marks one line item cleared and returns its request id.
func (r Repo) ClearClearanceItem(ctx context.Context, tx *sql.Tx, itemID, now string) (string, error) {
	var requestID string
	err := tx.QueryRowContext(ctx, r.q(`SELECT request_id FROM clearance_items WHERE id=?`), itemID).Scan(&requestID)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	if _, err := tx.ExecContext(ctx, r.q(`UPDATE clearance_items SET cleared=1, cleared_at=? WHERE id=? AND cleared=0`), now, itemID); err != nil {
		return "", err
	}
	return requestID, nil
}

func (r Repo) CountPendingClearanceItems(ctx context.Context, q Querier, requestID string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, r.q(`SELECT count(*) FROM clearance_items WHERE request_id=? AND cleared=0`), requestID).Scan(&n)
	return n, err
}

func (r Repo) SetClearanceStatus(ctx context.Context, tx *sql.Tx, id, status, now string) error {
	_, err := tx.ExecContext(ctx, r.q(`UPDATE clearance_requests SET status=?, updated_at=? WHERE id=?`), status, now, id)
	return err
}

func (r Repo) SetClearanceArchived(ctx context.Context, tx *sql.Tx, id string, archived bool, now string) error {
	res, err := tx.ExecContext(ctx, r.q(`UPDATE clearance_requests SET archived=?, updated_at=? WHERE id=?`), boolInt(archived), now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- fees ---

func (r Repo) InsertFeeDefinition(ctx context.Context, tx *sql.Tx, f domain.FeeDefinition) error {
	_, err := tx.ExecContext(ctx, r.q(`INSERT INTO fee_definitions(id,name,stage,amount_cents,archived,created_at) VALUES (?,?,?,?,?,?)`),
		f.ID, f.Name, f.Stage, f.AmountCents, boolInt(f.Archived), f.CreatedAt)
	if IsUniqueViolation(err) {
		return fmt.Errorf("fee %s: %w", f.ID, ErrConflict)
	}
	return err
}

func (r Repo) GetFeeDefinition(ctx context.Context, q Querier, id string) (domain.FeeDefinition, error) {
	var f domain.FeeDefinition
	var archived int
	err := q.QueryRowContext(ctx, r.q(`SELECT id,name,stage,amount_cents,archived,created_at FROM fee_definitions WHERE id=?`), id).
		Scan(&f.ID, &f.Name, &f.Stage, &f.AmountCents, &archived, &f.CreatedAt)
	if err == sql.ErrNoRows {
		return f, ErrNotFound
	}
	f.Archived = archived == 1
	return f, err
}

func (r Repo) InsertFeeInvoice(ctx context.Context, tx *sql.Tx, inv domain.FeeInvoice) error {
	_, err := tx.ExecContext(ctx, r.q(`INSERT INTO fee_invoices(id,student_id,fee_id,stage,amount_cents,status,settlement,paid_at,created_at) VALUES (?,?,?,?,?,?,?,?,?)`),
		inv.ID, inv.StudentID, inv.FeeID, inv.Stage, inv.AmountCents, inv.Status, inv.Settlement, inv.PaidAt, inv.CreatedAt)
	if IsUniqueViolation(err) {
		return fmt.Errorf("invoice %s: %w", inv.ID, ErrConflict)
	}
	return err
}

func (r Repo) ListInvoices(ctx context.Context, q Querier, studentID string) ([]domain.FeeInvoice, error) {
	rows, err := q.QueryContext(ctx, r.q(`SELECT id,student_id,fee_id,stage,amount_cents,status,settlement,paid_at,created_at FROM fee_invoices WHERE student_id=? ORDER BY stage, id`), studentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.FeeInvoice
	for rows.Next() {
		var inv domain.FeeInvoice
		var settlement, paidAt sql.NullString
		if err := rows.Scan(&inv.ID, &inv.StudentID, &inv.FeeID, &inv.Stage, &inv.AmountCents, &inv.Status, &settlement, &paidAt, &inv.CreatedAt); err != nil {
			return nil, err
		}
		inv.Settlement = nullStringPtr(settlement)
		inv.PaidAt = nullStringPtr(paidAt)
		res = append(res, inv)
	}
	return res, rows.Err()
}

// WriteOffInvoices marks the unpaid invoices owned by ids at stage as paid.
func (r Repo) WriteOffInvoices(ctx context.Context, tx *sql.Tx, ids []string, stage int, now string) (int64, error) {
	return r.execChunked(ctx, tx, `UPDATE fee_invoices SET status='paid', settlement='write_off', paid_at=? WHERE status='unpaid' AND student_id IN (%s) AND stage=?`,
		ids, []any{now}, []any{stage})
}

// ArchiveFeesForInvoices archives the fee definitions behind the invoices
// owned by ids at stage. Invoice rows are not modified.
func (r Repo) ArchiveFeesForInvoices(ctx context.Context, tx *sql.Tx, ids []string, stage int) (int64, error) {
	return r.execChunked(ctx, tx, `UPDATE fee_definitions SET archived=1 WHERE archived=0 AND id IN (
		SELECT fee_id FROM fee_invoices WHERE student_id IN (%s) AND stage=?)`,
		ids, nil, []any{stage})
}

// OutstandingFees sums unpaid invoices whose fee definition is still live.
func (r Repo) OutstandingFees(ctx context.Context, q Querier, studentID string) (int64, int, error) {
	var total int64
	var count int
	err := q.QueryRowContext(ctx, r.q(`SELECT COALESCE(SUM(i.amount_cents),0), count(i.id) FROM fee_invoices i
		JOIN fee_definitions f ON f.id=i.fee_id
		WHERE i.student_id=? AND i.status='unpaid' AND f.archived=0`), studentID).Scan(&total, &count)
	return total, count, err
}
