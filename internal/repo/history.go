package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"cohortline/internal/domain"
)

const historyColumns = `id,executed_at,transition_type,period,executed_by,clearance_action,invoice_action,undoable,undone_at`

func scanHistory(scan func(dest ...any) error) (domain.HistoryRecord, error) {
	var h domain.HistoryRecord
	var undoable int
	var undoneAt sql.NullString
	err := scan(&h.ID, &h.ExecutedAt, &h.TransitionType, &h.Period, &h.ExecutedBy, &h.ClearanceAction, &h.InvoiceAction, &undoable, &undoneAt)
	h.Undoable = undoable == 1
	h.UndoneAt = nullStringPtr(undoneAt)
	return h, err
}

// HasUndoableHistory reports whether an undoable record of transitionType
// already exists for period.
func (r Repo) HasUndoableHistory(ctx context.Context, tx *sql.Tx, transitionType, period string) (bool, error) {
	rows, err := tx.QueryContext(ctx, r.q(`SELECT id FROM transition_history WHERE transition_type=? AND period=? AND undoable=1`+r.Dialect.ForUpdate()), transitionType, period)
	if err != nil {
		return false, err
	}
	defer rows.Close()
	return rows.Next(), rows.Err()
}

// InsertHistory persists the record with its entries and members. A second
// undoable record for the same type and period yields ErrConflict.
func (r Repo) InsertHistory(ctx context.Context, tx *sql.Tx, h domain.HistoryRecord) error {
	_, err := tx.ExecContext(ctx, r.q(`INSERT INTO transition_history(`+historyColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`),
		h.ID, h.ExecutedAt, h.TransitionType, h.Period, h.ExecutedBy, h.ClearanceAction, h.InvoiceAction, boolInt(h.Undoable), h.UndoneAt)
	if err != nil {
		if IsUniqueViolation(err) {
			return fmt.Errorf("history %s/%s: %w", h.TransitionType, h.Period, ErrConflict)
		}
		return fmt.Errorf("insert history: %w", err)
	}
	for _, e := range h.Entries {
		if _, err := tx.ExecContext(ctx, r.q(`INSERT INTO transition_history_entries(history_id,seq,from_stage,to_stage,to_archive) VALUES (?,?,?,?,?)`),
			h.ID, e.Seq, e.FromStage, e.ToStage, boolInt(e.ToArchive)); err != nil {
			return fmt.Errorf("insert history entry: %w", err)
		}
		if err := r.insertMembers(ctx, tx, h.ID, e.Seq, domain.MovementForward, e.ForwardIDs); err != nil {
			return err
		}
		if err := r.insertMembers(ctx, tx, h.ID, e.Seq, domain.MovementHeldBack, e.HeldBackIDs); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) insertMembers(ctx context.Context, tx *sql.Tx, historyID string, seq int, movement string, ids []string) error {
	return chunked(ids, func(part []string) error {
		values := strings.TrimSuffix(strings.Repeat("(?,?,?,?),", len(part)), ",")
		args := make([]any, 0, len(part)*4)
		for _, id := range part {
			args = append(args, historyID, seq, id, movement)
		}
		if _, err := tx.ExecContext(ctx, r.q(`INSERT INTO transition_history_members(history_id,seq,student_id,movement) VALUES `+values), args...); err != nil {
			return fmt.Errorf("insert history members: %w", err)
		}
		return nil
	})
}

// LatestUndoableHistory returns the most recent undoable record, locking it
// where the store supports row locks.
func (r Repo) LatestUndoableHistory(ctx context.Context, tx *sql.Tx) (domain.HistoryRecord, error) {
	h, err := scanHistory(tx.QueryRowContext(ctx, r.q(`SELECT `+historyColumns+` FROM transition_history WHERE undoable=1 ORDER BY executed_at DESC, id DESC LIMIT 1`+r.Dialect.ForUpdate())).Scan)
	if err == sql.ErrNoRows {
		return h, ErrNotFound
	}
	if err != nil {
		return h, err
	}
	h.Entries, err = r.historyEntries(ctx, tx, h.ID)
	return h, err
}

// MarkHistoryUndone flips undoable off. It reports false when another caller
// already flipped it.
func (r Repo) MarkHistoryUndone(ctx context.Context, tx *sql.Tx, id, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, r.q(`UPDATE transition_history SET undoable=0, undone_at=? WHERE id=? AND undoable=1`), now, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) GetHistory(ctx context.Context, q Querier, id string) (domain.HistoryRecord, error) {
	h, err := scanHistory(q.QueryRowContext(ctx, r.q(`SELECT `+historyColumns+` FROM transition_history WHERE id=?`), id).Scan)
	if err == sql.ErrNoRows {
		return h, ErrNotFound
	}
	if err != nil {
		return h, err
	}
	h.Entries, err = r.historyEntries(ctx, q, h.ID)
	return h, err
}

func (r Repo) ListHistory(ctx context.Context, q Querier, limit int) ([]domain.HistoryRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := q.QueryContext(ctx, r.q(`SELECT `+historyColumns+` FROM transition_history ORDER BY executed_at DESC, id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	var res []domain.HistoryRecord
	for rows.Next() {
		h, err := scanHistory(rows.Scan)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, h)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	for i := range res {
		if res[i].Entries, err = r.historyEntries(ctx, q, res[i].ID); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (r Repo) historyEntries(ctx context.Context, q Querier, historyID string) ([]domain.HistoryEntry, error) {
	rows, err := q.QueryContext(ctx, r.q(`SELECT seq,from_stage,to_stage,to_archive FROM transition_history_entries WHERE history_id=? ORDER BY seq`), historyID)
	if err != nil {
		return nil, err
	}
	var entries []domain.HistoryEntry
	for rows.Next() {
		var e domain.HistoryEntry
		var archive int
		if err := rows.Scan(&e.Seq, &e.FromStage, &e.ToStage, &archive); err != nil {
			rows.Close()
			return nil, err
		}
		e.ToArchive = archive == 1
		e.ForwardIDs = []string{}
		e.HeldBackIDs = []string{}
		entries = append(entries, e)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return entries, nil
	}
	bySeq := make(map[int]int, len(entries))
	for i, e := range entries {
		bySeq[e.Seq] = i
	}
	mrows, err := q.QueryContext(ctx, r.q(`SELECT seq,student_id,movement FROM transition_history_members WHERE history_id=? ORDER BY seq, student_id`), historyID)
	if err != nil {
		return nil, err
	}
	defer mrows.Close()
	for mrows.Next() {
		var seq int
		var studentID, movement string
		if err := mrows.Scan(&seq, &studentID, &movement); err != nil {
			return nil, err
		}
		i, ok := bySeq[seq]
		if !ok {
			return nil, fmt.Errorf("history %s: member %s references unknown entry %d", historyID, studentID, seq)
		}
		if movement == domain.MovementHeldBack {
			entries[i].HeldBackIDs = append(entries[i].HeldBackIDs, studentID)
		} else {
			entries[i].ForwardIDs = append(entries[i].ForwardIDs, studentID)
		}
	}
	return entries, mrows.Err()
}
