package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"cohortline/internal/domain"
)

func (r Repo) InsertArchivedStudent(ctx context.Context, tx *sql.Tx, a domain.ArchivedStudent) error {
	payload, err := json.Marshal(a.Snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = tx.ExecContext(ctx, r.q(`INSERT INTO archived_students(student_id,name,stage,status,history_id,snapshot_json,archived_at) VALUES (?,?,?,?,?,?,?)`),
		a.StudentID, a.Name, a.Stage, a.Status, a.HistoryID, string(payload), a.ArchivedAt)
	return err
}

func (r Repo) GetArchivedStudent(ctx context.Context, q Querier, studentID string) (domain.ArchivedStudent, error) {
	var a domain.ArchivedStudent
	var payload string
	err := q.QueryRowContext(ctx, r.q(`SELECT student_id,name,stage,status,history_id,snapshot_json,archived_at FROM archived_students WHERE student_id=?`), studentID).
		Scan(&a.StudentID, &a.Name, &a.Stage, &a.Status, &a.HistoryID, &payload, &a.ArchivedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if err := json.Unmarshal([]byte(payload), &a.Snapshot); err != nil {
		return a, fmt.Errorf("decode snapshot %s: %w", studentID, err)
	}
	return a, nil
}

func (r Repo) DeleteArchivedStudent(ctx context.Context, tx *sql.Tx, studentID string) error {
	_, err := tx.ExecContext(ctx, r.q(`DELETE FROM archived_students WHERE student_id=?`), studentID)
	return err
}

func (r Repo) CountArchivedStudents(ctx context.Context, q Querier) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT count(*) FROM archived_students`).Scan(&n)
	return n, err
}
