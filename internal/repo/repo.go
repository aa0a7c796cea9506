package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"cohortline/internal/db"
	"cohortline/internal/domain"
)

// TimeLayout is fixed-width so stored timestamps sort lexically.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// maxIDsPerStatement keeps IN lists well under driver parameter limits.
const maxIDsPerStatement = 500

type Repo struct {
	DB      *sql.DB
	Dialect db.Dialect
}

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

func New(h db.Handle) Repo {
	return Repo{DB: h.DB, Dialect: h.Dialect}
}

// Timestamp formats t for storage.
func Timestamp(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func (r Repo) q(query string) string {
	return r.Dialect.Rebind(query)
}

// IsUniqueViolation reports whether err is a unique/primary key violation on
// either supported store.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		case sqlite3.SQLITE_CONSTRAINT:
			return strings.Contains(liteErr.Error(), "UNIQUE")
		}
	}
	return false
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// chunked calls fn for consecutive slices of ids no longer than
// maxIDsPerStatement.
func chunked(ids []string, fn func(part []string) error) error {
	for start := 0; start < len(ids); start += maxIDsPerStatement {
		end := start + maxIDsPerStatement
		if end > len(ids) {
			end = len(ids)
		}
		if err := fn(ids[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// execChunked runs a statement containing a single "IN (%s)" verb once per
// chunk of ids. lead args come before the ids, tail args after.
func (r Repo) execChunked(ctx context.Context, tx *sql.Tx, query string, ids []string, lead []any, tail []any) (int64, error) {
	var total int64
	err := chunked(ids, func(part []string) error {
		args := make([]any, 0, len(lead)+len(part)+len(tail))
		args = append(args, lead...)
		for _, id := range part {
			args = append(args, id)
		}
		args = append(args, tail...)
		res, err := tx.ExecContext(ctx, r.q(fmt.Sprintf(query, placeholders(len(part)))), args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		total += n
		return nil
	})
	return total, err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

// --- students ---

const studentColumns = `id,name,stage,status,created_at,updated_at`

func scanStudent(scan func(dest ...any) error) (domain.Student, error) {
	var s domain.Student
	err := scan(&s.ID, &s.Name, &s.Stage, &s.Status, &s.CreatedAt, &s.UpdatedAt)
	return s, err
}

func (r Repo) InsertStudent(ctx context.Context, tx *sql.Tx, s domain.Student) error {
	_, err := tx.ExecContext(ctx, r.q(`INSERT INTO students(id,name,stage,status,created_at,updated_at) VALUES (?,?,?,?,?,?)`),
		s.ID, s.Name, s.Stage, s.Status, s.CreatedAt, s.UpdatedAt)
	if IsUniqueViolation(err) {
		return fmt.Errorf("student %s: %w", s.ID, ErrConflict)
	}
	return err
}

func (r Repo) GetStudent(ctx context.Context, q Querier, id string) (domain.Student, error) {
	s, err := scanStudent(q.QueryRowContext(ctx, r.q(`SELECT `+studentColumns+` FROM students WHERE id=?`), id).Scan)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

type StudentFilters struct {
	Stage  int
	Status string
	Limit  int
}

func (r Repo) ListStudents(ctx context.Context, q Querier, f StudentFilters) ([]domain.Student, error) {
	var clauses []string
	var args []any
	if f.Stage > 0 {
		clauses = append(clauses, "stage=?")
		args = append(args, f.Stage)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + studentColumns + ` FROM students ` + where + ` ORDER BY stage ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := q.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Student
	for rows.Next() {
		s, err := scanStudent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// GetStudentsByIDs returns the students with the given ids ordered by id.
func (r Repo) GetStudentsByIDs(ctx context.Context, tx *sql.Tx, ids []string) ([]domain.Student, error) {
	var res []domain.Student
	err := chunked(ids, func(part []string) error {
		args := make([]any, len(part))
		for i, id := range part {
			args[i] = id
		}
		rows, err := tx.QueryContext(ctx, r.q(`SELECT `+studentColumns+` FROM students WHERE id IN (`+placeholders(len(part))+`) ORDER BY id`), args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			s, err := scanStudent(rows.Scan)
			if err != nil {
				return err
			}
			res = append(res, s)
		}
		return rows.Err()
	})
	return res, err
}

// CountActiveByStage groups active students by their current stage.
func (r Repo) CountActiveByStage(ctx context.Context, q Querier) (map[int]int, error) {
	rows, err := q.QueryContext(ctx, r.q(`SELECT stage, count(*) FROM students WHERE status=? GROUP BY stage`), domain.StatusActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[int]int{}
	for rows.Next() {
		var stage, count int
		if err := rows.Scan(&stage, &count); err != nil {
			return nil, err
		}
		res[stage] = count
	}
	return res, rows.Err()
}

// EligibleStudentIDs locks and returns the active students at stage.
func (r Repo) EligibleStudentIDs(ctx context.Context, tx *sql.Tx, stage int) ([]string, error) {
	rows, err := tx.QueryContext(ctx, r.q(`SELECT id FROM students WHERE status=? AND stage=? ORDER BY id`+r.Dialect.ForUpdate()), domain.StatusActive, stage)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetStage overwrites the stage of every listed student.
func (r Repo) SetStage(ctx context.Context, tx *sql.Tx, ids []string, stage int, now string) (int64, error) {
	return r.execChunked(ctx, tx, `UPDATE students SET stage=?, updated_at=? WHERE id IN (%s)`, ids, []any{stage, now}, nil)
}

// SetStatus overwrites the status of every listed student.
func (r Repo) SetStatus(ctx context.Context, tx *sql.Tx, ids []string, status string, now string) (int64, error) {
	return r.execChunked(ctx, tx, `UPDATE students SET status=?, updated_at=? WHERE id IN (%s)`, ids, []any{status, now}, nil)
}

// RestoreStudent writes stage and status back for a single student.
func (r Repo) RestoreStudent(ctx context.Context, tx *sql.Tx, id string, stage int, status, now string) error {
	res, err := tx.ExecContext(ctx, r.q(`UPDATE students SET stage=?, status=?, updated_at=? WHERE id=?`), stage, status, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("student %s: %w", id, ErrNotFound)
	}
	return nil
}
