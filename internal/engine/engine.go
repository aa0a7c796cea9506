package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.uber.org/zap"

	"cohortline/internal/config"
	"cohortline/internal/db"
	"cohortline/internal/domain"
	"cohortline/internal/events"
	"cohortline/internal/metrics"
	"cohortline/internal/repo"
)

// Error taxonomy. Messages are stable and safe to show to end users.
var (
	ErrDuplicateExecution = errors.New("this transition was already executed for the period; undo it before running it again")
	ErrNoUndoableHistory  = errors.New("there is no transition to undo")
	ErrInvalidHoldBack    = errors.New("held-back students cannot move below the first semester")
	ErrInvalidTransition  = errors.New("invalid transition request")
	ErrPersistenceFailure = errors.New("the change could not be saved; nothing was applied")
)

// ErrorKind returns a stable machine-readable code for err.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDuplicateExecution):
		return "duplicate_execution"
	case errors.Is(err, ErrNoUndoableHistory):
		return "no_undoable_history"
	case errors.Is(err, ErrInvalidHoldBack):
		return "invalid_hold_back"
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrInvalidRoster):
		return "invalid_transition"
	case errors.Is(err, repo.ErrNotFound):
		return "not_found"
	case errors.Is(err, repo.ErrConflict):
		return "conflict"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "persistence_failure"
	}
}

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Config  *config.Config
	Log     *zap.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

func New(h db.Handle, cfg *config.Config) Engine {
	return Engine{
		DB:     h.DB,
		Repo:   repo.New(h),
		Events: events.Writer{Dialect: h.Dialect},
		Config: cfg,
		Log:    zap.NewNop(),
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// events returns the event writer stamped with the engine clock.
func (e Engine) events() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

func (e Engine) logger() *zap.Logger {
	if e.Log != nil {
		return e.Log
	}
	return zap.NewNop()
}

func (e Engine) config() (*config.Config, error) {
	if e.Config == nil {
		e.logger().Error("engine used without config")
		return nil, ErrPersistenceFailure
	}
	return e.Config, nil
}

// storeFailure logs a store error with its detail and hides it behind
// ErrPersistenceFailure. A canceled or expired context is returned as is.
func (e Engine) storeFailure(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		e.logger().Warn("transaction abandoned", zap.String("op", op), zap.Error(ctxErr))
		return ctxErr
	}
	e.logger().Error("store operation failed", zap.String("op", op), zap.Error(err))
	return ErrPersistenceFailure
}

func (e Engine) begin(ctx context.Context, op string) (*sql.Tx, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, e.storeFailure(ctx, op+": begin", err)
	}
	return tx, nil
}

func (e Engine) commit(ctx context.Context, tx *sql.Tx, op string) error {
	if err := tx.Commit(); err != nil {
		return e.storeFailure(ctx, op+": commit", err)
	}
	return nil
}

// Students lists students for the request layer.
func (e Engine) Students(ctx context.Context, f repo.StudentFilters) ([]domain.Student, error) {
	items, err := e.Repo.ListStudents(ctx, e.DB, f)
	if err != nil {
		return nil, e.storeFailure(ctx, "list students", err)
	}
	return items, nil
}

// History lists transition batches, newest first.
func (e Engine) History(ctx context.Context, limit int) ([]domain.HistoryRecord, error) {
	items, err := e.Repo.ListHistory(ctx, e.DB, limit)
	if err != nil {
		return nil, e.storeFailure(ctx, "list history", err)
	}
	return items, nil
}
