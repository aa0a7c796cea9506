package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"cohortline/internal/domain"
	"cohortline/internal/events"
	"cohortline/internal/repo"
)

type UndoResult struct {
	HistoryID  string `json:"history_id"`
	Period     string `json:"period"`
	Restored   int    `json:"restored"`
	Unarchived int    `json:"unarchived"`
	Message    string `json:"message"`
}

// UndoLast reverts the most recent undoable batch. Students return to the
// stage recorded in history and archived students are restored from their
// snapshot. Dependent effects (clearance, invoices, fees) stay as they are.
func (e Engine) UndoLast(ctx context.Context, actorID string) (UndoResult, error) {
	res, err := e.undoLast(ctx, actorID)
	if err != nil {
		e.Metrics.Failed("undo", ErrorKind(err))
		return UndoResult{}, err
	}
	e.Metrics.Undone()
	return res, nil
}

func (e Engine) undoLast(ctx context.Context, actorID string) (UndoResult, error) {
	actorID = actorOrSystem(actorID)
	tx, err := e.begin(ctx, "undo")
	if err != nil {
		return UndoResult{}, err
	}
	defer tx.Rollback()

	h, err := e.Repo.LatestUndoableHistory(ctx, tx)
	if errors.Is(err, repo.ErrNotFound) {
		return UndoResult{}, ErrNoUndoableHistory
	}
	if err != nil {
		return UndoResult{}, e.storeFailure(ctx, "latest history", err)
	}
	ts := repo.Timestamp(e.now())
	ok, err := e.Repo.MarkHistoryUndone(ctx, tx, h.ID, ts)
	if err != nil {
		return UndoResult{}, e.storeFailure(ctx, "mark undone", err)
	}
	if !ok {
		return UndoResult{}, ErrNoUndoableHistory
	}
	log := e.logger().With(zap.String("history_id", h.ID), zap.String("period", h.Period))

	res := UndoResult{HistoryID: h.ID, Period: h.Period}
	for _, entry := range h.Entries {
		if entry.ToArchive {
			for _, id := range entry.ForwardIDs {
				snap, err := e.Repo.GetArchivedStudent(ctx, tx, id)
				switch {
				case errors.Is(err, repo.ErrNotFound):
					log.Warn("archive snapshot missing; restoring from history", zap.String("student_id", id))
				case err != nil:
					return UndoResult{}, e.storeFailure(ctx, "read snapshot", err)
				case snap.Stage != entry.FromStage || snap.HistoryID != h.ID:
					log.Warn("archive snapshot disagrees with history; history wins",
						zap.String("student_id", id),
						zap.Int("snapshot_stage", snap.Stage),
						zap.String("snapshot_history_id", snap.HistoryID))
				}
				if err := e.Repo.RestoreStudent(ctx, tx, id, entry.FromStage, domain.StatusActive, ts); err != nil {
					return UndoResult{}, e.storeFailure(ctx, "restore student", err)
				}
				if err := e.Repo.DeleteArchivedStudent(ctx, tx, id); err != nil {
					return UndoResult{}, e.storeFailure(ctx, "delete snapshot", err)
				}
			}
			res.Unarchived += len(entry.ForwardIDs)
		} else if _, err := e.Repo.SetStage(ctx, tx, entry.ForwardIDs, entry.FromStage, ts); err != nil {
			return UndoResult{}, e.storeFailure(ctx, "restore forward", err)
		}
		if _, err := e.Repo.SetStage(ctx, tx, entry.HeldBackIDs, entry.FromStage, ts); err != nil {
			return UndoResult{}, e.storeFailure(ctx, "restore held back", err)
		}
		res.Restored += len(entry.ForwardIDs) + len(entry.HeldBackIDs)
	}

	if err := e.events().Append(ctx, tx, "transition.undone", "transition", h.ID, actorID, events.EventPayload{
		"transition_type": h.TransitionType,
		"period":          h.Period,
		"restored":        res.Restored,
		"unarchived":      res.Unarchived,
	}); err != nil {
		return UndoResult{}, e.storeFailure(ctx, "append event", err)
	}
	if err := e.commit(ctx, tx, "undo"); err != nil {
		return UndoResult{}, err
	}
	res.Message = fmt.Sprintf("undid %s for %s: %d students restored, %d unarchived", h.TransitionType, h.Period, res.Restored, res.Unarchived)
	log.Info("transition undone", zap.Int("restored", res.Restored), zap.Int("unarchived", res.Unarchived))
	return res, nil
}
