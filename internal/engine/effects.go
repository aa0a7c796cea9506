package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"cohortline/internal/domain"
	"cohortline/internal/events"
	"cohortline/internal/repo"
)

// applyEffects runs the dependent clearance and invoice handlers for the
// students that moved forward out of stage. Held-back students are never
// passed in.
func (e Engine) applyEffects(ctx context.Context, tx *sql.Tx, ids []string, stage int, clearance ClearanceAction, invoices InvoiceAction, ts string, sum *EffectSummary) error {
	if len(ids) == 0 {
		return nil
	}
	switch clearance {
	case ClearanceClear:
		n, err := e.Repo.ApproveOpenClearance(ctx, tx, ids, stage, ts)
		if err != nil {
			return err
		}
		sum.ClearanceApproved += n
	case ClearanceKeep:
		n, err := e.Repo.HideClearance(ctx, tx, ids, stage, ts)
		if err != nil {
			return err
		}
		sum.ClearanceHidden += n
	}
	switch invoices {
	case InvoiceClear:
		n, err := e.Repo.WriteOffInvoices(ctx, tx, ids, stage, ts)
		if err != nil {
			return err
		}
		sum.InvoicesWrittenOff += n
	case InvoiceArchive:
		n, err := e.Repo.ArchiveFeesForInvoices(ctx, tx, ids, stage)
		if err != nil {
			return err
		}
		sum.FeesArchived += n
	}
	return nil
}

// ClearItem marks one clearance line item as cleared. The request is approved
// once no pending items remain.
func (e Engine) ClearItem(ctx context.Context, itemID, actorID string) (domain.ClearanceRequest, error) {
	if itemID == "" {
		return domain.ClearanceRequest{}, fmt.Errorf("%w: item id is required", repo.ErrNotFound)
	}
	tx, err := e.begin(ctx, "clear item")
	if err != nil {
		return domain.ClearanceRequest{}, err
	}
	defer tx.Rollback()
	ts := repo.Timestamp(e.now())
	requestID, err := e.Repo.ClearClearanceItem(ctx, tx, itemID, ts)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.ClearanceRequest{}, fmt.Errorf("clearance item %s: %w", itemID, repo.ErrNotFound)
	}
	if err != nil {
		return domain.ClearanceRequest{}, e.storeFailure(ctx, "clear item", err)
	}
	pending, err := e.Repo.CountPendingClearanceItems(ctx, tx, requestID)
	if err != nil {
		return domain.ClearanceRequest{}, e.storeFailure(ctx, "count pending", err)
	}
	req, err := e.Repo.GetClearanceRequest(ctx, tx, requestID)
	if err != nil {
		return domain.ClearanceRequest{}, e.storeFailure(ctx, "get request", err)
	}
	if pending == 0 && req.Status == domain.ClearanceSubmitted {
		if err := e.Repo.SetClearanceStatus(ctx, tx, requestID, domain.ClearanceApproved, ts); err != nil {
			return domain.ClearanceRequest{}, e.storeFailure(ctx, "approve request", err)
		}
		req.Status = domain.ClearanceApproved
		req.UpdatedAt = ts
	}
	if err := e.events().Append(ctx, tx, "clearance.item_cleared", "clearance_request", requestID, actorOrSystem(actorID), events.EventPayload{
		"item_id": itemID,
		"pending": pending,
		"status":  req.Status,
	}); err != nil {
		return domain.ClearanceRequest{}, e.storeFailure(ctx, "append event", err)
	}
	if err := e.commit(ctx, tx, "clear item"); err != nil {
		return domain.ClearanceRequest{}, err
	}
	for i := range req.Items {
		if req.Items[i].ID == itemID && !req.Items[i].Cleared {
			req.Items[i].Cleared = true
			req.Items[i].ClearedAt = &ts
		}
	}
	e.logger().Info("clearance item cleared", zap.String("item_id", itemID), zap.String("request_id", requestID), zap.Int("pending", pending))
	return req, nil
}

// SetClearanceVisibility hides or reactivates a clearance request without
// touching its status or items.
func (e Engine) SetClearanceVisibility(ctx context.Context, requestID string, archived bool, actorID string) (domain.ClearanceRequest, error) {
	tx, err := e.begin(ctx, "clearance visibility")
	if err != nil {
		return domain.ClearanceRequest{}, err
	}
	defer tx.Rollback()
	ts := repo.Timestamp(e.now())
	if err := e.Repo.SetClearanceArchived(ctx, tx, requestID, archived, ts); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.ClearanceRequest{}, fmt.Errorf("clearance request %s: %w", requestID, repo.ErrNotFound)
		}
		return domain.ClearanceRequest{}, e.storeFailure(ctx, "set visibility", err)
	}
	evt := "clearance.reactivated"
	if archived {
		evt = "clearance.hidden"
	}
	if err := e.events().Append(ctx, tx, evt, "clearance_request", requestID, actorOrSystem(actorID), nil); err != nil {
		return domain.ClearanceRequest{}, e.storeFailure(ctx, "append event", err)
	}
	req, err := e.Repo.GetClearanceRequest(ctx, tx, requestID)
	if err != nil {
		return domain.ClearanceRequest{}, e.storeFailure(ctx, "get request", err)
	}
	if err := e.commit(ctx, tx, "clearance visibility"); err != nil {
		return domain.ClearanceRequest{}, err
	}
	return req, nil
}

type FeeBalance struct {
	StudentID        string `json:"student_id"`
	OutstandingCents int64  `json:"outstanding_cents"`
	Invoices         int    `json:"invoices"`
}

// OutstandingFees totals a student's unpaid invoices. Invoices whose fee
// definition was archived no longer count.
func (e Engine) OutstandingFees(ctx context.Context, studentID string) (FeeBalance, error) {
	if _, err := e.Repo.GetStudent(ctx, e.DB, studentID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return FeeBalance{}, fmt.Errorf("student %s: %w", studentID, repo.ErrNotFound)
		}
		return FeeBalance{}, e.storeFailure(ctx, "get student", err)
	}
	total, count, err := e.Repo.OutstandingFees(ctx, e.DB, studentID)
	if err != nil {
		return FeeBalance{}, e.storeFailure(ctx, "outstanding fees", err)
	}
	return FeeBalance{StudentID: studentID, OutstandingCents: total, Invoices: count}, nil
}

func actorOrSystem(actorID string) string {
	if actorID == "" {
		return "system"
	}
	return actorID
}
