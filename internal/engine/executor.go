package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"cohortline/internal/config"
	"cohortline/internal/domain"
	"cohortline/internal/events"
	"cohortline/internal/repo"
)

// TransitionSpec asks for every active student at From to move to To, or to
// the archive when Archive is set. HeldBack ids drop to From-1 instead.
type TransitionSpec struct {
	From     int      `json:"from" yaml:"from" minimum:"1"`
	To       int      `json:"to,omitempty" yaml:"to"`
	Archive  bool     `json:"archive,omitempty" yaml:"archive"`
	HeldBack []string `json:"held_back,omitempty" yaml:"held_back"`
}

func (s TransitionSpec) String() string {
	if s.Archive {
		return fmt.Sprintf("%d->archive", s.From)
	}
	return fmt.Sprintf("%d->%d", s.From, s.To)
}

type ClearanceAction string

const (
	ClearanceNone  ClearanceAction = "none"
	ClearanceClear ClearanceAction = "clear"
	ClearanceKeep  ClearanceAction = "keep"
)

// ParseClearanceAction accepts none, clear or keep in any case. Empty means none.
func ParseClearanceAction(v string) (ClearanceAction, error) {
	switch a := ClearanceAction(strings.ToLower(strings.TrimSpace(v))); a {
	case "":
		return ClearanceNone, nil
	case ClearanceNone, ClearanceClear, ClearanceKeep:
		return a, nil
	}
	return "", fmt.Errorf("%w: unknown clearance action %q", ErrInvalidTransition, v)
}

type InvoiceAction string

const (
	InvoiceNone    InvoiceAction = "none"
	InvoiceClear   InvoiceAction = "clear"
	InvoiceArchive InvoiceAction = "archive"
	InvoiceKeep    InvoiceAction = "keep"
)

// ParseInvoiceAction accepts none, clear, archive or keep in any case. Empty means none.
func ParseInvoiceAction(v string) (InvoiceAction, error) {
	switch a := InvoiceAction(strings.ToLower(strings.TrimSpace(v))); a {
	case "":
		return InvoiceNone, nil
	case InvoiceNone, InvoiceClear, InvoiceArchive, InvoiceKeep:
		return a, nil
	}
	return "", fmt.Errorf("%w: unknown invoice action %q", ErrInvalidTransition, v)
}

type ExecuteRequest struct {
	TransitionType string
	// Period identifies the academic period. Empty derives it from the
	// execution date using the configured layout.
	Period      string
	Transitions []TransitionSpec
	Clearance   ClearanceAction
	Invoices    InvoiceAction
	ActorID     string
}

type EffectSummary struct {
	ClearanceApproved  int64 `json:"clearance_approved"`
	ClearanceHidden    int64 `json:"clearance_hidden"`
	InvoicesWrittenOff int64 `json:"invoices_written_off"`
	FeesArchived       int64 `json:"fees_archived"`
}

type ExecuteResult struct {
	HistoryID      string        `json:"history_id"`
	TransitionType string        `json:"transition_type"`
	Period         string        `json:"period"`
	Advanced       int           `json:"advanced"`
	Archived       int           `json:"archived"`
	HeldBack       int           `json:"held_back"`
	Effects        EffectSummary `json:"effects"`
}

// movePlan is one validated transition with its eligible students already split.
type movePlan struct {
	spec     TransitionSpec
	forward  []string
	heldBack []string
}

// Execute applies every transition in req atomically and records one undoable
// history batch. Nothing is written when any step fails.
func (e Engine) Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error) {
	res, err := e.execute(ctx, req)
	if err != nil {
		e.Metrics.Failed("execute", ErrorKind(err))
		return ExecuteResult{}, err
	}
	e.Metrics.Executed(res.TransitionType, res.Advanced, res.Archived, res.HeldBack)
	return res, nil
}

func (e Engine) execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error) {
	cfg, err := e.config()
	if err != nil {
		return ExecuteResult{}, err
	}
	specs, err := validateSpecs(cfg, req.Transitions)
	if err != nil {
		return ExecuteResult{}, err
	}
	clearance, err := ParseClearanceAction(string(req.Clearance))
	if err != nil {
		return ExecuteResult{}, err
	}
	invoices, err := ParseInvoiceAction(string(req.Invoices))
	if err != nil {
		return ExecuteResult{}, err
	}
	now := e.now().UTC()
	transitionType := strings.TrimSpace(req.TransitionType)
	if transitionType == "" {
		transitionType = cfg.Transitions.DefaultType
	}
	period := strings.TrimSpace(req.Period)
	if period == "" {
		period = now.Format(cfg.Period.Layout)
	}
	actor := actorOrSystem(req.ActorID)
	log := e.logger().With(zap.String("transition_type", transitionType), zap.String("period", period), zap.String("actor", actor))

	tx, err := e.begin(ctx, "execute")
	if err != nil {
		return ExecuteResult{}, err
	}
	defer tx.Rollback()

	exists, err := e.Repo.HasUndoableHistory(ctx, tx, transitionType, period)
	if err != nil {
		return ExecuteResult{}, e.storeFailure(ctx, "check duplicate", err)
	}
	if exists {
		log.Info("duplicate transition rejected")
		return ExecuteResult{}, ErrDuplicateExecution
	}

	// Every eligible set is read before anything moves so a student promoted
	// by one transition is never picked up again by the next.
	plans := make([]movePlan, 0, len(specs))
	for _, spec := range specs {
		eligible, err := e.Repo.EligibleStudentIDs(ctx, tx, spec.From)
		if err != nil {
			return ExecuteResult{}, e.storeFailure(ctx, "read eligible", err)
		}
		p := partition(spec, eligible)
		if ignored := len(spec.HeldBack) - len(p.heldBack); ignored > 0 {
			log.Warn("held-back ids not eligible at stage; ignored", zap.Int("stage", spec.From), zap.Int("ignored", ignored))
		}
		plans = append(plans, p)
	}

	res := ExecuteResult{TransitionType: transitionType, Period: period}
	ts := repo.Timestamp(now)
	id, err := uuid.NewV7()
	if err != nil {
		return ExecuteResult{}, e.storeFailure(ctx, "history id", err)
	}
	res.HistoryID = id.String()

	record := domain.HistoryRecord{
		ID:              res.HistoryID,
		ExecutedAt:      ts,
		TransitionType:  transitionType,
		Period:          period,
		ExecutedBy:      actor,
		ClearanceAction: string(clearance),
		InvoiceAction:   string(invoices),
		Undoable:        true,
	}
	for i, p := range plans {
		if err := e.applyMove(ctx, tx, p, res.HistoryID, ts); err != nil {
			return ExecuteResult{}, e.storeFailure(ctx, "move "+p.spec.String(), err)
		}
		if err := e.applyEffects(ctx, tx, p.forward, p.spec.From, clearance, invoices, ts, &res.Effects); err != nil {
			return ExecuteResult{}, e.storeFailure(ctx, "effects "+p.spec.String(), err)
		}
		if p.spec.Archive {
			res.Archived += len(p.forward)
		} else {
			res.Advanced += len(p.forward)
		}
		res.HeldBack += len(p.heldBack)
		record.Entries = append(record.Entries, domain.HistoryEntry{
			Seq:         i + 1,
			FromStage:   p.spec.From,
			ToStage:     p.spec.To,
			ToArchive:   p.spec.Archive,
			ForwardIDs:  p.forward,
			HeldBackIDs: p.heldBack,
		})
	}

	if err := e.Repo.InsertHistory(ctx, tx, record); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return ExecuteResult{}, ErrDuplicateExecution
		}
		return ExecuteResult{}, e.storeFailure(ctx, "insert history", err)
	}
	payload := events.EventPayload{
		"transition_type": transitionType,
		"period":          period,
		"advanced":        res.Advanced,
		"archived":        res.Archived,
		"held_back":       res.HeldBack,
		"clearance":       string(clearance),
		"invoices":        string(invoices),
	}
	if err := e.events().Append(ctx, tx, "transition.executed", "transition", res.HistoryID, actor, payload); err != nil {
		return ExecuteResult{}, e.storeFailure(ctx, "append event", err)
	}
	if err := tx.Commit(); err != nil {
		if repo.IsUniqueViolation(err) {
			return ExecuteResult{}, ErrDuplicateExecution
		}
		return ExecuteResult{}, e.storeFailure(ctx, "execute: commit", err)
	}
	log.Info("transition executed",
		zap.String("history_id", res.HistoryID),
		zap.Int("advanced", res.Advanced),
		zap.Int("archived", res.Archived),
		zap.Int("held_back", res.HeldBack))
	return res, nil
}

func (e Engine) applyMove(ctx context.Context, tx *sql.Tx, p movePlan, historyID, ts string) error {
	if p.spec.Archive {
		students, err := e.Repo.GetStudentsByIDs(ctx, tx, p.forward)
		if err != nil {
			return err
		}
		for _, s := range students {
			if err := e.Repo.InsertArchivedStudent(ctx, tx, domain.ArchivedStudent{
				StudentID:  s.ID,
				Name:       s.Name,
				Stage:      s.Stage,
				Status:     s.Status,
				HistoryID:  historyID,
				Snapshot:   s,
				ArchivedAt: ts,
			}); err != nil {
				return err
			}
		}
		if _, err := e.Repo.SetStatus(ctx, tx, p.forward, domain.StatusArchived, ts); err != nil {
			return err
		}
	} else if _, err := e.Repo.SetStage(ctx, tx, p.forward, p.spec.To, ts); err != nil {
		return err
	}
	_, err := e.Repo.SetStage(ctx, tx, p.heldBack, p.spec.From-1, ts)
	return err
}

// partition splits the eligible ids into those moving forward and those held
// back. Requested held-back ids that are not eligible are dropped.
func partition(spec TransitionSpec, eligible []string) movePlan {
	requested := make(map[string]bool, len(spec.HeldBack))
	for _, id := range spec.HeldBack {
		requested[id] = true
	}
	p := movePlan{spec: spec, forward: []string{}, heldBack: []string{}}
	for _, id := range eligible {
		if requested[id] {
			p.heldBack = append(p.heldBack, id)
		} else {
			p.forward = append(p.forward, id)
		}
	}
	return p
}

// validateSpecs checks the request shape before any store access. Held-back
// ids are trimmed and deduplicated.
func validateSpecs(cfg *config.Config, specs []TransitionSpec) ([]TransitionSpec, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("%w: at least one transition is required", ErrInvalidTransition)
	}
	min, max := cfg.Stages.Min, cfg.Stages.Max
	seenFrom := map[int]bool{}
	heldBy := map[string]int{}
	out := make([]TransitionSpec, 0, len(specs))
	for _, s := range specs {
		if s.From < min || s.From > max {
			return nil, fmt.Errorf("%w: stage %d is outside %d..%d", ErrInvalidTransition, s.From, min, max)
		}
		if len(s.HeldBack) > 0 && s.From-1 < min {
			return nil, fmt.Errorf("%w: stage %d", ErrInvalidHoldBack, s.From)
		}
		if s.Archive {
			if s.From != max {
				return nil, fmt.Errorf("%w: only stage %d can move to the archive", ErrInvalidTransition, max)
			}
			s.To = 0
		} else if s.To != s.From+1 || s.To > max {
			return nil, fmt.Errorf("%w: %d->%d is not a one-stage advance", ErrInvalidTransition, s.From, s.To)
		}
		if seenFrom[s.From] {
			return nil, fmt.Errorf("%w: stage %d appears more than once", ErrInvalidTransition, s.From)
		}
		seenFrom[s.From] = true
		held := make([]string, 0, len(s.HeldBack))
		local := map[string]bool{}
		for _, id := range s.HeldBack {
			id = strings.TrimSpace(id)
			if id == "" {
				return nil, fmt.Errorf("%w: empty held-back id", ErrInvalidTransition)
			}
			if local[id] {
				continue
			}
			if other, ok := heldBy[id]; ok {
				return nil, fmt.Errorf("%w: student %s held back in both stage %d and %d", ErrInvalidTransition, id, other, s.From)
			}
			local[id] = true
			heldBy[id] = s.From
			held = append(held, id)
		}
		s.HeldBack = held
		out = append(out, s)
	}
	return out, nil
}
