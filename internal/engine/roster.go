package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"cohortline/internal/domain"
	"cohortline/internal/events"
	"cohortline/internal/repo"
)

var ErrInvalidRoster = errors.New("invalid roster")

// Roster is the YAML document loaded by ImportRoster.
type Roster struct {
	Students  []domain.Student          `yaml:"students"`
	Clearance []domain.ClearanceRequest `yaml:"clearance"`
	Fees      []domain.FeeDefinition    `yaml:"fees"`
	Invoices  []domain.FeeInvoice       `yaml:"invoices"`
}

type ImportResult struct {
	Students  int `json:"students"`
	Clearance int `json:"clearance"`
	Fees      int `json:"fees"`
	Invoices  int `json:"invoices"`
}

func ParseRoster(data []byte) (Roster, error) {
	var r Roster
	if err := yaml.Unmarshal(data, &r); err != nil {
		return Roster{}, fmt.Errorf("%w: %v", ErrInvalidRoster, err)
	}
	return r, nil
}

func LoadRosterFile(path string) (Roster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Roster{}, err
	}
	return ParseRoster(data)
}

// ImportRoster inserts students and their dependent records in a single
// transaction. Existing ids are rejected with repo.ErrConflict.
func (e Engine) ImportRoster(ctx context.Context, r Roster, actorID string) (ImportResult, error) {
	cfg, err := e.config()
	if err != nil {
		return ImportResult{}, err
	}
	if err := r.normalize(cfg.Stages.Min, cfg.Stages.Max); err != nil {
		return ImportResult{}, err
	}
	tx, err := e.begin(ctx, "import roster")
	if err != nil {
		return ImportResult{}, err
	}
	defer tx.Rollback()
	if err := e.resolveStudentRefs(ctx, tx, &r); err != nil {
		return ImportResult{}, err
	}
	ts := repo.Timestamp(e.now())

	insertErr := func(op string, err error) error {
		if errors.Is(err, repo.ErrConflict) {
			return err
		}
		return e.storeFailure(ctx, op, err)
	}
	for _, s := range r.Students {
		s.CreatedAt, s.UpdatedAt = ts, ts
		if err := e.Repo.InsertStudent(ctx, tx, s); err != nil {
			return ImportResult{}, insertErr("insert student", err)
		}
	}
	for _, f := range r.Fees {
		f.CreatedAt = ts
		if err := e.Repo.InsertFeeDefinition(ctx, tx, f); err != nil {
			return ImportResult{}, insertErr("insert fee", err)
		}
	}
	for _, c := range r.Clearance {
		c.CreatedAt, c.UpdatedAt = ts, ts
		for i := range c.Items {
			if c.Items[i].Cleared {
				c.Items[i].ClearedAt = &ts
			}
		}
		if err := e.Repo.InsertClearanceRequest(ctx, tx, c); err != nil {
			return ImportResult{}, insertErr("insert clearance", err)
		}
	}
	for _, inv := range r.Invoices {
		inv.CreatedAt = ts
		if inv.Status == domain.InvoicePaid {
			settlement := domain.SettlementPayment
			inv.Settlement, inv.PaidAt = &settlement, &ts
		}
		if err := e.Repo.InsertFeeInvoice(ctx, tx, inv); err != nil {
			return ImportResult{}, insertErr("insert invoice", err)
		}
	}
	res := ImportResult{Students: len(r.Students), Clearance: len(r.Clearance), Fees: len(r.Fees), Invoices: len(r.Invoices)}
	if err := e.events().Append(ctx, tx, "roster.imported", "roster", "", actorOrSystem(actorID), events.EventPayload{
		"students":  res.Students,
		"clearance": res.Clearance,
		"fees":      res.Fees,
		"invoices":  res.Invoices,
	}); err != nil {
		return ImportResult{}, e.storeFailure(ctx, "append event", err)
	}
	if err := e.commit(ctx, tx, "import roster"); err != nil {
		return ImportResult{}, err
	}
	e.logger().Info("roster imported", zap.Int("students", res.Students), zap.Int("clearance", res.Clearance), zap.Int("invoices", res.Invoices))
	return res, nil
}

// normalize fills defaults and checks references within the document.
func (r *Roster) normalize(min, max int) error {
	students := map[string]bool{}
	for i := range r.Students {
		s := &r.Students[i]
		if s.ID == "" {
			return fmt.Errorf("%w: student %d has no id", ErrInvalidRoster, i+1)
		}
		if students[s.ID] {
			return fmt.Errorf("%w: duplicate student %s", ErrInvalidRoster, s.ID)
		}
		students[s.ID] = true
		if s.Status == "" {
			s.Status = domain.StatusActive
		}
		switch s.Status {
		case domain.StatusActive, domain.StatusHeldBack, domain.StatusArchived, domain.StatusWithdrawn:
		default:
			return fmt.Errorf("%w: student %s has unknown status %q", ErrInvalidRoster, s.ID, s.Status)
		}
		if s.Stage < min || s.Stage > max {
			return fmt.Errorf("%w: student %s stage %d is outside %d..%d", ErrInvalidRoster, s.ID, s.Stage, min, max)
		}
	}
	fees := map[string]domain.FeeDefinition{}
	for i := range r.Fees {
		f := r.Fees[i]
		if f.ID == "" {
			return fmt.Errorf("%w: fee %d has no id", ErrInvalidRoster, i+1)
		}
		if f.AmountCents < 0 {
			return fmt.Errorf("%w: fee %s has a negative amount", ErrInvalidRoster, f.ID)
		}
		fees[f.ID] = f
	}
	for i := range r.Clearance {
		c := &r.Clearance[i]
		if c.ID == "" || c.StudentID == "" {
			return fmt.Errorf("%w: clearance request %d needs id and student_id", ErrInvalidRoster, i+1)
		}
		if c.Stage == 0 && students[c.StudentID] {
			c.Stage = stageOf(r.Students, c.StudentID)
		}
		if c.Status == "" {
			c.Status = domain.ClearanceSubmitted
		}
		for j := range c.Items {
			it := &c.Items[j]
			if it.ID == "" {
				it.ID = fmt.Sprintf("%s-%d", c.ID, j+1)
			}
			it.RequestID = c.ID
		}
	}
	for i := range r.Invoices {
		inv := &r.Invoices[i]
		if inv.ID == "" || inv.StudentID == "" || inv.FeeID == "" {
			return fmt.Errorf("%w: invoice %d needs id, student_id and fee_id", ErrInvalidRoster, i+1)
		}
		f, ok := fees[inv.FeeID]
		if !ok {
			return fmt.Errorf("%w: invoice %s references unknown fee %s", ErrInvalidRoster, inv.ID, inv.FeeID)
		}
		if inv.Stage == 0 {
			inv.Stage = f.Stage
		}
		if inv.AmountCents == 0 {
			inv.AmountCents = f.AmountCents
		}
		if inv.Status == "" {
			inv.Status = domain.InvoiceUnpaid
		}
		if inv.Status != domain.InvoiceUnpaid && inv.Status != domain.InvoicePaid {
			return fmt.Errorf("%w: invoice %s has unknown status %q", ErrInvalidRoster, inv.ID, inv.Status)
		}
	}
	return nil
}

// resolveStudentRefs checks that clearance requests and invoices naming a
// student outside the document point at one already stored, and takes the
// stored stage for requests that did not set one.
func (e Engine) resolveStudentRefs(ctx context.Context, tx *sql.Tx, r *Roster) error {
	inDoc := make(map[string]bool, len(r.Students))
	for _, s := range r.Students {
		inDoc[s.ID] = true
	}
	stored := map[string]domain.Student{}
	lookup := func(kind, id, studentID string) (domain.Student, error) {
		if s, ok := stored[studentID]; ok {
			return s, nil
		}
		s, err := e.Repo.GetStudent(ctx, tx, studentID)
		if errors.Is(err, repo.ErrNotFound) {
			return s, fmt.Errorf("%w: %s %s references unknown student %s", ErrInvalidRoster, kind, id, studentID)
		}
		if err != nil {
			return s, e.storeFailure(ctx, "resolve student", err)
		}
		stored[studentID] = s
		return s, nil
	}
	for i := range r.Clearance {
		c := &r.Clearance[i]
		if inDoc[c.StudentID] {
			continue
		}
		s, err := lookup("clearance request", c.ID, c.StudentID)
		if err != nil {
			return err
		}
		if c.Stage == 0 {
			c.Stage = s.Stage
		}
	}
	for _, inv := range r.Invoices {
		if inDoc[inv.StudentID] {
			continue
		}
		if _, err := lookup("invoice", inv.ID, inv.StudentID); err != nil {
			return err
		}
	}
	return nil
}

func stageOf(students []domain.Student, id string) int {
	for _, s := range students {
		if s.ID == id {
			return s.Stage
		}
	}
	return 0
}
