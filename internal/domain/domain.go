package domain

// Student statuses.
const (
	StatusActive    = "active"
	StatusHeldBack  = "held_back"
	StatusArchived  = "archived"
	StatusWithdrawn = "withdrawn"
)

// Clearance request statuses.
const (
	ClearanceSubmitted = "submitted"
	ClearanceApproved  = "approved"
	ClearanceRejected  = "rejected"
)

// Invoice statuses and settlements.
const (
	InvoiceUnpaid = "unpaid"
	InvoicePaid   = "paid"

	SettlementPayment  = "payment"
	SettlementWriteOff = "write_off"
)

// History member movements.
const (
	MovementForward  = "forward"
	MovementHeldBack = "held_back"
)

type Student struct {
	ID        string `json:"id" yaml:"id"`
	Name      string `json:"name,omitempty" yaml:"name"`
	Stage     int    `json:"stage" yaml:"stage"`
	Status    string `json:"status" yaml:"status" enum:"active,held_back,archived,withdrawn"`
	CreatedAt string `json:"created_at" yaml:"-" format:"date-time"`
	UpdatedAt string `json:"updated_at" yaml:"-" format:"date-time"`
}

// ArchivedStudent is the snapshot taken when a student reaches the archive.
type ArchivedStudent struct {
	StudentID  string  `json:"student_id"`
	Name       string  `json:"name,omitempty"`
	Stage      int     `json:"stage"`
	Status     string  `json:"status"`
	HistoryID  string  `json:"history_id"`
	Snapshot   Student `json:"snapshot"`
	ArchivedAt string  `json:"archived_at" format:"date-time"`
}

type ClearanceRequest struct {
	ID        string          `json:"id" yaml:"id"`
	StudentID string          `json:"student_id" yaml:"student_id"`
	Stage     int             `json:"stage" yaml:"stage"`
	Status    string          `json:"status" yaml:"status" enum:"submitted,approved,rejected"`
	Archived  bool            `json:"archived" yaml:"archived"`
	Items     []ClearanceItem `json:"items,omitempty" yaml:"items"`
	CreatedAt string          `json:"created_at" yaml:"-" format:"date-time"`
	UpdatedAt string          `json:"updated_at" yaml:"-" format:"date-time"`
}

type ClearanceItem struct {
	ID         string  `json:"id" yaml:"id"`
	RequestID  string  `json:"request_id" yaml:"-"`
	Department string  `json:"department" yaml:"department"`
	Cleared    bool    `json:"cleared" yaml:"cleared"`
	ClearedAt  *string `json:"cleared_at,omitempty" yaml:"-" format:"date-time"`
}

type FeeDefinition struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Stage       int    `json:"stage" yaml:"stage"`
	AmountCents int64  `json:"amount_cents" yaml:"amount_cents"`
	Archived    bool   `json:"archived" yaml:"archived"`
	CreatedAt   string `json:"created_at" yaml:"-" format:"date-time"`
}

type FeeInvoice struct {
	ID          string  `json:"id" yaml:"id"`
	StudentID   string  `json:"student_id" yaml:"student_id"`
	FeeID       string  `json:"fee_id" yaml:"fee_id"`
	Stage       int     `json:"stage" yaml:"stage"`
	AmountCents int64   `json:"amount_cents" yaml:"amount_cents"`
	Status      string  `json:"status" yaml:"status" enum:"unpaid,paid"`
	Settlement  *string `json:"settlement,omitempty" yaml:"-"`
	PaidAt      *string `json:"paid_at,omitempty" yaml:"-" format:"date-time"`
	CreatedAt   string  `json:"created_at" yaml:"-" format:"date-time"`
}

// HistoryEntry is one executed transition of a batch with the ids it moved.
type HistoryEntry struct {
	Seq         int      `json:"seq"`
	FromStage   int      `json:"from_stage"`
	ToStage     int      `json:"to_stage"`
	ToArchive   bool     `json:"to_archive"`
	ForwardIDs  []string `json:"forward_ids"`
	HeldBackIDs []string `json:"held_back_ids"`
}

// HistoryRecord describes one executed batch; its entries are enough to
// restore every affected student without looking at current state.
type HistoryRecord struct {
	ID              string         `json:"id"`
	ExecutedAt      string         `json:"executed_at" format:"date-time"`
	TransitionType  string         `json:"transition_type"`
	Period          string         `json:"period"`
	ExecutedBy      string         `json:"executed_by"`
	ClearanceAction string         `json:"clearance_action"`
	InvoiceAction   string         `json:"invoice_action"`
	Undoable        bool           `json:"undoable"`
	UndoneAt        *string        `json:"undone_at,omitempty" format:"date-time"`
	Entries         []HistoryEntry `json:"entries"`
}

type Event struct {
	ID         string `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
