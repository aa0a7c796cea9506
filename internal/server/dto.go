package server

import (
	"sort"

	"cohortline/internal/domain"
	"cohortline/internal/engine"
)

// Request payloads

type ExecuteTransitionsRequest struct {
	TransitionType string                  `json:"transition_type,omitempty"`
	Period         string                  `json:"period,omitempty" example:"2024-fall"`
	Transitions    []engine.TransitionSpec `json:"transitions" minItems:"1"`
	Clearance      string                  `json:"clearance,omitempty" enum:"none,clear,keep"`
	Invoices       string                  `json:"invoices,omitempty" enum:"none,clear,archive,keep"`
}

// toEngine converts the payload, falling back to the configured effect
// defaults when an action is omitted.
func (r ExecuteTransitionsRequest) toEngine(e engine.Engine, actorID string) (engine.ExecuteRequest, error) {
	clearance, invoices := r.Clearance, r.Invoices
	if e.Config != nil {
		if clearance == "" {
			clearance = e.Config.Effects.Clearance
		}
		if invoices == "" {
			invoices = e.Config.Effects.Invoices
		}
	}
	ca, err := engine.ParseClearanceAction(clearance)
	if err != nil {
		return engine.ExecuteRequest{}, err
	}
	ia, err := engine.ParseInvoiceAction(invoices)
	if err != nil {
		return engine.ExecuteRequest{}, err
	}
	return engine.ExecuteRequest{
		TransitionType: r.TransitionType,
		Period:         r.Period,
		Transitions:    r.Transitions,
		Clearance:      ca,
		Invoices:       ia,
		ActorID:        actorID,
	}, nil
}

type ClearanceVisibilityRequest struct {
	Archived *bool `json:"archived"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

// Responses

type DevLoginResponse struct {
	Token string `json:"token"`
}

type PreviewResponse struct {
	Direction     string             `json:"direction" enum:"odd,even"`
	TieBreak      bool               `json:"tie_break"`
	OddActive     int                `json:"odd_active"`
	EvenActive    int                `json:"even_active"`
	ActiveByStage []StageCount       `json:"active_by_stage"`
	Candidates    []engine.Candidate `json:"candidates"`
	TotalEligible int                `json:"total_eligible"`
}

type StageCount struct {
	Stage  int `json:"stage"`
	Active int `json:"active"`
}

func previewResponse(p engine.Preview) PreviewResponse {
	resp := PreviewResponse{
		Direction:     p.Direction,
		TieBreak:      p.TieBreak,
		OddActive:     p.OddActive,
		EvenActive:    p.EvenActive,
		ActiveByStage: []StageCount{},
		Candidates:    p.Candidates,
		TotalEligible: p.TotalEligible,
	}
	if resp.Candidates == nil {
		resp.Candidates = []engine.Candidate{}
	}
	for stage, n := range p.ActiveByStage {
		resp.ActiveByStage = append(resp.ActiveByStage, StageCount{Stage: stage, Active: n})
	}
	sort.Slice(resp.ActiveByStage, func(i, j int) bool { return resp.ActiveByStage[i].Stage < resp.ActiveByStage[j].Stage })
	return resp
}

type HistoryListResponse struct {
	Items []domain.HistoryRecord `json:"items"`
}

func historyListResponse(items []domain.HistoryRecord) HistoryListResponse {
	if items == nil {
		items = []domain.HistoryRecord{}
	}
	return HistoryListResponse{Items: items}
}

type StudentListResponse struct {
	Items []domain.Student `json:"items"`
}

func studentListResponse(items []domain.Student) StudentListResponse {
	if items == nil {
		items = []domain.Student{}
	}
	return StudentListResponse{Items: items}
}

type ClearanceResponse struct {
	ID        string                 `json:"id"`
	StudentID string                 `json:"student_id"`
	Stage     int                    `json:"stage"`
	Status    string                 `json:"status" enum:"submitted,approved,rejected"`
	Archived  bool                   `json:"archived"`
	Items     []domain.ClearanceItem `json:"items"`
	Pending   int                    `json:"pending"`
	UpdatedAt string                 `json:"updated_at"`
}

func clearanceResponse(req domain.ClearanceRequest) ClearanceResponse {
	resp := ClearanceResponse{
		ID:        req.ID,
		StudentID: req.StudentID,
		Stage:     req.Stage,
		Status:    req.Status,
		Archived:  req.Archived,
		Items:     req.Items,
		UpdatedAt: req.UpdatedAt,
	}
	if resp.Items == nil {
		resp.Items = []domain.ClearanceItem{}
	}
	for _, it := range req.Items {
		if !it.Cleared {
			resp.Pending++
		}
	}
	return resp
}

type EventListResponse struct {
	Items []domain.Event `json:"items"`
}

func eventListResponse(items []domain.Event) EventListResponse {
	if items == nil {
		items = []domain.Event{}
	}
	return EventListResponse{Items: items}
}
