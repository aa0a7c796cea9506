package cohortlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal cohortline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no bearer token is set.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 30 * time.Second,
	}
}

// Transition is one requested move. Leave To zero and set Archive for the
// final stage.
type Transition struct {
	From     int      `json:"from"`
	To       int      `json:"to,omitempty"`
	Archive  bool     `json:"archive,omitempty"`
	HeldBack []string `json:"held_back,omitempty"`
}

type ExecuteRequest struct {
	TransitionType string       `json:"transition_type,omitempty"`
	Period         string       `json:"period,omitempty"`
	Transitions    []Transition `json:"transitions"`
	Clearance      string       `json:"clearance,omitempty"`
	Invoices       string       `json:"invoices,omitempty"`
}

type Candidate struct {
	From     int  `json:"from"`
	To       int  `json:"to,omitempty"`
	Archive  bool `json:"archive,omitempty"`
	Eligible int  `json:"eligible"`
}

type Preview struct {
	Direction     string `json:"direction"`
	TieBreak      bool   `json:"tie_break"`
	OddActive     int    `json:"odd_active"`
	EvenActive    int    `json:"even_active"`
	ActiveByStage []struct {
		Stage  int `json:"stage"`
		Active int `json:"active"`
	} `json:"active_by_stage"`
	Candidates    []Candidate `json:"candidates"`
	TotalEligible int         `json:"total_eligible"`
}

// Transitions converts the recommendation into an executable request body.
func (p Preview) Transitions() []Transition {
	res := make([]Transition, 0, len(p.Candidates))
	for _, c := range p.Candidates {
		res = append(res, Transition{From: c.From, To: c.To, Archive: c.Archive})
	}
	return res
}

type Effects struct {
	ClearanceApproved  int64 `json:"clearance_approved"`
	ClearanceHidden    int64 `json:"clearance_hidden"`
	InvoicesWrittenOff int64 `json:"invoices_written_off"`
	FeesArchived       int64 `json:"fees_archived"`
}

type ExecuteResult struct {
	HistoryID      string  `json:"history_id"`
	TransitionType string  `json:"transition_type"`
	Period         string  `json:"period"`
	Advanced       int     `json:"advanced"`
	Archived       int     `json:"archived"`
	HeldBack       int     `json:"held_back"`
	Effects        Effects `json:"effects"`
}

type UndoResult struct {
	HistoryID  string `json:"history_id"`
	Period     string `json:"period"`
	Restored   int    `json:"restored"`
	Unarchived int    `json:"unarchived"`
	Message    string `json:"message"`
}

type HistoryEntry struct {
	Seq         int      `json:"seq"`
	FromStage   int      `json:"from_stage"`
	ToStage     int      `json:"to_stage"`
	ToArchive   bool     `json:"to_archive"`
	ForwardIDs  []string `json:"forward_ids"`
	HeldBackIDs []string `json:"held_back_ids"`
}

type HistoryRecord struct {
	ID             string         `json:"id"`
	ExecutedAt     string         `json:"executed_at"`
	TransitionType string         `json:"transition_type"`
	Period         string         `json:"period"`
	ExecutedBy     string         `json:"executed_by"`
	Undoable       bool           `json:"undoable"`
	UndoneAt       *string        `json:"undone_at,omitempty"`
	Entries        []HistoryEntry `json:"entries"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsCode reports whether err is an APIError carrying code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// Preview returns the recommended transitions for the current period.
func (c *Client) Preview(ctx context.Context) (Preview, error) {
	var resp Preview
	err := c.do(ctx, http.MethodGet, "v0/transitions/preview", nil, &resp)
	return resp, err
}

// Execute runs a transition batch.
func (c *Client) Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error) {
	var resp ExecuteResult
	err := c.do(ctx, http.MethodPost, "v0/transitions", req, &resp)
	return resp, err
}

// Undo reverts the most recent batch.
func (c *Client) Undo(ctx context.Context) (UndoResult, error) {
	var resp UndoResult
	err := c.do(ctx, http.MethodPost, "v0/transitions/undo", nil, &resp)
	return resp, err
}

// History lists executed batches, newest first.
func (c *Client) History(ctx context.Context, limit int) ([]HistoryRecord, error) {
	endpoint := "v0/transitions/history"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		Items []HistoryRecord `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// OutstandingFees returns the unpaid balance of a student in cents.
func (c *Client) OutstandingFees(ctx context.Context, studentID string) (int64, error) {
	var resp struct {
		OutstandingCents int64 `json:"outstanding_cents"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/students/%s/fees/outstanding", url.PathEscape(studentID)), nil, &resp)
	return resp.OutstandingCents, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
