package guardlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Guardline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Job represents the API job model.
type Job struct {
	ID              string   `json:"id"`
	CompanyID       string   `json:"company_id"`
	ApplicantID     *string  `json:"applicant_guard_id,omitempty"`
	SelectedGuardID *string  `json:"selected_guard_id,omitempty"`
	Title           string   `json:"title"`
	Description     string   `json:"description,omitempty"`
	HourlyRate      float64  `json:"hourly_rate"`
	State           string   `json:"state"`
	ConversationID  *string  `json:"conversation_id,omitempty"`
	TotalHours      *float64 `json:"total_hours_worked,omitempty"`
	CreatedAt       string   `json:"created_at"`
	UpdatedAt       string   `json:"updated_at"`
}

// Transition is one entry of a job's audit history.
type Transition struct {
	ID        int64          `json:"id"`
	FromState string         `json:"from_state"`
	ToState   string         `json:"to_state"`
	ActorID   string         `json:"actor_id"`
	Reason    string         `json:"reason,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	TS        string         `json:"ts"`
}

// Rating is one side of the dual post-completion rating.
type Rating struct {
	WorkflowID  string  `json:"workflow_id"`
	RaterRole   string  `json:"rater_role"`
	Rating      float64 `json:"rating"`
	Comment     string  `json:"comment,omitempty"`
	SubmittedAt string  `json:"submitted_at"`
}

// Payment is the trigger status for a job.
type Payment struct {
	WorkflowID  string  `json:"workflow_id"`
	Triggered   bool    `json:"triggered"`
	TriggeredAt *string `json:"triggered_at,omitempty"`
	ReferenceID *string `json:"reference_id,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedJobs wraps list responses with cursors.
type PaginatedJobs struct {
	Items      []Job  `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// CreateJob posts a job.
func (c *Client) CreateJob(ctx context.Context, title, description, registrationID string, hourlyRate float64) (Job, error) {
	body := map[string]any{
		"title":           title,
		"description":     description,
		"registration_id": registrationID,
		"hourly_rate":     hourlyRate,
	}
	var resp Job
	err := c.do(ctx, http.MethodPost, "v0/jobs", body, &resp)
	return resp, err
}

// GetJob fetches a job by id.
func (c *Client) GetJob(ctx context.Context, id string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodGet, c.jobPath(id, ""), nil, &resp)
	return resp, err
}

// ListJobs returns a paginated job listing.
func (c *Client) ListJobs(ctx context.Context, state string, limit int, cursor string) (PaginatedJobs, error) {
	endpoint := "v0/jobs"
	params := url.Values{}
	if state != "" {
		params.Set("state", state)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp PaginatedJobs
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// History returns the job's transition history.
func (c *Client) History(ctx context.Context, id string) ([]Transition, error) {
	var resp []Transition
	err := c.do(ctx, http.MethodGet, c.jobPath(id, "history"), nil, &resp)
	return resp, err
}

// Apply applies to a job as a guard.
func (c *Client) Apply(ctx context.Context, id, certificateID string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodPost, c.jobPath(id, "apply"), map[string]any{
		"certificate_id": certificateID,
	}, &resp)
	return resp, err
}

// Accept accepts the recorded application.
func (c *Client) Accept(ctx context.Context, id string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodPost, c.jobPath(id, "accept"), map[string]any{}, &resp)
	return resp, err
}

// Start marks execution begun.
func (c *Client) Start(ctx context.Context, id string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodPost, c.jobPath(id, "start"), map[string]any{}, &resp)
	return resp, err
}

// Complete marks execution finished.
func (c *Client) Complete(ctx context.Context, id string, totalHours float64) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodPost, c.jobPath(id, "complete"), map[string]any{
		"total_hours_worked": totalHours,
	}, &resp)
	return resp, err
}

// Cancel cancels a job with a reason.
func (c *Client) Cancel(ctx context.Context, id, reason string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodPost, c.jobPath(id, "cancel"), map[string]any{
		"reason": reason,
	}, &resp)
	return resp, err
}

// SubmitRating submits the caller's rating for a completed job.
func (c *Client) SubmitRating(ctx context.Context, id string, rating float64, comment string) (Rating, error) {
	var resp Rating
	err := c.do(ctx, http.MethodPost, c.jobPath(id, "ratings"), map[string]any{
		"rating":  rating,
		"comment": comment,
	}, &resp)
	return resp, err
}

// Ratings lists the submitted ratings for a job.
func (c *Client) Ratings(ctx context.Context, id string) ([]Rating, error) {
	var resp []Rating
	err := c.do(ctx, http.MethodGet, c.jobPath(id, "ratings"), nil, &resp)
	return resp, err
}

// GetPayment returns the payment trigger status.
func (c *Client) GetPayment(ctx context.Context, id string) (Payment, error) {
	var resp Payment
	err := c.do(ctx, http.MethodGet, c.jobPath(id, "payment"), nil, &resp)
	return resp, err
}

// RetryPayment retries a failed payment initiation.
func (c *Client) RetryPayment(ctx context.Context, id string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodPost, c.jobPath(id, "payment/retry"), map[string]any{}, &resp)
	return resp, err
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
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) jobPath(id, suffix string) string {
	p := fmt.Sprintf("v0/jobs/%s", url.PathEscape(id))
	if suffix != "" {
		p += "/" + strings.TrimLeft(suffix, "/")
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
