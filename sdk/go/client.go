package bountylinesdk

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

// Client is a minimal Bountyline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Listing represents the API listing model (partial).
type Listing struct {
	ID                 string             `json:"id"`
	Slug               string             `json:"slug"`
	Title              string             `json:"title"`
	Type               string             `json:"type"`
	CompensationType   string             `json:"compensation_type"`
	Token              string             `json:"token,omitempty"`
	Rewards            map[string]float64 `json:"rewards,omitempty"`
	RewardAmount       *float64           `json:"reward_amount,omitempty"`
	Deadline           *time.Time         `json:"deadline,omitempty"`
	SponsorID          string             `json:"sponsor_id"`
	Status             string             `json:"status,omitempty"`
	State              string             `json:"state"`
	IsPublished        bool               `json:"is_published"`
	IsWinnersAnnounced bool               `json:"is_winners_announced"`
	Version            int                `json:"version"`
}

// ListingInput carries the fields to set; nil fields are left unchanged.
type ListingInput struct {
	Title            *string            `json:"title,omitempty"`
	Description      *string            `json:"description,omitempty"`
	Type             *string            `json:"type,omitempty"`
	CompensationType *string            `json:"compensation_type,omitempty"`
	Token            *string            `json:"token,omitempty"`
	Rewards          map[string]float64 `json:"rewards,omitempty"`
	MinRewardAsk     *float64           `json:"min_reward_ask,omitempty"`
	MaxRewardAsk     *float64           `json:"max_reward_ask,omitempty"`
	Deadline         *time.Time         `json:"deadline,omitempty"`
	Skills           []Skill            `json:"skills,omitempty"`
	PocID            *string            `json:"poc_id,omitempty"`
	HackathonID      *string            `json:"hackathon_id,omitempty"`
}

type Skill struct {
	Skills    string   `json:"skills"`
	SubSkills []string `json:"subskills,omitempty"`
}

type Effect struct {
	Kind       string `json:"kind"`
	OK         bool   `json:"ok"`
	DurationMS int64  `json:"duration_ms"`
}

type PublishResult struct {
	Listing                 Listing  `json:"listing"`
	VerificationReason      string   `json:"verification_reason,omitempty"`
	IsFirstPublishedListing bool     `json:"is_first_published_listing"`
	Effects                 []Effect `json:"effects"`
}

type UnpublishResult struct {
	Listing             Listing  `json:"listing"`
	WinnersCleared      int64    `json:"winners_cleared"`
	SubmissionsRejected int64    `json:"submissions_rejected"`
	Effects             []Effect `json:"effects"`
}

type Payout struct {
	SubmissionID string  `json:"submission_id"`
	UserID       string  `json:"user_id"`
	Position     *int    `json:"position,omitempty"`
	Amount       float64 `json:"amount"`
	Token        string  `json:"token,omitempty"`
}

type AnnounceResult struct {
	Listing Listing  `json:"listing"`
	Payouts []Payout `json:"payouts"`
	Effects []Effect `json:"effects"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	SponsorID  string         `json:"sponsor_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code is the envelope's error code when
// the body carried one.
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

// CreateDraft creates a draft for sponsorID, or for the caller's current
// sponsor when sponsorID is empty.
func (c *Client) CreateDraft(ctx context.Context, sponsorID string, in ListingInput) (Listing, error) {
	endpoint := "listings"
	if sponsorID != "" {
		endpoint += "?sponsor_id=" + url.QueryEscape(sponsorID)
	}
	var resp Listing
	err := c.do(ctx, http.MethodPost, endpoint, in, &resp)
	return resp, err
}

// SaveDraft updates draft fields.
func (c *Client) SaveDraft(ctx context.Context, id string, in ListingInput) (Listing, error) {
	var resp Listing
	err := c.do(ctx, http.MethodPut, c.listingPath(id, "draft"), in, &resp)
	return resp, err
}

// Publish validates and publishes a draft.
func (c *Client) Publish(ctx context.Context, id string, in ListingInput) (PublishResult, error) {
	var resp PublishResult
	err := c.do(ctx, http.MethodPost, c.listingPath(id, "publish"), in, &resp)
	return resp, err
}

// Update edits an open or verifying listing.
func (c *Client) Update(ctx context.Context, id string, in ListingInput) (Listing, error) {
	var resp struct {
		Listing Listing `json:"listing"`
	}
	err := c.do(ctx, http.MethodPatch, c.listingPath(id, ""), in, &resp)
	return resp.Listing, err
}

// Unpublish returns an open listing to draft.
func (c *Client) Unpublish(ctx context.Context, id string) (UnpublishResult, error) {
	var resp UnpublishResult
	err := c.do(ctx, http.MethodPost, c.listingPath(id, "unpublish"), nil, &resp)
	return resp, err
}

// Announce announces winners.
func (c *Client) Announce(ctx context.Context, id string) (AnnounceResult, error) {
	var resp AnnounceResult
	err := c.do(ctx, http.MethodPost, c.listingPath(id, "announce"), nil, &resp)
	return resp, err
}

// Delete removes a never-published draft.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, c.listingPath(id, ""), nil, nil)
}

// GetListing fetches a listing by id.
func (c *Client) GetListing(ctx context.Context, id string) (Listing, error) {
	var resp Listing
	err := c.do(ctx, http.MethodGet, c.listingPath(id, ""), nil, &resp)
	return resp, err
}

// SetWinner marks a submission as winner at position, or clears it when
// position is nil.
func (c *Client) SetWinner(ctx context.Context, submissionID string, position *int) error {
	body := map[string]any{}
	if position != nil {
		body["position"] = *position
	}
	endpoint := fmt.Sprintf("submissions/%s/winner", url.PathEscape(submissionID))
	return c.do(ctx, http.MethodPut, endpoint, body, nil)
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
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
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) listingPath(id, action string) string {
	p := "listings/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if c.BasePath != "" {
		base += "/" + strings.Trim(c.BasePath, "/")
	}
	return base
}
