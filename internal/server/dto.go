package server

import (
	"encoding/json"
	"time"

	"bountyline/internal/domain"
	"bountyline/internal/effects"
	"bountyline/internal/engine"
)

// Request payloads

type WinnerRequest struct {
	// Position selects the reward slot; omit it to clear the winner flag.
	Position *int `json:"position,omitempty" minimum:"1"`
}

type DevLoginRequest struct {
	UserID     string `json:"user_id"`
	TTLSeconds int    `json:"ttl_seconds,omitempty" minimum:"0"`
}

type DevLoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at" format:"date-time"`
}

// Response payloads

type ListingResponse struct {
	domain.Listing
	State string `json:"state" enum:"draft,verifying,open,closed,winners_announced,archived"`
}

// EffectReport is the caller-visible outcome of a post-transition effect.
// Failure causes stay in logs and effect.failed events.
type EffectReport struct {
	Kind       string `json:"kind"`
	OK         bool   `json:"ok"`
	DurationMS int64  `json:"duration_ms"`
}

type PublishResponse struct {
	Listing                 ListingResponse `json:"listing"`
	VerificationReason      string          `json:"verification_reason,omitempty"`
	IsFirstPublishedListing bool            `json:"is_first_published_listing"`
	Effects                 []EffectReport  `json:"effects"`
}

type UpdateResponse struct {
	Listing      ListingResponse `json:"listing"`
	WinnersReset int64           `json:"winners_reset"`
}

type UnpublishResponse struct {
	Listing             ListingResponse `json:"listing"`
	WinnersCleared      int64           `json:"winners_cleared"`
	SubmissionsRejected int64           `json:"submissions_rejected"`
	Effects             []EffectReport  `json:"effects"`
}

type AnnounceResponse struct {
	Listing ListingResponse `json:"listing"`
	Payouts []engine.Payout `json:"payouts"`
	Effects []EffectReport  `json:"effects"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	SponsorID  string         `json:"sponsor_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type WhoAmIResponse struct {
	UserID           string  `json:"user_id"`
	Email            string  `json:"email"`
	Role             string  `json:"role"`
	CurrentSponsorID string  `json:"current_sponsor_id,omitempty"`
	TotalEarned      float64 `json:"total_earned"`
	Source           string  `json:"source"`
}

type paginatedListings struct {
	Items      []ListingResponse `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func listingResponse(l domain.Listing) ListingResponse {
	return ListingResponse{Listing: l, State: string(engine.StateOf(l))}
}

func mapListings(items []domain.Listing) []ListingResponse {
	res := make([]ListingResponse, 0, len(items))
	for _, l := range items {
		res = append(res, listingResponse(l))
	}
	return res
}

func effectReports(in []effects.Report) []EffectReport {
	res := make([]EffectReport, 0, len(in))
	for _, r := range in {
		res = append(res, EffectReport{Kind: r.Kind, OK: r.OK(), DurationMS: r.Duration.Milliseconds()})
	}
	return res
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		SponsorID:  e.SponsorID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{"raw": raw}
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
