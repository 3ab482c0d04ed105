package domain

import (
	"sort"
	"time"
)

type ListingType string

const (
	ListingTypeBounty      ListingType = "bounty"
	ListingTypeProject     ListingType = "project"
	ListingTypeSponsorship ListingType = "sponsorship"
	ListingTypeGrant       ListingType = "grant"
)

type CompensationType string

const (
	CompensationFixed    CompensationType = "fixed"
	CompensationRange    CompensationType = "range"
	CompensationVariable CompensationType = "variable"
)

type ListingStatus string

const (
	StatusOpen      ListingStatus = "OPEN"
	StatusReview    ListingStatus = "REVIEW"
	StatusClosed    ListingStatus = "CLOSED"
	StatusVerifying ListingStatus = "VERIFYING"
)

type SubmissionStatus string

const (
	SubmissionPending  SubmissionStatus = "Pending"
	SubmissionApproved SubmissionStatus = "Approved"
	SubmissionRejected SubmissionStatus = "Rejected"
)

type SubmissionLabel string

const (
	LabelUnreviewed  SubmissionLabel = "Unreviewed"
	LabelShortlisted SubmissionLabel = "Shortlisted"
	LabelReviewed    SubmissionLabel = "Reviewed"
	LabelSpam        SubmissionLabel = "Spam"
	LabelPending     SubmissionLabel = "Pending"
)

type Role string

const (
	RoleUser Role = "USER"
	// RoleGod is the override role used by platform staff.
	RoleGod Role = "GOD"
)

// Rewards maps a winner position (1-based) to its amount in the listing token.
type Rewards map[int]float64

// Positions returns the reward positions in ascending order.
func (r Rewards) Positions() []int {
	out := make([]int, 0, len(r))
	for pos := range r {
		out = append(out, pos)
	}
	sort.Ints(out)
	return out
}

// PricedSlots counts positions with a positive amount.
func (r Rewards) PricedSlots() int {
	n := 0
	for _, amount := range r {
		if amount > 0 {
			n++
		}
	}
	return n
}

func (r Rewards) Total() float64 {
	var total float64
	for _, amount := range r {
		total += amount
	}
	return total
}

// AmountFor returns the amount payable for a position; an unset position pays 0.
func (r Rewards) AmountFor(pos *int) float64 {
	if pos == nil {
		return 0
	}
	return r[*pos]
}

// Equal reports whether both maps carry the same positions and amounts.
func (r Rewards) Equal(other Rewards) bool {
	if len(r) != len(other) {
		return false
	}
	for pos, amount := range r {
		if v, ok := other[pos]; !ok || v != amount {
			return false
		}
	}
	return true
}

type EligibilityQuestion struct {
	Order    int    `json:"order"`
	Question string `json:"question"`
	Type     string `json:"type,omitempty" enum:"text,link"`
}

type Skill struct {
	Skills    string   `json:"skills"`
	SubSkills []string `json:"subskills,omitempty"`
}

type Listing struct {
	ID                 string                `json:"id"`
	Slug               string                `json:"slug"`
	Title              string                `json:"title"`
	Description        string                `json:"description,omitempty"`
	Type               ListingType           `json:"type" enum:"bounty,project,sponsorship,grant"`
	CompensationType   CompensationType      `json:"compensation_type" enum:"fixed,range,variable"`
	Token              string                `json:"token,omitempty"`
	Rewards            Rewards               `json:"rewards,omitempty"`
	RewardAmount       *float64              `json:"reward_amount,omitempty"`
	MinRewardAsk       *float64              `json:"min_reward_ask,omitempty"`
	MaxRewardAsk       *float64              `json:"max_reward_ask,omitempty"`
	Deadline           *time.Time            `json:"deadline,omitempty" format:"date-time"`
	CommitmentDate     *time.Time            `json:"commitment_date,omitempty" format:"date-time"`
	Eligibility        []EligibilityQuestion `json:"eligibility,omitempty"`
	Skills             []Skill               `json:"skills,omitempty"`
	SponsorID          string                `json:"sponsor_id"`
	PocID              string                `json:"poc_id"`
	HackathonID        *string               `json:"hackathon_id,omitempty"`
	IsPublished        bool                  `json:"is_published"`
	IsActive           bool                  `json:"is_active"`
	IsArchived         bool                  `json:"is_archived"`
	IsPrivate          bool                  `json:"is_private"`
	IsWinnersAnnounced bool                  `json:"is_winners_announced"`
	Status             ListingStatus         `json:"status,omitempty" enum:"OPEN,REVIEW,CLOSED,VERIFYING"`
	VerificationReason string                `json:"verification_reason,omitempty"`
	Language           string                `json:"language,omitempty"`
	PublishedAt        *time.Time            `json:"published_at,omitempty" format:"date-time"`
	WinnersAnnouncedAt *time.Time            `json:"winners_announced_at,omitempty" format:"date-time"`
	Version            int                   `json:"version"`
	CreatedAt          time.Time             `json:"created_at" format:"date-time"`
	UpdatedAt          time.Time             `json:"updated_at" format:"date-time"`
}

type Sponsor struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	IsVerified bool      `json:"is_verified"`
	IsCaution  bool      `json:"is_caution"`
	CreatedAt  time.Time `json:"created_at" format:"date-time"`
}

type Hackathon struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Deadline time.Time `json:"deadline" format:"date-time"`
}

type User struct {
	ID               string    `json:"id"`
	Email            string    `json:"email"`
	Name             string    `json:"name,omitempty"`
	Role             Role      `json:"role"`
	CurrentSponsorID *string   `json:"current_sponsor_id,omitempty"`
	TotalEarned      float64   `json:"total_earned"`
	CreatedAt        time.Time `json:"created_at" format:"date-time"`
}

// Actor is the authenticated user driving a transition.
type Actor struct {
	UserID    string
	Role      Role
	SponsorID string
}

func (a Actor) IsElevated() bool {
	return a.Role == RoleGod
}

type Submission struct {
	ID             string           `json:"id"`
	ListingID      string           `json:"listing_id"`
	UserID         string           `json:"user_id"`
	Status         SubmissionStatus `json:"status" enum:"Pending,Approved,Rejected"`
	Label          SubmissionLabel  `json:"label" enum:"Unreviewed,Shortlisted,Reviewed,Spam,Pending"`
	IsWinner       bool             `json:"is_winner"`
	WinnerPosition *int             `json:"winner_position,omitempty"`
	RewardInUSD    float64          `json:"reward_in_usd"`
	IsPaid         bool             `json:"is_paid"`
	CreatedAt      time.Time        `json:"created_at" format:"date-time"`
	UpdatedAt      time.Time        `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	SponsorID  string `json:"sponsor_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type EmailMessage struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	RecipientID string `json:"recipient_id"`
	ContextJSON string `json:"context_json,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type CreditEntry struct {
	ID        string `json:"id"`
	SponsorID string `json:"sponsor_id"`
	ListingID string `json:"listing_id,omitempty"`
	Kind      string `json:"kind"`
	Reason    string `json:"reason,omitempty"`
	Delta     int    `json:"delta"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
