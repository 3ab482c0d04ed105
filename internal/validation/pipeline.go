// Package validation turns raw listing input into a normalized listing ready
// to persist, collecting every rule violation instead of stopping at the first.
package validation

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"bountyline/internal/config"
	"bountyline/internal/domain"
)

type Mode string

const (
	// ModeDraft applies draft leniency: only shape errors are reported.
	ModeDraft   Mode = "draft"
	ModePublish Mode = "publish"
	ModeUpdate  Mode = "update"
)

func (m Mode) strict() bool {
	return m != ModeDraft
}

type Violation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	return v.Field + ": " + v.Message
}

// Input carries partially-typed form fields. A nil field keeps the value of
// the listing being edited.
type Input struct {
	Title            *string                      `json:"title,omitempty"`
	Description      *string                      `json:"description,omitempty"`
	Type             *string                      `json:"type,omitempty"`
	CompensationType *string                      `json:"compensation_type,omitempty"`
	Token            *string                      `json:"token,omitempty"`
	Rewards          map[string]float64           `json:"rewards,omitempty"`
	MinRewardAsk     *float64                     `json:"min_reward_ask,omitempty"`
	MaxRewardAsk     *float64                     `json:"max_reward_ask,omitempty"`
	Deadline         *time.Time                   `json:"deadline,omitempty"`
	CommitmentDate   *time.Time                   `json:"commitment_date,omitempty"`
	Eligibility      []domain.EligibilityQuestion `json:"eligibility,omitempty"`
	Skills           []domain.Skill               `json:"skills,omitempty"`
	PocID            *string                      `json:"poc_id,omitempty"`
	HackathonID      *string                      `json:"hackathon_id,omitempty"`
	IsPrivate        *bool                        `json:"is_private,omitempty"`
}

// Context bundles the records a validation run depends on.
type Context struct {
	Existing  *domain.Listing
	Sponsor   domain.Sponsor
	Actor     domain.Actor
	Hackathon *domain.Hackathon
	Now       time.Time
}

// SlugChecker reports whether slug is used by a listing other than excludeID.
type SlugChecker interface {
	SlugExists(ctx context.Context, slug, excludeID string) (bool, error)
}

// SlugCheckerFunc adapts a function to SlugChecker.
type SlugCheckerFunc func(ctx context.Context, slug, excludeID string) (bool, error)

func (f SlugCheckerFunc) SlugExists(ctx context.Context, slug, excludeID string) (bool, error) {
	return f(ctx, slug, excludeID)
}

type Pipeline struct {
	Config *config.Config
	Slugs  SlugChecker
	// Detect returns an ISO 639-1 code or "" when unsure. Nil uses DetectLanguage.
	Detect func(text string) string
}

type run struct {
	cfg        *config.Config
	mode       Mode
	vc         Context
	violations []Violation
}

func (r *run) add(field, format string, args ...any) {
	r.violations = append(r.violations, Violation{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Validate merges in over vc.Existing and normalizes the result. Violations are
// returned as a list; err is reserved for lookup failures.
func (p Pipeline) Validate(ctx context.Context, mode Mode, in Input, vc Context) (domain.Listing, []Violation, error) {
	cfg := p.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if vc.Now.IsZero() {
		vc.Now = time.Now().UTC()
	}
	r := &run{cfg: cfg, mode: mode, vc: vc}

	var l domain.Listing
	if vc.Existing != nil {
		l = *vc.Existing
	} else {
		l = domain.Listing{
			Type:             domain.ListingTypeBounty,
			CompensationType: domain.CompensationFixed,
			SponsorID:        vc.Sponsor.ID,
			PocID:            vc.Actor.UserID,
			IsActive:         true,
		}
	}

	r.applyText(&l, in)
	r.applyKinds(&l, in)
	r.applyRewards(&l, in)
	r.applySchedule(&l, in)
	r.applyEligibility(&l, in)
	if in.Skills != nil {
		l.Skills = r.normalizeSkills(in.Skills)
	} else if mode.strict() {
		l.Skills = r.normalizeSkills(l.Skills)
	}
	if mode.strict() && len(l.Skills) == 0 {
		r.add("skills", "at least one skill is required")
	}
	if in.PocID != nil {
		l.PocID = strings.TrimSpace(*in.PocID)
	}
	if l.PocID == "" {
		l.PocID = vc.Actor.UserID
	}
	if in.IsPrivate != nil {
		l.IsPrivate = *in.IsPrivate
	}

	if len(r.violations) > 0 {
		return l, r.violations, nil
	}

	slug, err := p.resolveSlug(ctx, l, vc.Existing)
	if err != nil {
		return l, nil, err
	}
	l.Slug = slug

	detect := p.Detect
	if detect == nil {
		detect = DetectLanguage
	}
	if lang := detect(l.Description); lang != "" {
		l.Language = lang
	}
	return l, nil, nil
}

func (r *run) applyText(l *domain.Listing, in Input) {
	if in.Title != nil {
		l.Title = strings.TrimSpace(*in.Title)
	}
	if in.Description != nil {
		l.Description = strings.TrimSpace(*in.Description)
	}
	if in.Token != nil {
		l.Token = strings.ToUpper(strings.TrimSpace(*in.Token))
	}
	if l.Title == "" {
		if r.mode.strict() {
			r.add("title", "is required")
		} else {
			l.Title = r.cfg.Listings.PlaceholderTitle
		}
	}
	if r.mode.strict() {
		if l.Description == "" {
			r.add("description", "is required")
		}
		if l.Token == "" {
			r.add("token", "is required")
		}
	}
}

func (r *run) applyKinds(l *domain.Listing, in Input) {
	if in.Type != nil {
		t := domain.ListingType(strings.ToLower(strings.TrimSpace(*in.Type)))
		switch t {
		case domain.ListingTypeBounty, domain.ListingTypeProject, domain.ListingTypeSponsorship, domain.ListingTypeGrant:
			l.Type = t
		default:
			r.add("type", "unknown listing type %q", *in.Type)
		}
	}
	if in.CompensationType != nil {
		c := domain.CompensationType(strings.ToLower(strings.TrimSpace(*in.CompensationType)))
		switch c {
		case domain.CompensationFixed, domain.CompensationRange, domain.CompensationVariable:
			l.CompensationType = c
		default:
			r.add("compensation_type", "unknown compensation type %q", *in.CompensationType)
		}
	}
	if r.mode.strict() && l.Type == domain.ListingTypeBounty && l.CompensationType != domain.CompensationFixed {
		r.add("compensation_type", "bounties require fixed compensation")
	}
}

func (r *run) applyRewards(l *domain.Listing, in Input) {
	if in.Rewards != nil {
		rewards := domain.Rewards{}
		for key, amount := range in.Rewards {
			pos, err := strconv.Atoi(strings.TrimSpace(key))
			if err != nil || pos < 1 {
				r.add("rewards", "position %q is not a positive integer", key)
				continue
			}
			if amount < 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
				r.add("rewards", "position %d has an invalid amount", pos)
				continue
			}
			rewards[pos] = amount
		}
		l.Rewards = rewards
	}
	if in.MinRewardAsk != nil {
		l.MinRewardAsk = in.MinRewardAsk
	}
	if in.MaxRewardAsk != nil {
		l.MaxRewardAsk = in.MaxRewardAsk
	}
	if !r.mode.strict() {
		l.RewardAmount = rewardAmount(*l)
		return
	}

	maxAmount := r.cfg.Listings.MaxRewardAmount
	switch l.CompensationType {
	case domain.CompensationFixed:
		if len(l.Rewards) == 0 {
			r.add("rewards", "fixed compensation requires at least one reward slot")
		}
		r.checkSlots(l.Rewards)
	case domain.CompensationRange:
		switch {
		case l.MinRewardAsk == nil || l.MaxRewardAsk == nil:
			r.add("max_reward_ask", "range compensation requires min and max asks")
		case *l.MinRewardAsk <= 0:
			r.add("min_reward_ask", "must be positive")
		case *l.MaxRewardAsk <= *l.MinRewardAsk:
			r.add("max_reward_ask", "must be greater than min_reward_ask")
		case *l.MaxRewardAsk > maxAmount:
			r.add("max_reward_ask", "exceeds the maximum of %.0f", maxAmount)
		}
		r.checkSlots(l.Rewards)
	case domain.CompensationVariable:
		r.checkSlots(l.Rewards)
	}
	l.RewardAmount = rewardAmount(*l)
}

// checkSlots requires every slot to be priced and within bounds.
func (r *run) checkSlots(rewards domain.Rewards) {
	maxSlots := r.cfg.Listings.MaxRewardSlots
	for _, pos := range rewards.Positions() {
		if pos > maxSlots {
			r.add("rewards", "position %d exceeds the maximum of %d slots", pos, maxSlots)
			continue
		}
		amount := rewards[pos]
		if amount <= 0 {
			r.add("rewards", "position %d is not priced", pos)
		}
		if amount > r.cfg.Listings.MaxRewardAmount {
			r.add("rewards", "position %d exceeds the maximum of %.0f", pos, r.cfg.Listings.MaxRewardAmount)
		}
	}
}

func rewardAmount(l domain.Listing) *float64 {
	switch l.CompensationType {
	case domain.CompensationFixed:
		if len(l.Rewards) == 0 {
			return nil
		}
		total := l.Rewards.Total()
		return &total
	case domain.CompensationRange:
		return l.MaxRewardAsk
	default:
		return nil
	}
}

func (r *run) applySchedule(l *domain.Listing, in Input) {
	deadlineChanged := false
	if in.Deadline != nil {
		d := in.Deadline.UTC()
		deadlineChanged = l.Deadline == nil || !l.Deadline.Equal(d)
		l.Deadline = &d
	}
	if in.CommitmentDate != nil {
		c := in.CommitmentDate.UTC()
		l.CommitmentDate = &c
	}
	if h := r.vc.Hackathon; h != nil {
		id := h.ID
		l.HackathonID = &id
		ceiling := h.Deadline.UTC()
		if l.Deadline == nil {
			l.Deadline = &ceiling
			deadlineChanged = true
		} else if l.Deadline.After(ceiling) {
			r.add("deadline", "must not be after the hackathon deadline %s", ceiling.Format(time.RFC3339))
		}
	} else if in.HackathonID != nil && strings.TrimSpace(*in.HackathonID) == "" {
		l.HackathonID = nil
	}

	if l.Deadline != nil && (deadlineChanged || r.mode == ModePublish) {
		now := r.vc.Now
		if !l.Deadline.After(now) {
			r.add("deadline", "must be in the future")
		} else if l.Deadline.After(now.AddDate(0, 0, r.cfg.Listings.MaxDeadlineDays)) {
			r.add("deadline", "must be within %d days", r.cfg.Listings.MaxDeadlineDays)
		}
	}
	if r.mode.strict() && l.Deadline == nil {
		r.add("deadline", "is required")
	}
	if l.Deadline != nil && l.CommitmentDate != nil && l.CommitmentDate.Before(*l.Deadline) {
		r.add("commitment_date", "must not be before the deadline")
	}
}

func (r *run) applyEligibility(l *domain.Listing, in Input) {
	if in.Eligibility != nil {
		qs := append([]domain.EligibilityQuestion(nil), in.Eligibility...)
		sort.SliceStable(qs, func(i, j int) bool { return qs[i].Order < qs[j].Order })
		out := make([]domain.EligibilityQuestion, 0, len(qs))
		for i, q := range qs {
			q.Question = strings.TrimSpace(q.Question)
			q.Type = strings.ToLower(strings.TrimSpace(q.Type))
			if q.Type == "" {
				q.Type = "text"
			}
			if q.Question == "" {
				r.add(fmt.Sprintf("eligibility[%d].question", i), "is required")
			}
			if q.Type != "text" && q.Type != "link" {
				r.add(fmt.Sprintf("eligibility[%d].type", i), "must be text or link")
			}
			q.Order = i + 1
			out = append(out, q)
		}
		l.Eligibility = out
	}
	if len(l.Eligibility) > r.cfg.Listings.MaxEligibilityQuestions {
		r.add("eligibility", "at most %d questions are allowed", r.cfg.Listings.MaxEligibilityQuestions)
	}
	if r.mode.strict() && l.Type == domain.ListingTypeProject && len(l.Eligibility) == 0 {
		r.add("eligibility", "project listings require at least one question")
	}
}
