package engine

import (
	"context"
	"fmt"
	"time"

	"bountyline/internal/domain"
	"bountyline/internal/effects"
	"bountyline/internal/events"
	"bountyline/internal/notify"
)

// Payout is the amount credited to one winner, in the listing token.
type Payout struct {
	SubmissionID string  `json:"submission_id"`
	UserID       string  `json:"user_id"`
	Position     *int    `json:"position,omitempty"`
	Amount       float64 `json:"amount"`
	Token        string  `json:"token,omitempty"`
}

type AnnounceResult struct {
	Listing domain.Listing   `json:"listing"`
	Payouts []Payout         `json:"payouts"`
	Effects []effects.Report `json:"-"`
}

// Announce marks winners announced, closes the listing and freezes the
// deadline in one transaction, then credits earnings and notifies participants best-effort.
func (e Engine) Announce(ctx context.Context, actorID, listingID string) (AnnounceResult, error) {
	actor, before, err := e.loadForAction(ctx, actorID, listingID, ActionAnnounce)
	if err != nil {
		return AnnounceResult{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return AnnounceResult{}, err
	}
	defer tx.Rollback()

	current, err := e.recheck(ctx, tx, before, ActionAnnounce)
	if err != nil {
		return AnnounceResult{}, err
	}
	subs, err := e.Repo.ListSubmissionsTx(ctx, tx, current.ID)
	if err != nil {
		return AnnounceResult{}, err
	}
	if err := checkWinners(current, subs); err != nil {
		return AnnounceResult{}, err
	}

	now := e.now()
	next := current
	next.Deadline = e.frozenDeadline(current)
	next.Status = domain.StatusClosed
	next.IsWinnersAnnounced = true
	next.WinnersAnnouncedAt = &now
	saved, err := e.writeListing(ctx, tx, ActionAnnounce, current, next)
	if err != nil {
		return AnnounceResult{}, err
	}
	payouts := computePayouts(saved, subs)
	if err := e.Events.Append(ctx, tx, "listing.winners.announced", saved.SponsorID, "listing", saved.ID, actor.UserID, events.EventPayload{
		"winners":  len(payouts),
		"deadline": saved.Deadline,
	}); err != nil {
		return AnnounceResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return AnnounceResult{}, err
	}
	e.logTransition("listing.winners.announced", saved, StateOf(current), StateOf(saved))

	scope := effects.Scope{
		Transition: string(ActionAnnounce),
		ListingID:  saved.ID,
		ActorID:    actor.UserID,
		SponsorID:  saved.SponsorID,
	}
	runner := e.runner()
	reports := runner.Run(ctx, scope, e.earningsEffects(payouts))
	reports = append(reports, runner.Run(ctx, scope, e.announceNotifications(saved, subs, payouts))...)
	return AnnounceResult{Listing: saved, Payouts: payouts, Effects: reports}, nil
}

// frozenDeadline keeps a deadline that already passed and otherwise pulls it
// into the past by the configured offset, closing submissions with the
// announcement.
func (e Engine) frozenDeadline(l domain.Listing) *time.Time {
	now := e.now()
	if l.Deadline != nil && !l.Deadline.After(now) {
		return l.Deadline
	}
	frozen := now.Add(-e.Config.AnnounceOffset())
	return &frozen
}

// computePayouts prices each winner by position. Amounts stay in the listing
// token; currency conversion belongs to the payment side.
func computePayouts(l domain.Listing, subs []domain.Submission) []Payout {
	var out []Payout
	for _, s := range subs {
		if !s.IsWinner {
			continue
		}
		out = append(out, Payout{
			SubmissionID: s.ID,
			UserID:       s.UserID,
			Position:     s.WinnerPosition,
			Amount:       l.Rewards.AmountFor(s.WinnerPosition),
			Token:        l.Token,
		})
	}
	return out
}

func (e Engine) earningsEffects(payouts []Payout) []effects.Effect {
	effs := make([]effects.Effect, 0, len(payouts))
	for _, p := range payouts {
		if p.Amount <= 0 {
			continue
		}
		effs = append(effs, effects.Effect{Kind: "earnings.increment", Run: func(ctx context.Context) error {
			if err := e.Repo.IncrementEarnings(ctx, p.UserID, p.Amount); err != nil {
				return fmt.Errorf("user %s: %w", p.UserID, err)
			}
			return nil
		}})
	}
	return effs
}

func (e Engine) announceNotifications(l domain.Listing, subs []domain.Submission, payouts []Payout) []effects.Effect {
	var effs []effects.Effect
	if e.Mail != nil {
		won := map[string]Payout{}
		for _, p := range payouts {
			won[p.SubmissionID] = p
		}
		for _, s := range subs {
			if p, ok := won[s.ID]; ok {
				effs = append(effs, effects.Effect{Kind: "email.winner", Run: func(ctx context.Context) error {
					return e.Mail.Queue(ctx, notify.EmailWinnerAnnounced, s.UserID, map[string]any{
						"listing_id": l.ID,
						"title":      l.Title,
						"position":   p.Position,
						"amount":     p.Amount,
						"token":      p.Token,
					})
				}})
			}
			effs = append(effs, effects.Effect{Kind: "email.announcement", Run: func(ctx context.Context) error {
				return e.Mail.Queue(ctx, notify.EmailWinnersAnnounced, s.UserID, map[string]any{
					"listing_id": l.ID,
					"title":      l.Title,
					"slug":       l.Slug,
				})
			}})
		}
	}
	if e.Chat != nil {
		effs = append(effs, effects.Effect{Kind: "chat.listing.winners.announced", Run: func(ctx context.Context) error {
			return e.Chat.Broadcast(ctx, listingMessage("listing.winners.announced", l, fmt.Sprintf("Winners announced: %s", l.Title)))
		}})
	}
	return effs
}
