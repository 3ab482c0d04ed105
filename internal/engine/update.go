package engine

import (
	"context"
	"database/sql"
	"fmt"

	"bountyline/internal/domain"
	"bountyline/internal/engine/auth"
	"bountyline/internal/events"
	"bountyline/internal/validation"
)

type UpdateResult struct {
	Listing      domain.Listing `json:"listing"`
	WinnersReset int64          `json:"winners_reset"`
}

// Update edits an open or verifying listing. Reward changes that invalidate
// selected winners are restricted to elevated actors, and the affected winners
// are reset before the new row is written.
func (e Engine) Update(ctx context.Context, actorID, listingID string, in validation.Input) (UpdateResult, error) {
	actor, before, err := e.loadForAction(ctx, actorID, listingID, ActionUpdate)
	if err != nil {
		return UpdateResult{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return UpdateResult{}, err
	}
	defer tx.Rollback()

	current, err := e.recheck(ctx, tx, before, ActionUpdate)
	if err != nil {
		return UpdateResult{}, err
	}
	sponsor, err := e.Repo.GetSponsorTx(ctx, tx, current.SponsorID)
	if err != nil {
		return UpdateResult{}, err
	}
	next, err := e.normalize(ctx, tx, validation.ModeUpdate, in, actor, sponsor, &current)
	if err != nil {
		return UpdateResult{}, err
	}
	// Lifecycle flags are owned by transitions, not by edits.
	next.IsPublished = current.IsPublished
	next.IsActive = current.IsActive
	next.Status = current.Status
	next.VerificationReason = current.VerificationReason
	next.PublishedAt = current.PublishedAt

	reset, err := e.resetInvalidatedWinners(ctx, tx, actor, current, next)
	if err != nil {
		return UpdateResult{}, err
	}
	saved, err := e.writeListing(ctx, tx, ActionUpdate, current, next)
	if err != nil {
		return UpdateResult{}, err
	}
	if err := e.Events.Append(ctx, tx, "listing.updated", saved.SponsorID, "listing", saved.ID, actor.UserID, events.EventPayload{
		"version":       saved.Version,
		"winners_reset": reset,
	}); err != nil {
		return UpdateResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return UpdateResult{}, err
	}
	e.logTransition("listing.updated", saved, StateOf(current), StateOf(saved))
	return UpdateResult{Listing: saved, WinnersReset: reset}, nil
}

// resetInvalidatedWinners clears winners whose slot no longer exists or is
// no longer priced; a compensation type change clears all of them. It must
// return before the new listing row is written.
func (e Engine) resetInvalidatedWinners(ctx context.Context, tx *sql.Tx, actor domain.Actor, current, next domain.Listing) (int64, error) {
	typeChanged := current.CompensationType != next.CompensationType
	if !typeChanged && current.Rewards.Equal(next.Rewards) {
		return 0, nil
	}
	subs, err := e.Repo.ListSubmissionsTx(ctx, tx, current.ID)
	if err != nil {
		return 0, err
	}
	var affected []int
	hasWinners := false
	for _, s := range subs {
		if !s.IsWinner {
			continue
		}
		hasWinners = true
		if s.WinnerPosition == nil || next.Rewards[*s.WinnerPosition] <= 0 {
			pos := 0
			if s.WinnerPosition != nil {
				pos = *s.WinnerPosition
			}
			affected = append(affected, pos)
		}
	}
	if !hasWinners {
		return 0, nil
	}
	if current.IsPublished && !actor.IsElevated() {
		return 0, auth.ForbiddenError{Reason: "rewards cannot change once winners are selected"}
	}
	if typeChanged {
		n, err := e.Repo.ClearWinners(ctx, tx, current.ID, nil, e.now())
		if err != nil {
			return 0, fmt.Errorf("reset winners: %w", err)
		}
		return n, nil
	}
	if len(affected) == 0 {
		return 0, nil
	}
	n, err := e.Repo.ClearWinners(ctx, tx, current.ID, affected, e.now())
	if err != nil {
		return 0, fmt.Errorf("reset winners: %w", err)
	}
	return n, nil
}
