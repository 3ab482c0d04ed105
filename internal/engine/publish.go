package engine

import (
	"context"
	"fmt"

	"bountyline/internal/credits"
	"bountyline/internal/domain"
	"bountyline/internal/effects"
	"bountyline/internal/events"
	"bountyline/internal/notify"
	"bountyline/internal/trust"
	"bountyline/internal/validation"
)

type PublishResult struct {
	Listing                 domain.Listing   `json:"listing"`
	VerificationReason      string           `json:"verification_reason,omitempty"`
	IsFirstPublishedListing bool             `json:"is_first_published_listing"`
	Effects                 []effects.Report `json:"-"`
}

// Publish validates in over the draft and moves it to Open, or to Verifying
// when the sponsor trust policy requires a hold.
func (e Engine) Publish(ctx context.Context, actorID, listingID string, in validation.Input) (PublishResult, error) {
	actor, before, err := e.loadForAction(ctx, actorID, listingID, ActionPublish)
	if err != nil {
		return PublishResult{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return PublishResult{}, err
	}
	defer tx.Rollback()

	current, err := e.recheck(ctx, tx, before, ActionPublish)
	if err != nil {
		return PublishResult{}, err
	}
	sponsor, err := e.Repo.GetSponsorTx(ctx, tx, current.SponsorID)
	if err != nil {
		return PublishResult{}, err
	}
	next, err := e.normalize(ctx, tx, validation.ModePublish, in, actor, sponsor, &current)
	if err != nil {
		return PublishResult{}, err
	}
	decision := trust.Decide(sponsor, actor, next)

	prior, err := e.Repo.CountPublishedListings(ctx, tx, sponsor.ID)
	if err != nil {
		return PublishResult{}, err
	}
	// A held listing is not published yet, so it never counts as the first.
	isFirst := prior == 0 && !decision.RequiresHold

	now := e.now()
	next.IsActive = true
	next.IsPublished = !decision.RequiresHold
	next.Status = decision.TargetStatus()
	next.VerificationReason = string(decision.Reason)
	if next.IsPublished {
		next.PublishedAt = &now
	}
	saved, err := e.writeListing(ctx, tx, ActionPublish, current, next)
	if err != nil {
		return PublishResult{}, err
	}
	if err := e.Events.Append(ctx, tx, "listing.published", saved.SponsorID, "listing", saved.ID, actor.UserID, events.EventPayload{
		"status":              saved.Status,
		"verification_reason": saved.VerificationReason,
		"first_listing":       isFirst,
	}); err != nil {
		return PublishResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return PublishResult{}, err
	}
	e.logTransition("listing.published", saved, StateOf(current), StateOf(saved))

	reports := e.runner().Run(ctx, effects.Scope{
		Transition: string(ActionPublish),
		ListingID:  saved.ID,
		ActorID:    actor.UserID,
		SponsorID:  saved.SponsorID,
	}, e.publishEffects(saved, isFirst))
	return PublishResult{
		Listing:                 saved,
		VerificationReason:      saved.VerificationReason,
		IsFirstPublishedListing: isFirst,
		Effects:                 reports,
	}, nil
}

func (e Engine) publishEffects(l domain.Listing, isFirst bool) []effects.Effect {
	var effs []effects.Effect
	if l.IsPublished && e.Credits != nil {
		effs = append(effs, effects.Effect{Kind: "credits.charge", Run: func(ctx context.Context) error {
			return e.Credits.Charge(ctx, l.SponsorID, l.ID)
		}})
		if isFirst {
			effs = append(effs, effects.Effect{Kind: "credits.first_listing_bonus", Run: func(ctx context.Context) error {
				return e.Credits.Allocate(ctx, l.SponsorID, credits.ReasonFirstListing)
			}})
		}
	}
	if e.Chat != nil {
		kind, text := "listing.published", fmt.Sprintf("New listing published: %s", l.Title)
		if !l.IsPublished {
			kind, text = "listing.verifying", fmt.Sprintf("Listing awaiting verification (%s): %s", l.VerificationReason, l.Title)
		}
		effs = append(effs, effects.Effect{Kind: "chat." + kind, Run: func(ctx context.Context) error {
			return e.Chat.Broadcast(ctx, listingMessage(kind, l, text))
		}})
	}
	if e.Mail != nil {
		effs = append(effs, effects.Effect{Kind: "email.poc", Run: func(ctx context.Context) error {
			return e.Mail.Queue(ctx, notify.EmailListingPublished, l.PocID, map[string]any{
				"listing_id":          l.ID,
				"slug":                l.Slug,
				"title":               l.Title,
				"status":              l.Status,
				"verification_reason": l.VerificationReason,
			})
		}})
	}
	return effs
}

func listingMessage(kind string, l domain.Listing, text string) notify.ChatMessage {
	return notify.ChatMessage{
		Kind:      kind,
		ListingID: l.ID,
		SponsorID: l.SponsorID,
		Title:     l.Title,
		Slug:      l.Slug,
		Text:      text,
	}
}

type UnpublishResult struct {
	Listing  domain.Listing   `json:"listing"`
	Cleared  int64            `json:"winners_cleared"`
	Rejected int64            `json:"submissions_rejected"`
	Effects  []effects.Report `json:"-"`
}

// Unpublish returns an open listing to draft. Winner flags are cleared and, for
// projects, every non-winning submission is rejected in the same transaction.
func (e Engine) Unpublish(ctx context.Context, actorID, listingID string) (UnpublishResult, error) {
	actor, before, err := e.loadForAction(ctx, actorID, listingID, ActionUnpublish)
	if err != nil {
		return UnpublishResult{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return UnpublishResult{}, err
	}
	defer tx.Rollback()

	current, err := e.recheck(ctx, tx, before, ActionUnpublish)
	if err != nil {
		return UnpublishResult{}, err
	}
	subs, err := e.Repo.ListSubmissionsTx(ctx, tx, current.ID)
	if err != nil {
		return UnpublishResult{}, err
	}
	// Non-winners are captured before the reset clears the winner flags.
	var rejectIDs []string
	var rejectUsers []string
	if current.Type == domain.ListingTypeProject {
		for _, s := range subs {
			if s.IsWinner || s.Status == domain.SubmissionRejected {
				continue
			}
			rejectIDs = append(rejectIDs, s.ID)
			rejectUsers = append(rejectUsers, s.UserID)
		}
	}
	now := e.now()
	cleared, err := e.Repo.ClearWinners(ctx, tx, current.ID, nil, now)
	if err != nil {
		return UnpublishResult{}, fmt.Errorf("clear winners: %w", err)
	}
	rejected, err := e.Repo.RejectSubmissions(ctx, tx, current.ID, rejectIDs, now)
	if err != nil {
		return UnpublishResult{}, fmt.Errorf("reject submissions: %w", err)
	}

	next := current
	next.IsPublished = false
	next.Status = ""
	next.VerificationReason = ""
	saved, err := e.writeListing(ctx, tx, ActionUnpublish, current, next)
	if err != nil {
		return UnpublishResult{}, err
	}
	if err := e.Events.Append(ctx, tx, "listing.unpublished", saved.SponsorID, "listing", saved.ID, actor.UserID, events.EventPayload{
		"winners_cleared":      cleared,
		"submissions_rejected": rejected,
	}); err != nil {
		return UnpublishResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return UnpublishResult{}, err
	}
	e.logTransition("listing.unpublished", saved, StateOf(current), StateOf(saved))

	reports := e.runner().Run(ctx, effects.Scope{
		Transition: string(ActionUnpublish),
		ListingID:  saved.ID,
		ActorID:    actor.UserID,
		SponsorID:  saved.SponsorID,
	}, e.unpublishEffects(saved, rejectUsers))
	return UnpublishResult{Listing: saved, Cleared: cleared, Rejected: rejected, Effects: reports}, nil
}

func (e Engine) unpublishEffects(l domain.Listing, rejectedUsers []string) []effects.Effect {
	var effs []effects.Effect
	if e.Mail != nil {
		for _, userID := range rejectedUsers {
			effs = append(effs, effects.Effect{Kind: "email.rejection", Run: func(ctx context.Context) error {
				return e.Mail.Queue(ctx, notify.EmailSubmissionRejected, userID, map[string]any{
					"listing_id": l.ID,
					"title":      l.Title,
				})
			}})
		}
	}
	if e.Credits != nil {
		effs = append(effs, effects.Effect{Kind: "credits.refund", Run: func(ctx context.Context) error {
			return e.Credits.Refund(ctx, l.ID)
		}})
	}
	if e.Chat != nil {
		effs = append(effs, effects.Effect{Kind: "chat.listing.unpublished", Run: func(ctx context.Context) error {
			return e.Chat.Broadcast(ctx, listingMessage("listing.unpublished", l, fmt.Sprintf("Listing unpublished: %s", l.Title)))
		}})
	}
	return effs
}
