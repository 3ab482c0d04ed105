package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"bountyline/internal/config"
	"bountyline/internal/credits"
	"bountyline/internal/domain"
	"bountyline/internal/effects"
	"bountyline/internal/engine/auth"
	"bountyline/internal/events"
	"bountyline/internal/notify"
	"bountyline/internal/repo"
	"bountyline/internal/validation"
)

// ChatPoster delivers chat notifications.
type ChatPoster interface {
	Broadcast(ctx context.Context, msg notify.ChatMessage) error
}

// Mailer queues transactional email.
type Mailer interface {
	Queue(ctx context.Context, kind, recipientID string, data any) error
}

// CreditLedger charges and refunds sponsor listing credits.
type CreditLedger interface {
	Allocate(ctx context.Context, sponsorID, reason string) error
	Charge(ctx context.Context, sponsorID, listingID string) error
	Refund(ctx context.Context, listingID string) error
}

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Auth    auth.Service
	Config  *config.Config
	Now     func() time.Time
	Logger  *slog.Logger
	Chat    ChatPoster
	Mail    Mailer
	Credits CreditLedger
	Effects effects.Runner
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	r := repo.Repo{DB: db}
	w := events.Writer{DB: db}
	return Engine{
		DB:      db,
		Repo:    r,
		Events:  w,
		Auth:    auth.Service{DB: db},
		Config:  cfg,
		Now:     time.Now,
		Chat:    notify.NewChat(cfg),
		Mail:    notify.EmailQueue{Repo: r},
		Credits: credits.NewLedger(r, nil),
		Effects: effects.Runner{
			Timeout:  cfg.EffectTimeout(),
			Recorder: failureRecorder{Events: w},
		},
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) logger() *slog.Logger {
	return effects.ResolveLogger(e.Logger)
}

func (e Engine) runner() effects.Runner {
	r := e.Effects
	if r.Logger == nil {
		r.Logger = e.Logger
	}
	return r
}

func (e Engine) pipeline(tx *sql.Tx) validation.Pipeline {
	return validation.Pipeline{
		Config: e.Config,
		Slugs: validation.SlugCheckerFunc(func(ctx context.Context, slug, excludeID string) (bool, error) {
			return e.Repo.SlugExists(ctx, tx, slug, excludeID)
		}),
	}
}

func (e Engine) logTransition(evt string, l domain.Listing, from, to State) {
	e.logger().Info("listing state changed",
		"event", evt,
		"listing_id", l.ID,
		"sponsor_id", l.SponsorID,
		"from_state", string(from),
		"to_state", string(to),
	)
}

// failureRecorder appends effect.failed audit events.
type failureRecorder struct {
	Events events.Writer
}

func (r failureRecorder) RecordFailure(ctx context.Context, f effects.Failure) error {
	return r.Events.Append(ctx, nil, "effect.failed", f.SponsorID, "listing", f.ListingID, f.ActorID, events.EventPayload{
		"transition": f.Transition,
		"effect":     f.Kind,
		"error":      f.Err.Error(),
	})
}

// loadForAction resolves the actor and listing, checks sponsor access and
// runs the guard against the pre-read row.
func (e Engine) loadForAction(ctx context.Context, actorID, listingID string, action Action) (domain.Actor, domain.Listing, error) {
	actor, err := e.Auth.ResolveActor(ctx, nil, actorID)
	if err != nil {
		return actor, domain.Listing{}, err
	}
	l, err := e.Repo.GetListing(ctx, listingID)
	if err != nil {
		return actor, l, fmt.Errorf("listing %s: %w", listingID, err)
	}
	if err := e.Auth.RequireSponsorAccess(ctx, nil, actor, l.SponsorID); err != nil {
		return actor, l, err
	}
	if err := Guard(l, action); err != nil {
		return actor, l, err
	}
	return actor, l, nil
}

// recheck re-reads the listing inside tx and re-runs the guard. A failure
// after the row changed is reported as a RaceError.
func (e Engine) recheck(ctx context.Context, tx *sql.Tx, before domain.Listing, action Action) (domain.Listing, error) {
	current, err := e.Repo.GetListingTx(ctx, tx, before.ID)
	if err != nil {
		return current, fmt.Errorf("listing %s: %w", before.ID, err)
	}
	if err := Guard(current, action); err != nil {
		var pe PreconditionError
		if current.Version != before.Version && errors.As(err, &pe) {
			return current, RaceError{Precondition: pe}
		}
		return current, err
	}
	return current, nil
}

// writeListing persists next over current and returns the stored copy.
func (e Engine) writeListing(ctx context.Context, tx *sql.Tx, action Action, current, next domain.Listing) (domain.Listing, error) {
	next.UpdatedAt = e.now()
	if err := e.Repo.UpdateListing(ctx, tx, next, current.Version); err != nil {
		if errors.Is(err, repo.ErrStaleVersion) {
			return next, RaceError{Precondition: PreconditionError{Action: action, State: StateOf(current), Reason: "listing was modified by another request"}}
		}
		return next, err
	}
	next.Version = current.Version + 1
	return next, nil
}

func (e Engine) loadHackathon(ctx context.Context, tx *sql.Tx, in validation.Input, existing *domain.Listing) (*domain.Hackathon, []validation.Violation, error) {
	var id string
	switch {
	case in.HackathonID != nil:
		id = strings.TrimSpace(*in.HackathonID)
	case existing != nil && existing.HackathonID != nil:
		id = *existing.HackathonID
	}
	if id == "" {
		return nil, nil, nil
	}
	h, err := e.Repo.GetHackathonTx(ctx, tx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, []validation.Violation{{Field: "hackathon_id", Message: fmt.Sprintf("unknown hackathon %s", id)}}, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return &h, nil, nil
}

// normalize runs the validation pipeline inside tx and folds violations into
// a ValidationError.
func (e Engine) normalize(ctx context.Context, tx *sql.Tx, mode validation.Mode, in validation.Input, actor domain.Actor, sponsor domain.Sponsor, existing *domain.Listing) (domain.Listing, error) {
	hackathon, violations, err := e.loadHackathon(ctx, tx, in, existing)
	if err != nil {
		return domain.Listing{}, err
	}
	if len(violations) > 0 {
		return domain.Listing{}, ValidationError{Violations: violations}
	}
	l, violations, err := e.pipeline(tx).Validate(ctx, mode, in, validation.Context{
		Existing:  existing,
		Sponsor:   sponsor,
		Actor:     actor,
		Hackathon: hackathon,
		Now:       e.now(),
	})
	if err != nil {
		return l, err
	}
	if len(violations) > 0 {
		return l, ValidationError{Violations: violations}
	}
	return l, nil
}

// CreateDraft creates an unpublished listing owned by sponsorID, or by the
// actor's current sponsor when sponsorID is empty.
func (e Engine) CreateDraft(ctx context.Context, actorID, sponsorID string, in validation.Input) (domain.Listing, error) {
	actor, err := e.Auth.ResolveActor(ctx, nil, actorID)
	if err != nil {
		return domain.Listing{}, err
	}
	if sponsorID == "" {
		sponsorID = actor.SponsorID
	}
	if sponsorID == "" {
		return domain.Listing{}, auth.ForbiddenError{Reason: "actor has no current sponsor"}
	}
	if err := e.Auth.RequireSponsorAccess(ctx, nil, actor, sponsorID); err != nil {
		return domain.Listing{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Listing{}, err
	}
	defer tx.Rollback()

	sponsor, err := e.Repo.GetSponsorTx(ctx, tx, sponsorID)
	if err != nil {
		return domain.Listing{}, fmt.Errorf("sponsor %s: %w", sponsorID, err)
	}
	l, err := e.normalize(ctx, tx, validation.ModeDraft, in, actor, sponsor, nil)
	if err != nil {
		return domain.Listing{}, err
	}
	now := e.now()
	l.ID = uuid.NewString()
	l.SponsorID = sponsor.ID
	l.Version = 1
	l.CreatedAt = now
	l.UpdatedAt = now
	if err := e.Repo.InsertListing(ctx, tx, l); err != nil {
		return domain.Listing{}, fmt.Errorf("insert listing: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "listing.draft.created", l.SponsorID, "listing", l.ID, actor.UserID, events.EventPayload{"slug": l.Slug}); err != nil {
		return domain.Listing{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Listing{}, err
	}
	e.logTransition("listing.draft.created", l, "", StateDraft)
	return l, nil
}

// SaveDraft applies partial input to a draft with draft leniency.
func (e Engine) SaveDraft(ctx context.Context, actorID, listingID string, in validation.Input) (domain.Listing, error) {
	actor, before, err := e.loadForAction(ctx, actorID, listingID, ActionSaveDraft)
	if err != nil {
		return domain.Listing{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Listing{}, err
	}
	defer tx.Rollback()

	current, err := e.recheck(ctx, tx, before, ActionSaveDraft)
	if err != nil {
		return domain.Listing{}, err
	}
	sponsor, err := e.Repo.GetSponsorTx(ctx, tx, current.SponsorID)
	if err != nil {
		return domain.Listing{}, err
	}
	next, err := e.normalize(ctx, tx, validation.ModeDraft, in, actor, sponsor, &current)
	if err != nil {
		return domain.Listing{}, err
	}
	saved, err := e.writeListing(ctx, tx, ActionSaveDraft, current, next)
	if err != nil {
		return domain.Listing{}, err
	}
	if err := e.Events.Append(ctx, tx, "listing.draft.saved", saved.SponsorID, "listing", saved.ID, actor.UserID, events.EventPayload{"version": saved.Version}); err != nil {
		return domain.Listing{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Listing{}, err
	}
	e.logTransition("listing.draft.saved", saved, StateDraft, StateOf(saved))
	return saved, nil
}

// DeleteDraft removes a listing that was never published and has no
// submissions.
func (e Engine) DeleteDraft(ctx context.Context, actorID, listingID string) error {
	actor, before, err := e.loadForAction(ctx, actorID, listingID, ActionDelete)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	current, err := e.recheck(ctx, tx, before, ActionDelete)
	if err != nil {
		return err
	}
	n, err := e.Repo.CountSubmissionsTx(ctx, tx, current.ID)
	if err != nil {
		return err
	}
	if n > 0 {
		return PreconditionError{Action: ActionDelete, State: StateOf(current), Reason: fmt.Sprintf("listing has %d submissions", n)}
	}
	if err := e.Repo.DeleteListing(ctx, tx, current.ID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "listing.deleted", current.SponsorID, "listing", current.ID, actor.UserID, events.EventPayload{"slug": current.Slug}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.logTransition("listing.deleted", current, StateDraft, "")
	return nil
}

func (e Engine) GetListing(ctx context.Context, id string) (domain.Listing, error) {
	return e.Repo.GetListing(ctx, id)
}

func (e Engine) GetListingBySlug(ctx context.Context, slug string) (domain.Listing, error) {
	return e.Repo.GetListingBySlug(ctx, slug)
}

func (e Engine) ListListings(ctx context.Context, f repo.ListingFilters) ([]domain.Listing, error) {
	return e.Repo.ListListings(ctx, f)
}

func (e Engine) ListSubmissions(ctx context.Context, listingID string) ([]domain.Submission, error) {
	if _, err := e.Repo.GetListing(ctx, listingID); err != nil {
		return nil, err
	}
	return e.Repo.ListSubmissions(ctx, listingID)
}

// SetWinner is the review action that marks or clears a winning submission.
// It is not part of a listing transition and does not bump the listing version.
func (e Engine) SetWinner(ctx context.Context, actorID, submissionID string, position *int) (domain.Submission, error) {
	actor, err := e.Auth.ResolveActor(ctx, nil, actorID)
	if err != nil {
		return domain.Submission{}, err
	}
	sub, err := e.Repo.GetSubmission(ctx, submissionID)
	if err != nil {
		return sub, fmt.Errorf("submission %s: %w", submissionID, err)
	}
	l, err := e.Repo.GetListing(ctx, sub.ListingID)
	if err != nil {
		return sub, err
	}
	if err := e.Auth.RequireSponsorAccess(ctx, nil, actor, l.SponsorID); err != nil {
		return sub, err
	}
	if l.IsWinnersAnnounced {
		return sub, PreconditionError{Action: "select winner", State: StateOf(l), Reason: "winners already announced"}
	}
	if position != nil {
		if *position < 1 {
			return sub, ValidationError{Violations: []validation.Violation{{Field: "position", Message: "must be positive"}}}
		}
		if len(l.Rewards) > 0 && l.Rewards[*position] <= 0 {
			return sub, ValidationError{Violations: []validation.Violation{{Field: "position", Message: fmt.Sprintf("position %d is not a priced reward slot", *position)}}}
		}
	}
	if err := e.Repo.SetWinner(ctx, sub.ID, position, e.now()); err != nil {
		return sub, err
	}
	evt := "submission.winner.set"
	if position == nil {
		evt = "submission.winner.cleared"
	}
	payload := events.EventPayload{"listing_id": l.ID}
	if position != nil {
		payload["position"] = *position
	}
	if err := e.Events.Append(ctx, nil, evt, l.SponsorID, "submission", sub.ID, actor.UserID, payload); err != nil {
		return sub, err
	}
	return e.Repo.GetSubmission(ctx, sub.ID)
}
