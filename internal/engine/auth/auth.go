package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"bountyline/internal/domain"
)

// ForbiddenError indicates the actor lacks rights for a listing or transition.
type ForbiddenError struct {
	Reason string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("forbidden: %s", e.Reason)
}

// Service answers sponsor membership questions backed by SQL.
type Service struct {
	DB *sql.DB
}

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s Service) q(q Querier) Querier {
	if q != nil {
		return q
	}
	return s.DB
}

// ResolveActor loads the actor's role and current sponsor.
func (s Service) ResolveActor(ctx context.Context, q Querier, userID string) (domain.Actor, error) {
	if userID == "" {
		return domain.Actor{}, errors.New("actor_id required")
	}
	var role string
	var sponsorID sql.NullString
	err := s.q(q).QueryRowContext(ctx, `SELECT role, current_sponsor_id FROM users WHERE id=?`, userID).Scan(&role, &sponsorID)
	if err == sql.ErrNoRows {
		return domain.Actor{}, ForbiddenError{Reason: fmt.Sprintf("unknown actor %s", userID)}
	}
	if err != nil {
		return domain.Actor{}, err
	}
	return domain.Actor{UserID: userID, Role: domain.Role(role), SponsorID: sponsorID.String}, nil
}

func (s Service) IsSponsorMember(ctx context.Context, q Querier, sponsorID, userID string) (bool, error) {
	var n int
	err := s.q(q).QueryRowContext(ctx, `SELECT 1 FROM sponsor_members WHERE sponsor_id=? AND user_id=? LIMIT 1`, sponsorID, userID).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// RequireSponsorAccess passes for elevated actors and for members of sponsorID
// who currently act on behalf of that sponsor.
func (s Service) RequireSponsorAccess(ctx context.Context, q Querier, actor domain.Actor, sponsorID string) error {
	if actor.IsElevated() {
		return nil
	}
	if actor.SponsorID != sponsorID {
		return ForbiddenError{Reason: "listing belongs to a different sponsor"}
	}
	ok, err := s.IsSponsorMember(ctx, q, sponsorID, actor.UserID)
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenError{Reason: "actor is not a member of the sponsor"}
	}
	return nil
}
