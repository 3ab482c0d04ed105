package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"bountyline/internal/domain"
	"bountyline/internal/repo"
)

// Email kinds queued by listing transitions.
const (
	EmailListingPublished   = "listing.published.poc"
	EmailSubmissionRejected = "submission.rejected"
	EmailWinnerAnnounced    = "winner.announced"
	EmailWinnersAnnounced   = "winners.announced"
)

// EmailQueue stores messages in the email_queue table for a mail worker.
type EmailQueue struct {
	Repo repo.Repo
	Now  func() time.Time
}

func (q EmailQueue) Queue(ctx context.Context, kind, recipientID string, data any) error {
	if recipientID == "" {
		return fmt.Errorf("queue %s email: empty recipient", kind)
	}
	now := time.Now
	if q.Now != nil {
		now = q.Now
	}
	var payload string
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("marshal %s email context: %w", kind, err)
		}
		payload = string(raw)
	}
	msg := domain.EmailMessage{
		ID:          uuid.NewString(),
		Kind:        kind,
		RecipientID: recipientID,
		ContextJSON: payload,
		CreatedAt:   now().UTC().Format(time.RFC3339Nano),
	}
	if err := q.Repo.InsertEmail(ctx, msg); err != nil {
		return fmt.Errorf("queue %s email: %w", kind, err)
	}
	return nil
}
