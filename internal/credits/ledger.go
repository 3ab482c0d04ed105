// Package credits keeps the sponsor credit ledger: one credit is charged per
// publish and refunded on unpublish.
package credits

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"bountyline/internal/domain"
	"bountyline/internal/repo"
)

const (
	KindCharge   = "charge"
	KindRefund   = "refund"
	KindAllocate = "allocate"
)

const ReasonFirstListing = "first_listing_bonus"

type Ledger struct {
	Repo repo.Repo
	Now  func() time.Time
	mu   *sync.Mutex
}

func NewLedger(r repo.Repo, now func() time.Time) Ledger {
	return Ledger{Repo: r, Now: now, mu: &sync.Mutex{}}
}

func (l Ledger) now() string {
	now := time.Now
	if l.Now != nil {
		now = l.Now
	}
	return now().UTC().Format(time.RFC3339Nano)
}

func (l Ledger) lock() func() {
	if l.mu == nil {
		return func() {}
	}
	l.mu.Lock()
	return l.mu.Unlock
}

// Allocate grants one credit to the sponsor.
func (l Ledger) Allocate(ctx context.Context, sponsorID, reason string) error {
	return l.insert(ctx, domain.CreditEntry{SponsorID: sponsorID, Kind: KindAllocate, Reason: reason, Delta: 1})
}

// Charge takes one credit for publishing listingID.
func (l Ledger) Charge(ctx context.Context, sponsorID, listingID string) error {
	return l.insert(ctx, domain.CreditEntry{SponsorID: sponsorID, ListingID: listingID, Kind: KindCharge, Reason: "publish", Delta: -1})
}

// Refund returns the outstanding charge for listingID. It is a no-op when
// every charge has already been refunded.
func (l Ledger) Refund(ctx context.Context, listingID string) error {
	defer l.lock()()
	entries, err := l.Repo.ListListingCreditEntries(ctx, listingID)
	if err != nil {
		return fmt.Errorf("load credits for %s: %w", listingID, err)
	}
	var sponsorID string
	outstanding := 0
	for _, e := range entries {
		switch e.Kind {
		case KindCharge:
			outstanding -= e.Delta
			sponsorID = e.SponsorID
		case KindRefund:
			outstanding -= e.Delta
		}
	}
	if outstanding <= 0 {
		return nil
	}
	return l.insert(ctx, domain.CreditEntry{SponsorID: sponsorID, ListingID: listingID, Kind: KindRefund, Reason: "unpublish", Delta: outstanding})
}

// Balance is the sponsor's net credit count.
func (l Ledger) Balance(ctx context.Context, sponsorID string) (int, error) {
	return l.Repo.SponsorCreditBalance(ctx, sponsorID)
}

func (l Ledger) insert(ctx context.Context, e domain.CreditEntry) error {
	if e.SponsorID == "" {
		return fmt.Errorf("credit %s: empty sponsor", e.Kind)
	}
	e.ID = uuid.NewString()
	e.CreatedAt = l.now()
	if err := l.Repo.InsertCreditEntry(ctx, e); err != nil {
		return fmt.Errorf("credit %s: %w", e.Kind, err)
	}
	return nil
}
