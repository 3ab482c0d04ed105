package repo

import (
	"context"

	"bountyline/internal/domain"
)

func (r Repo) InsertEmail(ctx context.Context, m domain.EmailMessage) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO email_queue(id,kind,recipient_id,context_json,created_at) VALUES (?,?,?,?,?)`,
		m.ID, m.Kind, m.RecipientID, nullable(m.ContextJSON), m.CreatedAt)
	return err
}

// ListEmails returns queued emails, optionally filtered by kind, oldest first.
func (r Repo) ListEmails(ctx context.Context, kind string) ([]domain.EmailMessage, error) {
	query := `SELECT id,kind,recipient_id,COALESCE(context_json,''),created_at FROM email_queue`
	var args []any
	if kind != "" {
		query += ` WHERE kind=?`
		args = append(args, kind)
	}
	query += ` ORDER BY created_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.EmailMessage
	for rows.Next() {
		var m domain.EmailMessage
		if err := rows.Scan(&m.ID, &m.Kind, &m.RecipientID, &m.ContextJSON, &m.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) InsertCreditEntry(ctx context.Context, e domain.CreditEntry) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO credit_ledger(id,sponsor_id,listing_id,kind,reason,delta,created_at) VALUES (?,?,?,?,?,?,?)`,
		e.ID, e.SponsorID, nullable(e.ListingID), e.Kind, nullable(e.Reason), e.Delta, e.CreatedAt)
	return err
}

func (r Repo) ListCreditEntries(ctx context.Context, sponsorID string) ([]domain.CreditEntry, error) {
	return r.listCreditEntries(ctx, `sponsor_id=?`, sponsorID)
}

func (r Repo) ListListingCreditEntries(ctx context.Context, listingID string) ([]domain.CreditEntry, error) {
	return r.listCreditEntries(ctx, `listing_id=?`, listingID)
}

func (r Repo) listCreditEntries(ctx context.Context, where string, arg string) ([]domain.CreditEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,sponsor_id,COALESCE(listing_id,''),kind,COALESCE(reason,''),delta,created_at FROM credit_ledger WHERE `+where+` ORDER BY created_at ASC, id ASC`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CreditEntry
	for rows.Next() {
		var e domain.CreditEntry
		if err := rows.Scan(&e.ID, &e.SponsorID, &e.ListingID, &e.Kind, &e.Reason, &e.Delta, &e.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// ListingCreditBalance sums ledger deltas recorded against a listing.
func (r Repo) ListingCreditBalance(ctx context.Context, listingID string) (charged int, refunded int, err error) {
	err = r.DB.QueryRowContext(ctx, `SELECT
COALESCE(SUM(CASE WHEN kind='charge' THEN -delta ELSE 0 END),0),
COALESCE(SUM(CASE WHEN kind='refund' THEN delta ELSE 0 END),0)
FROM credit_ledger WHERE listing_id=?`, listingID).Scan(&charged, &refunded)
	return charged, refunded, err
}

// SponsorCreditBalance returns the net credit balance of a sponsor.
func (r Repo) SponsorCreditBalance(ctx context.Context, sponsorID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(SUM(delta),0) FROM credit_ledger WHERE sponsor_id=?`, sponsorID).Scan(&n)
	return n, err
}
