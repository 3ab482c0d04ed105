package repo

import (
	"context"
	"database/sql"
	"time"

	"bountyline/internal/domain"
)

const submissionColumns = `id,listing_id,user_id,status,label,is_winner,winner_position,reward_in_usd,is_paid,created_at,updated_at`

func scanSubmission(row rowScanner) (domain.Submission, error) {
	var s domain.Submission
	var winner, paid int
	var position sql.NullInt64
	var createdAt, updatedAt string
	err := row.Scan(&s.ID, &s.ListingID, &s.UserID, &s.Status, &s.Label, &winner, &position, &s.RewardInUSD, &paid, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.IsWinner = winner == 1
	s.IsPaid = paid == 1
	if position.Valid {
		p := int(position.Int64)
		s.WinnerPosition = &p
	}
	if s.CreatedAt, err = parseTime(createdAt); err != nil {
		return s, err
	}
	if s.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return s, err
	}
	return s, nil
}

func (r Repo) InsertSubmission(ctx context.Context, s domain.Submission) error {
	if s.Status == "" {
		s.Status = domain.SubmissionPending
	}
	if s.Label == "" {
		s.Label = domain.LabelUnreviewed
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO submissions(`+submissionColumns+`) VALUES (`+placeholders(11)+`)`,
		s.ID, s.ListingID, s.UserID, string(s.Status), string(s.Label), boolInt(s.IsWinner), nullableIntPtr(s.WinnerPosition),
		s.RewardInUSD, boolInt(s.IsPaid), formatTime(s.CreatedAt), formatTime(s.UpdatedAt))
	return err
}

func (r Repo) GetSubmission(ctx context.Context, id string) (domain.Submission, error) {
	return scanSubmission(r.DB.QueryRowContext(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id=?`, id))
}

func (r Repo) ListSubmissions(ctx context.Context, listingID string) ([]domain.Submission, error) {
	return listSubmissions(ctx, r.DB, listingID)
}

func (r Repo) ListSubmissionsTx(ctx context.Context, tx *sql.Tx, listingID string) ([]domain.Submission, error) {
	return listSubmissions(ctx, tx, listingID)
}

func listSubmissions(ctx context.Context, q Querier, listingID string) ([]domain.Submission, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE listing_id=? ORDER BY created_at ASC, id ASC`, listingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Submission
	for rows.Next() {
		s, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) CountSubmissionsTx(ctx context.Context, tx *sql.Tx, listingID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM submissions WHERE listing_id=?`, listingID).Scan(&n)
	return n, err
}

// SetWinner records a review decision on a single submission. A nil position
// clears the winner flag.
func (r Repo) SetWinner(ctx context.Context, submissionID string, position *int, now time.Time) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE submissions SET is_winner=?, winner_position=?, updated_at=? WHERE id=?`,
		boolInt(position != nil), nullableIntPtr(position), formatTime(now), submissionID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearWinners resets winner flags for the listing's submissions. When
// positions is non-empty only winners on those positions are cleared; winners
// with no position are always cleared in that case.
func (r Repo) ClearWinners(ctx context.Context, tx *sql.Tx, listingID string, positions []int, now time.Time) (int64, error) {
	query := `UPDATE submissions SET is_winner=0, winner_position=NULL, updated_at=? WHERE listing_id=? AND is_winner=1`
	args := []any{formatTime(now), listingID}
	if len(positions) > 0 {
		query += ` AND (winner_position IS NULL OR winner_position IN (` + placeholders(len(positions)) + `))`
		for _, p := range positions {
			args = append(args, p)
		}
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RejectSubmissions moves the given submissions to Rejected.
func (r Repo) RejectSubmissions(ctx context.Context, tx *sql.Tx, listingID string, ids []string, now time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := []any{string(domain.SubmissionRejected), formatTime(now), listingID}
	for _, id := range ids {
		args = append(args, id)
	}
	res, err := tx.ExecContext(ctx, `UPDATE submissions SET status=?, updated_at=? WHERE listing_id=? AND id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
