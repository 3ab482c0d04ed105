package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"bountyline/internal/domain"
)

const listingColumns = `id,slug,title,description,type,compensation_type,token,rewards_json,reward_amount,min_reward_ask,max_reward_ask,deadline,commitment_date,eligibility_json,skills_json,sponsor_id,poc_id,hackathon_id,is_published,is_active,is_archived,is_private,is_winners_announced,status,verification_reason,language,published_at,winners_announced_at,version,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanListing(row rowScanner) (domain.Listing, error) {
	var l domain.Listing
	var description, token, rewardsJSON, eligibilityJSON, skillsJSON, hackathonID, status, reason, language sql.NullString
	var deadline, commitment, publishedAt, announcedAt sql.NullString
	var rewardAmount, minAsk, maxAsk sql.NullFloat64
	var createdAt, updatedAt string
	var published, active, archived, private, announced int
	err := row.Scan(&l.ID, &l.Slug, &l.Title, &description, &l.Type, &l.CompensationType, &token, &rewardsJSON, &rewardAmount, &minAsk, &maxAsk,
		&deadline, &commitment, &eligibilityJSON, &skillsJSON, &l.SponsorID, &l.PocID, &hackathonID,
		&published, &active, &archived, &private, &announced, &status, &reason, &language, &publishedAt, &announcedAt, &l.Version, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	if err != nil {
		return l, err
	}
	l.Description = description.String
	l.Token = token.String
	l.Status = domain.ListingStatus(status.String)
	l.VerificationReason = reason.String
	l.Language = language.String
	l.IsPublished = published == 1
	l.IsActive = active == 1
	l.IsArchived = archived == 1
	l.IsPrivate = private == 1
	l.IsWinnersAnnounced = announced == 1
	if hackathonID.Valid {
		l.HackathonID = &hackathonID.String
	}
	if rewardAmount.Valid {
		l.RewardAmount = &rewardAmount.Float64
	}
	if minAsk.Valid {
		l.MinRewardAsk = &minAsk.Float64
	}
	if maxAsk.Valid {
		l.MaxRewardAsk = &maxAsk.Float64
	}
	if rewardsJSON.Valid && rewardsJSON.String != "" {
		if err := json.Unmarshal([]byte(rewardsJSON.String), &l.Rewards); err != nil {
			return l, fmt.Errorf("decode rewards: %w", err)
		}
	}
	if eligibilityJSON.Valid && eligibilityJSON.String != "" {
		if err := json.Unmarshal([]byte(eligibilityJSON.String), &l.Eligibility); err != nil {
			return l, fmt.Errorf("decode eligibility: %w", err)
		}
	}
	if skillsJSON.Valid && skillsJSON.String != "" {
		if err := json.Unmarshal([]byte(skillsJSON.String), &l.Skills); err != nil {
			return l, fmt.Errorf("decode skills: %w", err)
		}
	}
	if l.Deadline, err = parseNullTime(deadline); err != nil {
		return l, err
	}
	if l.CommitmentDate, err = parseNullTime(commitment); err != nil {
		return l, err
	}
	if l.PublishedAt, err = parseNullTime(publishedAt); err != nil {
		return l, err
	}
	if l.WinnersAnnouncedAt, err = parseNullTime(announcedAt); err != nil {
		return l, err
	}
	if l.CreatedAt, err = parseTime(createdAt); err != nil {
		return l, err
	}
	if l.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return l, err
	}
	return l, nil
}

func marshalOptional(v any, empty bool) (any, error) {
	if empty {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func listingArgs(l domain.Listing) ([]any, error) {
	rewards, err := marshalOptional(l.Rewards, len(l.Rewards) == 0)
	if err != nil {
		return nil, fmt.Errorf("encode rewards: %w", err)
	}
	eligibility, err := marshalOptional(l.Eligibility, len(l.Eligibility) == 0)
	if err != nil {
		return nil, fmt.Errorf("encode eligibility: %w", err)
	}
	skills, err := marshalOptional(l.Skills, len(l.Skills) == 0)
	if err != nil {
		return nil, fmt.Errorf("encode skills: %w", err)
	}
	return []any{
		l.Slug, l.Title, nullable(l.Description), string(l.Type), string(l.CompensationType), nullable(l.Token), rewards,
		nullableFloatPtr(l.RewardAmount), nullableFloatPtr(l.MinRewardAsk), nullableFloatPtr(l.MaxRewardAsk),
		nullableTime(l.Deadline), nullableTime(l.CommitmentDate), eligibility, skills, l.SponsorID, l.PocID, nullableStringPtr(l.HackathonID),
		boolInt(l.IsPublished), boolInt(l.IsActive), boolInt(l.IsArchived), boolInt(l.IsPrivate), boolInt(l.IsWinnersAnnounced),
		nullable(string(l.Status)), nullable(l.VerificationReason), nullable(l.Language), nullableTime(l.PublishedAt), nullableTime(l.WinnersAnnouncedAt),
	}, nil
}

func (r Repo) InsertListing(ctx context.Context, tx *sql.Tx, l domain.Listing) error {
	args, err := listingArgs(l)
	if err != nil {
		return err
	}
	args = append([]any{l.ID}, args...)
	args = append(args, l.Version, formatTime(l.CreatedAt), formatTime(l.UpdatedAt))
	_, err = tx.ExecContext(ctx, `INSERT INTO listings(`+listingColumns+`) VALUES (`+placeholders(31)+`)`, args...)
	return err
}

// UpdateListing writes the row only if it still carries expectVersion and
// bumps the stored version. The caller's copy is not modified.
func (r Repo) UpdateListing(ctx context.Context, tx *sql.Tx, l domain.Listing, expectVersion int) error {
	args, err := listingArgs(l)
	if err != nil {
		return err
	}
	args = append(args, formatTime(l.UpdatedAt), l.ID, expectVersion)
	res, err := tx.ExecContext(ctx, `UPDATE listings SET slug=?, title=?, description=?, type=?, compensation_type=?, token=?, rewards_json=?,
reward_amount=?, min_reward_ask=?, max_reward_ask=?, deadline=?, commitment_date=?, eligibility_json=?, skills_json=?, sponsor_id=?, poc_id=?, hackathon_id=?,
is_published=?, is_active=?, is_archived=?, is_private=?, is_winners_announced=?, status=?, verification_reason=?, language=?, published_at=?, winners_announced_at=?,
version=version+1, updated_at=? WHERE id=? AND version=?`, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrStaleVersion
	}
	return nil
}

func (r Repo) GetListing(ctx context.Context, id string) (domain.Listing, error) {
	return getListing(ctx, r.DB, id)
}

func (r Repo) GetListingTx(ctx context.Context, tx *sql.Tx, id string) (domain.Listing, error) {
	return getListing(ctx, tx, id)
}

func getListing(ctx context.Context, q Querier, id string) (domain.Listing, error) {
	return scanListing(q.QueryRowContext(ctx, `SELECT `+listingColumns+` FROM listings WHERE id=?`, id))
}

func (r Repo) GetListingBySlug(ctx context.Context, slug string) (domain.Listing, error) {
	return scanListing(r.DB.QueryRowContext(ctx, `SELECT `+listingColumns+` FROM listings WHERE slug=?`, slug))
}

func (r Repo) DeleteListing(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM listings WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SlugExists reports whether another listing already uses slug. A nil q reads
// through r.DB.
func (r Repo) SlugExists(ctx context.Context, q Querier, slug, excludeID string) (bool, error) {
	if q == nil {
		q = r.DB
	}
	var n int
	err := q.QueryRowContext(ctx, `SELECT count(*) FROM listings WHERE slug=? AND id != ?`, slug, excludeID).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CountPublishedListings counts sponsor listings that have ever been published.
func (r Repo) CountPublishedListings(ctx context.Context, tx *sql.Tx, sponsorID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM listings WHERE sponsor_id=? AND published_at IS NOT NULL`, sponsorID).Scan(&n)
	return n, err
}

type ListingFilters struct {
	SponsorID       string
	Status          string
	PublishedOnly   bool
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListListings(ctx context.Context, f ListingFilters) ([]domain.Listing, error) {
	var clauses []string
	var args []any
	if f.SponsorID != "" {
		clauses = append(clauses, "sponsor_id=?")
		args = append(args, f.SponsorID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.PublishedOnly {
		clauses = append(clauses, "is_published=1")
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + listingColumns + ` FROM listings ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}
