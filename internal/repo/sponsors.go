package repo

import (
	"context"
	"database/sql"
	"time"

	"bountyline/internal/domain"
)

func (r Repo) InsertSponsor(ctx context.Context, s domain.Sponsor) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO sponsors(id,name,is_verified,is_caution,created_at) VALUES (?,?,?,?,?)`,
		s.ID, s.Name, boolInt(s.IsVerified), boolInt(s.IsCaution), formatTime(s.CreatedAt))
	return err
}

func (r Repo) GetSponsor(ctx context.Context, id string) (domain.Sponsor, error) {
	return getSponsor(ctx, r.DB, id)
}

func (r Repo) GetSponsorTx(ctx context.Context, tx *sql.Tx, id string) (domain.Sponsor, error) {
	return getSponsor(ctx, tx, id)
}

func getSponsor(ctx context.Context, q Querier, id string) (domain.Sponsor, error) {
	var s domain.Sponsor
	var verified, caution int
	var createdAt string
	err := q.QueryRowContext(ctx, `SELECT id,name,is_verified,is_caution,created_at FROM sponsors WHERE id=?`, id).
		Scan(&s.ID, &s.Name, &verified, &caution, &createdAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.IsVerified = verified == 1
	s.IsCaution = caution == 1
	s.CreatedAt, err = parseTime(createdAt)
	return s, err
}

// SetSponsorTrust updates the trust signals consumed by the publish policy.
func (r Repo) SetSponsorTrust(ctx context.Context, id string, verified, caution bool) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE sponsors SET is_verified=?, is_caution=? WHERE id=?`, boolInt(verified), boolInt(caution), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) AddSponsorMember(ctx context.Context, sponsorID, userID, role string) error {
	if role == "" {
		role = "MEMBER"
	}
	_, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO sponsor_members(sponsor_id, user_id, role) VALUES (?,?,?)`, sponsorID, userID, role)
	return err
}

func (r Repo) InsertHackathon(ctx context.Context, h domain.Hackathon) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO hackathons(id,name,deadline) VALUES (?,?,?)`, h.ID, h.Name, formatTime(h.Deadline))
	return err
}

func (r Repo) GetHackathon(ctx context.Context, id string) (domain.Hackathon, error) {
	return getHackathon(ctx, r.DB, id)
}

func (r Repo) GetHackathonTx(ctx context.Context, tx *sql.Tx, id string) (domain.Hackathon, error) {
	return getHackathon(ctx, tx, id)
}

func getHackathon(ctx context.Context, q Querier, id string) (domain.Hackathon, error) {
	var h domain.Hackathon
	var deadline string
	err := q.QueryRowContext(ctx, `SELECT id,name,deadline FROM hackathons WHERE id=?`, id).Scan(&h.ID, &h.Name, &deadline)
	if err == sql.ErrNoRows {
		return h, ErrNotFound
	}
	if err != nil {
		return h, err
	}
	h.Deadline, err = parseTime(deadline)
	return h, err
}

func (r Repo) InsertUser(ctx context.Context, u domain.User) error {
	if u.Role == "" {
		u.Role = domain.RoleUser
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO users(id,email,name,role,current_sponsor_id,total_earned,created_at) VALUES (?,?,?,?,?,?,?)`,
		u.ID, u.Email, nullable(u.Name), string(u.Role), nullableStringPtr(u.CurrentSponsorID), u.TotalEarned, formatTime(u.CreatedAt))
	return err
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	var u domain.User
	var name, sponsorID sql.NullString
	var createdAt string
	err := r.DB.QueryRowContext(ctx, `SELECT id,email,name,role,current_sponsor_id,total_earned,created_at FROM users WHERE id=?`, id).
		Scan(&u.ID, &u.Email, &name, &u.Role, &sponsorID, &u.TotalEarned, &createdAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	u.Name = name.String
	if sponsorID.Valid {
		u.CurrentSponsorID = &sponsorID.String
	}
	u.CreatedAt, err = parseTime(createdAt)
	return u, err
}

// IncrementEarnings adds amount to the user's lifetime earnings in a single
// statement so concurrent announcements never lose an update.
func (r Repo) IncrementEarnings(ctx context.Context, userID string, amount float64) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE users SET total_earned = total_earned + ? WHERE id=?`, amount, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
