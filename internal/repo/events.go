package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"bountyline/internal/domain"
)

type EventFilters struct {
	SponsorID  string
	Type       string
	EntityKind string
	EntityID   string
	// BeforeID pages backwards from an event id; zero starts at the newest.
	BeforeID int64
	Limit    int
}

// LatestEvents returns the newest events matching f, newest first.
func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if f.SponsorID != "" {
		clauses = append(clauses, "sponsor_id=?")
		args = append(args, f.SponsorID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.BeforeID > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.BeforeID)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,sponsor_id,entity_kind,entity_id,actor_id,payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var sponsorID, entity, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &sponsorID, &e.EntityKind, &entity, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		e.SponsorID = sponsorID.String
		e.EntityID = entity.String
		e.Payload = payload.String
		res = append(res, e)
	}
	return res, rows.Err()
}
