package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"bountyline/internal/config"
	"bountyline/internal/db"
	"bountyline/internal/domain"
	"bountyline/internal/migrate"
)

func TestStateOfPrecedence(t *testing.T) {
	cases := []struct {
		name string
		l    domain.Listing
		want State
	}{
		{"draft", domain.Listing{}, StateDraft},
		{"verifying", domain.Listing{Status: domain.StatusVerifying}, StateVerifying},
		{"open", domain.Listing{IsPublished: true, Status: domain.StatusOpen}, StateOpen},
		{"review counts as open", domain.Listing{IsPublished: true, Status: domain.StatusReview}, StateOpen},
		{"closed", domain.Listing{IsPublished: true, Status: domain.StatusClosed}, StateClosed},
		{"announced", domain.Listing{IsPublished: true, IsWinnersAnnounced: true, Status: domain.StatusClosed}, StateWinnersAnnounced},
		{"archived wins", domain.Listing{IsPublished: true, IsArchived: true, IsWinnersAnnounced: true}, StateArchived},
	}
	for _, tc := range cases {
		if got := StateOf(tc.l); got != tc.want {
			t.Fatalf("%s: got %s want %s", tc.name, got, tc.want)
		}
	}
}

func TestGuardMatchesTable(t *testing.T) {
	listings := map[State]domain.Listing{
		StateDraft:            {IsActive: true},
		StateVerifying:        {IsActive: true, Status: domain.StatusVerifying},
		StateOpen:             {IsActive: true, IsPublished: true, Status: domain.StatusOpen},
		StateClosed:           {IsActive: true, IsPublished: true, Status: domain.StatusClosed},
		StateWinnersAnnounced: {IsActive: true, IsPublished: true, IsWinnersAnnounced: true},
		StateArchived:         {IsActive: true, IsArchived: true},
	}
	actions := []Action{ActionSaveDraft, ActionPublish, ActionUpdate, ActionUnpublish, ActionAnnounce, ActionDelete}
	for state, l := range listings {
		for _, action := range actions {
			err := Guard(l, action)
			if Allowed(state, action) {
				if err != nil {
					t.Fatalf("%s from %s: unexpected error %v", action, state, err)
				}
				continue
			}
			var pe PreconditionError
			if !errors.As(err, &pe) || pe.State != state || pe.Action != action {
				t.Fatalf("%s from %s: expected precondition error, got %v", action, state, err)
			}
		}
	}
}

func TestCheckWinners(t *testing.T) {
	pos := func(i int) *int { return &i }
	l := domain.Listing{IsPublished: true, Rewards: domain.Rewards{1: 500, 2: 200}}
	ok := []domain.Submission{
		{ID: "a", IsWinner: true, WinnerPosition: pos(1)},
		{ID: "b", IsWinner: true, WinnerPosition: pos(2)},
		{ID: "c"},
	}
	if err := checkWinners(l, ok); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	bad := [][]domain.Submission{
		{{ID: "a", IsWinner: true, WinnerPosition: pos(1)}},
		{{ID: "a", IsWinner: true, WinnerPosition: pos(1)}, {ID: "b", IsWinner: true, WinnerPosition: pos(1)}},
		{{ID: "a", IsWinner: true, WinnerPosition: pos(1)}, {ID: "b", IsWinner: true}},
		{{ID: "a", IsWinner: true, WinnerPosition: pos(1)}, {ID: "b", IsWinner: true, WinnerPosition: pos(3)}},
	}
	for i, subs := range bad {
		if err := checkWinners(l, subs); err == nil {
			t.Fatalf("case %d: expected precondition error", i)
		}
	}
	if err := checkWinners(domain.Listing{}, nil); err != nil {
		t.Fatalf("listing without reward slots should pass, got %v", err)
	}
}

func TestRecheckReportsRace(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	ctx := context.Background()
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatal(err)
	}
	e := New(conn, config.Default())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := e.Repo.InsertSponsor(ctx, domain.Sponsor{ID: "s1", Name: "s1", CreatedAt: now}); err != nil {
		t.Fatal(err)
	}
	if err := e.Repo.InsertUser(ctx, domain.User{ID: "u1", Email: "u1@example.com", CreatedAt: now}); err != nil {
		t.Fatal(err)
	}
	draft := domain.Listing{
		ID: "l1", Slug: "l1", Title: "L1", Type: domain.ListingTypeBounty, CompensationType: domain.CompensationFixed,
		SponsorID: "s1", PocID: "u1", IsActive: true, Version: 1, CreatedAt: now, UpdatedAt: now,
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Repo.InsertListing(ctx, tx, draft); err != nil {
		t.Fatal(err)
	}
	published := draft
	published.IsPublished = true
	published.Status = domain.StatusOpen
	published.UpdatedAt = now
	if err := e.Repo.UpdateListing(ctx, tx, published, 1); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	tx, err = conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	_, err = e.recheck(ctx, tx, draft, ActionPublish)
	var race RaceError
	if !errors.As(err, &race) {
		t.Fatalf("expected race error, got %v", err)
	}
	var pe PreconditionError
	if !errors.As(err, &pe) || pe.Action != ActionPublish {
		t.Fatalf("race error should unwrap to a precondition error, got %v", err)
	}

	_, err = e.writeListing(ctx, tx, ActionUpdate, draft, published)
	if !errors.As(err, &race) {
		t.Fatalf("stale version write should be a race error, got %v", err)
	}
}
