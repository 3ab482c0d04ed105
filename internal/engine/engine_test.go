package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"bountyline/internal/config"
	"bountyline/internal/db"
	"bountyline/internal/domain"
	"bountyline/internal/engine"
	"bountyline/internal/engine/auth"
	"bountyline/internal/migrate"
	"bountyline/internal/notify"
	"bountyline/internal/validation"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return fixedNow }
	eng.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	env := testEnv{Engine: eng, Ctx: ctx}

	env.sponsor(t, "s1", true, false)
	env.sponsor(t, "s2", false, false)
	env.user(t, "u1", domain.RoleUser, "s1")
	env.user(t, "u2", domain.RoleUser, "s2")
	env.user(t, "god", domain.RoleGod, "")
	env.user(t, "outsider", domain.RoleUser, "s1")
	for _, id := range []string{"a1", "a2", "a3"} {
		env.user(t, id, domain.RoleUser, "")
	}
	if err := eng.Repo.AddSponsorMember(ctx, "s1", "u1", ""); err != nil {
		t.Fatal(err)
	}
	if err := eng.Repo.AddSponsorMember(ctx, "s2", "u2", ""); err != nil {
		t.Fatal(err)
	}
	return env
}

func (env testEnv) sponsor(t *testing.T, id string, verified, caution bool) {
	t.Helper()
	if err := env.Engine.Repo.InsertSponsor(env.Ctx, domain.Sponsor{ID: id, Name: id, IsVerified: verified, IsCaution: caution, CreatedAt: fixedNow}); err != nil {
		t.Fatalf("insert sponsor: %v", err)
	}
}

func (env testEnv) user(t *testing.T, id string, role domain.Role, sponsorID string) {
	t.Helper()
	u := domain.User{ID: id, Email: id + "@example.com", Role: role, CreatedAt: fixedNow}
	if sponsorID != "" {
		u.CurrentSponsorID = &sponsorID
	}
	if err := env.Engine.Repo.InsertUser(env.Ctx, u); err != nil {
		t.Fatalf("insert user: %v", err)
	}
}

func strPtr(s string) *string { return &s }

func intPtr(i int) *int { return &i }

func timePtr(t time.Time) *time.Time { return &t }

func publishInput(rewards map[string]float64) validation.Input {
	return validation.Input{
		Title:            strPtr("Write a Tutorial"),
		Description:      strPtr("Write an in-depth tutorial about building on the protocol."),
		Type:             strPtr("bounty"),
		CompensationType: strPtr("fixed"),
		Token:            strPtr("USDC"),
		Rewards:          rewards,
		Deadline:         timePtr(fixedNow.Add(10 * 24 * time.Hour)),
		Skills:           []domain.Skill{{Skills: "Content", SubSkills: []string{"Writing"}}},
	}
}

func projectInput() validation.Input {
	in := publishInput(map[string]float64{"1": 1000})
	in.Type = strPtr("project")
	in.Title = strPtr("Design a Landing Page")
	in.Eligibility = []domain.EligibilityQuestion{{Order: 1, Question: "Portfolio link", Type: "link"}}
	return in
}

func (env testEnv) draft(t *testing.T, actorID string) domain.Listing {
	t.Helper()
	l, err := env.Engine.CreateDraft(env.Ctx, actorID, "", validation.Input{})
	if err != nil {
		t.Fatalf("create draft: %v", err)
	}
	return l
}

func (env testEnv) published(t *testing.T, in validation.Input) domain.Listing {
	t.Helper()
	l := env.draft(t, "u1")
	res, err := env.Engine.Publish(env.Ctx, "u1", l.ID, in)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	return res.Listing
}

func (env testEnv) submit(t *testing.T, listingID, id, userID string, position *int) {
	t.Helper()
	s := domain.Submission{ID: id, ListingID: listingID, UserID: userID, CreatedAt: fixedNow, UpdatedAt: fixedNow}
	if position != nil {
		s.IsWinner = true
		s.WinnerPosition = position
	}
	if err := env.Engine.Repo.InsertSubmission(env.Ctx, s); err != nil {
		t.Fatalf("insert submission: %v", err)
	}
}

// mutate writes flags directly, bypassing the transitions.
func (env testEnv) mutate(t *testing.T, id string, fn func(*domain.Listing)) {
	t.Helper()
	l, err := env.Engine.Repo.GetListing(env.Ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	fn(&l)
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := env.Engine.Repo.UpdateListing(env.Ctx, tx, l, l.Version); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

type snapshot struct {
	Listing     domain.Listing
	Submissions []domain.Submission
}

func (env testEnv) snapshot(t *testing.T, id string) snapshot {
	t.Helper()
	l, err := env.Engine.Repo.GetListing(env.Ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	subs, err := env.Engine.Repo.ListSubmissions(env.Ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	return snapshot{Listing: l, Submissions: subs}
}

func isPrecondition(err error) bool {
	var pe engine.PreconditionError
	return errors.As(err, &pe)
}

func eventCount(t *testing.T, env testEnv, evtType, entityID string) int {
	t.Helper()
	var n int
	err := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT count(*) FROM events WHERE type=? AND entity_id=?`, evtType, entityID).Scan(&n)
	if err != nil {
		t.Fatalf("count events: %v", err)
	}
	return n
}

type failingChat struct {
	calls atomic.Int32
}

func (c *failingChat) Broadcast(ctx context.Context, msg notify.ChatMessage) error {
	c.calls.Add(1)
	return errors.New("chat webhook unavailable")
}

func TestGuardCompleteness(t *testing.T) {
	env := newTestEnv(t)
	rewards := map[string]float64{"1": 300}

	states := map[engine.State]string{}

	states[engine.StateDraft] = env.draft(t, "u1").ID

	verifying := env.draft(t, "u2")
	res, err := env.Engine.Publish(env.Ctx, "u2", verifying.ID, publishInput(rewards))
	if err != nil {
		t.Fatalf("publish verifying: %v", err)
	}
	if engine.StateOf(res.Listing) != engine.StateVerifying {
		t.Fatalf("expected verifying, got %s", engine.StateOf(res.Listing))
	}
	states[engine.StateVerifying] = verifying.ID

	in := publishInput(rewards)
	in.Title = strPtr("Open Listing")
	states[engine.StateOpen] = env.published(t, in).ID

	in.Title = strPtr("Closed Listing")
	closed := env.published(t, in)
	env.mutate(t, closed.ID, func(l *domain.Listing) { l.Status = domain.StatusClosed })
	states[engine.StateClosed] = closed.ID

	in.Title = strPtr("Announced Listing")
	announced := env.published(t, in)
	env.submit(t, announced.ID, "sub-announced", "a1", intPtr(1))
	if _, err := env.Engine.Announce(env.Ctx, "u1", announced.ID); err != nil {
		t.Fatalf("announce: %v", err)
	}
	states[engine.StateWinnersAnnounced] = announced.ID

	in.Title = strPtr("Archived Listing")
	archived := env.published(t, in)
	env.mutate(t, archived.ID, func(l *domain.Listing) { l.IsArchived = true })
	states[engine.StateArchived] = archived.ID

	for state, id := range states {
		env.submit(t, id, "probe-"+string(state), "a2", nil)
	}

	actions := map[engine.Action]func(id string) error{
		engine.ActionSaveDraft: func(id string) error {
			_, err := env.Engine.SaveDraft(env.Ctx, "god", id, validation.Input{Title: strPtr("Changed")})
			return err
		},
		engine.ActionPublish: func(id string) error {
			_, err := env.Engine.Publish(env.Ctx, "god", id, publishInput(rewards))
			return err
		},
		engine.ActionUpdate: func(id string) error {
			_, err := env.Engine.Update(env.Ctx, "god", id, validation.Input{Description: strPtr("Changed description text")})
			return err
		},
		engine.ActionUnpublish: func(id string) error {
			_, err := env.Engine.Unpublish(env.Ctx, "god", id)
			return err
		},
		engine.ActionAnnounce: func(id string) error {
			_, err := env.Engine.Announce(env.Ctx, "god", id)
			return err
		},
		engine.ActionDelete: func(id string) error {
			return env.Engine.DeleteDraft(env.Ctx, "god", id)
		},
	}

	for state, id := range states {
		for action, invoke := range actions {
			if engine.Allowed(state, action) {
				continue
			}
			before := env.snapshot(t, id)
			err := invoke(id)
			if !isPrecondition(err) {
				t.Fatalf("%s from %s: expected precondition error, got %v", action, state, err)
			}
			if after := env.snapshot(t, id); !reflect.DeepEqual(before, after) {
				t.Fatalf("%s from %s mutated the listing", action, state)
			}
		}
	}
}

func TestPublishRejectsPublishedListing(t *testing.T) {
	env := newTestEnv(t)
	l := env.published(t, publishInput(map[string]float64{"1": 100}))
	payloads := []validation.Input{
		{},
		publishInput(map[string]float64{"1": 100}),
		publishInput(map[string]float64{"1": 50, "2": 25}),
		{Title: strPtr("")},
	}
	for i, in := range payloads {
		_, err := env.Engine.Publish(env.Ctx, "u1", l.ID, in)
		if !isPrecondition(err) {
			t.Fatalf("payload %d: expected precondition error, got %v", i, err)
		}
	}
}

func TestPublishFlow(t *testing.T) {
	env := newTestEnv(t)
	first := env.draft(t, "u1")
	res, err := env.Engine.Publish(env.Ctx, "u1", first.ID, publishInput(map[string]float64{"1": 500, "2": 200}))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !res.IsFirstPublishedListing || res.VerificationReason != "" {
		t.Fatalf("unexpected result %+v", res)
	}
	l := res.Listing
	if !l.IsPublished || l.Status != domain.StatusOpen || l.PublishedAt == nil || l.Version != first.Version+1 {
		t.Fatalf("listing not open: %+v", l)
	}
	if l.Slug != "write-a-tutorial" {
		t.Fatalf("unexpected slug %q", l.Slug)
	}
	if eventCount(t, env, "listing.published", l.ID) != 1 {
		t.Fatalf("expected listing.published event")
	}
	emails, _ := env.Engine.Repo.ListEmails(env.Ctx, notify.EmailListingPublished)
	if len(emails) != 1 || emails[0].RecipientID != "u1" {
		t.Fatalf("expected poc email, got %+v", emails)
	}
	// charge -1 plus first listing bonus +1
	if bal, _ := env.Engine.Repo.SponsorCreditBalance(env.Ctx, "s1"); bal != 0 {
		t.Fatalf("credit balance = %d", bal)
	}

	second := env.draft(t, "u1")
	res, err = env.Engine.Publish(env.Ctx, "u1", second.ID, publishInput(map[string]float64{"1": 100}))
	if err != nil {
		t.Fatalf("publish second: %v", err)
	}
	if res.IsFirstPublishedListing {
		t.Fatalf("second listing must not be first")
	}
	if res.Listing.Slug != "write-a-tutorial-2" {
		t.Fatalf("slug collision not resolved: %q", res.Listing.Slug)
	}
	if bal, _ := env.Engine.Repo.SponsorCreditBalance(env.Ctx, "s1"); bal != -1 {
		t.Fatalf("credit balance after second publish = %d", bal)
	}
}

func TestPublishValidationFailure(t *testing.T) {
	env := newTestEnv(t)
	l := env.draft(t, "u1")
	before := env.snapshot(t, l.ID)
	_, err := env.Engine.Publish(env.Ctx, "u1", l.ID, validation.Input{})
	var ve engine.ValidationError
	if !errors.As(err, &ve) || len(ve.Violations) < 3 {
		t.Fatalf("expected validation error with several violations, got %v", err)
	}
	if after := env.snapshot(t, l.ID); !reflect.DeepEqual(before, after) {
		t.Fatalf("failed publish mutated the listing")
	}
}

func TestPublishUnverifiedSponsorHolds(t *testing.T) {
	env := newTestEnv(t)
	l := env.draft(t, "u2")
	res, err := env.Engine.Publish(env.Ctx, "u2", l.ID, publishInput(map[string]float64{"1": 100}))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if res.VerificationReason != "unverified" || res.Listing.Status != domain.StatusVerifying || res.Listing.IsPublished {
		t.Fatalf("expected verifying hold, got %+v", res)
	}
	if res.IsFirstPublishedListing {
		t.Fatalf("held listing must not be reported as the first published listing")
	}

	g := env.draft(t, "u2")
	res, err = env.Engine.Publish(env.Ctx, "god", g.ID, publishInput(map[string]float64{"1": 100}))
	if err != nil {
		t.Fatalf("god publish: %v", err)
	}
	if res.Listing.Status != domain.StatusOpen || !res.Listing.IsPublished {
		t.Fatalf("elevated actor should bypass hold, got %+v", res.Listing)
	}
	if !res.IsFirstPublishedListing {
		t.Fatalf("first live listing of the sponsor should be reported as first")
	}
}

func TestCreateDraftRequiresMembership(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateDraft(env.Ctx, "outsider", "", validation.Input{})
	var fe auth.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("expected forbidden error, got %v", err)
	}
	_, err = env.Engine.CreateDraft(env.Ctx, "u1", "s2", validation.Input{})
	if !errors.As(err, &fe) {
		t.Fatalf("expected forbidden error for other sponsor, got %v", err)
	}
	l, err := env.Engine.CreateDraft(env.Ctx, "u1", "", validation.Input{Title: strPtr("  ")})
	if err != nil {
		t.Fatalf("create draft: %v", err)
	}
	if l.Title != "Untitled Draft" || l.SponsorID != "s1" || engine.StateOf(l) != engine.StateDraft {
		t.Fatalf("unexpected draft %+v", l)
	}
}

func TestOtherSponsorCannotTransition(t *testing.T) {
	env := newTestEnv(t)
	l := env.published(t, publishInput(map[string]float64{"1": 100}))
	_, err := env.Engine.Unpublish(env.Ctx, "u2", l.ID)
	var fe auth.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("expected forbidden error, got %v", err)
	}
}

func TestAnnounceSlotMatching(t *testing.T) {
	env := newTestEnv(t)
	l := env.published(t, publishInput(map[string]float64{"1": 500, "2": 200, "3": 100}))
	env.submit(t, l.ID, "s-1", "a1", intPtr(1))
	env.submit(t, l.ID, "s-2", "a2", intPtr(2))
	env.submit(t, l.ID, "s-3", "a3", nil)

	before := env.snapshot(t, l.ID)
	if _, err := env.Engine.Announce(env.Ctx, "u1", l.ID); !isPrecondition(err) {
		t.Fatalf("expected precondition error with 2 of 3 winners, got %v", err)
	}
	if after := env.snapshot(t, l.ID); !reflect.DeepEqual(before, after) {
		t.Fatalf("failed announce mutated the listing")
	}

	if _, err := env.Engine.SetWinner(env.Ctx, "u1", "s-3", intPtr(3)); err != nil {
		t.Fatalf("set winner: %v", err)
	}
	res, err := env.Engine.Announce(env.Ctx, "u1", l.ID)
	if err != nil {
		t.Fatalf("announce: %v", err)
	}
	if !res.Listing.IsWinnersAnnounced || engine.StateOf(res.Listing) != engine.StateWinnersAnnounced {
		t.Fatalf("listing not announced: %+v", res.Listing)
	}
	want := fixedNow.Add(-2 * time.Minute)
	if res.Listing.Deadline == nil || !res.Listing.Deadline.Equal(want) {
		t.Fatalf("deadline not frozen: %v", res.Listing.Deadline)
	}
	stored, err := env.Engine.GetListing(env.Ctx, l.ID)
	if err != nil {
		t.Fatalf("get listing: %v", err)
	}
	if stored.Status != domain.StatusClosed || !stored.IsWinnersAnnounced {
		t.Fatalf("announced listing should be closed, got status=%s announced=%v", stored.Status, stored.IsWinnersAnnounced)
	}
}

func TestAnnounceDuplicatePositionFails(t *testing.T) {
	env := newTestEnv(t)
	l := env.published(t, publishInput(map[string]float64{"1": 500, "2": 200}))
	env.submit(t, l.ID, "s-1", "a1", intPtr(1))
	env.submit(t, l.ID, "s-2", "a2", intPtr(1))
	if _, err := env.Engine.Announce(env.Ctx, "u1", l.ID); !isPrecondition(err) {
		t.Fatalf("expected precondition error for duplicate position, got %v", err)
	}
}

func TestAnnounceKeepsPastDeadline(t *testing.T) {
	env := newTestEnv(t)
	l := env.published(t, publishInput(map[string]float64{"1": 500}))
	past := fixedNow.Add(-48 * time.Hour)
	env.mutate(t, l.ID, func(l *domain.Listing) { l.Deadline = &past })
	env.submit(t, l.ID, "s-1", "a1", intPtr(1))
	res, err := env.Engine.Announce(env.Ctx, "u1", l.ID)
	if err != nil {
		t.Fatalf("announce: %v", err)
	}
	if !res.Listing.Deadline.Equal(past) {
		t.Fatalf("past deadline should be kept, got %v", res.Listing.Deadline)
	}
	if res.Listing.Status != domain.StatusClosed {
		t.Fatalf("status = %s, want %s", res.Listing.Status, domain.StatusClosed)
	}
}

func TestUnpublishReversal(t *testing.T) {
	env := newTestEnv(t)
	l := env.published(t, projectInput())
	env.submit(t, l.ID, "s-1", "a1", intPtr(1))
	env.submit(t, l.ID, "s-2", "a2", nil)
	env.submit(t, l.ID, "s-3", "a3", nil)

	res, err := env.Engine.Unpublish(env.Ctx, "u1", l.ID)
	if err != nil {
		t.Fatalf("unpublish: %v", err)
	}
	if engine.StateOf(res.Listing) != engine.StateDraft || res.Listing.IsPublished {
		t.Fatalf("listing should be a draft again: %+v", res.Listing)
	}
	if res.Cleared != 1 || res.Rejected != 2 {
		t.Fatalf("unexpected counts %+v", res)
	}
	subs, _ := env.Engine.Repo.ListSubmissions(env.Ctx, l.ID)
	for _, s := range subs {
		if s.IsWinner || s.WinnerPosition != nil {
			t.Fatalf("winner flags not cleared on %s", s.ID)
		}
		if s.ID == "s-1" && s.Status == domain.SubmissionRejected {
			t.Fatalf("former winner must not be rejected")
		}
		if s.ID != "s-1" && s.Status != domain.SubmissionRejected {
			t.Fatalf("non-winner %s not rejected: %s", s.ID, s.Status)
		}
	}
	emails, _ := env.Engine.Repo.ListEmails(env.Ctx, notify.EmailSubmissionRejected)
	if len(emails) != 2 {
		t.Fatalf("expected 2 rejection emails, got %d", len(emails))
	}
	charged, refunded, _ := env.Engine.Repo.ListingCreditBalance(env.Ctx, l.ID)
	if charged != 1 || refunded != 1 {
		t.Fatalf("credit not refunded: charged=%d refunded=%d", charged, refunded)
	}

	// Republishing is allowed and is not a first listing any more.
	again, err := env.Engine.Publish(env.Ctx, "u1", l.ID, validation.Input{})
	if err != nil {
		t.Fatalf("republish: %v", err)
	}
	if again.IsFirstPublishedListing {
		t.Fatalf("republished listing must not count as first")
	}
}

func TestUnpublishBountyKeepsSubmissionStatus(t *testing.T) {
	env := newTestEnv(t)
	l := env.published(t, publishInput(map[string]float64{"1": 100}))
	env.submit(t, l.ID, "s-1", "a1", intPtr(1))
	env.submit(t, l.ID, "s-2", "a2", nil)
	if _, err := env.Engine.Unpublish(env.Ctx, "u1", l.ID); err != nil {
		t.Fatalf("unpublish: %v", err)
	}
	subs, _ := env.Engine.Repo.ListSubmissions(env.Ctx, l.ID)
	for _, s := range subs {
		if s.IsWinner {
			t.Fatalf("winner flag not cleared")
		}
		if s.Status != domain.SubmissionPending {
			t.Fatalf("bounty submissions keep their status, got %s", s.Status)
		}
	}
}

func TestUnpublishRequiresOpenStatus(t *testing.T) {
	env := newTestEnv(t)
	l := env.published(t, publishInput(map[string]float64{"1": 100}))
	env.mutate(t, l.ID, func(l *domain.Listing) { l.Status = domain.StatusReview })
	if _, err := env.Engine.Unpublish(env.Ctx, "u1", l.ID); !isPrecondition(err) {
		t.Fatalf("expected precondition error for REVIEW status, got %v", err)
	}
	env.mutate(t, l.ID, func(l *domain.Listing) { l.Status = domain.StatusOpen; l.IsActive = false })
	if _, err := env.Engine.Unpublish(env.Ctx, "u1", l.ID); !isPrecondition(err) {
		t.Fatalf("expected precondition error for inactive listing, got %v", err)
	}
}

func TestUpdateResetsWinnersBeforeWrite(t *testing.T) {
	env := newTestEnv(t)
	l := env.published(t, publishInput(map[string]float64{"1": 500, "2": 200}))
	env.submit(t, l.ID, "s-1", "a1", intPtr(1))
	env.submit(t, l.ID, "s-2", "a2", intPtr(2))

	in := validation.Input{Rewards: map[string]float64{"2": 200}}
	before := env.snapshot(t, l.ID)
	_, err := env.Engine.Update(env.Ctx, "u1", l.ID, in)
	var fe auth.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("members may not change rewards once winners exist, got %v", err)
	}
	if after := env.snapshot(t, l.ID); !reflect.DeepEqual(before, after) {
		t.Fatalf("forbidden update mutated state")
	}

	res, err := env.Engine.Update(env.Ctx, "god", l.ID, in)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if res.WinnersReset != 1 {
		t.Fatalf("expected one winner reset, got %d", res.WinnersReset)
	}
	after := env.snapshot(t, l.ID)
	if !after.Listing.Rewards.Equal(domain.Rewards{2: 200}) {
		t.Fatalf("rewards not updated: %v", after.Listing.Rewards)
	}
	for _, s := range after.Submissions {
		switch s.ID {
		case "s-1":
			if s.IsWinner || s.WinnerPosition != nil {
				t.Fatalf("stale winner on removed slot remains")
			}
		case "s-2":
			if !s.IsWinner || s.WinnerPosition == nil || *s.WinnerPosition != 2 {
				t.Fatalf("winner on kept slot was cleared")
			}
		}
	}
}

func TestUpdateNonRewardFieldsWithWinners(t *testing.T) {
	env := newTestEnv(t)
	l := env.published(t, publishInput(map[string]float64{"1": 500}))
	env.submit(t, l.ID, "s-1", "a1", intPtr(1))
	res, err := env.Engine.Update(env.Ctx, "u1", l.ID, validation.Input{Description: strPtr("A much clearer description of the work.")})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if res.WinnersReset != 0 || !res.Listing.IsPublished || res.Listing.Status != domain.StatusOpen {
		t.Fatalf("unexpected update result %+v", res)
	}
	if eventCount(t, env, "listing.updated", l.ID) != 1 {
		t.Fatalf("expected listing.updated event")
	}
}

func TestEffectIsolation(t *testing.T) {
	env := newTestEnv(t)
	chat := &failingChat{}
	env.Engine.Chat = chat

	l := env.draft(t, "u1")
	pub, err := env.Engine.Publish(env.Ctx, "u1", l.ID, publishInput(map[string]float64{"1": 100}))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !pub.Listing.IsPublished {
		t.Fatalf("publish should still transition the listing")
	}
	env.submit(t, l.ID, "s-1", "a1", intPtr(1))
	un, err := env.Engine.Unpublish(env.Ctx, "u1", l.ID)
	if err != nil {
		t.Fatalf("unpublish: %v", err)
	}
	if un.Listing.IsPublished {
		t.Fatalf("unpublish should still transition the listing")
	}
	pub, err = env.Engine.Publish(env.Ctx, "u1", l.ID, validation.Input{})
	if err != nil {
		t.Fatalf("republish: %v", err)
	}
	if _, err := env.Engine.SetWinner(env.Ctx, "u1", "s-1", intPtr(1)); err != nil {
		t.Fatalf("set winner: %v", err)
	}
	ann, err := env.Engine.Announce(env.Ctx, "u1", l.ID)
	if err != nil {
		t.Fatalf("announce: %v", err)
	}
	if !ann.Listing.IsWinnersAnnounced {
		t.Fatalf("announce should still transition the listing")
	}
	if chat.calls.Load() != 4 {
		t.Fatalf("expected 4 chat attempts, got %d", chat.calls.Load())
	}
	if got := eventCount(t, env, "effect.failed", l.ID); got != 4 {
		t.Fatalf("expected 4 effect.failed events, got %d", got)
	}
	failed := 0
	for _, r := range ann.Effects {
		if !r.OK() {
			failed++
		}
	}
	if failed != 1 {
		t.Fatalf("only the chat effect should fail on announce, got %d failures", failed)
	}
}

func TestEarningsAccumulation(t *testing.T) {
	env := newTestEnv(t)
	l := env.published(t, publishInput(map[string]float64{"1": 500, "2": 200}))
	env.submit(t, l.ID, "s-1", "a1", intPtr(1))
	env.submit(t, l.ID, "s-2", "a2", intPtr(2))
	env.submit(t, l.ID, "s-3", "a3", nil)

	res, err := env.Engine.Announce(env.Ctx, "u1", l.ID)
	if err != nil {
		t.Fatalf("announce: %v", err)
	}
	if len(res.Payouts) != 2 {
		t.Fatalf("expected 2 payouts, got %+v", res.Payouts)
	}
	want := map[string]float64{"a1": 500, "a2": 200, "a3": 0}
	for id, amount := range want {
		u, err := env.Engine.Repo.GetUser(env.Ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if u.TotalEarned != amount {
			t.Fatalf("user %s earned %v, want %v", id, u.TotalEarned, amount)
		}
	}
	winnerMails, _ := env.Engine.Repo.ListEmails(env.Ctx, notify.EmailWinnerAnnounced)
	generic, _ := env.Engine.Repo.ListEmails(env.Ctx, notify.EmailWinnersAnnounced)
	if len(winnerMails) != 2 || len(generic) != 3 {
		t.Fatalf("expected 2 winner and 3 generic emails, got %d/%d", len(winnerMails), len(generic))
	}

	if _, err := env.Engine.Announce(env.Ctx, "u1", l.ID); !isPrecondition(err) {
		t.Fatalf("second announce should fail, got %v", err)
	}
	u, _ := env.Engine.Repo.GetUser(env.Ctx, "a1")
	if u.TotalEarned != 500 {
		t.Fatalf("earnings applied twice: %v", u.TotalEarned)
	}
}

func TestDeleteDraft(t *testing.T) {
	env := newTestEnv(t)
	l := env.draft(t, "u1")
	if err := env.Engine.DeleteDraft(env.Ctx, "u1", l.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := env.Engine.GetListing(env.Ctx, l.ID); err == nil {
		t.Fatalf("listing should be gone")
	}

	withSub := env.draft(t, "u1")
	env.submit(t, withSub.ID, "s-1", "a1", nil)
	if err := env.Engine.DeleteDraft(env.Ctx, "u1", withSub.ID); !isPrecondition(err) {
		t.Fatalf("expected precondition error for draft with submissions, got %v", err)
	}

	pub := env.published(t, publishInput(map[string]float64{"1": 100}))
	if _, err := env.Engine.Unpublish(env.Ctx, "u1", pub.ID); err != nil {
		t.Fatalf("unpublish: %v", err)
	}
	if err := env.Engine.DeleteDraft(env.Ctx, "u1", pub.ID); !isPrecondition(err) {
		t.Fatalf("previously published listing must not be deleted, got %v", err)
	}
}

func TestSaveDraftKeepsSlugAndUsesHackathon(t *testing.T) {
	env := newTestEnv(t)
	hackDeadline := fixedNow.Add(5 * 24 * time.Hour)
	if err := env.Engine.Repo.InsertHackathon(env.Ctx, domain.Hackathon{ID: "h1", Name: "Spring", Deadline: hackDeadline}); err != nil {
		t.Fatal(err)
	}
	l, err := env.Engine.CreateDraft(env.Ctx, "u1", "", validation.Input{Title: strPtr("Indexer Bounty")})
	if err != nil {
		t.Fatal(err)
	}
	saved, err := env.Engine.SaveDraft(env.Ctx, "u1", l.ID, validation.Input{Title: strPtr("Indexer bounty"), HackathonID: strPtr("h1")})
	if err != nil {
		t.Fatalf("save draft: %v", err)
	}
	if saved.Slug != l.Slug {
		t.Fatalf("slug changed from %q to %q", l.Slug, saved.Slug)
	}
	if saved.Deadline == nil || !saved.Deadline.Equal(hackDeadline) {
		t.Fatalf("deadline should inherit hackathon deadline: %v", saved.Deadline)
	}
	_, err = env.Engine.SaveDraft(env.Ctx, "u1", l.ID, validation.Input{HackathonID: strPtr("missing")})
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error for unknown hackathon, got %v", err)
	}
}
