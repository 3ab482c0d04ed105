package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"bountyline/internal/config"
	"bountyline/internal/db"
	"bountyline/internal/migrate"
	"bountyline/internal/repo"
)

type capture struct {
	mu      sync.Mutex
	bodies  []ChatMessage
	raw     [][]byte
	headers []http.Header
	status  int
}

func (c *capture) handler(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	var msg ChatMessage
	_ = json.Unmarshal(raw, &msg)
	c.mu.Lock()
	c.bodies = append(c.bodies, msg)
	c.raw = append(c.raw, raw)
	c.headers = append(c.headers, r.Header.Clone())
	status := c.status
	c.mu.Unlock()
	if status == 0 {
		status = http.StatusNoContent
	}
	w.WriteHeader(status)
}

func boolPtr(b bool) *bool { return &b }

func TestBroadcastPostsToMatchingChannels(t *testing.T) {
	all := &capture{}
	filtered := &capture{}
	disabled := &capture{}
	srvAll := httptest.NewServer(http.HandlerFunc(all.handler))
	defer srvAll.Close()
	srvFiltered := httptest.NewServer(http.HandlerFunc(filtered.handler))
	defer srvFiltered.Close()
	srvDisabled := httptest.NewServer(http.HandlerFunc(disabled.handler))
	defer srvDisabled.Close()

	chat := Chat{
		Channels: map[string]config.ChatChannel{
			"all":      {URL: srvAll.URL, Secret: "s3cret"},
			"filtered": {URL: srvFiltered.URL, Events: []string{"listing.unpublished"}},
			"off":      {URL: srvDisabled.URL, Enabled: boolPtr(false)},
		},
		Client: srvAll.Client(),
	}
	msg := ChatMessage{Kind: "listing.published", ListingID: "l1", Text: "New listing"}
	if err := chat.Broadcast(context.Background(), msg); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if len(all.bodies) != 1 || all.bodies[0].ListingID != "l1" || all.bodies[0].TS == "" {
		t.Fatalf("unexpected delivery: %+v", all.bodies)
	}
	if got, want := all.headers[0].Get(SignatureHeader), Sign("s3cret", all.raw[0]); got != want {
		t.Fatalf("signature header = %q, want %q", got, want)
	}
	for name, values := range all.headers[0] {
		for _, v := range values {
			if strings.Contains(v, "s3cret") {
				t.Fatalf("header %s carries the raw secret", name)
			}
		}
	}
	if got := all.headers[0].Get("X-Bountyline-Event"); got != "listing.published" {
		t.Fatalf("event header = %q", got)
	}
	if len(filtered.bodies) != 0 {
		t.Fatalf("filtered channel should not receive listing.published")
	}
	if len(disabled.bodies) != 0 {
		t.Fatalf("disabled channel should not receive messages")
	}
}

func TestBroadcastJoinsChannelErrors(t *testing.T) {
	bad := &capture{status: http.StatusBadGateway}
	good := &capture{}
	srvBad := httptest.NewServer(http.HandlerFunc(bad.handler))
	defer srvBad.Close()
	srvGood := httptest.NewServer(http.HandlerFunc(good.handler))
	defer srvGood.Close()

	chat := Chat{Channels: map[string]config.ChatChannel{
		"a-bad":  {URL: srvBad.URL},
		"b-good": {URL: srvGood.URL},
	}}
	err := chat.Broadcast(context.Background(), ChatMessage{Kind: "listing.unpublished", ListingID: "l1"})
	if err == nil || !strings.Contains(err.Error(), "a-bad") || !strings.Contains(err.Error(), "502") {
		t.Fatalf("expected joined channel error, got %v", err)
	}
	if len(good.bodies) != 1 {
		t.Fatalf("a failing channel must not block the others")
	}
}

func TestEmailQueueStoresMessages(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	ctx := context.Background()
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	q := EmailQueue{Repo: repo.Repo{DB: conn}}
	if err := q.Queue(ctx, EmailSubmissionRejected, "u1", map[string]string{"listing_id": "l1"}); err != nil {
		t.Fatalf("queue: %v", err)
	}
	if err := q.Queue(ctx, EmailSubmissionRejected, "", nil); err == nil {
		t.Fatalf("expected error for empty recipient")
	}
	msgs, err := q.Repo.ListEmails(ctx, EmailSubmissionRejected)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 1 || msgs[0].RecipientID != "u1" || !strings.Contains(msgs[0].ContextJSON, "l1") {
		t.Fatalf("unexpected queue contents: %+v", msgs)
	}
}

func TestSignIsHexHMACSHA256(t *testing.T) {
	got := Sign("key", []byte(`{"kind":"x"}`))
	want := "sha256=1f2e444ddd6accde673aa4c1f996b9fb7db66e01f1b1358ddd3ff78bcb40bdba"
	if got != want {
		t.Fatalf("Sign = %s, want %s", got, want)
	}
}
