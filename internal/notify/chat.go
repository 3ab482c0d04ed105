// Package notify posts chat webhooks and queues transactional email.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"bountyline/internal/config"
)

const (
	defaultChatTimeout = 5 * time.Second

	// SignatureHeader carries "sha256=" followed by the hex HMAC of the body
	// keyed with the channel secret.
	SignatureHeader = "X-Bountyline-Signature"
)

// ChatMessage is the JSON body posted to chat channels.
type ChatMessage struct {
	Kind      string `json:"kind"`
	ListingID string `json:"listing_id"`
	SponsorID string `json:"sponsor_id,omitempty"`
	Title     string `json:"title,omitempty"`
	Slug      string `json:"slug,omitempty"`
	Text      string `json:"text"`
	TS        string `json:"ts"`
}

// Chat posts messages to every enabled channel whose filter matches.
type Chat struct {
	Channels map[string]config.ChatChannel
	Client   *http.Client
	Now      func() time.Time
}

func NewChat(cfg *config.Config) Chat {
	c := Chat{Client: &http.Client{Timeout: defaultChatTimeout}}
	if cfg != nil {
		c.Channels = cfg.Chat.Channels
	}
	return c
}

// Broadcast posts msg to all matching channels and joins their errors.
func (c Chat) Broadcast(ctx context.Context, msg ChatMessage) error {
	if msg.TS == "" {
		now := time.Now
		if c.Now != nil {
			now = c.Now
		}
		msg.TS = now().UTC().Format(time.RFC3339)
	}
	names := make([]string, 0, len(c.Channels))
	for name := range c.Channels {
		names = append(names, name)
	}
	sort.Strings(names)
	var errs []error
	for _, name := range names {
		ch := c.Channels[name]
		if ch.Enabled != nil && !*ch.Enabled {
			continue
		}
		if strings.TrimSpace(ch.URL) == "" {
			continue
		}
		if !newEventFilter(ch.Events).match(msg.Kind) {
			continue
		}
		if err := c.post(ctx, name, ch, msg); err != nil {
			errs = append(errs, fmt.Errorf("chat channel %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func (c Chat) post(ctx context.Context, name string, ch config.ChatChannel, msg ChatMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	client := c.Client
	if client == nil {
		client = &http.Client{Timeout: defaultChatTimeout}
	}
	if ch.TimeoutSeconds > 0 {
		if timeout := time.Duration(ch.TimeoutSeconds) * time.Second; timeout != client.Timeout {
			client = &http.Client{Timeout: timeout, Transport: client.Transport}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ch.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Bountyline-Event", msg.Kind)
	req.Header.Set("X-Bountyline-Channel", name)
	if strings.TrimSpace(ch.Secret) != "" {
		req.Header.Set(SignatureHeader, Sign(ch.Secret, data))
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
