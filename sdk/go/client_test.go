package bountylinesdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestPublishSendsCredentialsAndBody(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"listing":{"id":"l1","state":"open"},"is_first_published_listing":true,"effects":[]}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.BearerToken = "tok"
	title := "Write a Tutorial"
	res, err := c.Publish(context.Background(), "l1", ListingInput{Title: &title})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if gotPath != "/v0/listings/l1/publish" || gotAuth != "Bearer tok" {
		t.Fatalf("unexpected request: path=%s auth=%s", gotPath, gotAuth)
	}
	if gotBody["title"] != title {
		t.Fatalf("unexpected body: %v", gotBody)
	}
	if res.Listing.State != "open" || !res.IsFirstPublishedListing {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestErrorEnvelopeIsDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != "key" {
			t.Errorf("missing api key header")
		}
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"code":"precondition_failed","message":"cannot unpublish listing in state draft"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.APIKey = "key"
	_, err := c.Unpublish(context.Background(), "l1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest || apiErr.Code != "precondition_failed" {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
}
