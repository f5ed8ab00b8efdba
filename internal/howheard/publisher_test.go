package howheard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestHTTPMetafieldClientPublish(t *testing.T) {
	var gotToken, gotPath string
	var gotBody map[string]map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("X-Shopify-Access-Token")
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"metafield": {"id": 84521}}`))
	}))
	defer server.Close()

	client := NewHTTPMetafieldClient(HTTPMetafieldClientOptions{BaseURL: server.URL})
	id, err := client.Publish(context.Background(), "tucker.myshopify.com", 42, "Instagram", "shptoken")
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if id != 84521 {
		t.Fatalf("expected metafield id 84521, got %d", id)
	}
	if gotToken != "shptoken" {
		t.Fatalf("expected access token header, got %q", gotToken)
	}
	if gotPath != "/admin/customers/42/metafields.json" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotBody["metafield"]["value"] != "Instagram" {
		t.Fatalf("unexpected body: %+v", gotBody)
	}
}

func TestHTTPMetafieldClientPropagatesErrorStatus(t *testing.T) {
	var attempts atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"errors": "rate limited"}`))
	}))
	defer server.Close()

	client := NewHTTPMetafieldClient(HTTPMetafieldClientOptions{BaseURL: server.URL})
	_, err := client.Publish(context.Background(), "tucker.myshopify.com", 42, "Instagram", "shptoken")
	if err == nil {
		t.Fatalf("expected failure on 429")
	}
	var publishErr *PublishError
	if !errors.As(err, &publishErr) {
		t.Fatalf("expected *PublishError, got %T", err)
	}
	if publishErr.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected status 429, got %d", publishErr.StatusCode)
	}
	// Exactly one attempt per call: retrying is the caller's job.
	if attempts.Load() != 1 {
		t.Fatalf("expected a single attempt, got %d", attempts.Load())
	}
}

func TestHTTPMetafieldClientRejectsMissingCredential(t *testing.T) {
	client := NewHTTPMetafieldClient(HTTPMetafieldClientOptions{BaseURL: "http://unused"})
	if _, err := client.Publish(context.Background(), "tucker.myshopify.com", 42, "Instagram", " "); err == nil {
		t.Fatalf("expected error for empty credential")
	}
}

func TestHTTPMetafieldClientRejectsMissingMetafieldID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := NewHTTPMetafieldClient(HTTPMetafieldClientOptions{BaseURL: server.URL})
	if _, err := client.Publish(context.Background(), "tucker.myshopify.com", 42, "Instagram", "shptoken"); err == nil {
		t.Fatalf("expected error when response has no metafield id")
	}
}
