package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/ledger_export_backend/models"
	"github.com/shopspring/decimal"
)

type staticTokenSource struct {
	mu       sync.Mutex
	token    string
	refreshs int
}

func (s *staticTokenSource) AccessToken(context.Context, string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, nil
}

func (s *staticTokenSource) Refresh(context.Context, string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshs++
	s.token = "refreshed-token"
	return s.token, nil
}

func testPayload() *JournalPayload {
	return &JournalPayload{
		BusinessId:     "biz-1",
		IdempotencyKey: "abc123",
		Date:           time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		Memo:           "subscription",
		Total:          decimal.NewFromFloat(49.99),
		Lines: []models.JournalEntryLine{
			{Account: "6100-Software", Debit: decimal.NewFromFloat(49.99)},
			{Account: "1000-Cash", Credit: decimal.NewFromFloat(49.99)},
		},
	}
}

func TestHTTPClient_PostSuccess(t *testing.T) {
	var gotIdempotencyKey, gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/journal_entries" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		gotIdempotencyKey = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(PostResult{DocId: "JE-77", SyncToken: "3"})
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, &staticTokenSource{token: "tok-1"}, nil)
	result, err := client.PostJournalEntry(context.Background(), testPayload())
	if err != nil {
		t.Fatalf("post failed: %v", err)
	}
	if result.DocId != "JE-77" || result.SyncToken != "3" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if gotIdempotencyKey != "abc123" {
		t.Fatalf("idempotency key not sent, got %q", gotIdempotencyKey)
	}
	if gotAuth != "Bearer tok-1" {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
}

func TestHTTPClient_UnauthorizedRefreshesExactlyOnce(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.Header.Get("Authorization") != "Bearer refreshed-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(PostResult{DocId: "JE-1", SyncToken: "0"})
	}))
	defer server.Close()

	tokens := &staticTokenSource{token: "expired-token"}
	client := NewHTTPClient(server.URL, tokens, nil)

	result, err := client.PostJournalEntry(context.Background(), testPayload())
	if err != nil {
		t.Fatalf("expected silent recovery, got %v", err)
	}
	if result.DocId != "JE-1" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if tokens.refreshs != 1 {
		t.Fatalf("expected exactly 1 refresh, got %d", tokens.refreshs)
	}
	if calls != 2 {
		t.Fatalf("expected 2 posts (fail + retry), got %d", calls)
	}
}

func TestHTTPClient_PersistentUnauthorizedSurfacesOnce(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	tokens := &staticTokenSource{token: "revoked-token"}
	client := NewHTTPClient(server.URL, tokens, nil)

	_, err := client.PostJournalEntry(context.Background(), testPayload())
	apiErr, ok := AsAPIError(err)
	if !ok || apiErr.Kind != ErrUnauthorized {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if tokens.refreshs != 1 {
		t.Fatalf("expected exactly 1 refresh attempt, got %d", tokens.refreshs)
	}
	if calls != 2 {
		t.Fatalf("expected 2 posts, got %d", calls)
	}
	// Tokens never appear in surfaced errors.
	if strings.Contains(err.Error(), "revoked-token") || strings.Contains(err.Error(), "refreshed-token") {
		t.Fatalf("error leaked a token: %q", err.Error())
	}
}

func TestHTTPClient_RateLimitedCarriesRetryAfter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, &staticTokenSource{token: "tok"}, nil)
	_, err := client.PostJournalEntry(context.Background(), testPayload())
	apiErr, ok := AsAPIError(err)
	if !ok || apiErr.Kind != ErrRateLimited {
		t.Fatalf("expected rate_limited, got %v", err)
	}
	if apiErr.RetryAfter != 120*time.Second {
		t.Fatalf("expected Retry-After 120s, got %s", apiErr.RetryAfter)
	}
	if IsTransient(err) {
		t.Fatal("rate limit must not count as blindly retryable")
	}
}

func TestHTTPClient_ValidationCarriesMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"account 9999 does not exist"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, &staticTokenSource{token: "tok"}, nil)
	_, err := client.PostJournalEntry(context.Background(), testPayload())
	apiErr, ok := AsAPIError(err)
	if !ok || apiErr.Kind != ErrValidation {
		t.Fatalf("expected validation, got %v", err)
	}
	if apiErr.Message != "account 9999 does not exist" {
		t.Fatalf("message lost: %q", apiErr.Message)
	}
	if IsTransient(err) {
		t.Fatal("validation failures are permanent")
	}
}

func TestHTTPClient_ServerErrorIsTransientUpstream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, &staticTokenSource{token: "tok"}, nil)
	_, err := client.PostJournalEntry(context.Background(), testPayload())
	apiErr, ok := AsAPIError(err)
	if !ok || apiErr.Kind != ErrUpstream {
		t.Fatalf("expected upstream, got %v", err)
	}
	if !IsTransient(err) {
		t.Fatal("5xx must be transient")
	}
}

func TestHTTPClient_TransportErrorIsTransient(t *testing.T) {
	// Point at a closed server to force a connection failure.
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	server.Close()

	client := NewHTTPClient(server.URL, &staticTokenSource{token: "tok"}, nil)
	_, err := client.PostJournalEntry(context.Background(), testPayload())
	if err == nil {
		t.Fatal("expected a transport error")
	}
	if _, ok := AsAPIError(err); ok {
		t.Fatalf("transport errors must not be classified: %v", err)
	}
	if !IsTransient(err) {
		t.Fatal("transport errors must be transient")
	}
}

func TestParseRetryAfter(t *testing.T) {
	if got := parseRetryAfter(""); got != defaultRetryAfter {
		t.Fatalf("empty header should default, got %s", got)
	}
	if got := parseRetryAfter("90"); got != 90*time.Second {
		t.Fatalf("expected 90s, got %s", got)
	}
	if got := parseRetryAfter("garbage"); got != defaultRetryAfter {
		t.Fatalf("unparseable header should default, got %s", got)
	}
}

func TestMockClient_IdempotencyKeyContract(t *testing.T) {
	mock := NewMockClient()

	first, err := mock.PostJournalEntry(context.Background(), testPayload())
	if err != nil {
		t.Fatal(err)
	}
	second, err := mock.PostJournalEntry(context.Background(), testPayload())
	if err != nil {
		t.Fatal(err)
	}
	if first.DocId != second.DocId {
		t.Fatalf("same key produced different docs: %s vs %s", first.DocId, second.DocId)
	}

	other := testPayload()
	other.IdempotencyKey = "different-key"
	third, err := mock.PostJournalEntry(context.Background(), other)
	if err != nil {
		t.Fatal(err)
	}
	if third.DocId == first.DocId {
		t.Fatal("different keys must produce different docs")
	}
}
