package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/ledger_export_backend/models"
	"github.com/sirupsen/logrus"
)

const defaultRetryAfter = 30 * time.Second

// HTTPClient posts journal entries to the real remote ledger API.
//
// Retry policy at this layer is deliberately narrow: on 401 it performs
// exactly one silent token refresh-and-retry; everything else is surfaced to
// the caller, preserving the at-most-one-network-call-per-claim property. In
// particular a 429 is never retried here.
type HTTPClient struct {
	baseURL  string
	tokens   TokenSource
	http     *http.Client
	logger   *logrus.Logger
	conns    *models.LedgerConnectionStore
	provider string
}

func NewHTTPClient(baseURL string, tokens TokenSource, logger *logrus.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

// TrackConnection enables post-activity bookkeeping on the business's
// connection row. Best-effort: a failed touch never fails the post.
func (c *HTTPClient) TrackConnection(conns *models.LedgerConnectionStore, provider string) *HTTPClient {
	c.conns = conns
	c.provider = provider
	return c
}

func (c *HTTPClient) PostJournalEntry(ctx context.Context, payload *JournalPayload) (*PostResult, error) {
	token, err := c.tokens.AccessToken(ctx, payload.BusinessId)
	if err != nil {
		return nil, err
	}

	result, err := c.post(ctx, payload, token)
	if apiErr, ok := AsAPIError(err); ok && apiErr.Kind == ErrUnauthorized {
		// One silent refresh-and-retry, then surface.
		token, refreshErr := c.tokens.Refresh(ctx, payload.BusinessId)
		if refreshErr != nil {
			return nil, refreshErr
		}
		result, err = c.post(ctx, payload, token)
	}

	c.touchConnection(ctx, payload.BusinessId, err == nil)
	return result, err
}

func (c *HTTPClient) touchConnection(ctx context.Context, businessId string, success bool) {
	if c.conns == nil {
		return
	}
	conn, err := c.conns.Get(ctx, businessId, c.provider)
	if err == nil {
		err = c.conns.TouchPost(ctx, conn.ID, success)
	}
	if err != nil && c.logger != nil {
		c.logger.WithFields(logrus.Fields{
			"module":      "LedgerClient",
			"business_id": businessId,
		}).Warn("failed to record post activity: " + err.Error())
	}
}

func (c *HTTPClient) post(ctx context.Context, payload *JournalPayload, token string) (*PostResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/journal_entries", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if payload.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", payload.IdempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Transport-level failure (timeout, connection reset): transient.
		return nil, err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		var result PostResult
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, err
		}
		return &result, nil

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &APIError{Kind: ErrUnauthorized, Status: resp.StatusCode, Message: "ledger rejected credentials"}

	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &APIError{
			Kind:       ErrRateLimited,
			Status:     resp.StatusCode,
			Message:    "ledger rate limit",
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, &APIError{Kind: ErrValidation, Status: resp.StatusCode, Message: extractAPIMessage(raw)}

	default:
		return nil, &APIError{Kind: ErrUpstream, Status: resp.StatusCode, Message: "ledger upstream failure"}
	}
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return defaultRetryAfter
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return defaultRetryAfter
}

func extractAPIMessage(raw []byte) string {
	var parsed struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &parsed); err == nil {
		if parsed.Message != "" {
			return parsed.Message
		}
		if parsed.Error != "" {
			return parsed.Error
		}
	}
	msg := strings.TrimSpace(string(raw))
	if len(msg) > 500 {
		msg = msg[:500]
	}
	return msg
}
