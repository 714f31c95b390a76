// Package ledger wraps the remote accounting ledger's HTTP API behind a
// typed client. Two implementations satisfy the same contract: HTTPClient for
// the real provider and MockClient for tests and local development. The
// choice is made once at construction time from configuration.
package ledger

import (
	"context"
	"os"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/ledger_export_backend/config"
	"bitbucket.org/mmdatafocus/ledger_export_backend/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// JournalPayload is the outbound representation of one journal entry post.
type JournalPayload struct {
	BusinessId     string                    `json:"-"`
	IdempotencyKey string                    `json:"-"`
	Date           time.Time                 `json:"date"`
	Memo           string                    `json:"memo"`
	Total          decimal.Decimal           `json:"total"`
	Lines          []models.JournalEntryLine `json:"lines"`
}

// PostResult is the remote ledger's acknowledgement of a successful post.
type PostResult struct {
	DocId     string `json:"doc_id"`
	SyncToken string `json:"sync_token"`
}

// Client posts journal entries to an external accounting ledger. Errors are
// either *APIError (classified remote failures) or transport errors, which
// callers treat as transient.
type Client interface {
	PostJournalEntry(ctx context.Context, payload *JournalPayload) (*PostResult, error)
}

// NewClientFromConfig selects the implementation once at startup.
func NewClientFromConfig(db *gorm.DB, logger *logrus.Logger) Client {
	if config.UseMockLedger() {
		return NewMockClient()
	}

	baseURL := strings.TrimSpace(os.Getenv("LEDGER_API_BASE_URL"))
	provider := strings.TrimSpace(os.Getenv("LEDGER_PROVIDER"))
	if provider == "" {
		provider = models.LedgerProviderXero
	}

	conns := models.NewLedgerConnectionStore(db)
	tokens := newOAuthTokenSource(oauthConfig{
		provider:     provider,
		tokenURL:     strings.TrimSpace(os.Getenv("LEDGER_OAUTH_TOKEN_URL")),
		clientId:     strings.TrimSpace(os.Getenv("LEDGER_OAUTH_CLIENT_ID")),
		clientSecret: strings.TrimSpace(os.Getenv("LEDGER_OAUTH_CLIENT_SECRET")),
	}, conns, logger)

	return NewHTTPClient(baseURL, tokens, logger).TrackConnection(conns, provider)
}
