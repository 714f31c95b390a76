package workflow

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/ledger_export_backend/ledger"
	"bitbucket.org/mmdatafocus/ledger_export_backend/models"
	"bitbucket.org/mmdatafocus/ledger_export_backend/utils"
	"github.com/sirupsen/logrus"
)

const (
	ExportOutcomePosted  = "posted"
	ExportOutcomeSkipped = "skipped"
)

// DedupStore is the persisted (business_id, payload_hash) -> outcome mapping.
// models.ExportRecordStore is the production implementation.
type DedupStore interface {
	Claim(ctx context.Context, businessId string, input *models.JournalEntryInput, payloadHash string) (models.ClaimState, *models.ExportRecord, error)
	Reload(ctx context.Context, id int) (*models.ExportRecord, error)
	TakeOverStale(ctx context.Context, id int, staleBefore time.Time) (bool, error)
	MarkPosted(ctx context.Context, id int, externalDocId, externalSyncToken string) error
	MarkFailed(ctx context.Context, id int, code utils.ErrorCode, message string) error
	RecordTransientFailure(ctx context.Context, id int, message string) error
}

// AuditAppender appends to the append-only audit log.
type AuditAppender interface {
	Append(ctx context.Context, action, referenceType, referenceId string, metadata any) error
}

// ExportOutcome is the result of a successful Post: either this call posted
// the entry, or an earlier call did and this one observed it.
type ExportOutcome struct {
	Status        string `json:"status"`
	ExternalDocId string `json:"external_doc_id"`
	AttemptCount  int    `json:"attempt_count"`
}

// Coordinator orchestrates validation -> dedup claim -> external post ->
// commit -> audit. There is no global lock anywhere in this path: the
// storage-level unique constraint behind DedupStore.Claim is the sole
// serialization point per logical entry.
type Coordinator struct {
	store   DedupStore
	client  ledger.Client
	audit   AuditAppender
	logger  *logrus.Logger
	pollCfg ClaimPollConfig
}

func NewCoordinator(store DedupStore, client ledger.Client, audit AuditAppender, logger *logrus.Logger) *Coordinator {
	return &Coordinator{
		store:   store,
		client:  client,
		audit:   audit,
		logger:  logger,
		pollCfg: GetClaimPollConfig(),
	}
}

// PostJournalEntry posts one journal entry at most once. For N concurrent
// callers with bit-identical entries, exactly one performs the real network
// call; the rest converge on skipped with the same external doc id.
func (c *Coordinator) PostJournalEntry(ctx context.Context, input *models.JournalEntryInput) (*ExportOutcome, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if err := input.CheckBalanced(); err != nil {
		// No record is written for an unbalanced entry, but the failure is
		// still auditable history.
		c.appendAudit(ctx, models.AuditActionExportFailed, input.LogicalId, map[string]any{
			"logical_id": input.LogicalId,
			"error_code": string(utils.ErrCodeUnbalancedJE),
		})
		return nil, err
	}

	payloadHash := models.ExportPayloadHash(businessId, input)

	state, record, err := c.store.Claim(ctx, businessId, input, payloadHash)
	if err != nil {
		return nil, err
	}

	switch state {
	case models.ClaimWon:
		return c.performPost(ctx, record, input, payloadHash)

	case models.ClaimAlreadyPosted:
		c.appendAudit(ctx, models.AuditActionExportSkipped, input.LogicalId, map[string]any{
			"payload_hash":    payloadHash,
			"external_doc_id": record.ExternalDocId,
		})
		return &ExportOutcome{
			Status:        ExportOutcomeSkipped,
			ExternalDocId: record.ExternalDocId,
			AttemptCount:  record.AttemptCount,
		}, nil

	case models.ClaimFailedFinal:
		// Surface the stored permanent error without re-attempting network I/O.
		return nil, c.storedFailure(ctx, record, payloadHash)

	default: // models.ClaimPending
		return c.awaitResolution(ctx, record, input, payloadHash)
	}
}

// performPost is the winner's path: the one real external call for this claim.
func (c *Coordinator) performPost(ctx context.Context, record *models.ExportRecord, input *models.JournalEntryInput, payloadHash string) (*ExportOutcome, error) {
	result, err := c.client.PostJournalEntry(ctx, &ledger.JournalPayload{
		BusinessId:     record.BusinessId,
		IdempotencyKey: payloadHash,
		Date:           input.Date,
		Memo:           input.Memo,
		Total:          input.EffectiveTotal(),
		Lines:          input.Lines,
	})
	if err != nil {
		return nil, c.commitFailure(ctx, record, payloadHash, err)
	}

	if err := c.store.MarkPosted(ctx, record.ID, result.DocId, result.SyncToken); err != nil {
		return nil, err
	}
	// Re-read after commit: a takeover or a late transient-failure report from
	// the previous holder may have bumped attempt_count since this record was
	// loaded, and the surfaced count must match the stored row.
	attempts := record.AttemptCount
	if current, err := c.store.Reload(ctx, record.ID); err == nil {
		attempts = current.AttemptCount
	}
	c.appendAudit(ctx, models.AuditActionExportPosted, input.LogicalId, map[string]any{
		"payload_hash":    payloadHash,
		"external_doc_id": result.DocId,
		"attempt_count":   attempts,
	})
	if c.logger != nil {
		c.logger.WithFields(logrus.Fields{
			"module":          "ExportCoordinator",
			"business_id":     record.BusinessId,
			"logical_id":      input.LogicalId,
			"external_doc_id": result.DocId,
		}).Info("journal entry posted to external ledger")
	}

	return &ExportOutcome{
		Status:        ExportOutcomePosted,
		ExternalDocId: result.DocId,
		AttemptCount:  attempts,
	}, nil
}

// commitFailure classifies the external error, records it on the claim, and
// returns the domain error the caller should see. Transient failures leave
// the record CLAIMED so the same key stays retryable; permanent ones pin the
// record to FAILED.
func (c *Coordinator) commitFailure(ctx context.Context, record *models.ExportRecord, payloadHash string, err error) error {
	var domainErr *utils.DomainError

	if apiErr, ok := ledger.AsAPIError(err); ok {
		switch apiErr.Kind {
		case ledger.ErrRateLimited:
			domainErr = utils.NewRateLimitedError(apiErr.RetryAfter)
		case ledger.ErrUnauthorized:
			domainErr = utils.NewDomainError(utils.ErrCodeUnauthorized, "external ledger rejected credentials")
		case ledger.ErrValidation:
			domainErr = utils.NewDomainError(utils.ErrCodeValidation, apiErr.Message)
		default:
			domainErr = utils.NewTransientError(utils.ErrCodeUpstream, apiErr.Message)
		}
	} else {
		// Transport-level failure: transient by definition.
		domainErr = utils.NewTransientError(utils.ErrCodeUpstream, err.Error())
	}

	if domainErr.Transient {
		if serr := c.store.RecordTransientFailure(ctx, record.ID, domainErr.Message); serr != nil {
			logCoordinatorError(c.logger, "commitFailure", serr)
		}
		c.appendAudit(ctx, models.AuditActionExportRetry, record.LogicalId, map[string]any{
			"payload_hash": payloadHash,
			"error_code":   string(domainErr.Code),
			"error":        domainErr.Message,
		})
	} else {
		if serr := c.store.MarkFailed(ctx, record.ID, domainErr.Code, domainErr.Message); serr != nil {
			logCoordinatorError(c.logger, "commitFailure", serr)
		}
		c.appendAudit(ctx, models.AuditActionExportFailed, record.LogicalId, map[string]any{
			"payload_hash": payloadHash,
			"error_code":   string(domainErr.Code),
			"error":        domainErr.Message,
		})
	}
	return domainErr
}

// storedFailure rebuilds the permanent error recorded by an earlier attempt.
func (c *Coordinator) storedFailure(ctx context.Context, record *models.ExportRecord, payloadHash string) error {
	message := ""
	if record.LastError != nil {
		message = *record.LastError
	}
	code := utils.ErrorCode(record.ErrorCode)
	if code == "" {
		code = utils.ErrCodeUpstream
	}
	c.appendAudit(ctx, models.AuditActionExportFailed, record.LogicalId, map[string]any{
		"payload_hash": payloadHash,
		"error_code":   string(code),
		"replayed":     true,
	})
	return utils.NewDomainError(code, message)
}

// awaitResolution is the loser's path: another claim is in flight for the
// same payload. Poll with bounded backoff until the winner resolves; a claim
// stale past the takeover window is treated as abandoned and re-claimed.
func (c *Coordinator) awaitResolution(ctx context.Context, record *models.ExportRecord, input *models.JournalEntryInput, payloadHash string) (*ExportOutcome, error) {
	for attempt := 0; attempt <= c.pollCfg.MaxPolls; attempt++ {
		current, err := c.store.Reload(ctx, record.ID)
		if err != nil {
			return nil, err
		}

		switch current.Status {
		case models.ExportStatusPosted:
			c.appendAudit(ctx, models.AuditActionExportSkipped, input.LogicalId, map[string]any{
				"payload_hash":    payloadHash,
				"external_doc_id": current.ExternalDocId,
			})
			return &ExportOutcome{
				Status:        ExportOutcomeSkipped,
				ExternalDocId: current.ExternalDocId,
				AttemptCount:  current.AttemptCount,
			}, nil

		case models.ExportStatusFailed:
			return nil, c.storedFailure(ctx, current, payloadHash)
		}

		if time.Since(current.LastAttemptAt) > c.pollCfg.StaleAfter {
			won, err := c.store.TakeOverStale(ctx, current.ID, time.Now().Add(-c.pollCfg.StaleAfter))
			if err != nil {
				return nil, err
			}
			if won {
				taken, err := c.store.Reload(ctx, current.ID)
				if err != nil {
					return nil, err
				}
				return c.performPost(ctx, taken, input, payloadHash)
			}
		}

		if attempt == c.pollCfg.MaxPolls {
			break
		}
		select {
		case <-ctx.Done():
			// The record stays CLAIMED and resolvable later under the same key.
			return nil, ctx.Err()
		case <-time.After(claimPollBackoff(attempt+1, c.pollCfg)):
		}
	}

	return nil, utils.NewTransientError(utils.ErrCodeRetryLater, "another export attempt is still in flight")
}

func (c *Coordinator) appendAudit(ctx context.Context, action, referenceId string, metadata map[string]any) {
	// Async deliveries carry the submitter's correlation id; keep it on the
	// audit trail so an export can be traced back to the originating request.
	if cid, ok := utils.GetCorrelationIdFromContext(ctx); ok && cid != "" {
		metadata["correlation_id"] = cid
	}
	if err := c.audit.Append(ctx, action, "export", referenceId, metadata); err != nil {
		logCoordinatorError(c.logger, "appendAudit", err)
	}
}

func logCoordinatorError(logger *logrus.Logger, funcName string, err error) {
	if logger == nil {
		return
	}
	logger.WithFields(logrus.Fields{
		"module":   "ExportCoordinator",
		"funcName": funcName,
	}).Error(err.Error())
}
