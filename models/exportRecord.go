package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/ledger_export_backend/utils"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

type ExportStatus string

const (
	ExportStatusClaimed ExportStatus = "CLAIMED"
	ExportStatusPosted  ExportStatus = "POSTED"
	ExportStatusFailed  ExportStatus = "FAILED"
	// RELEASED is an operator-released FAILED claim: the row (and its attempt
	// history) stays, but the next Claim for the same payload may re-take it.
	ExportStatusReleased ExportStatus = "RELEASED"
)

// ExportRecord provides durable, DB-backed idempotency for external ledger
// posts. Unique constraint: (business_id, payload_hash). Rows are never
// deleted; the full attempt history against one logical entry stays
// reconstructable.
type ExportRecord struct {
	ID                int          `gorm:"primary_key" json:"id"`
	BusinessId        string       `gorm:"size:64;not null;index:uniq_export,unique" json:"business_id"`
	PayloadHash       string       `gorm:"size:64;not null;index:uniq_export,unique" json:"payload_hash"`
	LogicalId         string       `gorm:"size:255;not null;index" json:"logical_id"`
	Status            ExportStatus `gorm:"size:20;not null;index" json:"status"`
	ExternalDocId     string       `gorm:"size:128" json:"external_doc_id"`
	ExternalSyncToken string       `gorm:"size:128" json:"external_sync_token"`
	ErrorCode         string       `gorm:"size:64" json:"error_code"`
	LastError         *string      `gorm:"type:text" json:"last_error"`
	AttemptCount      int          `gorm:"not null;default:0" json:"attempt_count"`
	LastAttemptAt     time.Time    `gorm:"not null" json:"last_attempt_at"`
	CreatedAt         time.Time    `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
}

// ClaimState is what a caller learns from attempting to claim a payload hash.
type ClaimState string

const (
	ClaimWon           ClaimState = "won"            // we inserted the row; we own the external call
	ClaimAlreadyPosted ClaimState = "already_posted" // winner finished; idempotent no-op path
	ClaimPending       ClaimState = "pending"        // another claim is in flight (or crashed mid-flight)
	ClaimFailedFinal   ClaimState = "failed_final"   // a previous attempt failed permanently
)

type ExportRecordStore struct {
	db *gorm.DB
}

func NewExportRecordStore(db *gorm.DB) *ExportRecordStore {
	return &ExportRecordStore{db: db}
}

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

// Claim attempts to atomically insert a CLAIMED record for (businessId,
// payloadHash). The storage-level unique constraint is the sole serialization
// point: exactly one concurrent caller wins the insert.
func (s *ExportRecordStore) Claim(ctx context.Context, businessId string, input *JournalEntryInput, payloadHash string) (ClaimState, *ExportRecord, error) {
	record := ExportRecord{
		BusinessId:    businessId,
		PayloadHash:   payloadHash,
		LogicalId:     input.LogicalId,
		Status:        ExportStatusClaimed,
		AttemptCount:  1,
		LastAttemptAt: time.Now().UTC(),
	}
	err := s.db.WithContext(ctx).Create(&record).Error
	if err == nil {
		return ClaimWon, &record, nil
	}
	if !isDuplicateKeyErr(err) {
		return "", nil, err
	}

	existing, err := s.Get(ctx, businessId, payloadHash)
	if err != nil {
		return "", nil, err
	}
	switch existing.Status {
	case ExportStatusPosted:
		return ClaimAlreadyPosted, existing, nil
	case ExportStatusFailed:
		return ClaimFailedFinal, existing, nil
	case ExportStatusReleased:
		won, err := s.reclaimReleased(ctx, existing.ID)
		if err != nil {
			return "", nil, err
		}
		if won {
			record, err := s.Reload(ctx, existing.ID)
			if err != nil {
				return "", nil, err
			}
			return ClaimWon, record, nil
		}
		// Another caller re-took the released claim first.
		current, err := s.Reload(ctx, existing.ID)
		if err != nil {
			return "", nil, err
		}
		switch current.Status {
		case ExportStatusPosted:
			return ClaimAlreadyPosted, current, nil
		case ExportStatusFailed:
			return ClaimFailedFinal, current, nil
		default:
			return ClaimPending, current, nil
		}
	default:
		return ClaimPending, existing, nil
	}
}

// reclaimReleased re-takes an operator-released claim. The status guard keeps
// the re-take exclusive the same way the unique-constraint insert does for a
// fresh claim.
func (s *ExportRecordStore) reclaimReleased(ctx context.Context, id int) (bool, error) {
	res := s.db.WithContext(ctx).Model(&ExportRecord{}).
		Where("id = ? AND status = ?", id, ExportStatusReleased).
		Updates(map[string]interface{}{
			"status":          ExportStatusClaimed,
			"attempt_count":   gorm.Expr("attempt_count + 1"),
			"error_code":      "",
			"last_error":      nil,
			"last_attempt_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// Release moves a permanently FAILED record to RELEASED so the next
// submission of the same payload can claim it again. Rows are never deleted;
// the attempt history stays intact.
func (s *ExportRecordStore) Release(ctx context.Context, id int) (bool, error) {
	res := s.db.WithContext(ctx).Model(&ExportRecord{}).
		Where("id = ? AND status = ?", id, ExportStatusFailed).
		Updates(map[string]interface{}{
			"status":          ExportStatusReleased,
			"last_attempt_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *ExportRecordStore) Get(ctx context.Context, businessId, payloadHash string) (*ExportRecord, error) {
	var record ExportRecord
	err := s.db.WithContext(ctx).
		Where("business_id = ? AND payload_hash = ?", businessId, payloadHash).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrorRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *ExportRecordStore) Reload(ctx context.Context, id int) (*ExportRecord, error) {
	var record ExportRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrorRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// TakeOverStale re-claims a CLAIMED record whose holder has been silent since
// before staleBefore (crashed mid-flight or abandoned). The optimistic WHERE
// guard means at most one poller wins the takeover.
func (s *ExportRecordStore) TakeOverStale(ctx context.Context, id int, staleBefore time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&ExportRecord{}).
		Where("id = ? AND status = ? AND last_attempt_at < ?", id, ExportStatusClaimed, staleBefore).
		Updates(map[string]interface{}{
			"last_attempt_at": time.Now().UTC(),
			"attempt_count":   gorm.Expr("attempt_count + 1"),
			"last_error":      nil,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *ExportRecordStore) MarkPosted(ctx context.Context, id int, externalDocId, externalSyncToken string) error {
	return s.db.WithContext(ctx).Model(&ExportRecord{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":              ExportStatusPosted,
			"external_doc_id":     externalDocId,
			"external_sync_token": externalSyncToken,
			"error_code":          "",
			"last_error":          nil,
			"last_attempt_at":     time.Now().UTC(),
		}).Error
}

// MarkFailed records a permanent failure. Later claims for the same payload
// surface the stored code without re-attempting network I/O.
func (s *ExportRecordStore) MarkFailed(ctx context.Context, id int, code utils.ErrorCode, message string) error {
	return s.db.WithContext(ctx).Model(&ExportRecord{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":          ExportStatusFailed,
			"error_code":      string(code),
			"last_error":      &message,
			"last_attempt_at": time.Now().UTC(),
		}).Error
}

// RecordTransientFailure leaves the record CLAIMED so the same key stays
// resolvable by a later retry; only the attempt metadata moves.
func (s *ExportRecordStore) RecordTransientFailure(ctx context.Context, id int, message string) error {
	return s.db.WithContext(ctx).Model(&ExportRecord{}).
		Where("id = ? AND status = ?", id, ExportStatusClaimed).
		Updates(map[string]interface{}{
			"attempt_count":   gorm.Expr("attempt_count + 1"),
			"last_error":      &message,
			"last_attempt_at": time.Now().UTC(),
		}).Error
}

// ListRecent returns up to limit export records for the context business,
// newest first.
func (s *ExportRecordStore) ListRecent(ctx context.Context, limit int) ([]*ExportRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var records []*ExportRecord
	err := s.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&records).Error
	return records, err
}
