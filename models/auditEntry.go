package models

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/ledger_export_backend/config"
	"bitbucket.org/mmdatafocus/ledger_export_backend/utils"
	"gorm.io/gorm"
)

// Actions written by this service. Every state-changing operation appends one.
const (
	AuditActionExportPosted  = "export.posted"
	AuditActionExportSkipped = "export.skipped"
	AuditActionExportFailed  = "export.failed"
	AuditActionExportRetry   = "export.retry_scheduled"

	AuditActionCandidateAccepted = "rule_candidate.accepted"
	AuditActionCandidateRejected = "rule_candidate.rejected"
	AuditActionVersionActivated  = "rule_version.activated"
	AuditActionVersionRollback   = "rule_version.rollback"
	AuditActionDryRun            = "rule_candidate.dry_run"
)

// Actions consumed for dry-run impact estimation. Written by the categorizer
// pipeline, read-only here.
const (
	AuditActionTxnAutomated = "transaction.automated"
	AuditActionTxnReviewed  = "transaction.reviewed"
)

// AuditEntry is the append-only record of one action. Rows are never updated
// or deleted.
type AuditEntry struct {
	ID            int       `gorm:"primary_key" json:"id"`
	BusinessId    string    `gorm:"size:64;not null;index" json:"business_id"`
	Action        string    `gorm:"size:64;not null;index" json:"action"`
	ActorId       int       `gorm:"index" json:"actor_id"`
	ActorName     string    `gorm:"size:100" json:"actor_name"`
	ReferenceId   string    `gorm:"size:128;index" json:"reference_id"`
	ReferenceType string    `gorm:"size:64" json:"reference_type"`
	Metadata      []byte    `gorm:"type:json" json:"metadata"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
}

type AuditLogStore struct {
	db *gorm.DB
}

func NewAuditLogStore(db *gorm.DB) *AuditLogStore {
	return &AuditLogStore{db: db}
}

// Append writes one audit entry. Actor and business come from the request
// context; metadata may be any JSON-serializable value.
func (s *AuditLogStore) Append(ctx context.Context, action, referenceType, referenceId string, metadata any) error {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return errors.New("business id is required")
	}

	entry := AuditEntry{
		BusinessId:    businessId,
		Action:        action,
		ReferenceId:   referenceId,
		ReferenceType: referenceType,
	}
	if userId, ok := utils.GetUserIdFromContext(ctx); ok {
		entry.ActorId = userId
	}
	if userName, ok := utils.GetUserNameFromContext(ctx); ok {
		entry.ActorName = userName
	}
	if metadata != nil {
		b, err := json.Marshal(metadata)
		if err != nil {
			return err
		}
		entry.Metadata = b
	}
	return s.db.WithContext(ctx).Create(&entry).Error
}

// ReviewStats summarizes historical categorization decisions for the context
// business: how many transactions were auto-posted, how many went to manual
// review, and why.
type ReviewStats struct {
	AutomatedCount int            `json:"automated_count"`
	ReviewedCount  int            `json:"reviewed_count"`
	ReviewReasons  map[string]int `json:"review_reasons"`
}

func (r *ReviewStats) AutomationRate() float64 {
	total := r.AutomatedCount + r.ReviewedCount
	if total == 0 {
		return 0
	}
	return float64(r.AutomatedCount) / float64(total)
}

func (s *AuditLogStore) ReviewStats(ctx context.Context) (*ReviewStats, error) {
	businessId, _ := utils.GetBusinessIdFromContext(ctx)

	// Dry-run previews hammer these aggregates; a short cache keeps repeated
	// previews from re-scanning the audit table.
	cacheKey := "review_stats:" + businessId
	if businessId != "" {
		var cached ReviewStats
		if hit, err := config.GetRedisObject(cacheKey, &cached); err == nil && hit {
			return &cached, nil
		}
	}

	stats := &ReviewStats{ReviewReasons: map[string]int{}}

	var automated int64
	if err := s.db.WithContext(ctx).Model(&AuditEntry{}).
		Where("action = ?", AuditActionTxnAutomated).
		Count(&automated).Error; err != nil {
		return nil, err
	}
	stats.AutomatedCount = int(automated)

	var reviewed int64
	if err := s.db.WithContext(ctx).Model(&AuditEntry{}).
		Where("action = ?", AuditActionTxnReviewed).
		Count(&reviewed).Error; err != nil {
		return nil, err
	}
	stats.ReviewedCount = int(reviewed)

	rows := []struct {
		Reason string
		N      int
	}{}
	// Reason lives inside the metadata JSON; MySQL JSON_EXTRACT keeps this a
	// single query. Raw SQL bypasses the tenant guard, so scope explicitly.
	err := s.db.WithContext(ctx).Raw(
		`SELECT JSON_UNQUOTE(JSON_EXTRACT(metadata, '$.reason')) AS reason, COUNT(*) AS n
		 FROM audit_entries
		 WHERE business_id = ? AND action = ?
		 GROUP BY reason`,
		businessId, AuditActionTxnReviewed,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if row.Reason == "" || row.Reason == "null" {
			continue
		}
		stats.ReviewReasons[row.Reason] = row.N
	}

	if businessId != "" {
		_ = config.SetRedisObject(cacheKey, stats, 30*time.Second)
	}
	return stats, nil
}

// CountReviewedMatching counts previously-reviewed transactions whose vendor
// matches the glob pattern (e.g. "office depot*").
func (s *AuditLogStore) CountReviewedMatching(ctx context.Context, vendorPattern string) (int, error) {
	businessId, _ := utils.GetBusinessIdFromContext(ctx)
	var n int64
	err := s.db.WithContext(ctx).Raw(
		`SELECT COUNT(*)
		 FROM audit_entries
		 WHERE business_id = ? AND action = ?
		   AND JSON_UNQUOTE(JSON_EXTRACT(metadata, '$.vendor')) LIKE ?`,
		businessId, AuditActionTxnReviewed, GlobToLike(vendorPattern),
	).Scan(&n).Error
	return int(n), err
}

// GlobToLike converts a vendor glob ("office depot*") to a SQL LIKE pattern.
func GlobToLike(pattern string) string {
	p := strings.ReplaceAll(pattern, `\`, `\\`)
	p = strings.ReplaceAll(p, "%", `\%`)
	p = strings.ReplaceAll(p, "_", `\_`)
	p = strings.ReplaceAll(p, "*", "%")
	p = strings.ReplaceAll(p, "?", "_")
	return p
}
