package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/ledger_export_backend/utils"
	"gorm.io/gorm"
)

type CandidateStatus string

const (
	CandidateStatusPending  CandidateStatus = "PENDING"
	CandidateStatusAccepted CandidateStatus = "ACCEPTED"
	CandidateStatusRejected CandidateStatus = "REJECTED"
)

// RuleCandidate is a machine-proposed categorization rule awaiting operator
// review. Created by the external scoring job; once accepted or rejected the
// status is terminal.
type RuleCandidate struct {
	ID                int             `gorm:"primary_key" json:"id"`
	CandidateId       string          `gorm:"size:64;not null;uniqueIndex" json:"candidate_id"`
	BusinessId        string          `gorm:"size:64;not null;index" json:"business_id"`
	VendorPattern     string          `gorm:"size:255;not null" json:"vendor_pattern"`
	SuggestedAccount  string          `gorm:"size:64;not null" json:"suggested_account"`
	EvidenceCount     int             `json:"evidence_count"`
	EvidencePrecision float64         `json:"evidence_precision"`
	EvidenceStdDev    float64         `json:"evidence_std_dev"`
	Status            CandidateStatus `gorm:"size:20;not null;index" json:"status"`
	RejectReason      string          `gorm:"size:255" json:"reject_reason"`
	ReviewedBy        string          `gorm:"size:100" json:"reviewed_by"`
	ReviewedAt        *time.Time      `json:"reviewed_at"`
	CreatedAt         time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type RuleCandidateStore struct {
	db *gorm.DB
}

func NewRuleCandidateStore(db *gorm.DB) *RuleCandidateStore {
	return &RuleCandidateStore{db: db}
}

func (s *RuleCandidateStore) Get(ctx context.Context, candidateId string) (*RuleCandidate, error) {
	var candidate RuleCandidate
	err := s.db.WithContext(ctx).
		Where("candidate_id = ?", candidateId).
		First(&candidate).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrorRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &candidate, nil
}

func (s *RuleCandidateStore) GetMany(ctx context.Context, candidateIds []string) ([]*RuleCandidate, error) {
	var candidates []*RuleCandidate
	err := s.db.WithContext(ctx).
		Where("candidate_id IN ?", candidateIds).
		Find(&candidates).Error
	return candidates, err
}

// Resolve marks a PENDING candidate terminal. The optimistic status guard in
// the WHERE clause keeps two concurrent reviewers from both winning.
func (s *RuleCandidateStore) Resolve(ctx context.Context, candidateId string, status CandidateStatus, reviewedBy, rejectReason string) (bool, error) {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&RuleCandidate{}).
		Where("candidate_id = ? AND status = ?", candidateId, CandidateStatusPending).
		Updates(map[string]interface{}{
			"status":        status,
			"reviewed_by":   reviewedBy,
			"reviewed_at":   &now,
			"reject_reason": rejectReason,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *RuleCandidateStore) Create(ctx context.Context, candidate *RuleCandidate) error {
	if candidate.Status == "" {
		candidate.Status = CandidateStatusPending
	}
	return s.db.WithContext(ctx).Create(candidate).Error
}
