package models

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/ledger_export_backend/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CategorizationRule maps a vendor glob pattern to the account entries for
// that vendor should post to.
type CategorizationRule struct {
	VendorPattern    string `json:"vendor_pattern"`
	SuggestedAccount string `json:"suggested_account"`
}

// RuleVersion is one immutable snapshot of the categorization rule set.
// History is append-only: rows are created once and never rewritten except
// for the is_active pointer. Exactly one version per business is active at
// any instant; moving the pointer is a transactional read-modify-write.
type RuleVersion struct {
	ID         int       `gorm:"primary_key" json:"id"`
	VersionId  string    `gorm:"size:64;not null;uniqueIndex" json:"version_id"`
	BusinessId string    `gorm:"size:64;not null;index" json:"business_id"`
	RulesBlob  []byte    `gorm:"type:json" json:"rules_blob"`
	CreatedBy  string    `gorm:"size:100" json:"created_by"`
	IsActive   bool      `gorm:"not null;default:false;index" json:"is_active"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (v *RuleVersion) Rules() ([]CategorizationRule, error) {
	if len(v.RulesBlob) == 0 {
		return nil, nil
	}
	var rules []CategorizationRule
	if err := json.Unmarshal(v.RulesBlob, &rules); err != nil {
		return nil, err
	}
	return rules, nil
}

func EncodeRules(rules []CategorizationRule) ([]byte, error) {
	return json.Marshal(rules)
}

type RuleVersionStore struct {
	db *gorm.DB
}

func NewRuleVersionStore(db *gorm.DB) *RuleVersionStore {
	return &RuleVersionStore{db: db}
}

// CreateAndActivate appends a new version and moves the active pointer to it.
// Deactivating the old version and activating the new one happen inside one
// transaction so a crash between the two writes cannot leave zero or two
// active versions.
func (s *RuleVersionStore) CreateAndActivate(ctx context.Context, rulesBlob []byte, createdBy string) (*RuleVersion, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	version := RuleVersion{
		VersionId:  uuid.NewString(),
		BusinessId: businessId,
		RulesBlob:  rulesBlob,
		CreatedBy:  createdBy,
		IsActive:   true,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&RuleVersion{}).
			Where("business_id = ? AND is_active = ?", businessId, true).
			Update("is_active", false).Error; err != nil {
			return err
		}
		return tx.Create(&version).Error
	})
	if err != nil {
		return nil, err
	}
	return &version, nil
}

// Rollback moves the active pointer to an existing version. Rolling back to
// the already-active version is a successful no-op with zero writes.
func (s *RuleVersionStore) Rollback(ctx context.Context, versionId string) (noChange bool, err error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return false, errors.New("business id is required")
	}

	target, err := s.Get(ctx, versionId)
	if err != nil {
		return false, err
	}
	if target.IsActive {
		return true, nil
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&RuleVersion{}).
			Where("business_id = ? AND is_active = ?", businessId, true).
			Update("is_active", false).Error; err != nil {
			return err
		}
		return tx.Model(&RuleVersion{}).
			Where("business_id = ? AND version_id = ?", businessId, versionId).
			Update("is_active", true).Error
	})
	if err != nil {
		return false, err
	}
	return false, nil
}

func (s *RuleVersionStore) Get(ctx context.Context, versionId string) (*RuleVersion, error) {
	var version RuleVersion
	err := s.db.WithContext(ctx).
		Where("version_id = ?", versionId).
		First(&version).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrorRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &version, nil
}

// Active returns the current active version, or nil when the business has no
// versions yet.
func (s *RuleVersionStore) Active(ctx context.Context) (*RuleVersion, error) {
	var version RuleVersion
	err := s.db.WithContext(ctx).
		Where("is_active = ?", true).
		First(&version).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &version, nil
}
