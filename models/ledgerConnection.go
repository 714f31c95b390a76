package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/ledger_export_backend/utils"
	"gorm.io/gorm"
)

const (
	LedgerProviderXero       = "xero"
	LedgerProviderQuickBooks = "quickbooks"
)

const (
	ConnectionStatusConnected    = "connected"
	ConnectionStatusDisconnected = "disconnected"
	ConnectionStatusError        = "error"
)

// LedgerConnection holds one business's link to an external accounting
// ledger: provider identity, OAuth refresh credential reference, and sync
// bookkeeping. Access tokens are short-lived and cached elsewhere; only the
// refresh credential reference persists here.
type LedgerConnection struct {
	ID                uint       `gorm:"primary_key" json:"id"`
	BusinessId        string     `gorm:"size:64;not null;uniqueIndex:uniq_ledger_conn" json:"business_id"`
	Provider          string     `gorm:"size:50;not null;uniqueIndex:uniq_ledger_conn" json:"provider"`
	Status            string     `gorm:"size:20;not null" json:"status"`
	RefreshSecretRef  string     `gorm:"type:text" json:"-"`
	ExternalOrgId     string     `gorm:"size:128" json:"external_org_id"`
	LastPostAt        *time.Time `json:"last_post_at"`
	LastSuccessPostAt *time.Time `json:"last_success_post_at"`
	LastErrorAt       *time.Time `json:"last_error_at"`
	CreatedAt         time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

type LedgerConnectionStore struct {
	db *gorm.DB
}

func NewLedgerConnectionStore(db *gorm.DB) *LedgerConnectionStore {
	return &LedgerConnectionStore{db: db}
}

func (s *LedgerConnectionStore) Get(ctx context.Context, businessId, provider string) (*LedgerConnection, error) {
	var conn LedgerConnection
	err := s.db.WithContext(ctx).
		Where("business_id = ? AND provider = ?", businessId, provider).
		First(&conn).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrorRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &conn, nil
}

func (s *LedgerConnectionStore) TouchPost(ctx context.Context, id uint, success bool) error {
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"last_post_at": &now,
	}
	if success {
		updates["last_success_post_at"] = &now
	} else {
		updates["last_error_at"] = &now
	}
	return s.db.WithContext(ctx).Model(&LedgerConnection{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// UpdateRefreshSecret persists a rotated refresh credential. Some providers
// rotate the refresh token on every exchange; losing the rotation breaks the
// connection until the operator re-authorizes.
func (s *LedgerConnectionStore) UpdateRefreshSecret(ctx context.Context, id uint, secretRef string) error {
	return s.db.WithContext(ctx).Model(&LedgerConnection{}).
		Where("id = ?", id).
		Update("refresh_secret_ref", secretRef).Error
}

func (s *LedgerConnectionStore) UpdateStatus(ctx context.Context, id uint, status string) error {
	return s.db.WithContext(ctx).Model(&LedgerConnection{}).
		Where("id = ?", id).
		Update("status", status).Error
}
