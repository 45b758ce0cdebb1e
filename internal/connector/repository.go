package connector

import (
	"context"
	"time"

	"github.com/chatlinehq/crmbridge/internal/domain"
	"github.com/chatlinehq/crmbridge/pkg/common"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// IntegrationRepository handles database operations for integration records
type IntegrationRepository interface {
	// Create inserts a new integration
	Create(ctx context.Context, integ *domain.Integration) error

	// Update writes back a full integration row
	Update(ctx context.Context, integ *domain.Integration) error

	// GetByID retrieves an integration by ID
	GetByID(ctx context.Context, id int64) (*domain.Integration, error)

	// GetByTenant retrieves the integration for a tenant
	GetByTenant(ctx context.Context, tenantId string) (*domain.Integration, error)

	// GetByAccount retrieves the integration for a CRM account id
	GetByAccount(ctx context.Context, accountId string) (*domain.Integration, error)

	// ListEnabled retrieves all enabled integrations
	ListEnabled(ctx context.Context) ([]*domain.Integration, error)

	// UpdateTokens persists a successful refresh outcome and clears any
	// recorded refresh failure
	UpdateTokens(ctx context.Context, id int64, access, refresh string, expiry time.Time) error

	// RecordRefreshFailure persists the failure reason and timestamp
	// without touching the stored tokens
	RecordRefreshFailure(ctx context.Context, id int64, reason string) error

	// SetLifecycleFlags records the last-known registration/activation outcome
	SetLifecycleFlags(ctx context.Context, id int64, registered, activated bool) error

	// Deactivate soft-disables an integration; rows are never hard-deleted
	Deactivate(ctx context.Context, id int64) error
}

// ChannelMappingRepository handles database operations for line mappings
type ChannelMappingRepository interface {
	// Upsert creates or replaces the mapping for (integration, line)
	Upsert(ctx context.Context, m *domain.ChannelMapping) error

	// GetByLine retrieves the mapping for one line
	GetByLine(ctx context.Context, integrationId int64, lineId int) (*domain.ChannelMapping, error)

	// ListByIntegration retrieves all mappings of an integration
	ListByIntegration(ctx context.Context, integrationId int64) ([]*domain.ChannelMapping, error)

	// Delete removes a mapping (explicit operator action only)
	Delete(ctx context.Context, id int64) error
}

// GormIntegrationRepository is the GORM implementation of IntegrationRepository
type GormIntegrationRepository struct {
	db *gorm.DB
}

func NewGormIntegrationRepository(db *gorm.DB) *GormIntegrationRepository {
	return &GormIntegrationRepository{db: db}
}

func (r *GormIntegrationRepository) Create(ctx context.Context, integ *domain.Integration) error {
	if integ.ID == 0 {
		integ.ID = common.UUIDint64()
	}
	if integ.Status == "" {
		integ.Status = common.ENABLED
	}
	return r.db.WithContext(ctx).Create(integ).Error
}

func (r *GormIntegrationRepository) Update(ctx context.Context, integ *domain.Integration) error {
	return r.db.WithContext(ctx).Save(integ).Error
}

func (r *GormIntegrationRepository) GetByID(ctx context.Context, id int64) (*domain.Integration, error) {
	var integ domain.Integration
	if err := r.db.WithContext(ctx).First(&integ, id).Error; err != nil {
		return nil, err
	}
	return &integ, nil
}

func (r *GormIntegrationRepository) GetByTenant(ctx context.Context, tenantId string) (*domain.Integration, error) {
	var integ domain.Integration
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND status = ?", tenantId, common.ENABLED).
		First(&integ).Error
	if err != nil {
		return nil, err
	}
	return &integ, nil
}

func (r *GormIntegrationRepository) GetByAccount(ctx context.Context, accountId string) (*domain.Integration, error) {
	var integ domain.Integration
	err := r.db.WithContext(ctx).
		Where("account_id = ?", accountId).
		First(&integ).Error
	if err != nil {
		return nil, err
	}
	return &integ, nil
}

func (r *GormIntegrationRepository) ListEnabled(ctx context.Context) ([]*domain.Integration, error) {
	var rows []*domain.Integration
	err := r.db.WithContext(ctx).
		Where("status = ?", common.ENABLED).
		Order("id").Find(&rows).Error
	return rows, err
}

func (r *GormIntegrationRepository) UpdateTokens(ctx context.Context, id int64, access, refresh string, expiry time.Time) error {
	return r.db.WithContext(ctx).Model(&domain.Integration{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"access_token":  access,
			"refresh_token": refresh,
			"token_expiry":  expiry,
			"refresh_error": "",
			"refresh_at":    time.Now(),
		}).Error
}

func (r *GormIntegrationRepository) RecordRefreshFailure(ctx context.Context, id int64, reason string) error {
	return r.db.WithContext(ctx).Model(&domain.Integration{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"refresh_error": reason,
			"refresh_at":    time.Now(),
		}).Error
}

func (r *GormIntegrationRepository) SetLifecycleFlags(ctx context.Context, id int64, registered, activated bool) error {
	return r.db.WithContext(ctx).Model(&domain.Integration{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"registered": registered,
			"activated":  activated,
		}).Error
}

func (r *GormIntegrationRepository) Deactivate(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).Model(&domain.Integration{}).Where("id = ?", id).
		Update("status", common.DISABLED).Error
}

// GormChannelMappingRepository is the GORM implementation of ChannelMappingRepository
type GormChannelMappingRepository struct {
	db *gorm.DB
}

func NewGormChannelMappingRepository(db *gorm.DB) *GormChannelMappingRepository {
	return &GormChannelMappingRepository{db: db}
}

func (r *GormChannelMappingRepository) Upsert(ctx context.Context, m *domain.ChannelMapping) error {
	if m.ID == 0 {
		m.ID = common.UUIDint64()
	}
	if m.Status == "" {
		m.Status = common.ENABLED
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "integration_id"}, {Name: "line_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"line_name", "endpoint", "status", "updated_at",
		}),
	}).Create(m).Error
}

func (r *GormChannelMappingRepository) GetByLine(ctx context.Context, integrationId int64, lineId int) (*domain.ChannelMapping, error) {
	var m domain.ChannelMapping
	err := r.db.WithContext(ctx).
		Where("integration_id = ? AND line_id = ?", integrationId, lineId).
		First(&m).Error
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *GormChannelMappingRepository) ListByIntegration(ctx context.Context, integrationId int64) ([]*domain.ChannelMapping, error) {
	var rows []*domain.ChannelMapping
	err := r.db.WithContext(ctx).
		Where("integration_id = ?", integrationId).
		Order("line_id").Find(&rows).Error
	return rows, err
}

func (r *GormChannelMappingRepository) Delete(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).Delete(&domain.ChannelMapping{}, id).Error
}
