package storage

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/guildtools/triggerd/internal/audit"
	"github.com/guildtools/triggerd/internal/domain"
)

// compile-time interface check
var _ audit.Store = (*AuditRepository)(nil)

// AuditRepository implements audit.Store. Append-only: no Update or Delete
// of individual entries exists on this type; Trim is the sole removal path
// and only ever drops the oldest entries beyond the retention bound.
type AuditRepository struct {
	db *gorm.DB
}

// NewAuditRepository creates an AuditRepository.
func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append inserts a single audit entry.
func (r *AuditRepository) Append(ctx context.Context, entry domain.AuditEntry) error {
	model := toAuditModel(entry)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("appending audit entry: %w", err)
	}
	return nil
}

// Query returns audit entries for a tenant, newest first. Limit defaults
// to 100.
func (r *AuditRepository) Query(ctx context.Context, tenantID string, limit int) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var models []AuditEntryModel
	err := r.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("timestamp DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("querying audit entries: %w", err)
	}

	entries := make([]domain.AuditEntry, len(models))
	for i := range models {
		entries[i] = toAuditDomain(&models[i])
	}
	return entries, nil
}

// Trim deletes a tenant's oldest entries beyond keep, returning the number
// removed.
func (r *AuditRepository) Trim(ctx context.Context, tenantID string, keep int) (int64, error) {
	if keep <= 0 {
		keep = 1
	}
	sub := r.db.Model(&AuditEntryModel{}).
		Select("id").
		Where("tenant_id = ?", tenantID).
		Order("timestamp DESC").
		Limit(keep)
	res := r.db.WithContext(ctx).
		Where("tenant_id = ? AND id NOT IN (?)", tenantID, sub).
		Delete(&AuditEntryModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("trimming audit entries for tenant %s: %w", tenantID, res.Error)
	}
	return res.RowsAffected, nil
}

// Tenants returns the distinct tenant IDs present in the audit trail.
func (r *AuditRepository) Tenants(ctx context.Context) ([]string, error) {
	var tenants []string
	err := r.db.WithContext(ctx).
		Model(&AuditEntryModel{}).
		Distinct("tenant_id").
		Pluck("tenant_id", &tenants).Error
	if err != nil {
		return nil, fmt.Errorf("listing audit tenants: %w", err)
	}
	return tenants, nil
}
