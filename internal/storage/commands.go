package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/guildtools/triggerd/internal/domain"
	"github.com/guildtools/triggerd/internal/registry"
)

// compile-time interface check
var _ registry.Source = (*CommandRepository)(nil)

// ErrNotFound is returned when a requested command does not exist.
var ErrNotFound = errors.New("command not found")

// CommandRepository persists tenant command definitions. It implements
// registry.Source: GetCommands returns a stable evaluation order so
// first-match-wins is deterministic across calls.
type CommandRepository struct {
	db *gorm.DB
}

// NewCommandRepository creates a CommandRepository.
func NewCommandRepository(db *gorm.DB) *CommandRepository {
	return &CommandRepository{db: db}
}

// GetCommands returns all commands for a tenant ordered by creation time,
// with the ID as a tiebreaker for equal timestamps.
func (r *CommandRepository) GetCommands(ctx context.Context, tenantID string) ([]*domain.Command, error) {
	var models []CommandModel
	err := r.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("created_at ASC, id ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing commands for tenant %s: %w", tenantID, err)
	}

	commands := make([]*domain.Command, len(models))
	for i := range models {
		commands[i] = toCommandDomain(&models[i])
	}
	return commands, nil
}

// Get returns a single command by ID.
func (r *CommandRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Command, error) {
	var model CommandModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading command %s: %w", id, err)
	}
	return toCommandDomain(&model), nil
}

// Create inserts a new command. A zero ID is assigned; timestamps are set
// when unset so imported definitions keep their original ordering.
func (r *CommandRepository) Create(ctx context.Context, cmd *domain.Command) error {
	if cmd.ID == uuid.Nil {
		cmd.ID = uuid.New()
	}
	now := time.Now().UTC()
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = now
	}
	if cmd.UpdatedAt.IsZero() {
		cmd.UpdatedAt = now
	}
	model := toCommandModel(cmd)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("creating command %q: %w", cmd.Trigger, err)
	}
	return nil
}

// Update replaces an existing command definition. CreatedAt is preserved so
// the evaluation order never changes on edit.
func (r *CommandRepository) Update(ctx context.Context, cmd *domain.Command) error {
	cmd.UpdatedAt = time.Now().UTC()
	model := toCommandModel(cmd)
	res := r.db.WithContext(ctx).
		Model(&CommandModel{}).
		Where("id = ? AND tenant_id = ?", cmd.ID, cmd.TenantID).
		Select("*").
		Omit("id", "tenant_id", "created_at").
		Updates(&model)
	if res.Error != nil {
		return fmt.Errorf("updating command %s: %w", cmd.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a command. Deleting a command that does not exist is not
// an error.
func (r *CommandRepository) Delete(ctx context.Context, tenantID string, id uuid.UUID) error {
	err := r.db.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", id, tenantID).
		Delete(&CommandModel{}).Error
	if err != nil {
		return fmt.Errorf("deleting command %s: %w", id, err)
	}
	return nil
}
