package storage

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/guildtools/triggerd/internal/domain"
)

// CommandModel maps to the "commands" table. Restriction lists are stored as
// comma-separated text so the schema stays identical across SQLite and
// PostgreSQL.
type CommandModel struct {
	ID                 uuid.UUID `gorm:"type:uuid;primaryKey"`
	TenantID           string    `gorm:"not null;index:idx_commands_tenant"`
	Trigger            string    `gorm:"not null"`
	MatchMode          string    `gorm:"not null"`
	Prefix             string
	Language           string `gorm:"not null"`
	Code               string `gorm:"not null"`
	CooldownMs         int64  `gorm:"not null;default:0"`
	RoleRestriction    string
	ChannelRestriction string
	CreatedAt          time.Time `gorm:"index:idx_commands_tenant"`
	UpdatedAt          time.Time
}

func (CommandModel) TableName() string { return "commands" }

// AuditEntryModel maps to the "audit_entries" table.
type AuditEntryModel struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	TenantID     string    `gorm:"not null;index:idx_audit_tenant_ts"`
	CommandID    uuid.UUID `gorm:"type:uuid;not null;index"`
	AuthorID     string    `gorm:"not null"`
	ChannelID    string
	Status       string `gorm:"not null"`
	ErrorSummary string
	DurationMs   int64
	Timestamp    time.Time `gorm:"not null;index:idx_audit_tenant_ts"`
}

func (AuditEntryModel) TableName() string { return "audit_entries" }

func toCommandModel(c *domain.Command) CommandModel {
	return CommandModel{
		ID:                 c.ID,
		TenantID:           c.TenantID,
		Trigger:            c.Trigger,
		MatchMode:          string(c.MatchMode),
		Prefix:             c.Prefix,
		Language:           string(c.Language),
		Code:               c.Code,
		CooldownMs:         c.CooldownMs,
		RoleRestriction:    joinList(c.RoleRestriction),
		ChannelRestriction: joinList(c.ChannelRestriction),
		CreatedAt:          c.CreatedAt,
		UpdatedAt:          c.UpdatedAt,
	}
}

func toCommandDomain(m *CommandModel) *domain.Command {
	return &domain.Command{
		ID:                 m.ID,
		TenantID:           m.TenantID,
		Trigger:            m.Trigger,
		MatchMode:          domain.MatchMode(m.MatchMode),
		Prefix:             m.Prefix,
		Language:           domain.Language(m.Language),
		Code:               m.Code,
		CooldownMs:         m.CooldownMs,
		RoleRestriction:    splitList(m.RoleRestriction),
		ChannelRestriction: splitList(m.ChannelRestriction),
		CreatedAt:          m.CreatedAt,
		UpdatedAt:          m.UpdatedAt,
	}
}

func toAuditModel(e domain.AuditEntry) AuditEntryModel {
	return AuditEntryModel{
		ID:           e.ID,
		TenantID:     e.TenantID,
		CommandID:    e.CommandID,
		AuthorID:     e.AuthorID,
		ChannelID:    e.ChannelID,
		Status:       string(e.Status),
		ErrorSummary: e.ErrorSummary,
		DurationMs:   e.DurationMs,
		Timestamp:    e.Timestamp,
	}
}

func toAuditDomain(m *AuditEntryModel) domain.AuditEntry {
	return domain.AuditEntry{
		ID:           m.ID,
		TenantID:     m.TenantID,
		CommandID:    m.CommandID,
		AuthorID:     m.AuthorID,
		ChannelID:    m.ChannelID,
		Status:       domain.Status(m.Status),
		ErrorSummary: m.ErrorSummary,
		DurationMs:   m.DurationMs,
		Timestamp:    m.Timestamp,
	}
}

func joinList(items []string) string {
	return strings.Join(items, ",")
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
