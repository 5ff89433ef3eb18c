package pluginstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base contains the fields shared by every persisted model: a time-ordered
// UUID v7 primary key, populated automatically on insert if unset, so rows
// sort chronologically without a secondary index.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// AgentTemplate is the persisted form of an Agent Template: an immutable
// descriptor loaded from the plugin store, discovered at startup or
// install, retained until uninstall. DefaultConfig holds the non-secret
// subset of default_config as a JSON object; SecretConfig holds the
// secret subset (API keys, tokens), encrypted at rest.
type AgentTemplate struct {
	base
	TemplateID    string          `gorm:"uniqueIndex;not null"`
	Script        string          `gorm:"not null"`
	DefaultConfig string          `gorm:"column:default_config;not null;default:'{}'"`
	SecretConfig  EncryptedString `gorm:"column:secret_config;type:text"`
	Version       string          `gorm:"not null;default:''"`
	Signed        bool            `gorm:"not null;default:false"`
}

func (AgentTemplate) TableName() string { return "agent_templates" }
