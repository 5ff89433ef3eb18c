package pluginstore

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// ErrNotFound is returned when a template_id has no matching template.
var ErrNotFound = errors.New("pluginstore: template not found")

// Store is the Agent Template catalog: create on install, read for
// get_registered_plugins/list_agent_templates, upsert on upgrade, delete on
// uninstall.
type Store interface {
	Create(ctx context.Context, tmpl AgentTemplate) error
	Get(ctx context.Context, templateID string) (AgentTemplate, error)
	List(ctx context.Context) ([]AgentTemplate, error)
	Upsert(ctx context.Context, tmpl AgentTemplate) error
	Delete(ctx context.Context, templateID string) error
}

type gormStore struct {
	db *gorm.DB
}

// NewStore returns a Store backed by db.
func NewStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) Create(ctx context.Context, tmpl AgentTemplate) error {
	if err := s.db.WithContext(ctx).Create(&tmpl).Error; err != nil {
		return fmt.Errorf("pluginstore: create: %w", err)
	}
	return nil
}

func (s *gormStore) Get(ctx context.Context, templateID string) (AgentTemplate, error) {
	var tmpl AgentTemplate
	err := s.db.WithContext(ctx).First(&tmpl, "template_id = ?", templateID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return AgentTemplate{}, ErrNotFound
		}
		return AgentTemplate{}, fmt.Errorf("pluginstore: get: %w", err)
	}
	return tmpl, nil
}

func (s *gormStore) List(ctx context.Context) ([]AgentTemplate, error) {
	var templates []AgentTemplate
	if err := s.db.WithContext(ctx).Order("template_id ASC").Find(&templates).Error; err != nil {
		return nil, fmt.Errorf("pluginstore: list: %w", err)
	}
	return templates, nil
}

// Upsert creates tmpl if its template_id is new, or replaces every field of
// the existing row otherwise — the handler for upgrade_plugin, which
// replaces a template wholesale rather than patching individual fields.
func (s *gormStore) Upsert(ctx context.Context, tmpl AgentTemplate) error {
	existing, err := s.Get(ctx, tmpl.TemplateID)
	if errors.Is(err, ErrNotFound) {
		return s.Create(ctx, tmpl)
	}
	if err != nil {
		return err
	}

	tmpl.ID = existing.ID
	if err := s.db.WithContext(ctx).Save(&tmpl).Error; err != nil {
		return fmt.Errorf("pluginstore: upsert: %w", err)
	}
	return nil
}

func (s *gormStore) Delete(ctx context.Context, templateID string) error {
	result := s.db.WithContext(ctx).Where("template_id = ?", templateID).Delete(&AgentTemplate{})
	if result.Error != nil {
		return fmt.Errorf("pluginstore: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
