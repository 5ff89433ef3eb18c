package pluginstore

import (
	"context"
	"fmt"

	"github.com/mimolo/operations/internal/ipc"
)

// TemplateLister adapts a Store to ipc.TemplateLister, the collaborator
// interface get_registered_plugins/list_agent_templates dispatch through.
type TemplateLister struct {
	store Store
}

// NewTemplateLister returns an ipc.TemplateLister backed by store.
func NewTemplateLister(store Store) *TemplateLister {
	return &TemplateLister{store: store}
}

// ListTemplates implements ipc.TemplateLister. The interface carries no
// context (IPC handlers call it synchronously under their own per-request
// timeout), so a background context is used here; GORM's own statement
// timeout still applies.
func (t *TemplateLister) ListTemplates() ([]ipc.TemplateSummary, error) {
	templates, err := t.store.List(context.Background())
	if err != nil {
		return nil, fmt.Errorf("pluginstore: list templates: %w", err)
	}

	out := make([]ipc.TemplateSummary, 0, len(templates))
	for _, tmpl := range templates {
		out = append(out, ipc.TemplateSummary{TemplateID: tmpl.TemplateID, Script: tmpl.Script})
	}
	return out, nil
}
