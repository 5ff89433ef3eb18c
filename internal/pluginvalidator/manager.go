package pluginvalidator

import (
	"context"
	"errors"
	"fmt"

	"github.com/mimolo/operations/internal/ipc"
	"github.com/mimolo/operations/internal/pluginstore"
)

// Manager implements ipc.PluginManager: inspecting an archive always
// succeeds at reporting what it found (Signed reflects whether the
// manifest verified, never an error by itself); install/upgrade refuse an
// archive whose manifest does not verify.
type Manager struct {
	validator *Validator
	store     pluginstore.Store
}

// NewManager returns a Manager backed by validator and store.
func NewManager(validator *Validator, store pluginstore.Store) *Manager {
	return &Manager{validator: validator, store: store}
}

// InspectArchive implements ipc.PluginManager. It never fails merely
// because a signature doesn't verify — Signed=false communicates that
// without collapsing the archive's identity (template_id, version) into an
// opaque internal_error response.
func (m *Manager) InspectArchive(path string) (ipc.ArchiveInfo, error) {
	manifestJWT, err := readManifest(path)
	if err != nil {
		return ipc.ArchiveInfo{}, err
	}

	claims, verifyErr := m.validator.ValidateManifest(manifestJWT)
	if verifyErr != nil {
		unverified, parseErr := parseUnverifiedClaims(manifestJWT)
		if parseErr != nil {
			return ipc.ArchiveInfo{}, parseErr
		}
		return ipc.ArchiveInfo{TemplateID: unverified.TemplateID, Version: unverified.Version, Signed: false}, nil
	}

	return ipc.ArchiveInfo{TemplateID: claims.TemplateID, Version: claims.Version, Signed: true}, nil
}

// InstallPlugin implements ipc.PluginManager: verifies the archive's
// manifest and persists a new Agent Template. Fails if a template with the
// same template_id already exists — use UpgradePlugin for that.
func (m *Manager) InstallPlugin(path string) error {
	claims, err := m.verifiedClaims(path)
	if err != nil {
		return err
	}

	if _, err := m.store.Get(context.Background(), claims.TemplateID); err == nil {
		return fmt.Errorf("pluginvalidator: template %s already installed, use upgrade_plugin", claims.TemplateID)
	} else if !errors.Is(err, pluginstore.ErrNotFound) {
		return err
	}

	return m.store.Create(context.Background(), pluginstore.AgentTemplate{
		TemplateID: claims.TemplateID, Script: claims.Script, Version: claims.Version, Signed: true,
	})
}

// UpgradePlugin implements ipc.PluginManager: verifies the archive's
// manifest and replaces the existing Agent Template wholesale.
func (m *Manager) UpgradePlugin(path string) error {
	claims, err := m.verifiedClaims(path)
	if err != nil {
		return err
	}

	return m.store.Upsert(context.Background(), pluginstore.AgentTemplate{
		TemplateID: claims.TemplateID, Script: claims.Script, Version: claims.Version, Signed: true,
	})
}

func (m *Manager) verifiedClaims(path string) (*ManifestClaims, error) {
	manifestJWT, err := readManifest(path)
	if err != nil {
		return nil, err
	}
	claims, err := m.validator.ValidateManifest(manifestJWT)
	if err != nil {
		return nil, err
	}
	return claims, nil
}
