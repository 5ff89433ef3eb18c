package ipc

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mimolo/operations/internal/pathtoken"
	"github.com/mimolo/operations/internal/widget"
)

// ErrWidgetFrameNotCached is returned by WidgetAdapter.RequestRender when
// nothing has been cached yet for a label (no widget_frame observed, or
// its TTL already expired).
var ErrWidgetFrameNotCached = errors.New("ipc: no widget frame cached for label")

// WidgetActionSender dispatches a widget_action command to a label's
// running session — satisfied by *orchestrator.Orchestrator.
type WidgetActionSender interface {
	SendWidgetAction(label string, action []byte) error
}

// WidgetAdapter adapts a widget.Cache plus a WidgetActionSender into
// WidgetHost. It lives here, not in internal/widget, for the same reason
// MetricsAdapter lives here rather than in internal/metrics: internal/
// orchestrator depends on internal/widget (to cache observed frames), and
// this package depends on internal/orchestrator, so an adapter inside
// internal/widget importing this package back would cycle.
type WidgetAdapter struct {
	cache  *widget.Cache
	sender WidgetActionSender
	tokens *pathtoken.Table
}

// NewWidgetAdapter returns a WidgetHost backed by cache and sender. tokens
// translates any file:// path inside a rendered frame into an opaque
// token before the frame leaves the process, per the Design Notes
// file-path-leakage resolution.
func NewWidgetAdapter(cache *widget.Cache, sender WidgetActionSender, tokens *pathtoken.Table) *WidgetAdapter {
	return &WidgetAdapter{cache: cache, sender: sender, tokens: tokens}
}

type widgetManifestEntry struct {
	Label string `json:"label"`
}

// Manifest implements WidgetHost: every label with a live cached frame.
func (a *WidgetAdapter) Manifest() (json.RawMessage, error) {
	labels := a.cache.Labels()
	entries := make([]widgetManifestEntry, 0, len(labels))
	for _, label := range labels {
		entries = append(entries, widgetManifestEntry{Label: label})
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("ipc: marshal widget manifest: %w", err)
	}
	return data, nil
}

// RequestRender implements WidgetHost: returns the most recently cached
// frame for label. It never round-trips to the agent — a fresh render is
// obtained by issuing a refresh action via DispatchAction instead.
func (a *WidgetAdapter) RequestRender(label string) (WidgetFrame, error) {
	frame, ok := a.cache.Get(label)
	if !ok {
		return WidgetFrame{}, ErrWidgetFrameNotCached
	}
	data := frame.Data
	if a.tokens != nil {
		tokenized, err := a.tokens.Tokenize(frame.Data)
		if err != nil {
			return WidgetFrame{}, fmt.Errorf("ipc: tokenize widget frame: %w", err)
		}
		data = tokenized
	}
	return WidgetFrame{Label: label, Frame: data}, nil
}

// DispatchAction implements WidgetHost: forwards action to label's running
// session as a widget_action command.
func (a *WidgetAdapter) DispatchAction(label string, action json.RawMessage) error {
	return a.sender.SendWidgetAction(label, action)
}
