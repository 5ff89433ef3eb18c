// Package pathtoken translates file:// paths embedded in outbound
// rendering-plane payloads into opaque identity tokens before they reach
// an IPC connection, per the Design Notes file-path-leakage resolution:
// a Control client sees a stable token it can compare across frames, but
// never the real filesystem path.
package pathtoken

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

const tokenPrefix = "ptok_"

// Table maps real file:// paths to opaque tokens and back, scoped to a
// single orchestrator process — tokens never survive a restart and are
// never persisted, since they exist only to keep a path out of an IPC
// payload, not to identify a file long-term.
type Table struct {
	mu      sync.RWMutex
	byToken map[string]string
}

// New returns an empty Table.
func New() *Table {
	return &Table{byToken: make(map[string]string)}
}

// Tokenize walks raw (an arbitrary JSON payload, e.g. a widget_frame or
// status message's data field) and replaces every file://-prefixed string
// value with its opaque token, registering the mapping so Resolve can
// later recover the real path. Already-tokenized input is returned
// unchanged; non-JSON input returns an error.
func (t *Table) Tokenize(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return raw, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("pathtoken: unmarshal: %w", err)
	}
	out, err := json.Marshal(t.walk(v))
	if err != nil {
		return nil, fmt.Errorf("pathtoken: marshal: %w", err)
	}
	return out, nil
}

// Resolve returns the real path registered for token, if any.
func (t *Table) Resolve(token string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	path, ok := t.byToken[token]
	return path, ok
}

func (t *Table) walk(v any) any {
	switch val := v.(type) {
	case string:
		if strings.HasPrefix(val, "file://") {
			return t.tokenFor(val)
		}
		return val
	case map[string]any:
		for k, child := range val {
			val[k] = t.walk(child)
		}
		return val
	case []any:
		for i, child := range val {
			val[i] = t.walk(child)
		}
		return val
	default:
		return v
	}
}

func (t *Table) tokenFor(path string) string {
	sum := sha256.Sum256([]byte(path))
	token := tokenPrefix + hex.EncodeToString(sum[:])[:16]

	t.mu.Lock()
	defer t.mu.Unlock()
	t.byToken[token] = path
	return token
}
