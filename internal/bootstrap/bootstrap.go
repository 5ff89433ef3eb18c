// Package bootstrap implements the Runtime Bootstrap Coordinator: the
// once-per-launch sequence that hydrates a portable interpreter, rewrites
// instance executables that point at developer tooling to it, and seeds a
// default runtime config — all before any agent is spawned.
package bootstrap

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"
)

// Stage names a bootstrap progress step, surfaced to Control as a JLP-shaped
// status record.
type Stage string

const (
	StageLockAcquire Stage = "acquiring_lock"
	StageInterpreter Stage = "creating_venv"
	StageHydrate     Stage = "hydrating_packages"
	StageSeedConfig  Stage = "seeding_runtime_config"
	StageReady       Stage = "ready"
)

// StatusRecord is the dedicated bootstrap stream record, shaped like a JLP
// outbound message (type, timestamp, data) so the Orchestrator Core can
// relay it to subscribed Control connections without a second transport.
type StatusRecord struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Stage     Stage     `json:"stage"`
	Detail    string    `json:"detail,omitempty"`
}

// ProgressFunc receives one StatusRecord per bootstrap stage transition.
type ProgressFunc func(StatusRecord)

// Config configures one bootstrap run. DataDir is the operations data root
// (<data_dir>/operations); the lock file, interpreter directory, and seeded
// runtime config all live under it.
type Config struct {
	DataDir            string
	SeedArchivePath    string // zip archive containing the portable interpreter; optional
	DefaultRuntimeTOML string // written to runtime.toml if that file does not yet exist
	LockTimeout        time.Duration
}

// Result reports what the bootstrap run produced.
type Result struct {
	InterpreterDir    string
	RuntimeConfigPath string
}

// Coordinator runs the bootstrap sequence.
type Coordinator struct {
	cfg    Config
	logger *zap.Logger
}

// New returns a Coordinator for cfg.
func New(cfg Config, logger *zap.Logger) *Coordinator {
	if cfg.LockTimeout == 0 {
		cfg.LockTimeout = 10 * time.Second
	}
	return &Coordinator{cfg: cfg, logger: logger.Named("bootstrap")}
}

func (c *Coordinator) interpreterDir() string {
	return filepath.Join(c.cfg.DataDir, "interpreter")
}

func (c *Coordinator) lockPath() string {
	return filepath.Join(c.cfg.DataDir, "runtime.lock")
}

func (c *Coordinator) runtimeConfigPath() string {
	return filepath.Join(c.cfg.DataDir, "runtime.toml")
}

func emitStage(emit ProgressFunc, stage Stage, detail string) {
	if emit == nil {
		return
	}
	emit(StatusRecord{Type: "status", Timestamp: time.Now().UTC(), Stage: stage, Detail: detail})
}

// Run executes the bootstrap sequence once. It must complete or fail
// atomically: interpreter hydration writes to a sibling temp directory and
// renames it into place only on success, so a crash mid-hydration never
// leaves a half-populated interpreter directory behind. The filesystem
// lock serializes concurrent launchers against the same data directory —
// a second process blocks here rather than racing the first through
// hydration.
func (c *Coordinator) Run(ctx context.Context, emit ProgressFunc) (*Result, error) {
	if err := os.MkdirAll(c.cfg.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("bootstrap: create data dir: %w", err)
	}

	emitStage(emit, StageLockAcquire, "")
	fl := flock.New(c.lockPath())
	lockCtx, cancel := context.WithTimeout(ctx, c.cfg.LockTimeout)
	defer cancel()
	locked, err := fl.TryLockContext(lockCtx, 100*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: acquire runtime lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("bootstrap: runtime lock held by another launcher")
	}
	defer fl.Unlock()

	interpreterDir, err := c.ensureInterpreter(ctx, emit)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: hydrate interpreter: %w", err)
	}

	emitStage(emit, StageSeedConfig, "")
	if err := c.seedRuntimeConfig(); err != nil {
		return nil, fmt.Errorf("bootstrap: seed runtime config: %w", err)
	}

	emitStage(emit, StageReady, "")
	return &Result{InterpreterDir: interpreterDir, RuntimeConfigPath: c.runtimeConfigPath()}, nil
}

// ensureInterpreter returns the portable interpreter directory, hydrating it
// from SeedArchivePath first if it is not already present.
func (c *Coordinator) ensureInterpreter(ctx context.Context, emit ProgressFunc) (string, error) {
	dir := c.interpreterDir()
	if marker, err := os.Stat(filepath.Join(dir, ".hydrated")); err == nil && !marker.IsDir() {
		emitStage(emit, StageInterpreter, "already present")
		return dir, nil
	}

	if c.cfg.SeedArchivePath == "" {
		return "", fmt.Errorf("interpreter directory missing and no seed archive configured")
	}

	emitStage(emit, StageInterpreter, "extracting seed archive")
	tmpDir, err := os.MkdirTemp(c.cfg.DataDir, "interpreter-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}
	ok := false
	defer func() {
		if !ok {
			os.RemoveAll(tmpDir)
		}
	}()

	emitStage(emit, StageHydrate, "")
	if err := extractZip(ctx, c.cfg.SeedArchivePath, tmpDir); err != nil {
		return "", fmt.Errorf("extract seed archive: %w", err)
	}
	if err := os.WriteFile(filepath.Join(tmpDir, ".hydrated"), []byte(time.Now().UTC().Format(time.RFC3339)), 0o640); err != nil {
		return "", fmt.Errorf("write hydration marker: %w", err)
	}

	os.RemoveAll(dir)
	if err := os.Rename(tmpDir, dir); err != nil {
		return "", fmt.Errorf("rename staged interpreter into place: %w", err)
	}
	ok = true
	return dir, nil
}

// seedRuntimeConfig writes DefaultRuntimeTOML to runtime.toml, atomically
// via temp-file-then-rename, the same pattern as the teacher's saveState —
// but only if runtime.toml does not already exist, since config is
// otherwise read-only at runtime per the spec's shared-resource policy.
func (c *Coordinator) seedRuntimeConfig() error {
	if c.cfg.DefaultRuntimeTOML == "" {
		return nil
	}
	path := c.runtimeConfigPath()
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	tmp, err := os.CreateTemp(c.cfg.DataDir, "runtime.*.toml.tmp")
	if err != nil {
		return fmt.Errorf("create temp config file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.WriteString(c.cfg.DefaultRuntimeTOML); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp config file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp config file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp config file: %w", err)
	}
	ok = true
	return nil
}

// devToolingExecutables names the subset of developer-workflow launchers
// whose invocations get rewritten to the portable interpreter.
var devToolingExecutables = map[string]bool{
	"poetry": true,
	"pipenv": true,
}

// RewriteExecutable rewrites an instance's executable/args pair when it
// points at developer tooling (e.g. "poetry run python main.py") to invoke
// the portable interpreter directly instead. It returns rewritten=false,
// leaving executable/args untouched, for anything it doesn't recognize.
func (c *Coordinator) RewriteExecutable(executable string, args []string) (newExecutable string, newArgs []string, rewritten bool) {
	if !devToolingExecutables[filepath.Base(executable)] {
		return executable, args, false
	}

	rest := args
	for len(rest) > 0 && rest[0] == "run" {
		rest = rest[1:]
	}
	if len(rest) > 0 && (rest[0] == "python" || rest[0] == "python3") {
		rest = rest[1:]
	}

	interpreter := filepath.Join(c.interpreterDir(), "bin", "python3")
	return interpreter, rest, true
}

// extractZip unpacks src into dir, rejecting any entry that would escape
// dir via a path-traversal name.
func extractZip(ctx context.Context, src, dir string) error {
	r, err := zip.OpenReader(src)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer r.Close()

	for _, f := range r.File {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		destPath := filepath.Join(dir, f.Name)
		if !strings.HasPrefix(destPath, filepath.Clean(dir)+string(os.PathSeparator)) && destPath != filepath.Clean(dir) {
			return fmt.Errorf("archive entry escapes destination: %s", f.Name)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(destPath, 0o750); err != nil {
				return err
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(destPath), 0o750); err != nil {
			return err
		}
		if err := copyZipEntry(f, destPath); err != nil {
			return fmt.Errorf("extract %s: %w", f.Name, err)
		}
	}
	return nil
}

func copyZipEntry(f *zip.File, destPath string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, f.Mode())
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, rc)
	return err
}
