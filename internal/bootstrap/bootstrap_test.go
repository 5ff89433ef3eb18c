package bootstrap

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeSeedArchive(t *testing.T, path string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := zip.NewWriter(f)
	entry, err := w.Create("bin/python3")
	require.NoError(t, err)
	_, err = entry.Write([]byte("#!/bin/sh\necho fake-interpreter\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

func TestCoordinator_RunHydratesInterpreterAndSeedsConfig(t *testing.T) {
	dir := t.TempDir()
	seedPath := filepath.Join(dir, "seed.zip")
	writeSeedArchive(t, seedPath)

	c := New(Config{
		DataDir:            filepath.Join(dir, "operations"),
		SeedArchivePath:    seedPath,
		DefaultRuntimeTOML: "[operations]\npoll_tick_s = 1.0\n",
	}, zap.NewNop())

	var stages []Stage
	result, err := c.Run(context.Background(), func(r StatusRecord) { stages = append(stages, r.Stage) })
	require.NoError(t, err)

	require.FileExists(t, filepath.Join(result.InterpreterDir, "bin", "python3"))
	require.FileExists(t, result.RuntimeConfigPath)
	content, err := os.ReadFile(result.RuntimeConfigPath)
	require.NoError(t, err)
	require.Contains(t, string(content), "poll_tick_s")

	require.Contains(t, stages, StageLockAcquire)
	require.Contains(t, stages, StageInterpreter)
	require.Contains(t, stages, StageReady)
	require.Equal(t, StageReady, stages[len(stages)-1])
}

func TestCoordinator_RunIsIdempotentOnSecondCall(t *testing.T) {
	dir := t.TempDir()
	seedPath := filepath.Join(dir, "seed.zip")
	writeSeedArchive(t, seedPath)

	c := New(Config{DataDir: filepath.Join(dir, "operations"), SeedArchivePath: seedPath}, zap.NewNop())

	_, err := c.Run(context.Background(), nil)
	require.NoError(t, err)

	_, err = c.Run(context.Background(), nil)
	require.NoError(t, err)
}

func TestCoordinator_RunFailsFastWithoutSeedWhenInterpreterMissing(t *testing.T) {
	dir := t.TempDir()
	c := New(Config{DataDir: filepath.Join(dir, "operations")}, zap.NewNop())

	_, err := c.Run(context.Background(), nil)
	require.Error(t, err)
}

func TestCoordinator_RunRespectsHeldLock(t *testing.T) {
	dir := t.TempDir()
	seedPath := filepath.Join(dir, "seed.zip")
	writeSeedArchive(t, seedPath)

	opsDir := filepath.Join(dir, "operations")
	require.NoError(t, os.MkdirAll(opsDir, 0o750))

	c := New(Config{DataDir: opsDir, SeedArchivePath: seedPath, LockTimeout: 300 * time.Millisecond}, zap.NewNop())

	fl := flock.New(filepath.Join(opsDir, "runtime.lock"))
	locked, err := fl.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	defer fl.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = c.Run(ctx, nil)
	require.Error(t, err)
}

func TestCoordinator_RewriteExecutableHandlesPoetryRunPython(t *testing.T) {
	c := New(Config{DataDir: t.TempDir()}, zap.NewNop())

	exe, args, rewritten := c.RewriteExecutable("poetry", []string{"run", "python", "main.py"})
	require.True(t, rewritten)
	require.Equal(t, filepath.Join(c.interpreterDir(), "bin", "python3"), exe)
	require.Equal(t, []string{"main.py"}, args)
}

func TestCoordinator_RewriteExecutableLeavesUnrecognizedExecutableAlone(t *testing.T) {
	c := New(Config{DataDir: t.TempDir()}, zap.NewNop())

	exe, args, rewritten := c.RewriteExecutable("/usr/bin/python3", []string{"main.py"})
	require.False(t, rewritten)
	require.Equal(t, "/usr/bin/python3", exe)
	require.Equal(t, []string{"main.py"}, args)
}
