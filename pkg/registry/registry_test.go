package registry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/sigma-convertd/pkg/domain"
	"github.com/polisai/sigma-convertd/pkg/engine"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func testOptions(root string) Options {
	return Options{
		Root:        root,
		Interpreter: filepath.Join("venv", "bin", "python"),
		Worker:      filepath.Join(root, "worker.py"),
		Timeout:     time.Second,
	}
}

// provision creates a runnable version directory under root.
func provision(t *testing.T, root, name string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	bin := filepath.Join(dir, "venv", "bin")
	require.NoError(t, os.MkdirAll(bin, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(bin, "python"), []byte("#!/bin/sh\n"), 0o755))
	return dir
}

func newRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "worker.py"), []byte("# worker\n"), 0o644))
	return root
}

func TestRegistryVersionsSortedAndFiltered(t *testing.T) {
	root := newRoot(t)
	provision(t, root, "0.9.1")
	provision(t, root, "1.0.3")
	provision(t, root, "v1.10.0")
	provision(t, root, "1.2.0")
	provision(t, root, "latest-build")

	// Not runnable: no interpreter.
	require.NoError(t, os.MkdirAll(filepath.Join(root, "2.0.0"), 0o755))
	// Not runnable: interpreter not executable.
	notExec := provision(t, root, "3.0.0")
	require.NoError(t, os.Chmod(filepath.Join(notExec, "venv", "bin", "python"), 0o644))

	reg, err := New(testOptions(root), discard, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"1.10.0", "1.2.0", "1.0.3", "0.9.1"}, reg.Versions())
	latest, ok := reg.Snapshot().Latest()
	require.True(t, ok)
	assert.Equal(t, "1.10.0", latest)
}

func TestRegistryResolve(t *testing.T) {
	root := newRoot(t)
	provision(t, root, "1.0.3")
	provision(t, root, "v1.1.0")

	reg, err := New(testOptions(root), discard, nil, nil)
	require.NoError(t, err)

	tests := []struct {
		requested string
		want      string
	}{
		{"1.0.3", "1.0.3"},
		{"v1.0.3", "1.0.3"},
		{"1.1.0", "1.1.0"},
		{"latest", "1.1.0"},
	}
	for _, tt := range tests {
		eng, canonical, err := reg.Resolve(tt.requested)
		require.NoError(t, err, tt.requested)
		assert.Equal(t, tt.want, canonical)
		inst, ok := eng.(*engine.ProcessInstance)
		require.True(t, ok)
		assert.Equal(t, tt.want, inst.Version())
	}

	for _, missing := range []string{"9.9.9", "not-a-version", ""} {
		_, _, err := reg.Resolve(missing)
		require.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrEngineNotFound), missing)
	}
}

func TestRegistryResolveLatestWithoutVersions(t *testing.T) {
	reg, err := New(testOptions(newRoot(t)), discard, nil, nil)
	require.NoError(t, err)

	assert.Empty(t, reg.Versions())
	_, _, err = reg.Resolve("latest")
	assert.Equal(t, domain.KindEngineNotFound, domain.KindOf(err))
}

func TestRegistryPerVersionWorkerOverride(t *testing.T) {
	root := newRoot(t)
	provision(t, root, "1.0.0")
	custom := provision(t, root, "1.1.0")
	require.NoError(t, os.WriteFile(filepath.Join(custom, "worker.py"), []byte("# pinned\n"), 0o644))

	reg, err := New(testOptions(root), discard, nil, nil)
	require.NoError(t, err)

	eng, _, err := reg.Resolve("1.1.0")
	require.NoError(t, err)
	cfg := eng.(*engine.ProcessInstance).Config()
	assert.Equal(t, filepath.Join(custom, "worker.py"), cfg.Worker)
	assert.Equal(t, custom, cfg.WorkDir)
	assert.Equal(t, filepath.Join(custom, "venv", "bin", "python"), cfg.Interpreter)

	eng, _, err = reg.Resolve("1.0.0")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "worker.py"), eng.(*engine.ProcessInstance).Config().Worker)
}

func TestRegistryMissingWorkerSkipsVersion(t *testing.T) {
	root := t.TempDir()
	provision(t, root, "1.0.0")

	reg, err := New(testOptions(root), discard, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, reg.Versions())
}

func TestRegistryCacheCatalog(t *testing.T) {
	root := newRoot(t)
	provision(t, root, "1.0.0")

	opts := testOptions(root)
	opts.CacheCatalog = true
	reg, err := New(opts, discard, nil, nil)
	require.NoError(t, err)

	eng, _, err := reg.Resolve("1.0.0")
	require.NoError(t, err)
	cached, ok := eng.(*engine.CachedCatalog)
	require.True(t, ok)
	_, ok = cached.Unwrap().(*engine.ProcessInstance)
	assert.True(t, ok)
}

func TestRegistryRefreshAndListeners(t *testing.T) {
	root := newRoot(t)
	provision(t, root, "1.0.0")

	reg, err := New(testOptions(root), discard, nil, nil)
	require.NoError(t, err)

	var seen [][]string
	reg.OnRefresh(func(s *Snapshot) { seen = append(seen, s.Versions()) })

	before := reg.Snapshot()
	provision(t, root, "1.1.0")
	require.NoError(t, reg.Refresh())

	after := reg.Snapshot()
	assert.Equal(t, before.Generation+1, after.Generation)
	assert.Equal(t, []string{"1.0.0"}, before.Versions(), "old snapshots are immutable")
	assert.Equal(t, []string{"1.1.0", "1.0.0"}, after.Versions())
	assert.Equal(t, [][]string{{"1.0.0"}, {"1.1.0", "1.0.0"}}, seen)
}

func TestRegistryRequiresRoot(t *testing.T) {
	_, err := New(Options{}, discard, nil, nil)
	require.Error(t, err)

	_, err = New(testOptions(filepath.Join(t.TempDir(), "absent")), discard, nil, nil)
	require.Error(t, err)
}

func TestRegistryWatchPicksUpNewVersions(t *testing.T) {
	root := newRoot(t)
	provision(t, root, "1.0.0")

	reg, err := New(testOptions(root), discard, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- reg.Watch(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Give the watcher a moment to register before provisioning.
	time.Sleep(50 * time.Millisecond)

	staging := t.TempDir()
	provision(t, staging, "1.2.0")
	require.NoError(t, os.Rename(filepath.Join(staging, "1.2.0"), filepath.Join(root, "1.2.0")))

	require.Eventually(t, func() bool {
		versions := reg.Versions()
		return len(versions) == 2 && versions[0] == "1.2.0"
	}, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, os.RemoveAll(filepath.Join(root, "1.0.0")))
	require.Eventually(t, func() bool {
		versions := reg.Versions()
		return len(versions) == 1 && versions[0] == "1.2.0"
	}, 3*time.Second, 20*time.Millisecond)
}

func TestRegistryWatchPicksUpInterpreterCreatedInPlace(t *testing.T) {
	root := newRoot(t)
	provision(t, root, "1.0.0")

	reg, err := New(testOptions(root), discard, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- reg.Watch(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	time.Sleep(50 * time.Millisecond)

	// Each step lands well after the previous refresh has settled.
	dir := filepath.Join(root, "1.3.0")
	require.NoError(t, os.Mkdir(dir, 0o755))
	time.Sleep(300 * time.Millisecond)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "venv"), 0o755))
	time.Sleep(300 * time.Millisecond)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "venv", "bin"), 0o755))
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, []string{"1.0.0"}, reg.Versions())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "venv", "bin", "python"), []byte("#!/bin/sh\n"), 0o755))

	require.Eventually(t, func() bool {
		versions := reg.Versions()
		return len(versions) == 2 && versions[0] == "1.3.0"
	}, 3*time.Second, 20*time.Millisecond)
}

func TestWatchRelevantEvents(t *testing.T) {
	root := filepath.Join(string(filepath.Separator), "opt", "sigma")
	depth := watchDepth(filepath.Join("venv", "bin", "python"))
	require.Equal(t, 3, depth)

	tests := []struct {
		name  string
		path  string
		op    fsnotify.Op
		wants bool
	}{
		{name: "version directory", path: "1.2.0", op: fsnotify.Create, wants: true},
		{name: "interpreter", path: "1.2.0/venv/bin/python", op: fsnotify.Create, wants: true},
		{name: "chmod interpreter", path: "1.2.0/venv/bin/python", op: fsnotify.Chmod, wants: true},
		{name: "site packages", path: "1.2.0/venv/lib/python3.12/site-packages", op: fsnotify.Create, wants: false},
		{name: "write only", path: "1.2.0/venv/bin/python", op: fsnotify.Write, wants: false},
		{name: "root itself", path: ".", op: fsnotify.Remove, wants: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event := fsnotify.Event{Name: filepath.Join(root, filepath.FromSlash(tt.path)), Op: tt.op}
			assert.Equal(t, tt.wants, relevant(root, depth, event))
		})
	}

	assert.Equal(t, 1, watchDepth("python"))
}
