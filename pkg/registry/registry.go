// Package registry discovers provisioned engine versions and resolves a
// requested version to an isolated engine instance.
package registry

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/polisai/sigma-convertd/pkg/domain"
	"github.com/polisai/sigma-convertd/pkg/engine"
)

// Options configures discovery and the engine instances it creates.
type Options struct {
	// Root holds one directory per provisioned version.
	Root string
	// Interpreter is relative to each version directory.
	Interpreter string
	// Worker is the default worker script. A file with the same base name
	// inside a version directory overrides it.
	Worker       string
	Timeout      time.Duration
	CacheCatalog bool
	// Env is appended to the service environment for every engine process.
	Env []string
}

// Snapshot is an immutable view of the provisioned versions. A new snapshot
// replaces the old one atomically on refresh; readers never lock.
type Snapshot struct {
	Generation int64
	versions   []domain.Version
	engines    map[string]domain.Engine
}

// Versions returns the provisioned versions, newest first.
func (s *Snapshot) Versions() []string {
	out := make([]string, len(s.versions))
	for i, v := range s.versions {
		out[i] = v.String()
	}
	return out
}

// Latest returns the highest provisioned version.
func (s *Snapshot) Latest() (string, bool) {
	if len(s.versions) == 0 {
		return "", false
	}
	return s.versions[0].String(), true
}

// Lookup returns the engine for a canonical version string.
func (s *Snapshot) Lookup(version string) (domain.Engine, bool) {
	e, ok := s.engines[version]
	return e, ok
}

// Registry owns the current snapshot and rebuilds it from disk on demand.
type Registry struct {
	opts    Options
	logger  *slog.Logger
	metrics engine.ProcessMetrics
	tracing engine.ProcessTracer

	current   atomic.Pointer[Snapshot]
	refreshMu sync.Mutex

	listenersMu sync.RWMutex
	listeners   []func(*Snapshot)
}

// New creates a registry and performs the initial scan.
func New(opts Options, logger *slog.Logger, metrics engine.ProcessMetrics, tracing engine.ProcessTracer) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(opts.Root) == "" {
		return nil, fmt.Errorf("engines root is required")
	}

	r := &Registry{
		opts:    opts,
		logger:  logger,
		metrics: metrics,
		tracing: tracing,
	}
	r.current.Store(&Snapshot{engines: map[string]domain.Engine{}})

	if err := r.Refresh(); err != nil {
		return nil, err
	}
	return r, nil
}

// OnRefresh registers fn to be called with every new snapshot.
func (r *Registry) OnRefresh(fn func(*Snapshot)) {
	r.listenersMu.Lock()
	r.listeners = append(r.listeners, fn)
	r.listenersMu.Unlock()
	fn(r.Snapshot())
}

// Refresh rescans the engines root and swaps in a new snapshot. On error the
// previous snapshot stays active.
func (r *Registry) Refresh() error {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	found, err := scanRoot(r.opts, r.logger)
	if err != nil {
		return err
	}

	prev := r.current.Load()
	next := &Snapshot{
		Generation: prev.Generation + 1,
		versions:   make([]domain.Version, 0, len(found)),
		engines:    make(map[string]domain.Engine, len(found)),
	}
	for _, p := range found {
		var eng domain.Engine = engine.NewProcessInstance(engine.ProcessConfig{
			Version:     p.version.String(),
			Interpreter: p.interpreter,
			Worker:      p.worker,
			WorkDir:     p.dir,
			Env:         r.opts.Env,
			Timeout:     r.opts.Timeout,
		}, r.logger, r.metrics, r.tracing)
		if r.opts.CacheCatalog {
			eng = engine.NewCachedCatalog(eng)
		}
		next.versions = append(next.versions, p.version)
		next.engines[p.version.String()] = eng
	}

	r.current.Store(next)
	r.logger.Info("Engine versions loaded",
		"root", r.opts.Root,
		"versions", next.Versions(),
		"generation", next.Generation,
	)

	r.listenersMu.RLock()
	listeners := make([]func(*Snapshot), len(r.listeners))
	copy(listeners, r.listeners)
	r.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(next)
	}
	return nil
}

// Snapshot returns the current snapshot.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Versions lists the provisioned versions, newest first.
func (r *Registry) Versions() []string {
	return r.Snapshot().Versions()
}

// Resolve maps a requested version to its engine. "latest" resolves to the
// highest provisioned version and a leading "v" is ignored. The canonical
// version is returned alongside the engine.
func (r *Registry) Resolve(version string) (domain.Engine, string, error) {
	snap := r.Snapshot()

	requested := strings.TrimSpace(version)
	if requested == domain.LatestVersion {
		latest, ok := snap.Latest()
		if !ok {
			return nil, "", domain.Errorf(domain.KindEngineNotFound, "no engine versions are provisioned")
		}
		requested = latest
	}

	v, err := domain.ParseVersion(requested)
	if err != nil {
		return nil, "", domain.Errorf(domain.KindEngineNotFound, "version %q is not provisioned", version)
	}
	eng, ok := snap.Lookup(v.String())
	if !ok {
		return nil, "", domain.Errorf(domain.KindEngineNotFound, "version %q is not provisioned", version)
	}
	return eng, v.String(), nil
}
