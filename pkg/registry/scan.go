package registry

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/polisai/sigma-convertd/pkg/domain"
)

// provisioned describes one verifiably runnable engine directory.
type provisioned struct {
	version     domain.Version
	dir         string
	interpreter string
	worker      string
}

// scanRoot walks the direct children of opts.Root and returns the runnable
// versions, newest first. Directories whose names are not dotted numeric
// versions are skipped silently; malformed installations are skipped with a
// warning.
func scanRoot(opts Options, logger *slog.Logger) ([]provisioned, error) {
	entries, err := os.ReadDir(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("read engines root %s: %w", opts.Root, err)
	}

	byVersion := make(map[string]provisioned, len(entries))
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		v, err := domain.ParseVersion(entry.Name())
		if err != nil {
			continue
		}
		if _, dup := byVersion[v.String()]; dup {
			logger.Warn("Duplicate engine version directory ignored", "dir", entry.Name(), "version", v.String())
			continue
		}

		dir := filepath.Join(opts.Root, entry.Name())
		p, err := inspect(opts, v, dir)
		if err != nil {
			logger.Debug("Skipping engine directory", "dir", dir, "error", err)
			continue
		}
		byVersion[v.String()] = p
		names = append(names, v.String())
	}

	sorted := domain.SortVersionsDesc(names)
	out := make([]provisioned, 0, len(sorted))
	for _, v := range sorted {
		out = append(out, byVersion[v.String()])
	}
	return out, nil
}

func inspect(opts Options, v domain.Version, dir string) (provisioned, error) {
	interpreter := filepath.Join(dir, opts.Interpreter)
	info, err := os.Stat(interpreter)
	if err != nil {
		return provisioned{}, fmt.Errorf("interpreter: %w", err)
	}
	if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
		return provisioned{}, fmt.Errorf("interpreter %s is not executable", interpreter)
	}

	worker := opts.Worker
	if local := filepath.Join(dir, filepath.Base(opts.Worker)); fileExists(local) {
		worker = local
	}
	if !fileExists(worker) {
		return provisioned{}, fmt.Errorf("worker script %s not found", worker)
	}

	return provisioned{version: v, dir: dir, interpreter: interpreter, worker: worker}, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
