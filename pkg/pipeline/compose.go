// Package pipeline resolves named processing pipelines, parses custom ones and
// composes them into the ordered chain handed to a conversion engine.
package pipeline

import (
	"context"
	"log/slog"

	"github.com/polisai/sigma-convertd/pkg/domain"
)

// Composed is an ordered chain of pipeline stages: named pipelines in
// submission order followed by custom pipelines in document order.
type Composed struct {
	Stages []domain.PipelineStage
}

// Concat returns the stages of a followed by the stages of b. Neither input
// is modified.
func Concat(a, b Composed) Composed {
	stages := make([]domain.PipelineStage, 0, len(a.Stages)+len(b.Stages))
	stages = append(stages, a.Stages...)
	stages = append(stages, b.Stages...)
	return Composed{Stages: stages}
}

// Len returns the number of stages.
func (c Composed) Len() int {
	return len(c.Stages)
}

// Names returns the identifiers of the named stages, in order.
func (c Composed) Names() []string {
	names := make([]string, 0, len(c.Stages))
	for _, s := range c.Stages {
		if !s.IsCustom() {
			names = append(names, s.Name)
		}
	}
	return names
}

// CustomCount returns the number of custom stages.
func (c Composed) CustomCount() int {
	n := 0
	for _, s := range c.Stages {
		if s.IsCustom() {
			n++
		}
	}
	return n
}

// Options tunes composition.
type Options struct {
	// EnforceCustomTargets rejects custom pipelines whose allowed_backends
	// declaration excludes the requested target.
	EnforceCustomTargets bool
}

// Composer builds a fresh Composed chain per request. It holds no state
// besides its options and is safe for concurrent use.
type Composer struct {
	opts   Options
	logger *slog.Logger
}

// NewComposer creates a composer.
func NewComposer(opts Options, logger *slog.Logger) *Composer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Composer{opts: opts, logger: logger}
}

// Named resolves ids against the catalog's pipelines for target. Order and
// duplicates are preserved; an unknown or incompatible id fails the whole call.
func (c *Composer) Named(ctx context.Context, catalog domain.Catalog, target string, ids []string) (Composed, error) {
	if len(ids) == 0 {
		return Composed{}, nil
	}

	available, err := catalog.Pipelines(ctx, target)
	if err != nil {
		return Composed{}, domain.Classify(err, domain.KindInternalEngine)
	}

	known := make(map[string]domain.PipelineInfo, len(available))
	for _, p := range available {
		known[p.ID] = p
	}

	stages := make([]domain.PipelineStage, 0, len(ids))
	for _, id := range ids {
		info, ok := known[id]
		if !ok || !info.AllowsTarget(target) {
			return Composed{}, domain.Errorf(domain.KindUnknownPipeline,
				"pipeline %q is not available for target %q", id, target)
		}
		stages = append(stages, domain.PipelineStage{Name: id})
	}
	return Composed{Stages: stages}, nil
}

// Custom parses customText into stages, one per document.
func (c *Composer) Custom(target, customText string) (Composed, error) {
	segments, defs, err := ParseDocuments(customText)
	if err != nil {
		return Composed{}, err
	}

	stages := make([]domain.PipelineStage, 0, len(segments))
	for i, seg := range segments {
		if c.opts.EnforceCustomTargets && !defs[i].AllowsTarget(target) {
			return Composed{}, domain.Errorf(domain.KindUnknownPipeline,
				"custom pipeline document %d (%s) does not allow target %q", seg.Index, displayName(defs[i]), target)
		}
		stages = append(stages, domain.PipelineStage{Custom: seg.Text})
	}
	return Composed{Stages: stages}, nil
}

// Compose resolves the named pipelines, parses the custom ones and
// concatenates them. The target must already have been validated.
func (c *Composer) Compose(ctx context.Context, catalog domain.Catalog, target string, ids []string, customText string) (Composed, error) {
	named, err := c.Named(ctx, catalog, target, ids)
	if err != nil {
		return Composed{}, err
	}

	custom, err := c.Custom(target, customText)
	if err != nil {
		return Composed{}, err
	}

	composed := Concat(named, custom)
	c.logger.Debug("Pipeline composed",
		"target", target,
		"named", composed.Names(),
		"custom", composed.CustomCount(),
	)
	return composed, nil
}

func displayName(d *Definition) string {
	if d.Name == "" {
		return "unnamed"
	}
	return d.Name
}
