package domain

import "context"

// Target is a conversion backend offered by one engine instance.
type Target struct {
	ID          string `json:"id"`
	Description string `json:"description"`
}

// Format is an output variant scoped to a single target.
type Format struct {
	ID          string `json:"id"`
	Description string `json:"description"`
}

// PipelineInfo describes a named, built-in processing pipeline.
// An empty AllowedTargets set means the pipeline applies to every target.
type PipelineInfo struct {
	ID             string   `json:"id"`
	AllowedTargets []string `json:"allowed_targets"`
}

// AllowsTarget reports whether the pipeline may be applied to target.
func (p PipelineInfo) AllowsTarget(target string) bool {
	if len(p.AllowedTargets) == 0 {
		return true
	}
	for _, t := range p.AllowedTargets {
		if t == target {
			return true
		}
	}
	return false
}

// PipelineStage is one element of a composed pipeline: either a named
// pipeline resolved from the catalog or a custom YAML definition.
type PipelineStage struct {
	Name   string `json:"name,omitempty"`
	Custom string `json:"yaml,omitempty"`
}

// IsCustom reports whether the stage carries an ad-hoc definition.
func (s PipelineStage) IsCustom() bool {
	return s.Custom != ""
}

// ConvertRequest is the input of one engine conversion.
type ConvertRequest struct {
	Rule      string
	Target    string
	Format    string
	Pipelines []PipelineStage
}

// ConversionResult carries the queries generated for one rule document.
type ConversionResult struct {
	Version string   `json:"version"`
	Target  string   `json:"target"`
	Format  string   `json:"format"`
	Queries []string `json:"queries"`
}

// Catalog is the read-only view of one engine instance.
type Catalog interface {
	Targets(ctx context.Context) ([]Target, error)
	Formats(ctx context.Context, target string) ([]Format, error)
	// Pipelines lists the named pipelines compatible with target, or every
	// pipeline when target is empty.
	Pipelines(ctx context.Context, target string) ([]PipelineInfo, error)
}

// Engine is an isolated, version-pinned conversion engine.
type Engine interface {
	Catalog
	Convert(ctx context.Context, req ConvertRequest) ([]string, error)
}

// HasTarget reports whether id is among targets.
func HasTarget(targets []Target, id string) bool {
	for _, t := range targets {
		if t.ID == id {
			return true
		}
	}
	return false
}

// FilterPipelines keeps the pipelines that allow target. An empty target
// keeps everything.
func FilterPipelines(pipelines []PipelineInfo, target string) []PipelineInfo {
	if target == "" {
		return pipelines
	}
	out := make([]PipelineInfo, 0, len(pipelines))
	for _, p := range pipelines {
		if p.AllowsTarget(target) {
			out = append(out, p)
		}
	}
	return out
}
