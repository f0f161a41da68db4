package engine

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/polisai/sigma-convertd/pkg/domain"
)

// Operations understood by an engine worker. The operation is passed as the
// single command-line argument after the worker script.
const (
	OpTargets   = "targets"
	OpFormats   = "formats"
	OpPipelines = "pipelines"
	OpConvert   = "convert"
)

// workerRequest is written to the worker's stdin as one JSON document.
type workerRequest struct {
	Target    string        `json:"target,omitempty"`
	Format    string        `json:"format,omitempty"`
	Rule      string        `json:"rule,omitempty"`
	Pipelines []workerStage `json:"pipelines,omitempty"`
}

// workerStage is a composed pipeline stage on the wire. Exactly one of
// Name and YAML is set.
type workerStage struct {
	Name string `json:"name,omitempty"`
	YAML string `json:"yaml,omitempty"`
}

func toWorkerStages(stages []domain.PipelineStage) []workerStage {
	if len(stages) == 0 {
		return nil
	}
	out := make([]workerStage, len(stages))
	for i, s := range stages {
		out[i] = workerStage{Name: s.Name, YAML: s.Custom}
	}
	return out
}

// catalogEntry accepts either a bare string or an object. Older workers print
// plain identifier lists.
type catalogEntry struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Description    string   `json:"description"`
	AllowedTargets []string `json:"allowed_targets"`
	// AllowedBackends is the spelling used by the rule toolchain itself.
	AllowedBackends []string `json:"allowed_backends"`
}

func (e *catalogEntry) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return err
		}
		*e = catalogEntry{ID: id}
		return nil
	}

	type plain catalogEntry
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*e = catalogEntry(p)
	if e.ID == "" {
		e.ID = e.Name
	}
	if len(e.AllowedTargets) == 0 {
		e.AllowedTargets = e.AllowedBackends
	}
	return nil
}

type targetsResponse struct {
	Targets []catalogEntry `json:"targets"`
}

type formatsResponse struct {
	Formats []catalogEntry `json:"formats"`
}

type pipelinesResponse struct {
	Pipelines []catalogEntry `json:"pipelines"`
}

// queryList decodes either a single query string or a list of them.
type queryList []string

func (q *queryList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*q = nil
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*q = queryList{s}
		return nil
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("queries must be a string or a list: %w", err)
	}
	out := make(queryList, 0, len(raw))
	for i, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err != nil {
			// Structured output formats emit objects; keep their JSON text.
			s = string(bytes.TrimSpace(item))
			if s == "" {
				return fmt.Errorf("query %d is empty", i)
			}
		}
		out = append(out, s)
	}
	*q = out
	return nil
}

type convertResponse struct {
	Queries queryList `json:"queries"`
}

func (r targetsResponse) toDomain() []domain.Target {
	out := make([]domain.Target, 0, len(r.Targets))
	for _, e := range r.Targets {
		if e.ID == "" {
			continue
		}
		desc := e.Description
		if desc == "" {
			desc = e.ID
		}
		out = append(out, domain.Target{ID: e.ID, Description: desc})
	}
	return out
}

func (r formatsResponse) toDomain() []domain.Format {
	out := make([]domain.Format, 0, len(r.Formats))
	for _, e := range r.Formats {
		if e.ID == "" {
			continue
		}
		desc := e.Description
		if desc == "" {
			desc = e.ID
		}
		out = append(out, domain.Format{ID: e.ID, Description: desc})
	}
	return out
}

func (r pipelinesResponse) toDomain() []domain.PipelineInfo {
	out := make([]domain.PipelineInfo, 0, len(r.Pipelines))
	for _, e := range r.Pipelines {
		if e.ID == "" {
			continue
		}
		allowed := e.AllowedTargets
		if allowed == nil {
			allowed = []string{}
		}
		out = append(out, domain.PipelineInfo{ID: e.ID, AllowedTargets: allowed})
	}
	return out
}
