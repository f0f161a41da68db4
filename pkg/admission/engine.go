// Package admission gates conversion requests with an optional Rego policy.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
)

const defaultEntrypoint = "convertd/admission/decision"

// Input is the document evaluated by the policy. Rule and pipeline bodies are
// not exposed, only their sizes and counts.
type Input struct {
	Version         string   `json:"version"`
	Target          string   `json:"target"`
	Format          string   `json:"format"`
	Pipelines       []string `json:"pipelines"`
	CustomPipelines int      `json:"custom_pipelines"`
	RuleBytes       int      `json:"rule_bytes"`
}

func (in Input) toMap() map[string]any {
	pipelines := make([]any, len(in.Pipelines))
	for i, p := range in.Pipelines {
		pipelines[i] = p
	}
	return map[string]any{
		"version":          in.Version,
		"target":           in.Target,
		"format":           in.Format,
		"pipelines":        pipelines,
		"custom_pipelines": in.CustomPipelines,
		"rule_bytes":       in.RuleBytes,
	}
}

// Decision is the outcome of one evaluation.
type Decision struct {
	Allow  bool
	Reason string
}

// Options control engine construction.
type Options struct {
	// Entrypoint is the decision path, e.g. "convertd/admission/decision".
	Entrypoint string
	// Modules maps module names to Rego source.
	Modules map[string]string
}

// Engine evaluates admission decisions with an embedded OPA instance.
type Engine struct {
	entrypoint string
	prepared   rego.PreparedEvalQuery
	logger     *slog.Logger
}

// NewEngine parses and compiles the modules and prepares the decision query.
func NewEngine(ctx context.Context, opts Options, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(opts.Modules) == 0 {
		return nil, errors.New("admission engine requires at least one rego module")
	}

	entry := strings.Trim(strings.TrimSpace(opts.Entrypoint), "/")
	if entry == "" {
		entry = defaultEntrypoint
	}

	names := make([]string, 0, len(opts.Modules))
	for name := range opts.Modules {
		names = append(names, name)
	}
	sort.Strings(names)

	regoOpts := []func(*rego.Rego){rego.Query("data." + strings.ReplaceAll(entry, "/", "."))}
	for _, name := range names {
		module, err := ast.ParseModuleWithOpts(name, opts.Modules[name], ast.ParserOptions{RegoVersion: ast.RegoV1})
		if err != nil {
			return nil, fmt.Errorf("parse rego module %q: %w", name, err)
		}
		regoOpts = append(regoOpts, rego.ParsedModule(module))
	}

	prepared, err := rego.New(regoOpts...).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile rego modules: %w", err)
	}

	return &Engine{entrypoint: entry, prepared: prepared, logger: logger}, nil
}

// LoadFile builds an engine from a single Rego file.
func LoadFile(ctx context.Context, path string, logger *slog.Logger) (*Engine, error) {
	//nolint:gosec // Policy path is controlled by admin/operator
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file %s: %w", path, err)
	}
	return NewEngine(ctx, Options{Modules: map[string]string{filepath.Base(path): string(src)}}, logger)
}

// Admit evaluates the policy. An undefined decision allows the request.
func (e *Engine) Admit(ctx context.Context, in Input) (Decision, error) {
	results, err := e.prepared.Eval(ctx, rego.EvalInput(in.toMap()))
	if err != nil {
		return Decision{}, fmt.Errorf("opa decision: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		e.logger.Debug("Admission decision undefined, allowing", "entrypoint", e.entrypoint)
		return Decision{Allow: true}, nil
	}

	switch value := results[0].Expressions[0].Value.(type) {
	case bool:
		return Decision{Allow: value}, nil
	case map[string]any:
		allow, ok := value["allow"].(bool)
		if !ok {
			return Decision{}, fmt.Errorf("opa decision: allow must be a boolean, got %T", value["allow"])
		}
		reason, _ := value["reason"].(string)
		return Decision{Allow: allow, Reason: reason}, nil
	default:
		return Decision{}, fmt.Errorf("opa decision: unexpected result type %T", value)
	}
}
