package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/polisai/sigma-convertd/pkg/admission"
	"github.com/polisai/sigma-convertd/pkg/api"
	"github.com/polisai/sigma-convertd/pkg/config"
	"github.com/polisai/sigma-convertd/pkg/dispatch"
	"github.com/polisai/sigma-convertd/pkg/engine"
	"github.com/polisai/sigma-convertd/pkg/pipeline"
	"github.com/polisai/sigma-convertd/pkg/registry"
	"github.com/polisai/sigma-convertd/pkg/telemetry"
)

// runtime is the wired service graph shared by serve and the one-shot commands.
type runtime struct {
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
}

// buildRuntime wires registry, composer, admission and dispatcher from cfg.
// metrics is nil for one-shot commands.
func buildRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger, metrics *api.Metrics) (*runtime, error) {
	var processMetrics engine.ProcessMetrics
	if metrics != nil {
		processMetrics = metrics
	}

	reg, err := registry.New(registry.Options{
		Root:         cfg.Engines.Root,
		Interpreter:  cfg.Engines.Interpreter,
		Worker:       cfg.Engines.WorkerPath(),
		Timeout:      cfg.Engines.Timeout,
		CacheCatalog: cfg.Engines.CacheCatalog,
	}, logger.With("component", "registry"), processMetrics, telemetry.NewEnvPropagator(nil))
	if err != nil {
		return nil, fmt.Errorf("failed to build engine registry: %w", err)
	}

	composer := pipeline.NewComposer(pipeline.Options{
		EnforceCustomTargets: cfg.Pipelines.EnforceCustomTargets,
	}, logger.With("component", "pipeline"))

	var options []dispatch.Option
	if cfg.Admission.PolicyFile != "" {
		gate, err := admission.LoadFile(ctx, cfg.Admission.PolicyFile, logger.With("component", "admission"))
		if err != nil {
			return nil, fmt.Errorf("failed to load admission policy: %w", err)
		}
		options = append(options, dispatch.WithAdmission(gate))
	}
	if metrics != nil {
		options = append(options, dispatch.WithRecorder(metrics))
	}

	dispatcher := dispatch.New(reg, composer, dispatch.Options{
		FirstQueryOnly: cfg.Dispatch.FirstQueryOnly,
	}, logger.With("component", "dispatch"), options...)

	return &runtime{registry: reg, dispatcher: dispatcher}, nil
}
