package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/sigma-convertd/pkg/domain"
	"github.com/polisai/sigma-convertd/pkg/telemetry"
)

// ProcessMetrics defines the metrics interface needed by ProcessInstance.
// UpdateProcessStatus is called with running=true when a worker starts and
// running=false when it exits.
type ProcessMetrics interface {
	UpdateProcessStatus(version string, running bool)
}

// ProcessTracer defines the tracing interface needed by ProcessInstance
type ProcessTracer interface {
	InjectProcessEnv(ctx context.Context, env []string) []string
}

// ProcessConfig locates one provisioned engine version.
type ProcessConfig struct {
	Version     string
	Interpreter string
	Worker      string
	WorkDir     string
	Env         []string
	Timeout     time.Duration
}

// ProcessInstance is a domain.Engine backed by a worker script run under a
// version-specific interpreter. Each operation spawns a fresh process, so no
// state is shared between invocations or versions.
type ProcessInstance struct {
	cfg     ProcessConfig
	logger  *slog.Logger
	metrics ProcessMetrics
	tracing ProcessTracer
}

// NewProcessInstance creates an engine instance for one provisioned version.
func NewProcessInstance(cfg ProcessConfig, logger *slog.Logger, metrics ProcessMetrics, tracing ProcessTracer) *ProcessInstance {
	if logger == nil {
		logger = slog.Default()
	}

	return &ProcessInstance{
		cfg:     cfg,
		logger:  logger.With("version", cfg.Version),
		metrics: metrics,
		tracing: tracing,
	}
}

// Version returns the engine version this instance runs.
func (p *ProcessInstance) Version() string {
	return p.cfg.Version
}

// Config returns the process configuration.
func (p *ProcessInstance) Config() ProcessConfig {
	return p.cfg
}

// Targets lists the conversion targets the engine offers.
func (p *ProcessInstance) Targets(ctx context.Context) ([]domain.Target, error) {
	var resp targetsResponse
	if err := p.invoke(ctx, OpTargets, workerRequest{}, &resp); err != nil {
		return nil, err
	}
	return resp.toDomain(), nil
}

// Formats lists the output formats of target.
func (p *ProcessInstance) Formats(ctx context.Context, target string) ([]domain.Format, error) {
	var resp formatsResponse
	if err := p.invoke(ctx, OpFormats, workerRequest{Target: target}, &resp); err != nil {
		return nil, err
	}
	return resp.toDomain(), nil
}

// Pipelines lists the named pipelines compatible with target. The engine
// reports every pipeline with its allowed targets; filtering happens here.
func (p *ProcessInstance) Pipelines(ctx context.Context, target string) ([]domain.PipelineInfo, error) {
	var resp pipelinesResponse
	if err := p.invoke(ctx, OpPipelines, workerRequest{Target: target}, &resp); err != nil {
		return nil, err
	}
	return domain.FilterPipelines(resp.toDomain(), target), nil
}

// Convert runs one conversion and returns the engine's queries in order.
func (p *ProcessInstance) Convert(ctx context.Context, req domain.ConvertRequest) ([]string, error) {
	var resp convertResponse
	wreq := workerRequest{
		Target:    req.Target,
		Format:    req.Format,
		Rule:      req.Rule,
		Pipelines: toWorkerStages(req.Pipelines),
	}
	if err := p.invoke(ctx, OpConvert, wreq, &resp); err != nil {
		return nil, err
	}
	if resp.Queries == nil {
		return []string{}, nil
	}
	return []string(resp.Queries), nil
}

func (p *ProcessInstance) invoke(ctx context.Context, op string, req workerRequest, out any) (err error) {
	start := time.Now()

	ctx, span := telemetry.Tracer().Start(ctx, "engine."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("engine.version", p.cfg.Version),
			attribute.String("engine.operation", op),
		),
	)
	defer func() {
		outcome := telemetry.OutcomeOK
		if err != nil {
			outcome = string(domain.KindOf(err))
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		}
		span.End()
		telemetry.RecordEngineInvocation(ctx, telemetry.EngineInvocation{
			Version:   p.cfg.Version,
			Operation: op,
			Target:    req.Target,
			Outcome:   outcome,
			Duration:  time.Since(start),
		})
	}()

	payload, err := json.Marshal(req)
	if err != nil {
		return domain.Errorf(domain.KindInternalEngine, "encode engine request: %w", err)
	}

	runCtx := ctx
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	//nolint:gosec // Interpreter and worker paths come from the provisioned engines root.
	cmd := exec.CommandContext(runCtx, p.cfg.Interpreter, p.cfg.Worker, op)
	if p.cfg.WorkDir != "" {
		cmd.Dir = p.cfg.WorkDir
	}
	// Grandchildren holding the pipes open must not stall the request.
	cmd.WaitDelay = time.Second

	processEnv := append(os.Environ(), p.cfg.Env...)
	if p.tracing != nil {
		processEnv = p.tracing.InjectProcessEnv(ctx, processEnv)
	}
	cmd.Env = processEnv

	var stdout, stderr bytes.Buffer
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if p.metrics != nil {
		p.metrics.UpdateProcessStatus(p.cfg.Version, true)
	}
	runErr := cmd.Run()
	if p.metrics != nil {
		p.metrics.UpdateProcessStatus(p.cfg.Version, false)
	}

	p.logStderr(op, stderr.String())

	if runErr != nil {
		classified := classifyRunError(runCtx, runErr, stderr.String())
		p.logger.Debug("Engine invocation failed",
			"operation", op,
			"error", classified,
			"duration", time.Since(start),
		)
		return classified
	}

	if err := json.Unmarshal(stdout.Bytes(), out); err != nil {
		return domain.Errorf(domain.KindInternalEngine, "malformed %s response from engine: %w", op, err)
	}

	p.logger.Debug("Engine invocation finished", "operation", op, "duration", time.Since(start))
	return nil
}

func (p *ProcessInstance) logStderr(op, stderr string) {
	if stderr == "" || !p.logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	scanner := bufio.NewScanner(strings.NewReader(stderr))
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			p.logger.Debug("Engine stderr", "operation", op, "line", line)
		}
	}
}

// String describes the instance for logs.
func (p *ProcessInstance) String() string {
	return fmt.Sprintf("engine %s (%s %s)", p.cfg.Version, p.cfg.Interpreter, p.cfg.Worker)
}
