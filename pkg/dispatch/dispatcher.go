// Package dispatch routes conversion and catalog requests to the engine
// instance selected by version.
package dispatch

import (
	"context"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/sigma-convertd/pkg/admission"
	"github.com/polisai/sigma-convertd/pkg/domain"
	"github.com/polisai/sigma-convertd/pkg/pipeline"
	"github.com/polisai/sigma-convertd/pkg/telemetry"
)

// Resolver selects engine instances by version.
type Resolver interface {
	Resolve(version string) (domain.Engine, string, error)
	Versions() []string
}

// Admitter decides whether a conversion may proceed.
type Admitter interface {
	Admit(ctx context.Context, in admission.Input) (admission.Decision, error)
}

// ConversionRecorder observes the outcome of every conversion.
type ConversionRecorder interface {
	ObserveConversion(version, target, outcome string)
}

// Request is one conversion request, with rule and custom pipeline text
// already decoded.
type Request struct {
	Version         string
	Target          string
	Format          string
	Rule            string
	Pipelines       []string
	CustomPipelines string
}

// Options tunes the dispatcher.
type Options struct {
	// FirstQueryOnly keeps only the first generated query.
	FirstQueryOnly bool
}

// Dispatcher runs conversions and catalog lookups. It keeps no per-request
// state and is safe for concurrent use.
type Dispatcher struct {
	registry Resolver
	composer *pipeline.Composer
	admitter Admitter
	recorder ConversionRecorder
	opts     Options
	logger   *slog.Logger
}

// Option configures optional collaborators.
type Option func(*Dispatcher)

// WithAdmission gates conversions with a.
func WithAdmission(a Admitter) Option {
	return func(d *Dispatcher) { d.admitter = a }
}

// WithRecorder reports conversion outcomes to r.
func WithRecorder(r ConversionRecorder) Option {
	return func(d *Dispatcher) { d.recorder = r }
}

// New creates a dispatcher.
func New(registry Resolver, composer *pipeline.Composer, opts Options, logger *slog.Logger, options ...Option) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if composer == nil {
		composer = pipeline.NewComposer(pipeline.Options{}, logger)
	}
	d := &Dispatcher{
		registry: registry,
		composer: composer,
		opts:     opts,
		logger:   logger,
	}
	for _, o := range options {
		o(d)
	}
	return d
}

// ListVersions returns the provisioned versions, newest first.
func (d *Dispatcher) ListVersions() []string {
	versions := d.registry.Versions()
	if versions == nil {
		return []string{}
	}
	return versions
}

// ListTargets returns the targets offered by version.
func (d *Dispatcher) ListTargets(ctx context.Context, version string) (_ []domain.Target, err error) {
	ctx, span := d.startSpan(ctx, "dispatch.targets", version, "", "")
	defer func() { endSpan(span, err) }()

	eng, _, err := d.registry.Resolve(version)
	if err != nil {
		return nil, err
	}
	targets, err := eng.Targets(ctx)
	if err != nil {
		return nil, domain.Classify(err, domain.KindInternalEngine)
	}
	return targets, nil
}

// ListFormats returns the formats registered under target.
func (d *Dispatcher) ListFormats(ctx context.Context, version, target string) (_ []domain.Format, err error) {
	ctx, span := d.startSpan(ctx, "dispatch.formats", version, target, "")
	defer func() { endSpan(span, err) }()

	target = strings.TrimSpace(target)
	if target == "" {
		return nil, domain.Errorf(domain.KindInvalidRequest, "no backend specified")
	}

	eng, _, err := d.registry.Resolve(version)
	if err != nil {
		return nil, err
	}
	if err := requireTarget(ctx, eng, target); err != nil {
		return nil, err
	}

	formats, err := eng.Formats(ctx, target)
	if err != nil {
		return nil, domain.Classify(err, domain.KindInternalEngine)
	}
	return formats, nil
}

// ListPipelines returns the named pipelines of version. A non-empty target
// keeps only the pipelines that allow it.
func (d *Dispatcher) ListPipelines(ctx context.Context, version, target string) (_ []domain.PipelineInfo, err error) {
	target = strings.TrimSpace(target)
	ctx, span := d.startSpan(ctx, "dispatch.pipelines", version, target, "")
	defer func() { endSpan(span, err) }()

	eng, _, err := d.registry.Resolve(version)
	if err != nil {
		return nil, err
	}
	// The full list is fetched and filtered here so that arbitrary target
	// strings never reach the engine or its per-target cache.
	pipelines, err := eng.Pipelines(ctx, "")
	if err != nil {
		return nil, domain.Classify(err, domain.KindInternalEngine)
	}
	return domain.FilterPipelines(pipelines, target), nil
}

// Convert validates the rule, resolves the engine, applies the admission
// policy, checks the target, composes the pipeline chain and converts the
// rule. Each step fails fast with a classified error; nothing is retried.
func (d *Dispatcher) Convert(ctx context.Context, req Request) (result domain.ConversionResult, err error) {
	ctx, span := d.startSpan(ctx, "dispatch.convert", req.Version, req.Target, req.Format)
	// Metric labels stay bounded until version and target are validated.
	versionLabel, targetLabel := telemetry.UnknownLabel, telemetry.UnknownLabel
	defer func() {
		outcome := telemetry.OutcomeOK
		if err != nil {
			outcome = string(domain.KindOf(err))
			telemetry.RecordConversionEvent(span, 0, outcome)
		} else {
			telemetry.RecordConversionEvent(span, len(result.Queries), "")
		}
		if d.recorder != nil {
			d.recorder.ObserveConversion(versionLabel, targetLabel, outcome)
		}
		endSpan(span, err)
	}()

	if err := ValidateRuleYAML(req.Rule); err != nil {
		return domain.ConversionResult{}, err
	}

	eng, canonical, err := d.registry.Resolve(req.Version)
	if err != nil {
		return domain.ConversionResult{}, err
	}
	versionLabel = canonical

	// Policies see the resolved version, so aliases cannot sidestep them.
	if err := d.admit(ctx, span, canonical, req); err != nil {
		return domain.ConversionResult{}, err
	}

	if err := requireTarget(ctx, eng, req.Target); err != nil {
		return domain.ConversionResult{}, err
	}
	targetLabel = req.Target

	composed, err := d.composer.Compose(ctx, eng, req.Target, req.Pipelines, req.CustomPipelines)
	if err != nil {
		return domain.ConversionResult{}, err
	}

	queries, err := eng.Convert(ctx, domain.ConvertRequest{
		Rule:      req.Rule,
		Target:    req.Target,
		Format:    req.Format,
		Pipelines: composed.Stages,
	})
	if err != nil {
		err = domain.Classify(err, domain.KindInternalEngine)
		d.logger.Info("Conversion failed",
			"version", canonical,
			"target", req.Target,
			"kind", domain.KindOf(err),
			"error", err,
		)
		return domain.ConversionResult{}, err
	}

	queries = d.normalise(queries)
	telemetry.RecordQueryCount(ctx, canonical, req.Target, len(queries))
	d.logger.Debug("Conversion completed",
		"version", canonical,
		"target", req.Target,
		"format", req.Format,
		"pipelines", composed.Len(),
		"queries", len(queries),
	)

	return domain.ConversionResult{
		Version: canonical,
		Target:  req.Target,
		Format:  req.Format,
		Queries: queries,
	}, nil
}

func (d *Dispatcher) admit(ctx context.Context, span trace.Span, version string, req Request) error {
	if d.admitter == nil {
		return nil
	}

	decision, err := d.admitter.Admit(ctx, admission.Input{
		Version:         version,
		Target:          req.Target,
		Format:          req.Format,
		Pipelines:       append([]string{}, req.Pipelines...),
		CustomPipelines: len(pipeline.SplitDocuments(req.CustomPipelines)),
		RuleBytes:       len(req.Rule),
	})
	if err != nil {
		d.logger.Error("Admission policy evaluation failed", "error", err)
		return domain.Errorf(domain.KindAdmissionDenied, "admission policy evaluation failed: %w", err)
	}

	telemetry.RecordAdmissionDecision(span, decision.Allow, decision.Reason)
	if !decision.Allow {
		reason := decision.Reason
		if reason == "" {
			reason = "denied by admission policy"
		}
		return domain.Errorf(domain.KindAdmissionDenied, "%s", reason)
	}
	return nil
}

func (d *Dispatcher) normalise(queries []string) []string {
	if len(queries) == 0 {
		return []string{}
	}
	if d.opts.FirstQueryOnly {
		return queries[:1]
	}
	return queries
}

func requireTarget(ctx context.Context, eng domain.Catalog, target string) error {
	if strings.TrimSpace(target) == "" {
		return domain.Errorf(domain.KindInvalidRequest, "no backend specified")
	}
	targets, err := eng.Targets(ctx)
	if err != nil {
		return domain.Classify(err, domain.KindInternalEngine)
	}
	if !domain.HasTarget(targets, target) {
		return domain.Errorf(domain.KindUnknownTarget, "target %q is not supported", target)
	}
	return nil
}

func (d *Dispatcher) startSpan(ctx context.Context, name, version, target, format string) (context.Context, trace.Span) {
	return telemetry.Tracer().Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(telemetry.RequestAttributes(version, target, format)...),
	)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(domain.KindOf(err)))
	}
	span.End()
}
