package engine

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/polisai/sigma-convertd/pkg/domain"
)

type mockMetrics struct {
	mock.Mock
}

func (m *mockMetrics) UpdateProcessStatus(version string, running bool) {
	m.Called(version, running)
}

type staticTracer struct {
	extra []string
}

func (t *staticTracer) InjectProcessEnv(_ context.Context, env []string) []string {
	return append(env, t.extra...)
}

// countingEngine is an in-memory domain.Engine counting catalog lookups.
type countingEngine struct {
	mu             sync.Mutex
	targetCalls    int
	formatCalls    int
	pipelineCalls  int
	convertCalls   int
	failNextTarget bool
}

func (e *countingEngine) Targets(context.Context) ([]domain.Target, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.targetCalls++
	if e.failNextTarget {
		e.failNextTarget = false
		return nil, domain.Errorf(domain.KindInternalEngine, "boom")
	}
	return []domain.Target{{ID: "splunk", Description: "Splunk"}}, nil
}

func (e *countingEngine) Formats(_ context.Context, target string) ([]domain.Format, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.formatCalls++
	return []domain.Format{{ID: "default", Description: target + " default"}}, nil
}

func (e *countingEngine) Pipelines(context.Context, string) ([]domain.PipelineInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pipelineCalls++
	return []domain.PipelineInfo{{ID: "sysmon", AllowedTargets: []string{}}}, nil
}

func (e *countingEngine) Convert(context.Context, domain.ConvertRequest) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.convertCalls++
	return []string{"q"}, nil
}
