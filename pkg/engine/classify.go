package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/polisai/sigma-convertd/pkg/domain"
)

// Worker exit codes with a reserved meaning. Any other non-zero exit is an
// internal engine failure.
const (
	ExitRuleConversion  = 3
	ExitUnknownTarget   = 4
	ExitUnknownPipeline = 5
)

// ruleErrorPrefix marks a stderr line carrying a rule conversion diagnostic.
const ruleErrorPrefix = "SigmaError:"

// classifyRunError turns the outcome of a finished worker process into a
// classified error. runCtx is the per-invocation context carrying the deadline.
func classifyRunError(runCtx context.Context, err error, stderr string) error {
	if err == nil {
		return nil
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return domain.Errorf(domain.KindEngineTimeout, "engine did not finish before the deadline")
	}
	if errors.Is(runCtx.Err(), context.Canceled) {
		return domain.Errorf(domain.KindInternalEngine, "engine invocation cancelled: %w", runCtx.Err())
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return domain.Errorf(domain.KindInternalEngine, "engine failed to run: %w", err)
	}

	return classifyExit(exitErr.ExitCode(), stderr)
}

// classifyExit maps a worker's exit status and diagnostic output onto the
// error taxonomy.
func classifyExit(code int, stderr string) error {
	detail := diagnostic(stderr)

	if line, ok := ruleErrorLine(stderr); ok {
		return &domain.Error{Kind: domain.KindRuleConversion, Message: line}
	}

	switch code {
	case ExitRuleConversion:
		return &domain.Error{Kind: domain.KindRuleConversion, Message: orDefault(detail, "rule conversion failed")}
	case ExitUnknownTarget:
		return &domain.Error{Kind: domain.KindUnknownTarget, Message: orDefault(detail, "target not offered by engine")}
	case ExitUnknownPipeline:
		return &domain.Error{Kind: domain.KindUnknownPipeline, Message: orDefault(detail, "pipeline not offered by engine")}
	default:
		return &domain.Error{
			Kind:    domain.KindInternalEngine,
			Message: fmt.Sprintf("engine exited with status %d: %s", code, orDefault(detail, "no diagnostic output")),
		}
	}
}

// ruleErrorLine returns the text after the rule error marker, if any line
// of stderr carries it.
func ruleErrorLine(stderr string) (string, bool) {
	scanner := bufio.NewScanner(strings.NewReader(stderr))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if rest, ok := strings.CutPrefix(line, ruleErrorPrefix); ok {
			return strings.TrimSpace(rest), true
		}
	}
	return "", false
}

// diagnostic returns the last non-empty stderr line. Workers tend to print
// progress first and the actual failure last.
func diagnostic(stderr string) string {
	lines := strings.Split(strings.TrimSpace(stderr), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
