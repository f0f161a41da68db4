package domain

import (
	"errors"
	"fmt"
)

// Kind classifies every failure surfaced by the conversion service.
type Kind string

// Error kinds. The string value doubles as the machine-readable error code
// and as the prefix of plain-text error bodies.
const (
	KindEngineNotFound        Kind = "EngineNotFound"
	KindUnknownTarget         Kind = "UnknownTarget"
	KindUnknownPipeline       Kind = "UnknownPipeline"
	KindMalformedRuleYAML     Kind = "MalformedRuleYaml"
	KindMalformedPipelineYAML Kind = "MalformedPipelineYaml"
	KindRuleConversion        Kind = "RuleConversionError"
	KindInternalEngine        Kind = "InternalEngineError"
	KindEngineTimeout         Kind = "EngineTimeout"
	KindAdmissionDenied       Kind = "AdmissionDenied"
	KindInvalidRequest        Kind = "InvalidRequest"
)

// Sentinels for errors.Is matching against a kind.
var (
	ErrEngineNotFound        = errors.New("engine not found")
	ErrUnknownTarget         = errors.New("unknown target")
	ErrUnknownPipeline       = errors.New("unknown pipeline")
	ErrMalformedRuleYAML     = errors.New("malformed rule yaml")
	ErrMalformedPipelineYAML = errors.New("malformed pipeline yaml")
	ErrRuleConversion        = errors.New("rule conversion failed")
	ErrInternalEngine        = errors.New("internal engine error")
	ErrEngineTimeout         = errors.New("engine timeout")
	ErrAdmissionDenied       = errors.New("admission denied")
	ErrInvalidRequest        = errors.New("invalid request")
)

var sentinels = map[Kind]error{
	KindEngineNotFound:        ErrEngineNotFound,
	KindUnknownTarget:         ErrUnknownTarget,
	KindUnknownPipeline:       ErrUnknownPipeline,
	KindMalformedRuleYAML:     ErrMalformedRuleYAML,
	KindMalformedPipelineYAML: ErrMalformedPipelineYAML,
	KindRuleConversion:        ErrRuleConversion,
	KindInternalEngine:        ErrInternalEngine,
	KindEngineTimeout:         ErrEngineTimeout,
	KindAdmissionDenied:       ErrAdmissionDenied,
	KindInvalidRequest:        ErrInvalidRequest,
}

// Error is a classified failure. Message is the human-readable detail; Err
// optionally carries the underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// Errorf builds a classified error with a formatted detail message. A %w verb
// in format is honoured and becomes the wrapped cause.
func Errorf(kind Kind, format string, args ...any) *Error {
	wrapped := fmt.Errorf(format, args...)
	return &Error{
		Kind:    kind,
		Message: wrapped.Error(),
		Err:     errors.Unwrap(wrapped),
	}
}

// Wrap classifies err under kind, keeping err's text as the detail.
func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: err.Error(), Err: err}
}

func (e *Error) Error() string {
	if e.Message != "" {
		return string(e.Kind) + ": " + e.Message
	}
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Err.Error()
	}
	return string(e.Kind)
}

// Detail returns the message without the kind prefix.
func (e *Error) Detail() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	sentinel, ok := sentinels[e.Kind]
	return ok && target == sentinel
}

// KindOf returns the kind of the first classified error in err's chain.
// Unclassified errors report KindInternalEngine.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternalEngine
}

// Classify returns err unchanged when it already carries a kind, otherwise
// it wraps it under fallback.
func Classify(err error, fallback Kind) error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		return err
	}
	return Wrap(fallback, err)
}

// ErrorResponse defines the JSON error model returned by the API.
// TraceID carries the current OpenTelemetry trace identifier when available.
type ErrorResponse struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}
