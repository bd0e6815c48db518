package model

import (
	"context"
	"errors"
)

var (
	// ErrTimeout is returned when the backend did not answer in time.
	ErrTimeout = errors.New("model invocation timed out")
	// ErrUnavailable is returned when the backend refused or could not be reached.
	ErrUnavailable = errors.New("model backend unavailable")
)

type Prompt struct {
	CardID     string
	TestCaseID string
	Model      string
	Text       string
}

type Result struct {
	Output     string
	TokensUsed int64
	Cost       float64
	DurationMs int64
}

// Invoker runs one rendered prompt against a language model. Latency and
// failure modes are outside the core's control.
type Invoker interface {
	Invoke(ctx context.Context, p Prompt) (Result, error)
}
