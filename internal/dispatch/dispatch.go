package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

// ErrorKind classifies tool execution failures. Callers branch on kind, never
// on error strings.
type ErrorKind string

const (
	KindNotFound         ErrorKind = "not_found"
	KindInvalidArguments ErrorKind = "invalid_arguments"
	KindTimeout          ErrorKind = "timeout"
	KindExecutionFailed  ErrorKind = "execution_failed"
	KindBlocked          ErrorKind = "blocked"
)

// Error is a typed tool execution failure.
type Error struct {
	Kind ErrorKind
	Tool string
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("tool %s: %s: %s", e.Tool, e.Kind, e.Msg)
}

func NewError(kind ErrorKind, tool, msg string) *Error {
	return &Error{Kind: kind, Tool: tool, Msg: msg}
}

// KindOf extracts the error kind, defaulting to execution_failed.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindExecutionFailed
}

// Result is the outcome of one tool execution.
type Result struct {
	Success   bool            `json:"success"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
	Truncated bool            `json:"truncated,omitempty"`
	Duration  time.Duration   `json:"-"`
}

// ToolSchema describes one executable tool in function-calling format.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Executor invokes named tools on the agent backend.
type Executor interface {
	Execute(ctx context.Context, name string, args json.RawMessage) (Result, error)
	Tools(ctx context.Context) ([]ToolSchema, error)
	Healthy(ctx context.Context) bool
}

// Dispatcher wraps an Executor with timeouts, cancellation and output
// truncation. It is stateless per call and safe for concurrent use.
type Dispatcher struct {
	executor       Executor
	defaultTimeout time.Duration
	outputLimit    int
}

func NewDispatcher(executor Executor, defaultTimeout time.Duration, outputLimit int) *Dispatcher {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	if outputLimit <= 0 {
		outputLimit = 16 << 10
	}
	return &Dispatcher{
		executor:       executor,
		defaultTimeout: defaultTimeout,
		outputLimit:    outputLimit,
	}
}

// Execute runs a named tool with a bounded deadline. A zero timeout uses the
// configured default; known long-running delegated work may pass a larger one.
// Failures come back as a typed *Error; the raw backend error never escapes.
func (d *Dispatcher) Execute(ctx context.Context, name string, args json.RawMessage, timeout time.Duration) (Result, error) {
	if name == "" {
		return Result{}, NewError(KindInvalidArguments, name, "tool name is required")
	}
	if len(args) > 0 && !json.Valid(args) {
		return Result{}, NewError(KindInvalidArguments, name, "arguments are not valid JSON")
	}
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	res, err := d.executor.Execute(ctx, name, args)
	res.Duration = time.Since(start)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return res, NewError(KindTimeout, name, fmt.Sprintf("exceeded %s", timeout))
		}
		var de *Error
		if errors.As(err, &de) {
			return res, err
		}
		return res, NewError(KindExecutionFailed, name, err.Error())
	}

	if len(res.Output) > d.outputLimit {
		res.Output = truncateJSON(res.Output, d.outputLimit)
		res.Truncated = true
	}
	return res, nil
}

func (d *Dispatcher) Tools(ctx context.Context) ([]ToolSchema, error) {
	return d.executor.Tools(ctx)
}

func (d *Dispatcher) Healthy(ctx context.Context) bool {
	return d.executor.Healthy(ctx)
}

// truncateJSON cuts raw output to at most limit bytes and re-wraps it as a
// JSON string so the payload stays valid JSON for the wire. The cut backs up
// to a rune boundary so a multi-byte character is never split.
func truncateJSON(raw json.RawMessage, limit int) json.RawMessage {
	for limit > 0 && !utf8.RuneStart(raw[limit]) {
		limit--
	}
	cut := string(raw[:limit])
	wrapped, err := json.Marshal(cut + "…(truncated)")
	if err != nil {
		return json.RawMessage(`"(truncated)"`)
	}
	return wrapped
}
