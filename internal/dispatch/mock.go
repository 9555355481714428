package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
)

// MockExecutor provides deterministic local results when no executor backend
// is configured.
type MockExecutor struct{}

func NewMockExecutor() *MockExecutor { return &MockExecutor{} }

func (e *MockExecutor) Execute(ctx context.Context, name string, args json.RawMessage) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	default:
	}
	if name != "delegate" {
		return Result{}, NewError(KindNotFound, name, "unknown tool")
	}

	output, _ := json.Marshal(map[string]any{
		"response": fmt.Sprintf("mock result for %s with %d bytes of arguments", name, len(args)),
	})
	return Result{Success: true, Output: output}, nil
}

func (e *MockExecutor) Tools(_ context.Context) ([]ToolSchema, error) {
	return []ToolSchema{{
		Name:        "delegate",
		Description: "Delegate work to a specialist agent.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"agent":{"type":"string"},"instruction":{"type":"string"}},"required":["instruction"]}`),
	}}, nil
}

func (e *MockExecutor) Healthy(_ context.Context) bool { return true }
