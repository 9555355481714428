package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPExecutor forwards tool calls to an Amplifier-compatible HTTP backend:
// POST {base}/execute/{tool} with the JSON arguments as body, GET {base}/tools
// for discovery, GET {base}/health for readiness.
type HTTPExecutor struct {
	baseURL string
	client  *http.Client
}

func NewHTTPExecutor(baseURL string) *HTTPExecutor {
	return &HTTPExecutor{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		// Per-call deadlines come from the caller's context; this is only a
		// safety net against a hung transport.
		client: &http.Client{Timeout: 10 * time.Minute},
	}
}

type executePayload struct {
	Success bool            `json:"success"`
	Output  json.RawMessage `json:"output,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func (e *HTTPExecutor) Execute(ctx context.Context, name string, args json.RawMessage) (Result, error) {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}

	url := e.baseURL + "/execute/" + name
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(args))
	if err != nil {
		return Result{}, NewError(KindExecutionFailed, name, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, NewError(KindExecutionFailed, name, err.Error())
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusNotFound:
		return Result{}, NewError(KindNotFound, name, "unknown tool")
	case res.StatusCode == http.StatusBadRequest || res.StatusCode == http.StatusUnprocessableEntity:
		return Result{}, NewError(KindInvalidArguments, name, readErrorBody(res.Body))
	case res.StatusCode == http.StatusForbidden:
		return Result{}, NewError(KindBlocked, name, readErrorBody(res.Body))
	case res.StatusCode < 200 || res.StatusCode >= 300:
		return Result{}, NewError(KindExecutionFailed, name,
			fmt.Sprintf("executor status %d: %s", res.StatusCode, readErrorBody(res.Body)))
	}

	var payload executePayload
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return Result{}, NewError(KindExecutionFailed, name, fmt.Sprintf("decode response: %v", err))
	}
	return Result{Success: payload.Success, Output: payload.Output, Error: payload.Error}, nil
}

type toolsPayload struct {
	Tools []ToolSchema `json:"tools"`
}

func (e *HTTPExecutor) Tools(ctx context.Context) ([]ToolSchema, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/tools", nil)
	if err != nil {
		return nil, fmt.Errorf("create tools request: %w", err)
	}
	res, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list tools: executor status %d", res.StatusCode)
	}

	var payload toolsPayload
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode tools: %w", err)
	}
	return payload.Tools, nil
}

func (e *HTTPExecutor) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	res, err := e.client.Do(req)
	if err != nil {
		return false
	}
	defer res.Body.Close()
	return res.StatusCode == http.StatusOK
}

func readErrorBody(r io.Reader) string {
	body, _ := io.ReadAll(io.LimitReader(r, 4<<10))
	text := strings.TrimSpace(string(body))
	if text == "" {
		return "no detail"
	}
	return text
}
