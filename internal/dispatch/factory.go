package dispatch

import (
	"errors"
	"fmt"
	"strings"
)

// Config controls executor construction.
type Config struct {
	Mode string
	URL  string
}

// NewExecutor builds the configured executor backend. Mode "auto" picks HTTP
// when a URL is configured and falls back to the mock.
func NewExecutor(cfg Config) (Executor, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.URL) != "" {
			return NewHTTPExecutor(cfg.URL), nil
		}
		return NewMockExecutor(), nil
	case "http":
		if strings.TrimSpace(cfg.URL) == "" {
			return nil, errors.New("tool executor URL is required for http mode")
		}
		return NewHTTPExecutor(cfg.URL), nil
	case "mock":
		return NewMockExecutor(), nil
	default:
		return nil, fmt.Errorf("unsupported tool executor mode %q", cfg.Mode)
	}
}
