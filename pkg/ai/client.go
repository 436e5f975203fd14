package ai

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

type Provider string

const (
	ProviderOpenAI Provider = "openai"
	ProviderOllama Provider = "ollama"
)

type StreamingMode string

const (
	// StreamingNative uses the backend's own incremental delivery.
	StreamingNative StreamingMode = "native"
	// StreamingChunked replays a complete answer word by word.
	StreamingChunked StreamingMode = "chunked"
)

type Config struct {
	Provider      Provider
	BaseURL       string
	APIKey        string
	Model         string
	SystemPrompt  string
	StreamingMode StreamingMode
	ChunkDelay    time.Duration
	Timeout       time.Duration
	HTTPClient    *http.Client
}

// New selects the provider and streaming strategy.
func New(cfg Config) (Completer, error) {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 120 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}

	var base Completer
	switch Provider(strings.ToLower(strings.TrimSpace(string(cfg.Provider)))) {
	case ProviderOpenAI, "":
		if strings.TrimSpace(cfg.BaseURL) == "" {
			return nil, fmt.Errorf("completion base url required for provider %q", cfg.Provider)
		}
		base = NewOpenAICompat(cfg.BaseURL, cfg.APIKey, cfg.Model, cfg.SystemPrompt, httpClient)
	case ProviderOllama:
		base = NewOllama(cfg.BaseURL, cfg.Model, cfg.SystemPrompt, httpClient)
	default:
		return nil, fmt.Errorf("unsupported completion provider %q", cfg.Provider)
	}

	switch cfg.StreamingMode {
	case StreamingNative, "":
		return base, nil
	case StreamingChunked:
		return NewChunked(base, cfg.ChunkDelay), nil
	default:
		return nil, fmt.Errorf("unsupported streaming mode %q", cfg.StreamingMode)
	}
}
