package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	providerOpenAI  = "openai-compat"
	sseDoneSentinel = "[DONE]"
)

// OpenAICompat calls any OpenAI-compatible /chat/completions endpoint
// (OpenAI, Groq, vLLM, LiteLLM, OpenRouter).
type OpenAICompat struct {
	baseURL      string
	apiKey       string
	model        string
	systemPrompt string
	httpClient   *http.Client
}

// NewOpenAICompat builds the client. baseURL includes the version prefix,
// e.g. "https://api.groq.com/openai/v1". apiKey may be empty for local models.
func NewOpenAICompat(baseURL, apiKey, model, systemPrompt string, httpClient *http.Client) *OpenAICompat {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 120 * time.Second}
	}
	return &OpenAICompat{
		baseURL:      strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:       strings.TrimSpace(apiKey),
		model:        strings.TrimSpace(model),
		systemPrompt: systemPrompt,
		httpClient:   httpClient,
	}
}

func (c *OpenAICompat) Complete(ctx context.Context, req Request) (Response, error) {
	resp, err := c.post(ctx, req, false)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	var out oaiChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Response{}, failure(providerOpenAI, "malformed response", err)
	}
	if len(out.Choices) == 0 || out.Choices[0].Message.Content == "" {
		return Response{}, failure(providerOpenAI, "empty response", nil)
	}
	return Response{Text: out.Choices[0].Message.Content, Usage: out.Usage.toUsage()}, nil
}

func (c *OpenAICompat) StreamComplete(ctx context.Context, req Request) *Stream {
	return newStream(providerOpenAI, func(yield func(string) bool) (Usage, error) {
		resp, err := c.post(ctx, req, true)
		if err != nil {
			return Usage{}, err
		}
		defer resp.Body.Close()
		return readOpenAIStream(resp.Body, yield)
	})
}

func readOpenAIStream(body io.Reader, yield func(string) bool) (Usage, error) {
	var usage Usage
	finished := false
	frames := newSSEReader(body)
	for {
		data, err := frames.next()
		if errors.Is(err, io.EOF) {
			if finished {
				return usage, nil
			}
			return usage, failure(providerOpenAI, "stream ended before completion", nil)
		}
		if err != nil {
			return usage, failure(providerOpenAI, "stream read failed", err)
		}
		if string(bytes.TrimSpace(data)) == sseDoneSentinel {
			return usage, nil
		}

		var chunk oaiStreamChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			return usage, failure(providerOpenAI, "malformed stream frame", err)
		}
		if chunk.Error != nil && chunk.Error.Message != "" {
			return usage, failure(providerOpenAI, chunk.Error.Message, nil)
		}
		switch {
		case chunk.Usage != nil:
			usage = chunk.Usage.toUsage()
		case chunk.XGroq != nil && chunk.XGroq.Usage != nil:
			usage = chunk.XGroq.Usage.toUsage()
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if chunk.Choices[0].FinishReason != "" {
			finished = true
		}
		if !yield(chunk.Choices[0].Delta.Content) {
			return usage, nil
		}
	}
}

func (c *OpenAICompat) post(ctx context.Context, req Request, stream bool) (*http.Response, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = c.model
	}
	if model == "" {
		return nil, failure(providerOpenAI, "model required", nil)
	}
	body := oaiChatRequest{
		Model:       model,
		Messages:    withSystemPrompt(c.systemPrompt, req.Messages),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
	}
	if stream {
		body.StreamOptions = &oaiStreamOptions{IncludeUsage: true}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, failure(providerOpenAI, "encode request", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, failure(providerOpenAI, "build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, failure(providerOpenAI, "request failed", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		var errResp oaiErrorResponse
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&errResp)
		reason := strings.TrimSpace(errResp.Error.Message)
		if reason == "" {
			reason = fmt.Sprintf("api returned %s", resp.Status)
		}
		return nil, &CompletionFailure{Provider: providerOpenAI, Status: resp.StatusCode, Reason: reason}
	}
	return resp, nil
}

type oaiChatRequest struct {
	Model         string            `json:"model"`
	Messages      []ChatMessage     `json:"messages"`
	Temperature   float64           `json:"temperature"`
	MaxTokens     int               `json:"max_tokens,omitempty"`
	Stream        bool              `json:"stream"`
	StreamOptions *oaiStreamOptions `json:"stream_options,omitempty"`
}

type oaiStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type oaiUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

func (u oaiUsage) toUsage() Usage {
	return Usage{PromptTokens: u.PromptTokens, CompletionTokens: u.CompletionTokens, TotalTokens: u.TotalTokens}
}

type oaiChatResponse struct {
	Choices []struct {
		Message ChatMessage `json:"message"`
	} `json:"choices"`
	Usage oaiUsage `json:"usage"`
}

type oaiStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *oaiUsage `json:"usage"`
	// Groq reports usage under x_groq when stream_options is unsupported.
	XGroq *struct {
		Usage *oaiUsage `json:"usage"`
	} `json:"x_groq"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type oaiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}
