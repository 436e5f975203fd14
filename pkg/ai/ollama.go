package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	providerOllama        = "ollama"
	defaultOllamaBaseURL  = "http://127.0.0.1:11434"
	maxOllamaLineBytes    = 1 << 20
	ollamaScannerInitSize = 64 * 1024
)

// Ollama calls the Ollama /api/chat endpoint, which streams NDJSON.
type Ollama struct {
	baseURL      string
	model        string
	systemPrompt string
	httpClient   *http.Client
}

// NewOllama constructs a client with the provided base URL.
func NewOllama(baseURL, model, systemPrompt string, httpClient *http.Client) *Ollama {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 120 * time.Second}
	}
	return &Ollama{
		baseURL:      strings.TrimRight(baseURL, "/"),
		model:        strings.TrimSpace(model),
		systemPrompt: systemPrompt,
		httpClient:   httpClient,
	}
}

func (c *Ollama) Complete(ctx context.Context, req Request) (Response, error) {
	resp, err := c.post(ctx, req, false)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	var out ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Response{}, failure(providerOllama, "malformed response", err)
	}
	if out.Error != "" {
		return Response{}, failure(providerOllama, out.Error, nil)
	}
	if out.Message.Content == "" {
		return Response{}, failure(providerOllama, "empty response", nil)
	}
	return Response{Text: out.Message.Content, Usage: out.usage()}, nil
}

func (c *Ollama) StreamComplete(ctx context.Context, req Request) *Stream {
	return newStream(providerOllama, func(yield func(string) bool) (Usage, error) {
		resp, err := c.post(ctx, req, true)
		if err != nil {
			return Usage{}, err
		}
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, ollamaScannerInitSize), maxOllamaLineBytes)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var frame ollamaChatResponse
			if err := json.Unmarshal(line, &frame); err != nil {
				return Usage{}, failure(providerOllama, "malformed stream frame", err)
			}
			if frame.Error != "" {
				return Usage{}, failure(providerOllama, frame.Error, nil)
			}
			if !yield(frame.Message.Content) {
				return Usage{}, nil
			}
			if frame.Done {
				return frame.usage(), nil
			}
		}
		if err := scanner.Err(); err != nil {
			return Usage{}, failure(providerOllama, "stream read failed", err)
		}
		return Usage{}, failure(providerOllama, "stream ended before completion", nil)
	})
}

func (c *Ollama) post(ctx context.Context, req Request, stream bool) (*http.Response, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = c.model
	}
	if model == "" {
		return nil, failure(providerOllama, "model required", nil)
	}
	body := ollamaChatRequest{
		Model:    model,
		Messages: withSystemPrompt(c.systemPrompt, req.Messages),
		Stream:   stream,
		Options: ollamaOptions{
			Temperature: req.Temperature,
			NumPredict:  req.MaxTokens,
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, failure(providerOllama, "encode request", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, failure(providerOllama, "build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, failure(providerOllama, "request failed", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&errResp)
		reason := strings.TrimSpace(errResp.Error)
		if reason == "" {
			reason = fmt.Sprintf("api returned %s", resp.Status)
		}
		return nil, &CompletionFailure{Provider: providerOllama, Status: resp.StatusCode, Reason: reason}
	}
	return resp, nil
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaChatRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  ollamaOptions `json:"options"`
}

type ollamaChatResponse struct {
	Message         ChatMessage `json:"message"`
	Done            bool        `json:"done"`
	PromptEvalCount int64       `json:"prompt_eval_count"`
	EvalCount       int64       `json:"eval_count"`
	Error           string      `json:"error"`
}

func (r ollamaChatResponse) usage() Usage {
	return Usage{
		PromptTokens:     r.PromptEvalCount,
		CompletionTokens: r.EvalCount,
		TotalTokens:      r.PromptEvalCount + r.EvalCount,
	}
}
