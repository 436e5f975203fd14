package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOllamaStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req ollamaChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if !req.Stream || req.Messages[0].Role != RoleSystem || req.Options.NumPredict != 64 {
			t.Errorf("unexpected request %+v", req)
		}
		for _, part := range []string{"Bon", "jour"} {
			fmt.Fprintf(w, `{"message":{"role":"assistant","content":%q},"done":false}`+"\n", part)
		}
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":""},"done":true,"prompt_eval_count":11,"eval_count":2}`)
	}))
	defer srv.Close()

	stream := NewOllama(srv.URL, "llama3", "sys", nil).StreamComplete(context.Background(), Request{
		Messages:  []ChatMessage{{Role: RoleUser, Content: "salut"}},
		MaxTokens: 64,
	})
	text, err := collect(t, stream)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if text != "Bonjour" {
		t.Fatalf("text = %q", text)
	}
	if u := stream.Usage(); u.PromptTokens != 11 || u.CompletionTokens != 2 || u.Total() != 13 {
		t.Fatalf("usage = %+v", u)
	}
}

func TestOllamaStreamWithoutDoneFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, `{"message":{"content":"partial"},"done":false}`)
	}))
	defer srv.Close()

	_, err := collect(t, NewOllama(srv.URL, "llama3", "", nil).StreamComplete(context.Background(), Request{}))
	if !errors.Is(err, ErrCompletion) {
		t.Fatalf("expected completion failure, got %v", err)
	}
}

func TestOllamaCompleteErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"model \"nope\" not found"}`))
	}))
	defer srv.Close()

	_, err := NewOllama(srv.URL, "nope", "", nil).Complete(context.Background(), Request{})
	var cf *CompletionFailure
	if !errors.As(err, &cf) || cf.Status != http.StatusNotFound {
		t.Fatalf("expected 404 completion failure, got %v", err)
	}
}
