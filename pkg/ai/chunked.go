package ai

import (
	"context"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// DefaultChunkDelay paces simulated fragments.
const DefaultChunkDelay = 50 * time.Millisecond

// Chunked simulates streaming for backends without it. It performs one
// non-streaming call and replays the answer word by word, so the fragments
// concatenate to the answer exactly.
type Chunked struct {
	inner Completer
	delay time.Duration
}

// NewChunked wraps inner. A non-positive delay disables pacing.
func NewChunked(inner Completer, delay time.Duration) *Chunked {
	return &Chunked{inner: inner, delay: delay}
}

func (c *Chunked) Complete(ctx context.Context, req Request) (Response, error) {
	return c.inner.Complete(ctx, req)
}

func (c *Chunked) StreamComplete(ctx context.Context, req Request) *Stream {
	return newStream("chunked", func(yield func(string) bool) (Usage, error) {
		resp, err := c.inner.Complete(ctx, req)
		if err != nil {
			return Usage{}, err
		}
		limit := rate.Inf
		if c.delay > 0 {
			limit = rate.Every(c.delay)
		}
		pacer := rate.NewLimiter(limit, 1)
		for _, fragment := range splitWords(resp.Text) {
			if err := pacer.Wait(ctx); err != nil {
				return resp.Usage, failure("chunked", "stream interrupted", err)
			}
			if !yield(fragment) {
				break
			}
		}
		return resp.Usage, nil
	})
}

// splitWords yields w0, " "+w1, " "+w2, ... for text split on single spaces.
func splitWords(text string) []string {
	words := strings.Split(text, " ")
	out := make([]string, 0, len(words))
	for i, w := range words {
		if i > 0 {
			w = " " + w
		}
		out = append(out, w)
	}
	return out
}
