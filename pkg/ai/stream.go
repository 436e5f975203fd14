package ai

import (
	"iter"
	"strings"
	"sync"
	"sync/atomic"
)

// produceFunc emits fragments through yield and returns the final usage.
// It must stop as soon as yield returns false.
type produceFunc func(yield func(fragment string) bool) (Usage, error)

// Stream is a lazy, finite, single-use sequence of text fragments. Nothing
// is sent upstream until Fragments is ranged.
type Stream struct {
	provider string
	produce  produceFunc
	used     atomic.Bool

	mu    sync.Mutex
	usage Usage
	text  strings.Builder
}

func newStream(provider string, produce produceFunc) *Stream {
	return &Stream{provider: provider, produce: produce}
}

// NewStream wraps produce as a Stream. produce emits fragments through yield,
// stops when yield returns false, and returns the final usage.
func NewStream(provider string, produce func(yield func(fragment string) bool) (Usage, error)) *Stream {
	return newStream(provider, produce)
}

// FailedStream yields err on first iteration.
func FailedStream(err error) *Stream {
	return newStream("", func(func(string) bool) (Usage, error) { return Usage{}, err })
}

// Fragments yields fragments in arrival order. A terminal error is yielded
// once with an empty fragment. Ranging a second time yields ErrStreamConsumed.
func (s *Stream) Fragments() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if !s.used.CompareAndSwap(false, true) {
			yield("", ErrStreamConsumed)
			return
		}
		stopped := false
		usage, err := s.produce(func(fragment string) bool {
			if fragment == "" {
				return true
			}
			s.mu.Lock()
			s.text.WriteString(fragment)
			s.mu.Unlock()
			if !yield(fragment, nil) {
				stopped = true
				return false
			}
			return true
		})
		s.mu.Lock()
		s.usage = usage
		empty := s.text.Len() == 0
		s.mu.Unlock()
		if stopped {
			return
		}
		if err == nil && empty {
			err = failure(s.provider, "empty response", nil)
		}
		if err != nil {
			yield("", err)
		}
	}
}

// Usage is the summary reported at the end of the stream.
func (s *Stream) Usage() Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

// Text is the concatenation of every fragment delivered so far.
func (s *Stream) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text.String()
}
