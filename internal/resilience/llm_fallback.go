package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/speechquery/pkg/provider/llm"
	"github.com/MrWong99/speechquery/pkg/types"
)

// errEmptyStream is the breaker-visible error for a stream that failed before
// producing any text.
var errEmptyStream = errors.New("resilience: stream failed before first chunk")

// LLMFallback implements [llm.Provider] with automatic failover across multiple
// LLM backends. Each backend has its own circuit breaker; when the primary fails
// or its breaker is open, the next healthy fallback is tried.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	if cfg.Kind == "" {
		cfg.Kind = "llm"
	}
	return &LLMFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional LLM provider as a fallback.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// Names returns the provider names in failover order.
func (f *LLMFallback) Names() []string {
	return f.group.Names()
}

// Complete sends the request to the first healthy provider and returns its
// response.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// StreamCompletion opens a stream on the first healthy provider. A stream
// that ends with [llm.FinishReasonError] before emitting any text counts as a
// failure and the next provider is tried; once text has been received the
// stream is committed and later errors reach the caller unchanged.
func (f *LLMFallback) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (<-chan llm.Chunk, error) {
		src, err := p.StreamCompletion(ctx, req)
		if err != nil {
			return nil, err
		}
		var head []llm.Chunk
		for c := range src {
			head = append(head, c)
			if c.Text != "" {
				return splice(ctx, head, src), nil
			}
			if c.FinishReason == llm.FinishReasonError {
				go drainChunks(src)
				if c.Err != nil {
					return nil, fmt.Errorf("%w: %w", errEmptyStream, c.Err)
				}
				return nil, errEmptyStream
			}
		}
		// Closed without text: an empty but valid reply, or cancellation.
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return splice(ctx, head, nil), nil
	})
}

// splice replays head and then forwards the rest of src.
func splice(ctx context.Context, head []llm.Chunk, src <-chan llm.Chunk) <-chan llm.Chunk {
	out := make(chan llm.Chunk, len(head))
	for _, c := range head {
		out <- c
	}
	if src == nil {
		close(out)
		return out
	}
	go func() {
		defer close(out)
		for c := range src {
			select {
			case out <- c:
			case <-ctx.Done():
				drainChunks(src)
				return
			}
		}
	}()
	return out
}

func drainChunks(ch <-chan llm.Chunk) {
	for range ch {
	}
}

// CountTokens delegates to the first healthy provider's token counter.
func (f *LLMFallback) CountTokens(messages []types.Message) (int, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (int, error) {
		return p.CountTokens(messages)
	})
}

// Capabilities returns the capabilities of the primary. Static metadata does
// not participate in failover.
func (f *LLMFallback) Capabilities() types.ModelCapabilities {
	return f.group.Primary().Capabilities()
}
