// Package anyllm answers speech queries through github.com/mozilla-ai/any-llm-go,
// so the server can run against Anthropic, Gemini, Ollama, DeepSeek, Mistral,
// Groq or a local llama.cpp or llamafile server instead of OpenAI.
//
//	p, err := anyllm.New("ollama", "llama3", anyllmlib.WithBaseURL("http://gpu-box:11434"))
package anyllm

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/speechquery/pkg/provider/llm"
	"github.com/MrWong99/speechquery/pkg/types"
)

// ErrNoChoices is returned by Complete when the reply holds no choice.
var ErrNoChoices = errors.New("anyllm: reply has no choices")

var _ llm.Provider = (*Provider)(nil)

type constructor func(...anyllmlib.Option) (anyllmlib.Provider, error)

func adapt[P anyllmlib.Provider](f func(...anyllmlib.Option) (P, error)) constructor {
	return func(opts ...anyllmlib.Option) (anyllmlib.Provider, error) { return f(opts...) }
}

var backends = map[string]constructor{
	"openai":    adapt(anyllmoai.New),
	"anthropic": adapt(anthropic.New),
	"gemini":    adapt(gemini.New),
	"ollama":    adapt(ollama.New),
	"deepseek":  adapt(deepseek.New),
	"mistral":   adapt(mistral.New),
	"groq":      adapt(groq.New),
	"llamacpp":  adapt(llamacpp.New),
	"llamafile": adapt(llamafile.New),
}

// Backends returns the vendor names [New] accepts, sorted.
func Backends() []string {
	names := make([]string, 0, len(backends))
	for n := range backends {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Provider streams completions from one model of one any-llm-go backend.
type Provider struct {
	backend anyllmlib.Provider
	vendor  string
	model   string
}

// New creates a Provider for model on the named vendor. opts are passed to
// the backend; without [anyllmlib.WithAPIKey] the vendor's environment
// variable (ANTHROPIC_API_KEY and so on) is used.
func New(vendor, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if model == "" {
		return nil, errors.New("anyllm: model must not be empty")
	}
	vendor = strings.ToLower(vendor)
	mk, ok := backends[vendor]
	if !ok {
		return nil, fmt.Errorf("anyllm: unsupported vendor %q; supported: %s", vendor, strings.Join(Backends(), ", "))
	}
	b, err := mk(opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: %s backend: %w", vendor, err)
	}
	return &Provider{backend: b, vendor: vendor, model: model}, nil
}

// Model returns the model the provider answers with.
func (p *Provider) Model() string { return p.model }

// StreamCompletion implements llm.Provider. The backend reports its error
// only after the chunk channel closes; it becomes the closing error chunk.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	chunks, errs := p.backend.CompletionStream(ctx, p.params(req))

	out := llm.NewStream()
	go func() {
		defer close(out)
		for c := range chunks {
			if len(c.Choices) == 0 {
				continue
			}
			ch := c.Choices[0]
			if !llm.Send(ctx, out, llm.Chunk{Text: ch.Delta.Content, FinishReason: ch.FinishReason}) {
				go drainBackend(chunks, errs)
				return
			}
		}
		if err := <-errs; err != nil && ctx.Err() == nil {
			llm.Fail(ctx, out, fmt.Errorf("anyllm: %s stream: %w", p.vendor, err))
		}
	}()
	return out, nil
}

// drainBackend lets the backend goroutine finish after the listener left.
func drainBackend[C any](chunks <-chan C, errs <-chan error) {
	for range chunks {
	}
	<-errs
}

// Complete implements llm.Provider. The history summariser uses it.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	resp, err := p.backend.Completion(ctx, p.params(req))
	if err != nil {
		return nil, fmt.Errorf("anyllm: %s complete: %w", p.vendor, err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrNoChoices
	}
	out := &llm.CompletionResponse{Content: resp.Choices[0].Message.ContentString()}
	if u := resp.Usage; u != nil {
		out.Usage = llm.Usage{
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
			TotalTokens:      u.TotalTokens,
		}
	}
	return out, nil
}

// CountTokens implements llm.Provider with [llm.EstimateTokens].
func (p *Provider) CountTokens(messages []types.Message) (int, error) {
	return llm.EstimateTokens(messages), nil
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() types.ModelCapabilities {
	return llm.CapabilitiesFor(p.model)
}

// params puts the system prompt first and copies the history unchanged;
// any-llm-go uses the same role names.
func (p *Provider) params(req llm.CompletionRequest) anyllmlib.CompletionParams {
	msgs := make([]anyllmlib.Message, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, anyllmlib.Message{Role: anyllmlib.RoleSystem, Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, anyllmlib.Message{Role: m.Role, Content: m.Content, Name: m.Name})
	}

	params := anyllmlib.CompletionParams{Model: p.model, Messages: msgs}
	if req.Temperature != 0 {
		params.Temperature = &req.Temperature
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = &req.MaxTokens
	}
	return params
}
