package conversation

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/MrWong99/speechquery/pkg/provider/llm"
	llmmock "github.com/MrWong99/speechquery/pkg/provider/llm/mock"
	"github.com/MrWong99/speechquery/pkg/types"
)

func TestLLMSummariser_Summarise(t *testing.T) {
	t.Run("empty messages returns empty string", func(t *testing.T) {
		p := &llmmock.Provider{}
		s := NewLLMSummariser(p)

		result, err := s.Summarise(context.Background(), nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result != "" {
			t.Errorf("expected empty string, got %q", result)
		}
		if len(p.CompleteCalls) != 0 {
			t.Errorf("expected no LLM calls for empty input, got %d", len(p.CompleteCalls))
		}
	})

	t.Run("summarises messages via LLM", func(t *testing.T) {
		p := &llmmock.Provider{
			CompleteResponse: &llm.CompletionResponse{Content: "  The user asked for the weather in Lisbon.\n"},
		}
		s := NewLLMSummariser(p)

		msgs := []types.Message{
			{Role: types.RoleUser, Content: "What's the weather in Lisbon?"},
			{Role: types.RoleAssistant, Content: "Sunny, around 24 degrees."},
		}

		result, err := s.Summarise(context.Background(), msgs)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result != "The user asked for the weather in Lisbon." {
			t.Errorf("unexpected result: %q", result)
		}

		if len(p.CompleteCalls) != 1 {
			t.Fatalf("expected 1 Complete call, got %d", len(p.CompleteCalls))
		}
		call := p.CompleteCalls[0]
		if call.Req.SystemPrompt != summarisationPrompt {
			t.Errorf("expected summarisation prompt, got %q", call.Req.SystemPrompt)
		}
		if len(call.Req.Messages) != 1 || call.Req.Messages[0].Role != types.RoleUser {
			t.Fatalf("expected a single user message, got %+v", call.Req.Messages)
		}
		content := call.Req.Messages[0].Content
		if !strings.Contains(content, "[user]: What's the weather in Lisbon?") ||
			!strings.Contains(content, "[assistant]: Sunny, around 24 degrees.") {
			t.Errorf("transcript not formatted as expected: %q", content)
		}
	})

	t.Run("uses Name over Role when formatting", func(t *testing.T) {
		p := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "summary"}}
		s := NewLLMSummariser(p)

		_, err := s.Summarise(context.Background(), []types.Message{
			{Role: types.RoleUser, Name: "Alice", Content: "Remind me at noon."},
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if content := p.CompleteCalls[0].Req.Messages[0].Content; !strings.Contains(content, "[Alice]") {
			t.Errorf("expected speaker name Alice in content, got %q", content)
		}
	})

	t.Run("propagates LLM errors", func(t *testing.T) {
		p := &llmmock.Provider{CompleteErr: errors.New("model overloaded")}
		s := NewLLMSummariser(p)

		_, err := s.Summarise(context.Background(), []types.Message{{Role: types.RoleUser, Content: "Hello"}})
		if err == nil {
			t.Fatal("expected error, got nil")
		}
		if !strings.Contains(err.Error(), "model overloaded") {
			t.Errorf("expected wrapped error, got %v", err)
		}
	})
}
