package llm_test

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/speechquery/pkg/provider/llm"
	"github.com/MrWong99/speechquery/pkg/types"
)

func TestCapabilitiesFor(t *testing.T) {
	t.Parallel()
	tests := []struct {
		model      string
		wantWindow int
		wantOutput int
	}{
		{"gpt-3.5-turbo", 16_385, 4_096},
		{"GPT-4o-mini", 128_000, 16_384},
		{"gpt-4-turbo-preview", 128_000, 4_096},
		{"gpt-4", 8_192, 4_096},
		{"o1-mini", 128_000, 65_536},
		{"o3-mini", 200_000, 100_000},
		{"claude-3-5-haiku-latest", 200_000, 8_192},
		{"anthropic/claude-3-opus-20240229", 200_000, 4_096},
		{"models/gemini-1.5-pro", 2_097_152, 8_192},
		{"gemini-2.0-flash", 1_048_576, 8_192},
		{"gemini-pro", 128_000, 8_192},
		{"llama3", 128_000, 4_096},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			t.Parallel()
			caps := llm.CapabilitiesFor(tt.model)
			if caps.ContextWindow != tt.wantWindow {
				t.Errorf("context window: got %d, want %d", caps.ContextWindow, tt.wantWindow)
			}
			if caps.MaxOutputTokens != tt.wantOutput {
				t.Errorf("max output: got %d, want %d", caps.MaxOutputTokens, tt.wantOutput)
			}
			if !caps.SupportsStreaming {
				t.Error("SupportsStreaming = false")
			}
		})
	}
}

func TestEstimateTokens(t *testing.T) {
	t.Parallel()
	msgs := []types.Message{
		{Role: types.RoleUser, Content: "What time is it?"}, // 16 bytes -> 4 + 4
		{Role: types.RoleAssistant, Content: "Noon."},       // 5 bytes -> 2 + 4
	}
	if got := llm.EstimateTokens(msgs); got != 14 {
		t.Errorf("EstimateTokens = %d, want 14", got)
	}
	if got := llm.EstimateTokens(nil); got != 0 {
		t.Errorf("EstimateTokens(nil) = %d, want 0", got)
	}
}

func TestSend_DropsEmptyChunks(t *testing.T) {
	t.Parallel()
	out := llm.NewStream()
	ctx := context.Background()

	for _, c := range []llm.Chunk{{Text: "Noon"}, {}, {Text: "."}, {FinishReason: llm.FinishReasonStop}} {
		if !llm.Send(ctx, out, c) {
			t.Fatalf("Send(%+v) = false on a live context", c)
		}
	}
	close(out)

	var got []llm.Chunk
	for c := range out {
		got = append(got, c)
	}
	if len(got) != 3 {
		t.Fatalf("delivered %d chunks, want 3: %+v", len(got), got)
	}
	if got[2].FinishReason != llm.FinishReasonStop {
		t.Errorf("last chunk = %+v", got[2])
	}
}

func TestSend_StopsOnCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := make(chan llm.Chunk) // unbuffered and never read
	if llm.Send(ctx, out, llm.Chunk{Text: "lost"}) {
		t.Error("Send on a canceled context reported true")
	}
	if llm.Send(ctx, out, llm.Chunk{}) {
		t.Error("Send of an empty chunk on a canceled context reported true")
	}
}

func TestFail_CarriesCauseNotText(t *testing.T) {
	t.Parallel()
	out := llm.NewStream()
	cause := errors.New("429 too many requests")
	llm.Fail(context.Background(), out, cause)
	close(out)

	c := <-out
	if c.FinishReason != llm.FinishReasonError || !errors.Is(c.Err, cause) {
		t.Errorf("chunk = %+v, want error finish with cause", c)
	}
	if c.Text != "" {
		t.Errorf("error chunk leaked text %q", c.Text)
	}
}
