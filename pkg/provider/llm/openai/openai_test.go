package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrWong99/speechquery/pkg/provider/llm"
	"github.com/MrWong99/speechquery/pkg/types"
)

// chatServer answers /chat/completions with handle and passes on the decoded
// request bodies.
func chatServer(t *testing.T, handle func(w http.ResponseWriter)) (*Provider, <-chan map[string]any) {
	t.Helper()
	bodies := make(chan map[string]any, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)
		bodies <- body
		handle(w)
	}))
	t.Cleanup(srv.Close)

	p, err := New("sk-test", "", WithBaseURL(srv.URL+"/"), WithMaxRetries(0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p, bodies
}

// sse writes one chat.completion.chunk event per delta. An empty delta with
// role set mimics the opener OpenAI sends before any content.
func sse(w http.ResponseWriter, deltas []string, finish string, tail string) {
	w.Header().Set("Content-Type", "text/event-stream")
	fmt.Fprintf(w, "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":%q,\"choices\":[{\"index\":0,\"delta\":{\"role\":\"assistant\",\"content\":\"\"},\"finish_reason\":null}]}\n\n", DefaultModel)
	for _, d := range deltas {
		fmt.Fprintf(w, "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":%q,\"choices\":[{\"index\":0,\"delta\":{\"content\":%q},\"finish_reason\":null}]}\n\n", DefaultModel, d)
	}
	if finish != "" {
		fmt.Fprintf(w, "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":%q,\"choices\":[{\"index\":0,\"delta\":{},\"finish_reason\":%q}]}\n\n", DefaultModel, finish)
	}
	fmt.Fprint(w, tail)
}

func collect(t *testing.T, ch <-chan llm.Chunk) []llm.Chunk {
	t.Helper()
	var out []llm.Chunk
	for c := range ch {
		out = append(out, c)
	}
	return out
}

func question(text string) llm.CompletionRequest {
	return llm.CompletionRequest{
		SystemPrompt: "Answer in one sentence.",
		Messages:     []types.Message{{Role: types.RoleUser, Content: text}},
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	if _, err := New("", DefaultModel); !errors.Is(err, ErrNoAPIKey) {
		t.Errorf("New without key: err = %v, want ErrNoAPIKey", err)
	}
	p, err := New("sk-test", "", WithOrganization("org-1"), WithTimeout(0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.Model() != DefaultModel {
		t.Errorf("Model() = %q, want %q", p.Model(), DefaultModel)
	}
	if got := p.Capabilities().ContextWindow; got != 16_385 {
		t.Errorf("default model context window = %d, want 16385", got)
	}
}

func TestParams_ConversationMapping(t *testing.T) {
	t.Parallel()
	p := &Provider{model: "gpt-4o"}
	params, err := p.params(llm.CompletionRequest{
		SystemPrompt: "Be brief.",
		Messages: []types.Message{
			{Role: types.RoleSystem, Content: "Earlier: the user asked about Zürich."},
			{Role: types.RoleUser, Content: "And the weather?"},
			{Role: types.RoleAssistant, Content: "Mild."},
			{Role: types.RoleUser, Content: "Thanks."},
		},
		Temperature: 0.4,
		MaxTokens:   128,
	})
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	if len(params.Messages) != 5 {
		t.Fatalf("messages = %d, want 5", len(params.Messages))
	}
	if params.Messages[0].OfSystem == nil || params.Messages[1].OfSystem == nil {
		t.Error("system prompt and summary should map to system messages")
	}
	if params.Messages[2].OfUser == nil || params.Messages[3].OfAssistant == nil || params.Messages[4].OfUser == nil {
		t.Error("user/assistant roles mapped incorrectly")
	}
	if params.Temperature.Value != 0.4 || params.MaxCompletionTokens.Value != 128 {
		t.Errorf("settings = %v / %v", params.Temperature.Value, params.MaxCompletionTokens.Value)
	}
}

func TestParams_UnsupportedRole(t *testing.T) {
	t.Parallel()
	p := &Provider{model: DefaultModel}
	_, err := p.params(llm.CompletionRequest{Messages: []types.Message{{Role: "tool", Content: "{}"}}})
	if err == nil || !strings.Contains(err.Error(), `"tool"`) {
		t.Errorf("err = %v, want unsupported role error", err)
	}
}

func TestStreamCompletion_RelaysContentDeltas(t *testing.T) {
	t.Parallel()
	p, bodies := chatServer(t, func(w http.ResponseWriter) {
		sse(w, []string{"It is", " noon", "."}, "stop", "data: [DONE]\n\n")
	})

	ch, err := p.StreamCompletion(context.Background(), question("What time is it?"))
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	got := collect(t, ch)

	var texts []string
	for _, c := range got {
		if c.Text != "" {
			texts = append(texts, c.Text)
		}
	}
	if strings.Join(texts, "|") != "It is| noon|." {
		t.Errorf("deltas = %q", texts)
	}
	if len(got) != 4 {
		t.Errorf("chunks = %d, want 3 deltas and a finish (role opener dropped)", len(got))
	}
	if last := got[len(got)-1]; last.FinishReason != llm.FinishReasonStop {
		t.Errorf("last chunk = %+v, want stop", last)
	}

	if len(bodies) != 1 {
		t.Fatalf("requests = %d, want 1", len(bodies))
	}
	body := <-bodies
	if body["model"] != DefaultModel || body["stream"] != true {
		t.Errorf("request model/stream = %v/%v", body["model"], body["stream"])
	}
	msgs, _ := body["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("request messages = %v", body["messages"])
	}
	if first, _ := msgs[0].(map[string]any); first["role"] != "system" {
		t.Errorf("first message = %v, want the system prompt", first)
	}
}

func TestStreamCompletion_BrokenStreamEndsWithError(t *testing.T) {
	t.Parallel()
	p, _ := chatServer(t, func(w http.ResponseWriter) {
		sse(w, []string{"It is"}, "", "data: {not json\n\n")
	})

	ch, err := p.StreamCompletion(context.Background(), question("What time is it?"))
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	got := collect(t, ch)
	if len(got) != 2 || got[0].Text != "It is" {
		t.Fatalf("chunks = %+v, want one delta and an error", got)
	}
	last := got[1]
	if last.FinishReason != llm.FinishReasonError || last.Err == nil {
		t.Errorf("last chunk = %+v, want error finish with cause", last)
	}
	if last.Text != "" {
		t.Errorf("error text leaked into the reply: %q", last.Text)
	}
}

func TestStreamCompletion_RejectedRequest(t *testing.T) {
	t.Parallel()
	p, _ := chatServer(t, func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"bad key","type":"invalid_request_error"}}`)
	})
	if _, err := p.StreamCompletion(context.Background(), question("hi")); err == nil {
		t.Fatal("StreamCompletion on 401 should fail before streaming")
	}
}

func TestComplete_ReturnsUsage(t *testing.T) {
	t.Parallel()
	p, _ := chatServer(t, func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"id":"c2","object":"chat.completion","created":1,"model":%q,
"choices":[{"index":0,"message":{"role":"assistant","content":"User asked for the time."},"finish_reason":"stop"}],
"usage":{"prompt_tokens":40,"completion_tokens":6,"total_tokens":46}}`, DefaultModel)
	})

	resp, err := p.Complete(context.Background(), question("Summarise."))
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "User asked for the time." {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.Usage.TotalTokens != 46 || resp.Usage.PromptTokens != 40 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestComplete_NoChoices(t *testing.T) {
	t.Parallel()
	p, _ := chatServer(t, func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"c3","object":"chat.completion","created":1,"model":"gpt-3.5-turbo","choices":[]}`)
	})
	if _, err := p.Complete(context.Background(), question("Summarise.")); !errors.Is(err, ErrNoChoices) {
		t.Errorf("err = %v, want ErrNoChoices", err)
	}
}

func TestCountTokens(t *testing.T) {
	t.Parallel()
	p := &Provider{model: DefaultModel}
	n, err := p.CountTokens([]types.Message{{Role: types.RoleUser, Content: "Hello world"}})
	if err != nil || n != 7 {
		t.Errorf("CountTokens = %d, %v; want 7", n, err)
	}
}
