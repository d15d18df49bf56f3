package resilience

import (
	"context"
	"errors"
	"testing"

	ttsmock "github.com/MrWong99/speechquery/pkg/provider/tts/mock"
	"github.com/MrWong99/speechquery/pkg/types"
)

func feedText(parts ...string) <-chan string {
	ch := make(chan string, len(parts))
	for _, p := range parts {
		ch <- p
	}
	close(ch)
	return ch
}

func drainAudio(ch <-chan []byte) [][]byte {
	var out [][]byte
	for c := range ch {
		out = append(out, c)
	}
	return out
}

func TestTTSFallback_SynthesizeStream_PrimarySuccess(t *testing.T) {
	t.Parallel()
	primary := &ttsmock.Provider{SynthesizeChunks: [][]byte{{1, 2}, {3, 4}}}
	secondary := &ttsmock.Provider{SynthesizeChunks: [][]byte{{9}}}

	fb := NewTTSFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	voice := types.VoiceProfile{ID: "v1", Provider: "elevenlabs"}
	ch, err := fb.SynthesizeStream(context.Background(), feedText("Hello ", "world"), voice)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	audio := drainAudio(ch)
	if len(audio) != 2 {
		t.Fatalf("got %d audio chunks, want 2", len(audio))
	}

	calls := primary.Calls()
	if len(calls) != 1 {
		t.Fatalf("primary called %d times, want 1", len(calls))
	}
	if calls[0].Text != "Hello world" {
		t.Errorf("text = %q, want %q", calls[0].Text, "Hello world")
	}
	if calls[0].Voice.ID != "v1" {
		t.Errorf("voice = %q, want v1", calls[0].Voice.ID)
	}
	if n := len(secondary.Calls()); n != 0 {
		t.Errorf("secondary called %d times, want 0", n)
	}
}

func TestTTSFallback_SynthesizeStream_Failover(t *testing.T) {
	t.Parallel()
	primary := &ttsmock.Provider{SynthesizeErr: errors.New("primary down")}
	secondary := &ttsmock.Provider{SynthesizeChunks: [][]byte{{5, 6}}}

	fb := NewTTSFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	ch, err := fb.SynthesizeStream(context.Background(), feedText("hi"), types.VoiceProfile{ID: "v1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if audio := drainAudio(ch); len(audio) != 1 {
		t.Fatalf("got %d audio chunks, want 1", len(audio))
	}
	if calls := secondary.Calls(); len(calls) != 1 || calls[0].Text != "hi" {
		t.Fatalf("secondary calls = %+v", calls)
	}
}

func TestTTSFallback_SynthesizeStream_AllFail(t *testing.T) {
	t.Parallel()
	fb := NewTTSFallback(&ttsmock.Provider{SynthesizeErr: errors.New("a")}, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", &ttsmock.Provider{SynthesizeErr: errors.New("b")})

	_, err := fb.SynthesizeStream(context.Background(), feedText("x"), types.VoiceProfile{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestTTSFallback_ListVoices_Failover(t *testing.T) {
	t.Parallel()
	primary := &ttsmock.Provider{ListVoicesErr: errors.New("primary down")}
	secondary := &ttsmock.Provider{
		ListVoicesResult: []types.VoiceProfile{{ID: "v1", Name: "Rachel"}, {ID: "v2", Name: "Adam"}},
	}

	fb := NewTTSFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	voices, err := fb.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(voices) != 2 || voices[0].Name != "Rachel" {
		t.Fatalf("voices = %+v", voices)
	}
}
