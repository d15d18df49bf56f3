package llm

import (
	"context"

	"github.com/MrWong99/speechquery/pkg/types"
)

// streamBuffer is the channel capacity used by the bundled providers.
const streamBuffer = 32

// NewStream returns the channel a provider streams a reply into.
func NewStream() chan Chunk {
	return make(chan Chunk, streamBuffer)
}

// Send delivers c on out unless ctx ends first. Chunks with neither text nor
// a finish reason are dropped so every delivered chunk is worth a frame. It
// reports false once ctx is done and the producer should stop.
func Send(ctx context.Context, out chan<- Chunk, c Chunk) bool {
	if c.Text == "" && c.FinishReason == "" {
		return ctx.Err() == nil
	}
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

// Fail ends a stream with a [FinishReasonError] chunk carrying err.
func Fail(ctx context.Context, out chan<- Chunk, err error) {
	Send(ctx, out, Chunk{FinishReason: FinishReasonError, Err: err})
}

// EstimateTokens approximates the prompt size of messages for models whose
// vendor offers no tokenizer: four bytes per token, rounded up, plus four
// tokens of role framing per message.
func EstimateTokens(messages []types.Message) int {
	total := 0
	for _, m := range messages {
		total += (len(m.Content)+3)/4 + 4
	}
	return total
}
