package conversation

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/speechquery/pkg/types"
)

// charsPerToken is the heuristic ratio used for token estimation.
// English text averages roughly 4 characters per token across common
// LLM tokenizers.
const charsPerToken = 4

// summaryPrefix introduces each summary in [ContextManager.Messages].
const summaryPrefix = "[Previous conversation summary]: "

// ContextManager tracks token usage of a chat history and triggers
// summarisation when approaching the context window limit.
//
// When the estimated token count exceeds thresholdRatio × maxTokens, the
// oldest half of the messages is summarised and replaced by a system summary
// message. If summarisation fails the history is kept intact and the error is
// returned; the next AddMessages call retries.
//
// All methods are safe for concurrent use.
type ContextManager struct {
	maxTokens      int
	thresholdRatio float64
	summariser     Summariser
	counter        TokenCounter

	mu            sync.Mutex
	currentTokens int
	messages      []types.Message
	summaries     []string
}

// ContextManagerConfig configures a [ContextManager].
type ContextManagerConfig struct {
	// MaxTokens is the context window budget for history.
	MaxTokens int

	// ThresholdRatio is the fraction of MaxTokens at which summarisation is
	// triggered. Defaults to 0.75 if zero or negative.
	ThresholdRatio float64

	// Summariser compresses older messages. Nil disables summarisation; the
	// oldest half is then dropped instead.
	Summariser Summariser

	// Counter measures messages, usually the LLM provider itself. Nil or a
	// failing count falls back to the 4 characters per token estimate.
	Counter TokenCounter
}

// TokenCounter counts the tokens of a message list. Every llm.Provider
// satisfies it.
type TokenCounter interface {
	CountTokens(messages []types.Message) (int, error)
}

// NewContextManager creates a new [ContextManager] with the given configuration.
func NewContextManager(cfg ContextManagerConfig) *ContextManager {
	ratio := cfg.ThresholdRatio
	if ratio <= 0 {
		ratio = 0.75
	}
	return &ContextManager{
		maxTokens:      cfg.MaxTokens,
		thresholdRatio: ratio,
		summariser:     cfg.Summariser,
		counter:        cfg.Counter,
	}
}

// AddMessages appends msgs and, when the estimate crosses the threshold,
// compresses the oldest half of the history.
func (cm *ContextManager) AddMessages(ctx context.Context, msgs ...types.Message) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	for _, m := range msgs {
		cm.messages = append(cm.messages, m)
		cm.currentTokens += cm.tokens(m)
	}

	if cm.currentTokens > cm.threshold() && len(cm.messages) > 1 {
		if err := cm.compactOldest(ctx); err != nil {
			return fmt.Errorf("conversation: auto-summarise: %w", err)
		}
	}
	return nil
}

// Messages returns the history with summaries first, as system messages.
func (cm *ContextManager) Messages() []types.Message {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	result := make([]types.Message, 0, len(cm.summaries)+len(cm.messages))
	for _, s := range cm.summaries {
		result = append(result, types.Message{Role: types.RoleSystem, Content: summaryPrefix + s})
	}
	return append(result, cm.messages...)
}

// TokenEstimate returns the current estimated token count, including
// summary tokens.
func (cm *ContextManager) TokenEstimate() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.currentTokens
}

// Reset clears all messages and summaries.
func (cm *ContextManager) Reset() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.messages = nil
	cm.summaries = nil
	cm.currentTokens = 0
}

func (cm *ContextManager) threshold() int {
	return int(float64(cm.maxTokens) * cm.thresholdRatio)
}

// compactOldest must be called with cm.mu held. The lock is released during
// the summariser call; only appends may happen meanwhile, so the prefix being
// summarised is unchanged when the lock is re-acquired.
func (cm *ContextManager) compactOldest(ctx context.Context) error {
	half := max(len(cm.messages)/2, 1)
	oldest := make([]types.Message, half)
	copy(oldest, cm.messages[:half])

	var summary string
	if cm.summariser != nil {
		cm.mu.Unlock()
		s, err := cm.summariser.Summarise(ctx, oldest)
		cm.mu.Lock()
		if err != nil {
			return err
		}
		summary = s
	}

	removed := 0
	for _, m := range oldest {
		removed += cm.tokens(m)
	}
	cm.messages = append([]types.Message(nil), cm.messages[half:]...)
	cm.currentTokens -= removed

	if summary != "" {
		cm.summaries = append(cm.summaries, summary)
		cm.currentTokens += cm.tokens(types.Message{Role: types.RoleSystem, Content: summaryPrefix + summary})
	}
	return nil
}

// tokens measures m with the configured counter.
func (cm *ContextManager) tokens(m types.Message) int {
	if cm.counter != nil {
		if n, err := cm.counter.CountTokens([]types.Message{m}); err == nil {
			return n
		}
	}
	return estimateTokens(m)
}

// estimateTokens returns a rough token count for a single message using
// the 1-token-per-4-characters heuristic.
func estimateTokens(m types.Message) int {
	chars := len(m.Content) + len(m.Role) + len(m.Name)
	tokens := chars / charsPerToken
	if tokens == 0 && chars > 0 {
		tokens = 1
	}
	return tokens
}
