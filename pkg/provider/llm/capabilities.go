package llm

import (
	"strings"

	"github.com/MrWong99/speechquery/pkg/types"
)

// DefaultCapabilities applies to models no entry of the family table matches.
var DefaultCapabilities = types.ModelCapabilities{
	SupportsStreaming: true,
	ContextWindow:     128_000,
	MaxOutputTokens:   4_096,
}

// family matches model names by prefix, or by substring when contains is set.
// Zero fields fall back to [DefaultCapabilities].
type family struct {
	match    string
	contains bool
	window   int
	output   int
}

// families is checked in order; more specific names come first.
var families = []family{
	// OpenAI
	{match: "gpt-4o", output: 16_384},
	{match: "gpt-4-turbo"},
	{match: "gpt-4", window: 8_192},
	{match: "gpt-3.5-turbo", window: 16_385},
	{match: "o1-mini", output: 65_536},
	{match: "o1", window: 200_000, output: 100_000},
	{match: "o3", window: 200_000, output: 100_000},
	// Anthropic
	{match: "claude-3-opus", contains: true, window: 200_000},
	{match: "claude", window: 200_000, output: 8_192},
	// Google
	{match: "gemini-1.5-pro", contains: true, window: 2_097_152, output: 8_192},
	{match: "gemini-2.0-flash", contains: true, window: 1_048_576, output: 8_192},
	{match: "gemini-1.5-flash", contains: true, window: 1_048_576, output: 8_192},
	{match: "gemini", output: 8_192},
}

// CapabilitiesFor returns the known limits of model, matched
// case-insensitively against the model families the bundled providers serve.
func CapabilitiesFor(model string) types.ModelCapabilities {
	lower := strings.ToLower(model)
	caps := DefaultCapabilities
	for _, f := range families {
		hit := strings.HasPrefix(lower, f.match)
		if f.contains {
			hit = strings.Contains(lower, f.match)
		}
		if !hit {
			continue
		}
		if f.window > 0 {
			caps.ContextWindow = f.window
		}
		if f.output > 0 {
			caps.MaxOutputTokens = f.output
		}
		break
	}
	return caps
}
