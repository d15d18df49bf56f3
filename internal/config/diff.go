package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	ClientLogLevelChanged bool
	NewClientLogLevel     LogLevel

	// SystemPromptChanged applies to the next turn of every open conversation.
	SystemPromptChanged bool
	NewSystemPrompt     string

	RateChanged bool
	NewRate     float64
}

// Changed reports whether any hot-reloadable field differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.ClientLogLevelChanged || d.SystemPromptChanged || d.RateChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Client.LogLevel != new.Client.LogLevel {
		d.ClientLogLevelChanged = true
		d.NewClientLogLevel = new.Client.LogLevel
	}

	if old.Conversation.SystemPrompt != new.Conversation.SystemPrompt {
		d.SystemPromptChanged = true
		d.NewSystemPrompt = new.Conversation.SystemPrompt
	}

	if old.Client.Synthesis.Rate != new.Client.Synthesis.Rate {
		d.RateChanged = true
		d.NewRate = new.Client.Synthesis.Rate
	}

	return d
}
