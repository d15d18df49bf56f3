// Package config provides the configuration schema, loader, and provider registry
// for the speech-query server and its terminal client.
package config

import (
	"time"

	"github.com/MrWong99/speechquery/pkg/types"
)

// LogLevel controls log verbosity for both binaries.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// RecognitionMode selects how the client turns microphone input into utterances.
type RecognitionMode string

const (
	// RecognitionText reads typed lines from the terminal, one utterance per line.
	RecognitionText RecognitionMode = "text"

	// RecognitionSTT runs a streaming STT provider locally against the capture device.
	RecognitionSTT RecognitionMode = "stt"

	// RecognitionAudio forwards raw PCM to the server, which transcribes it.
	RecognitionAudio RecognitionMode = "audio"
)

// IsValid reports whether m is a recognised recognition mode.
func (m RecognitionMode) IsValid() bool {
	switch m {
	case RecognitionText, RecognitionSTT, RecognitionAudio:
		return true
	}
	return false
}

// SynthesisMode selects how the client speaks responses.
type SynthesisMode string

const (
	// SynthesisTTS streams responses through the configured TTS provider to the
	// playback device.
	SynthesisTTS SynthesisMode = "tts"

	// SynthesisSilent paces utterances by an estimated speaking time without
	// producing audio.
	SynthesisSilent SynthesisMode = "silent"
)

// IsValid reports whether m is a recognised synthesis mode.
func (m SynthesisMode) IsValid() bool {
	return m == SynthesisTTS || m == SynthesisSilent
}

// Rate bounds for the client voice settings.
const (
	MinRate  = 0.1
	MaxRate  = 10.0
	RateStep = 0.1
)

// Defaults applied by [ApplyDefaults] to fields left empty.
const (
	DefaultListenAddr          = ":8888"
	DefaultServerURL           = "wss://localhost:8888/speech-query"
	DefaultRecognitionLanguage = "en-US"
	DefaultSynthesisLanguage   = "en-GB"
	DefaultRate                = 1.0
	DefaultResponseFloor       = time.Second
	DefaultSampleRate          = 16000
	DefaultContextWindow       = 4096
	DefaultThresholdRatio      = 0.75
)

// Config is the root configuration structure shared by the server and client.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Providers    ProvidersConfig    `yaml:"providers"`
	Conversation ConversationConfig `yaml:"conversation"`
	Memory       MemoryConfig       `yaml:"memory"`
	Client       ClientConfig       `yaml:"client"`
}

// ServerConfig holds network and logging settings for the server binary.
type ServerConfig struct {
	// ListenAddr is the TCP address to listen on (e.g., ":8888").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls log verbosity. Valid values: debug, info, warn, error.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures HTTPS. If nil, the server listens on plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// StaticDir is the directory served at "/" (index.html) and "/static/".
	// Empty disables both routes.
	StaticDir string `yaml:"static_dir"`
}

// TLSConfig holds paths to a TLS certificate and private key.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ProvidersConfig declares which provider implementation to use for each slot.
type ProvidersConfig struct {
	LLM ProviderEntry `yaml:"llm"`

	// LLMFallbacks are tried in order when the primary LLM fails.
	LLMFallbacks []ProviderEntry `yaml:"llm_fallbacks"`

	STT ProviderEntry `yaml:"stt"`

	// STTFallbacks are tried in order when the primary STT fails to open a
	// stream.
	STTFallbacks []ProviderEntry `yaml:"stt_fallbacks"`

	TTS ProviderEntry `yaml:"tts"`

	// TTSFallbacks are tried in order when the primary TTS fails to start.
	TTSFallbacks []ProviderEntry `yaml:"tts_fallbacks"`
}

// ProviderEntry is the generic configuration block for a single provider.
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "deepgram").
	Name string `yaml:"name"`

	// APIKey is the authentication credential for the provider's API.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model offered by the provider.
	Model string `yaml:"model"`

	// Options holds arbitrary provider-specific configuration.
	Options map[string]any `yaml:"options"`
}

// ConversationConfig controls the per-connection chat history kept by the server.
type ConversationConfig struct {
	// SystemPrompt is prepended to every completion request. Hot-reloadable.
	SystemPrompt string `yaml:"system_prompt"`

	// ContextWindow is the token budget for history. Zero uses the LLM's
	// advertised context window, or [DefaultContextWindow] if it reports none.
	ContextWindow int `yaml:"context_window"`

	// ThresholdRatio is the fraction of ContextWindow at which the oldest half
	// of the history is summarised.
	ThresholdRatio float64 `yaml:"threshold_ratio"`

	// MaxResponseTokens limits the length of each streamed reply. Zero means
	// provider default.
	MaxResponseTokens int `yaml:"max_response_tokens"`

	// Temperature is passed to the LLM unchanged. Zero means provider default.
	Temperature float64 `yaml:"temperature"`
}

// MemoryConfig configures turn persistence.
type MemoryConfig struct {
	// PostgresDSN is the connection string for the turn log. Empty keeps turns
	// in process memory only.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// ClientConfig configures the terminal client binary.
type ClientConfig struct {
	// ServerURL is the WebSocket endpoint of the server.
	ServerURL string `yaml:"server_url"`

	// InsecureSkipVerify disables TLS certificate verification (self-signed
	// development certificates).
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`

	LogLevel    LogLevel          `yaml:"log_level"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Synthesis   SynthesisConfig   `yaml:"synthesis"`
	Audio       AudioConfig       `yaml:"audio"`
}

// RecognitionConfig configures speech capture.
type RecognitionConfig struct {
	Mode RecognitionMode `yaml:"mode"`

	// Language is the recognition locale, e.g. "en-US".
	Language string `yaml:"language"`

	// InterimResults enables incremental sending of partial transcripts.
	InterimResults bool `yaml:"interim_results"`

	// Keywords are vocabulary hints for uncommon words. Providers without
	// keyword boosting ignore them.
	Keywords []KeywordConfig `yaml:"keywords"`
}

// KeywordConfig is one recognition vocabulary hint.
type KeywordConfig struct {
	Keyword string  `yaml:"keyword"`
	Boost   float64 `yaml:"boost"`
}

// KeywordBoosts returns the keywords in the form STT providers accept.
func (r RecognitionConfig) KeywordBoosts() []types.KeywordBoost {
	if len(r.Keywords) == 0 {
		return nil
	}
	out := make([]types.KeywordBoost, len(r.Keywords))
	for i, k := range r.Keywords {
		out[i] = types.KeywordBoost{Keyword: k.Keyword, Boost: k.Boost}
	}
	return out
}

// SynthesisConfig configures response playback.
type SynthesisConfig struct {
	Mode SynthesisMode `yaml:"mode"`

	// Language is the synthesis locale, e.g. "en-GB".
	Language string `yaml:"language"`

	// Voice is the preferred voice name or ID. Empty selects the first voice
	// the provider lists.
	Voice string `yaml:"voice"`

	// Rate is the initial speaking rate in [MinRate, MaxRate]. Hot-reloadable.
	Rate float64 `yaml:"rate"`

	// ResponseFloor is the minimum delay between the start of a response and
	// the first spoken utterance.
	ResponseFloor time.Duration `yaml:"response_floor"`
}

// AudioConfig names the raw PCM devices used by the client.
type AudioConfig struct {
	// CaptureDevice is a file or device path producing 16-bit little-endian PCM.
	CaptureDevice string `yaml:"capture_device"`

	// PlaybackDevice is a file or device path accepting 16-bit little-endian
	// PCM. Empty discards the audio at real-time pace.
	PlaybackDevice string `yaml:"playback_device"`

	// SampleRate of the capture device in Hz.
	SampleRate int `yaml:"sample_rate"`
}
