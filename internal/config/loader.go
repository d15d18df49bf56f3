package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"deepgram", "whisper"},
	"tts": {"elevenlabs", "coqui"},
}

// Load reads the YAML configuration file at path and returns a validated [Config]
// with defaults applied. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. An empty document yields the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero-valued fields of cfg with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Conversation.ThresholdRatio == 0 {
		cfg.Conversation.ThresholdRatio = DefaultThresholdRatio
	}

	c := &cfg.Client
	if c.ServerURL == "" {
		c.ServerURL = DefaultServerURL
	}
	if c.LogLevel == "" {
		c.LogLevel = LogInfo
	}
	if c.Recognition.Mode == "" {
		c.Recognition.Mode = RecognitionText
	}
	if c.Recognition.Language == "" {
		c.Recognition.Language = DefaultRecognitionLanguage
	}
	if c.Synthesis.Mode == "" {
		c.Synthesis.Mode = SynthesisSilent
	}
	if c.Synthesis.Language == "" {
		c.Synthesis.Language = DefaultSynthesisLanguage
	}
	if c.Synthesis.Rate == 0 {
		c.Synthesis.Rate = DefaultRate
	}
	if c.Synthesis.ResponseFloor == 0 {
		c.Synthesis.ResponseFloor = DefaultResponseFloor
	}
	if c.Audio.SampleRate == 0 {
		c.Audio.SampleRate = DefaultSampleRate
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil {
		if tls.CertFile == "" {
			errs = append(errs, errors.New("server.tls.cert_file is required when server.tls is set"))
		}
		if tls.KeyFile == "" {
			errs = append(errs, errors.New("server.tls.key_file is required when server.tls is set"))
		}
	}

	// Providers
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	errs = append(errs, validateFallbacks("llm", cfg.Providers.LLM, cfg.Providers.LLMFallbacks)...)
	errs = append(errs, validateFallbacks("stt", cfg.Providers.STT, cfg.Providers.STTFallbacks)...)
	errs = append(errs, validateFallbacks("tts", cfg.Providers.TTS, cfg.Providers.TTSFallbacks)...)

	// Conversation
	conv := cfg.Conversation
	if conv.ContextWindow < 0 {
		errs = append(errs, fmt.Errorf("conversation.context_window %d must not be negative", conv.ContextWindow))
	}
	if conv.ThresholdRatio < 0 || conv.ThresholdRatio > 1 {
		errs = append(errs, fmt.Errorf("conversation.threshold_ratio %.2f is out of range (0, 1]", conv.ThresholdRatio))
	}
	if conv.MaxResponseTokens < 0 {
		errs = append(errs, fmt.Errorf("conversation.max_response_tokens %d must not be negative", conv.MaxResponseTokens))
	}

	// Client
	c := cfg.Client
	if c.LogLevel != "" && !c.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("client.log_level %q is invalid; valid values: debug, info, warn, error", c.LogLevel))
	}
	if c.Recognition.Mode != "" && !c.Recognition.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("client.recognition.mode %q is invalid; valid values: text, stt, audio", c.Recognition.Mode))
	}
	for i, k := range c.Recognition.Keywords {
		if k.Keyword == "" {
			errs = append(errs, fmt.Errorf("client.recognition.keywords[%d].keyword must not be empty", i))
		}
	}
	if c.Synthesis.Mode != "" && !c.Synthesis.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("client.synthesis.mode %q is invalid; valid values: tts, silent", c.Synthesis.Mode))
	}
	if c.Synthesis.Rate != 0 && (c.Synthesis.Rate < MinRate || c.Synthesis.Rate > MaxRate) {
		errs = append(errs, fmt.Errorf("client.synthesis.rate %.2f is out of range [%.1f, %.1f]", c.Synthesis.Rate, MinRate, MaxRate))
	}
	if c.Synthesis.ResponseFloor < 0 {
		errs = append(errs, fmt.Errorf("client.synthesis.response_floor %s must not be negative", c.Synthesis.ResponseFloor))
	}
	if c.Audio.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("client.audio.sample_rate %d must not be negative", c.Audio.SampleRate))
	}

	// Mode ↔ provider cross-validation
	if c.Recognition.Mode == RecognitionSTT {
		if cfg.Providers.STT.Name == "" {
			errs = append(errs, errors.New("client.recognition.mode \"stt\" requires providers.stt to be configured"))
		}
		if c.Audio.CaptureDevice == "" {
			errs = append(errs, errors.New("client.recognition.mode \"stt\" requires client.audio.capture_device"))
		}
	}
	if c.Recognition.Mode == RecognitionAudio && c.Audio.CaptureDevice == "" {
		errs = append(errs, errors.New("client.recognition.mode \"audio\" requires client.audio.capture_device"))
	}
	if c.Synthesis.Mode == SynthesisTTS && cfg.Providers.TTS.Name == "" {
		errs = append(errs, errors.New("client.synthesis.mode \"tts\" requires providers.tts to be configured"))
	}

	return errors.Join(errs...)
}

// validateFallbacks checks the fallback list of one provider kind.
func validateFallbacks(kind string, primary ProviderEntry, fallbacks []ProviderEntry) []error {
	var errs []error
	for i, fb := range fallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.%s_fallbacks[%d].name is required", kind, i))
			continue
		}
		validateProviderName(kind, fb.Name)
	}
	if primary.Name == "" && len(fallbacks) > 0 {
		errs = append(errs, fmt.Errorf("providers.%s_fallbacks requires providers.%s to be configured", kind, kind))
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
