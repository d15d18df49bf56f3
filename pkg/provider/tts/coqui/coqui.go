// Package coqui provides a TTS provider backed by a local Coqui TTS server
// (ghcr.io/coqui-ai/tts-cpu and compatible). It implements tts.Provider.
//
// The server synthesises one request at a time and answers with a WAV file,
// so SynthesizeStream splits incoming text into sentences and keeps a few
// requests in flight, emitting each sentence's PCM in order. It is useful as
// an offline fallback behind a streaming provider.
package coqui

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"
	"unicode"

	"github.com/MrWong99/speechquery/pkg/audio"
	"github.com/MrWong99/speechquery/pkg/provider/tts"
	"github.com/MrWong99/speechquery/pkg/types"
)

var _ tts.Provider = (*Provider)(nil)

const (
	synthPath   = "/api/tts"
	detailsPath = "/details"

	defaultTimeout    = 30 * time.Second
	defaultSampleRate = 16000

	// lookahead is the number of sentence requests kept in flight.
	lookahead = 3

	chunkBytes = 4096
)

// Option is a functional option for configuring a Coqui Provider.
type Option func(*Provider)

// WithSampleRate sets the rate PCM is resampled to before it is emitted.
// Defaults to 16000.
func WithSampleRate(rate int) Option {
	return func(p *Provider) { p.sampleRate = rate }
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 30s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.client.Timeout = d }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// Provider implements tts.Provider against a Coqui TTS server.
type Provider struct {
	baseURL    string
	sampleRate int
	client     *http.Client
}

// New returns a Provider for the server at baseURL (e.g. "http://localhost:5002").
func New(baseURL string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, errors.New("coqui: base URL must not be empty")
	}
	p := &Provider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		sampleRate: defaultSampleRate,
		client:     &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// SampleRate returns the rate of the emitted PCM.
func (p *Provider) SampleRate() int { return p.sampleRate }

// ─── Synthesis ──────────────────────────────────────────────────────────────

type result struct {
	pcm []byte
	err error
}

// SynthesizeStream implements tts.Provider. The speaking rate of voice is not
// supported by the server and is ignored. A failed sentence ends the stream.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error) {
	out := make(chan []byte, 64)
	pending := make(chan chan result, lookahead)

	// Sentence splitter: one request per sentence, results queued in order.
	go func() {
		defer close(pending)
		var buf strings.Builder
		dispatch := func(sentence string) bool {
			res := make(chan result, 1)
			select {
			case pending <- res:
			case <-ctx.Done():
				return false
			}
			go func() {
				pcm, err := p.synthesize(ctx, sentence, voice)
				res <- result{pcm: pcm, err: err}
			}()
			return true
		}
		for {
			select {
			case <-ctx.Done():
				return
			case fragment, ok := <-text:
				if !ok {
					if rest := strings.TrimSpace(buf.String()); rest != "" {
						dispatch(rest)
					}
					return
				}
				buf.WriteString(fragment)
				for {
					s := buf.String()
					i := sentenceEnd(s)
					if i < 0 {
						break
					}
					buf.Reset()
					buf.WriteString(s[i+1:])
					if sentence := strings.TrimSpace(s[:i+1]); sentence != "" && !dispatch(sentence) {
						return
					}
				}
			}
		}
	}()

	// Collector: emits results in sentence order.
	go func() {
		defer close(out)
		defer func() {
			for range pending {
			}
		}()
		for res := range pending {
			var r result
			select {
			case r = <-res:
			case <-ctx.Done():
				return
			}
			if r.err != nil {
				slog.Warn("coqui: synthesis failed", "err", r.err)
				return
			}
			for pcm := r.pcm; len(pcm) > 0; {
				n := min(chunkBytes, len(pcm))
				select {
				case out <- pcm[:n]:
				case <-ctx.Done():
					return
				}
				pcm = pcm[n:]
			}
		}
	}()

	return out, nil
}

// synthesize requests one sentence and returns its PCM at p.sampleRate.
func (p *Provider) synthesize(ctx context.Context, sentence string, voice types.VoiceProfile) ([]byte, error) {
	q := url.Values{"text": {sentence}}
	if voice.ID != "" {
		q.Set("speaker_id", voice.ID)
	}
	if lang := languageCode(voice.Language); lang != "" {
		q.Set("language_id", lang)
	}
	body, err := p.get(ctx, synthPath+"?"+q.Encode(), "audio/wav")
	if err != nil {
		return nil, err
	}
	pcm, format, err := audio.ParseWAV(body)
	if err != nil {
		return nil, fmt.Errorf("coqui: %w", err)
	}
	if format.Channels == 2 {
		pcm = audio.StereoToMono(pcm)
	}
	return audio.Resample16(pcm, 1, format.SampleRate, p.sampleRate), nil
}

// ─── Voices ─────────────────────────────────────────────────────────────────

type details struct {
	ModelName string   `json:"model_name"`
	Language  string   `json:"language"`
	Speakers  []string `json:"speakers"`
}

// ListVoices implements tts.Provider. Multi-speaker models list one voice per
// speaker; single-speaker models list one voice named after the model.
func (p *Provider) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	body, err := p.get(ctx, detailsPath, "application/json")
	if err != nil {
		return nil, err
	}
	var d details
	if err := json.Unmarshal(body, &d); err != nil {
		return nil, fmt.Errorf("coqui: decode details: %w", err)
	}

	voice := func(id string) types.VoiceProfile {
		return types.VoiceProfile{
			ID:       id,
			Name:     id,
			Provider: "coqui",
			Language: d.Language,
			Metadata: map[string]string{"model_name": d.ModelName},
		}
	}
	if len(d.Speakers) == 0 {
		name := d.ModelName
		if name == "" {
			name = "default"
		}
		v := voice("")
		v.Name = name
		return []types.VoiceProfile{v}, nil
	}
	speakers := slices.Sorted(slices.Values(d.Speakers))
	voices := make([]types.VoiceProfile, 0, len(speakers))
	for _, s := range speakers {
		voices = append(voices, voice(s))
	}
	return voices, nil
}

func (p *Provider) get(ctx context.Context, path, accept string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: build request: %w", err)
	}
	req.Header.Set("Accept", accept)
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: GET %s: %w", strings.SplitN(path, "?", 2)[0], err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("coqui: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coqui: GET %s: status %d", strings.SplitN(path, "?", 2)[0], resp.StatusCode)
	}
	return body, nil
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// sentenceEnd returns the index of the first '.', '!' or '?' that ends s or
// is followed by whitespace, or -1. "3.14" and "Dr.X" do not end a sentence.
func sentenceEnd(s string) int {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '.', '!', '?':
			if i+1 == len(s) || unicode.IsSpace(rune(s[i+1])) {
				return i
			}
		}
	}
	return -1
}

// languageCode reduces a BCP-47 tag to the primary subtag Coqui expects.
func languageCode(tag string) string {
	lang, _, _ := strings.Cut(tag, "-")
	return strings.ToLower(lang)
}
