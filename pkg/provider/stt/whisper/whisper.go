// Package whisper provides an STT provider backed by a local whisper.cpp
// server (the whisper-server binary, POST /inference). It implements
// stt.Provider.
//
// whisper.cpp transcribes whole recordings, so a session buffers PCM, cuts
// utterances at pauses with an energy threshold and posts each utterance as a
// WAV file. Every utterance yields a partial and a final with the same text.
package whisper

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/speechquery/pkg/audio"
	"github.com/MrWong99/speechquery/pkg/provider/stt"
	"github.com/MrWong99/speechquery/pkg/types"
)

var _ stt.Provider = (*Provider)(nil)

// ErrClosed is returned by SendAudio after Close.
var ErrClosed = errors.New("whisper: session closed")

const (
	inferencePath = "/inference"

	// silenceRMS is the energy below which a chunk counts as a pause, in
	// 16-bit sample units.
	silenceRMS = 300.0

	defaultSampleRate = 16000
	defaultPause      = 500 * time.Millisecond
	defaultMaxSegment = 10 * time.Second
	flushTimeout      = 30 * time.Second
)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel names the model the server should use. Empty uses the server's
// loaded model.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithPause sets how long a pause must last to end an utterance.
func WithPause(d time.Duration) Option {
	return func(p *Provider) { p.pause = d }
}

// WithMaxSegment caps the length of one utterance during continuous speech.
func WithMaxSegment(d time.Duration) Option {
	return func(p *Provider) { p.maxSegment = d }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// Provider implements stt.Provider against a whisper.cpp server.
type Provider struct {
	baseURL    string
	model      string
	pause      time.Duration
	maxSegment time.Duration
	client     *http.Client
}

// New returns a Provider for the server at baseURL (e.g. "http://localhost:8080").
func New(baseURL string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, errors.New("whisper: base URL must not be empty")
	}
	p := &Provider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		pause:      defaultPause,
		maxSegment: defaultMaxSegment,
		client:     &http.Client{Timeout: flushTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream implements stt.Provider. No request is made until the first
// utterance is complete.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: start stream: %w", err)
	}
	format := audio.Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels}
	if format.SampleRate <= 0 {
		format.SampleRate = defaultSampleRate
	}
	if format.Channels <= 0 {
		format.Channels = 1
	}
	lang, _, _ := strings.Cut(cfg.Language, "-")

	s := &session{
		p:        p,
		format:   format,
		language: strings.ToLower(lang),
		audio:    make(chan []byte, 64),
		partials: make(chan types.Transcript, 16),
		finals:   make(chan types.Transcript, 16),
		done:     make(chan struct{}),
		exited:   make(chan struct{}),
	}
	go s.run(ctx)
	return s, nil
}

// ─── Session ────────────────────────────────────────────────────────────────

type session struct {
	p        *Provider
	format   audio.Format
	language string

	audio    chan []byte
	partials chan types.Transcript
	finals   chan types.Transcript

	done     chan struct{}
	exited   chan struct{}
	doneOnce sync.Once
}

// SendAudio implements stt.SessionHandle.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return ErrClosed
	case <-s.exited:
		return ErrClosed
	}
}

func (s *session) Partials() <-chan types.Transcript { return s.partials }

func (s *session) Finals() <-chan types.Transcript { return s.finals }

// Close transcribes the buffered utterance, closes both transcript channels
// and waits for the session to finish.
func (s *session) Close() error {
	s.doneOnce.Do(func() { close(s.done) })
	<-s.exited
	return nil
}

// run owns the utterance buffer.
func (s *session) run(ctx context.Context) {
	defer close(s.exited)
	defer close(s.finals)
	defer close(s.partials)

	var (
		buf     []byte
		speech  bool
		silence time.Duration
		offset  time.Duration
	)
	maxBytes := int(int64(s.format.BytesPerSecond()) * int64(s.p.maxSegment) / int64(time.Second))

	flush := func(ctx context.Context) {
		pcm, hadSpeech := buf, speech
		start := offset
		offset += s.format.Duration(len(pcm))
		buf, speech, silence = nil, false, 0
		if !hadSpeech || len(pcm) == 0 {
			return
		}
		text, err := s.transcribe(ctx, pcm)
		if err != nil {
			slog.Warn("whisper: transcription failed", "err", err)
			return
		}
		if text == "" {
			return
		}
		t := types.Transcript{Text: text, Timestamp: start, Duration: s.format.Duration(len(pcm))}
		select {
		case s.partials <- t:
		default:
		}
		t.IsFinal = true
		select {
		case s.finals <- t:
		case <-ctx.Done():
		}
	}
	final := func() {
		// Drain what SendAudio queued before Close.
		for drained := false; !drained; {
			select {
			case chunk := <-s.audio:
				buf = append(buf, chunk...)
				speech = speech || rms(chunk) >= silenceRMS
			default:
				drained = true
			}
		}
		fctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		defer cancel()
		flush(fctx)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			final()
			return
		case chunk := <-s.audio:
			if rms(chunk) < silenceRMS {
				if !speech {
					// Leading silence only moves the clock.
					offset += s.format.Duration(len(chunk))
					continue
				}
				buf = append(buf, chunk...)
				silence += s.format.Duration(len(chunk))
				if silence >= s.p.pause {
					flush(ctx)
				}
				continue
			}
			speech, silence = true, 0
			buf = append(buf, chunk...)
			if maxBytes > 0 && len(buf) >= maxBytes {
				flush(ctx)
			}
		}
	}
}

// transcribe posts pcm as a WAV file and returns the recognised text.
func (s *session) transcribe(ctx context.Context, pcm []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "utterance.wav")
	if err != nil {
		return "", fmt.Errorf("whisper: build form: %w", err)
	}
	if _, err := fw.Write(audio.EncodeWAV(pcm, s.format)); err != nil {
		return "", fmt.Errorf("whisper: build form: %w", err)
	}
	fields := map[string]string{"response_format": "json", "language": s.language, "model": s.p.model}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return "", fmt.Errorf("whisper: build form: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("whisper: build form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.p.baseURL+inferencePath, &body)
	if err != nil {
		return "", fmt.Errorf("whisper: build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := s.p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper: POST %s: %w", inferencePath, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("whisper: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("whisper: POST %s: status %d", inferencePath, resp.StatusCode)
	}
	var out struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("whisper: decode response: %w", err)
	}
	return strings.TrimSpace(out.Text), nil
}

// rms returns the root-mean-square energy of 16-bit little-endian PCM.
func rms(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}
