package playback

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/speechquery/pkg/audio"
	"github.com/MrWong99/speechquery/pkg/provider/tts"
	"github.com/MrWong99/speechquery/pkg/types"
)

// ErrInterrupted is returned by [Synthesizer.Speak] when the utterance was
// cancelled before it finished. It is not a failure.
var ErrInterrupted = errors.New("playback: interrupted")

// ErrNoAudio is returned when synthesis finished without producing any audio.
var ErrNoAudio = errors.New("playback: synthesis produced no audio")

// Utterance is one unit of speech handed to a [Synthesizer].
type Utterance struct {
	Text     string
	Voice    types.VoiceProfile
	Rate     float64
	Language string

	// OnStart is called once when the utterance becomes audible. May be nil.
	OnStart func()
}

func (u Utterance) started() {
	if u.OnStart != nil {
		u.OnStart()
	}
}

// Synthesizer speaks utterances one at a time.
type Synthesizer interface {
	// Speak blocks until u has been spoken, returning [ErrInterrupted] if it
	// was cancelled first.
	Speak(ctx context.Context, u Utterance) error

	// Cancel stops the in-flight utterance, if any.
	Cancel()

	// Speaking reports whether audio is being produced right now.
	Speaking() bool

	// Pending reports whether an utterance was accepted but is not audible yet.
	Pending() bool
}

// ─── TTS ────────────────────────────────────────────────────────────────────

// TTSSynthesizer speaks through a [tts.Provider] into an [audio.Sink].
type TTSSynthesizer struct {
	provider tts.Provider
	sink     audio.Sink
	format   audio.Format

	mu       sync.Mutex
	cancel   context.CancelFunc
	seq      uint64
	pending  bool
	speaking bool
}

var _ Synthesizer = (*TTSSynthesizer)(nil)

// NewTTSSynthesizer returns a synthesizer that plays p's output, which is PCM
// in format, on sink.
func NewTTSSynthesizer(p tts.Provider, sink audio.Sink, format audio.Format) *TTSSynthesizer {
	return &TTSSynthesizer{provider: p, sink: sink, format: format}
}

// Speak synthesizes u.Text and plays it. The provider reports failures only
// by closing its audio channel, so a stream that ends empty without being
// cancelled is reported as [ErrNoAudio].
func (s *TTSSynthesizer) Speak(ctx context.Context, u Utterance) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.seq++
	id := s.seq
	s.cancel = cancel
	s.pending, s.speaking = true, false
	s.mu.Unlock()
	defer s.finish(id)

	voice := u.Voice
	if u.Rate > 0 {
		voice.SpeedFactor = u.Rate
	}
	if voice.Language == "" {
		voice.Language = u.Language
	}
	text := make(chan string, 1)
	text <- u.Text
	close(text)

	chunks, err := s.provider.SynthesizeStream(ctx, text, voice)
	if err != nil {
		if ctx.Err() != nil {
			return ErrInterrupted
		}
		return fmt.Errorf("playback: synthesize: %w", err)
	}

	var (
		played  int
		playErr error
	)
	for chunk := range chunks {
		if ctx.Err() != nil || playErr != nil {
			continue
		}
		if played == 0 {
			s.mu.Lock()
			s.pending, s.speaking = false, true
			s.mu.Unlock()
			u.started()
		}
		played += len(chunk)
		frame := types.AudioFrame{Data: chunk, SampleRate: s.format.SampleRate, Channels: s.format.Channels}
		if err := s.sink.Play(ctx, frame); err != nil && ctx.Err() == nil {
			playErr = fmt.Errorf("playback: play: %w", err)
			cancel()
		}
	}
	switch {
	case playErr != nil:
		return playErr
	case ctx.Err() != nil:
		return ErrInterrupted
	case played == 0:
		return ErrNoAudio
	}
	return nil
}

func (s *TTSSynthesizer) finish(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seq == id {
		s.cancel = nil
		s.pending, s.speaking = false, false
	}
}

// Cancel interrupts the current utterance.
func (s *TTSSynthesizer) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

// Speaking reports whether audio is playing.
func (s *TTSSynthesizer) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking
}

// Pending reports whether synthesis has started but no audio arrived yet.
func (s *TTSSynthesizer) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// ─── Silent ─────────────────────────────────────────────────────────────────

// SilentSynthesizer produces no audio. Each utterance takes as long as it
// would take to read aloud at wordsPerMinute scaled by the utterance rate,
// so the pacing of the queue stays observable without a sound device.
type SilentSynthesizer struct {
	wpm int

	mu       sync.Mutex
	cancel   context.CancelFunc
	seq      uint64
	speaking bool
}

var _ Synthesizer = (*SilentSynthesizer)(nil)

// NewSilentSynthesizer returns a silent synthesizer. A non-positive
// wordsPerMinute makes every utterance finish immediately.
func NewSilentSynthesizer(wordsPerMinute int) *SilentSynthesizer {
	return &SilentSynthesizer{wpm: wordsPerMinute}
}

// Speak waits for the reading time of u.Text.
func (s *SilentSynthesizer) Speak(ctx context.Context, u Utterance) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.seq++
	id := s.seq
	s.cancel = cancel
	s.speaking = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.seq == id {
			s.cancel = nil
			s.speaking = false
		}
		s.mu.Unlock()
	}()

	u.started()
	d := s.duration(u)
	if d <= 0 {
		if ctx.Err() != nil {
			return ErrInterrupted
		}
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ErrInterrupted
	}
}

func (s *SilentSynthesizer) duration(u Utterance) time.Duration {
	if s.wpm <= 0 {
		return 0
	}
	rate := u.Rate
	if rate <= 0 {
		rate = 1
	}
	words := len(strings.Fields(u.Text))
	return time.Duration(float64(words) * float64(time.Minute) / (float64(s.wpm) * rate))
}

// Cancel interrupts the current utterance.
func (s *SilentSynthesizer) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

// Speaking reports whether an utterance is in progress.
func (s *SilentSynthesizer) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking
}

// Pending is always false; silent utterances start immediately.
func (s *SilentSynthesizer) Pending() bool { return false }
