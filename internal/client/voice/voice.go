// Package voice holds the synthesis voice selection and speaking rate shown
// next to the microphone button.
package voice

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/MrWong99/speechquery/internal/config"
	"github.com/MrWong99/speechquery/pkg/types"
)

// ErrNoSuchVoice is returned by [Settings.Select] for an index outside the
// voice list.
var ErrNoSuchVoice = errors.New("voice: no such voice")

// Lister lists the voices a synthesis engine offers. Every tts.Provider is a
// Lister.
type Lister interface {
	ListVoices(ctx context.Context) ([]types.VoiceProfile, error)
}

// Settings is the current voice and rate. The controls are enabled unless a
// response is being spoken; enablement only affects the view, programmatic
// changes are always applied. Safe for concurrent use.
type Settings struct {
	mu        sync.Mutex
	voices    []types.VoiceProfile
	selected  int
	rate      float64
	preferred string
	disabled  bool
}

// New returns settings with the given initial rate. preferred names the voice
// (by name or ID) to select once the list is populated; empty selects the
// first.
func New(rate float64, preferred string) *Settings {
	return &Settings{rate: Snap(rate), preferred: preferred}
}

// Snap rounds r to the nearest rate step and clamps it to the allowed range.
func Snap(r float64) float64 {
	r = math.Round(r/config.RateStep) * config.RateStep
	return math.Min(config.MaxRate, math.Max(config.MinRate, r))
}

// Populate fills the voice list from l. The list is filled once; later calls
// are no-ops while it is non-empty.
func (s *Settings) Populate(ctx context.Context, l Lister) error {
	s.mu.Lock()
	populated := len(s.voices) > 0
	s.mu.Unlock()
	if populated {
		return nil
	}

	voices, err := l.ListVoices(ctx)
	if err != nil {
		return fmt.Errorf("voice: list voices: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.voices) > 0 {
		return nil
	}
	s.voices = voices
	s.selected = 0
	for i, v := range voices {
		if s.preferred != "" && (strings.EqualFold(v.Name, s.preferred) || v.ID == s.preferred) {
			s.selected = i
			break
		}
	}
	return nil
}

// Voices returns a copy of the voice list.
func (s *Settings) Voices() []types.VoiceProfile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.VoiceProfile(nil), s.voices...)
}

// Select makes the i-th voice current.
func (s *Settings) Select(i int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.voices) {
		return fmt.Errorf("%w: index %d of %d", ErrNoSuchVoice, i, len(s.voices))
	}
	s.selected = i
	return nil
}

// SelectedIndex returns the index of the current voice, or -1 when the list
// is empty.
func (s *Settings) SelectedIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.voices) == 0 {
		return -1
	}
	return s.selected
}

// Selected returns the current voice, or the zero profile (engine default)
// when the list is empty.
func (s *Settings) Selected() types.VoiceProfile {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.voices) == 0 {
		return types.VoiceProfile{}
	}
	return s.voices[s.selected]
}

// Rate returns the speaking rate.
func (s *Settings) Rate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rate
}

// SetRate snaps r with [Snap], stores it and returns the stored value.
func (s *Settings) SetRate(r float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rate = Snap(r)
	return s.rate
}

// Step moves the rate by n steps and returns the new value.
func (s *Settings) Step(n int) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rate = Snap(s.rate + float64(n)*config.RateStep)
	return s.rate
}

// RateLabel is the rate as displayed: one decimal place.
func (s *Settings) RateLabel() string {
	return fmt.Sprintf("%.1f", s.Rate())
}

// SetEnabled enables or disables the controls.
func (s *Settings) SetEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disabled = !enabled
}

// Enabled reports whether the controls accept user input.
func (s *Settings) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.disabled
}
