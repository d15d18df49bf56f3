// Package mock provides test doubles for the audio package interfaces.
//
// Source emits frames that tests push into FramesCh. Sink records every frame
// it is asked to play.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/speechquery/pkg/audio"
	"github.com/MrWong99/speechquery/pkg/types"
)

// Source is a mock implementation of audio.Source.
type Source struct {
	mu     sync.Mutex
	closed bool

	// FramesCh is returned by Frames. Close closes it.
	FramesCh chan types.AudioFrame

	// SourceFormat is returned by Format.
	SourceFormat audio.Format

	CloseCallCount int
}

// NewSource returns a Source with a buffered frame channel.
func NewSource(format audio.Format) *Source {
	return &Source{FramesCh: make(chan types.AudioFrame, 16), SourceFormat: format}
}

// Frames returns FramesCh.
func (s *Source) Frames() <-chan types.AudioFrame { return s.FramesCh }

// Format returns SourceFormat.
func (s *Source) Format() audio.Format { return s.SourceFormat }

// Close closes FramesCh once.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	if !s.closed {
		s.closed = true
		close(s.FramesCh)
	}
	return nil
}

// Closed reports whether Close was called.
func (s *Source) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

var _ audio.Source = (*Source)(nil)

// Sink is a mock implementation of audio.Sink.
type Sink struct {
	mu sync.Mutex

	// SinkFormat is returned by Format.
	SinkFormat audio.Format

	// PlayErr, if non-nil, is returned by every Play call.
	PlayErr error

	// Block, if non-nil, makes Play wait until it is closed or ctx ends.
	Block chan struct{}

	Played []types.AudioFrame
}

// Play records the frame.
func (s *Sink) Play(ctx context.Context, frame types.AudioFrame) error {
	s.mu.Lock()
	block, err := s.Block, s.PlayErr
	s.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.Played = append(s.Played, frame)
	s.mu.Unlock()
	return ctx.Err()
}

// Format returns SinkFormat.
func (s *Sink) Format() audio.Format { return s.SinkFormat }

// Bytes returns the concatenated PCM of every played frame.
func (s *Sink) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []byte
	for _, f := range s.Played {
		out = append(out, f.Data...)
	}
	return out
}

var _ audio.Sink = (*Sink)(nil)
