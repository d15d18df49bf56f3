package capture

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/MrWong99/speechquery/pkg/audio"
	"github.com/MrWong99/speechquery/pkg/provider/stt"
	"github.com/MrWong99/speechquery/pkg/types"
)

var _ Recognizer = (*STTRecognizer)(nil)

// STTRecognizer recognises microphone audio with an [stt.Provider]. Finals
// become results; with interim results enabled the latest partial is reported
// as a trailing provisional result.
type STTRecognizer struct {
	provider stt.Provider
	open     audio.Opener
	format   audio.Format

	mu      sync.Mutex
	running bool
	stop    func()
}

// NewSTTRecognizer returns a recognizer that captures from open and
// transcribes with p. format is the capture format sent to the provider.
func NewSTTRecognizer(p stt.Provider, open audio.Opener, format audio.Format) *STTRecognizer {
	return &STTRecognizer{provider: p, open: open, format: format}
}

// Start implements Recognizer.
func (r *STTRecognizer) Start(ctx context.Context, cfg Config) (<-chan Event, error) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil, ErrAlreadyRecording
	}
	r.running = true
	r.mu.Unlock()

	fail := func(err error) (<-chan Event, error) {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
		return nil, err
	}

	src, err := r.open(ctx)
	if err != nil {
		return fail(fmt.Errorf("capture: %w", ClassifyMicError(err)))
	}
	sess, err := r.provider.StartStream(ctx, stt.StreamConfig{
		SampleRate: r.format.SampleRate,
		Channels:   r.format.Channels,
		Language:   cfg.Language,
		Keywords:   cfg.Keywords,
	})
	if err != nil {
		_ = src.Close()
		return fail(fmt.Errorf("capture: start stt: %w", err))
	}

	events := make(chan Event, 16)
	var once sync.Once
	stop := func() {
		once.Do(func() {
			_ = src.Close()
		})
	}
	r.mu.Lock()
	r.stop = stop
	r.mu.Unlock()

	// Pump audio until the source closes, then flush the session.
	go func() {
		defer func() {
			if err := sess.Close(); err != nil {
				slog.Warn("close stt session", "err", err)
			}
		}()
		done := ctx.Done()
		for {
			select {
			case f, ok := <-src.Frames():
				if !ok {
					return
				}
				if err := sess.SendAudio(f.Data); err != nil {
					events <- Event{Err: fmt.Errorf("capture: send audio: %w", err)}
					stop()
					for range src.Frames() {
					}
					return
				}
			case <-done:
				done = nil
				stop()
			}
		}
	}()

	go func() {
		defer func() {
			r.mu.Lock()
			r.running = false
			r.stop = nil
			r.mu.Unlock()
			close(events)
		}()
		r.collect(sess, cfg.InterimResults, events)
	}()
	return events, nil
}

// collect turns transcripts into cumulative result events until the session
// closes both channels.
func (r *STTRecognizer) collect(sess stt.SessionHandle, interim bool, events chan<- Event) {
	var finals []string
	partials := sess.Partials()
	if !interim {
		partials = nil
	}
	finalsCh := sess.Finals()
	emit := func(extra string) {
		res := make([]string, len(finals), len(finals)+1)
		copy(res, finals)
		if extra != "" {
			res = append(res, extra)
		}
		events <- Event{Results: res}
	}
	for finalsCh != nil || partials != nil {
		select {
		case t, ok := <-finalsCh:
			if !ok {
				finalsCh = nil
				continue
			}
			if text := spaced(finals, t); text != "" {
				finals = append(finals, text)
				emit("")
			}
		case t, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			if text := spaced(finals, t); text != "" {
				emit(text)
			}
		}
	}
}

// spaced returns t's text with a leading space when it follows earlier text.
func spaced(prev []string, t types.Transcript) string {
	text := strings.TrimSpace(t.Text)
	if text == "" || len(prev) == 0 {
		return text
	}
	return " " + text
}

// Stop implements Recognizer.
func (r *STTRecognizer) Stop() {
	r.mu.Lock()
	stop := r.stop
	r.mu.Unlock()
	if stop != nil {
		stop()
	}
}
