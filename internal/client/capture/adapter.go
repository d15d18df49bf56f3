package capture

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/MrWong99/speechquery/internal/client/transcript"
	"github.com/MrWong99/speechquery/pkg/wire"
)

// ErrAlreadyRecording is returned by [Adapter.Start] during a session.
var ErrAlreadyRecording = errors.New("capture: already recording")

// Sender sends one text frame to the server.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// Adapter drives a [Recognizer] for one turn at a time.
type Adapter struct {
	rec    Recognizer
	sender Sender
	tr     *transcript.Renderer
	cfg    Config

	onRecording func(bool)
	onEnd       func(error)

	mu        sync.Mutex
	recording bool
	dedup     Deduper
	done      chan struct{}
}

// AdapterOption configures an [Adapter].
type AdapterOption func(*Adapter)

// WithRecordingHook sets the callback that applies or removes the recording
// visual state.
func WithRecordingHook(fn func(recording bool)) AdapterOption {
	return func(a *Adapter) { a.onRecording = fn }
}

// WithEndHook sets the callback invoked after a session ended and
// [wire.End] was sent. err is the recognition error, if any.
func WithEndHook(fn func(err error)) AdapterOption {
	return func(a *Adapter) { a.onEnd = fn }
}

// NewAdapter returns an Adapter that sends recognised text through sender
// and mirrors it into tr.
func NewAdapter(rec Recognizer, sender Sender, tr *transcript.Renderer, cfg Config, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		rec:         rec,
		sender:      sender,
		tr:          tr,
		cfg:         cfg,
		onRecording: func(bool) {},
		onEnd:       func(error) {},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Recording reports whether a session is active.
func (a *Adapter) Recording() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.recording
}

// Start begins a recording session. ctx bounds the session and the sends it
// makes.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.recording {
		a.mu.Unlock()
		return ErrAlreadyRecording
	}
	a.recording = true
	a.dedup.Reset()
	a.done = make(chan struct{})
	done := a.done
	a.mu.Unlock()

	a.onRecording(true)

	events, err := a.rec.Start(ctx, a.cfg)
	if err != nil {
		slog.Error("speech recognition failed to start", "err", err)
		a.mu.Lock()
		a.recording = false
		a.mu.Unlock()
		a.onRecording(false)
		close(done)
		return err
	}
	a.tr.BeginUserTurn()
	go a.run(ctx, events, done)
	return nil
}

// Stop asks the recognizer to finish. The session ends, and [wire.End] is
// sent, once pending results were delivered.
func (a *Adapter) Stop() {
	a.rec.Stop()
}

// Wait blocks until the current session, if any, has ended.
func (a *Adapter) Wait() {
	a.mu.Lock()
	done := a.done
	a.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (a *Adapter) run(ctx context.Context, events <-chan Event, done chan struct{}) {
	defer close(done)

	var failure error
	for ev := range events {
		if ev.Err != nil {
			slog.Error("speech recognition error", "err", ev.Err)
			if failure == nil {
				failure = ev.Err
			}
			a.mu.Lock()
			a.recording = false
			a.mu.Unlock()
			a.rec.Stop()
			continue
		}
		text := a.extract(ev.Results)
		if text == "" {
			continue
		}
		a.tr.Append(text)
		if err := a.sender.Send(ctx, text); err != nil {
			slog.Warn("send utterance", "err", err)
		}
	}

	a.mu.Lock()
	a.recording = false
	a.mu.Unlock()
	a.onRecording(false)
	if err := a.sender.Send(ctx, wire.End); err != nil {
		slog.Warn("send end of turn", "err", err)
	}
	a.onEnd(failure)
}

// extract returns the text of ev that has not been sent yet.
func (a *Adapter) extract(results []string) string {
	if len(results) == 0 {
		return ""
	}
	if a.cfg.InterimResults {
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.dedup.Next(results)
	}
	return results[len(results)-1]
}
