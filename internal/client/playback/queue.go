// Package playback speaks a streamed response as it arrives.
//
// Response chunks are appended to a pending buffer. A dispatch goroutine
// drains the buffer into one utterance at a time, never earlier than the
// response-start floor after the response began, so the first utterance has
// a chance to contain more than a word or two. Exactly one utterance is
// active at any moment: the previous one is cancelled before the next is
// spoken.
//
// An interrupted utterance is benign. Any other synthesis failure halts the
// queue for good; later chunks are dropped and [Queue.Err] reports the cause.
package playback

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/speechquery/pkg/types"
)

// DefaultFloor is the minimum time between the start of a response and its
// first utterance.
const DefaultFloor = time.Second

// VoiceSettings supplies the voice and rate at the moment an utterance is
// spoken.
type VoiceSettings interface {
	Selected() types.VoiceProfile
	Rate() float64
}

// Hooks observe queue transitions. They are called from the dispatch
// goroutine and must not call back into the queue synchronously. Nil hooks are
// skipped.
type Hooks struct {
	// OnSpeakStart fires when an utterance becomes audible.
	OnSpeakStart func()

	// OnIdle fires when an utterance ends (or is interrupted) and nothing is
	// left to speak.
	OnIdle func()

	// OnError fires once when a synthesis failure halts the queue.
	OnError func(err error)
}

// Option configures a [Queue].
type Option func(*Queue)

// WithFloor sets the response-start floor. Zero disables it.
func WithFloor(d time.Duration) Option {
	return func(q *Queue) {
		if d >= 0 {
			q.floor = d
		}
	}
}

// WithLanguage sets the locale passed with every utterance.
func WithLanguage(lang string) Option {
	return func(q *Queue) { q.language = lang }
}

// WithVoice sets the source of the voice and rate.
func WithVoice(v VoiceSettings) Option {
	return func(q *Queue) { q.voice = v }
}

// WithHooks registers transition hooks.
func WithHooks(h Hooks) Option {
	return func(q *Queue) { q.hooks = h }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// Queue buffers response text and speaks it through a [Synthesizer].
// All methods are safe for concurrent use.
type Queue struct {
	synth    Synthesizer
	floor    time.Duration
	language string
	voice    VoiceSettings
	hooks    Hooks
	now      func() time.Time

	mu            sync.Mutex
	buf           strings.Builder
	responseStart time.Time
	inFlight      bool
	err           error

	// stopUtterance cancels the utterance taken from the buffer, from take
	// until Speak returns.
	stopUtterance context.CancelFunc

	ctx    context.Context
	cancel context.CancelFunc
	notify chan struct{}
	done   chan struct{}
}

// New creates a [Queue] and starts its dispatch goroutine. Call [Queue.Close]
// to stop it.
func New(synth Synthesizer, opts ...Option) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		synth:  synth,
		floor:  DefaultFloor,
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	go q.dispatch()
	return q
}

// MarkResponseStart records the arrival of a response start marker. The
// next utterance is held back until the floor has elapsed from this moment.
func (q *Queue) MarkResponseStart() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.responseStart = q.now()
}

// Enqueue appends chunk to the pending buffer. After a failure the chunk is
// dropped.
func (q *Queue) Enqueue(chunk string) {
	q.mu.Lock()
	if q.err != nil {
		q.mu.Unlock()
		slog.Debug("playback halted, dropping chunk", "bytes", len(chunk))
		return
	}
	q.buf.WriteString(chunk)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Clear discards pending text and interrupts the current utterance, including
// one taken from the buffer that the synthesizer has not accepted yet.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.buf.Reset()
	if q.stopUtterance != nil {
		q.stopUtterance()
	}
	q.mu.Unlock()
	q.synth.Cancel()
}

// Busy reports whether anything is pending, queued for synthesis or being
// spoken.
func (q *Queue) Busy() bool {
	q.mu.Lock()
	busy := q.buf.Len() > 0 || q.inFlight
	q.mu.Unlock()
	return busy || q.synth.Pending() || q.synth.Speaking()
}

// Err returns the failure that halted the queue, or nil.
func (q *Queue) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}

// Close stops the dispatch goroutine and interrupts any utterance. It is
// idempotent.
func (q *Queue) Close() {
	q.cancel()
	q.synth.Cancel()
	<-q.done
}

func (q *Queue) dispatch() {
	defer close(q.done)

	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-q.notify:
		}

		for {
			wait, ok := q.nextWait()
			if !ok {
				break
			}
			if wait > 0 {
				timer.Reset(wait)
				select {
				case <-q.ctx.Done():
					return
				case <-timer.C:
				}
				// The buffer may have been cleared or the response restarted.
				continue
			}
			ctx, text, ok := q.take()
			if !ok {
				break
			}
			if !q.speak(ctx, text) {
				return
			}
		}
	}
}

// nextWait reports how long until the buffer may be drained. ok is false when
// there is nothing to do.
func (q *Queue) nextWait() (wait time.Duration, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil || q.buf.Len() == 0 || q.ctx.Err() != nil {
		return 0, false
	}
	return q.responseStart.Add(q.floor).Sub(q.now()), true
}

// take empties the buffer into one utterance text. The returned context ends
// when the utterance is cleared or the queue closes.
func (q *Queue) take() (context.Context, string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil || q.buf.Len() == 0 {
		return nil, "", false
	}
	text := q.buf.String()
	q.buf.Reset()
	q.inFlight = true
	ctx, cancel := context.WithCancel(q.ctx)
	q.stopUtterance = cancel
	return ctx, text, true
}

// speak synthesizes text and reports whether dispatch should continue.
func (q *Queue) speak(ctx context.Context, text string) bool {
	u := Utterance{Text: text, Language: q.language, Rate: 1, OnStart: q.hooks.OnSpeakStart}
	if q.voice != nil {
		u.Voice = q.voice.Selected()
		u.Rate = q.voice.Rate()
	}

	q.synth.Cancel()
	err := ErrInterrupted
	if ctx.Err() == nil {
		err = q.synth.Speak(ctx, u)
	}

	q.mu.Lock()
	q.inFlight = false
	q.stopUtterance()
	q.stopUtterance = nil
	switch {
	case q.ctx.Err() != nil:
		q.mu.Unlock()
		return false
	case err == nil, errors.Is(err, ErrInterrupted):
		idle := q.buf.Len() == 0
		q.mu.Unlock()
		if err != nil {
			slog.Debug("utterance interrupted", "bytes", len(text))
		}
		if idle && q.hooks.OnIdle != nil {
			q.hooks.OnIdle()
		}
		return true
	default:
		q.err = err
		q.buf.Reset()
		q.mu.Unlock()
		slog.Error("speech synthesis failed, playback halted", "err", err)
		if q.hooks.OnError != nil {
			q.hooks.OnError(err)
		}
		return false
	}
}
