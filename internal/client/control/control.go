// Package control implements the microphone button.
//
// A [Controller] owns the whole client session state: the button state
// machine (Idle → Recording → AwaitingResponse → Idle), whether the button is
// enabled, and which icon it shows. Recognizer, channel and playback callbacks
// post events to the controller's loop; nothing else mutates that state.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/speechquery/internal/client/capture"
	"github.com/MrWong99/speechquery/internal/client/channel"
	"github.com/MrWong99/speechquery/internal/client/playback"
)

// State is the button state.
type State int

const (
	// StateIdle waits for a click to start recording.
	StateIdle State = iota

	// StateRecording has an active recognizer.
	StateRecording

	// StateAwaitingResponse waits for the server to finish its response.
	StateAwaitingResponse
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateAwaitingResponse:
		return "awaiting-response"
	default:
		return "unknown"
	}
}

// Icon is the button icon.
type Icon int

const (
	// IconMic invites the user to speak.
	IconMic Icon = iota

	// IconPen shows that a response is being written.
	IconPen

	// IconStop offers to stop speech playback.
	IconStop
)

// String returns the icon name.
func (i Icon) String() string {
	switch i {
	case IconMic:
		return "mic"
	case IconPen:
		return "pen"
	case IconStop:
		return "stop"
	default:
		return "unknown"
	}
}

// View is the UI surface the controller drives.
type View interface {
	SetIcon(Icon)
	SetButtonEnabled(bool)
	// SetControlsEnabled toggles the voice and rate controls.
	SetControlsEnabled(bool)
	// SetRecording applies or removes the recording styling.
	SetRecording(bool)
	Alert(msg string)
}

// Capturer records one turn at a time. Both capture.Adapter and
// capture.Forwarder are Capturers.
type Capturer interface {
	Start(ctx context.Context) error
	Stop()
	Recording() bool
}

// Player speaks the response. *playback.Queue is a Player.
type Player interface {
	MarkResponseStart()
	Enqueue(chunk string)
	Clear()
	Busy() bool
}

// Transcript receives the response text.
type Transcript interface {
	BeginAssistantTurn()
	Append(text string)
}

var (
	_ Capturer = (*capture.Adapter)(nil)
	_ Capturer = (*capture.Forwarder)(nil)
	_ Player   = (*playback.Queue)(nil)
)

// SynthesisAlert is the message shown when speech synthesis fails.
func SynthesisAlert(err error) string {
	return fmt.Sprintf("An error occurred during speech synthesis: %v\n\nRestart the client to try again...", err)
}

// ─── Events ─────────────────────────────────────────────────────────────────

type eventKind int

const (
	evClick eventKind = iota
	evRecording
	evRecognitionEnded
	evResponseStart
	evResponseChunk
	evResponseEnd
	evSpeechStart
	evSpeechIdle
	evSpeechFailed
)

type event struct {
	kind eventKind
	text string
	on   bool
	err  error
}

const eventBuffer = 256

// ─── Controller ─────────────────────────────────────────────────────────────

// Controller runs the button state machine. Event methods may be called from
// any goroutine; they are processed in order by [Controller.Run].
type Controller struct {
	view View
	tr   Transcript

	events  chan event
	stopped chan struct{}

	// Owned by the Run loop; mu only guards reads from other goroutines.
	mu            sync.Mutex
	state         State
	buttonEnabled bool
	inResponse    bool
}

// New returns a controller driving view and tr.
func New(view View, tr Transcript) *Controller {
	return &Controller{
		view:          view,
		tr:            tr,
		events:        make(chan event, eventBuffer),
		stopped:       make(chan struct{}),
		buttonEnabled: true,
	}
}

// Handlers returns the session channel handlers that feed this controller.
func (c *Controller) Handlers() channel.Handlers {
	return channel.Handlers{
		OnStart: c.ResponseStart,
		OnEnd:   c.ResponseEnd,
		OnChunk: c.ResponseChunk,
	}
}

// PlaybackHooks returns the playback hooks that feed this controller.
func (c *Controller) PlaybackHooks() playback.Hooks {
	return playback.Hooks{
		OnSpeakStart: c.SpeechStarted,
		OnIdle:       c.SpeechIdle,
		OnError:      c.SpeechFailed,
	}
}

// CaptureOptions returns the capture options that feed this controller.
func (c *Controller) CaptureOptions() []capture.AdapterOption {
	return []capture.AdapterOption{
		capture.WithRecordingHook(c.RecordingChanged),
		capture.WithEndHook(c.RecognitionEnded),
	}
}

// Click posts a button click.
func (c *Controller) Click() { c.post(event{kind: evClick}) }

// RecordingChanged posts a change of the recognizer's recording state.
func (c *Controller) RecordingChanged(on bool) { c.post(event{kind: evRecording, on: on}) }

// RecognitionEnded posts the end of a recognition session.
func (c *Controller) RecognitionEnded(err error) {
	c.post(event{kind: evRecognitionEnded, err: err})
}

// ResponseStart posts a response start marker.
func (c *Controller) ResponseStart() { c.post(event{kind: evResponseStart}) }

// ResponseChunk posts a response text fragment.
func (c *Controller) ResponseChunk(text string) {
	c.post(event{kind: evResponseChunk, text: text})
}

// ResponseEnd posts a response end marker.
func (c *Controller) ResponseEnd() { c.post(event{kind: evResponseEnd}) }

// SpeechStarted posts that an utterance became audible.
func (c *Controller) SpeechStarted() { c.post(event{kind: evSpeechStart}) }

// SpeechIdle posts that playback has nothing left to say.
func (c *Controller) SpeechIdle() { c.post(event{kind: evSpeechIdle}) }

// SpeechFailed posts a synthesis failure.
func (c *Controller) SpeechFailed(err error) { c.post(event{kind: evSpeechFailed, err: err}) }

func (c *Controller) post(ev event) {
	select {
	case c.events <- ev:
	case <-c.stopped:
	}
}

// State returns the current button state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ButtonEnabled reports whether clicks are accepted.
func (c *Controller) ButtonEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buttonEnabled
}

// Run processes events until ctx is cancelled. capturer records turns and
// player speaks responses; ctx also bounds every recording session.
func (c *Controller) Run(ctx context.Context, capturer Capturer, player Player) error {
	defer close(c.stopped)

	c.view.SetIcon(IconMic)
	c.view.SetButtonEnabled(true)
	c.view.SetControlsEnabled(true)
	c.view.SetRecording(false)

	l := &loop{Controller: c, ctx: ctx, capturer: capturer, player: player}
	for {
		select {
		case <-ctx.Done():
			if capturer.Recording() {
				capturer.Stop()
			}
			return nil
		case ev := <-c.events:
			l.handle(ev)
		}
	}
}

// loop carries the collaborators of one Run call.
type loop struct {
	*Controller
	ctx      context.Context
	capturer Capturer
	player   Player
}

func (l *loop) handle(ev event) {
	switch ev.kind {
	case evClick:
		l.click()
	case evRecording:
		l.view.SetRecording(ev.on)
	case evRecognitionEnded:
		if ev.err != nil {
			slog.Warn("recognition ended with error", "err", ev.err)
		}
		if l.state == StateRecording {
			l.setState(StateAwaitingResponse)
		}
	case evResponseStart:
		l.tr.BeginAssistantTurn()
		l.player.MarkResponseStart()
		l.mu.Lock()
		l.inResponse = true
		l.mu.Unlock()
		l.setButton(false)
		l.view.SetIcon(IconPen)
		if l.state != StateRecording {
			l.setState(StateAwaitingResponse)
		}
	case evResponseChunk:
		l.tr.Append(ev.text)
		l.player.Enqueue(ev.text)
	case evResponseEnd:
		l.mu.Lock()
		l.inResponse = false
		l.mu.Unlock()
		if l.state == StateAwaitingResponse {
			l.setState(StateIdle)
		}
		if l.player.Busy() {
			l.view.SetIcon(IconStop)
		} else {
			l.view.SetIcon(IconMic)
		}
		l.setButton(true)
	case evSpeechStart:
		l.view.SetControlsEnabled(false)
	case evSpeechIdle:
		l.view.SetControlsEnabled(true)
		if !l.inResponse {
			l.view.SetIcon(IconMic)
		}
	case evSpeechFailed:
		l.view.SetControlsEnabled(true)
		l.view.Alert(SynthesisAlert(ev.err))
		if !l.inResponse {
			l.view.SetIcon(IconMic)
		}
	}
}

func (l *loop) click() {
	if !l.buttonEnabled {
		slog.Debug("click ignored while a response streams")
		return
	}
	if l.player.Busy() {
		l.player.Clear()
		l.view.SetIcon(IconMic)
		l.view.SetControlsEnabled(true)
		return
	}
	switch l.state {
	case StateIdle:
		if err := l.capturer.Start(l.ctx); err != nil {
			l.view.Alert(startAlert(err))
			return
		}
		l.setState(StateRecording)
	case StateRecording:
		l.capturer.Stop()
		l.setState(StateAwaitingResponse)
	case StateAwaitingResponse:
		slog.Debug("click ignored while awaiting the response")
	}
}

func (l *loop) setState(s State) {
	l.mu.Lock()
	prev := l.state
	l.state = s
	l.mu.Unlock()
	if prev != s {
		slog.Debug("button state", "from", prev, "to", s)
	}
}

func (l *loop) setButton(enabled bool) {
	l.mu.Lock()
	l.buttonEnabled = enabled
	l.mu.Unlock()
	l.view.SetButtonEnabled(enabled)
}

func startAlert(err error) string {
	switch {
	case errors.Is(err, capture.ErrMicPermission), errors.Is(err, capture.ErrMicNotFound), errors.Is(err, capture.ErrMicUnknown):
		return capture.MicAlert(err)
	default:
		return fmt.Sprintf("Speech recognition could not start: %v", err)
	}
}
