package capture

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"

	"github.com/MrWong99/speechquery/internal/client/transcript"
	"github.com/MrWong99/speechquery/pkg/audio"
	"github.com/MrWong99/speechquery/pkg/wire"
)

// Microphone acquisition failures.
var (
	ErrMicPermission = errors.New("capture: microphone access denied")
	ErrMicNotFound   = errors.New("capture: no microphone found")
	ErrMicUnknown    = errors.New("capture: microphone unavailable")
)

// ClassifyMicError wraps err in one of [ErrMicPermission], [ErrMicNotFound]
// or [ErrMicUnknown]. Errors that are already classified are returned as is.
func ClassifyMicError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrMicPermission), errors.Is(err, ErrMicNotFound), errors.Is(err, ErrMicUnknown):
		return err
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %w", ErrMicPermission, err)
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %w", ErrMicNotFound, err)
	default:
		return fmt.Errorf("%w: %w", ErrMicUnknown, err)
	}
}

// MicAlert returns the message shown to the user for a microphone error.
func MicAlert(err error) string {
	switch {
	case errors.Is(err, ErrMicPermission):
		return "Microphone access was denied. Grant access to the capture device and try again."
	case errors.Is(err, ErrMicNotFound):
		return "No microphone was found. Connect a capture device and try again."
	default:
		return fmt.Sprintf("The microphone could not be opened: %v", err)
	}
}

// BinarySender sends text and binary frames to the server.
type BinarySender interface {
	Sender
	SendBinary(ctx context.Context, data []byte) error
}

// Forwarder streams raw microphone PCM to the server, which transcribes it.
// It has the same Start/Stop/Recording surface as [Adapter].
type Forwarder struct {
	open   audio.Opener
	sender BinarySender
	tr     *transcript.Renderer

	onRecording func(bool)
	onEnd       func(error)

	mu        sync.Mutex
	recording bool
	src       audio.Source
	done      chan struct{}
}

// NewForwarder returns a Forwarder capturing from open. Hooks are the same
// as for [NewAdapter].
func NewForwarder(open audio.Opener, sender BinarySender, tr *transcript.Renderer, opts ...AdapterOption) *Forwarder {
	// Reuse the adapter options to keep one hook vocabulary.
	tmp := &Adapter{onRecording: func(bool) {}, onEnd: func(error) {}}
	for _, o := range opts {
		o(tmp)
	}
	return &Forwarder{
		open:        open,
		sender:      sender,
		tr:          tr,
		onRecording: tmp.onRecording,
		onEnd:       tmp.onEnd,
	}
}

// Recording reports whether audio is being forwarded.
func (f *Forwarder) Recording() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recording
}

// Start acquires the microphone and begins forwarding. Acquisition errors
// are classified with [ClassifyMicError] and not retried.
func (f *Forwarder) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.recording {
		f.mu.Unlock()
		return ErrAlreadyRecording
	}
	f.mu.Unlock()

	src, err := f.open(ctx)
	if err != nil {
		err = ClassifyMicError(err)
		slog.Error("microphone acquisition failed", "err", err)
		return err
	}

	f.mu.Lock()
	f.recording = true
	f.src = src
	f.done = make(chan struct{})
	done := f.done
	f.mu.Unlock()

	f.onRecording(true)
	f.tr.BeginUserTurn()
	go f.run(ctx, src, done)
	return nil
}

// Stop releases the microphone. [wire.End] is sent after the last captured
// frame.
func (f *Forwarder) Stop() {
	f.mu.Lock()
	src := f.src
	f.mu.Unlock()
	if src != nil {
		_ = src.Close()
	}
}

// Wait blocks until the current session, if any, has ended.
func (f *Forwarder) Wait() {
	f.mu.Lock()
	done := f.done
	f.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (f *Forwarder) run(ctx context.Context, src audio.Source, done chan struct{}) {
	defer close(done)

	var failure error
	for frame := range src.Frames() {
		if failure != nil {
			continue
		}
		if err := f.sender.SendBinary(ctx, frame.Data); err != nil {
			slog.Error("forward audio", "err", err)
			failure = err
			_ = src.Close()
		}
	}

	f.mu.Lock()
	f.recording = false
	f.src = nil
	f.mu.Unlock()
	f.onRecording(false)
	if err := f.sender.Send(ctx, wire.End); err != nil {
		slog.Warn("send end of turn", "err", err)
	}
	f.onEnd(failure)
}
