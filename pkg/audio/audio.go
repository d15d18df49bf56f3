// Package audio moves raw 16-bit little-endian PCM between capture devices,
// STT sessions, TTS streams and playback devices.
//
// The two abstractions are:
//
//   - [Source]: a capture device (microphone) emitting [types.AudioFrame] values.
//   - [Sink]: a playback device that consumes frames in real time.
//
// [StreamSource] and [StreamSink] adapt any byte stream (a FIFO fed by arecord,
// a pipe into aplay, a file) to these interfaces.
package audio

import (
	"context"
	"time"

	"github.com/MrWong99/speechquery/pkg/types"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// BytesPerSecond returns the byte rate of 16-bit PCM in this format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 2
}

// Duration returns the playback length of n bytes of PCM in this format.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// Source is an open capture device.
type Source interface {
	// Frames returns the captured audio. The channel is closed when the source
	// is closed or the underlying device ends.
	Frames() <-chan types.AudioFrame

	// Format reports the format of emitted frames.
	Format() Format

	// Close stops capturing. Safe to call more than once.
	Close() error
}

// Opener acquires a capture device. Errors wrap [io/fs.ErrPermission] when
// access was refused and [io/fs.ErrNotExist] when no device is present.
type Opener func(ctx context.Context) (Source, error)

// Sink is a playback device.
type Sink interface {
	// Play writes one frame and blocks until it has been played or ctx ends.
	// Frames in a different format are converted first.
	Play(ctx context.Context, frame types.AudioFrame) error

	// Format reports the device format.
	Format() Format
}
