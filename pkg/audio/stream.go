package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/speechquery/pkg/types"
)

// DefaultFrameDuration is the length of each frame read by a [StreamSource].
const DefaultFrameDuration = 20 * time.Millisecond

// ── Source ────────────────────────────────────────────────────────────────────

var _ Source = (*StreamSource)(nil)

// StreamSource reads fixed-size PCM frames from a byte stream.
type StreamSource struct {
	r      io.ReadCloser
	format Format
	frames chan types.AudioFrame
	once   sync.Once
	done   chan struct{}
}

// NewStreamSource starts reading frames of frameDur from r. The source owns r
// and closes it on Close or at end of stream.
func NewStreamSource(r io.ReadCloser, format Format, frameDur time.Duration) *StreamSource {
	if frameDur <= 0 {
		frameDur = DefaultFrameDuration
	}
	s := &StreamSource{
		r:      r,
		format: format,
		frames: make(chan types.AudioFrame, 16),
		done:   make(chan struct{}),
	}
	frameBytes := int(int64(format.BytesPerSecond()) * int64(frameDur) / int64(time.Second))
	frameBytes -= frameBytes % (2 * max(format.Channels, 1))
	go s.readLoop(max(frameBytes, 2))
	return s
}

// DeviceOpener returns an Opener that opens path (a capture device node or a
// FIFO fed by a recorder) as a StreamSource. Open errors keep their
// [io/fs] classification.
func DeviceOpener(path string, format Format, frameDur time.Duration) Opener {
	return func(ctx context.Context) (Source, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("audio: open capture device: %w", err)
		}
		return NewStreamSource(f, format, frameDur), nil
	}
}

func (s *StreamSource) readLoop(frameBytes int) {
	defer close(s.frames)
	var offset time.Duration
	for {
		buf := make([]byte, frameBytes)
		n, err := io.ReadFull(s.r, buf)
		if n > 0 {
			n -= n % 2
			frame := types.AudioFrame{
				Data:       buf[:n],
				SampleRate: s.format.SampleRate,
				Channels:   s.format.Channels,
				Timestamp:  offset,
			}
			offset += s.format.Duration(n)
			select {
			case s.frames <- frame:
			case <-s.done:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// Frames implements Source.
func (s *StreamSource) Frames() <-chan types.AudioFrame { return s.frames }

// Format implements Source.
func (s *StreamSource) Format() Format { return s.format }

// Close implements Source.
func (s *StreamSource) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.r.Close()
		if errors.Is(err, os.ErrClosed) {
			err = nil
		}
	})
	return err
}

// ── Sink ──────────────────────────────────────────────────────────────────────

var _ Sink = (*StreamSink)(nil)

// StreamSink writes PCM to a byte stream. When paced, Play blocks for the
// frame's playback duration after writing, so callers observe real-time
// progress and can interrupt playback by cancelling ctx.
type StreamSink struct {
	mu     sync.Mutex
	w      io.Writer
	format Format
	paced  bool
	conv   Converter
}

// NewStreamSink returns a sink writing format-converted PCM to w.
func NewStreamSink(w io.Writer, format Format, paced bool) *StreamSink {
	return &StreamSink{w: w, format: format, paced: paced, conv: Converter{Target: format}}
}

// Play implements Sink.
func (s *StreamSink) Play(ctx context.Context, frame types.AudioFrame) error {
	s.mu.Lock()
	converted := s.conv.Convert(frame)
	if len(converted.Data) > 0 {
		if _, err := s.w.Write(converted.Data); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("audio: write sink: %w", err)
		}
	}
	s.mu.Unlock()

	if !s.paced {
		return ctx.Err()
	}
	timer := time.NewTimer(s.format.Duration(len(converted.Data)))
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Format implements Sink.
func (s *StreamSink) Format() Format { return s.format }
