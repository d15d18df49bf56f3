package audio_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/speechquery/pkg/audio"
	"github.com/MrWong99/speechquery/pkg/types"
)

func TestStreamSource_Frames(t *testing.T) {
	format := audio.Format{SampleRate: 16000, Channels: 1}
	// 20ms at 16kHz mono = 640 bytes; 1000 bytes gives one full and one short frame.
	src := audio.NewStreamSource(io.NopCloser(bytes.NewReader(make([]byte, 1000))), format, 20*time.Millisecond)
	defer src.Close()

	var sizes []int
	var stamps []time.Duration
	for f := range src.Frames() {
		sizes = append(sizes, len(f.Data))
		stamps = append(stamps, f.Timestamp)
	}
	if len(sizes) != 2 || sizes[0] != 640 || sizes[1] != 360 {
		t.Errorf("frame sizes: got %v, want [640 360]", sizes)
	}
	if stamps[1] != 20*time.Millisecond {
		t.Errorf("second timestamp: got %v, want 20ms", stamps[1])
	}
}

func TestDeviceOpener_NotExist(t *testing.T) {
	open := audio.DeviceOpener(filepath.Join(t.TempDir(), "missing"), audio.Format{SampleRate: 16000, Channels: 1}, 0)
	_, err := open(context.Background())
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("error: got %v, want fs.ErrNotExist", err)
	}
}

func TestStreamSink_ConvertsAndWrites(t *testing.T) {
	var buf bytes.Buffer
	sink := audio.NewStreamSink(&buf, audio.Format{SampleRate: 16000, Channels: 2}, false)
	err := sink.Play(context.Background(), types.AudioFrame{Data: samplesToBytes([]int16{7}), SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("Play: %v", err)
	}
	if got := bytesToSamples(buf.Bytes()); !equalSamples(got, []int16{7, 7}) {
		t.Errorf("written: got %v, want [7 7]", got)
	}
}

func TestStreamSink_PacedCancel(t *testing.T) {
	sink := audio.NewStreamSink(io.Discard, audio.Format{SampleRate: 16000, Channels: 1}, true)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// One second of audio; cancellation must cut the wait short.
	start := time.Now()
	err := sink.Play(ctx, types.AudioFrame{Data: make([]byte, 32000), SampleRate: 16000, Channels: 1})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error: got %v, want context.Canceled", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("paced Play did not honour cancellation")
	}
}
