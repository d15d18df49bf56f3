package audio_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/MrWong99/speechquery/pkg/audio"
)

func TestWAV_EncodeParse(t *testing.T) {
	t.Parallel()
	pcm := []byte{1, 0, 2, 0, 3, 0, 4, 0}
	format := audio.Format{SampleRate: 22050, Channels: 1}

	wav := audio.EncodeWAV(pcm, format)
	if len(wav) != 44+len(pcm) {
		t.Fatalf("len = %d, want %d", len(wav), 44+len(pcm))
	}
	got, gotFormat, err := audio.ParseWAV(wav)
	if err != nil {
		t.Fatalf("ParseWAV: %v", err)
	}
	if !bytes.Equal(got, pcm) {
		t.Errorf("pcm = %v, want %v", got, pcm)
	}
	if gotFormat != format {
		t.Errorf("format = %+v, want %+v", gotFormat, format)
	}
}

func TestParseWAV_SkipsExtraChunks(t *testing.T) {
	t.Parallel()
	wav := audio.EncodeWAV([]byte{9, 0}, audio.Format{SampleRate: 16000, Channels: 1})

	// Insert an odd-sized LIST chunk between fmt and data.
	list := []byte("LIST")
	list = binary.LittleEndian.AppendUint32(list, 3)
	list = append(list, 'a', 'b', 'c', 0)
	var b []byte
	b = append(b, wav[:36]...)
	b = append(b, list...)
	b = append(b, wav[36:]...)

	pcm, _, err := audio.ParseWAV(b)
	if err != nil {
		t.Fatalf("ParseWAV: %v", err)
	}
	if !bytes.Equal(pcm, []byte{9, 0}) {
		t.Errorf("pcm = %v", pcm)
	}
}

func TestParseWAV_Invalid(t *testing.T) {
	t.Parallel()
	eightBit := audio.EncodeWAV([]byte{1, 2}, audio.Format{SampleRate: 8000, Channels: 1})
	binary.LittleEndian.PutUint16(eightBit[34:36], 8)

	tests := map[string][]byte{
		"empty":     nil,
		"not riff":  []byte("RIFX0000WAVEfmt "),
		"8 bit":     eightBit,
		"no data":   audio.EncodeWAV(nil, audio.Format{SampleRate: 8000, Channels: 1})[:36],
		"truncated": []byte("RIFF0000WAVE"),
	}
	for name, in := range tests {
		if _, _, err := audio.ParseWAV(in); !errors.Is(err, audio.ErrNotWAV) {
			t.Errorf("%s: err = %v, want ErrNotWAV", name, err)
		}
	}
}
