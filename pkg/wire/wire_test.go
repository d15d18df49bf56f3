package wire_test

import (
	"testing"

	"github.com/MrWong99/speechquery/pkg/wire"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		frame string
		want  wire.Kind
	}{
		{"<start>", wire.KindStart},
		{"<end>", wire.KindEnd},
		{"Hello", wire.KindChunk},
		{"", wire.KindChunk},
		{" <end>", wire.KindChunk},
		{"<END>", wire.KindChunk},
		{"<start><end>", wire.KindChunk},
	}
	for _, tt := range tests {
		if got := wire.Classify(tt.frame); got != tt.want {
			t.Errorf("Classify(%q): got %v, want %v", tt.frame, got, tt.want)
		}
	}
}

func TestKindString(t *testing.T) {
	if wire.KindStart.String() != "start" || wire.KindEnd.String() != "end" || wire.KindChunk.String() != "chunk" {
		t.Error("unexpected kind names")
	}
}
