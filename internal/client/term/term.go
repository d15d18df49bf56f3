// Package term renders the client on a terminal.
//
// The button is a status line, Enter is a click, and the transcript streams
// to the output as it grows. Lines typed while recording are the recognised
// speech of the text recognizer. Slash commands drive the voice and rate
// controls.
package term

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/MrWong99/speechquery/internal/client/capture"
	"github.com/MrWong99/speechquery/internal/client/control"
	"github.com/MrWong99/speechquery/internal/client/transcript"
	"github.com/MrWong99/speechquery/internal/client/voice"
)

// Clicker receives button clicks.
type Clicker interface {
	Click()
}

// Feeder receives typed speech. *capture.TextRecognizer is a Feeder.
type Feeder interface {
	Feed(line string) error
}

var (
	_ control.View = (*View)(nil)
	_ Feeder       = (*capture.TextRecognizer)(nil)
)

// View is a terminal rendition of the client UI. Safe for concurrent use.
type View struct {
	voice *voice.Settings

	mu        sync.Mutex
	out       io.Writer
	icon      control.Icon
	button    bool
	controls  bool
	recording bool
	midLine   bool

	status *color.Color
	rec    *color.Color
	alert  *color.Color
}

// New returns a view writing to out. Colours are used when out is a terminal.
// settings may be nil when synthesis has no voices.
func New(out io.Writer, settings *voice.Settings) *View {
	v := &View{
		voice:    settings,
		out:      out,
		button:   true,
		controls: true,
		status:   color.New(color.Faint),
		rec:      color.New(color.FgRed, color.Bold),
		alert:    color.New(color.FgYellow, color.Bold),
	}
	tty := false
	if f, ok := out.(*os.File); ok {
		tty = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	for _, c := range []*color.Color{v.status, v.rec, v.alert} {
		if tty {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return v
}

// Attach streams tr to the output.
func (v *View) Attach(tr *transcript.Renderer) {
	tr.OnChange(func(appended string) {
		v.mu.Lock()
		defer v.mu.Unlock()
		fmt.Fprint(v.out, appended)
		v.midLine = !strings.HasSuffix(appended, "\n")
	})
}

// ── control.View ────────────────────────────────────────────────────────────

// SetIcon implements control.View.
func (v *View) SetIcon(i control.Icon) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.icon == i {
		return
	}
	v.icon = i
	v.renderLocked()
}

// SetButtonEnabled implements control.View.
func (v *View) SetButtonEnabled(enabled bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.button == enabled {
		return
	}
	v.button = enabled
	v.renderLocked()
}

// SetControlsEnabled implements control.View.
func (v *View) SetControlsEnabled(enabled bool) {
	v.mu.Lock()
	v.controls = enabled
	v.mu.Unlock()
	if v.voice != nil {
		v.voice.SetEnabled(enabled)
	}
}

// SetRecording implements control.View.
func (v *View) SetRecording(on bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.recording == on {
		return
	}
	v.recording = on
	v.renderLocked()
}

// Alert implements control.View.
func (v *View) Alert(msg string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.breakLocked()
	v.alert.Fprintf(v.out, "! %s\n", msg)
}

// Status returns the status line as last rendered.
func (v *View) Status() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.statusLocked()
}

func (v *View) statusLocked() string {
	var hint string
	switch {
	case v.recording:
		hint = "recording, type what you say and press Enter on an empty line to stop"
	case !v.button:
		hint = "responding..."
	case v.icon == control.IconStop:
		hint = "speaking, press Enter to stop"
	default:
		hint = "press Enter to speak"
	}
	return fmt.Sprintf("[%s] %s", v.icon, hint)
}

func (v *View) renderLocked() {
	v.breakLocked()
	line := v.statusLocked()
	if v.recording {
		v.rec.Fprintln(v.out, line)
		return
	}
	v.status.Fprintln(v.out, line)
}

// breakLocked ends a transcript line that is still open.
func (v *View) breakLocked() {
	if v.midLine {
		fmt.Fprintln(v.out)
		v.midLine = false
	}
}

func (v *View) println(format string, args ...any) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.breakLocked()
	v.status.Fprintf(v.out, format+"\n", args...)
}

// ── Input ───────────────────────────────────────────────────────────────────

// ReadInput reads lines from in until EOF, "/quit" or ctx ends. An empty
// line clicks the button; other lines are speech for speech, which may be
// nil when recognition is not typed.
func (v *View) ReadInput(ctx context.Context, in io.Reader, button Clicker, speech Feeder) error {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
			button.Click()
		case line == "/quit":
			return nil
		case line == "/help":
			v.println("Enter: button | /voices | /voice N | /rate R | + | - | /quit")
		case line == "/voices":
			v.listVoices()
		case strings.HasPrefix(line, "/voice "):
			v.selectVoice(strings.TrimSpace(strings.TrimPrefix(line, "/voice ")))
		case strings.HasPrefix(line, "/rate "):
			v.setRate(strings.TrimSpace(strings.TrimPrefix(line, "/rate ")))
		case line == "+", line == "-":
			v.stepRate(line)
		case speech != nil:
			if err := speech.Feed(line); errors.Is(err, capture.ErrNotRecording) {
				v.println("not recording, press Enter to start")
			}
		default:
			v.println("press Enter to speak")
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("term: read input: %w", err)
	}
	return nil
}

func (v *View) controlsUsable() bool {
	if v.voice == nil {
		v.println("no voice controls in this mode")
		return false
	}
	if !v.voice.Enabled() {
		v.println("voice controls are disabled while speaking")
		return false
	}
	return true
}

func (v *View) listVoices() {
	if v.voice == nil {
		v.println("no voice controls in this mode")
		return
	}
	voices := v.voice.Voices()
	if len(voices) == 0 {
		v.println("no voices available")
		return
	}
	sel := v.voice.SelectedIndex()
	var sb strings.Builder
	for i, vp := range voices {
		mark := " "
		if i == sel {
			mark = "*"
		}
		fmt.Fprintf(&sb, "%s %d %s (%s)\n", mark, i, vp.Name, vp.Language)
	}
	fmt.Fprintf(&sb, "rate %s", v.voice.RateLabel())
	v.println("%s", sb.String())
}

func (v *View) selectVoice(arg string) {
	if !v.controlsUsable() {
		return
	}
	i, err := strconv.Atoi(arg)
	if err != nil {
		v.println("usage: /voice N")
		return
	}
	if err := v.voice.Select(i); err != nil {
		v.println("%v", err)
		return
	}
	v.println("voice %s", v.voice.Selected().Name)
}

func (v *View) setRate(arg string) {
	if !v.controlsUsable() {
		return
	}
	r, err := strconv.ParseFloat(arg, 64)
	if err != nil {
		v.println("usage: /rate R")
		return
	}
	v.voice.SetRate(r)
	v.println("rate %s", v.voice.RateLabel())
}

func (v *View) stepRate(dir string) {
	if !v.controlsUsable() {
		return
	}
	if dir == "+" {
		v.voice.Step(1)
	} else {
		v.voice.Step(-1)
	}
	v.println("rate %s", v.voice.RateLabel())
}
