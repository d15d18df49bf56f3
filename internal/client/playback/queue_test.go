package playback

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/speechquery/pkg/types"
)

// fakeSynth records utterances. Each Speak returns the next scripted error,
// or waits hold (or until cancelled when block is set).
type fakeSynth struct {
	mu        sync.Mutex
	texts     []string
	rates     []float64
	times     []time.Time
	active    int
	maxActive int
	cancel    context.CancelFunc
	errs      []error
	hold      time.Duration
	block     bool
	started   chan string
}

func newFakeSynth() *fakeSynth {
	return &fakeSynth{started: make(chan string, 64)}
}

func (f *fakeSynth) Speak(ctx context.Context, u Utterance) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	f.mu.Lock()
	f.texts = append(f.texts, u.Text)
	f.rates = append(f.rates, u.Rate)
	f.times = append(f.times, time.Now())
	f.active++
	f.maxActive = max(f.maxActive, f.active)
	f.cancel = cancel
	var err error
	if len(f.errs) > 0 {
		err, f.errs = f.errs[0], f.errs[1:]
	}
	hold, block := f.hold, f.block
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	u.started()
	f.started <- u.Text
	if err != nil {
		return err
	}
	if block {
		<-ctx.Done()
		return ErrInterrupted
	}
	select {
	case <-time.After(hold):
		return nil
	case <-ctx.Done():
		return ErrInterrupted
	}
}

func (f *fakeSynth) Cancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel != nil {
		f.cancel()
	}
}

func (f *fakeSynth) Speaking() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active > 0
}

func (f *fakeSynth) Pending() bool { return false }

func (f *fakeSynth) snapshot() (texts []string, maxActive int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...), f.maxActive
}

var _ Synthesizer = (*fakeSynth)(nil)

type fixedVoice struct{ rate float64 }

func (v fixedVoice) Selected() types.VoiceProfile { return types.VoiceProfile{ID: "v1", Name: "Amy"} }
func (v fixedVoice) Rate() float64                { return v.rate }

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitStarted(t *testing.T, f *fakeSynth) string {
	t.Helper()
	select {
	case s := <-f.started:
		return s
	case <-time.After(3 * time.Second):
		t.Fatal("no utterance started")
		return ""
	}
}

func TestQueue_SpeaksConcatenationWithoutOverlap(t *testing.T) {
	t.Parallel()
	synth := newFakeSynth()
	synth.hold = 20 * time.Millisecond
	q := New(synth, WithFloor(0))
	defer q.Close()

	chunks := []string{"Hello", " there.", " How", " are", " you", " today?", " Fine", " thanks."}
	for i, c := range chunks {
		q.Enqueue(c)
		if i%3 == 0 {
			time.Sleep(15 * time.Millisecond)
		}
	}
	eventually(t, func() bool { return !q.Busy() }, "queue never went idle")

	texts, maxActive := synth.snapshot()
	if got, want := strings.Join(texts, ""), strings.Join(chunks, ""); got != want {
		t.Errorf("spoken = %q, want %q", got, want)
	}
	if len(texts) < 1 || len(texts) > len(chunks) {
		t.Errorf("utterances = %d, want 1..%d", len(texts), len(chunks))
	}
	if maxActive != 1 {
		t.Errorf("max concurrent utterances = %d, want 1", maxActive)
	}
}

func TestQueue_FloorDelaysFirstUtterance(t *testing.T) {
	t.Parallel()
	const floor = 120 * time.Millisecond
	synth := newFakeSynth()
	q := New(synth, WithFloor(floor))
	defer q.Close()

	begin := time.Now()
	q.MarkResponseStart()
	q.Enqueue("Hi")
	q.Enqueue(" there")
	waitStarted(t, synth)

	synth.mu.Lock()
	at := synth.times[0]
	synth.mu.Unlock()
	if at.Sub(begin) < floor {
		t.Errorf("first utterance after %v, want >= %v", at.Sub(begin), floor)
	}
	eventually(t, func() bool { return !q.Busy() }, "queue never went idle")
	if texts, _ := synth.snapshot(); len(texts) != 1 || texts[0] != "Hi there" {
		t.Errorf("texts = %q, want one utterance %q", texts, "Hi there")
	}
}

func TestQueue_FloorAlreadyElapsed(t *testing.T) {
	t.Parallel()
	var now atomic.Int64
	now.Store(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano())
	clock := func() time.Time { return time.Unix(0, now.Load()) }

	synth := newFakeSynth()
	q := New(synth, WithFloor(time.Hour), WithClock(clock))
	defer q.Close()

	q.MarkResponseStart()
	now.Add(int64(2 * time.Hour))
	q.Enqueue("late")
	if got := waitStarted(t, synth); got != "late" {
		t.Errorf("spoke %q, want %q", got, "late")
	}
}

func TestQueue_VoiceAndLanguage(t *testing.T) {
	t.Parallel()
	synth := newFakeSynth()
	q := New(synth, WithFloor(0), WithVoice(fixedVoice{rate: 1.5}), WithLanguage("en-GB"))
	defer q.Close()

	q.Enqueue("x")
	waitStarted(t, synth)
	synth.mu.Lock()
	rate := synth.rates[0]
	synth.mu.Unlock()
	if rate != 1.5 {
		t.Errorf("rate = %v, want 1.5", rate)
	}
}

func TestQueue_HooksOnSuccess(t *testing.T) {
	t.Parallel()
	synth := newFakeSynth()
	var starts, idles atomic.Int32
	q := New(synth, WithFloor(0), WithHooks(Hooks{
		OnSpeakStart: func() { starts.Add(1) },
		OnIdle:       func() { idles.Add(1) },
		OnError:      func(error) { t.Error("OnError must not fire") },
	}))
	defer q.Close()

	q.Enqueue("one")
	eventually(t, func() bool { return idles.Load() == 1 }, "OnIdle never fired")
	if starts.Load() != 1 {
		t.Errorf("OnSpeakStart calls = %d, want 1", starts.Load())
	}
}

func TestQueue_InterruptedIsBenign(t *testing.T) {
	t.Parallel()
	synth := newFakeSynth()
	synth.errs = []error{ErrInterrupted}
	var idles atomic.Int32
	var alerts atomic.Int32
	q := New(synth, WithFloor(0), WithHooks(Hooks{
		OnIdle:  func() { idles.Add(1) },
		OnError: func(error) { alerts.Add(1) },
	}))
	defer q.Close()

	q.Enqueue("first")
	eventually(t, func() bool { return idles.Load() == 1 }, "UI not restored after interruption")
	if err := q.Err(); err != nil {
		t.Fatalf("Err() = %v, want nil", err)
	}

	q.Enqueue("second")
	eventually(t, func() bool { return idles.Load() == 2 }, "queue stopped after interruption")
	if alerts.Load() != 0 {
		t.Errorf("alerts = %d, want 0", alerts.Load())
	}
}

func TestQueue_ErrorHaltsQueue(t *testing.T) {
	t.Parallel()
	boom := errors.New("engine unavailable")
	synth := newFakeSynth()
	synth.errs = []error{boom}
	errs := make(chan error, 2)
	q := New(synth, WithFloor(0), WithHooks(Hooks{OnError: func(err error) { errs <- err }}))
	defer q.Close()

	q.Enqueue("doomed")
	select {
	case err := <-errs:
		if !errors.Is(err, boom) {
			t.Errorf("alert err = %v, want %v", err, boom)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("OnError never fired")
	}
	if !errors.Is(q.Err(), boom) {
		t.Errorf("Err() = %v, want %v", q.Err(), boom)
	}

	q.Enqueue("never spoken")
	time.Sleep(50 * time.Millisecond)
	if texts, _ := synth.snapshot(); len(texts) != 1 {
		t.Errorf("utterances after halt = %q, want only the failed one", texts)
	}
	if q.Busy() {
		t.Error("halted queue must not report busy")
	}
}

func TestQueue_ClearInterruptsAndDropsPending(t *testing.T) {
	t.Parallel()
	synth := newFakeSynth()
	synth.block = true
	var idles atomic.Int32
	q := New(synth, WithFloor(0), WithHooks(Hooks{OnIdle: func() { idles.Add(1) }}))
	defer q.Close()

	q.Enqueue("first")
	waitStarted(t, synth)
	q.Enqueue(" pending")
	if !q.Busy() {
		t.Fatal("queue should be busy while speaking")
	}

	q.Clear()
	eventually(t, func() bool { return !q.Busy() }, "queue still busy after Clear")
	eventually(t, func() bool { return idles.Load() == 1 }, "OnIdle not fired after Clear")
	if texts, _ := synth.snapshot(); len(texts) != 1 || texts[0] != "first" {
		t.Errorf("texts = %q, want only %q", texts, "first")
	}
	if err := q.Err(); err != nil {
		t.Errorf("Err() = %v after Clear, want nil", err)
	}
}

// gatedSynth holds the first Cancel call until release is closed, widening
// the gap between taking an utterance and handing it to Speak.
type gatedSynth struct {
	*fakeSynth
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (g *gatedSynth) Cancel() {
	if g.armed.CompareAndSwap(true, false) {
		close(g.entered)
		<-g.release
	}
	g.fakeSynth.Cancel()
}

func TestQueue_ClearBeforeSpeakStarts(t *testing.T) {
	t.Parallel()
	synth := &gatedSynth{fakeSynth: newFakeSynth(), entered: make(chan struct{}), release: make(chan struct{})}
	synth.block = true
	synth.armed.Store(true)
	q := New(synth, WithFloor(0))
	defer q.Close()

	q.Enqueue("Hello there.")
	select {
	case <-synth.entered:
	case <-time.After(3 * time.Second):
		t.Fatal("utterance never taken from the buffer")
	}
	q.Clear()
	close(synth.release)

	eventually(t, func() bool { return !q.Busy() }, "utterance still playing after Clear")
	if texts, _ := synth.snapshot(); len(texts) != 0 {
		t.Errorf("spoken = %q, want nothing", texts)
	}
	if err := q.Err(); err != nil {
		t.Errorf("Err = %v, want nil", err)
	}
}

func TestQueue_CloseIsIdempotent(t *testing.T) {
	t.Parallel()
	synth := newFakeSynth()
	synth.block = true
	q := New(synth, WithFloor(0))

	q.Enqueue("talking")
	waitStarted(t, synth)
	q.Close()
	q.Close()
	if synth.Speaking() {
		t.Error("Close must interrupt the current utterance")
	}
}
