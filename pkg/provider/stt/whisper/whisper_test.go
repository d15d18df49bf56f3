package whisper_test

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/speechquery/pkg/audio"
	"github.com/MrWong99/speechquery/pkg/provider/stt"
	"github.com/MrWong99/speechquery/pkg/provider/stt/whisper"
	"github.com/MrWong99/speechquery/pkg/types"
)

// inferenceServer answers /inference with texts in order and records the
// uploaded WAV lengths and form fields.
type inferenceServer struct {
	mu       sync.Mutex
	texts    []string
	pcmBytes []int
	language []string
	status   int
}

func (s *inferenceServer) start(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/inference" {
			http.NotFound(w, r)
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.status != 0 {
			w.WriteHeader(s.status)
			return
		}
		f, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer f.Close()
		wav, err := io.ReadAll(f)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		pcm, _, err := audio.ParseWAV(wav)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.pcmBytes = append(s.pcmBytes, len(pcm))
		s.language = append(s.language, r.FormValue("language"))
		text := ""
		if len(s.texts) > 0 {
			text, s.texts = s.texts[0], s.texts[1:]
		}
		json.NewEncoder(w).Encode(map[string]string{"text": " " + text + " "})
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

// tone returns d of a loud 440Hz sine at 16kHz mono.
func tone(d time.Duration) []byte {
	n := int(16 * d / time.Millisecond)
	buf := make([]byte, n*2)
	for i := range n {
		v := int16(10000 * math.Sin(2*math.Pi*440*float64(i)/16000))
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	return buf
}

func silence(d time.Duration) []byte {
	return make([]byte, 32*int(d/time.Millisecond))
}

func start(t *testing.T, url string, opts ...whisper.Option) stt.SessionHandle {
	t.Helper()
	p, err := whisper.New(url, opts...)
	if err != nil {
		t.Fatal(err)
	}
	s, err := p.StartStream(context.Background(), stt.StreamConfig{SampleRate: 16000, Channels: 1, Language: "de-DE"})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	return s
}

func nextFinal(t *testing.T, s stt.SessionHandle) types.Transcript {
	t.Helper()
	select {
	case tr, ok := <-s.Finals():
		if !ok {
			t.Fatal("finals closed")
		}
		return tr
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a final")
	}
	return types.Transcript{}
}

func TestNew_EmptyURL(t *testing.T) {
	t.Parallel()
	if _, err := whisper.New(""); err == nil {
		t.Fatal("expected error")
	}
}

func TestSession_PauseEndsUtterance(t *testing.T) {
	t.Parallel()
	srv := &inferenceServer{texts: []string{"hallo", "welt"}}
	s := start(t, srv.start(t), whisper.WithPause(200*time.Millisecond))
	defer s.Close()

	// Leading silence is not uploaded.
	for _, chunk := range [][]byte{silence(100 * time.Millisecond), tone(300 * time.Millisecond), silence(200 * time.Millisecond)} {
		if err := s.SendAudio(chunk); err != nil {
			t.Fatal(err)
		}
	}
	first := nextFinal(t, s)
	if first.Text != "hallo" || !first.IsFinal {
		t.Errorf("final = %+v", first)
	}
	if first.Timestamp != 100*time.Millisecond {
		t.Errorf("timestamp = %v, want 100ms", first.Timestamp)
	}

	if err := s.SendAudio(tone(100 * time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	go s.Close()
	if got := nextFinal(t, s); got.Text != "welt" {
		t.Errorf("flushed final = %q, want welt", got.Text)
	}
	if _, ok := <-s.Finals(); ok {
		t.Error("finals not closed after Close")
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	if len(srv.pcmBytes) != 2 || srv.pcmBytes[0] != 32*500 {
		t.Errorf("uploaded pcm = %v, want first %d", srv.pcmBytes, 32*500)
	}
	if srv.language[0] != "de" {
		t.Errorf("language = %q, want de", srv.language[0])
	}
}

func TestSession_MaxSegment(t *testing.T) {
	t.Parallel()
	srv := &inferenceServer{texts: []string{"long"}}
	s := start(t, srv.start(t), whisper.WithMaxSegment(200*time.Millisecond))
	defer s.Close()

	if err := s.SendAudio(tone(250 * time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	if got := nextFinal(t, s); got.Text != "long" {
		t.Errorf("final = %q", got.Text)
	}
}

func TestSession_SilenceOnlyMakesNoRequest(t *testing.T) {
	t.Parallel()
	srv := &inferenceServer{}
	s := start(t, srv.start(t))
	_ = s.SendAudio(silence(time.Second))
	s.Close()

	srv.mu.Lock()
	defer srv.mu.Unlock()
	if len(srv.pcmBytes) != 0 {
		t.Errorf("requests = %d, want 0", len(srv.pcmBytes))
	}
}

func TestSession_ServerErrorDropsUtterance(t *testing.T) {
	t.Parallel()
	srv := &inferenceServer{status: http.StatusInternalServerError}
	s := start(t, srv.start(t))
	_ = s.SendAudio(tone(100 * time.Millisecond))
	s.Close()
	if _, ok := <-s.Finals(); ok {
		t.Error("got a final from a failing server")
	}
}

func TestSession_SendAfterClose(t *testing.T) {
	t.Parallel()
	s := start(t, (&inferenceServer{}).start(t))
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := s.SendAudio(tone(10 * time.Millisecond)); !errors.Is(err, whisper.ErrClosed) {
		t.Errorf("SendAudio after Close = %v, want ErrClosed", err)
	}
}
