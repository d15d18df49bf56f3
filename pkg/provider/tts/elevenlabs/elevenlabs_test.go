package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/speechquery/pkg/types"
)

// ---- WebSocket message construction ----

func TestBuildWSMessage_FlushCommand(t *testing.T) {
	data, err := buildWSMessage("", nil)
	if err != nil {
		t.Fatalf("buildWSMessage: %v", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal flush: %v", err)
	}
	if string(raw["text"]) != `""` {
		t.Errorf("text: got %s, want empty string", raw["text"])
	}
	if _, exists := raw["voice_settings"]; exists {
		t.Error("flush message should not contain voice_settings")
	}
}

func TestSettingsFor_Speed(t *testing.T) {
	tests := []struct {
		factor float64
		want   float64
	}{
		{0, 0},
		{1.0, 1.0},
		{0.1, minSpeed},
		{3.5, maxSpeed},
	}
	for _, tt := range tests {
		got := settingsFor(types.VoiceProfile{ID: "v", SpeedFactor: tt.factor})
		if got.Speed != tt.want {
			t.Errorf("factor %.1f: speed got %.2f, want %.2f", tt.factor, got.Speed, tt.want)
		}
	}
}

func TestStreamURL(t *testing.T) {
	p, _ := New("key", WithBaseURL("https://eu.example.com/"))
	got := p.streamURL(types.VoiceProfile{ID: "voice-abc", Language: "en-GB"})
	for _, want := range []string{
		"wss://eu.example.com/v1/text-to-speech/voice-abc/stream-input?",
		"model_id=eleven_flash_v2_5",
		"output_format=pcm_16000",
		"language_code=en",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("url %q missing %q", got, want)
		}
	}
}

// ---- voices ----

func TestParseVoicesResponse(t *testing.T) {
	raw := []byte(`{"voices":[
		{"voice_id":"v1","name":"Alice","category":"premade","labels":{"accent":"british"}},
		{"voice_id":"v2","name":"Bob"}
	]}`)
	profiles, err := parseVoicesResponse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(profiles) != 2 {
		t.Fatalf("profiles: got %d, want 2", len(profiles))
	}
	if profiles[0].Metadata["accent"] != "british" || profiles[0].Metadata["category"] != "premade" {
		t.Errorf("metadata: got %v", profiles[0].Metadata)
	}
	if profiles[1].Provider != "elevenlabs" {
		t.Errorf("provider: got %q, want elevenlabs", profiles[1].Provider)
	}
	if _, err := parseVoicesResponse([]byte(`{bad`)); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestListVoices_HTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/voices" || r.Header.Get("xi-api-key") != "key" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, `{"voices":[{"voice_id":"v1","name":"Alice"}]}`)
	}))
	defer srv.Close()

	p, _ := New("key", WithBaseURL(srv.URL))
	voices, err := p.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(voices) != 1 || voices[0].Name != "Alice" {
		t.Errorf("voices: got %+v", voices)
	}
}

// ---- streaming ----

func TestSynthesizeStream(t *testing.T) {
	var gotTexts []string
	var gotSpeed float64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()

		_, boi, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var b boiMessage
		_ = json.Unmarshal(boi, &b)
		if b.VoiceSettings != nil {
			gotSpeed = b.VoiceSettings.Speed
		}
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var m textMessage
			_ = json.Unmarshal(data, &m)
			if m.Text == "" {
				audio := base64.StdEncoding.EncodeToString([]byte{1, 2, 3, 4})
				_ = conn.Write(ctx, websocket.MessageText, []byte(`{"audio":"`+audio+`"}`))
				_ = conn.Write(ctx, websocket.MessageText, []byte(`{"isFinal":true}`))
				return
			}
			gotTexts = append(gotTexts, m.Text)
		}
	}))
	defer srv.Close()

	p, _ := New("key", WithBaseURL(srv.URL))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	text := make(chan string, 1)
	text <- "Hello world"
	close(text)

	audio, err := p.SynthesizeStream(ctx, text, types.VoiceProfile{ID: "v1", SpeedFactor: 1.1})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	var total int
	for chunk := range audio {
		total += len(chunk)
	}
	if total != 4 {
		t.Errorf("audio bytes: got %d, want 4", total)
	}
	if len(gotTexts) != 1 || gotTexts[0] != "Hello world" {
		t.Errorf("texts: got %q", gotTexts)
	}
	if gotSpeed != 1.1 {
		t.Errorf("speed: got %.2f, want 1.10", gotSpeed)
	}
}

func TestSynthesizeStream_EmptyVoice(t *testing.T) {
	p, _ := New("key")
	if _, err := p.SynthesizeStream(context.Background(), nil, types.VoiceProfile{}); err == nil {
		t.Error("expected error for empty voice ID")
	}
}

// ---- constructor ----

func TestNew(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("expected error for empty API key")
	}
	p, err := New("key", WithModel("eleven_turbo_v2"), WithOutputFormat("pcm_24000"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.model != "eleven_turbo_v2" {
		t.Errorf("model: got %q", p.model)
	}
	if p.SampleRate() != 24000 {
		t.Errorf("sample rate: got %d, want 24000", p.SampleRate())
	}
	p2, _ := New("key", WithOutputFormat("mp3_44100_128"))
	if p2.SampleRate() != 16000 {
		t.Errorf("non-pcm sample rate: got %d, want 16000", p2.SampleRate())
	}
}
