// Command speechquery-client is the terminal voice-chat client. It opens a
// session with a speechquery server, records one turn per button press,
// streams the response into the transcript and speaks it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/speechquery/internal/app"
	"github.com/MrWong99/speechquery/internal/client/capture"
	"github.com/MrWong99/speechquery/internal/client/channel"
	"github.com/MrWong99/speechquery/internal/client/control"
	"github.com/MrWong99/speechquery/internal/client/playback"
	"github.com/MrWong99/speechquery/internal/client/term"
	"github.com/MrWong99/speechquery/internal/client/transcript"
	"github.com/MrWong99/speechquery/internal/client/voice"
	"github.com/MrWong99/speechquery/internal/config"
	"github.com/MrWong99/speechquery/internal/resilience"
	"github.com/MrWong99/speechquery/pkg/audio"
	"github.com/MrWong99/speechquery/pkg/provider/stt"
	"github.com/MrWong99/speechquery/pkg/provider/stt/deepgram"
	"github.com/MrWong99/speechquery/pkg/provider/stt/whisper"
	"github.com/MrWong99/speechquery/pkg/provider/tts"
	"github.com/MrWong99/speechquery/pkg/provider/tts/coqui"
	"github.com/MrWong99/speechquery/pkg/provider/tts/elevenlabs"
)

// silentWordsPerMinute paces utterances when synthesis produces no audio.
const silentWordsPerMinute = 180

// errServerClosed stops the client when the server ends the session.
var errServerClosed = errors.New("server closed the session")

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "speechquery-client: %v\n", err)
		return 1
	}
	cc := cfg.Client

	// Logs go to stderr so they do not interleave with the transcript.
	level := new(slog.LevelVar)
	level.Set(app.LogLevel(cc.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := config.NewRegistry()
	registerProviders(reg)

	// ── Session channel ──────────────────────────────────────────────────────
	dialCtx, cancelDial := context.WithTimeout(ctx, 10*time.Second)
	ch, err := channel.Dial(dialCtx, cc.ServerURL, channel.WithInsecureSkipVerify(cc.InsecureSkipVerify))
	cancelDial()
	if err != nil {
		slog.Error("failed to connect", "url", cc.ServerURL, "err", err)
		return 1
	}
	defer ch.Close()
	slog.Info("connected", "url", cc.ServerURL)

	// ── View ─────────────────────────────────────────────────────────────────
	tr := transcript.New()
	settings := voice.New(cc.Synthesis.Rate, cc.Synthesis.Voice)
	view := term.New(os.Stdout, settings)
	view.Attach(tr)
	ctrl := control.New(view, tr)

	// ── Playback ─────────────────────────────────────────────────────────────
	synth, err := buildSynthesizer(ctx, cfg, reg, settings)
	if err != nil {
		slog.Error("failed to set up speech synthesis", "err", err)
		return 1
	}
	queue := playback.New(synth,
		playback.WithFloor(cc.Synthesis.ResponseFloor),
		playback.WithLanguage(cc.Synthesis.Language),
		playback.WithVoice(settings),
		playback.WithHooks(ctrl.PlaybackHooks()),
	)
	defer queue.Close()

	// ── Capture ──────────────────────────────────────────────────────────────
	capturer, typed, err := buildCapturer(cfg, reg, ch, tr, ctrl)
	if err != nil {
		slog.Error("failed to set up speech recognition", "err", err)
		return 1
	}

	// ── Hot reload ───────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.ClientLogLevelChanged {
			level.Set(app.LogLevel(d.NewClientLogLevel))
			slog.Info("log level changed", "level", d.NewClientLogLevel)
		}
		if d.RateChanged {
			slog.Info("speaking rate changed", "rate", settings.SetRate(d.NewRate))
		}
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ctrl.Run(gctx, capturer, queue)
	})
	g.Go(func() error {
		if err := ch.Listen(gctx, ctrl.Handlers()); err != nil {
			return err
		}
		return errServerClosed
	})

	// Stdin reads cannot be interrupted, so input runs outside the group.
	go func() {
		defer cancel()
		var feeder term.Feeder
		if typed != nil {
			feeder = typed
		}
		if err := view.ReadInput(gctx, os.Stdin, ctrl, feeder); err != nil {
			slog.Warn("input closed", "err", err)
		}
	}()

	fmt.Fprintln(os.Stdout, "Press Enter to speak, /help for commands.")

	err = g.Wait()
	switch {
	case errors.Is(err, errServerClosed):
		slog.Info("server closed the session")
	case err != nil && !errors.Is(err, context.Canceled):
		slog.Error("session error", "err", err)
		return 1
	}
	return 0
}

// registerProviders wires the client-side provider factories into reg.
func registerProviders(reg *config.Registry) {
	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if format := optString(entry.Options, "output_format"); format != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(format))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(entry.BaseURL))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if rate, ok := entry.Options["sample_rate"].(int); ok && rate > 0 {
			opts = append(opts, coqui.WithSampleRate(rate))
		}
		return coqui.New(entry.BaseURL, opts...)
	})
}

// sampleRater is implemented by TTS providers that know their PCM rate.
type sampleRater interface {
	SampleRate() int
}

// buildSynthesizer returns the configured synthesizer. In TTS mode it also
// fills settings with the provider's voices.
func buildSynthesizer(ctx context.Context, cfg *config.Config, reg *config.Registry, settings *voice.Settings) (playback.Synthesizer, error) {
	syn := cfg.Client.Synthesis
	if syn.Mode != config.SynthesisTTS {
		return playback.NewSilentSynthesizer(silentWordsPerMinute), nil
	}

	entry := cfg.Providers.TTS
	primary, err := reg.CreateTTS(entry)
	if err != nil {
		return nil, fmt.Errorf("create tts provider %q: %w", entry.Name, err)
	}
	format := audio.Format{SampleRate: config.DefaultSampleRate, Channels: 1}
	if sr, ok := primary.(sampleRater); ok {
		format.SampleRate = sr.SampleRate()
	}

	group := resilience.NewTTSFallback(primary, label(entry), resilience.FallbackConfig{Kind: "tts"})
	for _, fb := range cfg.Providers.TTSFallbacks {
		p, err := reg.CreateTTS(fb)
		if err != nil {
			return nil, fmt.Errorf("create tts fallback %q: %w", fb.Name, err)
		}
		if sr, ok := p.(sampleRater); ok && sr.SampleRate() != format.SampleRate {
			slog.Warn("tts fallback sample rate differs from the primary",
				"fallback", fb.Name, "rate", sr.SampleRate(), "primary_rate", format.SampleRate)
		}
		group.AddFallback(label(fb), p)
	}

	listCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := settings.Populate(listCtx, group); err != nil {
		slog.Warn("could not list voices", "err", err)
	}

	sink, err := openPlayback(cfg.Client.Audio.PlaybackDevice, format)
	if err != nil {
		return nil, err
	}
	return playback.NewTTSSynthesizer(group, sink, format), nil
}

// openPlayback opens the playback device. Without a device the audio is
// discarded at real-time pace so turn timing stays realistic.
func openPlayback(path string, format audio.Format) (audio.Sink, error) {
	if path == "" {
		return audio.NewStreamSink(io.Discard, format, true), nil
	}
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("open playback device: %w", err)
	}
	return audio.NewStreamSink(f, format, false), nil
}

// buildCapturer returns the capturer for the recognition mode. typed is set
// in text mode, where terminal lines are the recognised speech.
func buildCapturer(cfg *config.Config, reg *config.Registry, ch *channel.Channel, tr *transcript.Renderer, ctrl *control.Controller) (control.Capturer, *capture.TextRecognizer, error) {
	rc := cfg.Client.Recognition
	format := audio.Format{SampleRate: cfg.Client.Audio.SampleRate, Channels: 1}
	open := audio.DeviceOpener(cfg.Client.Audio.CaptureDevice, format, audio.DefaultFrameDuration)
	capCfg := capture.Config{
		Language:       rc.Language,
		InterimResults: rc.InterimResults,
		Continuous:     true,
		Keywords:       rc.KeywordBoosts(),
	}

	switch rc.Mode {
	case config.RecognitionAudio:
		return capture.NewForwarder(open, ch, tr, ctrl.CaptureOptions()...), nil, nil

	case config.RecognitionSTT:
		entry := cfg.Providers.STT
		primary, err := reg.CreateSTT(entry)
		if err != nil {
			return nil, nil, fmt.Errorf("create stt provider %q: %w", entry.Name, err)
		}
		group := resilience.NewSTTFallback(primary, label(entry), resilience.FallbackConfig{Kind: "stt"})
		for _, fb := range cfg.Providers.STTFallbacks {
			p, err := reg.CreateSTT(fb)
			if err != nil {
				return nil, nil, fmt.Errorf("create stt fallback %q: %w", fb.Name, err)
			}
			group.AddFallback(label(fb), p)
		}
		rec := capture.NewSTTRecognizer(group, open, format)
		return capture.NewAdapter(rec, ch, tr, capCfg, ctrl.CaptureOptions()...), nil, nil

	default:
		rec := capture.NewTextRecognizer()
		return capture.NewAdapter(rec, ch, tr, capCfg, ctrl.CaptureOptions()...), rec, nil
	}
}

func label(entry config.ProviderEntry) string {
	if entry.Model == "" {
		return entry.Name
	}
	return entry.Name + "/" + entry.Model
}

func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}
