package gateway

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/speechquery/internal/conversation"
	"github.com/MrWong99/speechquery/internal/observe"
	"github.com/MrWong99/speechquery/pkg/provider/llm"
	"github.com/MrWong99/speechquery/pkg/provider/stt"
	"github.com/MrWong99/speechquery/pkg/wire"
)

// session is the state of one connection. All methods except the reader in
// serve run on the turn worker goroutine.
type session struct {
	g    *Gateway
	id   string
	conn *websocket.Conn
	conv *conversation.Conversation
	log  *slog.Logger

	speech      *speech
	warnedAudio bool
	turns       int
}

// speech is an open server-side transcription session.
type speech struct {
	handle  stt.SessionHandle
	started time.Time
	finals  []string
	done    chan struct{}
}

func (s *session) handle(ctx context.Context, f frame) error {
	if f.typ == websocket.MessageBinary {
		s.g.metrics.RecordFrame(ctx, "binary")
		return s.audio(ctx, f.data)
	}
	s.g.metrics.RecordFrame(ctx, "text")

	text := string(f.data)
	switch wire.Classify(text) {
	case wire.KindEnd:
		return s.respond(ctx)
	case wire.KindStart:
		// Only the server opens a response; the marker is not user speech.
		s.log.Debug("gateway: ignoring start marker from client")
		return nil
	default:
		s.conv.Append(text)
		return nil
	}
}

// ── Server-side STT ──────────────────────────────────────────────────────────

func (s *session) audio(ctx context.Context, pcm []byte) error {
	if s.g.stt == nil {
		if !s.warnedAudio {
			s.log.Warn("gateway: dropping audio", "err", errNoSTT)
			s.warnedAudio = true
		}
		return nil
	}
	if s.speech == nil {
		h, err := s.g.stt.StartStream(ctx, stt.StreamConfig{
			SampleRate: s.g.sampleRate,
			Channels:   1,
			Language:   s.g.language,
			Keywords:   s.g.keywords,
		})
		if err != nil {
			// The turn goes on with whatever text arrives; the audio is lost.
			s.log.Error("gateway: start stt session", "err", err)
			return nil
		}
		sp := &speech{handle: h, started: time.Now(), done: make(chan struct{})}
		go func() {
			defer close(sp.done)
			for t := range h.Finals() {
				if txt := strings.TrimSpace(t.Text); txt != "" {
					sp.finals = append(sp.finals, txt)
				}
			}
		}()
		s.speech = sp
	}
	if err := s.speech.handle.SendAudio(pcm); err != nil {
		s.log.Warn("gateway: forward audio", "err", err)
	}
	return nil
}

// finishSpeech closes the transcription session, if any, and appends its
// finals to the current turn.
func (s *session) finishSpeech(ctx context.Context) {
	sp := s.speech
	if sp == nil {
		return
	}
	s.speech = nil
	if err := sp.handle.Close(); err != nil {
		s.log.Warn("gateway: close stt session", "err", err)
	}
	<-sp.done
	s.g.metrics.STTDuration.Record(ctx, since(sp.started))
	if len(sp.finals) == 0 {
		return
	}
	text := strings.Join(sp.finals, " ")
	if prev := s.conv.Transcript(); prev != "" && !strings.HasSuffix(prev, " ") {
		text = " " + text
	}
	s.conv.Append(text)
}

// closeSpeech releases a transcription session left open by a disconnect.
func (s *session) closeSpeech() {
	if s.speech == nil {
		return
	}
	_ = s.speech.handle.Close()
	<-s.speech.done
	s.speech = nil
}

// ── Turns ────────────────────────────────────────────────────────────────────

// respond answers the current turn. It returns an error only when the
// connection is unusable.
func (s *session) respond(ctx context.Context) error {
	s.finishSpeech(ctx)

	s.turns++
	ctx, span := observe.StartTurn(ctx, s.id, s.turns)
	res := turnResult{outcome: observe.TurnCanceled}
	defer func() {
		s.g.metrics.RecordTurn(ctx, res.outcome)
		observe.EndTurn(span, res.outcome, res.chunks, res.cause)
	}()
	log := s.log.With("turn", s.turns)

	if err := s.writeText(ctx, wire.Start); err != nil {
		return err
	}

	if s.conv.Empty() {
		s.conv.Reset()
		res.outcome = observe.TurnEmpty
		log.Debug("gateway: empty turn")
		return s.writeText(ctx, wire.End)
	}

	var err error
	res, err = s.stream(ctx, log)
	if err != nil {
		return err
	}
	if err := s.writeText(ctx, wire.End); err != nil {
		res.outcome = observe.TurnCanceled
		return err
	}

	if res.outcome == observe.TurnError && res.reply == "" {
		// Nothing to pair the question with; keep history well-formed.
		s.conv.Reset()
		return nil
	}
	if err := s.conv.Commit(ctx, res.reply); err != nil {
		log.Warn("gateway: commit turn", "err", err)
	}
	return nil
}

// turnResult is what one streamed reply produced.
type turnResult struct {
	reply   string
	outcome string
	chunks  int
	cause   error
}

var errStreamFailed = errors.New("gateway: llm stream ended with an error")

// stream sends the LLM reply chunk by chunk. The returned error is non-nil
// only for write failures and cancellation.
func (s *session) stream(ctx context.Context, log *slog.Logger) (turnResult, error) {
	req := s.conv.Request()
	start := time.Now()

	ch, err := s.g.llm.StreamCompletion(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return turnResult{outcome: observe.TurnCanceled}, ctx.Err()
		}
		log.Error("gateway: start llm stream", "err", err)
		return turnResult{outcome: observe.TurnError, cause: err}, nil
	}

	var b strings.Builder
	res := turnResult{outcome: observe.TurnOK}
	for c := range ch {
		if c.Text != "" {
			if res.chunks == 0 {
				s.g.metrics.LLMTimeToFirstChunk.Record(ctx, since(start))
			}
			if err := s.writeText(ctx, c.Text); err != nil {
				go drain(ch)
				res.reply, res.outcome = b.String(), observe.TurnCanceled
				return res, err
			}
			b.WriteString(c.Text)
			res.chunks++
		}
		switch c.FinishReason {
		case llm.FinishReasonError:
			log.Error("gateway: llm stream failed", "chunks", res.chunks, "err", c.Err)
			res.outcome, res.cause = observe.TurnError, c.Err
			if res.cause == nil {
				res.cause = errStreamFailed
			}
		case llm.FinishReasonLength:
			log.Info("gateway: reply cut at the token limit", "chunks", res.chunks)
		}
	}
	res.reply = b.String()
	if res.chunks > 0 {
		s.g.metrics.ResponseChunks.Add(ctx, int64(res.chunks))
	}
	s.g.metrics.LLMDuration.Record(ctx, since(start))
	if err := ctx.Err(); err != nil {
		res.outcome = observe.TurnCanceled
		return res, err
	}
	return res, nil
}

func drain(ch <-chan llm.Chunk) {
	for range ch {
	}
}
