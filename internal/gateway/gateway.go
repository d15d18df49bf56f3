// Package gateway serves the /speech-query WebSocket endpoint.
//
// Each connection gets its own [conversation.Conversation]. Text frames are
// appended to the current turn until the client sends [wire.End]; the gateway
// then answers with [wire.Start], the streamed LLM reply as one text frame per
// chunk, and [wire.End]. Binary frames carry raw 16-bit PCM that is
// transcribed server side when an STT provider is configured.
//
// Frames of one connection are handled strictly in arrival order by a single
// turn worker. A second reader goroutine feeds it so that a disconnect is
// noticed while a reply is still streaming.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/speechquery/internal/conversation"
	"github.com/MrWong99/speechquery/internal/observe"
	"github.com/MrWong99/speechquery/pkg/memory"
	"github.com/MrWong99/speechquery/pkg/provider/llm"
	"github.com/MrWong99/speechquery/pkg/provider/stt"
	"github.com/MrWong99/speechquery/pkg/types"
)

// frameBuffer is how many inbound frames may queue behind a streaming reply.
const frameBuffer = 64

// Gateway is an [http.Handler] for the speech-query WebSocket.
type Gateway struct {
	llm        llm.Provider
	stt        stt.Provider
	store      memory.SessionStore
	settings   *conversation.SettingsStore
	history    conversation.ContextManagerConfig
	metrics    *observe.Metrics
	language   string
	sampleRate int
	keywords   []types.KeywordBoost
	accept     websocket.AcceptOptions

	mu      sync.Mutex
	conns   map[string]context.CancelFunc
	closing bool
	wg      sync.WaitGroup
}

var _ http.Handler = (*Gateway)(nil)

// Option configures a [Gateway].
type Option func(*Gateway)

// WithSTT enables server-side transcription of binary frames.
func WithSTT(p stt.Provider, language string, sampleRate int) Option {
	return func(g *Gateway) {
		g.stt = p
		g.language = language
		if sampleRate > 0 {
			g.sampleRate = sampleRate
		}
	}
}

// WithKeywords sets the vocabulary hints passed to every transcription
// session.
func WithKeywords(kw []types.KeywordBoost) Option {
	return func(g *Gateway) { g.keywords = kw }
}

// WithStore persists every committed turn.
func WithStore(s memory.SessionStore) Option {
	return func(g *Gateway) { g.store = s }
}

// WithSettings shares request settings (system prompt, temperature, token
// limit) across connections.
func WithSettings(s *conversation.SettingsStore) Option {
	return func(g *Gateway) { g.settings = s }
}

// WithHistory sets the per-connection history budget and summariser.
func WithHistory(cfg conversation.ContextManagerConfig) Option {
	return func(g *Gateway) { g.history = cfg }
}

// WithMetrics overrides [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithOriginPatterns allows cross-origin upgrades from the given host
// patterns. See [websocket.AcceptOptions].
func WithOriginPatterns(patterns ...string) Option {
	return func(g *Gateway) { g.accept.OriginPatterns = patterns }
}

// New creates a Gateway that answers turns with p.
func New(p llm.Provider, opts ...Option) *Gateway {
	g := &Gateway{
		llm:        p,
		settings:   &conversation.SettingsStore{},
		history:    conversation.ContextManagerConfig{MaxTokens: 4096},
		sampleRate: 16000,
		conns:      make(map[string]context.CancelFunc),
	}
	for _, o := range opts {
		o(g)
	}
	if g.metrics == nil {
		g.metrics = observe.DefaultMetrics()
	}
	return g
}

// Active returns the number of open connections.
func (g *Gateway) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// ServeHTTP upgrades the request and serves the connection until either side
// closes it.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := observe.Logger(r.Context(), nil)

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	if !g.track(id, cancel) {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer g.untrack(id)

	conn, err := websocket.Accept(w, r, &g.accept)
	if err != nil {
		log.Warn("gateway: websocket upgrade failed", "err", err)
		return
	}
	defer conn.CloseNow()

	g.metrics.ActiveSessions.Add(ctx, 1)
	defer g.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)

	log = log.With("conn_id", id)
	log.Info("gateway: connection opened", "remote", r.RemoteAddr)

	s := &session{
		g:    g,
		id:   id,
		conn: conn,
		log:  log,
		conv: conversation.New(id, conversation.NewContextManager(g.history),
			conversation.WithStore(g.store),
			conversation.WithSettings(g.settings),
		),
	}
	err = s.serve(ctx)
	switch {
	case err == nil:
		conn.Close(websocket.StatusNormalClosure, "")
		log.Info("gateway: connection closed")
	case g.shuttingDown():
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		log.Info("gateway: connection closed for shutdown")
	default:
		log.Warn("gateway: connection dropped", "err", err)
	}
}

// Shutdown cancels every open connection and waits for their handlers to
// return or for ctx to expire. New upgrades are refused afterwards.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closing = true
	for _, cancel := range g.conns {
		cancel()
	}
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gateway) track(id string, cancel context.CancelFunc) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closing {
		return false
	}
	g.conns[id] = cancel
	g.wg.Add(1)
	return true
}

func (g *Gateway) untrack(id string) {
	g.mu.Lock()
	delete(g.conns, id)
	g.mu.Unlock()
	g.wg.Done()
}

func (g *Gateway) shuttingDown() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closing
}

// frame is one inbound WebSocket message.
type frame struct {
	typ  websocket.MessageType
	data []byte
}

// serve runs the reader and the turn worker until the peer closes the
// connection or ctx ends. A normal close returns nil.
func (s *session) serve(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	frames := make(chan frame, frameBuffer)

	eg.Go(func() error {
		defer close(frames)
		for {
			typ, data, err := s.conn.Read(ctx)
			if err != nil {
				if isNormalClose(err) {
					return nil
				}
				return err
			}
			select {
			case frames <- frame{typ: typ, data: data}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})

	eg.Go(func() error {
		defer s.closeSpeech()
		for f := range frames {
			if err := s.handle(ctx, f); err != nil {
				return err
			}
		}
		return nil
	})

	return eg.Wait()
}

func isNormalClose(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}

// writeText sends one text frame.
func (s *session) writeText(ctx context.Context, text string) error {
	return s.conn.Write(ctx, websocket.MessageText, []byte(text))
}

// since returns the seconds elapsed since t for histogram recording.
func since(t time.Time) float64 {
	return time.Since(t).Seconds()
}

var errNoSTT = errors.New("gateway: binary frame received but no STT provider is configured")
