package channel_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/speechquery/internal/client/channel"
	"github.com/MrWong99/speechquery/pkg/wire"
)

// startServer runs handler for the single accepted connection.
func startServer(t *testing.T, handler func(ctx context.Context, conn *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		handler(r.Context(), conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + wire.Path
}

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, s)
}

func (r *recorder) handlers() channel.Handlers {
	return channel.Handlers{
		OnStart: func() { r.add("start") },
		OnEnd:   func() { r.add("end") },
		OnChunk: func(s string) { r.add("chunk:" + s) },
	}
}

func TestDispatch(t *testing.T) {
	t.Parallel()
	var r recorder
	for _, f := range []string{"<start>", "Hi", "<end>", " <end>", ""} {
		channel.Dispatch(f, r.handlers())
	}
	want := "start|chunk:Hi|end|chunk: <end>|chunk:"
	if got := strings.Join(r.events, "|"); got != want {
		t.Errorf("events = %s, want %s", got, want)
	}
	// Nil handlers are skipped.
	channel.Dispatch("<start>", channel.Handlers{})
}

func TestChannel_ListenClassifiesInOrder(t *testing.T) {
	t.Parallel()
	url := startServer(t, func(ctx context.Context, conn *websocket.Conn) {
		for _, f := range []string{wire.Start, "Hello", " world", wire.End} {
			_ = conn.Write(ctx, websocket.MessageText, []byte(f))
		}
		_ = conn.Write(ctx, websocket.MessageBinary, []byte{0})
		conn.Close(websocket.StatusNormalClosure, "done")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	ch, err := channel.Dial(ctx, url)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	var r recorder
	if err := ch.Listen(ctx, r.handlers()); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	want := "start|chunk:Hello|chunk: world|end"
	if got := strings.Join(r.events, "|"); got != want {
		t.Errorf("events = %s, want %s", got, want)
	}
}

func TestChannel_SendTextAndBinary(t *testing.T) {
	t.Parallel()
	type frame struct {
		typ  websocket.MessageType
		data string
	}
	got := make(chan frame, 4)
	url := startServer(t, func(ctx context.Context, conn *websocket.Conn) {
		for range 3 {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			got <- frame{typ, string(data)}
		}
		conn.Close(websocket.StatusNormalClosure, "")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	ch, err := channel.Dial(ctx, url)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ch.Close()

	if err := ch.Send(ctx, "Hello"); err != nil {
		t.Fatal(err)
	}
	if err := ch.SendBinary(ctx, []byte{1, 2}); err != nil {
		t.Fatal(err)
	}
	if err := ch.Send(ctx, wire.End); err != nil {
		t.Fatal(err)
	}

	want := []frame{
		{websocket.MessageText, "Hello"},
		{websocket.MessageBinary, "\x01\x02"},
		{websocket.MessageText, wire.End},
	}
	for i, w := range want {
		select {
		case f := <-got:
			if f != w {
				t.Errorf("frame %d = %+v, want %+v", i, f, w)
			}
		case <-ctx.Done():
			t.Fatalf("frame %d never arrived", i)
		}
	}
}

func TestChannel_DropEndsListen(t *testing.T) {
	t.Parallel()
	url := startServer(t, func(ctx context.Context, conn *websocket.Conn) {
		_ = conn.Write(ctx, websocket.MessageText, []byte(wire.Start))
		conn.CloseNow()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	ch, err := channel.Dial(ctx, url)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := ch.Listen(ctx, channel.Handlers{}); err == nil {
		t.Error("Listen should report an abrupt drop")
	}
}

func TestDial_Unreachable(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := channel.Dial(ctx, "ws://127.0.0.1:1/speech-query"); err == nil {
		t.Error("Dial to a closed port should fail")
	}
}
