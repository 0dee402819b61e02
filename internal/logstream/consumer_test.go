package logstream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/orbitdeploy/orbit/internal/hosting"
)

type scriptedConn struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (c *scriptedConn) ReadMessage() (int, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || len(c.frames) == 0 {
		return 0, nil, errors.New("connection closed")
	}
	frame := c.frames[0]
	c.frames = c.frames[1:]
	return websocket.TextMessage, frame, nil
}

func (c *scriptedConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func staticURL(key, token string, logType hosting.LogType, from time.Time) string {
	return "ws://log.test/" + key
}

func newTestConsumer(conn Conn, budget int, rendered *[]Event) *Consumer {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewConsumer(staticURL, io.Discard, log, budget,
		WithDialer(func(ctx context.Context, endpoint string) (Conn, error) {
			return conn, nil
		}),
		WithRenderer(func(ev Event) {
			*rendered = append(*rendered, ev)
		}),
	)
}

func TestStreamMilestonesStopsOnTerminalPhrase(t *testing.T) {
	conn := &scriptedConn{frames: [][]byte{
		[]byte(`{"timestamp":"2024-05-01T10:00:00Z","message":"building app"}`),
		[]byte(`{"timestamp":"2024-05-01T10:01:00Z","message":"Deploy SUCCESS for chatroom-0"}`),
		[]byte(`{"timestamp":"2024-05-01T10:02:00Z","message":"should never be read"}`),
	}}
	var rendered []Event
	consumer := newTestConsumer(conn, 100, &rendered)

	err := consumer.StreamMilestones(context.Background(), "tok-1", "chatroom-0", time.Now())
	if err != nil {
		t.Fatalf("StreamMilestones returned error: %v", err)
	}
	if len(rendered) != 2 {
		t.Fatalf("expected two rendered events, got %d", len(rendered))
	}
	if !strings.Contains(rendered[1].Message, "Deploy SUCCESS") {
		t.Fatalf("unexpected final event: %+v", rendered[1])
	}
}

func TestStreamMilestonesStopsAfterMessageBudget(t *testing.T) {
	frames := make([][]byte, 10)
	for i := range frames {
		frames[i] = []byte(`{"timestamp":"2024-05-01T10:00:00Z","message":"still building"}`)
	}
	conn := &scriptedConn{frames: frames}
	var rendered []Event
	consumer := newTestConsumer(conn, 3, &rendered)

	if err := consumer.StreamMilestones(context.Background(), "tok-1", "chatroom-0", time.Now()); err != nil {
		t.Fatalf("StreamMilestones returned error: %v", err)
	}
	if len(rendered) != 3 {
		t.Fatalf("expected the budget to cap rendering at 3, got %d", len(rendered))
	}
}

func TestStreamMilestonesSkipsHeartbeats(t *testing.T) {
	conn := &scriptedConn{frames: [][]byte{
		[]byte(`{}`),
		[]byte(`null`),
		[]byte(`"just a string"`),
		[]byte(`{"timestamp":"2024-05-01T10:00:00Z","message":"deploy success"}`),
	}}
	var rendered []Event
	consumer := newTestConsumer(conn, 100, &rendered)

	if err := consumer.StreamMilestones(context.Background(), "tok-1", "chatroom-0", time.Now()); err != nil {
		t.Fatalf("StreamMilestones returned error: %v", err)
	}
	if len(rendered) != 1 {
		t.Fatalf("heartbeats must not be rendered, got %d events", len(rendered))
	}
}

func TestStreamMilestonesRequiresKeyAndToken(t *testing.T) {
	var rendered []Event
	consumer := newTestConsumer(&scriptedConn{}, 10, &rendered)

	if err := consumer.StreamMilestones(context.Background(), "tok-1", "", time.Now()); !errors.Is(err, hosting.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if err := consumer.StreamMilestones(context.Background(), "", "chatroom-0", time.Now()); !errors.Is(err, hosting.ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
}

func TestStreamMilestonesConnectionCloseEndsLoop(t *testing.T) {
	conn := &scriptedConn{frames: [][]byte{
		[]byte(`{"timestamp":"2024-05-01T10:00:00Z","message":"building"}`),
	}}
	var rendered []Event
	consumer := newTestConsumer(conn, 100, &rendered)

	if err := consumer.StreamMilestones(context.Background(), "tok-1", "chatroom-0", time.Now()); err != nil {
		t.Fatalf("a dropped connection is not an error: %v", err)
	}
	if len(rendered) != 1 {
		t.Fatalf("expected one rendered event before the drop, got %d", len(rendered))
	}
}

func TestStreamMilestonesDialFailure(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	consumer := NewConsumer(staticURL, io.Discard, log, 10,
		WithDialer(func(ctx context.Context, endpoint string) (Conn, error) {
			return nil, errors.New("refused")
		}))
	if err := consumer.StreamMilestones(context.Background(), "tok-1", "chatroom-0", time.Now()); err == nil {
		t.Fatal("expected dial failure surfaced")
	}
}

func TestTailRendersUntilDisconnectAndReportsIt(t *testing.T) {
	conn := &scriptedConn{frames: [][]byte{
		[]byte(`{"timestamp":"2024-05-01T10:00:00Z","message":"line one"}`),
		[]byte(`{}`),
		[]byte(`{"timestamp":"not-a-timestamp","message":"line two"}`),
	}}
	var rendered []Event
	var out strings.Builder
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	consumer := NewConsumer(staticURL, &out, log, 10,
		WithDialer(func(ctx context.Context, endpoint string) (Conn, error) {
			return conn, nil
		}),
		WithRenderer(func(ev Event) { rendered = append(rendered, ev) }),
	)

	if err := consumer.Tail(context.Background(), "tok-1", "chatroom-0", hosting.AppLog, time.Time{}); err != nil {
		t.Fatalf("Tail returned error: %v", err)
	}
	if len(rendered) != 2 {
		t.Fatalf("expected two rendered events, got %d", len(rendered))
	}
	if rendered[1].Timestamp != "not-a-timestamp" {
		t.Fatalf("unparseable timestamps must pass through unchanged, got %q", rendered[1].Timestamp)
	}
	if !strings.Contains(out.String(), "Log server disconnected") {
		t.Fatalf("expected disconnect notice, got %q", out.String())
	}
}

func TestDecodeFrameNormalizesTimestamp(t *testing.T) {
	input := "2024-05-01T10:00:00Z"
	f := decodeFrame([]byte(`{"timestamp":"` + input + `","message":"hi","log_type":"deploy"}`))
	if f.heartbeat {
		t.Fatal("expected a real event")
	}
	if f.event.Timestamp != hosting.ToLocalTime(input) {
		t.Fatalf("timestamp not normalized: %q", f.event.Timestamp)
	}
	if f.event.Kind != "deploy" {
		t.Fatalf("unexpected kind: %q", f.event.Kind)
	}
}

func TestDecodeFrameTreatsGarbageAsHeartbeat(t *testing.T) {
	for _, payload := range []string{"", "not json", "[]", "42"} {
		if f := decodeFrame([]byte(payload)); !f.heartbeat {
			t.Fatalf("expected heartbeat for %q", payload)
		}
	}
}

// Exercises the real websocket dialer end to end against an upgrading server.
func TestWebsocketDialerStreamsFrames(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"timestamp":"2024-05-01T10:00:00Z","message":"building"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"timestamp":"2024-05-01T10:01:00Z","message":"deploy success"}`))
	}))
	defer srv.Close()

	endpoint := "ws" + strings.TrimPrefix(srv.URL, "http")
	var rendered []Event
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	consumer := NewConsumer(
		func(key, token string, logType hosting.LogType, from time.Time) string { return endpoint },
		io.Discard, log, 10,
		WithRenderer(func(ev Event) { rendered = append(rendered, ev) }),
	)

	if err := consumer.StreamMilestones(context.Background(), "tok-1", "chatroom-0", time.Now()); err != nil {
		t.Fatalf("StreamMilestones returned error: %v", err)
	}
	if len(rendered) != 2 {
		t.Fatalf("expected two events over the wire, got %d", len(rendered))
	}
	if !strings.Contains(rendered[1].Message, "deploy success") {
		t.Fatalf("unexpected final event: %+v", rendered[1])
	}
}
