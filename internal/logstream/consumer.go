package logstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/orbitdeploy/orbit/internal/hosting"
)

// Event is one decoded log record, delivered in server arrival order.
type Event struct {
	Timestamp string
	Message   string
	Kind      string
}

// Conn is the receive side of one duplex stream.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// Dialer opens a duplex connection to the given endpoint.
type Dialer func(ctx context.Context, endpoint string) (Conn, error)

// WebsocketDialer dials with the default gorilla websocket dialer.
func WebsocketDialer(ctx context.Context, endpoint string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// URLBuilder resolves the stream endpoint for a deployment key. The token
// is embedded in the URI because the stream transport carries no headers.
type URLBuilder func(key, token string, logType hosting.LogType, from time.Time) string

// Consumer maintains one duplex connection per invocation, decodes incoming
// events and hands them to a renderer. Decoding and termination logic run
// independently of rendering: a reader goroutine feeds decoded frames
// through a channel and the consuming loop decides when to stop.
type Consumer struct {
	dial    Dialer
	urls    URLBuilder
	render  func(Event)
	out     io.Writer
	log     *slog.Logger
	budget  int
	phrases []string
}

// terminalPhrases mark the end of a deployment in the milestone stream.
var terminalPhrases = []string{"deploy success", "deploy failed"}

// ConsumerOption customises a Consumer.
type ConsumerOption func(*Consumer)

// WithDialer overrides the websocket dialer.
func WithDialer(d Dialer) ConsumerOption {
	return func(c *Consumer) {
		if d != nil {
			c.dial = d
		}
	}
}

// WithRenderer overrides how decoded events are displayed.
func WithRenderer(render func(Event)) ConsumerOption {
	return func(c *Consumer) {
		if render != nil {
			c.render = render
		}
	}
}

// WithTerminalPhrases overrides the end-of-deployment phrase set.
func WithTerminalPhrases(phrases []string) ConsumerOption {
	return func(c *Consumer) {
		if len(phrases) > 0 {
			c.phrases = phrases
		}
	}
}

// NewConsumer wires a Consumer. budget bounds the milestone stream's message
// count; general tailing is unbounded.
func NewConsumer(urls URLBuilder, out io.Writer, logger *slog.Logger, budget int, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		dial:    WebsocketDialer,
		urls:    urls,
		out:     out,
		log:     logger,
		budget:  budget,
		phrases: terminalPhrases,
	}
	c.render = c.printEvent
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Consumer) printEvent(ev Event) {
	if ev.Timestamp != "" {
		fmt.Fprintf(c.out, "%s | %s\n", ev.Timestamp, ev.Message)
		return
	}
	fmt.Fprintln(c.out, ev.Message)
}

// frame is one received websocket message after decoding. Heartbeats are
// empty or non-object frames the server sends when there is no new data.
type frame struct {
	event     Event
	heartbeat bool
}

type record struct {
	Timestamp string `json:"timestamp"`
	Message   string `json:"message"`
	Kind      string `json:"log_type"`
}

func decodeFrame(payload []byte) frame {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil || len(raw) == 0 {
		return frame{heartbeat: true}
	}
	var rec record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return frame{heartbeat: true}
	}
	return frame{event: Event{
		Timestamp: hosting.ToLocalTime(rec.Timestamp),
		Message:   rec.Message,
		Kind:      rec.Kind,
	}}
}

// read pumps decoded frames into a channel until the connection fails or
// closes. The channel close is the only completion signal.
func (c *Consumer) read(conn Conn, frames chan<- frame) {
	defer close(frames)
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			c.log.Debug("stream read ended", "error", err)
			return
		}
		frames <- decodeFrame(payload)
	}
}

// Tail streams logs of the given type until the server closes the
// connection. The log server intentionally time-limits sessions, so a
// disconnect is informational, not an error, and no reconnect is attempted.
func (c *Consumer) Tail(ctx context.Context, token, key string, logType hosting.LogType, from time.Time) error {
	if key == "" {
		return fmt.Errorf("%w: a non-empty key is required for querying logs", hosting.ErrInvalidArgument)
	}
	if token == "" {
		return hosting.ErrNotAuthenticated
	}
	endpoint := c.urls(key, token, logType, from)
	c.log.Debug("connecting to log server", "endpoint", endpoint)
	conn, err := c.dial(ctx, endpoint)
	if err != nil {
		return fmt.Errorf("unable to reach the log server: %w", err)
	}
	frames := make(chan frame)
	go c.read(conn, frames)
	defer drain(conn, frames)

	for f := range frames {
		if f.heartbeat {
			c.log.Debug("no new logs, this is normal")
			continue
		}
		c.render(f.event)
	}
	fmt.Fprintln(c.out, "Log server disconnected ...")
	fmt.Fprintln(c.out, "Note that the server only streams logs for several minutes to conserve resources")
	return nil
}

// StreamMilestones follows the deploy-milestone channel from the request's
// start time. The loop ends when a terminal phrase is seen, the message
// budget is exhausted, or the connection drops.
func (c *Consumer) StreamMilestones(ctx context.Context, token, key string, from time.Time) error {
	if key == "" {
		return fmt.Errorf("%w: a non-empty key is required for querying deploy status", hosting.ErrInvalidArgument)
	}
	if token == "" {
		return hosting.ErrNotAuthenticated
	}
	endpoint := c.urls(key, token, hosting.DeployLog, from)
	c.log.Debug("connecting to milestone stream", "endpoint", endpoint)
	conn, err := c.dial(ctx, endpoint)
	if err != nil {
		return fmt.Errorf("unable to reach the log server: %w", err)
	}
	frames := make(chan frame)
	go c.read(conn, frames)
	defer drain(conn, frames)

	for i := 0; i < c.budget; i++ {
		f, ok := <-frames
		if !ok {
			c.log.Debug("milestone stream closed by server")
			return nil
		}
		if f.heartbeat {
			c.log.Debug("no new events yet, this is normal")
			continue
		}
		c.render(f.event)
		if c.isTerminal(f.event.Message) {
			c.log.Debug("received end of deployment message, stopping stream")
			return nil
		}
	}
	c.log.Debug("milestone message budget exhausted")
	return nil
}

// drain closes the connection and unblocks the reader goroutine so it can
// observe the close and finish.
func drain(conn Conn, frames <-chan frame) {
	conn.Close()
	for range frames {
	}
}

func (c *Consumer) isTerminal(message string) bool {
	lowered := strings.ToLower(message)
	for _, phrase := range c.phrases {
		if strings.Contains(lowered, phrase) {
			return true
		}
	}
	return false
}
