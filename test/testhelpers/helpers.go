// Package testhelpers boots a fully wired relay on an httptest server and
// provides a WebSocket client that speaks the invocation protocol.
package testhelpers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/grouprelay/internal/broker"
	"github.com/Tyrowin/grouprelay/internal/config"
	"github.com/Tyrowin/grouprelay/internal/docdb"
	"github.com/Tyrowin/grouprelay/internal/query"
	"github.com/Tyrowin/grouprelay/internal/registry"
	"github.com/Tyrowin/grouprelay/internal/relay"
	"github.com/Tyrowin/grouprelay/internal/server"
	"github.com/Tyrowin/grouprelay/internal/store"
)

// TestOrigin is the origin test clients present and test servers allow.
const TestOrigin = "http://localhost:8080"

// DefaultWait bounds every expectation on a client.
const DefaultWait = 3 * time.Second

// Env is a running relay.
type Env struct {
	URL      string
	WSURL    string
	DBPath   string
	Hub      *server.Hub
	Registry *registry.Registry
	Relay    *relay.Relay
	Store    *store.Store

	db        *docdb.DB
	http      *httptest.Server
	cancel    context.CancelFunc
	relayDone chan struct{}
	closeOnce sync.Once
}

// NewConfig returns a test configuration backed by a database under dir.
func NewConfig(dir string) *config.Config {
	cfg := config.Default()
	cfg.Server.AllowedOrigins = []string{TestOrigin}
	cfg.Server.RateLimit.Burst = 1000
	cfg.Store.Path = filepath.Join(dir, "relay.db")
	cfg.Store.PollInterval = 20 * time.Millisecond
	cfg.Relay.SendTimeout = time.Second
	return cfg
}

// StartRelay wires every component the way cmd/server does and serves it.
// The relay is stopped when the test ends.
func StartRelay(t *testing.T, cfg *config.Config) *Env {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	db, err := docdb.Open(cfg.Store.Path, docdb.Options{
		PollInterval: cfg.Store.PollInterval,
		BatchSize:    cfg.Store.BatchSize,
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	st := store.New(db)
	reg := registry.New()
	hub := server.NewHub(logger)
	b := broker.New(reg, hub, cfg.Relay.SendTimeout, logger)
	rel := relay.New(relay.Deps{
		Store:    st,
		Feed:     st,
		Registry: reg,
		Broker:   b,
		Query:    query.New(st),
		Logger:   logger,
	}, relay.Options{
		StoreTimeout: cfg.Store.Timeout,
		Consumer:     cfg.Relay.Consumer,
		RetryDelay:   20 * time.Millisecond,
	})
	srv := server.New(cfg.Server, server.Deps{Hub: hub, Dispatcher: rel, Logger: logger})

	go hub.Run()
	ctx, cancel := context.WithCancel(context.Background())
	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		_ = rel.Run(ctx)
	}()

	ts := httptest.NewServer(srv.Routes())
	env := &Env{
		URL:       ts.URL,
		WSURL:     "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
		DBPath:    cfg.Store.Path,
		Hub:       hub,
		Registry:  reg,
		Relay:     rel,
		Store:     st,
		db:        db,
		http:      ts,
		cancel:    cancel,
		relayDone: relayDone,
	}
	t.Cleanup(env.Close)
	return env
}

// Close stops the relay in shutdown order. It is safe to call twice.
func (e *Env) Close() {
	e.closeOnce.Do(func() {
		e.http.Close()
		e.cancel()
		<-e.relayDone
		_ = e.Hub.Shutdown(5 * time.Second)
		_ = e.db.Close()
	})
}

// Frame is any server-to-client frame.
type Frame struct {
	InvocationID string            `json:"invocationId"`
	Error        string            `json:"error"`
	Target       string            `json:"target"`
	Arguments    []json.RawMessage `json:"arguments"`
}

// Messages decodes the single wire-message array argument of an event.
func (f Frame) Messages() ([]relay.WireMessage, error) {
	if len(f.Arguments) == 0 {
		return nil, fmt.Errorf("frame %q has no arguments", f.Target)
	}
	var msgs []relay.WireMessage
	if err := json.Unmarshal(f.Arguments[0], &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// Client is a test WebSocket client. A background reader queues events and
// routes completions to the matching Invoke call.
type Client struct {
	Conn *websocket.Conn

	events  chan Frame
	mu      sync.Mutex
	pending map[string]chan Frame
	nextID  atomic.Int64
	closed  chan struct{}
}

// DialWebSocket opens a raw connection presenting TestOrigin.
func DialWebSocket(wsURL string) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	headers := http.Header{}
	headers.Set("Origin", TestOrigin)
	conn, resp, err := dialer.Dial(wsURL, headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

// Connect dials the relay as userID (empty for anonymous) and waits for the
// initial room list, which it returns.
func Connect(t *testing.T, env *Env, userID string) (*Client, []relay.WireMessage) {
	t.Helper()
	target := env.WSURL
	if userID != "" {
		target += "?userid=" + url.QueryEscape(userID)
	}
	conn, _, err := DialWebSocket(target)
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	c := &Client{
		Conn:    conn,
		events:  make(chan Frame, 1024),
		pending: make(map[string]chan Frame),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	t.Cleanup(func() { _ = conn.Close() })

	rooms := c.Expect(t, relay.EventNewRoom)
	return c, rooms
}

func (c *Client) readLoop() {
	defer close(c.closed)
	for {
		var f Frame
		if err := c.Conn.ReadJSON(&f); err != nil {
			return
		}
		if f.InvocationID != "" && f.Target == "" {
			c.mu.Lock()
			ch, ok := c.pending[f.InvocationID]
			delete(c.pending, f.InvocationID)
			c.mu.Unlock()
			if ok {
				ch <- f
			}
			continue
		}
		c.events <- f
	}
}

// Invoke sends an action and waits for its completion. It returns the error
// text reported by the relay, or "" on success.
func (c *Client) Invoke(t *testing.T, target string, args ...any) string {
	t.Helper()
	id := strconv.FormatInt(c.nextID.Add(1), 10)
	done := make(chan Frame, 1)
	c.mu.Lock()
	c.pending[id] = done
	c.mu.Unlock()

	if args == nil {
		args = []any{}
	}
	if err := c.Conn.WriteJSON(map[string]any{"invocationId": id, "target": target, "arguments": args}); err != nil {
		t.Fatalf("send %s: %v", target, err)
	}
	select {
	case f := <-done:
		return f.Error
	case <-c.closed:
		t.Fatalf("connection closed while waiting for %s", target)
	case <-time.After(DefaultWait):
		t.Fatalf("no completion for %s", target)
	}
	return ""
}

// MustInvoke is Invoke that fails the test on an action error.
func (c *Client) MustInvoke(t *testing.T, target string, args ...any) {
	t.Helper()
	if errText := c.Invoke(t, target, args...); errText != "" {
		t.Fatalf("%s failed: %s", target, errText)
	}
}

// Expect waits for the next event named target, skipping others, and
// returns its messages.
func (c *Client) Expect(t *testing.T, target string) []relay.WireMessage {
	t.Helper()
	deadline := time.After(DefaultWait)
	for {
		select {
		case f := <-c.events:
			if f.Target != target {
				continue
			}
			msgs, err := f.Messages()
			if err != nil {
				t.Fatalf("decode %s: %v", target, err)
			}
			return msgs
		case <-c.closed:
			t.Fatalf("connection closed while waiting for %s", target)
		case <-deadline:
			t.Fatalf("timed out waiting for %s", target)
		}
	}
}

// ExpectMessage waits until a newMessage event carries a message accepted
// by match and returns that message.
func (c *Client) ExpectMessage(t *testing.T, match func(relay.WireMessage) bool) relay.WireMessage {
	t.Helper()
	deadline := time.After(DefaultWait)
	for {
		select {
		case f := <-c.events:
			if f.Target != relay.EventNewMessage {
				continue
			}
			msgs, err := f.Messages()
			if err != nil {
				t.Fatalf("decode newMessage: %v", err)
			}
			for _, m := range msgs {
				if match(m) {
					return m
				}
			}
		case <-c.closed:
			t.Fatal("connection closed while waiting for a message")
		case <-deadline:
			t.Fatal("timed out waiting for a message")
		}
	}
}

// Collect gathers events named target for d.
func (c *Client) Collect(target string, d time.Duration) [][]relay.WireMessage {
	var out [][]relay.WireMessage
	deadline := time.After(d)
	for {
		select {
		case f := <-c.events:
			if f.Target != target {
				continue
			}
			if msgs, err := f.Messages(); err == nil {
				out = append(out, msgs)
			}
		case <-deadline:
			return out
		}
	}
}

// WithText matches messages by text.
func WithText(text string) func(relay.WireMessage) bool {
	return func(m relay.WireMessage) bool { return m.Text == text }
}

// Close sends a normal close frame and closes the socket.
func (c *Client) Close() error {
	err := c.Conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return c.Conn.Close()
}

// Closed is closed once the server ends the connection.
func (c *Client) Closed() <-chan struct{} {
	return c.closed
}
