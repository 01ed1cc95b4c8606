// Package haconnector maintains exactly one logical subscription to a Home
// Assistant instance's WebSocket API and surfaces a lazy, infinite sequence
// of RawEvents over a channel. It owns reconnection, authentication and
// heartbeat detection; callers only ever see RawEvents and state changes.
package haconnector

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ha-telemetry/ingestor/internal/logx"
	"github.com/ha-telemetry/ingestor/internal/model"
	"github.com/ha-telemetry/ingestor/internal/perr"
)

// State is one node of the connector's state machine (spec §4.1).
type State int

const (
	StateDisconnected State = iota
	StateAuthenticating
	StateSubscribing
	StateStreaming
	StateBackoff
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateAuthenticating:
		return "authenticating"
	case StateSubscribing:
		return "subscribing"
	case StateStreaming:
		return "streaming"
	case StateBackoff:
		return "backoff"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Config configures the connector.
type Config struct {
	URL                string
	Token              string
	ReconnectBaseDelay time.Duration // default 1s
	ReconnectMaxDelay  time.Duration // default 60s
	HeartbeatTimeout   time.Duration // default 60s
}

func (c *Config) setDefaults() {
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = time.Second
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = 60 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 60 * time.Second
	}
}

// Counters are the connector's exported observability counters (spec §4.1).
type Counters struct {
	ConnectAttempts atomic.Int64
	ReconnectsTotal atomic.Int64
	LastFrameAt     atomic.Int64 // unix nanos
}

// Connector implements the HAConnector role.
type Connector struct {
	cfg Config
	log *logx.Logger

	state atomic.Int32

	counters        Counters
	consecutiveAuth int // consecutive auth rejections, reset on success

	out chan<- model.RawEvent
}

// New constructs a Connector that writes RawEvents onto out. out should be
// a bounded channel owned by EventRouter; Run blocks on send, which is the
// intended backpressure behavior for HA-sourced events (spec §4.2).
func New(cfg Config, out chan<- model.RawEvent) *Connector {
	cfg.setDefaults()
	return &Connector{
		cfg: cfg,
		log: logx.ForService("haconnector"),
		out: out,
	}
}

// State returns the connector's current state.
func (c *Connector) State() State { return State(c.state.Load()) }

// Counters returns the Connector's live counters for the health/metrics surface.
func (c *Connector) Counters() *Counters { return &c.counters }

func (c *Connector) setState(s State) {
	c.state.Store(int32(s))
	c.log.Debugf("state -> %s", s)
}

// Run drives the state machine until ctx is cancelled. It returns a
// *perr.ConfigurationError only when credentials are rejected twice
// consecutively; every other failure is retried indefinitely through
// Backoff, per spec §4.1's "fails only on unrecoverable credential/URL
// problems" contract.
func (c *Connector) Run(ctx context.Context) error {
	c.setState(StateDisconnected)

	attempt := 0
	for {
		select {
		case <-ctx.Done():
			c.setState(StateStopping)
			return nil
		default:
		}

		conn, err := c.connect(ctx)
		if err != nil {
			c.log.Warnf("connect failed: %v", err)
			if waitErr := c.backoff(ctx, attempt); waitErr != nil {
				c.setState(StateStopping)
				return nil
			}
			attempt++
			continue
		}

		err = c.authenticate(ctx, conn)
		if err != nil {
			_ = conn.Close()
			var authErr *perr.AuthenticationError
			if asAuthError(err, &authErr) {
				c.consecutiveAuth++
				if c.consecutiveAuth >= 2 {
					c.setState(StateStopping)
					return &perr.ConfigurationError{
						Component: "haconnector",
						Cause:     fmt.Errorf("credential rejected twice consecutively: %w", err),
					}
				}
				c.setState(StateDisconnected)
				if waitErr := c.backoff(ctx, attempt); waitErr != nil {
					return nil
				}
				attempt++
				continue
			}
			c.log.Warnf("authentication failed: %v", err)
			if waitErr := c.backoff(ctx, attempt); waitErr != nil {
				c.setState(StateStopping)
				return nil
			}
			attempt++
			continue
		}
		c.consecutiveAuth = 0

		if err := c.subscribe(ctx, conn); err != nil {
			_ = conn.Close()
			c.log.Warnf("subscribe failed: %v", err)
			if waitErr := c.backoff(ctx, attempt); waitErr != nil {
				c.setState(StateStopping)
				return nil
			}
			attempt++
			continue
		}

		c.counters.ReconnectsTotal.Add(boolToInt64(attempt > 0))
		attempt = 0

		streamErr := c.stream(ctx, conn)
		_ = conn.Close()

		if streamErr != nil {
			if ctx.Err() != nil {
				c.setState(StateStopping)
				return nil
			}
			c.log.Warnf("stream ended: %v", streamErr)
		}

		c.setState(StateBackoff)
		if waitErr := c.backoff(ctx, attempt); waitErr != nil {
			c.setState(StateStopping)
			return nil
		}
		attempt++
	}
}

func boolToInt64(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func asAuthError(err error, target **perr.AuthenticationError) bool {
	ae, ok := err.(*perr.AuthenticationError)
	if ok {
		*target = ae
	}
	return ok
}

// backoff sleeps per the exponential-with-full-jitter schedule (base 1s,
// factor 2, cap 60s) or returns ctx.Err() if cancelled first.
func (c *Connector) backoff(ctx context.Context, attempt int) error {
	c.setState(StateBackoff)
	delay := c.cfg.ReconnectBaseDelay * time.Duration(1<<uint(minInt(attempt, 16)))
	if delay > c.cfg.ReconnectMaxDelay || delay <= 0 {
		delay = c.cfg.ReconnectMaxDelay
	}
	jittered := time.Duration(rand.Int63n(int64(delay) + 1))
	c.log.Debugf("backoff for %s (attempt %d)", jittered, attempt)
	timer := time.NewTimer(jittered)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		c.setState(StateDisconnected)
		return nil
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// haMessage is the generic envelope for every frame exchanged with Home
// Assistant's websocket API.
type haMessage struct {
	Type  string          `json:"type"`
	ID    int             `json:"id,omitempty"`
	Event *haEventPayload `json:"event,omitempty"`
}

type haEventPayload struct {
	EventType string         `json:"event_type"`
	Data      map[string]any `json:"data"`
	Origin    string         `json:"origin"`
	TimeFired string         `json:"time_fired"`
	Context   haContext      `json:"context"`
}

type haContext struct {
	ID     string `json:"id"`
	UserID any    `json:"user_id"`
}

func (c *Connector) connect(ctx context.Context) (*websocket.Conn, error) {
	c.setState(StateDisconnected)
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, &perr.ConfigurationError{Component: "haconnector", Cause: fmt.Errorf("invalid url: %w", err)}
	}

	dialCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	dialer := websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: 15 * time.Second,
	}

	c.counters.ConnectAttempts.Add(1)
	conn, _, err := dialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		return nil, &perr.TransientNetworkError{Component: "haconnector", Cause: err}
	}
	return conn, nil
}

func (c *Connector) authenticate(ctx context.Context, conn *websocket.Conn) error {
	c.setState(StateAuthenticating)

	msg, err := readMessageTimeout(ctx, conn, 15*time.Second)
	if err != nil {
		return &perr.TransientNetworkError{Component: "haconnector", Cause: err}
	}
	if msg.Type != "auth_required" {
		return &perr.ProtocolError{Component: "haconnector", Detail: "expected auth_required, got " + msg.Type}
	}

	if err := conn.WriteJSON(map[string]string{
		"type":         "auth",
		"access_token": c.cfg.Token,
	}); err != nil {
		return &perr.TransientNetworkError{Component: "haconnector", Cause: err}
	}

	resp, err := readMessageTimeout(ctx, conn, 15*time.Second)
	if err != nil {
		return &perr.TransientNetworkError{Component: "haconnector", Cause: err}
	}

	switch resp.Type {
	case "auth_ok":
		return nil
	case "auth_invalid":
		return &perr.AuthenticationError{Component: "haconnector", Consecutive: c.consecutiveAuth + 1, Cause: fmt.Errorf("auth_invalid")}
	default:
		return &perr.ProtocolError{Component: "haconnector", Detail: "unexpected auth phase message: " + resp.Type}
	}
}

func (c *Connector) subscribe(ctx context.Context, conn *websocket.Conn) error {
	c.setState(StateSubscribing)

	if err := conn.WriteJSON(map[string]any{
		"id":         1,
		"type":       "subscribe_events",
		"event_type": "state_changed",
	}); err != nil {
		return &perr.TransientNetworkError{Component: "haconnector", Cause: err}
	}

	msg, err := readMessageTimeout(ctx, conn, 15*time.Second)
	if err != nil {
		return &perr.TransientNetworkError{Component: "haconnector", Cause: err}
	}
	if msg.Type != "result" {
		return &perr.ProtocolError{Component: "haconnector", Detail: "unexpected subscribe response: " + msg.Type}
	}
	return nil
}

// stream reads frames until the heartbeat timeout elapses, a transport
// error occurs, or ctx is cancelled. Every state_changed event is converted
// to a RawEvent and sent on c.out, which blocks the reader when EventRouter's
// intake queue is full (the desired backpressure for HA-sourced events).
func (c *Connector) stream(ctx context.Context, conn *websocket.Conn) error {
	c.setState(StateStreaming)
	c.counters.LastFrameAt.Store(time.Now().UnixNano())

	type readResult struct {
		msg haMessage
		err error
	}
	readCh := make(chan readResult)

	readerCtx, cancelReader := context.WithCancel(ctx)
	defer cancelReader()

	go func() {
		for {
			if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
				c.log.Warnf("set read deadline: %v", err)
			}
			var m haMessage
			err := conn.ReadJSON(&m)
			select {
			case readCh <- readResult{msg: m, err: err}:
			case <-readerCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	lastFrame := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case res := <-readCh:
			if res.err != nil {
				if isTimeout(res.err) {
					if time.Since(lastFrame) >= c.cfg.HeartbeatTimeout {
						return &perr.TransientNetworkError{Component: "haconnector", Cause: fmt.Errorf("heartbeat timeout after %s", c.cfg.HeartbeatTimeout)}
					}
					continue
				}
				return &perr.TransientNetworkError{Component: "haconnector", Cause: res.err}
			}

			lastFrame = time.Now()
			c.counters.LastFrameAt.Store(lastFrame.UnixNano())

			if res.msg.Type != "event" || res.msg.Event == nil {
				continue
			}

			raw := model.RawEvent{
				Kind:      res.msg.Event.EventType,
				Payload:   flattenEventPayload(res.msg.Event),
				ReceiptAt: lastFrame,
			}

			select {
			case c.out <- raw:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func flattenEventPayload(ev *haEventPayload) map[string]any {
	return map[string]any{
		"event_type": ev.EventType,
		"data":       ev.Data,
		"origin":     ev.Origin,
		"time_fired": ev.TimeFired,
		"context_id": ev.Context.ID,
	}
}

func readMessageTimeout(ctx context.Context, conn *websocket.Conn, timeout time.Duration) (haMessage, error) {
	type result struct {
		msg haMessage
		err error
	}
	ch := make(chan result, 1)
	go func() {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			ch <- result{err: err}
			return
		}
		var raw json.RawMessage
		if err := conn.ReadJSON(&raw); err != nil {
			ch <- result{err: err}
			return
		}
		var m haMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			ch <- result{err: err}
			return
		}
		ch <- result{msg: m}
	}()
	select {
	case <-ctx.Done():
		return haMessage{}, ctx.Err()
	case r := <-ch:
		return r.msg, r.err
	}
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	te, ok := err.(timeouter)
	return ok && te.Timeout()
}
