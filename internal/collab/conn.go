package collab

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	// StatePolling is the terminal degraded mode: periodic request/response
	// polling replaces the duplex channel and no further reconnects happen.
	StatePolling State = "polling"
)

// ErrNotConnected is returned by Send when no delivery path is available.
// Callers queue the envelope in the outbox and retry after reconnect.
var ErrNotConnected = errors.New("collab: not connected")

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultPollInterval      = 5 * time.Second
	defaultMaxReconnects     = 5
	maxPollBuffer            = 256
)

// ConnConfig parameterizes a relay connection.
type ConnConfig struct {
	RelayURL string
	PollURL  string
	TenantID string
	UserID   string

	// OnMessage receives every inbound envelope, from either the duplex
	// channel or the polling fallback.
	OnMessage func(Envelope)
	// OnStateChange is invoked after every lifecycle transition.
	OnStateChange func(State)
}

// Conn manages the duplex relay connection: dialing, heartbeats, exponential
// reconnect backoff and the polling fallback once reconnects are exhausted.
type Conn struct {
	cfg        ConnConfig
	dialer     *websocket.Dialer
	httpClient *http.Client

	heartbeatInterval time.Duration
	pollInterval      time.Duration
	backoffUnit       time.Duration
	maxReconnects     int

	mu       sync.Mutex
	ws       *websocket.Conn
	state    State
	attempts int
	pollOut  []Envelope

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewConn constructs a connection in the disconnected state. Call Start to
// begin dialing.
func NewConn(cfg ConnConfig) *Conn {
	return &Conn{
		cfg:               cfg,
		dialer:            &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		httpClient:        &http.Client{Timeout: 10 * time.Second},
		heartbeatInterval: defaultHeartbeatInterval,
		pollInterval:      defaultPollInterval,
		backoffUnit:       time.Second,
		maxReconnects:     defaultMaxReconnects,
		state:             StateDisconnected,
		done:              make(chan struct{}),
	}
}

// Start launches the connection loop.
func (c *Conn) Start() {
	c.wg.Add(1)
	go c.run()
}

// Close tears the connection down and waits for background loops to exit.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		if c.ws != nil {
			c.ws.Close()
		}
		c.mu.Unlock()
	})
	c.wg.Wait()
}

// State reports the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Send delivers an envelope over the active channel. In polling mode the
// envelope is buffered and flushed with the next poll; otherwise an
// ErrNotConnected is returned for the caller's outbox to absorb.
func (c *Conn) Send(env Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateConnected:
		if c.ws == nil {
			return ErrNotConnected
		}
		c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.ws.WriteJSON(env); err != nil {
			return fmt.Errorf("write %s: %w", env.Type, err)
		}
		return nil
	case StatePolling:
		if len(c.pollOut) >= maxPollBuffer {
			log.Printf("collab: poll buffer full, dropping oldest %s", c.pollOut[0].Type)
			c.pollOut = c.pollOut[1:]
		}
		c.pollOut = append(c.pollOut, env)
		return nil
	default:
		return ErrNotConnected
	}
}

func (c *Conn) run() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		default:
		}

		c.setState(StateConnecting)
		ws, resp, err := c.dialer.Dial(c.dialURL(), nil)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			log.Printf("collab: dial failed: %v", err)
			if !c.backoff() {
				c.runPolling()
				return
			}
			continue
		}

		c.mu.Lock()
		c.ws = ws
		c.attempts = 0
		c.mu.Unlock()
		c.setState(StateConnected)

		c.readLoop(ws)

		c.mu.Lock()
		c.ws = nil
		c.mu.Unlock()

		select {
		case <-c.done:
			return
		default:
		}
		if !c.backoff() {
			c.runPolling()
			return
		}
	}
}

// backoff records a failed attempt and sleeps 2^attempt units. It returns
// false once the attempt limit is exhausted.
func (c *Conn) backoff() bool {
	c.mu.Lock()
	c.attempts++
	attempt := c.attempts
	c.mu.Unlock()

	if attempt > c.maxReconnects {
		return false
	}

	c.setState(StateReconnecting)
	delay := backoffDelay(c.backoffUnit, attempt)
	log.Printf("collab: reconnect attempt %d in %s", attempt, delay)
	select {
	case <-time.After(delay):
		return true
	case <-c.done:
		return false
	}
}

// backoffDelay is 2^attempt units, attempt starting at 1.
func backoffDelay(unit time.Duration, attempt int) time.Duration {
	return unit * time.Duration(1<<attempt)
}

func (c *Conn) readLoop(ws *websocket.Conn) {
	stop := make(chan struct{})
	defer close(stop)
	c.wg.Add(1)
	go c.heartbeatLoop(stop)

	for {
		var env Envelope
		if err := ws.ReadJSON(&env); err != nil {
			select {
			case <-c.done:
			default:
				log.Printf("collab: connection dropped: %v", err)
			}
			return
		}
		if c.cfg.OnMessage != nil {
			c.cfg.OnMessage(env)
		}
	}
}

func (c *Conn) heartbeatLoop(stop chan struct{}) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-c.done:
			return
		case <-ticker.C:
			env, err := NewEnvelope(MsgHeartbeat, Heartbeat{UserID: c.cfg.UserID, SentAt: time.Now().Unix()})
			if err != nil {
				continue
			}
			if err := c.Send(env); err != nil {
				log.Printf("collab: heartbeat send failed: %v", err)
			}
		}
	}
}

func (c *Conn) runPolling() {
	log.Printf("collab: reconnect attempts exhausted, falling back to polling every %s", c.pollInterval)
	c.setState(StatePolling)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.pollOnce()
		}
	}
}

type pollExchange struct {
	TenantID string     `json:"tenantId"`
	UserID   string     `json:"userId"`
	Events   []Envelope `json:"events,omitempty"`
}

func (c *Conn) pollOnce() {
	c.mu.Lock()
	out := c.pollOut
	c.pollOut = nil
	c.mu.Unlock()

	body, err := json.Marshal(pollExchange{TenantID: c.cfg.TenantID, UserID: c.cfg.UserID, Events: out})
	if err != nil {
		log.Printf("collab: poll marshal: %v", err)
		return
	}

	resp, err := c.httpClient.Post(c.cfg.PollURL, "application/json", bytes.NewReader(body))
	if err != nil {
		log.Printf("collab: poll failed: %v", err)
		// Requeue unsent envelopes ahead of anything buffered meanwhile.
		c.mu.Lock()
		c.pollOut = append(out, c.pollOut...)
		if len(c.pollOut) > maxPollBuffer {
			c.pollOut = c.pollOut[len(c.pollOut)-maxPollBuffer:]
		}
		c.mu.Unlock()
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Printf("collab: poll returned %d", resp.StatusCode)
		return
	}

	var in pollExchange
	if err := json.NewDecoder(resp.Body).Decode(&in); err != nil {
		log.Printf("collab: poll decode: %v", err)
		return
	}
	for _, env := range in.Events {
		if c.cfg.OnMessage != nil {
			c.cfg.OnMessage(env)
		}
	}
}

func (c *Conn) setState(state State) {
	c.mu.Lock()
	if c.state == state {
		c.mu.Unlock()
		return
	}
	c.state = state
	c.mu.Unlock()
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(state)
	}
}

func (c *Conn) dialURL() string {
	q := url.Values{}
	q.Set("tenant", c.cfg.TenantID)
	q.Set("user", c.cfg.UserID)
	return c.cfg.RelayURL + "?" + q.Encode()
}
