package collab

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeRelay upgrades incoming connections and records/echoes traffic.
type fakeRelay struct {
	upgrader websocket.Upgrader

	mu       sync.Mutex
	received []Envelope
	conns    []*websocket.Conn
}

func (r *fakeRelay) handler(w http.ResponseWriter, req *http.Request) {
	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	r.mu.Lock()
	r.conns = append(r.conns, ws)
	r.mu.Unlock()

	for {
		var env Envelope
		if err := ws.ReadJSON(&env); err != nil {
			return
		}
		r.mu.Lock()
		r.received = append(r.received, env)
		r.mu.Unlock()
	}
}

func (r *fakeRelay) push(t *testing.T, env Envelope) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.conns) == 0 {
		t.Fatal("no relay connection to push to")
	}
	if err := r.conns[len(r.conns)-1].WriteJSON(env); err != nil {
		t.Fatalf("relay push failed: %v", err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestConnDeliversBothDirections(t *testing.T) {
	relay := &fakeRelay{}
	server := httptest.NewServer(http.HandlerFunc(relay.handler))
	defer server.Close()

	var mu sync.Mutex
	var inbound []Envelope
	conn := NewConn(ConnConfig{
		RelayURL: "ws" + strings.TrimPrefix(server.URL, "http"),
		TenantID: "tenant-1",
		UserID:   "user-1",
		OnMessage: func(env Envelope) {
			mu.Lock()
			inbound = append(inbound, env)
			mu.Unlock()
		},
	})
	conn.Start()
	defer conn.Close()

	waitFor(t, 2*time.Second, func() bool { return conn.State() == StateConnected })

	env, err := NewEnvelope(MsgRoomJoin, RoomChange{RoomID: "r1", TenantID: "tenant-1", UserID: "user-1"})
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}
	if err := conn.Send(env); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		relay.mu.Lock()
		defer relay.mu.Unlock()
		return len(relay.received) == 1 && relay.received[0].Type == MsgRoomJoin
	})

	pushed, _ := NewEnvelope(MsgEditConflict, ConflictNotice{ElementID: "el-1"})
	relay.push(t, pushed)
	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(inbound) == 1 && inbound[0].Type == MsgEditConflict
	})
}

func TestConnHeartbeat(t *testing.T) {
	relay := &fakeRelay{}
	server := httptest.NewServer(http.HandlerFunc(relay.handler))
	defer server.Close()

	conn := NewConn(ConnConfig{
		RelayURL: "ws" + strings.TrimPrefix(server.URL, "http"),
		TenantID: "tenant-1",
		UserID:   "user-1",
	})
	conn.heartbeatInterval = 20 * time.Millisecond
	conn.Start()
	defer conn.Close()

	waitFor(t, 2*time.Second, func() bool {
		relay.mu.Lock()
		defer relay.mu.Unlock()
		for _, env := range relay.received {
			if env.Type == MsgHeartbeat {
				return true
			}
		}
		return false
	})
}

func TestSendWhileDisconnectedReturnsErrNotConnected(t *testing.T) {
	conn := NewConn(ConnConfig{RelayURL: "ws://127.0.0.1:1/relay"})
	env, _ := NewEnvelope(MsgHeartbeat, Heartbeat{UserID: "user-1"})
	if err := conn.Send(env); err != ErrNotConnected {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
}

func TestReconnectExhaustionFallsBackToPolling(t *testing.T) {
	var pollMu sync.Mutex
	var pollCount int
	var uploaded []Envelope
	pollServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ex pollExchange
		_ = json.NewDecoder(r.Body).Decode(&ex)
		pollMu.Lock()
		pollCount++
		uploaded = append(uploaded, ex.Events...)
		first := pollCount == 1
		pollMu.Unlock()

		resp := pollExchange{}
		if first {
			env, _ := NewEnvelope(MsgEditConflict, ConflictNotice{ElementID: "el-polled"})
			resp.Events = []Envelope{env}
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer pollServer.Close()

	var stateMu sync.Mutex
	var states []State
	var inbound []Envelope
	conn := NewConn(ConnConfig{
		// Nothing listens here: every dial fails immediately.
		RelayURL: "ws://127.0.0.1:1/relay",
		PollURL:  pollServer.URL,
		TenantID: "tenant-1",
		UserID:   "user-1",
		OnMessage: func(env Envelope) {
			stateMu.Lock()
			inbound = append(inbound, env)
			stateMu.Unlock()
		},
		OnStateChange: func(s State) {
			stateMu.Lock()
			states = append(states, s)
			stateMu.Unlock()
		},
	})
	conn.backoffUnit = time.Millisecond
	conn.pollInterval = 10 * time.Millisecond
	conn.Start()
	defer conn.Close()

	waitFor(t, 5*time.Second, func() bool { return conn.State() == StatePolling })

	// Envelopes sent in polling mode are flushed with the next poll.
	env, _ := NewEnvelope(MsgPresence, Presence{UserID: "user-1", Status: StatusOnline})
	if err := conn.Send(env); err != nil {
		t.Fatalf("Send in polling mode failed: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		pollMu.Lock()
		defer pollMu.Unlock()
		return len(uploaded) == 1 && uploaded[0].Type == MsgPresence
	})
	waitFor(t, 5*time.Second, func() bool {
		stateMu.Lock()
		defer stateMu.Unlock()
		return len(inbound) == 1 && inbound[0].Type == MsgEditConflict
	})

	stateMu.Lock()
	defer stateMu.Unlock()
	connecting := 0
	for _, s := range states {
		if s == StateConnecting {
			connecting++
		}
	}
	// Initial attempt plus exactly maxReconnects retries, then polling.
	if connecting != defaultMaxReconnects+1 {
		t.Errorf("connecting transitions = %d, want %d", connecting, defaultMaxReconnects+1)
	}
	if states[len(states)-1] != StatePolling {
		t.Errorf("final state = %s, want polling", states[len(states)-1])
	}
}

func TestBackoffDelayDoubles(t *testing.T) {
	wants := map[int]time.Duration{
		1: 2 * time.Second,
		2: 4 * time.Second,
		3: 8 * time.Second,
		4: 16 * time.Second,
		5: 32 * time.Second,
	}
	for n, want := range wants {
		if got := backoffDelay(time.Second, n); got != want {
			t.Errorf("delay for attempt %d = %s, want %s", n, got, want)
		}
	}
}
