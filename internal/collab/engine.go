package collab

import (
	"context"
	"encoding/json"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultSweepInterval  = 5 * time.Minute
	defaultInactivity     = 10 * time.Minute
	defaultMaxEditHistory = 100
	defaultCursorThrottle = 100 * time.Millisecond
)

// Transport is the delivery channel to the relay. *Conn is the production
// implementation.
type Transport interface {
	Start()
	Send(Envelope) error
	State() State
	Close()
}

// CommentStore persists comments durably. Persistence is best-effort and not
// atomic with the broadcast.
type CommentStore interface {
	InsertComment(ctx context.Context, c Comment) error
	SetCommentResolved(ctx context.Context, id string, resolved bool) error
}

// CommentIndexer feeds comments to the search index.
type CommentIndexer interface {
	IndexComment(c Comment)
}

// Handler receives events emitted by the engine. Handlers run synchronously
// in registration order; a panicking handler is recovered and does not block
// delivery to the rest.
type Handler func(data any)

// EngineConfig identifies the local participant.
type EngineConfig struct {
	TenantID  string
	UserID    string
	UserName  string
	AvatarURL string
}

// Deps are the engine's injected collaborators. All fields may be nil;
// without a transport, sends go straight to the outbox. Connect installs
// the production transport.
type Deps struct {
	Transport Transport
	Outbox    *Outbox
	Comments  CommentStore
	Indexer   CommentIndexer
}

// Engine is the collaboration session manager. It is an explicitly
// constructed value with a Start/Close lifecycle; no package-level state.
type Engine struct {
	cfg       EngineConfig
	transport Transport
	outbox    *Outbox
	comments  CommentStore
	indexer   CommentIndexer

	sweepInterval  time.Duration
	inactivity     time.Duration
	maxEditHistory int
	cursorThrottle time.Duration

	mu           sync.Mutex
	rooms        map[string]*Room
	self         Presence
	editHist     map[string][]Edit
	commentLog   map[string]*Comment
	listeners    map[string]map[int]Handler
	nextListener int

	cursorMu      sync.Mutex
	lastCursorAt  time.Time
	pendingCursor *Cursor
	cursorTimer   *time.Timer

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewEngine constructs a session manager for one tenant/user identity.
func NewEngine(cfg EngineConfig, deps Deps) *Engine {
	e := &Engine{
		cfg:            cfg,
		transport:      deps.Transport,
		outbox:         deps.Outbox,
		comments:       deps.Comments,
		indexer:        deps.Indexer,
		sweepInterval:  defaultSweepInterval,
		inactivity:     defaultInactivity,
		maxEditHistory: defaultMaxEditHistory,
		cursorThrottle: defaultCursorThrottle,
		rooms:          make(map[string]*Room),
		editHist:       make(map[string][]Edit),
		commentLog:     make(map[string]*Comment),
		listeners:      make(map[string]map[int]Handler),
		done:           make(chan struct{}),
		self: Presence{
			UserID:       cfg.UserID,
			UserName:     cfg.UserName,
			AvatarURL:    cfg.AvatarURL,
			Status:       StatusOnline,
			LastActivity: time.Now(),
		},
	}
	return e
}

// Start launches the transport and the presence sweep loop.
func (e *Engine) Start() {
	if e.transport != nil {
		e.transport.Start()
	}
	e.wg.Add(1)
	go e.sweepLoop()
}

// Close tears down timers, the sweep loop and the transport.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.done)
		e.cursorMu.Lock()
		if e.cursorTimer != nil {
			e.cursorTimer.Stop()
		}
		e.cursorMu.Unlock()
	})
	e.wg.Wait()
	if e.transport != nil {
		e.transport.Close()
	}
}

// JoinRoom registers the room locally and announces the join. The local
// record is always created, even when the relay is unreachable; the join
// message is then buffered in the outbox.
func (e *Engine) JoinRoom(ctx context.Context, roomID string, roomType RoomType) {
	now := time.Now()
	e.mu.Lock()
	room, ok := e.rooms[roomID]
	if !ok {
		room = &Room{
			ID:           roomID,
			Type:         roomType,
			TenantID:     e.cfg.TenantID,
			Participants: make(map[string]Presence),
			CreatedAt:    now,
		}
		e.rooms[roomID] = room
	}
	room.Connections++
	e.self.Location = Location{Kind: string(roomType), ID: roomID}
	e.self.LastActivity = now
	room.Participants[e.cfg.UserID] = e.self
	e.mu.Unlock()

	env, err := NewEnvelope(MsgRoomJoin, RoomChange{
		RoomID:   roomID,
		RoomType: roomType,
		TenantID: e.cfg.TenantID,
		UserID:   e.cfg.UserID,
		UserName: e.cfg.UserName,
	})
	if err != nil {
		log.Printf("collab: join room %s: %v", roomID, err)
		return
	}
	e.send(ctx, env)
}

// LeaveRoom announces the leave and deletes the local record unconditionally.
func (e *Engine) LeaveRoom(ctx context.Context, roomID string) {
	e.mu.Lock()
	delete(e.rooms, roomID)
	e.mu.Unlock()

	env, err := NewEnvelope(MsgRoomLeave, RoomChange{
		RoomID:   roomID,
		TenantID: e.cfg.TenantID,
		UserID:   e.cfg.UserID,
		UserName: e.cfg.UserName,
	})
	if err != nil {
		log.Printf("collab: leave room %s: %v", roomID, err)
		return
	}
	e.send(ctx, env)
}

// BroadcastEdit stamps the edit, appends it to the element's history and
// transmits it. No acknowledgement is awaited.
func (e *Engine) BroadcastEdit(ctx context.Context, edit Edit) Edit {
	edit.ID = uuid.NewString()
	edit.UserID = e.cfg.UserID
	edit.Timestamp = time.Now()

	e.appendHistory(edit)

	env, err := NewEnvelope(MsgEdit, edit)
	if err != nil {
		log.Printf("collab: broadcast edit %s: %v", edit.ID, err)
		return edit
	}
	e.send(ctx, env)
	return edit
}

// GetEditHistory returns a copy of the element's edit history in local
// arrival order.
func (e *Engine) GetEditHistory(elementID string) []Edit {
	e.mu.Lock()
	defer e.mu.Unlock()
	hist := e.editHist[elementID]
	out := make([]Edit, len(hist))
	copy(out, hist)
	return out
}

// ResolveConflict applies last-write-wins: the most recently arrived edit
// for the element is authoritative. The second return is false when the
// element has no history.
func (e *Engine) ResolveConflict(elementID string) (Edit, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	hist := e.editHist[elementID]
	if len(hist) == 0 {
		return Edit{}, false
	}
	winner := hist[len(hist)-1]
	winner.Resolution = "last-write-wins"
	return winner, true
}

// AddComment stamps, broadcasts and persists a comment. Broadcast and
// persistence are independent best-effort actions: a persistence failure is
// logged and does not roll back the broadcast.
func (e *Engine) AddComment(ctx context.Context, c Comment) Comment {
	c.ID = uuid.NewString()
	c.TenantID = e.cfg.TenantID
	c.UserID = e.cfg.UserID
	c.UserName = e.cfg.UserName
	c.Timestamp = time.Now()

	e.mu.Lock()
	stored := c
	e.commentLog[c.ID] = &stored
	e.mu.Unlock()

	env, err := NewEnvelope(MsgComment, c)
	if err != nil {
		log.Printf("collab: comment %s: %v", c.ID, err)
		return c
	}
	e.send(ctx, env)

	if e.comments != nil {
		if err := e.comments.InsertComment(ctx, c); err != nil {
			log.Printf("collab: persist comment %s: %v", c.ID, err)
		}
	}
	if e.indexer != nil {
		e.indexer.IndexComment(c)
	}
	return c
}

// AddReply appends a reply to a previously seen comment. Replies mutate the
// parent in memory only; they are not persisted individually.
func (e *Engine) AddReply(parentID string, reply Comment) bool {
	reply.ID = uuid.NewString()
	reply.TenantID = e.cfg.TenantID
	reply.UserID = e.cfg.UserID
	reply.UserName = e.cfg.UserName
	reply.Timestamp = time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()
	parent, ok := e.commentLog[parentID]
	if !ok {
		return false
	}
	parent.Replies = append(parent.Replies, reply)
	return true
}

// ResolveComment marks a comment resolved, locally and (best-effort) in
// durable storage.
func (e *Engine) ResolveComment(ctx context.Context, id string) {
	e.mu.Lock()
	if c, ok := e.commentLog[id]; ok {
		c.Resolved = true
	}
	e.mu.Unlock()

	if e.comments != nil {
		if err := e.comments.SetCommentResolved(ctx, id, true); err != nil {
			log.Printf("collab: resolve comment %s: %v", id, err)
		}
	}
}

// UpdatePresence merges the partial update into the local snapshot, stamps
// last activity and transmits the full snapshot.
func (e *Engine) UpdatePresence(ctx context.Context, up PresenceUpdate) {
	e.mu.Lock()
	if up.Status != nil {
		e.self.Status = *up.Status
	}
	if up.Location != nil {
		e.self.Location = *up.Location
	}
	if up.Cursor != nil {
		e.self.Cursor = up.Cursor
	}
	e.self.LastActivity = time.Now()
	snapshot := e.self
	for _, room := range e.rooms {
		if _, ok := room.Participants[e.cfg.UserID]; ok {
			room.Participants[e.cfg.UserID] = snapshot
		}
	}
	e.mu.Unlock()

	env, err := NewEnvelope(MsgPresence, snapshot)
	if err != nil {
		log.Printf("collab: presence update: %v", err)
		return
	}
	e.send(ctx, env)
}

// TrackCursor feeds cursor movement into UpdatePresence, throttled to one
// transmission per 100ms. Intermediate positions are coalesced; the latest
// wins.
func (e *Engine) TrackCursor(ctx context.Context, x, y float64, elementID string) {
	cur := &Cursor{X: x, Y: y, ElementID: elementID}

	e.cursorMu.Lock()
	now := time.Now()
	elapsed := now.Sub(e.lastCursorAt)
	if elapsed >= e.cursorThrottle {
		e.lastCursorAt = now
		e.cursorMu.Unlock()
		e.UpdatePresence(ctx, PresenceUpdate{Cursor: cur})
		return
	}
	e.pendingCursor = cur
	if e.cursorTimer == nil {
		e.cursorTimer = time.AfterFunc(e.cursorThrottle-elapsed, e.flushCursor)
	}
	e.cursorMu.Unlock()
}

func (e *Engine) flushCursor() {
	e.cursorMu.Lock()
	cur := e.pendingCursor
	e.pendingCursor = nil
	e.cursorTimer = nil
	e.lastCursorAt = time.Now()
	e.cursorMu.Unlock()
	if cur == nil {
		return
	}
	select {
	case <-e.done:
		return
	default:
	}
	e.UpdatePresence(context.Background(), PresenceUpdate{Cursor: cur})
}

// SendNotification transmits a notification event. Delivery and ordering
// relative to other event kinds are not guaranteed.
func (e *Engine) SendNotification(ctx context.Context, n Notification) {
	payload, err := json.Marshal(n)
	if err != nil {
		log.Printf("collab: notification: %v", err)
		return
	}
	event := Event{
		ID:        uuid.NewString(),
		Type:      EventNotification,
		UserID:    e.cfg.UserID,
		UserName:  e.cfg.UserName,
		TenantID:  e.cfg.TenantID,
		Timestamp: time.Now(),
		Payload:   payload,
	}
	env, err := NewEnvelope(MsgNotification, event)
	if err != nil {
		log.Printf("collab: notification: %v", err)
		return
	}
	e.send(ctx, env)
}

// On registers a handler for an event topic and returns its subscription id.
func (e *Engine) On(topic string, h Handler) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextListener++
	id := e.nextListener
	if e.listeners[topic] == nil {
		e.listeners[topic] = make(map[int]Handler)
	}
	e.listeners[topic][id] = h
	return id
}

// Off removes a subscription previously returned by On.
func (e *Engine) Off(topic string, id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.listeners[topic], id)
}

// Rooms returns a snapshot of the local room registry.
func (e *Engine) Rooms() []Room {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Room, 0, len(e.rooms))
	for _, room := range e.rooms {
		out = append(out, snapshotRoom(room))
	}
	return out
}

// Room returns a snapshot of one room.
func (e *Engine) Room(id string) (Room, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	room, ok := e.rooms[id]
	if !ok {
		return Room{}, false
	}
	return snapshotRoom(room), true
}

// SelfPresence returns the local presence snapshot.
func (e *Engine) SelfPresence() Presence {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.self
}

// ConnState reports the transport state.
func (e *Engine) ConnState() State {
	if e.transport == nil {
		return StateDisconnected
	}
	return e.transport.State()
}

func snapshotRoom(room *Room) Room {
	out := *room
	out.Participants = make(map[string]Presence, len(room.Participants))
	for id, p := range room.Participants {
		out.Participants[id] = p
	}
	return out
}

// send delivers through the transport, absorbing failures into the outbox.
func (e *Engine) send(ctx context.Context, env Envelope) {
	if e.transport == nil {
		if e.outbox != nil {
			e.outbox.Append(ctx, env)
		}
		return
	}
	if err := e.transport.Send(env); err != nil {
		log.Printf("collab: send %s deferred: %v", env.Type, err)
		if e.outbox != nil {
			e.outbox.Append(ctx, env)
		}
	}
}

func (e *Engine) appendHistory(edit Edit) {
	e.mu.Lock()
	defer e.mu.Unlock()
	hist := append(e.editHist[edit.ElementID], edit)
	if len(hist) > e.maxEditHistory {
		hist = hist[len(hist)-e.maxEditHistory:]
	}
	e.editHist[edit.ElementID] = hist
}

// emit invokes topic handlers synchronously in registration order. Panics
// are recovered per handler so one subscriber cannot block the rest.
func (e *Engine) emit(topic string, data any) {
	e.mu.Lock()
	reg := e.listeners[topic]
	ids := make([]int, 0, len(reg))
	for id := range reg {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, reg[id])
	}
	e.mu.Unlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("collab: %s handler panic: %v", topic, r)
				}
			}()
			h(data)
		}()
	}
}

func (e *Engine) sweepLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			e.sweepPresence(time.Now())
		}
	}
}

// sweepPresence removes participants whose last activity is older than the
// inactivity threshold. Eviction is driven by staleness only; an offline
// status by itself never evicts. Removed entries are collected first so
// handlers never observe the maps mid-iteration.
func (e *Engine) sweepPresence(now time.Time) {
	var inactive []Presence
	e.mu.Lock()
	for _, room := range e.rooms {
		for id, p := range room.Participants {
			if now.Sub(p.LastActivity) > e.inactivity {
				delete(room.Participants, id)
				inactive = append(inactive, p)
			}
		}
	}
	e.mu.Unlock()

	for _, p := range inactive {
		e.emit("inactive", p)
	}
}
