package collab

import (
	"context"
	"encoding/json"
	"log"
	"time"
)

// Connect wires a relay connection as the engine's transport. Must be called
// before Start; tests inject a Transport through Deps instead.
func (e *Engine) Connect(relayURL, pollURL string) {
	e.transport = NewConn(ConnConfig{
		RelayURL:      relayURL,
		PollURL:       pollURL,
		TenantID:      e.cfg.TenantID,
		UserID:        e.cfg.UserID,
		OnMessage:     e.handleEnvelope,
		OnStateChange: e.handleConnState,
	})
}

// handleConnState reacts to transport lifecycle transitions. Once a delivery
// path exists again the outbox is drained in order.
func (e *Engine) handleConnState(state State) {
	e.emit("state", state)
	if state != StateConnected && state != StatePolling {
		return
	}
	if e.outbox == nil || e.transport == nil {
		return
	}
	e.outbox.Drain(context.Background(), e.transport.Send)
}

// handleEnvelope is the single inbound dispatch point. It switches on the
// message tag and routes to the matching handler; unknown tags are logged
// and dropped.
func (e *Engine) handleEnvelope(env Envelope) {
	switch env.Type {
	case MsgEvent:
		e.handleInboundEvent(env.Data)
	case MsgPresence:
		e.handleInboundPresence(env.Data)
	case MsgRoomJoin:
		e.handleInboundRoomChange(env.Data, true)
	case MsgRoomLeave:
		e.handleInboundRoomChange(env.Data, false)
	case MsgEditConflict:
		e.handleInboundConflict(env.Data)
	case MsgHeartbeat:
		e.handleInboundHeartbeat(env.Data)
	default:
		log.Printf("collab: unknown message type %q dropped", env.Type)
	}
}

func (e *Engine) handleInboundEvent(data json.RawMessage) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		log.Printf("collab: decode event: %v", err)
		return
	}
	if event.TenantID != "" && event.TenantID != e.cfg.TenantID {
		return
	}

	switch event.Type {
	case EventEdit:
		var edit Edit
		if err := json.Unmarshal(event.Payload, &edit); err != nil {
			log.Printf("collab: decode edit event: %v", err)
			return
		}
		if edit.ElementID != "" {
			e.appendHistory(edit)
		}
		e.emit("edit", edit)
	case EventComment:
		var c Comment
		if err := json.Unmarshal(event.Payload, &c); err != nil {
			log.Printf("collab: decode comment event: %v", err)
			return
		}
		e.mu.Lock()
		stored := c
		e.commentLog[c.ID] = &stored
		e.mu.Unlock()
		e.emit("comment", c)
	case EventCursor:
		e.emit("cursor", event)
	case EventPresence:
		e.emit("presence", event)
	case EventNotification:
		e.emit("notification", event)
	case EventStatus:
		e.emit("status", event)
	default:
		log.Printf("collab: unknown event type %q dropped", event.Type)
	}
}

func (e *Engine) handleInboundPresence(data json.RawMessage) {
	var p Presence
	if err := json.Unmarshal(data, &p); err != nil {
		log.Printf("collab: decode presence: %v", err)
		return
	}
	if p.UserID == "" || p.UserID == e.cfg.UserID {
		return
	}

	e.mu.Lock()
	if room, ok := e.rooms[p.Location.ID]; ok {
		room.Participants[p.UserID] = p
	} else {
		// Not a room we track by location; refresh wherever the user is known.
		for _, room := range e.rooms {
			if _, ok := room.Participants[p.UserID]; ok {
				room.Participants[p.UserID] = p
			}
		}
	}
	e.mu.Unlock()

	e.emit("presence", p)
}

func (e *Engine) handleInboundRoomChange(data json.RawMessage, joined bool) {
	var rc RoomChange
	if err := json.Unmarshal(data, &rc); err != nil {
		log.Printf("collab: decode room change: %v", err)
		return
	}

	e.mu.Lock()
	if room, ok := e.rooms[rc.RoomID]; ok {
		if joined {
			room.Connections++
			if rc.UserID != "" {
				room.Participants[rc.UserID] = Presence{
					UserID:       rc.UserID,
					UserName:     rc.UserName,
					Status:       StatusOnline,
					Location:     Location{Kind: string(rc.RoomType), ID: rc.RoomID},
					LastActivity: time.Now(),
				}
			}
		} else {
			if room.Connections > 0 {
				room.Connections--
			}
			delete(room.Participants, rc.UserID)
		}
	}
	e.mu.Unlock()

	if joined {
		e.emit("room:join", rc)
	} else {
		e.emit("room:leave", rc)
	}
}

func (e *Engine) handleInboundConflict(data json.RawMessage) {
	var notice ConflictNotice
	if err := json.Unmarshal(data, &notice); err != nil {
		log.Printf("collab: decode conflict notice: %v", err)
		return
	}
	e.emit("conflict", notice)
}

// handleInboundHeartbeat refreshes the sender's activity stamp wherever they
// appear in the tracked rooms.
func (e *Engine) handleInboundHeartbeat(data json.RawMessage) {
	var hb Heartbeat
	if err := json.Unmarshal(data, &hb); err != nil || hb.UserID == "" {
		return
	}
	now := time.Now()
	e.mu.Lock()
	for _, room := range e.rooms {
		if p, ok := room.Participants[hb.UserID]; ok {
			p.LastActivity = now
			room.Participants[hb.UserID] = p
		}
	}
	e.mu.Unlock()
}
