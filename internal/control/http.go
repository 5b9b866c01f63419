// Package control exposes a local HTTP API for driving the companion:
// room membership, edits, comments, captures, and settings.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fieldline/internal/collab"
	"fieldline/internal/device"
	"fieldline/internal/kv"
	"fieldline/internal/offline"
	"fieldline/internal/search"
	"fieldline/internal/settings"
)

type Server struct {
	engine   *collab.Engine
	queue    *offline.Queue
	monitor  *device.Monitor
	searcher *search.Service
	prefs    *settings.Manager
	store    kv.Store
	tenantID string
}

type Deps struct {
	Engine   *collab.Engine
	Queue    *offline.Queue
	Monitor  *device.Monitor
	Searcher *search.Service
	Prefs    *settings.Manager
	Store    kv.Store
	TenantID string
}

func NewServer(deps Deps) *Server {
	return &Server{
		engine:   deps.Engine,
		queue:    deps.Queue,
		monitor:  deps.Monitor,
		searcher: deps.Searcher,
		prefs:    deps.Prefs,
		store:    deps.Store,
		tenantID: deps.TenantID,
	}
}

func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handle)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"storage": map[string]any{"status": "ok"},
		}
		if err := s.store.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["storage"] = map[string]any{"status": "error", "error": err.Error()}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/state" {
		writeJSON(w, http.StatusOK, map[string]any{
			"connection": s.engine.ConnState(),
			"presence":   s.engine.SelfPresence(),
			"rooms":      s.engine.Rooms(),
			"queued":     s.queue.Len(),
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/rooms/join" {
		var body struct {
			RoomID string `json:"roomId"`
			Type   string `json:"type"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
			return
		}
		if body.RoomID == "" {
			writeError(w, http.StatusBadRequest, "MISSING_ROOM", "roomId is required")
			return
		}
		roomType := collab.RoomType(body.Type)
		if roomType == "" {
			roomType = collab.RoomProject
		}
		s.engine.JoinRoom(r.Context(), body.RoomID, roomType)
		room, _ := s.engine.Room(body.RoomID)
		writeJSON(w, http.StatusOK, room)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/rooms/leave" {
		var body struct {
			RoomID string `json:"roomId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
			return
		}
		s.engine.LeaveRoom(r.Context(), body.RoomID)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/edits" {
		var body struct {
			Kind      string          `json:"kind"`
			ElementID string          `json:"elementId"`
			Payload   json.RawMessage `json:"payload"`
			Previous  json.RawMessage `json:"previous"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
			return
		}
		if body.ElementID == "" {
			writeError(w, http.StatusBadRequest, "MISSING_ELEMENT", "elementId is required")
			return
		}
		edit := s.engine.BroadcastEdit(r.Context(), collab.Edit{
			Kind:      collab.EditKind(body.Kind),
			ElementID: body.ElementID,
			Payload:   body.Payload,
			Previous:  body.Previous,
		})
		writeJSON(w, http.StatusOK, edit)
		return
	}

	if r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/api/edits/history/") {
		elementID := strings.TrimPrefix(r.URL.Path, "/api/edits/history/")
		if elementID == "" {
			writeError(w, http.StatusBadRequest, "MISSING_ELEMENT", "element id is required")
			return
		}
		writeJSON(w, http.StatusOK, s.engine.GetEditHistory(elementID))
		return
	}

	if r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/api/edits/resolve/") {
		elementID := strings.TrimPrefix(r.URL.Path, "/api/edits/resolve/")
		winner, ok := s.engine.ResolveConflict(elementID)
		if !ok {
			writeError(w, http.StatusNotFound, "NO_HISTORY", "no edits recorded for element")
			return
		}
		writeJSON(w, http.StatusOK, winner)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/comments" {
		var body struct {
			Content  string         `json:"content"`
			Anchor   *collab.Cursor `json:"anchor"`
			Mentions []string       `json:"mentions"`
			ParentID string         `json:"parentId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
			return
		}
		if strings.TrimSpace(body.Content) == "" {
			writeError(w, http.StatusBadRequest, "EMPTY_COMMENT", "content is required")
			return
		}
		comment := collab.Comment{
			Content:  body.Content,
			Anchor:   body.Anchor,
			Mentions: body.Mentions,
		}
		if body.ParentID != "" {
			if !s.engine.AddReply(body.ParentID, comment) {
				writeError(w, http.StatusNotFound, "NO_PARENT", "parent comment not found")
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}
		writeJSON(w, http.StatusOK, s.engine.AddComment(r.Context(), comment))
		return
	}

	if r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/api/comments/resolve/") {
		id := strings.TrimPrefix(r.URL.Path, "/api/comments/resolve/")
		s.engine.ResolveComment(r.Context(), id)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/comments/search" {
		query := strings.TrimSpace(r.URL.Query().Get("q"))
		if query == "" {
			writeError(w, http.StatusBadRequest, "MISSING_QUERY", "q is required")
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		results, err := s.searcher.Search(r.Context(), s.tenantID, query, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "SEARCH_FAILED", err.Error())
			return
		}
		if results == nil {
			results = []collab.Comment{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": results})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/presence" {
		var body collab.PresenceUpdate
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
			return
		}
		s.engine.UpdatePresence(r.Context(), body)
		writeJSON(w, http.StatusOK, s.engine.SelfPresence())
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/cursor" {
		var body struct {
			X         float64 `json:"x"`
			Y         float64 `json:"y"`
			ElementID string  `json:"elementId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
			return
		}
		s.engine.TrackCursor(r.Context(), body.X, body.Y, body.ElementID)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/captures/photo" {
		item, err := s.monitor.CapturePhoto(r.Context())
		if err != nil {
			writeError(w, captureStatus(err), "CAPTURE_FAILED", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, item)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/captures/location" {
		item, err := s.monitor.ReportLocation(r.Context())
		if err != nil {
			writeError(w, captureStatus(err), "CAPTURE_FAILED", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, item)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/emergency" {
		var body struct {
			Message string `json:"message"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
			return
		}
		// Collaborators are notified even when the SMTP channel is down.
		s.engine.SendNotification(r.Context(), collab.Notification{
			Title:    "Emergency",
			Body:     body.Message,
			Severity: "critical",
		})
		if err := s.monitor.RaiseEmergency(r.Context(), body.Message); err != nil {
			writeError(w, http.StatusBadGateway, "ALERT_FAILED", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/queue" {
		items := s.queue.Items()
		if items == nil {
			items = []offline.Item{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items, "length": len(items)})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/queue/sync" {
		if err := s.queue.Sync(r.Context()); err != nil {
			writeError(w, http.StatusBadGateway, "SYNC_FAILED", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"remaining": s.queue.Len()})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/settings" {
		writeJSON(w, http.StatusOK, s.prefs.Current())
		return
	}

	if r.Method == http.MethodPut && r.URL.Path == "/api/settings" {
		var body settings.Settings
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
			return
		}
		updated, err := s.prefs.Update(r.Context(), func(cur *settings.Settings) {
			*cur = body
		})
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_SETTINGS", err.Error())
			return
		}
		s.queue.SetAutoSync(updated.AutoSync)
		writeJSON(w, http.StatusOK, updated)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found")
}

func captureStatus(err error) int {
	if errors.Is(err, offline.ErrQueueFull) {
		return http.StatusInsufficientStorage
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{"code": code, "error": message})
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}
