package control

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"fieldline/internal/collab"
	"fieldline/internal/device"
	"fieldline/internal/kv"
	"fieldline/internal/offline"
	"fieldline/internal/search"
	"fieldline/internal/settings"
)

type fakeCamera struct{}

func (fakeCamera) Capture(context.Context) ([]byte, error) {
	return []byte{0xFF, 0xD8}, nil
}

type fakeLocator struct{}

func (fakeLocator) Position(context.Context) (device.Position, error) {
	return device.Position{Latitude: 48.2, Longitude: 16.4}, nil
}

type fakeFallback struct {
	results []collab.Comment
}

func (f *fakeFallback) SearchComments(context.Context, string, string, int) ([]collab.Comment, error) {
	return f.results, nil
}

type noopSyncer struct{}

func (noopSyncer) SyncItem(context.Context, offline.Item) error { return nil }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	ctx := context.Background()

	store, err := kv.NewSQLiteStore(filepath.Join(t.TempDir(), "control.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	engine := collab.NewEngine(collab.EngineConfig{
		TenantID: "tenant-1",
		UserID:   "u1",
		UserName: "Pat",
	}, collab.Deps{})

	prefs, err := settings.NewManager(ctx, store)
	if err != nil {
		t.Fatalf("settings manager: %v", err)
	}

	monitor := device.NewMonitor(device.MonitorConfig{UserID: "u1", TenantID: "tenant-1"}, fakeCamera{}, fakeLocator{}, nil, nil, prefs)
	queue, err := offline.NewQueue(ctx, store, noopSyncer{}, monitor, offline.Options{})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	t.Cleanup(queue.Close)
	monitor.AttachQueue(queue)

	searcher := search.NewService(nil, &fakeFallback{
		results: []collab.Comment{{ID: "c1", Content: "rebar spacing"}},
	})

	return NewServer(Deps{
		Engine:   engine,
		Queue:    queue,
		Monitor:  monitor,
		Searcher: searcher,
		Prefs:    prefs,
		Store:    store,
		TenantID: "tenant-1",
	})
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)
	rr := do(t, s, http.MethodGet, "/api/health", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var response map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if ok := response["ok"]; ok != true {
		t.Errorf("expected ok=true, got %v", ok)
	}
}

func TestReadyEndpoint(t *testing.T) {
	s := newTestServer(t)
	rr := do(t, s, http.MethodGet, "/api/ready", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var response map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if status := response["status"]; status != "ready" {
		t.Errorf("expected status=ready, got %v", status)
	}
}

func TestJoinRoomAppearsInState(t *testing.T) {
	s := newTestServer(t)

	rr := do(t, s, http.MethodPost, "/api/rooms/join", map[string]any{"roomId": "project:42", "type": "project"})
	if rr.Code != http.StatusOK {
		t.Fatalf("join failed: %d %s", rr.Code, rr.Body.String())
	}

	rr = do(t, s, http.MethodGet, "/api/state", nil)
	var state struct {
		Connection string        `json:"connection"`
		Rooms      []collab.Room `json:"rooms"`
		Queued     int           `json:"queued"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &state); err != nil {
		t.Fatalf("parse state: %v", err)
	}
	if state.Connection != "disconnected" {
		t.Errorf("connection = %q, want disconnected without transport", state.Connection)
	}
	if len(state.Rooms) != 1 || state.Rooms[0].ID != "project:42" {
		t.Fatalf("rooms = %+v", state.Rooms)
	}
}

func TestJoinRoomRequiresID(t *testing.T) {
	s := newTestServer(t)
	rr := do(t, s, http.MethodPost, "/api/rooms/join", map[string]any{})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestEditHistoryAndResolve(t *testing.T) {
	s := newTestServer(t)

	for _, payload := range []string{`{"v":1}`, `{"v":2}`} {
		rr := do(t, s, http.MethodPost, "/api/edits", map[string]any{
			"kind":      "update",
			"elementId": "wall-7",
			"payload":   json.RawMessage(payload),
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("edit failed: %d %s", rr.Code, rr.Body.String())
		}
	}

	rr := do(t, s, http.MethodGet, "/api/edits/history/wall-7", nil)
	var history []collab.Edit
	if err := json.Unmarshal(rr.Body.Bytes(), &history); err != nil {
		t.Fatalf("parse history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}

	rr = do(t, s, http.MethodPost, "/api/edits/resolve/wall-7", nil)
	var winner collab.Edit
	if err := json.Unmarshal(rr.Body.Bytes(), &winner); err != nil {
		t.Fatalf("parse winner: %v", err)
	}
	if string(winner.Payload) != `{"v":2}` {
		t.Errorf("winner payload = %s, want the latest edit", winner.Payload)
	}

	rr = do(t, s, http.MethodPost, "/api/edits/resolve/nothing-here", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown element, got %d", rr.Code)
	}
}

func TestCommentSearchFallsBackToStore(t *testing.T) {
	s := newTestServer(t)
	rr := do(t, s, http.MethodGet, "/api/comments/search?q=rebar", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("search failed: %d %s", rr.Code, rr.Body.String())
	}
	var response struct {
		Results []collab.Comment `json:"results"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if len(response.Results) != 1 || response.Results[0].ID != "c1" {
		t.Fatalf("results = %+v", response.Results)
	}
}

func TestCommentRequiresContent(t *testing.T) {
	s := newTestServer(t)
	rr := do(t, s, http.MethodPost, "/api/comments", map[string]any{"content": "   "})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestCapturePhotoBuffersInQueue(t *testing.T) {
	s := newTestServer(t)

	rr := do(t, s, http.MethodPost, "/api/captures/photo", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("capture failed: %d %s", rr.Code, rr.Body.String())
	}
	var item offline.Item
	if err := json.Unmarshal(rr.Body.Bytes(), &item); err != nil {
		t.Fatalf("parse item: %v", err)
	}
	if item.Kind != offline.KindPhoto {
		t.Errorf("kind = %s, want %s", item.Kind, offline.KindPhoto)
	}

	rr = do(t, s, http.MethodGet, "/api/queue", nil)
	var queue struct {
		Length int `json:"length"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &queue); err != nil {
		t.Fatalf("parse queue: %v", err)
	}
	if queue.Length != 1 {
		t.Errorf("queue length = %d, want 1", queue.Length)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	s := newTestServer(t)

	next := settings.Defaults()
	next.WifiOnlySync = true
	next.SyncIntervalMinutes = 30
	rr := do(t, s, http.MethodPut, "/api/settings", next)
	if rr.Code != http.StatusOK {
		t.Fatalf("update failed: %d %s", rr.Code, rr.Body.String())
	}

	rr = do(t, s, http.MethodGet, "/api/settings", nil)
	var got settings.Settings
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("parse settings: %v", err)
	}
	if !got.WifiOnlySync || got.SyncIntervalMinutes != 30 {
		t.Fatalf("settings = %+v", got)
	}
}

func TestSettingsRejectsBadInterval(t *testing.T) {
	s := newTestServer(t)
	bad := settings.Defaults()
	bad.SyncIntervalMinutes = -1
	rr := do(t, s, http.MethodPut, "/api/settings", bad)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestUnknownRoute(t *testing.T) {
	s := newTestServer(t)
	rr := do(t, s, http.MethodGet, "/api/nope", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}
