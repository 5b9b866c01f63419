package device

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"fieldline/internal/alert"
	"fieldline/internal/kv"
	"fieldline/internal/offline"
	"fieldline/internal/settings"
)

type fakeCamera struct {
	data []byte
}

func (c *fakeCamera) Capture(context.Context) ([]byte, error) {
	return c.data, nil
}

type fakeLocator struct {
	pos Position
}

func (l *fakeLocator) Position(context.Context) (Position, error) {
	return l.pos, nil
}

type fakeWatcher struct {
	initial Connectivity
	ch      chan Connectivity
}

func newFakeWatcher(initial Connectivity) *fakeWatcher {
	return &fakeWatcher{initial: initial, ch: make(chan Connectivity, 4)}
}

func (w *fakeWatcher) Current() Connectivity        { return w.initial }
func (w *fakeWatcher) Changes() <-chan Connectivity { return w.ch }

type fakeAlerter struct {
	configured bool

	mu   sync.Mutex
	sent []alert.Emergency
}

func (a *fakeAlerter) IsConfigured() bool { return a.configured }

func (a *fakeAlerter) SendEmergency(e alert.Emergency) error {
	a.mu.Lock()
	a.sent = append(a.sent, e)
	a.mu.Unlock()
	return nil
}

type fixedPrefs struct {
	s settings.Settings
}

func (p fixedPrefs) Current() settings.Settings { return p.s }

type recordingSyncer struct {
	sync.Mutex
	attempts int
}

func (s *recordingSyncer) SyncItem(context.Context, offline.Item) error {
	s.Lock()
	s.attempts++
	s.Unlock()
	return nil
}

func testQueue(t *testing.T, network offline.Network, syncer offline.Syncer, opts offline.Options) *offline.Queue {
	t.Helper()
	store, err := kv.NewSQLiteStore(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	q, err := offline.NewQueue(context.Background(), store, syncer, network, opts)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	t.Cleanup(q.Close)
	return q
}

func TestOnlineHonorsWifiOnlyPreference(t *testing.T) {
	cases := []struct {
		conn     Connectivity
		wifiOnly bool
		want     bool
	}{
		{ConnWifi, true, true},
		{ConnWifi, false, true},
		{ConnCellular, false, true},
		{ConnCellular, true, false},
		{ConnOffline, false, false},
	}
	for _, tc := range cases {
		m := NewMonitor(MonitorConfig{}, nil, nil, newFakeWatcher(tc.conn), nil, fixedPrefs{settings.Settings{WifiOnlySync: tc.wifiOnly}})
		if got := m.Online(); got != tc.want {
			t.Fatalf("conn=%s wifiOnly=%v: Online() = %v, want %v", tc.conn, tc.wifiOnly, got, tc.want)
		}
	}
}

func TestCapturePhotoBuffersTaggedItem(t *testing.T) {
	ctx := context.Background()
	m := NewMonitor(
		MonitorConfig{UserID: "u1", TenantID: "tenant-1"},
		&fakeCamera{data: []byte{0xFF, 0xD8, 0x01}},
		&fakeLocator{pos: Position{Latitude: 48.2, Longitude: 16.4}},
		nil, nil, nil,
	)
	q := testQueue(t, m, &recordingSyncer{}, offline.Options{})
	m.AttachQueue(q)

	item, err := m.CapturePhoto(ctx)
	if err != nil {
		t.Fatalf("capture photo: %v", err)
	}
	if item.Kind != offline.KindPhoto {
		t.Fatalf("kind = %s, want %s", item.Kind, offline.KindPhoto)
	}
	if q.Len() != 1 {
		t.Fatalf("queue length = %d, want 1", q.Len())
	}

	var meta photoMeta
	if err := json.Unmarshal(item.Payload, &meta); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if meta.UserID != "u1" || meta.TenantID != "tenant-1" {
		t.Fatalf("owner tags lost: %+v", meta)
	}
	if meta.Position == nil || meta.Position.Latitude != 48.2 {
		t.Fatalf("missing GPS tag: %+v", meta.Position)
	}
	if len(meta.Data) != 3 {
		t.Fatalf("photo bytes lost: %d", len(meta.Data))
	}
}

func TestCapturePhotoWithoutCamera(t *testing.T) {
	m := NewMonitor(MonitorConfig{}, nil, nil, nil, nil, nil)
	if _, err := m.CapturePhoto(context.Background()); err == nil {
		t.Fatal("expected error without camera")
	}
}

func TestConnectivityRestoredTriggersAutoSync(t *testing.T) {
	syncer := &recordingSyncer{}
	watcher := newFakeWatcher(ConnOffline)
	m := NewMonitor(MonitorConfig{}, nil, &fakeLocator{}, watcher, nil, nil)
	q := testQueue(t, m, syncer, offline.Options{
		AutoSync:      true,
		AutoSyncDelay: time.Millisecond,
		SyncInterval:  time.Hour,
	})
	m.AttachQueue(q)

	if _, err := m.ReportLocation(context.Background()); err != nil {
		t.Fatalf("report location: %v", err)
	}

	m.Start()
	defer m.Close()
	watcher.ch <- ConnWifi

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		syncer.Lock()
		n := syncer.attempts
		syncer.Unlock()
		if n == 1 && q.Len() == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	syncer.Lock()
	n := syncer.attempts
	syncer.Unlock()
	t.Fatalf("auto sync did not drain queue: attempts=%d len=%d", n, q.Len())
}

func TestRaiseEmergencySendsAlertWithFix(t *testing.T) {
	alerter := &fakeAlerter{configured: true}
	m := NewMonitor(
		MonitorConfig{UserID: "u1", UserName: "Pat"},
		nil,
		&fakeLocator{pos: Position{Latitude: 52.5, Longitude: 13.4}},
		nil, alerter, nil,
	)
	m.AttachQueue(testQueue(t, m, &recordingSyncer{}, offline.Options{}))

	if err := m.RaiseEmergency(context.Background(), "injured on level 3"); err != nil {
		t.Fatalf("raise emergency: %v", err)
	}

	alerter.mu.Lock()
	defer alerter.mu.Unlock()
	if len(alerter.sent) != 1 {
		t.Fatalf("alerts sent = %d, want 1", len(alerter.sent))
	}
	e := alerter.sent[0]
	if !e.HasFix || e.Latitude != 52.5 || e.Longitude != 13.4 {
		t.Fatalf("alert missing GPS fix: %+v", e)
	}
	if e.UserName != "Pat" || e.Message != "injured on level 3" {
		t.Fatalf("alert identity lost: %+v", e)
	}
}

func TestRaiseEmergencyWithoutChannelStillBuffersLocation(t *testing.T) {
	m := NewMonitor(MonitorConfig{UserID: "u1"}, nil, &fakeLocator{}, nil, nil, nil)
	q := testQueue(t, m, &recordingSyncer{}, offline.Options{})
	m.AttachQueue(q)

	if err := m.RaiseEmergency(context.Background(), "help"); err == nil {
		t.Fatal("expected error with no alert channel")
	}
	if q.Len() != 1 {
		t.Fatalf("queue length = %d, want buffered location trail", q.Len())
	}
	if q.Items()[0].Kind != offline.KindLocation {
		t.Fatalf("buffered kind = %s, want %s", q.Items()[0].Kind, offline.KindLocation)
	}
}
