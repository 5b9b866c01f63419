// Package device bridges hardware capabilities (camera, GPS, radio) to
// the capture queue and alerting.
package device

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"fieldline/internal/alert"
	"fieldline/internal/offline"
	"fieldline/internal/settings"
)

// Camera produces an encoded photo.
type Camera interface {
	Capture(ctx context.Context) ([]byte, error)
}

// Position is a GPS fix.
type Position struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  float64   `json:"accuracy"`
	At        time.Time `json:"at"`
}

// Locator reports the device position.
type Locator interface {
	Position(ctx context.Context) (Position, error)
}

// Connectivity is the radio state reported by the platform.
type Connectivity string

const (
	ConnOffline  Connectivity = "offline"
	ConnCellular Connectivity = "cellular"
	ConnWifi     Connectivity = "wifi"
)

// NetworkWatcher reports connectivity changes.
type NetworkWatcher interface {
	Current() Connectivity
	Changes() <-chan Connectivity
}

// Alerter delivers emergency alerts. *alert.Service satisfies this.
type Alerter interface {
	IsConfigured() bool
	SendEmergency(alert.Emergency) error
}

// Prefs exposes the active sync preferences. *settings.Manager
// satisfies this.
type Prefs interface {
	Current() settings.Settings
}

// Monitor wires device capabilities into the capture queue. It also
// implements offline.Network, honoring the wifi-only preference.
type Monitor struct {
	queue   *offline.Queue
	camera  Camera
	locator Locator
	watcher NetworkWatcher
	alerter Alerter
	prefs   Prefs

	userID   string
	userName string
	tenantID string

	mu   sync.Mutex
	conn Connectivity

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// MonitorConfig identifies the device owner.
type MonitorConfig struct {
	UserID   string
	UserName string
	TenantID string
}

// NewMonitor builds a monitor without a queue. The queue gates its
// sync traffic on the monitor, so it is attached afterwards via
// AttachQueue.
func NewMonitor(cfg MonitorConfig, camera Camera, locator Locator, watcher NetworkWatcher, alerter Alerter, prefs Prefs) *Monitor {
	conn := ConnOffline
	if watcher != nil {
		conn = watcher.Current()
	}
	return &Monitor{
		camera:   camera,
		locator:  locator,
		watcher:  watcher,
		alerter:  alerter,
		prefs:    prefs,
		userID:   cfg.UserID,
		userName: cfg.UserName,
		tenantID: cfg.TenantID,
		conn:     conn,
		done:     make(chan struct{}),
	}
}

// AttachQueue connects the capture queue. Must be called before Start.
func (m *Monitor) AttachQueue(q *offline.Queue) {
	m.queue = q
}

// Start begins watching connectivity changes.
func (m *Monitor) Start() {
	if m.watcher == nil {
		return
	}
	m.wg.Add(1)
	go m.watchLoop()
}

func (m *Monitor) Close() {
	m.closeOnce.Do(func() { close(m.done) })
	m.wg.Wait()
}

// Online reports whether sync traffic is currently allowed. Cellular
// counts as offline when the wifi-only preference is on.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	return m.allowed(conn)
}

func (m *Monitor) allowed(conn Connectivity) bool {
	switch conn {
	case ConnWifi:
		return true
	case ConnCellular:
		if m.prefs != nil && m.prefs.Current().WifiOnlySync {
			return false
		}
		return true
	default:
		return false
	}
}

func (m *Monitor) watchLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case conn, ok := <-m.watcher.Changes():
			if !ok {
				return
			}
			m.mu.Lock()
			m.conn = conn
			m.mu.Unlock()
			log.Printf("device: connectivity changed to %s", conn)
			if m.queue != nil {
				m.queue.NotifyNetworkChange(m.allowed(conn))
			}
		}
	}
}

// photoMeta travels alongside the raw photo bytes in the queue payload.
type photoMeta struct {
	UserID   string    `json:"userId"`
	TenantID string    `json:"tenantId"`
	TakenAt  time.Time `json:"takenAt"`
	Position *Position `json:"position,omitempty"`
	Data     []byte    `json:"data"`
}

// CapturePhoto takes a photo, tags it with a best-effort GPS fix, and
// buffers it for sync.
func (m *Monitor) CapturePhoto(ctx context.Context) (offline.Item, error) {
	if m.camera == nil {
		return offline.Item{}, fmt.Errorf("no camera available")
	}
	if m.queue == nil {
		return offline.Item{}, fmt.Errorf("no capture queue attached")
	}
	data, err := m.camera.Capture(ctx)
	if err != nil {
		return offline.Item{}, fmt.Errorf("capture photo: %w", err)
	}

	meta := photoMeta{
		UserID:   m.userID,
		TenantID: m.tenantID,
		TakenAt:  time.Now(),
		Data:     data,
	}
	if pos, err := m.position(ctx); err == nil {
		meta.Position = &pos
	}

	payload, err := json.Marshal(meta)
	if err != nil {
		return offline.Item{}, fmt.Errorf("encode photo: %w", err)
	}
	return m.queue.Add(ctx, offline.Item{
		Kind:     offline.KindPhoto,
		Payload:  payload,
		Priority: offline.PriorityMedium,
	})
}

// ReportLocation buffers the current position as a high priority item.
func (m *Monitor) ReportLocation(ctx context.Context) (offline.Item, error) {
	if m.queue == nil {
		return offline.Item{}, fmt.Errorf("no capture queue attached")
	}
	pos, err := m.position(ctx)
	if err != nil {
		return offline.Item{}, err
	}
	payload, err := json.Marshal(pos)
	if err != nil {
		return offline.Item{}, fmt.Errorf("encode position: %w", err)
	}
	return m.queue.Add(ctx, offline.Item{
		Kind:     offline.KindLocation,
		Payload:  payload,
		Priority: offline.PriorityHigh,
	})
}

// RaiseEmergency sends an alert immediately when a channel exists and
// always buffers a high priority location item as a trail.
func (m *Monitor) RaiseEmergency(ctx context.Context, message string) error {
	e := alert.Emergency{
		UserID:   m.userID,
		UserName: m.userName,
		TenantID: m.tenantID,
		Message:  message,
		RaisedAt: time.Now(),
	}
	if pos, err := m.position(ctx); err == nil {
		e.Latitude = pos.Latitude
		e.Longitude = pos.Longitude
		e.HasFix = true
	}

	if _, err := m.ReportLocation(ctx); err != nil {
		log.Printf("device: buffer emergency location: %v", err)
	}

	if m.alerter == nil || !m.alerter.IsConfigured() {
		return fmt.Errorf("no alert channel configured")
	}
	if err := m.alerter.SendEmergency(e); err != nil {
		return fmt.Errorf("send emergency alert: %w", err)
	}
	return nil
}

func (m *Monitor) position(ctx context.Context) (Position, error) {
	if m.locator == nil {
		return Position{}, fmt.Errorf("no locator available")
	}
	pos, err := m.locator.Position(ctx)
	if err != nil {
		return Position{}, fmt.Errorf("read position: %w", err)
	}
	if pos.At.IsZero() {
		pos.At = time.Now()
	}
	return pos, nil
}
