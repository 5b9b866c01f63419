package device

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DirectoryCamera treats a spool directory as the camera: Capture
// returns the newest file and removes it, the way a headless companion
// picks up photos dropped by the platform shell.
type DirectoryCamera struct {
	Dir string
}

func (c *DirectoryCamera) Capture(ctx context.Context) ([]byte, error) {
	entries, err := os.ReadDir(c.Dir)
	if err != nil {
		return nil, fmt.Errorf("read camera spool: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("camera spool %s is empty", c.Dir)
	}
	sort.Strings(names)
	path := filepath.Join(c.Dir, names[len(names)-1])
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read capture %s: %w", path, err)
	}
	if err := os.Remove(path); err != nil {
		return nil, fmt.Errorf("consume capture %s: %w", path, err)
	}
	return data, nil
}

// FixedLocator reports a position configured at startup, used on
// devices without a GPS receiver.
type FixedLocator struct {
	Pos Position
}

func (l *FixedLocator) Position(context.Context) (Position, error) {
	pos := l.Pos
	pos.At = time.Now()
	return pos, nil
}

// ParsePosition reads "lat,lon" into a Position.
func ParsePosition(s string) (Position, error) {
	parts := strings.SplitN(s, ",", 2)
	if len(parts) != 2 {
		return Position{}, fmt.Errorf("position %q: want lat,lon", s)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return Position{}, fmt.Errorf("position latitude %q: %w", parts[0], err)
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return Position{}, fmt.Errorf("position longitude %q: %w", parts[1], err)
	}
	return Position{Latitude: lat, Longitude: lon}, nil
}

// ProbeWatcher infers connectivity by probing an HTTP endpoint. It
// cannot tell wifi from cellular, so reachable reads as wifi.
type ProbeWatcher struct {
	url      string
	interval time.Duration
	client   *http.Client

	mu      sync.Mutex
	current Connectivity

	ch        chan Connectivity
	done      chan struct{}
	closeOnce sync.Once
}

func NewProbeWatcher(url string, interval time.Duration) *ProbeWatcher {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	w := &ProbeWatcher{
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		current:  ConnOffline,
		ch:       make(chan Connectivity, 4),
		done:     make(chan struct{}),
	}
	w.current = w.probe()
	return w
}

func (w *ProbeWatcher) Start() {
	go w.loop()
}

func (w *ProbeWatcher) Close() {
	w.closeOnce.Do(func() { close(w.done) })
}

func (w *ProbeWatcher) Current() Connectivity {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

func (w *ProbeWatcher) Changes() <-chan Connectivity {
	return w.ch
}

func (w *ProbeWatcher) loop() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			next := w.probe()
			w.mu.Lock()
			changed := next != w.current
			w.current = next
			w.mu.Unlock()
			if changed {
				select {
				case w.ch <- next:
				default:
				}
			}
		}
	}
}

func (w *ProbeWatcher) probe() Connectivity {
	req, err := http.NewRequest(http.MethodHead, w.url, nil)
	if err != nil {
		return ConnOffline
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return ConnOffline
	}
	resp.Body.Close()
	return ConnWifi
}
