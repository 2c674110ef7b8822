// Package emulator provides the client for the emulator bridge
// service: a WebSocket feed of raw state snapshots and a REST endpoint
// for input injection. The engine only ever sees classify.Snapshot
// values and primitive button names; everything bridge-specific stays
// here.
package emulator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gambitbot/gambit/internal/classify"
	"github.com/gambitbot/gambit/internal/config"
	"github.com/gambitbot/gambit/internal/httpkit"
)

// Provider connects to the emulator bridge. Snapshots arrive over a
// WebSocket read pump; actions go out over plain HTTP.
type Provider struct {
	baseURL string
	conn    *websocket.Conn
	connMu  sync.Mutex

	// snapshots holds the most recent frame; the pump replaces a stale
	// unread frame rather than blocking, so ReadSnapshot always sees
	// the newest state.
	snapshots chan classify.Snapshot

	snapshotTimeout time.Duration
	injectTimeout   time.Duration

	// done is closed by Close and stops the redial loop.
	done      chan struct{}
	closeOnce sync.Once

	redialWait time.Duration

	httpClient *http.Client
	logger     *slog.Logger
	nowFunc    func() time.Time
}

// New creates a Provider from config. Call Connect before ReadSnapshot.
func New(cfg config.EmulatorConfig, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		baseURL:         cfg.URL,
		snapshots:       make(chan classify.Snapshot, 1),
		snapshotTimeout: time.Duration(cfg.SnapshotTimeoutSec) * time.Second,
		injectTimeout:   time.Duration(cfg.InjectTimeoutSec) * time.Second,
		done:            make(chan struct{}),
		redialWait:      time.Second,
		httpClient:      httpkit.NewClient(httpkit.WithRetry(2, 500*time.Millisecond)),
		logger:          logger.With("component", "emulator"),
		nowFunc:         time.Now,
	}
}

// Connect establishes the snapshot WebSocket and starts the read pump.
func (p *Provider) Connect(ctx context.Context) error {
	select {
	case <-p.done:
		return fmt.Errorf("provider closed")
	default:
	}

	p.connMu.Lock()
	defer p.connMu.Unlock()

	u, err := url.Parse(p.baseURL)
	if err != nil {
		return fmt.Errorf("parse bridge URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = "/ws/state"

	p.logger.Info("connecting to emulator bridge", "url", u.String())

	dialer := websocket.Dialer{
		ReadBufferSize:  256 * 1024,
		WriteBufferSize: 4 * 1024,
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial bridge websocket: %w", err)
	}
	conn.SetReadLimit(4 * 1024 * 1024)

	p.conn = conn
	go p.readPump(conn)
	return nil
}

// Reconnect closes any existing connection and re-establishes the
// feed. Safe to call from any goroutine.
func (p *Provider) Reconnect(ctx context.Context) error {
	p.logger.Info("reconnecting snapshot feed")

	p.connMu.Lock()
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
	p.connMu.Unlock()

	return p.Connect(ctx)
}

// Close stops the redial loop and closes the WebSocket connection.
func (p *Provider) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	p.connMu.Lock()
	defer p.connMu.Unlock()
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// ReadSnapshot blocks until the next snapshot arrives, the context is
// done, or the configured snapshot timeout elapses.
func (p *Provider) ReadSnapshot(ctx context.Context) (classify.Snapshot, error) {
	timer := time.NewTimer(p.snapshotTimeout)
	defer timer.Stop()

	select {
	case snap := <-p.snapshots:
		return snap, nil
	case <-ctx.Done():
		return classify.Snapshot{}, ctx.Err()
	case <-timer.C:
		return classify.Snapshot{}, fmt.Errorf("read snapshot: no frame within %s", p.snapshotTimeout)
	}
}

// injectRequest is the bridge's input endpoint payload.
type injectRequest struct {
	Button     string `json:"button"`
	HoldFrames int    `json:"hold_frames,omitempty"`
}

// InjectAction sends one button press to the bridge. hold is the
// number of frames the button is held; zero means the bridge default.
func (p *Provider) InjectAction(ctx context.Context, action string, hold int) error {
	body, err := json.Marshal(injectRequest{Button: action, HoldFrames: hold})
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.injectTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/input", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create input request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("inject %q: %w", action, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		errBody := httpkit.ReadErrorBody(resp.Body, 1024)
		return fmt.Errorf("inject %q: bridge returned %d: %s", action, resp.StatusCode, errBody)
	}

	p.logger.Debug("action injected", "button", action, "hold_frames", hold)
	return nil
}

// readPump reads raw frames off the socket and publishes them as
// snapshots. A stale unread snapshot is replaced, never queued. When
// the connection is lost while the provider is still open, a redial
// loop re-establishes the feed.
func (p *Provider) readPump(conn *websocket.Conn) {
	var lastFP string
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-p.done:
				p.logger.Info("snapshot feed closed")
			default:
				p.logger.Error("snapshot feed lost, redialing", "error", err)
				go p.redial()
			}
			return
		}

		snap := classify.NewSnapshot(p.nowFunc(), raw)
		if snap.Fingerprint == lastFP {
			// Repeated raw windows are how a stalled emulator looks.
			p.logger.Log(context.Background(), config.LevelTrace,
				"snapshot unchanged", "fingerprint", snap.Fingerprint)
		}
		lastFP = snap.Fingerprint
		select {
		case p.snapshots <- snap:
		default:
			select {
			case <-p.snapshots:
			default:
			}
			p.snapshots <- snap
		}
	}
}

// redial re-establishes the snapshot feed after a connection loss,
// backing off between attempts until it succeeds or the provider is
// closed.
func (p *Provider) redial() {
	delay := p.redialWait
	for {
		select {
		case <-p.done:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := p.Reconnect(ctx)
		cancel()
		if err == nil {
			p.logger.Info("snapshot feed restored")
			return
		}
		p.logger.Warn("bridge redial failed, backing off", "delay", delay, "error", err)

		select {
		case <-p.done:
			return
		case <-time.After(delay):
		}
		if delay *= 2; delay > 30*time.Second {
			delay = 30 * time.Second
		}
	}
}
