// Package telemetry publishes run statistics to an MQTT broker and
// accepts operator commands over it. The broker is optional: when no
// broker is configured the engine runs without this package entirely.
package telemetry

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/gambitbot/gambit/internal/config"
	"github.com/gambitbot/gambit/internal/events"
	"github.com/gambitbot/gambit/internal/loop"
)

// StatsSource provides the runtime data published as sensor states.
// The concrete adapter is wired in main to avoid coupling this package
// to the loop's internals.
type StatsSource interface {
	Stats() loop.Stats
	Uptime() time.Duration
	Version() string
}

// CommandHandler is called for each operator command received on the
// command topic. Recognized commands are "stop" and "checkpoint";
// unknown commands are logged and dropped before the handler runs.
type CommandHandler func(cmd string)

// Publisher manages the broker connection, maintains the availability
// topic via a last-will message, and pushes stats on a fixed cadence.
type Publisher struct {
	cfg     config.MQTTConfig
	stats   StatsSource
	handler CommandHandler
	logger  *slog.Logger
	bus     *events.Bus
	cm      *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop.
func New(cfg config.MQTTConfig, stats StatsSource, handler CommandHandler, bus *events.Bus, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:     cfg,
		stats:   stats,
		handler: handler,
		logger:  logger.With("component", "telemetry"),
		bus:     bus,
	}
}

// Start connects to the broker and blocks in the periodic publish loop
// until ctx is cancelled. On every (re-)connect it publishes an
// "online" availability message and re-subscribes to the command
// topic; the broker's last-will flips availability to "offline" if the
// process dies without a clean stop.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := p.availabilityTopic()
	cmdTopic := p.commandTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishAvailability(ctx, cm, "online")
			if _, err := cm.Subscribe(ctx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{{Topic: cmdTopic, QoS: 1}},
			}); err != nil {
				p.logger.Warn("mqtt command subscribe failed", "topic", cmdTopic, "error", err)
			}
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "gambit-" + p.cfg.DeviceName,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					p.handleCommand(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	// Wait briefly for the initial connection; autopaho keeps retrying
	// in the background either way.
	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.runLoop(ctx)
	return nil
}

// Stop publishes "offline" availability and disconnects cleanly.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

func (p *Publisher) baseTopic() string {
	return "gambit/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) commandTopic() string {
	return p.baseTopic() + "/cmd"
}

// handleCommand validates an inbound command and hands it to the
// configured handler. Stop requests are also announced on the event
// bus so the rest of the engine sees where the shutdown came from.
func (p *Publisher) handleCommand(topic string, payload []byte) {
	if topic != p.commandTopic() {
		return
	}
	cmd := strings.TrimSpace(strings.ToLower(string(payload)))
	switch cmd {
	case "stop", "checkpoint":
		p.logger.Info("mqtt command received", "command", cmd)
		if cmd == "stop" {
			p.bus.Emit(events.SourceTelemetry, events.KindStopRequested, map[string]any{
				"origin": "mqtt",
			})
		}
		if p.handler != nil {
			p.handler(cmd)
		}
	default:
		p.logger.Warn("mqtt unknown command dropped", "command", cmd)
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

func (p *Publisher) runLoop(ctx context.Context) {
	interval := time.Duration(p.cfg.PublishIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Publish immediately on start.
	p.publishStates(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStates(ctx)
		}
	}
}

// sensorStates renders the current stats as per-entity payloads.
func (p *Publisher) sensorStates() map[string]string {
	s := p.stats.Stats()
	return map[string]string{
		"seq":            strconv.FormatInt(s.Seq, 10),
		"phase":          s.Phase,
		"game_state":     s.ConfirmedTag,
		"invalid_streak": strconv.Itoa(s.InvalidStreak),
		"model_retries":  strconv.FormatInt(s.ModelRetries, 10),
		"faults":         strconv.FormatInt(s.Faults, 10),
		"uptime":         p.stats.Uptime().Truncate(time.Second).String(),
		"version":        p.stats.Version(),
	}
}

func (p *Publisher) publishStates(ctx context.Context) {
	if p.cm == nil {
		return
	}
	states := p.sensorStates()
	for entity, value := range states {
		if _, err := p.cm.Publish(ctx, &paho.Publish{
			Topic:   p.stateTopic(entity),
			Payload: []byte(value),
			QoS:     0,
			Retain:  true,
		}); err != nil {
			p.logger.Debug("mqtt state publish failed", "entity", entity, "error", err)
		}
	}
	p.logger.Debug("mqtt sensor states published", "entities", len(states))
}
