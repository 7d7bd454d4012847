package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/fluxmind/fluxmind/internal/config"
)

// ErrNotConnected is returned by [Notifier.Notify] before the first
// broker connection exists.
var ErrNotConnected = errors.New("mqtt notifier not connected")

// StatsSource provides the runtime values published as status.
type StatsSource interface {
	Uptime() time.Duration
	Version() string
	DefaultModel() string
}

// Reminder is the payload published when a study session fires.
type Reminder struct {
	SessionID      string    `json:"session_id"`
	ConversationID string    `json:"conversation_id"`
	Description    string    `json:"description"`
	FiredAt        time.Time `json:"fired_at"`
	Reply          string    `json:"reply,omitempty"` // the assistant's answer to the scheduled turn
}

// Notifier manages the broker connection and publishes availability,
// status values, and study-session reminders.
type Notifier struct {
	cfg        config.MQTTConfig
	instanceID string
	tokens     *DailyTokens
	stats      StatsSource
	logger     *slog.Logger
	cm         atomic.Pointer[autopaho.ConnectionManager]
}

// New creates a Notifier but does not connect. Call [Notifier.Start]
// to begin the connection and status loop.
func New(cfg config.MQTTConfig, instanceID string, tokens *DailyTokens, stats StatsSource, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Notifier{
		cfg:        cfg,
		instanceID: instanceID,
		tokens:     tokens,
		stats:      stats,
		logger:     logger,
	}
}

// Start connects to the broker and publishes status values every
// publish interval. It blocks until ctx is cancelled.
func (n *Notifier) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(n.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := n.availabilityTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: n.cfg.Username,
		ConnectPassword: []byte(n.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			n.logger.Info("mqtt connected to broker", "broker", n.cfg.Broker)
			n.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			n.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "fluxmind-" + n.instanceID,
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	n.cm.Store(cm)

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		n.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	n.runLoop(ctx)
	return nil
}

// Stop publishes "offline" and disconnects. ctx bounds both steps.
func (n *Notifier) Stop(ctx context.Context) error {
	cm := n.cm.Load()
	if cm == nil {
		return nil
	}
	n.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires.
func (n *Notifier) AwaitConnection(ctx context.Context) error {
	cm := n.cm.Load()
	if cm == nil {
		return ErrNotConnected
	}
	return cm.AwaitConnection(ctx)
}

// Notify publishes a fired study session on the reminders topic.
func (n *Notifier) Notify(ctx context.Context, r Reminder) error {
	cm := n.cm.Load()
	if cm == nil {
		return ErrNotConnected
	}
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode reminder: %w", err)
	}
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   n.reminderTopic(),
		Payload: payload,
		QoS:     1,
	}); err != nil {
		return fmt.Errorf("publish reminder: %w", err)
	}
	n.logger.Debug("mqtt reminder published", "session_id", r.SessionID, "conversation_id", r.ConversationID)
	return nil
}

// --- Topic helpers ---

func (n *Notifier) baseTopic() string {
	return "fluxmind/" + n.cfg.DeviceName
}

func (n *Notifier) availabilityTopic() string {
	return n.baseTopic() + "/availability"
}

func (n *Notifier) reminderTopic() string {
	return n.baseTopic() + "/reminders"
}

func (n *Notifier) stateTopic(value string) string {
	return n.baseTopic() + "/" + value + "/state"
}

func (n *Notifier) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   n.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		n.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	} else {
		n.logger.Info("mqtt availability published", "status", status)
	}
}

// --- Periodic status loop ---

func (n *Notifier) runLoop(ctx context.Context) {
	interval := time.Duration(n.cfg.PublishIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	n.publishStates(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.publishStates(ctx)
		}
	}
}

// states returns the status values to publish, keyed by topic segment.
func (n *Notifier) states() map[string]string {
	states := map[string]string{}
	if n.stats != nil {
		states["uptime"] = n.stats.Uptime().Truncate(time.Second).String()
		states["version"] = n.stats.Version()
		states["default_model"] = n.stats.DefaultModel()
	}
	if n.tokens != nil {
		input, output, requests := n.tokens.Snapshot()
		states["tokens_today"] = strconv.FormatInt(input+output, 10)
		states["turns_today"] = strconv.FormatInt(requests, 10)
	}
	return states
}

func (n *Notifier) publishStates(ctx context.Context) {
	cm := n.cm.Load()
	if cm == nil {
		return
	}

	states := n.states()
	for value, payload := range states {
		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   n.stateTopic(value),
			Payload: []byte(payload),
			QoS:     0,
			Retain:  true,
		}); err != nil {
			n.logger.Debug("mqtt state publish failed", "value", value, "error", err)
		}
	}
	n.logger.Debug("mqtt status published", "values", len(states))
}
