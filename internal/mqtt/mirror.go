package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/tadpole/internal/config"
	"github.com/nugget/tadpole/internal/events"
)

// eventBuffer is the bus subscription depth. A slow broker loses events
// rather than stalling the bus.
const eventBuffer = 256

// publisher is the part of [autopaho.ConnectionManager] the mirror
// uses.
type publisher interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Mirror forwards bus events to an MQTT broker.
type Mirror struct {
	cfg      config.MQTTConfig
	clientID string
	info     Info
	bus      *events.Bus
	counts   *DailyCounts
	limiter  *rateLimiter
	logger   *slog.Logger

	mu  sync.Mutex
	pub publisher
	cm  *autopaho.ConnectionManager
}

// New creates a Mirror but does not connect. Call [Mirror.Start] to
// begin mirroring.
func New(cfg config.MQTTConfig, instanceID string, bus *events.Bus, logger *slog.Logger) *Mirror {
	if logger == nil {
		logger = slog.Default()
	}
	id := cfg.ClientID
	if id == "" {
		id = clientID(instanceID)
	}
	return &Mirror{
		cfg:      cfg,
		clientID: id,
		info:     NewInfo(instanceID, id),
		bus:      bus,
		counts:   NewDailyCounts(nil),
		limiter:  newRateLimiter(int64(cfg.RateLimit), time.Second, logger),
		logger:   logger.With("component", "mqtt"),
	}
}

// Start connects to the broker and mirrors events until ctx is
// cancelled. Connection failures after the first attempt are retried
// in the background by autopaho.
func (m *Mirror) Start(ctx context.Context) error {
	if m.bus == nil {
		return fmt.Errorf("mqtt mirror: event bus is required")
	}
	brokerURL, err := url.Parse(m.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       uint16(m.cfg.KeepAlive / time.Second),
		ConnectUsername: m.cfg.Username,
		ConnectPassword: []byte(m.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   m.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			m.logger.Info("mqtt connected to broker", "broker", m.cfg.Broker, "client_id", m.clientID)
			m.announce(ctx, cm)
		},
		OnConnectError: func(err error) {
			m.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: m.clientID,
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	// Subscribe before connecting so events published during the
	// handshake are not lost.
	sub := m.bus.Subscribe(eventBuffer)
	defer m.bus.Unsubscribe(sub)

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	m.mu.Lock()
	m.cm = cm
	m.pub = cm
	m.mu.Unlock()

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	if err := cm.AwaitConnection(connCtx); err != nil {
		m.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}
	connCancel()

	go m.limiter.start(ctx)
	m.run(ctx, sub)
	return nil
}

// Stop publishes "offline" and disconnects. ctx bounds both.
func (m *Mirror) Stop(ctx context.Context) error {
	m.mu.Lock()
	cm := m.cm
	m.mu.Unlock()
	if cm == nil {
		return nil
	}
	m.publishTo(ctx, cm, m.availability("offline"))
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is up or ctx
// expires.
func (m *Mirror) AwaitConnection(ctx context.Context) error {
	m.mu.Lock()
	cm := m.cm
	m.mu.Unlock()
	if cm == nil {
		return fmt.Errorf("mqtt mirror not started")
	}
	return cm.AwaitConnection(ctx)
}

func (m *Mirror) run(ctx context.Context, sub <-chan events.Event) {
	interval := m.cfg.StatsInterval
	if interval <= 0 {
		interval = config.DefaultMQTTStats
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.publish(ctx, m.stats())
		case e, ok := <-sub:
			if !ok {
				return
			}
			m.handle(ctx, e)
		}
	}
}

// handle counts e and publishes its messages. Retained messages carry
// current state and bypass the rate limit.
func (m *Mirror) handle(ctx context.Context, e events.Event) {
	m.counts.Observe(e)
	for _, msg := range m.messages(e) {
		if !msg.Retain && !m.limiter.allow() {
			continue
		}
		m.publish(ctx, msg)
	}
}

// announce publishes the birth message and the retained snapshots.
func (m *Mirror) announce(ctx context.Context, pub publisher) {
	m.publishTo(ctx, pub, m.availability("online"))
	if payload, err := json.Marshal(m.info); err == nil {
		m.publishTo(ctx, pub, &paho.Publish{Topic: m.topic("info"), Payload: payload, QoS: 1, Retain: true})
	}
	m.publishTo(ctx, pub, m.stats())
}

func (m *Mirror) publish(ctx context.Context, msg *paho.Publish) {
	m.mu.Lock()
	pub := m.pub
	m.mu.Unlock()
	if pub == nil {
		return
	}
	m.publishTo(ctx, pub, msg)
}

func (m *Mirror) publishTo(ctx context.Context, pub publisher, msg *paho.Publish) {
	if _, err := pub.Publish(ctx, msg); err != nil {
		m.logger.Debug("mqtt publish failed", "topic", msg.Topic, "error", err)
	}
}

// --- Messages ---

// messages maps one bus event to the MQTT messages that mirror it.
func (m *Mirror) messages(e events.Event) []*paho.Publish {
	payload, err := json.Marshal(e)
	if err != nil {
		m.logger.Error("mqtt marshal event", "source", e.Source, "kind", e.Kind, "error", err)
		return nil
	}
	out := []*paho.Publish{{Topic: m.eventTopic(e.Source, e.Kind), Payload: payload}}

	id, _ := e.Data["server_id"].(string)
	if id == "" {
		return out
	}

	switch {
	case e.Source == events.SourceDirectory && e.Kind == events.KindServerStatus:
		out = append(out, m.retained(m.serverTopic(id, "status"), map[string]any{
			"name":     e.Data["name"],
			"status":   e.Data["status"],
			"previous": e.Data["previous"],
			"error":    e.Data["error"],
			"ts":       e.Timestamp,
		}))
	case e.Source == events.SourceWatcher && e.Kind == events.KindServerStatus:
		out = append(out, m.retained(m.serverTopic(id, "health"), map[string]any{
			"name":  e.Data["name"],
			"ready": e.Data["ready"],
			"error": e.Data["error"],
			"ts":    e.Timestamp,
		}))
	case e.Source == events.SourceDirectory && e.Kind == events.KindServerChanged && e.Data["action"] == "removed":
		// An empty retained payload deletes the retained message.
		out = append(out,
			&paho.Publish{Topic: m.serverTopic(id, "status"), QoS: 1, Retain: true},
			&paho.Publish{Topic: m.serverTopic(id, "health"), QoS: 1, Retain: true},
		)
	}
	return out
}

// retained builds a retained state message. Payloads are plain maps
// and structs, which always marshal.
func (m *Mirror) retained(topic string, v any) *paho.Publish {
	payload, _ := json.Marshal(v)
	return &paho.Publish{Topic: topic, Payload: payload, QoS: 1, Retain: true}
}

func (m *Mirror) availability(status string) *paho.Publish {
	return &paho.Publish{Topic: m.availabilityTopic(), Payload: []byte(status), QoS: 1, Retain: true}
}

func (m *Mirror) stats() *paho.Publish {
	return m.retained(m.topic("stats"), m.counts.Snapshot())
}

// --- Topic helpers ---

func (m *Mirror) topic(parts ...string) string {
	prefix := strings.TrimSuffix(m.cfg.Prefix, "/")
	if prefix == "" {
		prefix = config.DefaultMQTTPrefix
	}
	return prefix + "/" + strings.Join(parts, "/")
}

func (m *Mirror) availabilityTopic() string {
	return m.topic("availability")
}

func (m *Mirror) eventTopic(source, kind string) string {
	return m.topic("events", segment(source), segment(kind))
}

func (m *Mirror) serverTopic(id, leaf string) string {
	return m.topic("servers", segment(id), leaf)
}

// segment makes s safe as one topic level: no separators or wildcards.
func segment(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '+', '#', 0:
			return '_'
		}
		return r
	}, s)
}
