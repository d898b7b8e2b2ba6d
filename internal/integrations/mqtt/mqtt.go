// Package mqtt publishes mail activity to an MQTT broker through
// autopaho, which owns reconnection. The retained availability topic
// reads "online" while connected; the broker's will sets it to
// "offline" when the connection drops.
package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/postern/internal/config"
	"github.com/nugget/postern/internal/events"
)

// ErrNotStarted means Start has not run yet.
var ErrNotStarted = errors.New("mqtt publisher not started")

const (
	firstConnectWait = 30 * time.Second
	keepAliveSeconds = 30
	mirrorBuffer     = 128
)

// Publisher relays payloads and bus events to the broker.
type Publisher struct {
	cfg    config.MQTTConfig
	logger *slog.Logger

	mu sync.RWMutex
	cm *autopaho.ConnectionManager
}

// New returns an unconnected Publisher.
func New(cfg config.MQTTConfig, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{cfg: cfg, logger: logger.With("integration", "mqtt")}
}

// Start dials the broker and waits up to 30s for the first session.
// A slow broker is logged, not returned; autopaho keeps trying until
// ctx ends.
func (p *Publisher) Start(ctx context.Context) error {
	broker, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("mqtt broker url: %w", err)
	}

	cm, err := autopaho.NewConnection(ctx, p.clientConfig(ctx, broker))
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.mu.Lock()
	p.cm = cm
	p.mu.Unlock()

	wait, cancel := context.WithTimeout(ctx, firstConnectWait)
	defer cancel()
	if err := cm.AwaitConnection(wait); err != nil {
		p.logger.Warn("mqtt broker not reachable yet, retrying in background", "broker", p.cfg.Broker, "error", err)
	}
	return nil
}

func (p *Publisher) clientConfig(ctx context.Context, broker *url.URL) autopaho.ClientConfig {
	will := p.availability("offline")
	cc := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{broker},
		KeepAlive:       keepAliveSeconds,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   will.Topic,
			Payload: will.Payload,
			QoS:     will.QoS,
			Retain:  will.Retain,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected", "broker", p.cfg.Broker)
			if _, err := cm.Publish(ctx, p.availability("online")); err != nil {
				p.logger.Warn("mqtt birth message failed", "error", err)
			}
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connect failed", "broker", p.cfg.Broker, "error", err)
		},
		ClientConfig: paho.ClientConfig{ClientID: p.cfg.ClientID},
	}
	if broker.Scheme == "mqtts" || broker.Scheme == "ssl" {
		cc.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return cc
}

// availability is the retained status message for state.
func (p *Publisher) availability(state string) *paho.Publish {
	return &paho.Publish{Topic: p.Topic("availability"), Payload: []byte(state), QoS: 1, Retain: true}
}

// Stop marks the publisher offline and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	cm := p.conn()
	if cm == nil {
		return nil
	}
	if _, err := cm.Publish(ctx, p.availability("offline")); err != nil {
		p.logger.Debug("mqtt offline message failed", "error", err)
	}
	return cm.Disconnect(ctx)
}

// Ping blocks until the broker session is up or ctx ends.
func (p *Publisher) Ping(ctx context.Context) error {
	cm := p.conn()
	if cm == nil {
		return ErrNotStarted
	}
	return cm.AwaitConnection(ctx)
}

// PublishEvent sends payload at QoS 1 to topic under the prefix.
func (p *Publisher) PublishEvent(ctx context.Context, topic string, payload []byte) error {
	return p.publish(ctx, &paho.Publish{Topic: p.Topic(topic), Payload: payload, QoS: 1})
}

func (p *Publisher) publish(ctx context.Context, msg *paho.Publish) error {
	cm := p.conn()
	if cm == nil {
		return ErrNotStarted
	}
	if _, err := cm.Publish(ctx, msg); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", msg.Topic, err)
	}
	p.logger.Log(ctx, config.LevelTrace, "mqtt published", "topic", msg.Topic, "bytes", len(msg.Payload))
	return nil
}

// Mirror copies bus events to events/<source>/<kind> at QoS 0 until
// ctx ends. Events the broker cannot take are logged and skipped.
func (p *Publisher) Mirror(ctx context.Context, bus *events.Bus) {
	ch := bus.Subscribe(mirrorBuffer)
	defer func() {
		if dropped := bus.Unsubscribe(ch); dropped > 0 {
			p.logger.Warn("mqtt mirror fell behind", "dropped", dropped)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case e := <-ch:
			payload, err := json.Marshal(e)
			if err != nil {
				p.logger.Debug("mqtt mirror skipped unencodable event", "kind", e.Kind, "error", err)
				continue
			}
			if err := p.publish(ctx, &paho.Publish{Topic: p.Topic(EventTopic(e)), Payload: payload}); err != nil {
				p.logger.Debug("mqtt mirror publish failed", "kind", e.Kind, "error", err)
			}
		}
	}
}

// EventTopic is the topic suffix Mirror uses for e.
func EventTopic(e events.Event) string {
	return "events/" + e.Source + "/" + e.Kind
}

// Topic joins suffix onto the configured prefix.
func (p *Publisher) Topic(suffix string) string {
	prefix := strings.TrimRight(p.cfg.TopicPrefix, "/")
	suffix = strings.TrimLeft(suffix, "/")
	if prefix == "" {
		return suffix
	}
	return prefix + "/" + suffix
}

func (p *Publisher) conn() *autopaho.ConnectionManager {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cm
}
