package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/warden/internal/config"
	"github.com/nugget/warden/internal/events"
)

// Bridge tuning.
const (
	eventBuffer    = 256
	publishTimeout = 5 * time.Second
	rateLimit      = 100
	rateInterval   = time.Second
)

// publisher is the subset of [autopaho.ConnectionManager] the bridge
// publishes through.
type publisher interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Bridge forwards bus events to an MQTT broker.
type Bridge struct {
	cfg      config.MQTTConfig
	clientID string
	bus      *events.Bus
	logger   *slog.Logger
	limiter  *rateLimiter

	cm  *autopaho.ConnectionManager
	pub publisher
}

// New creates a Bridge but does not connect. Call [Bridge.Start] to
// connect and begin forwarding. An empty clientID falls back to
// cfg.ClientID.
func New(cfg config.MQTTConfig, clientID string, bus *events.Bus, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	if clientID == "" {
		clientID = cfg.ClientID
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "warden"
	}
	return &Bridge{
		cfg:      cfg,
		clientID: clientID,
		bus:      bus,
		logger:   logger,
		limiter:  newRateLimiter(rateLimit, rateInterval, logger),
	}
}

// Start connects to the broker and forwards events until ctx is
// cancelled. A broker that is down at startup is retried in the
// background; events published meanwhile are dropped.
func (b *Bridge) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(b.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := b.availabilityTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: b.cfg.Username,
		ConnectPassword: []byte(b.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			b.logger.Info("mqtt connected to broker", "broker", b.cfg.Broker, "client_id", b.clientID)
			b.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			b.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: b.clientID,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	// Subscribe before connecting so turns that start during the
	// handshake are buffered rather than missed.
	ch := b.bus.Subscribe(eventBuffer)
	defer b.bus.Unsubscribe(ch)

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	b.cm = cm
	b.pub = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		b.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	go b.limiter.start(ctx)
	b.pump(ctx, ch)
	return nil
}

// Stop publishes "offline" to the availability topic and disconnects.
func (b *Bridge) Stop(ctx context.Context) error {
	if b.cm == nil {
		return nil
	}
	b.publishAvailability(ctx, b.cm, "offline")
	return b.cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is established
// or ctx expires.
func (b *Bridge) AwaitConnection(ctx context.Context) error {
	if b.cm == nil {
		return fmt.Errorf("mqtt bridge not started")
	}
	return b.cm.AwaitConnection(ctx)
}

// pump forwards events from ch until ctx is done or ch is closed.
func (b *Bridge) pump(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if !b.limiter.allow() {
				continue
			}
			b.forward(ctx, e)
		}
	}
}

func (b *Bridge) forward(ctx context.Context, e events.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		b.logger.Error("mqtt marshal event", "source", e.Source, "kind", e.Kind, "error", err)
		return
	}

	pctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	topic := b.eventTopic(e)
	if _, err := b.pub.Publish(pctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     0,
		Retain:  false,
	}); err != nil {
		b.logger.Debug("mqtt event publish failed", "topic", topic, "error", err)
	}
}

func (b *Bridge) publishAvailability(ctx context.Context, pub publisher, status string) {
	if _, err := pub.Publish(ctx, &paho.Publish{
		Topic:   b.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		b.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	} else {
		b.logger.Info("mqtt availability published", "status", status)
	}
}

// --- Topic helpers ---

// topicSegment keeps a value from introducing levels or wildcards.
var topicSegment = strings.NewReplacer("/", "_", "+", "_", "#", "_")

func (b *Bridge) availabilityTopic() string {
	return b.cfg.TopicPrefix + "/availability"
}

func (b *Bridge) eventTopic(e events.Event) string {
	return b.cfg.TopicPrefix + "/events/" + topicSegment.Replace(e.Source) + "/" + topicSegment.Replace(e.Kind)
}
