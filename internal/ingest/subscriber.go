package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nextlevelbuilder/firewatch/internal/bus"
	"github.com/nextlevelbuilder/firewatch/internal/config"
	"github.com/nextlevelbuilder/firewatch/internal/events"
	"github.com/nextlevelbuilder/firewatch/internal/metrics"
)

const (
	connectTimeout = 10 * time.Second
	detectionTTL   = 10 * time.Minute
	detectionCap   = 4096
	// publishTimeout bounds how long a message handler may wait on a full
	// bus. Handlers run on paho's ordered delivery path, so a longer wait
	// would hold up keepalives.
	publishTimeout = 2 * time.Second
)

// Subscriber feeds broker messages through the Parser onto the bus.
type Subscriber struct {
	cfg    config.MQTTConfig
	parser *Parser
	bus    *bus.MessageBus
	seen   *seenDetections
	now    func() time.Time

	// publishWait overrides publishTimeout in tests.
	publishWait time.Duration

	ctx    context.Context
	client mqtt.Client
}

// NewSubscriber creates a subscriber. Start connects it.
func NewSubscriber(cfg config.MQTTConfig, msgBus *bus.MessageBus) *Subscriber {
	return &Subscriber{
		cfg:    cfg,
		parser: NewParser(cfg.Topics),
		bus:    msgBus,
		seen:   newSeenDetections(detectionTTL, detectionCap),
		now:    time.Now,
		ctx:    context.Background(),

		publishWait: publishTimeout,
	}
}

// Start connects to the broker. Subscriptions are (re)established on every
// connect, so they survive broker restarts. Messages published while ctx is
// live are forwarded to the bus.
func (s *Subscriber) Start(ctx context.Context) error {
	s.ctx = ctx

	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.cfg.BrokerURL)
	opts.SetClientID(s.cfg.ClientID)
	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
		opts.SetPassword(s.cfg.Password)
	}
	opts.SetCleanSession(false)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(time.Minute)
	opts.SetOrderMatters(true)

	opts.SetOnConnectHandler(func(c mqtt.Client) {
		slog.Info("ingest: connected to broker", "broker", s.cfg.BrokerURL)
		filters := make(map[string]byte, 4)
		for _, topic := range s.parser.Topics() {
			if topic != "" {
				filters[topic] = s.cfg.QoS
			}
		}
		token := c.SubscribeMultiple(filters, s.onMessage)
		if !token.WaitTimeout(connectTimeout) {
			slog.Error("ingest: subscribe timed out", "topics", len(filters))
			return
		}
		if err := token.Error(); err != nil {
			slog.Error("ingest: subscribe failed", "error", err)
			return
		}
		slog.Info("ingest: subscribed", "topics", s.parser.Topics())
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		slog.Warn("ingest: broker connection lost", "error", err)
	})
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		slog.Info("ingest: reconnecting to broker")
	})

	s.client = mqtt.NewClient(opts)
	token := s.client.Connect()
	// With ConnectRetry the token only completes on success; a timeout just
	// means the broker is not up yet and retries continue in the background.
	if token.WaitTimeout(connectTimeout) {
		if err := token.Error(); err != nil {
			return fmt.Errorf("connect to broker %s: %w", s.cfg.BrokerURL, err)
		}
	} else {
		slog.Warn("ingest: broker not reachable yet, retrying in background", "broker", s.cfg.BrokerURL)
	}
	return nil
}

// Stop disconnects from the broker.
func (s *Subscriber) Stop() {
	if s.client != nil {
		s.client.Disconnect(250)
		slog.Info("ingest: disconnected from broker")
	}
}

// Connected reports whether the broker connection is up.
func (s *Subscriber) Connected() bool {
	return s.client != nil && s.client.IsConnectionOpen()
}

func (s *Subscriber) onMessage(_ mqtt.Client, msg mqtt.Message) {
	s.Handle(s.ctx, msg.Topic(), msg.Payload())
}

// Handle parses one payload and publishes it. Malformed or duplicate
// messages are logged and dropped.
func (s *Subscriber) Handle(ctx context.Context, topic string, payload []byte) {
	receivedAt := s.now()
	ev, err := s.parser.Parse(topic, payload, receivedAt)
	if err != nil {
		outcome := "malformed"
		if errors.Is(err, ErrUnknownTopic) {
			outcome = "ignored"
		}
		metrics.IncIngest(topic, outcome)
		slog.Warn("ingest: dropping payload", "topic", topic, "error", err, "bytes", len(payload))
		return
	}

	if d, ok := ev.(events.DetectionEvent); ok && d.DetectionID != "" && s.seen.check(topic+"|"+d.DetectionID, receivedAt) {
		metrics.IncIngest(topic, "duplicate")
		slog.Debug("ingest: duplicate detection dropped", "topic", topic, "detection_id", d.DetectionID)
		return
	}

	pubCtx, cancel := context.WithTimeout(ctx, s.publishWait)
	err = s.bus.Publish(pubCtx, bus.Envelope{Topic: topic, Event: ev, ReceivedAt: receivedAt})
	cancel()
	if err != nil {
		metrics.IncIngest(topic, "dropped")
		slog.Warn("ingest: bus full, event dropped", "topic", topic, "kind", ev.Kind(), "error", err)
		return
	}
	metrics.IncIngest(topic, "accepted")
	slog.Debug("ingest: event accepted", "topic", topic, "kind", ev.Kind())
}
