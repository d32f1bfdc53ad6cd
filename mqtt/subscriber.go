package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/ruuvi_gateway/config"
	"github.com/mjasion/balena-home/ruuvi_gateway/gateway"
	"github.com/mjasion/balena-home/ruuvi_gateway/ruuvi"
)

// Ingester receives parsed gateway messages
type Ingester interface {
	Message(ctx context.Context, msg *gateway.Message) ruuvi.Outcome
}

// Subscriber consumes the per-tag messages a Ruuvi Gateway publishes in
// MQTT mode and hands them to the Ingester.
type Subscriber struct {
	client   paho.Client
	cfg      config.MQTTConfig
	ingester Ingester
	logger   *zap.Logger

	mu        sync.RWMutex
	connected bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewSubscriber creates a subscriber; nothing connects until Connect
func NewSubscriber(cfg config.MQTTConfig, ingester Ingester, logger *zap.Logger) *Subscriber {
	s := &Subscriber{
		cfg:      cfg,
		ingester: ingester,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.Port))
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	// Clean sessions drop subscriptions, so subscribe on every (re)connect
	opts.SetOnConnectHandler(func(c paho.Client) {
		s.setConnected(true)
		logger.Info("mqtt connected", zap.String("broker", cfg.Broker), zap.Int("port", cfg.Port))
		if err := s.subscribe(c); err != nil {
			logger.Error("mqtt subscribe failed", zap.Error(err))
		}
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		s.setConnected(false)
		logger.Warn("mqtt connection lost", zap.Error(err))
	})

	s.client = paho.NewClient(opts)
	return s
}

// Connect starts connecting to the broker and waits until the first
// attempt finishes, ctx is cancelled or the subscriber is stopped.
func (s *Subscriber) Connect(ctx context.Context) error {
	select {
	case <-s.stopCh:
		return errors.New("subscriber stopped")
	default:
	}

	token := s.client.Connect()

	const poll = 200 * time.Millisecond
	for !token.WaitTimeout(poll) {
		select {
		case <-ctx.Done():
			s.client.Disconnect(0)
			return ctx.Err()
		case <-s.stopCh:
			s.client.Disconnect(0)
			return errors.New("subscriber stopped")
		default:
		}
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	return nil
}

func (s *Subscriber) subscribe(c paho.Client) error {
	token := c.Subscribe(s.cfg.Topic, s.cfg.QoS, func(_ paho.Client, msg paho.Message) {
		s.handleMessage(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("subscribe timeout for topic %s", s.cfg.Topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe to %s: %w", s.cfg.Topic, err)
	}

	s.logger.Info("subscribed to mqtt topic", zap.String("topic", s.cfg.Topic), zap.Uint8("qos", s.cfg.QoS))
	return nil
}

func (s *Subscriber) handleMessage(topic string, payload []byte) {
	msg, err := gateway.ParseMessage(topic, payload)
	if err != nil {
		// gw_status and other non-tag topics share the prefix
		if errors.Is(err, gateway.ErrInvalidTopic) {
			s.logger.Debug("ignoring mqtt topic", zap.String("topic", topic))
			return
		}
		s.logger.Warn("rejected mqtt message",
			zap.String("topic", topic),
			zap.Error(err),
			zap.Int("bytes", len(payload)),
		)
		return
	}

	outcome := s.ingester.Message(context.Background(), msg)
	s.logger.Debug("processed mqtt message",
		zap.String("topic", topic),
		zap.Stringer("status", outcome.Status),
	)
}

// IsConnected reports whether the broker connection is up
func (s *Subscriber) IsConnected() bool {
	s.mu.RLock()
	connected := s.connected
	s.mu.RUnlock()
	return connected && s.client.IsConnected()
}

// Disconnect unsubscribes and closes the connection. Safe to call twice.
func (s *Subscriber) Disconnect() {
	s.stopOnce.Do(func() { close(s.stopCh) })

	if s.IsConnected() {
		s.client.Unsubscribe(s.cfg.Topic).WaitTimeout(2 * time.Second)
	}
	s.client.Disconnect(250)

	s.setConnected(false)
	s.logger.Info("mqtt subscriber disconnected")
}

func (s *Subscriber) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}
