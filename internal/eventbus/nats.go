package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// consumerInactiveThreshold bounds how long the consumer of a crashed
// instance outlives it.
const consumerInactiveThreshold = 5 * time.Minute

// NATSEventBus implements EventBus using NATS JetStream
type NATSEventBus struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger *zap.Logger
	config *NATSConfig

	// instanceID makes consumer names unique per bus, so every client sees
	// every notification.
	instanceID    string
	subscriptions map[string]*nats.Subscription
	consumers     map[string]string
	subMutex      sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NATSConfig holds NATS JetStream configuration
type NATSConfig struct {
	URL                  string        `json:"url" yaml:"url" mapstructure:"url"`
	StreamName           string        `json:"stream_name" yaml:"stream_name" mapstructure:"stream_name"`
	SubjectPrefix        string        `json:"subject_prefix" yaml:"subject_prefix" mapstructure:"subject_prefix"`
	ConsumerPrefix       string        `json:"consumer_prefix" yaml:"consumer_prefix" mapstructure:"consumer_prefix"`
	MaxAge               time.Duration `json:"max_age" yaml:"max_age" mapstructure:"max_age"`
	MaxBytes             int64         `json:"max_bytes" yaml:"max_bytes" mapstructure:"max_bytes"`
	MaxMsgs              int64         `json:"max_msgs" yaml:"max_msgs" mapstructure:"max_msgs"`
	Replicas             int           `json:"replicas" yaml:"replicas" mapstructure:"replicas"`
	ConnectTimeout       time.Duration `json:"connect_timeout" yaml:"connect_timeout" mapstructure:"connect_timeout"`
	ReconnectWait        time.Duration `json:"reconnect_wait" yaml:"reconnect_wait" mapstructure:"reconnect_wait"`
	MaxReconnectAttempts int           `json:"max_reconnect_attempts" yaml:"max_reconnect_attempts" mapstructure:"max_reconnect_attempts"`
}

// DefaultNATSConfig returns default NATS configuration
func DefaultNATSConfig() *NATSConfig {
	return &NATSConfig{
		URL:                  "nats://localhost:4222",
		StreamName:           "DRC_TOPOLOGY",
		SubjectPrefix:        "drc.events",
		ConsumerPrefix:       "drc-consumer",
		MaxAge:               time.Hour,
		MaxBytes:             64 * 1024 * 1024,
		MaxMsgs:              100000,
		Replicas:             1,
		ConnectTimeout:       10 * time.Second,
		ReconnectWait:        2 * time.Second,
		MaxReconnectAttempts: 10,
	}
}

type msgContextKey struct{}

// MessageFromContext returns the NATS message a handler is processing.
func MessageFromContext(ctx context.Context) (*nats.Msg, bool) {
	msg, ok := ctx.Value(msgContextKey{}).(*nats.Msg)
	return msg, ok
}

// NewNATSEventBus creates a new NATS JetStream event bus
func NewNATSEventBus(config *NATSConfig, logger *zap.Logger) (*NATSEventBus, error) {
	if config == nil {
		config = DefaultNATSConfig()
	}
	if config.ConsumerPrefix == "" {
		config.ConsumerPrefix = "drc-consumer"
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	bus := &NATSEventBus{
		logger:        logger,
		config:        config,
		instanceID:    uuid.NewString(),
		subscriptions: make(map[string]*nats.Subscription),
		consumers:     make(map[string]string),
		ctx:           ctx,
		cancel:        cancel,
	}

	if err := bus.connect(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	if err := bus.setupStream(); err != nil {
		bus.conn.Close()
		cancel()
		return nil, fmt.Errorf("failed to setup JetStream: %w", err)
	}

	return bus, nil
}

// connect establishes connection to NATS server
func (n *NATSEventBus) connect() error {
	opts := []nats.Option{
		nats.Name("drc-eventbus"),
		nats.Timeout(n.config.ConnectTimeout),
		nats.ReconnectWait(n.config.ReconnectWait),
		nats.MaxReconnects(n.config.MaxReconnectAttempts),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			n.logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			n.logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			n.logger.Info("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(n.config.URL, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS server: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to get JetStream context: %w", err)
	}

	n.conn = conn
	n.js = js

	n.logger.Info("Connected to NATS JetStream",
		zap.String("url", n.config.URL),
		zap.String("stream", n.config.StreamName))

	return nil
}

// setupStream creates or updates the JetStream stream
func (n *NATSEventBus) setupStream() error {
	streamConfig := &nats.StreamConfig{
		Name:       n.config.StreamName,
		Subjects:   []string{n.config.SubjectPrefix + ".>"},
		Retention:  nats.LimitsPolicy,
		MaxAge:     n.config.MaxAge,
		MaxBytes:   n.config.MaxBytes,
		MaxMsgs:    n.config.MaxMsgs,
		Replicas:   n.config.Replicas,
		Storage:    nats.FileStorage,
		Duplicates: 2 * time.Minute,
	}
	if streamConfig.MaxBytes == 0 {
		streamConfig.MaxBytes = -1
	}

	_, err := n.js.StreamInfo(n.config.StreamName)
	if err != nil {
		_, err = n.js.AddStream(streamConfig)
		if err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
		n.logger.Info("Created JetStream stream", zap.String("stream", n.config.StreamName))
	} else {
		_, err = n.js.UpdateStream(streamConfig)
		if err != nil {
			return fmt.Errorf("failed to update stream: %w", err)
		}
		n.logger.Info("Updated JetStream stream", zap.String("stream", n.config.StreamName))
	}

	return nil
}

// PublishEvent publishes an event and waits for the stream to acknowledge it.
func (n *NATSEventBus) PublishEvent(ctx context.Context, event *Event) error {
	subject := n.eventTypeToSubject(event.Type)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	// The event id doubles as the deduplication id.
	_, err = n.js.Publish(subject, data, nats.MsgId(event.ID), nats.Context(ctx))
	if err != nil {
		n.logger.Error("Failed to publish event",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
			zap.String("subject", subject),
			zap.Error(err))
		return fmt.Errorf("failed to publish event: %w", err)
	}

	n.logger.Debug("Published event",
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
		zap.String("subject", subject))

	return nil
}

// SubscribeToEventType subscribes to events of a specific type
func (n *NATSEventBus) SubscribeToEventType(ctx context.Context, eventType EventType, handler EventHandler) error {
	return n.subscribe(ctx, string(eventType), handler)
}

// SubscribeToPattern subscribes to events matching a pattern such as
// "topology.*".
func (n *NATSEventBus) SubscribeToPattern(ctx context.Context, pattern string, handler EventHandler) error {
	return n.subscribe(ctx, pattern, handler)
}

func (n *NATSEventBus) subscribe(ctx context.Context, key string, handler EventHandler) error {
	subject := fmt.Sprintf("%s.%s", n.config.SubjectPrefix, key)
	consumerName := n.consumerName(key)

	n.subMutex.Lock()
	defer n.subMutex.Unlock()

	if _, exists := n.subscriptions[key]; exists {
		return fmt.Errorf("already subscribed to %s", key)
	}

	sub, err := n.js.PullSubscribe(subject, consumerName,
		nats.AckExplicit(),
		nats.DeliverNew(),
		nats.MaxDeliver(3),
		nats.AckWait(30*time.Second),
		nats.InactiveThreshold(consumerInactiveThreshold))
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}

	n.subscriptions[key] = sub
	n.consumers[key] = consumerName

	n.wg.Add(1)
	go n.processMessages(ctx, sub, handler, key)

	n.logger.Info("Subscribed to events",
		zap.String("key", key),
		zap.String("subject", subject),
		zap.String("consumer", consumerName))

	return nil
}

// processMessages processes messages from a subscription
func (n *NATSEventBus) processMessages(ctx context.Context, sub *nats.Subscription, handler EventHandler, key string) {
	defer n.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-n.ctx.Done():
			return
		default:
		}

		msgs, err := sub.Fetch(10, nats.MaxWait(time.Second))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if errors.Is(err, nats.ErrBadSubscription) || errors.Is(err, nats.ErrConnectionClosed) {
				return
			}
			n.logger.Error("Failed to fetch messages",
				zap.String("key", key),
				zap.Error(err))
			continue
		}

		for _, msg := range msgs {
			if err := n.handleMessage(ctx, msg, handler); err != nil {
				n.logger.Error("Failed to handle message",
					zap.String("key", key),
					zap.Error(err))
				_ = msg.Nak()
			} else {
				_ = msg.Ack()
			}
		}
	}
}

// handleMessage processes a single message
func (n *NATSEventBus) handleMessage(ctx context.Context, msg *nats.Msg, handler EventHandler) error {
	var event Event
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		return fmt.Errorf("failed to unmarshal event: %w", err)
	}

	return handler.Handle(context.WithValue(ctx, msgContextKey{}, msg), &event)
}

// UnsubscribeFromEventType unsubscribes from an event type
func (n *NATSEventBus) UnsubscribeFromEventType(eventType EventType) error {
	n.subMutex.Lock()
	defer n.subMutex.Unlock()

	sub, exists := n.subscriptions[string(eventType)]
	if !exists {
		return fmt.Errorf("not subscribed to event type: %s", eventType)
	}

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("failed to unsubscribe: %w", err)
	}
	n.deleteConsumer(n.consumers[string(eventType)])

	delete(n.subscriptions, string(eventType))
	delete(n.consumers, string(eventType))

	n.logger.Info("Unsubscribed from event type", zap.String("event_type", string(eventType)))
	return nil
}

// Close closes the event bus and all connections
func (n *NATSEventBus) Close() error {
	n.logger.Info("Closing NATS EventBus")

	n.cancel()

	n.subMutex.Lock()
	for key, sub := range n.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			n.logger.Error("Failed to unsubscribe",
				zap.String("key", key),
				zap.Error(err))
		}
		n.deleteConsumer(n.consumers[key])
	}
	n.subscriptions = make(map[string]*nats.Subscription)
	n.consumers = make(map[string]string)
	n.subMutex.Unlock()

	n.wg.Wait()

	if n.conn != nil {
		n.conn.Close()
	}

	n.logger.Info("NATS EventBus closed")
	return nil
}

// eventTypeToSubject converts "topology.split" to "<prefix>.topology.split".
func (n *NATSEventBus) eventTypeToSubject(eventType EventType) string {
	return fmt.Sprintf("%s.%s", n.config.SubjectPrefix, string(eventType))
}

// deleteConsumer removes a consumer this bus created. Unsubscribe usually
// deletes it already.
func (n *NATSEventBus) deleteConsumer(name string) {
	if name == "" {
		return
	}
	err := n.js.DeleteConsumer(n.config.StreamName, name)
	if err != nil && !errors.Is(err, nats.ErrConsumerNotFound) {
		n.logger.Warn("Failed to delete consumer",
			zap.String("consumer", name),
			zap.Error(err))
	}
}

// consumerName builds a durable name unique to this bus; NATS forbids '.',
// '*' and '>' in it.
func (n *NATSEventBus) consumerName(key string) string {
	name := strings.ReplaceAll(key, ".", "-")
	name = strings.ReplaceAll(name, "*", "star")
	name = strings.ReplaceAll(name, ">", "gt")
	return fmt.Sprintf("%s-%s-%s", n.config.ConsumerPrefix, n.instanceID, name)
}
