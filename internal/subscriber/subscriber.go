// Package subscriber connects the client to the measurement feed over MQTT.
// It receives metadata snapshots, frames and out-of-band status messages, and
// publishes the subscription filter and the mapped output measurements.
package subscriber

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/basekick-labs/eca/internal/circuitbreaker"
	"github.com/basekick-labs/eca/internal/metrics"
	"github.com/basekick-labs/eca/pkg/models"
)

// Handler receives decoded feed traffic. Paho delivers messages in order on
// one goroutine, so calls are not concurrent.
type Handler interface {
	HandleMetadata(ctx context.Context, ds *models.DataSet) error
	HandleFrame(ctx context.Context, frame models.Frame) error
	HandleStatus(message string, exception bool)
}

// Stats contains runtime statistics for the feed connection
type Stats struct {
	Status           string    `json:"status"`
	MessagesReceived int64     `json:"messages_received"`
	MessagesFailed   int64     `json:"messages_failed"`
	BytesReceived    int64     `json:"bytes_received"`
	LastMessageAt    time.Time `json:"last_message_at,omitempty"`
	ConnectedSince   time.Time `json:"connected_since,omitempty"`
	Reconnects       int64     `json:"reconnects"`
}

// Subscriber handles the MQTT connection and message dispatch
type Subscriber struct {
	config  *Config
	handler Handler
	client  pahomqtt.Client
	logger  zerolog.Logger
	breaker *circuitbreaker.Breaker // Guards output publishing

	// Runtime state
	mu             sync.RWMutex
	running        bool
	connectedSince time.Time
	lastMessageAt  time.Time
	filter         string

	// Statistics
	messagesReceived atomic.Int64
	messagesFailed   atomic.Int64
	bytesReceived    atomic.Int64
	reconnects       atomic.Int64

	// Shutdown
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a subscriber. The config is defaulted and validated.
func New(config *Config, handler Handler, logger zerolog.Logger) (*Subscriber, error) {
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid subscriber config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	log := logger.With().Str("component", "subscriber").Str("client_id", config.ClientID).Logger()
	return &Subscriber{
		config:  config,
		handler: handler,
		logger:  log,
		breaker: circuitbreaker.New(circuitbreaker.Config{
			Name:     "publish",
			Cooldown: time.Duration(config.ReconnectMaxSeconds) * time.Second,
		}, log),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start connects to the MQTT broker and begins message processing
func (s *Subscriber) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("subscriber already running")
	}
	s.mu.Unlock()

	opts, err := s.buildClientOptions()
	if err != nil {
		return fmt.Errorf("failed to build client options: %w", err)
	}
	s.client = pahomqtt.NewClient(opts)

	s.logger.Info().Str("broker", s.config.Broker).Msg("Connecting to MQTT broker")

	token := s.client.Connect()
	if !token.WaitTimeout(time.Duration(s.config.ConnectTimeoutSeconds) * time.Second) {
		return fmt.Errorf("connection timeout after %d seconds", s.config.ConnectTimeoutSeconds)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}

	s.mu.Lock()
	s.running = true
	s.connectedSince = time.Now()
	s.mu.Unlock()

	s.logger.Info().Msg("Connected to MQTT broker")
	return nil
}

// Stop disconnects from the MQTT broker
func (s *Subscriber) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()

	if s.client != nil && s.client.IsConnected() {
		for _, topic := range s.topics() {
			s.client.Unsubscribe(topic)
		}
		s.client.Disconnect(1000)
	}

	metrics.Get().SetSubscriberConnected(false)
	s.logger.Info().Msg("Disconnected from MQTT broker")
	return nil
}

// IsRunning returns whether the subscriber is running
func (s *Subscriber) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Stats returns current statistics
func (s *Subscriber) Stats() *Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := "stopped"
	if s.running {
		status = "running"
	}

	return &Stats{
		Status:           status,
		MessagesReceived: s.messagesReceived.Load(),
		MessagesFailed:   s.messagesFailed.Load(),
		BytesReceived:    s.bytesReceived.Load(),
		LastMessageAt:    s.lastMessageAt,
		ConnectedSince:   s.connectedSince,
		Reconnects:       s.reconnects.Load(),
	}
}

// Subscribe publishes the filter expression selecting the signals the feed
// should deliver. It is retained on the broker and re-sent on reconnect.
func (s *Subscriber) Subscribe(filterExpression string) error {
	s.mu.Lock()
	s.filter = filterExpression
	s.mu.Unlock()

	if !s.IsRunning() {
		return nil
	}
	return s.publish(TopicSubscribe, true, []byte(filterExpression))
}

// Publish sends output measurements to the measurements topic. After
// repeated failures it fails fast with circuitbreaker.ErrOpen until the
// broker recovers.
func (s *Subscriber) Publish(frameTime int64, measurements []models.Measurement) error {
	if len(measurements) == 0 {
		return nil
	}
	payload, err := EncodeMeasurements(frameTime, measurements)
	if err != nil {
		return fmt.Errorf("failed to encode measurements: %w", err)
	}
	err = s.breaker.Do(func() error {
		return s.publish(TopicMeasurements, false, payload)
	})
	if err != nil {
		return err
	}
	metrics.Get().IncMeasurementsPublished(int64(len(measurements)))
	return nil
}

func (s *Subscriber) publish(suffix string, retained bool, payload []byte) error {
	if s.client == nil || !s.client.IsConnected() {
		return fmt.Errorf("not connected to broker")
	}

	topic := s.config.Topic(suffix)
	token := s.client.Publish(topic, byte(s.config.QoS), retained, payload)
	if !token.WaitTimeout(time.Duration(s.config.PublishTimeoutSeconds) * time.Second) {
		return fmt.Errorf("publish to %s timed out after %d seconds", topic, s.config.PublishTimeoutSeconds)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s failed: %w", topic, err)
	}
	return nil
}

func (s *Subscriber) topics() []string {
	return []string{
		s.config.Topic(TopicMetadata),
		s.config.Topic(TopicFrames),
		s.config.Topic(TopicStatus),
		s.config.Topic(TopicException),
	}
}

// buildClientOptions creates MQTT client options from config
func (s *Subscriber) buildClientOptions() (*pahomqtt.ClientOptions, error) {
	opts := pahomqtt.NewClientOptions()

	opts.AddBroker(s.config.Broker)
	opts.SetClientID(s.config.ClientID)

	opts.SetKeepAlive(time.Duration(s.config.KeepAliveSeconds) * time.Second)
	opts.SetConnectTimeout(time.Duration(s.config.ConnectTimeoutSeconds) * time.Second)

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(time.Duration(s.config.ReconnectMaxSeconds) * time.Second)

	if s.config.Username != "" {
		opts.SetUsername(s.config.Username)
	}
	if s.config.Password != "" {
		opts.SetPassword(s.config.Password)
	}

	if s.config.TLSEnabled {
		tlsConfig, err := s.buildTLSConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to build TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(s.onConnect)
	opts.SetConnectionLostHandler(s.onConnectionLost)
	opts.SetReconnectingHandler(s.onReconnecting)

	// Frames must reach the handler in arrival order
	opts.SetOrderMatters(true)
	opts.SetCleanSession(true)

	return opts, nil
}

// buildTLSConfig creates TLS configuration
func (s *Subscriber) buildTLSConfig() (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: s.config.TLSInsecureSkipVerify,
	}

	if s.config.TLSCAPath != "" {
		caCert, err := os.ReadFile(s.config.TLSCAPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}

		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = caCertPool
	}

	if s.config.TLSCertPath != "" && s.config.TLSKeyPath != "" {
		cert, err := tls.LoadX509KeyPair(s.config.TLSCertPath, s.config.TLSKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

// onConnect is called when connection is established
func (s *Subscriber) onConnect(client pahomqtt.Client) {
	s.logger.Info().Msg("MQTT connection established, subscribing to topics")

	for _, topic := range s.topics() {
		token := client.Subscribe(topic, byte(s.config.QoS), s.onMessage)
		token.Wait()
		if err := token.Error(); err != nil {
			s.logger.Error().Err(err).Str("topic", topic).Msg("Failed to subscribe to topic")
			continue
		}
		s.logger.Info().Str("topic", topic).Int("qos", s.config.QoS).Msg("Subscribed to topic")
	}

	s.mu.Lock()
	s.connectedSince = time.Now()
	filter := s.filter
	s.mu.Unlock()

	if filter != "" {
		// The callback runs inside paho's connect path; waiting on a token
		// here would block it.
		client.Publish(s.config.Topic(TopicSubscribe), byte(s.config.QoS), true, []byte(filter))
	}

	metrics.Get().SetSubscriberConnected(true)
}

// onConnectionLost is called when connection is lost
func (s *Subscriber) onConnectionLost(client pahomqtt.Client, err error) {
	s.logger.Warn().Err(err).Msg("MQTT connection lost")
	metrics.Get().SetSubscriberConnected(false)
}

// onReconnecting is called before reconnection attempt
func (s *Subscriber) onReconnecting(client pahomqtt.Client, opts *pahomqtt.ClientOptions) {
	s.reconnects.Add(1)
	metrics.Get().IncSubscriberReconnects()
	s.logger.Info().Int64("reconnect_count", s.reconnects.Load()).Msg("Attempting to reconnect to MQTT broker")
}

// onMessage handles incoming MQTT messages
func (s *Subscriber) onMessage(client pahomqtt.Client, msg pahomqtt.Message) {
	payload := msg.Payload()
	s.messagesReceived.Add(1)
	s.bytesReceived.Add(int64(len(payload)))

	s.mu.Lock()
	s.lastMessageAt = time.Now()
	s.mu.Unlock()

	metrics.Get().IncMessagesReceived()
	metrics.Get().IncBytesReceived(int64(len(payload)))

	if err := s.dispatch(msg.Topic(), payload); err != nil {
		s.messagesFailed.Add(1)
		metrics.Get().IncMessagesFailed()
		s.logger.Error().
			Err(err).
			Str("topic", msg.Topic()).
			Int("payload_size", len(payload)).
			Msg("Failed to process MQTT message")
	}
}

// dispatch decodes a payload by topic and hands it to the handler
func (s *Subscriber) dispatch(topic string, payload []byte) error {
	if len(payload) == 0 {
		return nil
	}

	switch strings.TrimPrefix(topic, strings.Trim(s.config.TopicPrefix, "/")+"/") {
	case TopicMetadata:
		ds, err := DecodeMetadata(payload)
		if err != nil {
			return fmt.Errorf("failed to decode metadata: %w", err)
		}
		metrics.Get().IncMetadataReceived()
		return s.handler.HandleMetadata(s.ctx, ds)

	case TopicFrames:
		frame, err := DecodeFrame(payload)
		if err != nil {
			return fmt.Errorf("failed to decode frame: %w", err)
		}
		return s.handler.HandleFrame(s.ctx, frame)

	case TopicStatus, TopicException:
		data, err := inflate(payload)
		if err != nil {
			return err
		}
		s.handler.HandleStatus(string(data), strings.HasSuffix(topic, TopicException))
		return nil

	default:
		return fmt.Errorf("unexpected topic %q", topic)
	}
}
