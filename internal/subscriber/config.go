package subscriber

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validation limits
const (
	MaxTopicLength  = 1024
	MaxClientIDLen  = 255
	MaxBrokerURLLen = 2048
)

// Topic suffixes under the configured prefix
const (
	TopicMetadata     = "metadata"
	TopicFrames       = "frames"
	TopicStatus       = "status"
	TopicException    = "exception"
	TopicSubscribe    = "subscribe"
	TopicMeasurements = "measurements"
)

// Config describes the broker connection carrying the measurement feed
type Config struct {
	Broker                string
	ClientID              string
	Username              string
	Password              string
	TopicPrefix           string
	QoS                   int
	TLSEnabled            bool
	TLSCertPath           string
	TLSKeyPath            string
	TLSCAPath             string
	TLSInsecureSkipVerify bool
	KeepAliveSeconds      int
	ConnectTimeoutSeconds int
	ReconnectMaxSeconds   int
	PublishTimeoutSeconds int
}

// Validate validates the connection configuration
func (c *Config) Validate() error {
	if c.Broker == "" {
		return errors.New("broker is required")
	}
	if len(c.Broker) > MaxBrokerURLLen {
		return fmt.Errorf("broker URL exceeds %d characters", MaxBrokerURLLen)
	}
	if err := validateBrokerURL(c.Broker); err != nil {
		return fmt.Errorf("invalid broker URL: %w", err)
	}

	if len(c.ClientID) > MaxClientIDLen {
		return fmt.Errorf("client_id exceeds %d characters", MaxClientIDLen)
	}

	prefix := strings.Trim(c.TopicPrefix, "/")
	if prefix == "" {
		return errors.New("topic_prefix is required")
	}
	if len(prefix) > MaxTopicLength-len(TopicMeasurements)-1 {
		return fmt.Errorf("topic_prefix exceeds %d characters", MaxTopicLength)
	}
	if strings.ContainsAny(prefix, "#+") {
		return errors.New("topic_prefix cannot contain wildcards")
	}

	if c.QoS < 0 || c.QoS > 2 {
		return errors.New("qos must be 0, 1, or 2")
	}

	for _, path := range []string{c.TLSCertPath, c.TLSKeyPath, c.TLSCAPath} {
		if path != "" && strings.Contains(path, "..") {
			return errors.New("path traversal not allowed in certificate paths")
		}
	}

	if c.KeepAliveSeconds < 0 {
		return errors.New("keep_alive_seconds cannot be negative")
	}
	if c.ConnectTimeoutSeconds < 0 {
		return errors.New("connect_timeout_seconds cannot be negative")
	}
	if c.ReconnectMaxSeconds < 0 {
		return errors.New("reconnect_max_seconds cannot be negative")
	}

	return nil
}

// SetDefaults sets default values for optional fields
func (c *Config) SetDefaults() {
	if c.ClientID == "" {
		c.ClientID = generateClientID()
	}
	if c.TopicPrefix == "" {
		c.TopicPrefix = "eca"
	}
	if c.QoS == 0 {
		c.QoS = 1
	}
	if c.KeepAliveSeconds == 0 {
		c.KeepAliveSeconds = 60
	}
	if c.ConnectTimeoutSeconds == 0 {
		c.ConnectTimeoutSeconds = 30
	}
	if c.ReconnectMaxSeconds == 0 {
		c.ReconnectMaxSeconds = 60
	}
	if c.PublishTimeoutSeconds == 0 {
		c.PublishTimeoutSeconds = 5
	}
}

// Topic returns the full topic for a suffix
func (c *Config) Topic(suffix string) string {
	return strings.Trim(c.TopicPrefix, "/") + "/" + suffix
}

func generateClientID() string {
	b := make([]byte, 4)
	rand.Read(b)
	return "eca-" + hex.EncodeToString(b)
}

// validateBrokerURL validates the MQTT broker URL format
func validateBrokerURL(brokerURL string) error {
	validSchemes := []string{"tcp://", "ssl://", "ws://", "wss://", "mqtt://", "mqtts://"}

	hasValidScheme := false
	for _, scheme := range validSchemes {
		if strings.HasPrefix(brokerURL, scheme) {
			hasValidScheme = true
			break
		}
	}
	if !hasValidScheme {
		return fmt.Errorf("must start with one of: %v", validSchemes)
	}

	parsed, err := url.Parse(brokerURL)
	if err != nil {
		return err
	}
	if parsed.Host == "" {
		return errors.New("host is required")
	}

	return nil
}
