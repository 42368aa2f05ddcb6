package subscriber

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/basekick-labs/eca/internal/circuitbreaker"
	"github.com/basekick-labs/eca/pkg/models"
)

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

type recordingHandler struct {
	metadata []*models.DataSet
	frames   []models.Frame
	status   []string
	errors   int
}

func (h *recordingHandler) HandleMetadata(_ context.Context, ds *models.DataSet) error {
	h.metadata = append(h.metadata, ds)
	return nil
}

func (h *recordingHandler) HandleFrame(_ context.Context, f models.Frame) error {
	h.frames = append(h.frames, f)
	return nil
}

func (h *recordingHandler) HandleStatus(message string, exception bool) {
	h.status = append(h.status, message)
	if exception {
		h.errors++
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{"valid", Config{Broker: "tcp://localhost:1883", TopicPrefix: "eca"}, ""},
		{"missing broker", Config{TopicPrefix: "eca"}, "broker is required"},
		{"bad scheme", Config{Broker: "http://localhost", TopicPrefix: "eca"}, "invalid broker URL"},
		{"missing host", Config{Broker: "tcp://", TopicPrefix: "eca"}, "host is required"},
		{"missing prefix", Config{Broker: "tcp://localhost:1883", TopicPrefix: "/"}, "topic_prefix is required"},
		{"wildcard prefix", Config{Broker: "tcp://localhost:1883", TopicPrefix: "eca/#"}, "wildcards"},
		{"bad qos", Config{Broker: "tcp://localhost:1883", TopicPrefix: "eca", QoS: 3}, "qos"},
		{"traversal", Config{Broker: "tcp://localhost:1883", TopicPrefix: "eca", TLSCAPath: "../ca.pem"}, "path traversal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestConfig_SetDefaults(t *testing.T) {
	c := &Config{Broker: "tcp://localhost:1883"}
	c.SetDefaults()

	assert.Contains(t, c.ClientID, "eca-")
	assert.Equal(t, "eca", c.TopicPrefix)
	assert.Equal(t, 1, c.QoS)
	assert.Equal(t, 60, c.KeepAliveSeconds)
	assert.Equal(t, "eca/frames", c.Topic(TopicFrames))
}

func newTestSubscriber(t *testing.T) (*Subscriber, *recordingHandler) {
	t.Helper()
	h := &recordingHandler{}
	s, err := New(&Config{Broker: "tcp://localhost:1883", TopicPrefix: "/grid/"}, h, zerolog.Nop())
	require.NoError(t, err)
	return s, h
}

func TestSubscriber_Dispatch(t *testing.T) {
	s, h := newTestSubscriber(t)

	frame, err := msgpack.Marshal(&wireFrame{Time: 1_704_499_200_000_000, Measurements: []wireMeasurement{{Point: "PPA:1"}}})
	require.NoError(t, err)
	meta, err := msgpack.Marshal(&models.DataSet{})
	require.NoError(t, err)

	s.onMessage(nil, &fakeMessage{topic: "grid/frames", payload: frame})
	s.onMessage(nil, &fakeMessage{topic: "grid/metadata", payload: meta})
	s.onMessage(nil, &fakeMessage{topic: "grid/status", payload: []byte("Connected to publisher")})
	s.onMessage(nil, &fakeMessage{topic: "grid/exception", payload: []byte("Publisher restarted")})
	s.onMessage(nil, &fakeMessage{topic: "grid/frames", payload: []byte("garbage")})
	s.onMessage(nil, &fakeMessage{topic: "grid/other", payload: []byte("x")})

	require.Len(t, h.frames, 1)
	assert.Equal(t, int64(1_704_499_200_000_000), h.frames[0].Timestamp)
	assert.Len(t, h.metadata, 1)
	assert.Equal(t, []string{"Connected to publisher", "Publisher restarted"}, h.status)
	assert.Equal(t, 1, h.errors)

	stats := s.Stats()
	assert.Equal(t, "stopped", stats.Status)
	assert.Equal(t, int64(6), stats.MessagesReceived)
	assert.Equal(t, int64(2), stats.MessagesFailed)
	assert.False(t, stats.LastMessageAt.IsZero())
}

func TestSubscriber_PublishWhileStopped(t *testing.T) {
	s, _ := newTestSubscriber(t)

	// The filter is kept for the next connect
	require.NoError(t, s.Subscribe("FILTER ActiveMeasurements WHERE SignalType = 'FREQ'"))
	assert.Equal(t, "FILTER ActiveMeasurements WHERE SignalType = 'FREQ'", s.filter)

	assert.NoError(t, s.Publish(0, nil))
	err := s.Publish(1, []models.Measurement{{Key: models.MeasurementKey{Source: "OUT", ID: 1}}})
	assert.ErrorContains(t, err, "not connected")
	assert.NoError(t, s.Stop())
}

func TestSubscriber_PublishFailsFast(t *testing.T) {
	s, _ := newTestSubscriber(t)
	ms := []models.Measurement{{Key: models.MeasurementKey{Source: "OUT", ID: 1}}}

	for i := 0; i < 5; i++ {
		assert.ErrorContains(t, s.Publish(1, ms), "not connected")
	}
	assert.ErrorIs(t, s.Publish(1, ms), circuitbreaker.ErrOpen)
	assert.Equal(t, circuitbreaker.StateOpen, s.breaker.State())
}
