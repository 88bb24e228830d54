package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPublisher(t *testing.T) (*AMQPPublisher, *MockAMQPChannel) {
	t.Helper()
	channel := &MockAMQPChannel{}
	dialer := &MockAMQPDialer{
		MockConnection: &MockAMQPConnection{MockChannel: channel},
	}
	pub, err := NewAMQPPublisherWithDialer("amqp://localhost:5672/", "recast.audit", dialer)
	require.NoError(t, err)
	return pub, channel
}

func TestNewAMQPPublisherDeclaresTopicExchange(t *testing.T) {
	_, channel := newTestPublisher(t)

	assert.True(t, channel.ExchangeDeclareCalled)
	assert.Equal(t, "recast.audit", channel.LastExchangeName)
	assert.Equal(t, "topic", channel.LastExchangeKind)
}

func TestNewAMQPPublisherDialFailure(t *testing.T) {
	dialer := &MockAMQPDialer{DialErr: errors.New("connection refused")}

	_, err := NewAMQPPublisherWithDialer("amqp://down:5672/", "recast.audit", dialer)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect")
}

func TestNewAMQPPublisherChannelFailureClosesConnection(t *testing.T) {
	conn := &MockAMQPConnection{ChannelErr: errors.New("no channel")}
	dialer := &MockAMQPDialer{MockConnection: conn}

	_, err := NewAMQPPublisherWithDialer("amqp://localhost:5672/", "recast.audit", dialer)
	require.Error(t, err)
	assert.True(t, conn.CloseCalled)
}

func TestPublishRoutesByEventType(t *testing.T) {
	pub, channel := newTestPublisher(t)

	event := Event{
		Type:        EventTransformationFailed,
		WorkspaceID: "ws-1",
		ResourceID:  "tr-1",
		Detail:      map[string]interface{}{"reason": "provider_exhausted"},
	}
	Emit(context.Background(), pub, event)

	require.Len(t, channel.PublishedMessages, 1)
	assert.Equal(t, "recast.audit", channel.LastExchange)
	assert.Equal(t, "transformation.failed", channel.LastKey)

	msg := channel.PublishedMessages[0]
	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, uint8(amqp.Persistent), msg.DeliveryMode)

	var decoded Event
	require.NoError(t, json.Unmarshal(msg.Body, &decoded))
	assert.Equal(t, EventTransformationFailed, decoded.Type)
	assert.Equal(t, "ws-1", decoded.WorkspaceID)
	assert.NotEmpty(t, decoded.ID)
	assert.False(t, decoded.OccurredAt.IsZero())
}

func TestEmitSwallowsPublishErrors(t *testing.T) {
	pub, channel := newTestPublisher(t)
	channel.PublishErr = errors.New("broker gone")

	// Must not panic and must not propagate the error.
	Emit(context.Background(), pub, Event{Type: EventAuthLogin})
}

func TestEmitNilPublisher(t *testing.T) {
	Emit(context.Background(), nil, Event{Type: EventAuthLogin})
}

func TestCloseReleasesChannelAndConnection(t *testing.T) {
	channel := &MockAMQPChannel{}
	conn := &MockAMQPConnection{MockChannel: channel}
	dialer := &MockAMQPDialer{MockConnection: conn}

	pub, err := NewAMQPPublisherWithDialer("amqp://localhost:5672/", "recast.audit", dialer)
	require.NoError(t, err)

	require.NoError(t, pub.Close())
	assert.True(t, channel.CloseCalled)
	assert.True(t, conn.CloseCalled)
}

func TestNopPublisher(t *testing.T) {
	var p Publisher = NopPublisher{}
	assert.NoError(t, p.Publish(context.Background(), Event{Type: EventAuthLogin}))
	assert.NoError(t, p.Close())
}
