package mq

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeChannel struct {
	declared  []string
	published []amqp.Publishing
	keys      []string
	err       error
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, durable, _, _, _ bool, _ amqp.Table) error {
	if kind != amqp.ExchangeTopic || !durable {
		return errors.New("unexpected exchange options")
	}
	f.declared = append(f.declared, name)
	return nil
}

func (f *fakeChannel) PublishWithContext(_ context.Context, _ string, key string, _, _ bool, msg amqp.Publishing) error {
	if f.err != nil {
		return f.err
	}
	f.keys = append(f.keys, key)
	f.published = append(f.published, msg)
	return nil
}

func withFake(ch *fakeChannel) func(fn func(Channel) error) error {
	return func(fn func(Channel) error) error { return fn(ch) }
}

func TestPublisherDeclaresAndPublishesJSON(t *testing.T) {
	ch := &fakeChannel{}
	p, err := newPublisher(withFake(ch), "backoffice.events", zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, []string{"backoffice.events"}, ch.declared)

	at := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, p.Publish(context.Background(), "sla.breach", "m-1", at, map[string]string{"ticket_id": "t-1"}))

	require.Len(t, ch.published, 1)
	msg := ch.published[0]
	assert.Equal(t, "sla.breach", ch.keys[0])
	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
	assert.Equal(t, "m-1", msg.MessageId)

	var body map[string]string
	require.NoError(t, json.Unmarshal(msg.Body, &body))
	assert.Equal(t, "t-1", body["ticket_id"])
}

func TestPublisherWrapsBrokerErrors(t *testing.T) {
	ch := &fakeChannel{}
	p, err := newPublisher(withFake(ch), "x", zap.NewNop())
	require.NoError(t, err)

	ch.err = errors.New("channel closed")
	err = p.Publish(context.Background(), "k", "id", time.Now(), struct{}{})
	assert.ErrorContains(t, err, "channel closed")
}

func TestNewPublisherFailsWithoutChannel(t *testing.T) {
	_, err := newPublisher(func(func(Channel) error) error { return ErrNoChannel }, "x", zap.NewNop())
	assert.ErrorIs(t, err, ErrNoChannel)
}
