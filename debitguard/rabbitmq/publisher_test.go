//go:build unit

package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/LerianStudio/lib-debitguard/debitguard/audit"
	"github.com/LerianStudio/lib-debitguard/debitguard/opentelemetry"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// fakeChannel acknowledges or nacks every publish on the confirm channel.
type fakeChannel struct {
	confirms  chan amqp.Confirmation
	published []amqp.Publishing
	keys      []string
	ack       bool
	silent    bool
	declared  string
	closed    bool
	tag       uint64
	skew      uint64
}

func (f *fakeChannel) Confirm(bool) error { return nil }

func (f *fakeChannel) NotifyPublish(c chan amqp.Confirmation) chan amqp.Confirmation {
	f.confirms = c
	return c
}

func (f *fakeChannel) ExchangeDeclare(name, _ string, _, _, _, _ bool, _ amqp.Table) error {
	f.declared = name
	return nil
}

func (f *fakeChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	f.published = append(f.published, msg)
	f.keys = append(f.keys, key)
	f.tag++

	if !f.silent {
		f.confirms <- amqp.Confirmation{DeliveryTag: f.tag + f.skew, Ack: f.ack}
	}

	return nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func TestPublisherRecordsEvent(t *testing.T) {
	t.Parallel()

	ch := &fakeChannel{ack: true}
	p, err := NewPublisher(ch, "debitguard.audit")
	require.NoError(t, err)
	assert.Equal(t, "debitguard.audit", ch.declared)

	e := audit.NewEvent("create_payment", audit.KindSuccess, "invoice", "INV-1")
	require.NoError(t, p.Record(context.Background(), e))

	require.Len(t, ch.published, 1)
	assert.Equal(t, "audit.create_payment.success", ch.keys[0])
	assert.Equal(t, amqp.Persistent, ch.published[0].DeliveryMode)
	assert.Equal(t, e.ID, ch.published[0].MessageId)

	var decoded audit.Event
	require.NoError(t, json.Unmarshal(ch.published[0].Body, &decoded))
	assert.Equal(t, "INV-1", decoded.ResourceID)
}

func TestPublisherNack(t *testing.T) {
	t.Parallel()

	p, err := NewPublisher(&fakeChannel{ack: false}, "x")
	require.NoError(t, err)

	err = p.Record(context.Background(), audit.NewEvent("op", audit.KindSuccess, "r", "1"))
	assert.ErrorIs(t, err, ErrPublishNacked)
}

func TestPublisherConfirmTimeoutInvalidatesChannel(t *testing.T) {
	t.Parallel()

	ch := &fakeChannel{silent: true}
	p, err := NewPublisher(ch, "x", WithConfirmTimeout(10*time.Millisecond))
	require.NoError(t, err)

	err = p.Record(context.Background(), audit.NewEvent("op", audit.KindSuccess, "r", "1"))
	assert.ErrorIs(t, err, ErrConfirmTimeout)
	assert.True(t, ch.closed)
	assert.True(t, p.Closed())

	// The late confirm for the first message must never be read as the
	// confirm of the next one.
	ch.confirms <- amqp.Confirmation{DeliveryTag: 1, Ack: true}
	ch.silent = false
	ch.ack = true

	err = p.Record(context.Background(), audit.NewEvent("op", audit.KindSuccess, "r", "2"))
	assert.ErrorIs(t, err, ErrPublisherClosed)
	assert.Len(t, ch.published, 1)
}

func TestPublisherCancelledWaitInvalidatesChannel(t *testing.T) {
	t.Parallel()

	ch := &fakeChannel{silent: true}
	p, err := NewPublisher(ch, "x")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err = p.Record(ctx, audit.NewEvent("op", audit.KindSuccess, "r", "1"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, ch.closed)
	assert.ErrorIs(t, p.Record(context.Background(), audit.NewEvent("op", audit.KindSuccess, "r", "2")), ErrPublisherClosed)
}

func TestPublisherRejectsOutOfOrderConfirm(t *testing.T) {
	t.Parallel()

	ch := &fakeChannel{ack: true, skew: 1}
	p, err := NewPublisher(ch, "x")
	require.NoError(t, err)

	err = p.Record(context.Background(), audit.NewEvent("op", audit.KindSuccess, "r", "1"))
	assert.ErrorIs(t, err, ErrConfirmOutOfOrder)
	assert.True(t, p.Closed())
}

func TestPublisherConfirmsInSequence(t *testing.T) {
	t.Parallel()

	ch := &fakeChannel{ack: true}
	p, err := NewPublisher(ch, "x")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, p.Record(context.Background(), audit.NewEvent("op", audit.KindSuccess, "r", "1")))
	}

	assert.False(t, p.Closed())
	assert.Len(t, ch.published, 3)
}

func TestPublisherPropagatesTraceContext(t *testing.T) {
	t.Parallel()

	opentelemetry.SetDefaultPropagator()

	ch := &fakeChannel{ack: true}
	p, err := NewPublisher(ch, "x")
	require.NoError(t, err)

	ctx, span := sdktrace.NewTracerProvider().Tracer("test").Start(context.Background(), "create_payment")
	defer span.End()

	require.NoError(t, p.Record(ctx, audit.NewEvent("op", audit.KindSuccess, "r", "1")))

	require.Len(t, ch.published, 1)
	traceparent, ok := ch.published[0].Headers["Traceparent"].(string)
	require.True(t, ok)
	assert.Contains(t, traceparent, span.SpanContext().TraceID().String())
}

func TestPublisherClose(t *testing.T) {
	t.Parallel()

	ch := &fakeChannel{ack: true}
	p, err := NewPublisher(ch, "x")
	require.NoError(t, err)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.True(t, ch.closed)

	err = p.Record(context.Background(), audit.NewEvent("op", audit.KindSuccess, "r", "1"))
	assert.True(t, errors.Is(err, ErrPublisherClosed))
}

func TestNewPublisherRequiresChannel(t *testing.T) {
	t.Parallel()

	_, err := NewPublisher(nil, "x")
	assert.ErrorIs(t, err, ErrNilChannel)
}
