// Package events consumes order events from Kafka and reconciles the
// affected orders.
package events

import (
	"context"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/xenking/kart-promotions/internal/domain/order"
	"github.com/xenking/kart-promotions/internal/engine"
)

// Headers set on dead-lettered messages.
const (
	HeaderOriginalTopic     = "x-original-topic"
	HeaderOriginalPartition = "x-original-partition"
	HeaderOriginalOffset    = "x-original-offset"
	HeaderError             = "x-error"
)

const maxHandleBackoff = 30 * time.Second

// ErrInvalidMessage is returned for messages that cannot be decoded.
var ErrInvalidMessage = errors.New("invalid event message")

// Message is the payload of an order event.
type Message struct {
	OrderID    string
	Event      order.Event
	CouponCode string
}

// Decode parses a JSON message body. Unknown keys are ignored.
func (m *Message) Decode(data []byte) error {
	err := jx.DecodeBytes(data).Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "order_id":
			m.OrderID, err = d.Str()
		case "event":
			var ev string
			ev, err = d.Str()
			m.Event = order.Event(ev)
		case "coupon_code":
			m.CouponCode, err = d.Str()
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		return errors.Wrap(ErrInvalidMessage, err.Error())
	}
	if m.OrderID == "" {
		return errors.Wrap(ErrInvalidMessage, "order_id is required")
	}
	if !m.Event.Valid() {
		return errors.Wrapf(ErrInvalidMessage, "unknown event %q", m.Event)
	}
	return nil
}

// Encode writes the JSON body of m.
func (m Message) Encode() []byte {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("order_id")
	e.Str(m.OrderID)
	e.FieldStart("event")
	e.Str(string(m.Event))
	if m.CouponCode != "" {
		e.FieldStart("coupon_code")
		e.Str(m.CouponCode)
	}
	e.ObjEnd()
	return e.Bytes()
}

// Reader is the subset of *kafka.Reader the consumer uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Writer is the subset of *kafka.Writer used for dead letters.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Reconciler applies an event to an order.
type Reconciler interface {
	Reconcile(ctx context.Context, orderID string, ev order.Event, payload order.Payload) (*engine.Result, error)
}

// Options configures a Consumer.
type Options struct {
	// MaxAttempts bounds reconciles per message. Defaults to 3.
	MaxAttempts int
	// Backoff is the first retry delay. Defaults to 100ms.
	Backoff time.Duration
	// DeadLetters receives messages that could not be processed. Optional.
	DeadLetters Writer
	// DeadLetterTopic is set on each dead letter. Leave empty when the
	// DeadLetters writer has its own topic.
	DeadLetterTopic string
	// Propagator defaults to W3C trace context.
	Propagator propagation.TextMapPropagator
}

// Consumer reads order events and reconciles the orders they name.
type Consumer struct {
	reader     Reader
	reconciler Reconciler
	opts       Options
}

// NewConsumer creates a Consumer.
func NewConsumer(reader Reader, reconciler Reconciler, opts Options) *Consumer {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 100 * time.Millisecond
	}
	if opts.Propagator == nil {
		opts.Propagator = propagation.TraceContext{}
	}
	return &Consumer{reader: reader, reconciler: reconciler, opts: opts}
}

// Run consumes until ctx is done. A message is committed once reconciled or
// dead-lettered; fetch errors are retried after a pause. Commits are
// per-partition offsets, so a message that can be neither reconciled nor
// dead-lettered blocks the consumer until it can.
func (c *Consumer) Run(ctx context.Context) error {
	lg := zctx.From(ctx)
	lg.Info("Event consumer started")
	defer func() {
		if err := c.reader.Close(); err != nil {
			lg.Warn("Close reader", zap.Error(err))
		}
	}()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				lg.Info("Event consumer stopped")
				return nil
			}
			lg.Error("Fetch message", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		if !c.handleUntilDone(ctx, msg) {
			return nil
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			lg.Error("Commit message", zap.Error(err), zap.Int64("offset", msg.Offset))
		}
	}
}

// handleUntilDone repeats Handle for msg with exponential backoff until it
// succeeds. It returns false when ctx is done first.
func (c *Consumer) handleUntilDone(ctx context.Context, msg kafka.Message) bool {
	lg := zctx.From(ctx)
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.Backoff
	b.MaxInterval = maxHandleBackoff

	for {
		err := c.Handle(ctx, msg)
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		wait := b.NextBackOff()
		lg.Error("Handle message",
			zap.Error(err),
			zap.Int64("offset", msg.Offset),
			zap.Duration("retry_in", wait),
		)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}
	}
}

// Handle processes a single message. It returns an error only when the
// message could neither be reconciled nor dead-lettered.
func (c *Consumer) Handle(ctx context.Context, msg kafka.Message) error {
	carrier := headerCarrier(msg.Headers)
	ctx = c.opts.Propagator.Extract(ctx, &carrier)
	lg := zctx.From(ctx).With(
		zap.String("topic", msg.Topic),
		zap.Int("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
	)
	ctx = zctx.Base(ctx, lg)

	var m Message
	if err := m.Decode(msg.Value); err != nil {
		lg.Warn("Skip undecodable message", zap.Error(err))
		return c.deadLetter(ctx, msg, err)
	}

	err := c.reconcile(ctx, m)
	if err == nil {
		return nil
	}
	lg.Warn("Reconcile failed",
		zap.String("order_id", m.OrderID),
		zap.String("event", string(m.Event)),
		zap.Error(err),
	)
	return c.deadLetter(ctx, msg, err)
}

func (c *Consumer) reconcile(ctx context.Context, m Message) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.Backoff

	_, err := backoff.Retry(ctx, func() (*engine.Result, error) {
		res, err := c.reconciler.Reconcile(ctx, m.OrderID, m.Event, order.Payload{CouponCode: m.CouponCode})
		if err != nil && !retryable(err) {
			return nil, backoff.Permanent(err)
		}
		return res, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.opts.MaxAttempts)),
	)
	return err
}

// retryable reports whether a reconcile may succeed when repeated. Missing
// and completed orders never will.
func retryable(err error) bool {
	return errors.Is(err, engine.ErrReconcileFailed) &&
		!errors.Is(err, order.ErrNotFound) &&
		!errors.Is(err, order.ErrNotCart)
}

func (c *Consumer) deadLetter(ctx context.Context, msg kafka.Message, cause error) error {
	if c.opts.DeadLetters == nil {
		return nil
	}
	dl := kafka.Message{
		Topic: c.opts.DeadLetterTopic,
		Key:   msg.Key,
		Value: msg.Value,
		Headers: append([]kafka.Header{
			{Key: HeaderOriginalTopic, Value: []byte(msg.Topic)},
			{Key: HeaderOriginalPartition, Value: []byte(strconv.Itoa(msg.Partition))},
			{Key: HeaderOriginalOffset, Value: []byte(strconv.FormatInt(msg.Offset, 10))},
			{Key: HeaderError, Value: []byte(cause.Error())},
		}, msg.Headers...),
	}
	if err := c.opts.DeadLetters.WriteMessages(ctx, dl); err != nil {
		return errors.Wrap(err, "write dead letter")
	}
	return nil
}

// Publisher writes order events to Kafka, injecting the trace context into
// the message headers.
type Publisher struct {
	writer     Writer
	propagator propagation.TextMapPropagator
}

// NewPublisher creates a Publisher.
func NewPublisher(writer Writer) *Publisher {
	return &Publisher{writer: writer, propagator: propagation.TraceContext{}}
}

// Publish sends m keyed by order ID so events of one order stay ordered.
func (p *Publisher) Publish(ctx context.Context, m Message) error {
	var carrier headerCarrier
	p.propagator.Inject(ctx, &carrier)
	err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(m.OrderID),
		Value:   m.Encode(),
		Headers: carrier,
	})
	if err != nil {
		return errors.Wrap(err, "publish event")
	}
	return nil
}
