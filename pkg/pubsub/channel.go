package pubsub

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	pkglog "github.com/weiawesome/lobbycast/pkg/log"
)

// Handlers are the per-subscription callbacks. Only OnData is required;
// failures without a hook are logged and the message is dropped.
type Handlers[T any] struct {
	OnData func(T)
	// OnParsingError receives *DeserializationError or *ValidationError.
	OnParsingError func(err error)
	OnSubscription func()
	// OnSubscribeError receives a *TransportError.
	OnSubscribeError func(err error)
}

// Subscription is the handle for an active subscription.
type Subscription struct {
	channel string
	once    sync.Once
	cancel  func()
}

// Channel is the resolved channel name.
func (s *Subscription) Channel() string { return s.channel }

// Cancel stops local delivery before returning. Calling it again is a no-op.
func (s *Subscription) Cancel() {
	s.once.Do(s.cancel)
}

type deliveryKind int

const (
	deliveryData deliveryKind = iota
	deliveryMalformed
	deliveryInvalid
)

// delivery is the tagged outcome of turning one broker message into a T.
type delivery[T any] struct {
	kind  deliveryKind
	value T
	err   error
}

// stage transforms a successful delivery, e.g. by validating it.
type stage[T any] func(channel string, d delivery[T]) delivery[T]

// Option configures a channel.
type Option func(*options)

type options struct {
	codec Codec
}

// WithCodec overrides the default CBOR codec.
func WithCodec(c Codec) Option {
	return func(o *options) { o.codec = c }
}

// RawChannel is a typed channel family with no schema.
type RawChannel[T any] struct {
	conns  *Conns
	namer  Namer
	codec  Codec
	logger zerolog.Logger
}

// NewRawChannel binds namer to conns without a schema.
func NewRawChannel[T any](conns *Conns, namer Namer, opts ...Option) *RawChannel[T] {
	o := options{codec: CBORCodec{}}
	for _, opt := range opts {
		opt(&o)
	}
	return &RawChannel[T]{
		conns:  conns,
		namer:  namer,
		codec:  o.codec,
		logger: pkglog.Component("pubsub"),
	}
}

// Name resolves the channel name for params.
func (c *RawChannel[T]) Name(params ...string) (string, error) {
	return c.namer(params...)
}

// Publish serializes data and publishes it on the resolved channel.
func (c *RawChannel[T]) Publish(ctx context.Context, data T, params ...string) error {
	name, err := c.namer(params...)
	if err != nil {
		return err
	}
	return c.publish(ctx, name, data)
}

func (c *RawChannel[T]) publish(ctx context.Context, name string, data T) error {
	payload, err := c.codec.Marshal(data)
	if err != nil {
		return fmt.Errorf("pubsub: encode payload for %q: %w", name, err)
	}
	return c.conns.Publish(ctx, name, payload)
}

// Subscribe registers handlers on the resolved channel.
func (c *RawChannel[T]) Subscribe(h Handlers[T], params ...string) (*Subscription, error) {
	name, err := c.namer(params...)
	if err != nil {
		return nil, err
	}
	return c.subscribe(name, h)
}

func (c *RawChannel[T]) subscribe(name string, h Handlers[T], stages ...stage[T]) (*Subscription, error) {
	if h.OnData == nil {
		return nil, fmt.Errorf("pubsub: subscribe %q: OnData is required", name)
	}

	log := c.logger.With().Str(pkglog.FieldChannel, name).Logger()

	onMessage := func(msg Message) {
		d := c.decode(msg)
		for _, s := range stages {
			if d.kind != deliveryData {
				break
			}
			d = s(name, d)
		}

		switch d.kind {
		case deliveryData:
			h.OnData(d.value)
		default:
			if h.OnParsingError != nil {
				h.OnParsingError(d.err)
				return
			}
			log.Warn().Err(d.err).Msg("dropping unreadable message")
		}
	}

	ack := func(err error) {
		if err != nil {
			if h.OnSubscribeError != nil {
				h.OnSubscribeError(err)
				return
			}
			log.Error().Err(err).Msg("broker subscribe failed")
			return
		}
		if h.OnSubscription != nil {
			h.OnSubscription()
		}
	}

	cancel, err := c.conns.Listen(name, onMessage, ack)
	if err != nil {
		return nil, err
	}
	return &Subscription{channel: name, cancel: cancel}, nil
}

func (c *RawChannel[T]) decode(msg Message) delivery[T] {
	var v T
	if err := c.codec.Unmarshal(msg.Payload, &v); err != nil {
		return delivery[T]{
			kind: deliveryMalformed,
			err:  &DeserializationError{Channel: msg.Channel, Payload: msg.Payload, Err: err},
		}
	}
	return delivery[T]{kind: deliveryData, value: v}
}

// ValidatedChannel is a typed channel family whose payloads are checked
// against a schema on both publish and receipt.
type ValidatedChannel[T any] struct {
	raw    *RawChannel[T]
	schema Schema[T]
}

// NewValidatedChannel binds namer and schema to conns.
func NewValidatedChannel[T any](conns *Conns, namer Namer, schema Schema[T], opts ...Option) *ValidatedChannel[T] {
	return &ValidatedChannel[T]{
		raw:    NewRawChannel[T](conns, namer, opts...),
		schema: schema,
	}
}

// Name resolves the channel name for params.
func (c *ValidatedChannel[T]) Name(params ...string) (string, error) {
	return c.raw.Name(params...)
}

// Publish validates data and publishes it. Invalid data is never sent; the
// caller gets a *ValidationError.
func (c *ValidatedChannel[T]) Publish(ctx context.Context, data T, params ...string) error {
	name, err := c.raw.Name(params...)
	if err != nil {
		return err
	}
	if err := c.schema.Validate(data); err != nil {
		return NewValidationError(name, err)
	}
	return c.raw.publish(ctx, name, data)
}

// Subscribe registers handlers; decoded values failing the schema are
// routed to OnParsingError as *ValidationError.
func (c *ValidatedChannel[T]) Subscribe(h Handlers[T], params ...string) (*Subscription, error) {
	name, err := c.raw.Name(params...)
	if err != nil {
		return nil, err
	}
	return c.raw.subscribe(name, h, c.validate)
}

func (c *ValidatedChannel[T]) validate(channel string, d delivery[T]) delivery[T] {
	if err := c.schema.Validate(d.value); err != nil {
		return delivery[T]{kind: deliveryInvalid, err: NewValidationError(channel, err)}
	}
	return d
}
