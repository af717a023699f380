// Package pubsub binds application event types to a broker's raw string
// channels. A Conns value pairs one publishing and one subscribing broker
// connection; RawChannel and ValidatedChannel add naming, serialization and
// (for the validated variant) schema checks on top of it.
package pubsub

import "context"

// Message is a payload received on a broker channel.
type Message struct {
	Channel string
	Payload []byte
}

// PublishConn is the write side of a broker connection pair. It is never
// placed into subscribed mode.
type PublishConn interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Close() error
}

// SubscribeConn is the read side of a broker connection pair. One physical
// connection carries messages for every channel it is subscribed to.
type SubscribeConn interface {
	Subscribe(ctx context.Context, channels ...string) error
	Unsubscribe(ctx context.Context, channels ...string) error
	// Messages is closed when the connection is closed.
	Messages() <-chan Message
	Close() error
}
