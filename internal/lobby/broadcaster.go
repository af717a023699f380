package lobby

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	pkglog "github.com/weiawesome/lobbycast/pkg/log"
	"github.com/weiawesome/lobbycast/pkg/pubsub"
)

// Publisher delivers a change to one user over some transport.
type Publisher interface {
	Publish(ctx context.Context, userID string, change *Change) error
}

// Broadcaster publishes lobby changes on the broker, one channel per
// recipient user.
type Broadcaster struct {
	channel *pubsub.ValidatedChannel[*Change]
	logger  zerolog.Logger
}

// NewBroadcaster binds the user channel family to conns.
func NewBroadcaster(conns *pubsub.Conns, opts ...pubsub.Option) *Broadcaster {
	return &Broadcaster{
		channel: pubsub.NewValidatedChannel[*Change](conns, UserChannel, Schema, opts...),
		logger:  pkglog.Component("lobby"),
	}
}

// Publish sends change to userID. A nil change announces the lobby closed.
func (b *Broadcaster) Publish(ctx context.Context, userID string, change *Change) error {
	return b.channel.Publish(ctx, change, userID)
}

// SubscribeToUser calls onChange for every change published to userID.
// Unreadable or invalid payloads are logged as errors.
func (b *Broadcaster) SubscribeToUser(userID string, onChange func(*Change)) (*pubsub.Subscription, error) {
	channel, err := b.channel.Name(userID)
	if err != nil {
		return nil, err
	}
	return b.channel.Subscribe(pubsub.Handlers[*Change]{
		OnData: onChange,
		OnParsingError: func(err error) {
			b.logger.Error().Err(err).Str(pkglog.FieldChannel, channel).Msg("rejected lobby change")
		},
		OnSubscribeError: func(err error) {
			b.logger.Error().Err(err).Str(pkglog.FieldChannel, channel).Msg("lobby subscription failed")
		},
	}, userID)
}

// Fanout publishes each change through every publisher, e.g. the broker
// and the realtime notifier.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, userID string, change *Change) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, userID, change); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
