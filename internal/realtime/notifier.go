package realtime

import (
	"context"

	"github.com/pusher/pusher-http-go/v5"
	"github.com/weiawesome/lobbycast/internal/lobby"
	"github.com/weiawesome/lobbycast/pkg/pubsub"
)

// Triggerer publishes server events; *pusher.Client implements it.
type Triggerer interface {
	Trigger(channel string, eventName string, data interface{}) error
}

// AppConfig holds the server credentials of a Pusher app.
type AppConfig struct {
	AppID   string
	Key     string
	Secret  string
	Cluster string
	// Host overrides the REST host, e.g. "127.0.0.1:6001".
	Host   string
	Secure bool
}

// NewPusherClient builds the REST client for cfg.
func NewPusherClient(cfg AppConfig) *pusher.Client {
	return &pusher.Client{
		AppID:   cfg.AppID,
		Key:     cfg.Key,
		Secret:  cfg.Secret,
		Cluster: cfg.Cluster,
		Host:    cfg.Host,
		Secure:  cfg.Secure,
	}
}

// Notifier publishes lobby changes to users' realtime channels.
type Notifier struct {
	client Triggerer
}

func NewNotifier(client Triggerer) *Notifier {
	return &Notifier{client: client}
}

// Publish implements lobby.Publisher.
func (n *Notifier) Publish(ctx context.Context, userID string, change *lobby.Change) error {
	channel := UserChannel(userID)
	if err := lobby.Schema.Validate(change); err != nil {
		return pubsub.NewValidationError(channel, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := n.client.Trigger(channel, EventLobbyChange, change); err != nil {
		return &pubsub.TransportError{Op: "trigger", Channel: channel, Err: err}
	}
	return nil
}

var _ lobby.Publisher = (*Notifier)(nil)
