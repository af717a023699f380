package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/weiawesome/lobbycast/internal/lobby"
	pkglog "github.com/weiawesome/lobbycast/pkg/log"
)

// Gateway is a process's identity on the realtime service: one signed-in
// connection through which it follows users' lobby changes and sends
// client events to them.
type Gateway struct {
	id     string
	client *Client
	logger zerolog.Logger
}

// NewGateway creates a gateway with a fresh instance id. When auth is an
// *HTTPAuthorizer without an instance, the id is attached to its requests.
func NewGateway(cfg ClientConfig, auth Authorizer) *Gateway {
	id := uuid.NewString()
	if h, ok := auth.(*HTTPAuthorizer); ok && h.Instance == "" {
		h.Instance = id
	}
	return &Gateway{
		id:     id,
		client: NewClient(cfg, auth),
		logger: pkglog.Component("realtime").With().Str("instance", id).Logger(),
	}
}

// ID is the stable identity of this process instance.
func (g *Gateway) ID() string { return g.id }

// Client exposes the underlying protocol client.
func (g *Gateway) Client() *Client { return g.client }

// Connect opens the connection and signs in.
func (g *Gateway) Connect(ctx context.Context) error {
	if err := g.client.Connect(ctx); err != nil {
		return err
	}
	return g.SignIn(ctx)
}

// SignIn is safe to call repeatedly; it only talks to the origin when the
// current socket has not signed in yet.
func (g *Gateway) SignIn(ctx context.Context) error {
	return g.client.SignIn(ctx)
}

// SubscribeToUser calls onChange for every lobby change on userID's
// channel. Payloads that fail the lobby schema are logged and dropped.
// The returned function ends the subscription.
func (g *Gateway) SubscribeToUser(ctx context.Context, userID string, onChange func(*lobby.Change)) (func(), error) {
	if err := checkUserID(userID); err != nil {
		return nil, err
	}
	channel := UserChannel(userID)
	log := g.logger.With().Str(pkglog.FieldChannel, channel).Logger()

	unbind := g.client.Bind(channel, EventLobbyChange, func(data json.RawMessage) {
		var change *lobby.Change
		if err := decodeData(data, &change); err != nil {
			log.Error().Err(err).Msg("unreadable lobby change")
			return
		}
		if err := lobby.Schema.Validate(change); err != nil {
			log.Error().Err(err).Msg("rejected lobby change")
			return
		}
		onChange(change)
	})

	if err := g.client.Subscribe(ctx, channel); err != nil {
		unbind()
		return nil, err
	}
	return func() {
		unbind()
		g.client.Unsubscribe(channel)
	}, nil
}

// SendClientEvent delivers a client event to userID's channel once the
// subscription is confirmed. The receiver does not acknowledge it.
func (g *Gateway) SendClientEvent(ctx context.Context, userID, event string, data any) error {
	if err := checkUserID(userID); err != nil {
		return err
	}
	channel := UserChannel(userID)
	if err := g.client.Subscribe(ctx, channel); err != nil {
		return err
	}
	defer g.client.Unsubscribe(channel)

	if err := g.client.Trigger(channel, event, data); err != nil {
		return err
	}
	g.logger.Debug().Str(pkglog.FieldChannel, channel).Str(pkglog.FieldEvent, event).Msg("client event sent")
	return nil
}

func checkUserID(userID string) error {
	if userID == "" || strings.ContainsAny(userID, ": ") {
		return fmt.Errorf("realtime: invalid user id %q", userID)
	}
	return nil
}

// Close disconnects from the realtime service.
func (g *Gateway) Close() error {
	return g.client.Close()
}
