// Package service implements the lobby procedures served over rpc.
package service

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/weiawesome/lobbycast/internal/lobby"
	"github.com/weiawesome/lobbycast/internal/naming"
	"github.com/weiawesome/lobbycast/internal/rpc"
	"github.com/weiawesome/lobbycast/pkg/jwt"
	pkglog "github.com/weiawesome/lobbycast/pkg/log"
	"github.com/weiawesome/lobbycast/pkg/pubsub"
)

const (
	PathOnChange    = "lobby.onChange"
	PathResolveName = "lobby.resolveName"
	PathPublish     = "lobby.publish"
)

// ChangeSource streams a user's lobby changes; *lobby.Broadcaster
// implements it.
type ChangeSource interface {
	SubscribeToUser(userID string, onChange func(*lobby.Change)) (*pubsub.Subscription, error)
}

type LobbyService struct {
	source    ChangeSource
	publisher lobby.Publisher
	validate  *validator.Validate
	logger    zerolog.Logger
}

// NewLobbyService creates the service. publisher may be nil, in which case
// lobby.publish is not offered.
func NewLobbyService(source ChangeSource, publisher lobby.Publisher) *LobbyService {
	return &LobbyService{
		source:    source,
		publisher: publisher,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		logger:    pkglog.Component("lobby-service"),
	}
}

// Register adds the lobby procedures to r.
func (s *LobbyService) Register(r *rpc.Router) {
	r.Subscription(PathOnChange, s.OnChange)
	r.Query(PathResolveName, s.ResolveName)
	if s.publisher != nil {
		r.Mutation(PathPublish, s.Publish)
	}
}

type OnChangeInput struct {
	UserID string `json:"userId"`
}

// OnChange streams the lobby changes of the session's user, or of the
// requested user on anonymous connections. A null value means the lobby
// closed.
func (s *LobbyService) OnChange(ctx context.Context, sess *rpc.Session, input json.RawMessage, emit func(any) error) error {
	var in OnChangeInput
	if err := rpc.DecodeInput(input, &in); err != nil {
		return err
	}
	userID := sess.UserID()
	if userID == "" {
		userID = in.UserID
	}
	if userID == "" {
		return rpc.Errorf(rpc.CodeBadRequest, "userId is required")
	}

	log := s.logger.With().Str(pkglog.FieldUserID, userID).Logger()
	sub, err := s.source.SubscribeToUser(userID, func(change *lobby.Change) {
		if err := emit(change); err != nil {
			log.Warn().Err(err).Msg("lobby change not forwarded")
		}
	})
	if err != nil {
		return &rpc.Error{Code: rpc.CodeBadRequest, Message: "cannot follow this user", Err: err}
	}
	defer sub.Cancel()

	log.Debug().Str(pkglog.FieldChannel, sub.Channel()).Msg("following lobby")
	<-ctx.Done()
	return nil
}

type ResolveNameInput struct {
	Type  lobby.Type `json:"type" validate:"required,oneof=Public Mute Private"`
	Owner string     `json:"owner" validate:"required"`
	Input *string    `json:"input"`
	Text  bool       `json:"text"`
}

// ResolveName previews the name a lobby would get.
func (s *LobbyService) ResolveName(ctx context.Context, sess *rpc.Session, input json.RawMessage) (any, error) {
	var in ResolveNameInput
	if err := rpc.DecodeInput(input, &in); err != nil {
		return nil, err
	}
	if err := s.validate.Struct(in); err != nil {
		return nil, &rpc.Error{Code: rpc.CodeBadRequest, Message: "invalid input", Err: err}
	}

	res, ok := naming.Resolve(in.Type, lobby.User{DisplayName: in.Owner}, in.Input, in.Text)
	if !ok {
		return nil, rpc.Errorf(rpc.CodeBadRequest, "name must be between 1 and %d characters", naming.MaxNameLength)
	}
	return res, nil
}

type PublishInput struct {
	UserID string        `json:"userId" validate:"required"`
	Change *lobby.Change `json:"change"`
}

// Publish delivers a change to a user. Only service identities may call it.
func (s *LobbyService) Publish(ctx context.Context, sess *rpc.Session, input json.RawMessage) (any, error) {
	if sess.Claims == nil || !sess.Claims.HasRole(jwt.RoleService) {
		return nil, rpc.Errorf(rpc.CodeForbidden, "service identity required")
	}
	var in PublishInput
	if err := rpc.DecodeInput(input, &in); err != nil {
		return nil, err
	}
	if err := s.validate.Struct(in); err != nil {
		return nil, &rpc.Error{Code: rpc.CodeBadRequest, Message: "invalid input", Err: err}
	}

	err := s.publisher.Publish(ctx, in.UserID, in.Change)
	var ve *pubsub.ValidationError
	switch {
	case errors.As(err, &ve):
		return nil, &rpc.Error{Code: rpc.CodeBadRequest, Message: "invalid lobby change", Err: err}
	case err != nil:
		return nil, err
	}
	return map[string]bool{"published": true}, nil
}
