// Package lobby carries live lobby state changes to the users who watch them.
package lobby

import (
	"time"

	"github.com/weiawesome/lobbycast/pkg/pubsub"
)

// Type is the access mode of a lobby voice channel.
type Type string

const (
	TypePublic  Type = "Public"
	TypeMute    Type = "Mute"
	TypePrivate Type = "Private"
)

// Valid reports whether t is a known lobby type.
func (t Type) Valid() bool {
	switch t {
	case TypePublic, TypeMute, TypePrivate:
		return true
	}
	return false
}

type User struct {
	ID          string `json:"id" cbor:"id" validate:"required"`
	DisplayName string `json:"displayName" cbor:"displayName" validate:"required"`
}

type Guild struct {
	ID   string  `json:"id" cbor:"id" validate:"required"`
	Name string  `json:"name" cbor:"name" validate:"required"`
	Icon *string `json:"icon" cbor:"icon"`
}

type Member struct {
	ID          string `json:"id" cbor:"id" validate:"required"`
	DisplayName string `json:"displayName" cbor:"displayName" validate:"required"`
}

type Channel struct {
	ID      string   `json:"id" cbor:"id" validate:"required"`
	Name    *string  `json:"name" cbor:"name"`
	Type    Type     `json:"type" cbor:"type" validate:"required,oneof=Public Mute Private"`
	Limit   *int     `json:"limit" cbor:"limit" validate:"omitempty,gte=0"`
	Members []Member `json:"members,omitempty" cbor:"members,omitempty" validate:"omitempty,dive"`
}

// Change is the state of a user's lobby after a change. A nil *Change
// means the lobby was closed.
type Change struct {
	User      User      `json:"user" cbor:"user"`
	Guild     Guild     `json:"guild" cbor:"guild"`
	Channel   Channel   `json:"channel" cbor:"channel"`
	UpdatedAt time.Time `json:"updatedAt,omitempty" cbor:"updatedAt,omitempty"`
}

// Schema validates lobby changes; nil is accepted.
var Schema = pubsub.NewStructSchema[*Change](nil).Nullable()

// UserChannel names the per-recipient channel, "user:{userId}".
var UserChannel = pubsub.Template("user:{}")
