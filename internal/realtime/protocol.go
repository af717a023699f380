// Package realtime exposes lobby changes over Pusher Channels for clients
// that cannot reach the broker, such as browsers and mobile apps.
package realtime

import (
	"bytes"
	"encoding/json"
	"strings"
)

const (
	protocolVersion = 7
	clientName      = "lobbycast-go"
	clientVersion   = "1.0.0"

	// EventLobbyChange carries a JSON-encoded *lobby.Change (null when the
	// lobby closed).
	EventLobbyChange = "lobby-change"
	// EventUserAdd asks the owner of a lobby to let a user in.
	EventUserAdd = "client-user-add"

	clientEventPrefix  = "client-"
	privateChannelPref = "private-"
)

const (
	eventConnectionEstablished = "pusher:connection_established"
	eventError                 = "pusher:error"
	eventPing                  = "pusher:ping"
	eventPong                  = "pusher:pong"
	eventSubscribe             = "pusher:subscribe"
	eventUnsubscribe           = "pusher:unsubscribe"
	eventSignin                = "pusher:signin"
	eventSigninSuccess         = "pusher:signin_success"
	eventSubscriptionSucceeded = "pusher_internal:subscription_succeeded"
	eventSubscriptionError     = "pusher:subscription_error"
)

// UserChannel is the private channel of one user. Pusher channel names may
// not contain ':', so the broker's "user:{id}" becomes "private-user-{id}".
func UserChannel(userID string) string {
	return privateChannelPref + "user-" + userID
}

// UserFromChannel is the inverse of UserChannel.
func UserFromChannel(channel string) (string, bool) {
	id, ok := strings.CutPrefix(channel, privateChannelPref+"user-")
	return id, ok && id != ""
}

func isPrivate(channel string) bool {
	return strings.HasPrefix(channel, privateChannelPref)
}

// Event is one protocol frame.
type Event struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	UserID  string          `json:"user_id,omitempty"`
}

type connectionEstablished struct {
	SocketID        string `json:"socket_id"`
	ActivityTimeout int    `json:"activity_timeout"`
}

type subscribeData struct {
	Channel     string `json:"channel"`
	Auth        string `json:"auth,omitempty"`
	ChannelData string `json:"channel_data,omitempty"`
}

type signinData struct {
	Auth     string `json:"auth"`
	UserData string `json:"user_data"`
}

type errorData struct {
	Code    *int   `json:"code"`
	Message string `json:"message"`
}

// Grant is a signed authorization issued by the origin service.
type Grant struct {
	Auth        string `json:"auth"`
	ChannelData string `json:"channel_data,omitempty"`
	UserData    string `json:"user_data,omitempty"`
}

// decodeData unmarshals a frame's data field. Servers send most payloads as
// a JSON string holding JSON, while client events carry plain objects.
func decodeData(raw json.RawMessage, v any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		raw = []byte(s)
	}
	return json.Unmarshal(raw, v)
}

func newEvent(name, channel string, data any) (Event, error) {
	ev := Event{Event: name, Channel: channel}
	if data == nil {
		ev.Data = json.RawMessage(`{}`)
		return ev, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return Event{}, err
	}
	ev.Data = b
	return ev, nil
}
