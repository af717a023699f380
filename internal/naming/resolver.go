// Package naming derives canonical display names for lobby channels.
package naming

import (
	"strings"
	"unicode/utf8"

	"github.com/weiawesome/lobbycast/internal/lobby"
)

// MaxNameLength is the longest accepted base name, in characters.
const MaxNameLength = 90

// TextIcon marks text chats attached to a lobby.
const TextIcon = "📝"

var defaultIcons = map[lobby.Type]string{
	lobby.TypePublic:  "🔊",
	lobby.TypeMute:    "🙊",
	lobby.TypePrivate: "🔐",
}

// DefaultIcon returns the icon for t, or the public icon for unknown types.
func DefaultIcon(t lobby.Type) string {
	if icon, ok := defaultIcons[t]; ok {
		return icon
	}
	return defaultIcons[lobby.TypePublic]
}

// isReserved reports whether icon is one the resolver assigns itself. Any
// default icon counts, not only the one for the lobby's current type.
func isReserved(icon string) bool {
	if icon == TextIcon {
		return true
	}
	for _, d := range defaultIcons {
		if icon == d {
			return true
		}
	}
	return false
}

// Result is a resolved channel name.
type Result struct {
	Full string `json:"full"`
	Icon string `json:"icon"`
	Name string `json:"name"`
}

// Resolve computes the display name of a lobby owned by owner. raw is the
// user-supplied name, if any; text selects the naming of the lobby's text
// chat. ok is false when the name is empty or longer than MaxNameLength.
func Resolve(t lobby.Type, owner lobby.User, raw *string, text bool) (Result, bool) {
	icon := DefaultIcon(t)
	if text {
		icon = TextIcon
	}

	var base string
	if raw == nil {
		if text {
			base = owner.DisplayName
		} else {
			base = owner.DisplayName + "'s Lobby"
		}
	} else {
		input := strings.TrimSpace(*raw)
		if emoji, rest, found := leadingEmoji(input); found {
			if !isReserved(emoji) {
				icon = emoji
			}
			input = rest
		}
		base = strings.TrimSpace(input)
	}

	if base == "" || utf8.RuneCountInString(base) > MaxNameLength {
		return Result{}, false
	}

	if text {
		name := base + " chat"
		return Result{Full: icon + name, Icon: icon, Name: name}, true
	}
	return Result{Full: icon + " " + base, Icon: icon, Name: base}, true
}
