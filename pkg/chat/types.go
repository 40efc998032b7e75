package chat

import (
	"encoding/json"
	"fmt"
)

// Lobby is the default room. It is always listed, even when empty.
const Lobby = "lobby"

// Server reply lines. Every line sent to a client is terminated by "\n" at the
// transport layer, so these constants carry no terminator.
const (
	ReplyInvalidLogin   = "Invalid login request"
	ReplyAuthFailed     = "Authentication failed"
	ReplyAlreadyActive  = "User already active"
	ReplyCommandError   = "Error processing command"
	ReplyUnknownUser    = "User does not exist"
	LoginSuccessPrefix  = "Login successful. Room: "
	RoomsListingPrefix  = "Available rooms: "
	UsersListingPrefix  = "Online users: "
	NotificationPattern = "Notification from %s: %s"
)

type EventKind string

const (
	KindRoomMessage   EventKind = "room_message"
	KindNotifyMessage EventKind = "notify_message"
)

// Event is the transient message carried by the shared pub/sub channels.
// Target is a room name for room messages and a publisher name for
// notifications.
type Event struct {
	Kind   EventKind `json:"kind"`
	Target string    `json:"target"`
	Text   string    `json:"text"`
	Sender string    `json:"sender"`
	Origin string    `json:"origin"`
}

func (e Event) Validate() error {
	switch e.Kind {
	case KindRoomMessage, KindNotifyMessage:
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	if e.Target == "" {
		return fmt.Errorf("event %s has no target", e.Kind)
	}
	return nil
}

func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

func UnmarshalEvent(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, err
	}
	return e, e.Validate()
}

// LoginSuccess renders the reply sent after a successful LOGIN.
func LoginSuccess(room string) string {
	return LoginSuccessPrefix + room
}

// Notification renders the line delivered to subscribers of publisher.
func Notification(publisher, text string) string {
	return fmt.Sprintf(NotificationPattern, publisher, text)
}
