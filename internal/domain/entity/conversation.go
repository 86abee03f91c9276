package entity

import (
	"encoding/json"
	"time"

	"petchat/pkg/utils"
)

// DefaultTypingKey is used in the typing map when a signal carries no pet.
const DefaultTypingKey = "default"

type Conversation struct {
	OtherUserID   string    `json:"otherUserId"`
	OtherUser     *User     `json:"otherUser,omitempty"`
	LastMessage   string    `json:"lastMessage"`
	HasUnread     bool      `json:"hasUnread"`
	UnreadCount   int       `json:"unreadCount,omitempty"`
	ShelterID     string    `json:"shelterId,omitempty"`
	Shelter       *Shelter  `json:"shelter,omitempty"`
	PetID         string    `json:"petId,omitempty"`
	Pet           *Pet      `json:"pet,omitempty"`
	LastMessageAt time.Time `json:"lastMessageAt"`
}

// ConversationKey identifies a conversation from the current user's side.
type ConversationKey struct {
	UserID string `json:"userId"`
	PetID  string `json:"petId"`
}

func (c *Conversation) Key() ConversationKey {
	return ConversationKey{UserID: c.OtherUserID, PetID: c.PetID}
}

func (c *Conversation) Clone() *Conversation {
	cp := *c
	if c.Pet != nil {
		pet := *c.Pet
		cp.Pet = &pet
	}
	return &cp
}

func (c *Conversation) UnmarshalJSON(data []byte) error {
	type alias Conversation
	aux := struct {
		*alias
		LastMessageAt string `json:"lastMessageAt"`
	}{alias: (*alias)(c)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	t, err := utils.ParseTimestamp(aux.LastMessageAt)
	if err != nil {
		return err
	}
	c.LastMessageAt = t
	return nil
}

type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	// Offline is entered when reconnection gave up.
	Offline
)

func (s ConnectionState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Offline:
		return "offline"
	default:
		return "disconnected"
	}
}

func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
