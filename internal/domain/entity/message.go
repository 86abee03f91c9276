package entity

import (
	"encoding/json"
	"strings"
	"time"

	"petchat/pkg/utils"
)

const (
	// TempIDPrefix marks a message inserted locally before the server assigned an id.
	TempIDPrefix = "temp-"

	MaxContentLength = 2000
)

type Message struct {
	ID              string    `json:"id"`
	ClientMessageID string    `json:"clientMessageId,omitempty"` // correlation id for optimistic inserts
	SenderID        string    `json:"senderId"`
	ReceiverID      string    `json:"receiverId"`
	Content         string    `json:"content"`
	IsRead          bool      `json:"isRead"`
	ShelterID       string    `json:"shelterId,omitempty"`
	PetID           string    `json:"petId,omitempty"`
	SentAt          time.Time `json:"sentAt"`
	Sender          *User     `json:"sender,omitempty"`
	Receiver        *User     `json:"receiver,omitempty"`
	Shelter         *Shelter  `json:"shelter,omitempty"`
	Pet             *Pet      `json:"pet,omitempty"`
}

// IsPending reports whether the message is still waiting for its server id.
func (m *Message) IsPending() bool {
	return strings.HasPrefix(m.ID, TempIDPrefix)
}

func (m *Message) Involves(userID string) bool {
	return m.SenderID == userID || m.ReceiverID == userID
}

// Counterpart returns the participant that is not currentUserID.
func (m *Message) Counterpart(currentUserID string) string {
	if m.SenderID == currentUserID {
		return m.ReceiverID
	}
	return m.SenderID
}

// Clone returns a copy that shares no mutable snapshot with m.
func (m *Message) Clone() *Message {
	c := *m
	if m.Pet != nil {
		pet := *m.Pet
		c.Pet = &pet
	}
	return &c
}

// UnmarshalJSON accepts zone-less sentAt values, which the backend emits for
// its local date-times.
func (m *Message) UnmarshalJSON(data []byte) error {
	type alias Message
	aux := struct {
		*alias
		SentAt string `json:"sentAt"`
	}{alias: (*alias)(m)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	t, err := utils.ParseTimestamp(aux.SentAt)
	if err != nil {
		return err
	}
	m.SentAt = t
	return nil
}
