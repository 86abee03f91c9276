package websocket

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType tags every inbound frame on the per-user queue.
type MessageType string

const (
	MessageTypeNewMessage        MessageType = "NEW_MESSAGE"
	MessageTypeReadReceipt       MessageType = "READ_RECEIPT"
	MessageTypePetStatusUpdate   MessageType = "PET_STATUS_UPDATE"
	MessageTypeUserTyping        MessageType = "USER_TYPING"
	MessageTypeUserStoppedTyping MessageType = "USER_STOPPED_TYPING"
)

// MessageTypes lists every inbound type in declaration order.
var MessageTypes = []MessageType{
	MessageTypeNewMessage,
	MessageTypeReadReceipt,
	MessageTypePetStatusUpdate,
	MessageTypeUserTyping,
	MessageTypeUserStoppedTyping,
}

func (t MessageType) Valid() bool {
	for _, known := range MessageTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Application destinations on the broker.
const (
	DestinationSendMessage = "/app/message"
	DestinationMarkRead    = "/app/message/read"
	DestinationMarkPetRead = "/app/message/read/pet"
	DestinationTyping      = "/app/message/typing"
	DestinationStopTyping  = "/app/message/stop-typing"
)

func userQueue(userID string) string {
	return "/user/" + userID + "/queue/messages"
}

// Envelope is the body of every MESSAGE frame on the user queue.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Outbound payloads

type SendMessagePayload struct {
	ReceiverID      string `json:"receiverId"`
	Content         string `json:"content" validate:"required,max=2000"`
	SentAt          string `json:"sentAt"`
	PetID           string `json:"petId"`
	ShelterID       string `json:"shelterId,omitempty"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
}

type MarkReadPayload struct {
	UserID string `json:"userId"`
}

type MarkPetReadPayload struct {
	UserID string `json:"userId"`
	PetID  string `json:"petId"`
}

type TypingPayload struct {
	ReceiverID string `json:"receiverId"`
	SenderID   string `json:"senderId"`
	PetID      string `json:"petId,omitempty"`
}

// Inbound payloads

type ReadReceiptPayload struct {
	UserID string `json:"userId"`
	PetID  string `json:"petId,omitempty"`
}

type PetStatusUpdatePayload struct {
	PetID  string `json:"petId"`
	Status string `json:"status"`
}

var ErrMissingUserID = errors.New("typing payload has no user id")

// TypingSignal is the normalized form of USER_TYPING / USER_STOPPED_TYPING
// payloads. Older servers send the bare user id as a JSON string, newer ones
// an object with userId or senderId and an optional petId.
type TypingSignal struct {
	UserID string
	PetID  string
}

func (s *TypingSignal) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return ErrMissingUserID
	}

	if data[0] == '"' {
		var userID string
		if err := json.Unmarshal(data, &userID); err != nil {
			return err
		}
		if userID == "" {
			return ErrMissingUserID
		}
		*s = TypingSignal{UserID: userID}
		return nil
	}

	var obj struct {
		UserID   *string `json:"userId"`
		SenderID *string `json:"senderId"`
		PetID    *string `json:"petId"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("typing payload: %w", err)
	}

	var userID string
	switch {
	case obj.UserID != nil:
		userID = *obj.UserID
	case obj.SenderID != nil:
		userID = *obj.SenderID
	}
	if userID == "" {
		return ErrMissingUserID
	}

	s.UserID = userID
	s.PetID = ""
	if obj.PetID != nil {
		s.PetID = *obj.PetID
	}
	return nil
}

// DecodeTypingSignal normalizes a raw typing payload.
func DecodeTypingSignal(raw json.RawMessage) (TypingSignal, error) {
	var s TypingSignal
	err := json.Unmarshal(raw, &s)
	return s, err
}
