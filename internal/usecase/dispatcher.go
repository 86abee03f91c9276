package usecase

import (
	"encoding/json"

	"go.uber.org/zap"

	"petchat/internal/domain/entity"
	ws "petchat/internal/infrastructure/websocket"
)

// Dispatcher turns inbound frames into store mutations. Handlers run on the
// transport's read goroutine, one frame at a time.
type Dispatcher struct {
	store  *MessageStore
	logger *zap.Logger
}

func NewDispatcher(store *MessageStore, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{store: store, logger: logger.Named("dispatch")}
}

// Register hooks every handler on t and returns the unsubscribe functions.
func (d *Dispatcher) Register(t Transport) []func() {
	return []func(){
		t.OnMessage(ws.MessageTypeNewMessage, d.HandleNewMessage),
		t.OnMessage(ws.MessageTypeReadReceipt, d.HandleReadReceipt),
		t.OnMessage(ws.MessageTypePetStatusUpdate, d.HandlePetStatusUpdate),
		t.OnMessage(ws.MessageTypeUserTyping, d.HandleUserTyping),
		t.OnMessage(ws.MessageTypeUserStoppedTyping, d.HandleUserStoppedTyping),
	}
}

func (d *Dispatcher) HandleNewMessage(payload json.RawMessage) {
	msg, err := decodeMessage(payload)
	if err != nil {
		d.logger.Warn("dropping malformed message frame", zap.Error(err))
		return
	}

	routed, markRead := d.store.receiveMessage(msg)
	if routed {
		d.logger.Debug("message routed to active conversation", zap.String("message_id", msg.ID))
	}
	if markRead {
		// MarkAsRead logs and refuses pet-less messages
		d.store.MarkAsRead(msg.SenderID, msg.PetID)
	}

	d.store.RefreshConversations()
}

func (d *Dispatcher) HandleReadReceipt(payload json.RawMessage) {
	var receipt ws.ReadReceiptPayload
	if err := json.Unmarshal(payload, &receipt); err != nil {
		d.logger.Warn("dropping malformed read receipt", zap.Error(err))
		return
	}
	if receipt.UserID == "" {
		d.logger.Warn("read receipt without user id")
		return
	}

	n := d.store.applyReadReceipt(receipt.UserID, receipt.PetID)
	d.logger.Debug("read receipt applied",
		zap.String("user_id", receipt.UserID), zap.String("pet_id", receipt.PetID), zap.Int("messages", n))

	d.store.RefreshConversations()
}

func (d *Dispatcher) HandlePetStatusUpdate(payload json.RawMessage) {
	var update ws.PetStatusUpdatePayload
	if err := json.Unmarshal(payload, &update); err != nil {
		d.logger.Warn("dropping malformed pet status update", zap.Error(err))
		return
	}
	if update.PetID == "" {
		d.logger.Warn("pet status update without pet id")
		return
	}
	d.store.UpdatePetStatus(update.PetID, entity.PetStatus(update.Status))
}

func (d *Dispatcher) HandleUserTyping(payload json.RawMessage) {
	d.handleTyping(payload, true)
}

func (d *Dispatcher) HandleUserStoppedTyping(payload json.RawMessage) {
	d.handleTyping(payload, false)
}

func (d *Dispatcher) handleTyping(payload json.RawMessage, typing bool) {
	signal, err := ws.DecodeTypingSignal(payload)
	if err != nil {
		d.logger.Warn("dropping typing signal", zap.Bool("typing", typing), zap.Error(err))
		return
	}
	d.store.SetUserTyping(signal.UserID, signal.PetID, typing)
}

// decodeMessage accepts a bare message or one wrapped as {"message": {...}}.
func decodeMessage(payload json.RawMessage) (*entity.Message, error) {
	var wrapped struct {
		Message *entity.Message `json:"message"`
	}
	if err := json.Unmarshal(payload, &wrapped); err == nil && wrapped.Message != nil {
		return wrapped.Message, nil
	}

	var msg entity.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
