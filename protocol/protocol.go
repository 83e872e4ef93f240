package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"pushchat/models"
)

var (
	ErrInvalidEvent = errors.New("invalid event format")
)

// Event types exchanged over the real-time channel.
const (
	TypeSendMessage = "send_message"
	TypePing        = "ping"
	TypeDisconnect  = "disconnect"

	TypeMessage = "message"
	TypeError   = "error"
	TypePong    = "pong"
)

// Event is the envelope of every frame: {"type": ..., "data": {...}}.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type SendMessage struct {
	ReceiverID int64  `json:"receiverId"`
	Content    string `json:"content"`
}

type MessagePayload struct {
	ID         int64     `json:"id"`
	SenderID   int64     `json:"sender_id"`
	ReceiverID int64     `json:"receiver_id"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
	SenderName string    `json:"sender_name"`
	IsOwn      bool      `json:"isOwn"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

func ParseEvent(data []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if ev.Type == "" {
		return nil, ErrInvalidEvent
	}
	return &ev, nil
}

// Decode unmarshals the event data into v.
func (ev *Event) Decode(v any) error {
	if len(ev.Data) == 0 {
		return ErrInvalidEvent
	}
	if err := json.Unmarshal(ev.Data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return nil
}

func NewEvent(eventType string, payload any) (*Event, error) {
	ev := &Event{Type: eventType}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		ev.Data = data
	}
	return ev, nil
}

func FormatEvent(eventType string, payload any) ([]byte, error) {
	ev, err := NewEvent(eventType, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(ev)
}

func MessageEvent(msg *models.Message, senderName string, isOwn bool) MessagePayload {
	return MessagePayload{
		ID:         msg.ID,
		SenderID:   msg.SenderID,
		ReceiverID: msg.ReceiverID,
		Content:    msg.Content,
		CreatedAt:  msg.CreatedAt,
		SenderName: senderName,
		IsOwn:      isOwn,
	}
}

// Preview cuts s to at most n runes, appending "..." when something was cut.
func Preview(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "..."
}
