package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MaxPayloadSize bounds a single data-channel frame. The layer does no
// chunking, so anything larger is rejected on both ends.
const MaxPayloadSize = 16 * 1024

var errEmptySender = errors.New("chat payload missing senderId")

// payload is the JSON frame sent on the data channel, one per message.
type payload struct {
	ID        string `json:"id"`
	SenderID  string `json:"senderId"`
	Username  string `json:"username"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
}

// Encode serializes a text message for data-channel transmission.
func Encode(msg Message) ([]byte, error) {
	data, err := json.Marshal(payload{
		ID:        msg.ID,
		SenderID:  msg.SenderID,
		Username:  msg.DisplayName,
		Message:   msg.Text,
		Timestamp: msg.Timestamp.UnixMilli(),
	})
	if err != nil {
		return nil, err
	}
	if len(data) > MaxPayloadSize {
		return nil, fmt.Errorf("chat payload too large: %d bytes (max %d)", len(data), MaxPayloadSize)
	}
	return data, nil
}

// Decode parses a data-channel frame into a text message. A missing id is
// replaced with a fresh one; a missing timestamp becomes the receive time.
func Decode(data []byte) (Message, error) {
	if len(data) > MaxPayloadSize {
		return Message{}, fmt.Errorf("chat payload too large: %d bytes (max %d)", len(data), MaxPayloadSize)
	}

	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Message{}, fmt.Errorf("decode chat payload: %w", err)
	}
	if p.SenderID == "" {
		return Message{}, errEmptySender
	}

	msg := Message{
		ID:          p.ID,
		SenderID:    p.SenderID,
		DisplayName: p.Username,
		Text:        p.Message,
		Kind:        KindText,
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if p.Timestamp > 0 {
		msg.Timestamp = time.UnixMilli(p.Timestamp)
	} else {
		msg.Timestamp = time.Now()
	}
	return msg, nil
}
