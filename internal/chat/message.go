// Package chat defines the chat message model and the payload exchanged over
// peer data channels.
package chat

import (
	"time"

	"github.com/google/uuid"
)

// Kind identifies how a Message came to exist.
type Kind string

const (
	KindText   Kind = "text"   // typed by a participant
	KindJoined Kind = "joined" // synthesized when a peer connects
	KindLeft   Kind = "left"   // synthesized when a peer goes away
)

// Message is one entry of the chat log. It is never modified after creation.
type Message struct {
	ID          string
	SenderID    string
	DisplayName string
	Text        string
	Timestamp   time.Time
	Kind        Kind
}

// NewText creates a locally authored text message.
func NewText(senderID, displayName, text string) Message {
	return Message{
		ID:          uuid.NewString(),
		SenderID:    senderID,
		DisplayName: displayName,
		Text:        text,
		Timestamp:   time.Now(),
		Kind:        KindText,
	}
}

// Joined synthesizes the notice shown when a peer's connection opens.
func Joined(peerID, displayName string) Message {
	return notice(peerID, displayName, KindJoined, displayName+" joined the chat")
}

// Left synthesizes the notice shown when a peer's connection goes away.
func Left(peerID, displayName string) Message {
	return notice(peerID, displayName, KindLeft, displayName+" left the chat")
}

func notice(peerID, displayName string, kind Kind, text string) Message {
	return Message{
		ID:          uuid.NewString(),
		SenderID:    peerID,
		DisplayName: displayName,
		Text:        text,
		Timestamp:   time.Now(),
		Kind:        kind,
	}
}
