// Package chat implements two-party conversations and their append-only
// message logs. Every mutation is committed to a Store first and then pushed
// to live sessions through a broker.Hub on the conversation topic.
package chat

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ggoodman/estate-realtime/profiles"
)

var (
	ErrNotFound        = errors.New("chat: not found")
	ErrUnauthorized    = errors.New("chat: not a participant")
	ErrInvalidArgument = errors.New("chat: invalid argument")
	ErrTransient       = errors.New("chat: store unavailable")
)

const (
	// MaxContentRunes bounds a message body.
	MaxContentRunes = 4000
	// PreviewRunes bounds Conversation.LastMessagePreview.
	PreviewRunes = 120
	// AttachmentPreview is the preview of a message with no text.
	AttachmentPreview = "[attachment]"

	DefaultPageSize = 30
	MaxPageSize     = 100
)

// State is a message's delivery state. It only ever moves forward.
type State string

const (
	StateSent      State = "sent"
	StateDelivered State = "delivered"
	StateRead      State = "read"
)

func (s State) rank() int {
	switch s {
	case StateSent:
		return 1
	case StateDelivered:
		return 2
	case StateRead:
		return 3
	}
	return 0
}

// Valid reports whether s is a known state.
func (s State) Valid() bool { return s.rank() > 0 }

// Advance returns the later of s and to, and whether that is a change.
func (s State) Advance(to State) (State, bool) {
	if to.rank() > s.rank() {
		return to, true
	}
	return s, false
}

// Conversation is the single thread between two users. ParticipantA sorts
// before ParticipantB.
type Conversation struct {
	ID                 string     `json:"id"`
	ParticipantA       string     `json:"participantA"`
	ParticipantB       string     `json:"participantB"`
	PropertyID         *string    `json:"propertyId,omitempty"`
	LastMessageAt      *time.Time `json:"lastMessageAt,omitempty"`
	LastMessagePreview string     `json:"lastMessagePreview"`
	CreatedAt          time.Time  `json:"createdAt"`
}

// HasParticipant reports whether userID is one of the two participants.
func (c Conversation) HasParticipant(userID string) bool {
	return userID != "" && (c.ParticipantA == userID || c.ParticipantB == userID)
}

// Counterpart returns the participant that is not userID.
func (c Conversation) Counterpart(userID string) string {
	if c.ParticipantA == userID {
		return c.ParticipantB
	}
	return c.ParticipantA
}

// CanonicalPair orders two user IDs so that (a, b) and (b, a) give the same
// result.
func CanonicalPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// ConversationView is a conversation as listed for one user, joined with the
// counterpart's profile.
type ConversationView struct {
	Conversation
	Counterpart profiles.Profile `json:"counterpart"`
}

// Message is one entry of a conversation's log.
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversationId"`
	SenderID       string     `json:"senderId"`
	Content        string     `json:"content"`
	AttachmentURL  *string    `json:"attachmentUrl,omitempty"`
	State          State      `json:"state"`
	CreatedAt      time.Time  `json:"createdAt"`
	ReadAt         *time.Time `json:"readAt,omitempty"`
}

// Compare orders messages by (CreatedAt, ID).
func Compare(a, b Message) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

// Less reports whether a comes before b in a conversation.
func Less(a, b Message) bool { return Compare(a, b) < 0 }

// SendInput is the input of Service.Append.
type SendInput struct {
	ConversationID string
	SenderID       string
	Content        string
	AttachmentURL  *string
}

// Preview derives a conversation's last-message preview.
func Preview(content string, hasAttachment bool) string {
	content = strings.Join(strings.Fields(content), " ")
	if content == "" && hasAttachment {
		return AttachmentPreview
	}
	if utf8.RuneCountInString(content) <= PreviewRunes {
		return content
	}
	r := []rune(content)
	return string(r[:PreviewRunes-1]) + "…"
}

// ReadEvent is published on the conversation topic when messages become read.
type ReadEvent struct {
	ConversationID string    `json:"conversationId"`
	ReaderID       string    `json:"readerId"`
	MessageIDs     []string  `json:"messageIds"`
	ReadAt         time.Time `json:"readAt"`
}

// DeliveredEvent is published when a recipient's session has received
// messages.
type DeliveredEvent struct {
	ConversationID string   `json:"conversationId"`
	RecipientID    string   `json:"recipientId"`
	MessageIDs     []string `json:"messageIds"`
}

// DeletedEvent is published when a message is removed.
type DeletedEvent struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

// Store persists conversations and messages. Implementations must make
// AppendMessage atomic: the message insert and the conversation's
// last-message update both happen or neither does.
type Store interface {
	// GetOrCreateConversation returns the conversation for c's participant
	// pair, inserting c when none exists. created reports whether c was
	// inserted. Concurrent calls for one pair all return the same row.
	GetOrCreateConversation(ctx context.Context, c Conversation) (conv Conversation, created bool, err error)
	GetConversation(ctx context.Context, id string) (Conversation, error)
	// ListConversations returns userID's conversations, most recently active
	// first. Conversations without messages sort last, newest first.
	ListConversations(ctx context.Context, userID string) ([]Conversation, error)

	// AppendMessage inserts m and updates the conversation's last message.
	// m.CreatedAt is moved forward when needed so that it is strictly after
	// the conversation's previous LastMessageAt. The stored message and the
	// updated conversation are returned.
	AppendMessage(ctx context.Context, m Message, preview string) (Message, Conversation, error)
	// ListMessages returns up to limit messages strictly older than before
	// (or the newest when before is nil), in ascending (CreatedAt, ID) order.
	ListMessages(ctx context.Context, conversationID string, limit int, before *time.Time) ([]Message, error)
	GetMessage(ctx context.Context, id string) (Message, error)
	// MarkRead moves every message not sent by readerID and not yet read to
	// StateRead and returns the IDs that changed.
	MarkRead(ctx context.Context, conversationID, readerID string, at time.Time) ([]string, error)
	// MarkDelivered moves recipientID's inbound messages from StateSent to
	// StateDelivered and returns the IDs that changed.
	MarkDelivered(ctx context.Context, conversationID, recipientID string) ([]string, error)
	DeleteMessage(ctx context.Context, id string) error
}
