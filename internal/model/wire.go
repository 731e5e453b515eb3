package model

import (
	"time"
)

// ChatDocument is the remote history store's per-conversation document.
// Message timestamps and lastModified are epoch milliseconds.
type ChatDocument struct {
	ChatTitle    string        `json:"chat_title"`
	Messages     []WireMessage `json:"messages"`
	Timestamp    int64         `json:"timestamp"`
	LastModified int64         `json:"lastModified"`
}

// WireMessage is a message as stored in a ChatDocument.
type WireMessage struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// CachedConversation is a conversation as serialized into the local cache
// snapshot. Message timestamps are ISO-8601 strings (time.Time's JSON form),
// lastModified is epoch milliseconds.
type CachedConversation struct {
	ID           string          `json:"id"`
	Title        string          `json:"title"`
	Messages     []CachedMessage `json:"messages"`
	LastModified int64           `json:"lastModified"`
}

// CachedMessage is a message in the local cache snapshot.
type CachedMessage struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ToDocument converts a conversation to its remote document form.
func (c Conversation) ToDocument() ChatDocument {
	msgs := make([]WireMessage, len(c.Messages))
	for i, m := range c.Messages {
		msgs[i] = WireMessage{
			ID:        m.ID,
			Role:      string(m.Role),
			Content:   m.Content,
			Timestamp: m.Timestamp.UnixMilli(),
		}
	}
	return ChatDocument{
		ChatTitle:    c.Title,
		Messages:     msgs,
		LastModified: c.LastModified.UnixMilli(),
	}
}

// ConversationFromDocument hydrates a conversation from its remote document.
// A missing title falls back to DefaultTitle, matching what subscribers see.
func ConversationFromDocument(id string, doc ChatDocument) Conversation {
	title := doc.ChatTitle
	if title == "" {
		title = DefaultTitle
	}
	msgs := make([]Message, len(doc.Messages))
	for i, m := range doc.Messages {
		msgs[i] = Message{
			ID:        m.ID,
			Role:      Role(m.Role),
			Content:   m.Content,
			Timestamp: time.UnixMilli(m.Timestamp),
		}
	}
	return Conversation{
		ID:           id,
		Title:        title,
		Messages:     msgs,
		LastModified: time.UnixMilli(doc.LastModified),
	}
}

// ToCached converts a conversation to its local cache form.
func (c Conversation) ToCached() CachedConversation {
	msgs := make([]CachedMessage, len(c.Messages))
	for i, m := range c.Messages {
		msgs[i] = CachedMessage{ID: m.ID, Role: m.Role, Content: m.Content, Timestamp: m.Timestamp}
	}
	return CachedConversation{
		ID:           c.ID,
		Title:        c.Title,
		Messages:     msgs,
		LastModified: c.LastModified.UnixMilli(),
	}
}

// ConversationFromCached hydrates a conversation from the local cache form.
func ConversationFromCached(cc CachedConversation) Conversation {
	msgs := make([]Message, len(cc.Messages))
	for i, m := range cc.Messages {
		msgs[i] = Message{ID: m.ID, Role: m.Role, Content: m.Content, Timestamp: m.Timestamp}
	}
	return Conversation{
		ID:           cc.ID,
		Title:        cc.Title,
		Messages:     msgs,
		LastModified: time.UnixMilli(cc.LastModified),
	}
}
