// Package model defines data structures for the LUNAR chat platform.
package model

import (
	"sort"
	"time"
)

// DefaultTitle is used for conversations whose title was never derived.
const DefaultTitle = "New Conversation"

// Conversation is a titled, ordered sequence of messages. Message order is
// insertion order, which is also chronological order.
type Conversation struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Messages     []Message `json:"messages"`
	LastModified time.Time `json:"lastModified"`
}

// Clone returns a deep copy so callers can hand conversations across
// component boundaries without sharing the message slice.
func (c Conversation) Clone() Conversation {
	out := c
	out.Messages = make([]Message, len(c.Messages))
	copy(out.Messages, c.Messages)
	return out
}

// SortByLastModified orders conversations newest first, the ordering used
// by every store and by the history view.
func SortByLastModified(convs []Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		return convs[i].LastModified.After(convs[j].LastModified)
	})
}

// ChatMessages converts a conversation's messages to the /chat wire form.
func (c Conversation) ChatMessages() []ChatMessage {
	out := make([]ChatMessage, len(c.Messages))
	for i, m := range c.Messages {
		out[i] = ChatMessage{Role: string(m.Role), Content: m.Content}
	}
	return out
}
