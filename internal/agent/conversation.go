package agent

import (
	"slices"
	"sync"

	"github.com/nugget/tadpole/internal/llm"
)

// Conversation is the ordered transcript of one chat. It is append-only
// except for the system message, which lives at index 0 and is replaced
// by removing the old one and inserting the new one.
//
// Conversation is safe for concurrent readers; the owning Orchestrator
// is the only writer.
type Conversation struct {
	id string

	mu       sync.RWMutex
	messages []llm.Message
}

// NewConversation returns an empty conversation.
func NewConversation(id string) *Conversation {
	return &Conversation{id: id}
}

// ID returns the conversation identifier.
func (c *Conversation) ID() string {
	return c.id
}

// Messages returns a copy of the transcript.
func (c *Conversation) Messages() []llm.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.messages)
}

// Len returns the number of messages.
func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages)
}

// SystemMessage returns the content of the system message, if one has
// been set.
func (c *Conversation) SystemMessage() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.hasSystem() {
		return c.messages[0].Content, true
	}
	return "", false
}

func (c *Conversation) hasSystem() bool {
	return len(c.messages) > 0 && c.messages[0].Role == llm.RoleSystem && !c.messages[0].Diagnostic
}

// append adds m and returns its index.
func (c *Conversation) append(m llm.Message) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, m)
	return len(c.messages) - 1
}

// setSystem removes the current system message, if any, and inserts
// content at index 0. It reports whether the content changed.
func (c *Conversation) setSystem(content string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hasSystem() {
		if c.messages[0].Content == content {
			return false
		}
		c.messages = slices.Delete(c.messages, 0, 1)
	}
	c.messages = slices.Insert(c.messages, 0, llm.Message{Role: llm.RoleSystem, Content: content})
	return true
}
