package history

import "strings"

// DefaultCapacity is the number of turns kept per conversation when no
// capacity is configured.
const DefaultCapacity = 20

// Conversation is the bounded, ordered turn log of one conversation.
// It is not safe for concurrent use; callers serialize access per key.
type Conversation struct {
	capacity int
	turns    []Turn
}

func newConversation(capacity int) *Conversation {
	return &Conversation{capacity: capacity, turns: make([]Turn, 0, capacity)}
}

// Append adds t at the end, evicting the oldest turn first when the log
// is full.
func (c *Conversation) Append(t Turn) {
	if len(c.turns) >= c.capacity {
		copy(c.turns, c.turns[1:])
		c.turns = c.turns[:len(c.turns)-1]
	}
	c.turns = append(c.turns, t)
}

// ContainsID reports whether a stored turn carries id. The empty id
// never matches.
func (c *Conversation) ContainsID(id string) bool {
	if id == "" {
		return false
	}
	for _, t := range c.turns {
		if t.ID == id {
			return true
		}
	}
	return false
}

// Render formats the log oldest first, one "<label>: <content>" line per
// turn.
func (c *Conversation) Render(participantLabel, agentLabel string) string {
	lines := make([]string, 0, len(c.turns))
	for _, t := range c.turns {
		label := participantLabel
		if t.Role == RoleAgent {
			label = agentLabel
		}
		lines = append(lines, label+": "+t.Content)
	}
	return strings.Join(lines, "\n")
}

// Turns returns a copy of the stored turns, oldest first.
func (c *Conversation) Turns() []Turn {
	out := make([]Turn, len(c.turns))
	copy(out, c.turns)
	return out
}

func (c *Conversation) Len() int { return len(c.turns) }
