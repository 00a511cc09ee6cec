package coordinator

import (
	"strings"

	"github.com/stupiduntilnot/replybot/internal/clock"
	"github.com/stupiduntilnot/replybot/internal/commander"
)

// pendingBuffer accumulates the messages of one conversation until its
// quiet period elapses. At most one timer is armed at a time.
type pendingBuffer struct {
	contents   []string
	lastID     string
	generation uint64
	timer      *clock.Timer
}

func (b *pendingBuffer) add(msg commander.Message) {
	b.contents = append(b.contents, msg.Content)
	b.lastID = msg.ID
}

func (b *pendingBuffer) merged() string {
	return strings.Join(b.contents, " ")
}

func (b *pendingBuffer) disarm() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}
