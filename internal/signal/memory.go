// Package signal implements the relay channel that carries offers,
// answers and ICE candidates between participants. Every implementation
// honors the same contract: messages are addressed to exactly one
// (meeting, recipient) mailbox, delivered in arrival order, and consumed
// at most once: the mailbox is a drain, not a durable log.
package signal

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
)

// MemoryChannel is the in-process core.SignalChannel. Multiple sessions
// sharing one MemoryChannel can negotiate without any network, which is
// how the end-to-end tests run whole meetings in a single process.
type MemoryChannel struct {
	mu    sync.Mutex
	boxes map[string]*memBox
}

type memBox struct {
	queue     []core.SignalMessage
	delivered map[string]struct{}
	notify    chan struct{}
}

func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{boxes: make(map[string]*memBox)}
}

func mailboxKey(meetingID domain.MeetingID, recipientID domain.ParticipantID) string {
	return string(meetingID) + "/" + string(recipientID)
}

func (c *MemoryChannel) box(key string) *memBox {
	b, ok := c.boxes[key]
	if !ok {
		b = &memBox{
			delivered: make(map[string]struct{}),
			notify:    make(chan struct{}, 1),
		}
		c.boxes[key] = b
	}
	return b
}

// Send appends the message to the recipient's mailbox. Fire-and-forget:
// it never waits for the recipient to consume.
func (c *MemoryChannel) Send(_ context.Context, msg core.SignalMessage) error {
	c.mu.Lock()
	b := c.box(mailboxKey(msg.MeetingID, msg.RecipientID))
	b.queue = append(b.queue, msg)
	c.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
	return nil
}

// Subscribe drains the (meeting, recipient) mailbox: each message is
// handed to h once, in arrival order, and deleted. Redelivered ids are
// suppressed.
func (c *MemoryChannel) Subscribe(ctx context.Context, meetingID domain.MeetingID, recipientID domain.ParticipantID, h core.SignalHandler) (func(), error) {
	key := mailboxKey(meetingID, recipientID)
	c.mu.Lock()
	b := c.box(key)
	c.mu.Unlock()

	stop := make(chan struct{})
	var once sync.Once

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			default:
			}

			for {
				c.mu.Lock()
				if len(b.queue) == 0 {
					c.mu.Unlock()
					break
				}
				msg := b.queue[0]
				b.queue = b.queue[1:]
				if _, dup := b.delivered[msg.ID]; dup {
					c.mu.Unlock()
					log.Debug().Str("module", "signal").Str("id", msg.ID).Msg("duplicate delivery suppressed")
					continue
				}
				b.delivered[msg.ID] = struct{}{}
				c.mu.Unlock()
				h(msg)
			}

			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-b.notify:
			}
		}
	}()

	return func() { once.Do(func() { close(stop) }) }, nil
}
