package core

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/dkeye/Meet/internal/domain"
)

var ErrSignalingDelivery = errors.New("signaling delivery failed")

type SignalType string

const (
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalCandidate SignalType = "ice-candidate"
)

// SignalMessage is one in-flight relay record. ID is unique per send so
// concurrent sends between the same pair never collide; the recipient
// treats its mailbox as a drain, not a durable log.
type SignalMessage struct {
	ID          string               `json:"id"`
	MeetingID   domain.MeetingID     `json:"meetingId"`
	SenderID    domain.ParticipantID `json:"senderId"`
	RecipientID domain.ParticipantID `json:"recipientId"`
	Type        SignalType           `json:"type"`
	Payload     json.RawMessage      `json:"payload"`
	Timestamp   time.Time            `json:"timestamp"`
}

// SignalHandler consumes one delivered message. The channel deletes the
// message after the handler returns; a message is handled at most once.
type SignalHandler func(msg SignalMessage)

// SignalChannel delivers offer/answer/candidate messages to exactly the
// addressed recipient. Send is fire-and-forget: delivery confirmation is
// implicit in the protocol (an answer implies the offer arrived), and a
// failed send is not retried here; retry policy belongs to the caller.
type SignalChannel interface {
	Send(ctx context.Context, msg SignalMessage) error
	// Subscribe opens a live mailbox for (meeting, recipient) and invokes
	// the handler once per message, in arrival order at the channel.
	// The returned func cancels the subscription.
	Subscribe(ctx context.Context, meetingID domain.MeetingID, recipientID domain.ParticipantID, h SignalHandler) (func(), error)
}
