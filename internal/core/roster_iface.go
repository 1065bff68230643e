package core

import (
	"context"

	"github.com/dkeye/Meet/internal/domain"
)

// RosterSnapshot is the read view a session receives on every roster change.
type RosterSnapshot struct {
	Status       domain.MeetingStatus
	HostID       domain.ParticipantID
	Settings     domain.MeetingSettings
	Participants map[domain.ParticipantID]*domain.Participant
}

// RosterStore is the external meeting document store. The connection core
// writes only its own participant entry and presence flags; everything else
// is read-only from its point of view.
type RosterStore interface {
	Create(ctx context.Context, m *domain.Meeting) error
	Get(ctx context.Context, id domain.MeetingID) (*domain.Meeting, error)

	AddParticipant(ctx context.Context, id domain.MeetingID, p *domain.Participant) error
	RemoveParticipant(ctx context.Context, id domain.MeetingID, pid domain.ParticipantID) error
	// SetPresence updates a single presence field (one field-path write per
	// toggle, never a full document rewrite).
	SetPresence(ctx context.Context, id domain.MeetingID, pid domain.ParticipantID, field PresenceField, value bool) error
	SetStatus(ctx context.Context, id domain.MeetingID, status domain.MeetingStatus) error

	// Subscribe delivers an initial snapshot and another after every
	// roster mutation. Delivery is asynchronous; callers must not assume
	// a snapshot has arrived by any particular point. The returned func
	// cancels the subscription.
	Subscribe(ctx context.Context, id domain.MeetingID, h func(RosterSnapshot)) (func(), error)
}

type PresenceField string

const (
	PresenceMuted         PresenceField = "isMuted"
	PresenceCameraOff     PresenceField = "isCameraOff"
	PresenceScreenSharing PresenceField = "isScreenSharing"
	PresenceHandRaised    PresenceField = "isHandRaised"
)
