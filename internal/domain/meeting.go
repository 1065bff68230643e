package domain

import (
	"errors"
	"time"
)

type MeetingID string

type MeetingStatus string

const (
	MeetingWaiting MeetingStatus = "waiting"
	MeetingActive  MeetingStatus = "active"
	MeetingEnded   MeetingStatus = "ended"
)

var (
	ErrMeetingNotFound = errors.New("meeting not found")
	ErrMeetingFull     = errors.New("meeting full")
	ErrMeetingEnded    = errors.New("meeting ended")
)

// MeetingSettings are host-chosen knobs stored alongside the roster.
type MeetingSettings struct {
	MaxParticipants int  `json:"maxParticipants"`
	MuteOnJoin      bool `json:"muteOnJoin"`
}

func DefaultMeetingSettings() MeetingSettings {
	return MeetingSettings{MaxParticipants: 16}
}

// Meeting is the roster-store document: status, host, settings and the
// participant map. Chat messages ride along in the same document; the
// connection core never reads them.
type Meeting struct {
	ID           MeetingID                      `json:"id"`
	Status       MeetingStatus                  `json:"status"`
	HostID       ParticipantID                  `json:"hostId"`
	Settings     MeetingSettings                `json:"settings"`
	Participants map[ParticipantID]*Participant `json:"participants"`
	Chat         []ChatMessage                  `json:"chat,omitempty"`
	CreatedAt    time.Time                      `json:"createdAt"`
}

type ChatMessage struct {
	SenderID ParticipantID `json:"senderId"`
	Text     string        `json:"text"`
	SentAt   time.Time     `json:"sentAt"`
}

func NewMeeting(id MeetingID, host ParticipantID, settings MeetingSettings) *Meeting {
	return &Meeting{
		ID:           id,
		Status:       MeetingWaiting,
		HostID:       host,
		Settings:     settings,
		Participants: make(map[ParticipantID]*Participant),
		CreatedAt:    time.Now().UTC(),
	}
}
