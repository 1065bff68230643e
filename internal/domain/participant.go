// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"time"
)

const (
	MaxParticipantIDLen = 36
	MaxDisplayNameLen   = 64
)

var (
	ErrDisplayNameEmpty   = errors.New("display name empty")
	ErrDisplayNameTooLong = errors.New("display name too long")
)

type ParticipantID string

// Participant is one user's identity and presence inside a single meeting.
// Presence flags are owned by that user and mirrored to everyone else
// through the roster store.
type Participant struct {
	ID              ParticipantID `json:"id"`
	DisplayName     string        `json:"displayName"`
	Email           string        `json:"email,omitempty"`
	AvatarURL       string        `json:"avatarUrl,omitempty"`
	IsHost          bool          `json:"isHost"`
	IsMuted         bool          `json:"isMuted"`
	IsCameraOff     bool          `json:"isCameraOff"`
	IsScreenSharing bool          `json:"isScreenSharing"`
	IsHandRaised    bool          `json:"isHandRaised"`
	JoinedAt        time.Time     `json:"joinedAt"`
}

// NewParticipant avoids raw literals in adapters and keeps construction obvious.
func NewParticipant(id ParticipantID, displayName string) (*Participant, error) {
	if len(displayName) == 0 {
		return nil, ErrDisplayNameEmpty
	}
	if len(displayName) > MaxDisplayNameLen {
		return nil, ErrDisplayNameTooLong
	}
	return &Participant{
		ID:          id,
		DisplayName: displayName,
		JoinedAt:    time.Now().UTC(),
	}, nil
}
