// Package app wires one participant's meeting session: local media, the
// connection registry, the orchestrator and the external stores.
package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Meet/internal/app/orch"
	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/media"
	"github.com/dkeye/Meet/internal/rtc"
)

// SessionOptions carry the tunables a session forwards to its orchestrator.
type SessionOptions struct {
	Orchestrator orch.Options
}

// Session is the per-participant facade over the whole connection core.
// One Session per (participant, meeting); Join and Leave bracket its
// lifetime.
type Session struct {
	self    *domain.Participant
	meeting domain.MeetingID

	roster  core.RosterStore
	channel core.SignalChannel
	local   *media.Manager
	reg     *rtc.Registry
	orch    *orch.Orchestrator
	opts    SessionOptions

	mu            sync.Mutex
	joined        bool
	left          bool
	unsubSignal   func()
	unsubRoster   func()
	rosterSubs    []func(core.RosterSnapshot)
	endedSubs     []func()
	endedNotified bool
}

func NewSession(self *domain.Participant, meeting domain.MeetingID, roster core.RosterStore, channel core.SignalChannel, local *media.Manager, reg *rtc.Registry, opts SessionOptions) *Session {
	return &Session{
		self:    self,
		meeting: meeting,
		roster:  roster,
		channel: channel,
		local:   local,
		reg:     reg,
		opts:    opts,
	}
}

// OnRemoteStreams forwards registry stream updates. Subscribe before Join.
func (s *Session) OnRemoteStreams(fn func([]core.RemoteStream)) { s.reg.OnRemoteStreams(fn) }

// OnConnectionState forwards per-peer state transitions. Subscribe before Join.
func (s *Session) OnConnectionState(fn func(core.ConnectionEvent)) { s.reg.OnConnectionState(fn) }

// OnRoster subscribes to roster snapshots as the session sees them.
func (s *Session) OnRoster(fn func(core.RosterSnapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rosterSubs = append(s.rosterSubs, fn)
}

// OnEnded fires once when the meeting status turns ended, including when
// this session's own Leave ended it.
func (s *Session) OnEnded(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endedSubs = append(s.endedSubs, fn)
}

// Join brings the participant into the meeting: acquire local media,
// register in the roster, open the signal mailbox and start connecting to
// everyone already present. The signal mailbox opens before the roster
// write so no peer's offer can race past an unsubscribed session.
func (s *Session) Join(ctx context.Context, audioEnabled, videoEnabled bool) (err error) {
	s.mu.Lock()
	if s.joined {
		s.mu.Unlock()
		return fmt.Errorf("session already joined meeting %s", s.meeting)
	}
	s.joined = true
	s.mu.Unlock()
	defer func() {
		if err != nil {
			s.mu.Lock()
			s.joined = false
			s.mu.Unlock()
		}
	}()

	m, err := s.roster.Get(ctx, s.meeting)
	if err != nil {
		return err
	}
	if m.Status == domain.MeetingEnded {
		return domain.ErrMeetingEnded
	}
	if m.Settings.MaxParticipants > 0 && len(m.Participants) >= m.Settings.MaxParticipants {
		return domain.ErrMeetingFull
	}

	if err := s.local.StartLocalStream(audioEnabled, videoEnabled); err != nil {
		return fmt.Errorf("acquiring local media: %w", err)
	}

	s.orch = orch.New(ctx, s.self.ID, s.meeting, s.reg, s.channel, s.opts.Orchestrator)

	unsubSignal, err := s.channel.Subscribe(ctx, s.meeting, s.self.ID, s.orch.HandleSignal)
	if err != nil {
		s.orch.Stop()
		s.teardownMedia()
		return fmt.Errorf("opening signal mailbox: %w", err)
	}

	if err := s.roster.AddParticipant(ctx, s.meeting, s.self); err != nil {
		unsubSignal()
		s.orch.Stop()
		s.teardownMedia()
		return err
	}

	unsubRoster, err := s.roster.Subscribe(ctx, s.meeting, s.handleRoster)
	if err != nil {
		unsubSignal()
		_ = s.roster.RemoveParticipant(ctx, s.meeting, s.self.ID)
		s.orch.Stop()
		s.teardownMedia()
		return fmt.Errorf("subscribing to roster: %w", err)
	}

	s.mu.Lock()
	s.unsubSignal = unsubSignal
	s.unsubRoster = unsubRoster
	s.mu.Unlock()

	log.Info().Str("module", "session").Str("meeting", string(s.meeting)).Str("participant", string(s.self.ID)).Msg("joined")
	return nil
}

func (s *Session) handleRoster(snap core.RosterSnapshot) {
	s.mu.Lock()
	subs := append([]func(core.RosterSnapshot){}, s.rosterSubs...)
	left := s.left
	s.mu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
	if left {
		return
	}

	if snap.Status == domain.MeetingEnded {
		log.Info().Str("module", "session").Str("meeting", string(s.meeting)).Msg("meeting ended remotely, tearing down")
		s.teardown()
		s.notifyEnded()
		return
	}
	s.orch.HandleRoster(snap)
}

// SetMuted flips the microphone and mirrors the flag to the roster.
func (s *Session) SetMuted(ctx context.Context, muted bool) error {
	s.local.ToggleAudio(!muted)
	s.self.IsMuted = muted
	return s.roster.SetPresence(ctx, s.meeting, s.self.ID, core.PresenceMuted, muted)
}

// SetCameraOff flips the camera and mirrors the flag to the roster.
func (s *Session) SetCameraOff(ctx context.Context, off bool) error {
	s.local.ToggleVideo(!off)
	s.self.IsCameraOff = off
	return s.roster.SetPresence(ctx, s.meeting, s.self.ID, core.PresenceCameraOff, off)
}

// SetHandRaised mirrors the hand flag; it has no media effect.
func (s *Session) SetHandRaised(ctx context.Context, raised bool) error {
	s.self.IsHandRaised = raised
	return s.roster.SetPresence(ctx, s.meeting, s.self.ID, core.PresenceHandRaised, raised)
}

// StartScreenShare swaps the outgoing video to a display capture on every
// live connection and flags it in the roster. Signaling state is untouched.
func (s *Session) StartScreenShare(ctx context.Context) error {
	if err := s.local.StartScreenShare(); err != nil {
		return err
	}
	s.self.IsScreenSharing = true
	return s.roster.SetPresence(ctx, s.meeting, s.self.ID, core.PresenceScreenSharing, true)
}

// StopScreenShare reverts outgoing video to the camera. Idempotent.
func (s *Session) StopScreenShare(ctx context.Context) error {
	s.local.StopScreenShare()
	if !s.self.IsScreenSharing {
		return nil
	}
	s.self.IsScreenSharing = false
	return s.roster.SetPresence(ctx, s.meeting, s.self.ID, core.PresenceScreenSharing, false)
}

// RemoteStreams returns the current combined remote media view.
func (s *Session) RemoteStreams() []core.RemoteStream { return s.reg.RemoteStreams() }

// Leave exits the meeting: close every connection, release devices, remove
// the roster entry. When the leaver is the host, or the last participant,
// the meeting is marked ended so the remaining sessions tear down too.
func (s *Session) Leave(ctx context.Context) error {
	s.mu.Lock()
	if s.left || !s.joined {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.teardown()

	// The host-or-last decision reads the store, not a cached snapshot:
	// subscription delivery may lag arbitrarily behind the write that
	// registered us.
	m, err := s.roster.Get(ctx, s.meeting)
	if err != nil {
		log.Error().Err(err).Str("module", "session").Str("meeting", string(s.meeting)).Msg("read roster on leave")
	}

	if err := s.roster.RemoveParticipant(ctx, s.meeting, s.self.ID); err != nil {
		log.Error().Err(err).Str("module", "session").Str("meeting", string(s.meeting)).Msg("remove participant")
	}

	if m != nil && m.Status != domain.MeetingEnded && (m.HostID == s.self.ID || len(m.Participants) <= 1) {
		if err := s.roster.SetStatus(ctx, s.meeting, domain.MeetingEnded); err != nil {
			log.Error().Err(err).Str("module", "session").Str("meeting", string(s.meeting)).Msg("end meeting")
		}
		s.notifyEnded()
	}

	log.Info().Str("module", "session").Str("meeting", string(s.meeting)).Str("participant", string(s.self.ID)).Msg("left")
	return nil
}

// teardown stops orchestration, closes connections and releases devices.
// Idempotent; shared by Leave and remote meeting end.
func (s *Session) teardown() {
	s.mu.Lock()
	if s.left {
		s.mu.Unlock()
		return
	}
	s.left = true
	unsubSignal, unsubRoster := s.unsubSignal, s.unsubRoster
	s.mu.Unlock()

	if s.orch != nil {
		s.orch.Stop()
	}
	if unsubSignal != nil {
		unsubSignal()
	}
	if unsubRoster != nil {
		unsubRoster()
	}
	s.reg.CloseAll()
	s.teardownMedia()
}

func (s *Session) teardownMedia() {
	s.local.StopLocalStream()
}

func (s *Session) notifyEnded() {
	s.mu.Lock()
	if s.endedNotified {
		s.mu.Unlock()
		return
	}
	s.endedNotified = true
	subs := append([]func(){}, s.endedSubs...)
	s.mu.Unlock()
	for _, fn := range subs {
		fn()
	}
}
