// Package roster implements the external meeting document store: status,
// host, settings and one entry per participant, observed through live
// snapshot subscriptions. The connection core only ever writes its own
// participant entry and presence flags.
package roster

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
)

// MemoryStore is the in-process core.RosterStore used by tests and
// single-node deployments.
type MemoryStore struct {
	mu       sync.Mutex
	meetings map[domain.MeetingID]*domain.Meeting
	subs     map[domain.MeetingID][]*memorySub
}

type memorySub struct {
	latest chan core.RosterSnapshot
	stop   chan struct{}
	once   sync.Once
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		meetings: make(map[domain.MeetingID]*domain.Meeting),
		subs:     make(map[domain.MeetingID][]*memorySub),
	}
}

func (s *MemoryStore) Create(_ context.Context, m *domain.Meeting) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meetings[m.ID] = m
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id domain.MeetingID) (*domain.Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meetings[id]
	if !ok {
		return nil, domain.ErrMeetingNotFound
	}
	return m, nil
}

func (s *MemoryStore) AddParticipant(_ context.Context, id domain.MeetingID, p *domain.Participant) error {
	s.mu.Lock()
	m, ok := s.meetings[id]
	if !ok {
		s.mu.Unlock()
		return domain.ErrMeetingNotFound
	}
	if m.Status == domain.MeetingEnded {
		s.mu.Unlock()
		return domain.ErrMeetingEnded
	}
	if m.Settings.MaxParticipants > 0 && len(m.Participants) >= m.Settings.MaxParticipants {
		s.mu.Unlock()
		return domain.ErrMeetingFull
	}
	cp := *p
	if m.Settings.MuteOnJoin {
		cp.IsMuted = true
	}
	m.Participants[p.ID] = &cp
	if m.Status == domain.MeetingWaiting {
		m.Status = domain.MeetingActive
	}
	snap := snapshotLocked(m)
	s.mu.Unlock()

	s.notify(id, snap)
	return nil
}

func (s *MemoryStore) RemoveParticipant(_ context.Context, id domain.MeetingID, pid domain.ParticipantID) error {
	s.mu.Lock()
	m, ok := s.meetings[id]
	if !ok {
		s.mu.Unlock()
		return domain.ErrMeetingNotFound
	}
	delete(m.Participants, pid)
	snap := snapshotLocked(m)
	s.mu.Unlock()

	s.notify(id, snap)
	return nil
}

func (s *MemoryStore) SetPresence(_ context.Context, id domain.MeetingID, pid domain.ParticipantID, field core.PresenceField, value bool) error {
	s.mu.Lock()
	m, ok := s.meetings[id]
	if !ok {
		s.mu.Unlock()
		return domain.ErrMeetingNotFound
	}
	p, ok := m.Participants[pid]
	if ok {
		applyPresence(p, field, value)
	}
	snap := snapshotLocked(m)
	s.mu.Unlock()

	s.notify(id, snap)
	return nil
}

func (s *MemoryStore) SetStatus(_ context.Context, id domain.MeetingID, status domain.MeetingStatus) error {
	s.mu.Lock()
	m, ok := s.meetings[id]
	if !ok {
		s.mu.Unlock()
		return domain.ErrMeetingNotFound
	}
	m.Status = status
	snap := snapshotLocked(m)
	s.mu.Unlock()

	s.notify(id, snap)
	return nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, id domain.MeetingID, h func(core.RosterSnapshot)) (func(), error) {
	s.mu.Lock()
	m, ok := s.meetings[id]
	if !ok {
		s.mu.Unlock()
		return nil, domain.ErrMeetingNotFound
	}
	sub := &memorySub{
		latest: make(chan core.RosterSnapshot, 1),
		stop:   make(chan struct{}),
	}
	s.subs[id] = append(s.subs[id], sub)
	first := snapshotLocked(m)
	s.mu.Unlock()

	go func() {
		h(first)
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.stop:
				return
			case snap := <-sub.latest:
				h(snap)
			}
		}
	}()

	unsub := func() {
		sub.once.Do(func() { close(sub.stop) })
		s.mu.Lock()
		list := s.subs[id]
		for i, other := range list {
			if other == sub {
				s.subs[id] = append(list[:i], list[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
	}
	return unsub, nil
}

// notify coalesces: only the latest snapshot matters to a subscriber.
func (s *MemoryStore) notify(id domain.MeetingID, snap core.RosterSnapshot) {
	s.mu.Lock()
	subs := append([]*memorySub{}, s.subs[id]...)
	s.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.latest <- snap:
		default:
			select {
			case <-sub.latest:
			default:
			}
			select {
			case sub.latest <- snap:
			default:
			}
		}
	}
	log.Debug().Str("module", "roster").Str("meeting", string(id)).Int("subs", len(subs)).Msg("roster notified")
}

func snapshotLocked(m *domain.Meeting) core.RosterSnapshot {
	parts := make(map[domain.ParticipantID]*domain.Participant, len(m.Participants))
	for pid, p := range m.Participants {
		cp := *p
		parts[pid] = &cp
	}
	return core.RosterSnapshot{
		Status:       m.Status,
		HostID:       m.HostID,
		Settings:     m.Settings,
		Participants: parts,
	}
}

func applyPresence(p *domain.Participant, field core.PresenceField, value bool) {
	switch field {
	case core.PresenceMuted:
		p.IsMuted = value
	case core.PresenceCameraOff:
		p.IsCameraOff = value
	case core.PresenceScreenSharing:
		p.IsScreenSharing = value
	case core.PresenceHandRaised:
		p.IsHandRaised = value
	}
}
