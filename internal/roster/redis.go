package roster

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
)

const meetingTTL = 24 * time.Hour

// RedisStore keeps one hash per meeting. Scalar fields (status, host,
// settings) and one field per participant, so a presence toggle is a
// single HSET of that participant's entry, never a full document rewrite.
// Mutations publish to a per-meeting channel; subscribers re-read the hash.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func rosterKey(id domain.MeetingID) string { return fmt.Sprintf("meet:%s:roster", id) }

func eventsKey(id domain.MeetingID) string { return fmt.Sprintf("meet:%s:events", id) }

func participantField(pid domain.ParticipantID) string { return "p:" + string(pid) }

func (s *RedisStore) Create(ctx context.Context, m *domain.Meeting) error {
	settings, err := json.Marshal(m.Settings)
	if err != nil {
		return err
	}
	key := rosterKey(m.ID)
	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, key,
		"status", string(m.Status),
		"host", string(m.HostID),
		"settings", settings,
	)
	pipe.Expire(ctx, key, meetingTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("creating meeting %s: %w", m.ID, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id domain.MeetingID) (*domain.Meeting, error) {
	fields, err := s.rdb.HGetAll(ctx, rosterKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading meeting %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, domain.ErrMeetingNotFound
	}
	return meetingFromHash(id, fields)
}

func (s *RedisStore) AddParticipant(ctx context.Context, id domain.MeetingID, p *domain.Participant) error {
	m, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if m.Status == domain.MeetingEnded {
		return domain.ErrMeetingEnded
	}
	if m.Settings.MaxParticipants > 0 && len(m.Participants) >= m.Settings.MaxParticipants {
		return domain.ErrMeetingFull
	}

	cp := *p
	if m.Settings.MuteOnJoin {
		cp.IsMuted = true
	}
	data, err := json.Marshal(&cp)
	if err != nil {
		return err
	}
	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, rosterKey(id), participantField(p.ID), data)
	if m.Status == domain.MeetingWaiting {
		pipe.HSet(ctx, rosterKey(id), "status", string(domain.MeetingActive))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("adding participant %s: %w", p.ID, err)
	}
	return s.publish(ctx, id)
}

func (s *RedisStore) RemoveParticipant(ctx context.Context, id domain.MeetingID, pid domain.ParticipantID) error {
	if err := s.rdb.HDel(ctx, rosterKey(id), participantField(pid)).Err(); err != nil {
		return fmt.Errorf("removing participant %s: %w", pid, err)
	}
	return s.publish(ctx, id)
}

func (s *RedisStore) SetPresence(ctx context.Context, id domain.MeetingID, pid domain.ParticipantID, field core.PresenceField, value bool) error {
	raw, err := s.rdb.HGet(ctx, rosterKey(id), participantField(pid)).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading participant %s: %w", pid, err)
	}
	var p domain.Participant
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return fmt.Errorf("decoding participant %s: %w", pid, err)
	}
	applyPresence(&p, field, value)
	data, err := json.Marshal(&p)
	if err != nil {
		return err
	}
	if err := s.rdb.HSet(ctx, rosterKey(id), participantField(pid), data).Err(); err != nil {
		return fmt.Errorf("updating participant %s: %w", pid, err)
	}
	return s.publish(ctx, id)
}

func (s *RedisStore) SetStatus(ctx context.Context, id domain.MeetingID, status domain.MeetingStatus) error {
	if err := s.rdb.HSet(ctx, rosterKey(id), "status", string(status)).Err(); err != nil {
		return fmt.Errorf("setting status for %s: %w", id, err)
	}
	return s.publish(ctx, id)
}

func (s *RedisStore) publish(ctx context.Context, id domain.MeetingID) error {
	if err := s.rdb.Publish(ctx, eventsKey(id), "roster").Err(); err != nil {
		log.Error().Err(err).Str("module", "roster").Str("meeting", string(id)).Msg("publish failed")
	}
	return nil
}

func (s *RedisStore) Subscribe(ctx context.Context, id domain.MeetingID, h func(core.RosterSnapshot)) (func(), error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	pubsub := s.rdb.Subscribe(subCtx, eventsKey(id))
	var once sync.Once

	go func() {
		defer pubsub.Close()

		deliver := func() {
			m, err := s.Get(subCtx, id)
			if err != nil {
				if subCtx.Err() == nil {
					log.Error().Err(err).Str("module", "roster").Str("meeting", string(id)).Msg("snapshot read failed")
				}
				return
			}
			h(snapshotLocked(m))
		}

		deliver()
		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				deliver()
			}
		}
	}()

	return func() { once.Do(cancel) }, nil
}

func meetingFromHash(id domain.MeetingID, fields map[string]string) (*domain.Meeting, error) {
	m := &domain.Meeting{
		ID:           id,
		Status:       domain.MeetingStatus(fields["status"]),
		HostID:       domain.ParticipantID(fields["host"]),
		Participants: make(map[domain.ParticipantID]*domain.Participant),
	}
	if raw, ok := fields["settings"]; ok {
		if err := json.Unmarshal([]byte(raw), &m.Settings); err != nil {
			return nil, fmt.Errorf("decoding settings for %s: %w", id, err)
		}
	}
	for field, raw := range fields {
		if len(field) < 3 || field[:2] != "p:" {
			continue
		}
		var p domain.Participant
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("decoding participant %s: %w", field, err)
		}
		m.Participants[p.ID] = &p
	}
	return m, nil
}
