package signal

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

const (
	// mailboxTTL bounds abandoned mailboxes; a live meeting keeps its
	// mailbox fresh on every send.
	mailboxTTL = 24 * time.Hour

	popTimeout = time.Second
)

// RedisChannel is the production core.SignalChannel: one Redis list per
// (meeting, recipient) mailbox. BRPOP is both delivery and deletion, which
// gives the at-most-once consumption the protocol relies on.
type RedisChannel struct {
	rdb *redis.Client
}

func NewRedisChannel(rdb *redis.Client) *RedisChannel {
	return &RedisChannel{rdb: rdb}
}

func redisMailboxKey(meetingID domain.MeetingID, recipientID domain.ParticipantID) string {
	return fmt.Sprintf("meet:%s:sig:%s", meetingID, recipientID)
}

func (c *RedisChannel) Send(ctx context.Context, msg core.SignalMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", core.ErrSignalingDelivery, err)
	}

	key := redisMailboxKey(msg.MeetingID, msg.RecipientID)
	pipe := c.rdb.Pipeline()
	pipe.LPush(ctx, key, data)
	pipe.Expire(ctx, key, mailboxTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Error().Err(err).Str("module", "signal").Str("key", key).Msg("send failed")
		return fmt.Errorf("%w: %v", core.ErrSignalingDelivery, err)
	}
	return nil
}

func (c *RedisChannel) Subscribe(ctx context.Context, meetingID domain.MeetingID, recipientID domain.ParticipantID, h core.SignalHandler) (func(), error) {
	key := redisMailboxKey(meetingID, recipientID)
	subCtx, cancel := context.WithCancel(ctx)
	var once sync.Once

	go func() {
		delivered := make(map[string]struct{})
		for {
			res, err := c.rdb.BRPop(subCtx, popTimeout, key).Result()
			if err != nil {
				if err == redis.Nil {
					continue
				}
				if subCtx.Err() != nil {
					return
				}
				log.Error().Err(err).Str("module", "signal").Str("key", key).Msg("mailbox pop failed")
				time.Sleep(popTimeout)
				continue
			}
			// BRPop returns [key, value]; the pop already deleted the record.
			var msg core.SignalMessage
			if err := json.Unmarshal([]byte(res[1]), &msg); err != nil {
				log.Error().Err(err).Str("module", "signal").Str("key", key).Msg("bad signal payload")
				continue
			}
			if _, dup := delivered[msg.ID]; dup {
				log.Debug().Str("module", "signal").Str("id", msg.ID).Msg("duplicate delivery suppressed")
				continue
			}
			delivered[msg.ID] = struct{}{}
			h(msg)
		}
	}()

	return func() { once.Do(cancel) }, nil
}
