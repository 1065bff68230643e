// Package adapters bridges the connection core to the outside: websocket
// clients on one side, the roster store and signal channel on the other.
package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
)

var ErrBackpressure = errors.New("backpressure")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServerFrame is one gateway→client message.
type ServerFrame struct {
	Type   string              `json:"type"`
	Signal *core.SignalMessage `json:"signal,omitempty"`
	Roster *RosterFrame        `json:"roster,omitempty"`
}

// RosterFrame is the wire view of a roster snapshot.
type RosterFrame struct {
	Status       domain.MeetingStatus  `json:"status"`
	HostID       domain.ParticipantID  `json:"hostId"`
	Participants []*domain.Participant `json:"participants"`
}

// ClientFrame is one client→gateway message.
type ClientFrame struct {
	Type string `json:"type"`

	Signal *core.SignalMessage `json:"signal,omitempty"`

	// Presence toggle payload.
	Field core.PresenceField `json:"field,omitempty"`
	Value bool               `json:"value,omitempty"`
}

type wsConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *wsConn) TrySend(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- data:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

// Gateway terminates one websocket per (meeting, participant): inbound
// frames feed the signal channel and presence writes, outbound frames
// carry the participant's mailbox and roster snapshots.
type Gateway struct {
	Roster     core.RosterStore
	Channel    core.SignalChannel
	PingPeriod time.Duration
}

func NewGateway(roster core.RosterStore, channel core.SignalChannel, pingPeriod time.Duration) *Gateway {
	if pingPeriod == 0 {
		pingPeriod = 54 * time.Second
	}
	return &Gateway{Roster: roster, Channel: channel, PingPeriod: pingPeriod}
}

// HandleMeeting upgrades the request and serves the participant until the
// socket drops. The signal mailbox opens before the roster write so no
// peer's offer can race past the subscription.
func (g *Gateway) HandleMeeting(ctx context.Context, c *gin.Context, meetingID domain.MeetingID, p *domain.Participant) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters").Msg("ws upgrade")
		return
	}
	conn := &wsConn{conn: ws, send: make(chan []byte, 32)}

	ctx, cancel := context.WithCancel(ctx)

	unsubSignal, err := g.Channel.Subscribe(ctx, meetingID, p.ID, func(msg core.SignalMessage) {
		g.sendFrame(conn, ServerFrame{Type: "signal", Signal: &msg})
	})
	if err != nil {
		log.Error().Err(err).Str("module", "adapters").Msg("mailbox subscribe")
		cancel()
		conn.Close()
		return
	}

	if err := g.Roster.AddParticipant(ctx, meetingID, p); err != nil {
		log.Warn().Err(err).Str("module", "adapters").Str("meeting", string(meetingID)).Msg("join rejected")
		unsubSignal()
		cancel()
		conn.Close()
		return
	}

	unsubRoster, err := g.Roster.Subscribe(ctx, meetingID, func(snap core.RosterSnapshot) {
		g.sendFrame(conn, ServerFrame{Type: "roster", Roster: rosterFrame(snap)})
	})
	if err != nil {
		log.Error().Err(err).Str("module", "adapters").Msg("roster subscribe")
		_ = g.Roster.RemoveParticipant(ctx, meetingID, p.ID)
		unsubSignal()
		cancel()
		conn.Close()
		return
	}

	log.Info().Str("module", "adapters").Str("meeting", string(meetingID)).Str("participant", string(p.ID)).Msg("ws session open")

	go g.writePump(ctx, conn)
	go func() {
		g.readPump(ctx, conn, meetingID, p.ID)
		// Socket gone: the participant is out of the meeting whether the
		// client said goodbye or not.
		g.depart(meetingID, p.ID)
		unsubRoster()
		unsubSignal()
		cancel()
	}()
}

// depart removes the participant; a departing host (or the last member)
// ends the meeting for everyone.
func (g *Gateway) depart(meetingID domain.MeetingID, pid domain.ParticipantID) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	m, err := g.Roster.Get(ctx, meetingID)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters").Str("meeting", string(meetingID)).Msg("depart lookup")
		return
	}
	if err := g.Roster.RemoveParticipant(ctx, meetingID, pid); err != nil {
		log.Error().Err(err).Str("module", "adapters").Str("meeting", string(meetingID)).Msg("depart remove")
	}
	if m.HostID == pid || len(m.Participants) <= 1 {
		if err := g.Roster.SetStatus(ctx, meetingID, domain.MeetingEnded); err != nil {
			log.Error().Err(err).Str("module", "adapters").Str("meeting", string(meetingID)).Msg("end meeting")
		}
	}
	log.Info().Str("module", "adapters").Str("meeting", string(meetingID)).Str("participant", string(pid)).Msg("ws session closed")
}

func (g *Gateway) writePump(ctx context.Context, c *wsConn) {
	ticker := time.NewTicker(g.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "adapters").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "adapters").Msg("writePump write error")
				return
			}
		}
	}
}

func (g *Gateway) readPump(ctx context.Context, c *wsConn, meetingID domain.MeetingID, pid domain.ParticipantID) {
	defer c.Close()
	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Warn().Err(err).Str("module", "adapters").Str("participant", string(pid)).Msg("readPump read error")
				}
				return
			}
			g.handleFrame(ctx, meetingID, pid, data)
		}
	}
}

func (g *Gateway) handleFrame(ctx context.Context, meetingID domain.MeetingID, pid domain.ParticipantID, data []byte) {
	var frame ClientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		log.Error().Err(err).Str("module", "adapters").Msg("bad client frame")
		return
	}

	switch frame.Type {
	case "signal":
		if frame.Signal == nil {
			return
		}
		msg := *frame.Signal
		// The gateway, not the client, is authoritative for identity.
		msg.MeetingID = meetingID
		msg.SenderID = pid
		if msg.Timestamp.IsZero() {
			msg.Timestamp = time.Now().UTC()
		}
		if err := g.Channel.Send(ctx, msg); err != nil {
			log.Error().Err(err).Str("module", "adapters").Str("to", string(msg.RecipientID)).Msg("relay send")
		}
	case "presence":
		if err := g.Roster.SetPresence(ctx, meetingID, pid, frame.Field, frame.Value); err != nil {
			log.Error().Err(err).Str("module", "adapters").Str("field", string(frame.Field)).Msg("presence write")
		}
	default:
		log.Warn().Str("module", "adapters").Str("type", frame.Type).Msg("unknown client frame")
	}
}

func (g *Gateway) sendFrame(c *wsConn, frame ServerFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters").Msg("frame marshal")
		return
	}
	if err := c.TrySend(data); err != nil {
		log.Warn().Err(err).Str("module", "adapters").Str("type", frame.Type).Msg("frame dropped")
	}
}

func rosterFrame(snap core.RosterSnapshot) *RosterFrame {
	out := &RosterFrame{
		Status:       snap.Status,
		HostID:       snap.HostID,
		Participants: make([]*domain.Participant, 0, len(snap.Participants)),
	}
	for _, p := range snap.Participants {
		out.Participants = append(out.Participants, p)
	}
	return out
}
