package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
)

// wsFrame mirrors the gateway's wire envelope; only signal frames matter
// here, roster frames are surfaced through OnRoster.
type wsFrame struct {
	Type   string              `json:"type"`
	Signal *core.SignalMessage `json:"signal,omitempty"`
	Roster json.RawMessage     `json:"roster,omitempty"`
}

// WSChannel is the client-side SignalChannel over one gateway websocket.
// The socket already scopes the mailbox to a single (meeting, participant),
// so Subscribe ignores its addressing arguments beyond sanity logging.
type WSChannel struct {
	mu        sync.Mutex
	conn      *websocket.Conn
	handler   core.SignalHandler
	rosterFns []func(json.RawMessage)
	delivered map[string]struct{}
	closed    bool
}

// DialWS connects to a gateway websocket endpoint.
func DialWS(ctx context.Context, url string) (*WSChannel, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", core.ErrSignalingDelivery, url, err)
	}
	ch := &WSChannel{
		conn:      conn,
		delivered: make(map[string]struct{}),
	}
	go ch.readLoop()
	return ch, nil
}

// OnRoster registers a callback for raw roster frames from the gateway.
func (ch *WSChannel) OnRoster(fn func(json.RawMessage)) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.rosterFns = append(ch.rosterFns, fn)
}

func (ch *WSChannel) Send(ctx context.Context, msg core.SignalMessage) error {
	frame := struct {
		Type   string             `json:"type"`
		Signal core.SignalMessage `json:"signal"`
	}{Type: "signal", Signal: msg}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("%w: marshal: %w", core.ErrSignalingDelivery, err)
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return fmt.Errorf("%w: channel closed", core.ErrSignalingDelivery)
	}
	if err := ch.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: write: %w", core.ErrSignalingDelivery, err)
	}
	return nil
}

func (ch *WSChannel) Subscribe(ctx context.Context, meetingID domain.MeetingID, recipientID domain.ParticipantID, h core.SignalHandler) (func(), error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.handler != nil {
		return nil, fmt.Errorf("%w: websocket mailbox already subscribed", core.ErrSignalingDelivery)
	}
	ch.handler = h
	return func() {
		ch.mu.Lock()
		ch.handler = nil
		ch.mu.Unlock()
	}, nil
}

// Close tears the socket down; pending reads unblock with an error.
func (ch *WSChannel) Close() error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil
	}
	ch.closed = true
	conn := ch.conn
	ch.mu.Unlock()
	return conn.Close()
}

func (ch *WSChannel) readLoop() {
	for {
		_, data, err := ch.conn.ReadMessage()
		if err != nil {
			ch.mu.Lock()
			closed := ch.closed
			ch.mu.Unlock()
			if !closed {
				log.Warn().Err(err).Str("module", "signal").Msg("ws read loop ended")
			}
			return
		}

		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Error().Err(err).Str("module", "signal").Msg("bad server frame")
			continue
		}

		switch frame.Type {
		case "signal":
			if frame.Signal == nil {
				continue
			}
			ch.mu.Lock()
			h := ch.handler
			if h == nil {
				ch.mu.Unlock()
				continue
			}
			if _, seen := ch.delivered[frame.Signal.ID]; seen {
				ch.mu.Unlock()
				continue
			}
			ch.delivered[frame.Signal.ID] = struct{}{}
			ch.mu.Unlock()
			h(*frame.Signal)
		case "roster":
			ch.mu.Lock()
			fns := append([]func(json.RawMessage){}, ch.rosterFns...)
			ch.mu.Unlock()
			for _, fn := range fns {
				fn(frame.Roster)
			}
		}
	}
}
