// Package orch decides, per remote participant, whether to initiate a
// connection or answer one, and resolves the races inherent to both sides
// starting at once.
package orch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/rtc"
)

// ErrPeerUnreachable marks a peer whose negotiation cycle ran out the
// connecting-set deadline without a connection coming up.
var ErrPeerUnreachable = errors.New("peer unreachable")

// Phase is the orchestrator's per-peer view of the connection lifecycle,
// derived from the registry record and the connecting-set.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseConnecting Phase = "connecting"
	PhaseConnected  Phase = "connected"
	PhaseFailed     Phase = "failed"
)

// Connections is the slice of the registry the orchestrator drives. The
// glare rules are testable against a fake implementation.
type Connections interface {
	CreateConnection(peerID domain.ParticipantID, sink rtc.CandidateSink) (created bool, err error)
	CreateOffer(peerID domain.ParticipantID) (webrtc.SessionDescription, error)
	CreateAnswer(peerID domain.ParticipantID) (webrtc.SessionDescription, error)
	SetRemoteDescription(peerID domain.ParticipantID, desc webrtc.SessionDescription) error
	AddICECandidate(peerID domain.ParticipantID, cand webrtc.ICECandidateInit) error
	CloseConnection(peerID domain.ParticipantID)
	CloseAll()
	Has(peerID domain.ParticipantID) bool
	Usable(peerID domain.ParticipantID) bool
	SignalingState(peerID domain.ParticipantID) (webrtc.SignalingState, bool)
	ICEState(peerID domain.ParticipantID) (webrtc.ICEConnectionState, bool)
	ConnectionState(peerID domain.ParticipantID) (webrtc.PeerConnectionState, bool)
}

// Options tune the orchestrator's timing.
type Options struct {
	// ConnectTimeout bounds a connecting-set entry; after it the attempt
	// is considered abandoned whatever happened, and an unconnected peer
	// still on the roster gets a fresh cycle, so a silently dropped
	// message never starves future reconnects. Default 5s.
	ConnectTimeout time.Duration
	// RetryDelay is the single self-heal reconnect delay. Default 2s.
	RetryDelay time.Duration
	// Stagger spaces the initial fan-out to existing participants.
	// Default 500ms.
	Stagger time.Duration
}

// Orchestrator runs the per-peer connection state machine for one local
// participant. New roster entries are always initiated to; when offers
// collide, participant ids break the tie, so both sides agree on which
// exchange survives without another round trip.
type Orchestrator struct {
	self    domain.ParticipantID
	meeting domain.MeetingID
	conns   Connections
	channel core.SignalChannel
	opts    Options

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	connecting map[domain.ParticipantID]time.Time
	known      map[domain.ParticipantID]struct{}
	seeded     bool
}

func New(ctx context.Context, self domain.ParticipantID, meeting domain.MeetingID, conns Connections, channel core.SignalChannel, opts Options) *Orchestrator {
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = 2 * time.Second
	}
	if opts.Stagger == 0 {
		opts.Stagger = 500 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Orchestrator{
		self:       self,
		meeting:    meeting,
		conns:      conns,
		channel:    channel,
		opts:       opts,
		ctx:        ctx,
		cancel:     cancel,
		connecting: make(map[domain.ParticipantID]time.Time),
		known:      make(map[domain.ParticipantID]struct{}),
	}
}

// Stop cancels pending delayed work. Records are closed by the caller.
func (o *Orchestrator) Stop() { o.cancel() }

// PeerPhase reports where pid sits in the connection lifecycle.
func (o *Orchestrator) PeerPhase(pid domain.ParticipantID) Phase {
	cs, ok := o.conns.ConnectionState(pid)
	if !ok {
		if o.isConnecting(pid) {
			return PhaseConnecting
		}
		return PhaseIdle
	}
	switch cs {
	case webrtc.PeerConnectionStateConnected:
		return PhaseConnected
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		return PhaseFailed
	default:
		return PhaseConnecting
	}
}

// HandleRoster reconciles a roster snapshot: connect to every participant
// absent from the previous snapshot, tear down records of the departed.
// The first snapshot fans out to everyone already in the meeting, with
// attempts staggered to avoid a thundering herd of simultaneous offers.
func (o *Orchestrator) HandleRoster(snap core.RosterSnapshot) {
	o.mu.Lock()
	var added []domain.ParticipantID
	for pid := range snap.Participants {
		if pid == o.self {
			continue
		}
		if _, ok := o.known[pid]; !ok {
			added = append(added, pid)
		}
	}
	var removed []domain.ParticipantID
	for pid := range o.known {
		if _, ok := snap.Participants[pid]; !ok {
			removed = append(removed, pid)
		}
	}
	o.known = make(map[domain.ParticipantID]struct{}, len(snap.Participants))
	for pid := range snap.Participants {
		if pid != o.self {
			o.known[pid] = struct{}{}
		}
	}
	stagger := !o.seeded
	o.seeded = true
	o.mu.Unlock()

	for _, pid := range removed {
		log.Info().Str("module", "orch").Str("peer", string(pid)).Msg("peer left, closing")
		o.clearConnecting(pid)
		o.conns.CloseConnection(pid)
	}

	for i, pid := range added {
		if stagger && i > 0 {
			delay := time.Duration(i) * o.opts.Stagger
			pid := pid
			go func() {
				select {
				case <-o.ctx.Done():
					return
				case <-time.After(delay):
					o.Connect(pid)
				}
			}()
			continue
		}
		o.Connect(pid)
	}
}

// Connect initiates a negotiation cycle toward pid: create (or reuse) the
// record and send an offer. The connecting-set suppresses duplicate
// simultaneous attempts to the same peer.
func (o *Orchestrator) Connect(pid domain.ParticipantID) {
	if !o.markConnecting(pid) {
		log.Debug().Str("module", "orch").Str("peer", string(pid)).Msg("connect suppressed, already in flight")
		return
	}

	// A dead record blocks a fresh cycle; discard it first.
	o.discardIfDead(pid)

	created, err := o.conns.CreateConnection(pid, o.candidateSink(pid))
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("peer", string(pid)).Msg("create connection")
		o.clearConnecting(pid)
		return
	}
	if !created {
		// Usable record already present.
		switch state, _ := o.conns.SignalingState(pid); state {
		case webrtc.SignalingStateStable:
			if cs, ok := o.conns.ConnectionState(pid); ok && cs == webrtc.PeerConnectionStateConnected {
				// Already connected. Nothing to initiate.
				o.clearConnecting(pid)
				return
			}
		case webrtc.SignalingStateHaveLocalOffer:
			// Our previous offer may have been lost; regenerating it below
			// is the retry.
		default:
			// Mid-answer of their offer; that exchange resolves this
			// attempt, or the connecting-set expiry retries it.
			return
		}
	}

	offer, err := o.conns.CreateOffer(pid)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("peer", string(pid)).Msg("create offer")
		o.clearConnecting(pid)
		return
	}
	o.send(core.SignalOffer, pid, offer)
	log.Info().Str("module", "orch").Str("peer", string(pid)).Msg("offer sent")
}

// HandleSignal dispatches one delivered relay message.
func (o *Orchestrator) HandleSignal(msg core.SignalMessage) {
	if msg.SenderID == o.self {
		return
	}
	switch msg.Type {
	case core.SignalOffer:
		o.handleOffer(msg)
	case core.SignalAnswer:
		o.handleAnswer(msg)
	case core.SignalCandidate:
		o.handleCandidates(msg)
	default:
		log.Warn().Str("module", "orch").Str("type", string(msg.Type)).Msg("unknown signal")
	}
}

func (o *Orchestrator) handleOffer(msg core.SignalMessage) {
	from := msg.SenderID
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(msg.Payload, &offer); err != nil {
		log.Error().Err(err).Str("module", "orch").Str("peer", string(from)).Msg("bad offer payload")
		return
	}

	state, hasConn := o.conns.SignalingState(from)
	inFlight := o.isConnecting(from)

	switch {
	case inFlight || (hasConn && state == webrtc.SignalingStateHaveLocalOffer):
		// Glare: their offer reached us before our exchange resolved.
		// The tie is broken by id so a symmetric collision, where both
		// offers cross in flight, leaves exactly one exchange standing:
		// the higher id keeps its offer, the lower id yields and answers.
		if o.self > from {
			log.Debug().Str("module", "orch").Str("peer", string(from)).Msg("glare, holding initiator role")
			return
		}
		log.Info().Str("module", "orch").Str("peer", string(from)).Msg("glare, yielding to incoming offer")
		o.clearConnecting(from)
		o.conns.CloseConnection(from)

	case hasConn && state == webrtc.SignalingStateStable && o.healthy(from):
		// Re-answering a stable link would needlessly reset media.
		log.Debug().Str("module", "orch").Str("peer", string(from)).Msg("duplicate offer on healthy connection ignored")
		return

	case hasConn:
		// Stale or failing record; a fresh one answers the offer.
		o.discardIfDead(from)
	}

	if _, err := o.conns.CreateConnection(from, o.candidateSink(from)); err != nil {
		log.Error().Err(err).Str("module", "orch").Str("peer", string(from)).Msg("create connection for offer")
		return
	}
	if err := o.conns.SetRemoteDescription(from, offer); err != nil {
		log.Error().Err(err).Str("module", "orch").Str("peer", string(from)).Msg("apply offer")
		o.conns.CloseConnection(from)
		o.scheduleReconnect(from)
		return
	}
	answer, err := o.conns.CreateAnswer(from)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("peer", string(from)).Msg("create answer")
		return
	}
	o.send(core.SignalAnswer, from, answer)
	log.Info().Str("module", "orch").Str("peer", string(from)).Msg("answer sent")
}

func (o *Orchestrator) handleAnswer(msg core.SignalMessage) {
	from := msg.SenderID
	var answer webrtc.SessionDescription
	if err := json.Unmarshal(msg.Payload, &answer); err != nil {
		log.Error().Err(err).Str("module", "orch").Str("peer", string(from)).Msg("bad answer payload")
		return
	}

	state, ok := o.conns.SignalingState(from)
	if !ok {
		log.Debug().Str("module", "orch").Str("peer", string(from)).Msg("answer for unknown connection ignored")
		return
	}

	switch state {
	case webrtc.SignalingStateHaveLocalOffer:
		if err := o.conns.SetRemoteDescription(from, answer); err != nil {
			// Invalid state mid-apply: one self-heal attempt, guarded by
			// the connecting-set so retries never pile up.
			log.Error().Err(err).Str("module", "orch").Str("peer", string(from)).Msg("apply answer")
			o.scheduleReconnect(from)
			return
		}
		o.clearConnecting(from)
		log.Info().Str("module", "orch").Str("peer", string(from)).Msg("answer applied")

	case webrtc.SignalingStateStable:
		// Already resolved, e.g. both sides raced and this exchange lost.
		log.Debug().Str("module", "orch").Str("peer", string(from)).Msg("answer in stable ignored")

	case webrtc.SignalingStateHaveRemoteOffer:
		// Crossed with their offer: we are mid-receipt of it; their
		// answer belongs to the exchange we already abandoned.
		log.Debug().Str("module", "orch").Str("peer", string(from)).Msg("crossed answer ignored")

	default:
		log.Warn().Str("module", "orch").Str("peer", string(from)).Str("state", state.String()).Msg("answer in unexpected state, scheduling reconnect")
		o.scheduleReconnect(from)
	}
}

func (o *Orchestrator) handleCandidates(msg core.SignalMessage) {
	from := msg.SenderID
	var cands []webrtc.ICECandidateInit
	if err := json.Unmarshal(msg.Payload, &cands); err != nil {
		log.Error().Err(err).Str("module", "orch").Str("peer", string(from)).Msg("bad candidate payload")
		return
	}
	for _, cand := range cands {
		if err := o.conns.AddICECandidate(from, cand); err != nil {
			log.Error().Err(err).Str("module", "orch").Str("peer", string(from)).Msg("add candidate")
		}
	}
}

// healthy reports a connection state worth preserving.
func (o *Orchestrator) healthy(pid domain.ParticipantID) bool {
	cs, ok := o.conns.ConnectionState(pid)
	if !ok {
		return false
	}
	if cs != webrtc.PeerConnectionStateConnected && cs != webrtc.PeerConnectionStateConnecting && cs != webrtc.PeerConnectionStateNew {
		return false
	}
	ice, ok := o.conns.ICEState(pid)
	if !ok {
		return false
	}
	return ice != webrtc.ICEConnectionStateFailed && ice != webrtc.ICEConnectionStateDisconnected && ice != webrtc.ICEConnectionStateClosed
}

// discardIfDead closes a record whose ICE or connection state marks it
// beyond recovery, clearing the way for a fresh one.
func (o *Orchestrator) discardIfDead(pid domain.ParticipantID) {
	if !o.conns.Has(pid) {
		return
	}
	if o.conns.Usable(pid) && o.healthy(pid) {
		return
	}
	ice, _ := o.conns.ICEState(pid)
	cs, _ := o.conns.ConnectionState(pid)
	iceDead := ice == webrtc.ICEConnectionStateFailed || ice == webrtc.ICEConnectionStateDisconnected || ice == webrtc.ICEConnectionStateClosed
	connDead := cs == webrtc.PeerConnectionStateFailed || cs == webrtc.PeerConnectionStateClosed
	if iceDead || connDead {
		log.Info().Str("module", "orch").Str("peer", string(pid)).Str("ice", ice.String()).Str("conn", cs.String()).Msg("discarding dead connection")
		o.conns.CloseConnection(pid)
	}
}

// markConnecting adds pid to the connecting-set. Returns false when an
// unexpired attempt is already in flight. The entry auto-expires after
// ConnectTimeout regardless of outcome.
func (o *Orchestrator) markConnecting(pid domain.ParticipantID) bool {
	now := time.Now()
	o.mu.Lock()
	if deadline, ok := o.connecting[pid]; ok && now.Before(deadline) {
		o.mu.Unlock()
		return false
	}
	deadline := now.Add(o.opts.ConnectTimeout)
	o.connecting[pid] = deadline
	o.mu.Unlock()

	time.AfterFunc(o.opts.ConnectTimeout, func() {
		if o.ctx.Err() != nil {
			return
		}
		o.mu.Lock()
		d, ok := o.connecting[pid]
		expired := ok && d == deadline
		if expired {
			delete(o.connecting, pid)
		}
		_, stillKnown := o.known[pid]
		o.mu.Unlock()
		if !expired {
			return
		}
		if cs, ok := o.conns.ConnectionState(pid); ok && cs == webrtc.PeerConnectionStateConnected {
			return
		}
		log.Warn().Err(ErrPeerUnreachable).Str("module", "orch").Str("peer", string(pid)).Msg("attempt expired")
		if stillKnown {
			o.scheduleReconnect(pid)
		}
	})
	return true
}

func (o *Orchestrator) isConnecting(pid domain.ParticipantID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	deadline, ok := o.connecting[pid]
	return ok && time.Now().Before(deadline)
}

func (o *Orchestrator) clearConnecting(pid domain.ParticipantID) {
	o.mu.Lock()
	delete(o.connecting, pid)
	o.mu.Unlock()
}

// scheduleReconnect queues a single delayed fresh attempt toward pid,
// unless one is already in flight.
func (o *Orchestrator) scheduleReconnect(pid domain.ParticipantID) {
	if o.isConnecting(pid) {
		return
	}
	log.Info().Str("module", "orch").Str("peer", string(pid)).Dur("delay", o.opts.RetryDelay).Msg("reconnect scheduled")
	go func() {
		select {
		case <-o.ctx.Done():
		case <-time.After(o.opts.RetryDelay):
			o.mu.Lock()
			_, stillKnown := o.known[pid]
			o.mu.Unlock()
			if stillKnown {
				o.Connect(pid)
			}
		}
	}()
}

func (o *Orchestrator) candidateSink(pid domain.ParticipantID) rtc.CandidateSink {
	return func(cands []webrtc.ICECandidateInit) {
		o.send(core.SignalCandidate, pid, cands)
	}
}

// send marshals and fires one relay message. Delivery failures are logged
// and not retried here: the next protocol step (or the connecting-set
// expiry) recovers.
func (o *Orchestrator) send(t core.SignalType, to domain.ParticipantID, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("type", string(t)).Msg("marshal payload")
		return
	}
	msg := core.SignalMessage{
		ID:          uuid.NewString(),
		MeetingID:   o.meeting,
		SenderID:    o.self,
		RecipientID: to,
		Type:        t,
		Payload:     data,
		Timestamp:   time.Now().UTC(),
	}
	if err := o.channel.Send(o.ctx, msg); err != nil {
		log.Error().Err(err).Str("module", "orch").Str("peer", string(to)).Str("type", string(t)).Msg("signal send failed")
	}
}
