package rtc

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/media"
)

// ErrInvalidSignalingState reports an offer or answer that the local state
// machine cannot legally accept. The caller is expected to reset the
// connection rather than apply the description blindly.
var ErrInvalidSignalingState = errors.New("invalid signaling state")

// ErrNoConnection reports an operation against a peer with no record.
var ErrNoConnection = errors.New("no connection for peer")

// CandidateSink receives batched local ICE candidates for one peer.
type CandidateSink func(cands []webrtc.ICECandidateInit)

// Options configure a Registry instance.
type Options struct {
	STUNServers []string
	// IncludeLoopback admits loopback ICE candidates; required for
	// same-machine peers and test environments.
	IncludeLoopback bool

	// BatchWindow and MinSpacing shape local candidate batching.
	// Zero values fall back to 50ms / 100ms.
	BatchWindow time.Duration
	MinSpacing  time.Duration
	Clock       Clock
}

// Registry owns every Connection Record of one session. It is the only
// component allowed to create, mutate, or close them, and it holds at most
// one live record per remote participant.
type Registry struct {
	opts  Options
	api   *webrtc.API
	local *media.Manager

	emitter

	mu    sync.Mutex
	conns map[domain.ParticipantID]*conn
	// orphans queues candidates that arrive before any record exists for
	// the peer; they seed the record's queue at creation time.
	orphans map[domain.ParticipantID][]webrtc.ICECandidateInit
}

func NewRegistry(opts Options, local *media.Manager) *Registry {
	if opts.BatchWindow == 0 {
		opts.BatchWindow = 50 * time.Millisecond
	}
	if opts.MinSpacing == 0 {
		opts.MinSpacing = 100 * time.Millisecond
	}

	settingEngine := webrtc.SettingEngine{}
	if opts.IncludeLoopback {
		settingEngine.SetIncludeLoopbackCandidate(true)
	}

	r := &Registry{
		opts:    opts,
		api:     webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine)),
		local:   local,
		conns:   make(map[domain.ParticipantID]*conn),
		orphans: make(map[domain.ParticipantID][]webrtc.ICECandidateInit),
	}
	// Screen-share swaps reach every live video sender through here.
	local.OnVideoReplaced(r.ReplaceVideoTrack)
	return r
}

// OnRemoteStreams subscribes to combined remote stream updates.
func (r *Registry) OnRemoteStreams(fn func([]core.RemoteStream)) { r.onRemoteStreams(fn) }

// OnConnectionState subscribes to per-peer state transitions.
func (r *Registry) OnConnectionState(fn func(core.ConnectionEvent)) { r.onConnectionState(fn) }

// CreateConnection returns the record for peerID, creating one when none
// usable exists. created is false on idempotent reuse; the caller must
// check it before assuming a fresh negotiation cycle. The sink receives
// batched local candidates for the record's whole lifetime.
func (r *Registry) CreateConnection(peerID domain.ParticipantID, sink CandidateSink) (created bool, err error) {
	for {
		r.mu.Lock()
		existing, ok := r.conns[peerID]
		if !ok {
			break
		}
		if existing.usable() {
			r.mu.Unlock()
			return false, nil
		}
		// Stale or failed record: close and remove before creating anew.
		delete(r.conns, peerID)
		r.mu.Unlock()
		existing.close()
	}

	var cfg webrtc.Configuration
	if len(r.opts.STUNServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: r.opts.STUNServers}}
	}
	pc, err := r.api.NewPeerConnection(cfg)
	if err != nil {
		r.mu.Unlock()
		return false, fmt.Errorf("creating peer connection for %s: %w", peerID, err)
	}

	c := &conn{peerID: peerID, pc: pc}
	c.batcher = newCandidateBatcher(r.opts.BatchWindow, r.opts.MinSpacing, r.opts.Clock, sink)
	// Candidates that raced ahead of the record seed its queue in their
	// original arrival order.
	c.pendingCandidates = r.orphans[peerID]
	delete(r.orphans, peerID)
	r.conns[peerID] = c
	r.mu.Unlock()

	if err := c.attachLocalTracks(r.local.LiveTracks()); err != nil {
		r.CloseConnection(peerID)
		return false, err
	}
	r.wire(c)

	log.Info().Str("module", "rtc").Str("peer", string(peerID)).Msg("connection created")
	return true, nil
}

// wire registers the pion handlers for one record.
func (r *Registry) wire(c *conn) {
	peerID := c.peerID
	pc := c.pc

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			c.batcher.Add(nil)
			return
		}
		init := cand.ToJSON()
		c.batcher.Add(&init)
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "rtc").
			Str("peer", string(peerID)).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Msg("remote track arrived")
		c.accumulateRemote(track)
		r.emitStreams(r.RemoteStreams())
	})

	pc.OnSignalingStateChange(func(s webrtc.SignalingState) {
		log.Debug().Str("module", "rtc").Str("peer", string(peerID)).Str("signaling_state", s.String()).Msg("signaling state")
		r.emitConnection(r.snapshotEvent(c))
	})

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "rtc").Str("peer", string(peerID)).Str("ice_state", s.String()).Msg("ICE state")
		if s == webrtc.ICEConnectionStateFailed ||
			s == webrtc.ICEConnectionStateDisconnected ||
			s == webrtc.ICEConnectionStateClosed {
			// Media-loss signal: drop the peer's stream entry even if the
			// connection object is not yet closed.
			c.dropRemote()
			r.emitStreams(r.RemoteStreams())
		}
		r.emitConnection(r.snapshotEvent(c))
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("peer", string(peerID)).Str("peer_connection_state", s.String()).Msg("peer state")
		r.emitConnection(r.snapshotEvent(c))
	})
}

func (r *Registry) snapshotEvent(c *conn) core.ConnectionEvent {
	return core.ConnectionEvent{
		PeerID:         c.peerID,
		SignalingState: c.pc.SignalingState(),
		ICEState:       c.pc.ICEConnectionState(),
		State:          c.pc.ConnectionState(),
	}
}

func (r *Registry) get(peerID domain.ParticipantID) (*conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[peerID]
	return c, ok
}

// CreateOffer produces and locally applies an SDP offer for peerID. Local
// tracks are attached lazily first in case the stream was not ready at
// connection-creation time.
func (r *Registry) CreateOffer(peerID domain.ParticipantID) (webrtc.SessionDescription, error) {
	return r.describe(peerID, true)
}

// CreateAnswer produces and locally applies an SDP answer for peerID.
func (r *Registry) CreateAnswer(peerID domain.ParticipantID) (webrtc.SessionDescription, error) {
	return r.describe(peerID, false)
}

func (r *Registry) describe(peerID domain.ParticipantID, offer bool) (webrtc.SessionDescription, error) {
	c, ok := r.get(peerID)
	if !ok {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: %s", ErrNoConnection, peerID)
	}

	if !c.hasSender() {
		if err := c.attachLocalTracks(r.local.LiveTracks()); err != nil {
			return webrtc.SessionDescription{}, err
		}
	}
	if err := c.ensureReceivers(); err != nil {
		return webrtc.SessionDescription{}, err
	}

	var desc webrtc.SessionDescription
	var err error
	if offer {
		desc, err = c.pc.CreateOffer(nil)
	} else {
		desc, err = c.pc.CreateAnswer(nil)
	}
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("describing %s: %w", peerID, err)
	}
	if err := c.pc.SetLocalDescription(desc); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("setting local description for %s: %w", peerID, err)
	}
	return desc, nil
}

// SetRemoteDescription validates the transition, applies the description
// and drains any candidates queued while the remote description was
// absent. Illegal transitions fail with ErrInvalidSignalingState.
func (r *Registry) SetRemoteDescription(peerID domain.ParticipantID, desc webrtc.SessionDescription) error {
	c, ok := r.get(peerID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoConnection, peerID)
	}

	state := c.pc.SignalingState()
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		// Acceptable in stable, or in have-local-offer (glare) where the
		// caller resolves by resetting the record.
		if state != webrtc.SignalingStateStable && state != webrtc.SignalingStateHaveLocalOffer {
			return fmt.Errorf("%w: offer in %s for %s", ErrInvalidSignalingState, state, peerID)
		}
	case webrtc.SDPTypeAnswer:
		if state != webrtc.SignalingStateHaveLocalOffer {
			return fmt.Errorf("%w: answer in %s for %s", ErrInvalidSignalingState, state, peerID)
		}
	}

	if err := c.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("%w: %s for %s: %v", ErrInvalidSignalingState, desc.Type, peerID, err)
	}
	c.drainCandidates()
	return nil
}

// AddICECandidate applies or queues a remote candidate. Candidates ahead
// of the record or of its remote description are queued per-peer FIFO and
// drained in arrival order once both exist; nothing is dropped.
func (r *Registry) AddICECandidate(peerID domain.ParticipantID, cand webrtc.ICECandidateInit) error {
	r.mu.Lock()
	c, ok := r.conns[peerID]
	if !ok {
		r.orphans[peerID] = append(r.orphans[peerID], cand)
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()
	return c.queueOrApply(cand)
}

// ReplaceVideoTrack swaps the outgoing video track in place on every live
// record. No renegotiation: the swap is a transceiver-level operation and
// signaling state stays stable throughout.
func (r *Registry) ReplaceVideoTrack(track webrtc.TrackLocal) {
	r.mu.Lock()
	conns := make([]*conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	for _, c := range conns {
		c.mu.Lock()
		sender := c.videoSender
		c.mu.Unlock()
		if sender == nil {
			continue
		}
		if err := sender.ReplaceTrack(track); err != nil {
			log.Error().Err(err).Str("module", "rtc").Str("peer", string(c.peerID)).Msg("replace video track")
		}
	}
}

// CloseConnection closes and removes the record for peerID. Safe to call
// on an unknown id.
func (r *Registry) CloseConnection(peerID domain.ParticipantID) {
	r.mu.Lock()
	c, ok := r.conns[peerID]
	if ok {
		delete(r.conns, peerID)
	}
	delete(r.orphans, peerID)
	r.mu.Unlock()
	if !ok {
		return
	}
	c.close()
	r.emitStreams(r.RemoteStreams())
}

// CloseAll tears down every record; used on session leave.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[domain.ParticipantID]*conn)
	r.orphans = make(map[domain.ParticipantID][]webrtc.ICECandidateInit)
	r.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	r.emitStreams(nil)
}

// Has reports whether any record (usable or not) exists for peerID.
func (r *Registry) Has(peerID domain.ParticipantID) bool {
	_, ok := r.get(peerID)
	return ok
}

// Usable reports whether a non-failed, non-closed record exists.
func (r *Registry) Usable(peerID domain.ParticipantID) bool {
	c, ok := r.get(peerID)
	return ok && c.usable()
}

// SignalingState returns the record's signaling state.
func (r *Registry) SignalingState(peerID domain.ParticipantID) (webrtc.SignalingState, bool) {
	c, ok := r.get(peerID)
	if !ok {
		return webrtc.SignalingStateStable, false
	}
	return c.pc.SignalingState(), true
}

// ICEState returns the record's ICE connection state.
func (r *Registry) ICEState(peerID domain.ParticipantID) (webrtc.ICEConnectionState, bool) {
	c, ok := r.get(peerID)
	if !ok {
		return webrtc.ICEConnectionStateClosed, false
	}
	return c.pc.ICEConnectionState(), true
}

// ConnectionState returns the record's overall connection state.
func (r *Registry) ConnectionState(peerID domain.ParticipantID) (webrtc.PeerConnectionState, bool) {
	c, ok := r.get(peerID)
	if !ok {
		return webrtc.PeerConnectionStateClosed, false
	}
	return c.pc.ConnectionState(), true
}

// RemoteStreams returns the combined stream per remote participant that
// currently has media.
func (r *Registry) RemoteStreams() []core.RemoteStream {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]core.RemoteStream, 0, len(r.conns))
	for _, c := range r.conns {
		if s, ok := c.remoteStream(); ok {
			out = append(out, s)
		}
	}
	return out
}
