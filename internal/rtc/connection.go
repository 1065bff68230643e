package rtc

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
)

// conn is one Connection Record: the pion PeerConnection to a single
// remote participant plus everything that must stay consistent with it:
// the pre-remote-description candidate queue, the local senders, and the
// accumulated remote tracks. All fields behind mu; the Registry is the
// only creator and closer.
type conn struct {
	peerID domain.ParticipantID
	pc     *webrtc.PeerConnection

	batcher *candidateBatcher

	mu                sync.Mutex
	pendingCandidates []webrtc.ICECandidateInit
	remoteSet         bool
	audioSender       *webrtc.RTPSender
	videoSender       *webrtc.RTPSender
	remoteAudio       *webrtc.TrackRemote
	remoteVideo       *webrtc.TrackRemote
	closed            bool
}

// usable reports whether this record can carry a fresh negotiation cycle.
// Failed and closed connections must be discarded, never reused.
func (c *conn) usable() bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()

	switch c.pc.ConnectionState() {
	case webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateFailed:
		return false
	}
	switch c.pc.ICEConnectionState() {
	case webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateClosed:
		return false
	}
	return true
}

// attachLocalTracks adds a sender per live local track, once per kind.
// Called at creation and again lazily before offer/answer in case the
// local stream was not ready the first time.
func (c *conn) attachLocalTracks(tracks []core.LocalTrack) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	for _, t := range tracks {
		isAudio := t.Kind() == core.TrackMicrophone
		if isAudio && c.audioSender != nil {
			continue
		}
		if !isAudio && c.videoSender != nil {
			continue
		}
		sender, err := c.pc.AddTrack(t.Track())
		if err != nil {
			return fmt.Errorf("adding %s track for %s: %w", t.Kind(), c.peerID, err)
		}
		if isAudio {
			c.audioSender = sender
		} else {
			c.videoSender = sender
		}
	}
	return nil
}

// ensureReceivers guarantees the SDP declares receive intent for both
// kinds even when no local track is attached yet.
func (c *conn) ensureReceivers() error {
	have := map[webrtc.RTPCodecType]bool{}
	for _, tr := range c.pc.GetTransceivers() {
		have[tr.Kind()] = true
	}
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if have[kind] {
			continue
		}
		if _, err := c.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("adding %s receiver for %s: %w", kind, c.peerID, err)
		}
	}
	return nil
}

// hasSender reports whether at least one local track is attached.
func (c *conn) hasSender() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.audioSender != nil || c.videoSender != nil
}

// queueOrApply applies the candidate when the remote description is set,
// otherwise queues it per-peer FIFO. Queued candidates are never dropped.
func (c *conn) queueOrApply(cand webrtc.ICECandidateInit) error {
	c.mu.Lock()
	if !c.remoteSet {
		c.pendingCandidates = append(c.pendingCandidates, cand)
		n := len(c.pendingCandidates)
		c.mu.Unlock()
		log.Debug().Str("module", "rtc").Str("peer", string(c.peerID)).Int("queued", n).Msg("candidate queued before remote description")
		return nil
	}
	c.mu.Unlock()
	return c.pc.AddICECandidate(cand)
}

// drainCandidates applies queued candidates in arrival order. Called
// exactly once per successful SetRemoteDescription.
func (c *conn) drainCandidates() {
	c.mu.Lock()
	c.remoteSet = true
	queued := c.pendingCandidates
	c.pendingCandidates = nil
	c.mu.Unlock()

	for _, cand := range queued {
		if err := c.pc.AddICECandidate(cand); err != nil {
			log.Error().Err(err).Str("module", "rtc").Str("peer", string(c.peerID)).Msg("applying queued candidate")
		}
	}
	if len(queued) > 0 {
		log.Debug().Str("module", "rtc").Str("peer", string(c.peerID)).Int("drained", len(queued)).Msg("candidate queue drained")
	}
}

// accumulateRemote records an arriving remote track and returns the
// combined stream view for this peer.
func (c *conn) accumulateRemote(track *webrtc.TrackRemote) core.RemoteStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	if track.Kind() == webrtc.RTPCodecTypeAudio {
		c.remoteAudio = track
	} else {
		c.remoteVideo = track
	}
	return core.RemoteStream{PeerID: c.peerID, Audio: c.remoteAudio, Video: c.remoteVideo}
}

// dropRemote clears accumulated tracks; used when ICE reports media loss.
func (c *conn) dropRemote() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remoteAudio = nil
	c.remoteVideo = nil
}

func (c *conn) remoteStream() (core.RemoteStream, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remoteAudio == nil && c.remoteVideo == nil {
		return core.RemoteStream{}, false
	}
	return core.RemoteStream{PeerID: c.peerID, Audio: c.remoteAudio, Video: c.remoteVideo}, true
}

func (c *conn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.pendingCandidates = nil
	c.remoteAudio = nil
	c.remoteVideo = nil
	c.mu.Unlock()

	c.batcher.Stop()
	if err := c.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("peer", string(c.peerID)).Msg("close error")
	} else {
		log.Info().Str("module", "rtc").Str("peer", string(c.peerID)).Msg("connection closed")
	}
}
