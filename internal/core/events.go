package core

import (
	"github.com/dkeye/Meet/internal/domain"
	"github.com/pion/webrtc/v4"
)

// RemoteStream is the combined media view of one remote participant.
// Audio and video arrive as separate track events; the registry assembles
// them here so the presentation layer sees a single object per peer.
type RemoteStream struct {
	PeerID domain.ParticipantID
	Audio  *webrtc.TrackRemote
	Video  *webrtc.TrackRemote
}

// ConnectionEvent reports a per-peer state transition.
type ConnectionEvent struct {
	PeerID         domain.ParticipantID
	SignalingState webrtc.SignalingState
	ICEState       webrtc.ICEConnectionState
	State          webrtc.PeerConnectionState
}
