package core

import (
	"errors"

	"github.com/pion/webrtc/v4"
)

var ErrDeviceAccess = errors.New("device access denied or unavailable")

// TrackKind distinguishes what a TrackSource captures.
type TrackKind string

const (
	TrackMicrophone TrackKind = "microphone"
	TrackCamera     TrackKind = "camera"
	TrackScreen     TrackKind = "screen"
)

// LocalTrack pairs a pion local track with its capture pump. Done is closed
// when the source ends on its own (e.g. the user hits the native
// "stop sharing" affordance); Stop ends the pump and releases the device.
type LocalTrack interface {
	Track() webrtc.TrackLocal
	Kind() TrackKind
	// SetEnabled pauses/resumes the pump. A disabled track keeps its
	// sender; muting is a local property, not a renegotiation.
	SetEnabled(enabled bool)
	Enabled() bool
	Done() <-chan struct{}
	Stop()
}

// TrackSource acquires capture devices. Implementations return
// ErrDeviceAccess when permission is denied or no device exists.
type TrackSource interface {
	OpenMicrophone() (LocalTrack, error)
	// OpenCamera captures at an ideal 1280x720.
	OpenCamera() (LocalTrack, error)
	OpenScreen() (LocalTrack, error)
}
