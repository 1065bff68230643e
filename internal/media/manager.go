package media

import (
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Meet/internal/core"
)

// Manager owns the local capture state for one session: at most one
// microphone+camera pair and at most one screen track. Starting or
// stopping screen share swaps the outgoing video track in place on every
// peer connection via the replace hook; signaling state never changes.
type Manager struct {
	source core.TrackSource

	mu     sync.Mutex
	audio  core.LocalTrack
	camera core.LocalTrack
	screen core.LocalTrack

	// replaceSubs receive the new outgoing video track on screen-share
	// start/stop. The registry subscribes and fans the swap out to every
	// live video sender.
	replaceSubs []func(webrtc.TrackLocal)
}

func NewManager(source core.TrackSource) *Manager {
	return &Manager{source: source}
}

// OnVideoReplaced registers a subscriber for outgoing-video swaps.
// Multiple subscribers are supported; registration order is kept.
func (m *Manager) OnVideoReplaced(fn func(webrtc.TrackLocal)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replaceSubs = append(m.replaceSubs, fn)
}

// StartLocalStream acquires microphone and camera. Calling it again without
// stopping replaces the previous stream.
func (m *Manager) StartLocalStream(audioEnabled, videoEnabled bool) error {
	m.stopLocal()

	audio, err := m.source.OpenMicrophone()
	if err != nil {
		return err
	}
	camera, err := m.source.OpenCamera()
	if err != nil {
		audio.Stop()
		return err
	}
	audio.SetEnabled(audioEnabled)
	camera.SetEnabled(videoEnabled)

	m.mu.Lock()
	m.audio = audio
	m.camera = camera
	m.mu.Unlock()

	log.Info().Str("module", "media").Bool("audio", audioEnabled).Bool("video", videoEnabled).Msg("local stream started")
	return nil
}

// StopLocalStream releases microphone and camera. Idempotent.
func (m *Manager) StopLocalStream() {
	m.stopLocal()
	m.StopScreenShare()
}

func (m *Manager) stopLocal() {
	m.mu.Lock()
	audio, camera := m.audio, m.camera
	m.audio, m.camera = nil, nil
	m.mu.Unlock()

	if audio != nil {
		audio.Stop()
	}
	if camera != nil {
		camera.Stop()
	}
}

// ToggleAudio flips the microphone's enabled flag. No renegotiation:
// muting is a track property, not a track removal.
func (m *Manager) ToggleAudio(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.audio != nil {
		m.audio.SetEnabled(enabled)
	}
}

func (m *Manager) ToggleVideo(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.camera != nil {
		m.camera.SetEnabled(enabled)
	}
}

// StartScreenShare acquires a display-capture track and swaps it into
// every outgoing video sender. When the capture ends on its own (native
// "stop sharing"), the swap reverts to the camera automatically.
func (m *Manager) StartScreenShare() error {
	m.mu.Lock()
	if m.screen != nil {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	screen, err := m.source.OpenScreen()
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.screen = screen
	subs := append([]func(webrtc.TrackLocal){}, m.replaceSubs...)
	m.mu.Unlock()

	for _, fn := range subs {
		fn(screen.Track())
	}
	log.Info().Str("module", "media").Msg("screen share started")

	go func() {
		<-screen.Done()
		m.StopScreenShare()
	}()
	return nil
}

// StopScreenShare stops the capture and swaps the camera back in.
// Idempotent.
func (m *Manager) StopScreenShare() {
	m.mu.Lock()
	screen := m.screen
	m.screen = nil
	camera := m.camera
	subs := append([]func(webrtc.TrackLocal){}, m.replaceSubs...)
	m.mu.Unlock()

	if screen == nil {
		return
	}
	screen.Stop()

	if camera != nil {
		for _, fn := range subs {
			fn(camera.Track())
		}
	}
	log.Info().Str("module", "media").Msg("screen share stopped")
}

// IsScreenSharing reports whether a screen track is live.
func (m *Manager) IsScreenSharing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.screen != nil
}

// LiveTracks returns the tracks every new peer connection should send:
// microphone and camera, when acquired.
func (m *Manager) LiveTracks() []core.LocalTrack {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.LocalTrack
	if m.audio != nil {
		out = append(out, m.audio)
	}
	if m.camera != nil {
		out = append(out, m.camera)
	}
	return out
}
