package media

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Meet/internal/core"
)

// RTPSource is a core.TrackSource backed by synthetic RTP pumps. It stands
// in for real capture devices: each opened track is a TrackLocalStaticRTP
// fed by a goroutine at the media clock rate. Production deployments plug
// a device-backed TrackSource behind the same interface.
type RTPSource struct {
	// FailAudio/FailVideo/FailScreen simulate denied device permission.
	FailAudio  bool
	FailVideo  bool
	FailScreen bool
}

func (s *RTPSource) OpenMicrophone() (core.LocalTrack, error) {
	if s.FailAudio {
		return nil, core.ErrDeviceAccess
	}
	return newPumpTrack(core.TrackMicrophone, webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  2,
	}, 20*time.Millisecond)
}

func (s *RTPSource) OpenCamera() (core.LocalTrack, error) {
	if s.FailVideo {
		return nil, core.ErrDeviceAccess
	}
	return newPumpTrack(core.TrackCamera, webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeVP8,
		ClockRate: 90000,
	}, 33*time.Millisecond)
}

func (s *RTPSource) OpenScreen() (core.LocalTrack, error) {
	if s.FailScreen {
		return nil, core.ErrDeviceAccess
	}
	return newPumpTrack(core.TrackScreen, webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeVP8,
		ClockRate: 90000,
	}, 33*time.Millisecond)
}

// pumpTrack implements core.LocalTrack over a TrackLocalStaticRTP.
type pumpTrack struct {
	kind    core.TrackKind
	track   *webrtc.TrackLocalStaticRTP
	enabled atomic.Bool
	done    chan struct{}
	once    sync.Once
}

func newPumpTrack(kind core.TrackKind, codec webrtc.RTPCodecCapability, interval time.Duration) (*pumpTrack, error) {
	streamID := "local"
	if kind == core.TrackScreen {
		streamID = "screen"
	}
	track, err := webrtc.NewTrackLocalStaticRTP(codec, string(kind)+"-"+uuid.NewString(), streamID)
	if err != nil {
		return nil, err
	}
	t := &pumpTrack{kind: kind, track: track, done: make(chan struct{})}
	t.enabled.Store(true)
	go t.loop(interval, uint32(codec.ClockRate)/uint32(time.Second/interval))
	return t, nil
}

func (t *pumpTrack) loop(interval time.Duration, tsStep uint32) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var seq uint16
	var ts uint32
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			seq++
			ts += tsStep
			if !t.enabled.Load() {
				continue
			}
			pkt := &rtp.Packet{
				Header: rtp.Header{
					Version:        2,
					SequenceNumber: seq,
					Timestamp:      ts,
				},
				Payload: make([]byte, 16),
			}
			if err := t.track.WriteRTP(pkt); err != nil {
				log.Debug().Err(err).Str("module", "media").Str("kind", string(t.kind)).Msg("pump write")
				return
			}
		}
	}
}

func (t *pumpTrack) Track() webrtc.TrackLocal { return t.track }
func (t *pumpTrack) Kind() core.TrackKind { return t.kind }
func (t *pumpTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }
func (t *pumpTrack) Enabled() bool { return t.enabled.Load() }
func (t *pumpTrack) Done() <-chan struct{} { return t.done }

func (t *pumpTrack) Stop() {
	t.once.Do(func() { close(t.done) })
}
