package rtc

import (
	"errors"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/media"
)

const hostCandidate = "candidate:1 1 UDP 2122252543 127.0.0.1 54321 typ host"

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	mgr := media.NewManager(&media.RTPSource{})
	r := NewRegistry(Options{IncludeLoopback: true, BatchWindow: 5 * time.Millisecond, MinSpacing: 5 * time.Millisecond}, mgr)
	t.Cleanup(r.CloseAll)
	return r
}

func newTestRegistryWithMedia(t *testing.T) (*Registry, *media.Manager) {
	t.Helper()
	mgr := media.NewManager(&media.RTPSource{})
	if err := mgr.StartLocalStream(true, true); err != nil {
		t.Fatalf("start local stream: %v", err)
	}
	t.Cleanup(mgr.StopLocalStream)
	r := NewRegistry(Options{IncludeLoopback: true, BatchWindow: 5 * time.Millisecond, MinSpacing: 5 * time.Millisecond}, mgr)
	t.Cleanup(r.CloseAll)
	return r, mgr
}

func discard([]webrtc.ICECandidateInit) {}

func TestCreateConnectionReturnsExistingRecord(t *testing.T) {
	r := newTestRegistry(t)
	peer := domain.ParticipantID("peer-a")

	created, err := r.CreateConnection(peer, discard)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !created {
		t.Fatal("first create must report a fresh record")
	}

	created, err = r.CreateConnection(peer, discard)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if created {
		t.Fatal("second create must reuse the usable record")
	}
	if !r.Has(peer) || !r.Usable(peer) {
		t.Fatal("record should be present and usable")
	}
}

func TestCreateConnectionReplacesClosedRecord(t *testing.T) {
	r := newTestRegistry(t)
	peer := domain.ParticipantID("peer-a")

	if _, err := r.CreateConnection(peer, discard); err != nil {
		t.Fatalf("create: %v", err)
	}
	r.CloseConnection(peer)
	if r.Has(peer) {
		t.Fatal("close must remove the record")
	}

	created, err := r.CreateConnection(peer, discard)
	if err != nil {
		t.Fatalf("recreate: %v", err)
	}
	if !created {
		t.Fatal("recreate after close must be a fresh record")
	}
}

func TestSetRemoteAnswerRejectedInStable(t *testing.T) {
	r := newTestRegistry(t)
	peer := domain.ParticipantID("peer-a")
	if _, err := r.CreateConnection(peer, discard); err != nil {
		t.Fatalf("create: %v", err)
	}

	err := r.SetRemoteDescription(peer, webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"})
	if !errors.Is(err, ErrInvalidSignalingState) {
		t.Fatalf("want ErrInvalidSignalingState, got %v", err)
	}
}

func TestOperationsOnUnknownPeer(t *testing.T) {
	r := newTestRegistry(t)
	ghost := domain.ParticipantID("ghost")

	if _, err := r.CreateOffer(ghost); !errors.Is(err, ErrNoConnection) {
		t.Fatalf("offer: want ErrNoConnection, got %v", err)
	}
	if err := r.SetRemoteDescription(ghost, webrtc.SessionDescription{Type: webrtc.SDPTypeOffer}); !errors.Is(err, ErrNoConnection) {
		t.Fatalf("srd: want ErrNoConnection, got %v", err)
	}
	// Close on an unknown id is a no-op, not a panic.
	r.CloseConnection(ghost)
}

func TestCandidateBeforeRecordIsQueued(t *testing.T) {
	a := newTestRegistry(t)
	b := newTestRegistry(t)
	idA := domain.ParticipantID("a")
	idB := domain.ParticipantID("b")

	if _, err := a.CreateConnection(idB, discard); err != nil {
		t.Fatalf("create a->b: %v", err)
	}
	offer, err := a.CreateOffer(idB)
	if err != nil {
		t.Fatalf("offer: %v", err)
	}

	// Candidate lands at b before any record for a exists. It must be
	// queued, not dropped, and applied after the remote description.
	if err := b.AddICECandidate(idA, webrtc.ICECandidateInit{Candidate: hostCandidate}); err != nil {
		t.Fatalf("orphan candidate: %v", err)
	}

	if _, err := b.CreateConnection(idA, discard); err != nil {
		t.Fatalf("create b->a: %v", err)
	}
	// Still no remote description: a second candidate joins the queue.
	if err := b.AddICECandidate(idA, webrtc.ICECandidateInit{Candidate: hostCandidate}); err != nil {
		t.Fatalf("queued candidate: %v", err)
	}

	if err := b.SetRemoteDescription(idA, offer); err != nil {
		t.Fatalf("apply offer: %v", err)
	}
	if _, err := b.CreateAnswer(idA); err != nil {
		t.Fatalf("answer: %v", err)
	}
}

func TestLoopbackNegotiationConnects(t *testing.T) {
	a, _ := newTestRegistryWithMedia(t)
	b, _ := newTestRegistryWithMedia(t)
	idA := domain.ParticipantID("a")
	idB := domain.ParticipantID("b")

	connectedA := make(chan struct{}, 1)
	connectedB := make(chan struct{}, 1)
	a.OnConnectionState(func(ev core.ConnectionEvent) {
		if ev.State == webrtc.PeerConnectionStateConnected {
			select {
			case connectedA <- struct{}{}:
			default:
			}
		}
	})
	b.OnConnectionState(func(ev core.ConnectionEvent) {
		if ev.State == webrtc.PeerConnectionStateConnected {
			select {
			case connectedB <- struct{}{}:
			default:
			}
		}
	})

	// Candidate sinks feed the opposite registry directly, standing in
	// for the relay.
	if _, err := a.CreateConnection(idB, func(cands []webrtc.ICECandidateInit) {
		for _, c := range cands {
			_ = b.AddICECandidate(idA, c)
		}
	}); err != nil {
		t.Fatalf("create a->b: %v", err)
	}
	if _, err := b.CreateConnection(idA, func(cands []webrtc.ICECandidateInit) {
		for _, c := range cands {
			_ = a.AddICECandidate(idB, c)
		}
	}); err != nil {
		t.Fatalf("create b->a: %v", err)
	}

	offer, err := a.CreateOffer(idB)
	if err != nil {
		t.Fatalf("offer: %v", err)
	}
	if err := b.SetRemoteDescription(idA, offer); err != nil {
		t.Fatalf("apply offer: %v", err)
	}
	answer, err := b.CreateAnswer(idA)
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if err := a.SetRemoteDescription(idB, answer); err != nil {
		t.Fatalf("apply answer: %v", err)
	}

	deadline := time.After(15 * time.Second)
	for i := 0; i < 2; i++ {
		select {
		case <-connectedA:
		case <-connectedB:
		case <-deadline:
			t.Fatal("timed out waiting for loopback connection")
		}
	}

	if st, ok := a.SignalingState(idB); !ok || st != webrtc.SignalingStateStable {
		t.Fatalf("a not stable after negotiation: %v", st)
	}
	if st, ok := b.SignalingState(idA); !ok || st != webrtc.SignalingStateStable {
		t.Fatalf("b not stable after negotiation: %v", st)
	}
}

func TestCloseAllClearsRecords(t *testing.T) {
	r := newTestRegistry(t)
	for _, id := range []domain.ParticipantID{"a", "b", "c"} {
		if _, err := r.CreateConnection(id, discard); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	r.CloseAll()
	for _, id := range []domain.ParticipantID{"a", "b", "c"} {
		if r.Has(id) {
			t.Fatalf("record %s survived CloseAll", id)
		}
	}
	if streams := r.RemoteStreams(); len(streams) != 0 {
		t.Fatalf("streams survived CloseAll: %d", len(streams))
	}
}
