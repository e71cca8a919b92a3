package broadcast

import (
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/syncplay/internal/peer"
	"github.com/mossy-p/syncplay/internal/peer/peertest"
)

type fakeStream struct {
	tracks  []webrtc.TrackLocal
	stopped int
}

func (s *fakeStream) Tracks() []webrtc.TrackLocal { return s.tracks }
func (s *fakeStream) Stop()                       { s.stopped++ }

func newAudioStream(t *testing.T) *fakeStream {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "test",
	)
	if err != nil {
		t.Fatalf("new track: %v", err)
	}
	return &fakeStream{tracks: []webrtc.TrackLocal{track}}
}

type fixture struct {
	factory  *peertest.Factory
	signaler *peertest.Signaler
	watchdog *peer.Watchdog
	counts   []int
	manager  *Manager
}

func newFixture() *fixture {
	f := &fixture{
		factory:  peertest.NewFactory(),
		signaler: peertest.NewSignaler(),
	}
	f.watchdog = peer.NewWatchdog(peer.NewTable(), func(n int) { f.counts = append(f.counts, n) }, nil)
	f.manager = New(Config{Factory: f.factory, Signaler: f.signaler, Watchdog: f.watchdog})
	f.manager.SetLocalID("host")
	return f
}

func TestManager_NoSessionsWithoutCapture(t *testing.T) {
	f := newFixture()
	if err := f.manager.PeerJoined("a"); err != nil {
		t.Fatalf("peer joined: %v", err)
	}
	if f.manager.PeerCount() != 0 || f.factory.Len() != 0 {
		t.Fatalf("session created without capture")
	}
	if got := f.manager.Members(); len(got) != 1 || got[0] != "a" {
		t.Fatalf("members = %v", got)
	}
}

func TestManager_OneSessionPerJoinedMember(t *testing.T) {
	f := newFixture()
	stream := newAudioStream(t)
	if err := f.manager.StartCapture(stream); err != nil {
		t.Fatalf("start capture: %v", err)
	}

	for _, id := range []string{"a", "b", "a", "host"} {
		if err := f.manager.PeerJoined(id); err != nil {
			t.Fatalf("peer joined %s: %v", id, err)
		}
	}
	if f.manager.PeerCount() != 2 {
		t.Fatalf("peer count = %d, want 2", f.manager.PeerCount())
	}
	offers := f.signaler.OfType("offer")
	if len(offers) != 2 || offers[0].To != "a" || offers[1].To != "b" {
		t.Fatalf("offers = %+v", offers)
	}
	for _, tr := range f.factory.Transports() {
		if len(tr.Tracks()) != 1 {
			t.Fatalf("transport tracks = %d, want 1", len(tr.Tracks()))
		}
	}
	if last := f.counts[len(f.counts)-1]; last != 2 {
		t.Fatalf("reported count = %d", last)
	}
}

func TestManager_LateStartOffersExistingMembers(t *testing.T) {
	f := newFixture()
	_ = f.manager.PeerJoined("a")
	_ = f.manager.PeerJoined("b")

	if err := f.manager.StartCapture(newAudioStream(t)); err != nil {
		t.Fatalf("start capture: %v", err)
	}
	if f.manager.PeerCount() != 2 || len(f.signaler.OfType("offer")) != 2 {
		t.Fatalf("late start did not offer to existing members")
	}
}

func TestManager_CaptureWithoutAudio(t *testing.T) {
	f := newFixture()
	good := newAudioStream(t)
	if err := f.manager.StartCapture(good); err != nil {
		t.Fatalf("start capture: %v", err)
	}
	_ = f.manager.PeerJoined("a")

	if err := f.manager.StartCapture(nil); !errors.Is(err, ErrNoAudioTrack) {
		t.Fatalf("nil stream err = %v, want ErrNoAudioTrack", err)
	}
	if err := f.manager.StartCapture(&fakeStream{}); !errors.Is(err, ErrNoAudioTrack) {
		t.Fatalf("silent stream err = %v, want ErrNoAudioTrack", err)
	}
	if f.manager.PeerCount() != 1 || good.stopped != 0 || !f.manager.Capturing() {
		t.Fatalf("failed capture disturbed existing sessions")
	}
}

func TestManager_PeerLeftClosesSession(t *testing.T) {
	f := newFixture()
	_ = f.manager.StartCapture(newAudioStream(t))
	_ = f.manager.PeerJoined("a")
	_ = f.manager.PeerJoined("b")

	f.manager.PeerLeft("a")
	if f.manager.PeerCount() != 1 {
		t.Fatalf("peer count = %d, want 1", f.manager.PeerCount())
	}
	if !f.factory.Transports()[0].Closed() {
		t.Fatalf("session transport for a not closed")
	}
	if got := f.manager.Members(); len(got) != 1 || got[0] != "b" {
		t.Fatalf("members = %v", got)
	}
	// Unknown peers are ignored.
	f.manager.PeerLeft("zzz")
}

func TestManager_StopCaptureClearsMapping(t *testing.T) {
	f := newFixture()
	stream := newAudioStream(t)
	_ = f.manager.StartCapture(stream)
	_ = f.manager.PeerJoined("a")
	_ = f.manager.PeerJoined("b")

	if err := f.manager.StopCapture(); err != nil {
		t.Fatalf("stop capture: %v", err)
	}
	if f.manager.PeerCount() != 0 || f.watchdog.Table().Len() != 0 {
		t.Fatalf("sessions remain after stop")
	}
	if stream.stopped != 1 {
		t.Fatalf("stream stopped %d times", stream.stopped)
	}
	for _, tr := range f.factory.Transports() {
		if !tr.Closed() {
			t.Fatalf("transport left open")
		}
	}
	byes := f.signaler.OfType("bye")
	if len(byes) != 2 {
		t.Fatalf("byes = %+v, want one per member", byes)
	}
	if err := f.manager.StopCapture(); !errors.Is(err, ErrNotCapturing) {
		t.Fatalf("second stop err = %v", err)
	}

	// Members are remembered; a new capture offers again.
	if err := f.manager.StartCapture(newAudioStream(t)); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if f.manager.PeerCount() != 2 {
		t.Fatalf("peer count after restart = %d", f.manager.PeerCount())
	}
}

func TestManager_AnswerAndCandidateRouting(t *testing.T) {
	f := newFixture()
	_ = f.manager.StartCapture(newAudioStream(t))
	_ = f.manager.PeerJoined("a")

	cand := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 10.0.0.2 4000 typ host"}
	if err := f.manager.HandleCandidate("a", cand); err != nil {
		t.Fatalf("early candidate: %v", err)
	}
	if err := f.manager.HandleAnswer("a", "answer"); err != nil {
		t.Fatalf("answer: %v", err)
	}
	tr := f.factory.Last()
	if tr.Remote() == nil || len(tr.Candidates()) != 1 {
		t.Fatalf("answer or candidate not applied")
	}
	if err := f.manager.HandleAnswer("a", "again"); !errors.Is(err, peer.ErrRenegotiation) {
		t.Fatalf("second answer err = %v", err)
	}
	if err := f.manager.HandleAnswer("ghost", "x"); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("unknown answer err = %v", err)
	}
	if err := f.manager.HandleCandidate("ghost", cand); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("unknown candidate err = %v", err)
	}
}

func TestManager_FailedSessionReleased(t *testing.T) {
	f := newFixture()
	_ = f.manager.StartCapture(newAudioStream(t))
	_ = f.manager.PeerJoined("a")

	f.factory.Last().EmitState(webrtc.PeerConnectionStateFailed)
	if f.manager.PeerCount() != 0 {
		t.Fatalf("failed session still counted")
	}
}

func TestManager_ResetKeepsCapture(t *testing.T) {
	f := newFixture()
	stream := newAudioStream(t)
	_ = f.manager.StartCapture(stream)
	_ = f.manager.PeerJoined("a")

	f.manager.Reset()
	if f.manager.PeerCount() != 0 || len(f.manager.Members()) != 0 {
		t.Fatalf("reset left state behind")
	}
	if !f.manager.Capturing() || stream.stopped != 0 {
		t.Fatalf("reset stopped capture")
	}

	f.manager.Close()
	if f.manager.Capturing() || stream.stopped != 1 {
		t.Fatalf("close did not stop capture")
	}
}

func TestManager_RestartSwapsTracksInPlace(t *testing.T) {
	f := newFixture()
	first := newAudioStream(t)
	_ = f.manager.StartCapture(first)
	_ = f.manager.PeerJoined("a")
	_ = f.manager.HandleAnswer("a", "answer")

	second := newAudioStream(t)
	if err := f.manager.StartCapture(second); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if f.factory.Len() != 1 || len(f.signaler.OfType("offer")) != 1 {
		t.Fatalf("restart renegotiated instead of swapping tracks")
	}
	if got := f.factory.Last().Tracks(); len(got) != 1 || got[0] != second.tracks[0] {
		t.Fatalf("transport still carries the old track")
	}
	if first.stopped != 1 || second.stopped != 0 {
		t.Fatalf("stopped first=%d second=%d", first.stopped, second.stopped)
	}
	if len(f.signaler.OfType("bye")) != 0 || f.manager.PeerCount() != 1 {
		t.Fatalf("restart hung up a live session")
	}
}

func TestManager_RestartFallsBackToNewOffer(t *testing.T) {
	f := newFixture()
	f.factory.FailReplace = errors.New("codec mismatch")
	_ = f.manager.StartCapture(newAudioStream(t))
	_ = f.manager.PeerJoined("a")

	if err := f.manager.StartCapture(newAudioStream(t)); err != nil {
		t.Fatalf("restart: %v", err)
	}
	sent := f.signaler.Sent()
	if len(sent) != 3 || sent[0].Type != "offer" || sent[1].Type != "bye" || sent[2].Type != "offer" {
		t.Fatalf("sent = %+v, want offer, bye, offer", sent)
	}
	if f.factory.Len() != 2 || !f.factory.Transports()[0].Closed() {
		t.Fatalf("old session not replaced")
	}
	if f.manager.PeerCount() != 1 {
		t.Fatalf("peer count = %d, want 1", f.manager.PeerCount())
	}
}
