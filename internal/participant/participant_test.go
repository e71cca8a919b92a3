package participant

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/syncplay/config"
	"github.com/mossy-p/syncplay/internal/broadcast"
	"github.com/mossy-p/syncplay/internal/handlers"
	"github.com/mossy-p/syncplay/internal/media"
	"github.com/mossy-p/syncplay/internal/metrics"
	"github.com/mossy-p/syncplay/internal/models"
	"github.com/mossy-p/syncplay/internal/peer"
	"github.com/mossy-p/syncplay/internal/peer/peertest"
	"github.com/mossy-p/syncplay/internal/registry"
)

const testCode = "ABC123"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRelay(t *testing.T) (string, *handlers.Hub) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	m := metrics.New()
	hub := handlers.NewHub(registry.New(), handlers.WithMetrics(m), handlers.WithLogger(discardLogger()))
	cfg := &config.Config{Environment: "test", AllowedOrigins: []string{"*"}, JWTSecret: "test"}
	ts := httptest.NewServer(handlers.NewRouter(cfg, hub, m))
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/signal", hub
}

type running struct {
	*Participant
	factory *peertest.Factory
	cancel  context.CancelFunc
	exited  chan struct{}
	err     error
}

// stop cancels Run and returns its result.
func (r *running) stop() error {
	r.cancel()
	<-r.exited
	return r.err
}

// wait returns Run's result once it exits on its own.
func (r *running) wait(t *testing.T, d time.Duration) error {
	t.Helper()
	select {
	case <-r.exited:
		return r.err
	case <-time.After(d):
		t.Fatalf("run did not return within %s", d)
		return nil
	}
}

func start(t *testing.T, url string, role Role) *running {
	t.Helper()
	factory := peertest.NewFactory()
	p, err := Dial(context.Background(), Config{
		URL:     url,
		Role:    role,
		Factory: factory,
		Logger:  discardLogger(),
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &running{Participant: p, factory: factory, cancel: cancel, exited: make(chan struct{})}
	go func() {
		r.err = p.Run(ctx)
		close(r.exited)
	}()
	t.Cleanup(func() { _ = r.stop() })
	return r
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func newStream(t *testing.T) *media.SilenceStream {
	t.Helper()
	s, err := media.NewSilenceStream("test")
	if err != nil {
		t.Fatalf("new stream: %v", err)
	}
	return s
}

// connectPair brings a host and a receiver to the point where the host's
// offer has been answered.
func connectPair(t *testing.T, url string) (host, receiver *running) {
	t.Helper()
	host = start(t, url, RoleHost)
	receiver = start(t, url, RoleReceiver)

	if err := host.Join(testCode); err != nil {
		t.Fatalf("host join: %v", err)
	}
	if err := host.StartBroadcast(newStream(t)); err != nil {
		t.Fatalf("start broadcast: %v", err)
	}
	waitFor(t, "host room count", func() bool { return host.RoomCount() == 1 })

	if err := receiver.Join(testCode); err != nil {
		t.Fatalf("receiver join: %v", err)
	}
	waitFor(t, "answer applied by host", func() bool {
		tr := host.factory.Last()
		return tr != nil && tr.Remote() != nil
	})
	return host, receiver
}

func TestParticipants_HostOffersToJoiningReceiver(t *testing.T) {
	url, _ := newRelay(t)
	host, receiver := connectPair(t, url)

	if host.factory.Len() != 1 || receiver.factory.Len() != 1 {
		t.Fatalf("transports host=%d receiver=%d, want 1 each", host.factory.Len(), receiver.factory.Len())
	}
	if remote := receiver.factory.Last().Remote(); remote.Type != webrtc.SDPTypeOffer || remote.SDP != host.factory.Last().Local().SDP {
		t.Fatalf("receiver applied %+v", remote)
	}
	if remote := host.factory.Last().Remote(); remote.Type != webrtc.SDPTypeAnswer || remote.SDP != receiver.factory.Last().Local().SDP {
		t.Fatalf("host applied %+v", remote)
	}
	if len(host.factory.Last().Tracks()) != 1 {
		t.Fatalf("host transport has no audio track")
	}
	waitFor(t, "room counts", func() bool { return host.RoomCount() == 2 && receiver.RoomCount() == 2 })
	if host.PeerCount() != 1 || receiver.PeerCount() != 1 {
		t.Fatalf("peer counts host=%d receiver=%d", host.PeerCount(), receiver.PeerCount())
	}

	// Candidates are relayed verbatim in both directions.
	fromReceiver := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 10.0.0.2 4000 typ host"}
	receiver.factory.Last().EmitCandidate(fromReceiver)
	waitFor(t, "candidate at host", func() bool {
		got := host.factory.Last().Candidates()
		return len(got) == 1 && got[0].Candidate == fromReceiver.Candidate
	})
	fromHost := webrtc.ICECandidateInit{Candidate: "candidate:2 1 udp 2130706431 10.0.0.1 5000 typ host"}
	host.factory.Last().EmitCandidate(fromHost)
	waitFor(t, "candidate at receiver", func() bool {
		got := receiver.factory.Last().Candidates()
		return len(got) == 1 && got[0].Candidate == fromHost.Candidate
	})

	receiver.factory.Last().EmitState(webrtc.PeerConnectionStateConnected)
	waitFor(t, "receiver connected", func() bool {
		s, ok := receiver.watchdog.Table().Get(host.ID())
		return ok && s.State() == peer.StateConnected
	})

	// Receiver disconnects: the host tears its session down.
	if err := receiver.stop(); !errors.Is(err, context.Canceled) {
		t.Fatalf("run returned %v", err)
	}
	if !receiver.factory.Last().Closed() {
		t.Fatalf("receiver transport left open")
	}
	waitFor(t, "host teardown", func() bool {
		return host.PeerCount() == 0 && host.factory.Last().Closed() && host.RoomCount() == 1
	})
}

func TestParticipants_LateStartOffersExistingMembers(t *testing.T) {
	url, _ := newRelay(t)
	host := start(t, url, RoleHost)
	receiver := start(t, url, RoleReceiver)

	if err := host.Join(testCode); err != nil {
		t.Fatalf("host join: %v", err)
	}
	waitFor(t, "host joined", func() bool { return host.RoomCount() == 1 })
	if err := receiver.Join(testCode); err != nil {
		t.Fatalf("receiver join: %v", err)
	}
	waitFor(t, "both joined", func() bool { return host.RoomCount() == 2 })
	if host.factory.Len() != 0 {
		t.Fatalf("session created before capture")
	}

	if err := host.StartBroadcast(newStream(t)); err != nil {
		t.Fatalf("start broadcast: %v", err)
	}
	waitFor(t, "receiver answered", func() bool {
		tr := host.factory.Last()
		return tr != nil && tr.Remote() != nil
	})

	if err := host.StopBroadcast(); err != nil {
		t.Fatalf("stop broadcast: %v", err)
	}
	if host.PeerCount() != 0 || !host.factory.Last().Closed() {
		t.Fatalf("stop broadcast left sessions")
	}
}

type rawPeer struct {
	t    *testing.T
	conn *websocket.Conn
	id   string
}

func dialRaw(t *testing.T, url string) *rawPeer {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	var welcome models.SignalMessage
	if err := conn.ReadJSON(&welcome); err != nil {
		t.Fatalf("read welcome: %v", err)
	}
	return &rawPeer{t: t, conn: conn, id: welcome.PeerID}
}

func (r *rawPeer) send(msg models.SignalMessage) {
	r.t.Helper()
	if err := r.conn.WriteJSON(msg); err != nil {
		r.t.Fatalf("write: %v", err)
	}
}

func (r *rawPeer) candidate(to, cand string) {
	r.t.Helper()
	raw, _ := json.Marshal(webrtc.ICECandidateInit{Candidate: cand})
	r.send(models.SignalMessage{Type: models.SignalTypeCandidate, To: to, Candidate: raw})
}

func TestParticipant_ReceiverBuffersEarlyCandidatesAndRejectsRenegotiation(t *testing.T) {
	url, _ := newRelay(t)
	host := dialRaw(t, url)
	host.send(models.SignalMessage{Type: models.SignalTypeJoin, Session: testCode})

	receiver := start(t, url, RoleReceiver)
	if err := receiver.Join(testCode); err != nil {
		t.Fatalf("join: %v", err)
	}
	waitFor(t, "receiver joined", func() bool { return receiver.RoomCount() == 2 })

	host.candidate(receiver.ID(), "early")
	host.send(models.SignalMessage{Type: models.SignalTypeOffer, To: receiver.ID(), SDP: "offer-1"})
	waitFor(t, "offer answered", func() bool {
		tr := receiver.factory.Last()
		return tr != nil && tr.Remote() != nil && len(tr.Candidates()) == 1
	})
	if got := receiver.factory.Last().Candidates()[0].Candidate; got != "early" {
		t.Fatalf("buffered candidate = %q", got)
	}

	host.send(models.SignalMessage{Type: models.SignalTypeOffer, To: receiver.ID(), SDP: "offer-2"})
	host.candidate(receiver.ID(), "late")
	waitFor(t, "second candidate", func() bool { return len(receiver.factory.Last().Candidates()) == 2 })

	if receiver.factory.Len() != 1 {
		t.Fatalf("renegotiation created %d transports", receiver.factory.Len())
	}
	if remote := receiver.factory.Last().Remote(); remote.SDP != "offer-1" {
		t.Fatalf("second offer overwrote the first: %q", remote.SDP)
	}
	if receiver.PeerCount() != 1 {
		t.Fatalf("peer count = %d", receiver.PeerCount())
	}

	// The offering side vanishing tears the receiver's session down.
	_ = host.conn.Close()
	waitFor(t, "receiver teardown", func() bool {
		return receiver.PeerCount() == 0 && receiver.factory.Last().Closed()
	})
}

func TestParticipant_LeaveTearsDownSessions(t *testing.T) {
	url, _ := newRelay(t)
	host, receiver := connectPair(t, url)

	if err := receiver.Leave(); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if receiver.PeerCount() != 0 || !receiver.factory.Last().Closed() || receiver.RoomCount() != 0 {
		t.Fatalf("receiver kept state after leave")
	}
	waitFor(t, "host notices leave", func() bool { return host.PeerCount() == 0 && host.RoomCount() == 1 })

	if err := receiver.Leave(); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("second leave err = %v, want ErrNotJoined", err)
	}
}

func TestParticipant_SessionErrorSurfaced(t *testing.T) {
	url, hub := newRelay(t)
	host, receiver := connectPair(t, url)

	if n := hub.Evict(testCode, "session closed by operator"); n != 2 {
		t.Fatalf("evicted %d, want 2", n)
	}
	for _, p := range []*running{host, receiver} {
		p := p
		waitFor(t, "session error", func() bool {
			return p.LastError() == "session closed by operator" && p.PeerCount() == 0
		})
	}
	if err := receiver.Leave(); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("leave after eviction err = %v", err)
	}
}

func TestParticipant_BroadcastErrors(t *testing.T) {
	url, _ := newRelay(t)
	host := start(t, url, RoleHost)
	receiver := start(t, url, RoleReceiver)

	stream := newStream(t)
	defer stream.Stop()
	if err := receiver.StartBroadcast(stream); !errors.Is(err, ErrNotHost) {
		t.Fatalf("receiver broadcast err = %v", err)
	}
	if err := host.StartBroadcast(nil); !errors.Is(err, broadcast.ErrNoAudioTrack) {
		t.Fatalf("nil stream err = %v", err)
	}
	if host.LastError() == "" {
		t.Fatalf("capture failure not recorded")
	}
	if err := host.StopBroadcast(); !errors.Is(err, broadcast.ErrNotCapturing) {
		t.Fatalf("stop err = %v", err)
	}
}

func TestParticipants_StopThenStartReoffersPresentReceiver(t *testing.T) {
	url, _ := newRelay(t)
	host, receiver := connectPair(t, url)
	first := receiver.factory.Last()

	if err := host.StopBroadcast(); err != nil {
		t.Fatalf("stop broadcast: %v", err)
	}
	waitFor(t, "receiver hangs up", func() bool {
		return receiver.PeerCount() == 0 && first.Closed()
	})

	if err := host.StartBroadcast(newStream(t)); err != nil {
		t.Fatalf("restart broadcast: %v", err)
	}
	waitFor(t, "second offer answered", func() bool {
		all := host.factory.Transports()
		return len(all) == 2 && all[1].Remote() != nil && receiver.factory.Len() == 2
	})
	second := receiver.factory.Last()
	if second.Closed() {
		t.Fatalf("new receiver transport closed")
	}
	if remote := second.Remote(); remote.Type != webrtc.SDPTypeOffer || remote.SDP != host.factory.Last().Local().SDP {
		t.Fatalf("receiver applied %+v", remote)
	}
	if host.PeerCount() != 1 || receiver.PeerCount() != 1 {
		t.Fatalf("peer counts host=%d receiver=%d", host.PeerCount(), receiver.PeerCount())
	}
}

func TestParticipants_RestartSwapsTracks(t *testing.T) {
	url, _ := newRelay(t)
	host, receiver := connectPair(t, url)

	next := newStream(t)
	if err := host.StartBroadcast(next); err != nil {
		t.Fatalf("restart broadcast: %v", err)
	}
	tracks := host.factory.Last().Tracks()
	if len(tracks) != 1 || tracks[0] != next.Tracks()[0] {
		t.Fatalf("host transport tracks = %v", tracks)
	}
	if host.factory.Len() != 1 || receiver.factory.Len() != 1 {
		t.Fatalf("restart renegotiated: host=%d receiver=%d", host.factory.Len(), receiver.factory.Len())
	}
	if host.PeerCount() != 1 || receiver.PeerCount() != 1 || receiver.factory.Last().Closed() {
		t.Fatalf("restart dropped the session")
	}
}

// silentRelay greets each connection and then holds it open without
// reading, so only the participant's side of the socket can fail.
func silentRelay(t *testing.T) string {
	t.Helper()
	release := make(chan struct{})
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if err := conn.WriteJSON(models.Welcome("peer-1")); err != nil {
			return
		}
		<-release
	}))
	t.Cleanup(ts.Close)
	t.Cleanup(func() { close(release) })
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func TestParticipant_RunReturnsWhenWriteSideDies(t *testing.T) {
	p := start(t, silentRelay(t), RoleReceiver)

	tcp, ok := p.conn.UnderlyingConn().(*net.TCPConn)
	if !ok {
		t.Fatalf("underlying conn is %T", p.conn.UnderlyingConn())
	}
	if err := tcp.CloseWrite(); err != nil {
		t.Fatalf("close write: %v", err)
	}
	// The queued join is what hits the dead socket.
	_ = p.Join(testCode)

	if err := p.wait(t, 5*time.Second); !errors.Is(err, ErrWriteDead) {
		t.Fatalf("run returned %v, want ErrWriteDead", err)
	}

	errc := make(chan error, 1)
	go func() {
		errc <- p.SendCandidate("peer-2", webrtc.ICECandidateInit{Candidate: "candidate:1"})
	}()
	select {
	case err := <-errc:
		if err == nil {
			t.Fatalf("send after write failure succeeded")
		}
	case <-time.After(time.Second):
		t.Fatalf("send blocked after write failure")
	}
}

func TestParticipant_ClosedAfterRun(t *testing.T) {
	url, _ := newRelay(t)
	p := start(t, url, RoleReceiver)
	_ = p.stop()

	if err := p.Join(testCode); !errors.Is(err, ErrClosed) {
		t.Fatalf("join after stop err = %v, want ErrClosed", err)
	}
}

func TestDial_Errors(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := Dial(ctx, Config{URL: "ws://127.0.0.1:1/ws/signal"}); err == nil {
		t.Fatalf("expected dial error")
	}
}
