// Package participant runs one endpoint of a listening session: a relay
// connection plus the peer sessions negotiated through it.
package participant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/syncplay/internal/broadcast"
	"github.com/mossy-p/syncplay/internal/media"
	"github.com/mossy-p/syncplay/internal/models"
	"github.com/mossy-p/syncplay/internal/peer"
)

const (
	welcomeTimeout = 10 * time.Second
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
	sendBufferSize = 64
)

var (
	ErrNotJoined = errors.New("not joined to a session")
	ErrNotHost   = errors.New("only a host can broadcast")
	ErrClosed    = errors.New("participant closed")
	ErrWriteDead = errors.New("relay connection is not writable")
)

type Role int

const (
	RoleReceiver Role = iota
	RoleHost
)

func (r Role) String() string {
	if r == RoleHost {
		return "host"
	}
	return "receiver"
}

type Config struct {
	URL     string
	Header  http.Header
	Dialer  *websocket.Dialer
	Role    Role
	Factory peer.TransportFactory
	Logger  *slog.Logger

	// PendingCandidateTTL bounds how long candidates from a peer without a
	// session are kept. Zero selects the default.
	PendingCandidateTTL time.Duration

	OnTrack     func(from string, track *webrtc.TrackRemote)
	OnPeerCount func(int)
	OnRoomCount func(int)
}

type stateEvent struct {
	session *peer.Session
	state   webrtc.PeerConnectionState
}

type command struct {
	fn    func() error
	reply chan error
}

// Participant owns a relay connection. All peer session transitions happen on
// the goroutine running Run.
type Participant struct {
	cfg    Config
	id     string
	conn   *websocket.Conn
	logger *slog.Logger

	watchdog  *peer.Watchdog
	pending   *peer.PendingCandidates
	broadcast *broadcast.Manager

	send     chan []byte
	inbound  chan models.SignalMessage
	states   chan stateEvent
	commands chan command

	closed    chan struct{}
	closeOnce sync.Once
	// writeDead is closed when the write loop exits.
	writeDead chan struct{}

	// Owned by the Run goroutine.
	code string

	roomCount atomic.Int64
	errMu     sync.Mutex
	lastError string
}

// Dial connects to the relay and waits for the identity it assigns.
func Dial(ctx context.Context, cfg Config) (*Participant, error) {
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, cfg.URL, cfg.Header)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(welcomeTimeout))
	var welcome models.SignalMessage
	if err := conn.ReadJSON(&welcome); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read welcome: %w", err)
	}
	if welcome.Type != models.SignalTypeWelcome || welcome.PeerID == "" {
		conn.Close()
		return nil, fmt.Errorf("unexpected first message %q", welcome.Type)
	}
	_ = conn.SetReadDeadline(time.Time{})
	conn.SetReadLimit(maxMessageSize)

	return newParticipant(conn, welcome.PeerID, cfg), nil
}

func newParticipant(conn *websocket.Conn, id string, cfg Config) *Participant {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("peer_id", id, "role", cfg.Role.String())

	p := &Participant{
		cfg:       cfg,
		id:        id,
		conn:      conn,
		logger:    logger,
		pending:   peer.NewPendingCandidates(cfg.PendingCandidateTTL, 0),
		send:      make(chan []byte, sendBufferSize),
		inbound:   make(chan models.SignalMessage),
		states:    make(chan stateEvent, 16),
		commands:  make(chan command),
		closed:    make(chan struct{}),
		writeDead: make(chan struct{}),
	}
	p.watchdog = peer.NewWatchdog(peer.NewTable(), p.peerCountChanged, logger)
	if cfg.Role == RoleHost {
		p.broadcast = broadcast.New(broadcast.Config{
			Factory:           cfg.Factory,
			Signaler:          p,
			Watchdog:          p.watchdog,
			Logger:            logger,
			OnConnectionState: p.postState,
		})
		p.broadcast.SetLocalID(id)
	}
	return p
}

func (p *Participant) ID() string { return p.id }

// PeerCount is the number of live peer sessions.
func (p *Participant) PeerCount() int { return p.watchdog.Count() }

// RoomCount is the member count last reported by the relay.
func (p *Participant) RoomCount() int { return int(p.roomCount.Load()) }

// LastError returns the most recent session-scoped error, or "".
func (p *Participant) LastError() string {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.lastError
}

func (p *Participant) setLastError(msg string) {
	p.errMu.Lock()
	p.lastError = msg
	p.errMu.Unlock()
}

// Run processes relay messages and transport events until ctx is done or
// the relay connection is lost. Every peer session is torn down on return.
func (p *Participant) Run(ctx context.Context) error {
	readErr := make(chan error, 1)
	go p.readPump(readErr)
	go p.writePump()

	defer func() {
		// Unblock transport callbacks before closing transports.
		p.closeOnce.Do(func() { close(p.closed) })
		p.teardownAll()
		if p.broadcast != nil {
			p.broadcast.Close()
		}
		<-p.writeDead
		p.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return fmt.Errorf("relay connection lost: %w", err)
		case <-p.writeDead:
			return ErrWriteDead
		case msg := <-p.inbound:
			p.handle(msg)
		case ev := <-p.states:
			p.watchdog.Observe(ev.session, ev.state)
		case cmd := <-p.commands:
			cmd.reply <- cmd.fn()
		}
	}
}

// do runs fn on the Run goroutine.
func (p *Participant) do(fn func() error) error {
	cmd := command{fn: fn, reply: make(chan error, 1)}
	select {
	case p.commands <- cmd:
	case <-p.closed:
		return ErrClosed
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-p.closed:
		return ErrClosed
	}
}

// Join enters the session named code, leaving any other session first.
func (p *Participant) Join(code string) error {
	return p.do(func() error {
		if code == "" {
			return errors.New("empty session code")
		}
		if p.code == code {
			return nil
		}
		if p.code != "" {
			p.teardownAll()
		}
		p.code = code
		if err := p.write(models.SignalMessage{Type: models.SignalTypeJoin, Session: code}); err != nil {
			return err
		}
		if p.broadcast != nil && p.broadcast.Capturing() {
			return p.write(models.SignalMessage{Type: models.SignalTypeHostReady, Session: code})
		}
		return nil
	})
}

// Leave exits the current session and tears down every peer session.
func (p *Participant) Leave() error {
	return p.do(func() error {
		if p.code == "" {
			return ErrNotJoined
		}
		code := p.code
		p.code = ""
		p.teardownAll()
		p.setRoomCount(0)
		return p.write(models.SignalMessage{Type: models.SignalTypeLeave, Session: code})
	})
}

// StartBroadcast starts offering stream to every member. Capture failures
// are also recorded as the session's last error.
func (p *Participant) StartBroadcast(stream media.Stream) error {
	if p.broadcast == nil {
		return ErrNotHost
	}
	return p.do(func() error {
		if err := p.broadcast.StartCapture(stream); err != nil {
			if errors.Is(err, broadcast.ErrNoAudioTrack) {
				p.setLastError(err.Error())
			}
			return err
		}
		if p.code != "" {
			return p.write(models.SignalMessage{Type: models.SignalTypeHostReady, Session: p.code})
		}
		return nil
	})
}

func (p *Participant) StopBroadcast() error {
	if p.broadcast == nil {
		return ErrNotHost
	}
	return p.do(p.broadcast.StopCapture)
}

func (p *Participant) teardownAll() {
	if p.broadcast != nil {
		p.broadcast.Reset()
	}
	p.watchdog.CloseAll()
	p.pending = peer.NewPendingCandidates(p.cfg.PendingCandidateTTL, 0)
}

func (p *Participant) setRoomCount(n int) {
	p.roomCount.Store(int64(n))
	if p.cfg.OnRoomCount != nil {
		p.cfg.OnRoomCount(n)
	}
}

func (p *Participant) peerCountChanged(n int) {
	p.logger.Debug("peer count changed", "peers", n)
	if p.cfg.OnPeerCount != nil {
		p.cfg.OnPeerCount(n)
	}
}

// postState hands a transport event to the Run goroutine.
func (p *Participant) postState(s *peer.Session, state webrtc.PeerConnectionState) {
	select {
	case p.states <- stateEvent{session: s, state: state}:
	case <-p.closed:
	}
}

func (p *Participant) SendOffer(to, sdp string) error {
	return p.write(models.SignalMessage{Type: models.SignalTypeOffer, To: to, SDP: sdp})
}

func (p *Participant) SendAnswer(to, sdp string) error {
	return p.write(models.SignalMessage{Type: models.SignalTypeAnswer, To: to, SDP: sdp})
}

func (p *Participant) SendBye(to string) error {
	return p.write(models.SignalMessage{Type: models.SignalTypeBye, To: to})
}

func (p *Participant) SendCandidate(to string, c webrtc.ICECandidateInit) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode candidate: %w", err)
	}
	return p.write(models.SignalMessage{Type: models.SignalTypeCandidate, To: to, Candidate: raw})
}

func (p *Participant) write(msg models.SignalMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type, err)
	}
	select {
	case p.send <- data:
		return nil
	case <-p.closed:
		return ErrClosed
	case <-p.writeDead:
		return ErrWriteDead
	}
}

func (p *Participant) readPump(errc chan<- error) {
	for {
		var msg models.SignalMessage
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			errc <- err
			return
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			p.logger.Warn("dropping malformed relay message", "err", err)
			continue
		}
		select {
		case p.inbound <- msg:
		case <-p.closed:
			return
		}
	}
}

func (p *Participant) writePump() {
	defer close(p.writeDead)
	for {
		select {
		case data := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				p.logger.Warn("relay write failed", "err", err)
				return
			}
		case <-p.closed:
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		}
	}
}
