package peer

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
)

// maxQueuedCandidates bounds the candidates held while waiting for the remote
// description.
const maxQueuedCandidates = 64

// Config describes one Session.
type Config struct {
	Local    string
	Remote   string
	Role     Role
	Factory  TransportFactory
	Signaler Signaler
	Logger   *slog.Logger

	// OnConnectionState receives connectivity changes reported by the
	// transport. When nil the session applies them itself.
	OnConnectionState func(*Session, webrtc.PeerConnectionState)
	// OnTrack receives remote media tracks (answerer side).
	OnTrack func(*Session, *webrtc.TrackRemote)
	// OnClose runs once, after teardown has released the transport.
	OnClose func(*Session)
}

// Session is the local half of one pairwise connection. Its exported methods
// are the state machine's transition functions.
type Session struct {
	cfg    Config
	logger *slog.Logger
	closed chan struct{}

	mu            sync.Mutex
	state         State
	transport     Transport
	remoteApplied bool
	answered      bool
	queued        []webrtc.ICECandidateInit
	localTracks   []webrtc.TrackLocal
	remoteTracks  []*webrtc.TrackRemote
}

func NewSession(cfg Config) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		cfg:    cfg,
		logger: logger.With("local", cfg.Local, "remote", cfg.Remote, "side", cfg.Role.String()),
		closed: make(chan struct{}),
	}
}

func (s *Session) Local() string  { return s.cfg.Local }
func (s *Session) Remote() string { return s.cfg.Remote }
func (s *Session) Role() Role     { return s.cfg.Role }

// Done is closed when the session is torn down.
func (s *Session) Done() <-chan struct{} { return s.closed }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) LocalTracks() []webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]webrtc.TrackLocal(nil), s.localTracks...)
}

func (s *Session) RemoteTracks() []*webrtc.TrackRemote {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*webrtc.TrackRemote(nil), s.remoteTracks...)
}

func (s *Session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// checkFreshLocked returns nil if no negotiation has been attempted yet.
func (s *Session) checkFreshLocked() error {
	switch {
	case s.state.Terminal():
		return ErrSessionClosed
	case s.state != StateIdle:
		return ErrRenegotiation
	case s.transport != nil:
		// A previous attempt failed part way; only teardown recovers.
		return fmt.Errorf("%w: earlier negotiation failed", ErrUnexpectedState)
	}
	return nil
}

// Offer creates the transport, attaches tracks and sends an offer. Only an
// offerer in StateIdle may offer.
func (s *Session) Offer(tracks []webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkFreshLocked(); err != nil {
		return err
	}
	if s.cfg.Role != RoleOfferer {
		return fmt.Errorf("%w: answerer cannot offer", ErrUnexpectedState)
	}

	t, err := s.cfg.Factory.NewTransport(s.callbacks())
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}
	s.transport = t

	for _, track := range tracks {
		if err := t.AddTrack(track); err != nil {
			return fmt.Errorf("add track %s: %w", track.ID(), err)
		}
	}
	s.localTracks = append([]webrtc.TrackLocal(nil), tracks...)

	offer, err := t.CreateOffer()
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	s.state = StateOffering

	// Sent under the lock so no local candidate can overtake the offer.
	if err := s.cfg.Signaler.SendOffer(s.cfg.Remote, offer.SDP); err != nil {
		return fmt.Errorf("send offer: %w", err)
	}
	s.logger.Debug("offer sent")
	return nil
}

// ReplaceTracks swaps the local tracks of a negotiated offerer session. The
// new tracks must match the old ones in number and order.
func (s *Session) ReplaceTracks(tracks []webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.state.Terminal():
		return ErrSessionClosed
	case s.cfg.Role != RoleOfferer || s.transport == nil || s.state == StateIdle:
		return fmt.Errorf("%w: no negotiated tracks to replace", ErrUnexpectedState)
	case len(tracks) != len(s.localTracks):
		return fmt.Errorf("%w: %d tracks for %d senders", ErrUnexpectedState, len(tracks), len(s.localTracks))
	}

	if err := s.transport.ReplaceTracks(tracks); err != nil {
		return fmt.Errorf("replace tracks: %w", err)
	}
	s.localTracks = append([]webrtc.TrackLocal(nil), tracks...)
	return nil
}

// HandleOffer applies a remote offer and answers it.
func (s *Session) HandleOffer(sdp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkFreshLocked(); err != nil {
		return err
	}
	if s.cfg.Role != RoleAnswerer {
		return fmt.Errorf("%w: offerer received an offer", ErrUnexpectedState)
	}

	t, err := s.cfg.Factory.NewTransport(s.callbacks())
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}
	s.transport = t

	if err := t.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return fmt.Errorf("apply remote offer: %w", err)
	}
	s.remoteApplied = true
	s.flushQueuedLocked()

	answer, err := t.CreateAnswer()
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	s.state = StateAnswering

	if err := s.cfg.Signaler.SendAnswer(s.cfg.Remote, answer.SDP); err != nil {
		return fmt.Errorf("send answer: %w", err)
	}
	s.logger.Debug("answer sent")
	return nil
}

// HandleAnswer applies the remote answer to an outstanding offer. A second
// answer is rejected.
func (s *Session) HandleAnswer(sdp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.state.Terminal():
		return ErrSessionClosed
	case s.cfg.Role == RoleAnswerer:
		return fmt.Errorf("%w: answerer received an answer", ErrUnexpectedState)
	case s.answered:
		return ErrRenegotiation
	case s.state != StateOffering:
		return fmt.Errorf("%w: answer in state %s", ErrUnexpectedState, s.state)
	}

	if err := s.transport.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		return fmt.Errorf("apply remote answer: %w", err)
	}
	s.answered = true
	s.remoteApplied = true
	s.flushQueuedLocked()
	s.logger.Debug("answer applied")
	return nil
}

// HandleCandidate adds a remote candidate, queueing it until the remote
// description has been applied.
func (s *Session) HandleCandidate(c webrtc.ICECandidateInit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Terminal() {
		return ErrSessionClosed
	}
	if !s.remoteApplied {
		if len(s.queued) >= maxQueuedCandidates {
			s.logger.Warn("dropping candidate, queue full")
			return nil
		}
		s.queued = append(s.queued, c)
		return nil
	}
	if err := s.transport.AddICECandidate(c); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

func (s *Session) flushQueuedLocked() {
	for _, c := range s.queued {
		if err := s.transport.AddICECandidate(c); err != nil {
			s.logger.Warn("failed to add queued candidate", "err", err)
		}
	}
	s.queued = nil
}

// HandleConnectionState applies a transport connectivity change. It reports
// whether the change tore the session down.
func (s *Session) HandleConnectionState(state webrtc.PeerConnectionState) bool {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		s.mu.Lock()
		if s.state.Negotiating() {
			s.state = StateConnected
			s.logger.Info("peer connected")
		}
		s.mu.Unlock()
	case webrtc.PeerConnectionStateFailed:
		return s.teardown(StateFailed)
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
		return s.teardown(StateClosed)
	}
	return false
}

// Close tears the session down. Closing a closed session does nothing.
func (s *Session) Close() error {
	s.teardown(StateClosed)
	return nil
}

func (s *Session) teardown(final State) bool {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return false
	}
	from := s.state
	s.state = final
	t := s.transport
	s.transport = nil
	s.queued = nil
	s.localTracks = nil
	s.remoteTracks = nil
	close(s.closed)
	s.mu.Unlock()

	if t != nil {
		if err := t.Close(); err != nil {
			s.logger.Warn("failed to close transport", "err", err)
		}
	}
	if s.cfg.OnClose != nil {
		s.cfg.OnClose(s)
	}
	s.logger.Info("peer session torn down", "from", from.String(), "to", final.String())
	return true
}

func (s *Session) callbacks() Callbacks {
	return Callbacks{
		OnICECandidate: func(c webrtc.ICECandidateInit) {
			// Wait for any in-flight transition so the offer or answer goes first.
			s.mu.Lock()
			closed := s.state.Terminal()
			s.mu.Unlock()
			if closed {
				return
			}
			if err := s.cfg.Signaler.SendCandidate(s.cfg.Remote, c); err != nil {
				s.logger.Warn("failed to send candidate", "err", err)
			}
		},
		OnConnectionStateChange: func(state webrtc.PeerConnectionState) {
			if s.isClosed() {
				return
			}
			s.logger.Debug("connection state changed", "state", state.String())
			if s.cfg.OnConnectionState != nil {
				s.cfg.OnConnectionState(s, state)
				return
			}
			s.HandleConnectionState(state)
		},
		OnTrack: func(track *webrtc.TrackRemote) {
			s.mu.Lock()
			if s.state.Terminal() {
				s.mu.Unlock()
				return
			}
			s.remoteTracks = append(s.remoteTracks, track)
			s.mu.Unlock()

			s.logger.Info("remote track received", "kind", track.Kind().String(), "track_id", track.ID())
			if s.cfg.OnTrack != nil {
				s.cfg.OnTrack(s, track)
			}
		},
	}
}
