package participant

import (
	"encoding/json"
	"errors"

	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/syncplay/internal/broadcast"
	"github.com/mossy-p/syncplay/internal/models"
	"github.com/mossy-p/syncplay/internal/peer"
)

// handle applies one relay message. It runs on the Run goroutine.
func (p *Participant) handle(msg models.SignalMessage) {
	switch msg.Type {
	case models.SignalTypeWelcome:
	case models.SignalTypeRoomInfo:
		p.setRoomCount(msg.Count)
	case models.SignalTypePeerJoined:
		p.handlePeerJoined(msg.PeerID)
	case models.SignalTypePeerLeft:
		p.handlePeerLeft(msg.PeerID)
	case models.SignalTypeSessionError:
		p.logger.Warn("session error from relay", "session", p.code, "message", msg.Message)
		p.setLastError(msg.Message)
		p.code = ""
		p.teardownAll()
		p.setRoomCount(0)
	case models.SignalTypeOffer:
		p.handleOffer(msg.From, msg.SDP)
	case models.SignalTypeAnswer:
		p.handleAnswer(msg.From, msg.SDP)
	case models.SignalTypeCandidate:
		p.handleCandidate(msg.From, msg.Candidate)
	case models.SignalTypeBye:
		p.handleBye(msg.From)
	default:
		p.logger.Debug("ignoring relay message", "type", msg.Type)
	}
}

func (p *Participant) handlePeerJoined(id string) {
	if p.broadcast == nil || p.code == "" {
		return
	}
	if err := p.broadcast.PeerJoined(id); err != nil {
		p.logger.Warn("failed to connect new member", "remote", id, "err", err)
	}
}

func (p *Participant) handlePeerLeft(id string) {
	p.pending.Drop(id)
	if p.broadcast != nil {
		p.broadcast.PeerLeft(id)
		return
	}
	if s, ok := p.watchdog.Table().Get(id); ok {
		_ = s.Close()
	}
}

// handleBye closes the session the remote has already torn down, so a later
// offer from it starts a fresh session.
func (p *Participant) handleBye(from string) {
	p.pending.Drop(from)
	if s, ok := p.watchdog.Table().Get(from); ok {
		p.logger.Info("remote hung up", "remote", from)
		_ = s.Close()
	}
}

func (p *Participant) handleOffer(from, sdp string) {
	if p.code == "" || from == "" {
		return
	}
	if p.broadcast != nil {
		p.logger.Warn("host ignoring offer", "remote", from)
		return
	}

	if s, ok := p.watchdog.Table().Get(from); ok {
		if err := s.HandleOffer(sdp); err != nil {
			p.logger.Warn("offer rejected", "remote", from, "err", err)
		}
		return
	}

	s := peer.NewSession(peer.Config{
		Local:             p.id,
		Remote:            from,
		Role:              peer.RoleAnswerer,
		Factory:           p.cfg.Factory,
		Signaler:          p,
		Logger:            p.logger,
		OnConnectionState: p.postState,
		OnTrack:           p.remoteTrack,
		OnClose:           p.watchdog.Release,
	})
	p.watchdog.Track(s)
	if err := s.HandleOffer(sdp); err != nil {
		p.logger.Warn("failed to answer offer", "remote", from, "err", err)
		p.pending.Drop(from)
		_ = s.Close()
		return
	}
	for _, c := range p.pending.Take(from) {
		if err := s.HandleCandidate(c); err != nil {
			p.logger.Warn("failed to apply buffered candidate", "remote", from, "err", err)
		}
	}
}

func (p *Participant) handleAnswer(from, sdp string) {
	if p.code == "" {
		return
	}
	var err error
	if p.broadcast != nil {
		err = p.broadcast.HandleAnswer(from, sdp)
	} else if s, ok := p.watchdog.Table().Get(from); ok {
		err = s.HandleAnswer(sdp)
	}
	if err != nil {
		p.logger.Warn("answer rejected", "remote", from, "err", err)
	}
}

func (p *Participant) handleCandidate(from string, raw json.RawMessage) {
	if p.code == "" || from == "" {
		return
	}
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &c); err != nil {
		p.logger.Warn("dropping malformed candidate", "remote", from, "err", err)
		return
	}

	if p.broadcast != nil {
		err := p.broadcast.HandleCandidate(from, c)
		if err != nil && !errors.Is(err, broadcast.ErrUnknownPeer) {
			p.logger.Warn("candidate rejected", "remote", from, "err", err)
		}
		return
	}

	s, ok := p.watchdog.Table().Get(from)
	if !ok {
		if !p.pending.Add(from, c) {
			p.logger.Debug("pending candidate buffer full", "remote", from)
		}
		return
	}
	if err := s.HandleCandidate(c); err != nil {
		p.logger.Warn("candidate rejected", "remote", from, "err", err)
	}
}

func (p *Participant) remoteTrack(s *peer.Session, track *webrtc.TrackRemote) {
	if p.cfg.OnTrack != nil {
		p.cfg.OnTrack(s.Remote(), track)
	}
}
