package peer

import (
	"fmt"
	"log/slog"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

// NewAPI builds the pion API used by PionFactory. configure may adjust the
// setting engine, e.g. to attach a virtual network.
func NewAPI(level slog.Level, configure ...func(*webrtc.SettingEngine)) (*webrtc.API, error) {
	lf := logging.NewDefaultLoggerFactory()
	lf.DefaultLogLevel = pionLogLevel(level)

	se := webrtc.SettingEngine{LoggerFactory: lf}
	for _, fn := range configure {
		fn(&se)
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(mediaEngine),
	), nil
}

func pionLogLevel(level slog.Level) logging.LogLevel {
	switch {
	case level <= slog.LevelDebug:
		return logging.LogLevelDebug
	case level <= slog.LevelInfo:
		return logging.LogLevelInfo
	case level <= slog.LevelWarn:
		return logging.LogLevelWarn
	default:
		return logging.LogLevelError
	}
}

// PionFactory creates pion PeerConnections that all share one ICE
// configuration.
type PionFactory struct {
	api    *webrtc.API
	config webrtc.Configuration
}

func NewPionFactory(api *webrtc.API, iceServers []webrtc.ICEServer) *PionFactory {
	return &PionFactory{
		api:    api,
		config: webrtc.Configuration{ICEServers: iceServers},
	}
}

func (f *PionFactory) NewTransport(cb Callbacks) (Transport, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || cb.OnICECandidate == nil {
			return
		}
		cb.OnICECandidate(c.ToJSON())
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if cb.OnConnectionStateChange != nil {
			cb.OnConnectionStateChange(state)
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if cb.OnTrack != nil {
			cb.OnTrack(track)
		}
	})

	return &pionTransport{pc: pc}, nil
}

type pionTransport struct {
	pc      *webrtc.PeerConnection
	senders []*webrtc.RTPSender
}

func (t *pionTransport) AddTrack(track webrtc.TrackLocal) error {
	sender, err := t.pc.AddTrack(track)
	if err != nil {
		return err
	}
	t.senders = append(t.senders, sender)
	// Drain RTCP until the connection closes.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (t *pionTransport) ReplaceTracks(tracks []webrtc.TrackLocal) error {
	if len(tracks) != len(t.senders) {
		return fmt.Errorf("have %d senders, got %d tracks", len(t.senders), len(tracks))
	}
	for i, sender := range t.senders {
		if err := sender.ReplaceTrack(tracks[i]); err != nil {
			return fmt.Errorf("replace track %s: %w", tracks[i].ID(), err)
		}
	}
	return nil
}

func (t *pionTransport) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}
	return offer, nil
}

func (t *pionTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}
	return answer, nil
}

func (t *pionTransport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return t.pc.SetRemoteDescription(desc)
}

func (t *pionTransport) AddICECandidate(c webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(c)
}

func (t *pionTransport) Close() error {
	return t.pc.Close()
}
