package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Peer is the media connection to the partner. Descriptions and candidates
// are opaque JSON carried by the signal relay.
type Peer interface {
	CreateOffer() (json.RawMessage, error)
	// HandleOffer applies a remote offer and returns the local answer.
	HandleOffer(offer json.RawMessage) (json.RawMessage, error)
	HandleAnswer(answer json.RawMessage) error
	AddICECandidate(candidate json.RawMessage) error
	OnICECandidate(fn func(candidate json.RawMessage))
	// RemoteVideoReady reports whether partner video is available for
	// inspection.
	RemoteVideoReady() bool
	Close() error
}

// PeerFactory creates a Peer carrying the local media.
type PeerFactory func(media MediaStream) (Peer, error)

// DefaultWebRTCConfig uses a public STUN server.
func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	}
}

// PionPeer is a Peer backed by a pion PeerConnection.
type PionPeer struct {
	pc          *webrtc.PeerConnection
	remoteVideo atomic.Bool

	mu      sync.Mutex
	pending []webrtc.ICECandidateInit
}

// NewPionPeerFactory returns a PeerFactory for cfg.
func NewPionPeerFactory(cfg webrtc.Configuration) PeerFactory {
	return func(media MediaStream) (Peer, error) {
		return NewPionPeer(cfg, media)
	}
}

// NewPionPeer creates a peer connection sending media's tracks.
func NewPionPeer(cfg webrtc.Configuration, media MediaStream) (*PionPeer, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("client: new peer connection: %w", err)
	}
	p := &PionPeer{pc: pc}

	if media != nil {
		for _, track := range media.Tracks() {
			if _, err := pc.AddTrack(track); err != nil {
				_ = pc.Close()
				return nil, fmt.Errorf("client: add track %s: %w", track.ID(), err)
			}
		}
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			p.remoteVideo.Store(true)
		}
	})
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Debug().Str("module", "client").Str("ice_state", s.String()).Msg("ice state changed")
	})
	return p, nil
}

func (p *PionPeer) CreateOffer() (json.RawMessage, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("client: create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("client: set local offer: %w", err)
	}
	return json.Marshal(offer)
}

func (p *PionPeer) HandleOffer(raw json.RawMessage) (json.RawMessage, error) {
	if err := p.setRemote(raw); err != nil {
		return nil, err
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("client: create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("client: set local answer: %w", err)
	}
	return json.Marshal(answer)
}

func (p *PionPeer) HandleAnswer(raw json.RawMessage) error {
	return p.setRemote(raw)
}

// setRemote applies a remote description and flushes candidates that arrived
// before it.
func (p *PionPeer) setRemote(raw json.RawMessage) error {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(raw, &desc); err != nil {
		return fmt.Errorf("client: decode session description: %w", err)
	}
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("client: set remote description: %w", err)
	}

	p.mu.Lock()
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()
	for _, c := range pending {
		if err := p.pc.AddICECandidate(c); err != nil {
			log.Debug().Str("module", "client").Err(err).Msg("buffered candidate rejected")
		}
	}
	return nil
}

func (p *PionPeer) AddICECandidate(raw json.RawMessage) error {
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &c); err != nil {
		return fmt.Errorf("client: decode candidate: %w", err)
	}
	if p.pc.RemoteDescription() == nil {
		p.mu.Lock()
		p.pending = append(p.pending, c)
		p.mu.Unlock()
		return nil
	}
	return p.pc.AddICECandidate(c)
}

func (p *PionPeer) OnICECandidate(fn func(json.RawMessage)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		data, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		fn(data)
	})
}

func (p *PionPeer) RemoteVideoReady() bool { return p.remoteVideo.Load() }

func (p *PionPeer) Close() error { return p.pc.Close() }

// StaticSource is a MediaSource producing sample tracks that carry no
// capture device, for headless clients.
type StaticSource struct{}

// Acquire implements MediaSource.
func (StaticSource) Acquire(_ context.Context, c Constraints) (MediaStream, error) {
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "pairclient")
	if err != nil {
		return nil, &MediaError{Cause: CauseNoDevice, Err: err}
	}
	tracks := []webrtc.TrackLocal{video}
	if c.Audio {
		audio, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "pairclient")
		if err != nil {
			return nil, &MediaError{Cause: CauseNoDevice, Err: err}
		}
		tracks = append(tracks, audio)
	}
	return staticStream(tracks), nil
}

type staticStream []webrtc.TrackLocal

func (s staticStream) Tracks() []webrtc.TrackLocal { return s }
func (staticStream) Stop() {}
