package rtc

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/hraban/opus"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
)

// SessionDescription is a small DTO to avoid exposing webrtc types in transport.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// pcm16kChunkBytes is the chunk size handed to the audio callback: 100ms of
// 16kHz mono 16-bit PCM.
const pcm16kChunkBytes = 3200

// ErrInvalidOffer reports a malformed offer payload, as opposed to a
// transport-level negotiation failure.
var ErrInvalidOffer = errors.New("invalid offer")

// Peer wraps one pion peer connection. It assigns the session id (pc_id) at
// construction, performs offer/answer negotiation and renegotiation, decodes
// remote opus audio to 16kHz PCM chunks, and fires a closed callback exactly
// once when the underlying connection ends.
type Peer struct {
	id       string
	pc       *webrtc.PeerConnection
	outTrack *webrtc.TrackLocalStaticSample
	writer   *OpusPacedWriter

	mu       sync.Mutex
	onClosed func()
	onAudio  func(pcm []byte)

	closeOnce sync.Once
}

// NewPeer builds a peer connection with default codecs and interceptors and
// an outbound mono opus track for agent audio.
func NewPeer(iceServersJSON string) (*Peer, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, ir); err != nil {
		return nil, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(ir))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: parseICEServers(iceServersJSON)})
	if err != nil {
		return nil, err
	}
	outTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 1},
		"agent-audio", "agent",
	)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	if _, err := pc.AddTrack(outTrack); err != nil {
		_ = pc.Close()
		return nil, err
	}
	writer, err := NewOpusPacedWriter(outTrack)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}

	p := &Peer{
		id:       uuid.NewString(),
		pc:       pc,
		outTrack: outTrack,
		writer:   writer,
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Printf("[%s] PeerConnection state: %s", p.id, state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			p.fireClosed()
		}
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		log.Printf("[%s] ICE state: %s", p.id, state.String())
	})
	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		log.Printf("[%s] Remote audio track received: codec=%s", p.id, remote.Codec().MimeType)
		dec, derr := opus.NewDecoder(16000, 1)
		if derr != nil {
			log.Printf("[%s] Opus decoder error: %v", p.id, derr)
			return
		}
		go p.readRemote(remote, dec)
	})

	return p, nil
}

// ID returns the pc_id assigned to this connection.
func (p *Peer) ID() string { return p.id }

// OnClosed registers the callback fired once when the connection ends.
func (p *Peer) OnClosed(fn func()) {
	p.mu.Lock()
	p.onClosed = fn
	p.mu.Unlock()
}

// OnAudio registers the consumer of decoded 16kHz mono PCM chunks.
func (p *Peer) OnAudio(fn func(pcm []byte)) {
	p.mu.Lock()
	p.onAudio = fn
	p.mu.Unlock()
}

// Negotiate applies the remote offer and returns the local answer once ICE
// gathering completes.
func (p *Peer) Negotiate(offer SessionDescription) (SessionDescription, error) {
	if offer.Type != "offer" || offer.SDP == "" {
		return SessionDescription{}, ErrInvalidOffer
	}
	sdp, err := p.negotiate(offer.SDP)
	if err != nil {
		return SessionDescription{}, err
	}
	return SessionDescription{Type: "answer", SDP: sdp}, nil
}

// Renegotiate runs another offer/answer round on the existing connection.
func (p *Peer) Renegotiate(ctx context.Context, sdp, sdpType string) (string, error) {
	if sdpType != "offer" || sdp == "" {
		return "", ErrInvalidOffer
	}
	return p.negotiate(sdp)
}

func (p *Peer) negotiate(offerSDP string) (string, error) {
	remoteOffer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := p.pc.SetRemoteDescription(remoteOffer); err != nil {
		return "", err
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	gatherComplete := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	<-gatherComplete
	local := p.pc.LocalDescription()
	if local == nil {
		return "", errors.New("no local description")
	}
	return local.SDP, nil
}

// Disconnect closes the underlying peer connection.
func (p *Peer) Disconnect() error {
	return p.pc.Close()
}

// WriteAudio24K queues 24kHz PCM from the realtime LLM for paced delivery.
func (p *Peer) WriteAudio24K(pcm []byte) {
	p.writer.WritePCM24K(pcm)
}

// ResetAudio drops queued outbound audio (interruption).
func (p *Peer) ResetAudio() {
	p.writer.Reset()
}

// FlushAudio drains buffered outbound audio with a silence tail.
func (p *Peer) FlushAudio() {
	p.writer.FlushTail()
}

func (p *Peer) fireClosed() {
	p.closeOnce.Do(func() {
		p.writer.Close()
		p.mu.Lock()
		fn := p.onClosed
		p.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
}

func (p *Peer) readRemote(remote *webrtc.TrackRemote, dec *opus.Decoder) {
	pcmSamples := make([]int16, 1920)
	buf := make([]byte, 0, pcm16kChunkBytes*4)
	for {
		pkt, _, readErr := remote.ReadRTP()
		if readErr != nil {
			log.Printf("[%s] RTP read error: %v", p.id, readErr)
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		n, decErr := dec.Decode(pkt.Payload, pcmSamples)
		if decErr != nil {
			log.Printf("[%s] Opus decode error: %v", p.id, decErr)
			continue
		}
		startLen := len(buf)
		need := n * 2
		if cap(buf)-len(buf) < need {
			tmp := make([]byte, len(buf), len(buf)+need+pcm16kChunkBytes)
			copy(tmp, buf)
			buf = tmp
		}
		buf = buf[:len(buf)+need]
		o := buf[startLen:]
		for i := 0; i < n; i++ {
			binary.LittleEndian.PutUint16(o[i*2:(i+1)*2], uint16(pcmSamples[i]))
		}
		for len(buf) >= pcm16kChunkBytes {
			chunk := make([]byte, pcm16kChunkBytes)
			copy(chunk, buf[:pcm16kChunkBytes])
			p.mu.Lock()
			fn := p.onAudio
			p.mu.Unlock()
			if fn != nil {
				fn(chunk)
			}
			copy(buf, buf[pcm16kChunkBytes:])
			buf = buf[:len(buf)-pcm16kChunkBytes]
		}
	}
}

func parseICEServers(iceJSON string) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if err := json.Unmarshal([]byte(iceJSON), &servers); err == nil && len(servers) > 0 {
		return servers
	}
	return []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
}
