package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"

	"github.com/teslashibe/go-visualservo/pkg/frame"
)

// WebRTCDevice is a frame.Device receiving H264 from a GStreamer webrtcsink
// producer. Signalling follows the gst-plugins-rs protocol: welcome, list,
// startSession, then peer messages carrying SDP and ICE.
type WebRTCDevice struct {
	signallingURL string
	opts          options
	logger        *slog.Logger

	ws      *websocket.Conn
	wsMutex sync.Mutex
	pc      *webrtc.PeerConnection

	myPeerID   string
	producerID string

	mu        sync.Mutex
	sessionID string
	q         *queue
	acquiring bool
	trackCh   chan struct{}
	closed    bool
}

// NewWebRTCDevice creates a device for the signalling server at url,
// e.g. "ws://camera.local:8443".
func NewWebRTCDevice(url string, opts ...Option) *WebRTCDevice {
	o := buildOptions("webrtc", opts)
	return &WebRTCDevice{
		signallingURL: url,
		opts:          o,
		logger:        o.logger,
		trackCh:       make(chan struct{}, 1),
	}
}

// Init connects to the signalling server, picks a producer and creates
// the peer connection.
func (d *WebRTCDevice) Init() error {
	d.logger.Info("connecting to signalling server", "url", d.signallingURL)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, _, err := dialer.Dial(d.signallingURL, nil)
	if err != nil {
		return fmt.Errorf("stream: signalling connect: %w", err)
	}
	d.ws = ws

	if err := d.waitForWelcome(); err != nil {
		ws.Close()
		return fmt.Errorf("stream: welcome: %w", err)
	}
	if err := d.findProducer(); err != nil {
		ws.Close()
		return fmt.Errorf("stream: find producer: %w", err)
	}
	d.logger.Info("found producer", "peer_id", d.myPeerID, "producer_id", d.producerID)

	if err := d.createPeerConnection(); err != nil {
		ws.Close()
		return fmt.Errorf("stream: peer connection: %w", err)
	}
	return nil
}

func (d *WebRTCDevice) waitForWelcome() error {
	d.ws.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, msg, err := d.ws.ReadMessage()
	d.ws.SetReadDeadline(time.Time{})
	if err != nil {
		return err
	}

	var welcome struct {
		Type   string `json:"type"`
		PeerID string `json:"peerId"`
	}
	if err := json.Unmarshal(msg, &welcome); err != nil {
		return err
	}
	if welcome.Type != "welcome" {
		return fmt.Errorf("expected welcome, got %q", welcome.Type)
	}
	d.myPeerID = welcome.PeerID
	return nil
}

func (d *WebRTCDevice) findProducer() error {
	if err := d.writeJSON(map[string]string{"type": "list"}); err != nil {
		return err
	}

	d.ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := d.ws.ReadMessage()
	d.ws.SetReadDeadline(time.Time{})
	if err != nil {
		return err
	}

	var listResp struct {
		Type      string `json:"type"`
		Producers []struct {
			ID   string            `json:"id"`
			Meta map[string]string `json:"meta"`
		} `json:"producers"`
	}
	if err := json.Unmarshal(msg, &listResp); err != nil {
		return err
	}

	for _, p := range listResp.Producers {
		if d.opts.producer == "" || p.Meta["name"] == d.opts.producer {
			d.producerID = p.ID
			return nil
		}
	}
	return fmt.Errorf("producer %q not found in %d producers", d.opts.producer, len(listResp.Producers))
}

func (d *WebRTCDevice) createPeerConnection() error {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return err
	}
	d.pc = pc

	if _, err = pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		return err
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		d.logger.Info("got track", "kind", track.Kind().String(), "codec", track.Codec().MimeType)
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			go d.readTrack(track)
		}
	})

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c != nil {
			d.sendICECandidate(c)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		d.logger.Info("connection state", "state", state.String())
		if state == webrtc.PeerConnectionStateFailed {
			d.mu.Lock()
			q := d.q
			d.mu.Unlock()
			if q != nil {
				q.fail(fmt.Errorf("stream: peer connection %s", state))
			}
		}
	})
	return nil
}

// BeginAcquisition starts the session and waits for the video track.
func (d *WebRTCDevice) BeginAcquisition() error {
	if d.pc == nil {
		return fmt.Errorf("stream: device not initialized")
	}

	d.mu.Lock()
	if d.acquiring {
		d.mu.Unlock()
		return nil
	}
	d.q = newQueue(d.opts.queueSize)
	d.acquiring = true
	d.mu.Unlock()

	if err := d.writeJSON(map[string]string{"type": "startSession", "peerId": d.producerID}); err != nil {
		return fmt.Errorf("stream: start session: %w", err)
	}
	go d.handleSignalling()

	select {
	case <-d.trackCh:
		d.logger.Info("video connected")
		return nil
	case <-time.After(d.opts.trackTimeout):
		return fmt.Errorf("%w after %s", ErrNoTrack, d.opts.trackTimeout)
	}
}

// EndAcquisition ends the session. Packets received afterwards are dropped.
func (d *WebRTCDevice) EndAcquisition() error {
	d.mu.Lock()
	if !d.acquiring {
		d.mu.Unlock()
		return nil
	}
	d.acquiring = false
	sessionID := d.sessionID
	q := d.q
	d.mu.Unlock()

	q.fail(ErrNotAcquiring)
	if sessionID == "" {
		return nil
	}
	return d.writeJSON(map[string]string{"type": "endSession", "sessionId": sessionID})
}

// DeInit closes the peer connection and the signalling socket.
func (d *WebRTCDevice) DeInit() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	var err error
	if d.pc != nil {
		err = d.pc.Close()
	}
	if d.ws != nil {
		if werr := d.ws.Close(); err == nil {
			err = werr
		}
	}
	return err
}

// NextFrame blocks until an access unit is assembled.
func (d *WebRTCDevice) NextFrame(ctx context.Context) (*frame.Frame, error) {
	d.mu.Lock()
	q, acquiring := d.q, d.acquiring
	d.mu.Unlock()
	if !acquiring || q == nil {
		return nil, ErrNotAcquiring
	}
	return q.next(ctx)
}

func (d *WebRTCDevice) Release(f *frame.Frame) error {
	if f.Buffer != nil {
		f.Buffer.Close()
	}
	d.mu.Lock()
	q := d.q
	d.mu.Unlock()
	if q == nil {
		return nil
	}
	return q.release(f)
}

func (d *WebRTCDevice) readTrack(track *webrtc.TrackRemote) {
	select {
	case d.trackCh <- struct{}{}:
	default:
	}

	asm := NewAssembler(d.opts.maxFrameSize)
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			d.mu.Lock()
			q, closed := d.q, d.closed
			d.mu.Unlock()
			if !closed {
				d.logger.Warn("track ended", "error", err)
			}
			if q != nil {
				q.fail(fmt.Errorf("stream: read track: %w", err))
			}
			return
		}

		d.mu.Lock()
		q, acquiring := d.q, d.acquiring
		d.mu.Unlock()
		if !acquiring {
			continue
		}
		for _, f := range asm.Push(pkt) {
			q.push(f)
		}
	}
}

func (d *WebRTCDevice) handleSignalling() {
	for {
		_, msg, err := d.ws.ReadMessage()
		if err != nil {
			d.mu.Lock()
			closed := d.closed
			d.mu.Unlock()
			if !closed {
				d.logger.Warn("signalling error", "error", err)
			}
			return
		}

		var base struct {
			Type      string `json:"type"`
			SessionID string `json:"sessionId"`
		}
		if err := json.Unmarshal(msg, &base); err != nil {
			d.logger.Debug("bad signalling message", "error", err)
			continue
		}

		switch base.Type {
		case "sessionStarted":
			d.mu.Lock()
			d.sessionID = base.SessionID
			d.mu.Unlock()
		case "peer":
			d.handlePeerMessage(msg)
		case "endSession":
			d.logger.Info("producer ended session")
			return
		}
	}
}

type peerMessage struct {
	SDP *struct {
		Type string `json:"type"`
		SDP  string `json:"sdp"`
	} `json:"sdp"`
	ICE *struct {
		Candidate     string  `json:"candidate"`
		SDPMid        *string `json:"sdpMid"`
		SDPMLineIndex *uint16 `json:"sdpMLineIndex"`
	} `json:"ice"`
}

func (d *WebRTCDevice) handlePeerMessage(msg []byte) {
	var pm peerMessage
	if err := json.Unmarshal(msg, &pm); err != nil {
		d.logger.Debug("bad peer message", "error", err)
		return
	}

	if pm.SDP != nil && pm.SDP.Type == "offer" {
		offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: pm.SDP.SDP}
		if err := d.pc.SetRemoteDescription(offer); err != nil {
			d.logger.Error("set remote description failed", "error", err)
			return
		}
		answer, err := d.pc.CreateAnswer(nil)
		if err != nil {
			d.logger.Error("create answer failed", "error", err)
			return
		}
		if err := d.pc.SetLocalDescription(answer); err != nil {
			d.logger.Error("set local description failed", "error", err)
			return
		}
		d.sendSDP(answer)
	}

	if pm.ICE != nil {
		if err := d.pc.AddICECandidate(webrtc.ICECandidateInit{
			Candidate:     pm.ICE.Candidate,
			SDPMid:        pm.ICE.SDPMid,
			SDPMLineIndex: pm.ICE.SDPMLineIndex,
		}); err != nil {
			d.logger.Debug("add ice candidate failed", "error", err)
		}
	}
}

func (d *WebRTCDevice) sendSDP(sdp webrtc.SessionDescription) {
	d.mu.Lock()
	sessionID := d.sessionID
	d.mu.Unlock()

	err := d.writeJSON(map[string]any{
		"type":      "peer",
		"sessionId": sessionID,
		"sdp": map[string]string{
			"type": sdp.Type.String(),
			"sdp":  sdp.SDP,
		},
	})
	if err != nil {
		d.logger.Warn("send sdp failed", "error", err)
	}
}

func (d *WebRTCDevice) sendICECandidate(c *webrtc.ICECandidate) {
	d.mu.Lock()
	sessionID := d.sessionID
	d.mu.Unlock()
	if sessionID == "" {
		return
	}

	init := c.ToJSON()
	err := d.writeJSON(map[string]any{
		"type":      "peer",
		"sessionId": sessionID,
		"ice": map[string]any{
			"candidate":     init.Candidate,
			"sdpMid":        init.SDPMid,
			"sdpMLineIndex": init.SDPMLineIndex,
		},
	})
	if err != nil {
		d.logger.Debug("send ice failed", "error", err)
	}
}

func (d *WebRTCDevice) writeJSON(v any) error {
	d.wsMutex.Lock()
	defer d.wsMutex.Unlock()
	return d.ws.WriteJSON(v)
}
