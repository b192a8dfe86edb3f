package signaling

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/emessiha/tunner/internal/util"
)

// peer pairs a PeerConnection with the WebSocket used to negotiate it.
type peer struct {
	pc    *webrtc.PeerConnection
	ws    *websocket.Conn
	ready <-chan struct{}

	// wsMu serializes writes. It is also held across SetLocalDescription and
	// sending the description, so no trickled candidate overtakes it.
	wsMu sync.Mutex
}

func (p *peer) send(msg Message) {
	if err := p.ws.WriteJSON(msg); err != nil {
		// If WS closed because ready already fired, that's fine.
		select {
		case <-p.ready:
		default:
			util.LogDebug("signaling: send %s failed: %v", msg.Type, err)
		}
	}
}

// trickle forwards local ICE candidates as they are gathered.
func (p *peer) trickle() {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		data, _ := json.Marshal(c.ToJSON())
		p.wsMu.Lock()
		defer p.wsMu.Unlock()
		p.send(Message{Type: MsgTypeCandidate, Candidate: string(data)})
	})
}

// describe applies a local description and sends it in one step.
func (p *peer) describe(typ MessageType, sdp webrtc.SessionDescription) error {
	p.wsMu.Lock()
	defer p.wsMu.Unlock()
	if err := p.pc.SetLocalDescription(sdp); err != nil {
		return fmt.Errorf("SetLocalDescription: %w", err)
	}
	p.send(Message{Type: typ, SDP: sdp.SDP})
	return nil
}

func (p *peer) addCandidate(raw string) {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(raw), &init); err != nil {
		util.LogDebug("signaling: bad ICE candidate: %v", err)
		return
	}
	if err := p.pc.AddICECandidate(init); err != nil {
		util.LogDebug("signaling: AddICECandidate: %v", err)
	}
}

// openGrace is how long a peer keeps waiting for its DataChannel after the
// other side has closed the WebSocket. The other side closes it as soon as
// its own channel opens, which can be a moment before ours does.
const openGrace = 5 * time.Second

// wait blocks until ready fires or the read loop fails and the channel does
// not open within openGrace.
func (p *peer) wait(errCh <-chan error) error {
	select {
	case <-p.ready:
		p.ws.Close()
		return nil
	case err := <-errCh:
		select {
		case <-p.ready:
			return nil
		case <-time.After(openGrace):
			return fmt.Errorf("signaling read: %w", err)
		}
	}
}

// Offer performs the offering side of the exchange:
//   - Create an Offer and send it via WS
//   - Receive the Answer and ICE candidates
//   - Block until ready closes or an error occurs
//
// The WebSocket is closed once ready fires.
func Offer(ws *websocket.Conn, pc *webrtc.PeerConnection, ready <-chan struct{}) error {
	p := &peer{pc: pc, ws: ws, ready: ready}
	p.trickle()

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("CreateOffer: %w", err)
	}
	if err := p.describe(MsgTypeOffer, offer); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		for {
			var msg Message
			if err := ws.ReadJSON(&msg); err != nil {
				errCh <- err
				return
			}
			switch msg.Type {
			case MsgTypeAnswer:
				if err := pc.SetRemoteDescription(webrtc.SessionDescription{
					Type: webrtc.SDPTypeAnswer,
					SDP:  msg.SDP,
				}); err != nil {
					util.LogWarning("signaling: SetRemoteDescription: %v", err)
				}
			case MsgTypeCandidate:
				p.addCandidate(msg.Candidate)
			}
		}
	}()

	return p.wait(errCh)
}

// Answer performs the answering side of the exchange:
//   - Receive the Offer
//   - Create an Answer and send it via WS
//   - Exchange ICE candidates
//   - Block until ready closes or an error occurs
func Answer(ws *websocket.Conn, pc *webrtc.PeerConnection, ready <-chan struct{}) error {
	p := &peer{pc: pc, ws: ws, ready: ready}
	p.trickle()

	errCh := make(chan error, 1)
	go func() {
		for {
			var msg Message
			if err := ws.ReadJSON(&msg); err != nil {
				errCh <- err
				return
			}
			switch msg.Type {
			case MsgTypeOffer:
				if err := pc.SetRemoteDescription(webrtc.SessionDescription{
					Type: webrtc.SDPTypeOffer,
					SDP:  msg.SDP,
				}); err != nil {
					util.LogWarning("signaling: SetRemoteDescription: %v", err)
					continue
				}
				answer, err := pc.CreateAnswer(nil)
				if err != nil {
					util.LogWarning("signaling: CreateAnswer: %v", err)
					continue
				}
				if err := p.describe(MsgTypeAnswer, answer); err != nil {
					util.LogWarning("signaling: %v", err)
				}
			case MsgTypeCandidate:
				p.addCandidate(msg.Candidate)
			}
		}
	}()

	return p.wait(errCh)
}
