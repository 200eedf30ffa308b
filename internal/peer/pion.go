package peer

import (
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/meshchat/internal/util"
)

// Conn is the subset of *webrtc.PeerConnection the negotiator drives.
type Conn interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	Close() error
}

// Channel is the subset of *webrtc.DataChannel used for chat traffic.
type Channel interface {
	OnOpen(f func())
	OnClose(f func())
	OnMessage(f func(msg webrtc.DataChannelMessage))
	SendText(s string) error
	Close() error
}

var (
	_ Conn    = (*webrtc.PeerConnection)(nil)
	_ Channel = (*webrtc.DataChannel)(nil)
)

// Factory creates one connection together with its chat channel.
type Factory func() (Conn, Channel, error)

// ChannelLabel is the label of the pre-negotiated chat channel.
const ChannelLabel = "chat"

// NewAPI builds a webrtc.API whose internal logging goes through util.
func NewAPI() *webrtc.API {
	se := webrtc.SettingEngine{
		LoggerFactory: util.PionLoggerFactory{},
	}
	return webrtc.NewAPI(webrtc.WithSettingEngine(se))
}

// NewFactory returns a Factory backed by pion/webrtc.
//
// The chat channel is pre-negotiated with ID 0 on both sides, so neither peer
// relies on OnDataChannel. It is ordered: chat messages from one sender must
// arrive in the order they were typed.
func NewFactory(api *webrtc.API, iceServers []webrtc.ICEServer) Factory {
	return func() (Conn, Channel, error) {
		pc, err := api.NewPeerConnection(webrtc.Configuration{
			ICEServers: iceServers,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("create peer connection: %w", err)
		}

		ordered := true
		negotiated := true
		id := uint16(0)

		dc, err := pc.CreateDataChannel(ChannelLabel, &webrtc.DataChannelInit{
			Ordered:    &ordered,
			Negotiated: &negotiated,
			ID:         &id,
		})
		if err != nil {
			pc.Close()
			return nil, nil, fmt.Errorf("create data channel: %w", err)
		}
		return pc, dc, nil
	}
}
