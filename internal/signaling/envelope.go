// Package signaling implements the relay side of the mesh: the envelope wire
// format and a WebSocket link to the signaling relay.
package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
)

// Broadcast is the destination id that addresses every participant.
const Broadcast = "all"

// Kind identifies which payload an envelope carries.
type Kind int

const (
	KindInvalid     Kind = iota
	KindAnnounce         // {displayName}
	KindDescription      // {sdp}
	KindCandidate        // {ice}
)

func (k Kind) String() string {
	switch k {
	case KindAnnounce:
		return "announce"
	case KindDescription:
		return "sdp"
	case KindCandidate:
		return "ice"
	default:
		return "invalid"
	}
}

var (
	errNoPayload      = errors.New("envelope has no payload")
	errMixedPayload   = errors.New("envelope mixes payload kinds")
	errMissingSender  = errors.New("envelope missing senderId")
	errMissingDest    = errors.New("envelope missing destId")
	errMissingSDP     = errors.New("session description missing sdp")
	errMissingICE     = errors.New("ice payload missing candidate")
	errInvalidSDPType = errors.New("unsupported session description type")
)

// Envelope is the unit exchanged over the relay. Exactly one payload field is
// set.
type Envelope struct {
	SenderID  string  `json:"senderId"`
	DestID    string  `json:"destId"`
	Timestamp int64   `json:"timestamp"` // unix milliseconds
	Payload   Payload `json:"payload"`
}

// Payload is a tagged union; Kind reports which member is populated.
type Payload struct {
	DisplayName *string      `json:"displayName,omitempty"`
	SDP         *Description `json:"sdp,omitempty"`
	ICE         *Candidate   `json:"ice,omitempty"`
}

// Description is a JSON-friendly RTCSessionDescriptionInit.
type Description struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate is a JSON-friendly RTCIceCandidateInit.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// NewAnnounce builds an announce envelope carrying the sender's display name.
func NewAnnounce(senderID, destID, displayName string) Envelope {
	name := displayName
	return newEnvelope(senderID, destID, Payload{DisplayName: &name})
}

// NewDescription builds an envelope carrying an SDP offer or answer.
func NewDescription(senderID, destID string, desc webrtc.SessionDescription) Envelope {
	return newEnvelope(senderID, destID, Payload{SDP: &Description{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}})
}

// NewCandidate builds an envelope carrying one local ICE candidate.
func NewCandidate(senderID, destID string, init webrtc.ICECandidateInit) Envelope {
	return newEnvelope(senderID, destID, Payload{ICE: &Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}})
}

func newEnvelope(senderID, destID string, p Payload) Envelope {
	return Envelope{
		SenderID:  senderID,
		DestID:    destID,
		Timestamp: time.Now().UnixMilli(),
		Payload:   p,
	}
}

// Kind reports the payload kind, or KindInvalid if the payload is empty or
// mixed.
func (e Envelope) Kind() Kind {
	kind := KindInvalid
	n := 0
	if e.Payload.DisplayName != nil {
		kind = KindAnnounce
		n++
	}
	if e.Payload.SDP != nil {
		kind = KindDescription
		n++
	}
	if e.Payload.ICE != nil {
		kind = KindCandidate
		n++
	}
	if n != 1 {
		return KindInvalid
	}
	return kind
}

// DisplayName returns the announced name, or "" for other kinds.
func (e Envelope) DisplayName() string {
	if e.Payload.DisplayName == nil {
		return ""
	}
	return *e.Payload.DisplayName
}

// Validate checks addressing and the single-payload invariant.
func (e Envelope) Validate() error {
	if e.SenderID == "" {
		return errMissingSender
	}
	if e.DestID == "" {
		return errMissingDest
	}

	n := 0
	for _, set := range []bool{e.Payload.DisplayName != nil, e.Payload.SDP != nil, e.Payload.ICE != nil} {
		if set {
			n++
		}
	}
	switch {
	case n == 0:
		return errNoPayload
	case n > 1:
		return errMixedPayload
	}

	if e.Payload.SDP != nil {
		if _, err := e.Payload.SDP.ToPion(); err != nil {
			return err
		}
	}
	if e.Payload.ICE != nil && e.Payload.ICE.Candidate == "" {
		return errMissingICE
	}
	return nil
}

// ToPion converts the description to pion's type. Only offers and answers are
// accepted.
func (d Description) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch d.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("%w: %q", errInvalidSDPType, d.Type)
	}
	if d.SDP == "" {
		return webrtc.SessionDescription{}, errMissingSDP
	}
	return webrtc.SessionDescription{Type: t, SDP: d.SDP}, nil
}

// ToPion converts the candidate to pion's type.
func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// Encode serializes an envelope after validating it.
func Encode(e Envelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// Decode parses and validates one relay frame.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}
