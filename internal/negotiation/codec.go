// Package negotiation encodes and decodes the session-negotiation payloads
// carried inside signaling envelopes. The relay treats payloads as opaque;
// endpoints use this codec to produce and check them.
package negotiation

import (
	"encoding/json"
	"fmt"
	"strings"

	"chatrelay/internal/errors"
	"chatrelay/internal/models"

	"github.com/pion/webrtc/v4"
)

// EncodeDescription wraps an SDP blob as an offer or answer payload.
func EncodeDescription(t models.SignalType, sdp string) (string, error) {
	desc := webrtc.SessionDescription{SDP: sdp}
	switch t {
	case models.SignalOffer:
		desc.Type = webrtc.SDPTypeOffer
	case models.SignalAnswer:
		desc.Type = webrtc.SDPTypeAnswer
	default:
		return "", errors.NewValidationError("type", fmt.Sprintf("%q does not carry a session description", t))
	}
	if _, err := desc.Unmarshal(); err != nil {
		return "", errors.Wrap(err, errors.ErrCodeValidationFailed, "invalid session description")
	}
	raw, err := json.Marshal(desc)
	if err != nil {
		return "", fmt.Errorf("failed to marshal session description: %w", err)
	}
	return string(raw), nil
}

// DecodeDescription parses an offer or answer payload and checks that its
// declared SDP type agrees with the envelope type.
func DecodeDescription(t models.SignalType, payload string) (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal([]byte(payload), &desc); err != nil {
		return desc, errors.Wrap(err, errors.ErrCodeValidationFailed, "malformed session description")
	}
	want := webrtc.SDPTypeOffer
	if t == models.SignalAnswer {
		want = webrtc.SDPTypeAnswer
	} else if t != models.SignalOffer {
		return desc, errors.NewValidationError("type", fmt.Sprintf("%q does not carry a session description", t))
	}
	if desc.Type != want {
		return desc, errors.NewValidationError("payload", fmt.Sprintf("envelope type %s carries %s description", t, desc.Type))
	}
	if _, err := desc.Unmarshal(); err != nil {
		return desc, errors.Wrap(err, errors.ErrCodeValidationFailed, "invalid session description")
	}
	return desc, nil
}

// EncodeCandidate wraps a connectivity candidate. An empty candidate string
// marks the end of gathering and is allowed.
func EncodeCandidate(c webrtc.ICECandidateInit) (string, error) {
	if err := checkCandidate(c); err != nil {
		return "", err
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to marshal candidate: %w", err)
	}
	return string(raw), nil
}

func DecodeCandidate(payload string) (webrtc.ICECandidateInit, error) {
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return c, errors.Wrap(err, errors.ErrCodeValidationFailed, "malformed candidate")
	}
	return c, checkCandidate(c)
}

// Validate checks that payload is well formed for envelope type t.
func Validate(t models.SignalType, payload string) error {
	switch t {
	case models.SignalOffer, models.SignalAnswer:
		_, err := DecodeDescription(t, payload)
		return err
	case models.SignalICECandidate:
		_, err := DecodeCandidate(payload)
		return err
	default:
		return errors.NewValidationError("type", fmt.Sprintf("unknown signal type %q", t))
	}
}

func checkCandidate(c webrtc.ICECandidateInit) error {
	if c.Candidate == "" {
		return nil
	}
	if !strings.HasPrefix(c.Candidate, "candidate:") {
		return errors.NewValidationError("candidate", "must start with \"candidate:\"")
	}
	if c.SDPMid == nil && c.SDPMLineIndex == nil {
		return errors.NewValidationError("candidate", "sdpMid or sdpMLineIndex is required")
	}
	return nil
}
