package models

import "time"

// SignalType is the kind of session-negotiation data carried by an envelope.
type SignalType string

const (
	SignalOffer        SignalType = "offer"
	SignalAnswer       SignalType = "answer"
	SignalICECandidate SignalType = "ice-candidate"
)

// Valid reports whether t is one of the known negotiation types.
func (t SignalType) Valid() bool {
	switch t {
	case SignalOffer, SignalAnswer, SignalICECandidate:
		return true
	}
	return false
}

// SignalEnvelope is one unit of negotiation data routed through the relay.
type SignalEnvelope struct {
	ID        string     `json:"id"`
	CallID    string     `json:"callId"`
	From      string     `json:"from"`
	To        string     `json:"to"`
	Type      SignalType `json:"type"`
	Payload   string     `json:"payload"`
	CreatedAt time.Time  `json:"createdAt"`
}

// CallSession is the relay-side liveness record of an interactive session.
type CallSession struct {
	SessionID string    `json:"sessionId"`
	Endpoint  string    `json:"endpoint"`
	StartedAt time.Time `json:"startedAt"`
	LastSeen  time.Time `json:"lastSeen"`
}

// Credential is a session token issued to an endpoint.
type Credential struct {
	Token      string    `json:"token"`
	EndpointID string    `json:"endpointId"`
	ExpiresAt  time.Time `json:"expiresAt"`
}
