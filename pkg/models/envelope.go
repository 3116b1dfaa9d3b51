package models

import "time"

// CommitToken is a backend-specific acknowledgement handle. Only the backend that
// issued a token interprets it; everything else passes it back untouched.
type CommitToken interface{}

// Source describes where an Envelope came from.
type Source struct {
	InputID    string  `json:"input_id"`
	NodeID     string  `json:"node_id"`
	RemoteAddr string  `json:"remote_addr,omitempty"`
	RemotePort int     `json:"remote_port,omitempty"`
	Hostname   string  `json:"hostname,omitempty"`
	Relays     []Relay `json:"relays,omitempty"`
}

// Relay is one intermediate forwarding hop, oldest first.
type Relay struct {
	NodeID  string `json:"node_id"`
	InputID string `json:"input_id"`
}

// Envelope is a raw, not yet decoded payload plus its source metadata.
type Envelope struct {
	ID         string    `json:"id"`
	Payload    []byte    `json:"payload"`
	Codec      string    `json:"codec"`
	Source     Source    `json:"source"`
	ReceivedAt time.Time `json:"received_at"`

	Token CommitToken `json:"-"`
}

// WithToken returns a shallow copy carrying the given commit token.
func (e *Envelope) WithToken(token CommitToken) *Envelope {
	cp := *e
	cp.Token = token
	return &cp
}
