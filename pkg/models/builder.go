package models

import (
	"time"

	"github.com/google/uuid"
)

type EnvelopeBuilder struct {
	envelope *Envelope
}

func NewEnvelopeBuilder() *EnvelopeBuilder {
	return &EnvelopeBuilder{
		envelope: &Envelope{},
	}
}

func (b *EnvelopeBuilder) WithID(id string) *EnvelopeBuilder {
	b.envelope.ID = id
	return b
}

func (b *EnvelopeBuilder) WithPayload(payload []byte) *EnvelopeBuilder {
	b.envelope.Payload = payload
	return b
}

func (b *EnvelopeBuilder) WithCodec(codec string) *EnvelopeBuilder {
	b.envelope.Codec = codec
	return b
}

func (b *EnvelopeBuilder) WithInput(inputID string) *EnvelopeBuilder {
	b.envelope.Source.InputID = inputID
	return b
}

func (b *EnvelopeBuilder) WithNode(nodeID string) *EnvelopeBuilder {
	b.envelope.Source.NodeID = nodeID
	return b
}

func (b *EnvelopeBuilder) WithRemote(addr string, port int) *EnvelopeBuilder {
	b.envelope.Source.RemoteAddr = addr
	b.envelope.Source.RemotePort = port
	return b
}

func (b *EnvelopeBuilder) WithHostname(hostname string) *EnvelopeBuilder {
	b.envelope.Source.Hostname = hostname
	return b
}

func (b *EnvelopeBuilder) WithRelay(nodeID, inputID string) *EnvelopeBuilder {
	b.envelope.Source.Relays = append(b.envelope.Source.Relays, Relay{NodeID: nodeID, InputID: inputID})
	return b
}

func (b *EnvelopeBuilder) WithReceivedAt(ts time.Time) *EnvelopeBuilder {
	b.envelope.ReceivedAt = ts
	return b
}

func (b *EnvelopeBuilder) Build() *Envelope {
	if b.envelope.ID == "" {
		b.envelope.ID = uuid.NewString()
	}
	if b.envelope.ReceivedAt.IsZero() {
		b.envelope.ReceivedAt = time.Now().UTC()
	}
	return b.envelope
}
