package models

import (
	"fmt"
	"time"
)

const (
	FieldMessage        = "message"
	FieldSource         = "source"
	FieldTimestamp      = "timestamp"
	FieldSourceInput    = "source_input"
	FieldSourceNode     = "source_node"
	FieldRemoteIP       = "remote_ip"
	FieldRemotePort     = "remote_port"
	FieldRemoteHostname = "remote_hostname"
)

// UnknownSource is used when neither the codec nor the transport could name the sender.
const UnknownSource = "unknown"

// Message is a decoded, structured record produced by a codec from one Envelope.
type Message struct {
	ID         string                 `json:"id"`
	Fields     map[string]interface{} `json:"fields"`
	Source     Source                 `json:"source"`
	Codec      string                 `json:"codec"`
	ReceivedAt time.Time              `json:"received_at"`
	Streams    []string               `json:"streams"`

	// Sequence is the per-input arrival sequence assigned at intake.
	Sequence uint16 `json:"-"`
	// Required lists the fields the producing codec declared mandatory.
	Required []string `json:"-"`
	// Filtered marks a message a processor decided to drop.
	Filtered bool `json:"-"`
}

func NewMessage(fields map[string]interface{}) *Message {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	return &Message{Fields: fields}
}

func (msg *Message) GetField(name string) (interface{}, bool) {
	if msg.Fields == nil {
		return nil, false
	}

	value, ok := msg.Fields[name]
	return value, ok
}

func (msg *Message) SetField(name string, value interface{}) {
	if msg.Fields == nil {
		msg.Fields = make(map[string]interface{})
	}

	msg.Fields[name] = value
}

// HasField reports whether name is present with a non-empty value.
func (msg *Message) HasField(name string) bool {
	value, ok := msg.GetField(name)
	if !ok || value == nil {
		return false
	}
	if s, ok := value.(string); ok {
		return s != ""
	}
	return true
}

func (msg *Message) GetString(name string) string {
	value, ok := msg.GetField(name)
	if !ok || value == nil {
		return ""
	}
	if s, ok := value.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", value)
}

// MissingFields returns the required fields the message does not carry.
func (msg *Message) MissingFields() []string {
	var missing []string
	for _, field := range msg.Required {
		if !msg.HasField(field) {
			missing = append(missing, field)
		}
	}
	return missing
}

func (msg *Message) AddStream(stream string) {
	for _, s := range msg.Streams {
		if s == stream {
			return
		}
	}
	msg.Streams = append(msg.Streams, stream)
}

// Copy returns a deep copy of the top-level field map and stream list. Nested values are shared.
func (msg *Message) Copy() *Message {
	cp := *msg
	cp.Fields = make(map[string]interface{}, len(msg.Fields))
	for k, v := range msg.Fields {
		cp.Fields[k] = v
	}
	cp.Streams = append([]string(nil), msg.Streams...)
	cp.Required = append([]string(nil), msg.Required...)
	cp.Source.Relays = append([]Relay(nil), msg.Source.Relays...)
	return &cp
}
