// Package message defines the wire format spoken between the authority
// process and content processes. The transport carrying these messages is
// pluggable; see the link package.
package message

import (
	"encoding/json"
	"fmt"

	"go.bctree.io/bctree/lib"
)

// Type discriminates the payload carried by a Message.
type Type string

const (
	// TypeHello is sent by a content process right after connecting.
	TypeHello Type = "hello"
	// TypeAttachContext notifies the authority that a context was attached
	// in a content process. Fire-and-forget.
	TypeAttachContext Type = "attachContext"
	// TypeDetachContext notifies the authority that a context was detached
	// in a content process. Fire-and-forget.
	TypeDetachContext Type = "detachContext"
	// TypeTransmitContext carries a context from the authority to a content
	// process, together with its set and the set's new epoch for that
	// process.
	TypeTransmitContext Type = "transmitContext"
	// TypeUnsubscribeSet asks the authority to drop the sender from a set's
	// subscriber list. Request/reply.
	TypeUnsubscribeSet Type = "unsubscribeSet"
	// TypeUnsubscribeSetAck is the authority's reply to TypeUnsubscribeSet.
	TypeUnsubscribeSetAck Type = "unsubscribeSetAck"
	// TypeContextDied tells subscribers that a context died in the
	// authority. Fire-and-forget, authority to subscribers.
	TypeContextDied Type = "contextDied"
	// TypeAckContextDied acknowledges TypeContextDied.
	TypeAckContextDied Type = "ackContextDied"
)

// Message is the envelope for every protocol exchange.
type Message struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Hello announces a content process to the authority.
type Hello struct {
	Name string `json:"name"`
}

// AttachContext reports an attach performed in a content process.
// Parent is lib.NoContext for tree roots.
type AttachContext struct {
	Parent lib.ContextID `json:"parent,omitempty"`
	Self   lib.ContextID `json:"self"`
	Set    lib.SetID     `json:"set"`
	Name   string        `json:"name"`
}

// DetachContext reports a detach performed in a content process.
type DetachContext struct {
	Self lib.ContextID `json:"self"`
}

// TransmitContext replicates one context into a content process. Epoch is
// the receiving process's new subscription epoch for Set.
type TransmitContext struct {
	Set    lib.SetID     `json:"set"`
	Epoch  uint64        `json:"epoch"`
	Parent lib.ContextID `json:"parent,omitempty"`
	Self   lib.ContextID `json:"self"`
	Name   string        `json:"name"`
}

// UnsubscribeSet asks to drop the sender's subscription if Epoch still
// matches on the authority side.
type UnsubscribeSet struct {
	Set   lib.SetID `json:"set"`
	Epoch uint64    `json:"epoch"`
}

// UnsubscribeSetAck reports whether the unsubscription was applied.
type UnsubscribeSetAck struct {
	Set   lib.SetID `json:"set"`
	Epoch uint64    `json:"epoch"`
	OK    bool      `json:"ok"`
}

// ContextDied announces the death of a context to a subscriber.
type ContextDied struct {
	Self lib.ContextID `json:"self"`
}

// AckContextDied confirms that a subscriber processed a ContextDied.
type AckContextDied struct {
	Self lib.ContextID `json:"self"`
}

// New wraps a payload into an envelope of the given type.
func New(t Type, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", t, err)
	}
	return &Message{Type: t, Data: data}, nil
}

// MustNew is New for payloads that cannot fail to encode.
func MustNew(t Type, payload interface{}) *Message {
	msg, err := New(t, payload)
	if err != nil {
		panic(err)
	}
	return msg
}

// Encode serializes the envelope.
func (msg *Message) Encode() ([]byte, error) {
	return json.Marshal(msg)
}

// Decode parses an envelope from wire data.
func Decode(data []byte) (*Message, error) {
	msg := &Message{}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("decoding message: missing type")
	}
	return msg, nil
}

// DecodeData parses the payload into v.
func (msg *Message) DecodeData(v interface{}) error {
	if err := json.Unmarshal(msg.Data, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", msg.Type, err)
	}
	return nil
}
