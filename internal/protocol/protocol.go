// Package protocol defines the wire format spoken between wristbands,
// the broker, and publishers.
//
// The channel carries two frame shapes. Client→broker control messages
// are bare JSON objects with a "type" discriminator ("subscribe" or
// "publish"), written back to back with no delimiter. Broker→client
// deliveries are newline-terminated envelopes whose "payload" field is
// a *string* holding a second, independently serialized JSON document:
// the transport envelope and the application payload are encoded
// separately, so decoding a tap command always means parsing twice.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Control message types.
const (
	TypeSubscribe = "subscribe"
	TypePublish   = "publish"
)

// ControlMessage is the client→broker frame. Payload is only set for
// publishes and carries the already-serialized command document.
type ControlMessage struct {
	Type    string `json:"type"`
	Topic   string `json:"topic"`
	Payload string `json:"payload,omitempty"`
}

// Envelope is the broker→subscriber delivery frame. Payload points at
// the embedded document string; a nil Payload means the field was
// absent, which callers must treat as a malformed frame.
type Envelope struct {
	Topic   string  `json:"topic,omitempty"`
	Payload *string `json:"payload"`
	Sender  string  `json:"sender,omitempty"`
}

// Command is one decoded tap instruction: which wristband, how many taps.
type Command struct {
	ID   int `json:"id"`
	Taps int `json:"taps"`
}

// Decode failure sentinels. Every broken frame maps to one of these or
// to a wrapped JSON syntax error; callers drop the line either way.
var (
	ErrNoPayload   = errors.New("envelope missing payload field")
	ErrMissingID   = errors.New("payload missing id field")
	ErrMissingTaps = errors.New("payload missing taps field")
)

// DecodeCommand parses one delivery line into a Command.
//
// Both parses are strict: a syntactically invalid envelope, an absent
// or non-string payload field, an invalid payload document, and a
// missing or non-integer id or taps all return an error. Callers on a
// shared channel treat any error as expected noise and drop the line
// silently.
func DecodeCommand(line string) (Command, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(line), &env); err != nil {
		return Command{}, fmt.Errorf("parse envelope: %w", err)
	}
	if env.Payload == nil {
		return Command{}, ErrNoPayload
	}

	// Strict field extraction: pointer targets distinguish "absent"
	// from a legitimate zero, and non-integer values fail to unmarshal.
	var doc struct {
		ID   *int `json:"id"`
		Taps *int `json:"taps"`
	}
	if err := json.Unmarshal([]byte(*env.Payload), &doc); err != nil {
		return Command{}, fmt.Errorf("parse payload: %w", err)
	}
	if doc.ID == nil {
		return Command{}, ErrMissingID
	}
	if doc.Taps == nil {
		return Command{}, ErrMissingTaps
	}

	return Command{ID: *doc.ID, Taps: *doc.Taps}, nil
}

// EncodeSubscribe builds the subscribe control frame a client sends
// immediately after the transport connects. The broker does not
// acknowledge it; the subscription is best effort.
func EncodeSubscribe(topic string) ([]byte, error) {
	return json.Marshal(ControlMessage{Type: TypeSubscribe, Topic: topic})
}

// EncodePublish builds the publish control frame for one command. The
// command is serialized on its own and embedded as the payload string.
func EncodePublish(topic string, cmd Command) ([]byte, error) {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("marshal command: %w", err)
	}
	return json.Marshal(ControlMessage{
		Type:    TypePublish,
		Topic:   topic,
		Payload: string(payload),
	})
}

// EncodeEnvelope builds the newline-terminated delivery frame the
// broker fans out to subscribers.
func EncodeEnvelope(topic, payload, sender string) ([]byte, error) {
	frame, err := json.Marshal(Envelope{
		Topic:   topic,
		Payload: &payload,
		Sender:  sender,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return append(frame, '\n'), nil
}
