// Package relaymsg defines the wire shape of messages exchanged over a
// world's socket, and the enumerated reply "kind" tags the pending-request
// registry dispatches on.
//
// The source's dynamic, any-typed messages become a tagged variant keyed on
// the "type" field: every message is decoded once into an Envelope (which
// carries the raw payload as json.RawMessage), and handlers that care about
// a specific shape decode the payload a second time into their own struct.
// This keeps the dispatcher a simple table of string->handler instead of a
// type switch over interface{}.
package relaymsg

import "encoding/json"

// Kind enumerates the reply message types the pending-request registry can
// wait on. The set matches the relay operations in the HTTP endpoint
// catalogue one-for-one.
type Kind string

const (
	KindSearch              Kind = "search"
	KindEntity               Kind = "entity"
	KindStructure             Kind = "structure"
	KindContents              Kind = "contents"
	KindCreate                Kind = "create"
	KindUpdate                Kind = "update"
	KindDelete                Kind = "delete"
	KindRolls                 Kind = "rolls"
	KindLastRoll              Kind = "lastroll"
	KindRoll                  Kind = "roll"
	KindActorSheet            Kind = "actor-sheet"
	KindMacros                Kind = "macros"
	KindMacroExecute          Kind = "macro-execute"
	KindEncounters            Kind = "encounters"
	KindStartEncounter        Kind = "start-encounter"
	KindNextTurn              Kind = "next-turn"
	KindNextRound             Kind = "next-round"
	KindLastTurn              Kind = "last-turn"
	KindLastRound             Kind = "last-round"
	KindEndEncounter          Kind = "end-encounter"
	KindAddToEncounter        Kind = "add-to-encounter"
	KindRemoveFromEncounter   Kind = "remove-from-encounter"
	KindKill                  Kind = "kill"
	KindIncrease              Kind = "increase"
	KindDecrease              Kind = "decrease"
	KindGive                  Kind = "give"
	KindSelect                Kind = "select"
	KindSelected              Kind = "selected"
	KindFileSystem            Kind = "file-system"
	KindUploadFile            Kind = "upload-file"
	KindDownloadFile          Kind = "download-file"
	KindExecuteJS             Kind = "execute-js"

	// KindPing and KindPong are protocol-level frames, never escalated to
	// the pending-request registry or the credential-group broadcast.
	KindPing Kind = "ping"
	KindPong Kind = "pong"
)

// Envelope is the outer shape of every frame exchanged over a world socket:
// a type discriminator plus an opaque payload. Outbound envelopes from the
// relay additionally carry a correlationId so the reply can be matched back
// to a waiter; inbound replies echo it.
type Envelope struct {
	Type          string          `json:"type"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Payload       json.RawMessage `json:"-"`
}

// rawEnvelope mirrors Envelope with an added Extra map. Extra is tagged
// json:"-", so encoding/json neither fills it nor emits it; Decode does not
// use this type.
type rawEnvelope struct {
	Type          string                 `json:"type"`
	CorrelationID string                 `json:"correlationId,omitempty"`
	Extra         map[string]interface{} `json:"-"`
}

// Decode parses a raw text frame into an Envelope. The full frame is kept
// as Payload so callers can unmarshal operation-specific fields out of it.
func Decode(frame []byte) (Envelope, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(frame, &m); err != nil {
		return Envelope{}, err
	}
	var env Envelope
	if t, ok := m["type"]; ok {
		_ = json.Unmarshal(t, &env.Type)
	}
	if c, ok := m["correlationId"]; ok {
		_ = json.Unmarshal(c, &env.CorrelationID)
	}
	env.Payload = frame
	return env, nil
}

// ReplyFields are the fields common to every reply the pending-request
// registry dispatches: a correlation id to match the waiter, an optional
// secondary key used by some operations (e.g. uuid, path), and an optional
// error string.
type ReplyFields struct {
	CorrelationID string `json:"correlationId"`
	Error         string `json:"error,omitempty"`
	UUID          string `json:"uuid,omitempty"`
	Path          string `json:"path,omitempty"`
}

// PingFrame is the protocol-level ping the connection sends every 20s.
func PingFrame() Envelope { return Envelope{Type: string(KindPing)} }

// PongFrame answers an inbound ping.
func PongFrame() Envelope { return Envelope{Type: string(KindPong)} }
