// Package stopandgo connects race control to the trackside stop and go
// stations. Messages are JSON objects sealed with an HMAC-SHA256 of their
// canonical form: the object as sent, keys in their original order, compact
// separators and the signature member removed.
package stopandgo

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// SignatureField carries the hex signature in every message.
const SignatureField = "hmac_signature"

var (
	ErrUnsigned     = errors.New("message is not signed")
	ErrBadSignature = errors.New("hmac verification failed")
	ErrMalformed    = errors.New("malformed message")
)

// Command is sent by race control to a station.
type Command string

const (
	CommandPenaltyRequired     Command = "penalty_required"
	CommandSetFence            Command = "set_fence"
	CommandGetFenceStatus      Command = "get_fence_status"
	CommandForceComplete       Command = "force_complete"
	CommandReset               Command = "reset"
	CommandPenaltyAcknowledged Command = "penalty_acknowledged"
)

// Response is sent by a station to race control.
type Response string

const (
	ResponsePenaltyServed Response = "penalty_served"
	ResponseFenceStatus   Response = "fence_status"
)

// Message is any message of the station channel. Exactly one of Command and
// Response is set.
type Message struct {
	Command   Command  `json:"command,omitempty"`
	Response  Response `json:"response,omitempty"`
	Team      int      `json:"team,omitempty"`
	Duration  int      `json:"duration,omitempty"`
	PenaltyID int64    `json:"penalty_id,omitempty"`
	Enabled   *bool    `json:"enabled,omitempty"`
}

func PenaltyRequired(team, duration int, penaltyID int64) Message {
	return Message{Command: CommandPenaltyRequired, Team: team, Duration: duration, PenaltyID: penaltyID}
}

func SetFence(enabled bool) Message {
	return Message{Command: CommandSetFence, Enabled: &enabled}
}

func GetFenceStatus() Message { return Message{Command: CommandGetFenceStatus} }
func ForceComplete() Message  { return Message{Command: CommandForceComplete} }
func Reset() Message          { return Message{Command: CommandReset} }

func PenaltyAcknowledged(team int) Message {
	return Message{Command: CommandPenaltyAcknowledged, Team: team}
}

func PenaltyServed(team int) Message {
	return Message{Response: ResponsePenaltyServed, Team: team}
}

func FenceStatus(enabled bool) Message {
	return Message{Response: ResponseFenceStatus, Enabled: &enabled}
}

// Kind names the message for logs.
func (m Message) Kind() string {
	if m.Command != "" {
		return string(m.Command)
	}
	return string(m.Response)
}

// Signer seals and opens messages with a shared secret.
type Signer struct {
	secret []byte
}

func NewSigner(secret []byte) Signer {
	return Signer{secret: secret}
}

// Sign returns the hex HMAC-SHA256 of canonical.
func (s Signer) Sign(canonical []byte) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil))
}

// Seal encodes msg and appends its signature.
func (s Signer) Seal(msg Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", msg.Kind(), err)
	}
	return appendSignature(body, s.Sign(body))
}

// SealRaw signs an arbitrary JSON object, keeping its key order.
func (s Signer) SealRaw(object []byte) ([]byte, error) {
	canonical, _, err := Canonical(object)
	if err != nil {
		return nil, err
	}
	return appendSignature(canonical, s.Sign(canonical))
}

func appendSignature(object []byte, signature string) ([]byte, error) {
	sig, err := json.Marshal(signature)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Write(object[:len(object)-1])
	if len(object) > 2 {
		buf.WriteByte(',')
	}
	buf.WriteString(`"` + SignatureField + `":`)
	buf.Write(sig)
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Open verifies a sealed message and decodes it.
func (s Signer) Open(data []byte) (Message, error) {
	canonical, signature, err := Canonical(data)
	if err != nil {
		return Message{}, err
	}
	if signature == "" {
		return Message{}, ErrUnsigned
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return Message{}, fmt.Errorf("%w: signature is not hex", ErrBadSignature)
	}
	want, _ := hex.DecodeString(s.Sign(canonical))
	if !hmac.Equal(got, want) {
		return Message{}, ErrBadSignature
	}

	var msg Message
	if err := json.Unmarshal(canonical, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if (msg.Command == "") == (msg.Response == "") {
		return Message{}, fmt.Errorf("%w: want exactly one of command and response", ErrMalformed)
	}
	return msg, nil
}

// Canonical re-encodes a JSON object compactly in its original key order
// without the signature member, and returns the signature it carried.
func Canonical(data []byte) ([]byte, string, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, "", fmt.Errorf("%w: not an object", ErrMalformed)
	}

	var (
		out       bytes.Buffer
		signature string
		first     = true
	)
	out.WriteByte('{')
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		key, ok := tok.(string)
		if !ok {
			return nil, "", fmt.Errorf("%w: object key expected", ErrMalformed)
		}
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if key == SignatureField {
			if err := json.Unmarshal(value, &signature); err != nil {
				return nil, "", fmt.Errorf("%w: signature is not a string", ErrMalformed)
			}
			continue
		}
		if !first {
			out.WriteByte(',')
		}
		first = false
		encodedKey, err := json.Marshal(key)
		if err != nil {
			return nil, "", err
		}
		out.Write(encodedKey)
		out.WriteByte(':')
		if err := json.Compact(&out, value); err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}
	if _, err := dec.Token(); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, "", fmt.Errorf("%w: trailing data", ErrMalformed)
	}
	out.WriteByte('}')
	return out.Bytes(), signature, nil
}
