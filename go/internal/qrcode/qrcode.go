// Package qrcode builds and reads the payload printed as a QR code on driver
// cards. The team member id is sealed with the round's Fernet key so a card
// is only valid for the round it was printed for.
package qrcode

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/fernet/fernet-go"
)

// KeySize is the length of a round key.
const KeySize = 32

var (
	ErrInvalidKey  = errors.New("invalid card key")
	ErrInvalidCard = errors.New("invalid card")
)

// Payload is the JSON object encoded in the QR code.
type Payload struct {
	Info string `json:"info"`
	Data string `json:"data"`
}

// NewKey generates a round key.
func NewKey() ([]byte, error) {
	var k fernet.Key
	if err := k.Generate(); err != nil {
		return nil, fmt.Errorf("generate card key: %w", err)
	}
	return k[:], nil
}

func parseKey(raw []byte) (*fernet.Key, error) {
	if len(raw) != KeySize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidKey, len(raw))
	}
	var k fernet.Key
	copy(k[:], raw)
	return &k, nil
}

// Encode seals teamMemberID for the card. info is the human readable line
// (nickname and team).
func Encode(roundKey []byte, teamMemberID int64, info string) (Payload, error) {
	k, err := parseKey(roundKey)
	if err != nil {
		return Payload{}, err
	}
	tok, err := fernet.EncryptAndSign([]byte(strconv.FormatInt(teamMemberID, 10)), k)
	if err != nil {
		return Payload{}, fmt.Errorf("seal card: %w", err)
	}
	return Payload{Info: info, Data: base64.StdEncoding.EncodeToString(tok)}, nil
}

// Decode returns the team member id sealed in data. Cards do not expire.
func Decode(roundKey []byte, data string) (int64, error) {
	k, err := parseKey(roundKey)
	if err != nil {
		return 0, err
	}
	tok, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidCard, err)
	}
	msg := fernet.VerifyAndDecrypt(tok, -1, []*fernet.Key{k})
	if msg == nil {
		return 0, ErrInvalidCard
	}
	id, err := strconv.ParseInt(string(msg), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidCard, err)
	}
	return id, nil
}

// JSON renders the payload as printed on the card.
func (p Payload) JSON() (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
