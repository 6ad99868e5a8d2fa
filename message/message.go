// Package message implements the host-chain wire protocol: a fixed envelope
// carrying one of the anchoring service's two message kinds, or one of the
// host-level transactions, trailed by an ed25519 signature from the sender's
// service key.
package message

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/crypto"
	"github.com/tendermint/tendermint/crypto/ed25519"
)

// Wire identifiers. These are part of the protocol and must match on every
// validator.
const (
	// ServiceHost : embedding-level transactions (config scheduling,
	// validator set changes)
	ServiceHost uint16 = 0
	// ServiceAnchoring : the anchoring service's message family
	ServiceAnchoring uint16 = 3

	// KindSignature : a validator's signature over one proposal input
	KindSignature uint16 = 0
	// KindUpdateLatest : a validator advancing its LECT
	KindUpdateLatest uint16 = 1

	// KindConfig : schedules a StoredConfiguration (host service)
	KindConfig uint16 = 0
	// KindValidatorUpdate : tendermint validator set change (host service)
	KindValidatorUpdate uint16 = 1
)

// Envelope: network id (0), protocol version (0), service tag u16 LE, message
// type u16 LE, total length u32 LE. The trailer is a 64-byte ed25519
// signature over everything before it.
const (
	envelopeLen = 10
	trailerLen  = 64

	// caps enforced when building outgoing messages
	maxTxLen  = 1 << 20
	maxSigLen = 1 << 10
)

var (
	ErrTooShort             = errors.New("message too short")
	ErrLengthMismatch       = errors.New("message length field does not match buffer")
	ErrUnknownService       = errors.New("unknown service tag")
	ErrIncorrectMessageType = errors.New("incorrect message type")
	ErrBadSegment           = errors.New("segment does not match the canonical layout")
	ErrBadSignature         = errors.New("message signature verification failed")
)

// Message : operations shared by every wire message
type Message interface {
	Service() uint16
	Kind() uint16
	From() []byte
	Raw() []byte
	Hash() []byte
	Verify() error
}

type base struct {
	raw []byte
}

func (b base) Service() uint16 {
	return binary.LittleEndian.Uint16(b.raw[2:4])
}

func (b base) Kind() uint16 {
	return binary.LittleEndian.Uint16(b.raw[4:6])
}

func (b base) Raw() []byte {
	return b.raw
}

func (b base) body() []byte {
	return b.raw[envelopeLen : len(b.raw)-trailerLen]
}

// From : the sender's raw ed25519 service key
func (b base) From() []byte {
	return b.body()[0:32]
}

// Hash : sha256 over the full raw message, signature included
func (b base) Hash() []byte {
	h := sha256.Sum256(b.raw)
	return h[:]
}

// Verify : check the envelope trailer against the sender key
func (b base) Verify() error {
	var pk ed25519.PubKeyEd25519
	copy(pk[:], b.From())
	signed := b.raw[:len(b.raw)-trailerLen]
	if !pk.VerifyBytes(signed, b.raw[len(b.raw)-trailerLen:]) {
		return ErrBadSignature
	}
	return nil
}

// Decode : parse and dispatch a raw wire message. Unknown kinds within a
// known service are rejected with ErrIncorrectMessageType and never reach
// execution.
func Decode(raw []byte) (Message, error) {
	if len(raw) < envelopeLen+trailerLen {
		return nil, ErrTooShort
	}
	if raw[0] != 0 || raw[1] != 0 {
		return nil, ErrUnknownService
	}
	total := binary.LittleEndian.Uint32(raw[6:10])
	if uint64(total) != uint64(len(raw)) {
		return nil, ErrLengthMismatch
	}
	service := binary.LittleEndian.Uint16(raw[2:4])
	kind := binary.LittleEndian.Uint16(raw[4:6])
	switch service {
	case ServiceAnchoring:
		switch kind {
		case KindSignature:
			return parseSignature(raw)
		case KindUpdateLatest:
			return parseUpdateLatest(raw)
		}
		return nil, ErrIncorrectMessageType
	case ServiceHost:
		switch kind {
		case KindConfig, KindValidatorUpdate:
			return parseHostTx(raw)
		}
		return nil, ErrIncorrectMessageType
	}
	return nil, ErrUnknownService
}

// newEnvelope : frame and sign a message body
func newEnvelope(service, kind uint16, body []byte, priv crypto.PrivKey) ([]byte, error) {
	total := envelopeLen + len(body) + trailerLen
	raw := make([]byte, envelopeLen, total)
	binary.LittleEndian.PutUint16(raw[2:4], service)
	binary.LittleEndian.PutUint16(raw[4:6], kind)
	binary.LittleEndian.PutUint32(raw[6:10], uint32(total))
	raw = append(raw, body...)
	sig, err := priv.Sign(raw)
	if err != nil {
		return nil, errors.Wrap(err, "signing message")
	}
	if len(sig) != trailerLen {
		return nil, errors.Errorf("unexpected signature length %d", len(sig))
	}
	return append(raw, sig...), nil
}

// senderKeyBytes : raw 32-byte form of an ed25519 service key
func senderKeyBytes(pub crypto.PubKey) ([]byte, error) {
	pk, ok := pub.(ed25519.PubKeyEd25519)
	if !ok {
		return nil, errors.New("service key must be ed25519")
	}
	return pk[:], nil
}

// segment : an 8-byte pointer into the body's variable region
type segment struct {
	off    uint32
	length uint32
}

func putSegment(dst []byte, s segment) {
	binary.LittleEndian.PutUint32(dst[0:4], s.off)
	binary.LittleEndian.PutUint32(dst[4:8], s.length)
}

func readSegment(src []byte) segment {
	return segment{
		off:    binary.LittleEndian.Uint32(src[0:4]),
		length: binary.LittleEndian.Uint32(src[4:8]),
	}
}

// checkSegments : the canonical layout packs segments in field order,
// contiguously, directly after the fixed header, with no trailing slack.
// Anything else is rejected so a message has exactly one encoding.
func checkSegments(body []byte, fixedLen int, segs []segment) error {
	expected := uint64(fixedLen)
	for _, s := range segs {
		if uint64(s.off) != expected {
			return ErrBadSegment
		}
		expected += uint64(s.length)
	}
	if expected != uint64(len(body)) {
		return ErrBadSegment
	}
	return nil
}
