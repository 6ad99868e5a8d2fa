package message

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/crypto"
)

// Signature layout, 56-byte fixed header inside the body:
//
//	[0..32)  sender service key
//	[32..36) validator index (u32 LE)
//	[36..44) anchoring tx segment
//	[44..48) input index (u32 LE)
//	[48..56) signature segment
const signatureHeaderLen = 56

// Signature : a validator's signature over one input of a canonical
// anchoring proposal, broadcast through the host mempool.
type Signature struct {
	base
}

// NewSignature : build and sign an outgoing Signature message
func NewSignature(priv crypto.PrivKey, validator uint32, txRaw []byte, input uint32, btcSig []byte) (*Signature, error) {
	if len(txRaw) == 0 || len(txRaw) > maxTxLen {
		return nil, errors.Errorf("anchoring tx segment length %d out of range", len(txRaw))
	}
	if len(btcSig) == 0 || len(btcSig) > maxSigLen {
		return nil, errors.Errorf("signature segment length %d out of range", len(btcSig))
	}
	from, err := senderKeyBytes(priv.PubKey())
	if err != nil {
		return nil, err
	}
	body := make([]byte, signatureHeaderLen, signatureHeaderLen+len(txRaw)+len(btcSig))
	copy(body[0:32], from)
	binary.LittleEndian.PutUint32(body[32:36], validator)
	putSegment(body[36:44], segment{off: signatureHeaderLen, length: uint32(len(txRaw))})
	binary.LittleEndian.PutUint32(body[44:48], input)
	putSegment(body[48:56], segment{off: signatureHeaderLen + uint32(len(txRaw)), length: uint32(len(btcSig))})
	body = append(body, txRaw...)
	body = append(body, btcSig...)
	raw, err := newEnvelope(ServiceAnchoring, KindSignature, body, priv)
	if err != nil {
		return nil, err
	}
	return &Signature{base{raw}}, nil
}

func parseSignature(raw []byte) (*Signature, error) {
	body := raw[envelopeLen : len(raw)-trailerLen]
	if len(body) < signatureHeaderLen {
		return nil, ErrTooShort
	}
	txSeg := readSegment(body[36:44])
	sigSeg := readSegment(body[48:56])
	if err := checkSegments(body, signatureHeaderLen, []segment{txSeg, sigSeg}); err != nil {
		return nil, err
	}
	if txSeg.length == 0 || sigSeg.length == 0 {
		return nil, ErrBadSegment
	}
	return &Signature{base{raw}}, nil
}

// Validator : the sender's index into the active config
func (s *Signature) Validator() uint32 {
	return binary.LittleEndian.Uint32(s.body()[32:36])
}

// TxRaw : the canonical unsigned anchoring transaction being signed
func (s *Signature) TxRaw() []byte {
	seg := readSegment(s.body()[36:44])
	return s.body()[seg.off : seg.off+seg.length]
}

// Input : which input of the anchoring transaction this signature covers
func (s *Signature) Input() uint32 {
	return binary.LittleEndian.Uint32(s.body()[44:48])
}

// SignatureBytes : DER signature plus the sighash-type byte
func (s *Signature) SignatureBytes() []byte {
	seg := readSegment(s.body()[48:56])
	return s.body()[seg.off : seg.off+seg.length]
}
