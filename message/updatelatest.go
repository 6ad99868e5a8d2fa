package message

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/crypto"
)

// UpdateLatest layout, 52-byte fixed header inside the body:
//
//	[0..32)  sender service key
//	[32..36) validator index (u32 LE)
//	[36..44) tx segment
//	[44..52) LECT count (u64 LE)
const updateLatestHeaderLen = 52

// UpdateLatest : a validator asserting a new Latest Expected Confirmed
// Transaction. LectCount is the asserted post-append length of the sender's
// LECT history; executors reject mismatches.
type UpdateLatest struct {
	base
}

// NewUpdateLatest : build and sign an outgoing UpdateLatest message
func NewUpdateLatest(priv crypto.PrivKey, validator uint32, txRaw []byte, lectCount uint64) (*UpdateLatest, error) {
	if len(txRaw) == 0 || len(txRaw) > maxTxLen {
		return nil, errors.Errorf("tx segment length %d out of range", len(txRaw))
	}
	from, err := senderKeyBytes(priv.PubKey())
	if err != nil {
		return nil, err
	}
	body := make([]byte, updateLatestHeaderLen, updateLatestHeaderLen+len(txRaw))
	copy(body[0:32], from)
	binary.LittleEndian.PutUint32(body[32:36], validator)
	putSegment(body[36:44], segment{off: updateLatestHeaderLen, length: uint32(len(txRaw))})
	binary.LittleEndian.PutUint64(body[44:52], lectCount)
	body = append(body, txRaw...)
	raw, err := newEnvelope(ServiceAnchoring, KindUpdateLatest, body, priv)
	if err != nil {
		return nil, err
	}
	return &UpdateLatest{base{raw}}, nil
}

func parseUpdateLatest(raw []byte) (*UpdateLatest, error) {
	body := raw[envelopeLen : len(raw)-trailerLen]
	if len(body) < updateLatestHeaderLen {
		return nil, ErrTooShort
	}
	txSeg := readSegment(body[36:44])
	if err := checkSegments(body, updateLatestHeaderLen, []segment{txSeg}); err != nil {
		return nil, err
	}
	if txSeg.length == 0 {
		return nil, ErrBadSegment
	}
	return &UpdateLatest{base{raw}}, nil
}

// Validator : the sender's index into the active config
func (u *UpdateLatest) Validator() uint32 {
	return binary.LittleEndian.Uint32(u.body()[32:36])
}

// TxRaw : the raw bitcoin transaction asserted as the new LECT
func (u *UpdateLatest) TxRaw() []byte {
	seg := readSegment(u.body()[36:44])
	return u.body()[seg.off : seg.off+seg.length]
}

// LectCount : asserted post-append length of the sender's LECT history
func (u *UpdateLatest) LectCount() uint64 {
	return binary.LittleEndian.Uint64(u.body()[44:52])
}
