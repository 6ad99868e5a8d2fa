package btc

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// PayloadLen : 8-byte big-endian host height followed by the 32-byte host block hash
const PayloadLen = 40

// Payload : the host-chain commitment carried by an anchoring transaction's
// OP_RETURN output.
type Payload struct {
	Height    int64
	BlockHash [32]byte
}

// Encode : fixed 40-byte wire form
func (p Payload) Encode() []byte {
	buf := make([]byte, PayloadLen)
	binary.BigEndian.PutUint64(buf[:8], uint64(p.Height))
	copy(buf[8:], p.BlockHash[:])
	return buf
}

// ParsePayload : inverse of Encode. Returns false for anything that is not
// exactly the expected shape.
func ParsePayload(data []byte) (Payload, bool) {
	if len(data) != PayloadLen {
		return Payload{}, false
	}
	var p Payload
	p.Height = int64(binary.BigEndian.Uint64(data[:8]))
	if p.Height < 0 {
		return Payload{}, false
	}
	copy(p.BlockHash[:], data[8:])
	return p, true
}

// Script : the OP_RETURN output script committing this payload
func (p Payload) Script() ([]byte, error) {
	return txscript.NullDataScript(p.Encode())
}

// BlockHashHex : hex form of the committed host block hash
func (p Payload) BlockHashHex() string {
	return hex.EncodeToString(p.BlockHash[:])
}

// PayloadFromTx : extract the payload from a transaction's OP_RETURN output.
// Exactly one well-formed payload output must be present.
func PayloadFromTx(tx *wire.MsgTx) (Payload, bool) {
	var found Payload
	count := 0
	for _, out := range tx.TxOut {
		if len(out.PkScript) == 0 || out.PkScript[0] != txscript.OP_RETURN {
			continue
		}
		pushes, err := txscript.PushedData(out.PkScript)
		if err != nil || len(pushes) != 1 {
			continue
		}
		p, ok := ParsePayload(pushes[0])
		if !ok {
			continue
		}
		found = p
		count++
	}
	if count != 1 {
		return Payload{}, false
	}
	return found, true
}

// PayloadFromHash : convenience constructor from a raw host block hash
func PayloadFromHash(height int64, blockHash []byte) (Payload, bool) {
	if len(blockHash) != 32 {
		return Payload{}, false
	}
	p := Payload{Height: height}
	copy(p.BlockHash[:], blockHash)
	return p, true
}

// Equal : payload comparison
func (p Payload) Equal(other Payload) bool {
	return p.Height == other.Height && bytes.Equal(p.BlockHash[:], other.BlockHash[:])
}
