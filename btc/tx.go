package btc

import (
	"bytes"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"
)

// TxKind : the classification of a raw bitcoin transaction relative to the
// active multisig address.
type TxKind int

const (
	// TxKindOther : no output pays the multisig address; dropped silently
	TxKindOther TxKind = iota
	// TxKindFunding : pays the multisig address without the anchoring shape
	TxKindFunding
	// TxKindAnchoring : spends a previous multisig output and commits a payload
	TxKindAnchoring
)

func (k TxKind) String() string {
	switch k {
	case TxKindFunding:
		return "funding"
	case TxKindAnchoring:
		return "anchoring"
	}
	return "other"
}

// ParseTx : decode a raw bitcoin transaction
func ParseTx(raw []byte) (*wire.MsgTx, error) {
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, errors.Wrap(err, "parsing bitcoin tx")
	}
	return tx, nil
}

// SerializeTx : encode a bitcoin transaction to raw bytes
func SerializeTx(tx *wire.MsgTx) []byte {
	var buf bytes.Buffer
	// Serialize on a memory buffer cannot fail.
	_ = tx.Serialize(&buf)
	return buf.Bytes()
}

// TxIDFromRaw : txid of a raw transaction
func TxIDFromRaw(raw []byte) (chainhash.Hash, error) {
	tx, err := ParseTx(raw)
	if err != nil {
		return chainhash.Hash{}, err
	}
	return tx.TxHash(), nil
}

// Classify : pure classification of tx against the active redeem script.
// Anchoring means at least one input, an output paying the multisig address
// and exactly one well-formed payload output; Funding means it pays the
// address without the anchoring shape; everything else is Other.
func Classify(tx *wire.MsgTx, redeemScript []byte, params *chaincfg.Params) TxKind {
	if _, _, ok := MultisigOutput(tx, redeemScript, params); !ok {
		return TxKindOther
	}
	if _, ok := PayloadFromTx(tx); ok && len(tx.TxIn) > 0 {
		return TxKindAnchoring
	}
	return TxKindFunding
}

// MultisigOutput : the first output paying the redeem script's address
func MultisigOutput(tx *wire.MsgTx, redeemScript []byte, params *chaincfg.Params) (int, int64, bool) {
	payScript, err := PayScript(redeemScript, params)
	if err != nil {
		return 0, 0, false
	}
	for i, out := range tx.TxOut {
		if bytes.Equal(out.PkScript, payScript) {
			return i, out.Value, true
		}
	}
	return 0, 0, false
}

// MultisigOutPoint : the outpoint and value a successor anchoring tx must spend
func MultisigOutPoint(tx *wire.MsgTx, redeemScript []byte, params *chaincfg.Params) (wire.OutPoint, int64, error) {
	idx, value, ok := MultisigOutput(tx, redeemScript, params)
	if !ok {
		return wire.OutPoint{}, 0, errors.New("no output pays the multisig address")
	}
	return wire.OutPoint{Hash: tx.TxHash(), Index: uint32(idx)}, value, nil
}

// SpendsOutPoint : whether any input of tx spends the given outpoint
func SpendsOutPoint(tx *wire.MsgTx, op wire.OutPoint) bool {
	for _, in := range tx.TxIn {
		if in.PreviousOutPoint == op {
			return true
		}
	}
	return false
}
