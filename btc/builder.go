package btc

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"
)

// anchoringTxVersion : anchoring transactions are version 1 on the wire. The
// version is part of the canonical proposal, so it must match on every
// validator.
const anchoringTxVersion = 1

// ErrInsufficientFunds : the spendable inputs do not cover the fee
var ErrInsufficientFunds = errors.New("inputs do not cover the anchoring fee")

// ProposalInput : one outpoint of the proposal plus its value. Values come
// from transactions already recorded in the schema, keeping construction
// deterministic.
type ProposalInput struct {
	OutPoint wire.OutPoint
	Value    int64
}

// Proposal : a canonical unsigned anchoring transaction. Every validator
// reconstructs the identical proposal from chain state, so TxID is stable
// before any signature exists and keys the signature collection. The
// finalized transaction carries scriptSigs and therefore broadcasts under a
// different txid.
type Proposal struct {
	Tx           *wire.MsgTx
	Inputs       []ProposalInput
	RedeemScript []byte
	Payload      Payload
}

// InputSignature : a validator's signature over one proposal input. Signature
// bytes are DER followed by the sighash-type byte.
type InputSignature struct {
	Validator uint32
	Signature []byte
}

// BuildProposal : assemble the canonical anchoring transaction. Output 0 pays
// payScript with the input total minus the fee; output 1 carries the payload.
// Input order is the caller's order and part of the canonical form.
func BuildProposal(inputs []ProposalInput, redeemScript []byte, payScript []byte, payload Payload, fee int64) (*Proposal, error) {
	if len(inputs) == 0 {
		return nil, errors.New("proposal needs at least one input")
	}
	total := int64(0)
	for _, in := range inputs {
		total += in.Value
	}
	if total <= fee {
		return nil, ErrInsufficientFunds
	}
	tx := wire.NewMsgTx(anchoringTxVersion)
	for _, in := range inputs {
		op := in.OutPoint
		tx.AddTxIn(wire.NewTxIn(&op, nil, nil))
	}
	tx.AddTxOut(wire.NewTxOut(total-fee, payScript))
	payloadScript, err := payload.Script()
	if err != nil {
		return nil, errors.Wrap(err, "building payload script")
	}
	tx.AddTxOut(wire.NewTxOut(0, payloadScript))
	return &Proposal{
		Tx:           tx,
		Inputs:       inputs,
		RedeemScript: redeemScript,
		Payload:      payload,
	}, nil
}

// TxID : txid of the unsigned canonical form
func (p *Proposal) TxID() chainhash.Hash {
	return p.Tx.TxHash()
}

// Raw : serialized unsigned canonical form
func (p *Proposal) Raw() []byte {
	return SerializeTx(p.Tx)
}

// SignInput : produce this validator's signature over one input. The result
// is DER plus the SigHashAll byte, ready to travel in a Signature message.
func SignInput(tx *wire.MsgTx, input int, redeemScript []byte, key *btcec.PrivateKey) ([]byte, error) {
	if input < 0 || input >= len(tx.TxIn) {
		return nil, errors.Errorf("input %d out of range", input)
	}
	sig, err := txscript.RawTxInSignature(tx, input, redeemScript, txscript.SigHashAll, key)
	if err != nil {
		return nil, errors.Wrapf(err, "signing input %d", input)
	}
	return sig, nil
}

// VerifyInputSignature : check a signature against one input of tx under the
// redeem script. Requires the SigHashAll marker so every collected signature
// commits to the whole transaction.
func VerifyInputSignature(tx *wire.MsgTx, input int, redeemScript []byte, pub *btcec.PublicKey, sig []byte) bool {
	if input < 0 || input >= len(tx.TxIn) {
		return false
	}
	if len(sig) < 2 || txscript.SigHashType(sig[len(sig)-1]) != txscript.SigHashAll {
		return false
	}
	parsed, err := ecdsa.ParseDERSignature(sig[:len(sig)-1])
	if err != nil {
		return false
	}
	hash, err := txscript.CalcSignatureHash(redeemScript, txscript.SigHashAll, tx, input)
	if err != nil {
		return false
	}
	return parsed.Verify(hash, pub)
}

// Finalize : assemble the fully signed transaction once every input has at
// least m distinct validator signatures. Signatures are ordered to match the
// sorted-key order committed in the redeem script; only the first m (in that
// order) are used per input. The input transaction is not mutated.
func Finalize(tx *wire.MsgTx, redeemScript []byte, cfgKeys []*btcec.PublicKey, m int, sigs map[int][]InputSignature) (*wire.MsgTx, error) {
	if m < 1 || m > len(cfgKeys) {
		return nil, errors.Errorf("threshold %d outside [1, %d]", m, len(cfgKeys))
	}
	sorted := SortedKeys(cfgKeys)
	signed := tx.Copy()
	for i := range signed.TxIn {
		inputSigs := sigs[i]
		picked, err := pickOrdered(inputSigs, cfgKeys, sorted, m)
		if err != nil {
			return nil, errors.Wrapf(err, "input %d", i)
		}
		builder := txscript.NewScriptBuilder()
		// CHECKMULTISIG consumes one extra stack element.
		builder.AddOp(txscript.OP_FALSE)
		for _, sig := range picked {
			builder.AddData(sig)
		}
		builder.AddData(redeemScript)
		script, err := builder.Script()
		if err != nil {
			return nil, errors.Wrapf(err, "building scriptSig for input %d", i)
		}
		signed.TxIn[i].SignatureScript = script
	}
	return signed, nil
}

// pickOrdered : dedupe by validator, order by redeem-script key position,
// take the first m.
func pickOrdered(inputSigs []InputSignature, cfgKeys, sorted []*btcec.PublicKey, m int) ([][]byte, error) {
	byPosition := make(map[int][]byte)
	seen := make(map[uint32]bool)
	for _, s := range inputSigs {
		if seen[s.Validator] {
			continue
		}
		if int(s.Validator) >= len(cfgKeys) {
			return nil, errors.Errorf("validator index %d out of range", s.Validator)
		}
		seen[s.Validator] = true
		pos := KeyPosition(sorted, cfgKeys[s.Validator])
		byPosition[pos] = s.Signature
	}
	if len(byPosition) < m {
		return nil, errors.Errorf("have %d signatures, need %d", len(byPosition), m)
	}
	picked := make([][]byte, 0, m)
	for pos := 0; pos < len(sorted) && len(picked) < m; pos++ {
		if sig, ok := byPosition[pos]; ok {
			picked = append(picked, sig)
		}
	}
	return picked, nil
}
