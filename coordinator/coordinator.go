package coordinator

import (
	"encoding/hex"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/tendermint/tendermint/libs/log"

	"github.com/anchorhq/anchor-core/btc"
	"github.com/anchorhq/anchor-core/election"
	"github.com/anchorhq/anchor-core/message"
	"github.com/anchorhq/anchor-core/schema"
	"github.com/anchorhq/anchor-core/types"
)

// State : where the current anchoring round stands from the local view
type State int

const (
	StateIdle State = iota
	StateCollecting
	StateAwaiting
	StateTransferring
)

func (s State) String() string {
	switch s {
	case StateCollecting:
		return "collecting_signatures"
	case StateAwaiting:
		return "awaiting_confirmation"
	case StateTransferring:
		return "transferring"
	}
	return "idle"
}

// Evaluation : the outcome of one deterministic coordinator pass at a block
// boundary. Every validator computes the same Evaluation from the same
// chain state; only SignInputs depends on the local validator index. The
// relay acts on it, and nothing the relay learns re-enters consensus except
// as host-chain messages.
type Evaluation struct {
	State        State
	Height       int64
	Config       *types.AnchoringConfig
	ConfigHeight int64
	Following    *types.StoredConfiguration

	Point    *types.AnchorPoint
	Proposer int
	Proposal *btc.Proposal

	// SignInputs : proposal inputs the local validator still has to sign
	SignInputs []int
	// Finalized : the fully signed transaction once the threshold is met.
	// Its txid differs from the proposal's; scriptSigs are part of the id.
	Finalized   *wire.MsgTx
	FinalizedID *chainhash.Hash
	// Submitter : the validator elected to broadcast Finalized
	Submitter int

	// ImportAddress : the next multisig address, set while a configuration
	// handoff is pending so the relay can import it watch-only
	ImportAddress string
}

// Evaluate : derive the round state and the local validator's duties from
// the schema and the recorded anchor point. me is the local index in the
// active config, -1 for a non-validator. Errors are storage faults; a round
// that simply cannot progress yields an Evaluation without duties.
func Evaluate(s *schema.Schema, state types.AnchorState, me int, logger log.Logger) (*Evaluation, error) {
	cfg, cfgHeight, err := s.CurrentConfig(state.Height)
	if err != nil {
		return nil, err
	}
	following, err := s.FollowingConfig(state.Height)
	if err != nil {
		return nil, err
	}
	ev := &Evaluation{
		State:        StateIdle,
		Height:       state.Height,
		Config:       cfg,
		ConfigHeight: cfgHeight,
		Following:    following,
		Proposer:     -1,
		Submitter:    -1,
	}
	if following != nil {
		ev.State = StateTransferring
		addr, err := MultisigAddress(&following.Anchoring)
		if err != nil {
			logger.Error("following config has no derivable address", "err", err)
		} else {
			ev.ImportAddress = addr
		}
	}

	point := state.AnchorPoint
	if following != nil && state.TransferPoint != nil {
		point = state.TransferPoint
	}
	if point == nil {
		return ev, nil
	}
	// A point recorded before the active configuration took effect belongs
	// to a round the handoff already settled; it must not seed a new one.
	if point.Height < cfgHeight {
		return ev, nil
	}
	ev.Point = point

	params, err := cfg.ChainParams()
	if err != nil {
		return nil, err
	}
	keys, err := cfg.BitcoinKeys()
	if err != nil {
		return nil, err
	}
	redeemScript, err := btc.RedeemScript(keys, int(cfg.Threshold), params)
	if err != nil {
		return nil, err
	}

	n := len(cfg.Validators)
	proposer := int((point.Height / cfg.Interval) % int64(n))
	ev.Proposer = proposer

	blockHash, err := hex.DecodeString(point.BlockHash)
	if err != nil {
		logger.Error("anchor point block hash is not hex", "hash", point.BlockHash)
		return ev, nil
	}
	payload, ok := btc.PayloadFromHash(point.Height, blockHash)
	if !ok {
		logger.Error("anchor point does not form a payload", "height", point.Height)
		return ev, nil
	}

	prevRaw, err := s.Lect(uint32(proposer))
	if err != nil {
		return nil, err
	}
	if prevRaw == nil {
		logger.Error("proposer has no lect", "proposer", proposer)
		return ev, nil
	}
	prevTx, err := btc.ParseTx(prevRaw)
	if err != nil {
		return nil, err
	}

	// The proposer's tip already commits this payload: round complete.
	if prev, ok := btc.PayloadFromTx(prevTx); ok && prev.Equal(payload) {
		return ev, nil
	}

	prevOut, prevValue, err := btc.MultisigOutPoint(prevTx, redeemScript, params)
	if err != nil {
		logger.Info("proposer lect does not pay the active multisig yet", "proposer", proposer)
		return ev, nil
	}
	inputs := []btc.ProposalInput{{OutPoint: prevOut, Value: prevValue}}
	if in, ok, err := unconsumedFunding(s, cfg, uint32(proposer), prevOut, redeemScript, params); err != nil {
		return nil, err
	} else if ok {
		inputs = append(inputs, in)
	}

	payScript, err := targetPayScript(cfg, following, point.Transfer)
	if err != nil {
		return nil, err
	}
	proposal, err := btc.BuildProposal(inputs, redeemScript, payScript, payload, cfg.Fee)
	if err != nil {
		logger.Error("cannot build anchoring proposal", "err", err, "height", point.Height)
		return ev, nil
	}
	ev.Proposal = proposal

	txid := proposal.TxID()
	sigs, err := s.Signatures(&txid)
	if err != nil {
		return nil, err
	}
	byInput := make(map[int][]btc.InputSignature)
	for _, sig := range sigs {
		in := int(sig.Input())
		byInput[in] = append(byInput[in], btc.InputSignature{
			Validator: sig.Validator(),
			Signature: sig.SignatureBytes(),
		})
	}
	m := int(cfg.Threshold)
	complete := true
	for i := range proposal.Tx.TxIn {
		if len(byInput[i]) < m {
			complete = false
			break
		}
	}

	if complete {
		finalized, err := btc.Finalize(proposal.Tx, redeemScript, keys, m, byInput)
		if err != nil {
			logger.Error("threshold met but finalization failed", "err", err)
			return ev, nil
		}
		if ev.State != StateTransferring {
			ev.State = StateAwaiting
		}
		ev.Finalized = finalized
		finalizedID := finalized.TxHash()
		ev.FinalizedID = &finalizedID
		ev.Submitter = election.First(point.BlockHash, n)
		return ev, nil
	}

	if ev.State != StateTransferring {
		ev.State = StateCollecting
	}
	if me < 0 || me >= n {
		return ev, nil
	}
	duties, err := signDuties(s, proposal, uint32(me), redeemScript, params, sigs)
	if err != nil {
		return nil, err
	}
	ev.SignInputs = duties
	return ev, nil
}

// signDuties : the inputs me still has to sign, provided the proposal spends
// the multisig output of me's current lect. A proposal built on somebody
// else's view of the chain gets no signature until the local lect catches up.
func signDuties(s *schema.Schema, proposal *btc.Proposal, me uint32, redeemScript []byte, params *chaincfg.Params, sigs []*message.Signature) ([]int, error) {
	myRaw, err := s.Lect(me)
	if err != nil || myRaw == nil {
		return nil, err
	}
	myTx, err := btc.ParseTx(myRaw)
	if err != nil {
		return nil, err
	}
	myOut, _, err := btc.MultisigOutPoint(myTx, redeemScript, params)
	if err != nil {
		return nil, nil
	}
	if proposal.Tx.TxIn[0].PreviousOutPoint != myOut {
		return nil, nil
	}
	signed := make(map[int]bool)
	for _, sig := range sigs {
		if sig.Validator() == me {
			signed[int(sig.Input())] = true
		}
	}
	duties := make([]int, 0, len(proposal.Tx.TxIn))
	for i := range proposal.Tx.TxIn {
		if !signed[i] {
			duties = append(duties, i)
		}
	}
	return duties, nil
}

// unconsumedFunding : the active config's funding output, when it pays the
// active multisig, is not already the outpoint being spent, and no entry of
// the proposer's history spends it.
func unconsumedFunding(s *schema.Schema, cfg *types.AnchoringConfig, proposer uint32, prevOut wire.OutPoint, redeemScript []byte, params *chaincfg.Params) (btc.ProposalInput, bool, error) {
	raw, err := cfg.FundingTxBytes()
	if err != nil {
		return btc.ProposalInput{}, false, nil
	}
	fundingTx, err := btc.ParseTx(raw)
	if err != nil {
		return btc.ProposalInput{}, false, nil
	}
	out, value, err := btc.MultisigOutPoint(fundingTx, redeemScript, params)
	if err != nil {
		return btc.ProposalInput{}, false, nil
	}
	if out == prevOut {
		return btc.ProposalInput{}, false, nil
	}
	count, err := s.LectCount(proposer)
	if err != nil {
		return btc.ProposalInput{}, false, err
	}
	for i := uint64(0); i < count; i++ {
		entry, err := s.LectAt(proposer, i)
		if err != nil {
			return btc.ProposalInput{}, false, err
		}
		tx, err := btc.ParseTx(entry)
		if err != nil {
			return btc.ProposalInput{}, false, err
		}
		if btc.SpendsOutPoint(tx, out) {
			return btc.ProposalInput{}, false, nil
		}
	}
	return btc.ProposalInput{OutPoint: out, Value: value}, true, nil
}

// targetPayScript : where the proposal's multisig output pays. Transfer
// rounds deposit to the following configuration's address.
func targetPayScript(cfg *types.AnchoringConfig, following *types.StoredConfiguration, transfer bool) ([]byte, error) {
	target := cfg
	if transfer && following != nil {
		target = &following.Anchoring
	}
	params, err := target.ChainParams()
	if err != nil {
		return nil, err
	}
	keys, err := target.BitcoinKeys()
	if err != nil {
		return nil, err
	}
	redeemScript, err := btc.RedeemScript(keys, int(target.Threshold), params)
	if err != nil {
		return nil, err
	}
	return btc.PayScript(redeemScript, params)
}

// MultisigAddress : the P2SH address of a config's redeem script
func MultisigAddress(cfg *types.AnchoringConfig) (string, error) {
	params, err := cfg.ChainParams()
	if err != nil {
		return "", err
	}
	keys, err := cfg.BitcoinKeys()
	if err != nil {
		return "", err
	}
	redeemScript, err := btc.RedeemScript(keys, int(cfg.Threshold), params)
	if err != nil {
		return "", err
	}
	address, err := btc.ScriptAddress(redeemScript, params)
	if err != nil {
		return "", err
	}
	return address.EncodeAddress(), nil
}
