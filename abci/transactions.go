package abci

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/abci/example/code"
	types2 "github.com/tendermint/tendermint/abci/types"
	"github.com/tendermint/tendermint/libs/kv"

	"github.com/anchorhq/anchor-core/btc"
	"github.com/anchorhq/anchor-core/message"
	"github.com/anchorhq/anchor-core/schema"
	"github.com/anchorhq/anchor-core/types"
)

// validateTx : CheckTx. Rejects everything DeliverTx would refuse to apply,
// keeping garbage out of the mempool. While syncing, structural decoding is
// still enforced but stateful checks are skipped.
func (app *AnchorApplication) validateTx(rawTx []byte) types2.ResponseCheckTx {
	msg, err := message.Decode(rawTx)
	if app.LogError(err) != nil {
		return types2.ResponseCheckTx{Code: code.CodeTypeEncodingError, Log: err.Error(), GasWanted: 1}
	}
	if err := msg.Verify(); app.LogError(err) != nil {
		return types2.ResponseCheckTx{Code: code.CodeTypeUnauthorized, Log: err.Error(), GasWanted: 1}
	}
	if !app.state.ChainSynced {
		app.logger.Info("Syncing, tx validation skipped")
		return types2.ResponseCheckTx{Code: code.CodeTypeOK, GasWanted: 1}
	}
	var checkErr error
	switch m := msg.(type) {
	case *message.Signature:
		checkErr = app.checkSignature(m)
	case *message.UpdateLatest:
		checkErr = app.checkUpdateLatest(m)
	case *message.HostTx:
		checkErr = app.checkHostTx(m)
	}
	if app.LogError(checkErr) != nil {
		return types2.ResponseCheckTx{Code: code.CodeTypeUnauthorized, Log: checkErr.Error(), GasWanted: 1}
	}
	return types2.ResponseCheckTx{Code: code.CodeTypeOK, GasWanted: 1}
}

// updateStateFromTx : DeliverTx. A refused anchoring message is logged and
// dropped without touching state; it never aborts block application, so a
// misbehaving validator cannot halt the chain by broadcasting garbage.
// Storage faults do abort: they panic out of block application unmodified.
func (app *AnchorApplication) updateStateFromTx(rawTx []byte) types2.ResponseDeliverTx {
	msg, err := message.Decode(rawTx)
	if app.LogError(err) != nil {
		return types2.ResponseDeliverTx{Code: code.CodeTypeEncodingError, Log: err.Error()}
	}
	if err := msg.Verify(); err != nil {
		app.logger.Error("Dropping message with a bad envelope signature", "kind", msg.Kind())
		return types2.ResponseDeliverTx{Code: code.CodeTypeUnauthorized, Log: err.Error()}
	}
	var resp types2.ResponseDeliverTx
	tags := []kv.Pair{}
	switch m := msg.(type) {
	case *message.Signature:
		resp, tags = app.execSignature(m)
	case *message.UpdateLatest:
		resp, tags = app.execUpdateLatest(m)
	case *message.HostTx:
		resp, tags = app.execHostTx(m)
	}
	resp.Events = []types2.Event{{Type: kindName(msg), Attributes: tags}}
	return resp
}

func kindName(msg message.Message) string {
	if msg.Service() == message.ServiceHost {
		if msg.Kind() == message.KindValidatorUpdate {
			return "validator_update"
		}
		return "config"
	}
	if msg.Kind() == message.KindUpdateLatest {
		return "update_latest"
	}
	return "signature"
}

// activeConfig : the anchoring config messages in this block execute under
func (app *AnchorApplication) activeConfig() (*types.AnchoringConfig, error) {
	cfg, _, err := app.Schema.CurrentConfig(app.state.Height)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// senderChecks : shared acceptance checks for anchoring messages: the
// validator index is in range and the envelope sender holds that slot's
// service key.
func senderChecks(cfg *types.AnchoringConfig, validator uint32, from []byte) error {
	if int(validator) >= len(cfg.Validators) {
		return errors.Errorf("validator index %d out of range [0, %d)", validator, len(cfg.Validators))
	}
	svcKey, err := cfg.ServiceKeyBytes(int(validator))
	if err != nil {
		return err
	}
	if !bytes.Equal(svcKey, from) {
		return errors.Errorf("sender key does not hold validator slot %d", validator)
	}
	return nil
}

// checkSignature : everything execSignature verifies, as an error
func (app *AnchorApplication) checkSignature(sig *message.Signature) error {
	cfg, err := app.activeConfig()
	if err != nil {
		return err
	}
	if err := senderChecks(cfg, sig.Validator(), sig.From()); err != nil {
		return err
	}
	tx, err := btc.ParseTx(sig.TxRaw())
	if err != nil {
		return errors.Wrap(err, "signature carries an unparseable tx")
	}
	if int(sig.Input()) >= len(tx.TxIn) {
		return errors.Errorf("input %d out of range for a %d-input tx", sig.Input(), len(tx.TxIn))
	}
	params, err := cfg.ChainParams()
	if err != nil {
		return err
	}
	keys, err := cfg.BitcoinKeys()
	if err != nil {
		return err
	}
	redeemScript, err := btc.RedeemScript(keys, int(cfg.Threshold), params)
	if err != nil {
		return err
	}
	if err := app.checkPredecessor(tx.TxIn[0].PreviousOutPoint, sig.Validator(), redeemScript, cfg); err != nil {
		return err
	}
	if !btc.VerifyInputSignature(tx, int(sig.Input()), redeemScript, keys[sig.Validator()], sig.SignatureBytes()) {
		return errors.Errorf("signature by validator %d over input %d failed verification",
			sig.Validator(), sig.Input())
	}
	return nil
}

// checkPredecessor : a proposal must spend the multisig output of the
// sender's current LECT; anything else is built on a stale view of the
// anchoring chain and is discarded.
func (app *AnchorApplication) checkPredecessor(spent wire.OutPoint, validator uint32, redeemScript []byte, cfg *types.AnchoringConfig) error {
	lectRaw, err := app.Schema.Lect(validator)
	if err != nil {
		panic(err)
	}
	if lectRaw == nil {
		return errors.Errorf("validator %d has no recorded tip", validator)
	}
	lectTx, err := btc.ParseTx(lectRaw)
	if err != nil {
		return errors.Wrap(err, "stored tip is unparseable")
	}
	params, err := cfg.ChainParams()
	if err != nil {
		return err
	}
	lectOut, _, err := btc.MultisigOutPoint(lectTx, redeemScript, params)
	if err != nil {
		return errors.Wrapf(err, "validator %d tip does not pay the multisig address", validator)
	}
	if spent != lectOut {
		return errors.Errorf("proposal predecessor %s is not validator %d's tip output %s",
			spent.String(), validator, lectOut.String())
	}
	return nil
}

// execSignature : verify and record one collected signature. Failures are
// warnings; the message is ignored and block application continues.
func (app *AnchorApplication) execSignature(sig *message.Signature) (types2.ResponseDeliverTx, []kv.Pair) {
	if err := app.checkSignature(sig); err != nil {
		app.logger.Error("Ignoring invalid anchoring signature", "err", err.Error(),
			"validator", sig.Validator(), "input", sig.Input())
		return types2.ResponseDeliverTx{Code: code.CodeTypeOK}, nil
	}
	added, err := app.Schema.AddSignature(sig)
	if err != nil {
		panic(err)
	}
	txid, err := btc.TxIDFromRaw(sig.TxRaw())
	if err != nil {
		panic(err) // checkSignature already parsed it
	}
	if !added {
		app.logger.Info("Duplicate signature dropped", "txid", txid.String(),
			"validator", sig.Validator(), "input", sig.Input())
		return types2.ResponseDeliverTx{Code: code.CodeTypeOK}, nil
	}
	count, err := app.Schema.SignatureCount(&txid)
	if err != nil {
		panic(err)
	}
	app.logger.Info("Recorded anchoring signature", "txid", txid.String(),
		"validator", sig.Validator(), "input", sig.Input(), "collected", count)
	tags := []kv.Pair{
		{Key: []byte("btctx"), Value: []byte(txid.String())},
		{Key: []byte("collected"), Value: []byte(fmt.Sprintf("%d", count))},
	}
	return types2.ResponseDeliverTx{Code: code.CodeTypeOK}, tags
}

// checkUpdateLatest : everything execUpdateLatest verifies, as an error.
// The LECT count and duplicate checks live in the schema append itself.
func (app *AnchorApplication) checkUpdateLatest(update *message.UpdateLatest) error {
	cfg, err := app.activeConfig()
	if err != nil {
		return err
	}
	if err := senderChecks(cfg, update.Validator(), update.From()); err != nil {
		return err
	}
	tx, err := btc.ParseTx(update.TxRaw())
	if err != nil {
		return errors.Wrap(err, "update carries an unparseable tx")
	}
	kind, err := app.classifyForUpdate(tx, cfg)
	if err != nil {
		return err
	}
	if kind == btc.TxKindOther {
		return errors.New("carried tx pays no known multisig address")
	}
	return nil
}

// classifyForUpdate : a LECT candidate may pay the active multisig address
// or, while a handoff is pending, the following configuration's address.
func (app *AnchorApplication) classifyForUpdate(tx *wire.MsgTx, cfg *types.AnchoringConfig) (btc.TxKind, error) {
	params, err := cfg.ChainParams()
	if err != nil {
		return btc.TxKindOther, err
	}
	keys, err := cfg.BitcoinKeys()
	if err != nil {
		return btc.TxKindOther, err
	}
	redeemScript, err := btc.RedeemScript(keys, int(cfg.Threshold), params)
	if err != nil {
		return btc.TxKindOther, err
	}
	if kind := btc.Classify(tx, redeemScript, params); kind != btc.TxKindOther {
		return kind, nil
	}
	following, err := app.Schema.FollowingConfig(app.state.Height)
	if err != nil {
		return btc.TxKindOther, err
	}
	if following == nil {
		return btc.TxKindOther, nil
	}
	nextKeys, err := following.Anchoring.BitcoinKeys()
	if err != nil {
		return btc.TxKindOther, err
	}
	nextRedeem, err := btc.RedeemScript(nextKeys, int(following.Anchoring.Threshold), params)
	if err != nil {
		return btc.TxKindOther, err
	}
	return btc.Classify(tx, nextRedeem, params), nil
}

// execUpdateLatest : advance one validator's LECT history. A count mismatch
// or replayed txid is a protocol violation by the sender: warn and drop.
func (app *AnchorApplication) execUpdateLatest(update *message.UpdateLatest) (types2.ResponseDeliverTx, []kv.Pair) {
	if err := app.checkUpdateLatest(update); err != nil {
		app.logger.Error("Ignoring invalid lect update", "err", err.Error(), "validator", update.Validator())
		return types2.ResponseDeliverTx{Code: code.CodeTypeOK}, nil
	}
	err := app.Schema.AddLect(update.Validator(), update.TxRaw(), update.LectCount())
	if err == schema.ErrLectCountMismatch || err == schema.ErrLectDuplicate {
		app.logger.Error("Ignoring lect update that does not extend the history",
			"err", err.Error(), "validator", update.Validator(), "asserted_count", update.LectCount())
		return types2.ResponseDeliverTx{Code: code.CodeTypeOK}, nil
	}
	if err != nil {
		panic(err)
	}
	txid, err := btc.TxIDFromRaw(update.TxRaw())
	if err != nil {
		panic(err) // checkUpdateLatest already parsed it
	}
	app.logger.Info("Validator advanced its lect", "validator", update.Validator(),
		"txid", txid.String(), "count", update.LectCount())
	tags := []kv.Pair{
		{Key: []byte("btctx"), Value: []byte(txid.String())},
		{Key: []byte("count"), Value: []byte(fmt.Sprintf("%d", update.LectCount()))},
	}
	return types2.ResponseDeliverTx{Code: code.CodeTypeOK}, tags
}

// checkHostTx : host transactions must come from a current anchoring
// validator; config payloads must parse and schedule strictly ahead.
func (app *AnchorApplication) checkHostTx(host *message.HostTx) error {
	cfg, err := app.activeConfig()
	if err != nil {
		return err
	}
	if cfg.IndexOfServiceKey(host.From()) < 0 {
		return errors.New("host tx sender is not an anchoring validator")
	}
	switch host.Kind() {
	case message.KindConfig:
		var sc types.StoredConfiguration
		if err := json.Unmarshal(host.Payload(), &sc); err != nil {
			return errors.Wrap(err, "config payload is not valid JSON")
		}
		if sc.ActualFrom <= app.state.Height {
			return errors.Errorf("activation height %d not above the current height %d",
				sc.ActualFrom, app.state.Height)
		}
		nextBoundary := (app.state.Height/cfg.Interval + 1) * cfg.Interval
		if sc.ActualFrom <= nextBoundary {
			return errors.Errorf("activation height %d leaves no boundary for the transfer round (next is %d)",
				sc.ActualFrom, nextBoundary)
		}
		return sc.Anchoring.Validate()
	case message.KindValidatorUpdate:
		err, _, _ := ValidateValidatorTx(string(host.Payload()))
		return err
	}
	return message.ErrIncorrectMessageType
}

// execHostTx : apply a configuration schedule or a validator set change
func (app *AnchorApplication) execHostTx(host *message.HostTx) (types2.ResponseDeliverTx, []kv.Pair) {
	if err := app.checkHostTx(host); err != nil {
		app.logger.Error("Rejecting host tx", "err", err.Error(), "kind", host.Kind())
		return types2.ResponseDeliverTx{Code: code.CodeTypeUnauthorized, Log: err.Error()}, nil
	}
	switch host.Kind() {
	case message.KindConfig:
		var sc types.StoredConfiguration
		if err := json.Unmarshal(host.Payload(), &sc); err != nil {
			panic(err) // checkHostTx already parsed it
		}
		if err := app.Schema.AddStoredConfig(sc); err != nil {
			app.logger.Error("Rejecting config schedule", "err", err.Error())
			return types2.ResponseDeliverTx{Code: code.CodeTypeUnauthorized, Log: err.Error()}, nil
		}
		app.logger.Info("Scheduled anchoring configuration", "actual_from", sc.ActualFrom,
			"validators", len(sc.Anchoring.Validators), "threshold", sc.Anchoring.Threshold)
		tags := []kv.Pair{{Key: []byte("actual_from"), Value: []byte(fmt.Sprintf("%d", sc.ActualFrom))}}
		return types2.ResponseDeliverTx{Code: code.CodeTypeOK}, tags
	case message.KindValidatorUpdate:
		return app.execValidatorTx(host.Payload()), nil
	}
	return types2.ResponseDeliverTx{Code: code.CodeTypeEncodingError}, nil
}
