package abci

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	types2 "github.com/tendermint/tendermint/abci/types"
	"github.com/tendermint/tendermint/crypto/ed25519"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/privval"

	"github.com/anchorhq/anchor-core/btc"
	"github.com/anchorhq/anchor-core/coordinator"
	"github.com/anchorhq/anchor-core/message"
	"github.com/anchorhq/anchor-core/types"
)

type appFixture struct {
	app      *AnchorApplication
	cfg      types.AnchoringConfig
	btcPrivs []*btcec.PrivateKey
	svcPrivs []ed25519.PrivKeyEd25519
	redeem   []byte
	params   *chaincfg.Params
}

// newAppFixture builds an n-of-m anchoring network over a regtest funding tx
// and boots the abci app as validator 0.
func newAppFixture(t *testing.T, n int, m uint32) *appFixture {
	t.Helper()
	f := &appFixture{
		btcPrivs: make([]*btcec.PrivateKey, n),
		svcPrivs: make([]ed25519.PrivKeyEd25519, n),
	}
	btcPubs := make([]*btcec.PublicKey, n)
	validators := make([]types.ValidatorKeys, n)
	for i := 0; i < n; i++ {
		seed := make([]byte, 32)
		seed[0] = byte(i + 1)
		seed[31] = 0x55
		priv, pub := btcec.PrivKeyFromBytes(seed)
		f.btcPrivs[i] = priv
		btcPubs[i] = pub
		f.svcPrivs[i] = ed25519.GenPrivKeyFromSecret([]byte{byte(i + 1), 'c', 'o'})
		svcPub := f.svcPrivs[i].PubKey().(ed25519.PubKeyEd25519)
		validators[i] = types.ValidatorKeys{
			ServiceKey: hex.EncodeToString(svcPub[:]),
			BitcoinKey: hex.EncodeToString(pub.SerializeCompressed()),
		}
	}
	f.cfg = types.AnchoringConfig{
		Threshold:         m,
		Validators:        validators,
		Network:           "regtest",
		Interval:          100,
		Fee:               10000,
		UtxoConfirmations: 1,
	}
	params, err := f.cfg.ChainParams()
	if err != nil {
		t.Fatalf("chain params: %v", err)
	}
	f.params = params
	f.redeem, err = btc.RedeemScript(btcPubs, int(m), params)
	if err != nil {
		t.Fatalf("redeem script: %v", err)
	}
	payScript, err := btc.PayScript(f.redeem, params)
	if err != nil {
		t.Fatalf("pay script: %v", err)
	}
	funding := wire.NewMsgTx(wire.TxVersion)
	funding.AddTxIn(wire.NewTxIn(&wire.OutPoint{Index: 0xffffffff}, nil, nil))
	funding.AddTxOut(wire.NewTxOut(500000, payScript))
	f.cfg.FundingTx = hex.EncodeToString(btc.SerializeTx(funding))

	f.app = f.newApp(t, 0)
	return f
}

// newApp boots a fresh app instance over its own memdb, keyed as the given
// validator, and installs the genesis config through InitChain.
func (f *appFixture) newApp(t *testing.T, validator int) *AnchorApplication {
	t.Helper()
	logger := log.NewNopLogger()
	priv := f.svcPrivs[validator]
	pub := priv.PubKey()
	app := NewAnchorApplication(types.AnchorConfig{
		DBType: "memdb",
		FilePV: privval.FilePV{
			Key: privval.FilePVKey{
				Address: pub.Address(),
				PubKey:  pub,
				PrivKey: priv,
			},
		},
		Logger: &logger,
	})
	appState, err := json.Marshal(types.GenesisAppState{Anchoring: f.cfg})
	if err != nil {
		t.Fatalf("genesis app state: %v", err)
	}
	app.InitChain(types2.RequestInitChain{AppStateBytes: appState})
	return app
}

func tmHeader(height int64) types2.Header {
	return types2.Header{Height: height}
}

// runBlock drives one block through the app and returns the per-tx results
func runBlock(app *AnchorApplication, height int64, fill byte, txs ...[]byte) []types2.ResponseDeliverTx {
	hash := bytes.Repeat([]byte{fill}, 32)
	app.BeginBlock(types2.RequestBeginBlock{
		Hash:   hash,
		Header: tmHeader(height),
	})
	results := make([]types2.ResponseDeliverTx, 0, len(txs))
	for _, tx := range txs {
		results = append(results, app.DeliverTx(types2.RequestDeliverTx{Tx: tx}))
	}
	app.EndBlock(types2.RequestEndBlock{Height: height})
	app.Commit()
	return results
}

// evaluate runs one coordinator pass against the app's schema
func (f *appFixture) evaluate(t *testing.T, app *AnchorApplication) *coordinator.Evaluation {
	t.Helper()
	ev, err := coordinator.Evaluate(app.Schema, app.State(), 0, log.NewNopLogger())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	return ev
}

// signatureTx builds a valid Signature envelope for one proposal input
func (f *appFixture) signatureTx(t *testing.T, proposal *btc.Proposal, validator, input int) []byte {
	t.Helper()
	sigBytes, err := btc.SignInput(proposal.Tx, input, f.redeem, f.btcPrivs[validator])
	if err != nil {
		t.Fatalf("sign input: %v", err)
	}
	msg, err := message.NewSignature(f.svcPrivs[validator], uint32(validator), proposal.Raw(), uint32(input), sigBytes)
	if err != nil {
		t.Fatalf("signature message: %v", err)
	}
	return msg.Raw()
}

func (f *appFixture) updateTx(t *testing.T, validator int, raw []byte, lectCount uint64) []byte {
	t.Helper()
	msg, err := message.NewUpdateLatest(f.svcPrivs[validator], uint32(validator), raw, lectCount)
	if err != nil {
		t.Fatalf("update message: %v", err)
	}
	return msg.Raw()
}

func (f *appFixture) configTx(t *testing.T, validator int, sc types.StoredConfiguration) []byte {
	t.Helper()
	payload, err := json.Marshal(sc)
	if err != nil {
		t.Fatalf("config payload: %v", err)
	}
	msg, err := message.NewHostTx(f.svcPrivs[validator], message.KindConfig, payload)
	if err != nil {
		t.Fatalf("config message: %v", err)
	}
	return msg.Raw()
}

func TestGenesisSeedsSchemaAndState(t *testing.T) {
	assert := assert.New(t)
	f := newAppFixture(t, 4, 3)

	assert.True(f.app.State().AppReady)
	for v := uint32(0); v < 4; v++ {
		count, err := f.app.Schema.LectCount(v)
		assert.NoError(err)
		assert.Equal(uint64(1), count, "validator %d should start at the funding tx", v)
	}
}

func TestAnchorPointRecordedAtBoundary(t *testing.T) {
	assert := assert.New(t)
	f := newAppFixture(t, 4, 3)

	runBlock(f.app, 99, 0x01)
	assert.Nil(f.app.State().AnchorPoint)

	runBlock(f.app, 100, 0xaa)
	state := f.app.State()
	if assert.NotNil(state.AnchorPoint) {
		assert.Equal(int64(100), state.AnchorPoint.Height)
		assert.Equal(hex.EncodeToString(bytes.Repeat([]byte{0xaa}, 32)), state.AnchorPoint.BlockHash)
		assert.False(state.AnchorPoint.Transfer)
	}
}

func TestFullRoundAdvancesEveryLect(t *testing.T) {
	assert := assert.New(t)
	f := newAppFixture(t, 4, 3)

	runBlock(f.app, 100, 0xaa)
	ev := f.evaluate(t, f.app)
	assert.Equal(coordinator.StateCollecting, ev.State)
	if !assert.NotNil(ev.Proposal) {
		return
	}

	// threshold signatures from validators 0..2 over the single input
	var sigTxs [][]byte
	for v := 0; v < 3; v++ {
		sigTxs = append(sigTxs, f.signatureTx(t, ev.Proposal, v, 0))
	}
	results := runBlock(f.app, 101, 0x02, sigTxs...)
	for _, res := range results {
		assert.True(res.IsOK())
	}
	proposalID := ev.Proposal.TxID()
	count, err := f.app.Schema.SignatureCount(&proposalID)
	assert.NoError(err)
	assert.Equal(uint64(3), count)

	// threshold reached: the coordinator can finalize
	ev = f.evaluate(t, f.app)
	assert.Equal(coordinator.StateAwaiting, ev.State)
	if !assert.NotNil(ev.Finalized) {
		return
	}
	finalRaw := btc.SerializeTx(ev.Finalized)

	// every validator reports the confirmed tx as its new tip
	var updates [][]byte
	for v := 0; v < 4; v++ {
		updates = append(updates, f.updateTx(t, v, finalRaw, 2))
	}
	runBlock(f.app, 102, 0x03, updates...)
	for v := uint32(0); v < 4; v++ {
		count, err := f.app.Schema.LectCount(v)
		assert.NoError(err)
		assert.Equal(uint64(2), count, "validator %d should have adopted the anchoring tx", v)
	}
	ev = f.evaluate(t, f.app)
	assert.Equal(coordinator.StateIdle, ev.State)
}

func TestInvalidSignatureIsDroppedWithoutAborting(t *testing.T) {
	assert := assert.New(t)
	f := newAppFixture(t, 4, 3)

	runBlock(f.app, 100, 0xaa)
	ev := f.evaluate(t, f.app)
	if !assert.NotNil(ev.Proposal) {
		return
	}

	// a signature computed with the wrong bitcoin key
	badSig, err := btc.SignInput(ev.Proposal.Tx, 0, f.redeem, f.btcPrivs[1])
	assert.NoError(err)
	msg, err := message.NewSignature(f.svcPrivs[0], 0, ev.Proposal.Raw(), 0, badSig)
	assert.NoError(err)

	results := runBlock(f.app, 101, 0x02, msg.Raw())
	assert.True(results[0].IsOK(), "a bad signature must not abort block application")
	proposalID := ev.Proposal.TxID()
	count, err := f.app.Schema.SignatureCount(&proposalID)
	assert.NoError(err)
	assert.Equal(uint64(0), count)
}

func TestSignatureFromWrongSenderRejected(t *testing.T) {
	assert := assert.New(t)
	f := newAppFixture(t, 4, 3)

	runBlock(f.app, 100, 0xaa)
	ev := f.evaluate(t, f.app)
	if !assert.NotNil(ev.Proposal) {
		return
	}

	// validator 1's signature inside an envelope sealed by validator 2
	sigBytes, err := btc.SignInput(ev.Proposal.Tx, 0, f.redeem, f.btcPrivs[1])
	assert.NoError(err)
	msg, err := message.NewSignature(f.svcPrivs[2], 1, ev.Proposal.Raw(), 0, sigBytes)
	assert.NoError(err)

	runBlock(f.app, 101, 0x02, msg.Raw())
	proposalID := ev.Proposal.TxID()
	count, err := f.app.Schema.SignatureCount(&proposalID)
	assert.NoError(err)
	assert.Equal(uint64(0), count)
}

func TestUpdateLatestReplayIsNoOp(t *testing.T) {
	assert := assert.New(t)
	f := newAppFixture(t, 4, 3)

	runBlock(f.app, 100, 0xaa)
	ev := f.evaluate(t, f.app)
	for v := 0; v < 3; v++ {
		runBlock(f.app, int64(101+v), 0x02, f.signatureTx(t, ev.Proposal, v, 0))
	}
	ev = f.evaluate(t, f.app)
	if !assert.NotNil(ev.Finalized) {
		return
	}
	finalRaw := btc.SerializeTx(ev.Finalized)

	runBlock(f.app, 104, 0x03, f.updateTx(t, 0, finalRaw, 2))
	count, err := f.app.Schema.LectCount(0)
	assert.NoError(err)
	assert.Equal(uint64(2), count)

	// same txid again, with the next count: a replay, not an extension
	results := runBlock(f.app, 105, 0x04, f.updateTx(t, 0, finalRaw, 3))
	assert.True(results[0].IsOK())
	count, err = f.app.Schema.LectCount(0)
	assert.NoError(err)
	assert.Equal(uint64(2), count, "a replayed tip must not extend the history")

	// stale count as well
	runBlock(f.app, 106, 0x05, f.updateTx(t, 0, finalRaw, 1))
	count, err = f.app.Schema.LectCount(0)
	assert.NoError(err)
	assert.Equal(uint64(2), count)
}

func TestUpdateLatestForeignTxRejected(t *testing.T) {
	assert := assert.New(t)
	f := newAppFixture(t, 4, 3)

	foreign := wire.NewMsgTx(wire.TxVersion)
	foreign.AddTxIn(wire.NewTxIn(&wire.OutPoint{Index: 1}, nil, nil))
	foreign.AddTxOut(wire.NewTxOut(1000, []byte{0x6a, 0x01, 0x00}))

	results := runBlock(f.app, 10, 0x01, f.updateTx(t, 0, btc.SerializeTx(foreign), 2))
	assert.True(results[0].IsOK())
	count, err := f.app.Schema.LectCount(0)
	assert.NoError(err)
	assert.Equal(uint64(1), count, "a tx paying no known multisig address is not a tip")
}

func TestConfigScheduleRecordsTransferPoint(t *testing.T) {
	assert := assert.New(t)
	f := newAppFixture(t, 4, 3)

	next := f.cfg
	next.Threshold = 2
	sc := types.StoredConfiguration{ActualFrom: 250, Anchoring: next}

	results := runBlock(f.app, 110, 0x01, f.configTx(t, 0, sc))
	assert.True(results[0].IsOK())

	following, err := f.app.Schema.FollowingConfig(110)
	assert.NoError(err)
	if assert.NotNil(following) {
		assert.Equal(int64(250), following.ActualFrom)
	}

	// 200 is the last boundary before activation at 250: transfer, not anchor
	runBlock(f.app, 200, 0xbb)
	state := f.app.State()
	if assert.NotNil(state.TransferPoint) {
		assert.Equal(int64(200), state.TransferPoint.Height)
		assert.True(state.TransferPoint.Transfer)
	}
	assert.Nil(state.AnchorPoint)
}

func TestHandoffRetiresSettledRounds(t *testing.T) {
	assert := assert.New(t)
	f := newAppFixture(t, 4, 3)

	// full anchoring round at the first boundary
	runBlock(f.app, 100, 0xaa)
	ev := f.evaluate(t, f.app)
	if !assert.NotNil(ev.Proposal) {
		return
	}
	var sigTxs [][]byte
	for v := 0; v < 3; v++ {
		sigTxs = append(sigTxs, f.signatureTx(t, ev.Proposal, v, 0))
	}
	runBlock(f.app, 101, 0x02, sigTxs...)
	ev = f.evaluate(t, f.app)
	if !assert.NotNil(ev.Finalized) {
		return
	}
	anchorRaw := btc.SerializeTx(ev.Finalized)
	var updates [][]byte
	for v := 0; v < 4; v++ {
		updates = append(updates, f.updateTx(t, v, anchorRaw, 2))
	}
	runBlock(f.app, 102, 0x03, updates...)

	// schedule a new configuration; 200 becomes the transfer boundary
	next := f.cfg
	next.Threshold = 2
	sc := types.StoredConfiguration{ActualFrom: 250, Anchoring: next}
	results := runBlock(f.app, 110, 0x04, f.configTx(t, 0, sc))
	assert.True(results[0].IsOK())

	runBlock(f.app, 200, 0xbb)
	state := f.app.State()
	if assert.NotNil(state.TransferPoint) {
		assert.Equal(int64(200), state.TransferPoint.Height)
	}
	// the anchor round at 100 is settled; the handoff retires its point
	assert.Nil(state.AnchorPoint)

	// run the transfer round to completion
	ev = f.evaluate(t, f.app)
	assert.Equal(coordinator.StateTransferring, ev.State)
	if !assert.NotNil(ev.Proposal) {
		return
	}
	sigTxs = sigTxs[:0]
	for v := 0; v < 3; v++ {
		sigTxs = append(sigTxs, f.signatureTx(t, ev.Proposal, v, 0))
	}
	runBlock(f.app, 201, 0x05, sigTxs...)
	ev = f.evaluate(t, f.app)
	if !assert.NotNil(ev.Finalized) {
		return
	}
	transferRaw := btc.SerializeTx(ev.Finalized)
	updates = updates[:0]
	for v := 0; v < 4; v++ {
		updates = append(updates, f.updateTx(t, v, transferRaw, 3))
	}
	for _, res := range runBlock(f.app, 202, 0x06, updates...) {
		assert.True(res.IsOK())
	}

	// past activation both rounds are history; neither point may restart
	// under the new configuration
	runBlock(f.app, 250, 0xcc)
	state = f.app.State()
	assert.Nil(state.AnchorPoint)
	assert.Nil(state.TransferPoint)
	ev = f.evaluate(t, f.app)
	assert.Equal(coordinator.StateIdle, ev.State)
	assert.Nil(ev.Proposal)
	assert.Empty(ev.SignInputs)

	// the next boundary anchors normally, spending the handoff tx
	runBlock(f.app, 300, 0xdd)
	ev = f.evaluate(t, f.app)
	assert.Equal(coordinator.StateCollecting, ev.State)
	if assert.NotNil(ev.Proposal) {
		handoffID, err := btc.TxIDFromRaw(transferRaw)
		assert.NoError(err)
		assert.Equal(handoffID, ev.Proposal.Tx.TxIn[0].PreviousOutPoint.Hash)
	}
}

func TestConfigScheduleFromNonValidatorRejected(t *testing.T) {
	assert := assert.New(t)
	f := newAppFixture(t, 4, 3)

	outsider := ed25519.GenPrivKeyFromSecret([]byte("outsider"))
	payload, err := json.Marshal(types.StoredConfiguration{ActualFrom: 250, Anchoring: f.cfg})
	assert.NoError(err)
	msg, err := message.NewHostTx(outsider, message.KindConfig, payload)
	assert.NoError(err)

	results := runBlock(f.app, 10, 0x01, msg.Raw())
	assert.False(results[0].IsOK())

	following, err := f.app.Schema.FollowingConfig(10)
	assert.NoError(err)
	assert.Nil(following)
}

func TestConfigScheduleTooCloseToBoundaryRejected(t *testing.T) {
	assert := assert.New(t)
	f := newAppFixture(t, 4, 3)

	// at height 110 the next boundary is 200; activation at 150 leaves no
	// boundary for the transfer round
	sc := types.StoredConfiguration{ActualFrom: 150, Anchoring: f.cfg}
	results := runBlock(f.app, 110, 0x01, f.configTx(t, 0, sc))
	assert.False(results[0].IsOK())
}

func TestValidatorUpdateTx(t *testing.T) {
	assert := assert.New(t)
	f := newAppFixture(t, 4, 3)

	newKey := ed25519.GenPrivKeyFromSecret([]byte("candidate")).PubKey().(ed25519.PubKeyEd25519)
	payload := fmt.Sprintf("val:%s!10", base64.StdEncoding.EncodeToString(newKey[:]))
	msg, err := message.NewHostTx(f.svcPrivs[0], message.KindValidatorUpdate, []byte(payload))
	assert.NoError(err)

	hash := bytes.Repeat([]byte{0x01}, 32)
	f.app.BeginBlock(types2.RequestBeginBlock{Hash: hash, Header: tmHeader(5)})
	res := f.app.DeliverTx(types2.RequestDeliverTx{Tx: msg.Raw()})
	assert.True(res.IsOK())
	endRes := f.app.EndBlock(types2.RequestEndBlock{Height: 5})
	f.app.Commit()

	if assert.Len(endRes.ValidatorUpdates, 1) {
		assert.Equal(int64(10), endRes.ValidatorUpdates[0].Power)
	}
}

func TestMalformedEnvelopeRejected(t *testing.T) {
	assert := assert.New(t)
	f := newAppFixture(t, 4, 3)

	res := f.app.DeliverTx(types2.RequestDeliverTx{Tx: []byte("not an envelope")})
	assert.False(res.IsOK())
}

func TestCheckTxRejectsWhatDeliverTxIgnores(t *testing.T) {
	assert := assert.New(t)
	f := newAppFixture(t, 4, 3)
	f.app.state.ChainSynced = true

	runBlock(f.app, 100, 0xaa)
	ev := f.evaluate(t, f.app)
	if !assert.NotNil(ev.Proposal) {
		return
	}
	badSig, err := btc.SignInput(ev.Proposal.Tx, 0, f.redeem, f.btcPrivs[1])
	assert.NoError(err)
	msg, err := message.NewSignature(f.svcPrivs[0], 0, ev.Proposal.Raw(), 0, badSig)
	assert.NoError(err)

	res := f.app.CheckTx(types2.RequestCheckTx{Tx: msg.Raw()})
	assert.False(res.IsOK(), "the mempool must refuse what block application would ignore")

	good := f.signatureTx(t, ev.Proposal, 0, 0)
	res = f.app.CheckTx(types2.RequestCheckTx{Tx: good})
	assert.True(res.IsOK())
}

func TestAppHashDeterministicAcrossNodes(t *testing.T) {
	assert := assert.New(t)
	f := newAppFixture(t, 4, 3)
	other := f.newApp(t, 1)

	runBlock(f.app, 100, 0xaa)
	runBlock(other, 100, 0xaa)
	ev := f.evaluate(t, f.app)
	if !assert.NotNil(ev.Proposal) {
		return
	}
	var sigTxs [][]byte
	for v := 0; v < 3; v++ {
		sigTxs = append(sigTxs, f.signatureTx(t, ev.Proposal, v, 0))
	}
	runBlock(f.app, 101, 0x02, sigTxs...)
	runBlock(other, 101, 0x02, sigTxs...)

	ev = f.evaluate(t, f.app)
	if !assert.NotNil(ev.Finalized) {
		return
	}
	finalRaw := btc.SerializeTx(ev.Finalized)
	var updates [][]byte
	for v := 0; v < 4; v++ {
		updates = append(updates, f.updateTx(t, v, finalRaw, 2))
	}
	runBlock(f.app, 102, 0x03, updates...)
	runBlock(other, 102, 0x03, updates...)

	assert.Equal(f.app.State().AppHash, other.State().AppHash,
		"two nodes applying the same blocks must agree on the app hash")
	assert.NotEqual(make([]byte, 32), f.app.State().AppHash)
}

func TestAppHashDivergesWhenLectsDiverge(t *testing.T) {
	assert := assert.New(t)
	f := newAppFixture(t, 4, 3)
	other := f.newApp(t, 1)

	runBlock(f.app, 100, 0xaa)
	runBlock(other, 100, 0xaa)
	ev := f.evaluate(t, f.app)
	for v := 0; v < 3; v++ {
		sig := f.signatureTx(t, ev.Proposal, v, 0)
		runBlock(f.app, int64(101+v), 0x02, sig)
		runBlock(other, int64(101+v), 0x02, sig)
	}
	ev = f.evaluate(t, f.app)
	if !assert.NotNil(ev.Finalized) {
		return
	}
	update := f.updateTx(t, 0, btc.SerializeTx(ev.Finalized), 2)
	runBlock(f.app, 104, 0x03, update)
	runBlock(other, 104, 0x03) // other never sees the update

	assert.NotEqual(f.app.State().AppHash, other.State().AppHash)
}
