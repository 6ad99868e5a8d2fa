package relay

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/enriquebris/goconcurrentqueue"
	"github.com/stretchr/testify/assert"
	"github.com/tendermint/tendermint/crypto/ed25519"
	"github.com/tendermint/tendermint/libs/log"
	core_types "github.com/tendermint/tendermint/rpc/core/types"
	dbm "github.com/tendermint/tm-db"

	"github.com/anchorhq/anchor-core/btc"
	"github.com/anchorhq/anchor-core/btcrpc"
	"github.com/anchorhq/anchor-core/message"
	"github.com/anchorhq/anchor-core/schema"
	"github.com/anchorhq/anchor-core/types"
)

type fixture struct {
	cfg       types.AnchoringConfig
	btcPrivs  []*btcec.PrivateKey
	svcPrivs  []ed25519.PrivKeyEd25519
	s         *schema.Schema
	redeem    []byte
	payScript []byte
	address   string
	params    *chaincfg.Params
}

func newFixture(t *testing.T, n int, m uint32) *fixture {
	t.Helper()
	f := &fixture{
		btcPrivs: make([]*btcec.PrivateKey, n),
		svcPrivs: make([]ed25519.PrivKeyEd25519, n),
	}
	btcPubs := make([]*btcec.PublicKey, n)
	validators := make([]types.ValidatorKeys, n)
	for i := 0; i < n; i++ {
		seed := make([]byte, 32)
		seed[0] = byte(i + 1)
		seed[31] = 0x44
		priv, pub := btcec.PrivKeyFromBytes(seed)
		f.btcPrivs[i] = priv
		btcPubs[i] = pub
		f.svcPrivs[i] = ed25519.GenPrivKeyFromSecret([]byte{byte(i + 1), 'r', 'l'})
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
	f.payScript, err = btc.PayScript(f.redeem, params)
	if err != nil {
		t.Fatalf("pay script: %v", err)
	}
	addr, err := btc.ScriptAddress(f.redeem, params)
	if err != nil {
		t.Fatalf("script address: %v", err)
	}
	f.address = addr.EncodeAddress()

	funding := wire.NewMsgTx(wire.TxVersion)
	funding.AddTxIn(wire.NewTxIn(&wire.OutPoint{Index: 0xffffffff}, nil, nil))
	funding.AddTxOut(wire.NewTxOut(500000, f.payScript))
	f.cfg.FundingTx = hex.EncodeToString(btc.SerializeTx(funding))

	f.s = schema.New(dbm.NewMemDB())
	if err := f.s.CreateGenesisConfig(f.cfg); err != nil {
		t.Fatalf("genesis: %v", err)
	}
	return f
}

func (f *fixture) fundingRaw(t *testing.T) []byte {
	t.Helper()
	raw, err := f.cfg.FundingTxBytes()
	if err != nil {
		t.Fatalf("funding bytes: %v", err)
	}
	return raw
}

// anchorRaw : an unsigned anchoring tx spending the funding output and
// committing (height, fill*32)
func (f *fixture) anchorRaw(t *testing.T, height int64, fill byte) []byte {
	t.Helper()
	payload, ok := btc.PayloadFromHash(height, bytes.Repeat([]byte{fill}, 32))
	if !ok {
		t.Fatal("bad payload")
	}
	funding, err := btc.ParseTx(f.fundingRaw(t))
	if err != nil {
		t.Fatalf("parse funding: %v", err)
	}
	out, value, err := btc.MultisigOutPoint(funding, f.redeem, f.params)
	if err != nil {
		t.Fatalf("funding outpoint: %v", err)
	}
	p, err := btc.BuildProposal([]btc.ProposalInput{{OutPoint: out, Value: value}}, f.redeem, f.payScript, payload, f.cfg.Fee)
	if err != nil {
		t.Fatalf("build proposal: %v", err)
	}
	return p.Raw()
}

// fakeHost : records broadcast messages and optionally applies them to the
// schema the way block execution would
type fakeHost struct {
	s        *schema.Schema
	apply    bool
	messages []message.Message
	failures int
	err      error
}

func (f *fakeHost) BroadcastMessage(msg message.Message) (core_types.ResultBroadcastTx, error) {
	if f.failures > 0 {
		f.failures--
		return core_types.ResultBroadcastTx{}, f.err
	}
	if f.apply {
		switch m := msg.(type) {
		case *message.Signature:
			if _, err := f.s.AddSignature(m); err != nil {
				return core_types.ResultBroadcastTx{Code: 1}, err
			}
		case *message.UpdateLatest:
			if err := f.s.AddLect(m.Validator(), m.TxRaw(), m.LectCount()); err != nil {
				return core_types.ResultBroadcastTx{Code: 1}, err
			}
		}
	}
	f.messages = append(f.messages, msg)
	return core_types.ResultBroadcastTx{}, nil
}

func newTestRelay(f *fixture, host Broadcaster, node *btcrpc.Mock, queue goconcurrentqueue.Queue, synced bool) *Relay {
	return NewRelay(Options{
		Schema:     f.s,
		Bitcoin:    node,
		Host:       host,
		Queue:      queue,
		ServiceKey: f.svcPrivs[0],
		BitcoinKey: f.btcPrivs[0],
		State: func() types.AnchorState {
			return types.AnchorState{Height: 100, ChainSynced: synced}
		},
		Logger:          log.NewNopLogger(),
		ScanInterval:    time.Hour,
		ConfirmInterval: time.Millisecond,
		Backoff:         time.Millisecond,
	})
}

func TestSignDutyBroadcastsSignatures(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(t, 4, 3)
	host := &fakeHost{s: f.s, apply: true}
	r := newTestRelay(f, host, btcrpc.NewMock(f.params), goconcurrentqueue.NewFIFO(), true)

	raw := f.anchorRaw(t, 100, 0xaa)
	duty := SignDuty{Validator: 0, TxRaw: raw, RedeemScript: f.redeem, Inputs: []int{0}}
	r.Process(duty)

	if !assert.Len(host.messages, 1) {
		return
	}
	sig, ok := host.messages[0].(*message.Signature)
	if !assert.True(ok) {
		return
	}
	assert.Equal(uint32(0), sig.Validator())
	assert.Equal(uint32(0), sig.Input())
	tx, err := btc.ParseTx(raw)
	assert.NoError(err)
	assert.True(btc.VerifyInputSignature(tx, 0, f.redeem, f.btcPrivs[0].PubKey(), sig.SignatureBytes()))

	// a second identical duty must not broadcast again
	r.Process(duty)
	assert.Len(host.messages, 1)

	txid, err := btc.TxIDFromRaw(raw)
	assert.NoError(err)
	count, err := f.s.SignatureCount(&txid)
	assert.NoError(err)
	assert.Equal(uint64(1), count)
}

func TestSubmitDutyDedupes(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(t, 4, 3)
	node := btcrpc.NewMock(f.params)
	r := newTestRelay(f, &fakeHost{}, node, goconcurrentqueue.NewFIFO(), true)

	raw := f.anchorRaw(t, 100, 0xaa)
	txid, err := btc.TxIDFromRaw(raw)
	assert.NoError(err)

	duty := SubmitDuty{TxID: txid, Raw: raw}
	r.Process(duty)
	r.Process(duty)
	assert.Len(node.Sent(), 1)
}

func TestSubmitDutyRetriesTransientErrors(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(t, 4, 3)
	node := btcrpc.NewMock(f.params)
	node.FailSends(fmt.Errorf("connection refused"), 2)
	r := newTestRelay(f, &fakeHost{}, node, goconcurrentqueue.NewFIFO(), true)

	raw := f.anchorRaw(t, 100, 0xaa)
	txid, err := btc.TxIDFromRaw(raw)
	assert.NoError(err)

	r.Process(SubmitDuty{TxID: txid, Raw: raw})
	assert.Len(node.Sent(), 1)
}

func TestSubmitDutyAbandonsSpentInputs(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(t, 4, 3)
	node := btcrpc.NewMock(f.params)
	node.FailSends(&btcjson.RPCError{Code: btcjson.ErrRPCVerify, Message: "Missing inputs"}, 10)
	r := newTestRelay(f, &fakeHost{}, node, goconcurrentqueue.NewFIFO(), true)

	raw := f.anchorRaw(t, 100, 0xaa)
	txid, err := btc.TxIDFromRaw(raw)
	assert.NoError(err)

	r.Process(SubmitDuty{TxID: txid, Raw: raw})
	assert.Empty(node.Sent())

	// abandoned for good: clearing the failure must not resurrect it
	node.FailSends(nil, 0)
	r.Process(SubmitDuty{TxID: txid, Raw: raw})
	assert.Empty(node.Sent())
}

func TestConfirmDutyAdoptsTip(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(t, 4, 3)
	node := btcrpc.NewMock(f.params)
	host := &fakeHost{s: f.s, apply: true}
	r := newTestRelay(f, host, node, goconcurrentqueue.NewFIFO(), true)

	raw := f.anchorRaw(t, 100, 0xaa)
	txid, err := btc.TxIDFromRaw(raw)
	assert.NoError(err)
	node.Confirm(txid, 6, "00000000000000000000000000000000000000000000000000000000000000ab")

	duty := ConfirmDuty{Validator: 0, TxID: txid, Raw: raw, MinConfirmations: 6}
	r.Process(duty)

	if !assert.Len(host.messages, 1) {
		return
	}
	update, ok := host.messages[0].(*message.UpdateLatest)
	if !assert.True(ok) {
		return
	}
	assert.Equal(uint32(0), update.Validator())
	assert.Equal(uint64(2), update.LectCount())
	assert.Equal(raw, update.TxRaw())

	_, found, err := f.s.FindLect(0, &txid)
	assert.NoError(err)
	assert.True(found)

	// the tip is adopted, a fresh duty is a no-op
	r.Process(ConfirmDuty{Validator: 0, TxID: txid, Raw: raw, MinConfirmations: 6})
	assert.Len(host.messages, 1)
}

func TestConfirmDutyRequeuesWhileUnconfirmed(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(t, 4, 3)
	node := btcrpc.NewMock(f.params)
	queue := goconcurrentqueue.NewFIFO()
	r := newTestRelay(f, &fakeHost{}, node, queue, true)

	raw := f.anchorRaw(t, 100, 0xaa)
	txid, err := btc.TxIDFromRaw(raw)
	assert.NoError(err)
	node.Confirm(txid, 2, "")

	r.Process(ConfirmDuty{Validator: 0, TxID: txid, Raw: raw, MinConfirmations: 6})

	deadline := time.Now().Add(5 * time.Second)
	for queue.GetLen() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !assert.Equal(1, queue.GetLen()) {
		return
	}
	item, err := queue.Dequeue()
	assert.NoError(err)
	next, ok := item.(ConfirmDuty)
	if assert.True(ok) {
		assert.Equal(1, next.Retries)
		assert.Equal(txid, next.TxID)
	}
}

func TestImportDutyDedupes(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(t, 4, 3)
	node := btcrpc.NewMock(f.params)
	r := newTestRelay(f, &fakeHost{}, node, goconcurrentqueue.NewFIFO(), true)

	r.Process(ImportDuty{Address: f.address})
	r.Process(ImportDuty{Address: f.address})
	assert.Equal([]string{f.address}, node.Imported())
}

func TestScanAdoptsForeignAnchor(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(t, 4, 3)
	node := btcrpc.NewMock(f.params)
	host := &fakeHost{s: f.s, apply: true}
	r := newTestRelay(f, host, node, goconcurrentqueue.NewFIFO(), true)

	// another validator set anchored while this node was down: the multisig
	// address holds a confirmed anchoring output this node never saw
	anchor := f.anchorRaw(t, 100, 0xaa)
	_, err := node.AddUnspent(f.address, anchor, 0, 490000, 3)
	assert.NoError(err)

	assert.NoError(r.ScanOnce())

	if !assert.Len(host.messages, 1) {
		return
	}
	update, ok := host.messages[0].(*message.UpdateLatest)
	if !assert.True(ok) {
		return
	}
	assert.Equal(uint32(0), update.Validator())
	assert.Equal(uint64(2), update.LectCount())
	assert.Equal(anchor, update.TxRaw())

	// once adopted, rescanning is quiet
	assert.NoError(r.ScanOnce())
	assert.Len(host.messages, 1)
}

func TestScanPrefersAnchoringOverFunding(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(t, 4, 3)
	node := btcrpc.NewMock(f.params)
	host := &fakeHost{s: f.s, apply: true}
	r := newTestRelay(f, host, node, goconcurrentqueue.NewFIFO(), true)

	extraFunding := wire.NewMsgTx(wire.TxVersion)
	extraFunding.AddTxIn(wire.NewTxIn(&wire.OutPoint{Index: 3}, nil, nil))
	extraFunding.AddTxOut(wire.NewTxOut(700000, f.payScript))
	_, err := node.AddUnspent(f.address, btc.SerializeTx(extraFunding), 0, 700000, 50)
	assert.NoError(err)

	anchor := f.anchorRaw(t, 100, 0xaa)
	_, err = node.AddUnspent(f.address, anchor, 0, 490000, 3)
	assert.NoError(err)

	assert.NoError(r.ScanOnce())
	if assert.Len(host.messages, 1) {
		update := host.messages[0].(*message.UpdateLatest)
		assert.Equal(anchor, update.TxRaw())
	}
}

func TestScanIgnoresKnownTipAndUnsyncedChain(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(t, 4, 3)
	node := btcrpc.NewMock(f.params)
	host := &fakeHost{s: f.s, apply: true}

	// the genesis funding tx is already every validator's tip
	_, err := node.AddUnspent(f.address, f.fundingRaw(t), 0, 500000, 10)
	assert.NoError(err)

	r := newTestRelay(f, host, node, goconcurrentqueue.NewFIFO(), true)
	assert.NoError(r.ScanOnce())
	assert.Empty(host.messages)

	// an unsynced chain never scans
	anchor := f.anchorRaw(t, 100, 0xaa)
	_, err = node.AddUnspent(f.address, anchor, 0, 490000, 3)
	assert.NoError(err)
	unsynced := newTestRelay(f, host, node, goconcurrentqueue.NewFIFO(), false)
	assert.NoError(unsynced.ScanOnce())
	assert.Empty(host.messages)
}
