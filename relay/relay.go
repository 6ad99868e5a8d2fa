package relay

import (
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/enriquebris/goconcurrentqueue"
	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/crypto"
	"github.com/tendermint/tendermint/crypto/ed25519"
	"github.com/tendermint/tendermint/libs/log"
	core_types "github.com/tendermint/tendermint/rpc/core/types"

	"github.com/anchorhq/anchor-core/btc"
	"github.com/anchorhq/anchor-core/btcrpc"
	"github.com/anchorhq/anchor-core/message"
	"github.com/anchorhq/anchor-core/schema"
	"github.com/anchorhq/anchor-core/types"
	"github.com/anchorhq/anchor-core/ulidgen"
	"github.com/anchorhq/anchor-core/util"
)

const (
	broadcastAttempts    = 5
	confirmRetryCap      = 240
	maxScanConfirmations = 9999999
)

// Broadcaster : the host-chain submission surface the relay needs
type Broadcaster interface {
	BroadcastMessage(msg message.Message) (core_types.ResultBroadcastTx, error)
}

// SignDuty : sign the named proposal inputs and broadcast one Signature
// message per input
type SignDuty struct {
	Validator    int
	TxRaw        []byte
	RedeemScript []byte
	Inputs       []int
}

// SubmitDuty : broadcast a finalized anchoring transaction to bitcoin
type SubmitDuty struct {
	TxID chainhash.Hash
	Raw  []byte
}

// ConfirmDuty : watch a submitted transaction and adopt it as this
// validator's tip once it is buried deep enough
type ConfirmDuty struct {
	Validator        int
	TxID             chainhash.Hash
	Raw              []byte
	MinConfirmations int64
	Retries          int
}

// ImportDuty : import the next multisig address as watch-only during a
// configuration handoff
type ImportDuty struct {
	Address string
}

// Options : dependencies and tuning for the relay
type Options struct {
	Schema          *schema.Schema
	Bitcoin         btcrpc.Client
	Host            Broadcaster
	Queue           goconcurrentqueue.Queue
	ServiceKey      crypto.PrivKey
	BitcoinKey      *btcec.PrivateKey
	State           func() types.AnchorState
	Logger          log.Logger
	ScanInterval    time.Duration
	ConfirmInterval time.Duration
	Backoff         time.Duration
}

// Relay : the auxiliary task that performs every side effect of the service.
// It consumes duties produced by block application and talks to bitcoin and
// to the local tendermint node; its results reach deterministic state only by
// way of host-chain messages.
type Relay struct {
	schema          *schema.Schema
	bitcoin         btcrpc.Client
	host            Broadcaster
	queue           goconcurrentqueue.Queue
	serviceKey      crypto.PrivKey
	bitcoinKey      *btcec.PrivateKey
	state           func() types.AnchorState
	logger          log.Logger
	scanInterval    time.Duration
	confirmInterval time.Duration
	backoff         time.Duration

	ulid       *ulidgen.Generator
	quit       chan struct{}
	signed     map[string]bool
	submitted  map[chainhash.Hash]bool
	confirming map[chainhash.Hash]bool
	imported   map[string]bool
}

// NewRelay : wires the relay. Zero durations fall back to defaults.
func NewRelay(opts Options) *Relay {
	if opts.ScanInterval == 0 {
		opts.ScanInterval = time.Minute
	}
	if opts.ConfirmInterval == 0 {
		opts.ConfirmInterval = 30 * time.Second
	}
	if opts.Backoff == 0 {
		opts.Backoff = 500 * time.Millisecond
	}
	return &Relay{
		schema:          opts.Schema,
		bitcoin:         opts.Bitcoin,
		host:            opts.Host,
		queue:           opts.Queue,
		serviceKey:      opts.ServiceKey,
		bitcoinKey:      opts.BitcoinKey,
		state:           opts.State,
		logger:          opts.Logger,
		scanInterval:    opts.ScanInterval,
		confirmInterval: opts.ConfirmInterval,
		backoff:         opts.Backoff,
		ulid:            ulidgen.NewGenerator(),
		quit:            make(chan struct{}),
		signed:          make(map[string]bool),
		submitted:       make(map[chainhash.Hash]bool),
		confirming:      make(map[chainhash.Hash]bool),
		imported:        make(map[string]bool),
	}
}

// LogError : log relay errors
func (r *Relay) LogError(err error) error {
	if err != nil {
		r.logger.Error(fmt.Sprintf("Error in %s: %s", util.GetCurrentFuncName(2), err.Error()))
	}
	return err
}

// Run : consume duties until the process exits. Start with `go relay.Run()`.
func (r *Relay) Run() {
	go r.ScanLoop()
	for {
		item, err := r.queue.DequeueOrWaitForNextElement()
		if r.LogError(err) != nil {
			time.Sleep(time.Second)
			continue
		}
		r.Process(item)
	}
}

// Stop : halt the scan loop
func (r *Relay) Stop() {
	close(r.quit)
}

// Process : apply one duty
func (r *Relay) Process(item interface{}) {
	switch duty := item.(type) {
	case SignDuty:
		r.handleSign(duty)
	case SubmitDuty:
		r.handleSubmit(duty)
	case ConfirmDuty:
		r.handleConfirm(duty)
	case ImportDuty:
		r.handleImport(duty)
	default:
		r.logger.Error(fmt.Sprintf("dropping unknown duty type %T", item))
	}
}

// ScanLoop : run the reconciliation scan every scan interval
func (r *Relay) ScanLoop() {
	ticker := time.NewTicker(r.scanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.quit:
			return
		case <-ticker.C:
			r.LogError(r.ScanOnce())
		}
	}
}

func (r *Relay) handleSign(d SignDuty) {
	txid, err := btc.TxIDFromRaw(d.TxRaw)
	if r.LogError(err) != nil {
		return
	}
	tx, err := btc.ParseTx(d.TxRaw)
	if r.LogError(err) != nil {
		return
	}
	for _, input := range d.Inputs {
		key := fmt.Sprintf("%s:%d", txid.String(), input)
		if r.signed[key] {
			continue
		}
		sig, err := btc.SignInput(tx, input, d.RedeemScript, r.bitcoinKey)
		if r.LogError(err) != nil {
			continue
		}
		msg, err := message.NewSignature(r.serviceKey, uint32(d.Validator), d.TxRaw, uint32(input), sig)
		if r.LogError(err) != nil {
			continue
		}
		if r.broadcast(msg) == nil {
			r.signed[key] = true
			r.logger.Info("signed anchoring input", "txid", txid.String(), "input", input)
		}
	}
}

func (r *Relay) handleSubmit(d SubmitDuty) {
	if r.submitted[d.TxID] {
		return
	}
	attempt, _ := r.ulid.NewUlid()
	carried := int64(0)
	if tx, err := btc.ParseTx(d.Raw); err == nil && len(tx.TxOut) > 0 {
		carried = tx.TxOut[0].Value
	}
	delay := r.backoff
	for i := 0; i < broadcastAttempts; i++ {
		if i > 0 {
			time.Sleep(delay)
			delay *= 2
		}
		_, err := r.bitcoin.SendRawTx(d.Raw)
		if err == nil {
			r.logger.Info("submitted anchoring tx", "txid", d.TxID.String(),
				"amount", util.FormatSatoshi(carried), "attempt", attempt.String())
			r.submitted[d.TxID] = true
			return
		}
		if btcrpc.IsAlreadyKnown(err) {
			r.logger.Info("anchoring tx already known to bitcoin", "txid", d.TxID.String())
			r.submitted[d.TxID] = true
			return
		}
		if btcrpc.IsMissingInputs(err) {
			r.logger.Error("anchoring tx inputs are gone, abandoning submission", "txid", d.TxID.String())
			r.submitted[d.TxID] = true
			return
		}
		r.LogError(err)
	}
}

func (r *Relay) handleConfirm(d ConfirmDuty) {
	if d.Retries == 0 {
		if r.confirming[d.TxID] {
			return
		}
		r.confirming[d.TxID] = true
	}
	if _, found, err := r.schema.FindLect(uint32(d.Validator), &d.TxID); r.LogError(err) == nil && found {
		delete(r.confirming, d.TxID)
		return
	}
	info, err := r.bitcoin.TxInfo(&d.TxID)
	if err != nil || info.Confirmations < d.MinConfirmations {
		if d.Retries >= confirmRetryCap {
			r.logger.Info("giving up on confirmation watch", "txid", d.TxID.String())
			delete(r.confirming, d.TxID)
			return
		}
		next := d
		next.Retries++
		time.AfterFunc(r.confirmInterval, func() {
			r.LogError(r.queue.Enqueue(next))
		})
		return
	}
	count, err := r.schema.LectCount(uint32(d.Validator))
	if r.LogError(err) != nil {
		return
	}
	msg, err := message.NewUpdateLatest(r.serviceKey, uint32(d.Validator), d.Raw, count+1)
	if r.LogError(err) != nil {
		return
	}
	if r.broadcast(msg) == nil {
		r.logger.Info("anchoring tx confirmed, adopting as tip",
			"txid", d.TxID.String(), "confirmations", info.Confirmations)
		delete(r.confirming, d.TxID)
	}
}

func (r *Relay) handleImport(d ImportDuty) {
	if r.imported[d.Address] {
		return
	}
	if r.LogError(r.bitcoin.ImportAddress(d.Address)) == nil {
		r.imported[d.Address] = true
	}
}

// ScanOnce : list unspent outputs on the active multisig address, classify
// the backing transactions and broadcast UpdateLatest when a better tip than
// this validator's current one is found. This is the recovery path after
// restarts and missed confirmations.
func (r *Relay) ScanOnce() error {
	state := r.state()
	if !state.ChainSynced || state.Height == 0 {
		return nil
	}
	cfg, _, err := r.schema.CurrentConfig(state.Height)
	if err != nil {
		if errors.Is(err, schema.ErrNoActiveConfig) {
			return nil
		}
		return err
	}
	pub, ok := r.serviceKey.PubKey().(ed25519.PubKeyEd25519)
	if !ok {
		return errors.New("service key is not ed25519")
	}
	me := cfg.IndexOfServiceKey(pub[:])
	if me < 0 {
		return nil
	}
	params, err := cfg.ChainParams()
	if err != nil {
		return err
	}
	keys, err := cfg.BitcoinKeys()
	if err != nil {
		return err
	}
	redeem, err := btc.RedeemScript(keys, int(cfg.Threshold), params)
	if err != nil {
		return err
	}
	addr, err := btc.ScriptAddress(redeem, params)
	if err != nil {
		return err
	}
	unspent, err := r.bitcoin.ListUnspent(addr.EncodeAddress(), int(cfg.UtxoConfirmations), maxScanConfirmations)
	if err != nil {
		return errors.Wrap(err, "reconciliation scan")
	}

	var bestRaw []byte
	var bestID chainhash.Hash
	var bestKind btc.TxKind
	var bestConf int64
	for _, u := range unspent {
		raw, err := r.bitcoin.RawTx(&u.TxID)
		if r.LogError(err) != nil {
			continue
		}
		tx, err := btc.ParseTx(raw)
		if err != nil {
			continue
		}
		kind := btc.Classify(tx, redeem, params)
		if kind == btc.TxKindOther {
			continue
		}
		better := bestRaw == nil ||
			(kind == btc.TxKindAnchoring && bestKind != btc.TxKindAnchoring) ||
			(kind == bestKind && u.Confirmations > bestConf)
		if better {
			bestRaw, bestID, bestKind, bestConf = raw, u.TxID, kind, u.Confirmations
		}
	}
	if bestRaw == nil {
		return nil
	}
	if _, found, err := r.schema.FindLect(uint32(me), &bestID); err != nil {
		return err
	} else if found {
		return nil
	}
	count, err := r.schema.LectCount(uint32(me))
	if err != nil {
		return err
	}
	msg, err := message.NewUpdateLatest(r.serviceKey, uint32(me), bestRaw, count+1)
	if err != nil {
		return err
	}
	r.logger.Info("reconciliation scan found a newer tip",
		"txid", bestID.String(), "kind", bestKind.String(), "confirmations", bestConf)
	return r.broadcast(msg)
}

// broadcast : submit a host-chain message, retrying with exponential backoff
func (r *Relay) broadcast(msg message.Message) error {
	attempt, _ := r.ulid.NewUlid()
	delay := r.backoff
	var err error
	for i := 0; i < broadcastAttempts; i++ {
		if i > 0 {
			time.Sleep(delay)
			delay *= 2
		}
		if _, err = r.host.BroadcastMessage(msg); err == nil {
			return nil
		}
	}
	r.logger.Error("host broadcast failed after retries", "attempt", attempt.String(), "err", err.Error())
	return err
}
