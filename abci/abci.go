package abci

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/enriquebris/goconcurrentqueue"
	types2 "github.com/tendermint/tendermint/abci/types"
	"github.com/tendermint/tendermint/crypto/ed25519"
	"github.com/tendermint/tendermint/libs/log"
	core_types "github.com/tendermint/tendermint/rpc/core/types"
	"github.com/tendermint/tendermint/version"
	dbm "github.com/tendermint/tm-db"

	"github.com/anchorhq/anchor-core/btc"
	"github.com/anchorhq/anchor-core/coordinator"
	"github.com/anchorhq/anchor-core/relay"
	"github.com/anchorhq/anchor-core/schema"
	"github.com/anchorhq/anchor-core/tmrpc"
	"github.com/anchorhq/anchor-core/types"
	"github.com/anchorhq/anchor-core/util"
)

// variables for protocol version and main db state key
var (
	stateKey                         = []byte("anchorcore")
	ProtocolVersion version.Protocol = 0x1
)

// loadState loads the AnchorState struct from a database instance
func loadState(db dbm.DB) types.AnchorState {
	stateBytes, err := db.Get(stateKey)
	if util.LogError(err) != nil {
		panic(err)
	}
	var state types.AnchorState
	if len(stateBytes) != 0 {
		err := json.Unmarshal(stateBytes, &state)
		if err != nil {
			panic(err)
		}
	}
	return state
}

// saveState saves the AnchorState struct to disk
func saveState(db dbm.DB, state types.AnchorState) {
	stateBytes, err := json.Marshal(state)
	if err != nil {
		panic(err)
	}
	if err := db.Set(stateKey, stateBytes); err != nil {
		panic(err)
	}
}

//---------------------------------------------------

var _ types2.Application = (*AnchorApplication)(nil)

// AnchorApplication : AnchorState and config variables for the abci app
type AnchorApplication struct {
	types2.BaseApplication
	// validator set
	ValUpdates         []types2.ValidatorUpdate
	valAddrToPubKeyMap map[string]types2.PubKey
	Db                 dbm.DB
	Schema             *schema.Schema
	Queue              goconcurrentqueue.Queue
	state              *types.AnchorState
	config             types.AnchorConfig
	logger             log.Logger
	rpc                *tmrpc.RPC
	ID                 string

	// node-local snapshots refreshed by SyncMonitor, served by the API
	tmStatus  core_types.ResultStatus
	tmNetInfo core_types.ResultNetInfo
	lastEval  *coordinator.Evaluation
}

// NewAnchorApplication : constructs the abci app over the configured database
func NewAnchorApplication(config types.AnchorConfig) *AnchorApplication {
	var db dbm.DB
	if config.DBType == "memdb" {
		db = dbm.NewMemDB()
	} else {
		db = dbm.NewDB("anchor", dbm.GoLevelDBBackend, config.HomePath+"/data")
	}
	loadedState := loadState(db)
	state := &loadedState
	state.ChainSynced = false // False until we finish syncing

	rpcClient := tmrpc.NewRPCClient(config.TendermintConfig, *config.Logger)

	app := AnchorApplication{
		valAddrToPubKeyMap: map[string]types2.PubKey{},
		Db:                 db,
		Schema:             schema.New(db),
		Queue:              goconcurrentqueue.NewFIFO(),
		state:              state,
		config:             config,
		logger:             *config.Logger,
		rpc:                rpcClient,
	}

	if count, err := app.Schema.ConfigCount(); app.LogError(err) == nil && count > 0 {
		app.state.AppReady = true
	}
	app.logger.Info("Tendermint Block Height", "block_height", app.state.Height)

	go app.SyncMonitor() //make sure we're synced

	return &app
}

// State : a snapshot of the application state for the relay and the API
func (app *AnchorApplication) State() types.AnchorState {
	return *app.state
}

// SetOption : Method for runtime data transfer between other apps and ABCI
func (app *AnchorApplication) SetOption(req types2.RequestSetOption) (res types2.ResponseSetOption) {
	return
}

// InitChain : install the genesis anchoring configuration and validator set
func (app *AnchorApplication) InitChain(req types2.RequestInitChain) types2.ResponseInitChain {
	for _, v := range req.Validators {
		r := app.updateValidator(v)
		if r.IsErr() {
			app.logger.Error("Init Chain failed", "log", r.Log)
		}
	}
	if len(req.AppStateBytes) != 0 {
		var appState types.GenesisAppState
		if err := json.Unmarshal(req.AppStateBytes, &appState); app.LogError(err) != nil {
			panic(err)
		}
		if err := app.Schema.CreateGenesisConfig(appState.Anchoring); app.LogError(err) != nil {
			panic(err)
		}
		addr, err := coordinator.MultisigAddress(&appState.Anchoring)
		if app.LogError(err) == nil {
			app.logger.Info("Genesis anchoring config installed",
				"validators", len(appState.Anchoring.Validators),
				"threshold", appState.Anchoring.Threshold,
				"multisig_address", addr)
		}
		app.state.AppReady = true
	}
	return types2.ResponseInitChain{}
}

// Info : Return the state of the current application in JSON
func (app *AnchorApplication) Info(req types2.RequestInfo) (resInfo types2.ResponseInfo) {
	infoJSON, err := json.Marshal(app.state)
	if err != nil {
		app.LogError(err)
		infoJSON = []byte("{}")
	}
	return types2.ResponseInfo{
		Data:             string(infoJSON),
		Version:          version.ABCIVersion,
		AppVersion:       ProtocolVersion.Uint64(),
		LastBlockAppHash: app.state.AppHash,
		LastBlockHeight:  app.state.Height,
	}
}

// DeliverTx : applies an envelope message to the schema
func (app *AnchorApplication) DeliverTx(tx types2.RequestDeliverTx) types2.ResponseDeliverTx {
	return app.updateStateFromTx(tx.Tx)
}

// CheckTx : Pre-gossip validation
func (app *AnchorApplication) CheckTx(rawTx types2.RequestCheckTx) types2.ResponseCheckTx {
	return app.validateTx(rawTx.Tx)
}

// BeginBlock : records the in-flight height and block hash
func (app *AnchorApplication) BeginBlock(req types2.RequestBeginBlock) types2.ResponseBeginBlock {
	app.ValUpdates = make([]types2.ValidatorUpdate, 0)
	app.state.Height = req.Header.Height
	app.state.LatestBlockHash = hex.EncodeToString(req.Hash)
	return types2.ResponseBeginBlock{}
}

// EndBlock : records anchor points at interval boundaries, evaluates the
// round state machine and hands the resulting duties to the relay
func (app *AnchorApplication) EndBlock(req types2.RequestEndBlock) types2.ResponseEndBlock {
	app.recordAnchorPoints(req.Height)
	app.evaluateRound()
	return types2.ResponseEndBlock{ValidatorUpdates: app.ValUpdates}
}

// Commit : folds every validator's authenticated LECT root into the app
// hash, so schema divergence between validators becomes a consensus fault
func (app *AnchorApplication) Commit() types2.ResponseCommit {
	hasher := sha256.New()
	heightBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(heightBytes, uint64(app.state.Height))
	hasher.Write(heightBytes)
	cfg, _, err := app.Schema.CurrentConfig(app.state.Height)
	if err == nil {
		for v := 0; v < len(cfg.Validators); v++ {
			root, err := app.Schema.LectRoot(uint32(v))
			if err != nil {
				panic(err)
			}
			hasher.Write(root)
		}
	} else if err != schema.ErrNoActiveConfig {
		panic(err)
	}
	appHash := hasher.Sum(nil)
	app.state.AppHash = appHash
	saveState(app.Db, *app.state)
	return types2.ResponseCommit{Data: appHash}
}

// recordAnchorPoints : fix the payload and proposer of the next round. Runs
// at every height so all validators record identical points.
func (app *AnchorApplication) recordAnchorPoints(height int64) {
	cfg, _, err := app.Schema.CurrentConfig(height)
	if err != nil {
		if err != schema.ErrNoActiveConfig {
			app.LogError(err)
		}
		return
	}
	following, err := app.Schema.FollowingConfig(height)
	if app.LogError(err) != nil {
		return
	}
	if following == nil {
		app.state.TransferPoint = nil
	}
	if height <= 0 || height%cfg.Interval != 0 {
		return
	}
	point := types.AnchorPoint{Height: height, BlockHash: app.state.LatestBlockHash}
	if following != nil && height+cfg.Interval >= following.ActualFrom {
		// last boundary before the handoff: move the funds instead. The
		// pre-transfer anchor point is consumed by the handoff; leaving it
		// set would restart its round under the next configuration.
		point.Transfer = true
		app.state.TransferPoint = &point
		app.state.AnchorPoint = nil
		app.logger.Info("Recorded transfer point", "height", height, "activates", following.ActualFrom)
		return
	}
	app.state.AnchorPoint = &point
	app.logger.Info("Recorded anchor point", "height", height, "block_hash", point.BlockHash)
}

// evaluateRound : one deterministic coordinator pass plus the node-local
// duty hand-off. Nothing the relay does with these duties re-enters state
// except as host-chain messages.
func (app *AnchorApplication) evaluateRound() {
	me := app.validatorIndex()
	ev, err := coordinator.Evaluate(app.Schema, *app.state, me, app.logger)
	if app.LogError(err) != nil {
		return
	}
	app.lastEval = ev
	app.state.AmValidator = me >= 0
	if !app.state.ChainSynced || me < 0 {
		return
	}
	if len(ev.SignInputs) > 0 && ev.Proposal != nil {
		app.enqueue(relay.SignDuty{
			Validator:    me,
			TxRaw:        ev.Proposal.Raw(),
			RedeemScript: ev.Proposal.RedeemScript,
			Inputs:       ev.SignInputs,
		})
	}
	if ev.Finalized != nil && ev.FinalizedID != nil {
		if ev.Submitter == me {
			app.enqueue(relay.SubmitDuty{TxID: *ev.FinalizedID, Raw: btc.SerializeTx(ev.Finalized)})
		}
		app.enqueue(relay.ConfirmDuty{
			Validator:        me,
			TxID:             *ev.FinalizedID,
			Raw:              btc.SerializeTx(ev.Finalized),
			MinConfirmations: ev.Config.UtxoConfirmations,
		})
	}
	if ev.ImportAddress != "" {
		app.enqueue(relay.ImportDuty{Address: ev.ImportAddress})
	}
}

func (app *AnchorApplication) enqueue(duty interface{}) {
	app.LogError(app.Queue.Enqueue(duty))
}

// validatorIndex : this node's position in the active anchoring config, -1
// when the node is not an anchoring validator
func (app *AnchorApplication) validatorIndex() int {
	cfg, _, err := app.Schema.CurrentConfig(app.state.Height)
	if err != nil {
		return -1
	}
	key, err := app.config.FilePV.GetPubKey()
	if app.LogError(err) != nil {
		return -1
	}
	pub, ok := key.(ed25519.PubKeyEd25519)
	if !ok {
		return -1
	}
	return cfg.IndexOfServiceKey(pub[:])
}

func (app *AnchorApplication) LogError(err error) error {
	if err != nil {
		app.logger.Error(fmt.Sprintf("Error in %s: %s", util.GetCurrentFuncName(2), err.Error()))
	}
	return err
}
