package abci

import (
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/anchorhq/anchor-core/btc"
	"github.com/anchorhq/anchor-core/coordinator"
	"github.com/anchorhq/anchor-core/message"
	"github.com/anchorhq/anchor-core/types"
	"github.com/anchorhq/anchor-core/util"
)

const lectPageSize = 100

func (app *AnchorApplication) HomeHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusTeapot)
	fmt.Fprintf(w, "This is an anchoring service API endpoint.")
}

// respondJSON makes the response with payload as json format
func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	response, err := json.Marshal(payload)
	if util.LogError(err) != nil {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(err.Error()))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(response))
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]interface{}{"error": msg})
}

// StatusHandler : GET /status
func (app *AnchorApplication) StatusHandler(w http.ResponseWriter, r *http.Request) {
	ip := util.GetClientIP(r)
	app.logger.Info(fmt.Sprintf("Status Client IP: %s", ip))
	apiStatus := types.CoreAPIStatus{
		Version:     "1.0.0",
		Time:        time.Now().UTC().Format(time.RFC3339),
		Network:     app.config.BitcoinNetwork,
		HostHeight:  app.state.Height,
		ChainSynced: app.state.ChainSynced,
		Peers:       app.tmNetInfo.NPeers,
		NodeInfo:    app.tmStatus.NodeInfo,
		SyncInfo:    app.tmStatus.SyncInfo,
	}
	me := app.validatorIndex()
	apiStatus.ValidatorIndex = me
	if ev := app.lastEval; ev != nil {
		apiStatus.State = ev.State.String()
		if addr, err := coordinator.MultisigAddress(ev.Config); app.LogError(err) == nil {
			apiStatus.MultisigAddress = addr
		}
	}
	if me >= 0 {
		count, err := app.Schema.LectCount(uint32(me))
		if app.LogError(err) == nil {
			apiStatus.LectCount = count
		}
		raw, err := app.Schema.Lect(uint32(me))
		if app.LogError(err) == nil && raw != nil {
			if txid, err := btc.TxIDFromRaw(raw); err == nil {
				apiStatus.LectTxID = txid.String()
			}
		}
	}
	respondJSON(w, http.StatusOK, apiStatus)
}

// ConfigHandler : GET /config
func (app *AnchorApplication) ConfigHandler(w http.ResponseWriter, r *http.Request) {
	cfg, actualFrom, err := app.Schema.CurrentConfig(app.state.Height)
	if app.LogError(err) != nil {
		respondError(w, http.StatusServiceUnavailable, "no active anchoring configuration")
		return
	}
	resp := types.ConfigResponse{
		Current:    *cfg,
		ActualFrom: actualFrom,
	}
	following, err := app.Schema.FollowingConfig(app.state.Height)
	if app.LogError(err) == nil && following != nil {
		resp.Following = &following.Anchoring
		resp.FollowFrom = following.ActualFrom
	}
	respondJSON(w, http.StatusOK, resp)
}

// ScheduleConfigHandler : POST /config. Signs a configuration schedule with
// this node's consensus key and broadcasts it to the host chain. Guarded by
// basic auth; the credentials are generated at setup.
func (app *AnchorApplication) ScheduleConfigHandler(w http.ResponseWriter, r *http.Request) {
	if !app.basicAuthOK(r) {
		w.Header().Set("WWW-Authenticate", `Basic realm="anchor-core"`)
		respondError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	body, err := ioutil.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if app.LogError(err) != nil {
		respondError(w, http.StatusBadRequest, "could not read request body")
		return
	}
	var sc types.StoredConfiguration
	if err := json.Unmarshal(body, &sc); app.LogError(err) != nil {
		respondError(w, http.StatusBadRequest, "body is not a valid configuration schedule")
		return
	}
	if err := sc.Anchoring.Validate(); app.LogError(err) != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if sc.ActualFrom <= app.state.Height {
		respondError(w, http.StatusBadRequest,
			fmt.Sprintf("actual_from %d is not above the current height %d", sc.ActualFrom, app.state.Height))
		return
	}
	payload, err := json.Marshal(sc)
	if app.LogError(err) != nil {
		respondError(w, http.StatusInternalServerError, "could not encode schedule")
		return
	}
	hostTx, err := message.NewHostTx(app.config.FilePV.Key.PrivKey, message.KindConfig, payload)
	if app.LogError(err) != nil {
		respondError(w, http.StatusInternalServerError, "could not sign schedule")
		return
	}
	result, err := app.rpc.BroadcastMessage(hostTx)
	if app.LogError(err) != nil {
		respondError(w, http.StatusBadGateway, "broadcast failed")
		return
	}
	if result.Code != 0 {
		respondError(w, http.StatusUnprocessableEntity, result.Log)
		return
	}
	app.logger.Info("Scheduled configuration broadcast", "actual_from", sc.ActualFrom)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"actual_from": sc.ActualFrom,
		"tx_hash":     result.Hash.String(),
	})
}

func (app *AnchorApplication) basicAuthOK(r *http.Request) bool {
	if app.config.APIAuthUser == "" || app.config.APIAuthPass == "" {
		return false
	}
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(app.config.APIAuthUser)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(app.config.APIAuthPass)) == 1
	return userOK && passOK
}

func (app *AnchorApplication) validatorParam(r *http.Request) (uint32, error) {
	vars := mux.Vars(r)
	v, err := strconv.ParseUint(vars["validator"], 10, 32)
	if err != nil {
		return 0, err
	}
	cfg, _, err := app.Schema.CurrentConfig(app.state.Height)
	if err != nil {
		return 0, err
	}
	if int(v) >= len(cfg.Validators) {
		return 0, fmt.Errorf("validator %d out of range [0, %d)", v, len(cfg.Validators))
	}
	return uint32(v), nil
}

// LectsHandler : GET /lects/{validator}. Serves the most recent page of the
// validator's LECT history; ?from= selects an older page.
func (app *AnchorApplication) LectsHandler(w http.ResponseWriter, r *http.Request) {
	v, err := app.validatorParam(r)
	if app.LogError(err) != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	count, err := app.Schema.LectCount(v)
	if app.LogError(err) != nil {
		respondError(w, http.StatusInternalServerError, "could not read lect history")
		return
	}
	root, err := app.Schema.LectRoot(v)
	if app.LogError(err) != nil {
		respondError(w, http.StatusInternalServerError, "could not read lect root")
		return
	}
	from := uint64(0)
	if count > lectPageSize {
		from = count - lectPageSize
	}
	if fromStr := r.URL.Query().Get("from"); fromStr != "" {
		parsed, err := strconv.ParseUint(fromStr, 10, 64)
		if err != nil || parsed >= count {
			respondError(w, http.StatusBadRequest, "from is out of range")
			return
		}
		from = parsed
	}
	page := types.LectPage{
		Validator:  int(v),
		Count:      count,
		MerkleRoot: hex.EncodeToString(root),
		Entries:    []types.LectEntry{},
	}
	for i := from; i < count && i < from+lectPageSize; i++ {
		raw, err := app.Schema.LectAt(v, i)
		if app.LogError(err) != nil {
			respondError(w, http.StatusInternalServerError, "could not read lect history")
			return
		}
		txid, err := btc.TxIDFromRaw(raw)
		if app.LogError(err) != nil {
			respondError(w, http.StatusInternalServerError, "stored lect is unparseable")
			return
		}
		page.Entries = append(page.Entries, types.LectEntry{
			Index: i,
			TxID:  txid.String(),
			RawTx: hex.EncodeToString(raw),
		})
	}
	respondJSON(w, http.StatusOK, page)
}

// LectRootHandler : GET /lects/{validator}/root
func (app *AnchorApplication) LectRootHandler(w http.ResponseWriter, r *http.Request) {
	v, err := app.validatorParam(r)
	if app.LogError(err) != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	root, err := app.Schema.LectRoot(v)
	if app.LogError(err) != nil {
		respondError(w, http.StatusInternalServerError, "could not read lect root")
		return
	}
	count, err := app.Schema.LectCount(v)
	if app.LogError(err) != nil {
		respondError(w, http.StatusInternalServerError, "could not read lect history")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"validator":   v,
		"count":       count,
		"merkle_root": hex.EncodeToString(root),
	})
}

// SignaturesHandler : GET /signatures/{txid}
func (app *AnchorApplication) SignaturesHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	txid, err := chainhash.NewHashFromStr(vars["txid"])
	if app.LogError(err) != nil {
		respondError(w, http.StatusBadRequest, "txid is not a valid transaction hash")
		return
	}
	sigs, err := app.Schema.Signatures(txid)
	if app.LogError(err) != nil {
		respondError(w, http.StatusInternalServerError, "could not read signatures")
		return
	}
	records := []types.SignatureRecord{}
	for _, sig := range sigs {
		records = append(records, types.SignatureRecord{
			TxID:      txid.String(),
			Validator: sig.Validator(),
			Input:     sig.Input(),
			Signature: hex.EncodeToString(sig.SignatureBytes()),
		})
	}
	respondJSON(w, http.StatusOK, records)
}

// ProofHandler : GET /proof/{height}. Finds the first anchoring transaction
// in the local validator's LECT history whose payload covers the requested
// host height, and returns it with the Merkle inclusion path and a
// deterministic receipt id.
func (app *AnchorApplication) ProofHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	height, err := strconv.ParseInt(vars["height"], 10, 64)
	if err != nil || height < 0 {
		respondError(w, http.StatusBadRequest, "height is not a valid block height")
		return
	}
	me := app.validatorIndex()
	if me < 0 {
		respondError(w, http.StatusServiceUnavailable, "this node is not an anchoring validator")
		return
	}
	v := uint32(me)
	count, err := app.Schema.LectCount(v)
	if app.LogError(err) != nil {
		respondError(w, http.StatusInternalServerError, "could not read lect history")
		return
	}
	for i := uint64(0); i < count; i++ {
		raw, err := app.Schema.LectAt(v, i)
		if app.LogError(err) != nil {
			respondError(w, http.StatusInternalServerError, "could not read lect history")
			return
		}
		tx, err := btc.ParseTx(raw)
		if app.LogError(err) != nil {
			respondError(w, http.StatusInternalServerError, "stored lect is unparseable")
			return
		}
		payload, ok := btc.PayloadFromTx(tx)
		if !ok || payload.Height < height {
			continue
		}
		txid, err := btc.TxIDFromRaw(raw)
		if app.LogError(err) != nil {
			respondError(w, http.StatusInternalServerError, "stored lect is unparseable")
			return
		}
		steps, err := app.Schema.LectProof(v, i)
		if app.LogError(err) != nil {
			respondError(w, http.StatusInternalServerError, "could not build inclusion proof")
			return
		}
		root, err := app.Schema.LectRoot(v)
		if app.LogError(err) != nil {
			respondError(w, http.StatusInternalServerError, "could not read lect root")
			return
		}
		path := []types.ProofStep{}
		for _, step := range steps {
			path = append(path, types.ProofStep{
				Left:  step.Left,
				Value: hex.EncodeToString(step.Value),
			})
		}
		seed := append(txid[:], []byte(strconv.FormatInt(payload.Height, 10))...)
		receipt := uuid.NewSHA1(uuid.NameSpaceOID, seed)
		respondJSON(w, http.StatusOK, types.AnchorProof{
			ReceiptID:  receipt.String(),
			Height:     payload.Height,
			BlockHash:  payload.BlockHashHex(),
			BtcTxID:    txid.String(),
			LectIndex:  i,
			MerkleRoot: hex.EncodeToString(root),
			Path:       path,
		})
		return
	}
	respondError(w, http.StatusNotFound,
		fmt.Sprintf("no anchoring transaction covers height %d yet", height))
}
