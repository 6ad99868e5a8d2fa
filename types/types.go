package types

import (
	"encoding/hex"
	"encoding/json"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/pkg/errors"
	cfg "github.com/tendermint/tendermint/config"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/p2p"
	"github.com/tendermint/tendermint/privval"
)

// BitcoinRPCConfig : connection parameters for the trusted bitcoind node
type BitcoinRPCConfig struct {
	Host string `json:"host"`
	User string `json:"user"`
	Pass string `json:"-"`
}

// TendermintConfig : holds the initialized tendermint node config tree
type TendermintConfig struct {
	TMServer string
	TMPort   string
	Config   *cfg.Config
	Logger   log.Logger
	FilePV   privval.FilePV
	NodeKey  *p2p.NodeKey
}

// AnchorConfig : node-local service configuration assembled at startup
type AnchorConfig struct {
	DBType           string
	HomePath         string
	BitcoinNetwork   string
	BitcoinRPC       BitcoinRPCConfig
	BitcoinWIF       string
	GenesisConfig    string
	APIPort          string
	APIAuthUser      string
	APIAuthPass      string
	RedisURI         string
	ScanSeconds      int
	TendermintConfig TendermintConfig
	FilePV           privval.FilePV
	Logger           *log.Logger
}

// ValidatorKeys : the two keys a validator contributes to an anchoring config.
// ServiceKey is the hex ed25519 host-chain key that authenticates messages;
// BitcoinKey is the hex compressed secp256k1 key used in the redeem script.
type ValidatorKeys struct {
	ServiceKey string `json:"service_key"`
	BitcoinKey string `json:"bitcoin_key"`
}

// AnchoringConfig : the consensus-critical anchoring parameters stored on chain
type AnchoringConfig struct {
	Threshold         uint32          `json:"threshold"`
	Validators        []ValidatorKeys `json:"validators"`
	Network           string          `json:"network"`
	FundingTx         string          `json:"funding_tx"`
	Interval          int64           `json:"interval"`
	Fee               int64           `json:"fee"`
	UtxoConfirmations int64           `json:"utxo_confirmations"`
}

// StoredConfiguration : an AnchoringConfig plus the host height it activates at
type StoredConfiguration struct {
	ActualFrom int64           `json:"actual_from"`
	Anchoring  AnchoringConfig `json:"anchoring"`
}

// GenesisAppState : the app_state document carried by the host genesis file
type GenesisAppState struct {
	Anchoring AnchoringConfig `json:"anchoring"`
}

// AnchorPoint : fixes the payload and proposer of an in-flight proposal
type AnchorPoint struct {
	Height    int64  `json:"height"`
	BlockHash string `json:"block_hash"`
	Transfer  bool   `json:"transfer"`
}

// AnchorState : persisted application state, saved at every Commit
type AnchorState struct {
	Height          int64        `json:"height"`
	AppHash         []byte       `json:"app_hash"`
	LatestBlockHash string       `json:"latest_block_hash"`
	AnchorPoint     *AnchorPoint `json:"anchor_point,omitempty"`
	TransferPoint   *AnchorPoint `json:"transfer_point,omitempty"`
	ChainSynced     bool         `json:"chain_synced"`
	AmValidator     bool         `json:"am_validator"`
	AppReady        bool         `json:"app_ready"`
}

// BitcoinKeys : the parsed secp256k1 public keys in validator order
func (c *AnchoringConfig) BitcoinKeys() ([]*btcec.PublicKey, error) {
	keys := make([]*btcec.PublicKey, len(c.Validators))
	for i, v := range c.Validators {
		raw, err := hex.DecodeString(v.BitcoinKey)
		if err != nil {
			return nil, errors.Wrapf(err, "bitcoin key %d is not hex", i)
		}
		pub, err := btcec.ParsePubKey(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "bitcoin key %d is invalid", i)
		}
		keys[i] = pub
	}
	return keys, nil
}

// ServiceKeyBytes : the raw ed25519 service key for a validator index
func (c *AnchoringConfig) ServiceKeyBytes(validator int) ([]byte, error) {
	if validator < 0 || validator >= len(c.Validators) {
		return nil, errors.Errorf("validator index %d out of range", validator)
	}
	raw, err := hex.DecodeString(c.Validators[validator].ServiceKey)
	if err != nil {
		return nil, errors.Wrapf(err, "service key %d is not hex", validator)
	}
	if len(raw) != 32 {
		return nil, errors.Errorf("service key %d has length %d, want 32", validator, len(raw))
	}
	return raw, nil
}

// IndexOfServiceKey : validator index for a raw ed25519 key, or -1
func (c *AnchoringConfig) IndexOfServiceKey(pub []byte) int {
	needle := hex.EncodeToString(pub)
	for i, v := range c.Validators {
		if v.ServiceKey == needle {
			return i
		}
	}
	return -1
}

// FundingTxBytes : the raw funding transaction
func (c *AnchoringConfig) FundingTxBytes() ([]byte, error) {
	raw, err := hex.DecodeString(c.FundingTx)
	if err != nil {
		return nil, errors.Wrap(err, "funding tx is not hex")
	}
	if len(raw) == 0 {
		return nil, errors.New("funding tx is empty")
	}
	return raw, nil
}

// ChainParams : the btcd network parameters for a network tag
func ChainParams(network string) (*chaincfg.Params, error) {
	switch network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "simnet":
		return &chaincfg.SimNetParams, nil
	}
	return nil, errors.Errorf("unknown bitcoin network %q", network)
}

// ChainParams : the btcd network parameters for the config's network tag
func (c *AnchoringConfig) ChainParams() (*chaincfg.Params, error) {
	return ChainParams(c.Network)
}

// Validate : structural checks that hold for any usable anchoring config
func (c *AnchoringConfig) Validate() error {
	n := len(c.Validators)
	if n == 0 {
		return errors.New("config has no validators")
	}
	if c.Threshold < 1 || int(c.Threshold) > n {
		return errors.Errorf("threshold %d outside [1, %d]", c.Threshold, n)
	}
	if c.Interval <= 0 {
		return errors.Errorf("anchoring interval %d must be positive", c.Interval)
	}
	if c.Fee <= 0 {
		return errors.Errorf("fee %d must be positive", c.Fee)
	}
	if c.UtxoConfirmations < 0 {
		return errors.Errorf("utxo confirmations %d must not be negative", c.UtxoConfirmations)
	}
	if _, err := c.ChainParams(); err != nil {
		return err
	}
	if _, err := c.BitcoinKeys(); err != nil {
		return err
	}
	for i := range c.Validators {
		if _, err := c.ServiceKeyBytes(i); err != nil {
			return err
		}
	}
	if _, err := c.FundingTxBytes(); err != nil {
		return err
	}
	return nil
}

// Equal : configs compare by canonical JSON
func (c *AnchoringConfig) Equal(other *AnchoringConfig) bool {
	a, errA := json.Marshal(c)
	b, errB := json.Marshal(other)
	if errA != nil || errB != nil {
		return false
	}
	return string(a) == string(b)
}

// CoreAPIStatus : the /status response served to operators and verifiers
type CoreAPIStatus struct {
	Version         string      `json:"version"`
	Time            string      `json:"time"`
	BaseURI         string      `json:"base_uri"`
	Network         string      `json:"network"`
	MultisigAddress string      `json:"multisig_address"`
	State           string      `json:"state"`
	HostHeight      int64       `json:"host_height"`
	ValidatorIndex  int         `json:"validator_index"`
	LectTxID        string      `json:"lect_txid"`
	LectCount       uint64      `json:"lect_count"`
	ChainSynced     bool        `json:"chain_synced"`
	Peers           int         `json:"peers"`
	NodeInfo        interface{} `json:"node_info,omitempty"`
	SyncInfo        interface{} `json:"sync_info,omitempty"`
}

// LectEntry : one row of a validator's LECT history
type LectEntry struct {
	Index uint64 `json:"index"`
	TxID  string `json:"txid"`
	RawTx string `json:"raw_tx"`
}

// LectPage : paged LECT history plus the authenticated root
type LectPage struct {
	Validator  int         `json:"validator"`
	Count      uint64      `json:"count"`
	MerkleRoot string      `json:"merkle_root"`
	Entries    []LectEntry `json:"entries"`
}

// SignatureRecord : one recorded signature over an anchoring transaction
type SignatureRecord struct {
	TxID      string `json:"txid"`
	Validator uint32 `json:"validator"`
	Input     uint32 `json:"input"`
	Signature string `json:"signature"`
}

// ProofStep : one hop of a LECT inclusion path
type ProofStep struct {
	Left  bool   `json:"left"`
	Value string `json:"value"`
}

// AnchorProof : the /proof response consulted by external verifiers
type AnchorProof struct {
	ReceiptID  string      `json:"receipt_id"`
	Height     int64       `json:"height"`
	BlockHash  string      `json:"block_hash"`
	BtcTxID    string      `json:"btc_txid"`
	LectIndex  uint64      `json:"lect_index"`
	MerkleRoot string      `json:"merkle_root"`
	Path       []ProofStep `json:"path"`
}

// ConfigResponse : the /config response
type ConfigResponse struct {
	Current    AnchoringConfig  `json:"current"`
	ActualFrom int64            `json:"actual_from"`
	Following  *AnchoringConfig `json:"following,omitempty"`
	FollowFrom int64            `json:"follow_from,omitempty"`
}
