package schema

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	merkletools "github.com/chainpoint/merkletools-go"
	"github.com/pkg/errors"
	dbm "github.com/tendermint/tm-db"

	"github.com/anchorhq/anchor-core/btc"
	"github.com/anchorhq/anchor-core/message"
	"github.com/anchorhq/anchor-core/types"
)

// Service tags and table discriminators. These are wire identifiers shared
// by every validator; changing one is a consensus break.
const (
	hostService      byte = 0x00
	anchoringService byte = 0x03

	hostTableConfigs byte = 0x01

	tableSignatures  byte = 0x02
	tableLects       byte = 0x03
	tableLectIndexes byte = 0x04
)

var (
	// ErrLectCountMismatch : the update does not extend the local history
	// by exactly one entry
	ErrLectCountMismatch = errors.New("lect count does not extend the local history")
	// ErrLectDuplicate : the transaction is already present in the
	// validator's history
	ErrLectDuplicate = errors.New("transaction already recorded as a lect")
	// ErrNoActiveConfig : no stored configuration covers the height
	ErrNoActiveConfig = errors.New("no anchoring configuration active at this height")
)

// Schema : the anchoring service's durable tables over the host chain's
// storage view. All methods are safe to call from the applying transaction;
// none of them performs network I/O.
type Schema struct {
	db dbm.DB
}

func New(db dbm.DB) *Schema {
	return &Schema{db: db}
}

func signaturesPrefix(txid *chainhash.Hash) []byte {
	prefix := make([]byte, 0, 2+chainhash.HashSize)
	prefix = append(prefix, anchoringService, tableSignatures)
	return append(prefix, txid[:]...)
}

// validatorPrefix : [service, table] followed by the validator index as a
// 32-bit big-endian value padded to an 8-byte region
func validatorPrefix(table byte, validator uint32) []byte {
	prefix := make([]byte, 10)
	prefix[0] = anchoringService
	prefix[1] = table
	binary.BigEndian.PutUint32(prefix[2:6], validator)
	return prefix
}

func configsPrefix() []byte {
	return []byte{hostService, hostTableConfigs}
}

func lectIndexKey(validator uint32, txid *chainhash.Hash) []byte {
	prefix := validatorPrefix(tableLectIndexes, validator)
	return append(prefix, txid[:]...)
}

// lectLeaf : Merkle leaves are SHA-256 over the txid, so a verifier can
// check inclusion knowing only txids
func lectLeaf(raw []byte) ([]byte, error) {
	txid, err := btc.TxIDFromRaw(raw)
	if err != nil {
		return nil, err
	}
	leaf := sha256.Sum256(txid[:])
	return leaf[:], nil
}

func (s *Schema) signatureList(txid *chainhash.Hash) listTable {
	return newListTable(s.db, signaturesPrefix(txid))
}

func (s *Schema) lectList(validator uint32) merkleList {
	return newMerkleList(s.db, validatorPrefix(tableLects, validator), lectLeaf)
}

func (s *Schema) configList() listTable {
	return newListTable(s.db, configsPrefix())
}

// Signatures : every collected signature message for the given anchoring
// txid, in application order
func (s *Schema) Signatures(txid *chainhash.Hash) ([]*message.Signature, error) {
	list := s.signatureList(txid)
	n, err := list.Len()
	if err != nil {
		return nil, err
	}
	sigs := make([]*message.Signature, 0, n)
	for i := uint64(0); i < n; i++ {
		raw, err := list.Get(i)
		if err != nil {
			return nil, err
		}
		msg, err := message.Decode(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "corrupt signature entry %d for %s", i, txid)
		}
		sig, ok := msg.(*message.Signature)
		if !ok {
			return nil, errors.Errorf("signature entry %d for %s has wrong type", i, txid)
		}
		sigs = append(sigs, sig)
	}
	return sigs, nil
}

// SignatureCount : the number of recorded signatures for the txid
func (s *Schema) SignatureCount(txid *chainhash.Hash) (uint64, error) {
	return s.signatureList(txid).Len()
}

// AddSignature : record sig under the txid of the transaction it carries.
// A second signature from the same validator for the same input is dropped;
// the returned bool reports whether the record was appended.
func (s *Schema) AddSignature(sig *message.Signature) (bool, error) {
	txid, err := btc.TxIDFromRaw(sig.TxRaw())
	if err != nil {
		return false, errors.Wrap(err, "signature carries an unparseable tx")
	}
	existing, err := s.Signatures(&txid)
	if err != nil {
		return false, err
	}
	for _, prev := range existing {
		if prev.Validator() == sig.Validator() && prev.Input() == sig.Input() {
			return false, nil
		}
	}
	batch := s.db.NewBatch()
	defer batch.Close()
	if _, err := s.signatureList(&txid).Append(batch, sig.Raw()); err != nil {
		return false, err
	}
	if err := batch.Write(); err != nil {
		return false, errors.Wrap(err, "writing signature batch")
	}
	return true, nil
}

// LectCount : the length of the validator's LECT history
func (s *Schema) LectCount(validator uint32) (uint64, error) {
	return s.lectList(validator).Len()
}

// LectAt : the raw bitcoin transaction at the given history position
func (s *Schema) LectAt(validator uint32, index uint64) ([]byte, error) {
	return s.lectList(validator).Get(index)
}

// Lect : the validator's most recent entry, nil when the history is empty
func (s *Schema) Lect(validator uint32) ([]byte, error) {
	list := s.lectList(validator)
	n, err := list.Len()
	if err != nil || n == 0 {
		return nil, err
	}
	return list.Get(n - 1)
}

// PrevLect : the entry just before the most recent one, nil when the
// history holds fewer than two entries
func (s *Schema) PrevLect(validator uint32) ([]byte, error) {
	list := s.lectList(validator)
	n, err := list.Len()
	if err != nil || n < 2 {
		return nil, err
	}
	return list.Get(n - 2)
}

// LectRoot : the Merkle root of the validator's history
func (s *Schema) LectRoot(validator uint32) ([]byte, error) {
	return s.lectList(validator).Root()
}

// LectProof : the inclusion path for the history entry at index
func (s *Schema) LectProof(validator uint32, index uint64) ([]merkletools.ProofStep, error) {
	return s.lectList(validator).Proof(index)
}

// FindLect : the position of txid in the validator's history
func (s *Schema) FindLect(validator uint32, txid *chainhash.Hash) (uint64, bool, error) {
	raw, err := s.db.Get(lectIndexKey(validator, txid))
	if err != nil {
		return 0, false, errors.Wrap(err, "reading lect index")
	}
	if raw == nil {
		return 0, false, nil
	}
	if len(raw) != 8 {
		return 0, false, errors.Errorf("corrupt lect index for validator %d", validator)
	}
	return binary.BigEndian.Uint64(raw), true, nil
}

// AddLect : append txRaw as the validator's newest entry and index its
// txid, in one batch. expectedCount is the asserted post-append length and
// must be exactly one more than the current length.
func (s *Schema) AddLect(validator uint32, txRaw []byte, expectedCount uint64) error {
	batch := s.db.NewBatch()
	defer batch.Close()
	if err := s.stageLect(batch, validator, txRaw, expectedCount); err != nil {
		return err
	}
	return errors.Wrap(batch.Write(), "writing lect batch")
}

func (s *Schema) stageLect(batch dbm.Batch, validator uint32, txRaw []byte, expectedCount uint64) error {
	n, err := s.LectCount(validator)
	if err != nil {
		return err
	}
	if expectedCount != n+1 {
		return ErrLectCountMismatch
	}
	txid, err := btc.TxIDFromRaw(txRaw)
	if err != nil {
		return errors.Wrap(err, "lect carries an unparseable tx")
	}
	if _, found, err := s.FindLect(validator, &txid); err != nil {
		return err
	} else if found {
		return ErrLectDuplicate
	}
	index, err := s.lectList(validator).Append(batch, txRaw)
	if err != nil {
		return err
	}
	position := make([]byte, 8)
	binary.BigEndian.PutUint64(position, index)
	batch.Set(lectIndexKey(validator, &txid), position)
	return nil
}

// ConfigCount : the number of stored configurations
func (s *Schema) ConfigCount() (uint64, error) {
	return s.configList().Len()
}

// StoredConfigAt : the stored configuration at the given position
func (s *Schema) StoredConfigAt(index uint64) (types.StoredConfiguration, error) {
	raw, err := s.configList().Get(index)
	if err != nil {
		return types.StoredConfiguration{}, err
	}
	var sc types.StoredConfiguration
	if err := json.Unmarshal(raw, &sc); err != nil {
		return types.StoredConfiguration{}, errors.Wrapf(err, "corrupt stored configuration %d", index)
	}
	return sc, nil
}

// AddStoredConfig : append a scheduled configuration. Activation heights
// must be strictly increasing across the list.
func (s *Schema) AddStoredConfig(sc types.StoredConfiguration) error {
	if err := sc.Anchoring.Validate(); err != nil {
		return err
	}
	if sc.ActualFrom < 1 {
		return errors.Errorf("activation height %d must be positive", sc.ActualFrom)
	}
	list := s.configList()
	n, err := list.Len()
	if err != nil {
		return err
	}
	if n > 0 {
		last, err := s.StoredConfigAt(n - 1)
		if err != nil {
			return err
		}
		if sc.ActualFrom <= last.ActualFrom {
			return errors.Errorf("activation height %d not above the last scheduled %d",
				sc.ActualFrom, last.ActualFrom)
		}
	}
	raw, err := json.Marshal(sc)
	if err != nil {
		return errors.Wrap(err, "encoding stored configuration")
	}
	batch := s.db.NewBatch()
	defer batch.Close()
	if _, err := list.Append(batch, raw); err != nil {
		return err
	}
	return errors.Wrap(batch.Write(), "writing configuration batch")
}

// CurrentConfig : the configuration with the greatest activation height not
// above the given host height, plus that activation height
func (s *Schema) CurrentConfig(height int64) (*types.AnchoringConfig, int64, error) {
	n, err := s.ConfigCount()
	if err != nil {
		return nil, 0, err
	}
	for i := n; i > 0; i-- {
		sc, err := s.StoredConfigAt(i - 1)
		if err != nil {
			return nil, 0, err
		}
		if sc.ActualFrom <= height {
			return &sc.Anchoring, sc.ActualFrom, nil
		}
	}
	return nil, 0, ErrNoActiveConfig
}

// FollowingConfig : the next scheduled configuration strictly above the
// given host height, nil when none is pending
func (s *Schema) FollowingConfig(height int64) (*types.StoredConfiguration, error) {
	n, err := s.ConfigCount()
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < n; i++ {
		sc, err := s.StoredConfigAt(i)
		if err != nil {
			return nil, err
		}
		if sc.ActualFrom > height {
			return &sc, nil
		}
	}
	return nil, nil
}

// CreateGenesisConfig : install cfg as the configuration active from height
// 1 and seed every validator's history with its funding transaction. Runs
// once, on an empty schema.
func (s *Schema) CreateGenesisConfig(cfg types.AnchoringConfig) error {
	n, err := s.ConfigCount()
	if err != nil {
		return err
	}
	if n != 0 {
		return errors.New("genesis configuration already installed")
	}
	if err := cfg.Validate(); err != nil {
		return err
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
	funding, err := cfg.FundingTxBytes()
	if err != nil {
		return err
	}
	fundingTx, err := btc.ParseTx(funding)
	if err != nil {
		return errors.Wrap(err, "genesis funding tx")
	}
	if kind := btc.Classify(fundingTx, redeemScript, params); kind == btc.TxKindOther {
		return errors.New("genesis funding tx does not pay the multisig address")
	}

	raw, err := json.Marshal(types.StoredConfiguration{ActualFrom: 1, Anchoring: cfg})
	if err != nil {
		return errors.Wrap(err, "encoding genesis configuration")
	}
	batch := s.db.NewBatch()
	defer batch.Close()
	if _, err := s.configList().Append(batch, raw); err != nil {
		return err
	}
	for i := range cfg.Validators {
		if err := s.stageLect(batch, uint32(i), funding, 1); err != nil {
			return err
		}
	}
	return errors.Wrap(batch.Write(), "writing genesis batch")
}
