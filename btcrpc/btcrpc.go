package btcrpc

import (
	"encoding/hex"
	"strings"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/libs/log"

	"github.com/anchorhq/anchor-core/btc"
	"github.com/anchorhq/anchor-core/types"
	"github.com/anchorhq/anchor-core/util"
)

// Unspent : one unspent output paying a watched address
type Unspent struct {
	TxID          chainhash.Hash
	Vout          uint32
	Amount        int64
	Confirmations int64
}

// TxInfo : chain visibility of a transaction
type TxInfo struct {
	Confirmations int64
	BlockHash     string
}

// KeyPair : a wallet-derived key pair handed out at provisioning
type KeyPair struct {
	Address   string
	WIF       string
	PublicKey string
}

// Client : the bitcoin node surface the service consumes. The relay and the
// provisioning flow go through this interface so tests can substitute an
// in-memory node.
type Client interface {
	ListUnspent(address string, minConf, maxConf int) ([]Unspent, error)
	RawTx(txid *chainhash.Hash) ([]byte, error)
	TxInfo(txid *chainhash.Hash) (*TxInfo, error)
	SendRawTx(raw []byte) (*chainhash.Hash, error)
	ImportAddress(address string) error
	GenerateKeyPair(label string) (*KeyPair, error)
	SendToAddress(address string, satoshis int64) (*chainhash.Hash, error)
	Close()
}

// Session : Client over a bitcoind JSON-RPC connection
type Session struct {
	rpc    *rpcclient.Client
	params *chaincfg.Params
	logger log.Logger
}

var _ Client = (*Session)(nil)

// NewSession : connects to bitcoind in HTTP POST mode
func NewSession(cfg types.BitcoinRPCConfig, params *chaincfg.Params, logger log.Logger) (*Session, error) {
	conn := &rpcclient.ConnConfig{
		Host:         cfg.Host,
		User:         cfg.User,
		Pass:         cfg.Pass,
		HTTPPostMode: true,
		DisableTLS:   true,
	}
	client, err := rpcclient.New(conn, nil)
	if err != nil {
		return nil, errors.Wrap(err, "bitcoin rpc dial")
	}
	return &Session{rpc: client, params: params, logger: logger}, nil
}

// ListUnspent : unspent outputs paying address with confirmations inside
// [minConf, maxConf]
func (s *Session) ListUnspent(address string, minConf, maxConf int) ([]Unspent, error) {
	addr, err := btcutil.DecodeAddress(address, s.params)
	if err != nil {
		return nil, errors.Wrapf(err, "decode address %s", address)
	}
	results, err := s.rpc.ListUnspentMinMaxAddresses(minConf, maxConf, []btcutil.Address{addr})
	if err != nil {
		return nil, errors.Wrap(err, "listunspent")
	}
	unspent := make([]Unspent, 0, len(results))
	for _, r := range results {
		hash, err := chainhash.NewHashFromStr(r.TxID)
		if err != nil {
			s.logger.Error("listunspent returned an undecodable txid", "txid", r.TxID)
			continue
		}
		amount, err := btcutil.NewAmount(r.Amount)
		if err != nil {
			s.logger.Error("listunspent returned an undecodable amount", "txid", r.TxID, "amount", r.Amount)
			continue
		}
		unspent = append(unspent, Unspent{
			TxID:          *hash,
			Vout:          r.Vout,
			Amount:        int64(amount),
			Confirmations: r.Confirmations,
		})
	}
	return unspent, nil
}

// RawTx : raw serialized transaction by txid
func (s *Session) RawTx(txid *chainhash.Hash) ([]byte, error) {
	tx, err := s.rpc.GetRawTransaction(txid)
	if err != nil {
		return nil, errors.Wrapf(err, "getrawtransaction %s", txid)
	}
	return btc.SerializeTx(tx.MsgTx()), nil
}

// TxInfo : confirmation count and containing block for a transaction
func (s *Session) TxInfo(txid *chainhash.Hash) (*TxInfo, error) {
	info, err := s.rpc.GetRawTransactionVerbose(txid)
	if err != nil {
		return nil, errors.Wrapf(err, "getrawtransaction verbose %s", txid)
	}
	return &TxInfo{
		Confirmations: int64(info.Confirmations),
		BlockHash:     info.BlockHash,
	}, nil
}

// SendRawTx : submit a fully signed transaction
func (s *Session) SendRawTx(raw []byte) (*chainhash.Hash, error) {
	tx, err := btc.ParseTx(raw)
	if err != nil {
		return nil, errors.Wrap(err, "parse raw tx")
	}
	hash, err := s.rpc.SendRawTransaction(tx, false)
	if err != nil {
		return nil, errors.Wrap(err, "sendrawtransaction")
	}
	s.logger.Info("broadcast bitcoin tx", "txid", hash.String())
	return hash, nil
}

// ImportAddress : watch an address without rescanning history
func (s *Session) ImportAddress(address string) error {
	if err := s.rpc.ImportAddressRescan(address, "", false); err != nil {
		return errors.Wrapf(err, "importaddress %s", address)
	}
	s.logger.Info("imported watch-only address", "address", address)
	return nil
}

// GenerateKeyPair : getnewaddress followed by dumpprivkey
func (s *Session) GenerateKeyPair(label string) (*KeyPair, error) {
	addr, err := s.rpc.GetNewAddress(label)
	if err != nil {
		return nil, errors.Wrap(err, "getnewaddress")
	}
	wif, err := s.rpc.DumpPrivKey(addr)
	if err != nil {
		return nil, errors.Wrap(err, "dumpprivkey")
	}
	return &KeyPair{
		Address:   addr.EncodeAddress(),
		WIF:       wif.String(),
		PublicKey: hex.EncodeToString(wif.PrivKey.PubKey().SerializeCompressed()),
	}, nil
}

// SendToAddress : pay satoshis from the node wallet, used to fund the
// multisig at provisioning
func (s *Session) SendToAddress(address string, satoshis int64) (*chainhash.Hash, error) {
	addr, err := btcutil.DecodeAddress(address, s.params)
	if err != nil {
		return nil, errors.Wrapf(err, "decode address %s", address)
	}
	hash, err := s.rpc.SendToAddress(addr, btcutil.Amount(satoshis))
	if err != nil {
		return nil, errors.Wrap(err, "sendtoaddress")
	}
	s.logger.Info("funded address from node wallet", "address", address,
		"amount", util.FormatSatoshi(satoshis), "txid", hash.String())
	return hash, nil
}

// Close : shut the underlying connection down
func (s *Session) Close() {
	s.rpc.Shutdown()
}

// IsAlreadyKnown : the node already holds this transaction in its mempool or
// a block, so the submission achieved its goal
func IsAlreadyKnown(err error) bool {
	if err == nil {
		return false
	}
	var rpcErr *btcjson.RPCError
	if errors.As(err, &rpcErr) && rpcErr.Code == btcjson.ErrRPCVerifyAlreadyInChain {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already in block chain") ||
		strings.Contains(msg, "already in the mempool") ||
		strings.Contains(msg, "txn-already-known") ||
		strings.Contains(msg, "already have transaction")
}

// IsMissingInputs : the inputs are unknown or spent, so this submission can
// never succeed and should be abandoned
func IsMissingInputs(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "missing inputs") ||
		strings.Contains(msg, "missingorspent") ||
		strings.Contains(msg, "bad-txns-inputs-spent") ||
		strings.Contains(msg, "txn-mempool-conflict") ||
		strings.Contains(msg, "orphan transaction")
}
