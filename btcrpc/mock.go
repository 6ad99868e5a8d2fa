package btcrpc

import (
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/anchorhq/anchor-core/btc"
)

// MockPayment : a SendToAddress recorded by the mock
type MockPayment struct {
	Address  string
	Satoshis int64
}

// Mock : an in-memory Client that behaves like a tiny bitcoind wallet. It
// remembers raw transactions, serves unspent outputs per address, and records
// everything that was broadcast or imported.
type Mock struct {
	mu       sync.Mutex
	params   *chaincfg.Params
	unspent  map[string][]Unspent
	raw      map[chainhash.Hash][]byte
	info     map[chainhash.Hash]TxInfo
	sent     []chainhash.Hash
	imported []string
	payments []MockPayment
	sendErr  error
	failures int
	keySeq   byte
}

var _ Client = (*Mock)(nil)

// NewMock : empty mock node on the given network
func NewMock(params *chaincfg.Params) *Mock {
	return &Mock{
		params:  params,
		unspent: make(map[string][]Unspent),
		raw:     make(map[chainhash.Hash][]byte),
		info:    make(map[chainhash.Hash]TxInfo),
	}
}

// AddUnspent : seed an unspent output paying address, backed by raw
func (m *Mock) AddUnspent(address string, raw []byte, vout uint32, amount, confirmations int64) (chainhash.Hash, error) {
	txid, err := btc.TxIDFromRaw(raw)
	if err != nil {
		return chainhash.Hash{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.raw[txid] = append([]byte(nil), raw...)
	m.info[txid] = TxInfo{Confirmations: confirmations}
	m.unspent[address] = append(m.unspent[address], Unspent{
		TxID:          txid,
		Vout:          vout,
		Amount:        amount,
		Confirmations: confirmations,
	})
	return txid, nil
}

// Confirm : mark a known transaction as mined
func (m *Mock) Confirm(txid chainhash.Hash, confirmations int64, blockHash string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.info[txid] = TxInfo{Confirmations: confirmations, BlockHash: blockHash}
}

// FailSends : make the next times broadcasts return err
func (m *Mock) FailSends(err error, times int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
	m.failures = times
}

// Sent : txids broadcast so far
func (m *Mock) Sent() []chainhash.Hash {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]chainhash.Hash(nil), m.sent...)
}

// Imported : addresses imported so far
func (m *Mock) Imported() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.imported...)
}

// Payments : wallet payments recorded so far
func (m *Mock) Payments() []MockPayment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockPayment(nil), m.payments...)
}

func (m *Mock) ListUnspent(address string, minConf, maxConf int) ([]Unspent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Unspent
	for _, u := range m.unspent[address] {
		if u.Confirmations >= int64(minConf) && u.Confirmations <= int64(maxConf) {
			out = append(out, u)
		}
	}
	return out, nil
}

func (m *Mock) RawTx(txid *chainhash.Hash) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.raw[*txid]
	if !ok {
		return nil, &btcjson.RPCError{
			Code:    btcjson.ErrRPCNoTxInfo,
			Message: "No information available about transaction",
		}
	}
	return append([]byte(nil), raw...), nil
}

func (m *Mock) TxInfo(txid *chainhash.Hash) (*TxInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.info[*txid]
	if !ok {
		return nil, &btcjson.RPCError{
			Code:    btcjson.ErrRPCNoTxInfo,
			Message: "No information available about transaction",
		}
	}
	return &info, nil
}

func (m *Mock) SendRawTx(raw []byte) (*chainhash.Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures > 0 {
		m.failures--
		return nil, m.sendErr
	}
	txid, err := btc.TxIDFromRaw(raw)
	if err != nil {
		return nil, err
	}
	m.raw[txid] = append([]byte(nil), raw...)
	if _, ok := m.info[txid]; !ok {
		m.info[txid] = TxInfo{}
	}
	m.sent = append(m.sent, txid)
	return &txid, nil
}

func (m *Mock) ImportAddress(address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.imported = append(m.imported, address)
	return nil
}

func (m *Mock) GenerateKeyPair(label string) (*KeyPair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keySeq++
	seed := make([]byte, 32)
	seed[0] = m.keySeq
	seed[31] = 0x6d
	priv, pub := btcec.PrivKeyFromBytes(seed)
	wif, err := btcutil.NewWIF(priv, m.params, true)
	if err != nil {
		return nil, err
	}
	addr, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(pub.SerializeCompressed()), m.params)
	if err != nil {
		return nil, err
	}
	return &KeyPair{
		Address:   addr.EncodeAddress(),
		WIF:       wif.String(),
		PublicKey: fmt.Sprintf("%x", pub.SerializeCompressed()),
	}, nil
}

func (m *Mock) SendToAddress(address string, satoshis int64) (*chainhash.Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments = append(m.payments, MockPayment{Address: address, Satoshis: satoshis})
	h := chainhash.DoubleHashH([]byte(fmt.Sprintf("%s:%d:%d", address, satoshis, len(m.payments))))
	return &h, nil
}

func (m *Mock) Close() {}
