package btc

import (
	"bytes"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/pkg/errors"
)

// SortedKeys : lexicographic order over compressed serializations. The redeem
// script commits to this order, so every validator derives the same script
// regardless of the order keys appear in the config.
func SortedKeys(keys []*btcec.PublicKey) []*btcec.PublicKey {
	sorted := make([]*btcec.PublicKey, len(keys))
	copy(sorted, keys)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i].SerializeCompressed(), sorted[j].SerializeCompressed()) < 0
	})
	return sorted
}

// KeyPosition : index of pub within keys by compressed serialization, or -1
func KeyPosition(keys []*btcec.PublicKey, pub *btcec.PublicKey) int {
	needle := pub.SerializeCompressed()
	for i, k := range keys {
		if bytes.Equal(k.SerializeCompressed(), needle) {
			return i
		}
	}
	return -1
}

// RedeemScript : the m-of-n multisig script over the sorted compressed keys
func RedeemScript(keys []*btcec.PublicKey, m int, params *chaincfg.Params) ([]byte, error) {
	if m < 1 || m > len(keys) {
		return nil, errors.Errorf("threshold %d outside [1, %d]", m, len(keys))
	}
	sorted := SortedKeys(keys)
	addrKeys := make([]*btcutil.AddressPubKey, len(sorted))
	for i, k := range sorted {
		addr, err := btcutil.NewAddressPubKey(k.SerializeCompressed(), params)
		if err != nil {
			return nil, errors.Wrapf(err, "key %d", i)
		}
		addrKeys[i] = addr
	}
	script, err := txscript.MultiSigScript(addrKeys, m)
	if err != nil {
		return nil, errors.Wrap(err, "building multisig script")
	}
	return script, nil
}

// ScriptAddress : the P2SH address of a redeem script
func ScriptAddress(redeemScript []byte, params *chaincfg.Params) (btcutil.Address, error) {
	addr, err := btcutil.NewAddressScriptHash(redeemScript, params)
	if err != nil {
		return nil, errors.Wrap(err, "deriving script address")
	}
	return addr, nil
}

// PayScript : the scriptPubKey paying the redeem script's P2SH address
func PayScript(redeemScript []byte, params *chaincfg.Params) ([]byte, error) {
	addr, err := ScriptAddress(redeemScript, params)
	if err != nil {
		return nil, err
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, errors.Wrap(err, "building pay script")
	}
	return script, nil
}
