package abci

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/abci/example/code"
	types2 "github.com/tendermint/tendermint/abci/types"
	"github.com/tendermint/tendermint/crypto/ed25519"
)

// constant prefix for a validator change payload
const (
	ValidatorSetChangePrefix string = "val:"
)

// MakeValSetChangeTx : encode a host-chain validator set change payload
func MakeValSetChangeTx(pubkey types2.PubKey, power int64) []byte {
	return []byte(fmt.Sprintf("val:%s!%d", base64.StdEncoding.EncodeToString(pubkey.Data), power))
}

// ValidateValidatorTx : parse and validate a "val:pubkey!power" payload.
// pubkey is a base64-encoded 32-byte ed25519 key.
func ValidateValidatorTx(val string) (err error, pubkey []byte, power int64) {
	if !strings.HasPrefix(val, ValidatorSetChangePrefix) {
		return errors.New("expected 'val:pubkey!power'"), []byte{}, 0
	}
	pubKeyAndPower := strings.Split(strings.TrimPrefix(val, ValidatorSetChangePrefix), "!")
	if len(pubKeyAndPower) != 2 {
		return errors.New("expected 'val:pubkey!power'"), []byte{}, 0
	}
	pubkey, err = base64.StdEncoding.DecodeString(pubKeyAndPower[0])
	if err != nil {
		return errors.New("pubkey is invalid base64"), []byte{}, 0
	}
	if len(pubkey) != ed25519.PubKeyEd25519Size {
		return errors.New("pubkey is not 32 bytes"), []byte{}, 0
	}
	power, err = strconv.ParseInt(pubKeyAndPower[1], 10, 64)
	if err != nil {
		return errors.New("power isn't an integer"), []byte{}, 0
	}
	if power < 0 {
		return errors.New("power is negative"), []byte{}, 0
	}
	return nil, pubkey, power
}

func (app *AnchorApplication) execValidatorTx(tx []byte) types2.ResponseDeliverTx {
	err, pubkey, power := ValidateValidatorTx(string(tx))
	if err != nil {
		return types2.ResponseDeliverTx{
			Code: code.CodeTypeEncodingError,
			Log:  err.Error(),
		}
	}
	return app.updateValidator(types2.Ed25519ValidatorUpdate(pubkey, power))
}

// add, update, or remove a validator
func (app *AnchorApplication) updateValidator(v types2.ValidatorUpdate) types2.ResponseDeliverTx {
	key := []byte("val:" + string(v.PubKey.Data))

	pubkey := ed25519.PubKeyEd25519{}
	copy(pubkey[:], v.PubKey.Data)

	if v.Power == 0 {
		// remove validator
		hasKey, err := app.Db.Has(key)
		if err != nil {
			panic(err)
		}
		if !hasKey {
			pubStr := base64.StdEncoding.EncodeToString(v.PubKey.Data)
			app.logger.Info(fmt.Sprintf("Cannot remove non-existent validator %s", pubStr))
			return types2.ResponseDeliverTx{
				Code: code.CodeTypeUnauthorized,
				Log:  fmt.Sprintf("Cannot remove non-existent validator %s", pubStr)}
		}
		app.Db.Delete(key)
		delete(app.valAddrToPubKeyMap, string(pubkey.Address()))
	} else {
		// add or update validator
		value := bytes.NewBuffer(make([]byte, 0))
		if err := types2.WriteMessage(&v, value); err != nil {
			app.logger.Info(fmt.Sprintf("Error encoding validator: %v", err))
			return types2.ResponseDeliverTx{
				Code: code.CodeTypeEncodingError,
				Log:  fmt.Sprintf("Error encoding validator: %v", err)}
		}
		app.Db.Set(key, value.Bytes())
		app.valAddrToPubKeyMap[string(pubkey.Address())] = v.PubKey
	}

	// we only update the changes array if we successfully updated the tree
	app.ValUpdates = append(app.ValUpdates, v)
	app.logger.Info(fmt.Sprintf("Val Updates: %v", app.ValUpdates))
	return types2.ResponseDeliverTx{Code: code.CodeTypeOK}
}
