package tmrpc

import (
	"errors"
	"fmt"

	"github.com/tendermint/tendermint/libs/log"
	rpchttp "github.com/tendermint/tendermint/rpc/client/http"
	core_types "github.com/tendermint/tendermint/rpc/core/types"

	"github.com/anchorhq/anchor-core/message"
	"github.com/anchorhq/anchor-core/types"
	"github.com/anchorhq/anchor-core/util"
)

// RPC : holds the http client for the local tendermint node
type RPC struct {
	client *rpchttp.HTTP
	logger log.Logger
}

// NewRPCClient : creates a new client connected to a tendermint instance at "tendermintRPC"
func NewRPCClient(tendermintRPC types.TendermintConfig, logger log.Logger) (rpc *RPC) {
	c, _ := rpchttp.NewWithTimeout(fmt.Sprintf("http://%s:%s", tendermintRPC.TMServer, tendermintRPC.TMPort), "/websocket", 2)
	return &RPC{
		client: c,
		logger: logger,
	}
}

// LogError : log tendermint rpc errors
func (rpc *RPC) LogError(err error) error {
	if err != nil {
		rpc.logger.Error(fmt.Sprintf("Error in %s: %s", util.GetCurrentFuncName(2), err.Error()))
	}
	return err
}

// BroadcastMessage : synchronously broadcasts a signed envelope message to the
// local tendermint node. A non-zero CheckTx code is reported as an error.
func (rpc *RPC) BroadcastMessage(msg message.Message) (core_types.ResultBroadcastTx, error) {
	result, err := rpc.client.BroadcastTxSync(msg.Raw())
	if rpc.LogError(err) != nil {
		return core_types.ResultBroadcastTx{}, err
	}
	if result.Code != 0 {
		err = fmt.Errorf("broadcast of %d/%d rejected: code %d, log: %s", msg.Service(), msg.Kind(), result.Code, result.Log)
		rpc.LogError(err)
		return *result, err
	}
	return *result, nil
}

// GetStatus : retrieves status of our node
func (rpc *RPC) GetStatus() (core_types.ResultStatus, error) {
	if rpc == nil {
		return core_types.ResultStatus{}, errors.New("tendermint rpc failure")
	}
	status, err := rpc.client.Status()
	if rpc.LogError(err) != nil {
		return core_types.ResultStatus{}, err
	}
	return *status, err
}

// GetNetInfo : retrieves known peer information
func (rpc *RPC) GetNetInfo() (core_types.ResultNetInfo, error) {
	if rpc == nil {
		return core_types.ResultNetInfo{}, errors.New("tendermint rpc failure")
	}
	netInfo, err := rpc.client.NetInfo()
	if rpc.LogError(err) != nil {
		return core_types.ResultNetInfo{}, err
	}
	return *netInfo, err
}

// GetValidators : retrieves the consensus validator set at a particular block height
func (rpc *RPC) GetValidators(height int64) (core_types.ResultValidators, error) {
	resp, err := rpc.client.Validators(&height, 1, 300)
	if rpc.LogError(err) != nil {
		return core_types.ResultValidators{}, err
	}
	return *resp, nil
}

// GetGenesis : retrieves the genesis doc from the connected node, used to
// bootstrap a fresh node from an existing peer
func (rpc *RPC) GetGenesis() (core_types.ResultGenesis, error) {
	genesis, err := rpc.client.Genesis()
	if rpc.LogError(err) != nil {
		return core_types.ResultGenesis{}, err
	}
	return *genesis, nil
}
