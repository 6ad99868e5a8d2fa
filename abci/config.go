package abci

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jacohend/flag"
	"github.com/spf13/viper"
	cfg "github.com/tendermint/tendermint/config"
	tmflags "github.com/tendermint/tendermint/libs/cli/flags"
	"github.com/tendermint/tendermint/libs/log"
	tmos "github.com/tendermint/tendermint/libs/os"
	"github.com/tendermint/tendermint/p2p"
	"github.com/tendermint/tendermint/privval"
	types2 "github.com/tendermint/tendermint/types"
	tmtime "github.com/tendermint/tendermint/types/time"

	"github.com/anchorhq/anchor-core/tmrpc"
	"github.com/anchorhq/anchor-core/types"
	"github.com/anchorhq/anchor-core/util"
)

// InitConfig : receives flags and ENV variables and initializes the app config struct
func InitConfig(home string) types.AnchorConfig {
	var listenAddr, tendermintPeers, tendermintSeeds, tendermintLogFilter string
	var bitcoinNetwork, btcRPCHost, btcRPCUser, btcRPCPass, btcWIF, genesisConfig string
	var apiPort, apiAuthUser, apiAuthPass, redisURI, logLevel, tmServer, tmPort, dbType string
	var scanSeconds int
	flag.String(flag.DefaultConfigFlagname, "", "path to config file")
	flag.StringVar(&bitcoinNetwork, "network", "mainnet", "bitcoin network")
	flag.StringVar(&btcRPCHost, "btc_rpc_host", "127.0.0.1:8332", "bitcoind rpc host:port")
	flag.StringVar(&btcRPCUser, "btc_rpc_user", "", "bitcoind rpc username")
	flag.StringVar(&btcRPCPass, "btc_rpc_pass", "", "bitcoind rpc password")
	flag.StringVar(&btcWIF, "btc_wif", "", "WIF-encoded bitcoin signing key for this validator")
	flag.StringVar(&genesisConfig, "genesis_config", "", "path to the anchoring genesis config json")
	flag.StringVar(&apiPort, "api_port", "80", "core api port")
	flag.StringVar(&apiAuthUser, "api_auth_user", "", "basic auth username for privileged api endpoints")
	flag.StringVar(&apiAuthPass, "api_auth_pass", "", "basic auth password for privileged api endpoints")
	flag.StringVar(&redisURI, "redis_uri", "", "redis uri for api rate limiting")
	flag.IntVar(&scanSeconds, "scan_seconds", 60, "interval in seconds between bitcoin state scans")
	flag.StringVar(&dbType, "db_type", "goleveldb", "database backend for the anchoring schema")
	flag.StringVar(&logLevel, "log_level", "info", "log level")
	flag.StringVar(&tmServer, "tendermint_host", "127.0.0.1", "tendermint api url")
	flag.StringVar(&tmPort, "tendermint_port", "26657", "tendermint api port")
	flag.StringVar(&listenAddr, "anchor_core_base_uri", "http://0.0.0.0:26656", "tendermint base uri")
	flag.StringVar(&tendermintPeers, "peers", "", "comma-delimited list of peers")
	flag.StringVar(&tendermintSeeds, "seeds", "", "comma-delimited list of seeds")
	flag.StringVar(&tendermintLogFilter, "log_filter", "main:debug,state:info,*:error", "log level for tendermint")
	flag.Parse()

	tmConfig, err := initTendermintConfig(home, bitcoinNetwork, genesisConfig, listenAddr, tendermintSeeds, tendermintPeers, tendermintLogFilter)
	if util.LogError(err) != nil {
		panic(err)
	}
	tmConfig.TMServer = tmServer
	tmConfig.TMPort = tmPort

	allowLevel, _ := log.AllowLevel(strings.ToLower(logLevel))
	tmLogger := log.NewFilter(log.NewTMLogger(log.NewSyncWriter(os.Stdout)), allowLevel)

	return types.AnchorConfig{
		DBType:         dbType,
		HomePath:       home,
		BitcoinNetwork: bitcoinNetwork,
		BitcoinRPC: types.BitcoinRPCConfig{
			Host: btcRPCHost,
			User: btcRPCUser,
			Pass: btcRPCPass,
		},
		BitcoinWIF:       btcWIF,
		GenesisConfig:    genesisConfig,
		APIPort:          apiPort,
		APIAuthUser:      apiAuthUser,
		APIAuthPass:      apiAuthPass,
		RedisURI:         redisURI,
		ScanSeconds:      scanSeconds,
		TendermintConfig: tmConfig,
		FilePV:           tmConfig.FilePV,
		Logger:           &tmLogger,
	}
}

// initTendermintConfig : imports tendermint config.toml and initializes config variables
func initTendermintConfig(home string, network string, genesisConfig string, listenAddr string, tendermintSeeds string, tendermintPeers string, tendermintLogFilter string) (types.TendermintConfig, error) {
	var TMConfig types.TendermintConfig
	initEnv("TM")
	homeFlag := os.ExpandEnv(filepath.Join("$HOME", cfg.DefaultTendermintDir))
	homeDir := home
	viper.Set(homeFlag, homeDir)
	viper.SetConfigName("config")
	viper.AddConfigPath(homeDir + "/config")

	if err := viper.ReadInConfig(); err == nil {
	} else if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
		// ignore not found error, return other errors
		return TMConfig, err
	}
	defaultConfig := cfg.DefaultConfig()
	err := viper.Unmarshal(defaultConfig)
	if err != nil {
		return TMConfig, err
	}
	defaultConfig.SetRoot(homeDir)
	defaultConfig.DBPath = homeDir + "/data"
	defaultConfig.Consensus.TimeoutCommit = time.Duration(60 * time.Second)
	defaultConfig.RPC.TimeoutBroadcastTxCommit = time.Duration(65 * time.Second) // tx commit + 5 sec latency margin
	defaultConfig.RPC.ListenAddress = "tcp://0.0.0.0:26657"
	defaultConfig.P2P.ListenAddress = "tcp://0.0.0.0:26656"

	ipOnly := util.GetIPOnly(listenAddr)
	defaultConfig.P2P.ExternalAddress = ipOnly + ":26656"
	defaultConfig.P2P.MaxNumInboundPeers = 300
	defaultConfig.P2P.MaxNumOutboundPeers = 75
	defaultConfig.TxIndex.IndexAllKeys = true
	peers := []string{}
	if tendermintPeers != "" {
		peers = strings.Split(tendermintPeers, ",")
		defaultConfig.P2P.PersistentPeers = tendermintPeers
	}
	if tendermintSeeds != "" {
		peers = strings.Split(tendermintSeeds, ",")
		defaultConfig.P2P.Seeds = tendermintSeeds
	}
	cfg.EnsureRoot(defaultConfig.RootDir)

	tmlogger := log.NewTMLogger(log.NewSyncWriter(os.Stdout))
	if defaultConfig.LogFormat == cfg.LogFormatJSON {
		tmlogger = log.NewTMJSONLogger(log.NewSyncWriter(os.Stdout))
	}
	logger, err := tmflags.ParseLogLevel(tendermintLogFilter, tmlogger, cfg.DefaultLogLevel())
	if err != nil {
		panic(err)
	}
	logger = logger.With("module", "main")
	TMConfig.Logger = logger
	peerGenesisFound := false
	peersOrSeedsExist := len(peers) != 0
	// The following initializes an rpc client for a peer and pulls its genesis file
	if peersOrSeedsExist {
		peer := peers[0]
		nodeUri := strings.Split(peer, "@")
		if len(nodeUri) == 2 {
			peerUri := strings.Split(nodeUri[1], ":")
			if len(peerUri) == 2 {
				peerIP := peerUri[0]
				peerRPC := types.TendermintConfig{
					TMServer: peerIP,
					TMPort:   "26657",
				}
				rpc := tmrpc.NewRPCClient(peerRPC, logger)
				genesis, err := rpc.GetGenesis()
				if err == nil {
					genFile := defaultConfig.GenesisFile()
					genDoc := types2.GenesisDoc{
						ChainID:         genesis.Genesis.ChainID,
						GenesisTime:     genesis.Genesis.GenesisTime,
						ConsensusParams: genesis.Genesis.ConsensusParams,
						AppState:        genesis.Genesis.AppState,
					}
					genDoc.Validators = genesis.Genesis.Validators
					if err := genDoc.SaveAs(genFile); err != nil {
						panic(err)
					} else {
						peerGenesisFound = true
					}
					logger.Info("Saved genesis file from peer", "path", genFile)
				}
			}
		}
	}

	// initialize private validator key
	newPrivValKey := defaultConfig.PrivValidatorKeyFile()
	newPrivValState := defaultConfig.PrivValidatorStateFile()
	if !tmos.FileExists(newPrivValState) {
		filePV := privval.GenFilePV(newPrivValKey, newPrivValState)
		filePV.LastSignState.Save()
	}
	TMConfig.FilePV = *privval.LoadOrGenFilePV(newPrivValKey, newPrivValState)

	nodeKey, err := p2p.LoadOrGenNodeKey(defaultConfig.NodeKeyFile())
	if err != nil {
		return TMConfig, err
	}
	TMConfig.NodeKey = nodeKey

	// initialize genesis file
	genFile := defaultConfig.GenesisFile()
	if tmos.FileExists(genFile) || peerGenesisFound {
		logger.Info("Found genesis file", "path", genFile)
	} else if !peersOrSeedsExist && genesisConfig == "" {
		panic(errors.New("no genesis file, no peers to pull one from, and no genesis_config to build one"))
	} else if genesisConfig != "" {
		appState, err := genesisAppState(genesisConfig)
		if err != nil {
			panic(err)
		}
		genDoc := types2.GenesisDoc{
			ChainID:         fmt.Sprintf(network+"-anchor-%d", time.Now().Second()),
			GenesisTime:     tmtime.Now(),
			ConsensusParams: types2.DefaultConsensusParams(),
			AppState:        appState,
		}
		key, _ := TMConfig.FilePV.GetPubKey()
		genDoc.Validators = []types2.GenesisValidator{{
			Address: key.Address(),
			PubKey:  key,
			Power:   10,
		}}
		if err := genDoc.SaveAs(genFile); err != nil {
			panic(err)
		}
		logger.Info("Generated genesis file", "path", genFile)
	} else {
		panic(errors.New("can't retrieve genesis file from peer, check firewall on both ends"))
	}
	TMConfig.Config = defaultConfig

	return TMConfig, nil
}

// genesisAppState : reads the anchoring config file and validates it before
// embedding it as the genesis app_state document
func genesisAppState(path string) (json.RawMessage, error) {
	contents, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var anchoring types.AnchoringConfig
	if err := json.Unmarshal(contents, &anchoring); err != nil {
		return nil, err
	}
	if err := anchoring.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(types.GenesisAppState{Anchoring: anchoring})
}

// initEnv sets to use ENV variables if set.
func initEnv(prefix string) {
	copyEnvVars(prefix)

	// env variables with TM prefix (eg. TM_ROOT)
	viper.SetEnvPrefix(prefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
}

// This copies all variables like TMROOT to TM_ROOT,
// so we can support both formats for the user
func copyEnvVars(prefix string) {
	prefix = strings.ToUpper(prefix)
	ps := prefix + "_"
	for _, e := range os.Environ() {
		kv := strings.SplitN(e, "=", 2)
		if len(kv) == 2 {
			k, v := kv[0], kv[1]
			if strings.HasPrefix(k, prefix) && !strings.HasPrefix(k, ps) {
				k2 := strings.Replace(k, prefix, ps, 1)
				os.Setenv(k2, v)
			}
		}
	}
}
