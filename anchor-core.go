package main

import (
	"bufio"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/common-nighthawk/go-figure"
	"github.com/go-redis/redis"
	"github.com/gorilla/mux"
	"github.com/manifoldco/promptui"
	"github.com/sethvargo/go-password/password"
	"github.com/throttled/throttled/v2"
	"github.com/throttled/throttled/v2/store/goredisstore"
	"github.com/throttled/throttled/v2/store/memstore"

	tmlog "github.com/tendermint/tendermint/libs/log"
	tmos "github.com/tendermint/tendermint/libs/os"
	"github.com/tendermint/tendermint/node"
	"github.com/tendermint/tendermint/proxy"

	"github.com/anchorhq/anchor-core/abci"
	"github.com/anchorhq/anchor-core/btcrpc"
	"github.com/anchorhq/anchor-core/relay"
	"github.com/anchorhq/anchor-core/tmrpc"
	"github.com/anchorhq/anchor-core/types"
	"github.com/anchorhq/anchor-core/util"
)

var home string

// setup : first-run provisioning. Prompts for the bitcoin node connection
// and this validator's signing key, then writes anchor.conf and exits.
func setup() {
	if _, err := os.Stat(home); os.IsNotExist(err) {
		os.MkdirAll(home, os.ModePerm)
	}
	if _, err := os.Stat(home + "/anchor.conf"); err == nil {
		return
	}

	configs := []string{}

	promptNetwork := promptui.Select{
		Label: "Select Bitcoin Network Type",
		Items: []string{"mainnet", "testnet", "regtest"},
	}
	_, networkResult, err := promptNetwork.Run()
	if err != nil {
		panic(err)
	}
	configs = append(configs, "network="+networkResult)

	promptHost := promptui.Prompt{
		Label: "Bitcoind RPC host:port",
	}
	hostResult, err := promptHost.Run()
	if err != nil {
		panic(err)
	}
	configs = append(configs, "btc_rpc_host="+hostResult)

	promptUser := promptui.Prompt{
		Label: "Bitcoind RPC username",
	}
	userResult, err := promptUser.Run()
	if err != nil {
		panic(err)
	}
	configs = append(configs, "btc_rpc_user="+userResult)

	promptPass := promptui.Prompt{
		Label: "Bitcoind RPC password",
		Mask:  '*',
	}
	passResult, err := promptPass.Run()
	if err != nil {
		panic(err)
	}
	configs = append(configs, "btc_rpc_pass="+passResult)

	promptKey := promptui.Select{
		Label: "Bitcoin signing key for this validator",
		Items: []string{"Paste an existing WIF", "Derive a new key from the bitcoind wallet"},
	}
	keyChoice, _, err := promptKey.Run()
	if err != nil {
		panic(err)
	}
	if keyChoice == 0 {
		promptWIF := promptui.Prompt{
			Label: "WIF",
			Mask:  '*',
			Validate: func(input string) error {
				_, err := btcutil.DecodeWIF(input)
				return err
			},
		}
		wifResult, err := promptWIF.Run()
		if err != nil {
			panic(err)
		}
		configs = append(configs, "btc_wif="+wifResult)
	} else {
		params, err := types.ChainParams(networkResult)
		if err != nil {
			panic(err)
		}
		session, err := btcrpc.NewSession(types.BitcoinRPCConfig{
			Host: hostResult,
			User: userResult,
			Pass: passResult,
		}, params, tmlog.NewTMLogger(tmlog.NewSyncWriter(os.Stdout)))
		if err != nil {
			fmt.Println("Could not reach bitcoind to derive a key")
			panic(err)
		}
		pair, err := session.GenerateKeyPair("anchor-core")
		session.Close()
		if err != nil {
			panic(err)
		}
		configs = append(configs, "btc_wif="+pair.WIF)
		fmt.Printf("****************************************************\n")
		fmt.Printf("Derived a new bitcoin key from the node wallet.\n")
		fmt.Printf("Address:    %s\n", pair.Address)
		fmt.Printf("Public key: %s\n", pair.PublicKey)
		fmt.Printf("Share the public key with the other validators.\n")
		fmt.Printf("****************************************************\n\n")
	}

	promptGenesis := promptui.Prompt{
		Label: "Path to the anchoring genesis config json (blank to pull genesis from peers)",
	}
	genesisResult, err := promptGenesis.Run()
	if err != nil {
		panic(err)
	}
	if genesisResult != "" {
		configs = append(configs, "genesis_config="+genesisResult)
	}

	promptPeers := promptui.Prompt{
		Label: "Comma-delimited persistent peers (blank for none)",
	}
	peersResult, err := promptPeers.Run()
	if err != nil {
		panic(err)
	}
	if peersResult != "" {
		configs = append(configs, "peers="+peersResult)
	}

	apiPass, err := password.Generate(20, 10, 0, false, false)
	if err != nil {
		panic(err)
	}
	configs = append(configs, "api_auth_user=anchor")
	configs = append(configs, "api_auth_pass="+apiPass)
	fmt.Printf("API credentials: anchor / %s\n", apiPass)
	fmt.Printf("You should back this information up in a secure place\n\n")

	file, err := os.OpenFile(home+"/anchor.conf", os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.Fatalf("failed creating file: %s", err)
	}
	datawriter := bufio.NewWriter(file)
	for _, data := range configs {
		_, _ = datawriter.WriteString(data + "\n")
	}
	datawriter.Flush()
	file.Close()

	fmt.Printf("Anchor Core Setup Complete. Run with ./anchor-core -config %s\n", home+"/anchor.conf")
	os.Exit(0)
}

func main() {
	figure.NewColorFigure("Anchor Core", "colossal", "red", false).Print()
	homedirname, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	home = util.GetEnv("ANCHOR_CORE_HOME", fmt.Sprintf("%s/.anchor/core", homedirname))

	setup()

	config := abci.InitConfig(home)
	logger := config.TendermintConfig.Logger

	app := abci.NewAnchorApplication(config)

	//declare connection to abci app
	appProxy := proxy.NewLocalClientCreator(app)

	/* Instantiate Tendermint Node with given config and abci app */
	n, err := node.NewNode(config.TendermintConfig.Config,
		&config.TendermintConfig.FilePV,
		config.TendermintConfig.NodeKey,
		appProxy,
		node.DefaultGenesisDocProviderFunc(config.TendermintConfig.Config),
		node.DefaultDBProvider,
		node.DefaultMetricsProvider(config.TendermintConfig.Config.Instrumentation),
		logger,
	)
	if err != nil {
		panic(err)
	}

	// Wait forever, shutdown gracefully upon
	tmos.TrapSignal(*config.Logger, func() {
		if n.IsRunning() {
			logger.Info("Shutting down Anchor Core...")
			n.Stop()
		}
	})

	// Start Tendermint Node
	if err := n.Start(); err != nil {
		panic(err)
	}
	logger.Info("Started node", "nodeInfo", n.Switch().NodeInfo())

	// Start the bitcoin relay once the signing key is configured
	if config.BitcoinWIF != "" {
		wif, err := btcutil.DecodeWIF(config.BitcoinWIF)
		if err != nil {
			panic(err)
		}
		params, err := types.ChainParams(config.BitcoinNetwork)
		if err != nil {
			panic(err)
		}
		session, err := btcrpc.NewSession(config.BitcoinRPC, params, logger)
		if err != nil {
			panic(err)
		}
		rly := relay.NewRelay(relay.Options{
			Schema:       app.Schema,
			Bitcoin:      session,
			Host:         tmrpc.NewRPCClient(config.TendermintConfig, logger),
			Queue:        app.Queue,
			ServiceKey:   config.FilePV.Key.PrivKey,
			BitcoinKey:   wif.PrivKey,
			State:        app.State,
			Logger:       logger,
			ScanInterval: time.Duration(config.ScanSeconds) * time.Second,
		})
		go rly.Run()
	} else {
		logger.Info("No bitcoin signing key configured, running as a verifier only")
	}

	time.Sleep(10 * time.Second) //prevent API from blocking tendermint init

	var apiStore throttled.GCRAStore
	if config.RedisURI != "" {
		redisOpts, err := redis.ParseURL(config.RedisURI)
		if err != nil {
			panic(err)
		}
		apiStore, err = goredisstore.New(redis.NewClient(redisOpts), "anchor:ratelimit:")
		if err != nil {
			panic(err)
		}
	} else {
		apiStore, err = memstore.New(65536)
		if err != nil {
			panic(err)
		}
	}
	proofStore, err := memstore.New(65536)
	if err != nil {
		panic(err)
	}

	apiQuota := throttled.RateQuota{MaxRate: throttled.PerSec(15), MaxBurst: 50}
	proofQuota := throttled.RateQuota{MaxRate: throttled.PerSec(25), MaxBurst: 100}
	apiLimiter, err := throttled.NewGCRARateLimiter(apiStore, apiQuota)
	if err != nil {
		panic(err)
	}
	proofLimiter, err := throttled.NewGCRARateLimiter(proofStore, proofQuota)
	if err != nil {
		panic(err)
	}

	apiRateLimiter := throttled.HTTPRateLimiter{
		RateLimiter: apiLimiter,
		VaryBy:      &throttled.VaryBy{RemoteAddr: true},
	}
	proofRateLimiter := throttled.HTTPRateLimiter{
		RateLimiter: proofLimiter,
		VaryBy:      &throttled.VaryBy{RemoteAddr: true},
	}

	r := mux.NewRouter()
	r.Handle("/", apiRateLimiter.RateLimit(http.HandlerFunc(app.HomeHandler)))
	r.Handle("/status", apiRateLimiter.RateLimit(http.HandlerFunc(app.StatusHandler)))
	r.Handle("/config", apiRateLimiter.RateLimit(http.HandlerFunc(app.ConfigHandler))).Methods("GET")
	r.Handle("/config", apiRateLimiter.RateLimit(http.HandlerFunc(app.ScheduleConfigHandler))).Methods("POST")
	r.Handle("/lects/{validator}", apiRateLimiter.RateLimit(http.HandlerFunc(app.LectsHandler)))
	r.Handle("/lects/{validator}/root", apiRateLimiter.RateLimit(http.HandlerFunc(app.LectRootHandler)))
	r.Handle("/signatures/{txid}", apiRateLimiter.RateLimit(http.HandlerFunc(app.SignaturesHandler)))
	r.Handle("/proof/{height}", proofRateLimiter.RateLimit(http.HandlerFunc(app.ProofHandler)))

	server := &http.Server{
		Handler:      r,
		Addr:         ":" + config.APIPort,
		WriteTimeout: 15 * time.Second,
		ReadTimeout:  15 * time.Second,
	}
	util.LogError(server.ListenAndServe())

	return
}
