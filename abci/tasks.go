package abci

import (
	"time"
)

// SyncMonitor : turns off anchoring duties while the host chain is catching
// up. Not cron scheduled since we need it to start immediately.
func (app *AnchorApplication) SyncMonitor() {
	for {
		time.Sleep(30 * time.Second) // allow chain time to initialize
		var err error
		status, err := app.rpc.GetStatus()
		if app.LogError(err) != nil {
			time.Sleep(5 * time.Second)
			continue
		}
		netInfo, err := app.rpc.GetNetInfo()
		if app.LogError(err) != nil {
			time.Sleep(5 * time.Second)
			continue
		}
		app.tmStatus = status
		app.tmNetInfo = netInfo
		if app.ID == "" {
			app.ID = status.ValidatorInfo.Address.String()
			app.logger.Info("Core ID set", "ID", app.ID)
		}
		if status.SyncInfo.CatchingUp {
			app.state.ChainSynced = false
		} else {
			app.state.ChainSynced = true
		}
	}
}
