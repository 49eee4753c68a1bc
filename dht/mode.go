package dht

import (
	"time"

	process "github.com/jbenet/goprocess"
	processctx "github.com/jbenet/goprocess/context"
)

// autoModePollInterval is how often ModeAuto samples the routing table size
// to decide whether to promote to Server.
const autoModePollInterval = 5 * time.Second

// autoModeLoop implements the Auto branch of spec §4.7's ModeController: it
// starts as Client and promotes to Server exactly once, when the routing
// table size reaches serverModeMinPeers. The transition is one-way; once
// promoted this goroutine has nothing further to do and exits.
func (d *DHT) autoModeLoop(proc process.Process) {
	ctx := processctx.OnClosingContext(proc)
	ticker := time.NewTicker(autoModePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if d.rt.Size() >= d.cfg.serverModeMinPeers {
				d.promoteToServer()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (d *DHT) promoteToServer() {
	d.modeMu.Lock()
	defer d.modeMu.Unlock()
	if d.currentMode == ModeServer {
		return
	}
	d.currentMode = ModeServer
	d.registerHandler()
	log.Infof("promoted from auto to server mode (rt size %d)", d.rt.Size())
}
