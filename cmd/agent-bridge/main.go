// Command agent-bridge exposes tmux-hosted agent sessions to WebSocket
// clients and manages their lifecycle.
package main

import (
	"os"

	"github.com/asheshgoplani/agent-bridge/internal/telemetry"
)

// Version is stamped at build time with -ldflags "-X main.Version=...".
var Version = "dev"

func main() {
	telemetry.Version = Version
	initColorProfile()
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
