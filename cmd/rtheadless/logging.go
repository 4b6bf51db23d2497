package main

import (
	"github.com/urfave/cli"

	"github.com/gekko3d/rtcore/rt/core"
)

var logger = core.NewDefaultLogger("rtheadless", false)

// setupLogging applies the configured level unless -v asked for debug output.
func setupLogging(ctx *cli.Context, level string) {
	if ctx.GlobalBool("v") {
		logger.SetDebug(true)
		return
	}
	if level == "" {
		return
	}
	if err := logger.SetLevel(level); err != nil {
		logger.Warnf("unknown log level %q, keeping info", level)
	}
}
