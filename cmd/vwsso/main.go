// Package main is the entry point for the vwsso server.
package main

import (
	"os"

	"github.com/vaultwarden/vwsso/cmd/vwsso/app"
	"github.com/vaultwarden/vwsso/pkg/logger"
)

func main() {
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
