// Package main provides the entry point for sessionctl.
// sessionctl runs browser sessions for a list of accounts, switching the
// host VPN to each account's region and reusing a persistent, per-account
// browser fingerprint.
//
// Usage:
//
//	sessionctl run --status ready
//	sessionctl connect <region>
//	sessionctl history --failed
//
// Environment:
//
//	The VPN control binary (piactl by default) must be installed.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/yllada/sessionctl/cli"
	"github.com/yllada/sessionctl/common"
)

// Build-time variables injected via ldflags (-X main.appVersion=x.y.z)
// Default values are used for local development builds
var (
	appVersion = "dev"
	buildTime  = "unknown"
	commitSHA  = "unknown"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals (SIGINT, SIGTERM)
	setupSignalHandler(cancel)

	err := cli.Execute(ctx, cli.BuildInfo{
		Version: appVersion,
		Time:    buildTime,
		Commit:  commitSHA,
	})
	common.CloseLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// setupSignalHandler configures graceful shutdown on SIGINT/SIGTERM.
// The first signal cancels the context so running sessions close their
// browsers and the VPN is disconnected; a second one exits immediately.
func setupSignalHandler(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		common.LogInfo("Received signal %v, initiating graceful shutdown...", sig)
		cancel()
		<-sigChan
		os.Exit(130)
	}()
}
