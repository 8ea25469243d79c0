// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/emberchat/ember/internal/config"
)

var (
	cfgPath  = flag.String("config", "config.json", "Path to the config file")
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("Ember v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	cfg, created, err := config.Ensure(*cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if created {
		fmt.Printf("Wrote %s — fill in your identity and start again.\n", *cfgPath)
		return
	}

	app, err := NewApp(cfg)
	if err != nil {
		log.Fatalf("%v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := app.Start(ctx, *cfgPath); err != nil {
		log.Fatalf("start: %v", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Printf("MAIN: %s received, shutting down", s)

	cancel()
	app.Stop()
}

func showUsage() {
	fmt.Println(`Ember — ephemeral messaging client

Usage:
  ember [flags]

Flags:
  -config <path>   Config file (default "config.json"; created when missing)
  -version         Show version
  -h               Show help

The config file carries the identity, the document store location and the
call settings. Most call settings hot-reload; identity does not.`)
}
