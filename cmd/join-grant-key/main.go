// Package main provides a one-shot utility for join-grant secrets: it
// generates the shared HMAC secret, or signs a test grant with -sign.
package main

import (
	"flag"
	"os"

	"github.com/gmcompanion/livesession/internal/platform/config"
	"github.com/gmcompanion/livesession/internal/tools/joingrant"
)

func main() {
	cfg, err := joingrant.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}
	if err := joingrant.Run(cfg, os.Stdout, nil); err != nil {
		config.Exitf("join grant key: %v", err)
	}
}
