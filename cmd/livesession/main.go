// Package main starts the live session service process lifecycle.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gmcompanion/livesession/internal/app/live"
	"github.com/gmcompanion/livesession/internal/platform/config"
	"github.com/gmcompanion/livesession/internal/platform/otel"
)

func main() {
	cfg, err := live.LoadConfig()
	if err != nil {
		config.Exitf("parse config: %v", err)
	}
	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	flag.Parse()

	log.SetPrefix("[LIVESESSION] ")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := otel.Setup(ctx, "livesession")
	if err != nil {
		config.Exitf("setup tracing: %v", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			log.Printf("shutdown tracing: %v", err)
		}
	}()

	if err := live.Run(ctx, cfg); err != nil {
		config.Exitf("failed to serve: %v", err)
	}
}
