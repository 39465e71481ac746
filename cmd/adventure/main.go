package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	adventurecmd "github.com/lorekeep/lorekeep/internal/cmd/adventure"
	"github.com/lorekeep/lorekeep/internal/platform/config"
)

func main() {
	cfg, err := adventurecmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}
	log.SetPrefix("[ADVENTURE] ")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := adventurecmd.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
