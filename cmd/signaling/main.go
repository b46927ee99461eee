// Copyright (c) 2025
// SPDX-License-Identifier: MIT

// Command signaling runs the vega signaling server: the WebSocket
// rendezvous peers use to exchange endpoint candidates before hole
// punching.
//
// Endpoints:
//
//	WebSocket: ws://host:port/ws
//	Health:    GET /health
//	Metrics:   GET /metrics
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/saintparish4/vega/internal/signaling"
)

var version = "dev" // set via ldflags

func main() {
	addr := flag.String("addr", ":8080", "Listen address (e.g. :8080)")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("vega-signaling %s\n", version)
		os.Exit(0)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))

	cfg := signaling.DefaultConfig()
	cfg.Addr = *addr
	cfg.Registry = prometheus.NewRegistry()
	server := signaling.NewServer(cfg)

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		slog.Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}()

	if err := server.Start(); err != nil {
		slog.Error("server failed", "err", err)
		os.Exit(1)
	}
}
