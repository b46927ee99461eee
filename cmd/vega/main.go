// Copyright (c) 2025
// SPDX-License-Identifier: MIT

// Command vega is the STUN client and NAT behavior discovery CLI.
//
// Usage:
//
//	vega discover [-config file] [-server host:port]
//	vega behavior [-config file] [-server host:port]
//	vega connect  [-config file] [-room id] [-signaling url]
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/saintparish4/vega/internal/config"
	"github.com/saintparish4/vega/pkg/nat"
	"github.com/saintparish4/vega/pkg/stun"
)

var version = "dev" // set via ldflags

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch command := os.Args[1]; command {
	case "discover":
		err = discoverCommand(os.Args[2:])
	case "behavior":
		err = behaviorCommand(os.Args[2:])
	case "connect":
		err = connectCommand(os.Args[2:])
	case "version", "-v", "--version":
		fmt.Printf("vega version %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig parses the shared flags of a subcommand and resolves the
// effective configuration: defaults, then config file, then flags.
func loadConfig(fs *flag.FlagSet, args []string) (*config.Config, error) {
	configPath := fs.String("config", "", "Path to YAML config file")
	server := fs.String("server", "", "STUN server (host:port)")
	verbose := fs.Bool("verbose", false, "Enable debug logging")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, err
	}
	if *server != "" {
		cfg.STUNServer = *server
	}
	if *verbose {
		cfg.Verbose = true
	}

	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))

	return cfg, nil
}

func newStunClient(cfg *config.Config) (*stun.Client, error) {
	return stun.NewClient("0.0.0.0:0", &stun.Config{
		RecvTimeout: cfg.RecvTimeout(),
		RecvBufSize: cfg.RecvBufSize,
		Software:    "vega/" + version,
	})
}

func discoverCommand(args []string) error {
	fs := flag.NewFlagSet("discover", flag.ExitOnError)
	cfg, err := loadConfig(fs, args)
	if err != nil {
		return err
	}

	client, err := newStunClient(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	resp, err := client.BindingRequest(cfg.STUNServer, nil)
	if err != nil {
		return fmt.Errorf("binding request to %s: %w", cfg.STUNServer, err)
	}

	if resp.Header.Class == stun.ClassErrorResponse {
		if code, ok := resp.ErrorCode(); ok {
			return fmt.Errorf("server answered %d (%s)", code.Code, code)
		}
		return fmt.Errorf("server answered an error response without ERROR-CODE")
	}

	addr, ok := resp.XORMappedAddress()
	if !ok {
		if addr, ok = resp.MappedAddress(); !ok {
			return fmt.Errorf("no mapped address in response")
		}
	}

	fmt.Printf("Reflexive address: %s\n", addr)
	fmt.Printf("Local address:     %s\n", client.LocalAddr())
	if origin, ok := resp.ResponseOrigin(); ok {
		fmt.Printf("Response origin:   %s\n", origin)
	}
	if other, ok := resp.OtherAddress(); ok {
		fmt.Printf("Other address:     %s\n", other)
	}
	if software, ok := resp.Software(); ok {
		fmt.Printf("Server software:   %s\n", software)
	}
	return nil
}

func behaviorCommand(args []string) error {
	fs := flag.NewFlagSet("behavior", flag.ExitOnError)
	cfg, err := loadConfig(fs, args)
	if err != nil {
		return err
	}

	client, err := newStunClient(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	fmt.Printf("Probing %s...\n", cfg.STUNServer)
	result, err := nat.DiscoverBehavior(client, cfg.STUNServer)
	if err != nil {
		return fmt.Errorf("NAT behavior discovery: %w", err)
	}

	fmt.Printf("\nMapping:   %s\n", result.Mapping.Type)
	fmt.Printf("Filtering: %s\n", result.Filtering.Type)
	if result.Mapping.Test1Addr != nil {
		fmt.Printf("\nReflexive address (primary endpoint):   %s\n", result.Mapping.Test1Addr)
	}
	if result.Mapping.Test2Addr != nil {
		fmt.Printf("Reflexive address (alternate endpoint): %s\n", result.Mapping.Test2Addr)
	}
	if result.Mapping.Test3Addr != nil {
		fmt.Printf("Reflexive address (alternate port):     %s\n", result.Mapping.Test3Addr)
	}
	return nil
}

func printUsage() {
	fmt.Println("vega - STUN client and NAT behavior discovery")
	fmt.Printf("Version: %s\n", version)
	fmt.Println()
	fmt.Println("Usage: vega <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  discover        Report your reflexive address via a STUN binding request")
	fmt.Println("  behavior        Classify the local NAT's mapping and filtering behavior")
	fmt.Println("  connect         Establish a P2P connection to a peer via hole punching")
	fmt.Println("  version         Show version information")
	fmt.Println("  help            Show this help message")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  vega discover -server stun.l.google.com:19302")
	fmt.Println("  vega behavior -server stun.example.org:3478")
	fmt.Println("  vega connect -room demo -signaling ws://rendezvous.example.org:8080/ws")
}
