// Copyright (c) 2025
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/saintparish4/vega/internal/config"
	"github.com/saintparish4/vega/internal/signaling"
	"github.com/saintparish4/vega/pkg/holepunch"
	"github.com/saintparish4/vega/pkg/nat"
	"github.com/saintparish4/vega/pkg/stun"
)

const (
	signalingTimeout  = 60 * time.Second
	keepaliveInterval = 15 * time.Second
)

// connectCommand rendezvouses with a peer through the signaling server
// and punches a direct UDP path to it.
func connectCommand(args []string) error {
	fs := flag.NewFlagSet("connect", flag.ExitOnError)
	room := fs.String("room", "", "Rendezvous room shared with the peer (required)")
	signalingURL := fs.String("signaling", "", "Signaling server URL (ws://host:port/ws)")
	name := fs.String("name", "", "Display name announced to the peer")
	cfg, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	if *signalingURL == "" {
		*signalingURL = cfg.SignalingURL
	}
	if *room == "" {
		return fmt.Errorf("-room is required")
	}
	if *signalingURL == "" {
		return fmt.Errorf("a signaling server is required (-signaling or signaling_url in the config)")
	}

	// One socket carries everything: the STUN probes that discover its
	// reflexive mapping, and afterwards the punched connection itself.
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		return fmt.Errorf("bind UDP socket: %w", err)
	}
	defer conn.Close()

	candidates, err := gatherCandidates(conn, cfg)
	if err != nil {
		return err
	}
	fmt.Printf("Local candidates: %v\n", candidates)

	theirs, err := exchangeCandidates(*signalingURL, *room, *name, candidates)
	if err != nil {
		return err
	}
	fmt.Printf("Peer candidates:  %v\n", theirs)

	puncher, err := holepunch.New(&holepunch.Config{Conn: conn})
	if err != nil {
		return err
	}
	pc, err := puncher.Punch(holepunch.ParseCandidates(theirs))
	if err != nil {
		return err
	}
	fmt.Printf("\n✓ Connected: %s\n", pc)

	stop := holepunch.Keepalive(conn, pc.RemoteAddr, keepaliveInterval)
	defer stop()
	fmt.Println("Holding the mapping open for 60s; press Ctrl-C to quit earlier.")
	time.Sleep(60 * time.Second)
	return nil
}

// gatherCandidates runs NAT discovery on the shared socket and derives
// the endpoints to advertise. The client is closed before returning so
// the socket's read side is free for hole punching.
func gatherCandidates(conn *net.UDPConn, cfg *config.Config) ([]string, error) {
	client := stun.NewClientFromConn(conn, &stun.Config{
		RecvTimeout: cfg.RecvTimeout(),
		RecvBufSize: cfg.RecvBufSize,
		Software:    "vega/" + version,
	})
	defer client.Close()

	behavior, err := nat.DiscoverBehavior(client, cfg.STUNServer)
	if err != nil {
		return nil, fmt.Errorf("NAT behavior discovery: %w", err)
	}
	slog.Info("NAT behavior",
		"mapping", behavior.Mapping.Type.String(),
		"filtering", behavior.Filtering.Type.String())

	localPort := conn.LocalAddr().(*net.UDPAddr).Port
	candidates := holepunch.CandidateEndpoints(behavior, localPort)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no endpoint candidates to advertise")
	}
	return candidates, nil
}

// exchangeCandidates swaps candidate lists with the peer in the room.
func exchangeCandidates(url, room, name string, candidates []string) ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sig, err := signaling.Dial(ctx, url)
	if err != nil {
		return nil, err
	}
	defer sig.Close()

	joined, err := sig.Join(room, name)
	if err != nil {
		return nil, err
	}

	var peerID string
	if len(joined.Peers) > 0 {
		peerID = joined.Peers[0].PeerID
	} else {
		fmt.Println("Waiting for the peer to join...")
		info, err := sig.AwaitPeer(signalingTimeout)
		if err != nil {
			return nil, err
		}
		peerID = info.PeerID
	}

	if err := sig.SendCandidates(peerID, candidates); err != nil {
		return nil, err
	}
	_, theirs, err := sig.RecvCandidates(signalingTimeout)
	if err != nil {
		return nil, err
	}
	return theirs, nil
}
