// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command natreachd keeps a single UDP port mapped on the local
// gateway using whichever of PCP, NAT-PMP, or UPnP is available,
// printing the current external address to stdout as it changes.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"

	"github.com/mdlayher/sdnotify"
	"github.com/natreach/natreach/internal/logger"
	"github.com/natreach/natreach/net/netmon"
	"github.com/natreach/natreach/portmapper"
	"github.com/peterbourgon/ff/v2/ffcli"
	"inet.af/netaddr"
)

var args struct {
	port         int
	enableUPnP   bool
	enablePCP    bool
	enableNATPMP bool
	verbose      bool
}

func main() {
	fs := flag.NewFlagSet("natreachd", flag.ExitOnError)
	fs.IntVar(&args.port, "port", 0, "local UDP port to map (required)")
	fs.BoolVar(&args.enableUPnP, "enable-upnp", true, "allow UPnP/IGD as a fallback protocol")
	fs.BoolVar(&args.enablePCP, "enable-pcp", true, "allow PCP")
	fs.BoolVar(&args.enableNATPMP, "enable-natpmp", true, "allow NAT-PMP")
	fs.BoolVar(&args.verbose, "v", false, "verbose logging")

	cmd := &ffcli.Command{
		Name:       "natreachd",
		ShortUsage: "natreachd -port <port> [flags]",
		ShortHelp:  "Maintain a port mapping on the local gateway",
		FlagSet:    fs,
		Exec:       run,
	}

	if err := cmd.ParseAndRun(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "natreachd:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, _ []string) error {
	if args.port == 0 || args.port > 65535 {
		return fmt.Errorf("natreachd: -port is required and must be a valid UDP port")
	}

	logf := logger.Discard
	if args.verbose {
		logf = logger.StdLogger(log.New(os.Stderr, "", log.LstdFlags))
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	mon, err := netmon.New(logf)
	if err != nil {
		return fmt.Errorf("natreachd: starting network monitor: %w", err)
	}
	defer mon.Close()

	cfg := portmapper.Config{
		EnableUPnP:   args.enableUPnP,
		EnablePCP:    args.enablePCP,
		EnableNATPMP: args.enableNATPMP,
	}
	client := portmapper.New(logf, cfg, mon)
	defer client.Close()

	client.UpdateLocalPort(uint16(args.port), true)

	notifyReady()
	defer notifyStopping()

	go watchExternalAddress(ctx, client)

	<-ctx.Done()
	return nil
}

func watchExternalAddress(ctx context.Context, client *portmapper.Client) {
	ip, port, set := client.WatchExternalAddress(netaddr.IP{}, 0, false)
	for {
		if ctx.Err() != nil {
			return
		}
		if set {
			fmt.Printf("external address: %s:%d\n", ip, port)
		} else {
			fmt.Println("no mapping")
		}
		ip, port, set = client.WatchExternalAddress(ip, port, set)
	}
}

// notifyReady and notifyStopping are no-ops outside systemd: Send
// returns nil whenever NOTIFY_SOCKET isn't set.
func notifyReady()    { _ = sdnotify.Send(sdnotify.Ready) }
func notifyStopping() { _ = sdnotify.Send(sdnotify.Stopping) }
