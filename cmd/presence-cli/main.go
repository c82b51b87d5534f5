// Package main is the entry point for presence-cli, a small demo
// driver for the presence package: join a channel, print peer events,
// and broadcast either stdin lines (join) or a periodic heartbeat
// (serve-demo).
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nugget/presence-client/internal/config"
	"github.com/nugget/presence-client/presence"
	"github.com/nugget/presence-client/transport"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if flag.NArg() == 0 {
		printUsage()
		return
	}

	switch flag.Arg(0) {
	case "join":
		if flag.NArg() < 2 {
			fmt.Fprintln(os.Stderr, "usage: presence-cli join <channel>")
			os.Exit(1)
		}
		runJoin(logger, *configPath, flag.Arg(1), stdinBroadcaster)
	case "serve-demo":
		runJoin(logger, *configPath, "demo", heartbeatBroadcaster)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("presence-cli - presence client demo driver")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  join <channel>   Connect, join a channel, print peer events, broadcast stdin lines")
	fmt.Println("  serve-demo       Connect, join \"demo\", print peer events, broadcast a heartbeat")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

// stdinBroadcaster reads lines from stdin and broadcasts each as a
// "message" data event, returning when stdin closes.
func stdinBroadcaster(ch *presence.Channel) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		ch.Broadcast("message", line)
	}
}

// heartbeatBroadcaster broadcasts a "heartbeat" data event once a
// second, forever, for unattended demo runs with no stdin attached.
func heartbeatBroadcaster(ch *presence.Channel) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		ch.Broadcast("heartbeat", time.Now().Format(time.RFC3339))
	}
}

func runJoin(logger *slog.Logger, configPath string, channelID string, broadcast func(*presence.Channel)) {
	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			logger.Error("invalid log_level in config", "error", err)
			os.Exit(1)
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	opts := cfg.ToOptions(logger)

	delegates := presence.Delegates{
		Authenticate: func(ctx context.Context) (string, error) {
			return cfg.AuthToken()
		},
		MakeTransport: func(ctx context.Context, url, authValue string) (transport.Session, error) {
			header := map[string][]string{"Authorization": {"Bearer " + authValue}}
			return transport.DialDatagram(ctx, url, header, logger)
		},
	}

	var hostSignals presence.HostSignals
	if cfg.Reachability.Enabled {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		rh := presence.NewReachabilityHostSignals(ctx, cfg.Reachability.ProbeURL, presence.DefaultProbeBackoff(), logger)
		defer rh.Stop()
		hostSignals = rh
	}

	client, err := presence.NewClient(opts, delegates, hostSignals)
	if err != nil {
		logger.Error("failed to create client", "error", err)
		os.Exit(1)
	}
	defer client.Stop()

	ch, leave := client.Join(channelID)
	defer leave()

	ch.PeerOnline.Subscribe(func(peerID string) {
		fmt.Printf("+ %s joined %s\n", peerID, channelID)
	})
	ch.PeerOffline.Subscribe(func(peerID string) {
		fmt.Printf("- %s left %s\n", peerID, channelID)
	})
	ch.PeerState.Subscribe(func(ev presence.PeerStateEvent) {
		fmt.Printf("state %s: %v\n", ev.PeerID, ev.State)
	})
	ch.Data.Subscribe(func(ev presence.DataEvent) {
		fmt.Printf("%s: %s %v\n", ev.PeerID, ev.Event, ev.Data)
	})

	client.Connect()
	logger.Info("joining channel", "channel", channelID, "server", cfg.Server.URL)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		client.Logout()
		os.Exit(0)
	}()

	broadcast(ch)
}
