// scuttlechat — LAN peer-to-peer chat node speaking a Secret-Handshake
// + box-stream transport in the Secure Scuttlebutt family.
// Headless, no UI: terminal stdin is the message source, terminal
// stdout is the message sink.
//
// Usage:
//
//	scuttlechat --config /etc/scuttlechat/config.yaml
//	scuttlechat whoami --config /etc/scuttlechat/config.yaml
//	scuttlechat keygen --keyfile ./identity.json
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"

	"scuttlechat/internal/config"
	"scuttlechat/internal/eventbus"
	"scuttlechat/internal/health"
	"scuttlechat/internal/identity"
	"scuttlechat/internal/peeraddr"
	"scuttlechat/internal/peermanager"
	"scuttlechat/internal/telemetry"
)

var Version = "dev"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "keygen":
			runKeygen(os.Args[2:])
			return
		case "whoami":
			runWhoami(os.Args[2:])
			return
		}
	}

	configPath := flag.String("config", config.DefaultConfigPath, "path to config file")
	bindAddr := flag.String("bind", "", "address to listen for handshakes on (overrides config)")
	logLevel := flag.String("log-level", "", "log level (debug/info/warn/error)")
	showVersion := flag.Bool("version", false, "show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("scuttlechat %s (%s/%s)\n", Version, runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	cfg, err := config.LoadFromFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}

	if *bindAddr != "" {
		cfg.BindAddr = *bindAddr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "CONFIG ERROR: %v\n", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	a, err := newApp(cfg)
	if err != nil {
		slog.Error("failed to initialize node", "error", err)
		os.Exit(1)
	}

	slog.Info("scuttlechat starting",
		"version", Version,
		"feed_id", a.id.FeedID(),
		"bind_addr", cfg.BindAddr,
		"handshake_port", cfg.HandshakePort,
		"discovery_port", cfg.DiscoveryPort,
	)

	ctx, cancel := context.WithCancel(context.Background())
	a.start(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutdown signal received", "signal", sig)

	cancel()
	a.stop()
	slog.Info("scuttlechat stopped")
}

// app orchestrates every long-lived component of a running node.
type app struct {
	cfg *config.Config
	id  *identity.Identity

	bus     *eventbus.Bus
	manager *peermanager.Manager
	disc    *discoveryController
	healer  *health.Monitor
	telem   *telemetry.Reporter

	wg sync.WaitGroup
}

func newApp(cfg *config.Config) (*app, error) {
	networkKey, err := cfg.NetworkKey()
	if err != nil {
		return nil, fmt.Errorf("resolve network key: %w", err)
	}

	id, err := identity.LoadOrGenerate(cfg.KeyfilePath, networkKey)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}

	bus := eventbus.New()
	manager := peermanager.New(id, bus)
	telem := telemetry.NewReporter(manager)

	self := selfAddress(id, cfg)
	disc := newDiscoveryController(self, cfg.DiscoveryPort, bus, manager)
	healer := health.NewMonitor(manager, disc)

	return &app{
		cfg:     cfg,
		id:      id,
		bus:     bus,
		manager: manager,
		disc:    disc,
		healer:  healer,
		telem:   telem,
	}, nil
}

func selfAddress(id *identity.Identity, cfg *config.Config) peeraddr.PeerAddress {
	host := cfg.BindAddr
	if host == "0.0.0.0" || host == "" {
		host = advertisableHost()
	}
	return peeraddr.PeerAddress{
		Transport: peeraddr.TransportNet,
		Host:      host,
		Port:      uint16(cfg.HandshakePort),
		PublicKey: id.SignPublic,
	}
}

// advertisableHost picks an outbound-looking local address to announce
// on the LAN, falling back to localhost when nothing better is found.
func advertisableHost() string {
	conn, err := net.Dial("udp4", "255.255.255.255:1")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}

func (a *app) start(ctx context.Context) {
	bindAddr := fmt.Sprintf("%s:%d", a.cfg.BindAddr, a.cfg.HandshakePort)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.manager.Listen(ctx, bindAddr); err != nil {
			slog.Error("peer manager listen stopped", "error", err)
		}
	}()

	a.disc.Start(ctx)
	a.healer.Start()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.bus.RunTicker(ctx)
	}()

	lines := make(chan string)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.bus.RunInput(ctx, lines)
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.consume(ctx)
	}()
}

// consume is the single reader of the event bus: it renders peer
// messages to stdout and drives periodic bookkeeping on every tick.
func (a *app) consume(ctx context.Context) {
	tickCount := 0
	for {
		select {
		case ev, ok := <-a.bus.Events():
			if !ok {
				return
			}
			a.handleEvent(ev, &tickCount)
		case <-ctx.Done():
			return
		}
	}
}

func (a *app) handleEvent(ev eventbus.Event, tickCount *int) {
	switch ev.Kind {
	case eventbus.KindInput:
		a.manager.Broadcast([]byte(ev.Line))
	case eventbus.KindTick:
		*tickCount++
		if *tickCount%40 == 0 { // roughly every 10s at the default 250ms tick
			m := a.telem.Collect()
			a.telem.Log(m)
		}
	case eventbus.KindPeerDiscovered:
		slog.Debug("peer discovered", "addr", ev.Peer.String())
	case eventbus.KindHandshakeSucceeded:
		fmt.Printf("* connected: %s\n", ev.FeedID)
	case eventbus.KindHandshakeFailed:
		slog.Warn("handshake failed", "feed_id", ev.FeedID, "error", ev.Err)
	case eventbus.KindMessageReceived:
		fmt.Printf("%s: %s\n", ev.FeedID, ev.Body)
	case eventbus.KindConnectionClosed:
		a.manager.Remove(ev.FeedID)
		fmt.Printf("* disconnected: %s\n", ev.FeedID)
	}
}

func (a *app) stop() {
	a.healer.Stop()
	a.disc.Stop()
	a.manager.Close()
	a.wg.Wait()
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

func runKeygen(args []string) {
	fs := flag.NewFlagSet("keygen", flag.ExitOnError)
	keyfile := fs.String("keyfile", "", "path to write the new keyfile (required)")
	networkKeyHex := fs.String("network-key", "", "32-byte hex network key (defaults to the standard key)")
	fs.Parse(args)

	if *keyfile == "" {
		fmt.Fprintln(os.Stderr, "keygen: --keyfile is required")
		os.Exit(1)
	}

	cfg := config.DefaultConfig()
	cfg.NetworkKeyHex = *networkKeyHex
	networkKey, err := cfg.NetworkKey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "keygen: %v\n", err)
		os.Exit(1)
	}

	id, err := identity.Generate(networkKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "keygen: %v\n", err)
		os.Exit(1)
	}
	if err := id.Save(*keyfile); err != nil {
		fmt.Fprintf(os.Stderr, "keygen: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("wrote %s\n", *keyfile)
	fmt.Println(id.FeedID())
}

func runWhoami(args []string) {
	fs := flag.NewFlagSet("whoami", flag.ExitOnError)
	configPath := fs.String("config", config.DefaultConfigPath, "path to config file")
	fs.Parse(args)

	cfg, err := config.LoadFromFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "whoami: %v\n", err)
		os.Exit(1)
	}
	cfg.ApplyEnvOverrides()

	networkKey, err := cfg.NetworkKey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "whoami: %v\n", err)
		os.Exit(1)
	}

	id, err := identity.LoadOrGenerate(cfg.KeyfilePath, networkKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "whoami: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(id.FeedID())
}
