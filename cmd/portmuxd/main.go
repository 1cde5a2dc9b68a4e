// portmuxd multiplexes TCP port-forwards over a single control link between
// two peers. It either serves the link (WebSocket endpoint) or connects to a
// serving peer and applies the configured tunnels.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/jiongle1/portmux/internal/config"
	"github.com/jiongle1/portmux/internal/logging"
	"github.com/jiongle1/portmux/internal/ports"
	"github.com/jiongle1/portmux/internal/transport"
	"github.com/jiongle1/portmux/internal/tunnel"
)

// Version information - set at build time.
var (
	Version   = "0.3.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	var (
		configPath  string
		listenAddr  string
		linkURL     string
		showVersion bool
		debug       bool
	)

	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.StringVar(&listenAddr, "listen", "", "Serve the control link on this address (overrides config)")
	flag.StringVar(&linkURL, "url", "", "Connect to a serving peer at this ws:// URL (overrides config)")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&debug, "debug", false, "Enable debug logging")
	flag.Parse()

	if showVersion {
		printVersion()
	}

	if configPath == "" {
		configPath = config.DefaultConfigPath()
	}

	cfg := loadConfig(configPath, debug)
	if listenAddr != "" {
		cfg.Mode = config.ModeServe
		cfg.Link.ListenAddr = listenAddr
	}
	if linkURL != "" {
		cfg.Mode = config.ModeConnect
		cfg.Link.URL = linkURL
		cfg.Link.SSHAddr = ""
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.RedactPayloads)
	slog.Info("starting portmuxd",
		slog.String("version", Version),
		slog.String("mode", cfg.Mode),
	)

	var err error
	switch cfg.Mode {
	case config.ModeServe:
		err = runServe(cfg)
	case config.ModeConnect:
		err = runConnect(cfg, configPath, debug)
	}
	if err != nil {
		slog.Error("portmuxd failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func printVersion() {
	fmt.Printf("portmuxd version %s\n", Version)
	fmt.Printf("  Build time: %s\n", BuildTime)
	fmt.Printf("  Git commit: %s\n", GitCommit)
	os.Exit(0)
}

func loadConfig(path string, debug bool) *config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}
	return cfg
}

// runServe exposes the control link as a WebSocket endpoint. Each accepted
// link gets its own tunnel manager; the peer drives tunnel creation.
func runServe(cfg *config.Config) error {
	var managers sync.Map

	mux := http.NewServeMux()
	mux.HandleFunc("/tunnel", func(w http.ResponseWriter, r *http.Request) {
		link, err := transport.AcceptWS(w, r)
		if err != nil {
			slog.Warn("websocket accept error", slog.String("error", err.Error()))
			return
		}

		m := tunnel.NewTunnelManager(link)
		managers.Store(m, struct{}{})
		slog.Info("control link accepted", slog.String("remote_addr", r.RemoteAddr))

		go func() {
			<-m.Done()
			managers.Delete(m)
			slog.Info("control link ended", slog.String("remote_addr", r.RemoteAddr))
		}()
	})

	srv := &http.Server{
		Addr:    cfg.Link.ListenAddr,
		Handler: mux,
	}

	go func() {
		waitForShutdownSignal()
		managers.Range(func(key, _ any) bool {
			key.(*tunnel.TunnelManager).Close()
			return true
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()

	slog.Info("serving control link", slog.String("addr", cfg.Link.ListenAddr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serve control link: %w", err)
	}
	return nil
}

// runConnect dials the serving peer, applies the configured tunnels and keeps
// them in sync across config reloads until the link drops or a signal arrives.
func runConnect(cfg *config.Config, configPath string, debug bool) error {
	link, err := dialLink(cfg)
	if err != nil {
		return err
	}

	m := tunnel.NewTunnelManager(link)
	defer m.Close()

	set := newTunnelSet(m)
	set.sync(cfg.Tunnels)

	watcher := setupConfigWatcher(configPath, debug, set)
	defer closeWatcher(watcher)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		slog.Info("received shutdown signal")
		return nil
	case <-m.Done():
		return fmt.Errorf("control link ended")
	}
}

func dialLink(cfg *config.Config) (ports.MessageTransport, error) {
	if cfg.Link.URL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		link, err := transport.DialWS(ctx, cfg.Link.URL)
		if err != nil {
			return nil, fmt.Errorf("dial control link %s: %w", cfg.Link.URL, err)
		}
		return link, nil
	}
	if cfg.Link.SSHAddr != "" {
		return dialSSHLink(cfg)
	}
	return nil, fmt.Errorf("no control link endpoint configured")
}

// dialSSHLink opens the control link over SSH instead of WebSocket.
func dialSSHLink(cfg *config.Config) (*transport.SSH, error) {
	keyData, err := os.ReadFile(cfg.Link.SSHKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read ssh key %s: %w", cfg.Link.SSHKeyPath, err)
	}
	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key: %w", err)
	}
	clientCfg := &ssh.ClientConfig{
		User:            cfg.Link.SSHUser,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         15 * time.Second,
	}
	return transport.DialSSH(cfg.Link.SSHAddr, clientCfg)
}

func setupConfigWatcher(configPath string, debug bool, set *tunnelSet) *config.Watcher {
	if configPath == "" {
		return nil
	}
	watcher, err := config.NewWatcher(configPath, func(newCfg *config.Config) {
		if debug {
			newCfg.Logging.Level = "debug"
		}
		set.sync(newCfg.Tunnels)
	})
	if err != nil {
		slog.Warn("config hot-reload disabled", slog.String("error", err.Error()))
		return nil
	}
	slog.Info("config hot-reload enabled", slog.String("path", configPath))
	return watcher
}

func closeWatcher(w *config.Watcher) {
	if w != nil {
		w.Close()
	}
}

// tunnelSet keeps the manager's tunnels matching the configured list: on each
// sync, removed entries are closed and new entries created. Descriptor dedup
// in the manager makes re-sending unchanged entries harmless.
type tunnelSet struct {
	m       *tunnel.TunnelManager
	mu      sync.Mutex
	handles map[config.TunnelConfig]*tunnel.Tunnel
}

func newTunnelSet(m *tunnel.TunnelManager) *tunnelSet {
	return &tunnelSet{
		m:       m,
		handles: make(map[config.TunnelConfig]*tunnel.Tunnel),
	}
}

func (s *tunnelSet) sync(desired []config.TunnelConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[config.TunnelConfig]bool, len(desired))
	for _, tc := range desired {
		want[tc] = true
	}

	for tc, handle := range s.handles {
		if !want[tc] {
			handle.Close()
			delete(s.handles, tc)
			slog.Info("closed configured tunnel", slog.String("descriptor", handle.Descriptor().String()))
		}
	}

	for _, tc := range desired {
		if _, ok := s.handles[tc]; ok {
			continue
		}
		handle, err := s.create(tc)
		if err != nil {
			slog.Error("failed to create configured tunnel",
				slog.Int("local_port", tc.LocalPort),
				slog.Int("remote_port", tc.RemotePort),
				slog.String("error", err.Error()),
			)
			continue
		}
		s.handles[tc] = handle
	}
}

func (s *tunnelSet) create(tc config.TunnelConfig) (*tunnel.Tunnel, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if tc.Reverse {
		return s.m.CreateReverseTunnel(ctx, tc.LocalPort, tc.RemotePort)
	}
	family := tunnel.FamilyIPv6
	if tc.Family == "ipv4" {
		family = tunnel.FamilyIPv4
	}
	return s.m.CreateTunnel(ctx, tc.LocalPort, tc.RemotePort, family)
}

func waitForShutdownSignal() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	slog.Info("received shutdown signal")
}
