// Package main provides walletmeshd, an example daemon that runs a router
// behind a WebSocket listener.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/walletmesh/core/internal/approval"
	"github.com/walletmesh/core/internal/config"
	"github.com/walletmesh/core/internal/jsonrpc"
	"github.com/walletmesh/core/internal/permission"
	"github.com/walletmesh/core/internal/router"
	"github.com/walletmesh/core/internal/session"
	"github.com/walletmesh/core/internal/transport"
	"github.com/walletmesh/core/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		dataDir     = flag.String("data-dir", "~/.walletmesh", "Data directory")
		listenAddr  = flag.String("listen", "", "Listen address, overrides config")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{Level: "info", TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("walletmeshd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	effectiveDataDir := expandPath(*dataDir)

	cfg, err := config.Load(effectiveDataDir)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	if *listenAddr != "" {
		cfg.Listen = *listenAddr
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if cfg.Debug {
		cfg.Logging.Level = "debug"
	}

	log = logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		TimeFormat: time.TimeOnly,
		Prefix:     cfg.Logging.Prefix,
	})
	logging.SetDefault(log)

	log.Info("Config loaded", "path", filepath.Join(effectiveDataDir, config.ConfigFileName))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sessions, err := newSessionStore(*cfg, effectiveDataDir)
	if err != nil {
		log.Fatal("Failed to initialize session store", "error", err)
	}
	defer sessions.Close()
	log.Info("Session store initialized", "backend", cfg.Storage.Backend)

	// A standalone daemon has no UI to drive an AllowAskDeny prompt, so it
	// grants every requested permission. An embedding application wires its
	// own permission.Manager (typically AllowAskDeny backed by its modal UI)
	// in place of this one.
	permissions := permission.NewPermissive()

	wallets := dialWallets(ctx, cfg.Wallets, log)
	for chainID := range wallets {
		log.Info("Wallet dialed", "chainId", chainID)
	}

	d := &daemon{
		cfg:         cfg,
		sessions:    sessions,
		permissions: permissions,
		wallets:     wallets,
		log:         log,
		startedAt:   time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", d.handleWS)
	mux.HandleFunc("/status", d.handleStatus)

	listener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		log.Fatal("Failed to listen", "addr", cfg.Listen, "error", err)
	}

	httpServer := &http.Server{
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error", "error", err)
		}
	}()
	log.Info("walletmeshd listening", "addr", cfg.Listen, "ws", "ws://"+cfg.Listen+"/ws")

	go d.sweepExpiredSessions(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("Shutting down...")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("Error stopping HTTP server", "error", err)
	}

	d.closeRouters()
	for chainID, t := range wallets {
		if err := t.Close(); err != nil {
			log.Warn("Error closing wallet transport", "chainId", chainID, "error", err)
		}
	}

	log.Info("Goodbye!")
}

// daemon holds the state shared by every incoming dApp connection: the
// wallet transports every per-connection Router binds, and the session
// store and permission manager every Router is constructed with.
type daemon struct {
	cfg         *config.Config
	sessions    session.Store
	permissions permission.Manager
	wallets     map[string]jsonrpc.Transport
	log         *logging.Logger
	startedAt   time.Time

	mu      sync.Mutex
	routers []*router.Router
}

func (d *daemon) handleWS(w http.ResponseWriter, r *http.Request) {
	wsTransport, err := transport.Upgrade(w, r, d.log)
	if err != nil {
		d.log.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	rtr, err := router.New(wsTransport, d.permissions,
		router.WithSessionStore(d.sessions),
		router.WithSessionConfig(session.Config{
			DefaultLifetime: d.cfg.SessionLifetime(),
			MaxLifetime:     d.cfg.MaxSessionLifetime(),
			RefreshOnAccess: d.cfg.SessionRefreshOnAccess,
			SweepInterval:   5 * time.Minute,
		}),
		router.WithApprovalQueue(approval.New(d.cfg.ApprovalTimeout())),
		router.WithRequestTimeout(d.cfg.RequestTimeout()),
		router.WithDangerousMethods(d.cfg.DangerousMethods),
		router.WithLogger(d.log.Component("router")),
	)
	if err != nil {
		d.log.Error("Failed to construct router", "error", err)
		wsTransport.Close()
		return
	}

	for chainID, walletTransport := range d.wallets {
		rtr.AddWallet(chainID, walletTransport)
	}

	d.mu.Lock()
	d.routers = append(d.routers, rtr)
	d.mu.Unlock()

	d.log.Info("dApp connected", "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
}

func (d *daemon) closeRouters() {
	d.mu.Lock()
	routers := d.routers
	d.routers = nil
	d.mu.Unlock()

	for _, rtr := range routers {
		if err := rtr.Close(); err != nil {
			d.log.Warn("Error closing router", "error", err)
		}
	}
}

// statusResult mirrors the shape of a status endpoint any JSON-RPC daemon in
// this corpus exposes: uptime, connection counts, and approval-queue health.
type statusResult struct {
	Running         bool           `json:"running"`
	Uptime          string         `json:"uptime"`
	ConnectedDapps  int            `json:"connected_dapps"`
	ConnectedChains []string       `json:"connected_chains"`
	Approvals       approval.Stats `json:"approvals"`
}

func (d *daemon) handleStatus(w http.ResponseWriter, r *http.Request) {
	// Each connected dApp has its own router and approval queue; the
	// report sums them.
	d.mu.Lock()
	connectedDapps := len(d.routers)
	var stats approval.Stats
	for _, rtr := range d.routers {
		s := rtr.ApprovalStats()
		stats.Pending += s.Pending
		stats.Approved += s.Approved
		stats.Denied += s.Denied
		stats.TimedOut += s.TimedOut
	}
	d.mu.Unlock()

	chains := make([]string, 0, len(d.wallets))
	for chainID := range d.wallets {
		chains = append(chains, chainID)
	}

	result := statusResult{
		Running:         true,
		Uptime:          time.Since(d.startedAt).Round(time.Second).String(),
		ConnectedDapps:  connectedDapps,
		ConnectedChains: chains,
		Approvals:       stats,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(result); err != nil {
		d.log.Error("Failed to encode status", "error", err)
	}
}

func (d *daemon) sweepExpiredSessions(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := d.sessions.CleanExpired(ctx)
			if err != nil {
				d.log.Warn("Session sweep failed", "error", err)
				continue
			}
			if n > 0 {
				d.log.Info("Swept expired sessions", "count", n)
			}
		}
	}
}

func newSessionStore(cfg config.Config, dataDir string) (session.Store, error) {
	sessionCfg := session.Config{
		DefaultLifetime: cfg.SessionLifetime(),
		MaxLifetime:     cfg.MaxSessionLifetime(),
		RefreshOnAccess: cfg.SessionRefreshOnAccess,
		SweepInterval:   5 * time.Minute,
	}
	switch cfg.Storage.Backend {
	case "sqlite":
		dbDir := cfg.Storage.DataDir
		if dbDir == "" {
			dbDir = dataDir
		}
		return session.NewSQLiteStore(session.SQLiteConfig{Config: sessionCfg, DataDir: dbDir})
	default:
		return session.NewMemoryStore(sessionCfg), nil
	}
}

func dialWallets(ctx context.Context, wallets map[string]string, log *logging.Logger) map[string]jsonrpc.Transport {
	out := make(map[string]jsonrpc.Transport, len(wallets))
	for chainID, url := range wallets {
		t, err := transport.Dial(ctx, url, log.Component("wallet-"+chainID))
		if err != nil {
			log.Error("Failed to dial wallet", "chainId", chainID, "url", url, "error", err)
			continue
		}
		out[chainID] = t
	}
	return out
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
