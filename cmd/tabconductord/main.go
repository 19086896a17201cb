// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command tabconductord runs the workflow engine as a background
// process: it owns the durable queue, the scheduler that claims and
// drains it, the per-run Runner, the trigger manager, and the RPC
// surface a CLI or browser-extension host drives it through.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/google/uuid"

	"github.com/tombee/tabconductor/internal/config"
	"github.com/tombee/tabconductor/internal/debugger"
	"github.com/tombee/tabconductor/internal/enqueue"
	"github.com/tombee/tabconductor/internal/eventbus"
	ilog "github.com/tombee/tabconductor/internal/log"
	"github.com/tombee/tabconductor/internal/plugins"
	"github.com/tombee/tabconductor/internal/recovery"
	"github.com/tombee/tabconductor/internal/rpc"
	"github.com/tombee/tabconductor/internal/runner"
	"github.com/tombee/tabconductor/internal/scheduler"
	"github.com/tombee/tabconductor/internal/secretstore"
	"github.com/tombee/tabconductor/internal/store"
	"github.com/tombee/tabconductor/internal/store/memstore"
	"github.com/tombee/tabconductor/internal/store/sqlitestore"
	"github.com/tombee/tabconductor/internal/trigger"
	"github.com/tombee/tabconductor/pkg/plugin"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to YAML configuration file")
		backendType = flag.String("backend", "", "Storage backend (sqlite, memory)")
		sqlitePath  = flag.String("sqlite-path", "", "SQLite database path")
		socketPath  = flag.String("socket", "", "Unix socket path")
		tcpAddr     = flag.String("tcp", "", "TCP address to also listen on (e.g. 127.0.0.1:8787)")
		authToken   = flag.String("auth-token", "", "Auth token required on every RPC connection")
		noAuth      = flag.Bool("no-auth", false, "Disable RPC authentication (local development only)")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("tabconductord %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if *backendType != "" {
		cfg.Backend.Type = *backendType
	}
	if *sqlitePath != "" {
		cfg.Backend.SQLitePath = *sqlitePath
	}
	if *socketPath != "" {
		cfg.Listen.SocketPath = *socketPath
	}
	if *tcpAddr != "" {
		cfg.Listen.TCPAddr = *tcpAddr
	}
	if *authToken != "" {
		cfg.Auth.Enabled = true
		cfg.Auth.Token = *authToken
	}
	if *noAuth {
		cfg.Auth.Enabled = false
	}

	if cfg.Auth.Enabled && cfg.Auth.Token == "" {
		token, err := rpc.GenerateToken()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to generate rpc auth token: %v\n", err)
			os.Exit(1)
		}
		cfg.Auth.Token = token
		fmt.Fprintf(os.Stderr, "generated rpc auth token: %s\n(pass --auth-token or set TABCONDUCTOR_AUTH_TOKEN to reuse it across restarts)\n", token)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := ilog.New(&ilog.Config{Level: cfg.Log.Level, Format: ilog.Format(cfg.Log.Format)})
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, closeBackend, err := openBackend(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open storage backend", ilog.Error(err))
		os.Exit(1)
	}
	defer closeBackend()

	if cfg.Auth.Enabled {
		cipher, err := openSecretCipher(cfg.Secrets.KeyringService)
		if err != nil {
			logger.Warn("sensitive vars will be stored in plaintext: could not resolve encryption key", ilog.Error(err))
		} else {
			backend = secretstore.Wrap(backend, cipher)
			logger.Info("sensitive variable encryption enabled")
		}
	}

	ownerID := uuid.NewString()
	logger.Info("starting tabconductord", "owner_id", ownerID, "backend", cfg.Backend.Type)

	recoveryCoord := recovery.New(backend, logger)
	if err := recoveryCoord.Run(ctx, ownerID); err != nil {
		logger.Error("crash recovery failed", ilog.Error(err))
		os.Exit(1)
	}

	bus := eventbus.New(256)

	registry := plugin.NewRegistry()
	plugins.RegisterBuiltins(registry, http.DefaultClient)

	r := runner.New(runner.Config{
		MaxParallel:    cfg.Runner.MaxParallelRuns,
		DefaultTimeout: cfg.Runner.DefaultTimeout,
	}, backend, bus, registry, ownerID, logger)

	breakpoints := debugger.New()
	r.SetBreakpointChecker(breakpoints)
	debugCtl := debugger.NewController(backend, bus, r, breakpoints, logger)

	sched := scheduler.New(scheduler.Config{
		HeartbeatInterval: cfg.Runner.HeartbeatInterval,
		ReclaimInterval:   cfg.Runner.ReclaimInterval,
	}, backend, r, ownerID, logger)
	sched.Start(ctx)
	defer sched.Stop()

	enqueueSvc := enqueue.New(backend, bus, sched, logger)
	triggers := trigger.New(backend, enqueueSvc, registry, logger)
	if err := triggers.Reconcile(ctx); err != nil {
		logger.Error("trigger reconcile failed", ilog.Error(err))
	}
	defer triggers.Close()

	dispatcher := rpc.NewDispatcher(backend, r, sched, enqueueSvc, triggers, debugCtl, logger)

	server := rpc.NewServer(serverConfig(cfg, logger))
	server.SetDispatcher(dispatcher, bus)

	port, err := server.Start(ctx)
	if err != nil {
		logger.Error("failed to start rpc server", ilog.Error(err))
		os.Exit(1)
	}
	logger.Info("rpc server listening", "port", port)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Runner.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("rpc shutdown error", ilog.Error(err))
	}
	r.StartDraining()
	if err := r.WaitForDrain(shutdownCtx, cfg.Runner.ShutdownTimeout); err != nil {
		logger.Warn("runs still active at shutdown deadline", ilog.Error(err))
	}
}

// openBackend opens the configured storage backend, returning a close
// func the caller should defer regardless of backend type.
func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Backend, func(), error) {
	switch cfg.Backend.Type {
	case "memory":
		return memstore.New(), func() {}, nil
	case "sqlite", "":
		st, err := sqlitestore.Open(ctx, sqlitestore.Config{
			Path: cfg.Backend.SQLitePath,
			WAL:  cfg.Backend.WAL,
		})
		if err != nil {
			return nil, nil, err
		}
		return st, func() {
			if err := st.Close(); err != nil {
				logger.Warn("error closing backend", ilog.Error(err))
			}
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend type %q", cfg.Backend.Type)
	}
}

// openSecretCipher resolves the OS-keychain key and builds the cipher
// that seals sensitive PersistentVar values at rest. A keychain that is
// unavailable (headless CI, locked session) degrades to plaintext vars
// rather than refusing to start.
func openSecretCipher(keyringService string) (*secretstore.Cipher, error) {
	key, err := secretstore.ResolveKey(keyringService)
	if err != nil {
		return nil, err
	}
	return secretstore.NewCipher(key)
}

// serverConfig translates the daemon's Unix-socket-first ListenConfig
// into the rpc package's loopback-TCP-port-range model: TCPAddr's port,
// if set, pins PortRange to a single value; otherwise the server falls
// back to its own default scanning range. See DESIGN.md for why the
// transport stayed TCP-range rather than moving to a socket listener.
func serverConfig(cfg *config.Config, logger *slog.Logger) *rpc.ServerConfig {
	sc := rpc.DefaultConfig()
	sc.Logger = logger
	sc.ShutdownTimeout = cfg.Runner.ShutdownTimeout
	if cfg.Auth.Enabled {
		sc.AuthToken = cfg.Auth.Token
	}
	if cfg.Listen.TCPAddr != "" {
		if _, portStr, err := net.SplitHostPort(cfg.Listen.TCPAddr); err == nil {
			if port, err := strconv.Atoi(portStr); err == nil {
				sc.PortRange = [2]int{port, port}
			}
		}
	}
	return sc
}
