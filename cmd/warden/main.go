// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/warden-community/warden/lib/clock"
	"github.com/warden-community/warden/lib/config"
	"github.com/warden-community/warden/lib/ref"
	"github.com/warden-community/warden/lib/secret"
	"github.com/warden-community/warden/lib/socket"
	"github.com/warden-community/warden/lib/store"
	"github.com/warden-community/warden/lib/version"
	"github.com/warden-community/warden/messaging"
	"github.com/warden-community/warden/moderation"
)

// syncFilter restricts /sync to the event types the engine dispatches.
// Everything else is noise the homeserver need not send.
const syncFilter = `{"room":{"timeline":{"types":[` +
	`"m.room.message","m.reaction","m.room.member","m.room.power_levels",` +
	`"m.policy.rule.user","m.room.rule.user","org.matrix.mjolnir.rule.user"]},` +
	`"state":{"types":["m.room.member","m.room.power_levels"]},` +
	`"ephemeral":{"types":[]}},"presence":{"types":[]}}`

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath   string
		tokenPath    string
		passwordPath string
		showVersion  bool
	)

	flag.StringVar(&configPath, "config", "", "path to warden.yaml (default: $WARDEN_CONFIG)")
	flag.StringVar(&tokenPath, "token-path", "", "file containing a Matrix access token")
	flag.StringVar(&passwordPath, "password-path", "", "file containing the account password")
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("warden %s\n", version.Info())
		return nil
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if tokenPath == "" && passwordPath == "" {
		return fmt.Errorf("one of --token-path or --password-path is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := messaging.NewClient(messaging.ClientConfig{
		HomeserverURL: cfg.Homeserver,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("creating matrix client: %w", err)
	}
	defer client.CloseIdleConnections()

	session, err := openSession(ctx, client, cfg, tokenPath, passwordPath)
	if err != nil {
		return err
	}
	defer session.Close()

	userID, err := session.WhoAmI(ctx)
	if err != nil {
		return fmt.Errorf("validating session: %w", err)
	}
	logger.Info("matrix session valid", "user_id", userID)

	st, err := store.Open(store.Config{
		Path:   cfg.StatePath,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("opening state database: %w", err)
	}
	defer st.Close()

	engine, err := moderation.NewEngine(ctx, moderation.EngineOptions{
		Session:    session,
		Store:      st,
		Config:     cfg,
		ConfigPath: configPath,
		Clock:      clock.Real(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	// Clear challenges orphaned by the previous run before any new
	// events arrive.
	if err := engine.SweepVerifications(ctx); err != nil {
		logger.Error("sweeping stale verifications", "error", err)
	}

	// The initial sync snapshot seeds the since token. All of it,
	// timeline sections included, is history and is dispatched with the
	// snapshot flag so state-mutating handlers never reprocess it.
	sinceToken, response, err := messaging.InitialSync(ctx, session, syncFilter)
	if err != nil {
		return err
	}
	messaging.AcceptInvites(ctx, session, response.Rooms.Invite, logger)
	engine.HandleInitialSync(ctx, response)

	if added, removed, err := engine.Sync(ctx); err != nil {
		logger.Error("initial activity sync", "error", err)
	} else {
		logger.Info("activity ledger ready", "added", added, "removed", removed)
	}

	go engine.DrainLoop(ctx)

	server := socket.NewServer(cfg.SocketPath, logger)
	registerActions(server, engine, session)
	socketDone := make(chan error, 1)
	go func() {
		socketDone <- server.Serve(ctx)
	}()

	go messaging.RunSyncLoop(ctx, session, messaging.SyncConfig{
		Filter: syncFilter,
	}, sinceToken, func(ctx context.Context, response *messaging.SyncResponse) {
		messaging.AcceptInvites(ctx, session, response.Rooms.Invite, logger)
		engine.HandleSyncResponse(ctx, response)
	}, clock.Real(), logger)

	logger.Info("warden running",
		"user_id", userID,
		"parent_room", cfg.ParentRoom,
		"socket", cfg.SocketPath,
	)

	<-ctx.Done()
	logger.Info("shutting down")

	if err := <-socketDone; err != nil {
		logger.Error("socket server error", "error", err)
	}
	return nil
}

// loadConfig resolves the configuration source: the explicit flag wins,
// then the WARDEN_CONFIG environment variable.
func loadConfig(configPath string) (*config.Config, error) {
	if configPath != "" {
		cfg, err := config.LoadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", configPath, err)
		}
		return cfg, nil
	}
	return config.Load()
}

// openSession authenticates against the homeserver with whichever
// credential file was provided. The token path wins when both are set.
func openSession(ctx context.Context, client *messaging.Client, cfg *config.Config, tokenPath, passwordPath string) (*messaging.DirectSession, error) {
	userID, err := ref.ParseUserID(cfg.UserID)
	if err != nil {
		return nil, fmt.Errorf("invalid user_id in configuration: %w", err)
	}

	if tokenPath != "" {
		token, err := secret.ReadFromPath(tokenPath)
		if err != nil {
			return nil, fmt.Errorf("reading access token: %w", err)
		}
		defer token.Close()
		session, err := client.SessionFromToken(userID, strings.TrimSpace(token.String()))
		if err != nil {
			return nil, fmt.Errorf("building session from token: %w", err)
		}
		return session, nil
	}

	password, err := secret.ReadFromPath(passwordPath)
	if err != nil {
		return nil, fmt.Errorf("reading password: %w", err)
	}
	defer password.Close()
	session, err := client.Login(ctx, userID.String(), password)
	if err != nil {
		return nil, fmt.Errorf("logging in as %s: %w", userID, err)
	}
	return session, nil
}
