// Session Broker - admission, provisioning and log relay for game-server sessions
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/workspace/session-broker/internal/admission"
	"github.com/workspace/session-broker/internal/auth"
	"github.com/workspace/session-broker/internal/blobstore"
	"github.com/workspace/session-broker/internal/config"
	"github.com/workspace/session-broker/internal/coordinator"
	"github.com/workspace/session-broker/internal/logging"
	"github.com/workspace/session-broker/internal/provision"
	"github.com/workspace/session-broker/internal/server"
	"github.com/workspace/session-broker/internal/sysinfo"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logging.Setup()
	slog.Info("Starting session broker...")

	cfg, err := config.Load()
	if err != nil {
		fatal("Failed to load configuration", err)
	}

	store, err := openStore(cfg)
	if err != nil {
		fatal("Failed to open blob store", err)
	}
	defer closeStore(store)

	catalog, err := loadCatalog(cfg)
	if err != nil {
		fatal("Failed to load branch catalog", err)
	}
	provisioner := provision.NewLocal(provision.LocalConfig{
		Catalog:   catalog,
		StopGrace: cfg.ProvisionStopGrace,
	})

	// A broker either owns the admission queue or reports releases to the
	// broker that does.
	var (
		queue    *admission.Queue
		releaser coordinator.Releaser
	)
	if cfg.AdmissionURL != "" {
		releaser = admission.NewRemoteReleaser(cfg.AdmissionURL, cfg.BlobTimeout)
		slog.Info("Using remote admission service", "url", cfg.AdmissionURL)
	} else {
		queue = admission.New(admission.Config{Capacity: cfg.MaxActiveSessions})
		queue.Start()
		defer queue.Stop()
		releaser = queue
	}

	signer := auth.NewCallbackSigner(cfg.CallbackSecret, cfg.CallbackTokenTTL)
	if !signer.Enabled() {
		slog.Warn("CALLBACK_SECRET is not set; agent connections are not authenticated")
	}

	base := coordinator.Config{
		Provisioner:         provisioner,
		Store:               store,
		Releaser:            releaser,
		CallbackURL:         cfg.AgentCallbackURL(),
		DefaultBranch:       cfg.DefaultBranch,
		FlushInterval:       cfg.FlushInterval,
		BlobTimeout:         cfg.BlobTimeout,
		ProvisionTimeout:    cfg.ProvisionTimeout,
		AgentConnectTimeout: cfg.AgentConnectTimeout,
		IdleTimeout:         cfg.SessionIdleTimeout,
		PingInterval:        cfg.WSPingInterval,
		SendBuffer:          cfg.WSSendBuffer,
	}
	if signer.Enabled() {
		base.MintToken = signer.Mint
	}
	registry := coordinator.NewRegistry(base, cfg.ClosedSessionRetention)

	srv, err := server.New(cfg, server.Deps{
		Registry: registry,
		Store:    store,
		Queue:    queue,
		Signer:   signer,
		Host:     sysinfo.NewCollector(sysinfo.Config{DiskPath: dataDir(cfg)}),
	})
	if err != nil {
		fatal("Failed to create server", err)
	}

	slog.Info("Configuration loaded",
		"port", cfg.Port,
		"publicUrl", cfg.PublicURL,
		"branches", catalog.Names(),
		"maxActiveSessions", cfg.MaxActiveSessions,
	)

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		fatal("Server error", err)
	case sig := <-sigCh:
		slog.Info("Received signal, shutting down...", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Stop closes every session first and waits for their backends to stop
	// and their slots to be released, then shuts the listener down.
	if err := srv.Stop(ctx); err != nil {
		slog.Error("Error during shutdown", "error", err)
	}

	slog.Info("Session broker stopped")
}

func openStore(cfg *config.Config) (blobstore.Store, error) {
	if cfg.BlobDBPath == "" {
		slog.Warn("BLOB_DB_PATH is not set; session logs are kept in memory only")
		return blobstore.NewMemoryStore(), nil
	}
	return blobstore.OpenSQLite(cfg.BlobDBPath)
}

func closeStore(store blobstore.Store) {
	if closer, ok := store.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			slog.Warn("Failed to close blob store", "error", err)
		}
	}
}

// dataDir is the filesystem whose usage /health reports: the blob database's
// directory when one is configured.
func dataDir(cfg *config.Config) string {
	if cfg.BlobDBPath == "" {
		return "/"
	}
	return filepath.Dir(cfg.BlobDBPath)
}

func loadCatalog(cfg *config.Config) (*provision.Catalog, error) {
	if cfg.BranchCatalog != "" {
		return provision.LoadCatalog(cfg.BranchCatalog)
	}
	return provision.SingleCommandCatalog(cfg.DefaultBranch, cfg.BackendCommand), nil
}

func fatal(msg string, err error) {
	slog.Error(msg, "error", err)
	os.Exit(1)
}
