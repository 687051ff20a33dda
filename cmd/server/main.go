// Package main provides the entry point for the LedgerLink server.
// The server manages the OAuth2 connection between the compliance application
// and the external accounting provider: it stores credentials and tokens,
// exposes the management API, and keeps local connection state reconciled
// against the provider's authoritative status.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/atotto/clipboard"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/complytrack/ledgerlink/internal/api"
	"github.com/complytrack/ledgerlink/internal/browser"
	"github.com/complytrack/ledgerlink/internal/config"
	"github.com/complytrack/ledgerlink/internal/connection"
	"github.com/complytrack/ledgerlink/internal/logging"
	"github.com/complytrack/ledgerlink/internal/oauth"
	"github.com/complytrack/ledgerlink/internal/resource"
	"github.com/complytrack/ledgerlink/internal/settings"
	"github.com/complytrack/ledgerlink/internal/store"
	"github.com/complytrack/ledgerlink/internal/tenant"
	"github.com/complytrack/ledgerlink/internal/token"
	"github.com/complytrack/ledgerlink/internal/util"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// connectTimeout bounds how long the -connect mode waits for the user to
// finish the provider-side authorization.
const connectTimeout = 10 * time.Minute

// init initializes the shared logger setup.
func init() {
	logging.SetupBaseLogger()
}

// main parses command-line flags, loads configuration, wires the connection
// components, and either runs the server or drives the interactive connect
// flow before exiting.
func main() {
	fmt.Printf("LedgerLink Version: %s, Commit: %s, BuiltAt: %s\n", Version, Commit, BuildDate)

	var configPath string
	var connect bool
	var noBrowser bool

	flag.StringVar(&configPath, "config", "", "Configure File Path")
	flag.BoolVar(&connect, "connect", false, "Run the interactive provider connection flow and exit")
	flag.BoolVar(&noBrowser, "no-browser", false, "Don't open browser automatically during -connect")
	flag.Parse()

	wd, err := os.Getwd()
	if err != nil {
		log.Errorf("failed to get working directory: %v", err)
		return
	}

	// Load environment variables from .env if present.
	if errLoad := godotenv.Load(filepath.Join(wd, ".env")); errLoad != nil {
		if !errors.Is(errLoad, os.ErrNotExist) {
			log.WithError(errLoad).Warn("failed to load .env file")
		}
	}

	if configPath == "" {
		configPath = filepath.Join(wd, "config.yaml")
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Errorf("failed to load config: %v", err)
		return
	}

	if err = logging.ConfigureLogOutput(cfg); err != nil {
		log.Errorf("failed to configure log output: %v", err)
		return
	}
	log.Infof("LedgerLink Version: %s, Commit: %s, BuiltAt: %s", Version, Commit, BuildDate)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := store.Open(ctx, cfg)
	if err != nil {
		log.Errorf("failed to open storage backend: %v", err)
		return
	}
	defer func() {
		if errClose := backend.Close(); errClose != nil {
			log.WithError(errClose).Warn("failed to close storage backend")
		}
	}()

	httpClient := util.NewHTTPClient(cfg)

	settingsStore := settings.NewStore(backend)
	tokenStore := token.NewStore(backend)
	registry := tenant.NewRegistry(backend)
	flow := oauth.NewController(cfg, httpClient)
	statusClient := connection.NewStatusClient(cfg.Provider.StatusURL, httpClient)
	loader := resource.NewLoader(cfg.Provider.ResourceURL, httpClient)

	manager := connection.NewManager(settingsStore, tokenStore, registry, flow, statusClient,
		time.Duration(cfg.ReconcileIntervalSeconds)*time.Second)
	manager.Init(ctx)

	go func() {
		if errWatch := settingsStore.Watch(ctx); errWatch != nil {
			log.WithError(errWatch).Debug("settings watcher not running")
		}
	}()
	go manager.Run(ctx)

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	api.NewHandler(cfg, settingsStore, manager, registry, loader).Register(engine)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: engine,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Infof("management API listening on %s", srv.Addr)
		serveErr <- srv.ListenAndServe()
	}()

	if connect {
		if errConnect := runConnect(ctx, manager, noBrowser); errConnect != nil {
			log.Errorf("connect flow failed: %v", errConnect)
		}
		shutdown(srv)
		return
	}

	select {
	case err = <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("server error: %v", err)
		}
	case <-ctx.Done():
		log.Info("shutdown signal received")
		shutdown(srv)
	}
}

// runConnect drives the authorization-code flow from the terminal: it prints
// the provider URL, opens the browser unless told not to, and waits for the
// callback on the local server until the connection is established or the
// timeout elapses.
func runConnect(ctx context.Context, manager *connection.Manager, noBrowser bool) error {
	updates, cancel := manager.Subscribe()
	defer cancel()

	authURL, err := manager.StartAuth(ctx)
	if err != nil {
		return err
	}

	fmt.Println("Open this URL in your browser to authorize the connection:")
	fmt.Println(authURL)
	if errClip := clipboard.WriteAll(authURL); errClip == nil {
		fmt.Println("(the URL has been copied to your clipboard)")
	}
	if !noBrowser {
		if errOpen := browser.OpenURL(authURL); errOpen != nil {
			log.WithError(errOpen).Warn("failed to open browser, please open the URL manually")
		}
	}

	deadline := time.NewTimer(connectTimeout)
	defer deadline.Stop()

	// Snapshots queued before StartAuth took effect may still show the old
	// state; a terminal outcome only counts once Authorizing was observed.
	sawAuthorizing := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("timed out waiting for authorization after %s", connectTimeout)
		case status, open := <-updates:
			if !open {
				return fmt.Errorf("status feed closed before authorization completed")
			}
			switch status.State {
			case connection.StateAuthorizing:
				sawAuthorizing = true
			case connection.StateConnected:
				fmt.Printf("Connected. %d tenant organization(s) available", status.TenantCount)
				if status.SelectedTenantID != "" {
					fmt.Printf(", selected: %s", status.SelectedTenantID)
				}
				fmt.Println(".")
				return nil
			case connection.StateDisconnected, connection.StateUnconfigured:
				if sawAuthorizing && !status.AuthorizationPending {
					return fmt.Errorf("authorization did not complete, connection state is %s", status.State)
				}
			}
		}
	}
}

func shutdown(srv *http.Server) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("graceful shutdown failed")
	}
}
