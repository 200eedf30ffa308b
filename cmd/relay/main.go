// Relay: signaling server for meshchat.
//
// It forwards signaling envelopes between participants over WebSocket until
// they have negotiated direct peer connections. Chat traffic never passes
// through it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/pterm/pterm"

	"github.com/1ureka/meshchat/internal/config"
	"github.com/1ureka/meshchat/internal/relay"
	"github.com/1ureka/meshchat/internal/util"
)

var version = "dev"

const shutdownTimeout = 5 * time.Second

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		util.LogWarning("cannot load .env: %v", err)
	}

	// CLI flags.
	configPath := flag.String("config", "", "Path to a YAML config file")
	addrFlag := flag.String("addr", "", "Listen address (default :8080)")
	echoFlag := flag.Bool("echo", false, "Deliver broadcasts back to their sender")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	if *addrFlag != "" {
		cfg.Relay.Address = *addrFlag
	}
	if *echoFlag {
		cfg.Relay.Echo = true
	}
	if *debugMode || cfg.Debug {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Meshchat relay — v%s", version))
	pterm.Println()

	// Setup Gin router
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	hub := relay.NewHub(relay.Options{Echo: cfg.Relay.Echo})
	srv := &http.Server{
		Addr:    cfg.Relay.Address,
		Handler: relay.NewRouter(hub, cfg.Relay.AllowedOrigins),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			util.LogWarning("shutdown: %v", err)
		}
	}()

	util.LogSuccess("listening on %s (ws endpoint /ws, echo=%t)", cfg.Relay.Address, cfg.Relay.Echo)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		util.LogError("failed to start server: %v", err)
		os.Exit(1)
	}

	util.LogInfo("relay stopped")
}
