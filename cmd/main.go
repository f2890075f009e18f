package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/streamspace/vscode-devcontainer-manager/internal/api"
	"github.com/streamspace/vscode-devcontainer-manager/internal/builder"
	"github.com/streamspace/vscode-devcontainer-manager/internal/config"
	"github.com/streamspace/vscode-devcontainer-manager/internal/coordinator"
	"github.com/streamspace/vscode-devcontainer-manager/internal/handlers"
	"github.com/streamspace/vscode-devcontainer-manager/internal/k8s"
	"github.com/streamspace/vscode-devcontainer-manager/internal/logger"
	"github.com/streamspace/vscode-devcontainer-manager/internal/registry"
	"github.com/streamspace/vscode-devcontainer-manager/internal/tracker"
)

// tlsSecretName is the nginx-ingress TLS secret every instance ingress
// references, provisioned out of band (cert-manager or a manual secret).
const tlsSecretName = "vscode-server-tls"

func main() {
	cfg := config.Load()
	logger.Initialize(cfg.LogLevel, cfg.LogPretty)
	log := logger.GetLogger()

	log.Info().Str("namespace", cfg.KubernetesNamespace).Str("base_domain", cfg.BaseDomain).Msg("starting vscode devcontainer manager")

	gateway, err := k8s.NewGateway(cfg.KubernetesNamespace)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize kubernetes client")
	}

	ctx, cancelResolve := context.WithTimeout(context.Background(), 10*time.Second)
	addresses := registry.Resolve(ctx, gateway, cfg.Registry)
	cancelResolve()
	log.Info().Str("push", addresses.Push).Str("pull", addresses.Pull).Msg("resolved registry addresses")

	imageBuilder := builder.New(cfg.DockerHost, addresses.Push, addresses.Pull)
	buildTracker := tracker.New(gateway)
	coord := coordinator.New(gateway, imageBuilder, buildTracker, cfg.BaseDomain, tlsSecretName, addresses.Pull)

	h := handlers.New(coord, buildTracker)
	router := api.NewRouter(h)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.APIPort),
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		log.Info().Str("port", cfg.APIPort).Msg("api server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("api server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	shutdownTimeout := 30 * time.Second
	if timeoutEnv := os.Getenv("SHUTDOWN_TIMEOUT"); timeoutEnv != "" {
		if duration, err := time.ParseDuration(timeoutEnv); err == nil {
			shutdownTimeout = duration
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("api server forced to shutdown")
	} else {
		log.Info().Msg("api server stopped gracefully")
	}
}
