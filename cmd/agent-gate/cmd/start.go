package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/agent-gate/agentgate/internal/adapter/inbound/ws"
	"github.com/agent-gate/agentgate/internal/adapter/outbound/homeassistant"
	"github.com/agent-gate/agentgate/internal/adapter/outbound/sqlite"
	"github.com/agent-gate/agentgate/internal/adapter/outbound/telegram"
	"github.com/agent-gate/agentgate/internal/config"
	"github.com/agent-gate/agentgate/internal/domain/approval"
	"github.com/agent-gate/agentgate/internal/domain/executor"
	"github.com/agent-gate/agentgate/internal/domain/policy"
	"github.com/agent-gate/agentgate/internal/metrics"
	"github.com/agent-gate/agentgate/internal/service"
)

var insecure bool

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the gateway",
	RunE:  runStart,
}

func init() {
	startCmd.Flags().BoolVar(&insecure, "insecure", false, "serve without TLS (local development only)")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	rules, err := config.LoadPermissions(permFile)
	if err != nil {
		return err
	}
	engine, err := policy.NewEngine(rules)
	if err != nil {
		return err
	}

	if !cfg.Gateway.TLS.Enabled() && !insecure {
		return fmt.Errorf("TLS is not configured; set gateway.tls or pass --insecure")
	}

	store, err := sqlite.New(cfg.Storage.Path, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	ha := homeassistant.New(cfg.Services.HomeAssistant.URL, cfg.Services.HomeAssistant.Token, logger)
	dispatcher := executor.NewDispatcher(map[string]executor.ServiceHandler{
		"homeassistant": ha,
	})
	defer dispatcher.Close()

	healthCtx, cancelHealth := context.WithTimeout(context.Background(), 5*time.Second)
	if unhealthy := dispatcher.HealthCheck(healthCtx); len(unhealthy) > 0 {
		logger.Warn("services unreachable at startup", "services", unhealthy)
	}
	cancelHealth()

	tg := telegram.New(telegram.Config{
		BotToken:        cfg.Messenger.Telegram.BotToken,
		ChatID:          cfg.Messenger.Telegram.ChatID,
		AllowedUsers:    cfg.Messenger.Telegram.AllowedUsers,
		LogUnauthorized: cfg.Messenger.Telegram.LogUnauthorized,
	}, logger)

	coord := approval.New(store, tg, cfg.RateLimit.MaxPending, logger)

	var m *metrics.Metrics
	var metricsSrv *http.Server
	if cfg.Gateway.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		m = metrics.New(reg)
		metricsSrv = &http.Server{Addr: cfg.Gateway.MetricsAddr, Handler: metrics.Handler(reg)}
	}

	gw := service.New(engine, store, coord, dispatcher, m, cfg.ApprovalTimeout(), logger)
	gw.BindMessenger(tg)

	recovered, err := gw.RecoverStale(time.Now().UTC())
	if err != nil {
		return err
	}
	if recovered > 0 {
		logger.Info("recovered stale approvals from previous run", "count", recovered)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := tg.Start(ctx); err != nil {
		return fmt.Errorf("start messenger: %w", err)
	}
	defer tg.Stop()

	if metricsSrv != nil {
		go func() {
			logger.Info("metrics listening", "addr", metricsSrv.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	addr := net.JoinHostPort(cfg.Gateway.Host, strconv.Itoa(cfg.Gateway.Port))
	srv := &http.Server{
		Addr:    addr,
		Handler: ws.NewServer(ctx, gw, cfg.Agent.Token, cfg.RateLimit.RequestsPerMinute, logger),
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", addr, "tls", cfg.Gateway.TLS.Enabled())
		if cfg.Gateway.TLS.Enabled() {
			serveErr <- srv.ListenAndServeTLS(cfg.Gateway.TLS.CertFile, cfg.Gateway.TLS.KeyFile)
		} else {
			serveErr <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
	}

	logger.Info("shutting down")
	gw.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("listener shutdown", "error", err)
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics shutdown", "error", err)
		}
	}
	return nil
}
