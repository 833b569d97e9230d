// Command pokersrv runs the Texas Hold'em game service: the RPC adapter on
// -game-port, the WebSocket gateway on -gateway-port, and a Prometheus
// /metrics endpoint on -metrics-port, all backed by a single Redis
// instance. Configuration comes from the environment with flag overrides;
// shutdown is signal-driven and graceful.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/decred/slog"

	"github.com/ontable/holdem/pkg/broadcast"
	"github.com/ontable/holdem/pkg/config"
	"github.com/ontable/holdem/pkg/events"
	"github.com/ontable/holdem/pkg/gateway"
	"github.com/ontable/holdem/pkg/ledger"
	"github.com/ontable/holdem/pkg/orchestrator"
	"github.com/ontable/holdem/pkg/rpcadapter"
	"github.com/ontable/holdem/pkg/store"
)

func main() {
	cfg := config.Load()

	gamePort := flag.Int("game-port", cfg.GamePort, "HTTP port for the RPC adapter")
	gatewayPort := flag.Int("gateway-port", cfg.GatewayPort, "HTTP port for the WebSocket gateway")
	metricsPort := flag.Int("metrics-port", cfg.MetricsPort, "HTTP port for the Prometheus /metrics endpoint")
	debugLevel := flag.String("debuglevel", cfg.LogLevel, "log level: trace, debug, info, warn, error, critical, off")
	flag.Parse()

	backend := slog.NewBackend(os.Stdout)
	mainLog := backend.Logger("PSRV")
	level, ok := slog.LevelFromString(*debugLevel)
	if !ok {
		level = slog.LevelInfo
	}
	mainLog.SetLevel(level)

	registry := prometheus.NewRegistry()

	st, err := store.NewFromURL(cfg.RedisURL)
	if err != nil {
		mainLog.Criticalf("main: store init: %v", err)
		os.Exit(1)
	}

	busOpt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		mainLog.Criticalf("main: bus redis url: %v", err)
		os.Exit(1)
	}
	bus := broadcast.New(redis.NewClient(busOpt), "pokersrv")

	ledgerClient := ledger.NewHTTPClient(cfg.LedgerEndpoint, 30*time.Second)
	eventsPublisher := events.NewHTTPPublisher(cfg.EventStoreEndpoint, 4, 256, backend.Logger("EVNT"))

	orcMetrics := orchestrator.NewMetrics(registry)
	orc := orchestrator.New(st, ledgerClient, eventsPublisher, bus, backend.Logger("ORCH"), orcMetrics, cfg.TurnTimeoutSeconds)

	gwMetrics := gateway.NewMetrics(registry)
	gw := gateway.New(orc, st, bus, eventsPublisher, gateway.TokenIsUserID{}, backend.Logger("GWAY"), gwMetrics, cfg.TrustProxy)

	rpcMetrics := rpcadapter.NewMetrics(registry)
	adapter := rpcadapter.New(orc, st, backend.Logger("RPCA"), rpcMetrics)

	ctx, cancel := context.WithCancel(context.Background())
	go gw.Run(ctx)

	gameSrv := &http.Server{Addr: fmt.Sprintf(":%d", *gamePort), Handler: adapter.Router()}

	gatewayMux := http.NewServeMux()
	gatewayMux.HandleFunc("/ws", gw.ServeWS)
	gatewaySrv := &http.Server{Addr: fmt.Sprintf(":%d", *gatewayPort), Handler: gatewayMux}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{Addr: fmt.Sprintf(":%d", *metricsPort), Handler: metricsMux}

	go func() {
		mainLog.Infof("main: RPC adapter listening on %s", gameSrv.Addr)
		if err := gameSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			mainLog.Errorf("main: game server: %v", err)
		}
	}()
	go func() {
		mainLog.Infof("main: gateway listening on %s", gatewaySrv.Addr)
		if err := gatewaySrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			mainLog.Errorf("main: gateway server: %v", err)
		}
	}()
	go func() {
		mainLog.Infof("main: metrics listening on %s", metricsSrv.Addr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			mainLog.Errorf("main: metrics server: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	mainLog.Infof("main: shutting down")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	gameSrv.Shutdown(shutdownCtx)
	gatewaySrv.Shutdown(shutdownCtx)
	metricsSrv.Shutdown(shutdownCtx)
	orc.Shutdown()
	eventsPublisher.Shutdown()
}
