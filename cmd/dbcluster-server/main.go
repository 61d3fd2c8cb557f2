// Package main is the entrypoint for the dbcluster server: it loads
// configuration, wires every node into a Cluster, and serves metrics and
// health endpoints until a shutdown signal arrives.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/connpool/dbcluster/cluster"
	"github.com/connpool/dbcluster/internal/clustermetrics"
	"github.com/connpool/dbcluster/internal/config"
	"github.com/connpool/dbcluster/internal/healthcheck"
	"github.com/connpool/dbcluster/internal/presence"
	"github.com/connpool/dbcluster/pkg/driver"

	_ "github.com/connpool/dbcluster/pkg/driver/mssql"
)

var (
	clusterConfigPath = flag.String("config", "configs/cluster.yaml", "Path to cluster configuration file")
	nodesConfigPath   = flag.String("nodes", "configs/nodes.yaml", "Path to nodes configuration file")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("[main] Starting dbcluster server")

	cfg, err := config.Load(*clusterConfigPath, *nodesConfigPath)
	if err != nil {
		log.Fatalf("[main] failed to load configuration: %v", err)
	}
	log.Printf("[main] configuration loaded: %d nodes, driver=%s, instance=%s",
		len(cfg.Nodes), cfg.Cluster.Driver, cfg.Cluster.InstanceID)

	if _, err := driver.Lookup(cfg.Cluster.Driver); err != nil {
		log.Fatalf("[main] default driver unavailable: %v", err)
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Cluster.MetricsPort),
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("[main] metrics server listening on :%d/metrics", cfg.Cluster.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[main] metrics server error: %v", err)
		}
	}()

	cl, err := cluster.New(cluster.Options{
		Driver:           cfg.Cluster.Driver,
		TTL:              cfg.Cluster.TTL,
		TTLCheckInterval: cfg.Cluster.TTLCheckInterval,
		MaxQueueLength:   cfg.Cluster.MaxQueueLength,
	})
	if err != nil {
		log.Fatalf("[main] failed to construct cluster: %v", err)
	}

	ctx := context.Background()
	for _, nodeCfg := range cfg.Nodes {
		if err := cl.AddNode(ctx, nodeCfg); err != nil {
			log.Fatalf("[main] failed to add node %s:%d: %v", nodeCfg.Host, nodeCfg.Port, err)
		}
		log.Printf("[main]   node %s:%d pools=%v max_conn=%d", nodeCfg.Host, nodeCfg.Port, nodeCfg.Pools, nodeCfg.MaxConnections)
	}

	checker := healthcheck.NewChecker(cfg.Cluster.InstanceID, cl.HealthNodes)
	healthServer := checker.ServeHTTP(cfg.Cluster.HealthCheckPort)

	report := checker.Check(ctx)
	log.Printf("[main] initial health: %s (%d components)", report.Status, len(report.Components))

	var reporter *presence.Reporter
	if cfg.Presence.Enabled {
		reporter = presence.New(cfg.Presence.Addr, cfg.Presence.Password, cfg.Presence.DB,
			cfg.Cluster.InstanceID, cfg.Presence.HeartbeatInterval, cfg.Presence.HeartbeatTTL)
		reporter.Start(ctx)
	}

	clustermetrics.PresenceHeartbeat.WithLabelValues(cfg.Cluster.InstanceID).Set(1)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Println("[main] ready, waiting for shutdown signal")
	sig := <-sigCh
	log.Printf("[main] received signal %v, shutting down gracefully", sig)

	clustermetrics.PresenceHeartbeat.WithLabelValues(cfg.Cluster.InstanceID).Set(0)
	if reporter != nil {
		reporter.Stop()
	}

	if err := cl.End(false); err != nil {
		log.Printf("[main] cluster end error: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] health server shutdown error: %v", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] metrics server shutdown error: %v", err)
	}

	log.Println("[main] shutdown complete")
}
