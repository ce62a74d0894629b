// memsyncd runs one replica of the distributed memory synchronization
// engine: a CRDT store wired to a broker transport, with a prometheus
// endpoint for diagnostics.
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
	"github.com/sirupsen/logrus"

	"dev.helix.memsync/internal/config"
	"dev.helix.memsync/internal/crdt"
	"dev.helix.memsync/internal/messaging"
	"dev.helix.memsync/internal/messaging/inmemory"
	"dev.helix.memsync/internal/messaging/kafka"
	"dev.helix.memsync/internal/oplog"
	"dev.helix.memsync/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "memsyncd: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("memsyncd failed")
	}
}

func newLogger(cfg config.LogConfig) *logrus.Logger {
	logger := logrus.New()
	if level, err := logrus.ParseLevel(cfg.Level); err == nil {
		logger.SetLevel(level)
	}
	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger
}

func run(cfg *config.Config, logger *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	storeOpts := []crdt.StoreOption{
		crdt.WithLogger(logger),
		crdt.WithSyncInterval(cfg.SyncInterval),
		crdt.WithDeliverTimeout(cfg.DeliverTimeout),
	}

	if cfg.OpLog.Backend == "sqlite" {
		log, err := oplog.NewSQLiteLog(cfg.OpLog.Path, logger)
		if err != nil {
			return err
		}
		defer log.Close() //nolint:errcheck
		storeOpts = append(storeOpts, crdt.WithOperationLog(log))
	}

	if cfg.Metrics.Enabled {
		registry := prometheus.NewRegistry()
		storeOpts = append(storeOpts, crdt.WithMetrics(crdt.NewMetrics(registry)))
		go serveMetrics(cfg.Metrics.Addr, registry, logger)
	}

	store := crdt.NewStore(cfg.AgentID, storeOpts...)

	broker, err := newBroker(cfg)
	if err != nil {
		return err
	}
	if err := broker.Connect(ctx); err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	defer broker.Close(context.Background()) //nolint:errcheck

	listener := transport.NewListener(store, broker, cfg.Broker.Topic, logger)
	if err := listener.Start(ctx); err != nil {
		return err
	}
	defer listener.Stop() //nolint:errcheck

	store.AddPeer("broker", transport.NewBrokerPeer(cfg.AgentID, broker, cfg.Broker.Topic, cfg.DeliverTimeout))
	if err := store.Start(); err != nil {
		return err
	}
	defer store.Stop()

	logger.WithFields(logrus.Fields{
		"agent_id":      cfg.AgentID,
		"broker":        cfg.Broker.Type,
		"topic":         cfg.Broker.Topic,
		"sync_interval": cfg.SyncInterval,
	}).Info("memsyncd running")

	<-ctx.Done()
	logger.Info("memsyncd shutting down")
	return nil
}

func newBroker(cfg *config.Config) (messaging.MessageBroker, error) {
	switch cfg.Broker.Type {
	case "inmemory":
		return inmemory.NewBroker(), nil
	case "kafka":
		kafkaCfg := kafka.DefaultConfig()
		kafkaCfg.Brokers = cfg.Broker.Kafka.Brokers
		kafkaCfg.ClientID = cfg.Broker.Kafka.ClientID
		kafkaCfg.GroupID = cfg.Broker.Kafka.GroupID
		return kafka.NewBroker(kafkaCfg), nil
	default:
		return nil, fmt.Errorf("unknown broker type %q", cfg.Broker.Type)
	}
}

func serveMetrics(addr string, registry *prometheus.Registry, logger *logrus.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.WithError(err).Error("Metrics endpoint failed")
	}
}
