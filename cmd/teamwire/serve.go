package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/teamwire/analytics"
	"github.com/BaSui01/teamwire/broker"
	"github.com/BaSui01/teamwire/broker/store"
	"github.com/BaSui01/teamwire/config"
	"github.com/BaSui01/teamwire/internal/metrics"
	"github.com/BaSui01/teamwire/internal/server"
	"github.com/BaSui01/teamwire/internal/tlsutil"
	"github.com/BaSui01/teamwire/protocol"
	"github.com/BaSui01/teamwire/secure"
)

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("starting teamwire broker",
		zap.String("version", Version),
		zap.String("addr", cfg.Broker.Addr))

	if cfg.Team.Key == "" {
		logger.Fatal("team key is required; generate one with 'teamwire keygen' and set TEAMWIRE_TEAM_KEY")
	}
	key, err := secure.ParseKey(cfg.Team.Key)
	if err != nil {
		logger.Fatal("invalid team key", zap.Error(err))
	}
	encryptor, err := secure.NewEncryptor(key)
	if err != nil {
		logger.Fatal("encryptor init failed", zap.Error(err))
	}

	teamID := cfg.Team.TeamID
	if teamID == "" {
		teamID = uuid.NewString()
		logger.Info("generated team id", zap.String("team_id", teamID))
	}

	teamStore, err := store.New(cfg.Team.DataRoot, teamID, logger)
	if err != nil {
		logger.Fatal("store init failed", zap.Error(err))
	}

	opts := []broker.Option{
		broker.WithTeamID(teamID),
		broker.WithPersister(teamStore),
	}

	var analyticsStore *analytics.Store
	if cfg.Analytics.Enabled {
		analyticsStore, err = analytics.Open(analyticsPath(cfg), logger)
		if err != nil {
			logger.Warn("analytics disabled", zap.Error(err))
		} else {
			defer analyticsStore.Close()
			opts = append(opts, broker.WithRecorder(analyticsStore))
		}
	}

	team := broker.NewTeam(logger, opts...)
	restoreTeam(team, teamStore, logger)

	collector := metrics.NewCollector("teamwire", prometheus.DefaultRegisterer, logger)
	codec := protocol.NewCodec(encryptor)
	brokerSrv := broker.NewServer(team, codec, broker.Config{
		HeartbeatInterval: cfg.Broker.HeartbeatInterval,
		HeartbeatMisses:   cfg.Broker.HeartbeatMisses,
		SessionQueueSize:  cfg.Broker.SessionQueueSize,
		FrameRateLimit:    cfg.Broker.FrameRateLimit,
	}, collector, logger)

	mux := http.NewServeMux()
	mux.Handle("/ws", brokerSrv)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	wsConfig := server.Config{
		Addr:            cfg.Broker.Addr,
		ShutdownTimeout: cfg.Broker.ShutdownTimeout,
	}
	if cfg.Broker.TLSCert != "" {
		wsConfig.TLSConfig, err = tlsutil.ServerConfig(cfg.Broker.TLSCert, cfg.Broker.TLSKey)
		if err != nil {
			logger.Fatal("tls config failed", zap.Error(err))
		}
	}
	wsManager := server.NewManager(mux, wsConfig, logger)
	if err := wsManager.Start(); err != nil {
		logger.Fatal("listener start failed", zap.Error(err))
	}

	var metricsManager *server.Manager
	if cfg.Metrics.Enabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsManager = server.NewManager(metricsMux, server.Config{
			Addr:            cfg.Metrics.Addr,
			ShutdownTimeout: cfg.Broker.ShutdownTimeout,
		}, logger)
		if err := metricsManager.Start(); err != nil {
			logger.Warn("metrics listener failed", zap.Error(err))
			metricsManager = nil
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		brokerSrv.RunHeartbeatMonitor(groupCtx)
		return nil
	})
	group.Go(func() error {
		select {
		case <-groupCtx.Done():
			return nil
		case err := <-wsManager.Errors():
			return err
		}
	})

	<-groupCtx.Done()
	logger.Info("shutting down")

	shutdownCtx := context.Background()
	if err := wsManager.Shutdown(shutdownCtx); err != nil {
		logger.Error("listener shutdown failed", zap.Error(err))
	}
	if metricsManager != nil {
		if err := metricsManager.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics shutdown failed", zap.Error(err))
		}
	}
	if err := group.Wait(); err != nil {
		logger.Error("broker exited with error", zap.Error(err))
	}
	logger.Info("teamwire stopped")
}

// restoreTeam seeds a fresh Team from the last persisted snapshot and
// ledger log. Membership is not restored: nodes re-register on reconnect.
func restoreTeam(team *broker.Team, teamStore *store.Store, logger *zap.Logger) {
	state, err := teamStore.LoadSnapshot()
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("snapshot load failed, starting fresh", zap.Error(err))
		}
		return
	}
	// Prefer the append-only ledger log over the snapshot's copy: the log
	// is flushed entry by entry and survives a crash between snapshots.
	if ledger, err := teamStore.LoadLedger(); err == nil && len(ledger) >= len(state.Ledger) {
		state.Ledger = ledger
	}
	team.Restore(state)
	logger.Info("restored team state",
		zap.Int("ledger_entries", len(state.Ledger)),
		zap.Int("attachments", len(state.Attachments)))
}
