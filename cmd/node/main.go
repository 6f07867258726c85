package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jkgulay/resqlink-sub002/internal/config"
	"github.com/jkgulay/resqlink-sub002/internal/engine"
	"github.com/jkgulay/resqlink-sub002/internal/identity"
	"github.com/jkgulay/resqlink-sub002/internal/keystore"
	"github.com/jkgulay/resqlink-sub002/internal/logging"
	"github.com/jkgulay/resqlink-sub002/internal/mesh"
	"github.com/jkgulay/resqlink-sub002/internal/transport"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML/JSON config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // best-effort flush

	passphrase, err := cfg.Passphrase()
	if err != nil {
		logger.Fatal("keystore passphrase unavailable", zap.Error(err))
	}

	backend := keystore.NewFileBackend(cfg.Keystore.Path)
	initOrUnlockKeystore(logger, backend, passphrase)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pub, _, err := identity.EnsureDeviceKey(ctx, backend, "")
	if err != nil {
		logger.Fatal("device identity", zap.Error(err))
	}
	selfAddress := identity.DeriveAddress(pub)
	selfName := cfg.DeviceName
	if selfName == "" {
		selfName, _ = os.Hostname()
	}
	logger.Info("device identity ready",
		zap.String("address", selfAddress),
		zap.String("name", selfName))

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	metrics := mesh.NewMetrics(promReg)

	link := transport.NewQUIC(transport.QUICConfig{
		Log:         logger,
		ListenAddr:  cfg.Transport.ListenAddress,
		SelfAddress: selfAddress,
		SelfName:    selfName,
		Bootstrap:   cfg.Transport.Bootstrap,
		DialTimeout: cfg.Transport.DialTimeout,
	})
	if err := link.Start(ctx); err != nil {
		logger.Fatal("start transport", zap.Error(err))
	}

	node, err := engine.Assemble(engine.AssembleConfig{
		Log:                 logger,
		SelfAddress:         selfAddress,
		SelfName:            selfName,
		Transport:           link,
		Metrics:             metrics,
		MaxHops:             cfg.Mesh.MaxHops,
		PollInterval:        cfg.Mesh.PollInterval,
		EntryTTL:            cfg.Mesh.EntryTTL,
		RebroadcastInterval: cfg.Emergency.RebroadcastInterval,
		Refresh: engine.RefreshIntervals{
			Emergency:    cfg.Refresh.Emergency,
			Normal:       cfg.Refresh.Normal,
			Disconnected: cfg.Refresh.Disconnected,
			Conversation: cfg.Refresh.Conversation,
		},
	})
	if err != nil {
		logger.Fatal("assemble node", zap.Error(err))
	}
	node.Start(ctx)

	admin := engine.NewAdminServer(logger, node, promReg, engine.AdminConfig{
		Address:           cfg.Admin.Address,
		ReadHeaderTimeout: cfg.Admin.ReadHeaderTimeout,
	})
	admin.Start()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer cancel()
	admin.Shutdown(shutdownCtx)
	if err := node.Close(); err != nil {
		logger.Warn("node shutdown", zap.Error(err))
	}
	logger.Info("node stopped")
}

func initOrUnlockKeystore(log *zap.Logger, backend *keystore.FileBackend, passphrase string) {
	ctx := context.Background()
	if err := backend.Unlock(ctx, passphrase); err != nil {
		if errors.Is(err, keystore.ErrNotInitialized) {
			if err := backend.Initialize(ctx, passphrase); err != nil {
				log.Fatal("initialize keystore", zap.Error(err))
			}
			log.Info("initialized new keystore", zap.String("path", backend.Path()))
			return
		}
		log.Fatal("unlock keystore", zap.Error(err))
		return
	}
	log.Info("keystore unlocked")
}
