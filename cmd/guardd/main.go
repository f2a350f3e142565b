// Command guardd runs the confirmation engine: it polls every linked account, keeps the
// confirmation cache reconciled, auto-confirms per policy and reports health over gRPC.
package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/and161185/guardkeeper/internal/config"
	"github.com/and161185/guardkeeper/internal/guardcode"
	"github.com/and161185/guardkeeper/internal/migrate"
	"github.com/and161185/guardkeeper/internal/model"
	"github.com/and161185/guardkeeper/internal/notify"
	"github.com/and161185/guardkeeper/internal/notify/redispub"
	"github.com/and161185/guardkeeper/internal/notify/telegram"
	"github.com/and161185/guardkeeper/internal/poller"
	"github.com/and161185/guardkeeper/internal/repository/postgres"
	grpcserver "github.com/and161185/guardkeeper/internal/server/grpc"
	"github.com/and161185/guardkeeper/internal/service"
	"github.com/and161185/guardkeeper/internal/steam"
	"github.com/and161185/guardkeeper/internal/vault"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	// Flags override the environment
	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "gRPC listen address")
	flag.StringVar(&cfg.DSN, "dsn", cfg.DSN, "PostgreSQL DSN")
	flag.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "confirmation poll interval (min 5s)")
	flag.IntVar(&cfg.PollWorkers, "poll-workers", cfg.PollWorkers, "accounts reconciled in parallel")
	flag.BoolVar(&cfg.Dev, "dev", cfg.Dev, "development logging and server reflection")
	certFile := flag.String("tls-cert", "", "TLS certificate (PEM), plaintext when empty")
	keyFile := flag.String("tls-key", "", "TLS private key (PEM)")
	flag.Parse()

	logger, _ := zap.NewProduction()
	if cfg.Dev {
		logger, _ = zap.NewDevelopment()
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", cfg.Addr),
	)

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	// Context with OS signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ver, err := migrate.Up(ctx, cfg.DSN, logger)
	if err != nil {
		logger.Fatal("migrate up", zap.Error(err))
	}
	logger.Info("schema ready", zap.Int64("version", ver))

	db, err := postgres.New(ctx, cfg.DSN, cfg.MaxConns)
	if err != nil {
		logger.Fatal("open database", zap.Error(err))
	}
	defer db.Close()

	// Repositories
	cacheRepo := postgres.NewCacheRepo(db)
	eventRepo := postgres.NewEventRepo(db)
	accountRepo := postgres.NewAccountRepo(db)
	chatRepo := postgres.NewChatRepo(db)

	v, err := vault.New(vault.DeriveKey([]byte(cfg.VaultPassphrase), []byte(cfg.VaultSalt)))
	if err != nil {
		logger.Fatal("vault", zap.Error(err))
	}
	accounts := vault.NewAccounts(accountRepo, v, logger)

	// Provider clients
	clock := guardcode.Clock{Offset: cfg.TimeOffset}
	transport := steam.NewTransport(steam.Config{
		APIBase:       cfg.APIURL,
		CommunityBase: cfg.CommunityURL,
		Timeout:       cfg.ProviderTimeout,
		LoginTimeout:  cfg.LoginTimeout,
		RatePerMinute: cfg.RatePerMinute,
	}, nil)
	agg := service.NewAggregator(steam.NewLegacyClient(transport, clock), steam.NewSessionClient(transport))

	// Notifications
	var sinks notify.Multi
	if cfg.RedisAddr != "" {
		rdb, err := redispub.Dial(ctx, cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			logger.Fatal("redis", zap.Error(err))
		}
		defer rdb.Close()
		sinks = append(sinks, redispub.New(rdb, cfg.RedisPrefix, 50))
	}
	if cfg.TelegramToken != "" {
		bot, err := telegram.NewBot(cfg.TelegramToken)
		if err != nil {
			logger.Fatal("telegram bot", zap.Error(err))
		}
		sinks = append(sinks, telegram.New(bot, chatRepo, model.EventExpired))
	}
	dispatcher := notify.NewDispatcher(notify.DispatcherConfig{BufferSize: 256, DropIfFull: true}, sinks, logger)
	defer dispatcher.Close()

	reconciler := service.NewReconciler(agg, cacheRepo, eventRepo, dispatcher, logger, service.ReconcilerConfig{
		Window: cfg.ExpiryWindow,
		TTL:    cfg.PendingTTL,
	})

	// Poller
	p := poller.New(accounts, reconciler, logger, poller.Config{Interval: cfg.PollInterval, Workers: cfg.PollWorkers})
	p.Start(ctx)
	defer p.Stop()

	// gRPC server with interceptors and health
	var opts []grpc.ServerOption
	if *certFile != "" {
		creds, err := credentials.NewServerTLSFromFile(*certFile, *keyFile)
		if err != nil {
			logger.Fatal("failed to load TLS cert/key", zap.Error(err))
		}
		opts = append(opts, grpc.Creds(creds))
	}
	s, hs := grpcserver.New(logger, cfg.Dev, opts...)

	monitor := grpcserver.NewMonitor(hs, logger)
	monitor.Add("db", db.Pool.Ping)
	monitor.Add("poller", grpcserver.Freshness(p.LastCycle, 3*p.Interval()))
	go monitor.Run(ctx, 15*time.Second)

	// Listen
	lis, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		logger.Fatal("listen", zap.Error(err))
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Addr), zap.Bool("tls", *certFile != ""))
		errCh <- s.Serve(lis)
	}()

	// Wait for stop
	select {
	case <-ctx.Done():
		// graceful shutdown
		done := make(chan struct{})
		go func() {
			s.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			s.Stop()
		}
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("shutdown complete", zap.Uint64("notifications_dropped", dispatcher.Dropped()))
}
