package main

import (
	"context"
	"net"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"github.com/example/lms-platform/internal/platform/auth"
	"github.com/example/lms-platform/internal/platform/config"
	"github.com/example/lms-platform/internal/platform/events"
	"github.com/example/lms-platform/internal/platform/httpserver"
	"github.com/example/lms-platform/internal/platform/logging"
	"github.com/example/lms-platform/internal/platform/natsconn"
	"github.com/example/lms-platform/internal/platform/observability"
	"github.com/example/lms-platform/internal/platform/run"
	"github.com/example/lms-platform/services/progress/internal/bootstrap"
	"github.com/example/lms-platform/services/progress/internal/grpcapi"
	"github.com/example/lms-platform/services/progress/internal/handlers"
	"github.com/example/lms-platform/services/progress/internal/idempotency"
	"github.com/example/lms-platform/services/progress/internal/migration"
	"github.com/example/lms-platform/services/progress/internal/store"
	"github.com/example/lms-platform/services/progress/internal/worker"
)

const pruneInterval = time.Hour

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()
	log = log.With(zap.String("service", cfg.ServiceName), zap.String("env", cfg.Env))

	shutdownTracing := observability.InitTracing(context.Background(), log, cfg.ServiceName, cfg.Env)

	stack, err := bootstrap.Open(context.Background(), cfg, log)
	if err != nil {
		log.Error("storage", zap.Error(err))
		_ = log.Sync()
		run.Exit(1)
	}
	defer stack.Close()

	// NATS is optional outside production: without it events are dropped and
	// the deletion consumer does not run.
	nc, js := initNATS(cfg, log)
	if nc != nil {
		defer nc.Close()
	}
	pub := events.New(js, log)

	repos := stack.Factory(store.FactoryOptions{
		Backfill:  cfg.Backfill,
		Logger:    log,
		Reporters: []store.MirrorReporter{bootstrap.MirrorFailurePublisher(pub)},
	})

	idem, err := idempotency.NewStore(cfg.RedisDSN, stack.Execer(), cfg.IdempotencyTTL, cfg.IsProduction())
	if err != nil {
		log.Error("idempotency store", zap.Error(err))
		_ = log.Sync()
		run.Exit(1)
	}

	verifier := auth.JWTVerifier{Secret: []byte(cfg.JWTSecret)}

	r := chi.NewRouter()
	httpserver.SetupRouter(r, httpserver.RouterConfig{
		Logger: log,
		ReadyFunc: func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return stack.Ready(ctx)
		},
	})
	handlers.New(repos, pub, log).Mount(r, verifier)

	srv := httpserver.New(httpserver.Options{Addr: cfg.HTTP.Addr, ServiceName: cfg.ServiceName, Logger: log, Router: r})

	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		log.Error("grpc listen", zap.Error(err))
		_ = log.Sync()
		run.Exit(1)
	}
	grpcSrv := grpc.NewServer(grpc.ChainUnaryInterceptor(grpcapi.UnaryLogging(log)))
	grpcapi.RegisterProgressServer(grpcSrv, &grpcapi.ProgressService{Repos: repos, Events: pub, Log: log})
	reflection.Register(grpcSrv)
	go func() {
		log.Info("grpc server starting", zap.String("addr", cfg.GRPC.Addr))
		if err := grpcSrv.Serve(lis); err != nil {
			log.Error("grpc serve", zap.Error(err))
		}
	}()

	// Background work outlives the signal context only until Graceful runs.
	bgCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	scheduler, err := migration.NewScheduler(bgCtx, cfg.Migration.Schedule, log.Named("migration"),
		stack.MigrationJobs(cfg.Migration.BatchSize, log.Named("migration"))...)
	if err != nil {
		log.Error("migration schedule", zap.String("schedule", cfg.Migration.Schedule), zap.Error(err))
		_ = log.Sync()
		run.Exit(1)
	}
	if scheduler != nil {
		scheduler.Start()
		log.Info("migration scheduled", zap.String("schedule", cfg.Migration.Schedule))
	}

	if js != nil {
		consumer := worker.NewConsumer(js, worker.NewHandler(repos, idem, log), log)
		go func() {
			if err := consumer.Run(bgCtx); err != nil {
				log.Error("deletion consumer", zap.Error(err))
			}
		}()
	}
	if p, ok := idem.(idempotency.Pruner); ok {
		go prune(bgCtx, p, log)
	}

	runner := run.New(log)
	code := runner.WithSignals(func(context.Context) error {
		return srv.Start()
	})

	runner.Graceful(
		func(ctx context.Context) error {
			stopBackground()
			if scheduler != nil {
				select {
				case <-scheduler.Stop().Done():
				case <-ctx.Done():
				}
			}
			return nil
		},
		srv.Shutdown,
		run.StopGRPC(grpcSrv),
		shutdownTracing,
	)

	log.Info("exit", zap.Int("code", code))
	_ = log.Sync()
	stack.Close()
	run.Exit(code)
}

func initNATS(cfg config.AppConfig, log *zap.Logger) (*nats.Conn, nats.JetStreamContext) {
	nc, err := natsconn.Connect(natsconn.Options{Name: cfg.ServiceName})
	if err != nil {
		if cfg.IsProduction() {
			log.Error("nats is required in production", zap.Error(err))
			_ = log.Sync()
			run.Exit(1)
		}
		log.Warn("nats unavailable, events disabled (development only)", zap.Error(err))
		return nil, nil
	}
	js, err := natsconn.EnsureStream(nc, events.StreamName, events.StreamSubjects...)
	if err != nil {
		nc.Close()
		if cfg.IsProduction() {
			log.Error("jetstream stream", zap.Error(err))
			_ = log.Sync()
			run.Exit(1)
		}
		log.Warn("jetstream unavailable, events disabled (development only)", zap.Error(err))
		return nil, nil
	}
	return nc, js
}

// prune drops expired processed_events rows. Redis entries expire on their own.
func prune(ctx context.Context, p idempotency.Pruner, log *zap.Logger) {
	t := time.NewTicker(pruneInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := p.Prune(ctx)
			if err != nil {
				log.Warn("prune processed events", zap.Error(err))
				continue
			}
			if n > 0 {
				log.Info("pruned processed events", zap.Int64("rows", n))
			}
		}
	}
}
