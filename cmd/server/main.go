// Command ik-server serves the purchase validation engine over gRPC.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/and161185/iap-keeper/internal/config"
	"github.com/and161185/iap-keeper/internal/iap"
	"github.com/and161185/iap-keeper/internal/limiter"
	"github.com/and161185/iap-keeper/internal/metrics"
	"github.com/and161185/iap-keeper/internal/migrate"
	"github.com/and161185/iap-keeper/internal/model"
	"github.com/and161185/iap-keeper/internal/repository"
	"github.com/and161185/iap-keeper/internal/repository/memory"
	"github.com/and161185/iap-keeper/internal/repository/postgres"
	grpcserver "github.com/and161185/iap-keeper/internal/server/grpc"
	"github.com/and161185/iap-keeper/internal/service"
	"github.com/and161185/iap-keeper/internal/session"
	"github.com/and161185/iap-keeper/internal/store/sandbox"
	"github.com/and161185/iap-keeper/internal/validator"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// catalog is what the sandbox store sells.
var catalog = []model.StoreProduct{
	{
		ID:                 "pro_subscription_month",
		Title:              "Pro Monthly",
		Description:        "Monthly Pro subscription",
		Price:              model.Price{Formatted: "$9.99", AmountMicros: 9_990_000, CurrencyCode: "USD"},
		SubscriptionPeriod: "P1M",
	},
	{
		ID:                 "pro_subscription_year",
		Title:              "Pro Yearly",
		Description:        "Yearly Pro subscription",
		Price:              model.Price{Formatted: "$79.99", AmountMicros: 79_990_000, CurrencyCode: "USD"},
		SubscriptionPeriod: "P1Y",
	},
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "load .env:", err)
	}
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "ik-server",
		Short:        "In-app purchase validation server",
		Version:      fmt.Sprintf("%s (%s)", version, buildDate),
		SilenceUsage: true,
	}
	config.Flags(root.PersistentFlags())

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the gRPC server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	})
	root.AddCommand(newMigrateCmd())
	return root
}

func newMigrateCmd() *cobra.Command {
	dsn := func(cmd *cobra.Command) (string, error) {
		cfg, err := config.Load(cmd.Flags())
		if err != nil {
			return "", err
		}
		if cfg.DSN == "" {
			return "", errors.New("migrate needs --dsn or IK_DSN")
		}
		return cfg.DSN, nil
	}

	cmd := &cobra.Command{Use: "migrate", Short: "Manage the database schema"}
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := dsn(cmd)
			if err != nil {
				return err
			}
			return migrate.Up(cmd.Context(), d)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := dsn(cmd)
			if err != nil {
				return err
			}
			v, err := migrate.Version(cmd.Context(), d)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), v)
			return nil
		},
	})
	return cmd
}

func newLogger(dev bool) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if dev {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

type storage struct {
	subs     repository.SubscriptionRepository
	profiles repository.ProfileRepository
	lim      limiter.Limiter
	close    func()
}

// openStorage runs migrations and opens Postgres, or falls back to memory
// when no DSN is configured.
func openStorage(ctx context.Context, cfg config.Config, log *zap.Logger) (storage, error) {
	if cfg.DSN == "" {
		log.Warn("no dsn configured, entitlements are kept in memory")
		db := memory.New()
		return storage{subs: db, profiles: db, close: func() {}}, nil
	}
	if err := migrate.Up(ctx, cfg.DSN); err != nil {
		return storage{}, fmt.Errorf("migrate up: %w", err)
	}
	db, err := postgres.New(ctx, cfg.DSN)
	if err != nil {
		return storage{}, fmt.Errorf("open db: %w", err)
	}
	return storage{
		subs:     postgres.NewSubscriptionRepo(db),
		profiles: postgres.NewProfileRepo(db),
		lim:      limiter.NewPG(db.Pool, cfg.RestoreWindow, cfg.RestoreMaxFails, cfg.RestoreBlockFor),
		close:    db.Close,
	}, nil
}

func newValidator(cfg config.Config, log *zap.Logger, m *metrics.Metrics) (validator.Validator, error) {
	if cfg.SkipValidation {
		v, err := validator.NewSkip(cfg.Environment, cfg.Protocol, log)
		if err != nil {
			return nil, err
		}
		return v, nil
	}
	v, err := validator.New(validator.Config{
		BaseURL:     cfg.ValidatorURL,
		Protocol:    cfg.Protocol,
		Environment: cfg.Environment,
		Timeout:     cfg.ValidatorTimeout,
	}, session.ContextProvider{}, log, m)
	if err != nil {
		return nil, err
	}
	return v, nil
}

func newEngine(cfg config.Config, st storage, log *zap.Logger, m *metrics.Metrics) (*iap.Engine, error) {
	val, err := newValidator(cfg, log, m)
	if err != nil {
		return nil, err
	}
	opts := iap.Options{
		Store:           sandbox.New(sandbox.Options{Catalog: catalog}, log.Named("sandbox")),
		Validator:       val,
		Entitlements:    service.NewEntitlementService(st.subs, st.profiles, log, m),
		Sessions:        session.ContextProvider{},
		Environment:     cfg.Environment,
		PurchaseTimeout: cfg.PurchaseTimeout,
		Poll:            iap.PollConfig{Attempts: cfg.PollAttempts},
		OnStateChange: func(s iap.State) {
			log.Debug("purchase state", zap.Stringer("state", s))
		},
		Logger:  log,
		Metrics: m,
	}
	if st.lim != nil {
		opts.Limiter = st.lim
	}
	return iap.New(opts)
}

func newGRPCServer(cfg config.Config, eng *iap.Engine, log *zap.Logger) (*grpc.Server, error) {
	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			grpcserver.RecoverUnary(log),
			grpcserver.LoggingUnary(log),
			grpcserver.AuthUnary([]byte(cfg.JWTKey), log,
				grpcserver.MethodProducts,
				healthpb.Health_Check_FullMethodName,
			),
		),
	}
	if cfg.TLSCert != "" {
		creds, err := credentials.NewServerTLSFromFile(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("load tls cert/key: %w", err)
		}
		opts = append(opts, grpc.Creds(creds))
	} else {
		log.Warn("tls disabled, serving plaintext gRPC")
	}

	s := grpc.NewServer(opts...)
	grpcserver.RegisterPurchasesServer(s, grpcserver.New(eng, log))

	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	if eng.Available() {
		hs.SetServingStatus(grpcserver.ServiceName, healthpb.HealthCheckResponse_SERVING)
	} else {
		hs.SetServingStatus(grpcserver.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	}
	if cfg.Dev {
		reflection.Register(s)
	}
	return s, nil
}

// serve starts every component and blocks until ctx is done or the gRPC
// listener fails.
func serve(ctx context.Context, cfg config.Config) error {
	logger := newLogger(cfg.Dev)
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", cfg.Addr),
		zap.String("environment", string(cfg.Environment)),
		zap.String("protocol", string(cfg.Protocol)),
		zap.Bool("skipValidation", cfg.SkipValidation),
	)

	m := metrics.Default()

	st, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	eng, err := newEngine(cfg, st, logger, m)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	if !eng.Initialize(ctx) {
		logger.Warn("store not connected yet, will retry on first use")
	}

	s, err := newGRPCServer(cfg, eng, logger)
	if err != nil {
		return err
	}

	if cfg.DriftInterval > 0 {
		job := service.NewDriftJob(st.subs, st.profiles, cfg.DriftInterval, logger.Named("drift"), m)
		go job.Run(ctx)
	}

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server", zap.Error(err))
			}
		}()
	}

	lis, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Addr), zap.Bool("tls", cfg.TLSCert != ""))
		errCh <- s.Serve(lis)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
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
	case serveErr = <-errCh:
		logger.Error("server error", zap.Error(serveErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	if err := eng.Close(shutdownCtx); err != nil {
		logger.Warn("engine close", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return serveErr
}
