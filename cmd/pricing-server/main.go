package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/pricing/internal/config"
	"github.com/ehr/pricing/internal/domain/calculation"
	"github.com/ehr/pricing/internal/domain/coverage"
	"github.com/ehr/pricing/internal/domain/rules"
	"github.com/ehr/pricing/internal/domain/tariff"
	"github.com/ehr/pricing/internal/platform/audit"
	"github.com/ehr/pricing/internal/platform/auth"
	"github.com/ehr/pricing/internal/platform/db"
	"github.com/ehr/pricing/internal/platform/metrics"
	"github.com/ehr/pricing/internal/platform/middleware"
)

const version = "0.1.0"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "pricing-server",
		Short:        "Medical service pricing and insurance coverage API",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(freezeYearCmd())
	root.AddCommand(exportCmd())
	root.AddCommand(auditCmd())
	return root
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// connect loads config and opens the pool shared by every subcommand.
func connect(ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	})
	if err != nil {
		return nil, nil, err
	}
	return cfg, pool, nil
}

// services holds the domain services wired against one pool.
type services struct {
	tariff      *tariff.Service
	coverage    *coverage.Service
	rules       *rules.Service
	calculation *calculation.Service
}

func wire(cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) *services {
	tariffSvc := tariff.NewService(tariff.NewServiceRepoPG(pool), tariff.NewFactorRepoPG(pool), pool, logger)
	coverageSvc := coverage.NewService(
		coverage.NewPlanRepoPG(pool),
		coverage.NewTariffRepoPG(pool),
		coverage.NewPatientInsuranceRepoPG(pool),
		logger,
	)
	rulesSvc := rules.NewService(rules.NewRepoPG(pool), logger)

	orch := calculation.NewOrchestrator(
		tariffSvc,
		tariffSvc.PriceCalculator(),
		coverageSvc,
		coverageSvc,
		rulesSvc.Engine(),
		calculation.NewPatientDirectoryPG(pool),
		logger,
	)

	emitter := auditEmitter(cfg.AuditSink, audit.NewPGEmitter(pool), logger)
	calcSvc := calculation.NewService(orch, calculation.NewRepoPG(pool), pool, emitter, cfg.CalcMaxBatch, logger)

	return &services{
		tariff:      tariffSvc,
		coverage:    coverageSvc,
		rules:       rulesSvc,
		calculation: calcSvc,
	}
}

// auditEmitter picks the calculation audit sinks named by AUDIT_SINK.
func auditEmitter(sink string, chain audit.Emitter, logger zerolog.Logger) audit.Emitter {
	logSink := audit.NewLogEmitter(logger)
	switch sink {
	case config.AuditSinkLog:
		return logSink
	case config.AuditSinkDB:
		return chain
	default:
		return audit.Multi{logSink, chain}
	}
}

func authMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	if cfg.ResolvedAuthMode() == "development" {
		return auth.DevAuthMiddleware()
	}
	return auth.JWTMiddleware(auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		JWKSURL:    cfg.AuthJWKSURL,
		SigningKey: []byte(cfg.AuthSigningKey),
	})
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the pricing API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func newEcho(cfg *config.Config, pool *pgxpool.Pool, svc *services, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(metrics.Middleware())
	e.Use(middleware.BodyLimit(cfg.BodyLimit, cfg.BatchBodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	if pool != nil {
		e.GET("/health/db", db.HealthHandler(pool))
	}
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	apiV1 := e.Group("/api/v1")
	apiV1.Use(authMiddleware(cfg))
	apiV1.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))

	tariff.NewHandler(svc.tariff).RegisterRoutes(apiV1)
	coverage.NewHandler(svc.coverage).RegisterRoutes(apiV1)
	rules.NewHandler(svc.rules).RegisterRoutes(apiV1)
	calculation.NewHandler(svc.calculation).RegisterRoutes(apiV1)
	return e
}

func runServer() error {
	logger := newLogger(os.Getenv("ENV"))

	ctx := context.Background()
	cfg, pool, err := connect(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start")
	}
	defer pool.Close()
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	if cfg.ResolvedAuthMode() == "development" {
		logger.Warn().Msg("development auth is active: every request is treated as admin")
	}
	logger.Info().Msg("connected to database")

	e := newEcho(cfg, pool, wire(cfg, pool, logger), logger)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("audit_sink", cfg.AuditSink).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, db.Migrations()).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, db.Migrations()).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	})
	return cmd
}

func freezeYearCmd() *cobra.Command {
	var (
		year  int
		actor string
	)
	cmd := &cobra.Command{
		Use:   "freeze-year",
		Short: "Freeze every coefficient setting of a financial year",
		RunE: func(cmd *cobra.Command, args []string) error {
			if year <= 0 {
				return fmt.Errorf("--year is required")
			}
			ctx := cmd.Context()
			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			svc := wire(cfg, pool, newLogger(cfg.Env))
			st, err := svc.tariff.FreezeYear(ctx, year, actor)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Froze %d of %d setting(s) for financial year %d.\n",
				st.Frozen, st.Settings, st.FinancialYear)
			return nil
		},
	}
	cmd.Flags().IntVar(&year, "year", 0, "Financial year to freeze")
	cmd.Flags().StringVar(&actor, "actor", "cli", "Recorded as the user who froze the year")
	return cmd
}

func exportCmd() *cobra.Command {
	var from, to, out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write active calculations in a date range to a Parquet file",
		RunE: func(cmd *cobra.Command, args []string) error {
			fromT, toT, err := parseRange(from, to)
			if err != nil {
				return err
			}
			if out == "" {
				return fmt.Errorf("--out is required")
			}

			ctx := cmd.Context()
			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			f, err := os.Create(out)
			if err != nil {
				return fmt.Errorf("create %s: %w", out, err)
			}
			defer f.Close()

			svc := wire(cfg, pool, newLogger(cfg.Env))
			sum, err := svc.calculation.Export(ctx, fromT, toT, f)
			if err != nil {
				return err
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("close %s: %w", out, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Exported %d calculation(s) to %s (insurer %s, patient %s).\n",
				sum.Rows, out, sum.InsurerTotal.String(), sum.PatientTotal.String())
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "Start date, inclusive (YYYY-MM-DD)")
	cmd.Flags().StringVar(&to, "to", "", "End date, exclusive (YYYY-MM-DD)")
	cmd.Flags().StringVar(&out, "out", "", "Output Parquet file")
	return cmd
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the calculation audit chain",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Recompute the audit hash chain and report the first broken entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			bad, err := audit.NewPGEmitter(pool).Verify(ctx)
			if err != nil {
				return err
			}
			if bad != 0 {
				return fmt.Errorf("audit chain broken at seq %d", bad)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Audit chain verified.")
			return nil
		},
	})
	return cmd
}

// parseRange parses a [from, to) date range in UTC.
func parseRange(from, to string) (time.Time, time.Time, error) {
	if from == "" || to == "" {
		return time.Time{}, time.Time{}, fmt.Errorf("--from and --to are required")
	}
	fromT, err := time.Parse(time.DateOnly, from)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid --from: %w", err)
	}
	toT, err := time.Parse(time.DateOnly, to)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid --to: %w", err)
	}
	if !toT.After(fromT) {
		return time.Time{}, time.Time{}, fmt.Errorf("--to must be after --from")
	}
	return fromT, toT, nil
}
