package cli

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"clinic-scheduler/internal/auth"
	"clinic-scheduler/internal/gateway"
	"clinic-scheduler/internal/handler"
	appLog "clinic-scheduler/internal/log"
	"clinic-scheduler/internal/middleware"
	"clinic-scheduler/internal/observability"
	"clinic-scheduler/internal/reminder"
	"clinic-scheduler/internal/scheduler"
	"clinic-scheduler/internal/store"
	"clinic-scheduler/internal/worker"
)

func newAPICmd(a *app) *cobra.Command {
	var migrate, inMemory bool
	cmd := &cobra.Command{
		Use:   "api",
		Short: "Serve the store api (users, slots, audit log)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.cfg.RequireAPI(); err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			var st handler.Store
			if inMemory {
				appLog.Warn("using the in-memory store, data is lost on exit")
				st = store.NewMemory()
			} else {
				pg, closeDB, err := a.postgres(ctx)
				if err != nil {
					return err
				}
				defer closeDB()
				if migrate {
					if err := pg.Migrate(ctx, a.cfg.MigrationsPath); err != nil {
						appLog.Warn("migration not applied", "err", err.Error())
					} else {
						appLog.Info("migration applied", "path", a.cfg.MigrationsPath)
					}
				}
				st = pg
			}

			m := a.metrics()
			rl := middleware.NewRateLimiter(ctx, a.cfg.RateLimitRPS, a.cfg.RateLimitBurst)
			h := handler.New(st, handler.Options{
				Location:     a.cfg.Location,
				CleanupGrace: a.cfg.CleanupGrace,
				Metrics:      m,
			})
			return serveHTTP(ctx, "store api", a.cfg.APIAddr,
				h.Router(middleware.RateLimit(rl), middleware.Auth(a.cfg.StoreAPISecret)),
				a.cfg.ShutdownTimeout)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", true, "apply the schema file before serving")
	cmd.Flags().BoolVar(&inMemory, "in-memory", false, "keep users and slots in process memory (development only)")
	return cmd
}

func newGatewayCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Receive signed WhatsApp webhooks and queue them",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.cfg.RequireGateway(); err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			c, closeRedis, err := a.redisCache(ctx)
			if err != nil {
				return err
			}
			defer closeRedis()

			rl := middleware.NewRateLimiter(ctx, a.cfg.RateLimitRPS, a.cfg.RateLimitBurst)
			srv := gateway.New(c, auth.NewWebhookVerifier(a.cfg.WebhookHMACSecret), a.cfg.MaxBodyBytes, a.metrics())
			err = serveHTTP(ctx, "gateway", a.cfg.GatewayAddr, srv.Router(middleware.RateLimit(rl)), a.cfg.ShutdownTimeout)
			srv.Wait()
			return err
		},
	}
}

func newWorkerCmd(a *app) *cobra.Command {
	var prompts, metricsAddr string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume queued messages and answer them",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.cfg.RequireWorker(); err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			c, closeRedis, err := a.redisCache(ctx)
			if err != nil {
				return err
			}
			defer closeRedis()

			m := a.metrics()
			engine, err := a.engine(ctx, c, a.storeClient("worker"), m, prompts)
			if err != nil {
				return err
			}
			w := worker.New(c, a.messenger(), engine, m, worker.Options{})

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return w.Run(gctx) })
			if metricsAddr != "" {
				g.Go(func() error { return serveMetrics(gctx, metricsAddr, m, a) })
			}
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&prompts, "prompts", "", "prompt catalog YAML replacing the built-in one")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve /metrics on this address")
	return cmd
}

func newSchedulerCmd(a *app) *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Run the reminder sweep and the slot cleanup on their schedules",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.cfg.RequireWorker(); err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			c, closeRedis, err := a.redisCache(ctx)
			if err != nil {
				return err
			}
			defer closeRedis()

			m := a.metrics()
			sc := a.storeClient("scheduler")
			sweeper := reminder.New(a.calendar(ctx), a.messenger(), c, sc, m, a.cfg.Location)
			s, err := scheduler.New(a.cfg, sweeper, sc)
			if err != nil {
				return err
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				s.Run(gctx)
				return nil
			})
			if metricsAddr != "" {
				g.Go(func() error { return serveMetrics(gctx, metricsAddr, m, a) })
			}
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve /metrics on this address")
	return cmd
}

func serveMetrics(ctx context.Context, addr string, m *observability.Metrics, a *app) error {
	r := chi.NewRouter()
	r.Get("/metrics", m.Handler().ServeHTTP)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	return serveHTTP(ctx, "metrics", addr, r, a.cfg.ShutdownTimeout)
}
