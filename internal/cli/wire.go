package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"clinic-scheduler/internal/availability"
	"clinic-scheduler/internal/cache"
	"clinic-scheduler/internal/calendar"
	"clinic-scheduler/internal/completion"
	"clinic-scheduler/internal/convo"
	appLog "clinic-scheduler/internal/log"
	"clinic-scheduler/internal/messaging"
	"clinic-scheduler/internal/observability"
	"clinic-scheduler/internal/saga"
	"clinic-scheduler/internal/store"
	"clinic-scheduler/internal/storeclient"
)

const (
	pingTimeout      = 3 * time.Second
	messagingTimeout = 10 * time.Second
)

func (a *app) metrics() *observability.Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return observability.NewMetrics(a.cfg.MetricsNamespace, reg)
}

func (a *app) postgres(ctx context.Context) (*store.Store, func(), error) {
	pool, err := pgxpool.New(ctx, a.cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("db: %w", err)
	}
	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := pool.Ping(pctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("db ping: %w", err)
	}
	appLog.Info("connected to postgres")
	return store.New(pool), pool.Close, nil
}

// redisCache connects the main database and, when configured apart, the
// reminder ledger database.
func (a *app) redisCache(ctx context.Context) (*cache.Cache, func(), error) {
	rdb := redis.NewClient(&redis.Options{Addr: a.cfg.RedisAddr, Password: a.cfg.RedisPassword, DB: a.cfg.RedisDB})
	var rem *redis.Client
	if a.cfg.ReminderRedisDB != a.cfg.RedisDB {
		rem = redis.NewClient(&redis.Options{Addr: a.cfg.RedisAddr, Password: a.cfg.RedisPassword, DB: a.cfg.ReminderRedisDB})
	}
	closeAll := func() {
		_ = rdb.Close()
		if rem != nil {
			_ = rem.Close()
		}
	}

	c := cache.New(rdb, rem)
	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := c.Ping(pctx); err != nil {
		closeAll()
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}
	appLog.Info("connected to redis", "addr", a.cfg.RedisAddr, "db", a.cfg.RedisDB)
	return c, closeAll, nil
}

func (a *app) storeClient(service string) *storeclient.Client {
	return storeclient.New(a.cfg.StoreAPIURL, a.cfg.StoreAPISecret, service, a.cfg.StoreAPITimeout)
}

// calendar returns a connected client. A failed init is logged and the
// client stays unconfigured, so searches answer ERROR instead of crashing.
func (a *app) calendar(ctx context.Context) *calendar.Client {
	cal := calendar.New(a.cfg.GoogleCalendarID, a.cfg.GoogleCredentialsPath, a.cfg.Location)
	cal.SetTimeout(a.cfg.CalendarTimeout)
	if err := cal.Init(ctx); err != nil {
		appLog.Warn("calendar unavailable, bookings will fail until restart", "err", err.Error())
	}
	return cal
}

func (a *app) messenger() *messaging.Client {
	return messaging.New(a.cfg.WAHAURL, a.cfg.WAHAAPIKey, a.cfg.WAHASession, messaging.Support{
		WAID:     a.cfg.SupportWAID,
		FullName: a.cfg.SupportFullName,
	}, messagingTimeout)
}

func (a *app) searcher(cal *calendar.Client) (*availability.Searcher, error) {
	return availability.New(cal, availability.Options{
		Location:   a.cfg.Location,
		ClosedDays: a.cfg.ClosedDaysRule,
	})
}

func loadCatalog(path string) (*convo.Catalog, error) {
	if path == "" {
		return convo.DefaultCatalog(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompts: %w", err)
	}
	return convo.LoadCatalog(raw)
}

// engine assembles the conversation engine over live collaborators.
func (a *app) engine(ctx context.Context, c *cache.Cache, sc *storeclient.Client, m *observability.Metrics, promptsPath string) (*convo.Engine, error) {
	catalog, err := loadCatalog(promptsPath)
	if err != nil {
		return nil, err
	}
	cal := a.calendar(ctx)
	search, err := a.searcher(cal)
	if err != nil {
		return nil, err
	}
	bookings := saga.New(search, cal, sc, c, m)
	llm := completion.New(a.cfg.CompletionBaseURL, a.cfg.CompletionAPIKey, a.cfg.CompletionModel, a.cfg.CompletionTimeout, m)

	return convo.New(convo.Deps{
		LLM:         llm,
		Profiles:    convo.ReadThrough{Cache: c, Store: sc},
		Users:       sc,
		Sessions:    c,
		Search:      search,
		Bookings:    bookings,
		Audit:       sc,
		Metrics:     m,
		Catalog:     catalog,
		SearchLimit: a.cfg.SearchLimit,
	}), nil
}
