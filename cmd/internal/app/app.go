// Package app wires the relay runtime: config, logging, persistence drivers, the session
// manager, the reply worker and the HTTP surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"relay/cmd/internal/bridge"
	"relay/cmd/internal/linkapi"
	"relay/cmd/internal/queue"
	"relay/cmd/internal/responder"
	"relay/cmd/internal/session"
	"relay/cmd/internal/store"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// App owns every long-lived dependency and tears them down in reverse order.
type App struct {
	cfg Config
	log Logger

	handler http.Handler
	manager *session.Manager
	worker  *queue.Worker

	// sim is set when RELAY_BACKEND=sim; its controls are served under /sim/.
	sim *bridge.SimBackend

	closers []closer
}

type closer struct {
	name string
	fn   func() error
}

// New validates cfg and builds the whole graph. Dependencies created before a failure are
// released before New returns.
func New(ctx context.Context, cfg Config, log Logger) (_ *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat, nil)
	}

	a := &App{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			a.closeAll()
		}
	}()

	var (
		registerer prometheus.Registerer
		metrics    http.Handler
	)
	if cfg.MetricsEnabled {
		reg := newRegistry()
		registerer = reg
		metrics = metricsHandler(reg)
	}

	var checks []readinessCheck

	var pool *pgxpool.Pool
	if cfg.StoreDriver == DriverPostgres || cfg.QueueDriver == DriverPostgres {
		pool, err = NewDBPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		a.onClose("postgres", func() error { pool.Close(); return nil })
		checks = append(checks, readinessCheck{name: "postgres", ping: func(ctx context.Context) error {
			return PingDB(ctx, pool, 2*time.Second)
		}})
	}

	var rdb *redis.Client
	if cfg.StoreDriver == DriverRedis || cfg.MemoryDriver == DriverRedis {
		rdb, err = NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		a.onClose("redis", rdb.Close)
		checks = append(checks, readinessCheck{name: "redis", ping: func(ctx context.Context) error {
			return PingRedis(ctx, rdb, 2*time.Second)
		}})
	}

	st, err := a.newStore(ctx, pool, rdb)
	if err != nil {
		return nil, err
	}
	a.onClose("store", st.Close)

	broker, err := a.newBroker(ctx, pool)
	if err != nil {
		return nil, err
	}
	a.onClose("queue", broker.Close)

	backend, err := a.newBackend()
	if err != nil {
		return nil, err
	}

	scfg := session.DefaultConfig()
	scfg.MaxClients = cfg.MaxClients
	scfg.MaxInactivity = cfg.MaxInactivity()
	scfg.SweepInterval = cfg.SweepInterval
	scfg.ConnectTimeout = cfg.ConnectTimeout

	manager, err := session.New(scfg, backend, st, broker,
		session.WithLogger(log),
		session.WithMetrics(newSessionMetrics(registerer)),
	)
	if err != nil {
		return nil, err
	}
	a.manager = manager
	a.onClose("sessions", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return manager.Shutdown(ctx)
	})

	memory, err := a.newMemory(rdb)
	if err != nil {
		return nil, err
	}
	resp, err := responder.New(memory, a.newGenerator(), manager,
		responder.WithLogger(log),
		responder.WithSystemPrompt(cfg.SystemPrompt),
		responder.WithHistoryLimit(cfg.MemoryLimit),
	)
	if err != nil {
		return nil, err
	}

	wcfg := queue.DefaultWorkerConfig()
	wcfg.Concurrency = cfg.QueueWorkers
	wcfg.MaxAttempts = cfg.QueueMaxAttempts
	a.worker = queue.NewWorker(broker, wcfg,
		queue.WithWorkerLogger(log),
		queue.WithWorkerMetrics(newQueueMetrics(registerer)),
	)
	resp.Register(a.worker)

	auth, err := linkapi.NewAuthenticator([]byte(cfg.JWTSecret), cfg.JWTIssuer, cfg.AdminSubjects)
	if err != nil {
		return nil, err
	}
	svc, err := linkapi.NewService(manager, st,
		linkapi.WithServiceLogger(log),
		linkapi.WithSendRateLimit(cfg.SendRateLimit, cfg.SendRateWindow),
	)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	registerHTTP(mux, log, linkapi.NewHandler(log, svc, auth), metrics, checks)
	if a.sim != nil {
		registerSimRoutes(mux, log, auth, a.sim)
	}
	a.handler = WithRequestLogging(WithSecurityHeaders(mux), log)

	return a, nil
}

// Handler is the full HTTP surface, middleware included.
func (a *App) Handler() http.Handler { return a.handler }

// Run serves HTTP and runs the reply worker until ctx is done or either fails, then shuts
// down in order: HTTP drained, worker stopped, sessions closed, pools closed.
func (a *App) Run(ctx context.Context) error {
	defer a.closeAll()

	ln, err := net.Listen("tcp", a.cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.HTTPAddr, err)
	}

	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 90*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start",
		"addr", ln.Addr().String(),
		"base_url", runtimeBaseURL(ln.Addr()),
		"store", a.cfg.StoreDriver,
		"queue", a.cfg.QueueDriver,
		"backend", a.cfg.Backend,
		"llm", a.cfg.LLMProvider,
		"max_clients", a.cfg.MaxClients,
	)

	workerCtx, stopWorker := context.WithCancel(context.Background())
	defer stopWorker()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := a.worker.Run(workerCtx); err != nil {
			return fmt.Errorf("worker: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", context.Cause(gctx))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		defer cancel()

		err := srv.Shutdown(shutdownCtx)
		if err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
		}
		stopWorker()
		return err
	})

	err = g.Wait()
	a.log.Info("server.stopped")
	return err
}

// closeAll runs the registered closers newest first. It is safe to call twice.
func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(); err != nil {
			a.log.Error("app.close.fail", "dependency", c.name, "err", err)
		}
	}
	a.closers = nil
}

func (a *App) onClose(name string, fn func() error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

func (a *App) newStore(ctx context.Context, pool *pgxpool.Pool, rdb *redis.Client) (store.Store, error) {
	switch a.cfg.StoreDriver {
	case DriverPostgres:
		st, err := store.NewPostgresStore(pool, store.WithSchema(a.cfg.DBSchema))
		if err != nil {
			return nil, err
		}
		if err := st.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("store schema: %w", err)
		}
		return st, nil
	case DriverRedis:
		return store.NewRedisStore(rdb)
	case DriverSQLite:
		return store.OpenSQLite(a.cfg.SQLitePath)
	default:
		a.log.Info("store.inmemory", "note", "session records are lost on restart")
		return store.NewInMemoryStore(), nil
	}
}

func (a *App) newBroker(ctx context.Context, pool *pgxpool.Pool) (queue.Broker, error) {
	if a.cfg.QueueDriver != DriverPostgres {
		return queue.NewInMemoryBroker(), nil
	}
	b, err := queue.NewPostgresBroker(pool, queue.WithSchema(a.cfg.DBSchema))
	if err != nil {
		return nil, err
	}
	if err := b.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("queue schema: %w", err)
	}
	return b, nil
}

func (a *App) newBackend() (session.Backend, error) {
	if a.cfg.Backend == BackendSim {
		a.sim = bridge.NewSimBackend(bridge.SimConfig{ReadyAfter: a.cfg.SimReadyAfter})
		a.log.Warn("backend.sim", "ready_after", a.cfg.SimReadyAfter.String())
		return a.sim, nil
	}
	wcfg := bridge.DefaultWSConfig()
	wcfg.URL = a.cfg.BridgeURL
	wcfg.Token = a.cfg.BridgeToken
	return bridge.NewWSBackend(wcfg, a.log)
}

func (a *App) newMemory(rdb *redis.Client) (responder.Memory, error) {
	if a.cfg.MemoryDriver == DriverRedis {
		return responder.NewRedisMemory(rdb, a.cfg.MemoryLimit, a.cfg.MemoryTTL)
	}
	return responder.NewInMemoryMemory(a.cfg.MemoryLimit, a.cfg.MemoryTTL), nil
}

func (a *App) newGenerator() responder.Generator {
	switch a.cfg.LLMProvider {
	case ProviderOpenAI:
		return responder.NewOpenAIGenerator(a.cfg.OpenAIAPIKey, func(o *responder.OpenAIOptions) {
			if a.cfg.OpenAIModel != "" {
				o.Model = a.cfg.OpenAIModel
			}
		})
	case ProviderAnthropic:
		return responder.NewAnthropicGenerator(a.cfg.AnthropicAPIKey, func(o *responder.AnthropicOptions) {
			if a.cfg.AnthropicModel != "" {
				o.Model = anthropic.Model(a.cfg.AnthropicModel)
			}
		})
	default:
		return responder.EchoGenerator{}
	}
}

func newSessionMetrics(reg prometheus.Registerer) *session.Metrics {
	if reg == nil {
		return nil
	}
	return session.NewMetrics(reg)
}

func newQueueMetrics(reg prometheus.Registerer) *queue.Metrics {
	if reg == nil {
		return nil
	}
	return queue.NewMetrics(reg)
}

// runtimeBaseURL is the address clients on this host can reach, with wildcard listen
// hosts replaced by loopback.
func runtimeBaseURL(addr net.Addr) string {
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return "http://" + addr.String()
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
