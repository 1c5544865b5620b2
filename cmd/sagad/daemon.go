package main

import (
	"context"
	stdErrors "errors"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"accesssaga/accessreg"
	"accesssaga/accessreg/collaborator"
	"accesssaga/api"
	"accesssaga/config"
	"accesssaga/data/db/basic"
	"accesssaga/errors"
	"accesssaga/logging"
	"accesssaga/messaging"
	"accesssaga/messaging/middleware"
	"accesssaga/messaging/transport/memory"
	"accesssaga/messaging/transport/natsjetstream"
	"accesssaga/messaging/transport/redisstreams"
	synctransport "accesssaga/messaging/transport/sync"
	"accesssaga/metrics"
	"accesssaga/saga"
	"accesssaga/saga/channel"
	"accesssaga/saga/store/sqlstore"
	"accesssaga/server"
)

// daemon 实现 server.IServer，把配置装配成一个完整的编排进程
type daemon struct {
	configPath string
	// override 在文件与环境变量之后应用命令行参数
	override func(cfg *config.Config)

	cfg    *config.Config
	logger logging.Logger

	metrics  *metrics.Metrics
	db       *basic.DB
	redis    redis.UniversalClient
	store    saga.IExecutionStore
	bus      *messaging.MessageBus
	channel  *channel.BusChannel
	memDedup *channel.MemoryDeduplicator
	orch     *saga.Orchestrator
	sim      *collaborator.Simulation
	sweeper  *saga.RecoverySweeper
	handler  http.Handler
	httpSrv  *http.Server

	group *errgroup.Group
}

var _ server.IServer = (*daemon)(nil)

func newDaemon(configPath string, override func(cfg *config.Config)) *daemon {
	return &daemon{configPath: configPath, override: override}
}

func (d *daemon) Name() string { return "sagad" }

func (d *daemon) LoadConfig() error {
	cfg, err := config.Load(d.configPath)
	if err != nil {
		return err
	}
	if d.override != nil {
		d.override(cfg)
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	d.cfg = cfg

	logger := logging.NewZerologLogger(logging.Options{
		Service: cfg.Service.Name,
		Level:   logging.ParseLevel(cfg.Log.Level),
		Console: cfg.Log.Format == "console",
	})
	logging.SetLogger(logger)
	d.logger = logging.ComponentLogger("sagad")
	return nil
}

func (d *daemon) SetupDependencies(ctx context.Context) error {
	cfg := d.cfg
	d.metrics = metrics.New()

	store, err := d.buildStore(ctx)
	if err != nil {
		return err
	}
	d.store = store

	transport, err := d.buildTransport()
	if err != nil {
		return err
	}
	d.bus = messaging.NewMessageBus(transport)
	d.bus.Use(middleware.NewCorrelationMiddleware())
	d.bus.UseInbound(middleware.NewCorrelationMiddleware())

	d.channel = channel.NewBusChannel(d.bus, channel.Options{
		Destinations: cfg.Saga.Destinations,
		Dedup:        d.buildDedup(),
		Logger:       logging.ComponentLogger("saga.channel"),
	})

	registry, err := saga.NewRegistry(accessreg.Definition())
	if err != nil {
		return err
	}
	d.orch = saga.NewOrchestrator(d.store, d.channel, registry, saga.Options{
		StepTimeout:         cfg.Saga.StepTimeout,
		CompensationTimeout: cfg.Saga.CompensationTimeout,
		Metrics:             d.metrics,
	})
	if err := d.metrics.RegisterGauge("pending_correlations", "Step results and compensation acknowledgements currently awaited.", func() float64 {
		return float64(d.orch.PendingCount())
	}); err != nil {
		return err
	}
	if err := d.channel.BindResults(ctx, d.orch); err != nil {
		return err
	}

	if cfg.Simulate.Enabled {
		d.sim = collaborator.NewSimulation(d.channel, collaborator.Options{})
		d.sim.Directory.Put(cfg.Simulate.Employees...)
		if err := d.sim.Bind(ctx, d.channel); err != nil {
			return err
		}
		d.logger.Info(ctx, "模拟协作服务已启用", logging.Int("employees", d.sim.Directory.Len()))
	}

	d.sweeper = saga.NewRecoverySweeper(d.store, d.orch, saga.RecoveryOptions{
		Interval:   cfg.Saga.Recovery.Interval,
		StaleAfter: cfg.Saga.Recovery.StaleAfter,
		BatchSize:  cfg.Saga.Recovery.BatchSize,
	})

	routes := api.NewSagaRoutes(accessreg.NewService(d.orch), d.orch, d.store, cfg.HTTP.WaitTimeout)
	d.handler = api.NewRouter(api.RouterOptions{
		Metrics: d.metrics.Handler(),
		Health:  d.health,
	}, routes)
	d.httpSrv = &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           d.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return nil
}

func (d *daemon) buildStore(ctx context.Context) (saga.IExecutionStore, error) {
	if d.cfg.Store.Driver == "memory" {
		return saga.NewMemoryStore(), nil
	}
	database, err := basic.New(d.cfg.Store.DBConfig())
	if err != nil {
		return nil, errors.WrapPersistence(ctx, err, "open database")
	}
	d.db = database
	store := sqlstore.New(database)
	if d.cfg.Store.Migrate {
		if err := store.Migrate(ctx); err != nil {
			return nil, err
		}
	}
	d.logger.Info(ctx, "SQL 执行存储已就绪", logging.String("driver", d.cfg.Store.Driver))
	return store, nil
}

func (d *daemon) buildTransport() (messaging.Transport, error) {
	t := d.cfg.Transport
	switch t.Kind {
	case "sync":
		return synctransport.NewSyncTransport(synctransport.WithIsolatedHandlers(logging.ComponentLogger("transport.sync"))), nil
	case "memory":
		return memory.NewMemoryTransport(memory.Options{
			QueueSize:       t.Memory.QueueSize,
			WorkerCount:     t.Memory.Workers,
			MaxRedeliveries: t.Memory.MaxRedeliveries,
			RedeliveryDelay: t.Memory.RedeliveryDelay,
		}), nil
	case "nats":
		return natsjetstream.NewTransport(natsjetstream.Config{
			URL:           t.NATS.URL,
			Stream:        t.NATS.Stream,
			DurablePrefix: t.NATS.DurablePrefix,
			AckWait:       t.NATS.AckWait,
			MaxDeliver:    t.NATS.MaxDeliver,
			NakDelay:      t.NATS.NakDelay,
		}), nil
	case "redis":
		return redisstreams.NewTransport(redisstreams.Config{
			Client:        d.redisClient(),
			StreamPrefix:  t.Redis.StreamPrefix,
			GroupName:     t.Redis.Group,
			MaxLen:        t.Redis.MaxLen,
			MaxDeliveries: t.Redis.MaxDeliveries,
		})
	}
	return nil, errors.NewErrorf(errors.ErrCodeValidation, "unknown transport kind %q", t.Kind)
}

func (d *daemon) buildDedup() channel.Deduplicator {
	switch d.cfg.Dedup.Kind {
	case "memory":
		d.memDedup = channel.NewMemoryDeduplicator(d.cfg.Dedup.TTL, d.cfg.Dedup.MaxSize)
		return d.memDedup
	case "redis":
		return channel.NewRedisDeduplicator(d.redisClient(), "", d.cfg.Dedup.TTL)
	}
	return nil
}

// redisClient 传输与去重共用一个连接池
func (d *daemon) redisClient() redis.UniversalClient {
	if d.redis == nil {
		r := d.cfg.Transport.Redis
		d.redis = redis.NewClient(&redis.Options{Addr: r.Addr, Password: r.Password, DB: r.DB})
	}
	return d.redis
}

func (d *daemon) health() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if d.db != nil {
		if err := d.db.Ping(ctx); err != nil {
			return err
		}
	}
	if d.redis != nil {
		return d.redis.Ping(ctx).Err()
	}
	return nil
}

func (d *daemon) StartBackgroundTasks(ctx context.Context) error {
	if err := d.bus.Start(ctx); err != nil {
		return errors.WrapError(err, errors.ErrCodeQueue, "启动消息传输失败")
	}
	group, gctx := errgroup.WithContext(ctx)
	d.group = group
	group.Go(func() error { return d.sweeper.Run(gctx) })
	if d.memDedup != nil {
		interval := d.cfg.Dedup.TTL / 2
		group.Go(func() error {
			d.memDedup.RunJanitor(gctx, interval)
			return nil
		})
	}
	return nil
}

func (d *daemon) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		d.logger.Info(ctx, "HTTP 服务已启动", logging.String("addr", d.httpSrv.Addr))
		errCh <- d.httpSrv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if stdErrors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown 按依赖的逆序释放：HTTP → 编排器定时器 → 后台任务 → 传输 → 连接
// beforeStop 记录停止时仍在等待结果的步骤与传输状态
func (d *daemon) beforeStop(ctx context.Context) error {
	if d.orch == nil || d.bus == nil {
		return nil
	}
	d.logger.Info(ctx, "sagad draining",
		logging.Int("pending_correlations", d.orch.PendingCount()),
		logging.Any("transport", d.bus.Stats()))
	return nil
}

func (d *daemon) Shutdown(ctx context.Context) error {
	var errs []error
	if d.httpSrv != nil {
		if err := d.httpSrv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if d.orch != nil {
		d.orch.Close()
	}
	if d.group != nil {
		if err := d.group.Wait(); err != nil {
			errs = append(errs, err)
		}
	}
	if d.bus != nil {
		if err := d.bus.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if d.redis != nil {
		if err := d.redis.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if d.db != nil {
		if err := d.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return stdErrors.Join(errs...)
}
