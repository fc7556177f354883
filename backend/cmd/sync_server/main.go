package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/jonathan-k-shapiro/md-editor/backend/config"
	"github.com/jonathan-k-shapiro/md-editor/backend/internal/cache"
	"github.com/jonathan-k-shapiro/md-editor/backend/internal/collab"
	"github.com/jonathan-k-shapiro/md-editor/backend/internal/history"
	"github.com/jonathan-k-shapiro/md-editor/backend/internal/httpapi/handlers"
	"github.com/jonathan-k-shapiro/md-editor/backend/internal/httpapi/middleware"
	"github.com/jonathan-k-shapiro/md-editor/backend/internal/logging"
	"github.com/jonathan-k-shapiro/md-editor/backend/internal/oplog"
	"github.com/jonathan-k-shapiro/md-editor/backend/internal/reconcile"
	"github.com/jonathan-k-shapiro/md-editor/backend/internal/store"
	"github.com/jonathan-k-shapiro/md-editor/backend/internal/vcs"
	"github.com/jonathan-k-shapiro/md-editor/backend/internal/ws"
)

type stores struct {
	db        *gorm.DB
	log       oplog.Log
	snapshots store.SnapshotStore
	history   store.HistoryStore
	documents store.DocumentStore
}

// openStores DSN 为空时退回内存实现，重启后数据丢失
func openStores(dsn string, logger zerolog.Logger) (*stores, error) {
	if dsn == "" {
		logger.Warn().Msg("mysql dsn not configured, using in-memory stores")
		return &stores{
			log:       oplog.NewMemoryLog(),
			snapshots: store.NewMemorySnapshotStore(),
			history:   store.NewMemoryHistoryStore(),
			documents: store.NewMemoryDocumentStore(),
		}, nil
	}
	parsed, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	db, err := store.InitMySQL(dsn)
	if err != nil {
		return nil, fmt.Errorf("connect mysql: %w", err)
	}
	if err := store.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate stores: %w", err)
	}
	log := oplog.NewGormLog(db, 0)
	if err := log.AutoMigrate(); err != nil {
		return nil, fmt.Errorf("migrate operation log: %w", err)
	}
	logger.Info().Str("addr", parsed.Addr).Str("db", parsed.DBName).Msg("mysql connected")
	return &stores{
		db:        db,
		log:       log,
		snapshots: store.NewSnapshotStore(db),
		history:   store.NewHistoryStore(db),
		documents: store.NewDocumentStore(db),
	}, nil
}

func newProducer(brokers []string) (sarama.SyncProducer, error) {
	kafkaCfg := sarama.NewConfig()
	// SyncProducer 必须开启 Return.Successes
	kafkaCfg.Producer.Return.Successes = true
	kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	return sarama.NewSyncProducer(brokers, kafkaCfg)
}

func nodeID(cfg *config.Config) string {
	if cfg.App.NodeID != "" {
		return cfg.App.NodeID
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return uuid.NewString()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "init config failed: %v\n", err)
		os.Exit(1)
	}
	logger := logging.Setup(cfg.Log.Level, cfg.Log.Format, os.Stdout).
		With().Str("app", cfg.App.Name).Logger()
	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server exited")
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	node := nodeID(cfg)
	logger = logger.With().Str("node", node).Logger()
	checks := map[string]handlers.Check{}

	st, err := openStores(cfg.Mysql.DSN, logger)
	if err != nil {
		return err
	}
	if st.db != nil {
		sqlDB, err := st.db.DB()
		if err != nil {
			return err
		}
		defer sqlDB.Close()
		checks["database"] = sqlDB.PingContext
	}

	var (
		presence cache.PresenceCache = cache.NewLocalPresence()
		lease    collab.Lease        = cache.NewLocalLease()
	)
	if len(cfg.Redis.Addrs) > 0 {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer rdb.Close()
		presence = cache.NewRedisPresence(rdb)
		lease = cache.NewRedisLease(rdb)
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	} else {
		logger.Warn().Msg("redis not configured, presence and leases are node-local")
	}

	var (
		publisher  collab.Publisher
		dispatcher *collab.KafkaDispatcher
	)
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := newProducer(cfg.Kafka.Brokers)
		if err != nil {
			return fmt.Errorf("connect kafka: %w", err)
		}
		defer producer.Close()
		// Kafka 本地队列 + worker 重试发送
		dispatcher = collab.NewKafkaDispatcher(
			producer,
			cfg.Kafka.Topic,
			collab.NewSemaphoreControl(cfg.Kafka.Workers),
			collab.KafkaDispatcherOptions{
				QueueSize:   cfg.Kafka.QueueSize,
				Workers:     cfg.Kafka.Workers,
				MaxRetry:    cfg.Kafka.MaxRetry,
				BaseBackoff: cfg.Kafka.BaseBackoff,
				MaxBackoff:  cfg.Kafka.MaxBackoff,
			},
			logger,
		)
		publisher = dispatcher
	}

	repo, err := vcs.Open(cfg.Git.RepoPath, vcs.Signature{Name: cfg.Git.AuthorName, Email: cfg.Git.AuthorEmail})
	if err != nil {
		return fmt.Errorf("open repository: %w", err)
	}
	checks["git_service"] = repo.Ping

	coord := collab.NewCoordinator(st.log, st.snapshots, lease, publisher, collab.Options{
		NodeID:         node,
		RingSize:       cfg.Session.RingSize,
		SendBuffer:     cfg.Session.SendBuffer,
		QueueSize:      cfg.Session.QueueSize,
		IdleTimeout:    cfg.Session.IdleTimeout,
		EvictGrace:     cfg.Session.EvictGrace,
		FlushThreshold: cfg.Materializer.OpThreshold,
		Retention:      cfg.Materializer.Retention,
		LeaseTTL:       cfg.Session.LeaseTTL,
	}, logger)
	mat := history.NewMaterializer(coord, st.snapshots, st.history, st.documents, repo, publisher, history.Options{
		NodeID:      node,
		Interval:    cfg.Materializer.Interval,
		Workers:     cfg.Materializer.Workers,
		MaxRetry:    cfg.Materializer.MaxRetry,
		BaseBackoff: cfg.Materializer.BaseBackoff,
		MaxBackoff:  cfg.Materializer.MaxBackoff,
	}, logger)
	coord.SetMaterializer(mat)
	arb := reconcile.NewArbitrator(coord, mat, st.snapshots, st.history, st.documents, repo, publisher, reconcile.Options{
		NodeID:       node,
		PollInterval: cfg.Reconcile.PollInterval,
	}, logger)
	mat.SetNotifier(arb)

	if !cfg.App.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	// 中间件
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(middleware.Metrics())
	r.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.Cors.Origins,
		AllowMethods:     cfg.Cors.Methods,
		AllowHeaders:     cfg.Cors.Headers,
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	handlers.NewHealth(handlers.AppInfo{
		Name:        cfg.App.Name,
		Version:     cfg.App.Version,
		Environment: cfg.App.Environment,
	}, checks).Register(r)

	auth := middleware.AuthMiddleware(middleware.AuthConfig{BaseURL: cfg.Auth.Path, Secret: cfg.Auth.Secret}, logger)
	if cfg.Auth.Disabled {
		logger.Warn().Msg("authentication disabled")
		auth = func(c *gin.Context) { c.Next() }
	}

	v1 := r.Group("/api/v1")
	v1.Use(auth)
	handlers.NewHandler(handlers.Deps{
		Documents:    st.documents,
		Snapshots:    st.snapshots,
		History:      st.history,
		Coordinator:  coord,
		Materializer: mat,
		Reconciler:   arb,
		FileExt:      cfg.Git.FileExt,

		PresenceCache: presence,
	}).Register(v1)

	manager := ws.NewManager(ws.NewHub(presence), coord, collab.NewSemaphoreControl(collab.DefaultSemaphore), logger)
	collabGroup := r.Group("/collab")
	// 会从 Authorization 或 ?token= 提取 token 并写入 userId/username
	collabGroup.Use(auth)
	collabGroup.GET("/ws", manager.WebSocketConnect)

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Running.Host, cfg.Running.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	// 后台循环用独立的 ctx，停机时要先把副本落盘再关
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return coord.Run(gctx) })
	g.Go(func() error { return mat.Run(gctx) })
	g.Go(func() error { return arb.Run(gctx) })
	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Msg("sync server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-sigCtx.Done():
			logger.Info().Msg("shutting down")
		case <-gctx.Done():
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("http shutdown")
		}
		mat.FlushAll(shutdownCtx)
		cancelRun()
		return nil
	})

	err = g.Wait()
	if dispatcher != nil {
		dispatcher.Close()
	}
	return err
}
