package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	_ "github.com/go-sql-driver/mysql"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"collabSync/backend/config"
	"collabSync/backend/internal/cache"
	"collabSync/backend/internal/collab"
	"collabSync/backend/internal/httpapi/handlers"
	"collabSync/backend/internal/store"
	"collabSync/backend/internal/ws"
)

func main() {
	cfg, err := config.LoadServer("collabConfig")
	if err != nil {
		slog.Error("init config failed", "err", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: config.ParseLevel(cfg.Log.Level)}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("collab server stopped", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.ServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opt := collab.Options{RingCap: cfg.Collab.RingCap, Logger: logger}

	// === 在线客户端登记：配置了 Redis 用 Redis，否则单实例内存版 ===
	if len(cfg.Redis.Addrs) > 0 {
		// 多个地址时 UniversalClient 走集群模式
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer rdb.Close()
		opt.Registry = cache.NewRedisRegistry(rdb, cfg.Redis.ClientTTL)
	} else {
		logger.Warn("redis not configured, using in-memory client registry")
		opt.Registry = cache.NewMemoryRegistry(cfg.Redis.ClientTTL)
	}

	// === MySQL：快照走 database/sql，op 日志走 gorm ===
	if cfg.Mysql.DSN != "" {
		db, err := sql.Open("mysql", cfg.Mysql.DSN)
		if err != nil {
			return fmt.Errorf("open mysql: %w", err)
		}
		defer db.Close()
		opt.Snapshots = store.NewSnapshotStore(db)

		gdb, err := store.InitMySQL(cfg.Mysql.DSN)
		if err != nil {
			return fmt.Errorf("init op log: %w", err)
		}
		opt.Ops = store.NewOpStore(gdb)
	} else {
		logger.Warn("mysql not configured, snapshots and op log disabled")
	}

	// === 初始化 Kafka Producer ===
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := sarama.NewConfig()
		// SyncProducer 必须开启 Return.Successes
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			return fmt.Errorf("connect kafka: %w", err)
		}
		defer producer.Close()

		// Kafka 本地队列 + worker 重试发送
		dispatcher := collab.NewKafkaDispatcher(producer, cfg.Kafka.Topic, collab.NewSemaphoreControl(collab.DefaultSemaphoreSize),
			collab.KafkaDispatcherOptions{
				QueueSize:   cfg.Kafka.QueueSize,
				Workers:     cfg.Kafka.Workers,
				MaxRetry:    cfg.Kafka.MaxRetry,
				BaseBackoff: cfg.Kafka.BaseBackoff,
				MaxBackoff:  cfg.Kafka.MaxBackoff,
			}, logger)
		// 先于 producer.Close 执行，把队列里的事件发完
		defer dispatcher.Close()
		opt.Publisher = dispatcher
	}

	svc := collab.NewInMemoryService(opt)
	hub := ws.NewHub(opt.Registry)
	hub.Attach(svc)
	manager := ws.NewManager(hub, svc, collab.NewSemaphoreControl(cfg.Collab.SubmitConcurrency), logger)

	r := gin.New()
	// 中间件
	r.Use(gin.Logger(), gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOrigins:  cfg.Cors.AllowOrigins,
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))

	// 路由
	collabGroup := r.Group("/collab")
	collabGroup.GET("/ws", manager.WebSocketConnect)
	handlers.NewDocumentHandler(svc, opt.Registry).Register(collabGroup)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Running.Port), Handler: r}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("collab server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if opt.Snapshots != nil && cfg.Collab.SnapshotInterval > 0 {
		g.Go(func() error {
			snapshotLoop(gctx, svc, opt.Registry, cfg.Collab.SnapshotInterval, logger)
			return nil
		})
	}
	return g.Wait()
}

// snapshotLoop 定期为有在线客户端的文档保存快照
func snapshotLoop(ctx context.Context, svc collab.Service, registry cache.ClientRegistry, every time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		docs, err := registry.Documents(ctx)
		if err != nil {
			logger.Warn("list documents failed", "err", err)
			continue
		}
		for _, docID := range docs {
			if err := svc.SaveSnapshot(ctx, docID); err != nil {
				logger.Warn("save snapshot failed", "doc", docID, "err", err)
			}
		}
	}
}
