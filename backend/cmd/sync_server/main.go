package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"docsync/backend/config"
	"docsync/backend/internal/cache"
	"docsync/backend/internal/collab"
	"docsync/backend/internal/httpapi/handlers"
	"docsync/backend/internal/logging"
	"docsync/backend/internal/store"
	"docsync/backend/internal/ws"
)

var (
	buildVersion = "dev"
	buildCommit  = "local"
)

func main() {
	configPath := flag.String("config", "", "path to syncConfig.yaml")
	flag.Parse()

	cfg, v, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	logger := logging.Setup(cfg.Log)
	logger.Info("starting sync server",
		"version", buildVersion, "commit", buildCommit,
		"port", cfg.Running.Port, "store", cfg.Store.Driver, "kafka", cfg.Kafka.Enabled)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Redis 可选：集群地址为空时不启用在线状态
	var rdb redis.UniversalClient
	if len(cfg.Redis.Addrs) > 0 {
		rdb = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
		if err = rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("Failed to connect to redis: %v", err)
		}
		defer rdb.Close()
	}

	revLog, closeLog, err := openRevisionLog(ctx, cfg, rdb)
	if err != nil {
		log.Fatalf("Failed to open revision log: %v", err)
	}
	defer closeLog()

	var (
		registry handlers.Registry
		heads    collab.HeadRecorder
	)
	if cfg.Mysql.DSN != "" {
		db, err := gorm.Open(mysql.Open(cfg.Mysql.DSN), &gorm.Config{})
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		documents := store.NewDocumentStore(db)
		if err := documents.Migrate(); err != nil {
			log.Fatalf("Failed to migrate documents: %v", err)
		}
		registry, heads = documents, documents
	}

	hub := ws.NewHub(logging.For("hub"))
	listeners := collab.Listeners{hub}

	var dispatcher *collab.KafkaDispatcher
	if cfg.Kafka.Enabled {
		// === 初始化 Kafka Producer ===
		kafkaCfg := sarama.NewConfig()
		// SyncProducer 必须开启 Return.Successes
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			log.Fatalf("Failed to connect kafka: %v", err)
		}
		defer producer.Close()

		dispatcher = collab.NewKafkaDispatcher(
			producer,
			cfg.Kafka.Topic,
			collab.NewSemaphoreControl(collab.DefaultMaxSemaphore),
			collab.KafkaDispatcherOptions{
				//  Go 允许在数字里用下划线做分隔符，方便阅读
				QueueSize:   10_000,
				Workers:     4,
				MaxRetry:    3,
				BaseBackoff: 50 * time.Millisecond,
				MaxBackoff:  1 * time.Second,
			},
		)
		listeners = append(listeners, dispatcher)
	}

	authority := collab.NewAuthority(revLog, collab.AuthorityOptions{
		TransformWindow: cfg.Authority.TransformWindow,
		CacheSize:       cfg.Store.CacheSize,
		Listener:        listeners,
		Heads:           heads,
	})

	var presence cache.Presence
	if rdb != nil {
		presence = cache.NewRedisPresence(rdb)
	}
	manager := ws.NewManager(hub, authority, presence,
		collab.NewSemaphoreControl(cfg.Authority.MaxInflight),
		ws.ServerOptions{
			IdleTimeout:   cfg.Transport.IdleTimeout,
			WriteTimeout:  cfg.Transport.WriteTimeout,
			SubmitTimeout: cfg.Authority.SubmitTimeout,
			PresenceTTL:   cfg.Transport.PresenceTTL,
			SendQueue:     cfg.Transport.SendQueue,
		})

	config.Watch(v, func(c *config.Config) {
		logging.SetLevel(c.Log.Level)
	})

	r := gin.New()
	// 中间件
	r.Use(gin.Logger(), gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOriginFunc: func(origin string) bool { return true },
		AllowMethods:    []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders:   []string{"Content-Length"},
		MaxAge:          12 * time.Hour,
	}))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 路由
	sync := r.Group("/sync")
	sync.GET("/ws", manager.WebSocketConnect)
	sync.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message":     "ok",
			"connections": manager.Connections(),
		})
	})
	handlers.NewDocuments(registry, authority).WithPresence(presence, hub).Register(sync)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Running.Port),
		Handler: r,
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		snapshotLoop(egCtx, authority, cfg.Authority.SnapshotEvery, logger)
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		manager.CloseAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := eg.Wait(); err != nil {
		logger.Error("sync server stopped", "err", err)
	}
	authority.Close()
	if dispatcher != nil {
		dispatcher.Close()
	}
	logger.Info("sync server exited")
}

// openRevisionLog 按配置选择 authority 背后的持久化日志
func openRevisionLog(ctx context.Context, cfg *config.Config, rdb redis.UniversalClient) (store.Log, func(), error) {
	switch cfg.Store.Driver {
	case "mysql", "sqlite3":
		l, err := store.OpenSQLLog(ctx, cfg.Store.Driver, cfg.Store.DSN)
		if err != nil {
			return nil, nil, err
		}
		return l, func() { _ = l.Close() }, nil
	case "redis":
		if rdb == nil {
			return nil, nil, errors.New("store.driver redis needs redis.addrs")
		}
		return store.NewRedisLog(rdb), func() {}, nil
	case "memory", "":
		return store.NewMemoryLog(), func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
}

// snapshotLoop 定期把已加载文档的旧历史折叠进快照，变换窗口保持不动
func snapshotLoop(ctx context.Context, authority *collab.Authority, every time.Duration, logger *slog.Logger) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, docID := range authority.Documents() {
			if _, err := authority.SaveSnapshot(ctx, docID); err != nil {
				logger.Warn("save snapshot", "doc", docID, "err", err)
			}
		}
	}
}
