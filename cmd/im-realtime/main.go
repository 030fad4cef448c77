package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lzyats/yuim/internal/auth"
	"github.com/lzyats/yuim/internal/breaker"
	"github.com/lzyats/yuim/internal/broker"
	"github.com/lzyats/yuim/internal/config"
	"github.com/lzyats/yuim/internal/db"
	"github.com/lzyats/yuim/internal/hub"
	"github.com/lzyats/yuim/internal/idgen"
	"github.com/lzyats/yuim/internal/metrics"
	"github.com/lzyats/yuim/internal/mq"
	"github.com/lzyats/yuim/internal/outbox"
	"github.com/lzyats/yuim/internal/presence"
	"github.com/lzyats/yuim/internal/redisstore"
	"github.com/lzyats/yuim/internal/router"
	"github.com/lzyats/yuim/internal/store"
	"github.com/lzyats/yuim/internal/ttlcache"
)

var (
	// Version is injected via -ldflags "-X main.Version=..."
	Version = "dev"
)

func main() {
	var cfgPaths string
	var machineID uint
	flag.StringVar(&cfgPaths, "c", "./config.yml", "config file path (supports: a.yml,b.yml)")
	flag.UintVar(&machineID, "node", 1, "sonyflake machine id, unique per node")
	flag.Parse()

	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg, err := config.Load(cfgPaths)
	if err != nil {
		log.Fatal("load config failed", zap.Error(err))
	}
	log.Info("im-realtime starting",
		zap.String("version", Version),
		zap.String("addr", cfg.HTTP.Addr),
		zap.String("store", cfg.Store.Driver),
		zap.Bool("broker", cfg.Broker.Enabled),
		zap.Bool("rocketmq", cfg.RocketMQ.Enabled),
	)

	metrics.Register()

	ids, err := idgen.New(uint16(machineID))
	if err != nil {
		log.Fatal("idgen init failed", zap.Error(err))
	}

	// Redis: sessions, idempotency, dedupe and the cross node broker.
	var rds *redisstore.Store
	if cfg.Redis.Addr != "" {
		rds, err = redisstore.New(redisstore.Settings{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			Database: cfg.Redis.Database,
			Timeout:  cfg.Timeout,
		})
		if err != nil {
			log.Fatal("redis init failed", zap.Error(err))
		}
		defer rds.Close()
		pctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
		if err := rds.Ping(pctx); err != nil {
			log.Warn("redis ping failed", zap.Error(err))
		}
		cancel()
	}

	// Persistence.
	var (
		st     store.Store
		users  store.Users
		worker *outbox.Worker
	)
	switch cfg.Store.Driver {
	case "memory":
		mem := store.NewMemory()
		for _, u := range cfg.Store.Users {
			mem.PutUser(u.UserID, u.PasswordHash)
		}
		st, users = mem, mem
	default:
		sqlDB, err := db.Open(db.Options{
			DSN:          cfg.MySQL.DSN,
			MaxOpenConns: cfg.MySQL.MaxOpenConns,
			MaxIdleConns: cfg.MySQL.MaxIdleConns,
			ConnMaxLife:  cfg.MySQL.ConnMaxLife,
			ConnMaxIdle:  cfg.MySQL.ConnMaxIdle,
			PingTimeout:  cfg.Timeout,
		})
		if err != nil {
			log.Fatal("mysql init failed", zap.Error(err))
		}
		defer sqlDB.Close()

		var ob *outbox.Repo
		if cfg.RocketMQ.Enabled {
			ob = outbox.NewRepo(sqlDB)
		}
		my := store.NewMySQL(sqlDB, store.MySQLOptions{Outbox: ob, Topic: cfg.RocketMQ.Topic, Tag: cfg.RocketMQ.Tag})
		st, users = my, my

		if ob != nil {
			prod, err := mq.NewProducer(mqSettings(cfg))
			if err != nil {
				log.Fatal("rocketmq producer init failed", zap.Error(err))
			}
			defer prod.Close()
			worker = outbox.NewWorker(ob, prod, log, outbox.Options{Tick: cfg.Outbox.Tick, Batch: cfg.Outbox.Batch})
			worker.Start()
			defer worker.Stop()
		}
	}

	// Auth.
	tokens := auth.NewManager(auth.ManagerOptions{
		Secret:       cfg.Auth.Token.Secret,
		Issuer:       cfg.Auth.Token.Issuer,
		AccessTTL:    cfg.Auth.Token.AccessTTL,
		RefreshTTL:   cfg.Auth.Token.RefreshTTL,
		RefreshGrace: cfg.Auth.Token.RefreshGrace,
	})
	var sessions auth.Sessions = auth.NewMemorySessions()
	if rds != nil {
		sessions = &auth.SessionStore{RedisPrefix: cfg.Auth.Token.RedisPrefix, Client: rds.Client()}
	}
	authSvc := auth.NewService(tokens, sessions, ttlcache.New(cfg.Auth.Token.CacheTTL))

	// Registry, router, presence.
	h := hub.New(hub.Options{
		Auth: authSvc,
		Token: auth.Config{
			Header:       cfg.Auth.Token.Header,
			BearerPrefix: cfg.Auth.Token.BearerPrefix,
			QueryKey:     cfg.Auth.Token.QueryKey,
		},
		Log: log,
	})

	ropt := router.Options{Registry: h, Store: st, IDs: ids, Log: log}
	if rds != nil {
		ropt.Idempotency = rds
		if cfg.Broker.Enabled {
			ropt.Broker = broker.NewRedis(rds.Client(), cfg.Broker.Channel, log)
			ropt.Breaker = breaker.New(breaker.Options{
				Threshold: cfg.Broker.BreakerThreshold,
				Window:    cfg.Broker.BreakerWindow,
				OpenFor:   cfg.Broker.BreakerOpenFor,
			})
		}
	} else {
		ropt.Idempotency = router.NewMemoryIdempotency()
	}
	rt := router.New(ropt)

	tracker := presence.New(rt, log)
	h.SetListener(tracker)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go rt.Run(ctx)

	// Notification ingest from other services.
	if cfg.RocketMQ.Enabled && rds != nil {
		ing := mq.NewIngest(rt, rds, 0, log)
		c, err := mq.NewConsumer(mqSettings(cfg), mq.ConsumerOptions{Topic: cfg.RocketMQ.IngestTopic}, ing, log)
		if err != nil {
			log.Fatal("rocketmq consumer init failed", zap.Error(err))
		}
		if err := c.Start(); err != nil {
			log.Fatal("rocketmq consumer start failed", zap.Error(err))
		}
		defer c.Close()
	}

	s := &server{
		cfg:      cfg,
		log:      log,
		auth:     authSvc,
		users:    users,
		store:    st,
		hub:      h,
		router:   rt,
		presence: tracker,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	if rds != nil {
		s.ping = rds.Ping
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 2 * time.Second,
	}
	go func() {
		log.Info("im-realtime listening", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	sig := make(chan os.Signal, 2)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutdown signal received")

	sctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	_ = srv.Shutdown(sctx)
	cancel()
	h.CloseAll()
	stop()
	log.Info("im-realtime stopped")
}

func mqSettings(cfg *config.Config) mq.Settings {
	return mq.Settings{
		NameServer:    cfg.RocketMQ.NameServer,
		ProducerGroup: cfg.RocketMQ.ProducerGroup,
		ConsumerGroup: cfg.RocketMQ.ConsumerGroup,
		AccessKey:     cfg.RocketMQ.AccessKey,
		SecretKey:     cfg.RocketMQ.SecretKey,
	}
}
