package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/exchange/matching/internal/api"
	"github.com/exchange/matching/internal/config"
	"github.com/exchange/matching/internal/handler"
	"github.com/exchange/matching/internal/metrics"
	"github.com/exchange/matching/internal/recovery"
	"github.com/exchange/matching/internal/sequence"
	"github.com/exchange/matching/internal/service"
	"github.com/exchange/matching/internal/store"
	"github.com/exchange/matching/internal/ws"
	apperrors "github.com/exchange/matching/pkg/errors"
	"github.com/exchange/matching/pkg/logger"
	"github.com/exchange/matching/pkg/snowflake"
	"github.com/exchange/matching/pkg/tracing"
)

func main() {
	cfg := config.Load()
	log := logger.NewWithLevel(cfg.ServiceName, nil, cfg.LogLevel)

	log.Infof("starting service", map[string]interface{}{"service": cfg.ServiceName})
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("invalid config")
	}

	idGen, err := snowflake.New(cfg.WorkerID)
	if err != nil {
		log.WithError(err).Fatal("init snowflake")
	}

	metrics.Init()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 链路追踪
	if cfg.TracingEnabled {
		shutdown, err := tracing.Init(tracing.Config{
			ServiceName: cfg.ServiceName,
			Endpoint:    cfg.TracingEndpoint,
			Enabled:     cfg.TracingEnabled,
			SampleRate:  cfg.TracingSampleRate,
		})
		if err != nil {
			log.WithError(err).Warn("init tracing failed")
		} else {
			defer shutdown(context.Background())
		}
	}

	// 连接 Postgres
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		log.WithError(err).Fatal("open postgres")
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		pingCancel()
		log.WithError(err).Fatal("connect postgres")
	}
	pingCancel()

	st := store.New(db)
	if err := st.EnsureSchema(ctx); err != nil {
		log.WithError(err).Fatal("ensure schema")
	}

	// 序列号水位必须可读, 否则拒绝启动: 从错误水位重启会重复分配序列号
	maxSeq, err := st.MaxSequence(ctx)
	if err != nil {
		log.WithError(apperrors.Newf(apperrors.CodeSequencerUnavailable,
			"read sequence watermark: %v", err)).Fatal("sequencer unavailable")
	}
	seq := sequence.New(maxSeq)
	log.Infof("sequencer initialized", map[string]interface{}{"watermark": maxSeq})

	// 连接 Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		PoolSize:     200,
		MinIdleConns: 20,
	})

	redisPingCtx, redisPingCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := redisClient.Ping(redisPingCtx).Err(); err != nil {
		redisPingCancel()
		log.WithError(err).Fatal("connect redis")
	}
	redisPingCancel()

	svc := service.New(&service.Config{
		Symbols:         cfg.Symbols,
		Sequencer:       seq,
		Committer:       st,
		IDGen:           idGen,
		CmdBufferSize:   cfg.CmdBufferSize,
		EventBufferSize: cfg.EventBufferSize,
		Logger:          log,
	})

	h := handler.NewHandler(redisClient, svc, &handler.Config{
		OrderStream: cfg.OrderStream,
		EventStream: cfg.EventStream,
		Group:       cfg.ConsumerGroup,
		Consumer:    cfg.ConsumerName,
		DedupeTTL:   cfg.DedupeTTL,
		OrderLoader: recovery.NewDBOrderLoader(db),
		Logger:      log,
	})
	if err := h.Start(ctx); err != nil {
		log.WithError(err).Fatal("start handler")
	}
	log.Infof("handler started", map[string]interface{}{"stream": cfg.OrderStream})

	wsServer := ws.NewServer(svc, log, &ws.Config{
		DepthInterval: cfg.DepthInterval,
		DepthLimit:    cfg.DepthLimit,
	})
	go wsServer.RunPusher(ctx)

	restHandler := api.NewHandler(svc, log)

	mux := http.NewServeMux()
	requireInternalAuth := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-Internal-Token") != cfg.InternalToken {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next(w, r)
		}
	}

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeHealth(w, healthDeps(r.Context(), redisClient, db, h, svc))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		writeHealth(w, healthDeps(r.Context(), redisClient, db, h, svc))
	})

	metricsHandler := metrics.Handler()
	if token := os.Getenv("METRICS_TOKEN"); token != "" {
		metricsHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !metricsAuthorized(r, token) {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			metrics.Handler().ServeHTTP(w, r)
		})
	}
	mux.Handle("/metrics", metricsHandler)

	mux.Handle("/v1/orders", tracing.HTTPMiddleware(http.HandlerFunc(restHandler.Orders)))
	mux.Handle("/v1/book", tracing.HTTPMiddleware(http.HandlerFunc(restHandler.Book)))
	depthHandler := requireInternalAuth(restHandler.Depth)
	mux.HandleFunc("/depth", depthHandler)
	mux.HandleFunc("/v1/depth", depthHandler)
	mux.HandleFunc("/ws", wsServer.HandleWS)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		log.Infof("http server listening", map[string]interface{}{"port": cfg.HTTPPort})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("http server error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)
	h.Stop()
	redisClient.Close()
	db.Close()
	log.Info("shutdown complete")
}

type dependencyStatus struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Latency int64  `json:"latency"`
}

type healthResponse struct {
	Status       string             `json:"status"`
	Dependencies []dependencyStatus `json:"dependencies"`
}

func healthDeps(ctx context.Context, redisClient *redis.Client, db *sql.DB, h *handler.Handler, svc *service.Service) []dependencyStatus {
	deps := []dependencyStatus{
		checkRedis(ctx, redisClient),
		checkPostgres(ctx, db),
		checkConsumeLoop(h),
	}
	deps = append(deps, checkEngines(svc)...)
	return deps
}

func checkRedis(ctx context.Context, client *redis.Client) dependencyStatus {
	start := time.Now()
	timeoutCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	err := client.Ping(timeoutCtx).Err()
	status := "ok"
	if err != nil {
		status = "down"
	}
	return dependencyStatus{
		Name:    "redis",
		Status:  status,
		Latency: time.Since(start).Milliseconds(),
	}
}

func checkPostgres(ctx context.Context, db *sql.DB) dependencyStatus {
	start := time.Now()
	timeoutCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	err := db.PingContext(timeoutCtx)
	status := "ok"
	if err != nil {
		status = "down"
	}
	return dependencyStatus{
		Name:    "postgres",
		Status:  status,
		Latency: time.Since(start).Milliseconds(),
	}
}

func checkConsumeLoop(h *handler.Handler) dependencyStatus {
	now := time.Now()
	ok, age, _ := h.ConsumeLoopHealthy(now, 45*time.Second)
	status := "ok"
	if !ok {
		status = "down"
	}
	return dependencyStatus{
		Name:    "orderStreamConsumer",
		Status:  status,
		Latency: age.Milliseconds(),
	}
}

func checkEngines(svc *service.Service) []dependencyStatus {
	var deps []dependencyStatus
	for _, eng := range svc.Engines() {
		status := "ok"
		halted, _ := eng.Halted()
		metrics.SetEngineHalted(eng.Symbol(), halted)
		if halted {
			status = "down"
		}
		deps = append(deps, dependencyStatus{
			Name:   "engine:" + eng.Symbol(),
			Status: status,
		})
	}
	return deps
}

func writeHealth(w http.ResponseWriter, deps []dependencyStatus) {
	status := "ok"
	for _, dep := range deps {
		if dep.Status != "ok" {
			status = "degraded"
			break
		}
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(healthResponse{
		Status:       status,
		Dependencies: deps,
	})
}

func metricsAuthorized(r *http.Request, token string) bool {
	if token == "" {
		return true
	}
	if strings.TrimSpace(r.Header.Get("X-Metrics-Token")) == token {
		return true
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimSpace(strings.TrimPrefix(auth, "Bearer ")) == token {
		return true
	}
	return false
}
