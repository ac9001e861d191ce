package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nemonet1337/zaiSerialStock/internal/config"
	"github.com/nemonet1337/zaiSerialStock/pkg/inventory"
	"github.com/nemonet1337/zaiSerialStock/pkg/inventory/publisher"
	"github.com/nemonet1337/zaiSerialStock/pkg/inventory/storage"
)

func main() {
	// 設定読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("設定読み込みに失敗しました:", err)
	}

	// ログ設定
	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatal("ログ初期化に失敗しました:", err)
	}
	defer logger.Sync()

	ctx := context.Background()

	// データベース接続
	store, err := storage.NewPostgreSQLStorage(ctx, cfg.DSN(), storage.PoolConfig{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}, logger)
	if err != nil {
		logger.Fatal("データベース接続に失敗しました", zap.Error(err))
	}
	defer store.Close()

	// イベント発行者（無効時はnil）
	var events inventory.EventPublisher
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Fatal("Redis接続に失敗しました", zap.Error(err))
		}
		defer client.Close()
		events = publisher.NewRedisPublisher(client, cfg.Redis.ChannelPrefix, logger)
	}

	// メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := inventory.NewMetrics(registry)

	// 在庫マネージャー初期化
	manager := inventory.NewManager(store, events, logger, cfg.ManagerConfig(), inventory.WithMetrics(metrics))
	tracking := inventory.NewTrackingManager(store, logger, inventory.SystemClock)
	valuation := inventory.NewValuationEngine(store, logger, cfg.Inventory.LowStockThreshold)

	// HTTPハンドラー設定
	handlers := NewHandlers(manager, tracking, valuation, store, logger, cfg.Inventory.ExpiryWarning)
	router := setupRouter(handlers, cfg.API, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	// HTTPサーバー設定
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.API.Port),
		Handler:      router,
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
		IdleTimeout:  cfg.API.IdleTimeout,
	}

	// グレースフルシャットダウン設定
	go func() {
		logger.Info("シリアル在庫APIサーバーを開始します", zap.Int("port", cfg.API.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("サーバー開始に失敗しました", zap.Error(err))
		}
	}()

	// シャットダウンシグナル待機
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("サーバーをシャットダウンしています...")

	// グレースフルシャットダウン
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("サーバーシャットダウンに失敗しました", zap.Error(err))
	}

	logger.Info("サーバーが正常に停止しました")
}

// setupRouter sets up HTTP routes
// HTTPルートを設定
func setupRouter(handlers *Handlers, apiCfg config.APIConfig, metricsHandler http.Handler) *mux.Router {
	router := mux.NewRouter()

	// ヘルスチェック
	router.HandleFunc("/health", handlers.HealthCheck).Methods("GET")
	if apiCfg.EnableMetrics && metricsHandler != nil {
		router.Handle("/metrics", metricsHandler).Methods("GET")
	}

	// API v1ルート
	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(actorMiddleware(handlers))
	if apiCfg.RateLimit > 0 {
		api.Use(rateLimitMiddleware(rate.NewLimiter(rate.Limit(apiCfg.RateLimit), apiCfg.RateBurst), handlers))
	}

	// 製品
	api.HandleFunc("/products", handlers.CreateProduct).Methods("POST")
	api.HandleFunc("/products", handlers.ListProducts).Methods("GET")
	api.HandleFunc("/products/{productId:[0-9]+}", handlers.GetProduct).Methods("GET")
	api.HandleFunc("/products/{productId:[0-9]+}", handlers.DeleteProduct).Methods("DELETE")
	api.HandleFunc("/products/{productId:[0-9]+}/discontinue", handlers.DiscontinueProduct).Methods("POST")
	api.HandleFunc("/products/{productId:[0-9]+}/availability/recompute", handlers.RecomputeAvailability).Methods("POST")

	// 個体
	api.HandleFunc("/units", handlers.CreateUnit).Methods("POST")
	api.HandleFunc("/units", handlers.ListUnits).Methods("GET")
	api.HandleFunc("/units/scan", handlers.ScanUnit).Methods("GET")
	api.HandleFunc("/units/expiring", handlers.ExpiringUnits).Methods("GET")
	api.HandleFunc("/units/expired", handlers.ExpiredUnits).Methods("GET")
	api.HandleFunc("/units/{unitId:[0-9]+}", handlers.GetUnit).Methods("GET")
	api.HandleFunc("/units/{unitId:[0-9]+}", handlers.DeleteUnit).Methods("DELETE")
	api.HandleFunc("/units/{unitId:[0-9]+}/history", handlers.UnitHistory).Methods("GET")

	// 入出庫
	api.HandleFunc("/units/{unitId:[0-9]+}/stock-in", handlers.StockIn).Methods("POST")
	api.HandleFunc("/units/{unitId:[0-9]+}/stock-out", handlers.StockOut).Methods("POST")
	api.HandleFunc("/units/{unitId:[0-9]+}/status", handlers.OverrideStatus).Methods("PUT")

	// 台帳・集計
	api.HandleFunc("/ledger", handlers.QueryLedger).Methods("GET")
	api.HandleFunc("/ledger/export", handlers.ExportLedger).Methods("GET")
	api.HandleFunc("/ledger/summary", handlers.Summary).Methods("GET")
	api.HandleFunc("/valuation", handlers.Valuation).Methods("GET")

	if apiCfg.EnableCORS {
		router.Use(corsMiddleware)
	}

	// ログ機能
	router.Use(loggingMiddleware(handlers.logger))

	return router
}
