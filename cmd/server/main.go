package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	redisv9 "github.com/redis/go-redis/v9"

	"tradecoach_backend/internal/app/di"
	"tradecoach_backend/internal/app/router"
	alertadapters "tradecoach_backend/internal/feature/alerts/adapters"
	alertusecase "tradecoach_backend/internal/feature/alerts/usecase"
	authadapters "tradecoach_backend/internal/feature/auth/adapters"
	authhandler "tradecoach_backend/internal/feature/auth/transport/handler"
	authusecase "tradecoach_backend/internal/feature/auth/usecase"
	behavioradapters "tradecoach_backend/internal/feature/behavior/adapters"
	chatadapters "tradecoach_backend/internal/feature/chat/adapters"
	"tradecoach_backend/internal/feature/chat/adapters/gemini"
	chatusecase "tradecoach_backend/internal/feature/chat/usecase"
	marketentity "tradecoach_backend/internal/feature/market/domain/entity"
	markethandler "tradecoach_backend/internal/feature/market/transport/handler"
	marketusecase "tradecoach_backend/internal/feature/market/usecase"
	"tradecoach_backend/internal/feature/stream/hub"
	streamhandler "tradecoach_backend/internal/feature/stream/transport/handler"
	streamusecase "tradecoach_backend/internal/feature/stream/usecase"
	"tradecoach_backend/internal/platform/config"
	infradb "tradecoach_backend/internal/platform/db"
	jwtmw "tradecoach_backend/internal/platform/jwt"
	infraredis "tradecoach_backend/internal/platform/redis"
)

// unavailableGenerator answers every chat request with an error when the
// Gemini client could not be constructed. The rest of the server keeps
// working without the assistant.
type unavailableGenerator struct{}

func (unavailableGenerator) Generate(context.Context, string, string) (string, error) {
	return "", errors.New("text generation is not configured")
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// db
	db := infradb.OpenDB()

	// Redis
	var rdb *redisv9.Client
	if tmp, err := infraredis.NewRedisClient(); err != nil {
		log.Println("[WARN] Redis unavailable. Running without cache.")
		rdb = nil
	} else {
		rdb = tmp
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Println("[ERROR] Failed to close Redis client:", err)
			}
		}()
	}

	// Market
	catalog := marketentity.DefaultCatalog()
	agg := marketusecase.NewAggregator(cfg.Aggregator.BucketSeconds, cfg.Aggregator.HistoryDepth)
	feedClient := di.NewFeedClient(cfg, catalog)
	snapshots := di.NewSnapshotStore(cfg, rdb)
	history := di.NewHistoryProvider(cfg, rdb, agg, feedClient)

	// Sessions
	sessions := hub.New(hub.Config{
		PriceQueueDepth:   cfg.Hub.PriceQueueDepth,
		ControlQueueDepth: cfg.Hub.ControlQueueDepth,
		WriteTimeout:      cfg.Hub.WriteTimeout,
	})

	// Alerts
	alertEngine := alertusecase.NewEngine(alertadapters.NewAlertRepository(db))

	// Behavior
	tradeRepo := behavioradapters.NewTradeRepository(db)
	analyzer := di.NewAnalyzer(cfg.Behavior)
	coach := di.NewCoach(cfg.Behavior)

	// Chat
	var generator chatusecase.TextGenerator
	if g, err := gemini.NewGeminiGenerator(ctx); err != nil {
		log.Println("[WARN] Gemini unavailable. Chat assistant disabled:", err)
		generator = unavailableGenerator{}
	} else {
		generator = g
	}
	explainer := chatusecase.NewExplainerUsecase(generator, chatadapters.NewChatHistoryRepository(db))

	// Auth
	jwtGen := jwtmw.NewGenerator(os.Getenv(jwtmw.EnvKeyJWTSecret), 24*time.Hour)
	authUC := authusecase.NewAuthUsecase(authadapters.NewUserGorm(db), jwtGen)

	// Handler
	authH := authhandler.NewAuthHandler(authUC)
	assetH := markethandler.NewAssetHandler(catalog)
	wsH := streamhandler.NewWSHandler(streamhandler.WSHandlerDeps{
		Hub:       sessions,
		Catalog:   catalog,
		Feed:      feedClient,
		Prices:    agg,
		Snapshots: snapshots,
		History:   history,
		Alerts:    alertEngine,
		Trades:    tradeRepo,
		Analyzer:  analyzer,
		Coach:     coach,
		Chat:      explainer,
		SeedDepth: cfg.Behavior.WindowSize,
	})

	// フィードのイベントループと配信ループを起動
	go feedClient.Run(ctx)
	dispatcher := streamusecase.NewDispatcher(feedClient.Events(), agg, catalog, sessions, snapshots, alertEngine)
	go dispatcher.Run(ctx)
	go closeIdleCandles(ctx, agg, cfg.Aggregator.BucketSeconds)

	// ルータ生成
	r := router.NewRouter(authH, assetH, wsH)

	// JWT_SECRETチェック（開発中の注意喚起）
	if os.Getenv(jwtmw.EnvKeyJWTSecret) == "" {
		log.Println("[WARN] JWT_SECRET is not set. Set a strong secret in production.")
	}

	if err := r.Run(cfg.Server.Addr); err != nil {
		log.Fatal(err)
	}
}

// closeIdleCandles finalizes elapsed candle buckets for symbols that have
// gone quiet so history never carries a stale open bucket.
func closeIdleCandles(ctx context.Context, agg *marketusecase.Aggregator, bucketSeconds int64) {
	ticker := time.NewTicker(time.Duration(bucketSeconds) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			agg.CloseIdle(now.Unix())
		}
	}
}
