package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fishmarket/config"
	"fishmarket/internal/api"
	"fishmarket/internal/broker"
	"fishmarket/internal/feed"
	"fishmarket/internal/memstore"
	"fishmarket/internal/models"
	"fishmarket/internal/redisclient"
	"fishmarket/internal/service"
	"fishmarket/internal/store"
	"fishmarket/internal/util"
	"fishmarket/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// backend is what both the Postgres store and the in-memory store provide
type backend interface {
	service.ListingRepository
	service.StockLedger
	service.CartRepository
	service.OrderRepository
	service.EventLog
	api.Pinger
}

var (
	_ backend             = (*store.Store)(nil)
	_ backend             = (*memstore.Store)(nil)
	_ service.StockLedger = (*redisclient.Client)(nil)
	_ service.StockSeeder = (*redisclient.Client)(nil)
	_ service.Locker      = (*redisclient.Client)(nil)
	_ service.Locker      = (*util.KeyedMutex)(nil)
	_ broker.Sink         = (*broker.Producer)(nil)
	_ broker.Sink         = (*broker.LocalBus)(nil)
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting fishmarket checkout service")

	if cfg.Observ.TracingEnabled {
		tp, err := util.InitTracer("fishmarket", cfg.Observ.JaegerEndpoint, cfg.Observ.TraceSampleRatio)
		if err != nil {
			log.Fatalf("Failed to initialize tracer: %v", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(ctx); err != nil {
				logger.Error("Error shutting down tracer", zap.Error(err))
			}
		}()
	}

	ctx := context.Background()

	var db backend
	switch cfg.Storage.Backend {
	case config.StorageBackendMemory:
		mem := memstore.New()
		seedDemoListings(ctx, mem, logger)
		db = mem
		logger.Info("Using in-memory storage")
	default:
		pg, err := store.NewStore(cfg.Database.URL)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer pg.Close()
		if err := pg.Migrate(ctx); err != nil {
			log.Fatalf("Failed to migrate database: %v", err)
		}
		db = pg
		logger.Info("Database connected")
	}

	var redisClient *redisclient.Client
	if cfg.UsesRedis() {
		var err error
		redisClient, err = redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer redisClient.Close()
		redisClient.SetLockTiming(cfg.Locking.TTL, cfg.Locking.Wait)
		logger.Info("Redis connected")
	}

	inventory := service.NewInventoryService(db, db)
	if cfg.Inventory.Backend == config.InventoryBackendRedis {
		inventory = service.NewInventoryService(db, redisClient).WithMirror(db)
		if err := inventory.SyncToLedger(ctx); err != nil {
			logger.Error("Failed to sync inventory to Redis", zap.Error(err))
		}
	}

	var locker service.Locker = util.NewKeyedMutex()
	if cfg.Locking.Backend == config.LockBackendRedis {
		locker = redisClient
	}

	topics := broker.Topics{Orders: cfg.Kafka.TopicOrder, Restock: cfg.Kafka.TopicRestock}

	var sink broker.Sink
	var bus *broker.LocalBus
	if cfg.Kafka.Enabled {
		producer := broker.NewProducer(cfg.Kafka.Brokers)
		defer producer.Close()
		sink = producer
		logger.Info("Kafka producer initialized", zap.Strings("brokers", cfg.Kafka.Brokers))
	} else {
		bus = broker.NewLocalBus(1024)
		sink = bus
		logger.Info("Kafka disabled, using in-process event bus")
	}
	eventPublisher := broker.NewEventPublisher(sink, topics)

	policy := models.TransitionPolicy{Strict: cfg.Business.StrictStatusTransitions}
	saga := service.NewSagaOrchestrator(inventory, eventPublisher, db)
	cartService := service.NewCartService(db, inventory, locker)
	orderService := service.NewOrderService(db, db, inventory, saga, locker, eventPublisher, policy)
	paymentService := service.NewPaymentService(
		service.NewStubGateway(cfg.Business.PaymentStubSuccessRate), orderService, db)

	hub := feed.NewHub()
	defer hub.Close()

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	var workers []*worker.Worker
	if cfg.Kafka.Enabled {
		group := cfg.Kafka.ConsumerGroup
		hostname, _ := os.Hostname()
		workers = []*worker.Worker{
			worker.NewPaymentWorker(
				broker.NewConsumer(cfg.Kafka.Brokers, topics.Orders, group+"-payment"), paymentService),
			worker.NewRestockWorker(
				broker.NewConsumer(cfg.Kafka.Brokers, topics.Restock, group+"-restock"), saga),
			// every instance needs every event for its own connections
			worker.NewFeedWorker(
				broker.NewConsumer(cfg.Kafka.Brokers, topics.Orders, group+"-feed-"+hostname), hub),
		}
		for _, w := range workers {
			go func(w *worker.Worker) {
				if err := w.Start(workerCtx); err != nil && workerCtx.Err() == nil {
					logger.Error("Worker stopped", zap.String("worker", w.Name()), zap.Error(err))
				}
			}(w)
		}
	} else {
		payments := worker.NewPaymentWorker(nil, paymentService)
		restock := worker.NewRestockWorker(nil, saga)
		feeds := worker.NewFeedWorker(nil, hub)
		bus.Subscribe(topics.Orders, payments.HandleMessage)
		bus.Subscribe(topics.Orders, feeds.HandleMessage)
		bus.Subscribe(topics.Restock, restock.HandleMessage)
		go bus.Run(workerCtx)
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(cartService, orderService, inventory, hub)
	handler.AddReadinessCheck("storage", db)
	if redisClient != nil {
		handler.AddReadinessCheck("redis", redisClient)
	}
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	for _, w := range workers {
		if err := w.Stop(); err != nil {
			logger.Error("Error stopping worker", zap.String("worker", w.Name()), zap.Error(err))
		}
	}

	logger.Info("Server exited")
}

// seedDemoListings gives the in-memory backend something to sell
func seedDemoListings(ctx context.Context, mem *memstore.Store, logger *zap.Logger) {
	listings := []models.Listing{
		{ID: "salmon-fillet", SellerID: "seller-harbor", Name: "Atlantic Salmon Fillet", Price: decimal.RequireFromString("14.50"), Quantity: 40},
		{ID: "tiger-prawns", SellerID: "seller-harbor", Name: "Tiger Prawns 500g", Price: decimal.RequireFromString("11.00"), Quantity: 25},
		{ID: "king-mackerel", SellerID: "seller-dock7", Name: "King Mackerel", Price: decimal.RequireFromString("8.75"), Quantity: 12},
		{ID: "blue-crab", SellerID: "seller-dock7", Name: "Blue Crab", Price: decimal.RequireFromString("6.20"), Quantity: 0},
	}
	for i := range listings {
		if err := mem.CreateListing(ctx, &listings[i]); err != nil {
			logger.Error("Failed to seed listing", zap.String("listing_id", listings[i].ID), zap.Error(err))
		}
	}
	logger.Info("Seeded demo listings", zap.Int("count", len(listings)))
}
