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

	"github.com/shopline/cartledger/config"
	"github.com/shopline/cartledger/internal/api"
	"github.com/shopline/cartledger/internal/broker"
	"github.com/shopline/cartledger/internal/redisclient"
	"github.com/shopline/cartledger/internal/service"
	"github.com/shopline/cartledger/internal/store"
	"github.com/shopline/cartledger/internal/util"
	"github.com/shopline/cartledger/internal/worker"

	"github.com/gin-gonic/gin"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting cartledger service")

	tp, err := util.InitTracer("cartledger", cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	log.Println("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder)
	defer producer.Close()
	log.Println("Kafka producer initialized")

	eventPublisher := broker.NewEventPublisher(producer)

	coupons := service.NewStaticCouponTable(service.DefaultCoupons())
	inventoryClient := service.NewInventoryClient(db, redisClient)
	cartService := service.NewCartService(db, db, coupons, redisClient,
		time.Duration(cfg.Business.CartTTLDays)*24*time.Hour, cfg.Business.TaxRateBps)
	checkoutService := service.NewCheckoutService(db, db, db, inventoryClient, eventPublisher,
		redisClient, time.Duration(cfg.Business.CheckoutLockSecond)*time.Second)
	orderService := service.NewOrderService(db, inventoryClient, eventPublisher)

	ctx := context.Background()
	if err := inventoryClient.SyncToCache(ctx); err != nil {
		log.Printf("Failed to sync inventory to Redis: %v", err)
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	orderConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder, cfg.Kafka.ConsumerGroup)
	orderWorker := worker.NewOrderEventWorker(orderConsumer, inventoryClient, db)
	go func() {
		if err := orderWorker.Start(workerCtx); err != nil {
			log.Printf("Order event worker error: %v", err)
		}
	}()

	sweeper := worker.NewCartSweeper(db, time.Duration(cfg.Business.CartSweepMinutes)*time.Minute)
	go func() {
		if err := sweeper.Start(workerCtx); err != nil && err != context.Canceled {
			log.Printf("Cart sweeper error: %v", err)
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(cartService, checkoutService, orderService,
		cfg.Auth.JWTSecret, cfg.Business.DefaultCurrency)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	workerCancel()
	orderWorker.Stop()

	log.Println("Server exited")
}
