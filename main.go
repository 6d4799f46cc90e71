package main

import (
	"context"
	"log"
	"os"
	"time"

	"threadflow/internal/api"
	"threadflow/internal/config"
	"threadflow/internal/redis"
	"threadflow/internal/service/ai"
	"threadflow/internal/service/chat"
	"threadflow/internal/storage"
	"threadflow/internal/store"
	"threadflow/internal/stream"
	"threadflow/internal/worker"

	"github.com/gin-gonic/gin"
)

func main() {
	cfgPath := os.Getenv("THREADFLOW_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	dbType := os.Getenv("THREADFLOW_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	log.Printf("dbType: %s\n", dbType)
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	// Create necessary tables: threads, messages
	if err := storage.Migrate(db, dbType); err != nil {
		log.Fatalf("migrate database: %v", err)
	}

	// delta buffer: redis when configured, in-process otherwise
	var buffer stream.Buffer
	if cfg.Redis.Host != "" {
		rdb, err := redis.NewRedisClient(cfg)
		if err != nil {
			log.Fatalf("create redis client: %v", err)
		}
		defer rdb.Close()
		buffer = stream.NewRedisBuffer(rdb)
	} else {
		log.Printf("redis not configured, using in-process delta buffer")
		buffer = stream.NewMemoryBuffer()
	}

	st := store.New(db)

	generator, err := ai.NewService(context.Background(), cfg.Agent)
	if err != nil {
		log.Fatalf("init model binding: %v", err)
	}

	manager := worker.NewManager(st, buffer, generator, worker.Config{
		Dispatcher: worker.DispatcherConfig{
			MinWorkers:        cfg.BasicConfig.MinWorkers,
			MaxWorkers:        cfg.BasicConfig.MaxWorkers,
			QueueSize:         cfg.BasicConfig.QueueSize,
			WorkerIdleTimeout: time.Duration(cfg.BasicConfig.WorkerIdleTimeout) * time.Minute,
		},
		HistoryWindow:     cfg.BasicConfig.HistoryWindow,
		GenerationTimeout: time.Duration(cfg.BasicConfig.GenerationTimeout) * time.Second,
	})

	chatService := chat.NewService(st, buffer, manager, cfg.BasicConfig.OwnerID, cfg.BasicConfig.PageSize)
	handlers := api.NewHandler(chatService, buffer)

	router := gin.Default()
	handlers.RegisterRoutes(router)

	addr := cfg.BasicConfig.ServerAddress
	if addr == "" {
		addr = ":8090"
	}

	if err := router.Run(addr); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
}
