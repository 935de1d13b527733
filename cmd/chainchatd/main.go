package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"ChainChat/internal/api"
	"ChainChat/internal/auth"
	"ChainChat/internal/catalog"
	"ChainChat/internal/config"
	"ChainChat/internal/indexer"
	"ChainChat/internal/llm"
	"ChainChat/internal/llm/openai"
	"ChainChat/internal/market"
	"ChainChat/internal/observability/alerting"
	"ChainChat/internal/observability/metrics"
	"ChainChat/internal/orchestrator"
	"ChainChat/internal/resolver"
	"ChainChat/internal/storage/mysql"
	"ChainChat/internal/synthesis"
	"ChainChat/internal/tools"
	"ChainChat/internal/vector"
	"ChainChat/pkg/logger"
)

// main 是 ChainChat 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("chainchatd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("CHAINCHAT_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "chainchat.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled: cfg.Logging.AuditPath != "",
			Path:    cfg.Logging.AuditPath,
		},
	}); err != nil {
		return err
	}
	defer func() {
		if err := logger.Sync(); err != nil {
			log.Printf("关闭日志输出失败: %v", err)
		}
	}()

	llmClient, err := createLLMClient(cfg)
	if err != nil {
		return err
	}

	store, err := createStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	vectorStore, err := createVectorStore(cfg, llmClient)
	if err != nil {
		return err
	}
	defer vectorStore.Close()

	marketSource, err := market.NewHTTPSource(market.Config{
		BaseURL: cfg.Market.BaseURL,
		Timeout: time.Duration(cfg.Market.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		return err
	}

	var onchain *market.OnchainReader
	if cfg.Web3.RPCURL != "" {
		onchain, err = market.NewOnchainReader(ctx, cfg.Web3.RPCURL)
		if err != nil {
			return err
		}
		defer onchain.Close()
	}

	var tokenCatalog *catalog.Catalog
	if cfg.Catalog.Path != "" {
		tokenCatalog, err = catalog.Load(cfg.Catalog.Path, cfg.Catalog.MaxResults)
		if err != nil {
			return err
		}
	} else {
		tokenCatalog = catalog.New(nil, cfg.Catalog.MaxResults)
	}

	registry := tools.NewRegistry()
	if err := tools.RegisterAll(registry, tools.Deps{
		Store:   store,
		Vector:  vectorStore,
		Market:  marketSource,
		Onchain: onchain,
		Catalog: tokenCatalog,
		LLM:     llmClient,
	}); err != nil {
		return err
	}
	executor := tools.NewExecutor(registry, store)

	queue, err := createQueue(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			log.Printf("关闭索引队列失败: %v", err)
		}
	}()

	worker := indexer.NewWorker(store, vectorStore)
	if err := worker.SeedTokenIdentity(ctx, tokenCatalog); err != nil {
		// 代币身份索引缺失只影响实体解析质量，不阻断启动。
		log.Printf("写入代币身份索引失败: %v", err)
	}

	workerCtx, workerCancel := context.WithCancel(ctx)
	defer workerCancel()
	go func() {
		if err := worker.Run(workerCtx, queue, cfg.Indexer.Workers); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("索引工作器异常退出: %v", err)
		}
	}()

	orch := orchestrator.New(
		store,
		llmClient,
		registry,
		executor,
		resolver.NewMemoryResolver(llmClient, registry, executor, store),
		resolver.NewEntityResolver(llmClient, registry, executor),
		synthesis.NewSynthesizer(llmClient),
		orchestrator.Config{
			RecentWindow:      cfg.Orchestrator.RecentWindow,
			ReindexEveryTurns: cfg.Orchestrator.ReindexEveryTurns,
			TokenBudget:       cfg.Orchestrator.TokenBudget,
			MinSectionChars:   cfg.Orchestrator.MinSectionChars,
		},
		orchestrator.WithReindexProducer(queue),
		orchestrator.WithAlertDispatcher(alerting.NewFanout()),
	)

	authSvc, err := auth.NewService(auth.Config{
		Mode:    cfg.Auth.Mode,
		APIKeys: cfg.Auth.APIKeys,
	})
	if err != nil {
		return err
	}

	if cfg.Server.MetricsAddress != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Server.MetricsAddress); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("指标服务异常退出: %v", err)
			}
		}()
	}

	server := api.NewServer(cfg.Server.Address, orch, store, authSvc)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func createLLMClient(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "", "openai":
		apiKey := strings.TrimSpace(cfg.LLM.OpenAI.APIKey)
		if apiKey == "" && cfg.LLM.OpenAI.APIKeyEnv != "" {
			apiKey = strings.TrimSpace(os.Getenv(cfg.LLM.OpenAI.APIKeyEnv))
		}
		if apiKey == "" {
			return nil, errors.New("OpenAI provider 需要配置 api_key 或 api_key_env")
		}
		return openai.NewClient(openai.Config{
			APIKey:         apiKey,
			BaseURL:        cfg.LLM.OpenAI.BaseURL,
			Model:          cfg.LLM.OpenAI.Model,
			EmbeddingModel: cfg.LLM.OpenAI.EmbeddingModel,
			Timeout:        cfg.LLM.OpenAI.Timeout(),
		})
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.LLM.Provider)
	}
}

func createStore(ctx context.Context, cfg *config.Config) (mysql.Store, error) {
	switch cfg.Storage.Driver {
	case "", "memory":
		return mysql.NewMemoryStore(), nil
	case "mysql":
		return mysql.NewSQLStore(ctx, mysql.Config{
			DSN:             cfg.Storage.DSN,
			MaxOpenConns:    cfg.Storage.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.ConnMaxLifetimeSeconds) * time.Second,
			ConnMaxIdleTime: time.Duration(cfg.Storage.ConnMaxIdleTimeSeconds) * time.Second,
		})
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}
}

func createVectorStore(cfg *config.Config, embedder vector.Embedder) (vector.Store, error) {
	switch cfg.Vector.Driver {
	case "", "memory":
		return vector.NewMemoryStore(embedder)
	case "chroma":
		return vector.NewChromaStore(vector.ChromaConfig{
			BaseURL: cfg.Vector.BaseURL,
			Timeout: time.Duration(cfg.Vector.TimeoutSeconds) * time.Second,
		}, embedder)
	default:
		return nil, fmt.Errorf("未知的向量驱动: %s", cfg.Vector.Driver)
	}
}

func createQueue(cfg *config.Config) (indexer.Queue, error) {
	switch cfg.Indexer.Driver {
	case "", "memory":
		return indexer.NewMemoryQueue(1024), nil
	case "redis":
		return indexer.NewRedisQueue(indexer.RedisQueueConfig{
			Address:   cfg.Indexer.Redis.Address,
			Password:  cfg.Indexer.Redis.Password,
			DB:        cfg.Indexer.Redis.DB,
			Queue:     cfg.Indexer.Redis.Queue,
			BlockWait: time.Duration(cfg.Indexer.Redis.BlockWaitSeconds) * time.Second,
		})
	case "rabbitmq":
		return indexer.NewRabbitMQQueue(indexer.RabbitMQConfig{
			URL:        cfg.Indexer.RabbitMQ.URL,
			Queue:      cfg.Indexer.RabbitMQ.Queue,
			Prefetch:   cfg.Indexer.RabbitMQ.Prefetch,
			Durable:    cfg.Indexer.RabbitMQ.Durable,
			AutoDelete: cfg.Indexer.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Indexer.Driver)
	}
}
