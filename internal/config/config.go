package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Config 描述了 ChainChat 在启动阶段需要加载的核心配置。
type Config struct {
	Server       ServerConfig       `json:"server"`
	Storage      StorageConfig      `json:"storage"`
	LLM          LLMConfig          `json:"llm"`
	Vector       VectorConfig       `json:"vector"`
	Market       MarketConfig       `json:"market"`
	Web3         Web3Config         `json:"web3"`
	Catalog      CatalogConfig      `json:"catalog"`
	Indexer      IndexerConfig      `json:"indexer"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Auth         AuthConfig         `json:"auth"`
	Logging      LoggingConfig      `json:"logging"`
	Runtime      RuntimeConfig      `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address        string `json:"address"`
	MetricsAddress string `json:"metrics_address"`
}

// StorageConfig 统一描述会话存储后端的连接信息。
type StorageConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
}

// LLMConfig 用于配置大模型推理的调用方式。
type LLMConfig struct {
	Provider string       `json:"provider"`
	OpenAI   OpenAIConfig `json:"openai"`
}

// OpenAIConfig 描述 OpenAI 兼容接口的访问参数。
type OpenAIConfig struct {
	APIKey         string `json:"api_key"`
	APIKeyEnv      string `json:"api_key_env"`
	BaseURL        string `json:"base_url"`
	Model          string `json:"model"`
	EmbeddingModel string `json:"embedding_model"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// Timeout 返回以 time.Duration 表示的调用超时。
func (c OpenAIConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// VectorConfig 描述向量检索引擎的接入方式。
type VectorConfig struct {
	Driver         string `json:"driver"`
	BaseURL        string `json:"base_url"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// MarketConfig 描述行情数据服务的接入方式。
type MarketConfig struct {
	BaseURL        string `json:"base_url"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// Web3Config 包含访问区块链节点所需的 RPC 地址。
type Web3Config struct {
	RPCURL string `json:"rpc_url"`
}

// CatalogConfig 指定本地代币名录文件。
type CatalogConfig struct {
	Path       string `json:"path"`
	MaxResults int    `json:"max_results"`
}

// IndexerConfig 控制会话历史向量化的后台队列。
type IndexerConfig struct {
	Driver   string         `json:"driver"`
	Workers  int            `json:"workers"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列的连接参数。
type RedisConfig struct {
	Address          string `json:"address"`
	Password         string `json:"password"`
	DB               int    `json:"db"`
	Queue            string `json:"queue"`
	BlockWaitSeconds int    `json:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// OrchestratorConfig 控制会话编排的运行参数。
type OrchestratorConfig struct {
	RecentWindow      int `json:"recent_window"`
	TokenBudget       int `json:"token_budget"`
	MinSectionChars   int `json:"min_section_chars"`
	ReindexEveryTurns int `json:"reindex_every_turns"`
	LLMTimeoutSeconds int `json:"llm_timeout_seconds"`
}

// LLMTimeout 返回单次大模型调用允许的最长时间。
func (c OrchestratorConfig) LLMTimeout() time.Duration {
	if c.LLMTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.LLMTimeoutSeconds) * time.Second
}

// AuthConfig 控制 API 访问的认证方式。
type AuthConfig struct {
	Mode    string   `json:"mode"`
	APIKeys []string `json:"api_keys"`
}

// LoggingConfig 透传给 pkg/logger。
type LoggingConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	AuditPath   string   `json:"audit_path"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.OpenAI.Model == "" {
		c.LLM.OpenAI.Model = "gpt-4o-mini"
	}
	if c.LLM.OpenAI.EmbeddingModel == "" {
		c.LLM.OpenAI.EmbeddingModel = "text-embedding-3-small"
	}

	if c.Vector.Driver == "" {
		c.Vector.Driver = "memory"
	}

	if c.Market.BaseURL == "" {
		c.Market.BaseURL = "https://api.dexscreener.com"
	}

	if c.Catalog.MaxResults <= 0 {
		c.Catalog.MaxResults = 5
	}
	if c.Catalog.Path != "" && !filepath.IsAbs(c.Catalog.Path) {
		c.Catalog.Path = filepath.Join(baseDir, c.Catalog.Path)
	}

	if c.Indexer.Driver == "" {
		c.Indexer.Driver = "memory"
	}
	if c.Indexer.Workers <= 0 {
		c.Indexer.Workers = 1
	}

	if c.Orchestrator.RecentWindow <= 0 {
		c.Orchestrator.RecentWindow = 10
	}
	if c.Orchestrator.TokenBudget <= 0 {
		c.Orchestrator.TokenBudget = 6000
	}
	if c.Orchestrator.MinSectionChars <= 0 {
		c.Orchestrator.MinSectionChars = 200
	}
	if c.Orchestrator.ReindexEveryTurns <= 0 {
		c.Orchestrator.ReindexEveryTurns = 10
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = "disabled"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
}
