package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述了支付网络守护进程在启动阶段需要加载的核心配置。
type Config struct {
	Server     ServerConfig     `json:"server"`
	Storage    StorageConfig    `json:"storage"`
	Queue      QueueConfig      `json:"queue"`
	Consensus  ConsensusConfig  `json:"consensus"`
	Chain      ChainConfig      `json:"chain"`
	Advisory   AdvisoryConfig   `json:"advisory"`
	Simulation SimulationConfig `json:"simulation"`
	Runtime    RuntimeConfig    `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// StorageConfig 统一描述交易存储后端的连接信息。
type StorageConfig struct {
	TxStore TxStoreConfig `json:"tx_store"`
}

// TxStoreConfig 支持内存实现与 MySQL 两种驱动。
type TxStoreConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// QueueConfig 描述交易处理队列的驱动与连接信息。
type QueueConfig struct {
	Driver   string         `json:"driver"`
	Workers  int            `json:"workers"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 包含 Redis 队列的连接参数。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Queue    string `json:"queue"`
}

// RabbitMQConfig 包含 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL      string `json:"url"`
	Queue    string `json:"queue"`
	Prefetch int    `json:"prefetch"`
	Durable  bool   `json:"durable"`
}

// ConsensusConfig 控制共识裁决的关键参数。
type ConsensusConfig struct {
	// VoteTimeoutMS 为单票超时毫秒数，超时按反对票计。
	VoteTimeoutMS int `json:"vote_timeout_ms"`
	// HighValueThreshold 为高额交易阈值，金额达到该值时风险分封顶。
	HighValueThreshold string `json:"high_value_threshold"`
	// MaxRetries 为单笔交易允许的最大处理次数。
	MaxRetries int `json:"max_retries"`
}

// ChainConfig 包含访问结算层所需的 RPC 地址与链定义文件。
type ChainConfig struct {
	RPCURL       string `json:"rpc_url"`
	ChainConfig  string `json:"chain_config"`
	DefaultChain string `json:"default_chain"`
}

// AdvisoryConfig 用于配置风险顾问的调用方式。
type AdvisoryConfig struct {
	Provider string       `json:"provider"`
	OpenAI   OpenAIConfig `json:"openai"`
}

// OpenAIConfig 描述调用 OpenAI 所需的信息。
type OpenAIConfig struct {
	APIKey         string `json:"api_key"`
	BaseURL        string `json:"base_url"`
	Model          string `json:"model"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// SimulationConfig 控制内置模拟场景的规模。
type SimulationConfig struct {
	Enabled        bool    `json:"enabled"`
	Consumers      int     `json:"consumers"`
	CallsPerAgent  int     `json:"calls_per_agent"`
	IntervalMS     int     `json:"interval_ms"`
	InitialBalance string  `json:"initial_balance"`
	EndpointCost   string  `json:"endpoint_cost"`
	Validators     int     `json:"validators"`
	RiskTolerance  float64 `json:"risk_tolerance"`
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

	if c.Storage.TxStore.Driver == "" {
		c.Storage.TxStore.Driver = "memory"
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 4
	}

	if c.Consensus.VoteTimeoutMS <= 0 {
		c.Consensus.VoteTimeoutMS = 2000
	}
	if c.Consensus.HighValueThreshold == "" {
		c.Consensus.HighValueThreshold = "1000"
	}
	if c.Consensus.MaxRetries <= 0 {
		c.Consensus.MaxRetries = 3
	}

	if c.Advisory.Provider == "" {
		c.Advisory.Provider = "none"
	}

	if c.Simulation.Consumers <= 0 {
		c.Simulation.Consumers = 3
	}
	if c.Simulation.CallsPerAgent <= 0 {
		c.Simulation.CallsPerAgent = 5
	}
	if c.Simulation.InitialBalance == "" {
		c.Simulation.InitialBalance = "100"
	}
	if c.Simulation.EndpointCost == "" {
		c.Simulation.EndpointCost = "10"
	}
	if c.Simulation.Validators <= 0 {
		c.Simulation.Validators = 3
	}
	if c.Simulation.RiskTolerance <= 0 {
		c.Simulation.RiskTolerance = 0.6
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
}
