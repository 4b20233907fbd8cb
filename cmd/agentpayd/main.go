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

	"github.com/shopspring/decimal"

	"AgentPay-Chain/internal/advisory"
	advisoryopenai "AgentPay-Chain/internal/advisory/openai"
	"AgentPay-Chain/internal/agent"
	"AgentPay-Chain/internal/api"
	"AgentPay-Chain/internal/chain/provider"
	"AgentPay-Chain/internal/config"
	"AgentPay-Chain/internal/consensus"
	"AgentPay-Chain/internal/ledger"
	"AgentPay-Chain/internal/payment"
	"AgentPay-Chain/internal/settlement"
	"AgentPay-Chain/internal/sim"
	"AgentPay-Chain/pkg/logger"
)

// main 是支付网络守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("agentpayd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("AGENTPAY_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "agentpay.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	dataDir := cfg.Runtime.DataDir
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Audit: logger.AuditConfig{
			Enabled: true,
			Path:    filepath.Join(dataDir, "audit.log"),
		},
	}); err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	wallets := ledger.New()

	var txStore payment.Store
	switch cfg.Storage.TxStore.Driver {
	case "", "memory":
		txStore = payment.NewMemoryStore()
	case "mysql":
		store, err := payment.NewMySQLStore(cfg.Storage.TxStore.DSN)
		if err != nil {
			return err
		}
		txStore = store
	default:
		return fmt.Errorf("未知的存储驱动: %s", cfg.Storage.TxStore.Driver)
	}

	var txQueue payment.Queue
	switch cfg.Queue.Driver {
	case "", "memory":
		txQueue = payment.NewMemoryQueue(1024)
	case "redis":
		queue, err := payment.NewRedisQueue(payment.RedisQueueConfig{
			Address:  cfg.Queue.Redis.Address,
			Password: cfg.Queue.Redis.Password,
			DB:       cfg.Queue.Redis.DB,
			Queue:    cfg.Queue.Redis.Queue,
		})
		if err != nil {
			return err
		}
		txQueue = queue
	case "rabbitmq":
		queue, err := payment.NewRabbitMQQueue(payment.RabbitMQConfig{
			URL:      cfg.Queue.RabbitMQ.URL,
			Queue:    cfg.Queue.RabbitMQ.Queue,
			Prefetch: cfg.Queue.RabbitMQ.Prefetch,
			Durable:  cfg.Queue.RabbitMQ.Durable,
		})
		if err != nil {
			return err
		}
		txQueue = queue
	default:
		return fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}

	chainRegistry, err := provider.NewRegistry(ctx, cfg.Chain)
	if err != nil {
		return err
	}
	defer chainRegistry.Close()

	chainClient, err := chainRegistry.DefaultClient()
	if err != nil {
		return err
	}

	txLog, err := settlement.NewLog(dataDir)
	if err != nil {
		return err
	}
	recorder := settlement.NewRecorder(wallets, chainClient, txLog)

	payments := payment.NewService(txStore, txQueue, wallets, cfg.Consensus.MaxRetries,
		payment.WithServiceRecorder(recorder))
	defer func() {
		if err := payments.Close(); err != nil {
			log.Printf("关闭支付服务失败: %v", err)
		}
	}()

	registry := agent.NewRegistry()
	runtime := agent.NewRuntime(registry, payments)

	simCfg := sim.Config{
		Consumers:     cfg.Simulation.Consumers,
		CallsPerAgent: cfg.Simulation.CallsPerAgent,
		Interval:      time.Duration(cfg.Simulation.IntervalMS) * time.Millisecond,
		Validators:    cfg.Simulation.Validators,
		RiskTolerance: cfg.Simulation.RiskTolerance,
	}
	if balance, err := decimal.NewFromString(cfg.Simulation.InitialBalance); err == nil {
		simCfg.InitialBalance = balance
	}
	if cost, err := decimal.NewFromString(cfg.Simulation.EndpointCost); err == nil {
		simCfg.EndpointCost = cost
	}

	scenario, err := sim.Setup(simCfg, wallets, registry, runtime)
	if err != nil {
		return err
	}

	voters := make([]consensus.Voter, 0, len(scenario.Voters))
	for _, voter := range scenario.Voters {
		voters = append(voters, voter)
	}

	highValue, err := decimal.NewFromString(cfg.Consensus.HighValueThreshold)
	if err != nil {
		return fmt.Errorf("高额交易阈值不是合法数字: %w", err)
	}
	engine := consensus.NewEngine(voters,
		consensus.WithScorer(consensus.NewAmountScorer(consensus.NewStoreHistory(txStore, 50), highValue)),
		consensus.WithVoteTimeout(time.Duration(cfg.Consensus.VoteTimeoutMS)*time.Millisecond),
	)

	processor := payment.NewProcessor(engine, recorder, txStore, wallets, txQueue, txQueue,
		payment.WithWorkerCount(cfg.Queue.Workers),
		payment.WithProcessorLogger(logger.Named("processor")),
	)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()

	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("交易处理器异常退出: %v", err)
		}
	}()

	if cfg.Simulation.Enabled {
		go func() {
			if _, err := scenario.Run(ctx, simCfg); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("模拟场景异常退出: %v", err)
			}
		}()
	}

	serverOpts := []api.ServerOption{api.WithChainBackend(chainClient)}
	advisor, err := createAdvisor(cfg)
	if err != nil {
		return err
	}
	if advisor != nil {
		serverOpts = append(serverOpts, api.WithAdvisor(advisor))
	}

	server := api.NewServer(cfg.Server.Address, wallets, registry, runtime, payments, txLog, serverOpts...)

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func createAdvisor(cfg *config.Config) (advisory.Client, error) {
	switch cfg.Advisory.Provider {
	case "", "none":
		return nil, nil
	case "openai":
		apiKey := strings.TrimSpace(cfg.Advisory.OpenAI.APIKey)
		if apiKey == "" {
			apiKey = strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
		}
		if apiKey == "" {
			return nil, errors.New("OpenAI provider 需要配置 api_key")
		}
		return advisoryopenai.NewClient(advisoryopenai.Config{
			APIKey:  apiKey,
			BaseURL: cfg.Advisory.OpenAI.BaseURL,
			Model:   cfg.Advisory.OpenAI.Model,
			Timeout: time.Duration(cfg.Advisory.OpenAI.TimeoutSeconds) * time.Second,
		})
	default:
		return nil, fmt.Errorf("未知的风险顾问 provider: %s", cfg.Advisory.Provider)
	}
}
