package sim

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"AgentPay-Chain/internal/agent"
	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/ledger"
	"AgentPay-Chain/internal/payment"
	"AgentPay-Chain/pkg/logger"
)

// Config 控制一次模拟场景的规模。
type Config struct {
	Consumers      int
	CallsPerAgent  int
	Interval       time.Duration
	InitialBalance decimal.Decimal
	EndpointCost   decimal.Decimal
	Validators     int
	RiskTolerance  float64
}

// Scenario 持有一次模拟运行的全部参与者。
// 所有状态都显式挂在场景对象上，不依赖任何全局变量。
type Scenario struct {
	Ledger   *ledger.Ledger
	Registry *agent.Registry
	Runtime  *agent.Runtime

	Consumers []*agent.Agent
	Provider  *agent.Agent
	Voters    []*agent.ValidatorVoter
}

// Summary 汇总一次模拟运行的结果。
type Summary struct {
	Calls    int `json:"calls"`
	Paid     int `json:"paid"`
	Failures int `json:"failures"`
}

// Setup 创建模拟所需的钱包与智能体：若干消费者、一个服务提供者
// 和一组验证者，并返回可直接接入共识引擎的投票方。
func Setup(cfg Config, l *ledger.Ledger, registry *agent.Registry, runtime *agent.Runtime) (*Scenario, error) {
	if cfg.Consumers <= 0 {
		cfg.Consumers = 3
	}
	if cfg.Validators <= 0 {
		cfg.Validators = 3
	}
	if !cfg.InitialBalance.IsPositive() {
		cfg.InitialBalance = decimal.NewFromInt(100)
	}
	if !cfg.EndpointCost.IsPositive() {
		cfg.EndpointCost = decimal.NewFromInt(10)
	}
	if cfg.RiskTolerance <= 0 {
		cfg.RiskTolerance = 0.6
	}

	scenario := &Scenario{Ledger: l, Registry: registry, Runtime: runtime}

	providerWallet, err := l.CreateWallet("data-supplier", decimal.Zero)
	if err != nil {
		return nil, err
	}
	provider, err := registry.Register("data-supplier", agent.RoleAPIProvider, providerWallet.ID,
		agent.WithEndpoint("fetch_data", cfg.EndpointCost))
	if err != nil {
		return nil, err
	}
	scenario.Provider = provider

	for i := 0; i < cfg.Consumers; i++ {
		name := fmt.Sprintf("consumer-%d", i+1)
		wallet, err := l.CreateWallet(name, cfg.InitialBalance)
		if err != nil {
			return nil, err
		}
		consumer, err := registry.Register(name, agent.RoleAPIConsumer, wallet.ID)
		if err != nil {
			return nil, err
		}
		scenario.Consumers = append(scenario.Consumers, consumer)
	}

	for i := 0; i < cfg.Validators; i++ {
		name := fmt.Sprintf("validator-%d", i+1)
		wallet, err := l.CreateWallet(name, decimal.Zero)
		if err != nil {
			return nil, err
		}
		validator, err := registry.Register(name, agent.RolePaymentValidator, wallet.ID,
			agent.WithRiskTolerance(cfg.RiskTolerance))
		if err != nil {
			return nil, err
		}
		voter, err := agent.NewValidatorVoter(validator)
		if err != nil {
			return nil, err
		}
		scenario.Voters = append(scenario.Voters, voter)
	}

	return scenario, nil
}

// Run 并发驱动所有消费者调用服务提供者的收费端点。
// 每个消费者跑在独立协程中，上下文取消时立即收敛。
func (s *Scenario) Run(ctx context.Context, cfg Config) (Summary, error) {
	if s == nil || s.Runtime == nil {
		return Summary{}, xerrors.New(xerrors.CodeInitializationFailure, "模拟场景未初始化")
	}
	if cfg.CallsPerAgent <= 0 {
		cfg.CallsPerAgent = 5
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 100 * time.Millisecond
	}

	var (
		mu      sync.Mutex
		summary Summary
		wg      sync.WaitGroup
	)
	for _, consumer := range s.Consumers {
		wg.Add(1)
		go func(consumer *agent.Agent) {
			defer wg.Done()
			for i := 0; i < cfg.CallsPerAgent; i++ {
				select {
				case <-ctx.Done():
					return
				default:
				}

				call, err := s.Runtime.CallAPI(ctx, consumer.ID, s.Provider.ID, "fetch_data", true)
				mu.Lock()
				summary.Calls++
				if err != nil {
					summary.Failures++
				} else if call.TxID != "" && call.TxStatus != payment.StatusBlocked {
					summary.Paid++
				}
				mu.Unlock()
				if err != nil {
					logger.L().Warn("模拟调用失败",
						slog.String("consumer", consumer.Name),
						slog.Any("error", err),
					)
				}

				select {
				case <-ctx.Done():
					return
				case <-time.After(cfg.Interval):
				}
			}
		}(consumer)
	}
	wg.Wait()

	logger.Audit().Info("模拟场景执行完毕",
		slog.Int("calls", summary.Calls),
		slog.Int("paid", summary.Paid),
		slog.Int("failures", summary.Failures),
	)
	return summary, ctx.Err()
}
