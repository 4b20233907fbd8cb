package sim

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"AgentPay-Chain/internal/agent"
	chainmemory "AgentPay-Chain/internal/chain/memory"
	"AgentPay-Chain/internal/consensus"
	"AgentPay-Chain/internal/ledger"
	"AgentPay-Chain/internal/payment"
	"AgentPay-Chain/internal/settlement"
)

func TestSetupCreatesParticipants(t *testing.T) {
	l := ledger.New()
	registry := agent.NewRegistry()

	cfg := Config{
		Consumers:      2,
		Validators:     3,
		InitialBalance: decimal.NewFromInt(100),
		EndpointCost:   decimal.NewFromInt(10),
		RiskTolerance:  0.6,
	}
	scenario, err := Setup(cfg, l, registry, nil)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	if len(scenario.Consumers) != 2 {
		t.Fatalf("expected 2 consumers, got %d", len(scenario.Consumers))
	}
	if len(scenario.Voters) != 3 {
		t.Fatalf("expected 3 voters, got %d", len(scenario.Voters))
	}
	if scenario.Provider == nil || !scenario.Provider.CanProvide() {
		t.Fatalf("provider not created correctly: %+v", scenario.Provider)
	}
	if !scenario.Provider.EndpointCost("fetch_data").Equal(decimal.NewFromInt(10)) {
		t.Fatalf("endpoint cost not registered: %s", scenario.Provider.EndpointCost("fetch_data"))
	}

	for _, consumer := range scenario.Consumers {
		balance, err := l.Balance(consumer.WalletID)
		if err != nil {
			t.Fatalf("consumer wallet missing: %v", err)
		}
		if !balance.Equal(decimal.NewFromInt(100)) {
			t.Fatalf("unexpected consumer balance: %s", balance)
		}
	}
	if len(registry.Validators()) != 3 {
		t.Fatalf("validators not registered: %d", len(registry.Validators()))
	}
}

func TestRunDrivesPaidCalls(t *testing.T) {
	l := ledger.New()
	registry := agent.NewRegistry()

	store := payment.NewMemoryStore()
	queue := payment.NewMemoryQueue(64)
	txLog, err := settlement.NewLog("")
	if err != nil {
		t.Fatalf("new settlement log: %v", err)
	}
	recorder := settlement.NewRecorder(l, chainmemory.NewClient("sim"), txLog)
	service := payment.NewService(store, queue, l, 3, payment.WithServiceRecorder(recorder))

	cfg := Config{
		Consumers:      2,
		CallsPerAgent:  3,
		Interval:       time.Millisecond,
		InitialBalance: decimal.NewFromInt(100),
		EndpointCost:   decimal.NewFromInt(10),
		Validators:     3,
		RiskTolerance:  0.6,
	}
	scenario, err := Setup(cfg, l, registry, agent.NewRuntime(registry, service))
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	voters := make([]consensus.Voter, len(scenario.Voters))
	for i, voter := range scenario.Voters {
		voters[i] = voter
	}
	engine := consensus.NewEngine(voters,
		consensus.WithScorer(consensus.NewAmountScorer(nil, decimal.NewFromInt(1000))))
	processor := payment.NewProcessor(engine, recorder, store, l, queue, queue,
		payment.WithWorkerCount(2))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = processor.Start(ctx) }()

	summary, err := scenario.Run(ctx, cfg)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Calls != 6 {
		t.Fatalf("expected 6 calls, got %d", summary.Calls)
	}
	if summary.Failures != 0 {
		t.Fatalf("expected no failures, got %d", summary.Failures)
	}
	if summary.Paid != 6 {
		t.Fatalf("expected all calls paid, got %d", summary.Paid)
	}

	// 低风险小额支付全部放行，供应方最终收到全部费用。
	deadline := time.Now().Add(5 * time.Second)
	expected := decimal.NewFromInt(60)
	for time.Now().Before(deadline) {
		balance, err := l.Balance(scenario.Provider.WalletID)
		if err != nil {
			t.Fatalf("provider balance: %v", err)
		}
		if balance.Equal(expected) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	balance, _ := l.Balance(scenario.Provider.WalletID)
	t.Fatalf("provider did not receive all payments: %s != %s", balance, expected)
}
