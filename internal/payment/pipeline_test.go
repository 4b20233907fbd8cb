package payment_test

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

// pipeline 把账本、共识、结算与处理器组装成一条完整的支付流水线。
type pipeline struct {
	wallets  *ledger.Ledger
	store    *payment.MemoryStore
	service  *payment.Service
	chain    *chainmemory.Client
	txLog    *settlement.Log
	payer    *ledger.Wallet
	payee    *ledger.Wallet
	shutdown context.CancelFunc
}

// newPipeline 启动一条完整流水线。tolerances 决定每个验证者的风险容忍度。
func newPipeline(t *testing.T, tolerances []float64, maxRetries int) *pipeline {
	t.Helper()

	wallets := ledger.New()
	payer, err := wallets.CreateWallet("payer", decimal.NewFromInt(100))
	if err != nil {
		t.Fatalf("create payer wallet: %v", err)
	}
	payee, err := wallets.CreateWallet("payee", decimal.Zero)
	if err != nil {
		t.Fatalf("create payee wallet: %v", err)
	}

	registry := agent.NewRegistry()
	voters := make([]consensus.Voter, 0, len(tolerances))
	for i, tolerance := range tolerances {
		validator, err := registry.Register("validator", agent.RolePaymentValidator, "",
			agent.WithRiskTolerance(tolerance))
		if err != nil {
			t.Fatalf("register validator %d: %v", i, err)
		}
		voter, err := agent.NewValidatorVoter(validator)
		if err != nil {
			t.Fatalf("new validator voter %d: %v", i, err)
		}
		voters = append(voters, voter)
	}

	store := payment.NewMemoryStore()
	queue := payment.NewMemoryQueue(16)
	chainClient := chainmemory.NewClient("test")
	txLog, err := settlement.NewLog("")
	if err != nil {
		t.Fatalf("new settlement log: %v", err)
	}
	recorder := settlement.NewRecorder(wallets, chainClient, txLog)
	engine := consensus.NewEngine(voters,
		consensus.WithScorer(consensus.NewAmountScorer(nil, decimal.NewFromInt(1000))),
		consensus.WithVoteTimeout(time.Second))

	service := payment.NewService(store, queue, wallets, maxRetries,
		payment.WithServiceRecorder(recorder))
	processor := payment.NewProcessor(engine, recorder, store, wallets, queue, queue,
		payment.WithWorkerCount(2))

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = processor.Start(ctx) }()
	t.Cleanup(cancel)

	return &pipeline{
		wallets:  wallets,
		store:    store,
		service:  service,
		chain:    chainClient,
		txLog:    txLog,
		payer:    payer,
		payee:    payee,
		shutdown: cancel,
	}
}

func (p *pipeline) submitAndWait(t *testing.T, amount int64) *payment.Transaction {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx, err := p.service.Submit(ctx, payment.SubmitRequest{
		FromWallet: p.payer.ID,
		ToWallet:   p.payee.ID,
		Amount:     decimal.NewFromInt(amount),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	final, err := p.service.WaitUntilTerminal(ctx, tx.TxID, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("wait for terminal state: %v", err)
	}
	return final
}

// eventually 轮询断言：终态写入后处理器还有少量收尾工作（释放预留、写流水）。
func eventually(t *testing.T, condition func() bool, message string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met in time: %s", message)
}

func (p *pipeline) balances(t *testing.T) (decimal.Decimal, decimal.Decimal) {
	t.Helper()
	payerBalance, err := p.wallets.Balance(p.payer.ID)
	if err != nil {
		t.Fatalf("payer balance: %v", err)
	}
	payeeBalance, err := p.wallets.Balance(p.payee.ID)
	if err != nil {
		t.Fatalf("payee balance: %v", err)
	}
	return payerBalance, payeeBalance
}

func TestPipelineApprovedPaymentSettles(t *testing.T) {
	// 风险分约 0.27，两票赞成一票反对，应放行并结算。
	p := newPipeline(t, []float64{0.6, 0.6, 0.1}, 3)

	final := p.submitAndWait(t, 30)
	if final.Status != payment.StatusSettled {
		t.Fatalf("expected SETTLED, got %s (last error: %s)", final.Status, final.LastError)
	}
	if final.SettlementHash == "" {
		t.Fatalf("settled transaction must carry a settlement hash")
	}
	if len(final.Votes) != 3 {
		t.Fatalf("expected 3 votes, got %d", len(final.Votes))
	}

	payerBalance, payeeBalance := p.balances(t)
	if !payerBalance.Equal(decimal.NewFromInt(70)) || !payeeBalance.Equal(decimal.NewFromInt(30)) {
		t.Fatalf("unexpected balances: payer=%s payee=%s", payerBalance, payeeBalance)
	}

	records := p.txLog.ReadSince(0)
	if len(records) != 1 {
		t.Fatalf("expected 1 settlement record, got %d", len(records))
	}
	if records[0].Status != settlement.RecordApproved || records[0].TxHash != final.SettlementHash {
		t.Fatalf("unexpected settlement record: %+v", records[0])
	}
	if !records[0].Amount.Equal(decimal.NewFromInt(30)) {
		t.Fatalf("unexpected record amount: %s", records[0].Amount)
	}
}

func TestPipelineBlockedPaymentReleasesFunds(t *testing.T) {
	// 只有一票赞成，多数反对，应拦截并退还预留资金。
	p := newPipeline(t, []float64{0.6, 0.1, 0.1}, 3)

	final := p.submitAndWait(t, 30)
	if final.Status != payment.StatusBlocked {
		t.Fatalf("expected BLOCKED, got %s", final.Status)
	}
	if final.SettlementHash != "" {
		t.Fatalf("blocked transaction must not settle")
	}

	payerBalance, payeeBalance := p.balances(t)
	if !payerBalance.Equal(decimal.NewFromInt(100)) || !payeeBalance.IsZero() {
		t.Fatalf("blocked payment moved funds: payer=%s payee=%s", payerBalance, payeeBalance)
	}
	eventually(t, func() bool {
		snapshot, err := p.wallets.Wallet(p.payer.ID)
		return err == nil && snapshot.Spendable().Equal(decimal.NewFromInt(100))
	}, "reservation released after block")
	if p.chain.Anchored() != 0 {
		t.Fatalf("blocked transaction reached the settlement backend")
	}

	eventually(t, func() bool {
		records := p.txLog.ReadSince(0)
		return len(records) == 1 && records[0].Status == settlement.RecordBlocked
	}, "blocked settlement record written")
}

func TestPipelineInsufficientFundsBlocksImmediately(t *testing.T) {
	p := newPipeline(t, []float64{0.6, 0.6, 0.6}, 3)

	ctx := context.Background()
	tx, err := p.service.Submit(ctx, payment.SubmitRequest{
		FromWallet: p.payer.ID,
		ToWallet:   p.payee.ID,
		Amount:     decimal.NewFromInt(150),
	})
	if err != nil {
		t.Fatalf("insufficient funds must not surface as error: %v", err)
	}
	if tx.Status != payment.StatusBlocked {
		t.Fatalf("expected BLOCKED, got %s", tx.Status)
	}

	payerBalance, _ := p.balances(t)
	if !payerBalance.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("balance changed: %s", payerBalance)
	}
	records := p.txLog.ReadSince(0)
	if len(records) != 1 || records[0].Status != settlement.RecordBlocked {
		t.Fatalf("expected a blocked record, got %+v", records)
	}
}

func TestPipelineSettlementRetry(t *testing.T) {
	p := newPipeline(t, []float64{0.6, 0.6, 0.6}, 3)
	// 第一次结算失败，重投后第二次成功。
	p.chain.FailNext(1)

	final := p.submitAndWait(t, 30)
	if final.Status != payment.StatusSettled {
		t.Fatalf("expected SETTLED after retry, got %s (last error: %s)", final.Status, final.LastError)
	}
	if final.Attempts < 2 {
		t.Fatalf("expected at least 2 attempts, got %d", final.Attempts)
	}

	payerBalance, payeeBalance := p.balances(t)
	if !payerBalance.Equal(decimal.NewFromInt(70)) || !payeeBalance.Equal(decimal.NewFromInt(30)) {
		t.Fatalf("unexpected balances after retry: payer=%s payee=%s", payerBalance, payeeBalance)
	}
}

func TestPipelineSettlementExhaustionFails(t *testing.T) {
	p := newPipeline(t, []float64{0.6, 0.6, 0.6}, 2)
	// 结算持续失败直至重试耗尽。
	p.chain.FailNext(10)

	final := p.submitAndWait(t, 30)
	if final.Status != payment.StatusFailed {
		t.Fatalf("expected FAILED after exhaustion, got %s", final.Status)
	}

	payerBalance, payeeBalance := p.balances(t)
	if !payerBalance.Equal(decimal.NewFromInt(100)) || !payeeBalance.IsZero() {
		t.Fatalf("failed payment moved funds: payer=%s payee=%s", payerBalance, payeeBalance)
	}
	eventually(t, func() bool {
		snapshot, err := p.wallets.Wallet(p.payer.ID)
		return err == nil && snapshot.Spendable().Equal(decimal.NewFromInt(100))
	}, "reservation released after failure")

	eventually(t, func() bool {
		records := p.txLog.ReadSince(0)
		return len(records) == 1 && records[0].Status == settlement.RecordFailed
	}, "failed settlement record written")
}
