package settlement

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	chainmemory "AgentPay-Chain/internal/chain/memory"
	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/ledger"
	"AgentPay-Chain/internal/payment"
)

func newRecorderFixture(t *testing.T) (*Recorder, *ledger.Ledger, *chainmemory.Client, *Log, *payment.Transaction) {
	t.Helper()

	wallets := ledger.New()
	payer, err := wallets.CreateWallet("payer", decimal.NewFromInt(100))
	if err != nil {
		t.Fatalf("create payer: %v", err)
	}
	payee, err := wallets.CreateWallet("payee", decimal.Zero)
	if err != nil {
		t.Fatalf("create payee: %v", err)
	}

	tx := &payment.Transaction{
		TxID:       "tx-1",
		FromWallet: payer.ID,
		ToWallet:   payee.ID,
		Amount:     decimal.NewFromInt(30),
		Status:     payment.StatusApproved,
		RiskScore:  0.3,
	}
	if err := wallets.Reserve(tx.TxID, payer.ID, payee.ID, tx.Amount); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	backend := chainmemory.NewClient("test")
	log, err := NewLog("")
	if err != nil {
		t.Fatalf("new log: %v", err)
	}
	return NewRecorder(wallets, backend, log), wallets, backend, log, tx
}

func TestSettleCommitsAndRecords(t *testing.T) {
	recorder, wallets, backend, log, tx := newRecorderFixture(t)

	hash, err := recorder.Settle(context.Background(), tx)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if hash == "" {
		t.Fatalf("expected settlement hash")
	}
	if backend.Anchored() != 1 {
		t.Fatalf("expected 1 anchored settlement, got %d", backend.Anchored())
	}

	payerBalance, _ := wallets.Balance(tx.FromWallet)
	payeeBalance, _ := wallets.Balance(tx.ToWallet)
	if !payerBalance.Equal(decimal.NewFromInt(70)) || !payeeBalance.Equal(decimal.NewFromInt(30)) {
		t.Fatalf("unexpected balances: payer=%s payee=%s", payerBalance, payeeBalance)
	}

	records := log.ReadSince(0)
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].Status != RecordApproved || records[0].TxHash != hash {
		t.Fatalf("unexpected record: %+v", records[0])
	}
}

func TestSettleIdempotent(t *testing.T) {
	recorder, wallets, _, log, tx := newRecorderFixture(t)
	ctx := context.Background()

	first, err := recorder.Settle(ctx, tx)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	second, err := recorder.Settle(ctx, tx)
	if err != nil {
		t.Fatalf("repeat settle: %v", err)
	}
	if first != second {
		t.Fatalf("repeat settle returned different hash: %s != %s", first, second)
	}

	// 划转只发生一次。
	payerBalance, _ := wallets.Balance(tx.FromWallet)
	if !payerBalance.Equal(decimal.NewFromInt(70)) {
		t.Fatalf("duplicate settle moved funds twice: %s", payerBalance)
	}
	if log.Len() != 1 {
		t.Fatalf("duplicate settle wrote extra records: %d", log.Len())
	}
}

func TestSettleConcurrent(t *testing.T) {
	recorder, wallets, _, log, tx := newRecorderFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	hashes := make(chan string, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hash, err := recorder.Settle(ctx, tx)
			if err != nil {
				t.Errorf("concurrent settle: %v", err)
				return
			}
			hashes <- hash
		}()
	}
	wg.Wait()
	close(hashes)

	unique := make(map[string]struct{})
	for hash := range hashes {
		unique[hash] = struct{}{}
	}
	if len(unique) != 1 {
		t.Fatalf("concurrent settle produced %d distinct hashes", len(unique))
	}

	payerBalance, _ := wallets.Balance(tx.FromWallet)
	if !payerBalance.Equal(decimal.NewFromInt(70)) {
		t.Fatalf("concurrent settle double-spent: %s", payerBalance)
	}
	if log.Len() != 1 {
		t.Fatalf("expected a single record, got %d", log.Len())
	}
}

func TestSettleBackendFailureKeepsReservation(t *testing.T) {
	recorder, wallets, backend, log, tx := newRecorderFixture(t)
	backend.FailNext(1)

	if _, err := recorder.Settle(context.Background(), tx); err == nil {
		t.Fatalf("expected settlement failure")
	} else if xerrors.CodeOf(err) != xerrors.CodeSettlementFailed {
		t.Fatalf("unexpected error code: %s", xerrors.CodeOf(err))
	}

	// 失败后资金仍处于预留状态，没有任何划转或流水。
	if _, ok := wallets.Reservation(tx.TxID); !ok {
		t.Fatalf("reservation must survive settlement failure")
	}
	payerBalance, _ := wallets.Balance(tx.FromWallet)
	if !payerBalance.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("failed settle moved funds: %s", payerBalance)
	}
	if log.Len() != 0 {
		t.Fatalf("failed settle wrote records: %d", log.Len())
	}

	// 重试成功后完成划转。
	hash, err := recorder.Settle(context.Background(), tx)
	if err != nil {
		t.Fatalf("retry settle: %v", err)
	}
	if hash == "" {
		t.Fatalf("expected settlement hash on retry")
	}
	payerBalance, _ = wallets.Balance(tx.FromWallet)
	if !payerBalance.Equal(decimal.NewFromInt(70)) {
		t.Fatalf("retry did not commit funds: %s", payerBalance)
	}
}

func TestRecordBlockedDeduplicates(t *testing.T) {
	recorder, _, _, log, tx := newRecorderFixture(t)
	ctx := context.Background()

	if err := recorder.RecordBlocked(ctx, tx); err != nil {
		t.Fatalf("record blocked: %v", err)
	}
	if err := recorder.RecordBlocked(ctx, tx); err != nil {
		t.Fatalf("repeat record blocked: %v", err)
	}

	if log.Len() != 1 {
		t.Fatalf("expected a single blocked record, got %d", log.Len())
	}
	record := log.ReadSince(0)[0]
	if record.Status != RecordBlocked || record.TxHash != "" {
		t.Fatalf("unexpected record: %+v", record)
	}
}

func TestRecordFailed(t *testing.T) {
	recorder, _, _, log, tx := newRecorderFixture(t)

	if err := recorder.RecordFailed(context.Background(), tx); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	records := log.ReadSince(0)
	if len(records) != 1 || records[0].Status != RecordFailed {
		t.Fatalf("unexpected records: %+v", records)
	}
}
