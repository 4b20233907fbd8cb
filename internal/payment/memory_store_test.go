package payment

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func newStoredTx(t *testing.T, store *MemoryStore, txID string) *Transaction {
	t.Helper()
	tx := &Transaction{
		TxID:       txID,
		FromWallet: "wallet-a",
		ToWallet:   "wallet-b",
		Amount:     decimal.NewFromInt(30),
		Status:     StatusPending,
		MaxRetries: 3,
	}
	if err := store.Create(context.Background(), tx); err != nil {
		t.Fatalf("create transaction: %v", err)
	}
	return tx
}

func TestMemoryStoreCreateAndGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	newStoredTx(t, store, "tx-1")

	got, err := store.Get(ctx, "tx-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusPending {
		t.Fatalf("unexpected status: %s", got.Status)
	}
	if got.CreatedAt == 0 || got.UpdatedAt == 0 {
		t.Fatalf("timestamps not assigned: created=%d updated=%d", got.CreatedAt, got.UpdatedAt)
	}

	if err := store.Create(ctx, &Transaction{TxID: "tx-1"}); !errors.Is(err, ErrTxConflict) {
		t.Fatalf("expected conflict on duplicate create, got %v", err)
	}
	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrTxNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryStoreClaim(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	newStoredTx(t, store, "tx-1")

	for attempt := 1; attempt <= 3; attempt++ {
		tx, err := store.Claim(ctx, "tx-1")
		if err != nil {
			t.Fatalf("claim %d: %v", attempt, err)
		}
		if tx.Attempts != attempt {
			t.Fatalf("expected attempts %d, got %d", attempt, tx.Attempts)
		}
	}

	if _, err := store.Claim(ctx, "tx-1"); !errors.Is(err, ErrTxExhausted) {
		t.Fatalf("expected exhausted after max retries, got %v", err)
	}
}

func TestMemoryStoreClaimTerminal(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	newStoredTx(t, store, "tx-1")

	if err := store.MarkDecided(ctx, "tx-1", StatusBlocked, 0.9, map[string]bool{"v1": false}); err != nil {
		t.Fatalf("mark decided: %v", err)
	}
	if _, err := store.Claim(ctx, "tx-1"); !errors.Is(err, ErrTxDecided) {
		t.Fatalf("expected decided error for terminal claim, got %v", err)
	}
}

func TestMemoryStoreMarkDecided(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	newStoredTx(t, store, "tx-1")

	votes := map[string]bool{"v1": true, "v2": true, "v3": false}
	if err := store.MarkDecided(ctx, "tx-1", StatusApproved, 0.3, votes); err != nil {
		t.Fatalf("mark decided: %v", err)
	}

	got, _ := store.Get(ctx, "tx-1")
	if got.Status != StatusApproved {
		t.Fatalf("unexpected status: %s", got.Status)
	}
	if got.RiskScore != 0.3 {
		t.Fatalf("unexpected risk score: %f", got.RiskScore)
	}
	if len(got.Votes) != 3 || !got.Votes["v1"] || got.Votes["v3"] {
		t.Fatalf("votes not persisted: %v", got.Votes)
	}

	// 重复裁决被拒绝。
	if err := store.MarkDecided(ctx, "tx-1", StatusBlocked, 0.9, nil); !errors.Is(err, ErrTxDecided) {
		t.Fatalf("expected decided error on second decision, got %v", err)
	}

	if err := store.MarkDecided(ctx, "tx-1", StatusSettled, 0, nil); err == nil {
		t.Fatalf("expected invalid verdict status to be rejected")
	}
}

func TestMemoryStoreMarkSettled(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	newStoredTx(t, store, "tx-1")

	// 未经批准的交易不能结算。
	if err := store.MarkSettled(ctx, "tx-1", "0xabc"); !errors.Is(err, ErrTxConflict) {
		t.Fatalf("expected conflict for pending settle, got %v", err)
	}

	if err := store.MarkDecided(ctx, "tx-1", StatusApproved, 0.3, nil); err != nil {
		t.Fatalf("mark decided: %v", err)
	}
	if err := store.MarkSettled(ctx, "tx-1", "0xabc"); err != nil {
		t.Fatalf("mark settled: %v", err)
	}

	got, _ := store.Get(ctx, "tx-1")
	if got.Status != StatusSettled {
		t.Fatalf("unexpected status: %s", got.Status)
	}
	if got.SettlementHash != "0xabc" {
		t.Fatalf("unexpected settlement hash: %s", got.SettlementHash)
	}

	if err := store.MarkSettled(ctx, "tx-1", "0xdef"); !errors.Is(err, ErrTxDecided) {
		t.Fatalf("expected decided error on double settle, got %v", err)
	}
}

func TestMemoryStoreMarkFailed(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	newStoredTx(t, store, "tx-1")

	if err := store.MarkFailed(ctx, "tx-1", "SETTLEMENT_FAILED", "temporary outage", false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	got, _ := store.Get(ctx, "tx-1")
	if got.Status != StatusPending {
		t.Fatalf("non-terminal failure should keep status, got %s", got.Status)
	}
	if got.LastError != "temporary outage" || got.ErrorCode != "SETTLEMENT_FAILED" {
		t.Fatalf("failure details not persisted: %+v", got)
	}

	if err := store.MarkFailed(ctx, "tx-1", "TX_RETRIES_EXHAUSTED", "gave up", true); err != nil {
		t.Fatalf("mark failed terminal: %v", err)
	}
	got, _ = store.Get(ctx, "tx-1")
	if got.Status != StatusFailed {
		t.Fatalf("expected FAILED, got %s", got.Status)
	}

	if err := store.MarkFailed(ctx, "tx-1", "X", "again", true); !errors.Is(err, ErrTxDecided) {
		t.Fatalf("terminal transaction must be immutable, got %v", err)
	}
}

func TestMemoryStoreListFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	newStoredTx(t, store, "tx-1")
	newStoredTx(t, store, "tx-2")
	tx3 := &Transaction{
		TxID:       "tx-3",
		FromWallet: "wallet-x",
		ToWallet:   "wallet-b",
		Amount:     decimal.NewFromInt(5),
		Status:     StatusPending,
		MaxRetries: 3,
	}
	if err := store.Create(ctx, tx3); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.MarkDecided(ctx, "tx-2", StatusBlocked, 0.8, nil); err != nil {
		t.Fatalf("mark decided: %v", err)
	}

	pending, err := store.List(ctx, ListOptions{Statuses: []Status{StatusPending}})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending, got %d", len(pending))
	}

	fromX, err := store.List(ctx, ListOptions{FromWallet: "wallet-x"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(fromX) != 1 || fromX[0].TxID != "tx-3" {
		t.Fatalf("from-wallet filter failed: %v", fromX)
	}

	limited, err := store.List(ctx, ListOptions{Limit: 1})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("limit not applied, got %d", len(limited))
	}
}

func TestMemoryStoreListOrdering(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	newStoredTx(t, store, "tx-1")
	newStoredTx(t, store, "tx-2")

	// 直接调整时间戳制造确定的先后顺序。
	store.mu.Lock()
	store.txs["tx-1"].UpdatedAt = 100
	store.txs["tx-2"].UpdatedAt = 200
	store.mu.Unlock()

	desc, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if desc[0].TxID != "tx-2" || desc[1].TxID != "tx-1" {
		t.Fatalf("default order should be newest first: %s, %s", desc[0].TxID, desc[1].TxID)
	}

	asc, err := store.List(ctx, ListOptions{Order: SortByUpdatedAsc})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if asc[0].TxID != "tx-1" || asc[1].TxID != "tx-2" {
		t.Fatalf("ascending order failed: %s, %s", asc[0].TxID, asc[1].TxID)
	}
}

func TestMemoryStoreStats(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	newStoredTx(t, store, "tx-1")
	newStoredTx(t, store, "tx-2")
	newStoredTx(t, store, "tx-3")
	if err := store.MarkDecided(ctx, "tx-1", StatusApproved, 0.2, nil); err != nil {
		t.Fatalf("mark decided: %v", err)
	}
	if err := store.MarkSettled(ctx, "tx-1", "0xabc"); err != nil {
		t.Fatalf("mark settled: %v", err)
	}
	if err := store.MarkDecided(ctx, "tx-2", StatusBlocked, 0.9, nil); err != nil {
		t.Fatalf("mark decided: %v", err)
	}

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 {
		t.Fatalf("unexpected total: %d", stats.Total)
	}
	if stats.Settled != 1 || stats.Blocked != 1 || stats.Pending != 1 {
		t.Fatalf("unexpected breakdown: %+v", stats)
	}
}
