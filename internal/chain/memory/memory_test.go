package memory

import (
	"context"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"AgentPay-Chain/internal/chain"
	xerrors "AgentPay-Chain/internal/errors"
)

func settleRequest(txID string) chain.SettlementRequest {
	return chain.SettlementRequest{
		TxID:       txID,
		FromWallet: "wallet-a",
		ToWallet:   "wallet-b",
		Amount:     decimal.NewFromInt(30),
	}
}

func TestSettleIsIdempotent(t *testing.T) {
	client := NewClient("test")
	ctx := context.Background()

	first, err := client.Settle(ctx, settleRequest("tx-1"))
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !strings.HasPrefix(first, "0x") {
		t.Fatalf("unexpected hash format: %s", first)
	}

	second, err := client.Settle(ctx, settleRequest("tx-1"))
	if err != nil {
		t.Fatalf("repeat settle: %v", err)
	}
	if first != second {
		t.Fatalf("repeat settle changed the hash: %s != %s", first, second)
	}
	if client.Anchored() != 1 {
		t.Fatalf("expected 1 anchored settlement, got %d", client.Anchored())
	}

	other, err := client.Settle(ctx, settleRequest("tx-2"))
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if other == first {
		t.Fatalf("distinct transactions share a hash")
	}
}

func TestSettleRejectsEmptyTxID(t *testing.T) {
	client := NewClient("test")
	if _, err := client.Settle(context.Background(), settleRequest("")); err == nil {
		t.Fatalf("expected empty tx id to be rejected")
	}
}

func TestFailNextInjectsRetryableErrors(t *testing.T) {
	client := NewClient("test")
	ctx := context.Background()
	client.FailNext(2)

	for i := 0; i < 2; i++ {
		if _, err := client.Settle(ctx, settleRequest("tx-1")); err == nil {
			t.Fatalf("expected injected failure %d", i+1)
		} else if xerrors.CodeOf(err) != xerrors.CodeSettlementFailed {
			t.Fatalf("unexpected error code: %s", xerrors.CodeOf(err))
		}
	}

	if _, err := client.Settle(ctx, settleRequest("tx-1")); err != nil {
		t.Fatalf("settle after failures drained: %v", err)
	}
	if client.Anchored() != 1 {
		t.Fatalf("failed attempts must not anchor, got %d", client.Anchored())
	}
}

func TestFetchChainSnapshotTracksHeight(t *testing.T) {
	client := NewClient("local")
	ctx := context.Background()

	snapshot, err := client.FetchChainSnapshot(ctx)
	if err != nil {
		t.Fatalf("fetch snapshot: %v", err)
	}
	if snapshot.BlockNumber != "0x0" {
		t.Fatalf("unexpected initial height: %s", snapshot.BlockNumber)
	}

	if _, err := client.Settle(ctx, settleRequest("tx-1")); err != nil {
		t.Fatalf("settle: %v", err)
	}
	snapshot, err = client.FetchChainSnapshot(ctx)
	if err != nil {
		t.Fatalf("fetch snapshot: %v", err)
	}
	if snapshot.BlockNumber != "0x1" {
		t.Fatalf("height not advanced: %s", snapshot.BlockNumber)
	}
	if snapshot.Notes != "local" {
		t.Fatalf("unexpected notes: %s", snapshot.Notes)
	}
}
