package consensus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/payment"
)

type stubVoter struct {
	id      string
	approve bool
	err     error
	delay   time.Duration
}

func (v *stubVoter) ID() string { return v.id }

func (v *stubVoter) Vote(ctx context.Context, tx *payment.Transaction) (bool, error) {
	if v.delay > 0 {
		select {
		case <-time.After(v.delay):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	return v.approve, v.err
}

func pendingTx(amount int64) *payment.Transaction {
	return &payment.Transaction{
		TxID:       "tx-1",
		FromWallet: "wallet-a",
		ToWallet:   "wallet-b",
		Amount:     decimal.NewFromInt(amount),
		Status:     payment.StatusPending,
	}
}

func TestDecideMajorityApproves(t *testing.T) {
	engine := NewEngine([]Voter{
		&stubVoter{id: "v1", approve: true},
		&stubVoter{id: "v2", approve: true},
		&stubVoter{id: "v3", approve: false},
	})

	decision, err := engine.Decide(context.Background(), pendingTx(30))
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if decision.Status != payment.StatusApproved {
		t.Fatalf("expected APPROVED, got %s", decision.Status)
	}
	if len(decision.Votes) != 3 {
		t.Fatalf("expected 3 recorded votes, got %d", len(decision.Votes))
	}
	if !decision.Votes["v1"] || !decision.Votes["v2"] || decision.Votes["v3"] {
		t.Fatalf("unexpected vote record: %v", decision.Votes)
	}
}

func TestDecideMinorityBlocks(t *testing.T) {
	engine := NewEngine([]Voter{
		&stubVoter{id: "v1", approve: true},
		&stubVoter{id: "v2", approve: false},
		&stubVoter{id: "v3", approve: false},
	})

	decision, err := engine.Decide(context.Background(), pendingTx(30))
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if decision.Status != payment.StatusBlocked {
		t.Fatalf("expected BLOCKED, got %s", decision.Status)
	}
}

func TestDecideTieBlocks(t *testing.T) {
	engine := NewEngine([]Voter{
		&stubVoter{id: "v1", approve: true},
		&stubVoter{id: "v2", approve: false},
	})

	decision, err := engine.Decide(context.Background(), pendingTx(30))
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if decision.Status != payment.StatusBlocked {
		t.Fatalf("tie should block, got %s", decision.Status)
	}
}

func TestDecideWithoutValidatorsBlocks(t *testing.T) {
	engine := NewEngine(nil)

	decision, err := engine.Decide(context.Background(), pendingTx(30))
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if decision.Status != payment.StatusBlocked {
		t.Fatalf("empty validator set should block, got %s", decision.Status)
	}
	if len(decision.Votes) != 0 {
		t.Fatalf("expected no votes, got %v", decision.Votes)
	}
}

func TestDecideSlowVoterCountsAsRejection(t *testing.T) {
	engine := NewEngine([]Voter{
		&stubVoter{id: "v1", approve: true},
		&stubVoter{id: "v2", approve: true, delay: 500 * time.Millisecond},
		&stubVoter{id: "v3", approve: false},
	}, WithVoteTimeout(50*time.Millisecond))

	decision, err := engine.Decide(context.Background(), pendingTx(30))
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if decision.Status != payment.StatusBlocked {
		t.Fatalf("expected timed-out vote to block, got %s", decision.Status)
	}
	if decision.Votes["v2"] {
		t.Fatalf("timed-out voter should be recorded as rejection")
	}
}

func TestDecideVoterErrorCountsAsRejection(t *testing.T) {
	engine := NewEngine([]Voter{
		&stubVoter{id: "v1", approve: true},
		&stubVoter{id: "v2", approve: true, err: errors.New("validator offline")},
		&stubVoter{id: "v3", approve: true},
	})

	decision, err := engine.Decide(context.Background(), pendingTx(30))
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if decision.Status != payment.StatusApproved {
		t.Fatalf("two healthy approvals out of three should pass, got %s", decision.Status)
	}
	if decision.Votes["v2"] {
		t.Fatalf("erroring voter should be recorded as rejection")
	}
}

func TestDecideRejectsDecidedTransaction(t *testing.T) {
	engine := NewEngine([]Voter{&stubVoter{id: "v1", approve: true}})

	for _, status := range []payment.Status{
		payment.StatusApproved,
		payment.StatusBlocked,
		payment.StatusSettled,
		payment.StatusFailed,
	} {
		tx := pendingTx(30)
		tx.Status = status
		if _, err := engine.Decide(context.Background(), tx); err == nil {
			t.Fatalf("expected error for status %s", status)
		} else if xerrors.CodeOf(err) != xerrors.CodeAlreadyDecided {
			t.Fatalf("unexpected error code for status %s: %s", status, xerrors.CodeOf(err))
		}
	}

	if _, err := engine.Decide(context.Background(), nil); err == nil {
		t.Fatalf("expected error for nil transaction")
	}
}

func TestDecideKeepsPrecomputedRiskScore(t *testing.T) {
	engine := NewEngine([]Voter{&stubVoter{id: "v1", approve: true}},
		WithScorer(NewAmountScorer(nil, decimal.NewFromInt(1000))))

	tx := pendingTx(30)
	tx.RiskScore = 0.42
	decision, err := engine.Decide(context.Background(), tx)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if decision.RiskScore != 0.42 {
		t.Fatalf("expected precomputed score 0.42, got %f", decision.RiskScore)
	}
}

func TestAmountScorerDeterministic(t *testing.T) {
	scorer := NewAmountScorer(nil, decimal.NewFromInt(1000))
	ctx := context.Background()

	tx := pendingTx(30)
	first := scorer.Score(ctx, tx)
	for i := 0; i < 10; i++ {
		if got := scorer.Score(ctx, tx); got != first {
			t.Fatalf("score changed between runs: %f != %f", got, first)
		}
	}
}

func TestAmountScorerMonotonicInAmount(t *testing.T) {
	scorer := NewAmountScorer(nil, decimal.NewFromInt(1000))
	ctx := context.Background()

	small := scorer.Score(ctx, pendingTx(10))
	large := scorer.Score(ctx, pendingTx(900))
	if large <= small {
		t.Fatalf("larger amount should score higher: %f <= %f", large, small)
	}
}

func TestAmountScorerBounds(t *testing.T) {
	scorer := NewAmountScorer(nil, decimal.NewFromInt(1000))
	ctx := context.Background()

	for _, amount := range []int64{1, 500, 1000, 100000} {
		score := scorer.Score(ctx, pendingTx(amount))
		if score < 0 || score > 1 {
			t.Fatalf("score out of range for amount %d: %f", amount, score)
		}
	}

	if got := scorer.Score(ctx, nil); got != 1 {
		t.Fatalf("nil transaction should score 1, got %f", got)
	}
	zero := pendingTx(30)
	zero.Amount = decimal.Zero
	if got := scorer.Score(ctx, zero); got != 1 {
		t.Fatalf("non-positive amount should score 1, got %f", got)
	}
}
