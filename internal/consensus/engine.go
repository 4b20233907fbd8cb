package consensus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/payment"
	"AgentPay-Chain/pkg/logger"
)

// Voter 定义一个可以对交易投票的验证者。
// 返回 true 表示赞成放行，false 表示要求拦截。
type Voter interface {
	ID() string
	Vote(ctx context.Context, tx *payment.Transaction) (bool, error)
}

// Engine 以并发投票的方式对 PENDING 交易做出裁决。
//
// 裁决规则：
//   - 每个验证者在独立协程中投票，互不阻塞；
//   - 单票超过 voteTimeout 未返回（或返回错误）按反对票计；
//   - 严格多数赞成才放行，平票与零验证者一律拦截。
type Engine struct {
	mu          sync.RWMutex
	voters      []Voter
	scorer      Scorer
	voteTimeout time.Duration
}

// Option 定义引擎的可选配置。
type Option func(*Engine)

// WithScorer 配置风险评分器。
func WithScorer(scorer Scorer) Option {
	return func(e *Engine) {
		e.scorer = scorer
	}
}

// WithVoteTimeout 配置单票超时时间。
func WithVoteTimeout(timeout time.Duration) Option {
	return func(e *Engine) {
		if timeout > 0 {
			e.voteTimeout = timeout
		}
	}
}

// NewEngine 构造共识引擎。验证者集合在构造时固定。
func NewEngine(voters []Voter, opts ...Option) *Engine {
	e := &Engine{
		voters:      append([]Voter(nil), voters...),
		voteTimeout: 2 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Voters 返回当前验证者数量。
func (e *Engine) Voters() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.voters)
}

// Decide 对一笔交易执行共识裁决。
// 对已有结论的交易返回 AlreadyDecided 错误，不会重复计票。
func (e *Engine) Decide(ctx context.Context, tx *payment.Transaction) (*payment.Decision, error) {
	if tx == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "交易不能为空")
	}
	if tx.Terminal() || tx.Status != payment.StatusPending {
		return nil, xerrors.New(xerrors.CodeAlreadyDecided, "交易已有共识结论",
			xerrors.WithMetadata("tx_id", tx.TxID),
			xerrors.WithMetadata("status", string(tx.Status)))
	}

	riskScore := tx.RiskScore
	if riskScore == 0 && e.scorer != nil {
		riskScore = e.scorer.Score(ctx, tx)
	}
	scored := *tx
	scored.RiskScore = riskScore

	e.mu.RLock()
	voters := e.voters
	timeout := e.voteTimeout
	e.mu.RUnlock()

	votes := e.collectVotes(ctx, voters, &scored, timeout)

	approvals := 0
	for _, approve := range votes {
		if approve {
			approvals++
		}
	}

	status := payment.StatusBlocked
	// 严格多数：赞成票必须超过验证者总数的一半。
	if len(voters) > 0 && approvals*2 > len(voters) {
		status = payment.StatusApproved
	}

	logger.L().Debug("共识计票完成",
		slog.String("tx_id", tx.TxID),
		slog.Int("validators", len(voters)),
		slog.Int("approvals", approvals),
		slog.Float64("risk_score", riskScore),
		slog.String("verdict", string(status)),
	)

	return &payment.Decision{
		Status:    status,
		RiskScore: riskScore,
		Votes:     votes,
	}, nil
}

// collectVotes 并发收集所有验证者的选票。
func (e *Engine) collectVotes(ctx context.Context, voters []Voter, tx *payment.Transaction, timeout time.Duration) map[string]bool {
	type ballot struct {
		voterID string
		approve bool
	}

	results := make(chan ballot, len(voters))
	var wg sync.WaitGroup
	for _, voter := range voters {
		wg.Add(1)
		go func(v Voter) {
			defer wg.Done()
			voteCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan ballot, 1)
			go func() {
				approve, err := v.Vote(voteCtx, tx)
				if err != nil {
					// 投票出错按反对票处理。
					logger.L().Warn("验证者投票失败",
						slog.String("validator", v.ID()),
						slog.String("tx_id", tx.TxID),
						slog.Any("error", err),
					)
					approve = false
				}
				done <- ballot{voterID: v.ID(), approve: approve}
			}()

			select {
			case b := <-done:
				results <- b
			case <-voteCtx.Done():
				// 超时视为反对票。
				results <- ballot{voterID: v.ID(), approve: false}
			}
		}(voter)
	}
	wg.Wait()
	close(results)

	votes := make(map[string]bool, len(voters))
	for b := range results {
		votes[b.voterID] = b.approve
	}
	return votes
}

var _ payment.Decider = (*Engine)(nil)
