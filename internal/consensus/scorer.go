package consensus

import (
	"context"

	"github.com/shopspring/decimal"

	"AgentPay-Chain/internal/payment"
)

// Scorer 为交易计算 [0, 1] 区间内的风险分。
type Scorer interface {
	Score(ctx context.Context, tx *payment.Transaction) float64
}

// History 提供付款方的历史结算数据，用于评估金额偏离程度。
type History interface {
	// AverageAmount 返回指定钱包已结算交易的平均金额与样本数。
	AverageAmount(ctx context.Context, walletID string) (decimal.Decimal, int, error)
}

// AmountScorer 基于交易金额的确定性风险评分器。
//
// 两个信号各占一半权重：
//   - 绝对金额相对高额阈值的比例（金额越大风险越高，单调递增）；
//   - 金额相对付款方历史均值的偏离（无历史时取中性值 0.5）。
type AmountScorer struct {
	history   History
	highValue decimal.Decimal
}

// NewAmountScorer 构造金额评分器。highValue 必须为正数。
func NewAmountScorer(history History, highValue decimal.Decimal) *AmountScorer {
	if !highValue.IsPositive() {
		highValue = decimal.NewFromInt(1000)
	}
	return &AmountScorer{history: history, highValue: highValue}
}

// Score 计算交易的风险分。相同输入总是得到相同输出。
func (s *AmountScorer) Score(ctx context.Context, tx *payment.Transaction) float64 {
	if tx == nil || !tx.Amount.IsPositive() {
		return 1
	}

	magnitude := ratioCapped(tx.Amount, s.highValue)

	deviation := 0.5
	if s.history != nil {
		if avg, samples, err := s.history.AverageAmount(ctx, tx.FromWallet); err == nil && samples > 0 && avg.IsPositive() {
			// 与历史均值持平约 0.33，三倍以上封顶为 1。
			deviation = ratioCapped(tx.Amount, avg.Mul(decimal.NewFromInt(3)))
		}
	}

	score := 0.5*magnitude + 0.5*deviation
	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}
	return score
}

// ratioCapped 返回 num/den 并封顶为 1。
func ratioCapped(num, den decimal.Decimal) float64 {
	if !den.IsPositive() {
		return 1
	}
	ratio, _ := num.Div(den).Float64()
	if ratio > 1 {
		return 1
	}
	if ratio < 0 {
		return 0
	}
	return ratio
}

// StoreHistory 基于交易存储实现 History。
type StoreHistory struct {
	store      payment.Store
	sampleSize int
}

// NewStoreHistory 构造基于交易存储的历史数据源。
func NewStoreHistory(store payment.Store, sampleSize int) *StoreHistory {
	if sampleSize <= 0 {
		sampleSize = 50
	}
	return &StoreHistory{store: store, sampleSize: sampleSize}
}

// AverageAmount 统计指定钱包最近已结算交易的平均金额。
func (h *StoreHistory) AverageAmount(ctx context.Context, walletID string) (decimal.Decimal, int, error) {
	txs, err := h.store.List(ctx, payment.ListOptions{
		FromWallet: walletID,
		Statuses:   []payment.Status{payment.StatusSettled},
		Limit:      h.sampleSize,
	})
	if err != nil {
		return decimal.Zero, 0, err
	}
	if len(txs) == 0 {
		return decimal.Zero, 0, nil
	}
	total := decimal.Zero
	for _, tx := range txs {
		total = total.Add(tx.Amount)
	}
	return total.Div(decimal.NewFromInt(int64(len(txs)))), len(txs), nil
}

var _ History = (*StoreHistory)(nil)
