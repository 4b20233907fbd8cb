package payment

import "context"

// Store 抽象了交易状态的持久化接口。
type Store interface {
	Create(ctx context.Context, tx *Transaction) error
	Get(ctx context.Context, txID string) (*Transaction, error)
	// Claim 领取一笔待处理的交易并增加尝试计数。
	Claim(ctx context.Context, txID string) (*Transaction, error)
	// MarkDecided 记录共识结果：APPROVED 或 BLOCKED，以及全部选票。
	MarkDecided(ctx context.Context, txID string, status Status, riskScore float64, votes map[string]bool) error
	// MarkSettled 在结算成功后写入最终哈希。
	MarkSettled(ctx context.Context, txID string, settlementHash string) error
	// MarkFailed 记录处理失败。terminal 为 true 时交易进入 FAILED 终态，
	// 否则保留当前状态等待重试。
	MarkFailed(ctx context.Context, txID string, code string, lastError string, terminal bool) error
	List(ctx context.Context, opts ListOptions) ([]*Transaction, error)
	Stats(ctx context.Context, opts ListOptions) (TxStats, error)
	Close() error
}
