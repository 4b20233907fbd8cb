package payment

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
)

// MemoryStore 以内存方式保存交易状态，主要用于测试与单机模拟。
type MemoryStore struct {
	mu  sync.RWMutex
	txs map[string]*Transaction
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{txs: make(map[string]*Transaction)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, tx *Transaction) error {
	if tx == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "transaction 不能为空")
	}
	if tx.TxID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "交易 ID 不能为空")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.txs[tx.TxID]; ok {
		return ErrTxConflict
	}
	now := time.Now().Unix()
	if tx.CreatedAt == 0 {
		tx.CreatedAt = now
	}
	tx.UpdatedAt = now
	m.txs[tx.TxID] = cloneTransaction(tx)
	return nil
}

// Get 返回交易快照。
func (m *MemoryStore) Get(_ context.Context, txID string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.txs[txID]
	if !ok {
		return nil, ErrTxNotFound
	}
	return cloneTransaction(tx), nil
}

// Claim 领取交易并增加尝试计数。终态交易与重试耗尽的交易无法领取。
func (m *MemoryStore) Claim(_ context.Context, txID string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[txID]
	if !ok {
		return nil, ErrTxNotFound
	}
	if tx.Terminal() {
		return cloneTransaction(tx), ErrTxDecided
	}
	if tx.Attempts >= tx.MaxRetries {
		return cloneTransaction(tx), ErrTxExhausted
	}
	tx.Attempts++
	tx.LastError = ""
	tx.ErrorCode = ""
	tx.UpdatedAt = time.Now().Unix()
	return cloneTransaction(tx), nil
}

// MarkDecided 记录共识结论。PENDING 之外的状态一律拒绝：
// 终态返回 AlreadyDecided，其余返回状态冲突。
func (m *MemoryStore) MarkDecided(_ context.Context, txID string, status Status, riskScore float64, votes map[string]bool) error {
	if status != StatusApproved && status != StatusBlocked {
		return xerrors.New(xerrors.CodeInvalidArgument, "共识结论只能为 APPROVED 或 BLOCKED")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[txID]
	if !ok {
		return ErrTxNotFound
	}
	if tx.Status != StatusPending {
		if tx.Terminal() || tx.Status == StatusApproved {
			return ErrTxDecided
		}
		return ErrTxConflict
	}
	tx.Status = status
	tx.RiskScore = riskScore
	tx.Votes = cloneVotes(votes)
	tx.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkSettled 在结算成功后写入最终哈希，交易进入 SETTLED 终态。
func (m *MemoryStore) MarkSettled(_ context.Context, txID string, settlementHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[txID]
	if !ok {
		return ErrTxNotFound
	}
	if tx.Status != StatusApproved {
		if tx.Terminal() {
			return ErrTxDecided
		}
		return ErrTxConflict
	}
	tx.Status = StatusSettled
	tx.SettlementHash = settlementHash
	tx.LastError = ""
	tx.ErrorCode = ""
	tx.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkFailed 记录处理失败。终态交易不可再被改写。
func (m *MemoryStore) MarkFailed(_ context.Context, txID string, code string, lastError string, terminal bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[txID]
	if !ok {
		return ErrTxNotFound
	}
	if tx.Terminal() {
		return ErrTxDecided
	}
	if terminal {
		tx.Status = StatusFailed
	}
	tx.LastError = lastError
	tx.ErrorCode = code
	tx.UpdatedAt = time.Now().Unix()
	return nil
}

// List 返回符合过滤条件的交易。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Transaction, 0, len(m.txs))
	for _, tx := range m.txs {
		if !matchesListFilters(tx, opts) {
			continue
		}
		results = append(results, cloneTransaction(tx))
	}

	sort.Slice(results, func(i, j int) bool {
		if opts.Order == SortByUpdatedAsc {
			if results[i].UpdatedAt == results[j].UpdatedAt {
				if results[i].CreatedAt == results[j].CreatedAt {
					return results[i].TxID < results[j].TxID
				}
				return results[i].CreatedAt < results[j].CreatedAt
			}
			return results[i].UpdatedAt < results[j].UpdatedAt
		}
		if results[i].UpdatedAt == results[j].UpdatedAt {
			if results[i].CreatedAt == results[j].CreatedAt {
				return results[i].TxID > results[j].TxID
			}
			return results[i].CreatedAt > results[j].CreatedAt
		}
		return results[i].UpdatedAt > results[j].UpdatedAt
	})

	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计符合过滤条件的交易数量与更新时间范围。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (TxStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	stats := TxStats{}
	for _, tx := range m.txs {
		if !matchesListFilters(tx, opts) {
			continue
		}
		stats.Total++
		switch tx.Status {
		case StatusPending:
			stats.Pending++
		case StatusApproved:
			stats.Approved++
		case StatusBlocked:
			stats.Blocked++
		case StatusSettled:
			stats.Settled++
		case StatusFailed:
			stats.Failed++
		}
		if tx.UpdatedAt > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = tx.UpdatedAt
		}
		if stats.OldestUpdatedAt == 0 || (tx.UpdatedAt != 0 && tx.UpdatedAt < stats.OldestUpdatedAt) {
			stats.OldestUpdatedAt = tx.UpdatedAt
		}
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func matchesListFilters(tx *Transaction, opts ListOptions) bool {
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if tx.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.FromWallet != "" && tx.FromWallet != opts.FromWallet {
		return false
	}
	if opts.ToWallet != "" && tx.ToWallet != opts.ToWallet {
		return false
	}
	if opts.UpdatedGTE > 0 && tx.UpdatedAt < opts.UpdatedGTE {
		return false
	}
	if opts.UpdatedLTE > 0 && tx.UpdatedAt > opts.UpdatedLTE {
		return false
	}
	return true
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
