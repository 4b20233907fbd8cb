package settlement

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"AgentPay-Chain/internal/chain"
	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/payment"
	"AgentPay-Chain/pkg/logger"
)

// Committer 定义记录器所需的账本提交能力。
type Committer interface {
	Commit(txID string) error
}

// Recorder 负责把通过共识的交易锚定到外部结算层并落实账本划转。
//
// 结算顺序是刻意安排的：先拿到链上哈希，再提交账本划转。
// 结算失败时资金仍处于预留状态，重试不会造成任何余额变动；
// 账本提交只会成功一次，重复结算直接返回已有哈希。
type Recorder struct {
	wallets Committer
	backend chain.Client
	log     *Log

	mu       sync.Mutex
	hashes   map[string]string
	recorded map[string]struct{}
	inflight map[string]*txLock
}

type txLock struct {
	sync.Mutex
	refs int
}

// NewRecorder 构造结算记录器。
func NewRecorder(wallets Committer, backend chain.Client, log *Log) *Recorder {
	return &Recorder{
		wallets:  wallets,
		backend:  backend,
		log:      log,
		hashes:   make(map[string]string),
		recorded: make(map[string]struct{}),
		inflight: make(map[string]*txLock),
	}
}

// lockTx 对同一交易的结算做串行化，避免并发提交竞争同一笔预留。
func (r *Recorder) lockTx(txID string) func() {
	r.mu.Lock()
	lock, ok := r.inflight[txID]
	if !ok {
		lock = &txLock{}
		r.inflight[txID] = lock
	}
	lock.refs++
	r.mu.Unlock()

	lock.Lock()
	return func() {
		lock.Unlock()
		r.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(r.inflight, txID)
		}
		r.mu.Unlock()
	}
}

// Settle 把交易锚定到结算层、提交账本划转并写入流水，返回结算哈希。
// 对同一交易重复调用是幂等的：返回首次结算得到的哈希。
func (r *Recorder) Settle(ctx context.Context, tx *payment.Transaction) (string, error) {
	if r == nil || r.wallets == nil || r.backend == nil || r.log == nil {
		return "", xerrors.New(xerrors.CodeInitializationFailure, "结算记录器未初始化")
	}
	if tx == nil {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "交易不能为空")
	}

	unlock := r.lockTx(tx.TxID)
	defer unlock()

	r.mu.Lock()
	if hash, ok := r.hashes[tx.TxID]; ok {
		r.mu.Unlock()
		return hash, nil
	}
	r.mu.Unlock()

	hash, err := r.backend.Settle(ctx, chain.SettlementRequest{
		TxID:       tx.TxID,
		FromWallet: tx.FromWallet,
		ToWallet:   tx.ToWallet,
		Amount:     tx.Amount,
	})
	if err != nil {
		if xerrors.CodeOf(err) == xerrors.CodeSettlementFailed {
			return "", err
		}
		return "", xerrors.Wrap(xerrors.CodeSettlementFailed, err, "外部结算失败",
			xerrors.WithMetadata("tx_id", tx.TxID))
	}

	if err := r.wallets.Commit(tx.TxID); err != nil {
		// 并发结算时预留只会被消费一次，落败的一方复用已有哈希。
		if xerrors.CodeOf(err) == xerrors.CodeTransactionNotFound {
			r.mu.Lock()
			existing, ok := r.hashes[tx.TxID]
			r.mu.Unlock()
			if ok {
				return existing, nil
			}
		}
		return "", xerrors.Wrap(xerrors.CodeInvalidState, err, "账本划转提交失败",
			xerrors.WithMetadata("tx_id", tx.TxID))
	}

	record := Record{
		Timestamp: time.Now().Unix(),
		TxID:      tx.TxID,
		Payer:     tx.FromWallet,
		Amount:    tx.Amount,
		Supplier:  tx.ToWallet,
		Status:    RecordApproved,
		TxHash:    hash,
		RiskScore: tx.RiskScore,
	}
	if err := r.log.Append(record); err != nil {
		logger.L().Error("写入结算流水失败", slog.Any("error", err), slog.String("tx_id", tx.TxID))
	}

	r.mu.Lock()
	r.hashes[tx.TxID] = hash
	r.recorded[tx.TxID] = struct{}{}
	r.mu.Unlock()

	logger.Audit().Info("交易完成链上结算",
		slog.String("tx_id", tx.TxID),
		slog.String("tx_hash", hash),
		slog.String("amount", tx.Amount.String()),
	)
	return hash, nil
}

// RecordBlocked 为被拦截的交易写入一条流水。重复调用只记录一次。
func (r *Recorder) RecordBlocked(ctx context.Context, tx *payment.Transaction) error {
	return r.recordTerminal(ctx, tx, RecordBlocked)
}

// RecordFailed 为结算失败的交易写入一条流水。重复调用只记录一次。
func (r *Recorder) RecordFailed(ctx context.Context, tx *payment.Transaction) error {
	return r.recordTerminal(ctx, tx, RecordFailed)
}

func (r *Recorder) recordTerminal(_ context.Context, tx *payment.Transaction, status string) error {
	if r == nil || r.log == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "结算记录器未初始化")
	}
	if tx == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "交易不能为空")
	}

	r.mu.Lock()
	if _, ok := r.recorded[tx.TxID]; ok {
		r.mu.Unlock()
		return nil
	}
	r.recorded[tx.TxID] = struct{}{}
	r.mu.Unlock()

	return r.log.Append(Record{
		Timestamp: time.Now().Unix(),
		TxID:      tx.TxID,
		Payer:     tx.FromWallet,
		Amount:    tx.Amount,
		Supplier:  tx.ToWallet,
		Status:    status,
		RiskScore: tx.RiskScore,
	})
}

var _ payment.SettlementRecorder = (*Recorder)(nil)
