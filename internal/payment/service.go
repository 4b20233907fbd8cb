package payment

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/ledger"
	"AgentPay-Chain/pkg/logger"
)

// Reserver 定义服务所需的账本预留能力。
type Reserver interface {
	Reserve(txID, from, to string, amount decimal.Decimal) error
	Release(txID string) error
}

// SubmitRequest 描述一次支付提交。
type SubmitRequest struct {
	TxID       string          `json:"tx_id,omitempty"`
	FromWallet string          `json:"from_wallet"`
	ToWallet   string          `json:"to_wallet"`
	Amount     decimal.Decimal `json:"amount"`
	Memo       string          `json:"memo,omitempty"`
}

// Service 负责支付交易的受理与查询。
//
// 提交路径：先在账本上预留资金，再落库为 PENDING 并入队；
// 预留失败（余额不足）时交易直接以 BLOCKED 终态落库，不进入共识。
type Service struct {
	store      Store
	producer   Producer
	wallets    Reserver
	recorder   SettlementRecorder
	maxRetries int
}

// ServiceOption 定义服务的可选配置。
type ServiceOption func(*Service)

// WithServiceRecorder 配置结算记录器，用于把直接 BLOCKED 的交易写入流水。
func WithServiceRecorder(recorder SettlementRecorder) ServiceOption {
	return func(s *Service) {
		s.recorder = recorder
	}
}

// NewService 构造支付服务。
func NewService(store Store, producer Producer, wallets Reserver, maxRetries int, opts ...ServiceOption) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	s := &Service{store: store, producer: producer, wallets: wallets, maxRetries: maxRetries}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Submit 受理一笔支付并推送到处理队列。
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Transaction, error) {
	if s.store == nil || s.producer == nil || s.wallets == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "支付服务未初始化")
	}
	if !req.Amount.IsPositive() {
		return nil, xerrors.New(xerrors.CodeInvalidAmount, "支付金额必须为正数",
			xerrors.WithMetadata("amount", req.Amount.String()))
	}
	if strings.TrimSpace(req.FromWallet) == "" || strings.TrimSpace(req.ToWallet) == "" {
		return nil, xerrors.New(CodeTxValidation, "付款方与收款方钱包不能为空")
	}
	if req.FromWallet == req.ToWallet {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "付款方与收款方不能为同一钱包")
	}

	txID := strings.TrimSpace(req.TxID)
	if txID != "" {
		tx, err := s.store.Get(ctx, txID)
		if err == nil {
			return tx, nil
		}
		if !stdErrors.Is(err, ErrTxNotFound) {
			return nil, err
		}
	} else {
		txID = uuid.NewString()
	}

	now := time.Now().Unix()
	tx := &Transaction{
		TxID:       txID,
		FromWallet: req.FromWallet,
		ToWallet:   req.ToWallet,
		Amount:     req.Amount,
		Memo:       req.Memo,
		Status:     StatusPending,
		Attempts:   0,
		MaxRetries: s.maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.wallets.Reserve(txID, req.FromWallet, req.ToWallet, req.Amount); err != nil {
		if stdErrors.Is(err, ledger.ErrInsufficientFunds) {
			return s.blockWithoutConsensus(ctx, tx, err)
		}
		return nil, err
	}

	if err := s.store.Create(ctx, tx); err != nil {
		if stdErrors.Is(err, ErrTxConflict) {
			_ = s.wallets.Release(txID)
			existing, getErr := s.store.Get(ctx, txID)
			if getErr == nil {
				return existing, nil
			}
			if !stdErrors.Is(getErr, ErrTxNotFound) {
				return nil, getErr
			}
		}
		_ = s.wallets.Release(txID)
		return nil, err
	}
	if err := s.producer.Publish(ctx, txID); err != nil {
		logger.L().Error("交易入队失败", slog.Any("error", err), slog.String("tx_id", txID))
		wrapped := xerrors.Wrap(CodeTxPublish, err, "发布交易到队列失败")
		_ = s.store.MarkFailed(ctx, txID, string(CodeTxPublish), wrapped.Error(), true)
		_ = s.wallets.Release(txID)
		return nil, wrapped
	}
	logger.Audit().Info("交易入队成功",
		slog.String("tx_id", txID),
		slog.String("from_wallet", tx.FromWallet),
		slog.String("to_wallet", tx.ToWallet),
		slog.String("amount", tx.Amount.String()),
		slog.Int("max_retries", tx.MaxRetries),
	)
	return tx, nil
}

// blockWithoutConsensus 把余额不足的交易直接以 BLOCKED 终态落库。
// 调用侧（如智能体的自动付款）据此得到关联交易而不是错误。
func (s *Service) blockWithoutConsensus(ctx context.Context, tx *Transaction, cause error) (*Transaction, error) {
	tx.Status = StatusBlocked
	tx.ErrorCode = string(xerrors.CodeInsufficientFunds)
	tx.LastError = cause.Error()
	if err := s.store.Create(ctx, tx); err != nil {
		return nil, err
	}
	if s.recorder != nil {
		if err := s.recorder.RecordBlocked(ctx, tx); err != nil {
			logger.L().Error("记录拦截流水失败", slog.Any("error", err), slog.String("tx_id", tx.TxID))
		}
	}
	logger.Audit().Warn("交易因余额不足被拦截",
		slog.String("tx_id", tx.TxID),
		slog.String("from_wallet", tx.FromWallet),
		slog.String("amount", tx.Amount.String()),
	)
	return cloneTransaction(tx), nil
}

// Get 返回指定交易的状态。
func (s *Service) Get(ctx context.Context, txID string) (*Transaction, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "交易存储未初始化")
	}
	return s.store.Get(ctx, txID)
}

// List 返回符合过滤条件的交易列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Transaction, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "交易存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.List(ctx, options)
}

// Stats 返回符合过滤条件的交易统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (TxStats, error) {
	if s.store == nil {
		return TxStats{}, xerrors.New(xerrors.CodeInitializationFailure, "交易存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.Stats(ctx, options)
}

// WaitUntilTerminal 在指定超时时间内轮询交易直至其到达终态。
func (s *Service) WaitUntilTerminal(ctx context.Context, txID string, interval time.Duration) (*Transaction, error) {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		tx, err := s.Get(ctx, txID)
		if err != nil {
			return nil, err
		}
		if tx.Terminal() {
			return tx, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}
