package payment

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/observability/alerting"
	"AgentPay-Chain/internal/observability/metrics"
	"AgentPay-Chain/pkg/logger"
)

// Decider 定义处理器所需的共识能力。
type Decider interface {
	Decide(ctx context.Context, tx *Transaction) (*Decision, error)
}

// Decision 是共识引擎对一笔交易的裁决。
type Decision struct {
	Status    Status
	RiskScore float64
	Votes     map[string]bool
}

// SettlementRecorder 定义处理器所需的结算与流水记录能力。
type SettlementRecorder interface {
	// Settle 执行链上结算并提交账本划转，返回结算哈希。
	// 对同一交易重复调用返回已有哈希，不会重复划转。
	Settle(ctx context.Context, tx *Transaction) (string, error)
	RecordBlocked(ctx context.Context, tx *Transaction) error
	RecordFailed(ctx context.Context, tx *Transaction) error
}

// Processor 从队列消费交易，走共识裁决与结算流程。
//
// 单笔交易的推进路径：
//
//	PENDING  --Decide--> APPROVED --Settle--> SETTLED
//	PENDING  --Decide--> BLOCKED（释放预留）
//	APPROVED --Settle 可重试失败--> 重新入队，直至重试耗尽转 FAILED（释放预留）
type Processor struct {
	decider     Decider
	recorder    SettlementRecorder
	store       Store
	wallets     Reserver
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(decider Decider, recorder SettlementRecorder, store Store, wallets Reserver, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		decider:     decider,
		recorder:    recorder,
		store:       store,
		wallets:     wallets,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动交易处理循环。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置交易消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, txID string) error {
	if p.store == nil || p.decider == nil || p.recorder == nil || p.wallets == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	tx, err := p.store.Claim(ctx, txID)
	if err != nil {
		if errorsIsAny(err, ErrTxNotFound, ErrTxDecided) {
			p.logDebug("跳过交易", slog.String("tx_id", txID), slog.String("reason", err.Error()))
			return nil
		}
		if stdErrors.Is(err, ErrTxExhausted) {
			return p.giveUp(ctx, txID)
		}
		logger.L().Error("领取交易失败", slog.Any("error", err), slog.String("tx_id", txID))
		p.emitAlert(ctx, &Transaction{TxID: txID}, CodeTxProcessing, err, "claim")
		return err
	}

	if tx.Status == StatusPending {
		decided, decideErr := p.decide(ctx, tx)
		if decideErr != nil {
			return p.handleProcessingFailure(ctx, tx, decideErr)
		}
		if decided == nil {
			// 被拦截，流程到此结束。
			return nil
		}
		tx = decided
	}

	if tx.Status != StatusApproved {
		p.logDebug("交易无需结算", slog.String("tx_id", tx.TxID), slog.String("status", string(tx.Status)))
		return nil
	}
	return p.settle(ctx, tx)
}

// decide 执行共识裁决。被批准时返回更新后的交易，被拦截时返回 nil。
func (p *Processor) decide(ctx context.Context, tx *Transaction) (*Transaction, error) {
	decision, err := p.decider.Decide(ctx, tx)
	if err != nil {
		if stdErrors.Is(err, ErrTxDecided) {
			return p.store.Get(ctx, tx.TxID)
		}
		return nil, err
	}

	if err := p.store.MarkDecided(ctx, tx.TxID, decision.Status, decision.RiskScore, decision.Votes); err != nil {
		if stdErrors.Is(err, ErrTxDecided) {
			return p.store.Get(ctx, tx.TxID)
		}
		return nil, err
	}
	tx.Status = decision.Status
	tx.RiskScore = decision.RiskScore
	tx.Votes = cloneVotes(decision.Votes)

	if decision.Status == StatusBlocked {
		p.releaseQuietly(tx.TxID)
		if err := p.recorder.RecordBlocked(ctx, tx); err != nil {
			logger.L().Error("记录拦截流水失败", slog.Any("error", err), slog.String("tx_id", tx.TxID))
		}
		metrics.ObservePaymentOutcome(string(StatusBlocked))
		logger.Audit().Warn("交易被共识拦截",
			slog.String("tx_id", tx.TxID),
			slog.String("from_wallet", tx.FromWallet),
			slog.String("amount", tx.Amount.String()),
			slog.Float64("risk_score", tx.RiskScore),
			slog.Int("votes", len(tx.Votes)),
		)
		return nil, nil
	}

	logger.Audit().Info("交易通过共识",
		slog.String("tx_id", tx.TxID),
		slog.Float64("risk_score", tx.RiskScore),
		slog.Int("votes", len(tx.Votes)),
	)
	return tx, nil
}

// settle 执行链上结算并写入最终哈希。
func (p *Processor) settle(ctx context.Context, tx *Transaction) error {
	hash, err := p.recorder.Settle(ctx, tx)
	if err != nil {
		return p.handleProcessingFailure(ctx, tx, err)
	}
	if err := p.store.MarkSettled(ctx, tx.TxID, hash); err != nil {
		if stdErrors.Is(err, ErrTxDecided) {
			return nil
		}
		logger.L().Error("标记交易结算状态失败", slog.Any("error", err), slog.String("tx_id", tx.TxID))
		return err
	}
	metrics.ObservePaymentOutcome(string(StatusSettled))
	logger.Audit().Info("交易结算完成",
		slog.String("tx_id", tx.TxID),
		slog.String("from_wallet", tx.FromWallet),
		slog.String("to_wallet", tx.ToWallet),
		slog.String("amount", tx.Amount.String()),
		slog.String("settlement_hash", hash),
	)
	return nil
}

// handleProcessingFailure 统一处理裁决或结算阶段的失败。
func (p *Processor) handleProcessingFailure(ctx context.Context, tx *Transaction, cause error) error {
	code := xerrors.CodeOf(cause)
	if code == xerrors.CodeUnknown {
		code = CodeTxProcessing
	}
	retryable := xerrors.RetryableError(cause)
	terminal := tx.Attempts >= tx.MaxRetries || !retryable

	if storeErr := p.store.MarkFailed(ctx, tx.TxID, string(code), cause.Error(), terminal); storeErr != nil {
		if stdErrors.Is(storeErr, ErrTxDecided) {
			return nil
		}
		logger.L().Error("标记交易失败状态出错", slog.Any("error", storeErr), slog.String("tx_id", tx.TxID))
		return storeErr
	}
	logger.Audit().Warn("交易处理失败",
		slog.String("tx_id", tx.TxID),
		slog.Bool("terminal", terminal),
		slog.String("error", cause.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", tx.Attempts),
		slog.Int("max_retries", tx.MaxRetries),
	)

	stage := "retry"
	if terminal {
		stage = "terminal"
	} else if !retryable {
		stage = "non_retryable"
	}
	p.emitAlert(ctx, tx, code, cause, stage)

	if terminal {
		p.releaseQuietly(tx.TxID)
		metrics.ObservePaymentOutcome(string(StatusFailed))
		tx.Status = StatusFailed
		tx.ErrorCode = string(code)
		tx.LastError = cause.Error()
		if recErr := p.recorder.RecordFailed(ctx, tx); recErr != nil {
			logger.L().Error("记录失败流水出错", slog.Any("error", recErr), slog.String("tx_id", tx.TxID))
		}
		return nil
	}

	if pubErr := p.producer.Publish(ctx, tx.TxID); pubErr != nil {
		return xerrors.Wrap(CodeTxPublish, pubErr, fmt.Sprintf("交易 %s 重投失败", tx.TxID))
	}
	p.logDebug("交易已重新排队", slog.String("tx_id", tx.TxID), slog.Int("attempts", tx.Attempts))
	return nil
}

// giveUp 处理重试耗尽的交易：转 FAILED 终态并退还预留资金。
func (p *Processor) giveUp(ctx context.Context, txID string) error {
	tx, err := p.store.Get(ctx, txID)
	if err != nil {
		if stdErrors.Is(err, ErrTxNotFound) {
			return nil
		}
		return err
	}
	if tx.Terminal() {
		return nil
	}
	if storeErr := p.store.MarkFailed(ctx, txID, string(CodeTxExhausted), "重试次数耗尽", true); storeErr != nil {
		if stdErrors.Is(storeErr, ErrTxDecided) {
			return nil
		}
		return storeErr
	}
	p.releaseQuietly(txID)
	metrics.ObservePaymentOutcome(string(StatusFailed))
	tx.Status = StatusFailed
	tx.ErrorCode = string(CodeTxExhausted)
	if recErr := p.recorder.RecordFailed(ctx, tx); recErr != nil {
		logger.L().Error("记录失败流水出错", slog.Any("error", recErr), slog.String("tx_id", txID))
	}
	logger.Audit().Warn("交易重试耗尽",
		slog.String("tx_id", txID),
		slog.Int("attempts", tx.Attempts),
		slog.Int("max_retries", tx.MaxRetries),
	)
	p.emitAlert(ctx, tx, CodeTxExhausted, ErrTxExhausted, "exhausted")
	return nil
}

// releaseQuietly 释放预留资金。预留可能已被提交或释放，此时静默忽略。
func (p *Processor) releaseQuietly(txID string) {
	if err := p.wallets.Release(txID); err != nil {
		if xerrors.CodeOf(err) != xerrors.CodeTransactionNotFound {
			logger.L().Error("释放预留资金失败", slog.Any("error", err), slog.String("tx_id", txID))
		}
	}
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		p.logger.Debug(msg, args...)
	}
}

func (p *Processor) emitAlert(ctx context.Context, tx *Transaction, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil || tx == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	metadata := map[string]string{
		"stage": stage,
	}
	if cause != nil {
		metadata["cause"] = cause.Error()
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		TxID:       tx.TxID,
		Attempts:   tx.Attempts,
		MaxRetries: tx.MaxRetries,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("tx_id", tx.TxID),
			slog.String("stage", stage),
		)
	}
}
