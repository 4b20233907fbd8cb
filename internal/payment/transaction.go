package payment

import (
	stdErrors "errors"

	"github.com/shopspring/decimal"

	xerrors "AgentPay-Chain/internal/errors"
)

// Status 表示一笔支付交易在生命周期中的状态。
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusBlocked  Status = "BLOCKED"
	StatusSettled  Status = "SETTLED"
	StatusFailed   Status = "FAILED"
)

// Transaction 描述两个钱包之间的一次价值转移提案及其最终结果。
//
// 状态机：PENDING → APPROVED → SETTLED/FAILED，或 PENDING → BLOCKED。
// 进入 BLOCKED / SETTLED / FAILED 后记录不可再变更。
type Transaction struct {
	TxID           string          `json:"tx_id"`
	FromWallet     string          `json:"from_wallet"`
	ToWallet       string          `json:"to_wallet"`
	Amount         decimal.Decimal `json:"amount"`
	Memo           string          `json:"memo,omitempty"`
	Status         Status          `json:"status"`
	RiskScore      float64         `json:"risk_score"`
	Votes          map[string]bool `json:"votes,omitempty"`
	SettlementHash string          `json:"settlement_hash,omitempty"`
	Attempts       int             `json:"attempts"`
	MaxRetries     int             `json:"max_retries"`
	LastError      string          `json:"last_error,omitempty"`
	ErrorCode      string          `json:"error_code,omitempty"`
	CreatedAt      int64           `json:"created_at"`
	UpdatedAt      int64           `json:"updated_at"`
}

// Terminal 判断交易是否已经到达终态。
func (t *Transaction) Terminal() bool {
	if t == nil {
		return false
	}
	switch t.Status {
	case StatusBlocked, StatusSettled, StatusFailed:
		return true
	default:
		return false
	}
}

var (
	// ErrTxNotFound 表示指定的交易不存在。
	ErrTxNotFound = xerrors.New(xerrors.CodeTransactionNotFound, "transaction not found")
	// ErrTxConflict 表示交易在当前状态下无法进行所请求的操作。
	ErrTxConflict = xerrors.New(xerrors.CodeInvalidState, "transaction conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrTxDecided 表示交易已经有了共识结论。
	ErrTxDecided = xerrors.New(xerrors.CodeAlreadyDecided, "transaction already decided", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrTxExhausted 表示交易的重试次数已经耗尽。
	ErrTxExhausted = xerrors.New(CodeTxExhausted, "transaction retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
)

const (
	CodeTxExhausted  xerrors.Code = "TX_RETRIES_EXHAUSTED"
	CodeTxValidation xerrors.Code = "TX_VALIDATION_FAILED"
	CodeTxPublish    xerrors.Code = "TX_PUBLISH_FAILED"
	CodeTxProcessing xerrors.Code = "TX_PROCESSING_FAILED"
)

func init() {
	xerrors.Register(CodeTxExhausted, xerrors.Attributes{
		Message:   "transaction retries exhausted",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeTxValidation, xerrors.Attributes{
		Message:   "transaction validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTxPublish, xerrors.Attributes{
		Message:   "failed to publish transaction",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeTxProcessing, xerrors.Attributes{
		Message:   "transaction processing failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

// IsValidStatus 检查给定的交易状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusApproved, StatusBlocked, StatusSettled, StatusFailed:
		return true
	default:
		return false
	}
}

// IsTxError 判断错误是否为指定错误码的交易错误。
func IsTxError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	return xerrors.CodeOf(err) == target
}

func cloneVotes(votes map[string]bool) map[string]bool {
	if votes == nil {
		return nil
	}
	cloned := make(map[string]bool, len(votes))
	for id, approve := range votes {
		cloned[id] = approve
	}
	return cloned
}

func cloneTransaction(tx *Transaction) *Transaction {
	clone := *tx
	clone.Votes = cloneVotes(tx.Votes)
	return &clone
}

// errorsIsAny 判断 err 是否命中任意一个目标错误。
func errorsIsAny(err error, targets ...error) bool {
	for _, target := range targets {
		if stdErrors.Is(err, target) {
			return true
		}
	}
	return false
}
