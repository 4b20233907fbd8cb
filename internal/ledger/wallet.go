package ledger

import (
	"github.com/shopspring/decimal"

	xerrors "AgentPay-Chain/internal/errors"
)

// Wallet 表示一个持有稳定币余额的账户。
// 余额使用定点小数表示，避免浮点误差。
type Wallet struct {
	ID        string          `json:"wallet_id"`
	OwnerName string          `json:"owner_name"`
	Balance   decimal.Decimal `json:"balance"`
	Hold      decimal.Decimal `json:"hold"`
	Active    bool            `json:"active"`
	CreatedAt int64           `json:"created_at"`
}

// Spendable 返回扣除在途冻结后的可用余额。
func (w Wallet) Spendable() decimal.Decimal {
	return w.Balance.Sub(w.Hold)
}

var (
	// ErrWalletNotFound 表示指定的钱包不存在。
	ErrWalletNotFound = xerrors.New(xerrors.CodeWalletNotFound, "wallet not found")
	// ErrInvalidAmount 表示金额非法（负数、非正数或格式错误）。
	ErrInvalidAmount = xerrors.New(xerrors.CodeInvalidAmount, "invalid amount")
	// ErrInsufficientFunds 表示付款方可用余额不足。
	ErrInsufficientFunds = xerrors.New(xerrors.CodeInsufficientFunds, "insufficient funds")
	// ErrReservationNotFound 表示指定交易没有在途的资金冻结。
	ErrReservationNotFound = xerrors.New(xerrors.CodeTransactionNotFound, "reservation not found")
	// ErrWalletInactive 表示钱包已被停用。
	ErrWalletInactive = xerrors.New(xerrors.CodeInvalidState, "wallet deactivated")
)

// Reservation 记录一笔等待共识结果的在途转账。
// 冻结的金额在交易落定前不计入付款方的可用余额。
type Reservation struct {
	TxID   string
	From   string
	To     string
	Amount decimal.Decimal
}
