package ledger

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	xerrors "AgentPay-Chain/internal/errors"
)

// Ledger 独占管理所有钱包余额，余额只能通过转账三部曲
// （Reserve / Commit / Release）发生变化。
//
// 并发约定：同一钱包上的操作串行执行，互不相关的钱包可以并行；
// 借记与贷记在两把钱包锁内一起完成，外部观察不到半笔转账。
type Ledger struct {
	mu      sync.RWMutex
	wallets map[string]*walletEntry

	resMu        sync.Mutex
	reservations map[string]*Reservation
}

// walletEntry 将钱包数据与它自己的互斥锁绑定在一起。
type walletEntry struct {
	mu     sync.Mutex
	wallet Wallet
}

// New 创建一个空账本。
func New() *Ledger {
	return &Ledger{
		wallets:      make(map[string]*walletEntry),
		reservations: make(map[string]*Reservation),
	}
}

// CreateWallet 分配一个新的钱包。初始余额不能为负。
func (l *Ledger) CreateWallet(ownerName string, initialBalance decimal.Decimal) (*Wallet, error) {
	if initialBalance.IsNegative() {
		return nil, xerrors.New(xerrors.CodeInvalidAmount, "初始余额不能为负")
	}

	wallet := Wallet{
		ID:        uuid.NewString(),
		OwnerName: ownerName,
		Balance:   initialBalance,
		Hold:      decimal.Zero,
		Active:    true,
		CreatedAt: time.Now().Unix(),
	}

	l.mu.Lock()
	l.wallets[wallet.ID] = &walletEntry{wallet: wallet}
	l.mu.Unlock()

	clone := wallet
	return &clone, nil
}

// Balance 返回钱包当前余额。
func (l *Ledger) Balance(walletID string) (decimal.Decimal, error) {
	entry, err := l.entry(walletID)
	if err != nil {
		return decimal.Zero, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.wallet.Balance, nil
}

// Wallet 返回钱包的快照副本。
func (l *Ledger) Wallet(walletID string) (*Wallet, error) {
	entry, err := l.entry(walletID)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	clone := entry.wallet
	return &clone, nil
}

// Deactivate 停用钱包。钱包从不删除，只能停用。
func (l *Ledger) Deactivate(walletID string) error {
	entry, err := l.entry(walletID)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.wallet.Active = false
	return nil
}

// Reserve 为交易 txID 冻结 from 钱包上的 amount。
// 资金并未移动：冻结金额从付款方的可用余额中剔除，
// 以此阻止同一钱包多笔在途交易叠加形成双花。
func (l *Ledger) Reserve(txID, from, to string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return xerrors.New(xerrors.CodeInvalidAmount, "转账金额必须为正数")
	}
	if from == to {
		return xerrors.New(xerrors.CodeInvalidAmount, "不允许向自身转账")
	}

	fromEntry, err := l.entry(from)
	if err != nil {
		return err
	}
	toEntry, err := l.entry(to)
	if err != nil {
		return err
	}

	// 先占住冻结表，保证同一 txID 只能冻结一次。
	l.resMu.Lock()
	defer l.resMu.Unlock()
	if _, exists := l.reservations[txID]; exists {
		return xerrors.New(xerrors.CodeInvalidState, "交易已存在在途冻结", xerrors.WithMetadata("tx_id", txID))
	}

	// 收款方状态先行校验，避免持有付款方锁时再去碰第二把钱包锁。
	toEntry.mu.Lock()
	toActive := toEntry.wallet.Active
	toEntry.mu.Unlock()
	if !toActive {
		return xerrors.New(xerrors.CodeInvalidState, "收款钱包已停用")
	}

	fromEntry.mu.Lock()
	defer fromEntry.mu.Unlock()

	if !fromEntry.wallet.Active {
		return xerrors.New(xerrors.CodeInvalidState, "付款钱包已停用")
	}

	if fromEntry.wallet.Spendable().LessThan(amount) {
		return xerrors.New(xerrors.CodeInsufficientFunds, "可用余额不足",
			xerrors.WithMetadata("wallet_id", from),
			xerrors.WithMetadata("amount", amount.String()),
		)
	}

	fromEntry.wallet.Hold = fromEntry.wallet.Hold.Add(amount)
	l.reservations[txID] = &Reservation{TxID: txID, From: from, To: to, Amount: amount}
	return nil
}

// Commit 原子地完成借记与贷记并释放冻结。
// 每笔交易最多提交一次；Commit 与 Release 互斥。
func (l *Ledger) Commit(txID string) error {
	res, err := l.consumeReservation(txID)
	if err != nil {
		return err
	}

	fromEntry, err := l.entry(res.From)
	if err != nil {
		return err
	}
	toEntry, err := l.entry(res.To)
	if err != nil {
		return err
	}

	// 两把钱包锁按固定顺序获取，借贷在锁内一起生效。
	first, second := orderEntries(res.From, fromEntry, res.To, toEntry)
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	fromEntry.wallet.Hold = fromEntry.wallet.Hold.Sub(res.Amount)
	fromEntry.wallet.Balance = fromEntry.wallet.Balance.Sub(res.Amount)
	toEntry.wallet.Balance = toEntry.wallet.Balance.Add(res.Amount)
	return nil
}

// Release 释放冻结而不移动资金，用于交易被拒绝或最终失败的场景。
func (l *Ledger) Release(txID string) error {
	res, err := l.consumeReservation(txID)
	if err != nil {
		return err
	}

	fromEntry, err := l.entry(res.From)
	if err != nil {
		return err
	}
	fromEntry.mu.Lock()
	defer fromEntry.mu.Unlock()
	fromEntry.wallet.Hold = fromEntry.wallet.Hold.Sub(res.Amount)
	return nil
}

// Reservation 返回交易对应的在途冻结快照。
func (l *Ledger) Reservation(txID string) (*Reservation, bool) {
	l.resMu.Lock()
	defer l.resMu.Unlock()
	res, ok := l.reservations[txID]
	if !ok {
		return nil, false
	}
	clone := *res
	return &clone, true
}

// TotalBalance 返回全部钱包余额之和，用于守恒性校验。
func (l *Ledger) TotalBalance() decimal.Decimal {
	l.mu.RLock()
	entries := make([]*walletEntry, 0, len(l.wallets))
	for _, entry := range l.wallets {
		entries = append(entries, entry)
	}
	l.mu.RUnlock()

	total := decimal.Zero
	for _, entry := range entries {
		entry.mu.Lock()
		total = total.Add(entry.wallet.Balance)
		entry.mu.Unlock()
	}
	return total
}

// Wallets 返回全部钱包的快照，按创建时间排序。
func (l *Ledger) Wallets() []Wallet {
	l.mu.RLock()
	entries := make([]*walletEntry, 0, len(l.wallets))
	for _, entry := range l.wallets {
		entries = append(entries, entry)
	}
	l.mu.RUnlock()

	wallets := make([]Wallet, 0, len(entries))
	for _, entry := range entries {
		entry.mu.Lock()
		wallets = append(wallets, entry.wallet)
		entry.mu.Unlock()
	}
	sort.Slice(wallets, func(i, j int) bool {
		if wallets[i].CreatedAt == wallets[j].CreatedAt {
			return wallets[i].ID < wallets[j].ID
		}
		return wallets[i].CreatedAt < wallets[j].CreatedAt
	})
	return wallets
}

// consumeReservation 以原子方式取走冻结记录。
// 取走即消费：重复的 Commit / Release 都会在这里被拒绝。
func (l *Ledger) consumeReservation(txID string) (*Reservation, error) {
	l.resMu.Lock()
	defer l.resMu.Unlock()
	res, ok := l.reservations[txID]
	if !ok {
		return nil, xerrors.New(xerrors.CodeTransactionNotFound, "交易没有在途冻结",
			xerrors.WithMetadata("tx_id", txID))
	}
	delete(l.reservations, txID)
	return res, nil
}

func (l *Ledger) entry(walletID string) (*walletEntry, error) {
	l.mu.RLock()
	entry, ok := l.wallets[walletID]
	l.mu.RUnlock()
	if !ok {
		return nil, xerrors.New(xerrors.CodeWalletNotFound, "钱包不存在",
			xerrors.WithMetadata("wallet_id", walletID))
	}
	return entry, nil
}

// orderEntries 按钱包 ID 的字典序返回两把锁的获取顺序。
func orderEntries(idA string, a *walletEntry, idB string, b *walletEntry) (*walletEntry, *walletEntry) {
	if idA < idB {
		return a, b
	}
	return b, a
}
