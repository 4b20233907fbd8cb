package payment

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"

	xerrors "AgentPay-Chain/internal/errors"
)

// MySQLStore 使用 MySQL 记录交易状态，供多实例部署共享。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建一个新的 MySQLStore。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS payment_transactions (
        tx_id VARCHAR(64) PRIMARY KEY,
        from_wallet VARCHAR(64) NOT NULL,
        to_wallet VARCHAR(64) NOT NULL,
        amount DECIMAL(32, 8) NOT NULL,
        memo TEXT,
        status VARCHAR(16) NOT NULL,
        risk_score DOUBLE NOT NULL DEFAULT 0,
        votes TEXT,
        settlement_hash VARCHAR(128) DEFAULT '',
        attempts INT NOT NULL DEFAULT 0,
        max_retries INT NOT NULL DEFAULT 3,
        last_error TEXT,
        error_code VARCHAR(64) DEFAULT '',
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_tx_status (status),
        INDEX idx_tx_from (from_wallet),
        INDEX idx_tx_updated (updated_at)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 payment_transactions 表失败")
	}
	return nil
}

// Create 插入新的交易记录。
func (s *MySQLStore) Create(ctx context.Context, tx *Transaction) error {
	if tx == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "transaction 不能为空")
	}
	if strings.TrimSpace(tx.TxID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "交易 ID 不能为空")
	}

	now := time.Now().Unix()
	if tx.CreatedAt == 0 {
		tx.CreatedAt = now
	}
	tx.UpdatedAt = now

	votesValue, err := marshalVotes(tx.Votes)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码交易选票失败")
	}

	const stmt = `INSERT INTO payment_transactions
        (tx_id, from_wallet, to_wallet, amount, memo, status, risk_score, votes, settlement_hash, attempts, max_retries, last_error, error_code, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', ?, ?, '', '', ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		tx.TxID,
		tx.FromWallet,
		tx.ToWallet,
		tx.Amount.String(),
		tx.Memo,
		tx.Status,
		tx.RiskScore,
		votesValue,
		tx.Attempts,
		tx.MaxRetries,
		tx.CreatedAt,
		tx.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "Duplicate entry") {
			return ErrTxConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入交易记录失败")
	}
	return nil
}

// Get 返回交易。
func (s *MySQLStore) Get(ctx context.Context, txID string) (*Transaction, error) {
	const stmt = `SELECT tx_id, from_wallet, to_wallet, amount, memo, status, risk_score, votes, settlement_hash, attempts, max_retries, last_error, error_code, created_at, updated_at
        FROM payment_transactions WHERE tx_id = ?`
	row := s.db.QueryRowContext(ctx, stmt, txID)
	return scanTransaction(row)
}

// Claim 领取交易并增加尝试计数，整个判断在一个 SQL 事务内完成。
func (s *MySQLStore) Claim(ctx context.Context, txID string) (*Transaction, error) {
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer func() { _ = dbTx.Rollback() }()

	const stmt = `SELECT tx_id, from_wallet, to_wallet, amount, memo, status, risk_score, votes, settlement_hash, attempts, max_retries, last_error, error_code, created_at, updated_at
        FROM payment_transactions WHERE tx_id = ? FOR UPDATE`
	tx, err := scanTransaction(dbTx.QueryRowContext(ctx, stmt, txID))
	if err != nil {
		return nil, err
	}
	if tx.Terminal() {
		return tx, ErrTxDecided
	}
	if tx.Attempts >= tx.MaxRetries {
		return tx, ErrTxExhausted
	}

	tx.Attempts++
	tx.LastError = ""
	tx.ErrorCode = ""
	tx.UpdatedAt = time.Now().Unix()
	const update = `UPDATE payment_transactions SET attempts = ?, last_error = '', error_code = '', updated_at = ? WHERE tx_id = ?`
	if _, err := dbTx.ExecContext(ctx, update, tx.Attempts, tx.UpdatedAt, tx.TxID); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新交易尝试计数失败")
	}
	if err := dbTx.Commit(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	return tx, nil
}

// MarkDecided 记录共识结论，仅允许 PENDING → APPROVED/BLOCKED。
func (s *MySQLStore) MarkDecided(ctx context.Context, txID string, status Status, riskScore float64, votes map[string]bool) error {
	if status != StatusApproved && status != StatusBlocked {
		return xerrors.New(xerrors.CodeInvalidArgument, "共识结论只能为 APPROVED 或 BLOCKED")
	}
	votesValue, err := marshalVotes(votes)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码交易选票失败")
	}

	const stmt = `UPDATE payment_transactions SET status = ?, risk_score = ?, votes = ?, updated_at = ?
        WHERE tx_id = ? AND status = ?`
	result, err := s.db.ExecContext(ctx, stmt, status, riskScore, votesValue, time.Now().Unix(), txID, StatusPending)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入共识结论失败")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取共识写入结果失败")
	}
	if affected == 0 {
		return s.explainMissedUpdate(ctx, txID)
	}
	return nil
}

// MarkSettled 写入最终结算哈希，仅允许 APPROVED → SETTLED。
func (s *MySQLStore) MarkSettled(ctx context.Context, txID string, settlementHash string) error {
	const stmt = `UPDATE payment_transactions SET status = ?, settlement_hash = ?, last_error = '', error_code = '', updated_at = ?
        WHERE tx_id = ? AND status = ?`
	result, err := s.db.ExecContext(ctx, stmt, StatusSettled, settlementHash, time.Now().Unix(), txID, StatusApproved)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入结算结果失败")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取结算写入结果失败")
	}
	if affected == 0 {
		return s.explainMissedUpdate(ctx, txID)
	}
	return nil
}

// MarkFailed 记录处理失败。
func (s *MySQLStore) MarkFailed(ctx context.Context, txID string, code string, lastError string, terminal bool) error {
	var stmt string
	if terminal {
		stmt = `UPDATE payment_transactions SET status = ?, last_error = ?, error_code = ?, updated_at = ?
            WHERE tx_id = ? AND status NOT IN (?, ?, ?)`
	} else {
		stmt = `UPDATE payment_transactions SET last_error = ?, error_code = ?, updated_at = ?
            WHERE tx_id = ? AND status NOT IN (?, ?, ?)`
	}

	var (
		result sql.Result
		err    error
	)
	now := time.Now().Unix()
	if terminal {
		result, err = s.db.ExecContext(ctx, stmt, StatusFailed, lastError, code, now, txID, StatusBlocked, StatusSettled, StatusFailed)
	} else {
		result, err = s.db.ExecContext(ctx, stmt, lastError, code, now, txID, StatusBlocked, StatusSettled, StatusFailed)
	}
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入失败状态失败")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取失败写入结果失败")
	}
	if affected == 0 {
		return s.explainMissedUpdate(ctx, txID)
	}
	return nil
}

// List 返回符合过滤条件的交易。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Transaction, error) {
	opts.applyDefaults()

	query := strings.Builder{}
	query.WriteString(`SELECT tx_id, from_wallet, to_wallet, amount, memo, status, risk_score, votes, settlement_hash, attempts, max_retries, last_error, error_code, created_at, updated_at
        FROM payment_transactions`)

	where, args := buildWhere(opts)
	query.WriteString(where)
	if opts.Order == SortByUpdatedAsc {
		query.WriteString(" ORDER BY updated_at ASC, created_at ASC, tx_id ASC")
	} else {
		query.WriteString(" ORDER BY updated_at DESC, created_at DESC, tx_id DESC")
	}
	query.WriteString(" LIMIT ?")
	args = append(args, opts.Limit)

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询交易列表失败")
	}
	defer rows.Close()

	results := make([]*Transaction, 0, opts.Limit)
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历交易列表失败")
	}
	return results, nil
}

// Stats 统计符合过滤条件的交易数量与更新时间范围。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (TxStats, error) {
	opts.applyDefaults()

	query := strings.Builder{}
	query.WriteString(`SELECT status, COUNT(*), MIN(updated_at), MAX(updated_at) FROM payment_transactions`)
	where, args := buildWhere(opts)
	query.WriteString(where)
	query.WriteString(" GROUP BY status")

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return TxStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询交易统计失败")
	}
	defer rows.Close()

	stats := TxStats{}
	for rows.Next() {
		var (
			status Status
			count  int
			oldest sql.NullInt64
			newest sql.NullInt64
		)
		if err := rows.Scan(&status, &count, &oldest, &newest); err != nil {
			return TxStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析交易统计失败")
		}
		stats.Total += count
		switch status {
		case StatusPending:
			stats.Pending += count
		case StatusApproved:
			stats.Approved += count
		case StatusBlocked:
			stats.Blocked += count
		case StatusSettled:
			stats.Settled += count
		case StatusFailed:
			stats.Failed += count
		}
		if newest.Valid && newest.Int64 > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = newest.Int64
		}
		if oldest.Valid && (stats.OldestUpdatedAt == 0 || oldest.Int64 < stats.OldestUpdatedAt) {
			stats.OldestUpdatedAt = oldest.Int64
		}
	}
	if err := rows.Err(); err != nil {
		return TxStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历交易统计失败")
	}
	return stats, nil
}

// Close 关闭数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// explainMissedUpdate 区分"交易不存在"与"状态不允许"两种零更新原因。
func (s *MySQLStore) explainMissedUpdate(ctx context.Context, txID string) error {
	existing, err := s.Get(ctx, txID)
	if err != nil {
		return err
	}
	if existing.Terminal() || existing.Status == StatusApproved {
		return ErrTxDecided
	}
	return ErrTxConflict
}

func buildWhere(opts ListOptions) (string, []any) {
	clauses := make([]string, 0, 4)
	args := make([]any, 0, 6)
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, len(opts.Statuses))
		for i, status := range opts.Statuses {
			placeholders[i] = "?"
			args = append(args, status)
		}
		clauses = append(clauses, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if opts.FromWallet != "" {
		clauses = append(clauses, "from_wallet = ?")
		args = append(args, opts.FromWallet)
	}
	if opts.ToWallet != "" {
		clauses = append(clauses, "to_wallet = ?")
		args = append(args, opts.ToWallet)
	}
	if opts.UpdatedGTE > 0 {
		clauses = append(clauses, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		clauses = append(clauses, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*Transaction, error) {
	var (
		tx        Transaction
		amountRaw string
		votesRaw  sql.NullString
		memo      sql.NullString
		lastError sql.NullString
		errorCode sql.NullString
		hash      sql.NullString
	)
	err := row.Scan(
		&tx.TxID,
		&tx.FromWallet,
		&tx.ToWallet,
		&amountRaw,
		&memo,
		&tx.Status,
		&tx.RiskScore,
		&votesRaw,
		&hash,
		&tx.Attempts,
		&tx.MaxRetries,
		&lastError,
		&errorCode,
		&tx.CreatedAt,
		&tx.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrTxNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析交易记录失败")
	}

	amount, err := decimal.NewFromString(amountRaw)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析交易金额失败")
	}
	tx.Amount = amount
	tx.Memo = memo.String
	tx.LastError = lastError.String
	tx.ErrorCode = errorCode.String
	tx.SettlementHash = hash.String
	if votesRaw.Valid && votesRaw.String != "" {
		votes := make(map[string]bool)
		if err := json.Unmarshal([]byte(votesRaw.String), &votes); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析交易选票失败")
		}
		tx.Votes = votes
	}
	return &tx, nil
}

func marshalVotes(votes map[string]bool) (string, error) {
	if len(votes) == 0 {
		return "", nil
	}
	encoded, err := json.Marshal(votes)
	if err != nil {
		return "", fmt.Errorf("序列化选票失败: %w", err)
	}
	return string(encoded), nil
}

// ensure interface compliance at compile time
var _ Store = (*MySQLStore)(nil)
