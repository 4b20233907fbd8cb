package settlement

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/shopspring/decimal"
)

// 流水记录的终态标记。
const (
	RecordApproved = "APPROVED"
	RecordBlocked  = "BLOCKED"
	RecordFailed   = "FAILED"
)

// Record 是一条不可变的交易流水。每笔到达终态的交易恰好对应一条记录。
type Record struct {
	Timestamp int64           `json:"timestamp"`
	TxID      string          `json:"tx_id"`
	Payer     string          `json:"agent_id"`
	Amount    decimal.Decimal `json:"amount"`
	Supplier  string          `json:"supplier"`
	Status    string          `json:"status"`
	TxHash    string          `json:"tx_hash,omitempty"`
	RiskScore float64         `json:"risk_score"`
}

// Log 是只追加的交易流水账。记录一经写入不可修改或删除，
// 内存中的顺序与磁盘 JSONL 文件保持一致，进程重启后自动恢复。
type Log struct {
	mu       sync.RWMutex
	dataFile string
	records  []Record
}

// NewLog 创建流水账。dataDir 为空时只保留在内存中。
func NewLog(dataDir string) (*Log, error) {
	l := &Log{}
	if dataDir == "" {
		return l, nil
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	l.dataFile = filepath.Join(dataDir, "transactions.log")
	if err := l.loadFromDisk(); err != nil {
		return nil, err
	}
	return l, nil
}

// Append 以追加写的方式记录一条流水。
func (l *Log) Append(record Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.dataFile != "" {
		file, err := os.OpenFile(l.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("打开交易流水失败: %w", err)
		}
		defer file.Close()

		encoded, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("序列化流水记录失败: %w", err)
		}
		if _, err := file.Write(append(encoded, '\n')); err != nil {
			return fmt.Errorf("写入交易流水失败: %w", err)
		}
	}

	l.records = append(l.records, record)
	return nil
}

// ReadSince 返回序号 offset 之后（含）的所有记录，用于增量消费。
func (l *Log) ReadSince(offset int) []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if offset < 0 {
		offset = 0
	}
	if offset >= len(l.records) {
		return nil
	}
	results := make([]Record, len(l.records)-offset)
	copy(results, l.records[offset:])
	return results
}

// Len 返回当前流水条数。
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

func (l *Log) loadFromDisk() error {
	file, err := os.OpenFile(l.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取交易流水失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var restored []Record
	for scanner.Scan() {
		var record Record
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		restored = append(restored, record)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析交易流水失败: %w", err)
	}

	l.records = restored
	return nil
}
