package settlement

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
)

func sampleRecord(txID, status string) Record {
	return Record{
		Timestamp: 1700000000,
		TxID:      txID,
		Payer:     "wallet-a",
		Amount:    decimal.NewFromInt(30),
		Supplier:  "wallet-b",
		Status:    status,
		RiskScore: 0.3,
	}
}

func TestLogAppendAndReadSince(t *testing.T) {
	log, err := NewLog("")
	if err != nil {
		t.Fatalf("new log: %v", err)
	}

	for i, txID := range []string{"tx-1", "tx-2", "tx-3"} {
		record := sampleRecord(txID, RecordApproved)
		record.Timestamp += int64(i)
		if err := log.Append(record); err != nil {
			t.Fatalf("append %s: %v", txID, err)
		}
	}

	if log.Len() != 3 {
		t.Fatalf("expected 3 records, got %d", log.Len())
	}

	all := log.ReadSince(0)
	if len(all) != 3 || all[0].TxID != "tx-1" || all[2].TxID != "tx-3" {
		t.Fatalf("unexpected full read: %+v", all)
	}

	tail := log.ReadSince(2)
	if len(tail) != 1 || tail[0].TxID != "tx-3" {
		t.Fatalf("unexpected incremental read: %+v", tail)
	}

	if got := log.ReadSince(3); got != nil {
		t.Fatalf("offset past end should return nothing, got %+v", got)
	}
	if got := log.ReadSince(100); got != nil {
		t.Fatalf("large offset should return nothing, got %+v", got)
	}

	// 负偏移按 0 处理。
	if got := log.ReadSince(-5); len(got) != 3 {
		t.Fatalf("negative offset should return all records, got %d", len(got))
	}
}

func TestLogReadSinceReturnsCopy(t *testing.T) {
	log, _ := NewLog("")
	if err := log.Append(sampleRecord("tx-1", RecordApproved)); err != nil {
		t.Fatalf("append: %v", err)
	}

	records := log.ReadSince(0)
	records[0].Status = RecordFailed

	if log.ReadSince(0)[0].Status != RecordApproved {
		t.Fatalf("caller mutated the log through a read")
	}
}

func TestLogPersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()

	log, err := NewLog(dir)
	if err != nil {
		t.Fatalf("new log: %v", err)
	}
	record := sampleRecord("tx-1", RecordApproved)
	record.TxHash = "0xabc"
	if err := log.Append(record); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := log.Append(sampleRecord("tx-2", RecordBlocked)); err != nil {
		t.Fatalf("append: %v", err)
	}

	reloaded, err := NewLog(dir)
	if err != nil {
		t.Fatalf("reload log: %v", err)
	}
	records := reloaded.ReadSince(0)
	if len(records) != 2 {
		t.Fatalf("expected 2 records after reload, got %d", len(records))
	}
	if records[0].TxID != "tx-1" || records[0].TxHash != "0xabc" {
		t.Fatalf("first record corrupted: %+v", records[0])
	}
	if records[1].Status != RecordBlocked {
		t.Fatalf("second record corrupted: %+v", records[1])
	}
	if !records[0].Amount.Equal(decimal.NewFromInt(30)) {
		t.Fatalf("amount lost precision: %s", records[0].Amount)
	}
}

func TestLogSkipsCorruptLines(t *testing.T) {
	dir := t.TempDir()

	log, err := NewLog(dir)
	if err != nil {
		t.Fatalf("new log: %v", err)
	}
	if err := log.Append(sampleRecord("tx-1", RecordApproved)); err != nil {
		t.Fatalf("append: %v", err)
	}

	// 在文件尾部追加一行损坏数据，重启后应被跳过。
	file, err := os.OpenFile(filepath.Join(dir, "transactions.log"), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open log file: %v", err)
	}
	if _, err := file.WriteString("not-json\n"); err != nil {
		t.Fatalf("write corrupt line: %v", err)
	}
	file.Close()

	reloaded, err := NewLog(dir)
	if err != nil {
		t.Fatalf("reload log: %v", err)
	}
	if reloaded.Len() != 1 {
		t.Fatalf("expected corrupt line to be skipped, got %d records", reloaded.Len())
	}
}
