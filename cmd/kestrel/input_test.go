package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestReadTransactions(t *testing.T) {
	t.Run("CSV", func(t *testing.T) {
		path := writeFile(t, "txs.csv", "ID,Description,Merchant,Category,Amount,Timestamp\n"+
			"tx-1,Client lunch,Olive Garden,meals,84.20,2024-06-04T12:30:00Z\n"+
			",Printer paper,Staples,,19.99,2024-06-05\n")

		txs, err := readTransactions(path, "user-1")
		if err != nil {
			t.Fatalf("readTransactions failed: %v", err)
		}
		if len(txs) != 2 {
			t.Fatalf("expected 2 transactions, got %d", len(txs))
		}
		if txs[0].ID != "tx-1" || txs[0].UserID != "user-1" || txs[0].Category != "meals" {
			t.Errorf("unexpected first transaction: %+v", txs[0])
		}
		if txs[0].Amount.String() != "84.2" {
			t.Errorf("expected amount 84.2, got %s", txs[0].Amount)
		}
		if !txs[1].Timestamp.Equal(time.Date(2024, 6, 5, 0, 0, 0, 0, time.UTC)) {
			t.Errorf("unexpected timestamp: %v", txs[1].Timestamp)
		}
		if txs[1].ID == "" {
			t.Error("expected a generated ID")
		}
	})

	t.Run("JSON", func(t *testing.T) {
		path := writeFile(t, "txs.json", `[{"id":"a","description":"Flight","merchant":"Delta","amount":"420.00"}]`)

		txs, err := readTransactions(path, "")
		if err != nil {
			t.Fatalf("readTransactions failed: %v", err)
		}
		if len(txs) != 1 || txs[0].Merchant != "Delta" {
			t.Errorf("unexpected transactions: %+v", txs)
		}
	})

	t.Run("MissingAmountColumn", func(t *testing.T) {
		path := writeFile(t, "bad.csv", "description\nCoffee\n")
		if _, err := readTransactions(path, ""); err == nil {
			t.Error("expected error for missing amount column")
		}
	})

	t.Run("BadTimestamp", func(t *testing.T) {
		path := writeFile(t, "bad.csv", "amount,timestamp\n5,yesterday\n")
		if _, err := readTransactions(path, ""); err == nil {
			t.Error("expected error for unparseable timestamp")
		}
	})

	t.Run("MissingFile", func(t *testing.T) {
		if _, err := readTransactions(filepath.Join(t.TempDir(), "nope.csv"), ""); err == nil {
			t.Error("expected error for missing file")
		}
	})
}
