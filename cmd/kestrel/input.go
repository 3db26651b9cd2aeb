package main

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// readTransactions loads transactions for userID from a .json file (an
// array of transaction requests) or a CSV file with a header row naming
// some of: id, description, merchant, category, amount, timestamp.
func readTransactions(path, userID string) ([]domain.TransactionRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	var reqs []domain.TransactionRequest
	if strings.EqualFold(filepath.Ext(path), ".json") {
		if err := json.NewDecoder(f).Decode(&reqs); err != nil {
			return nil, eris.Wrapf(err, "decode %s", path)
		}
	} else if reqs, err = readCSV(f); err != nil {
		return nil, eris.Wrapf(err, "read %s", path)
	}

	out := make([]domain.TransactionRecord, len(reqs))
	for i := range reqs {
		id := reqs[i].ID
		if id == "" {
			id = uuid.New().String()
		}
		out[i] = reqs[i].ToRecord(userID, id)
	}
	return out, nil
}

func readCSV(r io.Reader) ([]domain.TransactionRequest, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, eris.Wrap(err, "read header")
	}
	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	if _, ok := colIndex["amount"]; !ok {
		return nil, eris.New("missing amount column")
	}

	field := func(record []string, name string) string {
		i, ok := colIndex[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	var out []domain.TransactionRequest
	for line := 2; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, eris.Wrapf(err, "line %d", line)
		}

		amount, err := decimal.NewFromString(field(record, "amount"))
		if err != nil {
			return nil, eris.Wrapf(err, "line %d: amount", line)
		}
		req := domain.TransactionRequest{
			ID:          field(record, "id"),
			Description: field(record, "description"),
			Merchant:    field(record, "merchant"),
			Category:    field(record, "category"),
			Amount:      amount,
		}
		if raw := field(record, "timestamp"); raw != "" {
			ts, err := parseTimestamp(raw)
			if err != nil {
				return nil, eris.Wrapf(err, "line %d: timestamp", line)
			}
			req.Timestamp = &ts
		}
		out = append(out, req)
	}
	return out, nil
}

func parseTimestamp(raw string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", time.DateOnly} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, eris.Errorf("unrecognized timestamp %q", raw)
}
