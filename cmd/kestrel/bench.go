package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// benchMetrics tracks one categorization benchmark run.
type benchMetrics struct {
	mu        sync.Mutex
	confusion map[string]map[string]int64 // expected -> predicted -> count

	TotalProcessed   int64
	TotalErrors      int64
	ProcessingTimeMs int64
}

func newBenchMetrics() *benchMetrics {
	return &benchMetrics{confusion: make(map[string]map[string]int64)}
}

func (m *benchMetrics) observe(expected, predicted string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.confusion[expected]
	if !ok {
		row = make(map[string]int64)
		m.confusion[expected] = row
	}
	row[predicted]++
}

// classScore holds precision and recall of one category.
type classScore struct {
	Category  string
	Support   int64
	Precision float64
	Recall    float64
	F1        float64
}

// scores returns per-category scores ordered by category and the overall
// accuracy.
func (m *benchMetrics) scores() ([]classScore, float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	predictedTotals := make(map[string]int64)
	categories := make(map[string]bool)
	var correct, total int64
	for expected, row := range m.confusion {
		categories[expected] = true
		for predicted, n := range row {
			categories[predicted] = true
			predictedTotals[predicted] += n
			total += n
			if predicted == expected {
				correct += n
			}
		}
	}

	out := make([]classScore, 0, len(categories))
	for category := range categories {
		var support int64
		for _, n := range m.confusion[category] {
			support += n
		}
		tp := m.confusion[category][category]

		s := classScore{Category: category, Support: support}
		if predictedTotals[category] > 0 {
			s.Precision = float64(tp) / float64(predictedTotals[category])
		}
		if support > 0 {
			s.Recall = float64(tp) / float64(support)
		}
		if s.Precision+s.Recall > 0 {
			s.F1 = 2 * s.Precision * s.Recall / (s.Precision + s.Recall)
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })

	accuracy := 0.0
	if total > 0 {
		accuracy = float64(correct) / float64(total)
	}
	return out, accuracy
}

func benchCmd() *cobra.Command {
	var (
		input   string
		baseURL string
		userID  string
		workers int
		limit   int
		verbose bool
	)
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure categorization accuracy of a running server on labeled data",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			txs, err := readTransactions(input, userID)
			if err != nil {
				return err
			}
			labeled := txs[:0]
			for _, tx := range txs {
				if tx.Category != "" {
					labeled = append(labeled, tx)
				}
			}
			if limit > 0 && len(labeled) > limit {
				labeled = labeled[:limit]
			}
			if len(labeled) == 0 {
				return eris.Errorf("%s has no labeled transactions", input)
			}

			client := &http.Client{Timeout: 30 * time.Second}
			if err := checkHealth(ctx, client, baseURL); err != nil {
				return eris.Wrapf(err, "kestrel not reachable at %s", baseURL)
			}

			fmt.Fprintf(out, "Benchmarking %d labeled transactions against %s with %d workers\n", len(labeled), baseURL, workers)
			start := time.Now()
			metrics := runBenchmark(ctx, client, baseURL, userID, labeled, workers, func(tx domain.TransactionRecord, predicted string, err error) {
				if !verbose {
					return
				}
				switch {
				case err != nil:
					fmt.Fprintf(out, "ERROR %s -> %v\n", tx.ID, err)
				case predicted == tx.Category:
					fmt.Fprintf(out, "ok    %-40.40s %s\n", tx.Description, predicted)
				default:
					fmt.Fprintf(out, "miss  %-40.40s %s (expected %s)\n", tx.Description, predicted, tx.Category)
				}
			})
			printBenchResults(out, metrics, time.Since(start))
			return nil
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "", "labeled transactions file (.json or .csv with a category column)")
	cmd.Flags().StringVar(&baseURL, "url", "http://localhost:8080", "Kestrel base URL")
	cmd.Flags().StringVarP(&userID, "user", "u", "benchmark", "user ID sent with every request")
	cmd.Flags().IntVar(&workers, "workers", 10, "number of concurrent requests")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum transactions to send (0 = all)")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "print each transaction result")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

func checkHealth(ctx context.Context, client *http.Client, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return eris.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func runBenchmark(ctx context.Context, client *http.Client, baseURL, userID string, txs []domain.TransactionRecord, numWorkers int, report func(domain.TransactionRecord, string, error)) *benchMetrics {
	metrics := newBenchMetrics()
	if numWorkers <= 0 {
		numWorkers = 1
	}

	work := make(chan domain.TransactionRecord, 100)
	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for tx := range work {
				start := time.Now()
				predicted, err := categorizeRemote(ctx, client, baseURL, userID, tx)
				atomic.AddInt64(&metrics.ProcessingTimeMs, time.Since(start).Milliseconds())
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
				} else {
					metrics.observe(tx.Category, predicted)
				}
				report(tx, predicted, err)
			}
		}()
	}

	for _, tx := range txs {
		if ctx.Err() != nil {
			break
		}
		work <- tx
	}
	close(work)
	wg.Wait()
	return metrics
}

func categorizeRemote(ctx context.Context, client *http.Client, baseURL, userID string, tx domain.TransactionRecord) (string, error) {
	ts := tx.Timestamp
	body, err := json.Marshal(domain.TransactionRequest{
		ID:          tx.ID,
		Description: tx.Description,
		Merchant:    tx.Merchant,
		Amount:      tx.Amount,
		Timestamp:   &ts,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/categorize", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", userID)

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", eris.Errorf("status %d", resp.StatusCode)
	}

	var result domain.ConsensusResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	return result.Category, nil
}

func printBenchResults(w io.Writer, m *benchMetrics, duration time.Duration) {
	scores, accuracy := m.scores()

	fmt.Fprintln(w)
	fmt.Fprintln(w, "BENCHMARK RESULTS")
	fmt.Fprintf(w, "   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Fprintf(w, "   Errors:           %d\n", m.TotalErrors)
	fmt.Fprintf(w, "   Accuracy:         %.4f\n", accuracy)

	fmt.Fprintln(w)
	fmt.Fprintf(w, "   %-16s %8s %9s %8s %8s\n", "category", "support", "precision", "recall", "f1")
	for _, s := range scores {
		fmt.Fprintf(w, "   %-16s %8d %9.4f %8.4f %8.4f\n", s.Category, s.Support, s.Precision, s.Recall, s.F1)
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
		tps := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Fprintf(w, "   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Fprintf(w, "   Throughput:       %.2f tx/sec\n", tps)
	}
	fmt.Fprintln(w)
}
