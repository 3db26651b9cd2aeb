package main

import (
	"context"
	"encoding/json"
	"io"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/models"
)

// batchFlags selects the transactions a command works on: a file, or the
// user's recent history when no file is given.
type batchFlags struct {
	input  string
	userID string
}

func (f *batchFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.input, "input", "i", "", "transactions file (.json or .csv)")
	cmd.Flags().StringVarP(&f.userID, "user", "u", "", "user whose history is used and who owns the results")
}

func (f *batchFlags) load(ctx context.Context, a *app) ([]domain.TransactionRecord, error) {
	if f.input == "" {
		if f.userID == "" {
			return nil, eris.New("either --input or --user is required")
		}
		return a.history.Recent(ctx, f.userID)
	}
	return readTransactions(f.input, f.userID)
}

func trainCmd() *cobra.Command {
	var (
		batch      batchFlags
		classifier bool
		noSave     bool
	)
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train the outlier ensemble and store the artifacts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, logger, false)
			if err != nil {
				return err
			}
			defer a.close()

			// Keep a stored text classifier in the new set.
			if err := a.models.Load(ctx); err != nil {
				logger.Debug("no stored artifacts to extend", zap.Error(err))
			}

			txs, err := batch.load(ctx, a)
			if err != nil {
				return err
			}
			opts := models.TrainOptions{Save: !noSave}
			report, err := a.models.Train(ctx, txs, opts)
			if err != nil {
				return err
			}
			if classifier {
				if _, err := a.models.TrainClassifier(ctx, models.ExamplesFromTransactions(txs), opts); err != nil {
					return err
				}
			}

			return writeOutput(cmd.OutOrStdout(), map[string]any{
				"report": report,
				"model":  a.models.Current().Summarize(),
			})
		},
	}
	batch.register(cmd)
	cmd.Flags().BoolVar(&classifier, "classifier", false, "also train the local text classifier")
	cmd.Flags().BoolVar(&noSave, "no-save", false, "train without storing the artifacts")
	return cmd
}

func trainClassifierCmd() *cobra.Command {
	var (
		batch  batchFlags
		noSave bool
	)
	cmd := &cobra.Command{
		Use:   "train-classifier",
		Short: "Train the local text classifier from categorized transactions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, logger, false)
			if err != nil {
				return err
			}
			defer a.close()

			// Keep stored outlier artifacts when the classifier is added.
			if err := a.models.Load(ctx); err != nil {
				logger.Debug("no stored artifacts to extend", zap.Error(err))
			}

			txs, err := batch.load(ctx, a)
			if err != nil {
				return err
			}
			model, err := a.models.TrainClassifier(ctx, models.ExamplesFromTransactions(txs), models.TrainOptions{Save: !noSave})
			if err != nil {
				return err
			}

			return writeOutput(cmd.OutOrStdout(), map[string]any{
				"documents": model.Docs,
				"classes":   model.Classes,
				"model":     a.models.Current().Summarize(),
			})
		},
	}
	batch.register(cmd)
	cmd.Flags().BoolVar(&noSave, "no-save", false, "train without storing the artifacts")
	return cmd
}

func detectCmd() *cobra.Command {
	var (
		batch batchFlags
		save  bool
	)
	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Detect anomalies in a batch of transactions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, logger, false)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.models.Load(ctx); err != nil {
				logger.Warn("detecting with rules only", zap.Error(err))
			}

			txs, err := batch.load(ctx, a)
			if err != nil {
				return err
			}
			report, err := a.detector.Detect(ctx, batch.userID, txs)
			if err != nil {
				return err
			}
			if save {
				if batch.userID == "" {
					return eris.New("--save requires --user")
				}
				if err := a.repo.SaveAnomalyReport(ctx, batch.userID, report); err != nil {
					return err
				}
			}
			return writeOutput(cmd.OutOrStdout(), report)
		},
	}
	batch.register(cmd)
	cmd.Flags().BoolVar(&save, "save", false, "store the report")
	return cmd
}

func categorizeCmd() *cobra.Command {
	var (
		batch batchFlags
		req   domain.TransactionRequest
		amt   string
	)
	cmd := &cobra.Command{
		Use:   "categorize",
		Short: "Categorize one transaction or a file of transactions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, logger, false)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.models.Load(ctx); err != nil {
				logger.Debug("local classifier unavailable", zap.Error(err))
			}

			var txs []domain.TransactionRecord
			if batch.input != "" {
				if txs, err = readTransactions(batch.input, batch.userID); err != nil {
					return err
				}
			} else {
				if req.Description == "" && req.Merchant == "" {
					return eris.New("--description or --merchant is required")
				}
				if amt != "" {
					if req.Amount, err = decimal.NewFromString(amt); err != nil {
						return eris.Wrap(err, "parse --amount")
					}
				}
				txs = []domain.TransactionRecord{req.ToRecord(batch.userID, "cli")}
			}

			type result struct {
				TransactionID string `json:"transactionId"`
				*domain.ConsensusResult
			}
			results := make([]result, 0, len(txs))
			for _, tx := range txs {
				res, err := a.consensus.Categorize(ctx, tx)
				if err != nil {
					return err
				}
				results = append(results, result{TransactionID: tx.ID, ConsensusResult: res})
			}
			return writeOutput(cmd.OutOrStdout(), results)
		},
	}
	batch.register(cmd)
	cmd.Flags().StringVarP(&req.Description, "description", "d", "", "transaction description")
	cmd.Flags().StringVarP(&req.Merchant, "merchant", "m", "", "merchant name")
	cmd.Flags().StringVarP(&amt, "amount", "a", "", "transaction amount")
	return cmd
}

func writeOutput(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
