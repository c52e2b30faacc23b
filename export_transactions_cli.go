package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gorm.io/gorm"
)

// ExportOptions contains options for exporting transactions
type ExportOptions struct {
	// After limits the export to transactions dated on or after this time.
	After     *time.Time
	OutputDir string
}

// TransactionExporter handles exporting transactions to CSV
type TransactionExporter struct {
	db *gorm.DB
}

// NewTransactionExporter creates a new transaction exporter
func NewTransactionExporter(db *gorm.DB) *TransactionExporter {
	return &TransactionExporter{
		db: db,
	}
}

// ExportToCSV exports transactions to CSV format
func (e *TransactionExporter) ExportToCSV(writer io.Writer, options ExportOptions) error {
	transactions, err := getAllTransactions(e.db)
	if err != nil {
		return fmt.Errorf("failed to get transactions: %w", err)
	}

	csvWriter := csv.NewWriter(writer)
	defer csvWriter.Flush()

	header := []string{"TxID", "Date", "BlockHeight", "AmountSats", "SentToSelf", "BroadcastFailed", "DayAveragePriceUSD", "Memo"}
	if err := csvWriter.Write(header); err != nil {
		return fmt.Errorf("failed to write header to CSV: %w", err)
	}

	for _, tx := range transactions {
		if tx.IsTemporary {
			continue
		}
		if options.After != nil && tx.Date.Before(*options.After) {
			continue
		}

		blockHeight := ""
		if tx.BlockHeight != nil {
			blockHeight = strconv.FormatInt(*tx.BlockHeight, 10)
		}
		price := ""
		if tx.DayAveragePrice != nil {
			price = tx.DayAveragePrice.String()
		}

		row := []string{
			tx.TxID,
			tx.Date.UTC().Format(time.RFC3339),
			blockHeight,
			strconv.FormatInt(tx.NetWalletAmount(), 10),
			strconv.FormatBool(tx.SentToSelf),
			strconv.FormatBool(tx.BroadcastFailed),
			price,
			tx.SharedMemo,
		}
		if err := csvWriter.Write(row); err != nil {
			return fmt.Errorf("failed to write row to CSV: %w", err)
		}
	}
	return nil
}

// ExportToFile exports transactions to a CSV file
func (e *TransactionExporter) ExportToFile(options ExportOptions) (string, error) {
	if err := os.MkdirAll(options.OutputDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create directory %s: %w", options.OutputDir, err)
	}

	fileName := filepath.Join(options.OutputDir, fmt.Sprintf("transactions_%s.csv", time.Now().UTC().Format("2006-01-02")))
	file, err := os.Create(fileName)
	if err != nil {
		return "", fmt.Errorf("failed to create CSV file %s: %w", fileName, err)
	}
	defer file.Close()

	if err := e.ExportToCSV(file, options); err != nil {
		return "", fmt.Errorf("failed to export to CSV: %w", err)
	}

	return fileName, nil
}

func runExportTransactionsCli(logger Logger) {
	logger = logger.NewSystem("export-transactions")
	if len(os.Args) > 3 {
		logger.Fatal("Usage: walletsyncd export-transactions [after-date]")
	}

	var after *time.Time
	if len(os.Args) > 2 {
		parsed, err := time.Parse("2006-01-02", os.Args[2])
		if err != nil {
			logger.Fatal("Invalid after date, expected YYYY-MM-DD", "value", os.Args[2], "error", err)
		}
		after = &parsed
	}

	config, err := LoadConfig(logger)
	if err != nil {
		logger.Fatal("Failed to load configuration", "error", err)
	}

	db, err := ConnectToDB(config.dbConf)
	if err != nil {
		logger.Fatal("Failed to setup database", "error", err)
	}

	exporter := NewTransactionExporter(db)
	options := ExportOptions{
		After:     after,
		OutputDir: "csv_export",
	}

	fileName, err := exporter.ExportToFile(options)
	if err != nil {
		logger.Fatal("Failed to export transactions", "error", err)
	}
	logger.Info("Successfully exported transactions", "file", fileName)
}
