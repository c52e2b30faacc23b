package main

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gorm.io/gorm"
)

// Metrics contains all Prometheus metrics for the application
type Metrics struct {
	// Sync pass metrics
	SyncPasses   prometheus.Counter
	SyncFailures prometheus.Counter
	SyncSkipped  prometheus.Counter
	SyncDuration prometheus.Histogram

	// Transaction metrics
	TransactionsTracked prometheus.Gauge
	TransactionsPruned  prometheus.Counter
	TransactionsFailed  prometheus.Counter

	// Invitation metrics
	Invitations *prometheus.GaugeVec

	// Payment metrics
	BroadcastAttemptsTotal   prometheus.Counter
	BroadcastAttemptsSuccess prometheus.Counter
	BroadcastAttemptsFail    prometheus.Counter

	// Wallet balance metrics
	WalletBalanceSats    prometheus.Gauge
	LightningBalanceSats prometheus.Gauge
}

// NewMetrics initializes and registers Prometheus metrics
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(nil)
}

// NewMetricsWithRegistry initializes and registers Prometheus metrics with a custom registry
func NewMetricsWithRegistry(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	metrics := &Metrics{
		SyncPasses: factory.NewCounter(prometheus.CounterOpts{
			Name: "walletsync_passes_total",
			Help: "The total number of completed sync passes",
		}),
		SyncFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "walletsync_pass_failures_total",
			Help: "The total number of sync passes with at least one failed step",
		}),
		SyncSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "walletsync_passes_skipped_total",
			Help: "The total number of sync triggers skipped because a pass was in flight",
		}),
		SyncDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "walletsync_pass_duration_seconds",
			Help:    "Duration of full pipeline passes",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		TransactionsTracked: factory.NewGauge(prometheus.GaugeOpts{
			Name: "walletsync_transactions_tracked",
			Help: "The current number of tracked transactions",
		}),
		TransactionsPruned: factory.NewCounter(prometheus.CounterOpts{
			Name: "walletsync_transactions_pruned_total",
			Help: "The total number of stale transactions removed during reconciliation",
		}),
		TransactionsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "walletsync_transactions_marked_failed_total",
			Help: "The total number of pending transactions marked broadcast-failed",
		}),
		Invitations: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "walletsync_invitations",
			Help: "The number of invitations",
		},
			[]string{"side", "status"},
		),
		BroadcastAttemptsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "walletsync_broadcast_attempts_total",
			Help: "The total number of broadcast attempts",
		}),
		BroadcastAttemptsSuccess: factory.NewCounter(prometheus.CounterOpts{
			Name: "walletsync_broadcast_attempts_success",
			Help: "The total number of successful broadcast attempts",
		}),
		BroadcastAttemptsFail: factory.NewCounter(prometheus.CounterOpts{
			Name: "walletsync_broadcast_attempts_fail",
			Help: "The total number of failed broadcast attempts",
		}),
		WalletBalanceSats: factory.NewGauge(prometheus.GaugeOpts{
			Name: "walletsync_wallet_balance_sats",
			Help: "Spendable on-chain balance in satoshis",
		}),
		LightningBalanceSats: factory.NewGauge(prometheus.GaugeOpts{
			Name: "walletsync_lightning_balance_sats",
			Help: "Lightning ledger balance in satoshis",
		}),
	}

	return metrics
}

func (m *Metrics) RecordMetricsPeriodically(db *gorm.DB, logger Logger) {
	logger = logger.NewSystem("metrics")
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		m.UpdateTransactionMetrics(db, logger)
		m.UpdateInvitationMetrics(db, logger)
		m.UpdateBalanceMetrics(db, logger)
	}
}

func (m *Metrics) UpdateTransactionMetrics(db *gorm.DB, logger Logger) {
	var count int64
	if err := db.Model(&Transaction{}).Where("is_temporary = ?", false).Count(&count).Error; err != nil {
		logger.Warn("failed to count transactions", "error", err)
		return
	}
	m.TransactionsTracked.Set(float64(count))
}

// UpdateInvitationMetrics updates the invitation gauges from the database
func (m *Metrics) UpdateInvitationMetrics(db *gorm.DB, logger Logger) {
	type sideStatusCount struct {
		Side   string
		Status string
		Count  int64
	}

	var results []sideStatusCount
	err := db.Model(&Invitation{}).
		Select("side, status, COUNT(*) as count").
		Group("side").Group("status").
		Scan(&results).Error
	if err != nil {
		logger.Warn("failed to count invitations", "error", err)
		return
	}

	// Stage values to avoid partial update issues
	tmp := make(map[[2]string]float64)
	for _, row := range results {
		tmp[[2]string{row.Side, row.Status}] = float64(row.Count)
	}

	m.Invitations.Reset()
	for key, count := range tmp {
		m.Invitations.WithLabelValues(key[0], key[1]).Set(count)
	}
}

func (m *Metrics) UpdateBalanceMetrics(db *gorm.DB, logger Logger) {
	onChain, err := spendableBalanceSats(db)
	if err != nil {
		logger.Warn("failed to compute spendable balance", "error", err)
		return
	}
	m.WalletBalanceSats.Set(float64(onChain))

	lightning, err := lightningBalanceSats(db)
	if err != nil {
		logger.Warn("failed to compute lightning balance", "error", err)
		return
	}
	m.LightningBalanceSats.Set(float64(lightning))
}
