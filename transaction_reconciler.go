package main

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const (
	// syncLookbackMargin widens the incremental window behind the newest
	// known transaction so reorged or late-indexed entries are not missed.
	syncLookbackMargin = 24 * time.Hour

	// notificationWindow bounds shared-payload fetches. Payloads older than
	// this are not worth decrypting; a failure there is not actionable.
	notificationWindow = 14 * 24 * time.Hour
)

// TransactionReconciler reconciles on-chain transaction state between the
// local store and the remote ledger.
type TransactionReconciler struct {
	db       *gorm.DB
	client   LedgerClient
	source   AddressSource
	scanner  *GapLimitScanner
	cryptor  *PayloadCryptor
	notifier *Notifier
	metrics  *Metrics
	logger   Logger

	gapLimit        uint32
	detailBatchSize int
	maxInFlight     int
}

func NewTransactionReconciler(db *gorm.DB, client LedgerClient, source AddressSource, cryptor *PayloadCryptor, notifier *Notifier, metrics *Metrics, cfg *Config, logger Logger) *TransactionReconciler {
	return &TransactionReconciler{
		db:              db,
		client:          client,
		source:          source,
		scanner:         NewGapLimitScanner(source, client, cfg.GapLimit, logger),
		cryptor:         cryptor,
		notifier:        notifier,
		metrics:         metrics,
		logger:          logger.NewSystem("tx-reconciler"),
		gapLimit:        cfg.GapLimit,
		detailBatchSize: cfg.DetailBatchSize,
		maxInFlight:     cfg.MaxInFlightBatches,
	}
}

// SyncFull rescans both chains from index zero, ignoring any date window.
// Used when no local history exists or a resync is explicitly requested.
func (r *TransactionReconciler) SyncFull(ctx context.Context) error {
	state, err := getWalletIndexState(r.db)
	if err != nil {
		return err
	}

	summaries := make([]AddressSummary, 0)
	derived := make(map[string]DerivedAddress)
	for _, chain := range []AddressChain{ChainReceive, ChainChange} {
		result, err := r.scanner.Scan(ctx, chain, 0, state.lastUsed(chain), nil)
		if err != nil {
			return err
		}
		summaries = append(summaries, result.Summaries...)
		for addr, d := range result.Derived {
			derived[addr] = d
		}
	}

	return r.reconcile(ctx, summaries, derived, false)
}

// SyncIncremental reconciles activity inside a lookback window anchored on
// the newest known transaction. Falls back to SyncFull on an empty store.
func (r *TransactionReconciler) SyncIncremental(ctx context.Context) error {
	latest, err := latestTransactionDate(r.db)
	if err != nil {
		return err
	}
	if latest == nil {
		r.logger.Info("no local history, running full sync")
		return r.SyncFull(ctx)
	}
	after := latest.Add(-syncLookbackMargin)

	state, err := getWalletIndexState(r.db)
	if err != nil {
		return err
	}

	// The incremental window covers every address up to the last-used index
	// plus a gap-limit extension; no forward seeking.
	derived := make(map[string]DerivedAddress)
	addresses := make([]string, 0)
	for _, chain := range []AddressChain{ChainReceive, ChainChange} {
		limit := state.lastUsed(chain) + int64(r.gapLimit)
		for index := int64(0); index <= limit; index++ {
			d, err := r.source.DeriveAddress(chain, uint32(index))
			if err != nil {
				r.logger.Warn("skipping underivable index", "chain", chain, "index", index, "error", err)
				continue
			}
			derived[d.Address] = d
			addresses = append(addresses, d.Address)
		}
	}

	summaries, err := r.fetchSummariesChunked(ctx, addresses, &after)
	if err != nil {
		return err
	}

	return r.reconcile(ctx, summaries, derived, true)
}

func (r *TransactionReconciler) fetchSummariesChunked(ctx context.Context, addresses []string, after *time.Time) ([]AddressSummary, error) {
	var (
		mu        sync.Mutex
		summaries []AddressSummary
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.maxInFlight)
	for _, chunk := range chunkStrings(addresses, int(r.gapLimit)) {
		chunk := chunk
		g.Go(func() error {
			batch, err := r.client.FetchTransactionSummaries(gctx, chunk, after)
			if errors.Is(err, ErrEmptyResponse) {
				return nil
			}
			if err != nil {
				return err
			}
			mu.Lock()
			summaries = append(summaries, batch...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return summaries, nil
}

// reconcile runs the shared algorithm: dedupe, index update, metadata
// refresh, detail fetch, persistence, prune/mark-failed, derived state.
func (r *TransactionReconciler) reconcile(ctx context.Context, summaries []AddressSummary, derived map[string]DerivedAddress, incremental bool) error {
	// Step 1: dedupe by (address, txid).
	type atsKey struct{ address, txid string }
	seen := make(map[atsKey]struct{}, len(summaries))
	deduped := summaries[:0]
	atsTxids := make(map[string]struct{})
	for _, s := range summaries {
		key := atsKey{s.Address, s.TxID}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		deduped = append(deduped, s)
		atsTxids[s.TxID] = struct{}{}
	}

	// Step 2: advance last-used indices from the highest observed index.
	err := r.db.Transaction(func(tx *gorm.DB) error {
		for _, s := range deduped {
			d, ok := derived[s.Address]
			if !ok {
				continue
			}
			if err := advanceUsedIndex(tx, d.Chain, d.Index); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "advance used indices")
	}

	// Step 3: refresh network metadata before any confirmation math.
	info, err := r.client.FetchNetworkInfo(ctx)
	if err != nil {
		return errors.Wrap(err, "refresh network info")
	}

	// Step 4: decide which txids need a full detail fetch.
	needed := make([]string, 0, len(atsTxids))
	var skipConfirmed map[string]struct{}
	if incremental {
		skipConfirmed, err = getConfirmedTxIDs(r.db, info.BestHeight)
		if err != nil {
			return err
		}
	}
	for txid := range atsTxids {
		if _, ok := skipConfirmed[txid]; ok {
			continue
		}
		needed = append(needed, txid)
	}
	sort.Strings(needed)

	// Step 5: fetch details in bounded-concurrency batches.
	details, err := r.fetchDetails(ctx, needed)
	if err != nil {
		return err
	}

	// Step 6: the searchable address set is recomputed from scratch; prior
	// responses may predate index advances.
	searchable, err := r.searchableAddresses(derived)
	if err != nil {
		return err
	}

	// Step 7: shared payloads only for recent transactions.
	notifications, err := r.fetchRecentNotifications(ctx, details)
	if err != nil {
		r.logger.Warn("failed to fetch transaction notifications", "error", err)
		notifications = nil
	}

	// Mark-failed candidates are resolved against the secondary source
	// before the persist transaction opens; no network inside the commit.
	markFailed, pruneTxids, err := r.resolveStaleTransactions(ctx, atsTxids, incremental)
	if err != nil {
		return err
	}

	// Step 8: persist everything atomically.
	err = r.db.Transaction(func(tx *gorm.DB) error {
		return r.persist(tx, deduped, derived, details, searchable, notifications, atsTxids, markFailed, pruneTxids)
	})
	if err != nil {
		return errors.Wrap(err, "persist reconciliation")
	}

	if r.metrics != nil {
		r.metrics.TransactionsPruned.Add(float64(len(pruneTxids)))
		r.metrics.TransactionsFailed.Add(float64(len(markFailed)))
	}

	// Step 10: backfill missing day-average prices, best effort per item.
	r.backfillPrices(ctx)

	r.notifier.Emit(RatesUpdatedEventType, info)
	r.notifier.Emit(BalanceChangedEventType, nil)

	r.logger.Info("reconciliation pass complete",
		"incremental", incremental,
		"summaries", len(deduped),
		"detailsFetched", len(details),
		"markedFailed", len(markFailed),
		"pruned", len(pruneTxids))
	return nil
}

func (r *TransactionReconciler) fetchDetails(ctx context.Context, txids []string) ([]TransactionDetail, error) {
	var (
		mu      sync.Mutex
		details []TransactionDetail
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.maxInFlight)
	for _, chunk := range chunkStrings(txids, r.detailBatchSize) {
		chunk := chunk
		g.Go(func() error {
			batch, err := r.client.FetchTransactionDetails(gctx, chunk)
			if err != nil {
				return errors.Wrap(err, "fetch transaction details")
			}
			mu.Lock()
			details = append(details, batch...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Parents before children so input ownership can resolve within the
	// same batch.
	sort.Slice(details, func(i, j int) bool { return details[i].Time.Before(details[j].Time) })
	return details, nil
}

// searchableAddresses derives the complete receive+change set up to the
// current last-used indices, merged with the addresses this pass scanned.
func (r *TransactionReconciler) searchableAddresses(scanned map[string]DerivedAddress) (map[string]DerivedAddress, error) {
	state, err := getWalletIndexState(r.db)
	if err != nil {
		return nil, err
	}

	searchable := make(map[string]DerivedAddress, len(scanned))
	for addr, d := range scanned {
		searchable[addr] = d
	}
	for _, chain := range []AddressChain{ChainReceive, ChainChange} {
		for index := int64(0); index <= state.lastUsed(chain); index++ {
			d, err := r.source.DeriveAddress(chain, uint32(index))
			if err != nil {
				r.logger.Warn("skipping underivable index", "chain", chain, "index", index, "error", err)
				continue
			}
			searchable[d.Address] = d
		}
	}
	return searchable, nil
}

func (r *TransactionReconciler) fetchRecentNotifications(ctx context.Context, details []TransactionDetail) ([]TransactionNotification, error) {
	cutoff := time.Now().Add(-notificationWindow)
	recent := make([]string, 0)
	for _, d := range details {
		if d.Time.After(cutoff) {
			recent = append(recent, d.TxID)
		}
	}
	if len(recent) == 0 {
		return nil, nil
	}
	return r.client.FetchTransactionNotifications(ctx, recent)
}

// resolveStaleTransactions splits local transactions absent from the expected
// txid set into prune candidates (confirmed, full pass only) and mark-failed
// candidates (pending, confirmed absent by the secondary source too).
func (r *TransactionReconciler) resolveStaleTransactions(ctx context.Context, atsTxids map[string]struct{}, incremental bool) (markFailed, prune []string, err error) {
	pending, err := getPendingTransactions(r.db)
	if err != nil {
		return nil, nil, err
	}
	for _, txn := range pending {
		if _, ok := atsTxids[txn.TxID]; ok {
			continue
		}
		if incremental && txn.Date.Before(time.Now().Add(-syncLookbackMargin*2)) {
			// Outside the window the primary feed was queried for; absence
			// means nothing.
			continue
		}
		present, err := r.client.ConfirmTransactionPresence(ctx, txn.TxID)
		if err != nil {
			r.logger.Warn("secondary presence check failed, leaving transaction pending", "txid", txn.TxID, "error", err)
			continue
		}
		if !present {
			markFailed = append(markFailed, txn.TxID)
		}
	}

	// Incremental passes see a windowed feed; absence of old confirmed
	// transactions from it is expected, so pruning is full-pass only.
	if !incremental {
		all, err := getAllTransactions(r.db)
		if err != nil {
			return nil, nil, err
		}
		for _, txn := range all {
			if txn.IsTemporary || txn.BlockHeight == nil {
				continue
			}
			if _, ok := atsTxids[txn.TxID]; !ok {
				prune = append(prune, txn.TxID)
			}
		}
	}
	return markFailed, prune, nil
}

func (r *TransactionReconciler) persist(tx *gorm.DB, summaries []AddressSummary, derived map[string]DerivedAddress, details []TransactionDetail, searchable map[string]DerivedAddress, notifications []TransactionNotification, atsTxids map[string]struct{}, markFailed, pruneTxids []string) error {
	atsRows := make([]AddressTransactionSummary, 0, len(summaries))
	for _, s := range summaries {
		d, ok := derived[s.Address]
		if !ok {
			continue
		}
		atsRows = append(atsRows, AddressTransactionSummary{
			Address:         s.Address,
			TxID:            s.TxID,
			DerivationChain: d.Chain,
			DerivationIndex: d.Index,
			Date:            s.Time,
		})
	}
	if err := upsertAddressSummaries(tx, atsRows); err != nil {
		return err
	}

	memos := r.decryptNotifications(notifications, searchable)

	// ownedOutputs accumulates ownership across the batch so child inputs
	// can resolve parents persisted moments earlier.
	ownedOutputs := make(map[string]map[uint32]int64)
	loadOwned := func(txid string) map[uint32]int64 {
		if m, ok := ownedOutputs[txid]; ok {
			return m
		}
		var outs []TxOutput
		if err := tx.Where("txid = ? AND is_owned = ?", txid, true).Find(&outs).Error; err != nil {
			return nil
		}
		m := make(map[uint32]int64, len(outs))
		for _, o := range outs {
			m[o.N] = o.ValueSats
		}
		ownedOutputs[txid] = m
		return m
	}

	for _, d := range details {
		txn := Transaction{
			TxID:        d.TxID,
			BlockHeight: d.BlockHeight,
			Date:        d.Time,
			SharedMemo:  memos[d.TxID],
		}

		allOutputsOwned := len(d.Outputs) > 0
		owned := make(map[uint32]int64)
		for _, out := range d.Outputs {
			derivedOut, isOwned := searchable[out.Address]
			output := TxOutput{
				N:         out.N,
				Address:   out.Address,
				ValueSats: out.ValueSats,
				IsOwned:   isOwned,
			}
			if isOwned {
				output.DerivationChain = uint32(derivedOut.Chain)
				output.DerivationIndex = derivedOut.Index
				owned[out.N] = out.ValueSats
			} else {
				allOutputsOwned = false
			}
			txn.Outputs = append(txn.Outputs, output)
		}
		txn.SentToSelf = allOutputsOwned

		for i, in := range d.Inputs {
			prevOwned := loadOwned(in.PrevTxID)
			_, isOwned := prevOwned[in.PrevIndex]
			txn.Inputs = append(txn.Inputs, TxInput{
				N:         uint32(i),
				PrevTxID:  in.PrevTxID,
				PrevIndex: in.PrevIndex,
				ValueSats: in.ValueSats,
				IsOwned:   isOwned,
			})
		}

		if err := upsertTransaction(tx, &txn); err != nil {
			return err
		}
		ownedOutputs[d.TxID] = owned

		if txn.SharedMemo != "" {
			if err := tx.Model(&Transaction{}).Where("txid = ?", d.TxID).
				Update("shared_memo", txn.SharedMemo).Error; err != nil {
				return err
			}
		}
	}

	// A txid the primary feed reports again is alive regardless of any
	// earlier failure verdict.
	for txid := range atsTxids {
		if err := clearTransactionFailed(tx, txid); err != nil {
			return err
		}
	}

	for _, txid := range pruneTxids {
		if err := deleteTransaction(tx, txid); err != nil {
			return err
		}
	}
	for _, txid := range markFailed {
		if err := markTransactionFailed(tx, txid); err != nil {
			return err
		}
	}

	// Step 9: recompute unspent flags against the full input set.
	return recomputeUnspentOutputs(tx)
}

func (r *TransactionReconciler) decryptNotifications(notifications []TransactionNotification, searchable map[string]DerivedAddress) map[string]string {
	memos := make(map[string]string, len(notifications))
	for _, n := range notifications {
		if r.cryptor == nil {
			break
		}
		var memo string
		var err error
		if d, ok := searchable[n.Address]; ok && d.Chain == ChainReceive {
			memo, err = r.cryptor.DecryptOnChain(n.TxID, n.Payload, d)
		} else {
			memo, err = r.cryptor.DecryptLightning(n.TxID, n.Payload)
		}
		if err != nil {
			// Payload is dropped, transaction still persists without it.
			r.logger.Warn("dropping undecryptable payload", "txid", n.TxID, "error", err)
			continue
		}
		memos[n.TxID] = memo
	}
	return memos
}

// backfillPrices fills missing day-average prices. Per-item failures are
// logged and skipped; a missing price is never fatal to a pass.
func (r *TransactionReconciler) backfillPrices(ctx context.Context) {
	missing, err := transactionsMissingPrice(r.db)
	if err != nil {
		r.logger.Warn("failed to list transactions missing price", "error", err)
		return
	}
	if len(missing) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.maxInFlight)
	for _, txn := range missing {
		txn := txn
		g.Go(func() error {
			price, err := r.client.FetchDayAveragePrice(gctx, txn.Date)
			if errors.Is(err, ErrPriceNotFound) {
				return nil
			}
			if err != nil {
				r.logger.Warn("price backfill failed", "txid", txn.TxID, "error", err)
				return nil
			}
			if err := setTransactionPrice(r.db, txn.TxID, price); err != nil {
				r.logger.Warn("failed to store backfilled price", "txid", txn.TxID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func chunkStrings(items []string, size int) [][]string {
	if size <= 0 {
		size = 1
	}
	chunks := make([][]string, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[start:end])
	}
	return chunks
}
