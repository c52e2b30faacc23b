package main

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// GapLimitScanner discovers which HD addresses have been used by querying the
// ledger in windows of gapLimit addresses at a time (BIP44 convention).
type GapLimitScanner struct {
	source   AddressSource
	client   LedgerClient
	gapLimit uint32
	logger   Logger
}

func NewGapLimitScanner(source AddressSource, client LedgerClient, gapLimit uint32, logger Logger) *GapLimitScanner {
	return &GapLimitScanner{
		source:   source,
		client:   client,
		gapLimit: gapLimit,
		logger:   logger.NewSystem("gap-scanner"),
	}
}

// ScanResult aggregates everything a scan learned about one chain.
type ScanResult struct {
	Summaries []AddressSummary
	// Derived maps every address the scan touched back to its derivation
	// metadata, including idle addresses.
	Derived map[string]DerivedAddress
}

// Scan walks the chain forward from startIndex in gap-limit sized batches.
// A batch with activity always extends the scan by another batch. An empty
// batch ends the scan only once the window has moved past seekThrough; below
// that index, emptiness can just be a previously-used-but-idle range.
// seekThrough of -1 means no seek target.
//
// Per-index derivation failures are logged and skipped. Transport errors
// abort the scan; ErrEmptyResponse does not.
func (s *GapLimitScanner) Scan(ctx context.Context, chain AddressChain, startIndex uint32, seekThrough int64, after *time.Time) (*ScanResult, error) {
	result := &ScanResult{Derived: make(map[string]DerivedAddress)}

	for start := startIndex; ; start += s.gapLimit {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		batch := make([]string, 0, s.gapLimit)
		for index := start; index < start+s.gapLimit; index++ {
			derived, err := s.source.DeriveAddress(chain, index)
			if err != nil {
				s.logger.Warn("skipping underivable index", "chain", chain, "index", index, "error", err)
				continue
			}
			result.Derived[derived.Address] = derived
			batch = append(batch, derived.Address)
		}

		var summaries []AddressSummary
		if len(batch) > 0 {
			var err error
			summaries, err = s.client.FetchTransactionSummaries(ctx, batch, after)
			if errors.Is(err, ErrEmptyResponse) {
				summaries = nil
			} else if err != nil {
				return nil, errors.Wrapf(err, "scan chain %d at index %d", chain, start)
			}
		}

		result.Summaries = append(result.Summaries, summaries...)

		if len(summaries) == 0 && int64(start+s.gapLimit) > seekThrough {
			break
		}
	}

	s.logger.Debug("scan finished", "chain", chain, "summaries", len(result.Summaries), "addressesScanned", len(result.Derived))
	return result, nil
}
