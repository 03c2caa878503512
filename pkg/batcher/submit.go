package batcher

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/canopy-network/checkpointx/pkg/errs"
	"github.com/canopy-network/checkpointx/pkg/ledger"
	"github.com/canopy-network/checkpointx/pkg/solana"
)

// Strategy names a submission mode.
type Strategy string

const (
	StrategySequential Strategy = "sequential"
	StrategyBundled    Strategy = "bundled"
)

// Report describes how far a submission got.
type Report struct {
	// Confirmed counts units that landed, in order from the first.
	Confirmed int
	// Skipped counts units not attempted after the first failure.
	Skipped int
	// Handles are signatures or bundle ids of confirmed submissions.
	Handles []string
}

// Submitter sends units in order and stops at the first failure: the ledger
// only advances a cursor from its current position, so later units would not
// apply. When some units landed the error is an *errs.PartialFailure.
type Submitter interface {
	Submit(ctx context.Context, units []Unit, tables []solana.LookupTable) (Report, error)
	Strategy() Strategy
}

// New returns the submitter for strategy.
func New(strategy Strategy, gateway ledger.Gateway, bundleSize int, logger *zap.Logger) (Submitter, error) {
	switch strategy {
	case StrategySequential, "":
		return &Sequential{gateway: gateway, logger: logger}, nil
	case StrategyBundled:
		if bundleSize < 1 {
			return nil, fmt.Errorf("bundled submission needs a positive bundle size, got %d", bundleSize)
		}
		return &Bundled{gateway: gateway, size: bundleSize, logger: logger}, nil
	default:
		return nil, fmt.Errorf("unknown submission strategy %q", strategy)
	}
}

// Sequential sends one compute-budgeted transaction per unit.
type Sequential struct {
	gateway ledger.Gateway
	logger  *zap.Logger
}

func (s *Sequential) Strategy() Strategy { return StrategySequential }

func (s *Sequential) Submit(ctx context.Context, units []Unit, tables []solana.LookupTable) (Report, error) {
	var report Report
	tally := errs.NewTally("submit")
	for i, u := range units {
		sig, err := s.gateway.SendTransaction(ctx, u.Tx, tables)
		if err != nil {
			tally.Fail(u.String(), err)
			report.Skipped = len(units) - i - 1
			s.logger.Warn("unit failed, stopping submission",
				append(errs.Fields(err),
					zap.String("unit", u.String()),
					zap.Int("confirmed", report.Confirmed),
					zap.Int("skipped", report.Skipped))...)
			return report, finish(tally, err)
		}
		tally.Ok()
		report.Confirmed++
		report.Handles = append(report.Handles, sig.String())
		s.logger.Debug("unit confirmed", zap.String("unit", u.String()), zap.Stringer("signature", sig))
	}
	return report, nil
}

// Bundled sends units in atomic bundles of a fixed size.
type Bundled struct {
	gateway ledger.Gateway
	size    int
	logger  *zap.Logger
}

func (b *Bundled) Strategy() Strategy { return StrategyBundled }

func (b *Bundled) Submit(ctx context.Context, units []Unit, tables []solana.LookupTable) (Report, error) {
	var report Report
	tally := errs.NewTally("submit")
	bundles := Bundle(units, b.size)
	sent := 0
	for _, set := range bundles {
		txs := make([]ledger.Tx, len(set))
		for i, u := range set {
			txs[i] = u.Tx
		}
		name := fmt.Sprintf("bundle of %s..%s", set[0], set[len(set)-1])
		id, err := b.gateway.SendAtomicBundle(ctx, txs, tables)
		if err != nil {
			tally.Fail(name, err)
			report.Skipped = len(units) - sent - len(set)
			b.logger.Warn("bundle failed, stopping submission",
				append(errs.Fields(err),
					zap.String("unit", name),
					zap.Int("confirmed", report.Confirmed),
					zap.Int("skipped", report.Skipped))...)
			return report, finish(tally, err)
		}
		for range set {
			tally.Ok()
		}
		sent += len(set)
		report.Confirmed += len(set)
		report.Handles = append(report.Handles, id)
		b.logger.Debug("bundle landed", zap.String("unit", name), zap.String("bundle", id))
	}
	return report, nil
}

// finish keeps the unit's own kind when nothing landed before it.
func finish(tally *errs.Tally, err error) error {
	if tally.Succeeded() == 0 {
		return err
	}
	return tally.Err()
}
