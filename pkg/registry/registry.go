// Package registry durably records which lookup tables may still be open for
// each pool. The ledger offers no owner-indexed enumeration of tables, so this
// log is the only way to find and close them after a restart.
package registry

import (
	"context"

	"go.uber.org/zap"

	"github.com/canopy-network/checkpointx/pkg/errs"
	"github.com/canopy-network/checkpointx/pkg/solana"
)

// RecordSize is one address record without its delimiter.
const RecordSize = solana.PublicKeyLength

// Store is keyed by pool; pools never contend on each other's records.
type Store interface {
	// Append durably records table before returning.
	Append(ctx context.Context, pool, table solana.PublicKey) error
	// Read returns well-formed records in write order. Malformed records are
	// logged and skipped.
	Read(ctx context.Context, pool solana.PublicKey) ([]solana.PublicKey, error)
	// Retain replaces the pool's records with keep.
	Retain(ctx context.Context, pool solana.PublicKey, keep []solana.PublicKey) error
	// Clear drops every record of pool.
	Clear(ctx context.Context, pool solana.PublicKey) error
}

func logMalformed(logger *zap.Logger, pool solana.PublicKey, size int, detail string) {
	err := errs.Newf(errs.KindMalformedRecord, "registry read", "%d byte record: %s", size, detail)
	logger.Warn("skipping malformed registry record",
		append(errs.Fields(errs.WithContext(err, pool.String(), "registry")), zap.Int("bytes", size))...)
}
