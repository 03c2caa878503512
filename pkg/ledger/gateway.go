// Package ledger is the agent's only path to the ledger: account reads, clock
// reads, filtered scans and transaction or bundle submission.
package ledger

import (
	"context"
	"errors"

	"github.com/canopy-network/checkpointx/pkg/solana"
)

// ErrAccountNotFound is wrapped by GetAccount when the account does not exist.
var ErrAccountNotFound = errors.New("account not found")

// KeyedAccount is a scanned account with raw data.
type KeyedAccount struct {
	Address solana.PublicKey
	Data    []byte
}

// Filter matches account data at Offset.
type Filter struct {
	Offset int
	Bytes  []byte
}

// Tx is one transaction to submit. ComputeUnits of zero leaves the ledger
// default limit in place.
type Tx struct {
	Instructions []solana.Instruction
	ComputeUnits uint32
}

// Gateway is safe for concurrent use by independent pool controllers.
type Gateway interface {
	// Authority signs and pays for every submission.
	Authority() solana.PublicKey
	GetAccount(ctx context.Context, addr solana.PublicKey) ([]byte, error)
	// GetMultipleAccounts returns nil entries for missing accounts.
	GetMultipleAccounts(ctx context.Context, addrs []solana.PublicKey) ([][]byte, error)
	// GetProgramAccounts scans program accounts whose data starts with
	// discriminator and matches every filter.
	GetProgramAccounts(ctx context.Context, program solana.PublicKey, discriminator []byte, filters ...Filter) ([]KeyedAccount, error)
	GetClock(ctx context.Context) (solana.Clock, error)
	// SendTransaction returns once the transaction is confirmed.
	SendTransaction(ctx context.Context, tx Tx, tables []solana.LookupTable) (solana.Signature, error)
	// SendAtomicBundle lands every transaction or none and returns the bundle id.
	SendAtomicBundle(ctx context.Context, txs []Tx, tables []solana.LookupTable) (string, error)
}
