// Package batcher splits the remaining participants of a pool into
// transaction-sized units and submits them in ascending id order.
package batcher

import (
	"errors"
	"fmt"

	"github.com/canopy-network/checkpointx/pkg/boost"
	"github.com/canopy-network/checkpointx/pkg/ledger"
	"github.com/canopy-network/checkpointx/pkg/solana"
)

// Limits are tuning constants validated at startup, never derived at runtime.
type Limits struct {
	// ChunkSize is the number of rebases per transaction.
	ChunkSize int
	// BundleSize is the number of transactions per atomic bundle.
	BundleSize int
	// BaseUnits is the compute reserved for a transaction regardless of size.
	BaseUnits uint32
	// UnitsPerItem is the compute one rebase consumes.
	UnitsPerItem uint32
}

// DefaultLimits fit 1232-byte packets with lookup tables loaded.
func DefaultLimits() Limits {
	return Limits{
		ChunkSize:    10,
		BundleSize:   5,
		BaseUnits:    5_000,
		UnitsPerItem: 15_000,
	}
}

// ComputeUnits scales the budget linearly with n, capped at the ledger maximum.
func (l Limits) ComputeUnits(n int) uint32 {
	units := uint64(l.BaseUnits) + uint64(n)*uint64(l.UnitsPerItem)
	if units > solana.MaxComputeUnits {
		return solana.MaxComputeUnits
	}
	return uint32(units)
}

func (l Limits) Validate() error {
	var problems []error
	if l.ChunkSize < 1 {
		problems = append(problems, fmt.Errorf("chunk size %d must be positive", l.ChunkSize))
	}
	// every rebase carries its own stake account on top of the shared ones
	if l.ChunkSize > solana.MaxAccountLocks-6 {
		problems = append(problems, fmt.Errorf("chunk size %d exceeds %d account locks", l.ChunkSize, solana.MaxAccountLocks))
	}
	if l.BundleSize < 1 || l.BundleSize > 5 {
		problems = append(problems, fmt.Errorf("bundle size %d outside 1..5", l.BundleSize))
	}
	if uint64(l.BaseUnits)+uint64(l.ChunkSize)*uint64(l.UnitsPerItem) > solana.MaxComputeUnits {
		problems = append(problems, fmt.Errorf("chunk of %d needs more than %d compute units", l.ChunkSize, solana.MaxComputeUnits))
	}
	return errors.Join(problems...)
}

// Partition splits items into ceil(len/size) consecutive groups of at most
// size elements. Concatenating the groups reproduces items.
func Partition[T any](items []T, size int) [][]T {
	if size < 1 || len(items) == 0 {
		return nil
	}
	out := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		out = append(out, items[start:end:end])
	}
	return out
}

// Unit is one transaction covering a contiguous id range.
type Unit struct {
	Tx    ledger.Tx
	Items []boost.Participant
}

func (u Unit) String() string {
	if len(u.Items) == 0 {
		return "default"
	}
	return fmt.Sprintf("ids %d-%d", u.Items[0].ID(), u.Items[len(u.Items)-1].ID())
}

// Plan turns sorted participants into units using build for each item.
func Plan(remaining []boost.Participant, limits Limits, build func(boost.Participant) solana.Instruction) []Unit {
	groups := Partition(remaining, limits.ChunkSize)
	units := make([]Unit, 0, len(groups))
	for _, g := range groups {
		ixs := make([]solana.Instruction, len(g))
		for i, p := range g {
			ixs[i] = build(p)
		}
		units = append(units, Unit{
			Tx:    ledger.Tx{Instructions: ixs, ComputeUnits: limits.ComputeUnits(len(g))},
			Items: g,
		})
	}
	return units
}

// RebasePlan plans rebase units for pool signed by signer.
func RebasePlan(remaining []boost.Participant, limits Limits, signer solana.PublicKey, pool boost.Pool) []Unit {
	return Plan(remaining, limits, func(p boost.Participant) solana.Instruction {
		return boost.Rebase(signer, pool, p.Address)
	})
}

// Default is the single rebase naming the zero address, used to close an
// interval when no participant work is left.
func Default(limits Limits, signer solana.PublicKey, pool boost.Pool) Unit {
	return Unit{Tx: ledger.Tx{
		Instructions: []solana.Instruction{boost.Rebase(signer, pool, solana.ZeroKey)},
		ComputeUnits: limits.ComputeUnits(1),
	}}
}

// Bundle groups units into sets of size for atomic submission.
func Bundle(units []Unit, size int) [][]Unit {
	return Partition(units, size)
}
