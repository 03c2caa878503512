// Package boost binds the staking pool ("boost") program: address derivation,
// account layouts and the rebase instruction.
package boost

import (
	"fmt"

	"github.com/canopy-network/checkpointx/pkg/solana"
)

// DefaultProgramID is the mainnet boost program.
const DefaultProgramID = "boostmPwypNUQu8qZ8RoWt5DXyYSVYxnBXqbbrGjecc"

var (
	boostSeed      = []byte("boost")
	checkpointSeed = []byte("checkpoint")
	stakeSeed      = []byte("stake")
)

// Pool holds the derived addresses of one boost.
type Pool struct {
	Program    solana.PublicKey
	Mint       solana.PublicKey
	Address    solana.PublicKey
	Checkpoint solana.PublicKey
}

// NewPool derives the boost and checkpoint addresses for mint.
func NewPool(program, mint solana.PublicKey) (Pool, error) {
	addr, _, err := solana.FindProgramAddress([][]byte{boostSeed, mint[:]}, program)
	if err != nil {
		return Pool{}, fmt.Errorf("derive boost for %s: %w", mint, err)
	}
	cp, _, err := solana.FindProgramAddress([][]byte{checkpointSeed, addr[:]}, program)
	if err != nil {
		return Pool{}, fmt.Errorf("derive checkpoint for %s: %w", addr, err)
	}
	return Pool{Program: program, Mint: mint, Address: addr, Checkpoint: cp}, nil
}

// StakeAddress derives the stake account of authority in this pool.
func (p Pool) StakeAddress(authority solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress([][]byte{stakeSeed, authority[:], p.Address[:]}, p.Program)
	return addr, err
}

func (p Pool) String() string { return p.Address.String() }
