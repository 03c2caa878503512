package boost

import (
	"errors"

	"github.com/canopy-network/checkpointx/pkg/solana"
)

// RebaseDiscriminator tags the rebase instruction.
const RebaseDiscriminator byte = 7

// Rebase updates one stake's accounting as of the current checkpoint. Passing
// solana.ZeroKey as stake advances the checkpoint without participant work.
func Rebase(signer solana.PublicKey, pool Pool, stake solana.PublicKey) solana.Instruction {
	return solana.Instruction{
		ProgramID: pool.Program,
		Accounts: []solana.AccountMeta{
			solana.WritableSigner(signer),
			solana.Readonly(pool.Mint),
			solana.Writable(pool.Address),
			solana.Writable(pool.Checkpoint),
			solana.Writable(stake),
		},
		Data: []byte{RebaseDiscriminator},
	}
}

// RebaseTarget extracts the stake address from a rebase instruction.
func RebaseTarget(ix solana.Instruction) (solana.PublicKey, error) {
	if len(ix.Data) == 0 || ix.Data[0] != RebaseDiscriminator || len(ix.Accounts) != 5 {
		return solana.ZeroKey, errors.New("not a rebase instruction")
	}
	return ix.Accounts[4].PublicKey, nil
}
