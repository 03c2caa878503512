package boost

import (
	"encoding/binary"
	"fmt"

	"github.com/canopy-network/checkpointx/pkg/solana"
)

// Account discriminators occupy the first byte of an 8-byte header.
const (
	BoostDiscriminator      byte = 100
	CheckpointDiscriminator byte = 101
	ConfigDiscriminator     byte = 102
	StakeDiscriminator      byte = 103

	headerSize = 8

	boostSize      = headerSize + 8 + 32 + 8 + 8 + 8
	checkpointSize = headerSize + 32 + 8*5
	stakeSize      = headerSize + 32 + 8 + 8 + 32 + 8 + 8 + 8

	// StakeBoostOffset is where a stake account records its pool.
	StakeBoostOffset = headerSize + 32 + 8 + 8
)

type Boost struct {
	ExpiresAt     int64
	Mint          solana.PublicKey
	Multiplier    uint64
	TotalDeposits uint64
	TotalStakers  uint64
}

// Checkpoint tracks rebase progress for one pool. CurrentID is the cursor:
// the next stake id the program expects.
type Checkpoint struct {
	Boost                solana.PublicKey
	CurrentID            uint64
	TotalPendingDeposits uint64
	TotalRewards         uint64
	TotalStakers         uint64
	Timestamp            int64
}

type Stake struct {
	Authority      solana.PublicKey
	Balance        uint64
	BalancePending uint64
	Boost          solana.PublicKey
	ID             uint64
	LastDepositAt  int64
	Rewards        uint64
}

func checkHeader(kind string, data []byte, disc byte, size int) error {
	if len(data) < size {
		return fmt.Errorf("%s account: want %d bytes, got %d", kind, size, len(data))
	}
	if data[0] != disc {
		return fmt.Errorf("%s account: discriminator %d, want %d", kind, data[0], disc)
	}
	return nil
}

type reader struct {
	b   []byte
	off int
}

func (r *reader) key() solana.PublicKey {
	var pk solana.PublicKey
	copy(pk[:], r.b[r.off:r.off+32])
	r.off += 32
	return pk
}

func (r *reader) u64() uint64 {
	v := binary.LittleEndian.Uint64(r.b[r.off : r.off+8])
	r.off += 8
	return v
}

func DecodeBoost(data []byte) (Boost, error) {
	if err := checkHeader("boost", data, BoostDiscriminator, boostSize); err != nil {
		return Boost{}, err
	}
	r := &reader{b: data, off: headerSize}
	return Boost{
		ExpiresAt:     int64(r.u64()),
		Mint:          r.key(),
		Multiplier:    r.u64(),
		TotalDeposits: r.u64(),
		TotalStakers:  r.u64(),
	}, nil
}

func DecodeCheckpoint(data []byte) (Checkpoint, error) {
	if err := checkHeader("checkpoint", data, CheckpointDiscriminator, checkpointSize); err != nil {
		return Checkpoint{}, err
	}
	r := &reader{b: data, off: headerSize}
	return Checkpoint{
		Boost:                r.key(),
		CurrentID:            r.u64(),
		TotalPendingDeposits: r.u64(),
		TotalRewards:         r.u64(),
		TotalStakers:         r.u64(),
		Timestamp:            int64(r.u64()),
	}, nil
}

func DecodeStake(data []byte) (Stake, error) {
	if err := checkHeader("stake", data, StakeDiscriminator, stakeSize); err != nil {
		return Stake{}, err
	}
	r := &reader{b: data, off: headerSize}
	return Stake{
		Authority:      r.key(),
		Balance:        r.u64(),
		BalancePending: r.u64(),
		Boost:          r.key(),
		ID:             r.u64(),
		LastDepositAt:  int64(r.u64()),
		Rewards:        r.u64(),
	}, nil
}

type writer struct{ b []byte }

func (w *writer) key(pk solana.PublicKey) { w.b = append(w.b, pk[:]...) }

func (w *writer) u64(v uint64) { w.b = binary.LittleEndian.AppendUint64(w.b, v) }

func header(disc byte, size int) *writer {
	w := &writer{b: make([]byte, headerSize, size)}
	w.b[0] = disc
	return w
}

func EncodeBoost(b Boost) []byte {
	w := header(BoostDiscriminator, boostSize)
	w.u64(uint64(b.ExpiresAt))
	w.key(b.Mint)
	w.u64(b.Multiplier)
	w.u64(b.TotalDeposits)
	w.u64(b.TotalStakers)
	return w.b
}

func EncodeCheckpoint(c Checkpoint) []byte {
	w := header(CheckpointDiscriminator, checkpointSize)
	w.key(c.Boost)
	w.u64(c.CurrentID)
	w.u64(c.TotalPendingDeposits)
	w.u64(c.TotalRewards)
	w.u64(c.TotalStakers)
	w.u64(uint64(c.Timestamp))
	return w.b
}

func EncodeStake(s Stake) []byte {
	w := header(StakeDiscriminator, stakeSize)
	w.key(s.Authority)
	w.u64(s.Balance)
	w.u64(s.BalancePending)
	w.key(s.Boost)
	w.u64(s.ID)
	w.u64(uint64(s.LastDepositAt))
	w.u64(s.Rewards)
	return w.b
}
