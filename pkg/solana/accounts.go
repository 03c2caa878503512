package solana

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Clock is the decoded clock sysvar.
type Clock struct {
	Slot                uint64
	EpochStartTimestamp int64
	Epoch               uint64
	LeaderScheduleEpoch uint64
	UnixTimestamp       int64
}

const clockSize = 40

func DecodeClock(data []byte) (Clock, error) {
	if len(data) < clockSize {
		return Clock{}, fmt.Errorf("clock sysvar: want %d bytes, got %d", clockSize, len(data))
	}
	return Clock{
		Slot:                binary.LittleEndian.Uint64(data[0:8]),
		EpochStartTimestamp: int64(binary.LittleEndian.Uint64(data[8:16])),
		Epoch:               binary.LittleEndian.Uint64(data[16:24]),
		LeaderScheduleEpoch: binary.LittleEndian.Uint64(data[24:32]),
		UnixTimestamp:       int64(binary.LittleEndian.Uint64(data[32:40])),
	}, nil
}

// EncodeClock is the inverse of DecodeClock.
func EncodeClock(c Clock) []byte {
	b := make([]byte, 0, clockSize)
	b = append(b, putU64(c.Slot)...)
	b = append(b, putU64(uint64(c.EpochStartTimestamp))...)
	b = append(b, putU64(c.Epoch)...)
	b = append(b, putU64(c.LeaderScheduleEpoch)...)
	b = append(b, putU64(uint64(c.UnixTimestamp))...)
	return b
}

// LookupTableState is a decoded address lookup table account.
type LookupTableState struct {
	Address          PublicKey
	DeactivationSlot uint64
	LastExtendedSlot uint64
	Authority        *PublicKey
	Addresses        []PublicKey
}

const lookupTableStateTag = 1

// Active reports whether the table has not been deactivated.
func (s *LookupTableState) Active() bool { return s.DeactivationSlot == math.MaxUint64 }

// Closable reports whether the deactivation cooldown has passed at slot.
func (s *LookupTableState) Closable(slot, cooldown uint64) bool {
	if s.Active() {
		return false
	}
	return slot > s.DeactivationSlot+cooldown
}

// Remaining is the spare capacity of the table.
func (s *LookupTableState) Remaining() int {
	return LookupTableMaxAddresses - len(s.Addresses)
}

func (s *LookupTableState) Table() LookupTable {
	return LookupTable{Address: s.Address, Addresses: s.Addresses}
}

func DecodeLookupTable(addr PublicKey, data []byte) (*LookupTableState, error) {
	if len(data) < LookupTableMetaSize {
		return nil, fmt.Errorf("lookup table %s: %d bytes is shorter than header", addr, len(data))
	}
	if tag := binary.LittleEndian.Uint32(data[0:4]); tag != lookupTableStateTag {
		return nil, fmt.Errorf("lookup table %s: unexpected state tag %d", addr, tag)
	}
	body := data[LookupTableMetaSize:]
	if len(body)%PublicKeyLength != 0 {
		return nil, fmt.Errorf("lookup table %s: address area of %d bytes is not aligned", addr, len(body))
	}
	st := &LookupTableState{
		Address:          addr,
		DeactivationSlot: binary.LittleEndian.Uint64(data[4:12]),
		LastExtendedSlot: binary.LittleEndian.Uint64(data[12:20]),
	}
	if data[21] == 1 {
		var auth PublicKey
		copy(auth[:], data[22:54])
		st.Authority = &auth
	}
	st.Addresses = make([]PublicKey, len(body)/PublicKeyLength)
	for i := range st.Addresses {
		copy(st.Addresses[i][:], body[i*PublicKeyLength:])
	}
	return st, nil
}

// EncodeLookupTable is the inverse of DecodeLookupTable.
func EncodeLookupTable(s *LookupTableState) []byte {
	b := make([]byte, LookupTableMetaSize, LookupTableMetaSize+len(s.Addresses)*PublicKeyLength)
	binary.LittleEndian.PutUint32(b[0:4], lookupTableStateTag)
	binary.LittleEndian.PutUint64(b[4:12], s.DeactivationSlot)
	binary.LittleEndian.PutUint64(b[12:20], s.LastExtendedSlot)
	if s.Authority != nil {
		b[21] = 1
		copy(b[22:54], s.Authority[:])
	}
	for _, a := range s.Addresses {
		b = append(b, a[:]...)
	}
	return b
}
