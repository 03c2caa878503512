package solana

import "encoding/binary"

// Compute budget program.

func SetComputeUnitLimit(units uint32) Instruction {
	return Instruction{ProgramID: ComputeBudgetProgramID, Data: append([]byte{2}, putU32(units)...)}
}

func SetComputeUnitPrice(microLamports uint64) Instruction {
	return Instruction{ProgramID: ComputeBudgetProgramID, Data: append([]byte{3}, putU64(microLamports)...)}
}

// System program.

const systemTransferTag = 2

func Transfer(from, to PublicKey, lamports uint64) Instruction {
	data := append(putU32(systemTransferTag), putU64(lamports)...)
	return Instruction{
		ProgramID: SystemProgramID,
		Accounts:  []AccountMeta{WritableSigner(from), Writable(to)},
		Data:      data,
	}
}

// Address lookup table program. Instruction data is a bincode enum: a u32
// little-endian tag followed by the variant fields.

const (
	LookupTableCreateTag     uint32 = 0
	LookupTableFreezeTag     uint32 = 1
	LookupTableExtendTag     uint32 = 2
	LookupTableDeactivateTag uint32 = 3
	LookupTableCloseTag      uint32 = 4

	// LookupTableMaxAddresses is the capacity of one table.
	LookupTableMaxAddresses = 256
	// LookupTableMetaSize is the header preceding the address list.
	LookupTableMetaSize = 56
	// LookupTableCooldownSlots approximates the slot-hashes window a
	// deactivated table must age past before it can be closed.
	LookupTableCooldownSlots = 513
)

// LookupTableAddress derives the table address for authority at recentSlot.
func LookupTableAddress(authority PublicKey, recentSlot uint64) (PublicKey, uint8, error) {
	return FindProgramAddress([][]byte{authority[:], putU64(recentSlot)}, AddressLookupTableProgramID)
}

// CreateLookupTable returns the create instruction and the table address.
func CreateLookupTable(authority, payer PublicKey, recentSlot uint64) (Instruction, PublicKey, error) {
	table, bump, err := LookupTableAddress(authority, recentSlot)
	if err != nil {
		return Instruction{}, ZeroKey, err
	}
	data := putU32(LookupTableCreateTag)
	data = append(data, putU64(recentSlot)...)
	data = append(data, bump)
	return Instruction{
		ProgramID: AddressLookupTableProgramID,
		Accounts: []AccountMeta{
			Writable(table),
			ReadonlySigner(authority),
			WritableSigner(payer),
			Readonly(SystemProgramID),
		},
		Data: data,
	}, table, nil
}

func ExtendLookupTable(table, authority, payer PublicKey, addresses []PublicKey) Instruction {
	data := putU32(LookupTableExtendTag)
	data = append(data, putU64(uint64(len(addresses)))...)
	for _, a := range addresses {
		data = append(data, a[:]...)
	}
	return Instruction{
		ProgramID: AddressLookupTableProgramID,
		Accounts: []AccountMeta{
			Writable(table),
			ReadonlySigner(authority),
			WritableSigner(payer),
			Readonly(SystemProgramID),
		},
		Data: data,
	}
}

func DeactivateLookupTable(table, authority PublicKey) Instruction {
	return Instruction{
		ProgramID: AddressLookupTableProgramID,
		Accounts:  []AccountMeta{Writable(table), ReadonlySigner(authority)},
		Data:      putU32(LookupTableDeactivateTag),
	}
}

func CloseLookupTable(table, authority, recipient PublicKey) Instruction {
	return Instruction{
		ProgramID: AddressLookupTableProgramID,
		Accounts:  []AccountMeta{Writable(table), ReadonlySigner(authority), Writable(recipient)},
		Data:      putU32(LookupTableCloseTag),
	}
}

// LookupTableTag returns the instruction tag of an address lookup table instruction.
func LookupTableTag(ix Instruction) (uint32, bool) {
	if ix.ProgramID != AddressLookupTableProgramID || len(ix.Data) < 4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(ix.Data[:4]), true
}

// ExtendAddresses decodes the address list of an extend instruction.
func ExtendAddresses(ix Instruction) ([]PublicKey, bool) {
	tag, ok := LookupTableTag(ix)
	if !ok || tag != LookupTableExtendTag || len(ix.Data) < 12 {
		return nil, false
	}
	n := binary.LittleEndian.Uint64(ix.Data[4:12])
	body := ix.Data[12:]
	if uint64(len(body)) != n*PublicKeyLength {
		return nil, false
	}
	out := make([]PublicKey, n)
	for i := range out {
		copy(out[i][:], body[i*PublicKeyLength:])
	}
	return out, true
}
