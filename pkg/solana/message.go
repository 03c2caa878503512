package solana

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// MaxTransactionSize is the ledger packet data limit for a serialized transaction.
	MaxTransactionSize = 1232
	// MaxAccountLocks bounds the accounts one transaction may reference.
	MaxAccountLocks = 64
	// MaxComputeUnits is the per-transaction compute ceiling.
	MaxComputeUnits = 1_400_000

	versionPrefix = 0x80
)

// Hash is a recent blockhash.
type Hash [32]byte

// LookupTable is the on-ledger content of an address lookup table, as far as
// message compilation needs it.
type LookupTable struct {
	Address   PublicKey
	Addresses []PublicKey
}

// MessageHeader counts signer and read-only accounts among static keys.
type MessageHeader struct {
	NumRequiredSignatures       uint8
	NumReadonlySignedAccounts   uint8
	NumReadonlyUnsignedAccounts uint8
}

// CompiledInstruction references accounts by index.
type CompiledInstruction struct {
	ProgramIDIndex uint8
	Accounts       []uint8
	Data           []byte
}

// MessageAddressTableLookup loads accounts from one table.
type MessageAddressTableLookup struct {
	AccountKey      PublicKey
	WritableIndexes []uint8
	ReadonlyIndexes []uint8
}

// Message is a compiled transaction message. Versioned is false for legacy
// messages, which never carry lookups.
type Message struct {
	Versioned           bool
	Header              MessageHeader
	AccountKeys         []PublicKey
	RecentBlockhash     Hash
	Instructions        []CompiledInstruction
	AddressTableLookups []MessageAddressTableLookup
}

type keyMeta struct {
	key      PublicKey
	signer   bool
	writable bool
	invoked  bool
}

// CompileMessage orders keys (payer first, then writable signers, readonly
// signers, writable and readonly non-signers), moves eligible non-signer
// accounts into the given lookup tables and compiles the instructions. When
// tables is empty a legacy message is produced.
func CompileMessage(payer PublicKey, ixs []Instruction, blockhash Hash, tables []LookupTable) (*Message, error) {
	if len(ixs) == 0 {
		return nil, errors.New("compile message: no instructions")
	}

	order := []PublicKey{payer}
	metas := map[PublicKey]*keyMeta{payer: {key: payer, signer: true, writable: true}}
	touch := func(pk PublicKey) *keyMeta {
		m, ok := metas[pk]
		if !ok {
			m = &keyMeta{key: pk}
			metas[pk] = m
			order = append(order, pk)
		}
		return m
	}
	for _, ix := range ixs {
		touch(ix.ProgramID).invoked = true
		for _, a := range ix.Accounts {
			m := touch(a.PublicKey)
			m.signer = m.signer || a.IsSigner
			m.writable = m.writable || a.IsWritable
		}
	}

	// Only non-signer, non-program accounts may be loaded from a table.
	type loaded struct {
		table int
		index uint8
	}
	loads := map[PublicKey]loaded{}
	for ti, t := range tables {
		for i, addr := range t.Addresses {
			if i > 255 {
				break
			}
			m, ok := metas[addr]
			if !ok || m.signer || m.invoked {
				continue
			}
			if _, seen := loads[addr]; seen {
				continue
			}
			loads[addr] = loaded{table: ti, index: uint8(i)}
		}
	}

	var ws, rs, wn, rn []PublicKey
	for _, pk := range order {
		if _, ok := loads[pk]; ok {
			continue
		}
		m := metas[pk]
		switch {
		case m.signer && m.writable:
			ws = append(ws, pk)
		case m.signer:
			rs = append(rs, pk)
		case m.writable:
			wn = append(wn, pk)
		default:
			rn = append(rn, pk)
		}
	}
	static := make([]PublicKey, 0, len(ws)+len(rs)+len(wn)+len(rn))
	static = append(static, ws...)
	static = append(static, rs...)
	static = append(static, wn...)
	static = append(static, rn...)

	msg := &Message{
		Versioned: len(tables) > 0,
		Header: MessageHeader{
			NumRequiredSignatures:       uint8(len(ws) + len(rs)),
			NumReadonlySignedAccounts:   uint8(len(rs)),
			NumReadonlyUnsignedAccounts: uint8(len(rn)),
		},
		AccountKeys:     static,
		RecentBlockhash: blockhash,
	}

	// Loaded keys are addressed after the static keys: every table's writable
	// entries first, then every table's readonly entries.
	lookups := make([]MessageAddressTableLookup, len(tables))
	loadedW := make([][]PublicKey, len(tables))
	loadedR := make([][]PublicKey, len(tables))
	for _, pk := range order {
		l, ok := loads[pk]
		if !ok {
			continue
		}
		if metas[pk].writable {
			lookups[l.table].WritableIndexes = append(lookups[l.table].WritableIndexes, l.index)
			loadedW[l.table] = append(loadedW[l.table], pk)
		} else {
			lookups[l.table].ReadonlyIndexes = append(lookups[l.table].ReadonlyIndexes, l.index)
			loadedR[l.table] = append(loadedR[l.table], pk)
		}
	}
	index := make(map[PublicKey]int, len(metas))
	for i, pk := range static {
		index[pk] = i
	}
	next := len(static)
	for ti := range tables {
		for _, pk := range loadedW[ti] {
			index[pk] = next
			next++
		}
	}
	for ti := range tables {
		for _, pk := range loadedR[ti] {
			index[pk] = next
			next++
		}
	}
	if next > 256 {
		return nil, fmt.Errorf("compile message: %d accounts exceed index space", next)
	}
	for ti, t := range tables {
		if len(lookups[ti].WritableIndexes)+len(lookups[ti].ReadonlyIndexes) == 0 {
			continue
		}
		lookups[ti].AccountKey = t.Address
		msg.AddressTableLookups = append(msg.AddressTableLookups, lookups[ti])
	}

	for _, ix := range ixs {
		ci := CompiledInstruction{ProgramIDIndex: uint8(index[ix.ProgramID]), Data: ix.Data}
		for _, a := range ix.Accounts {
			ci.Accounts = append(ci.Accounts, uint8(index[a.PublicKey]))
		}
		msg.Instructions = append(msg.Instructions, ci)
	}
	return msg, nil
}

// NumAccounts counts static plus loaded accounts.
func (m *Message) NumAccounts() int {
	n := len(m.AccountKeys)
	for _, l := range m.AddressTableLookups {
		n += len(l.WritableIndexes) + len(l.ReadonlyIndexes)
	}
	return n
}

// Serialize encodes the message in wire format.
func (m *Message) Serialize() []byte {
	b := make([]byte, 0, 512)
	if m.Versioned {
		b = append(b, versionPrefix)
	}
	b = append(b, m.Header.NumRequiredSignatures, m.Header.NumReadonlySignedAccounts, m.Header.NumReadonlyUnsignedAccounts)
	b = appendCompactU16(b, len(m.AccountKeys))
	for _, k := range m.AccountKeys {
		b = append(b, k[:]...)
	}
	b = append(b, m.RecentBlockhash[:]...)
	b = appendCompactU16(b, len(m.Instructions))
	for _, ix := range m.Instructions {
		b = append(b, ix.ProgramIDIndex)
		b = appendCompactU16(b, len(ix.Accounts))
		b = append(b, ix.Accounts...)
		b = appendCompactU16(b, len(ix.Data))
		b = append(b, ix.Data...)
	}
	if m.Versioned {
		b = appendCompactU16(b, len(m.AddressTableLookups))
		for _, l := range m.AddressTableLookups {
			b = append(b, l.AccountKey[:]...)
			b = appendCompactU16(b, len(l.WritableIndexes))
			b = append(b, l.WritableIndexes...)
			b = appendCompactU16(b, len(l.ReadonlyIndexes))
			b = append(b, l.ReadonlyIndexes...)
		}
	}
	return b
}

func putU32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func putU64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}
