package solana

// AccountMeta describes how an instruction uses an account.
type AccountMeta struct {
	PublicKey  PublicKey
	IsSigner   bool
	IsWritable bool
}

func Writable(pk PublicKey) AccountMeta { return AccountMeta{PublicKey: pk, IsWritable: true} }

func Readonly(pk PublicKey) AccountMeta { return AccountMeta{PublicKey: pk} }

func WritableSigner(pk PublicKey) AccountMeta {
	return AccountMeta{PublicKey: pk, IsSigner: true, IsWritable: true}
}

func ReadonlySigner(pk PublicKey) AccountMeta { return AccountMeta{PublicKey: pk, IsSigner: true} }

// Instruction is a single program invocation.
type Instruction struct {
	ProgramID PublicKey
	Accounts  []AccountMeta
	Data      []byte
}
