package solana

import (
	"encoding/base64"
	"errors"
	"fmt"
)

// Signer signs message bytes.
type Signer interface {
	PublicKey() PublicKey
	Sign(msg []byte) Signature
}

// Transaction is a signed message.
type Transaction struct {
	Signatures []Signature
	Message    *Message
}

// NewTransaction signs msg with every required signer.
func NewTransaction(msg *Message, signers ...Signer) (*Transaction, error) {
	if msg == nil {
		return nil, errors.New("nil message")
	}
	required := int(msg.Header.NumRequiredSignatures)
	if required > len(msg.AccountKeys) {
		return nil, fmt.Errorf("message requires %d signatures but has %d keys", required, len(msg.AccountKeys))
	}
	bySigner := make(map[PublicKey]Signer, len(signers))
	for _, s := range signers {
		bySigner[s.PublicKey()] = s
	}
	payload := msg.Serialize()
	tx := &Transaction{Message: msg, Signatures: make([]Signature, required)}
	for i := 0; i < required; i++ {
		s, ok := bySigner[msg.AccountKeys[i]]
		if !ok {
			return nil, fmt.Errorf("missing signer %s", msg.AccountKeys[i])
		}
		tx.Signatures[i] = s.Sign(payload)
	}
	return tx, nil
}

// Serialize encodes signatures followed by the message.
func (t *Transaction) Serialize() []byte {
	msg := t.Message.Serialize()
	b := make([]byte, 0, 1+len(t.Signatures)*SignatureLength+len(msg))
	b = appendCompactU16(b, len(t.Signatures))
	for _, s := range t.Signatures {
		b = append(b, s[:]...)
	}
	return append(b, msg...)
}

// Base64 is the encoding accepted by sendTransaction and sendBundle.
func (t *Transaction) Base64() string {
	return base64.StdEncoding.EncodeToString(t.Serialize())
}

// ID is the first signature, which identifies the transaction on the ledger.
func (t *Transaction) ID() Signature {
	if len(t.Signatures) == 0 {
		return Signature{}
	}
	return t.Signatures[0]
}
