package solana

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
)

const (
	PublicKeyLength = 32
	SignatureLength = 64

	maxSeeds      = 16
	maxSeedLength = 32
	pdaMarker     = "ProgramDerivedAddress"
)

var ErrNoViableBump = errors.New("unable to find a viable program address bump seed")

// PublicKey is a 32-byte ed25519 public key or program derived address.
type PublicKey [PublicKeyLength]byte

// ZeroKey is the canonical default address.
var ZeroKey PublicKey

var (
	SystemProgramID             = MustPublicKey("11111111111111111111111111111111")
	ComputeBudgetProgramID      = MustPublicKey("ComputeBudget111111111111111111111111111111")
	AddressLookupTableProgramID = MustPublicKey("AddressLookupTab1e1111111111111111111111111")
	SysvarClockID               = MustPublicKey("SysvarC1ock11111111111111111111111111111111")
)

// ParsePublicKey decodes a base58 address.
func ParsePublicKey(s string) (PublicKey, error) {
	var pk PublicKey
	raw, err := base58.Decode(s)
	if err != nil {
		return pk, fmt.Errorf("decode %q: %w", s, err)
	}
	if len(raw) != PublicKeyLength {
		return pk, fmt.Errorf("decode %q: want %d bytes, got %d", s, PublicKeyLength, len(raw))
	}
	copy(pk[:], raw)
	return pk, nil
}

// MustPublicKey is ParsePublicKey for compile-time constants.
func MustPublicKey(s string) PublicKey {
	pk, err := ParsePublicKey(s)
	if err != nil {
		panic(err)
	}
	return pk
}

// PublicKeyFromBytes copies b, which must be exactly 32 bytes.
func PublicKeyFromBytes(b []byte) (PublicKey, error) {
	var pk PublicKey
	if len(b) != PublicKeyLength {
		return pk, fmt.Errorf("public key: want %d bytes, got %d", PublicKeyLength, len(b))
	}
	copy(pk[:], b)
	return pk, nil
}

func (p PublicKey) String() string { return base58.Encode(p[:]) }

func (p PublicKey) Bytes() []byte { return append([]byte(nil), p[:]...) }

func (p PublicKey) IsZero() bool { return p == ZeroKey }

func (p PublicKey) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *PublicKey) UnmarshalText(b []byte) error {
	pk, err := ParsePublicKey(string(b))
	if err != nil {
		return err
	}
	*p = pk
	return nil
}

// Less orders keys bytewise.
func (p PublicKey) Less(o PublicKey) bool { return bytes.Compare(p[:], o[:]) < 0 }

// IsOnCurve reports whether b decodes to a point on the ed25519 curve.
func IsOnCurve(b []byte) bool {
	_, err := new(edwards25519.Point).SetBytes(b)
	return err == nil
}

// CreateProgramAddress derives an address from seeds that must be off-curve.
func CreateProgramAddress(seeds [][]byte, program PublicKey) (PublicKey, error) {
	if len(seeds) > maxSeeds {
		return ZeroKey, fmt.Errorf("too many seeds: %d", len(seeds))
	}
	h := sha256.New()
	for _, s := range seeds {
		if len(s) > maxSeedLength {
			return ZeroKey, fmt.Errorf("seed of %d bytes exceeds %d", len(s), maxSeedLength)
		}
		h.Write(s)
	}
	h.Write(program[:])
	h.Write([]byte(pdaMarker))
	sum := h.Sum(nil)
	if IsOnCurve(sum) {
		return ZeroKey, errors.New("derived address is on curve")
	}
	var pk PublicKey
	copy(pk[:], sum)
	return pk, nil
}

// FindProgramAddress searches bumps from 255 down for the first off-curve address.
func FindProgramAddress(seeds [][]byte, program PublicKey) (PublicKey, uint8, error) {
	withBump := make([][]byte, len(seeds)+1)
	copy(withBump, seeds)
	for bump := 255; bump >= 0; bump-- {
		withBump[len(seeds)] = []byte{byte(bump)}
		pk, err := CreateProgramAddress(withBump, program)
		if err == nil {
			return pk, uint8(bump), nil
		}
	}
	return ZeroKey, 0, ErrNoViableBump
}

// Signature is an ed25519 transaction signature.
type Signature [SignatureLength]byte

func (s Signature) String() string { return base58.Encode(s[:]) }

func ParseSignature(str string) (Signature, error) {
	var sig Signature
	raw, err := base58.Decode(str)
	if err != nil {
		return sig, err
	}
	if len(raw) != SignatureLength {
		return sig, fmt.Errorf("signature: want %d bytes, got %d", SignatureLength, len(raw))
	}
	copy(sig[:], raw)
	return sig, nil
}
