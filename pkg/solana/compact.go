package solana

import "errors"

var errShortCompact = errors.New("compact-u16: truncated")

// appendCompactU16 writes n in the ledger's "shortvec" encoding.
func appendCompactU16(b []byte, n int) []byte {
	v := uint16(n)
	for {
		elem := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(b, elem)
		}
		b = append(b, elem|0x80)
	}
}

// readCompactU16 decodes a shortvec length and returns the bytes consumed.
func readCompactU16(b []byte) (int, int, error) {
	var v, shift int
	for i := 0; i < 3; i++ {
		if i >= len(b) {
			return 0, 0, errShortCompact
		}
		v |= int(b[i]&0x7f) << shift
		if b[i]&0x80 == 0 {
			return v, i + 1, nil
		}
		shift += 7
	}
	return 0, 0, errors.New("compact-u16: overflow")
}
