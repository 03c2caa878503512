package rpc

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/canopy-network/checkpointx/pkg/solana"
)

const (
	CommitmentProcessed = "processed"
	CommitmentConfirmed = "confirmed"
	CommitmentFinalized = "finalized"

	encodingBase64 = "base64"
)

// Error is a JSON-RPC error object returned by a node.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
	Method  string          `json:"-"`
}

func (e *Error) Error() string {
	if e.Method != "" {
		return fmt.Sprintf("%s: rpc error %d: %s", e.Method, e.Code, e.Message)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Logs returns simulation logs attached to a preflight failure, if any.
func (e *Error) Logs() []string {
	if len(e.Data) == 0 {
		return nil
	}
	var data struct {
		Logs []string `json:"logs"`
	}
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return nil
	}
	return data.Logs
}

// Detail joins message, data and logs for keyword classification.
func (e *Error) Detail() string {
	parts := append([]string{e.Message, string(e.Data)}, e.Logs()...)
	return strings.ToLower(strings.Join(parts, " "))
}

// Context is the slot a response was evaluated at.
type Context struct {
	Slot uint64 `json:"slot"`
}

// AccountInfo is an account as returned with base64 encoding.
type AccountInfo struct {
	Lamports   uint64   `json:"lamports"`
	Owner      string   `json:"owner"`
	Data       []string `json:"data"`
	Executable bool     `json:"executable"`
	RentEpoch  uint64   `json:"rentEpoch"`
}

// Bytes decodes the account data.
func (a *AccountInfo) Bytes() ([]byte, error) {
	if len(a.Data) == 0 {
		return nil, nil
	}
	if len(a.Data) > 1 && a.Data[1] != encodingBase64 {
		return nil, fmt.Errorf("unsupported account encoding %q", a.Data[1])
	}
	return base64.StdEncoding.DecodeString(a.Data[0])
}

// KeyedAccount is one result of a program account scan.
type KeyedAccount struct {
	Pubkey  solana.PublicKey `json:"pubkey"`
	Account AccountInfo      `json:"account"`
}

// Memcmp filters accounts whose data at Offset equals Bytes.
type Memcmp struct {
	Offset int
	Bytes  []byte
}

func (m Memcmp) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{
		"memcmp": map[string]any{
			"offset":   m.Offset,
			"bytes":    base64.StdEncoding.EncodeToString(m.Bytes),
			"encoding": encodingBase64,
		},
	})
}

// Blockhash is a recent blockhash with its expiry height.
type Blockhash struct {
	Hash                 solana.Hash
	LastValidBlockHeight uint64
}

// SignatureStatus is the status of a submitted transaction.
type SignatureStatus struct {
	Slot               uint64          `json:"slot"`
	Confirmations      *uint64         `json:"confirmations"`
	Err                json.RawMessage `json:"err"`
	ConfirmationStatus string          `json:"confirmationStatus"`
}

// Failed reports whether the transaction landed with an execution error.
func (s *SignatureStatus) Failed() bool {
	return len(s.Err) > 0 && string(s.Err) != "null"
}

// Reached reports whether the status satisfies commitment.
func (s *SignatureStatus) Reached(commitment string) bool {
	switch commitment {
	case CommitmentFinalized:
		return s.ConfirmationStatus == CommitmentFinalized
	case CommitmentProcessed:
		return s.ConfirmationStatus != ""
	default:
		return s.ConfirmationStatus == CommitmentConfirmed || s.ConfirmationStatus == CommitmentFinalized
	}
}

// SendOptions mirrors the sendTransaction config object.
type SendOptions struct {
	SkipPreflight       bool   `json:"skipPreflight"`
	PreflightCommitment string `json:"preflightCommitment,omitempty"`
	MaxRetries          *int   `json:"maxRetries,omitempty"`
	Encoding            string `json:"encoding"`
}

// BundleStatus is a relay's view of a landed bundle.
type BundleStatus struct {
	BundleID           string          `json:"bundle_id"`
	Transactions       []string        `json:"transactions"`
	Slot               uint64          `json:"slot"`
	ConfirmationStatus string          `json:"confirmation_status"`
	Err                json.RawMessage `json:"err"`
}

// Failed reports whether the bundle reported an error other than {"Ok":null}.
func (b *BundleStatus) Failed() bool {
	if len(b.Err) == 0 || string(b.Err) == "null" {
		return false
	}
	var result map[string]json.RawMessage
	if json.Unmarshal(b.Err, &result) == nil {
		if _, ok := result["Ok"]; ok {
			return false
		}
	}
	return true
}
