// Package errs defines the tagged error kinds shared by every component
// boundary of the agent. Each error carries the pool and phase it happened in
// so a single structured log line is enough to locate it.
package errs

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Kind classifies a failure.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindIntervalNotElapsed is a control-flow signal, not a failure.
	KindIntervalNotElapsed
	// KindTransport covers RPC and network failures.
	KindTransport
	// KindMalformedRecord is a corrupt registry record.
	KindMalformedRecord
	// KindResourceRejected means the ledger refused a submission as
	// oversized or compute-exhausted. Retrying will not help.
	KindResourceRejected
	// KindPartialBatch means some units of a multi-unit operation failed.
	KindPartialBatch
	// KindRejected is any other ledger rejection (simulation or program error).
	KindRejected
	// KindNotFound is a missing on-ledger account.
	KindNotFound
	// KindInvalid is bad local input (config, arguments, encodings).
	KindInvalid
	// KindCoolingDown means deactivated tables are not closable yet. The next
	// rotation picks them up.
	KindCoolingDown
)

func (k Kind) String() string {
	switch k {
	case KindIntervalNotElapsed:
		return "interval_not_elapsed"
	case KindTransport:
		return "transport_failure"
	case KindMalformedRecord:
		return "malformed_persisted_record"
	case KindResourceRejected:
		return "resource_rejected"
	case KindPartialBatch:
		return "partial_batch_failure"
	case KindRejected:
		return "rejected"
	case KindNotFound:
		return "not_found"
	case KindInvalid:
		return "invalid"
	case KindCoolingDown:
		return "cooldown_pending"
	default:
		return "unknown"
	}
}

// Error is a kind-tagged error with optional pool/phase context.
type Error struct {
	Kind  Kind
	Pool  string
	Phase string
	Op    string
	Err   error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(e.Op)
	}
	if e.Pool != "" {
		b.WriteString(" pool=")
		b.WriteString(e.Pool)
	}
	if e.Phase != "" {
		b.WriteString(" phase=")
		b.WriteString(e.Phase)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// New tags err with kind. A nil err yields a bare error of that kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf is New with a formatted message.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// WithContext returns err annotated with pool and phase. Existing tags are
// kept and only missing context is filled in.
func WithContext(err error, pool, phase string) error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		cp := *e
		if cp.Pool == "" {
			cp.Pool = pool
		}
		if cp.Phase == "" {
			cp.Phase = phase
		}
		return &cp
	}
	return &Error{Kind: KindOf(err), Pool: pool, Phase: phase, Err: err}
}

// KindOf returns the kind of the outermost tagged error in err's chain. It
// does not descend into the unit errors of a PartialFailure.
func KindOf(err error) Kind {
	for err != nil {
		switch e := err.(type) {
		case *Error:
			return e.Kind
		case *PartialFailure:
			return KindPartialBatch
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return KindUnknown
		}
		err = u.Unwrap()
	}
	return KindUnknown
}

// Is reports whether err carries kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Fields renders err as structured log fields.
func Fields(err error) []zap.Field {
	if err == nil {
		return nil
	}
	fields := []zap.Field{zap.String("kind", KindOf(err).String()), zap.Error(err)}
	// pool is left to the caller's logger, which is usually pool scoped
	if e, ok := err.(*Error); ok && e.Phase != "" {
		fields = append(fields, zap.String("phase", e.Phase))
	}
	var p *PartialFailure
	if errors.As(err, &p) {
		fields = append(fields, zap.Int("succeeded", p.Succeeded), zap.Int("failed", len(p.Failed)))
	}
	return fields
}
