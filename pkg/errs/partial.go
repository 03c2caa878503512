package errs

import (
	"fmt"
	"strings"
)

// UnitFailure records one failed chunk, table or transaction.
type UnitFailure struct {
	Unit string
	Err  error
}

// PartialFailure aggregates per-unit results of a multi-unit operation.
// Succeeded counts units that were confirmed.
type PartialFailure struct {
	Op        string
	Succeeded int
	Failed    []UnitFailure
}

func (p *PartialFailure) Error() string {
	parts := make([]string, 0, len(p.Failed))
	for _, f := range p.Failed {
		parts = append(parts, fmt.Sprintf("%s: %v", f.Unit, f.Err))
	}
	return fmt.Sprintf("%s: %d succeeded, %d failed [%s]", p.Op, p.Succeeded, len(p.Failed), strings.Join(parts, "; "))
}

// Unwrap exposes every unit error to errors.Is/As.
func (p *PartialFailure) Unwrap() []error {
	out := make([]error, 0, len(p.Failed))
	for _, f := range p.Failed {
		out = append(out, f.Err)
	}
	return out
}

// Tally collects unit outcomes.
type Tally struct {
	op        string
	succeeded int
	failed    []UnitFailure
}

func NewTally(op string) *Tally {
	return &Tally{op: op}
}

func (t *Tally) Ok() { t.succeeded++ }

func (t *Tally) Fail(unit string, err error) {
	t.failed = append(t.failed, UnitFailure{Unit: unit, Err: err})
}

func (t *Tally) Failures() int { return len(t.failed) }

func (t *Tally) Succeeded() int { return t.succeeded }

// Err returns nil when nothing failed, otherwise a *PartialFailure.
func (t *Tally) Err() error {
	if len(t.failed) == 0 {
		return nil
	}
	return &PartialFailure{Op: t.op, Succeeded: t.succeeded, Failed: append([]UnitFailure(nil), t.failed...)}
}
