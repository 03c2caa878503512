// Package checkpoint drives the per-pool reconciliation loop. Progress lives
// only on the ledger (the checkpoint cursor) and in the lookup table registry,
// so every state can be re-entered after a crash or a failed step.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/canopy-network/checkpointx/pkg/batcher"
	"github.com/canopy-network/checkpointx/pkg/boost"
	"github.com/canopy-network/checkpointx/pkg/errs"
	"github.com/canopy-network/checkpointx/pkg/ledger"
	"github.com/canopy-network/checkpointx/pkg/logging"
	"github.com/canopy-network/checkpointx/pkg/lut"
	"github.com/canopy-network/checkpointx/pkg/metrics"
	"github.com/canopy-network/checkpointx/pkg/retry"
	"github.com/canopy-network/checkpointx/pkg/solana"
)

// State is a controller state. There is no terminal state.
type State int

const (
	ColdStart State = iota
	AwaitInterval
	Reconcile
	Submit
	Rotate
	Backoff
)

func (s State) String() string {
	switch s {
	case ColdStart:
		return "ColdStart"
	case AwaitInterval:
		return "AwaitInterval"
	case Reconcile:
		return "Reconcile"
	case Submit:
		return "Submit"
	case Rotate:
		return "Rotate"
	case Backoff:
		return "Backoff"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for st := ColdStart; st <= Backoff; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", b)
}

// Tables is the lookup table lifecycle used by the controller.
type Tables interface {
	Sync(ctx context.Context, pool boost.Pool, participants []solana.PublicKey) (lut.SyncResult, error)
	Rotate(ctx context.Context, pool boost.Pool, next []solana.PublicKey) (lut.RotateResult, error)
	Active(ctx context.Context, pool boost.Pool) ([]solana.LookupTable, error)
}

// Config is built once at startup and shared read-only by every controller.
type Config struct {
	// Interval is the minimum spacing between rebase cycles.
	Interval time.Duration
	// PollCap bounds a single wait for the interval to elapse.
	PollCap time.Duration
	// Backoff is the fixed wait after a failed step.
	Backoff time.Duration
	Limits  batcher.Limits
}

func DefaultConfig() Config {
	return Config{
		Interval: time.Hour,
		PollCap:  time.Hour,
		Backoff:  10 * time.Second,
		Limits:   batcher.DefaultLimits(),
	}
}

func (c Config) Validate() error {
	var problems []error
	if c.Interval <= 0 {
		problems = append(problems, errors.New("interval must be positive"))
	}
	if c.PollCap <= 0 {
		problems = append(problems, errors.New("poll cap must be positive"))
	}
	if c.Backoff <= 0 {
		problems = append(problems, errors.New("backoff must be positive"))
	}
	if err := c.Limits.Validate(); err != nil {
		problems = append(problems, err)
	}
	return errors.Join(problems...)
}

// Status is a snapshot published after every step.
type Status struct {
	Pool         string        `json:"pool"`
	Mint         string        `json:"mint"`
	State        State         `json:"state"`
	Resume       State         `json:"resume"`
	Wait         time.Duration `json:"wait"`
	Cursor       uint64        `json:"cursor"`
	LastRebase   int64         `json:"last_rebase"`
	Remaining    int           `json:"remaining"`
	Submitted    int           `json:"submitted"`
	Completed    int           `json:"completed"`
	LastError    string        `json:"last_error,omitempty"`
	LastErrorAt  time.Time     `json:"last_error_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	Transitions  int           `json:"transitions"`
	SubmitMethod string        `json:"submit_method"`
}

// Observer receives a Status after every step. It runs on the controller's
// goroutine and must not block.
type Observer func(Status)

type Option func(*Controller)

// WithSleep replaces the Backoff wait.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Controller) { c.sleep = sleep }
}

func WithObserver(o Observer) Option {
	return func(c *Controller) { c.observer = o }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// Controller is a strictly sequential state machine for one pool.
type Controller struct {
	pool      boost.Pool
	gateway   ledger.Gateway
	tables    Tables
	submitter batcher.Submitter
	cfg       Config
	logger    *zap.Logger
	metrics   *metrics.Metrics
	sleep     func(ctx context.Context, d time.Duration) error
	observer  Observer
	now       func() time.Time

	state  State
	resume State
	wait   time.Duration

	checkpoint boost.Checkpoint
	// observed is the last_rebase_time the tables were last synced for.
	observed    int64
	hasObserved bool
	// cycle is the last_rebase_time of the interval being worked on.
	cycle     int64
	remaining []boost.Participant
	// sentFrom is the cursor the last confirmed participant pass started at.
	sentFrom uint64
	sent     bool

	submitted   int
	completed   int
	transitions int
	lastErr     error
	lastErrAt   time.Time
}

func New(pool boost.Pool, gateway ledger.Gateway, tables Tables, submitter batcher.Submitter, cfg Config, logger *zap.Logger, opts ...Option) *Controller {
	c := &Controller{
		pool:      pool,
		gateway:   gateway,
		tables:    tables,
		submitter: submitter,
		cfg:       cfg,
		logger:    logging.ForPool(logger, pool.Address.String(), "checkpoint"),
		sleep:     retry.Sleep,
		now:       time.Now,
		state:     ColdStart,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) State() State { return c.state }

// Run steps until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	c.logger.Info("controller started",
		zap.Stringer("mint", c.pool.Mint),
		zap.Duration("interval", c.cfg.Interval),
		zap.String("strategy", string(c.submitter.Strategy())))
	for {
		if err := ctx.Err(); err != nil {
			c.logger.Info("controller stopped", zap.Stringer("state", c.state))
			return err
		}
		_ = c.Step(ctx)
	}
}

// Step executes the current state once and moves to the next. The returned
// error is what the state hit; it has already been logged and the controller
// is already in Backoff.
func (c *Controller) Step(ctx context.Context) error {
	var err error
	switch c.state {
	case ColdStart:
		err = c.coldStart(ctx)
	case AwaitInterval:
		err = c.awaitInterval(ctx)
	case Reconcile:
		err = c.reconcile(ctx)
	case Submit:
		err = c.submit(ctx)
	case Rotate:
		err = c.rotate(ctx)
	case Backoff:
		err = c.backoff(ctx)
	}
	if c.observer != nil {
		c.observer(c.Status())
	}
	return err
}

// Status snapshots the controller.
func (c *Controller) Status() Status {
	st := Status{
		Pool:         c.pool.Address.String(),
		Mint:         c.pool.Mint.String(),
		State:        c.state,
		Resume:       c.resume,
		Wait:         c.wait,
		Cursor:       c.checkpoint.CurrentID,
		LastRebase:   c.checkpoint.Timestamp,
		Remaining:    len(c.remaining),
		Submitted:    c.submitted,
		Completed:    c.completed,
		UpdatedAt:    c.now(),
		Transitions:  c.transitions,
		SubmitMethod: string(c.submitter.Strategy()),
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
		st.LastErrorAt = c.lastErrAt
	}
	return st
}

func (c *Controller) transition(to State) {
	c.metrics.RecordTransition(c.pool.Address.String(), c.state.String(), to.String())
	c.logger.Debug("transition", zap.Stringer("from", c.state), zap.Stringer("to", to))
	c.state = to
	c.transitions++
}

// pause enters Backoff for d, then resumes at next.
func (c *Controller) pause(next State, d time.Duration) {
	c.resume = next
	c.wait = d
	c.transition(Backoff)
}

// fail logs err tagged with phase and backs off before resuming at next.
func (c *Controller) fail(phase State, err error, next State) error {
	err = errs.WithContext(err, c.pool.Address.String(), phase.String())
	c.lastErr = err
	c.lastErrAt = c.now()
	fields := append(errs.Fields(err), zap.Stringer("resume", next), zap.Duration("backoff", c.cfg.Backoff))
	if errs.Is(err, errs.KindResourceRejected) {
		c.logger.Error("submission exceeds ledger limits, check chunk and compute settings", fields...)
	} else {
		c.logger.Warn("step failed", fields...)
	}
	c.metrics.RecordFailure(c.pool.Address.String(), phase.String(), err)
	c.pause(next, c.cfg.Backoff)
	return err
}

// warn logs a failure that does not block the cycle.
func (c *Controller) warn(phase State, msg string, err error) {
	err = errs.WithContext(err, c.pool.Address.String(), phase.String())
	c.logger.Warn(msg, errs.Fields(err)...)
	c.metrics.RecordFailure(c.pool.Address.String(), phase.String(), err)
}

func (c *Controller) observe(cp boost.Checkpoint) {
	c.checkpoint = cp
	c.metrics.SetCheckpoint(c.pool.Address.String(), cp.CurrentID, cp.Timestamp)
}

func (c *Controller) participants(ctx context.Context) ([]boost.Participant, error) {
	return boost.Participants(ctx, c.gateway, c.pool, c.logger)
}

// sync tables the current participants and remembers the interval they were
// synced for. Tables only shrink transactions, so a failure is logged, the
// cycle goes on and the next Reconcile tries again.
func (c *Controller) sync(ctx context.Context, phase State, cp boost.Checkpoint, ps []boost.Participant) error {
	res, err := c.tables.Sync(ctx, c.pool, boost.Addresses(ps))
	if err != nil {
		c.warn(phase, "lookup table sync incomplete", err)
		return err
	}
	c.observed, c.hasObserved = cp.Timestamp, true
	c.logger.Info("lookup tables synced",
		zap.Int("tables", res.Tables),
		zap.Int("added", res.Added),
		zap.Int("created", res.Created))
	return nil
}

func (c *Controller) coldStart(ctx context.Context) error {
	if _, err := boost.FetchBoost(ctx, c.gateway, c.pool); err != nil {
		return c.fail(ColdStart, fmt.Errorf("fetch boost: %w", err), ColdStart)
	}
	cp, err := boost.FetchCheckpoint(ctx, c.gateway, c.pool)
	if err != nil {
		return c.fail(ColdStart, fmt.Errorf("fetch checkpoint: %w", err), ColdStart)
	}
	ps, err := c.participants(ctx)
	if err != nil {
		return c.fail(ColdStart, err, ColdStart)
	}
	c.observe(cp)
	_ = c.sync(ctx, ColdStart, cp, ps)
	c.logger.Info("resuming from ledger state",
		zap.Uint64("cursor", cp.CurrentID),
		zap.Int64("last_rebase", cp.Timestamp),
		zap.Int("participants", len(ps)))
	c.transition(AwaitInterval)
	return nil
}

func (c *Controller) awaitInterval(ctx context.Context) error {
	clock, err := c.gateway.GetClock(ctx)
	if err != nil {
		return c.fail(AwaitInterval, fmt.Errorf("fetch clock: %w", err), AwaitInterval)
	}
	cp, err := boost.FetchCheckpoint(ctx, c.gateway, c.pool)
	if err != nil {
		return c.fail(AwaitInterval, fmt.Errorf("fetch checkpoint: %w", err), AwaitInterval)
	}
	c.observe(cp)

	elapsed := time.Duration(clock.UnixTimestamp-cp.Timestamp) * time.Second
	if elapsed < c.cfg.Interval {
		wait := min(c.cfg.Interval-elapsed, c.cfg.PollCap)
		c.logger.Info("interval not elapsed",
			zap.String("kind", errs.KindIntervalNotElapsed.String()),
			zap.Duration("elapsed", elapsed),
			zap.Duration("wait", wait))
		c.pause(AwaitInterval, wait)
		return nil
	}
	c.cycle = cp.Timestamp
	c.transition(Reconcile)
	return nil
}

func (c *Controller) reconcile(ctx context.Context) error {
	cp, err := boost.FetchCheckpoint(ctx, c.gateway, c.pool)
	if err != nil {
		return c.fail(Reconcile, fmt.Errorf("fetch checkpoint: %w", err), Reconcile)
	}
	c.observe(cp)
	if cp.Timestamp != c.cycle {
		// the interval closed while a confirmation was lost
		c.logger.Info("interval already completed", zap.Int64("last_rebase", cp.Timestamp))
		c.remaining = nil
		c.transition(Rotate)
		return nil
	}

	ps, err := c.participants(ctx)
	if err != nil {
		return c.fail(Reconcile, err, Reconcile)
	}
	if !c.hasObserved || cp.Timestamp != c.observed {
		_ = c.sync(ctx, Reconcile, cp, ps)
	}

	c.remaining = boost.Remaining(ps, cp.CurrentID)
	c.metrics.SetRemaining(c.pool.Address.String(), len(c.remaining))
	c.logger.Info("reconciled",
		zap.Uint64("cursor", cp.CurrentID),
		zap.Int("participants", len(ps)),
		zap.Int("remaining", len(c.remaining)))
	stalled := c.sent && len(c.remaining) > 0 && cp.CurrentID == c.sentFrom
	c.sent = false
	if stalled {
		// every rebase confirmed but none moved the cursor, e.g. the stake at
		// the cursor is missing from the scan
		c.logger.Warn("cursor did not advance after a confirmed pass",
			zap.Uint64("cursor", cp.CurrentID),
			zap.Duration("backoff", c.cfg.Backoff))
		c.pause(Reconcile, c.cfg.Backoff)
		return nil
	}
	c.transition(Submit)
	return nil
}

// submit sends every remaining participant. Once none remain it sends the
// zero-address rebase alone, which closes the interval.
func (c *Controller) submit(ctx context.Context) error {
	tables, err := c.tables.Active(ctx, c.pool)
	if err != nil {
		c.warn(Submit, "submitting without lookup tables", err)
		tables = nil
	}
	signer := c.gateway.Authority()
	final := len(c.remaining) == 0
	units := []batcher.Unit{batcher.Default(c.cfg.Limits, signer, c.pool)}
	if !final {
		units = batcher.RebasePlan(c.remaining, c.cfg.Limits, signer, c.pool)
	}

	start := c.now()
	report, err := c.submitter.Submit(ctx, units, tables)
	c.submitted += report.Confirmed
	c.metrics.RecordSubmitted(c.pool.Address.String(), string(c.submitter.Strategy()), report.Confirmed)
	c.metrics.ObserveSubmit(c.pool.Address.String(), c.now().Sub(start))
	if err != nil {
		return c.fail(Submit, err, Reconcile)
	}
	if final {
		c.logger.Info("interval submitted",
			zap.Int64("last_rebase", c.cycle),
			zap.Int("lookup_tables", len(tables)))
		c.transition(Rotate)
		return nil
	}
	c.logger.Info("participants submitted",
		zap.Int("units", len(units)),
		zap.Int("participants", len(c.remaining)),
		zap.Int("lookup_tables", len(tables)))
	c.remaining = nil
	c.sentFrom, c.sent = c.checkpoint.CurrentID, true
	c.transition(Reconcile)
	return nil
}

func (c *Controller) rotate(ctx context.Context) error {
	ps, err := c.participants(ctx)
	if err != nil {
		return c.fail(Rotate, err, AwaitInterval)
	}
	res, err := c.tables.Rotate(ctx, c.pool, boost.Addresses(ps))
	if err != nil {
		return c.fail(Rotate, err, AwaitInterval)
	}
	c.completed++
	c.logger.Info("lookup tables rotated",
		zap.Int("closed", res.Closed),
		zap.Int("opened", res.Next.Created))
	c.transition(AwaitInterval)
	return nil
}

func (c *Controller) backoff(ctx context.Context) error {
	if err := c.sleep(ctx, c.wait); err != nil {
		return err
	}
	next := c.resume
	c.wait = 0
	c.transition(next)
	return nil
}
