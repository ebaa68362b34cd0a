// Package engine runs the intraday stop-and-reverse loop: select a contract,
// enter with a protective stop, trail both levels as price moves favorably,
// and let the active policy decide what a stop-out means. One engine manages
// at most one open position.
//
// Concurrency model: a single mutex guards the persisted state and the
// deferred-work markers. Feed callbacks and recovery only record facts and
// set markers under that lock; the loop goroutine is the sole place that
// submits, modifies, or cancels venue orders (the one exception is the
// trailing modify, issued from the tick handler after the lock is released).
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"saros/internal/broker"
	"saros/internal/domain"
	"saros/internal/policy"
	"saros/internal/selector"
	"saros/internal/store"
)

// ErrRunning is returned by operations that require a stopped engine.
var ErrRunning = errors.New("engine: already running")

const (
	tickSize    = 0.05
	entryBuffer = 2.0  // aggressive limit offset from LTP on entries and exits
	slBuffer    = 10.0 // protective limit offset from the trigger

	// maxEntryFailures consecutive failed entries stop the engine for the day.
	maxEntryFailures = 5
)

// Timings groups the loop cadences and waits. Tests shrink these; production
// uses DefaultTimings.
type Timings struct {
	Loop        time.Duration // active iteration cadence
	Waiting     time.Duration // pre-window poll cadence
	EntryRetry  time.Duration // pause after a failed entry attempt
	FillPoll    time.Duration // order status poll interval
	FillTimeout time.Duration // give up waiting for a fill after this
	FeedWarmup  time.Duration // pause after the feed comes up
	StopJoin    time.Duration // Stop's wait for the loop goroutine
}

// DefaultTimings returns the production cadences.
func DefaultTimings() Timings {
	return Timings{
		Loop:        2 * time.Second,
		Waiting:     5 * time.Second,
		EntryRetry:  10 * time.Second,
		FillPoll:    time.Second,
		FillTimeout: 30 * time.Second,
		FeedWarmup:  2 * time.Second,
		StopJoin:    15 * time.Second,
	}
}

// Options wires an Engine's collaborators. Broker, Selector, Registry,
// States, and Ledger are required; Recorder is optional.
type Options struct {
	Broker   broker.Broker
	Selector *selector.Selector
	Registry *policy.Registry
	States   store.StateStore
	Ledger   store.TradeLedger
	Recorder *store.TickRecorder
	Logger   *slog.Logger
	Location *time.Location // trading timezone, defaults to time.Local

	// Policy names the policy to run when the stored state does not carry
	// one (first boot or blank snapshot).
	Policy string

	// Seed overlays the default settings on first boot only; a persisted
	// snapshot wins over it.
	Seed domain.SettingsPatch

	// Timings replaces DefaultTimings when any field is set.
	Timings Timings

	// Now overrides the clock. Tests pin this; leave nil in production.
	Now func() time.Time
}

// Engine owns the trading state machine. Construct with New, drive with
// Start and Stop.
type Engine struct {
	broker   broker.Broker
	selector *selector.Selector
	registry *policy.Registry
	states   store.StateStore
	ledger   store.TradeLedger
	recorder *store.TickRecorder
	log      *slog.Logger
	loc      *time.Location
	exchange string
	timings  Timings
	now      func() time.Time

	mu    sync.Mutex
	state *domain.EngineState
	pol   policy.Policy
	feed  broker.Feed

	// Deferred work set by callbacks and consumed by the loop, all guarded
	// by mu. pendingDirection doubles as the reversal-in-progress flag: it
	// survives failed attempts and is cleared only on a successful entry.
	pendingDirection *domain.Direction
	pendingExitLots  int
	reselectPending  bool
	dayStopped       bool
	entryFailures    int

	running  atomic.Bool
	cancel   context.CancelFunc
	loopDone chan struct{}
}

// New loads the persisted snapshot (rolling it over if the date changed),
// resolves the policy, and returns a stopped engine ready to Start.
func New(opts Options) (*Engine, error) {
	if opts.Broker == nil || opts.Selector == nil || opts.Registry == nil {
		return nil, errors.New("engine: broker, selector, and registry are required")
	}
	if opts.States == nil || opts.Ledger == nil {
		return nil, errors.New("engine: state store and trade ledger are required")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	timings := opts.Timings
	if timings == (Timings{}) {
		timings = DefaultTimings()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().In(loc) }
	}

	e := &Engine{
		broker:   opts.Broker,
		selector: opts.Selector,
		registry: opts.Registry,
		states:   opts.States,
		ledger:   opts.Ledger,
		recorder: opts.Recorder,
		log:      log.With("component", "engine"),
		loc:      loc,
		exchange: opts.Selector.Exchange,
		timings:  timings,
		now:      now,
	}

	today := e.now().Format(domain.DateLayout)
	st, err := opts.States.Load(context.Background())
	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}
	if st == nil {
		st = domain.NewEngineState(opts.Policy, today)
		st.Settings.Apply(opts.Seed)
		if err := st.Settings.Validate(); err != nil {
			return nil, fmt.Errorf("seed settings: %w", err)
		}
	} else {
		if st.Rollover(today) {
			e.log.Info("state rolled over to new day", "date", today)
		}
		if st.Policy == "" {
			st.Policy = opts.Policy
		}
	}
	// A freshly constructed engine is never running, whatever the snapshot
	// said when the last process died.
	st.Status = domain.EngineStatusStopped
	st.StatusMessage = ""

	pol, err := opts.Registry.New(st.Policy)
	if err != nil {
		return nil, fmt.Errorf("resolving policy: %w", err)
	}
	e.pol = pol
	if st.Settings.NormalizeLots(pol.LotMultiplier()) {
		e.log.Info("lots normalized to policy multiple",
			"policy", pol.Name(), "lots", st.Settings.Lots)
	}
	e.state = st

	e.mu.Lock()
	e.persistLocked()
	e.mu.Unlock()
	return e, nil
}

// Start launches the trading loop. It fails with ErrRunning if the loop is
// already up.
func (e *Engine) Start() error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	ctx, cancel := context.WithCancel(context.Background())

	e.mu.Lock()
	if e.state.Rollover(e.now().Format(domain.DateLayout)) {
		e.log.Info("state rolled over to new day", "date", e.state.LastDate)
	}
	e.cancel = cancel
	e.loopDone = make(chan struct{})
	e.pendingDirection = nil
	e.pendingExitLots = 0
	e.reselectPending = false
	e.dayStopped = false
	e.entryFailures = 0
	e.state.Settings.Enabled = true
	e.persistLocked()
	done := e.loopDone
	policyName := e.state.Policy
	e.mu.Unlock()

	e.log.Info("engine starting", "policy", policyName, "broker", e.broker.Name())
	go e.run(ctx, done)
	return nil
}

// Stop halts the loop, squares off any open position, and marks the engine
// disabled. Safe to call at any time, including when already stopped.
func (e *Engine) Stop() {
	e.running.Store(false)

	e.mu.Lock()
	cancel := e.cancel
	done := e.loopDone
	e.cancel = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(e.timings.StopJoin):
			e.log.Warn("loop did not exit before deadline, proceeding with shutdown")
		}
	}

	// The loop is down (or past caring); close out whatever it left open.
	ctx, cancelSq := context.WithTimeout(context.Background(), e.timings.FillTimeout+2*e.timings.FillPoll)
	defer cancelSq()
	e.squareOff(ctx)
	e.stopFeed()

	e.mu.Lock()
	e.state.Status = domain.EngineStatusStopped
	e.state.StatusMessage = "stopped by operator"
	e.state.Settings.Enabled = false
	e.persistLocked()
	e.mu.Unlock()
	e.log.Info("engine stopped")
}

// Running reports whether the trading loop is up.
func (e *Engine) Running() bool {
	return e.running.Load()
}

// Snapshot returns a deep copy of the current engine state.
func (e *Engine) Snapshot() domain.EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Copy()
}

// UpdateSettings applies a partial settings update after validating the
// merged result. Lots are re-normalized against the active policy.
func (e *Engine) UpdateSettings(p domain.SettingsPatch) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	next := e.state.Settings
	next.Apply(p)
	if err := next.Validate(); err != nil {
		return err
	}
	if next.NormalizeLots(e.pol.LotMultiplier()) {
		e.log.Info("lots normalized to policy multiple",
			"policy", e.pol.Name(), "lots", next.Lots)
	}
	e.state.Settings = next
	e.persistLocked()
	e.log.Info("settings updated")
	return nil
}

// SwitchPolicy replaces the active policy. Only allowed while stopped:
// policy scratch data is cleared and lots re-normalized, neither of which is
// safe mid-session.
func (e *Engine) SwitchPolicy(name string) error {
	if e.running.Load() {
		return ErrRunning
	}
	pol, err := e.registry.New(name)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pol = pol
	e.state.Policy = name
	e.state.PolicyData = map[string]string{}
	if e.state.Settings.NormalizeLots(pol.LotMultiplier()) {
		e.log.Info("lots normalized to policy multiple",
			"policy", name, "lots", e.state.Settings.Lots)
	}
	e.persistLocked()
	e.log.Info("policy switched", "policy", name)
	return nil
}

// TradeHistory returns every recorded trade, oldest first.
func (e *Engine) TradeHistory(ctx context.Context) ([]domain.TradeRecord, error) {
	return e.ledger.All(ctx)
}

// persistLocked snapshots the state to durable storage. Callers hold mu.
// Persistence failures are logged, not propagated: trading state lives in
// memory and the next mutation retries the save.
func (e *Engine) persistLocked() {
	if err := e.states.Save(context.Background(), e.state); err != nil {
		e.log.Error("saving state", "error", err)
	}
}

// setStatus transitions the lifecycle status, persisting and logging the
// change. No-op when nothing changed.
func (e *Engine) setStatus(s domain.EngineStatus, msg string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Status == s && e.state.StatusMessage == msg {
		return
	}
	e.state.Status = s
	e.state.StatusMessage = msg
	e.persistLocked()
	e.log.Info("status changed", "status", string(s), "message", msg)
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}
