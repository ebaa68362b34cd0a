// Package policy defines the decision interface the engine consults at
// entry, stop-loss, and target events, plus a registry of named
// implementations.
//
// Policies are pure deciders: they never place orders or mutate engine
// state. Whatever memory a policy needs between decisions lives in Scratch,
// which the engine persists across restarts and clears on day rollover.
package policy

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"saros/internal/domain"
	"saros/internal/selector"
)

// ErrUnknownPolicy is returned by Registry.New for names never registered.
var ErrUnknownPolicy = errors.New("policy: unknown policy")

// Context is the read-only snapshot handed to decision methods.
type Context struct {
	Selector      *selector.Selector
	Settings      domain.Settings
	TradingSymbol string
	Direction     domain.Direction // side of the position the decision concerns
}

// Scratch is the policy's durable memory, persisted by the engine as part of
// its state snapshot.
type Scratch map[string]string

// StopLossAction names the follow-up after a stop-out.
type StopLossAction string

const (
	ActionStop             StopLossAction = "stop"
	ActionReverse          StopLossAction = "reverse"
	ActionReselectAndEnter StopLossAction = "reselect_and_enter"
)

// StopLossDecision is the policy's answer to a filled protective order.
type StopLossDecision struct {
	Action    StopLossAction
	Direction domain.Direction // next entry side, unused for Stop
}

// Stop ends trading for the day.
func Stop() StopLossDecision { return StopLossDecision{Action: ActionStop} }

// Reverse re-enters the same contract in the given direction.
func Reverse(d domain.Direction) StopLossDecision {
	return StopLossDecision{Action: ActionReverse, Direction: d}
}

// ReselectAndEnter discards the contract, selects a fresh one, and enters in
// the given direction.
func ReselectAndEnter(d domain.Direction) StopLossDecision {
	return StopLossDecision{Action: ActionReselectAndEnter, Direction: d}
}

// TargetDecision is the policy's answer to a crossed target level. ExitLots
// zero means trail the stop without reducing.
type TargetDecision struct {
	ExitLots int
}

// Trail shifts the stop and keeps the full position.
func Trail() TargetDecision { return TargetDecision{} }

// PartialExit books lots at the crossed level, then trails the rest.
func PartialExit(lots int) TargetDecision { return TargetDecision{ExitLots: lots} }

// Policy is one trading playbook.
type Policy interface {
	// Name is the registry key.
	Name() string

	// SelectInstrument picks the day's contract, typically through
	// pctx.Selector with the option type kept in scratch.
	SelectInstrument(ctx context.Context, pctx Context, scratch Scratch) (domain.Instrument, error)

	// InitialDirection gives the side of the day's first entry and may seed
	// scratch.
	InitialDirection(scratch Scratch) domain.Direction

	// OnStopLossHit decides what follows a protective-order fill.
	OnStopLossHit(pctx Context, scratch Scratch) StopLossDecision

	// OnTargetHit is consulted once per target level the price crossed.
	OnTargetHit(pctx Context, scratch Scratch, lotsRemaining int) TargetDecision

	// LotMultiplier is the lot step entries are sized in.
	LotMultiplier() int
}

// Factory builds a fresh policy instance.
type Factory func() Policy

// Registry maps policy names to factories. Deployments build one at startup
// with the policies they offer; there is no global registration.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry builds a registry holding the given factories.
func NewRegistry(factories ...Factory) *Registry {
	r := &Registry{factories: make(map[string]Factory, len(factories))}
	for _, f := range factories {
		r.Register(f)
	}
	return r
}

// Register adds a factory keyed by the name of the policy it builds.
func (r *Registry) Register(f Factory) {
	r.factories[f().Name()] = f
}

// New instantiates the named policy.
func (r *Registry) New(name string) (Policy, error) {
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, name)
	}
	return f(), nil
}

// List returns the registered names, sorted.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
