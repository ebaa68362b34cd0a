package policy

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"saros/internal/domain"
)

type stubPolicy struct{ name string }

func (p stubPolicy) Name() string { return p.name }
func (p stubPolicy) SelectInstrument(context.Context, Context, Scratch) (domain.Instrument, error) {
	return domain.Instrument{}, nil
}
func (p stubPolicy) InitialDirection(Scratch) domain.Direction       { return domain.DirectionBuy }
func (p stubPolicy) OnStopLossHit(Context, Scratch) StopLossDecision { return Stop() }
func (p stubPolicy) OnTargetHit(Context, Scratch, int) TargetDecision {
	return Trail()
}
func (p stubPolicy) LotMultiplier() int { return 1 }

func TestRegistryNew(t *testing.T) {
	r := NewRegistry(
		func() Policy { return stubPolicy{name: "alpha"} },
		func() Policy { return stubPolicy{name: "beta"} },
	)

	p, err := r.New("beta")
	if err != nil {
		t.Fatalf("New(beta): %v", err)
	}
	if p.Name() != "beta" {
		t.Errorf("Name() = %q, want beta", p.Name())
	}
}

func TestRegistryUnknown(t *testing.T) {
	r := NewRegistry(func() Policy { return stubPolicy{name: "alpha"} })

	_, err := r.New("nope")
	if err == nil {
		t.Fatal("New(nope) succeeded, want error")
	}
	if !errors.Is(err, ErrUnknownPolicy) {
		t.Errorf("error %v is not ErrUnknownPolicy", err)
	}
}

func TestRegistryListSorted(t *testing.T) {
	r := NewRegistry(
		func() Policy { return stubPolicy{name: "zeta"} },
		func() Policy { return stubPolicy{name: "alpha"} },
		func() Policy { return stubPolicy{name: "mid"} },
	)

	got := r.List()
	want := []string{"alpha", "mid", "zeta"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("List() = %v, want %v", got, want)
	}
}

func TestDecisionConstructors(t *testing.T) {
	if d := Stop(); d.Action != ActionStop {
		t.Errorf("Stop().Action = %q, want %q", d.Action, ActionStop)
	}
	if d := Reverse(domain.DirectionBuy); d.Action != ActionReverse || d.Direction != domain.DirectionBuy {
		t.Errorf("Reverse(BUY) = %+v", d)
	}
	if d := ReselectAndEnter(domain.DirectionSell); d.Action != ActionReselectAndEnter || d.Direction != domain.DirectionSell {
		t.Errorf("ReselectAndEnter(SELL) = %+v", d)
	}
	if d := Trail(); d.ExitLots != 0 {
		t.Errorf("Trail().ExitLots = %d, want 0", d.ExitLots)
	}
	if d := PartialExit(2); d.ExitLots != 2 {
		t.Errorf("PartialExit(2).ExitLots = %d, want 2", d.ExitLots)
	}
}
