package builtin

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"saros/internal/broker"
	"saros/internal/domain"
	"saros/internal/policy"
	"saros/internal/selector"
)

func TestAllRegisters(t *testing.T) {
	r := policy.NewRegistry(All()...)

	for _, name := range []string{"alternate-sell", "alternate-buy", "scale-out-buy"} {
		p, err := r.New(name)
		if err != nil {
			t.Errorf("New(%s): %v", name, err)
			continue
		}
		if p.Name() != name {
			t.Errorf("New(%s).Name() = %q", name, p.Name())
		}
	}
}

func TestAlternateSell(t *testing.T) {
	p := NewAlternateSell()
	scratch := policy.Scratch{}

	if got := p.InitialDirection(scratch); got != domain.DirectionSell {
		t.Errorf("InitialDirection = %q, want SELL", got)
	}
	if got := p.LotMultiplier(); got != 1 {
		t.Errorf("LotMultiplier = %d, want 1", got)
	}

	// Stopped out of a short: reverse into a long, and back again.
	d := p.OnStopLossHit(policy.Context{Direction: domain.DirectionSell}, scratch)
	if d.Action != policy.ActionReverse || d.Direction != domain.DirectionBuy {
		t.Errorf("OnStopLossHit(SELL) = %+v, want reverse BUY", d)
	}
	d = p.OnStopLossHit(policy.Context{Direction: domain.DirectionBuy}, scratch)
	if d.Action != policy.ActionReverse || d.Direction != domain.DirectionSell {
		t.Errorf("OnStopLossHit(BUY) = %+v, want reverse SELL", d)
	}

	if got := p.OnTargetHit(policy.Context{}, scratch, 1); got.ExitLots != 0 {
		t.Errorf("OnTargetHit = %+v, want trail", got)
	}
	if len(scratch) != 0 {
		t.Errorf("alternate-sell wrote scratch %v, want none", scratch)
	}
}

func TestAlternateBuyTogglesOptionType(t *testing.T) {
	p := NewAlternateBuy()
	scratch := policy.Scratch{}

	if got := p.InitialDirection(scratch); got != domain.DirectionBuy {
		t.Errorf("InitialDirection = %q, want BUY", got)
	}
	if scratch[ScratchOptionType] != "CE" {
		t.Errorf("scratch option_type = %q after initial, want CE", scratch[ScratchOptionType])
	}

	d := p.OnStopLossHit(policy.Context{Direction: domain.DirectionBuy}, scratch)
	if d.Action != policy.ActionReselectAndEnter || d.Direction != domain.DirectionBuy {
		t.Errorf("OnStopLossHit = %+v, want reselect_and_enter BUY", d)
	}
	if scratch[ScratchOptionType] != "PE" {
		t.Errorf("scratch option_type = %q after first stop, want PE", scratch[ScratchOptionType])
	}

	p.OnStopLossHit(policy.Context{Direction: domain.DirectionBuy}, scratch)
	if scratch[ScratchOptionType] != "CE" {
		t.Errorf("scratch option_type = %q after second stop, want CE", scratch[ScratchOptionType])
	}
}

func TestAlternateBuySelectsFromScratch(t *testing.T) {
	sim := broker.NewSimulator()
	expiry, _ := time.Parse(domain.DateLayout, "2025-05-29")
	sim.SetInstruments([]domain.Instrument{
		{Symbol: "NIFTY25MAY22500CE", Name: "NIFTY", Exchange: "NFO", Token: 1,
			Type: domain.OptionTypeCall, Expiry: expiry, Strike: 22500, LotSize: 75},
		{Symbol: "NIFTY25MAY22500PE", Name: "NIFTY", Exchange: "NFO", Token: 2,
			Type: domain.OptionTypePut, Expiry: expiry, Strike: 22500, LotSize: 75},
	})
	sim.SetPrice("NIFTY25MAY22500CE", 1000)
	sim.SetPrice("NIFTY25MAY22500PE", 1000)

	sel := selector.New(sim, slog.New(slog.NewTextHandler(io.Discard, nil)))
	sel.Now = func() time.Time { return time.Date(2025, 4, 7, 10, 0, 0, 0, time.UTC) }
	pctx := policy.Context{Selector: sel, Settings: domain.Settings{TargetPremium: 1000}}

	p := NewAlternateBuy()
	scratch := policy.Scratch{}
	p.InitialDirection(scratch)

	inst, err := p.SelectInstrument(context.Background(), pctx, scratch)
	if err != nil {
		t.Fatalf("SelectInstrument (CE): %v", err)
	}
	if inst.Type != domain.OptionTypeCall {
		t.Errorf("selected %q (%s), want the CE contract", inst.Symbol, inst.Type)
	}

	p.OnStopLossHit(pctx, scratch)
	inst, err = p.SelectInstrument(context.Background(), pctx, scratch)
	if err != nil {
		t.Fatalf("SelectInstrument (PE): %v", err)
	}
	if inst.Type != domain.OptionTypePut {
		t.Errorf("selected %q (%s) after stop, want the PE contract", inst.Symbol, inst.Type)
	}
}

func TestScaleOutBuyPeelsOneLotUntilLast(t *testing.T) {
	p := NewScaleOutBuy()
	scratch := policy.Scratch{}

	if got := p.LotMultiplier(); got != 3 {
		t.Errorf("LotMultiplier = %d, want 3", got)
	}
	if got := p.Name(); got != "scale-out-buy" {
		t.Errorf("Name = %q, want scale-out-buy", got)
	}

	cases := []struct {
		lotsRemaining int
		wantExit      int
	}{
		{3, 1},
		{2, 1},
		{1, 0},
	}
	for _, tc := range cases {
		got := p.OnTargetHit(policy.Context{}, scratch, tc.lotsRemaining)
		if got.ExitLots != tc.wantExit {
			t.Errorf("OnTargetHit(lots=%d).ExitLots = %d, want %d",
				tc.lotsRemaining, got.ExitLots, tc.wantExit)
		}
	}

	// Stop-loss behavior is inherited from alternate-buy.
	p.InitialDirection(scratch)
	d := p.OnStopLossHit(policy.Context{}, scratch)
	if d.Action != policy.ActionReselectAndEnter {
		t.Errorf("OnStopLossHit = %+v, want reselect_and_enter", d)
	}
	if scratch[ScratchOptionType] != "PE" {
		t.Errorf("scratch option_type = %q, want PE", scratch[ScratchOptionType])
	}
}
