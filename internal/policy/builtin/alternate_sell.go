package builtin

import (
	"context"

	"saros/internal/domain"
	"saros/internal/policy"
)

var _ policy.Policy = AlternateSell{}

// AlternateSell sells a call and flips direction on every stop-out, staying
// on the same contract all day.
type AlternateSell struct{}

// NewAlternateSell is the registry factory.
func NewAlternateSell() policy.Policy { return AlternateSell{} }

func (AlternateSell) Name() string { return "alternate-sell" }

func (AlternateSell) SelectInstrument(ctx context.Context, pctx policy.Context, _ policy.Scratch) (domain.Instrument, error) {
	return pctx.Selector.Select(ctx, domain.OptionTypeCall, pctx.Settings.TargetPremium)
}

func (AlternateSell) InitialDirection(policy.Scratch) domain.Direction {
	return domain.DirectionSell
}

func (AlternateSell) OnStopLossHit(pctx policy.Context, _ policy.Scratch) policy.StopLossDecision {
	return policy.Reverse(pctx.Direction.Opposite())
}

func (AlternateSell) OnTargetHit(policy.Context, policy.Scratch, int) policy.TargetDecision {
	return policy.Trail()
}

func (AlternateSell) LotMultiplier() int { return 1 }
