package builtin

import (
	"context"

	"saros/internal/domain"
	"saros/internal/policy"
)

// ScratchOptionType is the scratch key the buy-side policies keep their
// working option type under.
const ScratchOptionType = "option_type"

// optionType reads the working option type from scratch, defaulting to CE.
func optionType(scratch policy.Scratch) domain.OptionType {
	if v, ok := scratch[ScratchOptionType]; ok {
		return domain.OptionType(v)
	}
	return domain.OptionTypeCall
}

var _ policy.Policy = AlternateBuy{}

// AlternateBuy buys a call first and switches to the other option type on
// every stop-out, picking a fresh contract each time.
type AlternateBuy struct{}

// NewAlternateBuy is the registry factory.
func NewAlternateBuy() policy.Policy { return AlternateBuy{} }

func (AlternateBuy) Name() string { return "alternate-buy" }

func (AlternateBuy) SelectInstrument(ctx context.Context, pctx policy.Context, scratch policy.Scratch) (domain.Instrument, error) {
	return pctx.Selector.Select(ctx, optionType(scratch), pctx.Settings.TargetPremium)
}

func (AlternateBuy) InitialDirection(scratch policy.Scratch) domain.Direction {
	scratch[ScratchOptionType] = string(domain.OptionTypeCall)
	return domain.DirectionBuy
}

func (AlternateBuy) OnStopLossHit(_ policy.Context, scratch policy.Scratch) policy.StopLossDecision {
	scratch[ScratchOptionType] = string(optionType(scratch).Toggle())
	return policy.ReselectAndEnter(domain.DirectionBuy)
}

func (AlternateBuy) OnTargetHit(policy.Context, policy.Scratch, int) policy.TargetDecision {
	return policy.Trail()
}

func (AlternateBuy) LotMultiplier() int { return 1 }
